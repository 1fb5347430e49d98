// Package i18n localizes the messages epubtrans prints to the terminal.
//
// Catalogs are gettext .po files compiled into the binary from
// locales/<lang>/LC_MESSAGES/epubtrans.po and read through gotext.
// Call Init once from main; T and N pass strings through unchanged
// until then, and for languages without a catalog.
package i18n

import (
	"embed"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/leonelquinteros/gotext"
)

//go:embed all:locales
var locales embed.FS

const domain = "epubtrans"

// LangEnv selects the interface language ahead of the locale variables.
const LangEnv = "EPUBTRANS_LANG"

var (
	po      *gotext.Locale
	current string
)

// Init loads the catalog for lang. An empty lang is taken from
// EPUBTRANS_LANG, then LANGUAGE, LC_ALL, LC_MESSAGES and LANG.
// Tags such as "zh-CN" are accepted and mapped to "zh_CN".
func Init(lang string) {
	if lang == "" {
		lang = detectLanguage()
	}
	lang = normalize(lang)

	current = lang
	po = gotext.NewLocaleFSWithPath(lang, locales, "locales")
	po.AddDomain(domain)
	po.SetDomain(domain)
}

// T returns the translation of msgid, or msgid itself.
func T(msgid string) string {
	if po == nil {
		return msgid
	}
	// Get only formats when vars are given; the method value keeps vet's
	// printf check from treating msgid as a format string.
	get := po.Get
	return get(msgid)
}

// N is T for messages with a count. Without a catalog the singular is
// used for n == 1 and the plural otherwise.
func N(singular, plural string, n int) string {
	if po != nil {
		return po.GetN(singular, plural, n)
	}
	if n == 1 {
		return singular
	}
	return plural
}

// Language returns the language Init selected, or "" before Init.
func Language() string {
	return current
}

// Available lists the languages with an embedded catalog.
func Available() []string {
	entries, err := fs.ReadDir(locales, "locales")
	if err != nil {
		return nil
	}
	var langs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := fs.Stat(locales, "locales/"+e.Name()+"/LC_MESSAGES/"+domain+".po"); err == nil {
			langs = append(langs, e.Name())
		}
	}
	sort.Strings(langs)
	return langs
}

func detectLanguage() string {
	for _, env := range []string{LangEnv, "LANGUAGE", "LC_ALL", "LC_MESSAGES", "LANG"} {
		val := os.Getenv(env)
		if env == "LANGUAGE" {
			val, _, _ = strings.Cut(val, ":")
		}
		val, _, _ = strings.Cut(val, ".")
		val, _, _ = strings.Cut(val, "@")
		if val == "" || val == "C" || val == "POSIX" {
			continue
		}
		return val
	}
	return "en"
}

// normalize turns a BCP 47 style tag into a gettext locale name.
func normalize(lang string) string {
	lang = strings.TrimSpace(lang)
	lang, region, ok := strings.Cut(strings.ReplaceAll(lang, "-", "_"), "_")
	if !ok {
		return strings.ToLower(lang)
	}
	return strings.ToLower(lang) + "_" + strings.ToUpper(region)
}
