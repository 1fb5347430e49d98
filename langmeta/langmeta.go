// Package langmeta provides a shared language metadata registry: the
// names used in prompts and CLI output, and the script ranges used to
// recognise text that is still written in the source language.
package langmeta

import (
	"strings"
	"unicode"
)

// Meta describes a language.
type Meta struct {
	// Name is the English name, used in prompts.
	Name string
	// Native is the language's own name, used in CLI output.
	Native string
	// Script holds the code points that only this language's writing
	// system uses. Nil means the language has no exclusive script check.
	Script *unicode.RangeTable
	// Punctuation lists punctuation marks that belong to this language's
	// typography and should not survive translation into another one.
	Punctuation string
}

// Kana covers hiragana, katakana, the katakana phonetic extensions and
// halfwidth katakana. Ideographs are shared with Chinese and are left out.
var Kana = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x3040, Hi: 0x30ff, Stride: 1},
		{Lo: 0x31f0, Hi: 0x31ff, Stride: 1},
		{Lo: 0xff66, Hi: 0xff9f, Stride: 1},
	},
}

// JapanesePunctuation are marks used in Japanese typesetting that
// Simplified Chinese writes differently.
const JapanesePunctuation = "・「」『』｡｢｣､･"

// Registry contains canonical language metadata.
// Locale variants are resolved in Resolve() via normalization and base fallback.
var Registry = map[string]Meta{
	"ja":    {Name: "Japanese", Native: "日本語", Script: Kana, Punctuation: JapanesePunctuation},
	"ko":    {Name: "Korean", Native: "한국어", Script: unicode.Hangul},
	"th":    {Name: "Thai", Native: "ไทย", Script: unicode.Thai},
	"ru":    {Name: "Russian", Native: "Русский", Script: unicode.Cyrillic},
	"uk":    {Name: "Ukrainian", Native: "Українська", Script: unicode.Cyrillic},
	"el":    {Name: "Greek", Native: "Ελληνικά", Script: unicode.Greek},
	"ar":    {Name: "Arabic", Native: "العربية", Script: unicode.Arabic},
	"he":    {Name: "Hebrew", Native: "עברית", Script: unicode.Hebrew},
	"zh":    {Name: "Chinese", Native: "中文", Script: unicode.Han},
	"zh-CN": {Name: "Simplified Chinese", Native: "简体中文", Script: unicode.Han},
	"zh-TW": {Name: "Traditional Chinese", Native: "繁體中文", Script: unicode.Han},
	"en":    {Name: "English", Native: "English"},
	"de":    {Name: "German", Native: "Deutsch"},
	"fr":    {Name: "French", Native: "Français"},
	"es":    {Name: "Spanish", Native: "Español"},
	"it":    {Name: "Italian", Native: "Italiano"},
	"pt":    {Name: "Portuguese", Native: "Português"},
	"pt-BR": {Name: "Brazilian Portuguese", Native: "Português (Brasil)"},
	"vi":    {Name: "Vietnamese", Native: "Tiếng Việt"},
}

func canonicalize(lang string) string {
	normalized := strings.ReplaceAll(strings.TrimSpace(lang), "_", "-")
	if normalized == "" {
		return ""
	}
	parts := strings.Split(normalized, "-")
	parts[0] = strings.ToLower(parts[0])
	if len(parts) >= 2 {
		parts[1] = strings.ToUpper(parts[1])
	}
	return strings.Join(parts, "-")
}

// Resolve returns best-effort language metadata for language codes,
// supporting variants like zh_CN, zh-cn, and locale fallbacks.
func Resolve(lang string) Meta {
	if m, ok := Registry[lang]; ok {
		return m
	}
	normalized := canonicalize(lang)
	if m, ok := Registry[normalized]; ok {
		return m
	}
	if parts := strings.SplitN(normalized, "-", 2); len(parts) == 2 {
		if m, ok := Registry[parts[0]]; ok {
			return m
		}
	}
	return Meta{Name: lang, Native: lang}
}

// HasScript reports whether s contains at least one code point of the
// language's exclusive script. Languages without a script table never match.
func (m Meta) HasScript(s string) bool {
	if m.Script == nil {
		return false
	}
	for _, r := range s {
		if unicode.Is(m.Script, r) {
			return true
		}
	}
	return false
}

// ScriptResidue returns the distinct script code points found in s, in
// order of first appearance.
func (m Meta) ScriptResidue(s string) []rune {
	if m.Script == nil {
		return nil
	}
	return collect(s, func(r rune) bool { return unicode.Is(m.Script, r) })
}

// PunctuationResidue returns the distinct language-exclusive punctuation
// marks found in s. extra replaces the built-in list when non-empty.
func (m Meta) PunctuationResidue(s, extra string) []rune {
	set := m.Punctuation
	if extra != "" {
		set = extra
	}
	if set == "" {
		return nil
	}
	return collect(s, func(r rune) bool { return strings.ContainsRune(set, r) })
}

func collect(s string, match func(rune) bool) []rune {
	var out []rune
	seen := make(map[rune]bool)
	for _, r := range s {
		if match(r) && !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}
