// Package config loads project settings for epubtrans.
//
// A project is a directory holding the unpacked source book and, optionally,
// one of the following files:
//
//	.epubtrans.yaml
//	.epubtrans.yml
//	.epubtrans.toml
//
// Every key has a default, so a project without a file still works. Relative
// paths are resolved against the project root. A loaded Config is a value;
// overrides produce a new copy instead of mutating the original.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minios-linux/epubtrans/book"
	"github.com/minios-linux/epubtrans/settings"
)

// APIKeyEnv is the environment variable checked for the backend key.
const APIKeyEnv = "EPUBTRANS_API_KEY"

var (
	// ErrNoCredential is returned when no API key is found in any source.
	ErrNoCredential = errors.New("no API key configured")
	// ErrNoSource is returned when the source tree does not exist.
	ErrNoSource = errors.New("source directory not found")
)

// ---------------------------------------------------------------------------
// Config structure
// ---------------------------------------------------------------------------

// Config is the effective project configuration.
type Config struct {
	SourceDir  string `yaml:"source_dir" toml:"source_dir"`
	OutputDir  string `yaml:"output_dir" toml:"output_dir"`
	StateDir   string `yaml:"state_dir" toml:"state_dir"`
	Checklist  string `yaml:"checklist" toml:"checklist"`
	Glossary   string `yaml:"glossary" toml:"glossary"`
	SourceLang string `yaml:"source_lang" toml:"source_lang"`
	TargetLang string `yaml:"target_lang" toml:"target_lang"`
	// Prompt replaces the system prompt. Empty uses prompts.json or the
	// built-in prompt.
	Prompt    string `yaml:"prompt,omitempty" toml:"prompt,omitempty"`
	Bilingual bool   `yaml:"bilingual" toml:"bilingual"`

	Backend    Backend    `yaml:"backend" toml:"backend"`
	Retry      Retry      `yaml:"retry" toml:"retry"`
	Quality    Quality    `yaml:"quality" toml:"quality"`
	Checkpoint Checkpoint `yaml:"checkpoint" toml:"checkpoint"`
	Watchdog   Watchdog   `yaml:"watchdog" toml:"watchdog"`

	// Root is the absolute project directory.
	Root string `yaml:"-" toml:"-"`
	// File is the configuration file that was read, or "" for defaults.
	File string `yaml:"-" toml:"-"`

	apiKeyFlag string
}

// Backend configures the model endpoint and connection handling.
type Backend struct {
	URL   string `yaml:"url" toml:"url"`
	Model string `yaml:"model" toml:"model"`
	// Profile names the stored credential used when no key is given
	// explicitly.
	Profile           string   `yaml:"profile" toml:"profile"`
	APIKey            string   `yaml:"api_key,omitempty" toml:"api_key,omitempty"`
	AttemptTimeout    Duration `yaml:"attempt_timeout" toml:"attempt_timeout"`
	IdleTimeout       Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	ConnectAttempts   int      `yaml:"connect_attempts" toml:"connect_attempts"`
	HistoryTurns      int      `yaml:"history_turns" toml:"history_turns"`
	RequestsPerMinute int      `yaml:"requests_per_minute" toml:"requests_per_minute"`
	KillStale         bool     `yaml:"kill_stale" toml:"kill_stale"`
}

// Retry configures per-block translation attempts.
type Retry struct {
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
	Delay       Duration `yaml:"delay" toml:"delay"`
}

// Quality configures the output checks.
type Quality struct {
	// ForbiddenPunctuation replaces the source language's punctuation list.
	ForbiddenPunctuation string `yaml:"forbidden_punctuation,omitempty" toml:"forbidden_punctuation,omitempty"`
}

// Checkpoint selects the progress ledger implementation.
type Checkpoint struct {
	Backend string `yaml:"backend" toml:"backend"`
}

// Watchdog configures the memory watchdog.
type Watchdog struct {
	Interval    Duration `yaml:"interval" toml:"interval"`
	HighWaterMB int      `yaml:"high_water_mb" toml:"high_water_mb"`
}

// Default returns the configuration used when no file sets a key.
func Default() Config {
	return Config{
		SourceDir:  "source",
		OutputDir:  "translated",
		StateDir:   ".epubtrans",
		Checklist:  "translate-checklist.md",
		Glossary:   "glossary.md",
		SourceLang: "ja",
		TargetLang: "zh-CN",
		Backend: Backend{
			URL:             "http://127.0.0.1:8080/v1",
			Model:           "gpt-4o-mini",
			Profile:         settings.DefaultProfile,
			AttemptTimeout:  Seconds(60),
			IdleTimeout:     Seconds(20),
			ConnectAttempts: 5,
			HistoryTurns:    2,
		},
		Retry: Retry{
			MaxAttempts: 3,
			Delay:       Seconds(2),
		},
		Checkpoint: Checkpoint{Backend: "json"},
		Watchdog: Watchdog{
			Interval:    Seconds(10),
			HighWaterMB: 512,
		},
	}
}

// ---------------------------------------------------------------------------
// Overrides
// ---------------------------------------------------------------------------

// Overrides carries command-line values. Empty strings and zero numbers
// leave the loaded value alone.
type Overrides struct {
	SourceDir   string
	OutputDir   string
	SourceLang  string
	TargetLang  string
	URL         string
	Model       string
	Profile     string
	APIKey      string
	MaxAttempts int
	Checkpoint  string
	Bilingual   bool
}

// With returns a copy of c with o applied.
func (c Config) With(o Overrides) Config {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.SourceDir, o.SourceDir)
	set(&c.OutputDir, o.OutputDir)
	set(&c.SourceLang, o.SourceLang)
	set(&c.TargetLang, o.TargetLang)
	set(&c.Backend.URL, o.URL)
	set(&c.Backend.Model, o.Model)
	set(&c.Backend.Profile, o.Profile)
	set(&c.Checkpoint.Backend, o.Checkpoint)
	set(&c.apiKeyFlag, o.APIKey)
	if o.MaxAttempts > 0 {
		c.Retry.MaxAttempts = o.MaxAttempts
	}
	if o.Bilingual {
		c.Bilingual = true
	}
	return c
}

// ---------------------------------------------------------------------------
// Paths
// ---------------------------------------------------------------------------

func (c Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

// SourcePath returns the absolute source tree directory.
func (c Config) SourcePath() string { return c.resolve(c.SourceDir) }

// OutputPath returns the absolute destination tree directory.
func (c Config) OutputPath() string { return c.resolve(c.OutputDir) }

// StatePath returns the absolute state directory.
func (c Config) StatePath() string { return c.resolve(c.StateDir) }

// ChecklistPath returns the absolute checklist path.
func (c Config) ChecklistPath() string { return c.resolve(c.Checklist) }

// GlossaryPath returns the absolute glossary path.
func (c Config) GlossaryPath() string { return c.resolve(c.Glossary) }

// ContentRoot returns the directory that holds the package document,
// taken from the rootfile declared in META-INF/container.xml. Without a
// container the source tree itself is returned.
func (c Config) ContentRoot() string {
	src := c.SourcePath()
	rel, err := book.RootFile(src)
	if err != nil {
		return src
	}
	dir := path.Dir(rel)
	if dir == "." {
		return src
	}
	return filepath.Join(src, filepath.FromSlash(dir))
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

// APIKey returns the backend key. Lookup order: the --api-key flag, the
// EPUBTRANS_API_KEY environment variable, backend.api_key in the project
// file, then the stored credential for backend.profile.
func (c Config) APIKey() (string, error) {
	if c.apiKeyFlag != "" {
		return c.apiKeyFlag, nil
	}
	if key := strings.TrimSpace(os.Getenv(APIKeyEnv)); key != "" {
		return key, nil
	}
	if c.Backend.APIKey != "" {
		return c.Backend.APIKey, nil
	}
	if key := settings.GetAPIKey(c.Backend.Profile); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("%w: use --api-key, %s or 'epubtrans auth login'", ErrNoCredential, APIKeyEnv)
}

// BackendURL returns the configured endpoint. A URL stored with the
// profile's credential is used when the project keeps the default.
func (c Config) BackendURL() string {
	if c.Backend.URL == Default().Backend.URL {
		if u := settings.GetBaseURL(c.Backend.Profile); u != "" {
			return u
		}
	}
	return c.Backend.URL
}

// BackendModel returns the configured model, preferring the profile's
// stored model over the default one.
func (c Config) BackendModel() string {
	if c.Backend.Model == Default().Backend.Model {
		if info := settings.Get(c.Backend.Profile); info != nil && info.Model != "" {
			return info.Model
		}
	}
	return c.Backend.Model
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks values that cannot be defaulted. It does not look for
// credentials; commands that talk to the backend call APIKey.
func (c Config) Validate() error {
	where := c.File
	if where == "" {
		where = "configuration"
	}
	if c.SourceDir == "" || c.OutputDir == "" || c.StateDir == "" {
		return fmt.Errorf("%s: source_dir, output_dir and state_dir must not be empty", where)
	}
	if c.SourcePath() == c.OutputPath() {
		return fmt.Errorf("%s: output_dir must differ from source_dir", where)
	}
	if c.SourceLang == "" || c.TargetLang == "" {
		return fmt.Errorf("%s: source_lang and target_lang are required", where)
	}
	switch c.Checkpoint.Backend {
	case "json", "sqlite":
	default:
		return fmt.Errorf("%s: checkpoint.backend must be json or sqlite, got %q", where, c.Checkpoint.Backend)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%s: retry.max_attempts must be at least 1", where)
	}
	if c.Backend.ConnectAttempts < 1 {
		return fmt.Errorf("%s: backend.connect_attempts must be at least 1", where)
	}
	if c.Backend.HistoryTurns < 0 || c.Backend.RequestsPerMinute < 0 || c.Watchdog.HighWaterMB < 0 {
		return fmt.Errorf("%s: negative values are not allowed", where)
	}

	info, err := os.Stat(c.SourcePath())
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNoSource, c.SourcePath())
	}
	return nil
}
