package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/minios-linux/epubtrans/settings"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.File != "" {
		t.Fatalf("File = %q, want empty", cfg.File)
	}
	if cfg.SourceLang != "ja" || cfg.TargetLang != "zh-CN" {
		t.Fatalf("languages = %s -> %s", cfg.SourceLang, cfg.TargetLang)
	}
	if got, want := cfg.SourcePath(), filepath.Join(dir, "source"); got != want {
		t.Fatalf("SourcePath() = %q, want %q", got, want)
	}
	if got := cfg.Backend.AttemptTimeout.Std(); got != time.Minute {
		t.Fatalf("attempt_timeout = %v, want 1m", got)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.Delay.Std() != 2*time.Second {
		t.Fatalf("retry = %+v", cfg.Retry)
	}
	if cfg.Checkpoint.Backend != "json" {
		t.Fatalf("checkpoint.backend = %q", cfg.Checkpoint.Backend)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".epubtrans.yaml"), `
source_dir: book
target_lang: en
bilingual: true
backend:
  model: local-model
  idle_timeout: 45s
  requests_per_minute: 30
retry:
  max_attempts: 5
  delay: 3
watchdog:
  high_water_mb: 256
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.File != filepath.Join(dir, ".epubtrans.yaml") {
		t.Fatalf("File = %q", cfg.File)
	}
	if cfg.SourceDir != "book" || cfg.TargetLang != "en" || !cfg.Bilingual {
		t.Fatalf("top-level keys not applied: %+v", cfg)
	}
	if cfg.Backend.Model != "local-model" || cfg.Backend.IdleTimeout.Std() != 45*time.Second {
		t.Fatalf("backend = %+v", cfg.Backend)
	}
	if cfg.Backend.URL != Default().Backend.URL {
		t.Fatalf("unset backend.url lost its default: %q", cfg.Backend.URL)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.Delay.Std() != 3*time.Second {
		t.Fatalf("retry = %+v", cfg.Retry)
	}
	if cfg.Watchdog.HighWaterMB != 256 || cfg.Watchdog.Interval.Std() != 10*time.Second {
		t.Fatalf("watchdog = %+v", cfg.Watchdog)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".epubtrans.toml"), `
output_dir = "out"
source_lang = "ja"

[backend]
url = "http://localhost:1234/v1"
attempt_timeout = "2m"

[checkpoint]
backend = "sqlite"
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.OutputDir != "out" || cfg.Checkpoint.Backend != "sqlite" {
		t.Fatalf("keys not applied: %+v", cfg)
	}
	if cfg.Backend.URL != "http://localhost:1234/v1" || cfg.Backend.AttemptTimeout.Std() != 2*time.Minute {
		t.Fatalf("backend = %+v", cfg.Backend)
	}
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]struct {
		name, content, want string
	}{
		"unknown yaml key": {".epubtrans.yaml", "sourcedir: x\n", "parsing"},
		"bad duration":     {".epubtrans.yml", "retry:\n  delay: soon\n", "invalid duration"},
		"unknown toml key": {".epubtrans.toml", "nope = 1\n", "parsing"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, tc.name), tc.content)
			_, err := Load(dir)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestEmptyYAMLFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".epubtrans.yaml"), "")
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.SourceDir != "source" {
		t.Fatalf("SourceDir = %q", cfg.SourceDir)
	}
}

func TestWithLeavesOriginalUntouched(t *testing.T) {
	base := Default()
	got := base.With(Overrides{TargetLang: "ko", Model: "m", MaxAttempts: 7, Bilingual: true})

	if got.TargetLang != "ko" || got.Backend.Model != "m" || got.Retry.MaxAttempts != 7 || !got.Bilingual {
		t.Fatalf("overrides not applied: %+v", got)
	}
	if base.TargetLang != "zh-CN" || base.Backend.Model == "m" || base.Bilingual {
		t.Fatalf("base config was modified: %+v", base)
	}

	same := base.With(Overrides{})
	if same.SourceDir != base.SourceDir || same.Retry != base.Retry {
		t.Fatalf("empty overrides changed values: %+v", same)
	}
}

func TestAPIKeyLookupOrder(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv(APIKeyEnv, "")

	cfg := Default()
	if _, err := cfg.APIKey(); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("APIKey() error = %v, want ErrNoCredential", err)
	}

	if err := settings.SetAPIKey("default", "stored-key"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}
	assertKey(t, cfg, "stored-key")

	cfg.Backend.APIKey = "file-key"
	assertKey(t, cfg, "file-key")

	t.Setenv(APIKeyEnv, "env-key")
	assertKey(t, cfg, "env-key")

	assertKey(t, cfg.With(Overrides{APIKey: "flag-key"}), "flag-key")
}

func assertKey(t *testing.T, cfg Config, want string) {
	t.Helper()
	got, err := cfg.APIKey()
	if err != nil {
		t.Fatalf("APIKey() error: %v", err)
	}
	if got != want {
		t.Fatalf("APIKey() = %q, want %q", got, want)
	}
}

func TestBackendURLFromProfile(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	if err := settings.SetAPIKeyWithBaseURL("work", "k", "https://llm.example/v1"); err != nil {
		t.Fatalf("SetAPIKeyWithBaseURL: %v", err)
	}

	cfg := Default().With(Overrides{Profile: "work"})
	if got := cfg.BackendURL(); got != "https://llm.example/v1" {
		t.Fatalf("BackendURL() = %q", got)
	}
	if got := cfg.BackendModel(); got != Default().Backend.Model {
		t.Fatalf("BackendModel() = %q", got)
	}
	if err := settings.Set("work", &settings.Info{Type: "api", Key: "k", Model: "qwen"}); err != nil {
		t.Fatal(err)
	}
	if got := cfg.BackendModel(); got != "qwen" {
		t.Fatalf("BackendModel() = %q, want profile model", got)
	}
	cfg = cfg.With(Overrides{URL: "http://127.0.0.1:9000/v1"})
	if got := cfg.BackendURL(); got != "http://127.0.0.1:9000/v1" {
		t.Fatalf("explicit url ignored: %q", got)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "source"), 0755); err != nil {
		t.Fatal(err)
	}
	cfg := Default()
	cfg.Root = dir

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	missing := cfg.With(Overrides{SourceDir: "nowhere"})
	if err := missing.Validate(); !errors.Is(err, ErrNoSource) {
		t.Fatalf("Validate() error = %v, want ErrNoSource", err)
	}

	bad := cfg.With(Overrides{Checkpoint: "redis"})
	if err := bad.Validate(); err == nil || !strings.Contains(err.Error(), "checkpoint.backend") {
		t.Fatalf("Validate() error = %v", err)
	}

	same := cfg.With(Overrides{OutputDir: "source"})
	if err := same.Validate(); err == nil {
		t.Fatal("Validate() accepted output_dir == source_dir")
	}
}

func TestContentRoot(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Root = dir

	if got := cfg.ContentRoot(); got != cfg.SourcePath() {
		t.Fatalf("ContentRoot() without container = %q", got)
	}

	writeFile(t, filepath.Join(dir, "source", "META-INF", "container.xml"), `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles><rootfile full-path="item/standard.opf" media-type="application/oebps-package+xml"/></rootfiles>
</container>`)
	if got, want := cfg.ContentRoot(), filepath.Join(dir, "source", "item"); got != want {
		t.Fatalf("ContentRoot() = %q, want %q", got, want)
	}
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	for _, name := range []string{".epubtrans.yaml", ".epubtrans.toml"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			p, err := WriteDefault(dir, name, false)
			if err != nil {
				t.Fatalf("WriteDefault() error: %v", err)
			}
			if _, err := WriteDefault(dir, name, false); err == nil {
				t.Fatal("WriteDefault() overwrote an existing file")
			}

			cfg, err := Load(dir)
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			if cfg.File != p {
				t.Fatalf("File = %q, want %q", cfg.File, p)
			}
			want := Default()
			if cfg.Backend != want.Backend || cfg.Retry != want.Retry || cfg.Watchdog != want.Watchdog {
				t.Fatalf("round trip changed values:\n got %+v\nwant %+v", cfg, want)
			}
		})
	}
}

func TestDurationText(t *testing.T) {
	cases := map[string]time.Duration{
		"90s":  90 * time.Second,
		"1m":   time.Minute,
		"5":    5 * time.Second,
		" 2s ": 2 * time.Second,
		"":     0,
	}
	for in, want := range cases {
		var d Duration
		if err := d.UnmarshalText([]byte(in)); err != nil {
			t.Fatalf("UnmarshalText(%q) error: %v", in, err)
		}
		if d.Std() != want {
			t.Fatalf("UnmarshalText(%q) = %v, want %v", in, d.Std(), want)
		}
	}
	var d Duration
	if err := d.UnmarshalText([]byte("-3s")); err == nil {
		t.Fatal("negative duration accepted")
	}
}
