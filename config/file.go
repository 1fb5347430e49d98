package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/minios-linux/epubtrans/fileutil"
)

// FileNames lists the recognised configuration files in lookup order.
var FileNames = []string{".epubtrans.yaml", ".epubtrans.yml", ".epubtrans.toml"}

// ---------------------------------------------------------------------------
// Duration
// ---------------------------------------------------------------------------

// Duration is a time.Duration written as "30s" or "1m30s" in config files.
type Duration time.Duration

// Seconds returns n seconds as a Duration.
func Seconds(n int) Duration { return Duration(time.Duration(n) * time.Second) }

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. A bare number is
// read as seconds. TOML values must be quoted strings.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	if !strings.ContainsAny(s, "smhµun") {
		s += "s"
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", string(text))
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", string(text))
	}
	*d = Duration(v)
	return nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Find returns the configuration file in root, or "" when there is none.
func Find(root string) string {
	for _, name := range FileNames {
		p := filepath.Join(root, name)
		if fileutil.Exists(p) {
			return p
		}
	}
	return ""
}

// Load reads the configuration for the project in root. A missing file is
// not an error: the defaults are returned.
func Load(root string) (Config, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Config{}, fmt.Errorf("resolving %s: %w", root, err)
	}

	cfg := Default()
	cfg.Root = abs

	p := Find(abs)
	if p == "" {
		return cfg, nil
	}
	if err := decodeFile(p, &cfg); err != nil {
		return Config{}, err
	}
	cfg.File = p
	return cfg, nil
}

func decodeFile(p string, cfg *Config) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("reading %s: %w", p, err)
	}

	if strings.HasSuffix(p, ".toml") {
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("parsing %s: %w", p, err)
		}
		return nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing %s: %w", p, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// Marshal renders cfg in the format implied by name (.toml or YAML).
func Marshal(cfg Config, name string) ([]byte, error) {
	if strings.HasSuffix(name, ".toml") {
		return toml.Marshal(cfg)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteDefault writes the default configuration to root/name and returns
// its path. An existing file is left untouched unless force is set.
func WriteDefault(root, name string, force bool) (string, error) {
	p := filepath.Join(root, name)
	if !force && fileutil.Exists(p) {
		return p, fmt.Errorf("%s already exists", p)
	}
	data, err := Marshal(Default(), name)
	if err != nil {
		return p, fmt.Errorf("encoding %s: %w", p, err)
	}
	if err := fileutil.WriteAtomic(p, data, 0644); err != nil {
		return p, err
	}
	return p, nil
}
