// Package settings provides per-user storage for epubtrans: backend
// credentials and the customizable translation prompts.
//
// Everything lives in the XDG data directory:
//
//	$XDG_DATA_HOME/epubtrans/  (default: ~/.local/share/epubtrans/)
//
// Files stored:
//   - auth.json     credential profiles (API key and optional endpoint)
//   - prompts.json  translation system prompts
//
// auth.json is a JSON object keyed by profile name. File permissions are
// 0600 (owner read/write only).
//
// Lookup order for API keys (see config.Config.APIKey):
//  1. --api-key flag (highest priority)
//  2. EPUBTRANS_API_KEY environment variable
//  3. backend.api_key in the project file
//  4. This credential store
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const (
	dataDirName = "epubtrans"
	fileName    = "auth.json"
	promptsName = "prompts.json"
)

// DefaultProfile is the profile used when none is named.
const DefaultProfile = "default"

// ---------------------------------------------------------------------------
// Entry types
// ---------------------------------------------------------------------------

// Info is the credential stored for one profile.
type Info struct {
	// Type is always "api"; kept so the file can grow other kinds.
	Type string `json:"type"`
	Key  string `json:"key"`
	// BaseURL overrides the default backend endpoint for this profile.
	BaseURL string `json:"baseUrl,omitempty"`
	// Model overrides the default model for this profile.
	Model string `json:"model,omitempty"`
}

// IsAPI reports whether the entry holds an API key.
func (i *Info) IsAPI() bool {
	return i.Type == "api"
}

// Store holds all profiles, keyed by name.
type Store map[string]*Info

// Profiles returns the profile names in sorted order.
func (s Store) Profiles() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ---------------------------------------------------------------------------
// File paths
// ---------------------------------------------------------------------------

// dataDir honours $XDG_DATA_HOME and falls back to ~/.local/share.
func dataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, dataDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", dataDirName), nil
}

func filePath() (string, error) {
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// FilePath returns the auth.json path for display purposes.
func FilePath() string {
	p, err := filePath()
	if err != nil {
		return ""
	}
	return p
}

// PromptsFilePath returns the path to prompts.json.
func PromptsFilePath() (string, error) {
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, promptsName), nil
}

// DataDir returns the epubtrans data directory.
func DataDir() (string, error) {
	return dataDir()
}

// ---------------------------------------------------------------------------
// Load / Save
// ---------------------------------------------------------------------------

// Load reads the credential store from disk.
// Returns an empty store if the file doesn't exist or is invalid.
func Load() Store {
	path, err := filePath()
	if err != nil {
		return make(Store)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return make(Store)
	}

	var store Store
	if err := json.Unmarshal(data, &store); err != nil || store == nil {
		return make(Store)
	}
	return store
}

// Save writes the credential store to disk with 0600 permissions.
func Save(store Store) error {
	path, err := filePath()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing auth file: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Get / Set / Remove
// ---------------------------------------------------------------------------

// Get returns the entry for a profile, or nil if not found.
func Get(profile string) *Info {
	return Load()[profile]
}

// Set stores an entry for a profile (upsert).
func Set(profile string, info *Info) error {
	store := Load()
	store[profile] = info
	return Save(store)
}

// Remove deletes a profile. Removing a missing profile is a no-op.
func Remove(profile string) error {
	store := Load()
	if _, ok := store[profile]; !ok {
		return nil
	}
	delete(store, profile)
	return Save(store)
}

// SetAPIKey stores an API key for a profile.
func SetAPIKey(profile, key string) error {
	return Set(profile, &Info{Type: "api", Key: key})
}

// SetAPIKeyWithBaseURL stores an API key together with its endpoint.
func SetAPIKeyWithBaseURL(profile, key, baseURL string) error {
	return Set(profile, &Info{Type: "api", Key: key, BaseURL: baseURL})
}

// GetAPIKey returns the stored key for a profile, or "".
func GetAPIKey(profile string) string {
	info := Get(profile)
	if info == nil || !info.IsAPI() {
		return ""
	}
	return info.Key
}

// GetBaseURL returns the stored endpoint for a profile, or "".
func GetBaseURL(profile string) string {
	info := Get(profile)
	if info == nil {
		return ""
	}
	return info.BaseURL
}

// ---------------------------------------------------------------------------
// Display helpers
// ---------------------------------------------------------------------------

// MaskKey returns a masked version of a key for display.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// RemoveAll removes all stored credentials.
func RemoveAll() error {
	path, err := filePath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing auth file: %w", err)
	}
	return nil
}
