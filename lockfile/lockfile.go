// Package lockfile implements epubtrans.lock, which records an MD5 checksum
// of every translated source block. When a source document is edited after
// it was translated, the changed checksums identify it so the document can
// be translated again instead of being resumed against stale merges.
//
// The lock file lives in the state directory next to the progress ledger.
package lockfile

import (
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/minios-linux/epubtrans/fileutil"
)

// FileName is the lock file name inside the state directory.
const FileName = "epubtrans.lock"

// Version is the lock file format version.
const Version = 1

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// LockFile maps document paths to block index keys to source checksums.
// A nil *LockFile is valid and records nothing.
type LockFile struct {
	Version   int                          `yaml:"version"`
	Documents map[string]map[string]string `yaml:"documents"` // doc -> block index -> md5

	mu   sync.Mutex `yaml:"-"`
	path string     `yaml:"-"`
}

// ---------------------------------------------------------------------------
// Loading and saving
// ---------------------------------------------------------------------------

// Load reads the lock file from dir.
// Returns an empty lock file if the file doesn't exist.
func Load(dir string) (*LockFile, error) {
	path := filepath.Join(dir, FileName)
	lf := &LockFile{
		Version:   Version,
		Documents: make(map[string]map[string]string),
		path:      path,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return lf, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, lf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if lf.Version > Version {
		return nil, fmt.Errorf("%s: unsupported version %d", path, lf.Version)
	}
	lf.path = path

	if lf.Documents == nil {
		lf.Documents = make(map[string]map[string]string)
	}
	return lf, nil
}

// Save writes the lock file atomically.
func (lf *LockFile) Save() error {
	if lf == nil {
		return nil
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if lf.path == "" {
		return fmt.Errorf("lock file path not set")
	}

	data, err := yaml.Marshal(lf)
	if err != nil {
		return fmt.Errorf("marshaling lock file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lf.path), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(lf.path), err)
	}
	return fileutil.WriteAtomic(lf.path, data, 0644)
}

// Path returns the lock file path.
func (lf *LockFile) Path() string {
	if lf == nil {
		return ""
	}
	return lf.path
}

// ---------------------------------------------------------------------------
// Checksum operations
// ---------------------------------------------------------------------------

// Hash computes the MD5 hex digest of a string.
func Hash(s string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(s)))
}

// BlockKey is the key of block index within a document.
func BlockKey(index int) string {
	return strconv.Itoa(index)
}

// Known reports whether a checksum is recorded for the block.
func (lf *LockFile) Known(doc string, index int) bool {
	if lf == nil {
		return false
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()
	_, ok := lf.Documents[doc][BlockKey(index)]
	return ok
}

// Changed returns the indices whose recorded checksum differs from the
// current source, plus recorded indices past the end of sources. Blocks
// without a recorded checksum are not reported.
func (lf *LockFile) Changed(doc string, sources []string) []int {
	if lf == nil {
		return nil
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()

	keys := lf.Documents[doc]
	if len(keys) == 0 {
		return nil
	}

	var changed []int
	for k, hash := range keys {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(sources) || Hash(sources[i]) != hash {
			changed = append(changed, i)
		}
	}
	sort.Ints(changed)
	return changed
}

// Update records the checksum of a translated block's source.
func (lf *LockFile) Update(doc string, index int, source string) {
	if lf == nil {
		return
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if lf.Documents[doc] == nil {
		lf.Documents[doc] = make(map[string]string)
	}
	lf.Documents[doc][BlockKey(index)] = Hash(source)
}

// RemoveDocument forgets every checksum of a document.
func (lf *LockFile) RemoveDocument(doc string) {
	if lf == nil {
		return
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()
	delete(lf.Documents, doc)
}

// Clean removes documents that are not in current, so entries of deleted
// files do not accumulate.
func (lf *LockFile) Clean(current []string) {
	if lf == nil {
		return
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()

	valid := make(map[string]bool, len(current))
	for _, d := range current {
		valid[d] = true
	}
	for d := range lf.Documents {
		if !valid[d] {
			delete(lf.Documents, d)
		}
	}
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats returns the number of documents and recorded blocks.
func (lf *LockFile) Stats() (docs, blocks int) {
	if lf == nil {
		return 0, 0
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()

	docs = len(lf.Documents)
	for _, m := range lf.Documents {
		blocks += len(m)
	}
	return
}

// DocumentPaths returns the recorded documents in sorted order.
func (lf *LockFile) DocumentPaths() []string {
	if lf == nil {
		return nil
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()

	docs := make([]string, 0, len(lf.Documents))
	for d := range lf.Documents {
		docs = append(docs, d)
	}
	sort.Strings(docs)
	return docs
}

// Summary returns a human-readable summary string.
func (lf *LockFile) Summary() string {
	docs, blocks := lf.Stats()
	if docs == 0 {
		return "empty"
	}
	var parts []string
	for _, d := range lf.DocumentPaths() {
		lf.mu.Lock()
		n := len(lf.Documents[d])
		lf.mu.Unlock()
		parts = append(parts, fmt.Sprintf("%s (%d)", d, n))
	}
	return fmt.Sprintf("%d documents, %d blocks: %s", docs, blocks, strings.Join(parts, ", "))
}
