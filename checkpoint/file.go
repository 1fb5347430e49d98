package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/minios-linux/epubtrans/fileutil"
)

// FileStore keeps the ledger in a single JSON file.
type FileStore struct {
	ledger
	path   string
	closed bool
}

// NewFileStore returns a store backed by the JSON file at path. Nothing
// is read until Load.
func NewFileStore(path string) *FileStore {
	return &FileStore{ledger: ledger{state: NewState()}, path: path}
}

// Load reads the ledger file. A missing file yields an empty state.
func (s *FileStore) Load() (*State, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s.replace(NewState()), nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	st := NewState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	return s.replace(st), nil
}

// Save overwrites the ledger file through a temp file and rename.
func (s *FileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.state.Meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling progress: %w", err)
	}
	data = append(data, '\n')

	if err := fileutil.WriteAtomic(s.path, data, 0644); err != nil {
		return err
	}
	return nil
}

// Close marks the store closed. The file needs no teardown.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Path returns the ledger file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
