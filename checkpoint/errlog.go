package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/minios-linux/epubtrans/fileutil"
)

// maxContentRunes bounds the fragment stored with an error entry.
const maxContentRunes = 2000

// ErrorEntry is one failed block.
type ErrorEntry struct {
	RunID   string    `json:"run_id"`
	Time    time.Time `json:"time"`
	File    string    `json:"file"`
	Block   int       `json:"block"`
	Error   string    `json:"error"`
	Content string    `json:"content,omitempty"`
}

type errorFile struct {
	Errors []ErrorEntry `json:"errors"`
}

// ErrorLog is the append-only error ledger of quality and write
// failures. Each process run gets its own run id.
type ErrorLog struct {
	mu    sync.Mutex
	path  string
	runID string
}

// OpenErrorLog returns the error ledger inside the state directory dir.
func OpenErrorLog(dir string) *ErrorLog {
	return &ErrorLog{
		path:  filepath.Join(dir, ErrorsFileName),
		runID: uuid.NewString(),
	}
}

// RunID returns the id stamped on entries appended by this process.
func (l *ErrorLog) RunID() string {
	return l.runID
}

// Path returns the ledger file path.
func (l *ErrorLog) Path() string {
	return l.path
}

// Append records a failure for block of file.
func (l *ErrorLog) Append(file string, block int, cause error, content string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ef, err := l.read()
	if err != nil {
		return err
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if r := []rune(content); len(r) > maxContentRunes {
		content = string(r[:maxContentRunes])
	}

	ef.Errors = append(ef.Errors, ErrorEntry{
		RunID:   l.runID,
		Time:    time.Now().UTC(),
		File:    file,
		Block:   block,
		Error:   msg,
		Content: content,
	})

	data, err := json.MarshalIndent(ef, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling error ledger: %w", err)
	}
	return fileutil.WriteAtomic(l.path, append(data, '\n'), 0644)
}

// Entries returns every recorded entry in append order.
func (l *ErrorLog) Entries() ([]ErrorEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ef, err := l.read()
	if err != nil {
		return nil, err
	}
	return ef.Errors, nil
}

func (l *ErrorLog) read() (*errorFile, error) {
	ef := &errorFile{}
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ef, nil
		}
		return nil, fmt.Errorf("reading %s: %w", l.path, err)
	}
	if err := json.Unmarshal(data, ef); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", l.path, err)
	}
	return ef, nil
}
