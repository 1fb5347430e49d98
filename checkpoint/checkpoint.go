// Package checkpoint implements the progress ledger that makes a
// translation run resumable.
//
// Progress is tracked per document (total blocks, completed block
// indices, cursor, completion flag) and aggregated into job totals. All
// mutation happens in memory; Save overwrites the durable ledger in
// full and is meant to be called after every completed block.
package checkpoint

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/minios-linux/epubtrans/book"
)

// File names inside the state directory.
const (
	ProgressFileName = "progress.json"
	ProgressDBName   = "progress.db"
	ErrorsFileName   = "errors.json"
)

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

var (
	// ErrUnknownDocument is returned when a block is recorded for a
	// document that was never reconciled.
	ErrUnknownDocument = errors.New("document not in checkpoint")
	// ErrBlockRange is returned for a block index outside the document.
	ErrBlockRange = errors.New("block index out of range")
	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown checkpoint backend")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("checkpoint store closed")
)

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// Record is the progress of one document.
type Record struct {
	Type            book.DocType `json:"type"`
	TotalBlocks     int          `json:"total_blocks"`
	CompletedBlocks int          `json:"completed_blocks"`
	Completed       []int        `json:"completed"`
	Cursor          int          `json:"current_position"`
	IsCompleted     bool         `json:"is_completed"`
}

// Meta holds job-level totals.
type Meta struct {
	TotalFiles      int       `json:"total_files"`
	CompletedFiles  int       `json:"completed_files"`
	TotalBlocks     int       `json:"total_blocks"`
	CompletedBlocks int       `json:"completed_blocks"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// State is the whole ledger, keyed by document RelPath.
type State struct {
	Meta  Meta               `json:"meta"`
	Files map[string]*Record `json:"files"`
}

// NewState returns an empty ledger.
func NewState() *State {
	return &State{Files: make(map[string]*Record)}
}

// Paths returns the document paths in sorted order.
func (s *State) Paths() []string {
	paths := make([]string, 0, len(s.Files))
	for p := range s.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// clone returns a deep copy.
func (s *State) clone() *State {
	out := &State{Meta: s.Meta, Files: make(map[string]*Record, len(s.Files))}
	for p, r := range s.Files {
		rc := *r
		rc.Completed = append([]int(nil), r.Completed...)
		out.Files[p] = &rc
	}
	return out
}

// recompute refreshes the derived fields of every record and the totals.
func (s *State) recompute() {
	var m Meta
	m.UpdatedAt = s.Meta.UpdatedAt
	for _, r := range s.Files {
		r.normalize()
		m.TotalFiles++
		m.TotalBlocks += r.TotalBlocks
		m.CompletedBlocks += r.CompletedBlocks
		if r.IsCompleted {
			m.CompletedFiles++
		}
	}
	s.Meta = m
}

// normalize sorts and dedupes Completed, drops indices outside
// [0, TotalBlocks) and recomputes the derived fields.
func (r *Record) normalize() {
	seen := make(map[int]bool, len(r.Completed))
	kept := make([]int, 0, len(r.Completed))
	for _, i := range r.Completed {
		if i < 0 || i >= r.TotalBlocks || seen[i] {
			continue
		}
		seen[i] = true
		kept = append(kept, i)
	}
	sort.Ints(kept)
	r.Completed = kept
	r.CompletedBlocks = len(kept)
	r.IsCompleted = r.CompletedBlocks >= r.TotalBlocks

	r.Cursor = r.TotalBlocks
	for i := 0; i < r.TotalBlocks; i++ {
		if !seen[i] {
			r.Cursor = i
			break
		}
	}
}

// Done reports whether block index is recorded as completed.
func (r *Record) Done(index int) bool {
	i := sort.SearchInts(r.Completed, index)
	return i < len(r.Completed) && r.Completed[i] == index
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

// Store is a durable progress ledger.
type Store interface {
	// Load reads the durable ledger into memory and returns a copy of it.
	Load() (*State, error)
	// Reconcile aligns a document's record with a fresh block count and
	// reports whether the record changed.
	Reconcile(doc string, t book.DocType, total int) bool
	// Reset clears a document's completed blocks and reports whether
	// anything was cleared.
	Reset(doc string) bool
	// RecordBlockDone marks a block completed in memory.
	RecordBlockDone(doc string, index int) error
	// IsDone reports whether a block is recorded as completed.
	IsDone(doc string, index int) bool
	// Snapshot returns a copy of the in-memory state.
	Snapshot() *State
	// Save overwrites the durable ledger with the in-memory state.
	Save() error
	Close() error
	Path() string
}

// Open returns the store for backend inside the state directory dir.
// An empty backend name selects the JSON file store.
func Open(dir, backend string) (Store, error) {
	switch backend {
	case "", BackendJSON:
		return NewFileStore(filepath.Join(dir, ProgressFileName)), nil
	case BackendSQLite:
		s, err := NewSQLiteStore(filepath.Join(dir, ProgressDBName))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// ledger is the in-memory half shared by every Store implementation.
type ledger struct {
	mu    sync.Mutex
	state *State
}

func (l *ledger) Reconcile(doc string, t book.DocType, total int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.state.Files[doc]
	if !ok {
		r = &Record{Type: t, TotalBlocks: total, Completed: []int{}}
		l.state.Files[doc] = r
		l.state.recompute()
		return true
	}

	before := *r
	before.Completed = append([]int(nil), r.Completed...)

	r.Type = t
	r.TotalBlocks = total
	l.state.recompute()

	return !sameRecord(&before, r)
}

func (l *ledger) Reset(doc string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.state.Files[doc]
	if !ok || len(r.Completed) == 0 {
		return false
	}
	r.Completed = []int{}
	l.state.recompute()
	return true
}

func (l *ledger) RecordBlockDone(doc string, index int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.state.Files[doc]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, doc)
	}
	if index < 0 || index >= r.TotalBlocks {
		return fmt.Errorf("%w: %s block %d of %d", ErrBlockRange, doc, index, r.TotalBlocks)
	}
	if r.Done(index) {
		return nil
	}
	r.Completed = append(r.Completed, index)
	l.state.recompute()
	return nil
}

func (l *ledger) IsDone(doc string, index int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.state.Files[doc]
	if !ok {
		return false
	}
	return r.Done(index)
}

func (l *ledger) Snapshot() *State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.clone()
}

// replace installs a freshly loaded state.
func (l *ledger) replace(s *State) *State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.Files == nil {
		s.Files = make(map[string]*Record)
	}
	for p, r := range s.Files {
		if r == nil {
			delete(s.Files, p)
		}
	}
	s.recompute()
	l.state = s
	return s.clone()
}

func sameRecord(a, b *Record) bool {
	if a.Type != b.Type || a.TotalBlocks != b.TotalBlocks || a.CompletedBlocks != b.CompletedBlocks ||
		a.Cursor != b.Cursor || a.IsCompleted != b.IsCompleted || len(a.Completed) != len(b.Completed) {
		return false
	}
	for i := range a.Completed {
		if a.Completed[i] != b.Completed[i] {
			return false
		}
	}
	return true
}
