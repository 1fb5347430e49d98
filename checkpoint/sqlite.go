package checkpoint

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/minios-linux/epubtrans/book"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// SQLiteStore keeps the ledger in a SQLite database. It holds the same
// state as FileStore; Save rewrites both tables in one transaction.
type SQLiteStore struct {
	ledger
	db     *sql.DB
	path   string
	closed bool
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS files (
	path TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	total_blocks INTEGER NOT NULL,
	current_position INTEGER NOT NULL,
	is_completed INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS blocks (
	path TEXT NOT NULL,
	idx INTEGER NOT NULL,
	PRIMARY KEY (path, idx)
);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// NewSQLiteStore opens (creating if needed) the database at path.
// Use ":memory:" in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases alive between calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStore{ledger: ledger{state: NewState()}, db: db, path: path}, nil
}

// Load reads both tables into memory.
func (s *SQLiteStore) Load() (*State, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	st := NewState()

	rows, err := s.db.Query(`SELECT path, type, total_blocks, current_position, is_completed FROM files`)
	if err != nil {
		return nil, fmt.Errorf("load files: %w", err)
	}
	for rows.Next() {
		var (
			path, typ     string
			total, cursor int
			completedFlag int
		)
		if err := rows.Scan(&path, &typ, &total, &cursor, &completedFlag); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan file: %w", err)
		}
		st.Files[path] = &Record{
			Type:        book.DocType(typ),
			TotalBlocks: total,
			Cursor:      cursor,
			IsCompleted: completedFlag != 0,
			Completed:   []int{},
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT path, idx FROM blocks ORDER BY path, idx`)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var path string
		var idx int
		if err := rows.Scan(&path, &idx); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		if r, ok := st.Files[path]; ok {
			r.Completed = append(r.Completed, idx)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}

	var updated string
	err = s.db.QueryRow(`SELECT value FROM meta WHERE key = 'updated_at'`).Scan(&updated)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("load meta: %w", err)
	}
	if updated != "" {
		st.Meta.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	}

	return s.replace(st), nil
}

// Save rewrites the database from the in-memory state.
func (s *SQLiteStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.state.Meta.UpdatedAt = time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(`DELETE FROM blocks`); err != nil {
		return fmt.Errorf("clear blocks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM files`); err != nil {
		return fmt.Errorf("clear files: %w", err)
	}

	fileStmt, err := tx.Prepare(`INSERT INTO files (path, type, total_blocks, current_position, is_completed) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare files: %w", err)
	}
	defer fileStmt.Close()
	blockStmt, err := tx.Prepare(`INSERT INTO blocks (path, idx) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare blocks: %w", err)
	}
	defer blockStmt.Close()

	for _, path := range s.state.Paths() {
		r := s.state.Files[path]
		completed := 0
		if r.IsCompleted {
			completed = 1
		}
		if _, err := fileStmt.Exec(path, string(r.Type), r.TotalBlocks, r.Cursor, completed); err != nil {
			return fmt.Errorf("save %s: %w", path, err)
		}
		for _, idx := range r.Completed {
			if _, err := blockStmt.Exec(path, idx); err != nil {
				return fmt.Errorf("save %s block %d: %w", path, idx, err)
			}
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO meta (key, value) VALUES ('updated_at', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, s.state.Meta.UpdatedAt.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.path
}
