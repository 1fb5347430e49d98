package checkpoint

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/minios-linux/epubtrans/book"
)

// storeFactories runs the same behaviour against both backends.
func storeFactories(t *testing.T) map[string]func(dir string) Store {
	t.Helper()
	return map[string]func(dir string) Store{
		BackendJSON: func(dir string) Store {
			s, err := Open(dir, BackendJSON)
			if err != nil {
				t.Fatalf("Open json: %v", err)
			}
			return s
		},
		BackendSQLite: func(dir string) Store {
			s, err := Open(dir, BackendSQLite)
			if err != nil {
				t.Fatalf("Open sqlite: %v", err)
			}
			return s
		},
	}
}

func TestLoadNonExistent(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t.TempDir())
			defer s.Close()

			st, err := s.Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(st.Files) != 0 || st.Meta.TotalFiles != 0 {
				t.Fatalf("expected empty state, got %+v", st)
			}
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			s := open(dir)
			if _, err := s.Load(); err != nil {
				t.Fatalf("Load: %v", err)
			}

			s.Reconcile("OEBPS/ch01.xhtml", book.TypeMarkup, 3)
			s.Reconcile("OEBPS/toc.ncx", book.TypeNavigation, 0)
			for _, i := range []int{1, 0} {
				if err := s.RecordBlockDone("OEBPS/ch01.xhtml", i); err != nil {
					t.Fatalf("RecordBlockDone(%d): %v", i, err)
				}
			}
			if err := s.Save(); err != nil {
				t.Fatalf("Save: %v", err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			s2 := open(dir)
			defer s2.Close()
			st, err := s2.Load()
			if err != nil {
				t.Fatalf("reload: %v", err)
			}

			r := st.Files["OEBPS/ch01.xhtml"]
			if r == nil {
				t.Fatal("record for ch01 missing after reload")
			}
			if !reflect.DeepEqual(r.Completed, []int{0, 1}) {
				t.Errorf("Completed = %v, want [0 1]", r.Completed)
			}
			if r.Cursor != 2 || r.IsCompleted || r.CompletedBlocks != 2 {
				t.Errorf("record = %+v", r)
			}
			if toc := st.Files["OEBPS/toc.ncx"]; toc == nil || !toc.IsCompleted {
				t.Errorf("zero-block document should be complete: %+v", toc)
			}

			want := Meta{TotalFiles: 2, CompletedFiles: 1, TotalBlocks: 3, CompletedBlocks: 2}
			got := st.Meta
			got.UpdatedAt = time.Time{}
			if got != want {
				t.Errorf("Meta = %+v, want %+v", got, want)
			}
			if st.Meta.UpdatedAt.IsZero() {
				t.Error("UpdatedAt not persisted")
			}
			if !s2.IsDone("OEBPS/ch01.xhtml", 1) || s2.IsDone("OEBPS/ch01.xhtml", 2) {
				t.Error("IsDone disagrees with the reloaded ledger")
			}
		})
	}
}

func TestReconcile(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), ProgressFileName))

	if !s.Reconcile("a.xhtml", book.TypeMarkup, 4) {
		t.Fatal("first Reconcile should report a change")
	}
	for i := 0; i < 4; i++ {
		if err := s.RecordBlockDone("a.xhtml", i); err != nil {
			t.Fatal(err)
		}
	}
	if s.Reconcile("a.xhtml", book.TypeMarkup, 4) {
		t.Error("Reconcile with the same total should be a no-op")
	}
	if !s.Snapshot().Files["a.xhtml"].IsCompleted {
		t.Fatal("document should be complete")
	}

	// Source shrank: indices past the new total are dropped.
	if !s.Reconcile("a.xhtml", book.TypeMarkup, 2) {
		t.Fatal("shrinking total should report a change")
	}
	r := s.Snapshot().Files["a.xhtml"]
	if !reflect.DeepEqual(r.Completed, []int{0, 1}) || !r.IsCompleted {
		t.Errorf("after shrink: %+v", r)
	}

	// Source grew: no longer complete, cursor at the first new block.
	s.Reconcile("a.xhtml", book.TypeMarkup, 5)
	r = s.Snapshot().Files["a.xhtml"]
	if r.IsCompleted || r.Cursor != 2 || r.TotalBlocks != 5 {
		t.Errorf("after growth: %+v", r)
	}
}

func TestReset(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			s := open(dir)
			s.Reconcile("a.xhtml", book.TypeMarkup, 3)
			if s.Reset("a.xhtml") {
				t.Error("Reset of a record without progress should report no change")
			}
			if s.Reset("missing.xhtml") {
				t.Error("Reset of an unknown document should report no change")
			}
			for i := 0; i < 3; i++ {
				if err := s.RecordBlockDone("a.xhtml", i); err != nil {
					t.Fatal(err)
				}
			}
			if !s.Reset("a.xhtml") {
				t.Fatal("Reset should report a change")
			}
			if err := s.Save(); err != nil {
				t.Fatal(err)
			}
			s.Close()

			reopened := open(dir)
			defer reopened.Close()
			st, err := reopened.Load()
			if err != nil {
				t.Fatal(err)
			}
			r := st.Files["a.xhtml"]
			if r == nil || r.CompletedBlocks != 0 || r.IsCompleted || r.TotalBlocks != 3 {
				t.Errorf("after reset: %+v", r)
			}
		})
	}
}

func TestReconcileStaleLedgerFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ProgressFileName)
	stale := `{"meta":{},"files":{"c.xhtml":{"type":"markup","total_blocks":3,"completed_blocks":3,"completed":[0,1,2,2],"current_position":3,"is_completed":true}}}`
	if err := os.WriteFile(path, []byte(stale), 0644); err != nil {
		t.Fatal(err)
	}

	s := NewFileStore(path)
	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := st.Files["c.xhtml"].Completed; !reflect.DeepEqual(got, []int{0, 1, 2}) {
		t.Errorf("duplicates not removed on load: %v", got)
	}

	s.Reconcile("c.xhtml", book.TypeMarkup, 6)
	r := s.Snapshot().Files["c.xhtml"]
	if r.IsCompleted {
		t.Error("a grown document must not stay marked complete")
	}
	if r.CompletedBlocks != 3 || r.Cursor != 3 {
		t.Errorf("record = %+v", r)
	}
}

func TestRecordBlockDoneErrors(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), ProgressFileName))

	if err := s.RecordBlockDone("missing.xhtml", 0); !errors.Is(err, ErrUnknownDocument) {
		t.Errorf("err = %v, want ErrUnknownDocument", err)
	}
	s.Reconcile("a.xhtml", book.TypeMarkup, 2)
	if err := s.RecordBlockDone("a.xhtml", 2); !errors.Is(err, ErrBlockRange) {
		t.Errorf("err = %v, want ErrBlockRange", err)
	}
	if err := s.RecordBlockDone("a.xhtml", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordBlockDone("a.xhtml", 1); err != nil {
		t.Errorf("recording twice should be harmless: %v", err)
	}
	if got := s.Snapshot().Files["a.xhtml"].CompletedBlocks; got != 1 {
		t.Errorf("CompletedBlocks = %d, want 1", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), ProgressFileName))
	s.Reconcile("a.xhtml", book.TypeMarkup, 2)

	snap := s.Snapshot()
	snap.Files["a.xhtml"].Completed = append(snap.Files["a.xhtml"].Completed, 0)
	if s.IsDone("a.xhtml", 0) {
		t.Fatal("mutating a snapshot leaked into the store")
	}
}

func TestJSONShape(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(filepath.Join(dir, ProgressFileName))
	s.Reconcile("OEBPS/ch01.xhtml", book.TypeMarkup, 1)
	if err := s.RecordBlockDone("OEBPS/ch01.xhtml", 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("ledger is not JSON: %v", err)
	}
	file, ok := raw["files"]["OEBPS/ch01.xhtml"].(map[string]any)
	if !ok {
		t.Fatalf("files entry missing: %s", data)
	}
	for _, key := range []string{"type", "total_blocks", "completed_blocks", "completed", "current_position", "is_completed"} {
		if _, ok := file[key]; !ok {
			t.Errorf("key %q missing from file record", key)
		}
	}
	if _, ok := raw["meta"]["total_files"]; !ok {
		t.Error("meta.total_files missing")
	}
}

func TestClosedStore(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), ProgressFileName))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(); !errors.Is(err, ErrClosed) {
		t.Errorf("Save after Close = %v, want ErrClosed", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(t.TempDir(), "redis"); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("err = %v, want ErrUnknownBackend", err)
	}
}

func TestErrorLog(t *testing.T) {
	dir := t.TempDir()
	l := OpenErrorLog(dir)

	if err := l.Append("ch01.xhtml", 3, errors.New("quality check failed"), "<p>ねこ</p>"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append("ch02.xhtml", 0, errors.New("write failed"), strings.Repeat("あ", maxContentRunes+10)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// A second process appends under its own run id.
	other := OpenErrorLog(dir)
	if other.RunID() == l.RunID() {
		t.Fatal("run ids should differ between processes")
	}
	if err := other.Append("ch03.xhtml", 1, nil, ""); err != nil {
		t.Fatal(err)
	}

	entries, err := l.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[0].File != "ch01.xhtml" || entries[0].Block != 3 || entries[0].Error != "quality check failed" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[0].RunID != l.RunID() || entries[2].RunID != other.RunID() {
		t.Error("entries not stamped with their run id")
	}
	if n := len([]rune(entries[1].Content)); n != maxContentRunes {
		t.Errorf("content length = %d, want %d", n, maxContentRunes)
	}
}

func TestRenderChecklist(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), ProgressFileName))
	s.Reconcile("OEBPS/ch01.xhtml", book.TypeMarkup, 2)
	s.Reconcile("OEBPS/ch02.xhtml", book.TypeMarkup, 2)
	s.Reconcile("OEBPS/toc.ncx", book.TypeNavigation, 0)
	for _, i := range []int{0, 1} {
		if err := s.RecordBlockDone("OEBPS/ch01.xhtml", i); err != nil {
			t.Fatal(err)
		}
	}

	out := RenderChecklist(s.Snapshot(), time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	for _, want := range []string{
		"Updated: 2024-01-02 03:04:05",
		"- Files: 2/3 (66.7%)",
		"- Blocks: 2/4 (50.0%)",
		"## Content documents (1/2 files, 50.0% blocks)",
		"- [x] `OEBPS/ch01.xhtml` (2/2)",
		"- [ ] `OEBPS/ch02.xhtml` (0/2)",
		"## Navigation (1/1 files, 100.0% blocks)",
		"- [x] `OEBPS/toc.ncx` (0/0)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("checklist missing %q\n%s", want, out)
		}
	}
	if strings.Index(out, "Content documents") > strings.Index(out, "Navigation") {
		t.Error("sections not in type order")
	}
	if strings.Contains(out, "Package metadata") {
		t.Error("empty type section should be omitted")
	}

	path := filepath.Join(t.TempDir(), "checklist.md")
	if err := WriteChecklist(path, s.Snapshot()); err != nil {
		t.Fatalf("WriteChecklist: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("checklist not written: %v", err)
	}
}
