package checkpoint

import (
	"fmt"
	"strings"
	"time"

	"github.com/minios-linux/epubtrans/book"
	"github.com/minios-linux/epubtrans/fileutil"
)

// Percent returns done/total as a percentage. An empty total counts as
// fully done.
func Percent(done, total int) float64 {
	if total <= 0 {
		return 100
	}
	return float64(done) * 100 / float64(total)
}

// TypeSummary aggregates the records of one document type.
type TypeSummary struct {
	Type            book.DocType
	Files           int
	CompletedFiles  int
	Blocks          int
	CompletedBlocks int
}

// Summarize groups the state by document type in book.Types order.
// Types without records are omitted.
func Summarize(s *State) []TypeSummary {
	byType := make(map[book.DocType]*TypeSummary)
	for _, r := range s.Files {
		ts, ok := byType[r.Type]
		if !ok {
			ts = &TypeSummary{Type: r.Type}
			byType[r.Type] = ts
		}
		ts.Files++
		ts.Blocks += r.TotalBlocks
		ts.CompletedBlocks += r.CompletedBlocks
		if r.IsCompleted {
			ts.CompletedFiles++
		}
	}

	var out []TypeSummary
	for _, t := range book.Types {
		if ts, ok := byType[t]; ok {
			out = append(out, *ts)
		}
	}
	return out
}

// RenderChecklist renders the state as a Markdown checklist.
func RenderChecklist(s *State, now time.Time) string {
	var b strings.Builder

	b.WriteString("# Translation checklist\n\n")
	fmt.Fprintf(&b, "Updated: %s\n\n", now.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- Files: %d/%d (%.1f%%)\n", s.Meta.CompletedFiles, s.Meta.TotalFiles,
		Percent(s.Meta.CompletedFiles, s.Meta.TotalFiles))
	fmt.Fprintf(&b, "- Blocks: %d/%d (%.1f%%)\n", s.Meta.CompletedBlocks, s.Meta.TotalBlocks,
		Percent(s.Meta.CompletedBlocks, s.Meta.TotalBlocks))

	paths := s.Paths()
	for _, ts := range Summarize(s) {
		fmt.Fprintf(&b, "\n## %s (%d/%d files, %.1f%% blocks)\n\n", ts.Type.Label(),
			ts.CompletedFiles, ts.Files, Percent(ts.CompletedBlocks, ts.Blocks))
		for _, p := range paths {
			r := s.Files[p]
			if r.Type != ts.Type {
				continue
			}
			mark := " "
			if r.IsCompleted {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] `%s` (%d/%d)\n", mark, p, r.CompletedBlocks, r.TotalBlocks)
		}
	}
	return b.String()
}

// WriteChecklist regenerates the checklist file at path.
func WriteChecklist(path string, s *State) error {
	return fileutil.WriteAtomic(path, []byte(RenderChecklist(s, time.Now())), 0644)
}
