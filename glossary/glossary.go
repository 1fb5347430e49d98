// Package glossary loads the terminology table passed to the translator.
//
// The glossary is a Markdown file holding a two-column table:
//
//	| Source | Target |
//	|--------|--------|
//	| 魔法   | 魔法   |
//	| 勇者   | 勇者   |
//
// The first table row is the header and is skipped, as is the delimiter
// row. Lines that are not table rows or that have an empty source cell
// are ignored one by one. Order is preserved; when a term appears twice
// the first entry wins.
package glossary

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultFileName is the glossary file looked up in the project root.
const DefaultFileName = "glossary.md"

// Entry maps a source-language term to its target-language rendering.
type Entry struct {
	Source string
	Target string
}

// Glossary is an ordered, read-only term table.
type Glossary struct {
	entries []Entry
	index   map[string]int
	// Skipped counts malformed lines that were ignored.
	Skipped int
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// Load reads a glossary file. A missing file yields an empty glossary.
func Load(path string) (*Glossary, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(nil), nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	defer f.Close()

	g, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return g, nil
}

// Parse reads a Markdown term table.
func Parse(r io.Reader) (*Glossary, error) {
	g := New(nil)
	seenHeader := false

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.HasPrefix(line, "|") {
			continue
		}
		if isDelimiterRow(line) {
			continue
		}
		if !seenHeader {
			seenHeader = true
			continue
		}

		cells := splitRow(line)
		if len(cells) < 2 || cells[0] == "" || cells[1] == "" {
			g.Skipped++
			continue
		}
		g.add(Entry{Source: cells[0], Target: cells[1]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return g, nil
}

// splitRow returns the trimmed cells of a "| a | b |" row.
func splitRow(line string) []string {
	line = strings.TrimPrefix(line, "|")
	line = strings.TrimSuffix(line, "|")
	parts := strings.Split(line, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func isDelimiterRow(line string) bool {
	return strings.Trim(line, "|-: \t") == "" && strings.Contains(line, "-")
}

// ---------------------------------------------------------------------------
// Access
// ---------------------------------------------------------------------------

// New builds a glossary from entries, dropping later duplicates.
func New(entries []Entry) *Glossary {
	g := &Glossary{index: make(map[string]int)}
	for _, e := range entries {
		g.add(e)
	}
	return g
}

func (g *Glossary) add(e Entry) {
	if _, dup := g.index[e.Source]; dup {
		return
	}
	g.index[e.Source] = len(g.entries)
	g.entries = append(g.entries, e)
}

// Len returns the number of entries.
func (g *Glossary) Len() int {
	if g == nil {
		return 0
	}
	return len(g.entries)
}

// Top returns up to the first n entries in file order.
func (g *Glossary) Top(n int) []Entry {
	if g == nil || n <= 0 {
		return nil
	}
	if n > len(g.entries) {
		n = len(g.entries)
	}
	out := make([]Entry, n)
	copy(out, g.entries[:n])
	return out
}

// Lookup returns the target term for source.
func (g *Glossary) Lookup(source string) (string, bool) {
	if g == nil {
		return "", false
	}
	i, ok := g.index[source]
	if !ok {
		return "", false
	}
	return g.entries[i].Target, true
}
