// Package merge splices a translated block back into a destination
// document.
//
// Every merged block is tagged so a later run can tell it was already
// applied: markup fragments carry a data-epubtrans="<index>" attribute
// on their root element and navigation or metadata values are followed
// by an <!--epubtrans:<index>--> comment. Blocks whose original text
// occurs several times in a document are matched by position among the
// occurrences that are still unmerged.
package merge

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/minios-linux/epubtrans/book"
	"github.com/minios-linux/epubtrans/extract"
)

// ErrNotFound is returned when the original block cannot be located.
var ErrNotFound = errors.New("original block not found in document")

// MarkerAttr is the attribute that tags merged markup fragments.
const MarkerAttr = "data-epubtrans"

// Result describes how a block was merged.
type Result int

const (
	// Exact means the original was found as a verbatim substring.
	Exact Result = iota
	// Structural means the original was found by tag and text.
	Structural
	// Skipped means the block was merged by an earlier run.
	Skipped
)

func (r Result) String() string {
	switch r {
	case Exact:
		return "exact"
	case Structural:
		return "structural"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Request is one block to merge.
type Request struct {
	Type       book.DocType
	Original   string
	Translated string
	Index      int
	// Prior lists earlier blocks with the same original text.
	Prior []int
	// Bilingual keeps the original and inserts the translation after it.
	Bilingual bool
}

// Splice merges req into content. On error content is returned unchanged.
func Splice(content string, req Request) (string, Result, error) {
	if Merged(content, req.Type, req.Index) {
		return content, Skipped, nil
	}

	k := 0
	for _, p := range req.Prior {
		if !Merged(content, req.Type, p) {
			k++
		}
	}

	switch req.Type {
	case book.TypeMarkup:
		return spliceMarkup(content, req, k)
	case book.TypeNavigation, book.TypeMetadata:
		return spliceField(content, req, k)
	default:
		return content, Exact, fmt.Errorf("merging into %s document: %w", req.Type, ErrNotFound)
	}
}

// Merged reports whether block index already carries its marker.
func Merged(content string, t book.DocType, index int) bool {
	if t == book.TypeMarkup {
		return strings.Contains(content, markerAttr(index))
	}
	return strings.Contains(content, markerComment(index))
}

func markerAttr(index int) string {
	return MarkerAttr + `="` + strconv.Itoa(index) + `"`
}

func markerComment(index int) string {
	return "<!--epubtrans:" + strconv.Itoa(index) + "-->"
}

// ---------------------------------------------------------------------------
// Markup
// ---------------------------------------------------------------------------

var startTag = regexp.MustCompile(`^\s*<[A-Za-z][\w:.-]*(?:\s[^>]*?)?(/?)>`)

// tag adds the marker attribute to the root element of fragment. Text
// without a root element is wrapped in the original's element.
func tag(fragment, original string, index int) string {
	fragment = strings.TrimSpace(fragment)
	m := startTag.FindStringSubmatchIndex(fragment)
	if m == nil {
		name := extract.TagName(original)
		if name == "" {
			name = "span"
		}
		return "<" + name + " " + markerAttr(index) + ">" + fragment + "</" + name + ">"
	}
	// Group 1 starts at "/>" or ">".
	at := m[2]
	return fragment[:at] + " " + markerAttr(index) + fragment[at:]
}

// followedByMarked reports whether the element after position end is a
// merged translation. In bilingual mode that makes the original at end
// one that was already merged.
func followedByMarked(content string, end int) bool {
	rest := strings.TrimLeft(content[end:], " \t\r\n")
	if !strings.HasPrefix(rest, "<") {
		return false
	}
	gt := strings.IndexByte(rest, '>')
	if gt < 0 {
		return false
	}
	return strings.Contains(rest[:gt], MarkerAttr+`="`)
}

func replacement(content string, start, end int, req Request) string {
	marked := tag(req.Translated, req.Original, req.Index)
	if req.Bilingual {
		return content[:end] + "\n" + marked + content[end:]
	}
	return content[:start] + marked + content[end:]
}

func spliceMarkup(content string, req Request, k int) (string, Result, error) {
	if req.Original == "" {
		return content, Exact, ErrNotFound
	}

	// Verbatim occurrences.
	seen := 0
	for from := 0; from < len(content); {
		i := strings.Index(content[from:], req.Original)
		if i < 0 {
			break
		}
		start := from + i
		end := start + len(req.Original)
		from = end
		if req.Bilingual && followedByMarked(content, end) {
			continue
		}
		if seen == k {
			return replacement(content, start, end, req), Exact, nil
		}
		seen++
	}

	// Same element name and same visible text.
	spans, err := extract.Spans(content)
	if err != nil {
		return content, Exact, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	name := extract.TagName(req.Original)
	text := extract.Text(req.Original)
	seen = 0
	for _, s := range spans {
		if s.Tag != name || s.Container {
			continue
		}
		if strings.Contains(s.StartTag(content), MarkerAttr+`="`) {
			continue
		}
		if req.Bilingual && followedByMarked(content, s.End) {
			continue
		}
		if extract.Text(s.Inner(content)) != text {
			continue
		}
		if seen == k {
			return replacement(content, s.Start, s.End, req), Structural, nil
		}
		seen++
	}
	return content, Exact, ErrNotFound
}

// ---------------------------------------------------------------------------
// Navigation and metadata
// ---------------------------------------------------------------------------

// fieldPattern matches an element by local name with an optional
// namespace prefix, capturing its content.
func fieldPattern(name string) *regexp.Regexp {
	n := regexp.QuoteMeta(name)
	return regexp.MustCompile(`(?is)<(?:[\w.-]+:)?` + n + `(?:\s[^>]*)?>(.*?)</(?:[\w.-]+:)?` + n + `\s*>`)
}

// fieldValue returns the content of a single-element fragment, or the
// trimmed fragment itself when it is bare text.
func fieldValue(fragment, name string) string {
	if m := fieldPattern(name).FindStringSubmatch(strings.TrimSpace(fragment)); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(fragment)
}

func spliceField(content string, req Request, k int) (string, Result, error) {
	name := extract.TagName(req.Original)
	if name == "" {
		return content, Exact, ErrNotFound
	}
	orig := fieldValue(req.Original, name)
	translated := fieldValue(req.Translated, name)
	comment := markerComment(req.Index)

	// Only the elements extraction draws blocks from are candidates, so
	// a book title equal to a label is never rewritten in its place.
	seen := 0
	for _, f := range extract.Fields(content, req.Type) {
		end := f.End
		if f.Name != name || strings.HasPrefix(content[end:], "<!--epubtrans:") {
			continue
		}
		if f.Value(content) != orig {
			continue
		}
		if seen < k {
			seen++
			continue
		}

		inner := content[f.ValueStart:f.ValueEnd]
		var out strings.Builder
		out.WriteString(content[:f.ValueStart])
		if req.Bilingual {
			out.WriteString(inner)
			out.WriteString(" / ")
			out.WriteString(translated)
		} else {
			// Keep the whitespace around the value.
			lead := inner[:len(inner)-len(strings.TrimLeft(inner, " \t\r\n"))]
			trail := inner[len(strings.TrimRight(inner, " \t\r\n")):]
			out.WriteString(lead + translated + trail)
		}
		out.WriteString(content[f.ValueEnd:end])
		out.WriteString(comment)
		out.WriteString(content[end:])
		return out.String(), Exact, nil
	}
	return content, Exact, ErrNotFound
}
