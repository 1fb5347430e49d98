package extract

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// ErrMalformed is returned when block elements are not properly nested.
var ErrMalformed = errors.New("malformed markup")

// BlockTags are the elements treated as translatable blocks in markup documents.
var BlockTags = map[string]bool{
	"p": true, "div": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// Span is the byte range of one block element inside a markup document.
// Offsets index the exact source bytes, so slicing the document with
// them reproduces the element unchanged.
type Span struct {
	Tag        string
	Start      int // '<' of the start tag
	End        int // just past the end tag
	InnerStart int // just past the start tag
	InnerEnd   int // '<' of the end tag
	// Container is set when another block element is nested inside.
	Container bool
}

// Outer returns the full element text.
func (s Span) Outer(content string) string { return content[s.Start:s.End] }

// Inner returns the element content without its own tags.
func (s Span) Inner(content string) string { return content[s.InnerStart:s.InnerEnd] }

// StartTag returns the raw start tag.
func (s Span) StartTag(content string) string { return content[s.Start:s.InnerStart] }

// Spans tokenizes content and returns every block element in start-tag
// order. Unclosed or mismatched block tags yield ErrMalformed.
func Spans(content string) ([]Span, error) {
	z := html.NewTokenizer(strings.NewReader(content))

	var (
		spans  []Span
		stack  []int
		offset int
	)

	for {
		tt := z.Next()
		start := offset
		offset += len(z.Raw())

		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			if len(stack) > 0 {
				open := spans[stack[len(stack)-1]]
				return nil, fmt.Errorf("%w: <%s> at byte %d is never closed", ErrMalformed, open.Tag, open.Start)
			}
			return spans, nil

		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if !BlockTags[tag] {
				continue
			}
			if len(stack) > 0 {
				spans[stack[len(stack)-1]].Container = true
			}
			spans = append(spans, Span{Tag: tag, Start: start, InnerStart: offset})
			stack = append(stack, len(spans)-1)

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if !BlockTags[tag] {
				continue
			}
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: stray </%s> at byte %d", ErrMalformed, tag, start)
			}
			top := stack[len(stack)-1]
			if spans[top].Tag != tag {
				return nil, fmt.Errorf("%w: </%s> at byte %d closes <%s>", ErrMalformed, tag, start, spans[top].Tag)
			}
			spans[top].InnerEnd = start
			spans[top].End = offset
			stack = stack[:len(stack)-1]
		}
	}
}

// Text returns the visible text of a markup fragment with runs of
// whitespace collapsed to single spaces.
func Text(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(stripTags(fragment)), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// TagName returns the name of the first element in fragment, lowercased,
// or "" when the fragment does not start with a tag.
func TagName(fragment string) string {
	m := leadingTag.FindStringSubmatch(fragment)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}
