// Package extract turns the raw text of a book document into the ordered
// sequence of blocks that are sent for translation.
//
// Markup documents are tokenized into exact byte spans of block elements
// (p, h1-h6, div); navigation and package documents are walked as XML
// and yield their label or metadata text. When the structured pass fails,
// a regular-expression scan for the same shapes is used instead, and a
// document where both find nothing simply has zero blocks.
//
// Extraction is deterministic: the same source text always yields the
// same blocks in the same order, which is what lets checkpoints address
// blocks by index across runs.
package extract

import (
	"strings"

	"github.com/minios-linux/epubtrans/book"
	"github.com/minios-linux/epubtrans/langmeta"
)

// MetadataFields are the package metadata elements offered for translation.
var MetadataFields = []string{"title", "creator", "subject", "description", "publisher", "contributor"}

// Options controls extraction.
type Options struct {
	// SourceLang selects the script used to decide whether navigation
	// labels and metadata values still need translating.
	SourceLang string
}

// Result is the outcome of extracting one document.
type Result struct {
	Blocks []book.Block
	// Fallback is set when the structured pass failed and the pattern
	// scan produced the blocks.
	Fallback bool
	// Err is the structured-pass error that triggered the fallback.
	Err error
}

// Extract returns the blocks of a document of the given type. It never
// fails: malformed input degrades to the pattern scan, then to zero blocks.
func Extract(content string, t book.DocType, opts Options) Result {
	src := langmeta.Resolve(opts.SourceLang)

	var (
		blocks []book.Block
		err    error
	)
	switch t {
	case book.TypeMarkup:
		blocks, err = markupBlocks(content)
	case book.TypeNavigation, book.TypeMetadata:
		var fs []Field
		fs, err = structuredFields(content, t)
		blocks = fieldBlocks(content, fs, src)
	default:
		return Result{}
	}
	if err == nil {
		return Result{Blocks: blocks}
	}

	return Result{
		Blocks:   fallbackBlocks(content, t, src),
		Fallback: true,
		Err:      err,
	}
}

// markupBlocks keeps leaf block elements with visible text. A div that
// wraps other blocks is skipped in favour of its children; text placed
// directly in such a div, beside the children, is left untranslated.
func markupBlocks(content string) ([]book.Block, error) {
	spans, err := Spans(content)
	if err != nil {
		return nil, err
	}

	var blocks []book.Block
	for _, s := range spans {
		if s.Container {
			continue
		}
		if Text(s.Inner(content)) == "" {
			continue
		}
		blocks = append(blocks, book.Block{
			Index:    len(blocks),
			Tag:      s.Tag,
			Original: s.Outer(content),
		})
	}
	return blocks, nil
}

// fieldBlock renders a navigation or metadata value as a fragment.
func fieldBlock(index int, name, value string) book.Block {
	return book.Block{
		Index:    index,
		Tag:      name,
		Original: "<" + name + ">" + value + "</" + name + ">",
	}
}

// ---------------------------------------------------------------------------
// Context
// ---------------------------------------------------------------------------

// Context returns the original text of the blocks around index i. The
// neighbours are empty at the edges of the document.
func Context(blocks []book.Block, i int) (prev, cur, next string) {
	if i < 0 || i >= len(blocks) {
		return "", "", ""
	}
	if i > 0 {
		prev = blocks[i-1].Original
	}
	cur = blocks[i].Original
	if i+1 < len(blocks) {
		next = blocks[i+1].Original
	}
	return prev, cur, next
}

// Preview returns the tag-stripped text of a fragment, cut to at most n
// runes with a trailing ellipsis.
func Preview(fragment string, n int) string {
	text := Text(fragment)
	if n <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return strings.TrimSpace(string(runes[:n])) + "..."
}
