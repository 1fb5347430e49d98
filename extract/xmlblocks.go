package extract

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/minios-linux/epubtrans/book"
	"github.com/minios-linux/epubtrans/langmeta"
)

// Field is a navigation label or metadata element that blocks are drawn
// from. Offsets index the raw document.
type Field struct {
	Name       string
	ValueStart int // just past the start tag
	ValueEnd   int // '<' of the end tag
	End        int // just past the end tag
}

// Value returns the trimmed element content.
func (f Field) Value(content string) string {
	return strings.TrimSpace(content[f.ValueStart:f.ValueEnd])
}

// Fields returns every element of a navigation or metadata document that
// extraction considers, in document order, whether or not it still needs
// translating: text directly under navLabel, or the known fields directly
// under metadata. Malformed documents are scanned with patterns instead.
func Fields(content string, t book.DocType) []Field {
	fs, err := structuredFields(content, t)
	if err != nil {
		return scanFields(content, t)
	}
	return fs
}

func structuredFields(content string, t book.DocType) ([]Field, error) {
	switch t {
	case book.TypeNavigation:
		return fields(content, func(parent, name string) bool {
			return parent == "navLabel" && name == "text"
		})
	case book.TypeMetadata:
		return fields(content, func(parent, name string) bool {
			return parent == "metadata" && isMetadataField(name)
		})
	}
	return nil, nil
}

type frame struct {
	name       string
	innerStart int
	wanted     bool
}

// fields walks content as XML and returns the elements for which want
// reports true given the local names of the parent and the element.
func fields(content string, want func(parent, name string) bool) ([]Field, error) {
	dec := xml.NewDecoder(strings.NewReader(content))
	dec.Entity = xml.HTMLEntity

	var (
		stack []frame
		out   []Field
	)
	for {
		pos := int(dec.InputOffset())
		tok, err := dec.Token()
		if err == io.EOF {
			if len(stack) > 0 {
				return nil, fmt.Errorf("%w: <%s> is never closed", ErrMalformed, stack[len(stack)-1].name)
			}
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			parent := ""
			if len(stack) > 0 {
				parent = stack[len(stack)-1].name
			}
			stack = append(stack, frame{
				name:       t.Name.Local,
				innerStart: int(dec.InputOffset()),
				wanted:     want(parent, t.Name.Local),
			})
		case xml.EndElement:
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top.wanted {
				out = append(out, Field{Name: top.name, ValueStart: top.innerStart, ValueEnd: pos, End: int(dec.InputOffset())})
			}
		}
	}
}

// needsTranslation reports whether a label or metadata value still holds
// source-language text. Languages without a dedicated script fall back to
// "contains any letter".
func needsTranslation(s string, src langmeta.Meta) bool {
	if src.Script != nil {
		return src.HasScript(s)
	}
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// fieldBlocks keeps the fields that still hold source-language text.
func fieldBlocks(content string, fs []Field, src langmeta.Meta) []book.Block {
	var blocks []book.Block
	for _, f := range fs {
		v := f.Value(content)
		if !needsTranslation(v, src) {
			continue
		}
		blocks = append(blocks, fieldBlock(len(blocks), f.Name, v))
	}
	return blocks
}

func isMetadataField(name string) bool {
	for _, f := range MetadataFields {
		if f == name {
			return true
		}
	}
	return false
}
