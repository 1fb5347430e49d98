// Package book models an unpacked EPUB tree: the documents it holds,
// how each one is classified, and the translatable blocks inside them.
package book

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Document types
// ---------------------------------------------------------------------------

// DocType is the role a file plays inside the book.
type DocType string

const (
	TypeMarkup     DocType = "markup"
	TypeNavigation DocType = "navigation"
	TypeMetadata   DocType = "metadata"
	TypeOpaque     DocType = "opaque"
)

// Types lists the translatable document types in report order.
var Types = []DocType{TypeMarkup, TypeNavigation, TypeMetadata}

// Classify returns the document type for a path based on its extension.
func Classify(path string) DocType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".xhtml", ".htm":
		return TypeMarkup
	case ".ncx":
		return TypeNavigation
	case ".opf":
		return TypeMetadata
	default:
		return TypeOpaque
	}
}

// Translatable reports whether blocks are extracted from documents of this type.
func (t DocType) Translatable() bool {
	return t == TypeMarkup || t == TypeNavigation || t == TypeMetadata
}

// Label returns a human-readable section title.
func (t DocType) Label() string {
	switch t {
	case TypeMarkup:
		return "Content documents"
	case TypeNavigation:
		return "Navigation"
	case TypeMetadata:
		return "Package metadata"
	default:
		return "Other files"
	}
}

// ---------------------------------------------------------------------------
// Blocks
// ---------------------------------------------------------------------------

// Status is the translation state of a block within the current run.
type Status int

const (
	Pending Status = iota
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Block is the smallest translatable unit of a document.
type Block struct {
	// Index is the 0-based position in extraction order.
	Index int
	// Tag is the element name of the fragment (p, h2, text, title...).
	Tag string
	// Original is the source fragment, tag included.
	Original   string
	Translated string
	Status     Status
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

// Document is one file of the book tree.
type Document struct {
	// RelPath is the slash-separated path relative to the tree root.
	RelPath string
	Type    DocType
	Blocks  []Block
}

// Path joins the document's relative path onto root.
func (d *Document) Path(root string) string {
	return filepath.Join(root, filepath.FromSlash(d.RelPath))
}

// Duplicates returns the indices of earlier blocks whose original text is
// identical to block i.
func (d *Document) Duplicates(i int) []int {
	var dups []int
	for j := 0; j < i && j < len(d.Blocks); j++ {
		if d.Blocks[j].Original == d.Blocks[i].Original {
			dups = append(dups, j)
		}
	}
	return dups
}

// Walk enumerates every regular file under root, sorted by relative path.
// Blocks are not extracted.
func Walk(root string) ([]Document, error) {
	var docs []Document
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		docs = append(docs, Document{RelPath: rel, Type: Classify(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].RelPath < docs[j].RelPath })
	return docs, nil
}
