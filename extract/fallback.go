package extract

import (
	"regexp"
	"sort"
	"strings"

	"github.com/minios-linux/epubtrans/book"
	"github.com/minios-linux/epubtrans/langmeta"
)

var (
	leadingTag = regexp.MustCompile(`^\s*<([A-Za-z][\w:.-]*)`)
	anyTag     = regexp.MustCompile(`(?s)<[^>]*>`)

	navTextPattern  = regexp.MustCompile(`(?is)<navLabel(?:\s[^>]*)?>\s*<text(?:\s[^>]*)?>(.*?)</text\s*>`)
	metadataPattern = regexp.MustCompile(`(?is)<(?:[\w.-]+:)?metadata(?:\s[^>]*)?>(.*?)</(?:[\w.-]+:)?metadata\s*>`)

	blockPatterns    = tagPatterns([]string{"p", "h1", "h2", "h3", "h4", "h5", "h6", "div"}, "")
	metadataPatterns = tagPatterns(MetadataFields, `(?:\w+:)?`)
)

type tagPattern struct {
	name string
	re   *regexp.Regexp
}

// tagPatterns builds one pattern per element name. RE2 has no
// backreferences, so open and close tags are paired per name.
func tagPatterns(names []string, prefix string) []tagPattern {
	out := make([]tagPattern, 0, len(names))
	for _, n := range names {
		out = append(out, tagPattern{
			name: n,
			re:   regexp.MustCompile(`(?is)<` + prefix + n + `(?:\s[^>]*)?>(.*?)</` + prefix + n + `\s*>`),
		})
	}
	return out
}

type match struct {
	name       string
	start, end int
	valueStart int
	valueEnd   int
}

// scan runs every pattern over content and keeps the earliest
// non-overlapping matches in document order.
func scan(content string, patterns []tagPattern) []match {
	var all []match
	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(content, -1) {
			all = append(all, match{name: p.name, start: loc[0], end: loc[1], valueStart: loc[2], valueEnd: loc[3]})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].start != all[j].start {
			return all[i].start < all[j].start
		}
		return all[i].end > all[j].end
	})

	var out []match
	last := -1
	for _, m := range all {
		if m.start < last {
			continue
		}
		out = append(out, m)
		last = m.end
	}
	return out
}

func stripTags(s string) string {
	return anyTag.ReplaceAllString(s, " ")
}

// fallbackBlocks is the pattern scan used when the structured pass fails.
func fallbackBlocks(content string, t book.DocType, src langmeta.Meta) []book.Block {
	var blocks []book.Block

	switch t {
	case book.TypeMarkup:
		for _, m := range scan(content, blockPatterns) {
			if strings.TrimSpace(stripTags(content[m.valueStart:m.valueEnd])) == "" {
				continue
			}
			blocks = append(blocks, book.Block{
				Index:    len(blocks),
				Tag:      m.name,
				Original: content[m.start:m.end],
			})
		}

	case book.TypeNavigation, book.TypeMetadata:
		blocks = fieldBlocks(content, scanFields(content, t), src)
	}

	return blocks
}

// scanFields is the pattern form of structuredFields. Metadata fields are
// only looked for inside the metadata element.
func scanFields(content string, t book.DocType) []Field {
	var fs []Field
	switch t {
	case book.TypeNavigation:
		for _, loc := range navTextPattern.FindAllStringSubmatchIndex(content, -1) {
			fs = append(fs, Field{Name: "text", ValueStart: loc[2], ValueEnd: loc[3], End: loc[1]})
		}

	case book.TypeMetadata:
		loc := metadataPattern.FindStringSubmatchIndex(content)
		if loc == nil {
			return nil
		}
		base := loc[2]
		for _, m := range scan(content[loc[2]:loc[3]], metadataPatterns) {
			fs = append(fs, Field{Name: m.name, ValueStart: base + m.valueStart, ValueEnd: base + m.valueEnd, End: base + m.end})
		}
	}
	return fs
}
