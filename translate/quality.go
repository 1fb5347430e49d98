package translate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrMalformed is a reply that is empty or lost the block markup.
	ErrMalformed = errors.New("malformed translation")
	// ErrQuality is a reply that still contains source-language text.
	ErrQuality = errors.New("translation failed quality check")
)

var (
	markdownCodeBlock = regexp.MustCompile("(?s)^```[A-Za-z]*[ \\t]*\\n?(.*?)\\s*```$")
	openingTag        = regexp.MustCompile(`^<([A-Za-z][\w:.-]*)(?:\s[^>]*)?>`)
)

// stripFence removes a Markdown code fence wrapped around the whole reply.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if m := markdownCodeBlock.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

// fragment is a single-element block split into its parts.
type fragment struct {
	name     string
	startTag string
	inner    string
	endTag   string
}

// splitFragment splits "<tag attrs>inner</tag>". ok is false for text
// without a matching outer element.
func splitFragment(s string) (fragment, bool) {
	s = strings.TrimSpace(s)
	m := openingTag.FindStringSubmatchIndex(s)
	if m == nil {
		return fragment{}, false
	}
	name := s[m[2]:m[3]]
	start := s[:m[1]]
	if strings.HasSuffix(start, "/>") {
		return fragment{}, false
	}

	end := "</" + name + ">"
	if len(s)-len(end) < m[1] || !strings.EqualFold(s[len(s)-len(end):], end) {
		return fragment{}, false
	}
	return fragment{
		name:     strings.ToLower(name),
		startTag: start,
		inner:    s[m[1] : len(s)-len(end)],
		endTag:   s[len(s)-len(end):],
	}, true
}

// rewrap puts plain text back into the element of the original block,
// keeping the original's leading and trailing whitespace.
func rewrap(orig fragment, text string) string {
	lead := orig.inner[:len(orig.inner)-len(strings.TrimLeft(orig.inner, " \t\r\n"))]
	trail := orig.inner[len(strings.TrimRight(orig.inner, " \t\r\n")):]
	return orig.startTag + lead + strings.TrimSpace(text) + trail + orig.endTag
}

// finalize turns a raw reply into an accepted translation of cur or a
// quality error.
func (c *Client) finalize(cur, raw string) (string, error) {
	text := stripFence(raw)
	if text == "" {
		return "", fmt.Errorf("%w: empty reply", ErrMalformed)
	}

	if orig, ok := splitFragment(cur); ok && !strings.Contains(text, "<") {
		if strings.Contains(orig.inner, "<") {
			return "", fmt.Errorf("%w: markup of <%s> block lost", ErrMalformed, orig.name)
		}
		text = rewrap(orig, text)
	}

	if err := c.checkQuality(text); err != nil {
		return "", err
	}
	return text, nil
}

// checkQuality rejects text that still carries source-script characters
// or source-exclusive punctuation.
func (c *Client) checkQuality(text string) error {
	src := c.opts.sourceMeta()
	if r := src.ScriptResidue(text); len(r) > 0 {
		return fmt.Errorf("%w: source script characters %q", ErrQuality, string(r))
	}
	if r := src.PunctuationResidue(text, c.opts.ForbiddenPunctuation); len(r) > 0 {
		return fmt.Errorf("%w: source punctuation %q", ErrQuality, string(r))
	}
	return nil
}
