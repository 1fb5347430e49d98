package translate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/minios-linux/epubtrans/extract"
	"github.com/minios-linux/epubtrans/settings"
)

// ---------------------------------------------------------------------------
// System prompts configuration
// ---------------------------------------------------------------------------

// PromptsConfig holds the system prompts loaded from prompts.json.
type PromptsConfig struct {
	Prompts map[string]string `json:"prompts"`
}

// PromptDefault is the prompts.json key of the block prompt.
const PromptDefault = "default"

// LoadPrompts reads a prompts file. A missing file returns nil and no error.
func LoadPrompts(path string) (*PromptsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading prompts file: %w", err)
	}

	var cfg PromptsConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing prompts file: %w", err)
	}
	return &cfg, nil
}

// WriteDefaultPrompts writes the built-in prompts to path.
func WriteDefaultPrompts(path string) error {
	cfg := PromptsConfig{Prompts: map[string]string{PromptDefault: DefaultSystemPrompt}}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling default prompts: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating prompts directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing default prompts file: %w", err)
	}
	return nil
}

// LoadPromptsFromDefaultLocations loads prompts.json from the user data
// directory, creating it with the built-in prompt on first use.
func LoadPromptsFromDefaultLocations() (*PromptsConfig, string, error) {
	path, err := settings.PromptsFilePath()
	if err != nil {
		return nil, "", fmt.Errorf("cannot determine prompts file path: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := WriteDefaultPrompts(path); err != nil {
			return nil, "", err
		}
	}
	cfg, err := LoadPrompts(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// ---------------------------------------------------------------------------
// Default system prompt
// ---------------------------------------------------------------------------

const DefaultSystemPrompt = `You are a professional literary translator. You are translating an e-book from {{sourceLang}} into {{targetLang}}, one markup fragment at a time.

TRANSLATION PRINCIPLES:
- Translate for NATURALNESS and FLUENCY in {{targetLang}}, not word-for-word
- Keep the narrative voice, tone and register of the original
- Keep names consistent and follow the glossary when one is given
- Use {{targetLang}} punctuation conventions throughout

TECHNICAL REQUIREMENTS:
- Return ONLY the translated fragment, no explanations or markdown code blocks.
- Preserve every tag and attribute exactly as-is; translate only the text between tags.
- The result must not contain any {{sourceLang}} kana or {{sourceLang}}-specific punctuation.
- The context lines are for reference only; do NOT translate or repeat them.`

// ---------------------------------------------------------------------------
// Prompt assembly
// ---------------------------------------------------------------------------

// systemPrompt returns the configured prompt with language placeholders
// replaced.
func (o *Options) systemPrompt() string {
	prompt := o.SystemPrompt
	if prompt == "" && o.Prompts != nil {
		prompt = o.Prompts.Prompts[PromptDefault]
	}
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	prompt = strings.ReplaceAll(prompt, "{{sourceLang}}", o.sourceMeta().Name)
	return strings.ReplaceAll(prompt, "{{targetLang}}", o.targetMeta().Name)
}

// Prompt builds the full request for one block.
func (c *Client) Prompt(cur, prev, next string) string {
	var b strings.Builder
	b.WriteString(c.system)

	if entries := c.opts.Glossary.Top(c.opts.effectiveGlossaryLimit()); len(entries) > 0 {
		b.WriteString("\n\nGLOSSARY:\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "- %s → %s\n", e.Source, e.Target)
		}
	}

	prevText, nextText := c.preview(prev), c.preview(next)
	if prevText != "" || nextText != "" {
		b.WriteString("\n\nCONTEXT (reference only):\n")
		if prevText != "" {
			fmt.Fprintf(&b, "Previous: %s\n", prevText)
		}
		if nextText != "" {
			fmt.Fprintf(&b, "Next: %s\n", nextText)
		}
	}

	b.WriteString("\n\nFRAGMENT:\n")
	b.WriteString(cur)
	return b.String()
}

// preview returns the cached context preview of a neighbouring block.
func (c *Client) preview(fragment string) string {
	if fragment == "" {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.previews[fragment]; ok {
		return p
	}
	p := extract.Preview(fragment, c.opts.effectivePreviewRunes())
	c.previews[fragment] = p
	return p
}

// ResetCache drops the cached context previews.
func (c *Client) ResetCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.previews = make(map[string]string)
}

// CacheSize returns the number of cached previews.
func (c *Client) CacheSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.previews)
}
