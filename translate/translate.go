// Package translate turns one source block into its translation: it
// builds the prompt, streams the reply through the session, validates
// the result and retries failed attempts according to their class.
package translate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/minios-linux/epubtrans/backend"
	"github.com/minios-linux/epubtrans/glossary"
	"github.com/minios-linux/epubtrans/langmeta"
	"github.com/minios-linux/epubtrans/metrics"
	"github.com/minios-linux/epubtrans/retry"
)

// ErrExhausted is returned together with FailedMarker when every
// attempt for a block failed.
var ErrExhausted = errors.New("translation attempts exhausted")

// FailedMarker is the placeholder returned for a block that could not
// be translated.
func FailedMarker(cur string) string {
	return "<!-- TRANSLATION_FAILED: " + cur + " -->"
}

// Exchanger is the session surface the client needs.
type Exchanger interface {
	Exchange(ctx context.Context, prompt string) (<-chan backend.Message, error)
	Reconnect(ctx context.Context) error
	ResetSession(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Options holds translation parameters. They are fixed for the lifetime
// of a Client.
type Options struct {
	SourceLang string
	TargetLang string
	Glossary   *glossary.Glossary

	// SystemPrompt overrides the prompt from Prompts and the built-in one.
	SystemPrompt string
	Prompts      *PromptsConfig

	MaxAttempts    int           // default 3
	RetryDelay     time.Duration // default 2s
	AttemptTimeout time.Duration // default 60s
	IdleTimeout    time.Duration // default 20s
	PreviewRunes   int           // default 30
	GlossaryLimit  int           // default 10

	// ForbiddenPunctuation replaces the source language's punctuation list.
	ForbiddenPunctuation string

	Metrics *metrics.Recorder
	Verbose bool

	OnLog   func(format string, args ...any)
	OnError func(format string, args ...any)

	// sleep replaces retry waits in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func (o Options) effectiveMaxAttempts() int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return 3
}

func (o Options) effectiveRetryDelay() time.Duration {
	if o.RetryDelay > 0 {
		return o.RetryDelay
	}
	return 2 * time.Second
}

func (o Options) effectiveAttemptTimeout() time.Duration {
	if o.AttemptTimeout > 0 {
		return o.AttemptTimeout
	}
	return 60 * time.Second
}

func (o Options) effectiveIdleTimeout() time.Duration {
	if o.IdleTimeout > 0 {
		return o.IdleTimeout
	}
	return 20 * time.Second
}

func (o Options) effectivePreviewRunes() int {
	if o.PreviewRunes > 0 {
		return o.PreviewRunes
	}
	return 30
}

func (o Options) effectiveGlossaryLimit() int {
	if o.GlossaryLimit > 0 {
		return o.GlossaryLimit
	}
	return 10
}

func (o Options) sourceMeta() langmeta.Meta { return langmeta.Resolve(o.SourceLang) }

func (o Options) targetMeta() langmeta.Meta { return langmeta.Resolve(o.TargetLang) }

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client translates blocks over an Exchanger.
type Client struct {
	ex     Exchanger
	opts   Options
	system string

	mu       sync.Mutex
	previews map[string]string
}

// New returns a client sending through ex.
func New(ex Exchanger, opts Options) *Client {
	return &Client{
		ex:       ex,
		opts:     opts,
		system:   opts.systemPrompt(),
		previews: make(map[string]string),
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.opts.OnLog != nil {
		c.opts.OnLog(format, args...)
	}
}

func (c *Client) errorf(format string, args ...any) {
	if c.opts.OnError != nil {
		c.opts.OnError(format, args...)
	}
}

func (c *Client) debugf(format string, args ...any) {
	if c.opts.Verbose {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// Translate returns the translation of cur, using prev and next as
// context. When all attempts fail it returns FailedMarker(cur) and an
// error matching ErrExhausted; the caller must not write the marker
// as a completed block.
func (c *Client) Translate(ctx context.Context, cur, prev, next string) (string, error) {
	prompt := c.Prompt(cur, prev, next)
	attempts := c.opts.effectiveMaxAttempts()
	delay := c.opts.effectiveRetryDelay()

	policy := retry.Constant(attempts, delay)
	policy.Sleep = c.opts.sleep
	policy.Retryable = func(err error) bool { return Classify(err) != ClassFatal }
	policy.Backoff = func(attempt int, err error) time.Duration {
		if Classify(err) == ClassBackend {
			return delay * time.Duration(attempt)
		}
		return delay
	}
	policy.OnRetry = func(ctx context.Context, attempt int, err error) error {
		class := Classify(err)
		c.logf("Attempt %d/%d failed (%s): %v", attempt, attempts, class, err)
		switch class {
		case ClassTransport:
			if rerr := c.ex.Reconnect(ctx); rerr != nil {
				return fmt.Errorf("reconnecting after %s error: %w", class, rerr)
			}
		case ClassTruncated:
			if rerr := c.ex.ResetSession(ctx); rerr != nil {
				return fmt.Errorf("resetting session after truncated reply: %w", rerr)
			}
		}
		return nil
	}

	out, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (string, error) {
		started := time.Now()
		text, err := c.attempt(ctx, cur, prompt)
		c.opts.Metrics.Attempt(ctx, Classify(err).String(), time.Since(started))
		if err == nil {
			c.debugf("block translated on attempt %d (%d -> %d bytes)", attempt, len(cur), len(text))
		}
		return text, err
	})
	if err == nil {
		return out, nil
	}

	if errors.Is(err, retry.ErrExhausted) {
		c.errorf("Giving up on block after %d attempts: %v", attempts, err)
		return FailedMarker(cur), fmt.Errorf("%w: %w", ErrExhausted, err)
	}
	return "", err
}

// attempt performs one request and validates the reply.
func (c *Client) attempt(ctx context.Context, cur, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.effectiveAttemptTimeout())
	defer cancel()

	ch, err := c.ex.Exchange(ctx, prompt)
	if err != nil {
		return "", err
	}
	raw, err := c.collect(ctx, ch)
	if err != nil {
		return "", err
	}
	return c.finalize(cur, raw)
}

// collect accumulates streamed text until the finish message, failing
// when the stream goes quiet for longer than the idle timeout.
func (c *Client) collect(ctx context.Context, ch <-chan backend.Message) (string, error) {
	idleTimeout := c.opts.effectiveIdleTimeout()
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-idle.C:
			return "", fmt.Errorf("%w: no data for %s", backend.ErrIdle, idleTimeout)
		case msg, ok := <-ch:
			if !ok {
				return "", fmt.Errorf("%w: stream closed before finish", backend.ErrTransport)
			}
			idle.Reset(idleTimeout)

			switch msg.Kind {
			case backend.KindChunk:
				b.WriteString(msg.Text)
			case backend.KindPlan:
				c.debugf("reasoning: %s", msg.Text)
			case backend.KindToolCall:
				c.debugf("ignoring tool call %s(%s)", msg.Tool.Name, msg.Tool.Arguments)
			case backend.KindFinish:
				if msg.Reason == backend.FinishLength {
					return "", fmt.Errorf("%w after %d bytes", backend.ErrTruncated, b.Len())
				}
				return b.String(), nil
			case backend.KindError:
				return "", msg.Err
			}
		}
	}
}
