package backend

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Config parameterizes the OpenAI-compatible dialer.
type Config struct {
	URL    string
	APIKey string
	Model  string
	// HistoryTurns is how many previous prompt/reply pairs are resent as
	// conversation context. Zero disables history.
	HistoryTurns int
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
	Verbose    bool
}

// OpenAIDialer opens streaming chat-completion sessions.
type OpenAIDialer struct {
	cfg Config
}

// NewOpenAIDialer returns a dialer for cfg.
func NewOpenAIDialer(cfg Config) *OpenAIDialer {
	return &OpenAIDialer{cfg: cfg}
}

// Dial creates a client. No request is made; use Session.Ping to verify
// the endpoint.
func (d *OpenAIDialer) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := []option.RequestOption{
		option.WithBaseURL(d.cfg.URL),
		option.WithAPIKey(d.cfg.APIKey),
		// Retries are owned by the translate and session packages.
		option.WithMaxRetries(0),
	}
	if d.cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(d.cfg.HTTPClient))
	}

	return &openaiSession{
		client: openai.NewClient(opts...),
		cfg:    d.cfg,
	}, nil
}

type turn struct {
	prompt, reply string
}

type openaiSession struct {
	client openai.Client
	cfg    Config

	mu      sync.Mutex
	history []turn
	closed  bool
}

func (s *openaiSession) Ping(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	_, err := s.client.Models.List(ctx)
	return wrapError(err)
}

func (s *openaiSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.history = nil
	return nil
}

func (s *openaiSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *openaiSession) messages(prompt string) []openai.ChatCompletionMessageParamUnion {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2*len(s.history)+1)
	for _, t := range s.history {
		msgs = append(msgs, openai.UserMessage(t.prompt), openai.AssistantMessage(t.reply))
	}
	return append(msgs, openai.UserMessage(prompt))
}

func (s *openaiSession) remember(prompt, reply string) {
	if s.cfg.HistoryTurns <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, turn{prompt: prompt, reply: reply})
	if n := len(s.history) - s.cfg.HistoryTurns; n > 0 {
		s.history = append([]turn(nil), s.history[n:]...)
	}
}

// Send starts a streaming completion. Transport errors surface as a
// KindError message on the channel.
func (s *openaiSession) Send(ctx context.Context, prompt string) (<-chan Message, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	stream := s.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Messages: s.messages(prompt),
		Model:    s.cfg.Model,
	})

	out := make(chan Message, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		emit := func(m Message) bool {
			select {
			case out <- m:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var reply strings.Builder
		var reason FinishReason
		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				if plan := reasoning(choice.Delta.RawJSON()); plan != "" {
					if !emit(Plan(plan)) {
						return
					}
				}
				if choice.Delta.Content != "" {
					reply.WriteString(choice.Delta.Content)
					if !emit(Chunk(choice.Delta.Content)) {
						return
					}
				}
				for _, tc := range choice.Delta.ToolCalls {
					m := Message{Kind: KindToolCall, Tool: ToolCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments}}
					if !emit(m) {
						return
					}
				}
				if choice.FinishReason != "" {
					reason = FinishReason(choice.FinishReason)
				}
			}
		}

		if err := stream.Err(); err != nil {
			if s.cfg.Verbose {
				log.Printf("[DEBUG] stream error: %v", err)
			}
			emit(Failure(wrapError(err)))
			return
		}
		if reason == "" {
			reason = FinishStop
		}
		if reason == FinishStop {
			s.remember(prompt, reply.String())
		}
		emit(Finish(reason))
	}()

	return out, nil
}

// reasoning extracts the non-standard reasoning_content delta field some
// compatible servers stream before the answer.
func reasoning(raw string) string {
	if raw == "" || !strings.Contains(raw, "reasoning_content") {
		return ""
	}
	var delta struct {
		ReasoningContent string `json:"reasoning_content"`
	}
	if err := json.Unmarshal([]byte(raw), &delta); err != nil {
		return ""
	}
	return delta.ReasoningContent
}
