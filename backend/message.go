// Package backend is the transport to a remote chat-completion service.
//
// A Dialer opens Sessions; a Session sends one prompt at a time and
// streams the reply back as a closed union of Messages. The production
// implementation speaks the OpenAI-compatible streaming protocol.
package backend

import (
	"context"
	"fmt"
)

// Kind discriminates the Message union.
type Kind int

const (
	// KindChunk carries a piece of the reply text.
	KindChunk Kind = iota
	// KindToolCall reports a tool invocation requested by the model.
	KindToolCall
	// KindPlan carries reasoning text that is not part of the reply.
	KindPlan
	// KindFinish ends the stream normally.
	KindFinish
	// KindError ends the stream with Err.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindToolCall:
		return "tool_call"
	case KindPlan:
		return "plan"
	case KindFinish:
		return "finish"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FinishReason is why the backend stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// ToolCall is a tool invocation announced by the model.
type ToolCall struct {
	Name      string
	Arguments string
}

// Message is one event of a reply stream. Exactly one of the payload
// fields is meaningful, selected by Kind.
type Message struct {
	Kind   Kind
	Text   string
	Tool   ToolCall
	Reason FinishReason
	Err    error
}

// Chunk returns a KindChunk message.
func Chunk(text string) Message { return Message{Kind: KindChunk, Text: text} }

// Plan returns a KindPlan message.
func Plan(text string) Message { return Message{Kind: KindPlan, Text: text} }

// Finish returns a KindFinish message.
func Finish(reason FinishReason) Message { return Message{Kind: KindFinish, Reason: reason} }

// Failure returns a KindError message.
func Failure(err error) Message { return Message{Kind: KindError, Err: err} }

// Session is an established conversation with the backend. Send must
// not be called concurrently; the returned channel is closed after a
// KindFinish or KindError message or when ctx ends.
type Session interface {
	Send(ctx context.Context, prompt string) (<-chan Message, error)
	// Ping checks the backend is reachable and accepts the credential.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}
