package translate

import (
	"context"
	"errors"

	"github.com/minios-linux/epubtrans/backend"
	"github.com/minios-linux/epubtrans/session"
)

// Class groups attempt failures by how they are recovered.
type Class int

const (
	// ClassNone is a successful attempt.
	ClassNone Class = iota
	// ClassBackend is a backend-side error; the wait grows with each attempt.
	ClassBackend
	// ClassTransport is a timeout or connection error; the session is
	// reconnected before the next attempt.
	ClassTransport
	// ClassTruncated is a length-limited reply; the session is reset.
	ClassTruncated
	// ClassQuality is a reply that failed validation.
	ClassQuality
	// ClassFatal stops immediately.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "ok"
	case ClassBackend:
		return "backend"
	case ClassTransport:
		return "transport"
	case ClassTruncated:
		return "truncated"
	case ClassQuality:
		return "quality"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an attempt error to its Class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, context.Canceled),
		errors.Is(err, backend.ErrAuth),
		errors.Is(err, session.ErrNoCredential):
		return ClassFatal
	case errors.Is(err, backend.ErrTruncated):
		return ClassTruncated
	case errors.Is(err, ErrQuality), errors.Is(err, ErrMalformed):
		return ClassQuality
	case errors.Is(err, backend.ErrInternal),
		errors.Is(err, backend.ErrRateLimited),
		errors.Is(err, backend.ErrRejected):
		return ClassBackend
	default:
		// Idle streams, deadlines and connection failures.
		return ClassTransport
	}
}
