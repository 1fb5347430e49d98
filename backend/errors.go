package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
)

var (
	// ErrAuth is a rejected credential (HTTP 401/403). Not retryable.
	ErrAuth = errors.New("backend rejected credential")
	// ErrInternal is a backend-side failure (HTTP 5xx).
	ErrInternal = errors.New("backend internal error")
	// ErrRateLimited is HTTP 429.
	ErrRateLimited = errors.New("backend rate limited")
	// ErrRejected is any other 4xx response.
	ErrRejected = errors.New("backend rejected request")
	// ErrTransport is a connection-level failure.
	ErrTransport = errors.New("backend transport error")
	// ErrTruncated means the reply was cut by the length limit.
	ErrTruncated = errors.New("backend reply truncated")
	// ErrIdle means the stream stopped producing messages.
	ErrIdle = errors.New("backend stream idle")
	// ErrClosed is returned by a closed session.
	ErrClosed = errors.New("session closed")
)

// StatusError maps an HTTP status code to the sentinel it belongs to,
// or nil for success codes.
func StatusError(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrAuth
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code >= 500:
		return ErrInternal
	case code >= 400:
		return ErrRejected
	default:
		return nil
	}
}

// wrapError classifies a client error under one of the sentinels while
// keeping the original in the chain. Context errors pass through.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if sentinel := StatusError(apiErr.StatusCode); sentinel != nil {
			return fmt.Errorf("%w: %w", sentinel, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
