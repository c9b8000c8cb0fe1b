package client

import (
	"context"
	"errors"
	"fmt"
)

// NetworkError means no usable response reached us at all.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response outside the handled 401/403 path. Message
// carries the server-provided detail when the body was parseable.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d", e.Status)
}

// AuthError means the refresh failed, or a retried request was still
// unauthorized. Tokens are left untouched; clearing them is caller policy.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// ErrCancelled marks a request whose generation was superseded. It is never
// a user-visible failure; the orchestrator swallows it at commit time.
var ErrCancelled = errors.New("request cancelled")

// IsCancelled reports whether err represents a superseded/aborted request
// rather than a real failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// wrapTransport classifies a transport-level error: cancellation stays
// distinguishable from genuine network failure.
func wrapTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return &NetworkError{Err: err}
}
