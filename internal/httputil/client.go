package httputil

import (
	"net/http"
	"time"
)

// DefaultAuthTimeout bounds short-lived auth and readiness calls.
const DefaultAuthTimeout = 30 * time.Second

// NewClient returns the HTTP client used by the sync engine's fetch path.
// It carries no timeout: a hung request stays pending until the filter
// edit that supersedes it cancels the owning generation.
func NewClient() *http.Client {
	return &http.Client{}
}

// NewClientWithTimeout returns an HTTP client with a hard per-request
// timeout, for callers outside the generation-cancelled fetch path.
func NewClientWithTimeout(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
	}
}
