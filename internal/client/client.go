// Package client implements the authenticated request client for the remote
// analytics service: URL building, bearer attachment, and single-flight
// refresh-and-retry on authorization failure.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"metricsync/internal/httputil"
	"metricsync/internal/metrics"
	"metricsync/internal/token"
)

// Client talks to the analytics service. Safe for concurrent use.
type Client struct {
	baseURL      string
	http         *http.Client
	tokens       *token.Store
	refreshGroup singleflight.Group
}

// New creates a Client. httpClient may be nil, in which case the engine's
// default (no per-request timeout) is used.
func New(baseURL string, httpClient *http.Client, tokens *token.Store) *Client {
	if httpClient == nil {
		httpClient = httputil.NewClient()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
	}
}

// BuildURL joins path and query parameters onto the base URL. Parameters
// with empty values are dropped; the rest are URL-encoded. Encoding order
// follows url.Values (sorted by key), which callers must not rely on.
func (c *Client) BuildURL(path string, params map[string]string) string {
	u := c.baseURL + path
	q := url.Values{}
	for k, v := range params {
		if v == "" {
			continue
		}
		q.Set(k, v)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// GetJSON issues a GET and returns the raw JSON body. A 204 or empty body
// yields nil without error.
func (c *Client) GetJSON(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodGet, path, params, nil)
}

// PostJSON issues a POST with a JSON body and returns the raw JSON response.
func (c *Client) PostJSON(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodPost, path, nil, body)
}

func (c *Client) doJSON(ctx context.Context, method, path string, params map[string]string, body interface{}) (json.RawMessage, error) {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	respBody, status, err := c.do(ctx, method, path, params, reqBody, false)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || len(respBody) == 0 {
		return nil, nil
	}
	if !json.Valid(respBody) {
		return nil, fmt.Errorf("decode response from %s: invalid JSON", path)
	}
	return json.RawMessage(respBody), nil
}

// do performs one request, attaching the bearer token when present. On
// 401/403 it refreshes the token pair (single-flight across concurrent
// callers) and retries exactly once; a second authorization failure is a
// hard AuthError rather than a loop.
func (c *Client) do(ctx context.Context, method, path string, params map[string]string, body []byte, isRetry bool) ([]byte, int, error) {
	fullURL := c.BuildURL(path, params)

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "metricsync/1.0")
	if pair, ok := c.tokens.Get(); ok && pair.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.APICallsTotal.WithLabelValues(path, "error").Inc()
		return nil, 0, wrapTransport(ctx, err)
	}
	defer resp.Body.Close()

	metrics.APILatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
	metrics.APICallsTotal.WithLabelValues(path, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, wrapTransport(ctx, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if isRetry {
			return nil, resp.StatusCode, &AuthError{Err: fmt.Errorf("still unauthorized after refresh (status %d)", resp.StatusCode)}
		}
		if err := c.refreshTokens(); err != nil {
			return nil, resp.StatusCode, err
		}
		return c.do(ctx, method, path, params, body, true)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &HTTPError{Status: resp.StatusCode, Message: errorMessage(respBody)}
	}

	return respBody, resp.StatusCode, nil
}

// refreshTokens exchanges the refresh token for a new pair. Concurrent
// callers share one in-flight exchange; its single outcome fans out to all
// of them. Tokens are never cleared here, even on failure.
func (c *Client) refreshTokens() error {
	_, err, _ := c.refreshGroup.Do("refresh", func() (interface{}, error) {
		pair, ok := c.tokens.Get()
		if !ok || pair.RefreshToken == "" {
			metrics.TokenRefreshesTotal.WithLabelValues("no_token").Inc()
			return nil, &AuthError{Err: errors.New("no refresh token available")}
		}

		// The exchange deliberately runs outside any caller's context so a
		// superseded generation cannot cancel a refresh other waiters share.
		ctx, cancel := context.WithTimeout(context.Background(), httputil.DefaultAuthTimeout)
		defer cancel()

		fresh, err := c.exchangeRefreshToken(ctx, pair.RefreshToken)
		if err != nil {
			metrics.TokenRefreshesTotal.WithLabelValues("failure").Inc()
			return nil, &AuthError{Err: fmt.Errorf("refresh: %w", err)}
		}
		if err := c.tokens.Set(fresh); err != nil {
			metrics.TokenRefreshesTotal.WithLabelValues("failure").Inc()
			return nil, &AuthError{Err: fmt.Errorf("store refreshed tokens: %w", err)}
		}
		metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
		return nil, nil
	})

	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return err
		}
		return &AuthError{Err: err}
	}
	return nil
}

// errorMessage pulls a server-provided message out of an error body, trying
// the detail/error/message fields the service emits across endpoints.
func errorMessage(body []byte) string {
	var payload struct {
		Detail  string `json:"detail"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, m := range []string{payload.Detail, payload.Error, payload.Message} {
		if m != "" {
			return m
		}
	}
	return strings.TrimSpace(string(body))
}

// Tokens exposes the underlying token store for callers that own login and
// logout policy.
func (c *Client) Tokens() *token.Store {
	return c.tokens
}

// BaseURL returns the service base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}
