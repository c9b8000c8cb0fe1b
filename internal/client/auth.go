package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"metricsync/internal/models"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenPairPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Login exchanges credentials for a token pair and stores it.
func (c *Client) Login(ctx context.Context, email, password string) error {
	pair, err := c.authPost(ctx, "/api/auth/login", credentials{Email: email, Password: password})
	if err != nil {
		return err
	}
	return c.tokens.Set(pair)
}

// Signup registers a new account; the service returns a token pair on
// success, which is stored like a login.
func (c *Client) Signup(ctx context.Context, email, password string) error {
	pair, err := c.authPost(ctx, "/api/auth/signup", credentials{Email: email, Password: password})
	if err != nil {
		return err
	}
	return c.tokens.Set(pair)
}

// Logout clears the stored token pair. Purely local; the service keeps no
// session state.
func (c *Client) Logout() error {
	return c.tokens.Clear()
}

// exchangeRefreshToken calls the public refresh endpoint. Used only by the
// single-flight refresh path.
func (c *Client) exchangeRefreshToken(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	return c.authPost(ctx, "/api/auth/refresh", map[string]string{"refresh_token": refreshToken})
}

// authPost posts to an auth endpoint without bearer attachment or the
// 401-refresh path: an unauthorized response here means bad credentials or
// an expired refresh token, not something a retry can fix.
func (c *Client) authPost(ctx context.Context, path string, body interface{}) (models.TokenPair, error) {
	var pair models.TokenPair

	payload, err := json.Marshal(body)
	if err != nil {
		return pair, fmt.Errorf("marshal auth body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return pair, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "metricsync/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return pair, wrapTransport(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return pair, wrapTransport(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return pair, &HTTPError{Status: resp.StatusCode, Message: errorMessage(respBody)}
	}

	var tp tokenPairPayload
	if err := json.Unmarshal(respBody, &tp); err != nil {
		return pair, fmt.Errorf("decode token pair: %w", err)
	}
	if tp.AccessToken == "" || tp.RefreshToken == "" {
		return pair, fmt.Errorf("auth response missing tokens")
	}

	pair = models.TokenPair{AccessToken: tp.AccessToken, RefreshToken: tp.RefreshToken}
	return pair, nil
}

// Health probes the service health endpoint once.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return wrapTransport(ctx, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &HTTPError{Status: resp.StatusCode}
	}
	return nil
}

// WaitReady polls the health endpoint with exponential backoff until the
// service answers or the deadline elapses. Used by the CLI before a watch
// loop starts; the fetch path itself never retries.
func (c *Client) WaitReady(ctx context.Context, maxWait time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxWait

	operation := func() error {
		err := c.Health(ctx)
		if err == nil {
			return nil
		}
		if IsCancelled(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

// MetricNames lists the metric keys known to the service, optionally scoped
// to one source. The response is enveloped {ok, data, error, meta}.
func (c *Client) MetricNames(ctx context.Context, sourceName string) ([]string, error) {
	raw, err := c.GetJSON(ctx, "/api/metrics/names", map[string]string{"source_name": sourceName})
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Data []string `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode metric names: %w", err)
	}
	return envelope.Data, nil
}
