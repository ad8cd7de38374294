package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// requestTimeout bounds every plain HTTP request to the agent.
const requestTimeout = 30 * time.Second

// ErrSessionNotFound is returned for 404 responses on session-scoped calls.
var ErrSessionNotFound = errors.New("session not found")

// Client talks to one OpenCode server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// Option customizes a Client.
type Option func(*Client)

// WithMaxRetries overrides the retry cap for idempotent requests.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithHTTPClient substitutes the transport (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the agent at baseURL (e.g. "http://127.0.0.1:4101").
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the agent endpoint this client is bound to.
func (c *Client) BaseURL() string { return c.baseURL }

// Health checks GET /global/health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.getJSON(ctx, "/global/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ListSessions returns all sessions on the agent.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.getJSON(ctx, "/session", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetSession returns one session by ID.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := c.getJSON(ctx, "/session/"+url.PathEscape(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession creates a new session. Title is optional.
func (c *Client) CreateSession(ctx context.Context, title string) (*Session, error) {
	body := map[string]any{}
	if title != "" {
		body["title"] = title
	}
	var s Session
	if err := c.postJSON(ctx, "/session", body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// AbortSession interrupts whatever the session is doing.
func (c *Client) AbortSession(ctx context.Context, id string) error {
	return c.postJSON(ctx, "/session/"+url.PathEscape(id)+"/abort", map[string]any{}, nil)
}

// SendAsync submits a prompt without waiting for the reply; the response
// arrives on the event stream. Not retried: a duplicate send is worse than a
// reported failure.
func (c *Client) SendAsync(ctx context.Context, sessionID, text string) error {
	body := map[string]any{
		"parts": []map[string]any{{"type": "text", "text": text}},
	}
	return c.doOnce(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/prompt_async", body, nil)
}

// RespondToPermission answers a pending permission prompt.
// response is one of PermissionOnce, PermissionAlways, PermissionReject.
func (c *Client) RespondToPermission(ctx context.Context, sessionID, permissionID, response string) error {
	path := "/session/" + url.PathEscape(sessionID) + "/permissions/" + url.PathEscape(permissionID)
	return c.doOnce(ctx, http.MethodPost, path, map[string]any{"response": response}, nil)
}

// getJSON performs a retried GET and decodes the response into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.retry(ctx, func() error {
		return c.doOnce(ctx, http.MethodGet, path, nil, out)
	})
}

// postJSON performs a retried POST. Callers must only use this for idempotent
// endpoints (session create is idempotent enough: a duplicate is an empty
// session the janitor cleans up).
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	return c.retry(ctx, func() error {
		return c.doOnce(ctx, http.MethodPost, path, body, out)
	})
}

// permanentError marks a failure not worth retrying (404, malformed response).
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// retry runs fn with exponential backoff: 1s, 2s, 4s, capped at 10s.
func (c *Client) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	backoff := time.Second
	const backoffCap = 10 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		slog.Debug("agent request failed, will retry",
			"base_url", c.baseURL, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

// doOnce performs a single HTTP request with the per-request deadline.
func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &permanentError{fmt.Errorf("encode request: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return &permanentError{err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &permanentError{fmt.Errorf("%s %s: %w", method, path, ErrSessionNotFound)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &permanentError{fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)}
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &permanentError{fmt.Errorf("decode %s %s: %w", method, path, err)}
	}
	return nil
}
