// Package remote is the HTTP client for the chat server API. The server is
// an opaque peer: every method is a plain JSON request/response and the
// caller decides retry policy.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrStale marks a 404/410 on a specific resource: the target is gone and
// retrying cannot converge. All other non-2xx responses are retryable.
var ErrStale = errors.New("remote: stale resource")

// Client calls the chat server API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an API client. A nil httpClient uses a 30s-timeout default.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

// SendMessage posts a message and returns the authoritative record plus the
// assistant reply.
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.do(ctx, http.MethodPost, "/chat", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateSession creates a session on the server.
func (c *Client) CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/sessions/new", nil, req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateSession changes a session's status or title.
func (c *Client) UpdateSession(ctx context.Context, sessionID string, req *UpdateSessionRequest) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID), nil, req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SessionHistory returns all messages of a session.
func (c *Client) SessionHistory(ctx context.Context, sessionID string) ([]Message, error) {
	var msgs []Message
	if err := c.do(ctx, http.MethodGet, "/history/session/"+url.PathEscape(sessionID), nil, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// UserHistory returns all sessions of a user.
func (c *Client) UserHistory(ctx context.Context, userID string) ([]Session, error) {
	var sessions []Session
	if err := c.do(ctx, http.MethodGet, "/history/user/"+url.PathEscape(userID), nil, nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// MessagesSince returns messages changed since the given cursor timestamp.
func (c *Client) MessagesSince(ctx context.Context, since int64) ([]Message, error) {
	var msgs []Message
	if err := c.do(ctx, http.MethodGet, "/messages/sync", sinceQuery(since), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SessionsSince returns sessions changed since the given cursor timestamp.
func (c *Client) SessionsSince(ctx context.Context, since int64) ([]Session, error) {
	var sessions []Session
	if err := c.do(ctx, http.MethodGet, "/sessions/sync", sinceQuery(since), nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// DocumentsSince returns documents changed since the given cursor timestamp.
func (c *Client) DocumentsSince(ctx context.Context, since int64) ([]Document, error) {
	var docs []Document
	if err := c.do(ctx, http.MethodGet, "/documents/sync", sinceQuery(since), nil, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// Health probes the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func sinceQuery(since int64) url.Values {
	return url.Values{"since": []string{fmt.Sprintf("%d", since)}}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, ErrStale)
	default:
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
