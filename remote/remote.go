// Package remote is a client for the hosted Postgres REST and auth endpoints.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// ErrNotAuthenticated is returned when a data call is made without a session.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrNotFound is returned by SelectOne when no row matches.
var ErrNotFound = errors.New("row not found")

// HTTPError is a non-2xx response from the remote store.
type HTTPError struct {
	Method     string
	Path       string
	Body       string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsUnauthorized checks if an error is an HTTP 401 from the remote store.
func IsUnauthorized(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized
}

// IsConflict checks if an error is an HTTP 409, such as a duplicate primary key.
func IsConflict(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict
}

// Client talks to the REST surface at {baseURL}/rest/v1 and {baseURL}/auth/v1.
type Client struct {
	client    *http.Client
	logger    *slog.Logger
	session   *Session
	onSession func(*Session)
	now       func() time.Time
	baseURL   string
	anonKey   string
	mu        sync.Mutex
}

// New creates a new remote client.
func New(baseURL, anonKey string, client *http.Client, logger *slog.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		client:  client,
		logger:  logger,
		now:     time.Now,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		anonKey: anonKey,
	}
}

// OnSessionChange registers fn to be called whenever the session is replaced or cleared.
func (c *Client) OnSessionChange(fn func(*Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSession = fn
}

// SetSession installs a session, e.g. one restored from local state.
func (c *Client) SetSession(s *Session) {
	c.mu.Lock()
	c.session = s
	fn := c.onSession
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Session returns a copy of the current session, or nil when signed out.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// UserID returns the signed-in user's id, or "" when signed out.
func (c *Client) UserID() string {
	if s := c.Session(); s != nil {
		return s.User.ID
	}
	return ""
}

// Select fetches rows from table into dst (a pointer to a slice).
func (c *Client) Select(ctx context.Context, table string, q *Query, dst any) error {
	return c.authed(ctx, http.MethodGet, restPath(table, q), nil, dst, "")
}

// SelectOne fetches the first matching row into dst.
func (c *Client) SelectOne(ctx context.Context, table string, q *Query, dst any) error {
	if q == nil {
		q = NewQuery()
	}
	var rows []json.RawMessage
	if err := c.Select(ctx, table, q.Limit(1), &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	if err := json.Unmarshal(rows[0], dst); err != nil {
		return fmt.Errorf("decode %s row: %w", table, err)
	}
	return nil
}

// Insert creates a row. When dst is non-nil the created row is decoded into it.
func (c *Client) Insert(ctx context.Context, table string, row any, dst any) error {
	return c.writeOne(ctx, http.MethodPost, restPath(table, nil), row, dst)
}

// Update patches the rows matching q. When dst is non-nil the first updated row is decoded into it.
func (c *Client) Update(ctx context.Context, table string, q *Query, patch any, dst any) error {
	if q == nil || q.Empty() {
		return errors.New("update requires a filter")
	}
	return c.writeOne(ctx, http.MethodPatch, restPath(table, q), patch, dst)
}

// Delete removes the rows matching q.
func (c *Client) Delete(ctx context.Context, table string, q *Query) error {
	if q == nil || q.Empty() {
		return errors.New("delete requires a filter")
	}
	return c.authed(ctx, http.MethodDelete, restPath(table, q), nil, nil, "")
}

func (c *Client) writeOne(ctx context.Context, method, path string, body any, dst any) error {
	if dst == nil {
		return c.authed(ctx, method, path, body, nil, "return=minimal")
	}
	var rows []json.RawMessage
	if err := c.authed(ctx, method, path, body, &rows, "return=representation"); err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	if err := json.Unmarshal(rows[0], dst); err != nil {
		return fmt.Errorf("decode written row: %w", err)
	}
	return nil
}

func restPath(table string, q *Query) string {
	path := "/rest/v1/" + table
	if q != nil && !q.Empty() {
		path += "?" + q.Encode()
	}
	return path
}

// authed performs a data call with the session token. A 401 triggers exactly
// one refresh-and-retry; the second failure is returned to the caller.
func (c *Client) authed(ctx context.Context, method, path string, body any, dst any, prefer string) error {
	sess := c.Session()
	if sess == nil {
		return ErrNotAuthenticated
	}

	if sess.Expired(c.now()) {
		c.logger.Info("Access token expired, refreshing before request", "path", path)
		if err := c.Refresh(ctx); err != nil {
			return fmt.Errorf("refresh expired session: %w", err)
		}
	}

	attempt := 0
	return retry.Do(
		func() error {
			attempt++
			if attempt > 1 {
				if err := c.Refresh(ctx); err != nil {
					return retry.Unrecoverable(fmt.Errorf("refresh after 401: %w", err))
				}
			}
			s := c.Session()
			if s == nil {
				return retry.Unrecoverable(ErrNotAuthenticated)
			}
			return c.send(ctx, method, path, body, dst, s.AccessToken, prefer)
		},
		retry.Attempts(2),
		retry.LastErrorOnly(true),
		retry.Delay(10*time.Millisecond),
		retry.MaxJitter(10*time.Millisecond),
		retry.Context(ctx),
		retry.RetryIf(IsUnauthorized),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying after 401 with refreshed token", "attempt", n, "path", path, "error", err)
		}),
	)
}

// send performs one HTTP round trip.
func (c *Client) send(ctx context.Context, method, path string, body any, dst any, token, prefer string) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token == "" {
		token = c.anonKey
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("Remote request failed", "method", method, "path", path, "duration_ms", duration.Milliseconds(), "error", err)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("Remote request completed",
		"method", method,
		"path", path,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	if dst == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
