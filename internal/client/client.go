// ABOUTME: HTTP client for the frontdesk API used by channel adapters and the CLI
// ABOUTME: Handles JSON encoding, bearer auth, and mapping error bodies back to errs kinds

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

	"github.com/2389/frontdesk/internal/api"
	"github.com/2389/frontdesk/internal/errs"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("frontdesk returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("frontdesk error (%d): %s", e.StatusCode, e.Message)
}

// Unwrap maps the error kind to its errs sentinel.
func (e *APIError) Unwrap() error {
	switch e.Kind {
	case "not_found":
		return errs.ErrNotFound
	case "conflict":
		return errs.ErrConflict
	case "invalid_state":
		return errs.ErrInvalidState
	case "validation":
		return errs.ErrValidation
	case "permission_denied":
		return errs.ErrPermissionDenied
	case "storage":
		return errs.ErrStorage
	}
	switch e.StatusCode {
	case http.StatusNotFound:
		return errs.ErrNotFound
	case http.StatusForbidden:
		return errs.ErrPermissionDenied
	}
	return nil
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client talks to one frontdesk server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for baseURL. token may be empty when the server runs
// with auth disabled.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// path joins escaped segments under /api.
func path(segments ...string) string {
	var b strings.Builder
	b.WriteString("/api")
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func (c *Client) newRequest(ctx context.Context, method, p string, query url.Values, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	u := c.baseURL + p
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends a request and decodes a 2xx JSON body into out when non-nil. It
// returns the status code so callers can tell 200 from 201.
func (c *Client) do(ctx context.Context, method, p string, query url.Values, body, out any) (int, error) {
	req, err := c.newRequest(ctx, method, p, query, body)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, handleErrorResponse(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// handleErrorResponse extracts the error body from a non-2xx response.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload api.Error
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		apiErr.Kind = payload.Kind
		apiErr.Message = payload.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// Info describes the server's language and accepted channels.
type Info struct {
	Language string   `json:"language"`
	Channels []string `json:"channels"`
}

// Info fetches /api/info.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	var out Info
	if _, err := c.do(ctx, http.MethodGet, path("info"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks /health, or /health/ready when ready is set.
func (c *Client) Health(ctx context.Context, ready bool) error {
	p := "/health"
	if ready {
		p += "/ready"
	}
	req, err := c.newRequest(ctx, http.MethodGet, p, nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return handleErrorResponse(resp)
	}
	return nil
}

// IsNotFound reports whether err is a not-found response.
func IsNotFound(err error) bool { return errors.Is(err, errs.ErrNotFound) }
