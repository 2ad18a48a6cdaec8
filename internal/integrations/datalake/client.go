// Package datalake sends feedback events to the analytics ingestion endpoint.
package datalake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"conversation-store/internal/domain"
)

// tokenPayload is the JSON shape a token parameter may be stored as.
type tokenPayload struct {
	Token string `json:"token"`
}

// Getter fetches a parameter by name. paramstore.Client satisfies it.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("datalake: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Retryable reports whether the upstream may accept the same request later.
func (e *HTTPStatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client posts events to a single ingestion endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	location   *time.Location
	now        func() time.Time

	getter    Getter
	tokenName string
	tokenMu   sync.Mutex
	token     string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToken sets a static bearer token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithTokenParameter resolves the bearer token from the parameter store on the
// first send and reuses it for the lifetime of the process.
func WithTokenParameter(getter Getter, name string) Option {
	return func(c *Client) {
		c.getter = getter
		c.tokenName = strings.TrimSpace(name)
	}
}

// WithLocation sets the timezone event dates are rendered in.
func WithLocation(loc *time.Location) Option {
	return func(c *Client) {
		if loc != nil {
			c.location = loc
		}
	}
}

// NewClient creates a Client for endpoint.
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("datalake: endpoint must not be empty")
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		location:   time.UTC,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.getter != nil && c.tokenName == "" {
		return nil, errors.New("datalake: token parameter name must not be empty")
	}
	return c, nil
}

// resolveToken returns the static token, or fetches the parameter until one
// fetch succeeds and caches that value.
func (c *Client) resolveToken(ctx context.Context) (string, error) {
	if c.getter == nil {
		return c.token, nil
	}
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	token, err := fetchToken(ctx, c.getter, c.tokenName)
	if err != nil {
		return "", err
	}
	c.token = token
	return token, nil
}

// Send formats rec, validates it and posts it. Validation failures wrap
// ErrInvalidEvent and are never worth retrying.
func (c *Client) Send(ctx context.Context, rec domain.FeedbackRecord) error {
	ev := NewFeedbackEvent(rec, c.now(), c.location)
	if err := ev.Validate(); err != nil {
		return err
	}
	return c.SendEvent(ctx, ev)
}

// SendEvent posts an already formatted event.
func (c *Client) SendEvent(ctx context.Context, ev Event) error {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("datalake: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("datalake: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if err := c.do(req); err != nil {
		return fmt.Errorf("datalake: request failed: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request) error {
	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        c.endpoint,
			Body:       string(buf),
		}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

// fetchToken accepts either a bare token or {"token": "..."}.
func fetchToken(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("datalake: fetch token from paramstore: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var tp tokenPayload
		if err := json.Unmarshal([]byte(raw), &tp); err != nil {
			return "", fmt.Errorf("datalake: unmarshal paramstore token value as JSON: %w", err)
		}
		raw = tp.Token
	}
	if raw == "" {
		return "", errors.New("datalake: token is empty")
	}
	return raw, nil
}
