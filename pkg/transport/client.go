// Package transport is the JSON-over-HTTP client shared by the collaborator
// clients. Every call has an explicit timeout and a bounded retry count.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/erain9/matchsettle/pkg/core"
	"github.com/rs/zerolog"
)

// Config holds the per-collaborator client settings
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between attempts.
	RetryDelay time.Duration
}

// Recorder receives one observation per finished HTTP exchange.
type Recorder interface {
	RecordCall(ctx context.Context, endpoint string, duration time.Duration, status int, err error)
}

// StatusError is returned when the collaborator answers with a non-2xx code.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Unwrap lets callers match StatusError with errors.Is(err, core.ErrTransport).
func (e *StatusError) Unwrap() error {
	return core.ErrTransport
}

// Client talks to one collaborator base URL
type Client struct {
	cfg      Config
	http     *http.Client
	recorder Recorder
}

// Option configures a Client
type Option func(*Client)

// WithRecorder attaches a call recorder
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a new Client
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request describes one call
type Request struct {
	// Name labels the call in metrics; Path is used when empty.
	Name   string
	Method string
	Path   string
	Query  map[string]string
	Header http.Header
	Body   any
}

const (
	// IdempotencyHeader carries the caller's replay-protection key. Requests
	// that set it may be retried whatever their method.
	IdempotencyHeader = "Idempotency-Key"
	// ReplayedHeader is set by collaborators that answered a request from an
	// earlier application of the same key.
	ReplayedHeader = "Idempotent-Replayed"
)

// Response is what a successful call returned besides its body
type Response struct {
	Status int
	Header http.Header
}

// Replayed reports whether the collaborator answered from an earlier
// application of the request's Idempotency-Key.
func (r *Response) Replayed() bool {
	return r != nil && strings.EqualFold(r.Header.Get(ReplayedHeader), "true")
}

// Do sends req and decodes a 2xx body into out when out is non-nil. See Send.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	_, err := c.Send(ctx, req, out)
	return err
}

// Send sends req, retrying transport errors and 5xx answers up to MaxRetries
// attempts, and decodes a 2xx body into out when out is non-nil. Only
// idempotent methods and requests carrying an Idempotency-Key are retried; a
// failed POST may already have been applied. The returned error wraps
// core.ErrTransport for every failure mode.
func (c *Client) Send(ctx context.Context, req Request, out any) (*Response, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("method", req.Method).
		Str("path", req.Path).
		Logger()

	var payload []byte
	if req.Body != nil {
		var err error
		if payload, err = json.Marshal(req.Body); err != nil {
			return nil, fmt.Errorf("%w: failed to encode request: %v", core.ErrTransport, err)
		}
	}

	attempts := c.cfg.MaxRetries
	if !retryable(req) {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, retry, err := c.attempt(ctx, req, payload, out)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry {
			break
		}

		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_retries", attempts).
			Msg("Collaborator call failed")

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", core.ErrTransport, ctx.Err())
			case <-time.After(time.Duration(attempt) * c.cfg.RetryDelay):
			}
		}
	}

	var statusErr *StatusError
	if errors.As(lastErr, &statusErr) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %v", core.ErrTransport, lastErr)
}

func retryable(req Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return req.Header.Get(IdempotencyHeader) != ""
}

func (c *Client) attempt(ctx context.Context, req Request, payload []byte, out any) (resp *Response, retry bool, err error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.cfg.BaseURL+req.Path, body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if len(req.Query) > 0 {
		q := httpReq.URL.Query()
		for k, v := range req.Query {
			q.Set(k, v)
		}
		httpReq.URL.RawQuery = q.Encode()
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		c.record(ctx, req, start, 0, err)
		return nil, ctx.Err() == nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		c.record(ctx, req, start, httpResp.StatusCode, err)
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		statusErr := &StatusError{
			Method: req.Method,
			Path:   req.Path,
			Status: httpResp.StatusCode,
			Body:   strings.TrimSpace(string(data)),
		}
		c.record(ctx, req, start, httpResp.StatusCode, statusErr)
		return nil, httpResp.StatusCode >= 500, statusErr
	}

	c.record(ctx, req, start, httpResp.StatusCode, nil)

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, false, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return &Response{Status: httpResp.StatusCode, Header: httpResp.Header}, false, nil
}

func (c *Client) record(ctx context.Context, req Request, start time.Time, status int, err error) {
	if c.recorder == nil {
		return
	}
	endpoint := req.Name
	if endpoint == "" {
		endpoint = req.Path
	}
	c.recorder.RecordCall(ctx, endpoint, time.Since(start), status, err)
}

// Close releases idle connections
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
