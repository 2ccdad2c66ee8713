package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/livetemplate/kbase"
	"go.uber.org/zap"
)

const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Client is a Store backed by a remote kbase API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   RetryConfig
	circuit CircuitConfig
	breaker *circuitBreaker
	logger  *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sends key in the X-API-Key header on every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithRetry sets the retry policy for reads. MaxRetries 0 disables retries.
func WithRetry(cfg RetryConfig) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// WithCircuit sets the circuit breaker thresholds.
func WithCircuit(cfg CircuitConfig) ClientOption {
	return func(c *Client) { c.circuit = cfg }
}

// WithLogger sets the client's logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		retry:   DefaultRetryConfig(),
		circuit: DefaultCircuitConfig(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = newCircuitBreaker(c.circuit, c.logger.With(zap.String("remote", c.baseURL)))
	return c
}

// CircuitState reports the state of the client's circuit breaker.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

func (c *Client) List(ctx context.Context, includeUnpublished bool) ([]kbase.PageDocument, error) {
	path := "/api/pages"
	if includeUnpublished {
		path += "?all=true"
	}
	return withRetry(ctx, "list", c.retry, c.logger, func(ctx context.Context) ([]kbase.PageDocument, error) {
		var pages []kbase.PageDocument
		if err := c.do(ctx, "list", http.MethodGet, path, nil, &pages); err != nil {
			return nil, err
		}
		if pages == nil {
			pages = []kbase.PageDocument{}
		}
		return pages, nil
	})
}

func (c *Client) Get(ctx context.Context, slug string) (*kbase.PageDocument, error) {
	return withRetry(ctx, "get", c.retry, c.logger, func(ctx context.Context) (*kbase.PageDocument, error) {
		var doc kbase.PageDocument
		if err := c.do(ctx, "get", http.MethodGet, pagePath(slug), nil, &doc); err != nil {
			return nil, err
		}
		return &doc, nil
	})
}

func (c *Client) Create(ctx context.Context, doc kbase.PageDocument) (*kbase.PageDocument, error) {
	var created kbase.PageDocument
	if err := c.do(ctx, "create", http.MethodPost, "/api/pages", doc, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) Update(ctx context.Context, slug string, patch kbase.PagePatch) (*kbase.PageDocument, error) {
	var updated kbase.PageDocument
	if err := c.do(ctx, "update", http.MethodPut, pagePath(slug), patch, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (c *Client) Delete(ctx context.Context, slug string) error {
	return c.do(ctx, "delete", http.MethodDelete, pagePath(slug), nil, nil)
}

// Close is a no-op for the HTTP client.
func (c *Client) Close() error {
	return nil
}

func pagePath(slug string) string {
	return "/api/pages/" + url.PathEscape(slug)
}

// do sends one request through the circuit breaker.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	if !c.breaker.allow() {
		return &kbase.TransportError{Op: op, Err: ErrCircuitOpen}
	}
	err := c.send(ctx, op, method, path, in, out)
	c.breaker.record(err)
	return err
}

// send sends one request and decodes a 2xx body into out.
func (c *Client) send(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &kbase.TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &kbase.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &kbase.TransportError{Op: op, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &kbase.TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// statusError maps an API error status to the store's error vocabulary.
func statusError(op string, status int, body []byte) error {
	var resp kbase.ErrorResponse
	_ = json.Unmarshal(body, &resp)

	switch status {
	case http.StatusNotFound:
		return kbase.ErrNotFound
	case http.StatusConflict:
		return &kbase.ConflictError{Slug: resp.Slug}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if resp.Code != "" || len(resp.Issues) > 0 {
			return resp.ValidationErr()
		}
	}

	msg := resp.Error
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return &kbase.TransportError{Op: op, Status: status, Err: fmt.Errorf("%s", msg)}
}
