// Package rest is a backend.DocumentStore that talks to a remote document
// server over HTTP and JSON. The wire protocol is the one served by
// internal/emulator:
//
//	GET    /v1/health
//	POST   /v1/collections/{c}/documents               -> {"id": ...}
//	GET    /v1/collections/{c}/documents?field=&value= -> {"documents": [{"id","data"}]}
//	GET    /v1/collections/{c}/documents/{id}          -> {"id","data"}
//	PUT    /v1/collections/{c}/documents/{id}[?merge=true]
//	PATCH  /v1/collections/{c}/documents/{id}          (404 when missing)
//	DELETE /v1/collections/{c}/documents/{id}
//
// Throttled responses are retried with backoff; consecutive transport or
// server failures open a circuit breaker.
package rest

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

	"github.com/sirupsen/logrus"

	"lova/backend"
	"lova/internal/ratelimit"
	"lova/internal/utils"
)

// DefaultTimeout bounds a single HTTP exchange.
const DefaultTimeout = 15 * time.Second

// ErrUnauthorized is returned when the server rejects the token.
var ErrUnauthorized = errors.New("remote store rejected credentials")

// Config holds the client settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	MaxRetries       int
	RetryBaseDelay   time.Duration
	// BreakerThreshold is the number of consecutive failures that opens the
	// circuit. Zero selects the default; a negative value disables the breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	Logger     *logrus.Entry
}

// StatusError is an unexpected HTTP status from the server.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
}

// Client implements backend.DocumentStore and backend.Pinger.
type Client struct {
	baseURL string
	token   string
	conn    *http.Client
	http    *ratelimit.Client
	breaker *CircuitBreaker
	stats   *ratelimit.Stats
	log     *logrus.Entry
}

var (
	_ backend.DocumentStore = (*Client)(nil)
	_ backend.Pinger        = (*Client)(nil)
)

// New creates a client for the server at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("remote url is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid remote url %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = DefaultBreakerThreshold
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}

	log := cfg.Logger
	if log == nil {
		log = utils.Component("rest")
	}

	stats := ratelimit.NewStats()
	return &Client{
		baseURL: base,
		token:   cfg.Token,
		conn:    httpClient,
		http: ratelimit.NewClient(ratelimit.Config{
			MaxRetries:   cfg.MaxRetries,
			BaseDelay:    cfg.RetryBaseDelay,
			EnableJitter: true,
			HTTPClient:   httpClient,
			Stats:        stats,
			Service:      "remote store",
		}),
		breaker: NewCircuitBreaker(threshold, cooldown),
		stats:   stats,
		log:     log.WithField("remote", base),
	}, nil
}

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Throttled returns how many throttled responses the client has seen.
func (c *Client) Throttled() int64 {
	return c.stats.Count()
}

func documentsPath(collection string) string {
	return "/v1/collections/" + url.PathEscape(collection) + "/documents"
}

func documentPath(collection, id string) string {
	return documentsPath(collection) + "/" + url.PathEscape(id)
}

// Add inserts a document and returns the server-assigned ID.
func (c *Client) Add(ctx context.Context, collection string, data backend.Document) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, documentsPath(collection), data, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("server returned no document id")
	}
	return out.ID, nil
}

// Set writes a document at id.
func (c *Client) Set(ctx context.Context, collection, id string, data backend.Document, merge bool) error {
	path := documentPath(collection, id)
	if merge {
		path += "?merge=true"
	}
	return c.call(ctx, http.MethodPut, path, data, nil)
}

// Update patches an existing document.
func (c *Client) Update(ctx context.Context, collection, id string, fields backend.Document) error {
	return c.call(ctx, http.MethodPatch, documentPath(collection, id), fields, nil)
}

// Delete removes a document. A 404 is treated as success.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	err := c.call(ctx, http.MethodDelete, documentPath(collection, id), nil, nil)
	if errors.Is(err, backend.ErrNotFound) {
		return nil
	}
	return err
}

// Get fetches one document.
func (c *Client) Get(ctx context.Context, collection, id string) (*backend.Snapshot, error) {
	var snap backend.Snapshot
	if err := c.call(ctx, http.MethodGet, documentPath(collection, id), nil, &snap); err != nil {
		return nil, err
	}
	if snap.ID == "" {
		snap.ID = id
	}
	return &snap, nil
}

// Query returns the documents matching the equality filter.
func (c *Client) Query(ctx context.Context, collection string, where backend.Where) ([]backend.Snapshot, error) {
	path := documentsPath(collection)
	if where.Field != "" {
		q := url.Values{}
		q.Set("field", where.Field)
		q.Set("value", where.Value)
		path += "?" + q.Encode()
	}
	var out struct {
		Documents []backend.Snapshot `json:"documents"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

// Ping checks the health endpoint. It bypasses the circuit breaker and
// closes it on success, so a connectivity probe can end an outage.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.Do(ctx, http.MethodGet, c.baseURL+"/v1/health", nil, c.header(false))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return statusError(http.MethodGet, "/v1/health", resp)
	}
	c.breaker.RecordSuccess()
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.conn.CloseIdleConnections()
	return nil
}

func (c *Client) header(withBody bool) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	if withBody {
		h.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// call performs one API request. in is encoded as the JSON body when non-nil
// and out receives the decoded JSON response when non-nil.
func (c *Client) call(ctx context.Context, method, path string, in any, out any) error {
	if !c.breaker.Allow() {
		return ErrCircuitOpen
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	resp, err := c.http.Do(ctx, method, c.baseURL+path, body, c.header(in != nil))
	if err != nil {
		if ctx.Err() == nil {
			c.breaker.RecordFailure()
		}
		c.log.WithError(err).WithField("path", path).Debug("request failed")
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()
		return statusError(method, path, resp)
	case resp.StatusCode == http.StatusNotFound:
		c.breaker.RecordSuccess()
		return fmt.Errorf("%s %s: %w", method, path, backend.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.breaker.RecordSuccess()
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	case resp.StatusCode >= 300:
		c.breaker.RecordSuccess()
		return statusError(method, path, resp)
	}
	c.breaker.RecordSuccess()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func statusError(method, path string, resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(raw))
	}
	return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: payload.Error}
}
