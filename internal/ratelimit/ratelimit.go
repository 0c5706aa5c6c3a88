// Package ratelimit retries throttled HTTP calls with exponential backoff.
package ratelimit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"
)

// Defaults applied by NewClient.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 32 * time.Second
)

// Config holds configuration for the retrying client.
type Config struct {
	// MaxRetries is the number of retries after a throttled response.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// EnableJitter scales each delay by a random factor in [0.8, 1.2).
	EnableJitter bool

	// RetryOn lists the status codes treated as throttling.
	// Defaults to 429 and 503.
	RetryOn []int

	// HTTPClient performs the requests. Defaults to a client with no timeout;
	// callers bound requests with the context.
	HTTPClient *http.Client

	Stats *Stats

	// Service names the remote in error messages.
	Service string
}

// Client is an HTTP client that backs off on throttled responses.
type Client struct {
	httpClient   *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	enableJitter bool
	retryOn      []int
	stats        *Stats
	service      string
}

// NewClient creates a Client, filling unset fields with defaults.
func NewClient(cfg Config) *Client {
	c := &Client{
		httpClient:   cfg.HTTPClient,
		maxRetries:   cfg.MaxRetries,
		baseDelay:    cfg.BaseDelay,
		maxDelay:     cfg.MaxDelay,
		enableJitter: cfg.EnableJitter,
		retryOn:      cfg.RetryOn,
		stats:        cfg.Stats,
		service:      cfg.Service,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.maxRetries <= 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.baseDelay <= 0 {
		c.baseDelay = DefaultBaseDelay
	}
	if c.maxDelay <= 0 {
		c.maxDelay = DefaultMaxDelay
	}
	if len(c.retryOn) == 0 {
		c.retryOn = []int{http.StatusTooManyRequests, http.StatusServiceUnavailable}
	}
	return c
}

// Do sends the request, retrying while the server answers with a throttling
// status. header is copied onto every attempt. The Retry-After header wins
// over the computed backoff.
func (c *Client) Do(ctx context.Context, method, url string, body io.Reader, header http.Header) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = io.ReadAll(body); err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	var last int
	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(c.retryOn, resp.StatusCode) {
			return resp, nil
		}

		last = resp.StatusCode
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"))
		_ = resp.Body.Close()
		if c.stats != nil {
			c.stats.RecordThrottle()
		}

		if attempt >= c.maxRetries {
			return nil, &RateLimitError{
				Service:    c.service,
				StatusCode: last,
				Retries:    c.maxRetries,
			}
		}

		timer := time.NewTimer(c.backoff(attempt, retryAfter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) backoff(attempt int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		return *retryAfter
	}
	return Backoff(attempt, c.baseDelay, c.maxDelay, c.enableJitter)
}

// Backoff returns base * 2^attempt capped at max, optionally jittered.
func Backoff(attempt int, base, ceiling time.Duration, jitter bool) time.Duration {
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > ceiling || delay <= 0 {
		delay = ceiling
	}
	if jitter {
		delay = time.Duration(float64(delay) * (0.8 + rand.Float64()*0.4))
	}
	return delay
}

// RateLimitError is returned when every retry was throttled.
type RateLimitError struct {
	Service    string
	StatusCode int
	Retries    int
}

func (e *RateLimitError) Error() string {
	service := e.Service
	if service == "" {
		service = "remote"
	}
	return fmt.Sprintf("%s rate limit exceeded after %d retries (last status %d)", service, e.Retries, e.StatusCode)
}

// ParseRetryAfter parses a Retry-After header given in seconds or as an
// HTTP date. It returns nil for empty or invalid values.
func ParseRetryAfter(value string) *time.Duration {
	if value == "" {
		return nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 {
			return nil
		}
		d := time.Duration(seconds) * time.Second
		return &d
	}
	if t, err := http.ParseTime(value); err == nil {
		d := max(time.Until(t), 0)
		return &d
	}
	return nil
}

// Stats counts throttled responses.
type Stats struct {
	mu        sync.RWMutex
	count     int64
	lastEvent time.Time
}

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{}
}

// RecordThrottle records one throttled response.
func (s *Stats) RecordThrottle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.lastEvent = time.Now()
}

// Count returns the number of throttled responses seen.
func (s *Stats) Count() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Last returns when the most recent throttled response was seen.
func (s *Stats) Last() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastEvent
}
