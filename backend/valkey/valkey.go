// Package valkey provides a backend.KeyValueStore backed by a Valkey (or Redis) server.
// Keys are namespaced with a configurable prefix so several principals or
// installations can share one server.
package valkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"
	"lova/backend"
)

// DriverName is the storage driver name used in configuration.
const DriverName = "valkey"

const (
	// DefaultConnectTimeout is the maximum time to wait for initial connection
	DefaultConnectTimeout = 5 * time.Second
	// DefaultKeyPrefix namespaces all keys written by the store
	DefaultKeyPrefix = "lova"
	scanBatch        = 100
)

func init() {
	backend.RegisterStore(DriverName, func(opts backend.StoreOptions) (backend.KeyValueStore, error) {
		return New(Config{
			Address:   opts.Address,
			Password:  opts.Password,
			DB:        opts.DB,
			KeyPrefix: opts.KeyPrefix,
		})
	})
}

// Config holds the configuration for connecting to Valkey
type Config struct {
	Address        string
	Password       string
	DB             int
	KeyPrefix      string
	ConnectTimeout time.Duration // Optional, defaults to DefaultConnectTimeout
}

// Store implements backend.KeyValueStore on top of valkey-go.
type Store struct {
	inner  valkeylib.Client
	prefix string
}

// New connects to Valkey and verifies the connection with a PING.
// The caller is responsible for calling Close() when done.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeylib.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	inner, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := inner.Do(ctx, inner.B().Ping().Build()).Error(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("failed to ping valkey (timeout: %v): %w", timeout, err)
	}

	return NewWithClient(inner, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing valkey-go client.
func NewWithClient(inner valkeylib.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if !strings.HasSuffix(keyPrefix, ":") {
		keyPrefix += ":"
	}
	return &Store{inner: inner, prefix: keyPrefix}
}

func (s *Store) fullKey(key string) string {
	return s.prefix + key
}

// Get returns the value stored at key
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	cmd := s.inner.B().Get().Key(s.fullKey(key)).Build()

	value, err := s.inner.Do(ctx, cmd).ToString()
	if err != nil {
		if valkeylib.IsValkeyNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, true, nil
}

// Set writes value at key without expiry; TTL is enforced by the cache layer.
func (s *Store) Set(ctx context.Context, key, value string) error {
	cmd := s.inner.B().Set().Key(s.fullKey(key)).Value(value).Build()
	if err := s.inner.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

// Remove deletes key
func (s *Store) Remove(ctx context.Context, key string) error {
	cmd := s.inner.B().Del().Key(s.fullKey(key)).Build()
	if err := s.inner.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// Keys returns every key under the store prefix, with the prefix stripped.
// Uses SCAN so large keyspaces do not block the server.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		cmd := s.inner.B().Scan().Cursor(cursor).Match(s.prefix + "*").Count(scanBatch).Build()
		result, err := s.inner.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		for _, k := range result.Elements {
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// Clear deletes every key under the store prefix. Keys outside the prefix are untouched.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.fullKey(k)
	}

	cmd := s.inner.B().Del().Key(full...).Build()
	if err := s.inner.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to clear keys: %w", err)
	}
	return nil
}

// Ping tests the connection to Valkey.
func (s *Store) Ping(ctx context.Context) error {
	return s.inner.Do(ctx, s.inner.B().Ping().Build()).Error()
}

// Close closes the Valkey connection
func (s *Store) Close() error {
	if s.inner != nil {
		s.inner.Close()
	}
	return nil
}
