// Package cache provides the durable, versioned, TTL-bounded cache the sync
// engine keeps on top of a backend.KeyValueStore, together with the pending
// change queue stored in one of its slots.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lova/backend"
	"lova/internal/utils"
)

// Cache slot keys. These strings are the persisted layout and must not change.
const (
	KeyWardrobe       = "lova_cache_wardrobe"
	KeyOutfitHistory  = "lova_cache_outfit_history"
	KeyUserProfile    = "lova_cache_user_profile"
	KeyLastSync       = "lova_last_sync_timestamp"
	KeyPendingChanges = "lova_pending_changes"
	KeyDeadLetter     = "lova_dead_letter_changes"
)

const (
	// CurrentVersion is stamped on every entry; entries with another version are discarded.
	CurrentVersion = "1.0.0"
	// DefaultTTL is the maximum age of a cache entry.
	DefaultTTL = 7 * 24 * time.Hour
)

// Metadata is the envelope header written alongside every cached value.
type Metadata struct {
	Timestamp int64  `json:"timestamp"` // ms since epoch
	Version   string `json:"version"`
}

// Time returns the write time of the entry.
func (m Metadata) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

type envelope struct {
	Data     json.RawMessage `json:"data"`
	Metadata Metadata        `json:"metadata"`
}

// Store is the cache. It exclusively owns the underlying key-value store.
type Store struct {
	kv      backend.KeyValueStore
	ttl     time.Duration
	version string
	now     func() time.Time
	log     *logrus.Entry

	// queueMu serializes read-modify-write sequences on the queue slots.
	queueMu sync.Mutex
	// pinned slots are exempt from TTL and version eviction.
	pinned map[string]bool
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithVersion overrides CurrentVersion. Used when the cached schema changes.
func WithVersion(version string) Option {
	return func(s *Store) {
		if version != "" {
			s.version = version
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the log entry used for swallowed errors.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// New creates a Store over kv.
func New(kv backend.KeyValueStore, opts ...Option) *Store {
	s := &Store{
		kv:      kv,
		ttl:     DefaultTTL,
		version: CurrentVersion,
		now:     time.Now,
		log:     utils.Component("cache"),
		pinned: map[string]bool{
			KeyPendingChanges: true,
			KeyDeadLetter:     true,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured time-to-live.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Version returns the version stamped on new entries.
func (s *Store) Version() string {
	return s.version
}

// Set wraps data in an envelope and writes it at key, replacing any prior value.
// Encoding and storage errors are returned to the caller.
func (s *Store) Set(ctx context.Context, key string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode cache value for %s: %w", key, err)
	}

	encoded, err := json.Marshal(envelope{
		Data: raw,
		Metadata: Metadata{
			Timestamp: s.now().UnixMilli(),
			Version:   s.version,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to encode cache entry for %s: %w", key, err)
	}

	if err := s.kv.Set(ctx, key, string(encoded)); err != nil {
		return fmt.Errorf("failed to write cache entry %s: %w", key, err)
	}
	return nil
}

// Get decodes the value at key into out and reports whether it was a hit.
// Absent, stale, wrong-version and undecodable entries are misses; stale and
// wrong-version entries are removed. Get never returns an error.
func (s *Store) Get(ctx context.Context, key string, out any) bool {
	env, ok, err := s.read(ctx, key)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache read failed, treating as miss")
		return false
	}
	if !ok {
		return false
	}

	if !s.pinned[key] {
		if reason := s.invalid(env.Metadata); reason != "" {
			s.log.WithFields(logrus.Fields{"key": key, "reason": reason}).Debug("evicting cache entry")
			s.Remove(ctx, key)
			return false
		}
	} else if env.Metadata.Version != s.version {
		s.log.WithFields(logrus.Fields{"key": key, "version": env.Metadata.Version}).Warn("pinned slot written by another version")
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache value undecodable, treating as miss")
		return false
	}
	return true
}

// Info returns the metadata of the entry at key without decoding or evicting it.
func (s *Store) Info(ctx context.Context, key string) (Metadata, bool) {
	env, ok, err := s.read(ctx, key)
	if err != nil || !ok {
		return Metadata{}, false
	}
	return env.Metadata, true
}

// Fresh reports whether the entry at key exists and would be served by Get.
func (s *Store) Fresh(ctx context.Context, key string) bool {
	meta, ok := s.Info(ctx, key)
	if !ok {
		return false
	}
	return s.pinned[key] || s.invalid(meta) == ""
}

// Remove deletes key. Failures are logged, not returned.
func (s *Store) Remove(ctx context.Context, key string) {
	if err := s.kv.Remove(ctx, key); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache remove failed")
	}
}

// ClearAll wipes the underlying store, pending changes included.
// Failures are logged, not returned.
func (s *Store) ClearAll(ctx context.Context) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if err := s.kv.Clear(ctx); err != nil {
		s.log.WithError(err).Warn("cache clear failed")
	}
}

// LastSyncTimestamp returns the time of the last successful full sync.
func (s *Store) LastSyncTimestamp(ctx context.Context) (time.Time, bool) {
	raw, ok, err := s.kv.Get(ctx, KeyLastSync)
	if err != nil {
		s.log.WithError(err).Warn("failed to read last sync timestamp")
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.log.WithError(err).WithField("value", raw).Warn("invalid last sync timestamp")
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// SetLastSyncTimestamp records ts as the last successful sync. A zero ts means now.
func (s *Store) SetLastSyncTimestamp(ctx context.Context, ts time.Time) error {
	if ts.IsZero() {
		ts = s.now()
	}
	if err := s.kv.Set(ctx, KeyLastSync, strconv.FormatInt(ts.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("failed to write last sync timestamp: %w", err)
	}
	return nil
}

// read fetches and decodes the envelope at key.
func (s *Store) read(ctx context.Context, key string) (*envelope, bool, error) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, false, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return &env, true, nil
}

// invalid returns why an entry must not be served, or "".
func (s *Store) invalid(meta Metadata) string {
	if meta.Version != s.version {
		return "version"
	}
	if s.now().UnixMilli()-meta.Timestamp > s.ttl.Milliseconds() {
		return "expired"
	}
	return ""
}
