// Package memory provides process-local implementations of the backend
// interfaces. The key-value store backs ephemeral sessions; the document
// store stands in for the remote store in tests and offline demos, and both
// support failure injection.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"lova/backend"
)

// DriverName is the storage driver name used in configuration.
const DriverName = "memory"

// ErrOffline is returned by every document store operation while the store is offline.
var ErrOffline = errors.New("remote store unreachable")

func init() {
	backend.RegisterStore(DriverName, func(opts backend.StoreOptions) (backend.KeyValueStore, error) {
		return NewKV(), nil
	})
}

// KV is an in-memory backend.KeyValueStore.
// Set the Fail* fields to make the corresponding operation return an error.
type KV struct {
	mu     sync.RWMutex
	values map[string]string

	FailGet    error
	FailSet    error
	FailRemove error
	FailClear  error
}

// NewKV creates an empty in-memory key-value store
func NewKV() *KV {
	return &KV{values: make(map[string]string)}
}

// Get returns the value stored at key
func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.FailGet != nil {
		return "", false, k.FailGet
	}
	v, ok := k.values[key]
	return v, ok, nil
}

// Set writes value at key
func (k *KV) Set(ctx context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.FailSet != nil {
		return k.FailSet
	}
	k.values[key] = value
	return nil
}

// Remove deletes key
func (k *KV) Remove(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.FailRemove != nil {
		return k.FailRemove
	}
	delete(k.values, key)
	return nil
}

// Clear deletes every key
func (k *KV) Clear(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.FailClear != nil {
		return k.FailClear
	}
	k.values = make(map[string]string)
	return nil
}

// Raw returns the stored value without going through the interface, for inspection.
func (k *KV) Raw(key string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.values[key]
	return v, ok
}

// Len returns the number of stored keys
func (k *KV) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.values)
}

// Close is a no-op
func (k *KV) Close() error {
	return nil
}

// Op names a document store operation.
type Op string

const (
	OpAdd    Op = "add"
	OpSet    Op = "set"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpGet    Op = "get"
	OpQuery  Op = "query"
)

// Call records one operation issued against the DocumentStore.
type Call struct {
	Op         Op
	Collection string
	ID         string
	Data       backend.Document
	Merge      bool
}

// IsWrite reports whether the call mutates the store.
func (c Call) IsWrite() bool {
	return c.Op == OpAdd || c.Op == OpSet || c.Op == OpUpdate || c.Op == OpDelete
}

// DocumentStore is an in-memory backend.DocumentStore.
type DocumentStore struct {
	mu      sync.Mutex
	docs    map[string]map[string]backend.Document // collection -> id -> document
	calls   []Call
	offline bool
	failFn  func(Call) error
	now     func() time.Time
}

// NewDocumentStore creates an empty in-memory document store
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		docs: make(map[string]map[string]backend.Document),
		now:  time.Now,
	}
}

// SetOffline makes every subsequent operation fail with ErrOffline.
func (s *DocumentStore) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailWhen installs a hook consulted before each operation; a non-nil
// return value fails the operation. Pass nil to remove the hook.
func (s *DocumentStore) FailWhen(fn func(Call) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFn = fn
}

// SetClock overrides the clock used to resolve server timestamps.
func (s *DocumentStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Calls returns a copy of every operation attempted so far, failed ones included.
func (s *DocumentStore) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// WriteCalls returns the attempted mutating operations.
func (s *DocumentStore) WriteCalls() []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.IsWrite() {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (s *DocumentStore) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// Put seeds a document directly, bypassing the call log and failure hooks.
func (s *DocumentStore) Put(collection, id string, doc backend.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collection(collection)[id] = doc.Clone()
}

// Doc returns a stored document directly.
func (s *DocumentStore) Doc(collection, id string) (backend.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[collection][id]
	return doc.Clone(), ok
}

// Count returns the number of documents in a collection.
func (s *DocumentStore) Count(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs[collection])
}

// collection returns the document map for name, creating it. Caller holds mu.
func (s *DocumentStore) collection(name string) map[string]backend.Document {
	c, ok := s.docs[name]
	if !ok {
		c = make(map[string]backend.Document)
		s.docs[name] = c
	}
	return c
}

// begin records the call and reports whether it should fail. Caller holds mu.
func (s *DocumentStore) begin(call Call) error {
	s.calls = append(s.calls, call)
	if s.offline {
		return ErrOffline
	}
	if s.failFn != nil {
		return s.failFn(call)
	}
	return nil
}

// Add inserts a document with a generated ID
func (s *DocumentStore) Add(ctx context.Context, collection string, data backend.Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(Call{Op: OpAdd, Collection: collection, Data: data.Clone()}); err != nil {
		return "", err
	}
	id := backend.GenerateID()
	s.collection(collection)[id] = backend.ResolveServerTimestamps(data, s.now())
	return id, nil
}

// Set writes a document at id, merging with the existing fields when merge is true
func (s *DocumentStore) Set(ctx context.Context, collection, id string, data backend.Document, merge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(Call{Op: OpSet, Collection: collection, ID: id, Data: data.Clone(), Merge: merge}); err != nil {
		return err
	}

	resolved := backend.ResolveServerTimestamps(data, s.now())
	c := s.collection(collection)
	if existing, ok := c[id]; ok && merge {
		merged := existing.Clone()
		for k, v := range resolved {
			merged[k] = v
		}
		c[id] = merged
		return nil
	}
	c[id] = resolved
	return nil
}

// Update changes fields of an existing document
func (s *DocumentStore) Update(ctx context.Context, collection, id string, fields backend.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(Call{Op: OpUpdate, Collection: collection, ID: id, Data: fields.Clone()}); err != nil {
		return err
	}

	c := s.collection(collection)
	existing, ok := c[id]
	if !ok {
		return backend.ErrNotFound
	}
	merged := existing.Clone()
	for k, v := range backend.ResolveServerTimestamps(fields, s.now()) {
		merged[k] = v
	}
	c[id] = merged
	return nil
}

// Delete removes a document
func (s *DocumentStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(Call{Op: OpDelete, Collection: collection, ID: id}); err != nil {
		return err
	}
	delete(s.collection(collection), id)
	return nil
}

// Get returns a single document
func (s *DocumentStore) Get(ctx context.Context, collection, id string) (*backend.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(Call{Op: OpGet, Collection: collection, ID: id}); err != nil {
		return nil, err
	}
	doc, ok := s.docs[collection][id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return &backend.Snapshot{ID: id, Data: doc.Clone()}, nil
}

// Query returns the documents matching where, ordered by ID
func (s *DocumentStore) Query(ctx context.Context, collection string, where backend.Where) ([]backend.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(Call{Op: OpQuery, Collection: collection}); err != nil {
		return nil, err
	}

	results := []backend.Snapshot{}
	for id, doc := range s.docs[collection] {
		if backend.MatchesWhere(doc, where) {
			results = append(results, backend.Snapshot{ID: id, Data: doc.Clone()})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

// Ping fails while the store is offline
func (s *DocumentStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return ErrOffline
	}
	return nil
}

// Close is a no-op
func (s *DocumentStore) Close() error {
	return nil
}
