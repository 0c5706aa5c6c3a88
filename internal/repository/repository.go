// Package repository implements the read-through/write-through domain
// repositories on top of the cache and the remote document store.
//
// Reads go to the remote store first and overwrite the cache slot; when the
// remote store fails they fall back to the cache. Writes go to the remote
// store and are mirrored into the cache. When a write fails it is still
// mirrored, a pending change is queued and the original error is returned
// wrapped in a *PendingError.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lova/backend"
	"lova/internal/cache"
	"lova/internal/utils"
)

// Principal supplies the ID of the signed-in user.
type Principal interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// PrincipalFunc adapts a function to Principal.
type PrincipalFunc func(ctx context.Context) (string, error)

// CurrentUserID calls f.
func (f PrincipalFunc) CurrentUserID(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticPrincipal always returns the same user ID.
type StaticPrincipal string

// CurrentUserID returns p, or an error when empty.
func (p StaticPrincipal) CurrentUserID(ctx context.Context) (string, error) {
	if p == "" {
		return "", ErrNoPrincipal
	}
	return string(p), nil
}

// ErrNoPrincipal is returned when no user is signed in.
var ErrNoPrincipal = errors.New("no signed-in user")

// PendingError reports a write that failed against the remote store but was
// applied to the cache and queued for the next sync.
type PendingError struct {
	Op         cache.ChangeType
	Collection string
	DocID      string
	// ChangeID is the queued change, empty if queueing failed too.
	ChangeID string
	Err      error
	QueueErr error
}

func (e *PendingError) Error() string {
	if e.QueueErr != nil {
		return fmt.Sprintf("%s %s/%s failed and could not be queued: %v (queue: %v)",
			e.Op, e.Collection, e.DocID, e.Err, e.QueueErr)
	}
	return fmt.Sprintf("%s %s/%s not yet synced, queued as %s: %v", e.Op, e.Collection, e.DocID, e.ChangeID, e.Err)
}

// Unwrap exposes the remote error and, when present, the queue error.
func (e *PendingError) Unwrap() []error {
	if e.QueueErr != nil {
		return []error{e.Err, e.QueueErr}
	}
	return []error{e.Err}
}

// Queued reports whether the change made it into the pending queue.
func (e *PendingError) Queued() bool {
	return e.QueueErr == nil && e.ChangeID != ""
}

// IsPending reports whether err is a write kept locally and queued for sync.
func IsPending(err error) bool {
	var pe *PendingError
	return errors.As(err, &pe) && pe.Queued()
}

type options struct {
	freshness time.Duration
	now       func() time.Time
	log       *logrus.Entry
}

// Option configures the repositories.
type Option func(*options)

// WithFreshness serves reads from the cache without contacting the remote
// store while the last successful sync is younger than d.
func WithFreshness(d time.Duration) Option {
	return func(o *options) {
		o.freshness = d
	}
}

// WithClock overrides the clock used for optimistic timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// Repositories bundles the domain repositories sharing one cache and remote store.
type Repositories struct {
	Wardrobe      *Wardrobe
	OutfitHistory *OutfitHistory
	Profile       *Profile
}

// New builds every repository.
func New(store *cache.Store, remote backend.DocumentStore, principal Principal, opts ...Option) *Repositories {
	o := options{now: time.Now, log: utils.Component("repository")}
	for _, opt := range opts {
		opt(&o)
	}
	return &Repositories{
		Wardrobe:      newWardrobe(store, remote, principal, o),
		OutfitHistory: newOutfitHistory(store, remote, principal, o),
		Profile:       newProfile(store, remote, principal, o),
	}
}

// record is a user-owned document cached as a list.
type record interface {
	GetID() string
	Owner() string
}

// collection implements the read/write contract for list-shaped slots.
type collection[T record] struct {
	cache     *cache.Store
	remote    backend.DocumentStore
	principal Principal
	name      string
	slot      string
	withID    func(T, string) T
	less      func(a, b T) bool
	opts      options

	// mu serializes read-modify-write of the cache slot.
	mu sync.Mutex
}

func (c *collection[T]) userID(ctx context.Context) (string, error) {
	uid, err := c.principal.CurrentUserID(ctx)
	if err != nil {
		return "", err
	}
	if uid == "" {
		return "", ErrNoPrincipal
	}
	return uid, nil
}

// list returns the user's documents.
func (c *collection[T]) list(ctx context.Context) ([]T, error) {
	uid, err := c.userID(ctx)
	if err != nil {
		return nil, err
	}

	if c.fresh(ctx) {
		var cached []T
		if c.cache.Get(ctx, c.slot, &cached) {
			return ownedBy(cached, uid), nil
		}
	}

	snaps, err := c.remote.Query(ctx, c.name, backend.Where{Field: backend.FieldUserID, Value: uid})
	if err != nil {
		var cached []T
		if c.cache.Get(ctx, c.slot, &cached) {
			c.opts.log.WithError(err).WithField("collection", c.name).Debug("remote read failed, serving cache")
			return ownedBy(cached, uid), nil
		}
		return nil, err
	}

	items := make([]T, 0, len(snaps))
	for _, snap := range snaps {
		item, err := c.decode(snap)
		if err != nil {
			c.opts.log.WithError(err).WithField("id", snap.ID).Warn("skipping undecodable document")
			continue
		}
		items = append(items, item)
	}
	c.sort(items)

	c.mu.Lock()
	if err := c.cache.Set(ctx, c.slot, items); err != nil {
		c.opts.log.WithError(err).WithField("slot", c.slot).Warn("failed to refresh cache")
	}
	c.mu.Unlock()
	return items, nil
}

// get returns one document by ID.
func (c *collection[T]) get(ctx context.Context, id string) (T, error) {
	var zero T
	uid, err := c.userID(ctx)
	if err != nil {
		return zero, err
	}

	snap, err := c.remote.Get(ctx, c.name, id)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return zero, err
		}
		var cached []T
		if c.cache.Get(ctx, c.slot, &cached) {
			for _, item := range cached {
				if item.GetID() == id && item.Owner() == uid {
					return item, nil
				}
			}
		}
		return zero, err
	}

	item, err := c.decode(*snap)
	if err != nil {
		return zero, err
	}
	if item.Owner() != uid {
		return zero, backend.ErrNotFound
	}
	return item, nil
}

// create inserts item, whose owner must already be set.
func (c *collection[T]) create(ctx context.Context, item T) (T, error) {
	doc, err := backend.ToDocument(item)
	if err != nil {
		return item, err
	}
	delete(doc, "id")
	doc[fieldCreatedAt] = backend.ServerTimestamp

	id, remoteErr := c.remote.Add(ctx, c.name, doc)
	if remoteErr == nil {
		item = c.withID(item, id)
		c.mirror(ctx, func(items []T) []T { return append([]T{item}, items...) }, true)
		return item, nil
	}

	// Assign the ID locally so later offline edits target the same document.
	id = backend.GenerateID()
	change, err := cache.NewCreate(c.name, id, doc)
	if err != nil {
		return item, err
	}
	item = c.withID(item, id)
	c.mirror(ctx, func(items []T) []T { return append([]T{item}, items...) }, true)
	return item, c.enqueue(ctx, change, remoteErr)
}

// update sets fields on the document with the given ID.
func (c *collection[T]) update(ctx context.Context, id string, fields backend.Document) error {
	change, err := cache.NewUpdate(c.name, id, fields)
	if err != nil {
		return err
	}

	remoteErr := c.remote.Update(ctx, c.name, id, fields.With(fieldUpdatedAt, backend.ServerTimestamp))

	now := c.opts.now()
	local := backend.ResolveServerTimestamps(fields, now).With(fieldUpdatedAt, now.UTC().Format(time.RFC3339Nano))
	c.mirror(ctx, func(items []T) []T {
		for i, item := range items {
			if item.GetID() != id {
				continue
			}
			patched, err := patch(item, local)
			if err != nil {
				c.opts.log.WithError(err).WithField("id", id).Warn("failed to patch cached document")
				continue
			}
			items[i] = patched
		}
		return items
	}, false)

	if remoteErr == nil {
		return nil
	}
	return c.enqueue(ctx, change, remoteErr)
}

// remove deletes the document with the given ID.
func (c *collection[T]) remove(ctx context.Context, id string) error {
	change, err := cache.NewDelete(c.name, id)
	if err != nil {
		return err
	}

	remoteErr := c.remote.Delete(ctx, c.name, id)
	c.mirror(ctx, func(items []T) []T {
		kept := items[:0]
		for _, item := range items {
			if item.GetID() != id {
				kept = append(kept, item)
			}
		}
		return kept
	}, false)

	if remoteErr == nil {
		return nil
	}
	return c.enqueue(ctx, change, remoteErr)
}

// mirror applies fn to the cached slot. Without create, a missing slot is left alone.
func (c *collection[T]) mirror(ctx context.Context, fn func([]T) []T, create bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var items []T
	if !c.cache.Get(ctx, c.slot, &items) && !create {
		return
	}
	if err := c.cache.Set(ctx, c.slot, fn(items)); err != nil {
		c.opts.log.WithError(err).WithField("slot", c.slot).Warn("failed to update cache")
	}
}

func (c *collection[T]) enqueue(ctx context.Context, m cache.Mutation, remoteErr error) error {
	return enqueue(ctx, c.cache, c.opts.log, m, remoteErr)
}

func (c *collection[T]) decode(snap backend.Snapshot) (T, error) {
	var item T
	if err := backend.FromDocument(snap.Data, &item); err != nil {
		return item, err
	}
	return c.withID(item, snap.ID), nil
}

func (c *collection[T]) sort(items []T) {
	if c.less != nil {
		sort.SliceStable(items, func(i, j int) bool { return c.less(items[i], items[j]) })
	}
}

// fresh reports whether the last sync is recent enough to skip the remote read.
func (c *collection[T]) fresh(ctx context.Context) bool {
	return isFresh(ctx, c.cache, c.opts)
}

func isFresh(ctx context.Context, store *cache.Store, o options) bool {
	if o.freshness <= 0 {
		return false
	}
	last, ok := store.LastSyncTimestamp(ctx)
	return ok && o.now().Sub(last) <= o.freshness
}

// enqueue queues m after a failed remote write and builds the PendingError.
func enqueue(ctx context.Context, store *cache.Store, log *logrus.Entry, m cache.Mutation, remoteErr error) error {
	pe := &PendingError{
		Op:         m.ChangeType(),
		Collection: m.CollectionName(),
		DocID:      m.DocumentID(),
		Err:        remoteErr,
	}

	change, err := store.AddPendingChange(ctx, m)
	if err != nil {
		pe.QueueErr = err
		log.WithError(err).WithField("collection", pe.Collection).Error("failed to queue change")
		return pe
	}
	pe.ChangeID = change.ID
	log.WithError(remoteErr).WithFields(logrus.Fields{
		"collection": pe.Collection,
		"id":         change.ID,
	}).Info("remote write failed, change queued")
	return pe
}

// patch applies fields to item through its document form.
func patch[T any](item T, fields backend.Document) (T, error) {
	doc, err := backend.ToDocument(item)
	if err != nil {
		return item, err
	}
	for k, v := range fields {
		doc[k] = v
	}
	var out T
	if err := backend.FromDocument(doc, &out); err != nil {
		return item, err
	}
	return out, nil
}

func ownedBy[T record](items []T, uid string) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if item.Owner() == uid {
			out = append(out, item)
		}
	}
	return out
}

const (
	fieldCreatedAt = "createdAt"
	fieldUpdatedAt = "updatedAt"
)
