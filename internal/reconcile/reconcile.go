// Package reconcile drains the pending change queue against the remote
// document store.
//
// A pass applies every queued change once, in queue order, and then replaces
// the queue in a single write with the changes that failed. A crash mid-pass
// therefore leaves the original queue intact and the whole pass is retried.
// Callers must not run two passes at once; see internal/connectivity.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"lova/backend"
	"lova/internal/cache"
	"lova/internal/utils"
)

// DefaultChangeTimeout bounds a single remote call during a pass.
const DefaultChangeTimeout = 30 * time.Second

// Field names stamped with the server clock.
const (
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// Errors a change can fail with before reaching the remote store.
var (
	ErrUnknownChangeType = cache.ErrUnknownChangeType
	ErrMissingDocID      = cache.ErrMissingDocID
	ErrMissingData       = cache.ErrMissingData
)

// ChangeError records why one change failed during a pass.
type ChangeError struct {
	ChangeID   string
	Type       cache.ChangeType
	Collection string
	DocID      string
	Attempts   int
	Err        error
}

func (e ChangeError) Error() string {
	return fmt.Sprintf("%s %s/%s (%s): %v", e.Type, e.Collection, e.DocID, e.ChangeID, e.Err)
}

func (e ChangeError) Unwrap() error {
	return e.Err
}

// Result summarizes a sync pass.
type Result struct {
	Started      time.Time
	Duration     time.Duration
	Total        int
	Synced       int
	Failed       int
	DeadLettered int
	Errors       []ChangeError
}

// Recorder receives the result of every non-empty pass.
type Recorder interface {
	RecordPass(ctx context.Context, result Result) error
}

// Reconciler replays pending changes against a remote store.
type Reconciler struct {
	cache         *cache.Store
	remote        backend.DocumentStore
	changeTimeout time.Duration
	maxAttempts   int
	recorder      Recorder
	log           *logrus.Entry
	now           func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithChangeTimeout bounds each remote call. Zero disables the bound.
func WithChangeTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		r.changeTimeout = d
	}
}

// WithMaxAttempts moves a change to the dead-letter slot after it has failed
// n passes. Zero, the default, retries forever.
func WithMaxAttempts(n int) Option {
	return func(r *Reconciler) {
		if n >= 0 {
			r.maxAttempts = n
		}
	}
}

// WithRecorder journals every non-empty pass.
func WithRecorder(rec Recorder) Option {
	return func(r *Reconciler) {
		r.recorder = rec
	}
}

// WithLogger sets the log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// WithClock overrides the time source used for durations.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a Reconciler.
func New(store *cache.Store, remote backend.DocumentStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		cache:         store,
		remote:        remote,
		changeTimeout: DefaultChangeTimeout,
		log:           utils.Component("reconcile"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SyncAll runs a pass and returns the number of changes applied.
func (r *Reconciler) SyncAll(ctx context.Context) (int, error) {
	result, err := r.Pass(ctx)
	if result == nil {
		return 0, err
	}
	return result.Synced, err
}

// Pass drains the queue once and returns a summary. An empty queue returns
// immediately without touching the remote store.
func (r *Reconciler) Pass(ctx context.Context) (*Result, error) {
	started := r.now()
	changes := r.cache.GetPendingChanges(ctx)
	result := &Result{Started: started, Total: len(changes)}
	if len(changes) == 0 {
		return result, nil
	}

	r.log.WithField("pending", len(changes)).Debug("sync pass started")

	var failed, dead []cache.PendingChange
	for _, change := range changes {
		if ctx.Err() != nil {
			// Not attempted; keep as-is for the next pass.
			failed = append(failed, change)
			continue
		}

		err := r.apply(ctx, change)
		if err == nil {
			result.Synced++
			continue
		}

		change.Attempts++
		result.Errors = append(result.Errors, ChangeError{
			ChangeID:   change.ID,
			Type:       change.Mutation.ChangeType(),
			Collection: change.Mutation.CollectionName(),
			DocID:      change.Mutation.DocumentID(),
			Attempts:   change.Attempts,
			Err:        err,
		})
		r.log.WithError(err).WithFields(logrus.Fields{
			"id":       change.ID,
			"type":     change.Mutation.ChangeType(),
			"attempts": change.Attempts,
		}).Warn("pending change failed")

		if r.maxAttempts > 0 && change.Attempts >= r.maxAttempts {
			dead = append(dead, change)
			continue
		}
		failed = append(failed, change)
	}

	// Persist even when ctx was cancelled mid-pass.
	persistCtx := context.WithoutCancel(ctx)

	if len(dead) > 0 {
		if err := r.cache.AddDeadLetters(persistCtx, dead); err != nil {
			r.log.WithError(err).Error("failed to dead-letter changes, keeping them queued")
			failed = mergeInOrder(changes, failed, dead)
		} else {
			result.DeadLettered = len(dead)
		}
	}
	result.Failed = len(failed)

	if err := r.cache.ReplacePendingChanges(persistCtx, changes, failed); err != nil {
		result.Duration = r.now().Sub(started)
		return result, fmt.Errorf("failed to persist queue after sync pass: %w", err)
	}

	if result.Failed == 0 && result.DeadLettered == 0 && ctx.Err() == nil {
		if err := r.cache.SetLastSyncTimestamp(persistCtx, time.Time{}); err != nil {
			r.log.WithError(err).Warn("failed to record last sync time")
		}
	}

	result.Duration = r.now().Sub(started)
	r.log.WithFields(logrus.Fields{
		"synced":        result.Synced,
		"failed":        result.Failed,
		"dead_lettered": result.DeadLettered,
		"duration":      result.Duration,
	}).Info("sync pass complete")

	if r.recorder != nil {
		if err := r.recorder.RecordPass(persistCtx, *result); err != nil {
			r.log.WithError(err).Warn("failed to journal sync pass")
		}
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// apply sends one change to the remote store.
func (r *Reconciler) apply(ctx context.Context, change cache.PendingChange) error {
	if change.Mutation == nil {
		return fmt.Errorf("%w: empty change", ErrUnknownChangeType)
	}
	if err := change.Mutation.Validate(); err != nil {
		return err
	}

	if r.changeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.changeTimeout)
		defer cancel()
	}

	switch m := change.Mutation.(type) {
	case cache.Create:
		if m.DocID != "" {
			return r.remote.Set(ctx, m.Collection, m.DocID, m.Data, true)
		}
		_, err := r.remote.Add(ctx, m.Collection, m.Data.With(FieldCreatedAt, backend.ServerTimestamp))
		return err
	case cache.Update:
		return r.remote.Update(ctx, m.Collection, m.DocID, m.Data.With(FieldUpdatedAt, backend.ServerTimestamp))
	case cache.Delete:
		return r.remote.Delete(ctx, m.Collection, m.DocID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownChangeType, change.Mutation.ChangeType())
	}
}

// mergeInOrder returns the members of failed and extra in their original queue order.
func mergeInOrder(queue, failed, extra []cache.PendingChange) []cache.PendingChange {
	byID := make(map[string]cache.PendingChange, len(failed)+len(extra))
	for _, c := range failed {
		byID[c.ID] = c
	}
	for _, c := range extra {
		byID[c.ID] = c
	}

	out := make([]cache.PendingChange, 0, len(byID))
	for _, c := range queue {
		if kept, ok := byID[c.ID]; ok {
			out = append(out, kept)
		}
	}
	return out
}

// IsDataIntegrityError reports whether err is a change that can never succeed
// without manual correction.
func IsDataIntegrityError(err error) bool {
	return errors.Is(err, ErrUnknownChangeType) || errors.Is(err, ErrMissingDocID) || errors.Is(err, ErrMissingData)
}
