package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"lova/backend"
	"lova/internal/cache"
)

// Profile manages the signed-in user's profile document, stored in the users
// collection under the user's ID.
type Profile struct {
	cache     *cache.Store
	remote    backend.DocumentStore
	principal Principal
	opts      options
	mu        sync.Mutex
}

func newProfile(store *cache.Store, remote backend.DocumentStore, principal Principal, o options) *Profile {
	return &Profile{cache: store, remote: remote, principal: principal, opts: o}
}

func (p *Profile) userID(ctx context.Context) (string, error) {
	uid, err := p.principal.CurrentUserID(ctx)
	if err != nil {
		return "", err
	}
	if uid == "" {
		return "", ErrNoPrincipal
	}
	return uid, nil
}

// Get returns the user's profile. backend.ErrNotFound means no profile exists yet.
func (p *Profile) Get(ctx context.Context) (backend.UserProfile, error) {
	uid, err := p.userID(ctx)
	if err != nil {
		return backend.UserProfile{}, err
	}

	if isFresh(ctx, p.cache, p.opts) {
		if cached, ok := p.cached(ctx, uid); ok {
			return cached, nil
		}
	}

	snap, err := p.remote.Get(ctx, backend.CollectionUsers, uid)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return backend.UserProfile{}, err
		}
		if cached, ok := p.cached(ctx, uid); ok {
			p.opts.log.WithError(err).Debug("remote read failed, serving cached profile")
			return cached, nil
		}
		return backend.UserProfile{}, err
	}

	var profile backend.UserProfile
	if err := backend.FromDocument(snap.Data, &profile); err != nil {
		return backend.UserProfile{}, err
	}
	profile.ID = snap.ID

	p.mu.Lock()
	if err := p.cache.Set(ctx, cache.KeyUserProfile, profile); err != nil {
		p.opts.log.WithError(err).Warn("failed to refresh cached profile")
	}
	p.mu.Unlock()
	return profile, nil
}

// Save creates the profile or merges it into the existing one.
func (p *Profile) Save(ctx context.Context, profile backend.UserProfile) (backend.UserProfile, error) {
	uid, err := p.userID(ctx)
	if err != nil {
		return profile, err
	}
	profile.ID = uid
	profile.UserID = uid
	if err := profile.Validate(); err != nil {
		return profile, err
	}

	now := p.opts.now().UTC()
	profile.CreatedAt = time.Time{}
	profile.UpdatedAt = time.Time{}
	doc, err := backend.ToDocument(profile)
	if err != nil {
		return profile, err
	}
	delete(doc, "id")
	doc[fieldUpdatedAt] = backend.ServerTimestamp
	change, err := cache.NewCreate(backend.CollectionUsers, uid, doc)
	if err != nil {
		return profile, err
	}

	remoteErr := p.remote.Set(ctx, backend.CollectionUsers, uid, doc, true)

	profile.UpdatedAt = now
	p.mirror(ctx, uid, func(existing *backend.UserProfile) backend.UserProfile {
		if existing != nil {
			profile.CreatedAt = existing.CreatedAt
			merged, err := patch(*existing, withoutZero(doc, now))
			if err == nil {
				merged.UpdatedAt = now
				return merged
			}
		}
		if profile.CreatedAt.IsZero() {
			profile.CreatedAt = now
		}
		return profile
	})

	if remoteErr == nil {
		return profile, nil
	}
	return profile, enqueue(ctx, p.cache, p.opts.log, change, remoteErr)
}

// Update changes fields of the profile.
func (p *Profile) Update(ctx context.Context, fields backend.Document) error {
	uid, err := p.userID(ctx)
	if err != nil {
		return err
	}
	fields = withoutOwnership(fields)
	change, err := cache.NewUpdate(backend.CollectionUsers, uid, fields)
	if err != nil {
		return err
	}

	remoteErr := p.remote.Update(ctx, backend.CollectionUsers, uid, fields.With(fieldUpdatedAt, backend.ServerTimestamp))

	now := p.opts.now().UTC()
	p.mirror(ctx, uid, func(existing *backend.UserProfile) backend.UserProfile {
		if existing == nil {
			return backend.UserProfile{}
		}
		local := backend.ResolveServerTimestamps(fields, now).With(fieldUpdatedAt, now.Format(time.RFC3339Nano))
		patched, err := patch(*existing, local)
		if err != nil {
			return *existing
		}
		return patched
	})

	if remoteErr == nil {
		return nil
	}
	return enqueue(ctx, p.cache, p.opts.log, change, remoteErr)
}

// Delete removes the user's profile. On success every cached slot is wiped,
// pending changes included, since the account no longer exists.
func (p *Profile) Delete(ctx context.Context) error {
	uid, err := p.userID(ctx)
	if err != nil {
		return err
	}

	change, err := cache.NewDelete(backend.CollectionUsers, uid)
	if err != nil {
		return err
	}

	if err := p.remote.Delete(ctx, backend.CollectionUsers, uid); err != nil {
		p.mu.Lock()
		p.cache.Remove(ctx, cache.KeyUserProfile)
		p.mu.Unlock()
		return enqueue(ctx, p.cache, p.opts.log, change, err)
	}

	p.cache.ClearAll(ctx)
	return nil
}

func (p *Profile) cached(ctx context.Context, uid string) (backend.UserProfile, bool) {
	var profile backend.UserProfile
	if !p.cache.Get(ctx, cache.KeyUserProfile, &profile) || profile.Owner() != uid {
		return backend.UserProfile{}, false
	}
	return profile, true
}

// mirror replaces the cached profile with fn's result. fn receives nil when
// no profile for uid is cached; a zero result leaves the cache untouched.
func (p *Profile) mirror(ctx context.Context, uid string, fn func(existing *backend.UserProfile) backend.UserProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var existing *backend.UserProfile
	if cached, ok := p.cached(ctx, uid); ok {
		existing = &cached
	}
	next := fn(existing)
	if next.UserID == "" {
		return
	}
	if err := p.cache.Set(ctx, cache.KeyUserProfile, next); err != nil {
		p.opts.log.WithError(err).Warn("failed to update cached profile")
	}
}

// withoutZero resolves server timestamps and drops empty values so a merge
// keeps existing fields.
func withoutZero(doc backend.Document, now time.Time) backend.Document {
	out := backend.ResolveServerTimestamps(doc, now)
	for k, v := range out {
		switch val := v.(type) {
		case nil:
			delete(out, k)
		case string:
			if val == "" {
				delete(out, k)
			}
		case []any:
			if len(val) == 0 {
				delete(out, k)
			}
		}
	}
	return out
}
