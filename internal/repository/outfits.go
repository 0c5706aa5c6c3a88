package repository

import (
	"context"

	"lova/backend"
	"lova/internal/cache"
)

// OutfitHistory manages the log of outfits the user has worn.
type OutfitHistory struct {
	c *collection[backend.OutfitHistoryEntry]
}

func newOutfitHistory(store *cache.Store, remote backend.DocumentStore, principal Principal, o options) *OutfitHistory {
	return &OutfitHistory{c: &collection[backend.OutfitHistoryEntry]{
		cache:     store,
		remote:    remote,
		principal: principal,
		name:      backend.CollectionOutfitHistory,
		slot:      cache.KeyOutfitHistory,
		withID: func(e backend.OutfitHistoryEntry, id string) backend.OutfitHistoryEntry {
			e.ID = id
			return e
		},
		less: func(a, b backend.OutfitHistoryEntry) bool {
			if !a.WornAt.Equal(b.WornAt) {
				return a.WornAt.After(b.WornAt)
			}
			return a.ID < b.ID
		},
		opts: o,
	}}
}

// List returns the user's outfit history, most recently worn first.
func (h *OutfitHistory) List(ctx context.Context) ([]backend.OutfitHistoryEntry, error) {
	return h.c.list(ctx)
}

// Get returns one entry.
func (h *OutfitHistory) Get(ctx context.Context, id string) (backend.OutfitHistoryEntry, error) {
	return h.c.get(ctx, id)
}

// Log records an outfit. A zero WornAt means now.
func (h *OutfitHistory) Log(ctx context.Context, entry backend.OutfitHistoryEntry) (backend.OutfitHistoryEntry, error) {
	uid, err := h.c.userID(ctx)
	if err != nil {
		return entry, err
	}
	now := h.c.opts.now().UTC()
	entry.ID = ""
	entry.UserID = uid
	if entry.WornAt.IsZero() {
		entry.WornAt = now
	}
	if err := entry.Validate(); err != nil {
		return entry, err
	}
	entry.CreatedAt = now
	return h.c.create(ctx, entry)
}

// Update changes fields of an entry.
func (h *OutfitHistory) Update(ctx context.Context, id string, fields backend.Document) error {
	if _, err := h.c.userID(ctx); err != nil {
		return err
	}
	return h.c.update(ctx, id, withoutOwnership(fields))
}

// Delete removes an entry.
func (h *OutfitHistory) Delete(ctx context.Context, id string) error {
	if _, err := h.c.userID(ctx); err != nil {
		return err
	}
	return h.c.remove(ctx, id)
}
