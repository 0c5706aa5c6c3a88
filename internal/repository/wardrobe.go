package repository

import (
	"context"

	"lova/backend"
	"lova/internal/cache"
)

// Wardrobe manages the signed-in user's wardrobe items.
type Wardrobe struct {
	c *collection[backend.WardrobeItem]
}

func newWardrobe(store *cache.Store, remote backend.DocumentStore, principal Principal, o options) *Wardrobe {
	return &Wardrobe{c: &collection[backend.WardrobeItem]{
		cache:     store,
		remote:    remote,
		principal: principal,
		name:      backend.CollectionWardrobe,
		slot:      cache.KeyWardrobe,
		withID: func(item backend.WardrobeItem, id string) backend.WardrobeItem {
			item.ID = id
			return item
		},
		// Newest first, matching insert-at-head on create.
		less: func(a, b backend.WardrobeItem) bool {
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.ID < b.ID
		},
		opts: o,
	}}
}

// List returns every item owned by the user.
func (w *Wardrobe) List(ctx context.Context) ([]backend.WardrobeItem, error) {
	return w.c.list(ctx)
}

// Get returns one item.
func (w *Wardrobe) Get(ctx context.Context, id string) (backend.WardrobeItem, error) {
	return w.c.get(ctx, id)
}

// Add stores a new item for the user and returns it with its ID.
// On a *PendingError the returned item carries a client-assigned ID.
func (w *Wardrobe) Add(ctx context.Context, item backend.WardrobeItem) (backend.WardrobeItem, error) {
	uid, err := w.c.userID(ctx)
	if err != nil {
		return item, err
	}
	item.ID = ""
	item.UserID = uid
	if err := item.Validate(); err != nil {
		return item, err
	}
	item.CreatedAt = w.c.opts.now().UTC()
	return w.c.create(ctx, item)
}

// Update changes fields of an item.
func (w *Wardrobe) Update(ctx context.Context, id string, fields backend.Document) error {
	if _, err := w.c.userID(ctx); err != nil {
		return err
	}
	return w.c.update(ctx, id, withoutOwnership(fields))
}

// Delete removes an item.
func (w *Wardrobe) Delete(ctx context.Context, id string) error {
	if _, err := w.c.userID(ctx); err != nil {
		return err
	}
	return w.c.remove(ctx, id)
}

// withoutOwnership drops fields callers may not change through an update.
func withoutOwnership(fields backend.Document) backend.Document {
	out := fields.Clone()
	delete(out, "id")
	delete(out, backend.FieldUserID)
	delete(out, fieldCreatedAt)
	return out
}
