package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	"lova/backend"
)

// ChangeType is the wire name of a mutation kind.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

var (
	// ErrUnknownChangeType marks a queued change whose type is not create, update or delete.
	ErrUnknownChangeType = errors.New("unknown change type")
	// ErrMissingDocID marks an update or delete without a document ID.
	ErrMissingDocID = errors.New("document id is required")
	// ErrMissingData marks a create or update without a payload.
	ErrMissingData = errors.New("change data is required")
)

// Mutation is one queued write against the remote store.
// The concrete types are Create, Update, Delete and Unknown.
type Mutation interface {
	ChangeType() ChangeType
	CollectionName() string
	DocumentID() string
	Payload() backend.Document
	Validate() error
	mutation()
}

// Create inserts a document. With an empty DocID the remote store assigns one;
// otherwise the document is upserted with merge at DocID.
// Build one with NewCreate; the literal form exists for decoding.
type Create struct {
	Collection string
	DocID      string
	Data       backend.Document
}

func (c Create) ChangeType() ChangeType    { return ChangeCreate }
func (c Create) CollectionName() string    { return c.Collection }
func (c Create) DocumentID() string        { return c.DocID }
func (c Create) Payload() backend.Document { return c.Data }
func (Create) mutation()                   {}

// NewCreate returns a validated Create.
func NewCreate(collection, docID string, data backend.Document) (Create, error) {
	c := Create{Collection: collection, DocID: docID, Data: data}
	return c, c.Validate()
}

// Validate checks the create carries a collection and a payload.
func (c Create) Validate() error {
	if c.Data == nil {
		return ErrMissingData
	}
	return validation.ValidateStruct(&c,
		validation.Field(&c.Collection, validation.Required),
	)
}

// Update sets fields on an existing document. NewUpdate refuses one without
// a document ID or fields.
type Update struct {
	Collection string
	DocID      string
	Data       backend.Document
}

func (u Update) ChangeType() ChangeType    { return ChangeUpdate }
func (u Update) CollectionName() string    { return u.Collection }
func (u Update) DocumentID() string        { return u.DocID }
func (u Update) Payload() backend.Document { return u.Data }
func (Update) mutation()                   {}

// NewUpdate returns a validated Update.
func NewUpdate(collection, docID string, data backend.Document) (Update, error) {
	u := Update{Collection: collection, DocID: docID, Data: data}
	if err := u.Validate(); err != nil {
		return u, err
	}
	if len(data) == 0 {
		return u, ErrMissingData
	}
	return u, nil
}

// Validate checks the update carries a collection, a document ID and fields.
func (u Update) Validate() error {
	if u.DocID == "" {
		return ErrMissingDocID
	}
	if u.Data == nil {
		return ErrMissingData
	}
	return validation.ValidateStruct(&u,
		validation.Field(&u.Collection, validation.Required),
	)
}

// Delete removes a document.
type Delete struct {
	Collection string
	DocID      string
}

func (d Delete) ChangeType() ChangeType  { return ChangeDelete }
func (d Delete) CollectionName() string  { return d.Collection }
func (d Delete) DocumentID() string      { return d.DocID }
func (Delete) Payload() backend.Document { return nil }
func (Delete) mutation()                 {}

// NewDelete returns a validated Delete.
func NewDelete(collection, docID string) (Delete, error) {
	d := Delete{Collection: collection, DocID: docID}
	return d, d.Validate()
}

// Validate checks the delete carries a collection and a document ID.
func (d Delete) Validate() error {
	if d.DocID == "" {
		return ErrMissingDocID
	}
	return validation.ValidateStruct(&d,
		validation.Field(&d.Collection, validation.Required),
	)
}

// Unknown preserves a persisted change whose type this build does not
// recognise, so it stays in the queue instead of being dropped.
type Unknown struct {
	Type       string
	Collection string
	DocID      string
	Data       backend.Document
}

func (u Unknown) ChangeType() ChangeType    { return ChangeType(u.Type) }
func (u Unknown) CollectionName() string    { return u.Collection }
func (u Unknown) DocumentID() string        { return u.DocID }
func (u Unknown) Payload() backend.Document { return u.Data }
func (Unknown) mutation()                   {}

// Validate always fails.
func (u Unknown) Validate() error {
	return fmt.Errorf("%w: %q", ErrUnknownChangeType, u.Type)
}

// PendingChange is a queued mutation awaiting replay against the remote store.
type PendingChange struct {
	ID        string
	Mutation  Mutation
	Timestamp int64 // ms since epoch
	// Attempts counts the sync passes in which this change failed.
	Attempts int
}

// Time returns when the change was queued.
func (p PendingChange) Time() time.Time {
	return time.UnixMilli(p.Timestamp)
}

// pendingWire is the persisted layout of a PendingChange.
type pendingWire struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Collection string           `json:"collection"`
	DocID      *string          `json:"docId"`
	Data       backend.Document `json:"data"`
	Timestamp  int64            `json:"timestamp"`
	Attempts   int              `json:"attempts,omitempty"`
}

// MarshalJSON writes the flat wire layout.
func (p PendingChange) MarshalJSON() ([]byte, error) {
	if p.Mutation == nil {
		return nil, fmt.Errorf("pending change %s has no mutation", p.ID)
	}
	w := pendingWire{
		ID:         p.ID,
		Type:       string(p.Mutation.ChangeType()),
		Collection: p.Mutation.CollectionName(),
		Data:       p.Mutation.Payload(),
		Timestamp:  p.Timestamp,
		Attempts:   p.Attempts,
	}
	if id := p.Mutation.DocumentID(); id != "" {
		w.DocID = &id
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads the flat wire layout into the matching Mutation variant.
func (p *PendingChange) UnmarshalJSON(data []byte) error {
	var w pendingWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	docID := ""
	if w.DocID != nil {
		docID = *w.DocID
	}

	switch ChangeType(w.Type) {
	case ChangeCreate:
		p.Mutation = Create{Collection: w.Collection, DocID: docID, Data: w.Data}
	case ChangeUpdate:
		p.Mutation = Update{Collection: w.Collection, DocID: docID, Data: w.Data}
	case ChangeDelete:
		p.Mutation = Delete{Collection: w.Collection, DocID: docID}
	default:
		p.Mutation = Unknown{Type: w.Type, Collection: w.Collection, DocID: docID, Data: w.Data}
	}
	p.ID = w.ID
	p.Timestamp = w.Timestamp
	p.Attempts = w.Attempts
	return nil
}

// newChangeID returns "{ms}_{random6}".
func newChangeID(now time.Time) string {
	return fmt.Sprintf("%d_%s", now.UnixMilli(), backend.ShortRandom(6))
}

// AddPendingChange stamps m with an ID and timestamp and appends it to the queue.
func (s *Store) AddPendingChange(ctx context.Context, m Mutation) (PendingChange, error) {
	if m == nil {
		return PendingChange{}, errors.New("mutation is required")
	}
	if err := m.Validate(); err != nil {
		return PendingChange{}, fmt.Errorf("invalid %s change: %w", m.ChangeType(), err)
	}

	now := s.now()
	change := PendingChange{
		ID:        newChangeID(now),
		Mutation:  m,
		Timestamp: now.UnixMilli(),
	}

	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	queue, err := s.loadQueue(ctx, KeyPendingChanges)
	if err != nil {
		return PendingChange{}, err
	}
	queue = append(queue, change)
	if err := s.Set(ctx, KeyPendingChanges, queue); err != nil {
		return PendingChange{}, err
	}

	s.log.WithFields(logrus.Fields{
		"id":         change.ID,
		"type":       m.ChangeType(),
		"collection": m.CollectionName(),
		"queued":     len(queue),
	}).Debug("pending change queued")
	return change, nil
}

// GetPendingChanges returns the queue in sync order, or an empty slice on miss or error.
func (s *Store) GetPendingChanges(ctx context.Context) []PendingChange {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	queue, err := s.loadQueue(ctx, KeyPendingChanges)
	if err != nil {
		s.log.WithError(err).Warn("failed to read pending changes")
		return []PendingChange{}
	}
	return queue
}

// RemovePendingChange drops the change with the given ID.
func (s *Store) RemovePendingChange(ctx context.Context, id string) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	queue, err := s.loadQueue(ctx, KeyPendingChanges)
	if err != nil {
		return err
	}

	kept := make([]PendingChange, 0, len(queue))
	for _, c := range queue {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	return s.Set(ctx, KeyPendingChanges, kept)
}

// ClearPendingChanges removes the queue slot entirely.
func (s *Store) ClearPendingChanges(ctx context.Context) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	s.Remove(ctx, KeyPendingChanges)
}

// SetPendingChanges overwrites the queue.
func (s *Store) SetPendingChanges(ctx context.Context, changes []PendingChange) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if changes == nil {
		changes = []PendingChange{}
	}
	return s.Set(ctx, KeyPendingChanges, changes)
}

// ReplacePendingChanges ends a sync pass. processed is the queue snapshot the
// pass worked on; failed are the entries of it that must be retried. The new
// queue is failed followed by every entry queued after the snapshot was taken.
func (s *Store) ReplacePendingChanges(ctx context.Context, processed, failed []PendingChange) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	current, err := s.loadQueue(ctx, KeyPendingChanges)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(processed))
	for _, c := range processed {
		seen[c.ID] = true
	}

	next := make([]PendingChange, 0, len(failed)+len(current))
	next = append(next, failed...)
	for _, c := range current {
		if !seen[c.ID] {
			next = append(next, c)
		}
	}
	return s.Set(ctx, KeyPendingChanges, next)
}

// AddDeadLetters appends changes to the dead-letter slot.
func (s *Store) AddDeadLetters(ctx context.Context, changes []PendingChange) error {
	if len(changes) == 0 {
		return nil
	}

	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	dead, err := s.loadQueue(ctx, KeyDeadLetter)
	if err != nil {
		return err
	}
	return s.Set(ctx, KeyDeadLetter, append(dead, changes...))
}

// DeadLetters returns changes that exceeded the retry limit.
func (s *Store) DeadLetters(ctx context.Context) []PendingChange {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	dead, err := s.loadQueue(ctx, KeyDeadLetter)
	if err != nil {
		s.log.WithError(err).Warn("failed to read dead letters")
		return []PendingChange{}
	}
	return dead
}

// ClearDeadLetters discards every dead-lettered change.
func (s *Store) ClearDeadLetters(ctx context.Context) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	s.Remove(ctx, KeyDeadLetter)
}

// RequeueDeadLetters moves dead-lettered changes back to the tail of the
// queue with their attempt counters reset, and returns how many moved.
func (s *Store) RequeueDeadLetters(ctx context.Context) (int, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	dead, err := s.loadQueue(ctx, KeyDeadLetter)
	if err != nil {
		return 0, err
	}
	if len(dead) == 0 {
		return 0, nil
	}

	queue, err := s.loadQueue(ctx, KeyPendingChanges)
	if err != nil {
		return 0, err
	}
	for _, c := range dead {
		c.Attempts = 0
		queue = append(queue, c)
	}

	if err := s.Set(ctx, KeyPendingChanges, queue); err != nil {
		return 0, err
	}
	s.Remove(ctx, KeyDeadLetter)
	return len(dead), nil
}

// loadQueue reads a queue slot. A missing slot is an empty queue; a corrupt
// one is an error so callers never overwrite entries they could not read.
// Caller holds queueMu.
func (s *Store) loadQueue(ctx context.Context, key string) ([]PendingChange, error) {
	env, ok, err := s.read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	if !ok {
		return []PendingChange{}, nil
	}
	if env.Metadata.Version != s.version {
		s.log.WithFields(logrus.Fields{"key": key, "version": env.Metadata.Version}).Warn("queue written by another version")
	}

	var queue []PendingChange
	if err := json.Unmarshal(env.Data, &queue); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	if queue == nil {
		queue = []PendingChange{}
	}
	return queue, nil
}
