package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ServerTimestamp is a sentinel field value. Document stores replace it with
// their own clock when the write is applied, so client clocks never leak into
// persisted timestamps.
const ServerTimestamp = "__lova_server_timestamp__"

// Collection names used by the remote document store.
const (
	CollectionWardrobe      = "wardrobe"
	CollectionOutfitHistory = "outfitHistory"
	CollectionUsers         = "users"
)

// FieldUserID is the principal field every user-owned document carries.
const FieldUserID = "userId"

// ErrNotFound is returned by document stores when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is a schemaless document payload as exchanged with the remote store.
type Document map[string]any

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// With returns a copy of the document with key set to value.
func (d Document) With(key string, value any) Document {
	out := d.Clone()
	if out == nil {
		out = Document{}
	}
	out[key] = value
	return out
}

// Snapshot is a document read back from the remote store.
type Snapshot struct {
	ID   string   `json:"id"`
	Data Document `json:"data"`
}

// Where is an equality filter used by Query.
type Where struct {
	Field string
	Value string
}

// KeyValueStore is the durable string key-value capability the cache is built on.
// Implementations must survive process restarts.
type KeyValueStore interface {
	// Get returns the value stored at key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	// Remove deletes the key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// Clear wipes every key owned by the store.
	Clear(ctx context.Context) error
	Close() error
}

// DocumentStore defines the remote document store the sync engine writes to.
type DocumentStore interface {
	// Add inserts a new document and returns its server-assigned ID.
	Add(ctx context.Context, collection string, data Document) (string, error)
	// Set writes the document at id. With merge, existing fields not present
	// in data are preserved; otherwise the document is replaced.
	Set(ctx context.Context, collection, id string, data Document, merge bool) error
	// Update changes the given fields of an existing document.
	// Returns ErrNotFound if the document does not exist.
	Update(ctx context.Context, collection, id string, fields Document) error
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	// Get returns a single document, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (*Snapshot, error)
	// Query returns the documents of a collection matching the filter.
	Query(ctx context.Context, collection string, where Where) ([]Snapshot, error)

	Close() error
}

// Pinger is implemented by document stores that can cheaply check reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ToDocument converts a JSON-tagged struct into a Document.
func ToDocument(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// FromDocument decodes a Document into a JSON-tagged struct.
func FromDocument(doc Document, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

// ResolveServerTimestamps returns a copy of doc with every ServerTimestamp
// sentinel replaced by now, formatted as RFC 3339.
func ResolveServerTimestamps(doc Document, now time.Time) Document {
	out := doc.Clone()
	stamp := now.UTC().Format(time.RFC3339Nano)
	for k, v := range out {
		if s, ok := v.(string); ok && s == ServerTimestamp {
			out[k] = stamp
		}
	}
	return out
}

// FieldString returns the string value of a document field, or "".
func FieldString(doc Document, field string) string {
	v, ok := doc[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// MatchesWhere reports whether the document satisfies the equality filter.
// An empty filter field matches every document.
func MatchesWhere(doc Document, where Where) bool {
	if where.Field == "" {
		return true
	}
	return FieldString(doc, where.Field) == where.Value
}

// GenerateID generates a unique identifier using UUID v4.
// This is used for client-assigned document IDs.
func GenerateID() string {
	return uuid.New().String()
}

// ShortRandom returns n lowercase alphanumeric characters derived from a UUID.
func ShortRandom(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}
