package backend

import (
	"context"
	"errors"
)

// ErrNoRemote is returned by Offline for every operation.
var ErrNoRemote = errors.New("no remote store configured")

// Offline is the DocumentStore used when no remote is configured. Every call
// fails, so reads are served from the cache and writes are queued.
type Offline struct{}

var (
	_ DocumentStore = Offline{}
	_ Pinger        = Offline{}
)

func (Offline) Add(context.Context, string, Document) (string, error) { return "", ErrNoRemote }
func (Offline) Set(context.Context, string, string, Document, bool) error {
	return ErrNoRemote
}
func (Offline) Update(context.Context, string, string, Document) error { return ErrNoRemote }
func (Offline) Delete(context.Context, string, string) error { return ErrNoRemote }
func (Offline) Get(context.Context, string, string) (*Snapshot, error) { return nil, ErrNoRemote }
func (Offline) Query(context.Context, string, Where) ([]Snapshot, error) { return nil, ErrNoRemote }
func (Offline) Ping(context.Context) error { return ErrNoRemote }
func (Offline) Close() error { return nil }
