// Package eventstore defines the outbound event log behind resumable SSE
// streams.
//
// Every message the server sends on a session's standalone stream is first
// appended to the session's log and assigned an event id. A client that
// reconnects with Last-Event-ID replays everything after that id. The log is
// deleted when the owning session closes. Session membership itself is never
// kept here.
package eventstore

import (
	"context"
	"errors"
)

// ErrInvalidEventID is returned by After when lastID is not an id the store
// could have issued.
var ErrInvalidEventID = errors.New("invalid event id")

// Event is a single logged message.
type Event struct {
	ID   string
	Data []byte
}

// Store is an append-only, per-stream event log. Implementations must be safe
// for concurrent use. Event ids are opaque strings that sort in append order
// within a stream.
type Store interface {
	// Append adds data to stream and returns its event id.
	Append(ctx context.Context, stream string, data []byte) (string, error)
	// After calls fn for every retained event strictly after lastID, in
	// order. An empty lastID replays everything retained. Iteration stops
	// at the first error returned by fn.
	After(ctx context.Context, stream, lastID string, fn func(Event) error) error
	// Delete drops the stream. Deleting an unknown stream is not an error.
	Delete(ctx context.Context, stream string) error
}
