// Package memorystore is an in-process eventstore.Store.
package memorystore

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/eapache/queue"

	"github.com/ggoodman/mcp-sessiond/eventstore"
)

const defaultMaxEvents = 1024

// Option configures a Store.
type Option func(*Store)

// WithMaxEvents bounds how many events each stream retains. Older events are
// dropped first. Values <= 0 keep the default.
func WithMaxEvents(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEvents = n
		}
	}
}

// Store keeps a bounded ring of events per stream. Ids are decimal integers
// that increase monotonically across the whole store.
type Store struct {
	mu        sync.Mutex
	streams   map[string]*queue.Queue
	seq       uint64
	maxEvents int
}

func New(opts ...Option) *Store {
	s := &Store{
		streams:   make(map[string]*queue.Queue),
		maxEvents: defaultMaxEvents,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type entry struct {
	seq  uint64
	data []byte
}

func (s *Store) Append(ctx context.Context, stream string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.streams[stream]
	if !ok {
		q = queue.New()
		s.streams[stream] = q
	}
	s.seq++
	q.Add(entry{seq: s.seq, data: append([]byte(nil), data...)})
	for q.Length() > s.maxEvents {
		q.Remove()
	}
	return strconv.FormatUint(s.seq, 10), nil
}

func (s *Store) After(ctx context.Context, stream, lastID string, fn func(eventstore.Event) error) error {
	var after uint64
	if lastID != "" {
		n, err := strconv.ParseUint(lastID, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %q", eventstore.ErrInvalidEventID, lastID)
		}
		after = n
	}

	// Snapshot under the lock so fn may call back into the store.
	s.mu.Lock()
	var pending []eventstore.Event
	if q, ok := s.streams[stream]; ok {
		for i := 0; i < q.Length(); i++ {
			e := q.Get(i).(entry)
			if e.seq > after {
				pending = append(pending, eventstore.Event{ID: strconv.FormatUint(e.seq, 10), Data: e.data})
			}
		}
	}
	s.mu.Unlock()

	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, stream string) error {
	s.mu.Lock()
	delete(s.streams, stream)
	s.mu.Unlock()
	return nil
}

// Len reports how many streams are currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

var _ eventstore.Store = (*Store)(nil)
