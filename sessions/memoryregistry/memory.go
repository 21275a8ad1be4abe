// Package memoryregistry is the in-process sessions.Registry.
package memoryregistry

import (
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/mcp-sessiond/auth"
	"github.com/ggoodman/mcp-sessiond/sessions"
)

// Option configures a Registry.
type Option func(*Registry)

// WithMaxSessions caps the number of entries (any state). Zero means
// unbounded.
func WithMaxSessions(n int) Option {
	return func(r *Registry) {
		if n >= 0 {
			r.max = n
		}
	}
}

// WithClock overrides time.Now. Tests use it to drive idle expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry is a mutex-guarded map of session entries.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	sealed  bool

	max int
	now func() time.Time
}

type entry struct {
	principal    auth.UserInfo
	transport    sessions.Transport
	state        sessions.State
	createdAt    time.Time
	lastActivity time.Time
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Insert(id string, principal auth.UserInfo, t sessions.Transport) error {
	if id == "" || t == nil {
		return sessions.ErrInvalidSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return sessions.ErrRegistryClosed
	}
	if _, ok := r.entries[id]; ok {
		return sessions.ErrSessionExists
	}
	if r.max > 0 && len(r.entries) >= r.max {
		return sessions.ErrRegistryFull
	}
	now := r.now()
	r.entries[id] = &entry{
		principal:    principal,
		transport:    t,
		state:        sessions.StateActive,
		createdAt:    now,
		lastActivity: now,
	}
	return nil
}

func (r *Registry) Lookup(id string) (sessions.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.state != sessions.StateActive {
		return sessions.Session{}, false
	}
	return e.snapshot(id), true
}

func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.state != sessions.StateActive {
		return false
	}
	now := r.now()
	if !now.After(e.lastActivity) {
		// Coarse or frozen clocks must still move activity forward.
		now = e.lastActivity.Add(time.Nanosecond)
	}
	e.lastActivity = now
	return true
}

func (r *Registry) BeginClose(id string) (sessions.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.state != sessions.StateActive {
		return sessions.Session{}, false
	}
	e.state = sessions.StateClosing
	return e.snapshot(id), true
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

func (r *Registry) Idle(threshold time.Duration) []sessions.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-threshold)
	var out []sessions.Session
	for id, e := range r.entries {
		if e.state == sessions.StateActive && e.lastActivity.Before(cutoff) {
			out = append(out, e.snapshot(id))
		}
	}
	sortByID(out)
	return out
}

func (r *Registry) Drain() []sessions.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sealed = true
	var out []sessions.Session
	for id, e := range r.entries {
		if e.state != sessions.StateActive {
			continue
		}
		e.state = sessions.StateClosing
		out = append(out, e.snapshot(id))
	}
	sortByID(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (e *entry) snapshot(id string) sessions.Session {
	return sessions.Session{
		ID:           id,
		Principal:    e.principal,
		Transport:    e.transport,
		State:        e.state,
		CreatedAt:    e.createdAt,
		LastActivity: e.lastActivity,
	}
}

func sortByID(s []sessions.Session) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}

var _ sessions.Registry = (*Registry)(nil)
