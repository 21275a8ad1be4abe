// Package registrytest holds a conformance suite for sessions.Registry
// implementations plus small fakes shared by handler tests.
package registrytest

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ggoodman/mcp-sessiond/auth/authtest"
	"github.com/ggoodman/mcp-sessiond/sessions"
)

// Options are handed to a Factory for each subtest.
type Options struct {
	Clock       func() time.Time
	MaxSessions int
}

// Factory creates a new, empty Registry honoring opts.
type Factory func(t testing.TB, opts Options) sessions.Registry

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock { return &Clock{now: time.Unix(1_700_000_000, 0)} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Transport is a sessions.Transport that records how often Close ran.
type Transport struct {
	closes atomic.Int32
}

func (t *Transport) Deliver(w http.ResponseWriter, r *http.Request, body []byte) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (t *Transport) Close() error {
	t.closes.Add(1)
	return nil
}

// Closes reports how many times Close was called.
func (t *Transport) Closes() int { return int(t.closes.Load()) }

// RunRegistryTests runs the complete Registry test suite against the provided factory.
func RunRegistryTests(t *testing.T, factory Factory) {
	t.Run("InsertLookup", func(t *testing.T) { testInsertLookup(t, factory) })
	t.Run("InsertRejectsDuplicatesAndInvalid", func(t *testing.T) { testInsertRejects(t, factory) })
	t.Run("CapacityLimit", func(t *testing.T) { testCapacity(t, factory) })
	t.Run("TouchStrictlyIncreases", func(t *testing.T) { testTouchMonotonic(t, factory) })
	t.Run("IdleHonorsThreshold", func(t *testing.T) { testIdle(t, factory) })
	t.Run("TouchedSessionSurvivesSweep", func(t *testing.T) { testTouchDefersIdle(t, factory) })
	t.Run("BeginCloseIsExclusive", func(t *testing.T) { testBeginCloseExclusive(t, factory) })
	t.Run("RemoveIsIdempotent", func(t *testing.T) { testRemove(t, factory) })
	t.Run("DrainSealsRegistry", func(t *testing.T) { testDrain(t, factory) })
	t.Run("ConcurrentHammer", func(t *testing.T) { testConcurrentHammer(t, factory) })
	t.Run("ModelProperties", func(t *testing.T) { testModel(t, factory) })
}

func testInsertLookup(t *testing.T, factory Factory) {
	clock := NewClock()
	r := factory(t, Options{Clock: clock.Now})
	tr := &Transport{}

	require.NoError(t, r.Insert("s1", authtest.User("alice"), tr))

	s, ok := r.Lookup("s1")
	require.True(t, ok)
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, "alice", s.UserID())
	assert.Equal(t, sessions.StateActive, s.State)
	assert.Same(t, tr, s.Transport)
	assert.Equal(t, clock.Now(), s.CreatedAt)
	assert.Equal(t, s.CreatedAt, s.LastActivity)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func testInsertRejects(t *testing.T, factory Factory) {
	r := factory(t, Options{})
	require.NoError(t, r.Insert("s1", authtest.User("alice"), &Transport{}))

	assert.ErrorIs(t, r.Insert("s1", authtest.User("bob"), &Transport{}), sessions.ErrSessionExists)
	assert.ErrorIs(t, r.Insert("", authtest.User("bob"), &Transport{}), sessions.ErrInvalidSession)
	assert.ErrorIs(t, r.Insert("s2", authtest.User("bob"), nil), sessions.ErrInvalidSession)

	s, ok := r.Lookup("s1")
	require.True(t, ok)
	assert.Equal(t, "alice", s.UserID(), "a rejected insert must not replace the existing entry")
}

func testCapacity(t *testing.T, factory Factory) {
	r := factory(t, Options{MaxSessions: 2})
	require.NoError(t, r.Insert("a", authtest.User("u"), &Transport{}))
	require.NoError(t, r.Insert("b", authtest.User("u"), &Transport{}))
	assert.ErrorIs(t, r.Insert("c", authtest.User("u"), &Transport{}), sessions.ErrRegistryFull)

	r.Remove("a")
	assert.NoError(t, r.Insert("c", authtest.User("u"), &Transport{}))
}

func testTouchMonotonic(t *testing.T, factory Factory) {
	// A frozen clock still has to yield strictly increasing activity.
	clock := NewClock()
	r := factory(t, Options{Clock: clock.Now})
	require.NoError(t, r.Insert("s1", authtest.User("u"), &Transport{}))

	prev, _ := r.Lookup("s1")
	for i := 0; i < 5; i++ {
		require.True(t, r.Touch("s1"))
		cur, _ := r.Lookup("s1")
		assert.True(t, cur.LastActivity.After(prev.LastActivity), "touch %d did not advance activity", i)
		prev = cur
	}

	assert.False(t, r.Touch("missing"))
}

func testIdle(t *testing.T, factory Factory) {
	clock := NewClock()
	r := factory(t, Options{Clock: clock.Now})
	require.NoError(t, r.Insert("old", authtest.User("u"), &Transport{}))
	clock.Advance(10 * time.Minute)
	require.NoError(t, r.Insert("new", authtest.User("u"), &Transport{}))

	idle := r.Idle(10 * time.Minute)
	assert.Empty(t, idle, "exactly at the threshold is not idle yet")

	clock.Advance(time.Second)
	idle = r.Idle(10 * time.Minute)
	require.Len(t, idle, 1)
	assert.Equal(t, "old", idle[0].ID)

	_, ok := r.BeginClose("old")
	require.True(t, ok)
	clock.Advance(time.Hour)
	for _, s := range r.Idle(10 * time.Minute) {
		assert.NotEqual(t, "old", s.ID, "closing entries are not reported idle")
	}
}

func testTouchDefersIdle(t *testing.T, factory Factory) {
	clock := NewClock()
	r := factory(t, Options{Clock: clock.Now})
	require.NoError(t, r.Insert("s1", authtest.User("u"), &Transport{}))

	clock.Advance(time.Hour)
	require.True(t, r.Touch("s1"))
	assert.Empty(t, r.Idle(30*time.Minute))
}

func testBeginCloseExclusive(t *testing.T, factory Factory) {
	r := factory(t, Options{})
	require.NoError(t, r.Insert("s1", authtest.User("u"), &Transport{}))

	const racers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.BeginClose("s1"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	_, ok := r.Lookup("s1")
	assert.False(t, ok, "closing entries are not routable")
	assert.False(t, r.Touch("s1"))
	assert.Equal(t, 1, r.Len(), "closing entries stay until removed")
}

func testRemove(t *testing.T, factory Factory) {
	r := factory(t, Options{})
	require.NoError(t, r.Insert("s1", authtest.User("u"), &Transport{}))
	r.Remove("s1")
	r.Remove("s1")
	r.Remove("never")
	assert.Equal(t, 0, r.Len())
	_, ok := r.Lookup("s1")
	assert.False(t, ok)
}

func testDrain(t *testing.T, factory Factory) {
	r := factory(t, Options{})
	require.NoError(t, r.Insert("a", authtest.User("u"), &Transport{}))
	require.NoError(t, r.Insert("b", authtest.User("u"), &Transport{}))
	require.NoError(t, r.Insert("c", authtest.User("u"), &Transport{}))
	_, ok := r.BeginClose("c")
	require.True(t, ok)

	drained := r.Drain()
	ids := make([]string, 0, len(drained))
	for _, s := range drained {
		ids = append(ids, s.ID)
		assert.Equal(t, sessions.StateClosing, s.State)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids, "entries already closing belong to their current closer")

	assert.ErrorIs(t, r.Insert("d", authtest.User("u"), &Transport{}), sessions.ErrRegistryClosed)
	assert.Empty(t, r.Drain())
}

func testConcurrentHammer(t *testing.T, factory Factory) {
	r := factory(t, Options{})
	const workers, ops = 8, 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < ops; i++ {
				id := fmt.Sprintf("s-%d", (w*ops+i)%37)
				switch i % 5 {
				case 0:
					_ = r.Insert(id, authtest.User("u"), &Transport{})
				case 1:
					r.Touch(id)
				case 2:
					r.Lookup(id)
				case 3:
					if _, ok := r.BeginClose(id); ok {
						r.Remove(id)
					}
				case 4:
					r.Idle(time.Millisecond)
				}
			}
		}(w)
	}
	wg.Wait()

	for _, s := range r.Drain() {
		r.Remove(s.ID)
	}
	assert.Equal(t, 0, r.Len())
}

// testModel drives random operation sequences against a reference model.
func testModel(t *testing.T, factory Factory) {
	rapid.Check(t, func(rt *rapid.T) {
		clock := NewClock()
		r := factory(t, Options{Clock: clock.Now})
		model := map[string]sessions.State{}
		lastSeen := map[string]time.Time{}
		sealed := false

		ids := rapid.SampledFrom([]string{"a", "b", "c", "d"})
		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			id := ids.Draw(rt, "id")
			switch rapid.IntRange(0, 6).Draw(rt, "op") {
			case 0:
				err := r.Insert(id, authtest.User("u"), &Transport{})
				_, exists := model[id]
				switch {
				case sealed:
					if !errors.Is(err, sessions.ErrRegistryClosed) {
						rt.Fatalf("insert after drain: %v", err)
					}
				case exists:
					if !errors.Is(err, sessions.ErrSessionExists) {
						rt.Fatalf("duplicate insert: %v", err)
					}
				default:
					if err != nil {
						rt.Fatalf("insert: %v", err)
					}
					model[id] = sessions.StateActive
				}
			case 1:
				ok := r.Touch(id)
				if want := model[id] == sessions.StateActive && hasKey(model, id); ok != want {
					rt.Fatalf("touch(%s) = %v, want %v", id, ok, want)
				}
				if ok {
					s, _ := r.Lookup(id)
					if prev, seen := lastSeen[id]; seen && !s.LastActivity.After(prev) {
						rt.Fatalf("touch(%s) did not advance activity", id)
					}
					lastSeen[id] = s.LastActivity
				}
			case 2:
				_, ok := r.Lookup(id)
				if want := hasKey(model, id) && model[id] == sessions.StateActive; ok != want {
					rt.Fatalf("lookup(%s) = %v, want %v", id, ok, want)
				}
			case 3:
				_, ok := r.BeginClose(id)
				want := hasKey(model, id) && model[id] == sessions.StateActive
				if ok != want {
					rt.Fatalf("beginClose(%s) = %v, want %v", id, ok, want)
				}
				if ok {
					model[id] = sessions.StateClosing
				}
			case 4:
				r.Remove(id)
				delete(model, id)
				delete(lastSeen, id)
			case 5:
				clock.Advance(time.Duration(rapid.IntRange(0, 120).Draw(rt, "advance")) * time.Second)
			case 6:
				if rapid.IntRange(0, 9).Draw(rt, "drain") == 0 {
					drained := r.Drain()
					sealed = true
					for _, s := range drained {
						if model[s.ID] != sessions.StateActive {
							rt.Fatalf("drained non-active %s", s.ID)
						}
						model[s.ID] = sessions.StateClosing
					}
				}
			}

			if r.Len() != len(model) {
				rt.Fatalf("len = %d, model = %d", r.Len(), len(model))
			}
			for _, s := range r.Idle(time.Minute) {
				if model[s.ID] != sessions.StateActive {
					rt.Fatalf("idle reported non-active %s", s.ID)
				}
				if clock.Now().Sub(s.LastActivity) <= time.Minute {
					rt.Fatalf("idle reported %s at %v idle", s.ID, clock.Now().Sub(s.LastActivity))
				}
			}
		}
	})
}

func hasKey(m map[string]sessions.State, k string) bool {
	_, ok := m[k]
	return ok
}
