// Package eventstoretest holds a conformance suite every eventstore.Store
// implementation must pass.
package eventstoretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ggoodman/mcp-sessiond/eventstore"
)

// StoreFactory creates a new, empty Store for one subtest.
type StoreFactory func(t *testing.T) eventstore.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("AppendThenReplayAll", func(t *testing.T) { testReplayAll(t, factory) })
	t.Run("ReplayAfterLastEventID", func(t *testing.T) { testReplayAfter(t, factory) })
	t.Run("ReplayAfterNewestIsEmpty", func(t *testing.T) { testReplayAfterNewest(t, factory) })
	t.Run("StreamsAreIsolated", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("DeleteDropsStream", func(t *testing.T) { testDelete(t, factory) })
	t.Run("CallbackErrorStopsReplay", func(t *testing.T) { testCallbackError(t, factory) })
	t.Run("InvalidEventIDRejected", func(t *testing.T) { testInvalidEventID(t, factory) })
	t.Run("ConcurrentAppendsKeepOrder", func(t *testing.T) { testConcurrentAppends(t, factory) })
}

func collect(t *testing.T, s eventstore.Store, stream, lastID string) []eventstore.Event {
	t.Helper()
	var out []eventstore.Event
	if err := s.After(context.Background(), stream, lastID, func(ev eventstore.Event) error {
		out = append(out, ev)
		return nil
	}); err != nil {
		t.Fatalf("after(%q): %v", lastID, err)
	}
	return out
}

func appendN(t *testing.T, s eventstore.Store, stream string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.Append(context.Background(), stream, []byte(fmt.Sprintf("msg-%d", i)))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if id == "" {
			t.Fatalf("append %d: empty event id", i)
		}
		ids = append(ids, id)
	}
	return ids
}

func testReplayAll(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ids := appendN(t, s, "replay-all", 3)

	got := collect(t, s, "replay-all", "")
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.ID != ids[i] {
			t.Fatalf("event %d: id %q, want %q", i, ev.ID, ids[i])
		}
		if string(ev.Data) != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("event %d: data %q", i, ev.Data)
		}
	}
}

func testReplayAfter(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ids := appendN(t, s, "replay-after", 4)

	got := collect(t, s, "replay-after", ids[1])
	if len(got) != 2 || got[0].ID != ids[2] || got[1].ID != ids[3] {
		t.Fatalf("unexpected replay after %s: %+v", ids[1], got)
	}
}

func testReplayAfterNewest(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ids := appendN(t, s, "replay-newest", 2)
	if got := collect(t, s, "replay-newest", ids[1]); len(got) != 0 {
		t.Fatalf("expected nothing after newest, got %d", len(got))
	}
}

func testIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	appendN(t, s, "iso-a", 2)
	appendN(t, s, "iso-b", 1)

	if got := collect(t, s, "iso-a", ""); len(got) != 2 {
		t.Fatalf("stream a: expected 2, got %d", len(got))
	}
	if got := collect(t, s, "iso-b", ""); len(got) != 1 {
		t.Fatalf("stream b: expected 1, got %d", len(got))
	}
	if got := collect(t, s, "iso-missing", ""); len(got) != 0 {
		t.Fatalf("unknown stream: expected 0, got %d", len(got))
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	appendN(t, s, "del", 2)
	if err := s.Delete(context.Background(), "del"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := collect(t, s, "del", ""); len(got) != 0 {
		t.Fatalf("expected empty stream after delete, got %d", len(got))
	}
	if err := s.Delete(context.Background(), "del"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func testCallbackError(t *testing.T, factory StoreFactory) {
	s := factory(t)
	appendN(t, s, "cb-err", 3)

	boom := errors.New("boom")
	calls := 0
	err := s.After(context.Background(), "cb-err", "", func(eventstore.Event) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected replay to stop after first error, got %d calls", calls)
	}
}

func testInvalidEventID(t *testing.T, factory StoreFactory) {
	s := factory(t)
	appendN(t, s, "bad-id", 1)
	err := s.After(context.Background(), "bad-id", "not-an-id!", func(eventstore.Event) error { return nil })
	if !errors.Is(err, eventstore.ErrInvalidEventID) {
		t.Fatalf("expected ErrInvalidEventID, got %v", err)
	}
}

func testConcurrentAppends(t *testing.T, factory StoreFactory) {
	s := factory(t)
	const writers, each = 8, 10

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := s.Append(context.Background(), "concurrent", []byte("x")); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got := collect(t, s, "concurrent", "")
	if len(got) != writers*each {
		t.Fatalf("expected %d events, got %d", writers*each, len(got))
	}
	seen := make(map[string]bool, len(got))
	for _, ev := range got {
		if seen[ev.ID] {
			t.Fatalf("duplicate event id %q", ev.ID)
		}
		seen[ev.ID] = true
	}
	// Every suffix replay must start exactly after its cursor.
	mid := got[len(got)/2]
	rest := collect(t, s, "concurrent", mid.ID)
	if len(rest) != len(got)-len(got)/2-1 {
		t.Fatalf("replay after %s returned %d events", mid.ID, len(rest))
	}
}
