package redisstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/mcp-sessiond/eventstore"
	"github.com/ggoodman/mcp-sessiond/eventstore/eventstoretest"
)

func TestRedisStore(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis
	s, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis event store tests: %v", err)
		return
	}
	_ = s.Close()

	eventstoretest.RunStoreTests(t, func(t *testing.T) eventstore.Store {
		var cfg Config
		_ = envdecode.Decode(&cfg)
		cfg.KeyPrefix = fmt.Sprintf("mcp:test:%d:", time.Now().UnixNano())
		cfg.TTL = time.Minute
		st, err := New(cfg)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() {
			for _, k := range []string{"replay-all", "replay-after", "replay-newest", "iso-a", "iso-b", "del", "cb-err", "bad-id", "concurrent"} {
				_ = st.Delete(context.Background(), k)
			}
			_ = st.Close()
		})
		return st
	})
}

func TestValidStreamID(t *testing.T) {
	tests := map[string]bool{
		"1700000000000-0": true,
		"5-12":            true,
		"":                false,
		"17":              false,
		"a-b":             false,
		"1-":              false,
	}
	for id, want := range tests {
		if got := validStreamID(id); got != want {
			t.Errorf("validStreamID(%q) = %v, want %v", id, got, want)
		}
	}
}
