package streaminghttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Flusher.Flush()
}

func writeSSEHeaders(w http.ResponseWriter, protocolVersion string) {
	if protocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, protocolVersion)
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// writeSSEEvent writes one frame and flushes. The frame is written under a
// single lock so concurrent writers never interleave.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	frame := make([]byte, 0, len(payload)+len(msgID)+16)
	if msgID != "" {
		frame = append(frame, "id: "...)
		frame = append(frame, msgID...)
		frame = append(frame, '\n')
	}
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	if _, err := wf.Write(frame); err != nil {
		return fmt.Errorf("failed to write SSE frame: %w", err)
	}
	wf.Flush()
	return nil
}
