package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-sessiond/internal/engine"
	"github.com/ggoodman/mcp-sessiond/internal/jsonrpc"
	"github.com/ggoodman/mcp-sessiond/internal/logctx"
)

// ErrAlreadyServing is returned when Serve is called a second time.
var ErrAlreadyServing = errors.New("stdio handler already serving")

const defaultMaxLine = 4 << 20

// Handler is a single-connection stdio transport that reads JSON-RPC messages
// from an io.Reader and writes responses to an io.Writer. By default, it uses
// os.Stdin and os.Stdout. The peer is identified by a UserProvider, which
// defaults to the current OS user.
type Handler struct {
	eng     *engine.Engine
	r       io.Reader
	w       io.Writer
	log     *slog.Logger
	users   UserProvider
	maxLine int

	serving atomic.Bool

	wmu sync.Mutex
	enc *json.Encoder
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(eng *engine.Engine, opts ...Option) *Handler {
	h := &Handler{
		eng:     eng,
		r:       os.Stdin,
		w:       os.Stdout,
		log:     slog.Default(),
		users:   OSUserProvider{},
		maxLine: defaultMaxLine,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)
	h.enc = json.NewEncoder(h.w)
	return h
}

// Serve runs the stdio event loop until EOF on the reader or the context is
// canceled. Messages are newline-delimited. Requests run concurrently so a
// later notifications/cancelled can reach one still in flight; responses are
// written as they complete. Serve returns nil on EOF once every in-flight
// request has been answered.
func (h *Handler) Serve(ctx context.Context) error {
	if !h.serving.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}

	uid, err := h.users.CurrentUserID()
	if err != nil {
		return fmt.Errorf("resolve stdio user: %w", err)
	}
	conn := h.eng.Open(localUser(uid))
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: "stdio", UserID: uid})
	h.log.InfoContext(ctx, "stdio.session.start")

	reqCtx, cancelRequests := context.WithCancel(ctx)
	defer cancelRequests()
	var inflight sync.WaitGroup

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, 64*1024), h.maxLine)
		for sc.Scan() {
			line := bytes.Clone(sc.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		var line []byte
		select {
		case <-ctx.Done():
			cancelRequests()
			inflight.Wait()
			h.log.InfoContext(ctx, "stdio.session.end", slog.String("err", ctx.Err().Error()))
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				inflight.Wait()
				var err error
				select {
				case err = <-scanErr:
				default:
				}
				if err != nil {
					h.log.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
					return fmt.Errorf("read stdio: %w", err)
				}
				h.log.InfoContext(ctx, "stdio.session.end")
				return nil
			}
			line = bytes.TrimSpace(l)
		}
		if len(line) == 0 {
			continue
		}
		msg, err := jsonrpc.Decode(line)
		switch {
		case errors.Is(err, jsonrpc.ErrBatch):
			h.write(ctx, jsonrpc.NewRejection(jsonrpc.ErrorCodeInvalidRequest, "JSON-RPC batch arrays are not supported"))
			continue
		case err != nil:
			h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
			h.write(ctx, jsonrpc.NewRejection(jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message"))
			continue
		}

		if msg.Type() != jsonrpc.KindRequest {
			if _, err := conn.Handle(reqCtx, msg, h.notify); err != nil {
				h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
			}
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			res, err := conn.Handle(reqCtx, msg, h.notify)
			if err != nil {
				h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
				res = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
			}
			if res != nil {
				h.write(ctx, res)
			}
		}()
	}
}

func (h *Handler) notify(ctx context.Context, note *jsonrpc.Request) error {
	return h.writeJSONRPC(note)
}

func (h *Handler) write(ctx context.Context, v any) {
	if err := h.writeJSONRPC(v); err != nil {
		h.log.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}

// writeJSONRPC writes one message followed by a newline. Concurrent writers
// never interleave.
func (h *Handler) writeJSONRPC(v any) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	return h.enc.Encode(v)
}
