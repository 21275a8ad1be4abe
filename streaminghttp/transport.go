package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/mcp-sessiond/eventstore"
	"github.com/ggoodman/mcp-sessiond/eventstore/memorystore"
	"github.com/ggoodman/mcp-sessiond/internal/engine"
	"github.com/ggoodman/mcp-sessiond/internal/jsonrpc"
	"github.com/ggoodman/mcp-sessiond/internal/logctx"
	"github.com/ggoodman/mcp-sessiond/mcp"
	"github.com/ggoodman/mcp-sessiond/sessions"
)

var (
	jsonMediaType          = contenttype.NewMediaType("application/json")
	eventStreamMediaType   = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes  = []contenttype.MediaType{eventStreamMediaType}
	postResponseMediaTypes = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"
)

// DefaultSessionID returns a random UUIDv4.
func DefaultSessionID() string { return uuid.NewString() }

// TransportConfig wires a Transport to its owner.
type TransportConfig struct {
	// NewSessionID generates the id assigned once initialize succeeds.
	// Defaults to DefaultSessionID.
	NewSessionID func() string
	// OnInitialized runs after the id is generated and before the
	// initialize response is written. An error aborts the session.
	OnInitialized func(id string) error
	// OnClose runs exactly once when a session that got an id closes.
	OnClose func(id string)
	// Events holds the standalone stream's replay log. Defaults to a
	// private memorystore.
	Events eventstore.Store
	Logger *slog.Logger
}

// Transport adapts the streaming HTTP wire protocol onto one engine.Conn.
// It implements sessions.Transport.
type Transport struct {
	conn *engine.Conn
	cfg  TransportConfig
	log  *slog.Logger

	mu        sync.Mutex
	id        string
	lastEvent string
	stream    *standaloneStream
	closed    bool

	// pubMu orders appends to the event log against Close deleting it.
	pubMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type standaloneStream struct {
	cancel context.CancelFunc
	wake   chan struct{}
}

// NewTransport returns a transport with no session id. The first POST it
// receives must be initialize.
func NewTransport(conn *engine.Conn, cfg TransportConfig) *Transport {
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = DefaultSessionID
	}
	if cfg.Events == nil {
		cfg.Events = memorystore.New()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		conn: conn,
		cfg:  cfg,
		log:  log,
		done: make(chan struct{}),
	}
}

// SessionID returns the assigned id, or "" before initialize succeeds.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// Deliver handles one HTTP request for the session. It always writes a
// response; the returned error is informational.
func (t *Transport) Deliver(w http.ResponseWriter, r *http.Request, body []byte) error {
	select {
	case <-t.done:
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "session closed")
		return ErrTransportClosed
	default:
	}

	switch r.Method {
	case http.MethodPost:
		return t.handlePost(w, r, body)
	case http.MethodGet:
		return t.handleGet(w, r)
	case http.MethodDelete:
		return t.handleDelete(w, r)
	}
	w.Header().Set("Allow", allowedMethods)
	writeJSONError(w, http.StatusMethodNotAllowed, jsonrpc.ErrorCodeServerError, "method not allowed")
	return nil
}

func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request, body []byte) error {
	ctx := r.Context()

	msg, err := jsonrpc.Decode(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message")
		t.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return nil
	}

	if t.SessionID() == "" {
		return t.initialize(w, r, msg)
	}

	spv := t.conn.ProtocolVersion()
	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && spv != "" && pv != spv {
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "protocol version mismatch")
		t.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return nil
	}

	if msg.Type() != jsonrpc.KindRequest {
		if _, err := t.conn.Handle(ctx, msg, t.publishNotification); err != nil {
			writeJSONError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "internal error")
			return err
		}
		w.WriteHeader(http.StatusAccepted)
		return nil
	}

	mt := jsonMediaType
	if r.Header.Get("Accept") != "" {
		negotiated, _, err := contenttype.GetAcceptableMediaType(r, postResponseMediaTypes)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "client must accept application/json or text/event-stream")
			t.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			return nil
		}
		mt = negotiated
	}

	if mt.Matches(eventStreamMediaType) {
		return t.respondSSE(w, r, msg)
	}
	return t.respondJSON(w, r, msg)
}

func (t *Transport) initialize(w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage) error {
	ctx := r.Context()
	if !msg.IsRequestFor(string(mcp.InitializeMethod)) {
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "expected initialize request")
		return nil
	}

	res, err := t.conn.Handle(ctx, msg, nil)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "internal error")
		_ = t.Close()
		return err
	}
	if res.Error != nil {
		writeJSON(w, http.StatusBadRequest, res)
		_ = t.Close()
		t.log.InfoContext(ctx, "session.initialize.rejected", slog.String("err", res.Error.Message))
		return nil
	}

	id := t.cfg.NewSessionID()
	t.mu.Lock()
	t.id = id
	t.mu.Unlock()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, UserID: t.conn.Principal().UserID()})

	if fn := t.cfg.OnInitialized; fn != nil {
		if err := fn(id); err != nil {
			// Forget the id first so the close callback cannot touch an
			// entry this transport never owned.
			t.mu.Lock()
			t.id = ""
			t.mu.Unlock()
			_ = t.Close()

			if errors.Is(err, sessions.ErrRegistryFull) || errors.Is(err, sessions.ErrRegistryClosed) {
				writeJSONError(w, http.StatusServiceUnavailable, jsonrpc.ErrorCodeServerError, "server cannot accept new sessions")
			} else {
				writeJSONError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to register session")
			}
			t.log.WarnContext(ctx, "session.register.fail", slog.String("err", err.Error()))
			return err
		}
	}

	w.Header().Set(mcpSessionIDHeader, id)
	if pv := t.conn.ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}
	writeJSON(w, http.StatusOK, res)
	t.log.InfoContext(ctx, "session.initialize.ok")
	return nil
}

func (t *Transport) respondJSON(w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage) error {
	ctx := r.Context()
	res, err := t.conn.Handle(ctx, msg, t.publishNotification)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "internal error")
		return err
	}
	if res == nil {
		w.WriteHeader(http.StatusAccepted)
		return nil
	}
	if pv := t.conn.ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

func (t *Transport) respondSSE(w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage) error {
	ctx := r.Context()
	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "streaming unsupported")
		return errors.New("response writer does not support flushing")
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	writeSSEHeaders(w, t.conn.ProtocolVersion())
	wf.Flush()

	// Notifications raised while handling this request ride the request's
	// own stream.
	notify := func(ctx context.Context, note *jsonrpc.Request) error {
		b, err := json.Marshal(note)
		if err != nil {
			return err
		}
		return writeSSEEvent(wf, "", b)
	}

	res, err := t.conn.Handle(ctx, msg, notify)
	if err != nil {
		t.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if res == nil {
		return nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return writeSSEEvent(wf, "", b)
}

func (t *Transport) handleGet(w http.ResponseWriter, r *http.Request) error {
	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "client must accept text/event-stream")
			return nil
		}
	}
	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "streaming unsupported")
		return errors.New("response writer does not support flushing")
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s := &standaloneStream{cancel: cancel, wake: make(chan struct{}, 1)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "session closed")
		return ErrTransportClosed
	}
	if prev := t.stream; prev != nil {
		prev.cancel()
	}
	t.stream = s
	id := t.id
	cursor := t.lastEvent
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.stream == s {
			t.stream = nil
		}
		t.mu.Unlock()
	}()

	if le := r.Header.Get(lastEventIDHeader); le != "" {
		cursor = le
	}

	var backlog []eventstore.Event
	collect := func(ev eventstore.Event) error {
		backlog = append(backlog, ev)
		return nil
	}

	// Read the backlog before committing to a 200 so a bad cursor can still
	// be rejected cleanly.
	if err := t.cfg.Events.After(ctx, id, cursor, collect); err != nil {
		if errors.Is(err, eventstore.ErrInvalidEventID) {
			writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "invalid Last-Event-ID")
			return nil
		}
		writeJSONError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "internal error")
		return err
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	writeSSEHeaders(w, t.conn.ProtocolVersion())
	wf.Flush()
	t.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", cursor))

	for {
		for _, ev := range backlog {
			if err := writeSSEEvent(wf, ev.ID, ev.Data); err != nil {
				t.log.InfoContext(ctx, "sse.stream.end", slog.String("err", err.Error()))
				return nil
			}
			cursor = ev.ID
		}
		backlog = backlog[:0]

		select {
		case <-ctx.Done():
			t.log.InfoContext(ctx, "sse.stream.end")
			return nil
		case <-t.done:
			t.log.InfoContext(ctx, "sse.stream.closed")
			return nil
		case <-s.wake:
		}

		if err := t.cfg.Events.After(ctx, id, cursor, collect); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.log.ErrorContext(ctx, "sse.replay.fail", slog.String("err", err.Error()))
			return err
		}
	}
}

func (t *Transport) handleDelete(w http.ResponseWriter, r *http.Request) error {
	w.WriteHeader(http.StatusOK)
	t.log.InfoContext(r.Context(), "session.delete.ok")
	return t.Close()
}

// Publish appends data to the session's event log and wakes the standalone
// stream, if one is open. It returns the assigned event id.
func (t *Transport) Publish(ctx context.Context, data []byte) (string, error) {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	t.mu.Lock()
	id, closed := t.id, t.closed
	t.mu.Unlock()
	if closed || id == "" {
		return "", ErrTransportClosed
	}

	evID, err := t.cfg.Events.Append(ctx, id, data)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.lastEvent = evID
	s := t.stream
	t.mu.Unlock()
	if s != nil {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return evID, nil
}

func (t *Transport) publishNotification(ctx context.Context, note *jsonrpc.Request) error {
	b, err := json.Marshal(note)
	if err != nil {
		return err
	}
	_, err = t.Publish(ctx, b)
	return err
}

// Close ends the session. It cancels the standalone stream, drops the event
// log and then fires OnClose. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.pubMu.Lock()
		t.mu.Lock()
		t.closed = true
		id := t.id
		s := t.stream
		t.mu.Unlock()

		close(t.done)
		if s != nil {
			s.cancel()
		}
		if id != "" {
			t.closeErr = t.cfg.Events.Delete(context.Background(), id)
		}
		t.pubMu.Unlock()

		if id != "" && t.cfg.OnClose != nil {
			t.cfg.OnClose(id)
		}
	})
	return t.closeErr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var _ sessions.Transport = (*Transport)(nil)
