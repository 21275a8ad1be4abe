package streaminghttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/mcp-sessiond/auth"
	"github.com/ggoodman/mcp-sessiond/eventstore"
	"github.com/ggoodman/mcp-sessiond/eventstore/memorystore"
	"github.com/ggoodman/mcp-sessiond/internal/engine"
	"github.com/ggoodman/mcp-sessiond/internal/jsonrpc"
	"github.com/ggoodman/mcp-sessiond/internal/logctx"
	"github.com/ggoodman/mcp-sessiond/internal/wellknown"
	"github.com/ggoodman/mcp-sessiond/mcp"
	"github.com/ggoodman/mcp-sessiond/sessions"
)

var (
	_ http.Handler = (*Handler)(nil)
)

const (
	allowedMethods = "GET, POST, DELETE, OPTIONS"
	allowedHeaders = "Content-Type, Authorization, Mcp-Session-Id, Last-Event-ID, Mcp-Protocol-Version"

	defaultIdleTimeout     = 30 * time.Minute
	defaultSweepInterval   = time.Minute
	defaultShutdownTimeout = 30 * time.Second
	defaultMaxBodyBytes    = 4 << 20
)

// PrincipalResolver turns an Authorization header into a principal. Any
// failure is reported to the client as 401 without detail.
type PrincipalResolver interface {
	Resolve(ctx context.Context, authorizationHeader string) (auth.UserInfo, error)
}

// Option configures the Handler.
type Option func(*config)

type config struct {
	logger          *slog.Logger
	idleTimeout     time.Duration
	sweepInterval   time.Duration
	shutdownTimeout time.Duration
	events          eventstore.Store
	newSessionID    func() string
	allowedOrigin   string
	realm           string
	maxBodyBytes    int64
	prm             *wellknown.ProtectedResourceMetadata
}

// WithLogger sets the slog logger used by the handler and every transport it
// creates.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithIdleTimeout sets how long a session may go without requests before the
// sweep closes it.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) { c.idleTimeout = d }
}

// WithSweepInterval sets how often Run looks for idle sessions. It should be
// well below the idle timeout.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// WithShutdownTimeout bounds how long Serve waits for sessions and in-flight
// requests once its context is cancelled.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *config) { c.shutdownTimeout = d }
}

// WithEventStore sets the replay log shared by every session's standalone
// stream. Defaults to an in-memory store.
func WithEventStore(s eventstore.Store) Option {
	return func(c *config) { c.events = s }
}

// WithSessionIDGenerator overrides how session ids are minted. The default
// is a random UUIDv4. Generators must be unpredictable.
func WithSessionIDGenerator(gen func() string) Option {
	return func(c *config) { c.newSessionID = gen }
}

// WithAllowedOrigin sets Access-Control-Allow-Origin. Defaults to "*".
func WithAllowedOrigin(origin string) Option {
	return func(c *config) { c.allowedOrigin = strings.TrimSpace(origin) }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted.
func WithRealm(realm string) Option {
	return func(c *config) { c.realm = strings.TrimSpace(realm) }
}

// WithMaxBodyBytes caps POST bodies. Defaults to 4 MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(c *config) { c.maxBodyBytes = n }
}

// WithProtectedResourceMetadata serves doc at the RFC 9728 well-known
// location derived from the endpoint and advertises it in 401 challenges.
func WithProtectedResourceMetadata(doc wellknown.ProtectedResourceMetadata) Option {
	return func(c *config) { c.prm = &doc }
}

// Handler is the session lifecycle manager for the MCP streaming HTTP
// transport. It routes every request on the endpoint, creates sessions on
// authenticated initialize, expires idle ones and drives shutdown.
type Handler struct {
	log      *slog.Logger
	endpoint *url.URL
	path     string

	registry sessions.Registry
	eng      *engine.Engine
	resolver PrincipalResolver
	events   eventstore.Store
	newID    func() string

	idleTimeout     time.Duration
	sweepInterval   time.Duration
	shutdownTimeout time.Duration
	allowedOrigin   string
	realm           string
	maxBodyBytes    int64

	prmDocument *wellknown.ProtectedResourceMetadata
	prmURL      *url.URL

	// sweepMu makes Shutdown wait for a sweep pass already in progress.
	sweepMu  sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
	closing  atomic.Bool
}

// New constructs a Handler.
//
// Required:
//   - publicEndpoint: externally visible URL of the MCP endpoint (scheme, host, path)
//   - registry: the set of live sessions; the handler is its only writer
//   - eng: the protocol engine sessions are opened on
//   - resolver: verifies the bearer credential of initialize requests
func New(publicEndpoint string, registry sessions.Registry, eng *engine.Engine, resolver PrincipalResolver, opts ...Option) (*Handler, error) {
	if registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("principal resolver is required")
	}

	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &config{
		logger:          slog.Default(),
		idleTimeout:     defaultIdleTimeout,
		sweepInterval:   defaultSweepInterval,
		shutdownTimeout: defaultShutdownTimeout,
		newSessionID:    DefaultSessionID,
		allowedOrigin:   "*",
		maxBodyBytes:    defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.idleTimeout <= 0 {
		return nil, fmt.Errorf("idle timeout must be positive")
	}
	if cfg.sweepInterval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive")
	}
	if cfg.events == nil {
		cfg.events = memorystore.New()
	}
	if cfg.allowedOrigin == "" {
		cfg.allowedOrigin = "*"
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	h := &Handler{
		log:             logctx.Wrap(cfg.logger),
		endpoint:        mcpURL,
		path:            pathOnly(mcpURL),
		registry:        registry,
		eng:             eng,
		resolver:        resolver,
		events:          cfg.events,
		newID:           cfg.newSessionID,
		idleTimeout:     cfg.idleTimeout,
		sweepInterval:   cfg.sweepInterval,
		shutdownTimeout: cfg.shutdownTimeout,
		allowedOrigin:   cfg.allowedOrigin,
		realm:           cfg.realm,
		maxBodyBytes:    cfg.maxBodyBytes,
		stop:            make(chan struct{}),
	}

	if cfg.prm != nil {
		doc := cfg.prm.ForResource(mcpURL)
		h.prmDocument = &doc
		h.prmURL = wellknown.MetadataURL(mcpURL)
	}

	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	}))

	switch {
	case r.URL.Path == h.path:
		h.serveMCP(w, r)
	case h.prmURL != nil && r.URL.Path == h.prmURL.Path:
		h.serveProtectedResourceMetadata(w, r)
	default:
		h.setCORS(w)
		writeJSONError(w, http.StatusNotFound, jsonrpc.ErrorCodeServerError, "not found")
		h.log.InfoContext(r.Context(), "http.path.not_found")
	}
}

func (h *Handler) setCORS(w http.ResponseWriter) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", h.allowedOrigin)
	if h.allowedOrigin != "*" {
		hdr.Add("Vary", "Origin")
	}
	hdr.Set("Access-Control-Allow-Methods", allowedMethods)
	hdr.Set("Access-Control-Allow-Headers", allowedHeaders)
	hdr.Set("Access-Control-Expose-Headers", mcpSessionIDHeader+", "+mcpProtocolVersionHeader)
	hdr.Set("Access-Control-Max-Age", "86400")
}

func (h *Handler) serveMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.setCORS(w)

	sessID := r.Header.Get(mcpSessionIDHeader)

	var body []byte
	initialize := false
	if r.Method == http.MethodPost {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "content-type must be application/json")
			h.log.WarnContext(ctx, "content_type.unsupported")
			return
		}
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "failed to read request body")
			h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
			return
		}
		msg, err := jsonrpc.Decode(body)
		switch {
		case errors.Is(err, jsonrpc.ErrBatch):
			writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "JSON-RPC batch arrays are not supported")
			h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
			return
		case err != nil:
			writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message")
			h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
			return
		}
		initialize = msg.IsRequestFor(string(mcp.InitializeMethod))
		ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: string(msg.Type())})
	}

	var sess sessions.Session
	registered := false
	if sessID != "" {
		sess, registered = h.registry.Lookup(sessID)
	}

	route := Classify(r.Method, sessID != "", registered, initialize)
	switch route {
	case RoutePreflight:
		w.WriteHeader(http.StatusNoContent)
		return

	case RouteUnsupported:
		w.Header().Set("Allow", allowedMethods)
		writeJSONError(w, http.StatusMethodNotAllowed, jsonrpc.ErrorCodeServerError, "method not allowed")
		h.log.InfoContext(ctx, "http.method.unsupported")
		return

	case RouteBadSession:
		msg := "invalid or expired session"
		if sessID == "" {
			msg = ErrSessionHeaderMissing.Error()
			if r.Method == http.MethodPost {
				msg = "expected initialize request"
			}
		}
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, msg)
		h.log.InfoContext(ctx, "session.route.bad", slog.Bool("has_session", sessID != ""))
		return

	case RouteInitialize:
		h.initialize(ctx, w, r, body)

	case RouteContinuation, RouteStream:
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, UserID: sess.UserID()})
		h.registry.Touch(sess.ID)
		h.deliver(ctx, w, r, sess.Transport, body)
		h.registry.Touch(sess.ID)

	case RouteTerminate:
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, UserID: sess.UserID()})
		h.deliver(ctx, w, r, sess.Transport, nil)
	}

	h.log.InfoContext(ctx, "http.request.done", slog.String("route", route.String()), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) initialize(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte) {
	if h.closing.Load() {
		writeJSONError(w, http.StatusServiceUnavailable, jsonrpc.ErrorCodeServerError, ErrShuttingDown.Error())
		h.log.InfoContext(ctx, "session.initialize.shutting_down")
		return
	}

	principal, err := h.resolver.Resolve(ctx, r.Header.Get(authorizationHeader))
	if err != nil {
		// RFC 6750 §3.1: no error code when no credential was presented.
		var params map[string]string
		if !errors.Is(err, auth.ErrMissingCredential) {
			params = map[string]string{"error": "invalid_token"}
		}
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmLocation(), params))
		writeJSONError(w, http.StatusUnauthorized, jsonrpc.ErrorCodeUnauthorized, "unauthorized")
		h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "auth.ok", slog.String("user_id", principal.UserID()))

	var tr *Transport
	tr = NewTransport(h.eng.Open(principal), TransportConfig{
		NewSessionID: h.newID,
		Events:       h.events,
		Logger:       h.log,
		OnInitialized: func(id string) error {
			return h.registry.Insert(id, principal, tr)
		},
		OnClose: h.forget,
	})

	h.deliver(ctx, w, r, tr, body)
}

// deliver forwards to a transport and converts any failure that happened
// before a response started into a structured 500.
func (h *Handler) deliver(ctx context.Context, w http.ResponseWriter, r *http.Request, t sessions.Transport, body []byte) {
	rw := &responseTracker{ResponseWriter: w}
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				err = fmt.Errorf("transport panic: %v", p)
			}
		}()
		return t.Deliver(rw, r.WithContext(ctx), body)
	}()
	if err == nil {
		return
	}
	if !rw.wroteHeader {
		writeJSONError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "internal error")
	}
	if errors.Is(err, ErrTransportClosed) || errors.Is(err, sessions.ErrRegistryClosed) || errors.Is(err, sessions.ErrRegistryFull) {
		h.log.InfoContext(ctx, "transport.deliver.rejected", slog.String("err", err.Error()))
		return
	}
	h.log.ErrorContext(ctx, "transport.deliver.fail", slog.String("err", err.Error()))
}

// forget is every transport's close callback.
func (h *Handler) forget(id string) {
	h.registry.BeginClose(id)
	h.registry.Remove(id)
	h.log.Info("session.closed", slog.String("session_id", id))
}

func (h *Handler) prmLocation() string {
	if h.prmURL == nil {
		return ""
	}
	return h.prmURL.String()
}

func (h *Handler) serveProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
		w.Header().Set("Access-Control-Max-Age", "600")
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.prmDocument)
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		writeJSONError(w, http.StatusMethodNotAllowed, jsonrpc.ErrorCodeServerError, "method not allowed")
	}
}

// Sweep runs one idle-expiry pass and returns how many sessions it closed.
// A failure closing one session never stops the pass.
func (h *Handler) Sweep(ctx context.Context) int {
	h.sweepMu.Lock()
	defer h.sweepMu.Unlock()
	if h.closing.Load() {
		return 0
	}

	expired := 0
	for _, s := range h.registry.Idle(h.idleTimeout) {
		if _, ok := h.registry.BeginClose(s.ID); !ok {
			continue
		}
		expired++
		sctx := logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.ID, UserID: s.UserID()})
		if err := h.closeSession(s); err != nil {
			h.log.WarnContext(sctx, "session.expire.fail", slog.String("err", err.Error()))
			continue
		}
		h.log.InfoContext(sctx, "session.expire.ok", slog.Duration("idle", time.Since(s.LastActivity)))
	}
	return expired
}

// closeSession closes a session that is already closing and makes sure its
// entry is gone even if the transport misbehaves.
func (h *Handler) closeSession(s sessions.Session) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transport close panic: %v", p)
		}
		h.registry.Remove(s.ID)
	}()
	return s.Transport.Close()
}

// Run sweeps for idle sessions every sweep interval until ctx is done or
// Shutdown is called.
func (h *Handler) Run(ctx context.Context) error {
	t := time.NewTicker(h.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.stop:
			return nil
		case <-t.C:
			h.Sweep(ctx)
		}
	}
}

// Shutdown stops the sweep, refuses new sessions and closes every live one
// concurrently. It returns once all closes finished or ctx is done.
func (h *Handler) Shutdown(ctx context.Context) error {
	start := time.Now()
	h.closing.Store(true)
	h.stopOnce.Do(func() { close(h.stop) })

	h.sweepMu.Lock()
	drained := h.registry.Drain()
	h.sweepMu.Unlock()

	h.log.InfoContext(ctx, "shutdown.start", slog.Int("sessions", len(drained)))

	var g errgroup.Group
	for _, s := range drained {
		g.Go(func() error {
			if err := h.closeSession(s); err != nil {
				return fmt.Errorf("close session %s: %w", s.ID, err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			h.log.WarnContext(ctx, "shutdown.close.fail", slog.String("err", err.Error()))
		}
		h.log.InfoContext(ctx, "shutdown.ok", slog.Duration("dur", time.Since(start)))
		return err
	case <-ctx.Done():
		h.log.ErrorContext(ctx, "shutdown.timeout", slog.Int("remaining", h.registry.Len()))
		return ctx.Err()
	}
}

// Serve accepts connections on ln and runs the sweep loop until ctx is done.
// On cancellation it closes every session first and only then stops the
// HTTP server, which releases the listener.
func (h *Handler) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(h.log.Handler(), slog.LevelWarn),
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		if err := h.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			h.log.Error("sweep.run.fail", slog.String("err", err.Error()))
		}
	}()

	h.log.InfoContext(ctx, "http.serve.start", slog.String("addr", ln.Addr().String()), slog.String("endpoint", h.endpoint.String()))

	select {
	case err := <-errc:
		_ = h.Shutdown(context.WithoutCancel(ctx))
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shutdownTimeout)
	defer cancel()

	err := h.Shutdown(sctx)
	if serr := srv.Shutdown(sctx); serr != nil {
		err = errors.Join(err, fmt.Errorf("http shutdown: %w", serr))
	}
	if serr := <-errc; serr != nil && !errors.Is(serr, http.ErrServerClosed) {
		err = errors.Join(err, serr)
	}
	h.log.InfoContext(sctx, "http.serve.stop")
	return err
}

// responseTracker records whether a response has started so a late failure
// is not answered twice.
type responseTracker struct {
	http.ResponseWriter
	wroteHeader bool
}

func (r *responseTracker) WriteHeader(code int) {
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseTracker) Write(p []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(p)
}

func (r *responseTracker) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		r.wroteHeader = true
		f.Flush()
	}
}

func (r *responseTracker) Unwrap() http.ResponseWriter { return r.ResponseWriter }
