package streaminghttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sessiond/auth"
	"github.com/ggoodman/mcp-sessiond/auth/authtest"
	"github.com/ggoodman/mcp-sessiond/internal/engine"
	"github.com/ggoodman/mcp-sessiond/internal/jsonrpc"
	"github.com/ggoodman/mcp-sessiond/mcp"
	"github.com/ggoodman/mcp-sessiond/sessions/memoryregistry"
	"github.com/ggoodman/mcp-sessiond/sessions/registrytest"
	"github.com/ggoodman/mcp-sessiond/streaminghttp"
	"github.com/ggoodman/mcp-sessiond/tools"
)

const (
	goodToken = "good-token"
	testUser  = "alice"
)

type echoArgs struct {
	Text string `json:"text"`
}

type progressArgs struct {
	Steps int `json:"steps"`
}

func testCatalog() *tools.Static {
	return tools.NewStatic(
		tools.NewTool("echo", func(ctx context.Context, principal auth.UserInfo, args echoArgs) (any, error) {
			return principal.UserID() + ": " + args.Text, nil
		}, tools.WithDescription("Echo text back")),
		tools.NewTool("fail", func(ctx context.Context, principal auth.UserInfo, args struct{}) (any, error) {
			return nil, errors.New("backend unavailable")
		}),
		tools.NewTool("progress", func(ctx context.Context, principal auth.UserInfo, args progressArgs) (any, error) {
			for i := 1; i <= args.Steps; i++ {
				if err := tools.ReportProgress(ctx, float64(i), float64(args.Steps), ""); err != nil {
					return nil, err
				}
			}
			return "done", nil
		}),
	)
}

// harness is one handler mounted on an httptest server.
type harness struct {
	srv      *httptest.Server
	h        *streaminghttp.Handler
	registry *memoryregistry.Registry
	clock    *registrytest.Clock
	tokens   *authtest.StaticTokens
}

type harnessConfig struct {
	maxSessions int
	opts        []streaminghttp.Option
}

type harnessOption func(*harnessConfig)

func withMaxSessions(n int) harnessOption {
	return func(c *harnessConfig) { c.maxSessions = n }
}

func withHandlerOptions(opts ...streaminghttp.Option) harnessOption {
	return func(c *harnessConfig) { c.opts = append(c.opts, opts...) }
}

func newHarness(t *testing.T, options ...harnessOption) *harness {
	t.Helper()
	cfg := &harnessConfig{}
	for _, opt := range options {
		opt(cfg)
	}

	log := slog.New(testLogHandler(t))
	clock := registrytest.NewClock()
	reg := memoryregistry.New(memoryregistry.WithClock(clock.Now), memoryregistry.WithMaxSessions(cfg.maxSessions))
	tokens := authtest.NewStaticTokens(map[string]string{goodToken: testUser})
	eng := engine.New(testCatalog(), engine.WithLogger(log))

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { handler.ServeHTTP(w, r) }))
	t.Cleanup(srv.Close)

	opts := append([]streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithIdleTimeout(time.Minute),
	}, cfg.opts...)
	h, err := streaminghttp.New(srv.URL+"/mcp", reg, eng, auth.NewResolver(tokens, auth.WithResolverLogger(log)), opts...)
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	handler = h

	return &harness{srv: srv, h: h, registry: reg, clock: clock, tokens: tokens}
}

func (hs *harness) url() string { return hs.srv.URL + "/mcp" }

// do sends a raw request to the endpoint.
func (hs *harness) do(t *testing.T, method string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, hs.url(), rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := hs.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, hs.url(), err)
	}
	return resp
}

// post sends msg as a JSON POST, optionally bound to a session.
func (hs *harness) post(t *testing.T, authHeader, sessionID string, msg any, headers ...string) *http.Response {
	t.Helper()
	h := map[string]string{"Accept": "application/json"}
	if authHeader != "" {
		h["Authorization"] = authHeader
	}
	if sessionID != "" {
		h["Mcp-Session-Id"] = sessionID
	}
	for i := 0; i+1 < len(headers); i += 2 {
		h[headers[i]] = headers[i+1]
	}
	return hs.do(t, http.MethodPost, mustJSON(msg), h)
}

// initialize performs the handshake with a good token and returns the new
// session id.
func (hs *harness) initialize(t *testing.T) string {
	t.Helper()
	resp := hs.post(t, "Bearer "+goodToken, "", initializeRequest(1))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("initialize status %d body=%s", resp.StatusCode, b)
	}
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatalf("missing Mcp-Session-Id header")
	}

	note := hs.post(t, "", sessID, &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.InitializedNotificationMethod)})
	note.Body.Close()
	if note.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized notification status: %d", note.StatusCode)
	}
	return sessID
}

func initializeRequest(id any) *jsonrpc.Request {
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		Params: mustJSON(mcp.InitializeRequest{
			ProtocolVersion: mcp.LatestProtocolVersion,
			ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "1.0.0"},
		}),
		ID: jsonrpc.NewRequestID(id),
	}
}

func request(id any, method mcp.Method, params any) *jsonrpc.Request {
	req := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(method),
		ID:             jsonrpc.NewRequestID(id),
	}
	if params != nil {
		req.Params = mustJSON(params)
	}
	return req
}

func callTool(id any, name string, args any) *jsonrpc.Request {
	return request(id, mcp.ToolsCallMethod, map[string]any{"name": name, "arguments": args})
}

// errorEnvelope is the transport-level rejection body.
type errorEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Error   *jsonrpc.Error  `json:"error"`
	ID      json.RawMessage `json:"id"`
}

func mustErrorEnvelope(t *testing.T, resp *http.Response, wantStatus int, wantCode jsonrpc.ErrorCode) errorEnvelope {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("unexpected status: want %d got %d body=%s", wantStatus, resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("unexpected content type %q", ct)
	}
	var env errorEnvelope
	mustUnmarshalJSON(t, body, &env)
	if env.JSONRPC != jsonrpc.ProtocolVersion {
		t.Fatalf("unexpected jsonrpc version %q", env.JSONRPC)
	}
	if env.Error == nil || env.Error.Code != wantCode {
		t.Fatalf("unexpected error: want code %d got %+v", wantCode, env.Error)
	}
	if string(env.ID) != "null" {
		t.Fatalf("expected null id, got %s", env.ID)
	}
	return env
}

func mustRPCResponse(t *testing.T, resp *http.Response) *jsonrpc.Response {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d body=%s", resp.StatusCode, body)
	}
	var res jsonrpc.Response
	mustUnmarshalJSON(t, body, &res)
	return &res
}

type sseEvent struct {
	id   string
	data json.RawMessage
}

// readSSE reads the next event from br. A single reader must be reused
// across calls so buffered frames are not lost.
func readSSE(br *bufio.Reader) (sseEvent, error) {
	var (
		event   sseEvent
		dataBuf bytes.Buffer
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return sseEvent{}, io.ErrUnexpectedEOF
			}
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if dataBuf.Len() == 0 {
				continue
			}
			event.data = append([]byte(nil), dataBuf.Bytes()...)
			return event, nil
		}
		if v, ok := strings.CutPrefix(line, "id: "); ok {
			event.id = v
			continue
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok {
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(v)
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func mustUnmarshalJSON[T any](t *testing.T, data []byte, v *T) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

// logBridge is an implementation of slog.Handler that works
// with the stdlib testing pkg.
type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	b.t.Helper()
	b.t.Log(string(bytes.TrimSuffix(output, []byte("\n"))))
	return nil
}

func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithAttrs(attrs)}
}

func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithGroup(name)}
}

func testLogHandler(t testing.TB) *logBridge {
	b := &logBridge{t: t, buf: &bytes.Buffer{}, mu: &sync.Mutex{}}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b
}
