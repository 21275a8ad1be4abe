package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-sessiond/auth"
	"github.com/ggoodman/mcp-sessiond/internal/jsonrpc"
	"github.com/ggoodman/mcp-sessiond/internal/logctx"
	"github.com/ggoodman/mcp-sessiond/mcp"
	"github.com/ggoodman/mcp-sessiond/tools"
)

// NotifyFunc receives server-to-client notifications produced while a
// message is being handled.
type NotifyFunc func(ctx context.Context, note *jsonrpc.Request) error

// Conn is the protocol state of one session. Handle may be called
// concurrently; a request and a cancellation for it can race.
type Conn struct {
	e         *Engine
	principal auth.UserInfo

	mu              sync.Mutex
	initialized     bool
	ready           bool
	protocolVersion string
	clientInfo      mcp.ImplementationInfo

	// request id -> cancel for tool calls in flight
	inflight map[string]func(error)
}

// Principal returns the identity this session was opened for.
func (c *Conn) Principal() auth.UserInfo { return c.principal }

// ProtocolVersion returns the negotiated protocol revision, or "" before
// initialize.
func (c *Conn) ProtocolVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocolVersion
}

// Initialized reports whether initialize has completed.
func (c *Conn) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Ready reports whether the client has sent notifications/initialized.
func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Handle processes one inbound message. Requests produce a response;
// notifications and client responses produce nil. A non-nil error means the
// message could not be handled at all and the transport should fail the
// request.
func (c *Conn) Handle(ctx context.Context, msg *jsonrpc.AnyMessage, notify NotifyFunc) (*jsonrpc.Response, error) {
	if msg == nil {
		return nil, ErrInternal
	}
	switch msg.Type() {
	case jsonrpc.KindNotification:
		c.handleNotification(ctx, msg.AsRequest())
		return nil, nil
	case jsonrpc.KindResponse:
		// The gateway issues no server-to-client requests.
		return nil, nil
	}

	req := msg.AsRequest()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: string(jsonrpc.KindRequest)})

	switch req.Method {
	case string(mcp.InitializeMethod):
		return c.handleInitialize(ctx, req)
	case string(mcp.PingMethod):
		return jsonrpc.NewResultResponse(req.ID, mcp.EmptyResult{})
	case string(mcp.ToolsListMethod):
		if !c.Initialized() {
			return notInitialized(req), nil
		}
		return c.handleToolsList(ctx, req)
	case string(mcp.ToolsCallMethod):
		if !c.Initialized() {
			return notInitialized(req), nil
		}
		return c.handleToolCall(ctx, req, notify)
	}

	c.e.log.InfoContext(ctx, "engine.handle_request.unknown_method")
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil), nil
}

func notInitialized(req *jsonrpc.Request) *jsonrpc.Response {
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session not initialized", nil)
}

func (c *Conn) handleInitialize(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	log := c.e.log.With(slog.String("method", req.Method))

	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.initialize.invalid", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		log.InfoContext(ctx, "engine.initialize.duplicate")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil), nil
	}
	c.initialized = true
	c.protocolVersion = mcp.NegotiateProtocolVersion(params.ProtocolVersion)
	c.clientInfo = params.ClientInfo
	version := c.protocolVersion
	c.mu.Unlock()

	log.InfoContext(ctx, "engine.initialize.ok",
		slog.String("protocol_version", version),
		slog.String("client", params.ClientInfo.Name),
	)

	return jsonrpc.NewResultResponse(req.ID, &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Tools: &mcp.ToolsCapability{},
		},
		ServerInfo:   c.e.info,
		Instructions: c.e.instructions,
	})
}

func (c *Conn) handleNotification(ctx context.Context, note *jsonrpc.Request) {
	switch note.Method {
	case string(mcp.InitializedNotificationMethod):
		c.mu.Lock()
		c.ready = true
		c.mu.Unlock()
		c.e.log.InfoContext(ctx, "engine.session.initialized")
	case string(mcp.CancelledNotificationMethod):
		var params mcp.CancelledNotificationParams
		var target jsonrpc.RequestID
		if err := json.Unmarshal(note.Params, &params); err != nil || len(params.RequestID) == 0 {
			c.e.log.InfoContext(ctx, "engine.cancel.invalid")
			return
		}
		if err := json.Unmarshal(params.RequestID, &target); err != nil || target.IsNil() {
			c.e.log.InfoContext(ctx, "engine.cancel.invalid")
			return
		}
		c.mu.Lock()
		cancel := c.inflight[target.Key()]
		c.mu.Unlock()
		if cancel != nil {
			cancel(ErrCancelled)
			c.e.log.InfoContext(ctx, "engine.cancel.ok", slog.String("request_id", target.String()), slog.String("reason", params.Reason))
		}
	default:
		c.e.log.DebugContext(ctx, "engine.notification.ignored", slog.String("method", note.Method))
	}
}

func (c *Conn) handleToolsList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := c.e.log.With(slog.String("method", req.Method))

	list, err := c.e.catalog.ListTools(ctx, c.principal)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if list == nil {
		list = []mcp.Tool{}
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int("tools", len(list)), slog.Duration("dur", time.Since(start)))
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{Tools: list})
}

func (c *Conn) handleToolCall(ctx context.Context, req *jsonrpc.Request, notify NotifyFunc) (*jsonrpc.Response, error) {
	start := time.Now()
	log := c.e.log.With(slog.String("method", req.Method))

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	log = log.With(slog.String("tool", params.Name))

	reqID := req.ID.Key()
	toolCtx, toolCancel := context.WithCancelCause(ctx)
	defer toolCancel(context.Canceled)

	c.mu.Lock()
	if _, exists := c.inflight[reqID]; exists {
		c.mu.Unlock()
		log.InfoContext(ctx, "engine.handle_request.duplicate_id")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id", nil), nil
	}
	c.inflight[reqID] = toolCancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, reqID)
		c.mu.Unlock()
	}()

	if params.Meta != nil && params.Meta.ProgressToken != nil && notify != nil {
		toolCtx = tools.WithProgressReporter(toolCtx, &progressReporter{token: params.Meta.ProgressToken, notify: notify})
	}

	out, err := c.e.catalog.Execute(toolCtx, c.principal, params.Name, params.Arguments)
	switch {
	case err == nil:
	case errors.Is(err, tools.ErrToolNotFound):
		log.InfoContext(ctx, "engine.handle_request.unknown_tool")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown tool: "+params.Name, nil), nil
	case errors.Is(err, tools.ErrInvalidArguments):
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil), nil
	case toolCtx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled)):
		log.InfoContext(ctx, "engine.handle_request.cancelled", slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil), nil
	default:
		// Execution failures are reported to the model, not as protocol errors.
		log.InfoContext(ctx, "engine.handle_request.tool_error", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewResultResponse(req.ID, &mcp.CallToolResult{
			Content: []mcp.ContentBlock{mcp.TextContent(err.Error())},
			IsError: true,
		})
	}

	text, err := c.e.formatter.Format(out)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.format_fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Duration("dur", time.Since(start)))
	return jsonrpc.NewResultResponse(req.ID, &mcp.CallToolResult{
		Content: []mcp.ContentBlock{mcp.TextContent(text)},
	})
}

type progressReporter struct {
	token  mcp.ProgressToken
	notify NotifyFunc
}

func (p *progressReporter) Report(ctx context.Context, progress, total float64, message string) error {
	note, err := jsonrpc.NewNotification(string(mcp.ProgressNotificationMethod), &mcp.ProgressNotificationParams{
		ProgressToken: p.token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
	if err != nil {
		return err
	}
	return p.notify(ctx, note)
}
