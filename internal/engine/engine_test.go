package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sessiond/auth"
	"github.com/ggoodman/mcp-sessiond/auth/authtest"
	"github.com/ggoodman/mcp-sessiond/internal/engine"
	"github.com/ggoodman/mcp-sessiond/internal/jsonrpc"
	"github.com/ggoodman/mcp-sessiond/mcp"
	"github.com/ggoodman/mcp-sessiond/tools"
)

type echoArgs struct {
	Text string `json:"text"`
}

func testCatalog(t *testing.T) *tools.Static {
	t.Helper()
	return tools.NewStatic(
		tools.NewTool("echo", func(ctx context.Context, p auth.UserInfo, a echoArgs) (any, error) {
			return p.UserID() + ":" + a.Text, nil
		}),
		tools.NewTool("fail", func(ctx context.Context, _ auth.UserInfo, _ struct{}) (any, error) {
			return nil, errors.New("backend exploded")
		}),
		tools.NewTool("progress", func(ctx context.Context, _ auth.UserInfo, _ struct{}) (any, error) {
			for i := 1; i <= 2; i++ {
				if err := tools.ReportProgress(ctx, float64(i), 2, ""); err != nil {
					return nil, err
				}
			}
			return "done", nil
		}),
		tools.NewTool("block", func(ctx context.Context, _ auth.UserInfo, _ struct{}) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	)
}

func mustMsg(t *testing.T, s string) *jsonrpc.AnyMessage {
	t.Helper()
	var m jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("decode %s: %v", s, err)
	}
	return &m
}

func initialize(t *testing.T, c *engine.Conn) *mcp.InitializeResult {
	t.Helper()
	res, err := c.Handle(t.Context(), mustMsg(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`), nil)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("initialize error: %+v", res.Error)
	}
	var out mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}
	return &out
}

func TestInitialize_NegotiatesOnce(t *testing.T) {
	e := engine.New(testCatalog(t), engine.WithServerInfo(mcp.ImplementationInfo{Name: "srv", Version: "1.2.3"}))
	c := e.Open(authtest.User("alice"))

	out := initialize(t, c)
	if out.ProtocolVersion != "2025-03-26" {
		t.Fatalf("protocol version = %q", out.ProtocolVersion)
	}
	if out.ServerInfo.Name != "srv" || out.Capabilities.Tools == nil {
		t.Fatalf("unexpected result: %+v", out)
	}

	res, err := c.Handle(t.Context(), mustMsg(t, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{}}`), nil)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected duplicate initialize to fail, got %+v", res)
	}
}

func TestInitialize_UnknownVersionFallsBackToLatest(t *testing.T) {
	c := engine.New(testCatalog(t)).Open(authtest.User("alice"))
	res, err := c.Handle(t.Context(), mustMsg(t, `{"jsonrpc":"2.0","id":"a","method":"initialize","params":{"protocolVersion":"1999-01-01"}}`), nil)
	if err != nil || res.Error != nil {
		t.Fatalf("initialize: %v %+v", err, res)
	}
	if c.ProtocolVersion() != mcp.LatestProtocolVersion {
		t.Fatalf("protocol version = %q", c.ProtocolVersion())
	}
}

func TestNotifications_ReturnNoResponse(t *testing.T) {
	c := engine.New(testCatalog(t)).Open(authtest.User("alice"))
	initialize(t, c)

	res, err := c.Handle(t.Context(), mustMsg(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`), nil)
	if err != nil || res != nil {
		t.Fatalf("expected nil response, got %+v, %v", res, err)
	}
	if !c.Ready() {
		t.Fatalf("expected conn to be ready")
	}
}

func TestToolsBeforeInitialize(t *testing.T) {
	c := engine.New(testCatalog(t)).Open(authtest.User("alice"))
	res, err := c.Handle(t.Context(), mustMsg(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`), nil)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected not-initialized error, got %+v", res)
	}
}

func TestPingAndUnknownMethod(t *testing.T) {
	c := engine.New(testCatalog(t)).Open(authtest.User("alice"))

	res, err := c.Handle(t.Context(), mustMsg(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`), nil)
	if err != nil || res.Error != nil {
		t.Fatalf("ping: %v %+v", err, res)
	}

	res, err = c.Handle(t.Context(), mustMsg(t, `{"jsonrpc":"2.0","id":2,"method":"resources/list"}`), nil)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", res)
	}
}

func TestToolsList(t *testing.T) {
	c := engine.New(testCatalog(t)).Open(authtest.User("alice"))
	initialize(t, c)

	res, err := c.Handle(t.Context(), mustMsg(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`), nil)
	if err != nil || res.Error != nil {
		t.Fatalf("tools/list: %v %+v", err, res)
	}
	var out mcp.ListToolsResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Tools) != 4 || out.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", out.Tools)
	}
}

func callTool(t *testing.T, c *engine.Conn, body string, notify engine.NotifyFunc) *jsonrpc.Response {
	t.Helper()
	res, err := c.Handle(t.Context(), mustMsg(t, body), notify)
	if err != nil {
		t.Fatalf("tools/call: %v", err)
	}
	return res
}

func decodeCallResult(t *testing.T, res *jsonrpc.Response) mcp.CallToolResult {
	t.Helper()
	if res.Error != nil {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
	var out mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestToolsCall(t *testing.T) {
	c := engine.New(testCatalog(t)).Open(authtest.User("alice"))
	initialize(t, c)

	t.Run("ok", func(t *testing.T) {
		out := decodeCallResult(t, callTool(t, c, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`, nil))
		if out.IsError || len(out.Content) != 1 || out.Content[0].Text != "alice:hi" {
			t.Fatalf("unexpected result: %+v", out)
		}
	})

	t.Run("execution failure is a tool error", func(t *testing.T) {
		out := decodeCallResult(t, callTool(t, c, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"fail"}}`, nil))
		if !out.IsError || out.Content[0].Text != "backend exploded" {
			t.Fatalf("unexpected result: %+v", out)
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		res := callTool(t, c, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"nope"}}`, nil)
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
			t.Fatalf("expected invalid params, got %+v", res)
		}
	})

	t.Run("invalid arguments", func(t *testing.T) {
		res := callTool(t, c, `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"echo","arguments":{"text":1}}}`, nil)
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
			t.Fatalf("expected invalid params, got %+v", res)
		}
	})

	t.Run("missing name", func(t *testing.T) {
		res := callTool(t, c, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{}}`, nil)
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
			t.Fatalf("expected invalid params, got %+v", res)
		}
	})
}

func TestToolsCall_FormatterApplied(t *testing.T) {
	f := tools.FormatterFunc(func(result any) (string, error) { return "formatted", nil })
	c := engine.New(testCatalog(t), engine.WithFormatter(f)).Open(authtest.User("alice"))
	initialize(t, c)

	out := decodeCallResult(t, callTool(t, c, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`, nil))
	if out.Content[0].Text != "formatted" {
		t.Fatalf("text = %q", out.Content[0].Text)
	}
}

func TestToolsCall_Progress(t *testing.T) {
	c := engine.New(testCatalog(t)).Open(authtest.User("alice"))
	initialize(t, c)

	var notes []*jsonrpc.Request
	notify := func(ctx context.Context, n *jsonrpc.Request) error {
		notes = append(notes, n)
		return nil
	}
	decodeCallResult(t, callTool(t, c, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"progress","_meta":{"progressToken":"tok"}}}`, notify))

	if len(notes) != 2 {
		t.Fatalf("expected 2 progress notifications, got %d", len(notes))
	}
	var p mcp.ProgressNotificationParams
	if err := json.Unmarshal(notes[1].Params, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if notes[1].Method != string(mcp.ProgressNotificationMethod) || p.ProgressToken != "tok" || p.Progress != 2 || p.Total != 2 {
		t.Fatalf("unexpected notification: %s %+v", notes[1].Method, p)
	}

	notes = nil
	decodeCallResult(t, callTool(t, c, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"progress"}}`, notify))
	if len(notes) != 0 {
		t.Fatalf("expected no notifications without a progress token, got %d", len(notes))
	}
}

func TestToolsCall_Cancelled(t *testing.T) {
	c := engine.New(testCatalog(t)).Open(authtest.User("alice"))
	initialize(t, c)

	var res *jsonrpc.Response
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, _ = c.Handle(t.Context(), mustMsg(t, `{"jsonrpc":"2.0","id":"blk","method":"tools/call","params":{"name":"block"}}`), nil)
	}()

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
wait:
	for {
		_, _ = c.Handle(t.Context(), mustMsg(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"blk"}}`), nil)
		select {
		case <-done:
			break wait
		case <-deadline:
			t.Fatalf("tool call was not cancelled")
		case <-tick.C:
		}
	}

	if res == nil || res.Error == nil || res.Error.Message != "cancelled" {
		t.Fatalf("expected cancelled error, got %+v", res)
	}
}
