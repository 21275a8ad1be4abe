// Package logctx decorates slog records with request, session and rpc
// attributes carried on the context.
package logctx

import (
	"context"
	"log/slog"
)

// scope is a context value that renders itself as one attribute group.
type scope interface {
	group() string
	slog.LogValuer
}

type scopeKey struct{ name string }

// groups is the fixed emission order of context scopes.
var groups = []string{"req", "sess", "rpc"}

// Handler appends a group for each scope found on the record's context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	for _, name := range groups {
		if s, ok := ctx.Value(scopeKey{name}).(scope); ok {
			r.AddAttrs(slog.Attr{Key: s.group(), Value: s.LogValue()})
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Wrap decorates log with Handler unless it already is. A nil logger wraps
// slog.Default().
func Wrap(log *slog.Logger) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	if _, ok := log.Handler().(Handler); ok {
		return log
	}
	return slog.New(Handler{Handler: log.Handler()})
}

func with(ctx context.Context, s scope) context.Context {
	return context.WithValue(ctx, scopeKey{s.group()}, s)
}

// RequestData describes the inbound HTTP request.
type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func (*RequestData) group() string { return "req" }

func (d *RequestData) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", d.RequestID),
		slog.String("method", d.Method),
		slog.String("user_agent", d.UserAgent),
		slog.String("remote_addr", d.RemoteAddr),
		slog.String("path", d.Path),
	)
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return with(ctx, data)
}

// SessionData identifies the session and the principal that owns it.
type SessionData struct {
	SessionID string
	UserID    string
}

func (*SessionData) group() string { return "sess" }

func (d *SessionData) LogValue() slog.Value {
	return slog.GroupValue(slog.String("id", d.SessionID), slog.String("user_id", d.UserID))
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return with(ctx, data)
}

// RPCMessage describes the JSON-RPC message being handled.
type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func (*RPCMessage) group() string { return "rpc" }

func (m *RPCMessage) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("method", m.Method), slog.String("type", m.Type)}
	if m.ID != "" {
		attrs = append(attrs, slog.String("id", m.ID))
	}
	return slog.GroupValue(attrs...)
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return with(ctx, msg)
}
