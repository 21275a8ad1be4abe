// Package engine implements the MCP protocol state machine for a single
// session: the initialize handshake, ping, and forwarding of tools/list and
// tools/call to a tools.Catalog on behalf of the session's principal.
//
// The engine is transport-agnostic. The streaming HTTP and stdio transports
// decode JSON-RPC messages and hand them to a Conn; whatever the Conn returns
// is written back by the transport.
package engine

import (
	"errors"
	"log/slog"

	"github.com/ggoodman/mcp-sessiond/auth"
	"github.com/ggoodman/mcp-sessiond/mcp"
	"github.com/ggoodman/mcp-sessiond/tools"
)

var (
	ErrCancelled = errors.New("operation cancelled")
	ErrInternal  = errors.New("internal error")
)

// Engine holds the configuration shared by every session. It is safe for
// concurrent use; per-session state lives on Conn.
type Engine struct {
	catalog      tools.Catalog
	formatter    tools.Formatter
	info         mcp.ImplementationInfo
	instructions string
	log          *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithFormatter sets the formatter used to render tool results as text.
func WithFormatter(f tools.Formatter) Option {
	return func(e *Engine) {
		if f != nil {
			e.formatter = f
		}
	}
}

// WithServerInfo sets the implementation info reported during initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(e *Engine) { e.info = info }
}

// WithInstructions sets the instructions string returned from initialize.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instructions = s }
}

// WithLogger sets the logger used by the engine and every Conn it opens.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New returns an engine forwarding tool traffic to catalog.
func New(catalog tools.Catalog, opts ...Option) *Engine {
	e := &Engine{
		catalog:   catalog,
		formatter: tools.DefaultFormatter,
		info:      mcp.ImplementationInfo{Name: "mcp-sessiond", Version: "dev"},
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open returns the protocol state for a new session bound to principal.
func (e *Engine) Open(principal auth.UserInfo) *Conn {
	return &Conn{
		e:         e,
		principal: principal,
		inflight:  make(map[string]func(error)),
	}
}
