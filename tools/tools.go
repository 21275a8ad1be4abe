// Package tools defines the tool-execution contract the gateway forwards
// tools/list and tools/call to, plus a static in-process catalog.
//
// A Catalog is the execution backend: it lists the tools visible to a
// principal and executes a named tool on that principal's behalf. A Formatter
// turns whatever a tool returns into the text shown to the model.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-sessiond/auth"
	"github.com/ggoodman/mcp-sessiond/mcp"
)

var (
	// ErrToolNotFound is returned by Execute for an unknown tool name.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidArguments is returned by Execute when arguments do not decode.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Catalog lists and executes tools for a principal.
type Catalog interface {
	ListTools(ctx context.Context, principal auth.UserInfo) ([]mcp.Tool, error)
	Execute(ctx context.Context, principal auth.UserInfo, name string, params json.RawMessage) (any, error)
}

// Formatter converts a tool result into human-readable text.
type Formatter interface {
	Format(result any) (string, error)
}

// FormatterFunc adapts a function to the Formatter interface.
type FormatterFunc func(result any) (string, error)

func (f FormatterFunc) Format(result any) (string, error) { return f(result) }

// DefaultFormatter renders strings and byte slices verbatim, values
// implementing fmt.Stringer through String, and everything else as indented
// JSON.
var DefaultFormatter Formatter = FormatterFunc(formatDefault)

func formatDefault(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format result: %w", err)
	}
	return string(b), nil
}
