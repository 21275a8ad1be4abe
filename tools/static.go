package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/ggoodman/mcp-sessiond/auth"
	"github.com/ggoodman/mcp-sessiond/mcp"
)

// Handler executes one tool call.
type Handler func(ctx context.Context, principal auth.UserInfo, args json.RawMessage) (any, error)

// Tool pairs an MCP tool descriptor with its handler.
type Tool struct {
	Descriptor mcp.Tool
	Handler    Handler
}

// ToolOption configures NewTool.
type ToolOption func(*toolConfig)

type toolConfig struct {
	title                     string
	description               string
	allowAdditionalProperties bool
}

// WithDescription sets the tool description used in listings.
func WithDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithTitle sets the human-facing tool title.
func WithTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithAllowAdditionalProperties controls whether unknown argument fields are
// accepted. By default the schema sets additionalProperties=false and
// decoding rejects unknown fields.
func WithAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool builds a Tool from a typed argument struct A. The input schema is
// reflected from A and arguments are decoded into A before fn runs.
func NewTool[A any](name string, fn func(ctx context.Context, principal auth.UserInfo, args A) (any, error), opts ...ToolOption) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	desc := mcp.Tool{
		Name:        name,
		Title:       cfg.title,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
	}

	handler := func(ctx context.Context, principal auth.UserInfo, raw json.RawMessage) (any, error) {
		var a A
		if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(raw))
			if !cfg.allowAdditionalProperties {
				dec.DisallowUnknownFields()
			}
			if err := dec.Decode(&a); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
			}
		}
		return fn(ctx, principal, a)
	}

	return Tool{Descriptor: desc, Handler: handler}
}

// reflectInputSchema reflects A into the simplified MCP input schema.
func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	// The reflector keys expanded structs by type name, so anonymous argument
	// types such as struct{} must be reflected without expansion.
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            reflect.TypeOf(new(A)).Elem().Name() != "",
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	out := mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           map[string]mcp.SchemaProperty{},
		AdditionalProperties: allowAdditional,
	}
	if s == nil || s.Type != "object" {
		return out
	}
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			out.Properties[el.Key] = toSchemaProperty(el.Value)
		}
	}
	out.Required = append(out.Required, s.Required...)
	return out
}

func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{Type: s.Type, Description: s.Description}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		p.Properties = make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			p.Properties[el.Key] = toSchemaProperty(el.Value)
		}
	}
	return p
}

// Static is an in-memory Catalog. Every principal sees the same tools.
type Static struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]Handler
}

// NewStatic returns a catalog serving defs. On duplicate names the last
// definition wins.
func NewStatic(defs ...Tool) *Static {
	s := &Static{}
	s.Replace(defs...)
	return s
}

// Replace atomically swaps the tool set.
func (s *Static) Replace(defs ...Tool) {
	tools := make([]mcp.Tool, 0, len(defs))
	handlers := make(map[string]Handler, len(defs))
	index := make(map[string]int, len(defs))
	for _, d := range defs {
		name := d.Descriptor.Name
		if i, ok := index[name]; ok {
			tools[i] = d.Descriptor
		} else {
			index[name] = len(tools)
			tools = append(tools, d.Descriptor)
		}
		handlers[name] = d.Handler
	}
	s.mu.Lock()
	s.tools = tools
	s.handlers = handlers
	s.mu.Unlock()
}

func (s *Static) ListTools(ctx context.Context, principal auth.UserInfo) ([]mcp.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mcp.Tool, len(s.tools))
	copy(out, s.tools)
	return out, nil
}

func (s *Static) Execute(ctx context.Context, principal auth.UserInfo, name string, params json.RawMessage) (any, error) {
	s.mu.RLock()
	h := s.handlers[name]
	s.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return h(ctx, principal, params)
}

var _ Catalog = (*Static)(nil)
