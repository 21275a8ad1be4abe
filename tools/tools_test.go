package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-sessiond/auth"
	"github.com/ggoodman/mcp-sessiond/auth/authtest"
	"github.com/ggoodman/mcp-sessiond/tools"
)

type greetArgs struct {
	Name  string `json:"name" jsonschema:"description=Who to greet"`
	Times int    `json:"times,omitempty"`
}

func greetTool() tools.Tool {
	return tools.NewTool("greet", func(ctx context.Context, principal auth.UserInfo, args greetArgs) (any, error) {
		n := args.Times
		if n == 0 {
			n = 1
		}
		return strings.Repeat("hello "+args.Name+" from "+principal.UserID()+"\n", n), nil
	}, tools.WithDescription("Greets someone"))
}

func TestNewTool_ReflectsSchema(t *testing.T) {
	tool := greetTool()
	s := tool.Descriptor.InputSchema
	if s.Type != "object" {
		t.Fatalf("type = %q", s.Type)
	}
	if s.AdditionalProperties {
		t.Fatalf("strict tools must not allow additional properties")
	}
	name, ok := s.Properties["name"]
	if !ok || name.Type != "string" || name.Description != "Who to greet" {
		t.Fatalf("unexpected name property: %+v", name)
	}
	if times := s.Properties["times"]; times.Type != "integer" {
		t.Fatalf("unexpected times property: %+v", times)
	}
	if len(s.Required) != 1 || s.Required[0] != "name" {
		t.Fatalf("required = %v", s.Required)
	}
}

func TestStatic_Execute(t *testing.T) {
	cat := tools.NewStatic(greetTool())
	alice := authtest.User("alice")

	res, err := cat.Execute(t.Context(), alice, "greet", json.RawMessage(`{"name":"bob"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res != "hello bob from alice\n" {
		t.Fatalf("result = %q", res)
	}

	if _, err := cat.Execute(t.Context(), alice, "greet", json.RawMessage(`{"name":"bob","extra":1}`)); !errors.Is(err, tools.ErrInvalidArguments) {
		t.Fatalf("want ErrInvalidArguments, got %v", err)
	}
	if _, err := cat.Execute(t.Context(), alice, "missing", nil); !errors.Is(err, tools.ErrToolNotFound) {
		t.Fatalf("want ErrToolNotFound, got %v", err)
	}
}

func TestNewTool_AnonymousArgs(t *testing.T) {
	noArgs := tools.NewTool("now", func(ctx context.Context, _ auth.UserInfo, _ struct{}) (any, error) {
		return "tick", nil
	})
	s := noArgs.Descriptor.InputSchema
	if s.Type != "object" || len(s.Properties) != 0 || len(s.Required) != 0 {
		t.Fatalf("unexpected schema for struct{} args: %+v", s)
	}
	if s.AdditionalProperties {
		t.Fatalf("strict tools must not allow additional properties")
	}
	res, err := tools.NewStatic(noArgs).Execute(t.Context(), authtest.User("alice"), "now", nil)
	if err != nil || res != "tick" {
		t.Fatalf("res = %v, err = %v", res, err)
	}

	inline := tools.NewTool("say", func(ctx context.Context, _ auth.UserInfo, args struct {
		Text string `json:"text"`
	}) (any, error) {
		return args.Text, nil
	})
	if p, ok := inline.Descriptor.InputSchema.Properties["text"]; !ok || p.Type != "string" {
		t.Fatalf("unexpected schema for inline args: %+v", inline.Descriptor.InputSchema)
	}
}

func TestStatic_ReplaceLastWins(t *testing.T) {
	other := tools.NewTool("greet", func(ctx context.Context, _ auth.UserInfo, _ struct{}) (any, error) {
		return "replaced", nil
	}, tools.WithAllowAdditionalProperties(true))
	cat := tools.NewStatic(greetTool(), other)

	list, err := cat.ListTools(t.Context(), authtest.User("alice"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected a single tool, got %d", len(list))
	}
	res, err := cat.Execute(t.Context(), authtest.User("alice"), "greet", json.RawMessage(`{"anything":true}`))
	if err != nil || res != "replaced" {
		t.Fatalf("res = %v, err = %v", res, err)
	}
}

type stringer struct{}

func (stringer) String() string { return "custom" }

func TestDefaultFormatter(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{name: "string", in: "plain", want: "plain"},
		{name: "bytes", in: []byte("raw"), want: "raw"},
		{name: "stringer", in: stringer{}, want: "custom"},
		{name: "nil", in: nil, want: ""},
		{name: "map", in: map[string]int{"a": 1}, want: "{\n  \"a\": 1\n}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tools.DefaultFormatter.Format(tt.in)
			if err != nil {
				t.Fatalf("format: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := tools.DefaultFormatter.Format(make(chan int)); err == nil {
		t.Fatalf("expected error for unencodable value")
	}
}

type recordingReporter struct{ calls int }

func (r *recordingReporter) Report(ctx context.Context, progress, total float64, message string) error {
	r.calls++
	return nil
}

func TestReportProgress(t *testing.T) {
	if err := tools.ReportProgress(t.Context(), 1, 2, ""); err != nil {
		t.Fatalf("no reporter should be a no-op: %v", err)
	}
	rr := &recordingReporter{}
	ctx := tools.WithProgressReporter(t.Context(), rr)
	if err := tools.ReportProgress(ctx, 1, 2, "half"); err != nil {
		t.Fatalf("report: %v", err)
	}
	if rr.calls != 1 {
		t.Fatalf("calls = %d", rr.calls)
	}
}
