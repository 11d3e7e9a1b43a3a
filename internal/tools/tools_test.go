package tools

import (
	"context"
	"strings"
	"testing"
)

type stubTool struct{ name string }

func (s stubTool) Name() string                  { return s.name }
func (s stubTool) Description() string           { return "stub" }
func (s stubTool) InputSchema() map[string]any   { return map[string]any{"type": "object"} }
func (s stubTool) Validate(map[string]any) error { return nil }
func (s stubTool) Execute(context.Context, map[string]any) (*Result, error) {
	return &Result{Output: s.name, Success: true}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool{"b"})
	r.Register(stubTool{"a"})

	if got := r.List(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("List() = %v, want [a b]", got)
	}
	if r.Get("a") == nil || r.Get("missing") != nil {
		t.Error("Get returned wrong tools")
	}
	if all := r.All(); len(all) != 2 || all[0].Name() != "a" {
		t.Errorf("All() = %v", all)
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	r := NewRegistry()
	r.Register(stubTool{"a"})
	r.Register(stubTool{"a"})
}

func TestUserIDContext(t *testing.T) {
	ctx := ContextWithUserID(context.Background(), "u1")
	if got := UserIDFromContext(ctx); got != "u1" {
		t.Errorf("UserIDFromContext = %q", got)
	}
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Errorf("UserIDFromContext(empty) = %q", got)
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := TruncateOutput("short", 100); got != "short" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("x", 100)
	got := TruncateOutput(long, 50)
	if len(got) != 50 || !strings.HasSuffix(got, "[output truncated]") {
		t.Errorf("TruncateOutput = %q (%d bytes)", got, len(got))
	}
}

func TestRequireString(t *testing.T) {
	if _, err := RequireString(map[string]any{}, "k"); err == nil {
		t.Error("missing key should error")
	}
	if v, err := RequireString(map[string]any{"k": "v"}, "k"); err != nil || v != "v" {
		t.Errorf("RequireString = %q, %v", v, err)
	}
	if m, err := OptionalObject(map[string]any{}, "k"); err != nil || m != nil {
		t.Errorf("OptionalObject(missing) = %v, %v", m, err)
	}
}
