package sandbox

import (
	"errors"
	"testing"
)

func TestAllowListIsComplete(t *testing.T) {
	want := map[string]Capability{
		"Math":    CapMath,
		"console": CapConsole,
		"JSON":    CapDataType,
		"Array":   CapDataType,
		"Object":  CapDataType,
		"String":  CapDataType,
		"Number":  CapDataType,
		"Boolean": CapDataType,
		"Date":    CapDataType,
	}
	if len(AllowList) != len(want) {
		t.Fatalf("AllowList has %d entries, want %d", len(AllowList), len(want))
	}
	seen := make(map[string]bool)
	for _, e := range AllowList {
		if seen[e.Name] {
			t.Errorf("duplicate allow-list entry %q", e.Name)
		}
		seen[e.Name] = true
		c, ok := want[e.Name]
		if !ok {
			t.Errorf("unexpected allow-list entry %q", e.Name)
			continue
		}
		if c != e.Capability {
			t.Errorf("%s capability = %s, want %s", e.Name, e.Capability, c)
		}
	}
}

func TestMathMembers(t *testing.T) {
	want := []string{
		"abs", "acos", "asin", "atan", "atan2", "ceil", "cos", "exp", "floor",
		"log", "max", "min", "pow", "random", "round", "sin", "sqrt", "tan",
	}
	if len(MathFunctions) != len(want) {
		t.Fatalf("MathFunctions = %v, want %v", MathFunctions, want)
	}
	for i := range want {
		if MathFunctions[i] != want[i] {
			t.Errorf("MathFunctions[%d] = %q, want %q", i, MathFunctions[i], want[i])
		}
	}
	if len(MathConstants) != 2 || MathConstants[0] != "PI" || MathConstants[1] != "E" {
		t.Errorf("MathConstants = %v, want [PI E]", MathConstants)
	}
}

func TestValidateContextKey(t *testing.T) {
	valid := []string{"x", "_private", "$el", "userName", "a1"}
	for _, k := range valid {
		if err := ValidateContextKey(k); err != nil {
			t.Errorf("ValidateContextKey(%q) = %v, want nil", k, err)
		}
	}

	invalid := []string{"", "1abc", "a-b", "with space", "return", "class", "eval", "arguments",
		"console", "Math", "JSON", "undefined", "globalThis", "a);alert(1"}
	for _, k := range invalid {
		err := ValidateContextKey(k)
		if err == nil {
			t.Errorf("ValidateContextKey(%q) = nil, want error", k)
			continue
		}
		if !errors.Is(err, ErrContextCollision) {
			t.Errorf("ValidateContextKey(%q) error = %v, want ErrContextCollision", k, err)
		}
	}
}

func TestIsReserved(t *testing.T) {
	for _, e := range AllowList {
		if !IsReserved(e.Name) {
			t.Errorf("IsReserved(%q) = false, want true", e.Name)
		}
	}
	if IsReserved("total") {
		t.Error("IsReserved(\"total\") = true, want false")
	}
}

func TestWrapSnippet(t *testing.T) {
	got := wrapSnippet([]string{"Math", "x"}, "return x;")
	want := "(function(Math, x) { \"use strict\"; return (function() { return x;\n})();\n})"
	if got != want {
		t.Errorf("wrapSnippet =\n%s\nwant\n%s", got, want)
	}
}

func TestLogBuffer(t *testing.T) {
	b := NewLogBuffer(0)
	b.Append(LevelLog, "hi")
	b.Append(LevelWarn, "careful")
	b.Append(LevelError, "bad")

	got := b.Drain()
	want := []string{"LOG: hi", "WARN: careful", "ERROR: bad"}
	if len(got) != len(want) {
		t.Fatalf("Drain() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
	if b.Len() != 0 {
		t.Errorf("Len() after Drain = %d, want 0", b.Len())
	}
	if empty := b.Drain(); empty == nil || len(empty) != 0 {
		t.Errorf("Drain() on empty buffer = %#v, want empty non-nil slice", empty)
	}
}

func TestLogBufferLimit(t *testing.T) {
	b := NewLogBuffer(20)
	b.Append(LevelLog, "0123456789") // 15 bytes with prefix
	b.Append(LevelLog, "0123456789")
	b.Append(LevelLog, "more")

	got := b.Drain()
	if len(got) != 2 {
		t.Fatalf("Drain() = %v, want first entry plus truncation notice", got)
	}
	if got[1] != truncatedNotice {
		t.Errorf("last entry = %q, want %q", got[1], truncatedNotice)
	}
}
