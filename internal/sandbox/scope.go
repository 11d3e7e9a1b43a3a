package sandbox

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"

	"github.com/dop251/goja"
)

// Capability describes what an allow-listed name gives the executed code.
type Capability int

const (
	CapMath Capability = iota
	CapDataType
	CapConsole
)

func (c Capability) String() string {
	switch c {
	case CapMath:
		return "math"
	case CapDataType:
		return "data-type"
	case CapConsole:
		return "console"
	default:
		return "unknown"
	}
}

// ScopeEntry is one row of the allow-list table.
type ScopeEntry struct {
	Name       string
	Capability Capability
}

// AllowList is the complete set of names visible to executed code, in
// parameter order. Nothing outside this table and the caller's context is reachable.
var AllowList = []ScopeEntry{
	{Name: "Math", Capability: CapMath},
	{Name: "console", Capability: CapConsole},
	{Name: "JSON", Capability: CapDataType},
	{Name: "Array", Capability: CapDataType},
	{Name: "Object", Capability: CapDataType},
	{Name: "String", Capability: CapDataType},
	{Name: "Number", Capability: CapDataType},
	{Name: "Boolean", Capability: CapDataType},
	{Name: "Date", Capability: CapDataType},
}

// MathFunctions are the pure numeric functions copied onto the restricted Math object.
var MathFunctions = []string{
	"abs", "acos", "asin", "atan", "atan2", "ceil", "cos", "exp", "floor",
	"log", "max", "min", "pow", "random", "round", "sin", "sqrt", "tan",
}

// MathConstants are the numeric constants copied onto the restricted Math object.
var MathConstants = []string{"PI", "E"}

// CollisionPolicy controls context keys that clash with reserved scope names
// or are not valid parameter names.
type CollisionPolicy string

const (
	// CollisionReject fails the request.
	CollisionReject CollisionPolicy = "reject"
	// CollisionIgnore drops the offending key and keeps the allow-listed value.
	CollisionIgnore CollisionPolicy = "ignore"
)

// ErrContextCollision is returned when a context key is rejected.
var ErrContextCollision = errors.New("invalid context key")

var identifierPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// reservedWords cannot be used as parameter names in strict mode code.
var reservedWords = map[string]struct{}{
	"break": {}, "case": {}, "catch": {}, "class": {}, "const": {}, "continue": {},
	"debugger": {}, "default": {}, "delete": {}, "do": {}, "else": {}, "enum": {},
	"export": {}, "extends": {}, "false": {}, "finally": {}, "for": {}, "function": {},
	"if": {}, "import": {}, "in": {}, "instanceof": {}, "new": {}, "null": {},
	"return": {}, "super": {}, "switch": {}, "this": {}, "throw": {}, "true": {},
	"try": {}, "typeof": {}, "var": {}, "void": {}, "while": {}, "with": {},
	"yield": {}, "let": {}, "static": {}, "implements": {}, "interface": {},
	"package": {}, "private": {}, "protected": {}, "public": {}, "await": {},
	"eval": {}, "arguments": {},
}

// protectedNames are global values the runtime keeps even after the global
// object is emptied; shadowing them would confuse executed code.
var protectedNames = []string{"undefined", "NaN", "Infinity", "globalThis"}

// IsReserved reports whether name is taken by the allow-list or the runtime.
func IsReserved(name string) bool {
	if slices.Contains(protectedNames, name) {
		return true
	}
	for _, e := range AllowList {
		if e.Name == name {
			return true
		}
	}
	return false
}

// ValidateContextKey checks that name can be injected into the restricted scope.
func ValidateContextKey(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q is not a valid identifier", ErrContextCollision, name)
	}
	if _, ok := reservedWords[name]; ok {
		return fmt.Errorf("%w: %q is a reserved word", ErrContextCollision, name)
	}
	if IsReserved(name) {
		return fmt.Errorf("%w: %q collides with a reserved scope name", ErrContextCollision, name)
	}
	return nil
}

// Scope is the ordered list of parameter names and values one execution sees.
type Scope struct {
	names  []string
	values []goja.Value
}

// Names returns the parameter names in binding order.
func (s *Scope) Names() []string {
	return slices.Clone(s.names)
}

// scopeBuilder assembles a Scope from the allow-list and caller context.
type scopeBuilder struct {
	vm      *goja.Runtime
	policy  CollisionPolicy
	scope   Scope
	dropped []string
}

func newScopeBuilder(vm *goja.Runtime, policy CollisionPolicy) *scopeBuilder {
	return &scopeBuilder{vm: vm, policy: policy}
}

func (b *scopeBuilder) add(name string, v goja.Value) {
	b.scope.names = append(b.scope.names, name)
	b.scope.values = append(b.scope.values, v)
}

// merge adds caller context entries after the allow-list, sorted by key.
func (b *scopeBuilder) merge(vars map[string]any) error {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := ValidateContextKey(k); err != nil {
			if b.policy == CollisionIgnore {
				b.dropped = append(b.dropped, k)
				continue
			}
			return err
		}
		b.add(k, b.vm.ToValue(vars[k]))
	}
	return nil
}

func (b *scopeBuilder) build() *Scope {
	return &b.scope
}
