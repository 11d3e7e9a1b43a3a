package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dop251/goja"

	"github.com/jkaninda/cometx/internal/protocol"
)

// Evaluator runs one request at a time in a brand new JavaScript runtime.
// No runtime state is shared between calls.
type Evaluator struct {
	cfg    Config
	logger *slog.Logger
}

// NewEvaluator creates an evaluator with the given limits.
func NewEvaluator(cfg Config, logger *slog.Logger) *Evaluator {
	return &Evaluator{cfg: cfg, logger: orDefault(logger)}
}

// Evaluate executes req and always returns exactly one response.
// Cancelling ctx interrupts the running script.
func (e *Evaluator) Evaluate(ctx context.Context, req *protocol.Request) (resp *protocol.Response) {
	logs := NewLogBuffer(e.cfg.maxLogBytes())

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("evaluator panic",
				slog.String("request_id", req.ID),
				slog.Any("panic", r),
			)
			resp = protocol.NewError(req.ID, fmt.Sprintf("internal error: %v", r), logs.Drain())
		}
	}()

	result, err := e.run(ctx, req, logs)
	if err != nil {
		return protocol.NewError(req.ID, errorMessage(err), logs.Drain())
	}
	return protocol.NewResult(req.ID, result, logs.Drain())
}

func (e *Evaluator) run(ctx context.Context, req *protocol.Request, logs *LogBuffer) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(e.cfg.maxCallStackSize())
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	in, err := captureIntrinsics(vm)
	if err != nil {
		return nil, fmt.Errorf("preparing runtime: %w", err)
	}

	b := newScopeBuilder(vm, e.cfg.collision())
	for _, entry := range AllowList {
		v, err := in.capability(entry, logs)
		if err != nil {
			return nil, fmt.Errorf("building scope: %w", err)
		}
		b.add(entry.Name, v)
	}
	if err := b.merge(req.Context); err != nil {
		return nil, err
	}
	if len(b.dropped) > 0 {
		e.logger.Warn("context keys dropped",
			slog.String("request_id", req.ID),
			slog.Any("keys", b.dropped),
		)
	}
	scope := b.build()

	if err := clearGlobals(vm); err != nil {
		return nil, fmt.Errorf("clearing globals: %w", err)
	}

	prg, err := goja.Compile("snippet.js", wrapSnippet(scope.names, req.Code), false)
	if err != nil {
		return nil, err
	}
	fnValue, err := vm.RunProgram(prg)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, errors.New("compiled snippet is not callable")
	}
	ret, err := fn(goja.Undefined(), scope.values...)
	if err != nil {
		return nil, err
	}
	return in.encode(ret)
}

// wrapSnippet turns code into the body of an anonymous function whose only
// free variables are the scope parameters. The prologue stays on the first
// line so compiler positions match the caller's line numbers.
func wrapSnippet(names []string, code string) string {
	var sb strings.Builder
	sb.WriteString("(function(")
	sb.WriteString(strings.Join(names, ", "))
	sb.WriteString(") { \"use strict\"; return (function() { ")
	sb.WriteString(code)
	sb.WriteString("\n})();\n})")
	return sb.String()
}

// intrinsics holds the built-ins captured before the global object is emptied.
type intrinsics struct {
	vm        *goja.Runtime
	types     map[string]goja.Value
	math      *goja.Object
	freeze    goja.Callable
	stringify goja.Callable
}

func captureIntrinsics(vm *goja.Runtime) (*intrinsics, error) {
	global := vm.GlobalObject()
	in := &intrinsics{vm: vm, types: make(map[string]goja.Value)}

	for _, entry := range AllowList {
		if entry.Capability != CapDataType {
			continue
		}
		v := global.Get(entry.Name)
		if v == nil || goja.IsUndefined(v) {
			return nil, fmt.Errorf("built-in %s missing", entry.Name)
		}
		in.types[entry.Name] = v
	}

	in.math = global.Get("Math").ToObject(vm)

	var ok bool
	in.freeze, ok = goja.AssertFunction(in.types["Object"].ToObject(vm).Get("freeze"))
	if !ok {
		return nil, errors.New("Object.freeze is not callable")
	}
	in.stringify, ok = goja.AssertFunction(in.types["JSON"].ToObject(vm).Get("stringify"))
	if !ok {
		return nil, errors.New("JSON.stringify is not callable")
	}
	return in, nil
}

// capability materializes one allow-list entry for the current execution.
func (in *intrinsics) capability(entry ScopeEntry, logs *LogBuffer) (goja.Value, error) {
	switch entry.Capability {
	case CapMath:
		return in.restrictedMath()
	case CapConsole:
		return newConsole(in.vm, logs)
	case CapDataType:
		return in.types[entry.Name], nil
	default:
		return nil, fmt.Errorf("unknown capability %s for %s", entry.Capability, entry.Name)
	}
}

// restrictedMath copies the allow-listed members onto a frozen object.
func (in *intrinsics) restrictedMath() (goja.Value, error) {
	m := in.vm.NewObject()
	for _, name := range MathFunctions {
		if err := m.Set(name, in.math.Get(name)); err != nil {
			return nil, err
		}
	}
	for _, name := range MathConstants {
		if err := m.Set(name, in.math.Get(name)); err != nil {
			return nil, err
		}
	}
	if _, err := in.freeze(goja.Undefined(), m); err != nil {
		return nil, err
	}
	return m, nil
}

// encode normalizes a returned value to JSON. Undefined yields no result.
func (in *intrinsics) encode(v goja.Value) (json.RawMessage, error) {
	if v == nil || goja.IsUndefined(v) {
		return nil, nil
	}
	out, err := in.stringify(goja.Undefined(), v)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(out) {
		return nil, nil
	}
	return json.RawMessage(out.String()), nil
}

// clearGlobals deletes every configurable property of the global object.
// undefined, NaN and Infinity are non-configurable and survive.
func clearGlobals(vm *goja.Runtime) error {
	names, err := vm.RunString("Object.getOwnPropertyNames(globalThis)")
	if err != nil {
		return err
	}
	var list []string
	if err := vm.ExportTo(names, &list); err != nil {
		return err
	}
	global := vm.GlobalObject()
	for _, name := range list {
		_ = global.Delete(name)
	}
	return nil
}

// errorMessage extracts the text reported to the caller for a failed execution.
func errorMessage(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if obj, ok := ex.Value().(*goja.Object); ok {
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) && !goja.IsNull(msg) {
				if s := msg.String(); s != "" {
					return s
				}
			}
		}
		if v := ex.Value(); v != nil {
			return v.String()
		}
	}

	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return "RangeError: Maximum call stack size exceeded"
	}

	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		return "SyntaxError: " + syntaxErr.Message
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return "execution interrupted"
	}

	if msg := err.Error(); msg != "" {
		return msg
	}
	return "Unknown worker error"
}
