package sandbox

import (
	"strings"

	"github.com/dop251/goja"
)

// LogLevel tags a captured console entry.
type LogLevel string

const (
	LevelLog   LogLevel = "LOG"
	LevelError LogLevel = "ERROR"
	LevelWarn  LogLevel = "WARN"
)

// consoleMethods maps the console functions exposed to scripts to their level.
var consoleMethods = []struct {
	name  string
	level LogLevel
}{
	{"log", LevelLog},
	{"error", LevelError},
	{"warn", LevelWarn},
}

const truncatedNotice = "WARN: console output truncated"

// LogBuffer collects console output for exactly one execution.
// It is owned by the evaluating goroutine and is not safe for concurrent use.
type LogBuffer struct {
	entries   []string
	size      int
	limit     int
	truncated bool
}

// NewLogBuffer creates an empty buffer holding at most limit bytes of entries.
func NewLogBuffer(limit int) *LogBuffer {
	return &LogBuffer{limit: limit}
}

// Append records msg with the level prefix. Entries past the byte limit are
// discarded and a single truncation notice is kept instead.
func (b *LogBuffer) Append(level LogLevel, msg string) {
	entry := string(level) + ": " + msg
	if b.truncated {
		return
	}
	if b.limit > 0 && b.size+len(entry) > b.limit {
		b.truncated = true
		b.entries = append(b.entries, truncatedNotice)
		return
	}
	b.size += len(entry)
	b.entries = append(b.entries, entry)
}

// Len returns the number of recorded entries.
func (b *LogBuffer) Len() int {
	return len(b.entries)
}

// Drain hands the entries to the caller and leaves the buffer empty.
func (b *LogBuffer) Drain() []string {
	out := b.entries
	if out == nil {
		out = []string{}
	}
	b.entries = nil
	b.size = 0
	b.truncated = false
	return out
}

// newConsole builds the console object whose methods write into logs.
func newConsole(vm *goja.Runtime, logs *LogBuffer) (*goja.Object, error) {
	c := vm.NewObject()
	for _, m := range consoleMethods {
		level := m.level
		err := c.Set(m.name, func(call goja.FunctionCall) goja.Value {
			logs.Append(level, joinArgs(call.Arguments))
			return goja.Undefined()
		})
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// joinArgs renders console arguments the way Array.prototype.join does.
func joinArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a == nil || goja.IsUndefined(a) || goja.IsNull(a) {
			continue
		}
		parts[i] = a.String()
	}
	return strings.Join(parts, " ")
}
