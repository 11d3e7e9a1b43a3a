package code

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jkaninda/cometx/internal/execution"
)

// detector extracts a runnable snippet from free-form text.
type detector struct {
	pattern    *regexp.Regexp
	expression bool // captured text is an expression, not a function body
}

// detectors are tried in priority order.
var detectors = []detector{
	{pattern: regexp.MustCompile("```(?:javascript|js)?\\s*([\\s\\S]*?)```")},
	{pattern: regexp.MustCompile(`eval\((.*?)\)`), expression: true},
	{pattern: regexp.MustCompile(`(?i)calculate\s*:?\s*(.*)`), expression: true},
	{pattern: regexp.MustCompile(`(?i)compute\s*:?\s*(.*)`), expression: true},
}

// Detect returns the code a message asks to run. Fenced code blocks are used
// as function bodies; eval(...), "calculate:" and "compute:" forms are treated
// as expressions and turned into a return statement.
func Detect(message string) (string, bool) {
	for _, d := range detectors {
		m := d.pattern.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		code := strings.TrimSpace(m[1])
		if code == "" {
			continue
		}
		if d.expression {
			code = execution.MathCode(strings.TrimSuffix(code, ";"))
		}
		return code, true
	}
	return "", false
}

// FormatForPrompt renders a result as the block handed to a conversation layer.
func FormatForPrompt(res *execution.Result) string {
	var sb strings.Builder
	sb.WriteString("Code execution result:\n")
	if res.Success {
		data, err := json.Marshal(res.Result)
		if err != nil {
			data = []byte(fmt.Sprintf("%q", fmt.Sprint(res.Result)))
		}
		if res.Result == nil {
			data = []byte("undefined")
		}
		sb.WriteString("Result: ")
		sb.Write(data)
		sb.WriteString("\n")
	} else {
		sb.WriteString("Error: ")
		sb.WriteString(res.Error)
		sb.WriteString("\n")
	}
	if len(res.Logs) > 0 {
		sb.WriteString("Logs:\n")
		sb.WriteString(strings.Join(res.Logs, "\n"))
	}
	return sb.String()
}

// FormatExecutionTime renders a duration in milliseconds for display.
func FormatExecutionTime(ms float64) string {
	if ms < 1000 {
		return fmt.Sprintf("%.2fms", ms)
	}
	return fmt.Sprintf("%.2fs", ms/1000)
}
