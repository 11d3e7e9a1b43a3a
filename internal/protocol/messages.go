// Package protocol defines the message types exchanged between the execution
// controller and an isolated execution environment.
// Messages are JSON-encoded, one per line, so the same shapes work over
// in-process channels, child process pipes and WebSocket frames.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message in the execution protocol.
type MessageType string

const (
	// Controller → Environment
	MsgExecute MessageType = "execute"

	// Environment → Controller
	MsgResult MessageType = "result"
	MsgError  MessageType = "error"
)

// Request asks the environment to evaluate one code string.
type Request struct {
	Type    MessageType    `json:"type"`
	ID      string         `json:"id"` // Correlation ID echoed back in the response.
	Code    string         `json:"code"`
	Context map[string]any `json:"context,omitempty"`
}

// NewRequest creates an execute Request with a fresh correlation ID.
func NewRequest(code string, vars map[string]any) *Request {
	return &Request{
		Type:    MsgExecute,
		ID:      uuid.New().String(),
		Code:    code,
		Context: vars,
	}
}

// Response is the raw outcome of one request, before the controller attaches timing.
type Response struct {
	Type   MessageType     `json:"type"`
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Logs   []string        `json:"logs"`
}

// NewResult builds a result Response for the request with the given ID.
func NewResult(id string, result json.RawMessage, logs []string) *Response {
	return &Response{Type: MsgResult, ID: id, Result: result, Logs: nonNil(logs)}
}

// NewError builds an error Response for the request with the given ID.
func NewError(id, message string, logs []string) *Response {
	return &Response{Type: MsgError, ID: id, Error: message, Logs: nonNil(logs)}
}

// OK reports whether the response carries a result rather than an error.
func (r *Response) OK() bool {
	return r.Type == MsgResult
}

// Decode unmarshals the Result into the given target.
// A response without a result leaves target untouched.
func (r *Response) Decode(target any) error {
	if len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, target)
}

// StreamResult is the WebSocket form of an answered request: the environment
// response plus the execution time measured by the controller.
type StreamResult struct {
	Type            MessageType `json:"type"`
	ID              string      `json:"id"`
	Result          any         `json:"result,omitempty"`
	Error           string      `json:"error,omitempty"`
	Logs            []string    `json:"logs"`
	ExecutionTimeMs float64     `json:"executionTimeMs"`
	TimedOut        bool        `json:"timedOut,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

func nonNil(logs []string) []string {
	if logs == nil {
		return []string{}
	}
	return logs
}
