package sandbox

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/jkaninda/cometx/internal/protocol"
)

func TestServe(t *testing.T) {
	var in bytes.Buffer
	enc := protocol.NewEncoder(&in)
	first := protocol.NewRequest("return 1 + 1;", nil)
	second := protocol.NewRequest("return )(;", nil)
	_ = enc.Encode(first)
	in.WriteString("not json\n")
	_ = enc.Encode(&protocol.Request{Type: "status", ID: "ignored"})
	_ = enc.Encode(second)

	var out bytes.Buffer
	if err := Serve(context.Background(), &in, &out, NewEvaluator(Config{}, testLogger()), testLogger()); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	dec := protocol.NewDecoder(&out)
	var r1, r2 protocol.Response
	if err := dec.Decode(&r1); err != nil {
		t.Fatal(err)
	}
	if err := dec.Decode(&r2); err != nil {
		t.Fatal(err)
	}
	if r1.ID != first.ID || string(r1.Result) != "2" {
		t.Errorf("first response = %+v, want result 2 for %s", r1, first.ID)
	}
	if r2.ID != second.ID || r2.Type != protocol.MsgError {
		t.Errorf("second response = %+v, want error for %s", r2, second.ID)
	}
	if rest := strings.TrimSpace(out.String()); rest != "" {
		t.Errorf("unexpected extra output %q", rest)
	}
}

func TestServeStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var in, out bytes.Buffer
	_ = protocol.NewEncoder(&in).Encode(protocol.NewRequest("return 1;", nil))
	if err := Serve(ctx, &in, &out, NewEvaluator(Config{}, testLogger()), testLogger()); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Errorf("output = %q, want none", out.String())
	}
}
