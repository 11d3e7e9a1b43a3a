package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/cometx/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "nested", "cometx.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func boolPtr(b bool) *bool { return &b }

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSaveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &storage.ExecutionRecord{
		CorrelationID:   "c1",
		UserID:          "alice",
		Source:          "http",
		Environment:     "inprocess",
		Code:            "return {a: 1};",
		Context:         map[string]any{"k": "v"},
		Success:         true,
		Result:          map[string]any{"a": float64(1)},
		Logs:            []string{"LOG: one", "ERROR: two"},
		ExecutionTimeMs: 1.25,
	}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("Save should assign an ID")
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID != "alice" || got.Source != "http" || got.Mode != storage.ModeCode {
		t.Errorf("got %+v", got)
	}
	if m, ok := got.Result.(map[string]any); !ok || m["a"] != float64(1) {
		t.Errorf("Result = %#v", got.Result)
	}
	if len(got.Logs) != 2 || got.Logs[1] != "ERROR: two" {
		t.Errorf("Logs = %v", got.Logs)
	}
	if got.ExecutionTimeMs != 1.25 {
		t.Errorf("ExecutionTimeMs = %v", got.ExecutionTimeMs)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestListFilterAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	records := []*storage.ExecutionRecord{
		{UserID: "alice", Source: "http", Environment: "inprocess", Code: "1", Success: true, CreatedAt: base},
		{UserID: "alice", Source: "mcp", Environment: "inprocess", Code: "2", Success: false, Error: "x", CreatedAt: base.Add(time.Minute)},
		{UserID: "bob", Source: "http", Environment: "inprocess", Code: "3", Success: false, TimedOut: true, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range records {
		if err := s.Save(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.List(ctx, storage.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Code != "3" || all[2].Code != "1" {
		t.Errorf("List order = %v", codes(all))
	}

	alice, _ := s.List(ctx, storage.ListFilter{UserID: "alice"})
	if len(alice) != 2 {
		t.Errorf("alice records = %d, want 2", len(alice))
	}

	failed, _ := s.List(ctx, storage.ListFilter{Success: boolPtr(false)})
	if len(failed) != 2 {
		t.Errorf("failed records = %d, want 2", len(failed))
	}

	timedOut, _ := s.List(ctx, storage.ListFilter{TimedOut: boolPtr(true)})
	if len(timedOut) != 1 || timedOut[0].UserID != "bob" {
		t.Errorf("timed out records = %v", codes(timedOut))
	}

	recent, _ := s.List(ctx, storage.ListFilter{Since: base.Add(30 * time.Second)})
	if len(recent) != 2 {
		t.Errorf("since filter = %v", codes(recent))
	}

	page, _ := s.List(ctx, storage.ListFilter{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].Code != "2" {
		t.Errorf("page = %v", codes(page))
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	empty, err := s.Stats(ctx, storage.ListFilter{})
	if err != nil {
		t.Fatalf("Stats(empty): %v", err)
	}
	if empty.Total != 0 || empty.AvgExecutionTimeMs != 0 {
		t.Errorf("empty stats = %+v", empty)
	}

	for i, ms := range []float64{10, 20, 30, 40} {
		_ = s.Save(ctx, &storage.ExecutionRecord{
			Source:          "cli",
			Environment:     "inprocess",
			Code:            "x",
			Success:         i < 2,
			TimedOut:        i == 3,
			ExecutionTimeMs: ms,
		})
	}

	stats, err := s.Stats(ctx, storage.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	want := storage.ExecutionStats{Total: 4, Succeeded: 2, Failed: 2, TimedOut: 1, AvgExecutionTimeMs: 25}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
}

func TestPingAndDriver(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver() = %q", s.Driver())
	}
}

func codes(recs []*storage.ExecutionRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Code
	}
	return out
}
