//go:build integration

package postgres

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/cometx/internal/storage"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestExecutionRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	user := "it-" + uuid.NewString()[:8]

	rec := &storage.ExecutionRecord{
		UserID:      user,
		Source:      "http",
		Environment: "inprocess",
		Code:        "return a * 2;",
		Context:     map[string]any{"a": float64(21)},
		Success:     true,
		Result:      float64(42),
		Logs:        []string{"LOG: hi"},
	}
	if err := db.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := db.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Result != float64(42) || got.Context["a"] != float64(21) || len(got.Logs) != 1 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if _, err := db.Get(ctx, uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestConcurrentSaves(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	user := "it-" + uuid.NewString()[:8]

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- db.Save(ctx, &storage.ExecutionRecord{
				UserID:      user,
				Source:      "mcp",
				Environment: "process",
				Code:        "return 1;",
				Success:     i%2 == 0,
				TimedOut:    i%5 == 0,
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	stats, err := db.Stats(ctx, storage.ListFilter{UserID: user})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != n || stats.Succeeded != n/2 || stats.TimedOut != 4 {
		t.Errorf("stats = %+v", stats)
	}

	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
