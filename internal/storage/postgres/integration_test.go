//go:build integration

package postgres

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/toolgate/internal/audit"
	"github.com/jkaninda/toolgate/internal/security"
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
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return db
}

func TestAuditRepository_AppendQueryPrune(t *testing.T) {
	db := testDB(t)
	repo := db.Audit()
	ctx := context.Background()

	tool := "it-" + uuid.NewString()[:8]
	old := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Millisecond)
	recent := time.Now().UTC().Truncate(time.Millisecond)

	err := repo.WriteBatch(ctx, []audit.Event{
		{ID: uuid.NewString(), Timestamp: old, ToolID: tool, Type: audit.EventCompleted, Risk: security.RiskLow},
		{ID: uuid.NewString(), Timestamp: recent, ToolID: tool, Type: audit.EventDenied, Risk: security.RiskHigh,
			Details: map[string]any{"code": "PathBlocked"}},
	})
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	got, err := repo.Query(ctx, audit.Filter{ToolID: tool})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 || got[0].Type != audit.EventDenied {
		t.Fatalf("events = %+v", got)
	}
	if got[0].Details["code"] != "PathBlocked" {
		t.Errorf("details = %+v", got[0].Details)
	}

	high, _ := repo.Query(ctx, audit.Filter{ToolID: tool, MinRisk: security.RiskHigh})
	if len(high) != 1 {
		t.Errorf("MinRisk filter returned %d", len(high))
	}

	if _, err := repo.PruneBefore(ctx, time.Now().Add(-24*time.Hour)); err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	left, _ := repo.Query(ctx, audit.Filter{ToolID: tool})
	if len(left) != 1 {
		t.Errorf("after prune = %d, want 1", len(left))
	}
}
