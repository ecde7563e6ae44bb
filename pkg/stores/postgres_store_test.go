package stores

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/poncho/poncho/pkg/engine"
)

// setupPostgresStore connects to PONCHO_TEST_POSTGRES_DSN, skipping the
// test when it is unset.
func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("PONCHO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PONCHO_TEST_POSTGRES_DSN not set")
	}

	store, err := NewPostgresStore(Config{Driver: DriverPostgres, DSN: dsn})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresEventLifecycle(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	ev := newEvent("pg-h1", "pg-h2")
	if err := store.CreateEvent(ctx, ev); err != nil {
		t.Fatalf("failed to create event: %v", err)
	}

	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	locked, err := tx.LockForUpdate(ctx, ev.ID)
	if err != nil {
		t.Fatalf("failed to lock: %v", err)
	}
	if len(locked.Hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %+v", locked.Hosts)
	}
	done := time.Now().UTC().Truncate(time.Second)
	locked.MarkCompleted(engine.StateCanceled, done)
	if err := tx.Save(ctx, locked); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	got, err := store.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("failed to get event: %v", err)
	}
	if !got.Completed || got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Fatalf("completion not persisted: %+v", got)
	}

	tx, err = store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := tx.Save(ctx, got); !errors.Is(err, engine.ErrEventCompleted) {
		t.Errorf("expected ErrEventCompleted, got %v", err)
	}
}

func TestPostgresLockBlocksSecondTransaction(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	ev := newEvent("pg-lock")
	if err := store.CreateEvent(ctx, ev); err != nil {
		t.Fatalf("failed to create event: %v", err)
	}

	first, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	if _, err := first.LockForUpdate(ctx, ev.ID); err != nil {
		t.Fatalf("failed to lock: %v", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	second, err := store.BeginTx(lockCtx)
	if err != nil {
		t.Fatalf("failed to begin second: %v", err)
	}
	defer func() { _ = second.Rollback() }()
	if _, err := second.LockForUpdate(lockCtx, ev.ID); err == nil {
		t.Errorf("second LockForUpdate succeeded while the row was locked")
	}

	if err := first.Rollback(); err != nil {
		t.Fatalf("failed to rollback: %v", err)
	}
}
