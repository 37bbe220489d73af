package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB opens a fresh database file with every migration applied.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	if err := NewMigrator(d, NewSQLiteLocker(d), 30*time.Minute).Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return d
}

func TestMillisRoundTrip(t *testing.T) {
	now := time.Now()
	got := fromMillis(toMillis(now))
	if got.UnixMilli() != now.UnixMilli() {
		t.Errorf("Expected %d, got %d", now.UnixMilli(), got.UnixMilli())
	}
	if toMillis(time.Time{}) != 0 {
		t.Error("Zero time should be stored as 0")
	}
	if !fromMillis(0).IsZero() {
		t.Error("0 should read back as the zero time")
	}
}
