package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"hooktun/internal/db"
	"hooktun/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "hooktun-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func SeedAssignment(t *testing.T, store *db.Store, ctx context.Context, handle string, port int) {
	t.Helper()
	if err := store.UpsertAssignment(ctx, model.PortAssignment{
		WindowHandle: model.WindowHandle(handle),
		Port:         port,
	}); err != nil {
		t.Fatalf("seed assignment %s=%d: %v", handle, port, err)
	}
}
