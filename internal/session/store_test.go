package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tempokernel.local/kernel/internal/db"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	gdb, err := db.OpenGorm("sqlite", path)
	require.NoError(t, err)
	store, err := NewGormStore(gdb)
	require.NoError(t, err)
	return store
}

func TestGormStoreSaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := Record{
		TenantID:   "tenant-a",
		SessionID:  "sess-1",
		FlowID:     "procurement",
		FSMState:   "collect",
		Status:     StatusRunning,
		TTLSeconds: 1800,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Get(ctx, "tenant-a", "sess-1")
	require.NoError(t, err)
	require.Equal(t, "procurement", got.FlowID)
	require.Equal(t, StatusRunning, got.Status)
}

func TestGormStoreGetNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "tenant-a", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGormStoreListExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, store.Save(ctx, Record{
		TenantID: "tenant-a", SessionID: "stale", FSMState: "collect",
		Status: StatusRunning, TTLSeconds: 1800, CreatedAt: old, UpdatedAt: old,
	}))
	require.NoError(t, store.Save(ctx, Record{
		TenantID: "tenant-a", SessionID: "fresh", FSMState: "collect",
		Status: StatusRunning, TTLSeconds: 1800, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}))

	expired, err := store.ListExpired(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "stale", expired[0].SessionID)
}

func TestGormStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.Save(ctx, Record{
		TenantID: "tenant-a", SessionID: "sess-1", FSMState: "collect",
		Status: StatusRunning, TTLSeconds: 1800, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.Delete(ctx, "tenant-a", "sess-1"))
	_, err := store.Get(ctx, "tenant-a", "sess-1")
	require.ErrorIs(t, err, ErrNotFound)
}
