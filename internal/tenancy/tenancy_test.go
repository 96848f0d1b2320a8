package tenancy

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tempokernel.local/kernel/internal/clock"
	"tempokernel.local/kernel/internal/session"
)

type stubStore struct {
	saved []session.Record
}

func (s *stubStore) Save(ctx context.Context, rec session.Record) error {
	s.saved = append(s.saved, rec)
	return nil
}
func (s *stubStore) Get(ctx context.Context, tenantID, sessionID string) (session.Record, error) {
	return session.Record{}, session.ErrNotFound
}
func (s *stubStore) ListExpired(ctx context.Context, olderThan time.Time) ([]session.Record, error) {
	return nil, nil
}
func (s *stubStore) Delete(ctx context.Context, tenantID, sessionID string) error { return nil }

func TestRegistryCachesBundlePerTenant(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	shared := Shared{
		Logger:   logger,
		Sessions: &stubStore{},
		Clock:    clock.New(logger),
	}
	reg := New(shared)

	a1 := reg.Get("tenant-a")
	a2 := reg.Get("tenant-a")
	b1 := reg.Get("tenant-b")

	require.Same(t, a1, a2, "repeated Get for the same tenant must return the cached bundle")
	require.NotSame(t, a1, b1)
	require.ElementsMatch(t, []string{"tenant-a", "tenant-b"}, reg.Tenants())
}
