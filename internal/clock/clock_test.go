package clock

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

type stubSweeper struct {
	mu      sync.Mutex
	calls   int
	lastNow time.Time
	paused  int
	err     error
}

func (s *stubSweeper) SweepExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastNow = now
	return s.paused, s.err
}

func (s *stubSweeper) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestTickSweepsEveryRegisteredTenant(t *testing.T) {
	c := New(log.New(io.Discard, "", 0))
	fixedNow := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixedNow }

	a := &stubSweeper{paused: 2}
	b := &stubSweeper{paused: 0}
	c.Register("tenant-a", a)
	c.Register("tenant-b", b)

	c.Tick(context.Background())

	if a.callCount() != 1 || b.callCount() != 1 {
		t.Fatalf("expected both tenants swept once, got a=%d b=%d", a.callCount(), b.callCount())
	}
	if !a.lastNow.Equal(fixedNow) {
		t.Fatalf("expected sweep to receive fixed now, got %s", a.lastNow)
	}
}

func TestTickSkipsUnregisteredTenants(t *testing.T) {
	c := New(log.New(io.Discard, "", 0))
	a := &stubSweeper{}
	c.Register("tenant-a", a)
	c.Unregister("tenant-a")

	c.Tick(context.Background())

	if a.callCount() != 0 {
		t.Fatalf("expected unregistered tenant not to be swept, got %d calls", a.callCount())
	}
}

func TestTickContinuesAfterSweepError(t *testing.T) {
	c := New(log.New(io.Discard, "", 0))
	failing := &stubSweeper{err: errors.New("boom")}
	ok := &stubSweeper{}
	c.Register("tenant-fail", failing)
	c.Register("tenant-ok", ok)

	c.Tick(context.Background())

	if failing.callCount() != 1 || ok.callCount() != 1 {
		t.Fatalf("expected both tenants to be attempted despite one failing, got fail=%d ok=%d", failing.callCount(), ok.callCount())
	}
}

func TestStartTwiceReturnsError(t *testing.T) {
	c := New(log.New(io.Discard, "", 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer c.Stop()

	if err := c.Start(ctx); err == nil {
		t.Fatalf("expected second Start to fail")
	}
}

func TestStopIsIdempotentWithoutStart(t *testing.T) {
	c := New(log.New(io.Discard, "", 0))
	c.Stop()
}
