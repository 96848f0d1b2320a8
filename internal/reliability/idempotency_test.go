package reliability

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"tempokernel.local/kernel/internal/db"
)

func newTestGuard(t *testing.T) *IdempotencyGuard {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idempotency.db")
	gdb, err := db.OpenGorm("sqlite", path)
	require.NoError(t, err)

	guard, err := NewIdempotencyGuard(log.New(io.Discard, "", 0), gdb)
	require.NoError(t, err)
	return guard
}

func TestIdempotencyGuardProceedsOnce(t *testing.T) {
	guard := newTestGuard(t)
	ctx := context.Background()

	decision, err := guard.Before(ctx, "sess-1", "step-a", 1)
	require.NoError(t, err)
	require.Equal(t, DecisionProceed, decision)

	require.NoError(t, guard.After(ctx, "sess-1", "step-a", 1, "success", map[string]any{"ok": true}))

	decision, err = guard.Before(ctx, "sess-1", "step-a", 1)
	require.NoError(t, err)
	require.Equal(t, DecisionSkip, decision)
}

func TestIdempotencyGuardAllowsResumeAfterCrash(t *testing.T) {
	guard := newTestGuard(t)
	ctx := context.Background()

	_, err := guard.Before(ctx, "sess-2", "step-a", 1)
	require.NoError(t, err)
	// no After() call recorded — simulate a crash mid-execution.

	decision, err := guard.Before(ctx, "sess-2", "step-a", 1)
	require.NoError(t, err)
	require.Equal(t, DecisionProceed, decision)
}

// TestIdempotencyGuardConcurrentBeforeNeverBothProceed exercises the
// SELECT-then-INSERT race directly: two goroutines both observe no
// existing row for the same key and race to insert. Exactly one must
// see DecisionProceed; the loser must see DecisionSkip, not an error,
// so a racing caller never treats the duplicate-key failure as a
// reason to abort the session.
func TestIdempotencyGuardConcurrentBeforeNeverBothProceed(t *testing.T) {
	guard := newTestGuard(t)
	ctx := context.Background()

	const racers = 8
	decisions := make([]Decision, racers)
	errs := make([]error, racers)

	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			decisions[i], errs[i] = guard.Before(ctx, "sess-race", "step-a", 1)
		}(i)
	}
	wg.Wait()

	proceeds := 0
	for i := 0; i < racers; i++ {
		require.NoError(t, errs[i], "racer %d", i)
		switch decisions[i] {
		case DecisionProceed:
			proceeds++
		case DecisionSkip:
		default:
			t.Fatalf("racer %d: unexpected decision %q", i, decisions[i])
		}
	}
	require.Equal(t, 1, proceeds, "expected exactly one racer to proceed")
}

func TestIdempotencyGuardMaxAttempt(t *testing.T) {
	guard := newTestGuard(t)
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		_, err := guard.Before(ctx, "sess-3", "step-a", attempt)
		require.NoError(t, err)
		require.NoError(t, guard.After(ctx, "sess-3", "step-a", attempt, "error", nil))
	}

	max, err := guard.MaxAttempt(ctx, "sess-3", "step-a")
	require.NoError(t, err)
	require.Equal(t, 3, max)
}
