package reliability

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeEventLookup struct {
	statuses map[string]string
}

func (f *fakeEventLookup) LastStepStatus(_ context.Context, sessionID, step string) (string, bool, error) {
	status, ok := f.statuses[sessionID+"/"+step]
	return status, ok, nil
}

func TestFanInCheckerReadyWhenAllStepsSucceeded(t *testing.T) {
	lookup := &fakeEventLookup{statuses: map[string]string{
		"sess-1/branch-a": "success",
		"sess-1/branch-b": "success",
	}}
	checker := NewFanInChecker(log.New(io.Discard, "", 0), lookup)

	ready, err := checker.Ready(context.Background(), "sess-1", []string{"branch-a", "branch-b"})
	require.NoError(t, err)
	require.True(t, ready)
}

func TestFanInCheckerPendingDeps(t *testing.T) {
	lookup := &fakeEventLookup{statuses: map[string]string{
		"sess-1/branch-a": "success",
		"sess-1/branch-b": "error",
	}}
	checker := NewFanInChecker(log.New(io.Discard, "", 0), lookup)

	pending, err := checker.PendingDeps(context.Background(), "sess-1", []string{"branch-a", "branch-b", "branch-c"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"branch-b", "branch-c"}, pending)
}
