package reliability

import (
	"context"
	"fmt"
	"log"
)

// EventLookup is the narrow read interface the Fan-In Checker needs
// from the event log. LastStepStatus returns the status recorded on
// the most recent node-completion event for (sessionID, step); found
// is false when no such event has ever been recorded.
type EventLookup interface {
	LastStepStatus(ctx context.Context, sessionID, step string) (status string, found bool, err error)
}

// FanInChecker determines whether every prerequisite step of a
// convergence transition has completed, per SPEC_FULL.md §4.7. Unlike
// tempo_os/resilience/fan_in.py, which checks Blackboard artifact
// presence, this queries the Event Repository directly so a step that
// re-runs and re-emits its result is reflected without requiring its
// artifact key to still exist.
type FanInChecker struct {
	logger *log.Logger
	events EventLookup
}

func NewFanInChecker(logger *log.Logger, events EventLookup) *FanInChecker {
	return &FanInChecker{logger: logger, events: events}
}

// Ready reports whether every step in requiredSteps has, as its most
// recent node-completion event for sessionID, one with status=success.
// Completion order does not matter.
func (f *FanInChecker) Ready(ctx context.Context, sessionID string, requiredSteps []string) (bool, error) {
	pending, err := f.PendingDeps(ctx, sessionID, requiredSteps)
	if err != nil {
		return false, err
	}
	ready := len(pending) == 0
	if ready {
		f.logger.Printf("reliability: fan-in satisfied session=%s deps=%d", sessionID, len(requiredSteps))
	}
	return ready, nil
}

// PendingDeps returns the subset of requiredSteps not yet satisfied,
// per SPEC_FULL.md §2C's expansion of the original bool-only contract.
func (f *FanInChecker) PendingDeps(ctx context.Context, sessionID string, requiredSteps []string) ([]string, error) {
	var pending []string
	for _, step := range requiredSteps {
		status, found, err := f.events.LastStepStatus(ctx, sessionID, step)
		if err != nil {
			return nil, fmt.Errorf("fan-in lookup step %q: %w", step, err)
		}
		if !found || status != "success" {
			pending = append(pending, step)
		}
	}
	return pending, nil
}
