package reliability

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"tempokernel.local/kernel/internal/blackboard"
	"tempokernel.local/kernel/internal/events"
	"tempokernel.local/kernel/internal/eventbus"
)

const abortTTL = time.Hour

// HardStopper implements SPEC_FULL.md §4.7's emergency session
// termination: a fast Redis marker for is_aborted polling, a
// Blackboard signal for node-level cancellation checks, and an ABORT
// event broadcast to observers, grounded on
// tempo_os/resilience/stopper.py.
type HardStopper struct {
	logger *log.Logger
	rdb    *redis.Client
	bus    *eventbus.Bus
	bb     *blackboard.Blackboard
	prefix string
}

func NewHardStopper(logger *log.Logger, rdb *redis.Client, bus *eventbus.Bus, bb *blackboard.Blackboard, keyPrefix string) *HardStopper {
	return &HardStopper{logger: logger, rdb: rdb, bus: bus, bb: bb, prefix: keyPrefix}
}

func (h *HardStopper) abortKey(tenantID, sessionID string) string {
	return fmt.Sprintf("%s:%s:abort:%s", h.prefix, tenantID, sessionID)
}

// Abort immediately terminates a session: sets the fast-store abort
// marker, the Blackboard abort signal, and publishes an ABORT event.
func (h *HardStopper) Abort(ctx context.Context, tenantID, sessionID, reason, traceID string) error {
	if err := h.rdb.Set(ctx, h.abortKey(tenantID, sessionID), reason, abortTTL).Err(); err != nil {
		return fmt.Errorf("set abort marker: %w", err)
	}
	if err := h.bb.SetSignal(ctx, sessionID, "abort", true); err != nil {
		return fmt.Errorf("set abort signal: %w", err)
	}
	if err := h.bb.Set(ctx, sessionID, "_session_state", "error"); err != nil {
		return fmt.Errorf("set session state: %w", err)
	}

	payload, err := events.EncodePayload(map[string]any{"reason": reason})
	if err != nil {
		return fmt.Errorf("encode abort payload: %w", err)
	}
	envelope := events.Envelope{
		Type:      events.TypeAbort,
		Source:    "hard_stopper",
		TenantID:  tenantID,
		SessionID: sessionID,
		Payload:   payload,
		TraceID:   traceID,
	}
	if err := h.bus.Publish(ctx, tenantID, envelope); err != nil {
		return fmt.Errorf("publish abort event: %w", err)
	}
	h.logger.Printf("reliability: session %s ABORTED: %s", sessionID, reason)
	return nil
}

// IsAborted performs the fast Redis existence check the Dispatcher
// runs at the start of every transition.
func (h *HardStopper) IsAborted(ctx context.Context, tenantID, sessionID string) (bool, error) {
	n, err := h.rdb.Exists(ctx, h.abortKey(tenantID, sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("check abort marker: %w", err)
	}
	return n > 0, nil
}

// AbortReason returns the recorded reason for an aborted session, if any.
func (h *HardStopper) AbortReason(ctx context.Context, tenantID, sessionID string) (string, bool, error) {
	reason, err := h.rdb.Get(ctx, h.abortKey(tenantID, sessionID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read abort reason: %w", err)
	}
	return reason, true, nil
}
