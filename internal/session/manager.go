package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"tempokernel.local/kernel/internal/blackboard"
	"tempokernel.local/kernel/internal/events"
	"tempokernel.local/kernel/internal/eventbus"
	"tempokernel.local/kernel/internal/flow"
	"tempokernel.local/kernel/internal/ids"
)

// Manager owns Session records and the session-scoped operations of
// SPEC_FULL.md §4.5: starting explicit flows, implicit single-node
// sessions, blackboard inheritance across sessions, and pushing
// control/user events into the FSM pipeline.
type Manager struct {
	logger   *log.Logger
	tenantID string
	bb       *blackboard.Blackboard
	bus      *eventbus.Bus
	store    Store
}

func NewManager(logger *log.Logger, tenantID string, bb *blackboard.Blackboard, bus *eventbus.Bus, store Store) *Manager {
	return &Manager{logger: logger, tenantID: tenantID, bb: bb, bus: bus, store: store}
}

func (m *Manager) publishSessionEvent(ctx context.Context, eventType events.Type, sessionID string, payload map[string]any) error {
	encoded, err := events.EncodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode session event payload: %w", err)
	}
	envelope := events.Envelope{
		ID:        ids.NewUUID(),
		Type:      eventType,
		Source:    "session_manager",
		TenantID:  m.tenantID,
		SessionID: sessionID,
		Payload:   encoded,
		CreatedAt: time.Now().UTC(),
	}
	return m.bus.Publish(ctx, m.tenantID, envelope)
}

// StartFlow starts an explicit multi-step flow: writes a session
// record, sets state to running, and returns the new session id. The
// session sits at def.InitialState until the caller dispatches
// CMD_EXECUTE against it (typically right after StartFlow returns) to
// run its first node; StartFlow itself only creates the row.
func (m *Manager) StartFlow(ctx context.Context, def flow.Definition, params map[string]any) (string, error) {
	sessionID := ids.NewUUID()

	if err := m.bb.Set(ctx, sessionID, "_flow_id", def.Name); err != nil {
		return "", err
	}
	if err := m.bb.Set(ctx, sessionID, "_session_state", string(StatusRunning)); err != nil {
		return "", err
	}
	paramsJSON := "{}"
	if params != nil {
		if err := m.bb.Set(ctx, sessionID, "_params", params); err != nil {
			return "", err
		}
		encoded, err := json.Marshal(params)
		if err == nil {
			paramsJSON = string(encoded)
		}
	}

	now := time.Now().UTC()
	if err := m.store.Save(ctx, Record{
		TenantID:   m.tenantID,
		SessionID:  sessionID,
		FlowID:     def.Name,
		FSMState:   def.InitialState,
		Status:     StatusRunning,
		ParamsJSON: paramsJSON,
		TTLSeconds: 1800,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		return "", err
	}

	if err := m.publishSessionEvent(ctx, events.TypeSessionStart, sessionID, map[string]any{
		"flow_id":       def.Name,
		"initial_state": def.InitialState,
		"params":        params,
	}); err != nil {
		return "", err
	}

	m.logger.Printf("session: started flow %q -> session %s (initial=%s)", def.Name, sessionID, def.InitialState)
	return sessionID, nil
}

// StartSingleNode starts an implicit session wrapping a single node
// execution under the [start]->[execute]->[end] FSM, plus its error
// terminal (see fsm.SingleNode). As with StartFlow, the caller must dispatch
// CMD_EXECUTE against the returned session id to actually run the
// node; StartSingleNode only creates the row at the bootstrap state.
func (m *Manager) StartSingleNode(ctx context.Context, nodeID string, params map[string]any) (string, error) {
	sessionID := ids.NewUUID()

	if err := m.bb.Set(ctx, sessionID, "_node_id", nodeID); err != nil {
		return "", err
	}
	if err := m.bb.Set(ctx, sessionID, "_session_state", string(StatusRunning)); err != nil {
		return "", err
	}
	if err := m.bb.Set(ctx, sessionID, "_implicit", true); err != nil {
		return "", err
	}
	paramsJSON := "{}"
	if params != nil {
		if err := m.bb.Set(ctx, sessionID, "_params", params); err != nil {
			return "", err
		}
		encoded, err := json.Marshal(params)
		if err == nil {
			paramsJSON = string(encoded)
		}
	}

	now := time.Now().UTC()
	if err := m.store.Save(ctx, Record{
		TenantID:   m.tenantID,
		SessionID:  sessionID,
		NodeID:     nodeID,
		Implicit:   true,
		FSMState:   "start",
		Status:     StatusRunning,
		ParamsJSON: paramsJSON,
		TTLSeconds: 1800,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		return "", err
	}

	if err := m.publishSessionEvent(ctx, events.TypeSessionStart, sessionID, map[string]any{
		"node_id":  nodeID,
		"implicit": true,
		"params":   params,
	}); err != nil {
		return "", err
	}

	m.logger.Printf("session: started implicit session %s for node %q", sessionID, nodeID)
	return sessionID, nil
}

// Inherit starts a new explicit flow that copies selected blackboard
// artifacts from a prior session, without modifying the source. Per
// SPEC_FULL.md §4.5, this honors the "selected" contract: only
// artifacts named in selectedArtifactIDs are copied, unlike
// tempo_os/kernel/session_manager.py's inherit_session, which copies
// every artifact and ignores its own from_step parameter — that
// unconditional-copy behavior is not carried over here.
func (m *Manager) Inherit(ctx context.Context, def flow.Definition, fromSessionID string, selectedArtifactIDs []string, params map[string]any) (string, error) {
	newSessionID, err := m.StartFlow(ctx, def, params)
	if err != nil {
		return "", err
	}

	copied := 0
	for _, artifactID := range selectedArtifactIDs {
		data, ok, err := m.bb.ReadArtifact(ctx, artifactID)
		if err != nil {
			return "", fmt.Errorf("read source artifact %q: %w", artifactID, err)
		}
		if !ok {
			continue
		}
		if err := m.bb.WriteArtifact(ctx, newSessionID, artifactID, json.RawMessage(data)); err != nil {
			return "", fmt.Errorf("copy artifact %q: %w", artifactID, err)
		}
		copied++
	}

	m.logger.Printf("session: %s inherits %d/%d selected artifacts from %s", newSessionID, copied, len(selectedArtifactIDs), fromSessionID)
	return newSessionID, nil
}

// PushEvent enqueues a control or user event (USER_CONFIRM, USER_SKIP,
// USER_MODIFY, USER_ROLLBACK, ABORT, ...) to advance a session's flow.
func (m *Manager) PushEvent(ctx context.Context, sessionID string, eventType events.Type, payload map[string]any) error {
	if err := m.publishSessionEvent(ctx, eventType, sessionID, payload); err != nil {
		return err
	}
	m.logger.Printf("session: pushed %s to session %s", eventType, sessionID)
	return nil
}

// GetState returns the full blackboard state for a session.
func (m *Manager) GetState(ctx context.Context, sessionID string) (map[string]string, error) {
	return m.bb.GetAll(ctx, sessionID)
}

// GetStatus returns a session's lifecycle status, "unknown" if unset.
func (m *Manager) GetStatus(ctx context.Context, sessionID string) (string, error) {
	raw, ok, err := m.bb.Get(ctx, sessionID, "_session_state")
	if err != nil {
		return "", err
	}
	if !ok {
		return "unknown", nil
	}
	return raw, nil
}

// ListSessions returns every session id tracked for this tenant, per
// SPEC_FULL.md §2C's admin introspection endpoint.
func (m *Manager) ListSessions(ctx context.Context) ([]string, error) {
	return m.bb.ListSessions(ctx)
}

// SweepExpired pauses every running session whose last update is older
// than its own TTL: it snapshots the durable record as paused and
// mirrors the pause into the fast-store session state, then publishes
// SESSION_PAUSE so any listening agent controller can drop its SSE
// stream. It returns the number of sessions paused. Called by the
// tempo clock on each tick.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	candidates, err := m.store.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}

	paused := 0
	for _, rec := range candidates {
		if rec.TenantID != m.tenantID {
			// The durable store is shared across every tenant's
			// Manager; each sweep only owns its own tenant's rows.
			continue
		}
		ttl := time.Duration(rec.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 30 * time.Minute
		}
		if now.Sub(rec.UpdatedAt) < ttl {
			continue
		}

		rec.Status = StatusPaused
		rec.UpdatedAt = now
		if err := m.store.Save(ctx, rec); err != nil {
			m.logger.Printf("session: failed to persist paused snapshot for %s: %v", rec.SessionID, err)
			continue
		}
		if err := m.bb.Set(ctx, rec.SessionID, "_session_state", string(StatusPaused)); err != nil {
			m.logger.Printf("session: failed to mirror pause into blackboard for %s: %v", rec.SessionID, err)
		}
		if err := m.publishSessionEvent(ctx, events.TypeSessionPause, rec.SessionID, map[string]any{
			"reason": "ttl_expired",
		}); err != nil {
			m.logger.Printf("session: failed to publish pause event for %s: %v", rec.SessionID, err)
		}
		paused++
	}
	return paused, nil
}

// Rehydrate restores a paused session's fast-store state from its
// durable snapshot, marking it running again. It is a no-op error if
// the session has no durable record at all. Callers invoke this before
// dispatching an event to a session whose blackboard state has expired
// or reads back as paused.
func (m *Manager) Rehydrate(ctx context.Context, sessionID string) error {
	rec, err := m.store.Get(ctx, m.tenantID, sessionID)
	if err != nil {
		return fmt.Errorf("rehydrate session %s: %w", sessionID, err)
	}

	if err := m.bb.Set(ctx, sessionID, "_session_state", string(StatusRunning)); err != nil {
		return fmt.Errorf("rehydrate session state: %w", err)
	}
	if rec.FlowID != "" {
		if err := m.bb.Set(ctx, sessionID, "_flow_id", rec.FlowID); err != nil {
			return fmt.Errorf("rehydrate flow id: %w", err)
		}
	}
	if rec.Implicit {
		if err := m.bb.Set(ctx, sessionID, "_node_id", rec.NodeID); err != nil {
			return fmt.Errorf("rehydrate node id: %w", err)
		}
		if err := m.bb.Set(ctx, sessionID, "_implicit", true); err != nil {
			return fmt.Errorf("rehydrate implicit flag: %w", err)
		}
	}
	if rec.ParamsJSON != "" && rec.ParamsJSON != "{}" {
		var params map[string]any
		if err := json.Unmarshal([]byte(rec.ParamsJSON), &params); err == nil {
			if err := m.bb.Set(ctx, sessionID, "_params", params); err != nil {
				return fmt.Errorf("rehydrate params: %w", err)
			}
		}
	}

	rec.Status = StatusRunning
	rec.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("persist rehydrated session: %w", err)
	}

	if err := m.publishSessionEvent(ctx, events.TypeSessionResume, sessionID, nil); err != nil {
		m.logger.Printf("session: failed to publish resume event for %s: %v", sessionID, err)
	}
	m.logger.Printf("session: rehydrated %s from durable snapshot (fsm_state=%s)", sessionID, rec.FSMState)
	return nil
}
