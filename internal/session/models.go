// Package session implements the Session Manager of SPEC_FULL.md
// §4.5: session lifecycle, blackboard inheritance across sessions,
// and control-event push, grounded on
// tempo_os/kernel/session_manager.py.
package session

import "time"

// Status is a session's lifecycle status, per SPEC_FULL.md §3.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusWaitingUser Status = "waiting_user"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusAborted     Status = "aborted"
)

// Record is a session's durable, cold-storage snapshot: the fast
// store holds the authoritative current FSM state and blackboard
// contents, this row exists so a session can be rehydrated after its
// fast-store TTL has expired mid-flow, per §4.5's clock-driven pause.
type Record struct {
	TenantID    string    `json:"tenant_id"`
	SessionID   string    `json:"session_id"`
	FlowID      string    `json:"flow_id,omitempty"`
	NodeID      string    `json:"node_id,omitempty"`
	Implicit    bool      `json:"implicit"`
	FSMState    string    `json:"fsm_state"`
	Status      Status    `json:"status"`
	ParamsJSON  string    `json:"params_json,omitempty"`
	TTLSeconds  int       `json:"ttl_seconds"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}
