// Package events defines the canonical event envelope and node-result
// schema shared by the bus, the repositories, and the dispatcher.
package events

import (
	"encoding/json"
	"time"
)

// Type is the closed vocabulary of trigger/audit events flowing through
// the kernel. Values are always uppercase, matching the wire contract.
type Type string

const (
	TypeCmdExecute       Type = "CMD_EXECUTE"
	TypeStepDone         Type = "STEP_DONE"
	TypeUserConfirm      Type = "USER_CONFIRM"
	TypeUserSkip         Type = "USER_SKIP"
	TypeUserModify       Type = "USER_MODIFY"
	TypeUserRollback     Type = "USER_ROLLBACK"
	TypeAbort            Type = "ABORT"
	TypeEventAborted     Type = "EVENT_ABORTED"
	TypeEventResult      Type = "EVENT_RESULT"
	TypeEventError       Type = "EVENT_ERROR"
	TypeEventPendingFanIn Type = "EVENT_PENDING_FANIN"
	TypeStateTransition  Type = "STATE_TRANSITION"
	TypeNeedUserInput    Type = "NEED_USER_INPUT"
	TypeSessionStart     Type = "SESSION_START"
	TypeSessionPause     Type = "SESSION_PAUSE"
	TypeSessionResume    Type = "SESSION_RESUME"
	TypeSessionAbort     Type = "SESSION_ABORT"
	TypeSessionComplete  Type = "SESSION_COMPLETE"
	TypeSessionFailed    Type = "SESSION_FAILED"
	TypeFileUploaded     Type = "FILE_UPLOADED"
	TypeFileReady        Type = "FILE_READY"
	TypeHeartbeat        Type = "HEARTBEAT"
	TypePing             Type = "PING"
)

// Envelope is one audit/bus record. It matches the wire schema in
// SPEC_FULL.md §6 exactly: {id, type, tenant_id, session_id, source,
// target?, tick, trace_id, priority, from_state?, to_state?, payload,
// created_at}.
type Envelope struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	TenantID   string          `json:"tenant_id"`
	SessionID  string          `json:"session_id"`
	Source     string          `json:"source"`
	Target     string          `json:"target,omitempty"`
	Tick       int64           `json:"tick"`
	TraceID    string          `json:"trace_id"`
	Priority   int             `json:"priority"`
	FromState  string          `json:"from_state,omitempty"`
	ToState    string          `json:"to_state,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// DecodePayload unmarshals the envelope's opaque payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// EncodePayload marshals v into the envelope's payload field.
func EncodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// NodeStatus is the closed set of terminal/non-terminal statuses a node
// execution attempt can report.
type NodeStatus string

const (
	NodeStatusSuccess       NodeStatus = "success"
	NodeStatusError         NodeStatus = "error"
	NodeStatusNeedUserInput NodeStatus = "need_user_input"
	NodeStatusAborted       NodeStatus = "aborted"
)

// NodeResult is returned by builtins and by webhook callbacks.
type NodeResult struct {
	Status       NodeStatus         `json:"status"`
	Result       map[string]any     `json:"result,omitempty"`
	UISchema     map[string]any     `json:"ui_schema,omitempty"`
	Artifacts    map[string]any     `json:"artifacts,omitempty"`
	NextEvents   []string           `json:"next_events,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
}
