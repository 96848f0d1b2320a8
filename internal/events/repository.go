package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type eventRow struct {
	ID        string `gorm:"primaryKey;size:191"`
	Type      string `gorm:"size:64;index:idx_events_session_type"`
	TenantID  string `gorm:"size:191;index"`
	SessionID string `gorm:"size:191;index:idx_events_session_type"`
	Source    string `gorm:"size:191"`
	Target    string `gorm:"size:191"`
	Tick      int64
	TraceID   string `gorm:"size:191;index"`
	Priority  int
	FromState string `gorm:"size:191"`
	ToState   string `gorm:"size:191"`
	Status    string `gorm:"size:32"` // passed by the caller; read by LastStepStatus
	Step      string `gorm:"size:191;index:idx_events_session_step"`
	Payload   string `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

func (eventRow) TableName() string { return "events" }

// Repository is the append-only Event log the Dispatcher owns, per
// SPEC_FULL.md §3's ownership rule ("Dispatcher owns Event records").
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) (*Repository, error) {
	if err := db.AutoMigrate(&eventRow{}); err != nil {
		return nil, fmt.Errorf("migrate events table: %w", err)
	}
	return &Repository{db: db}, nil
}

// StepPayload is a step name paired with its success/error status.
// The Fan-In Checker does not decode it; it reads the denormalized
// Status column through LastStepStatus instead.
type StepPayload struct {
	Step   string `json:"step"`
	Status string `json:"status"`
}

// Append persists one event record. step is extracted by the caller
// (typically the Dispatcher, which knows the state->node mapping) and
// stored denormalized so fan-in lookups don't need to decode payload
// JSON on every read.
func (r *Repository) Append(ctx context.Context, e Envelope, step, status string) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	row := eventRow{
		ID:        e.ID,
		Type:      string(e.Type),
		TenantID:  e.TenantID,
		SessionID: e.SessionID,
		Source:    e.Source,
		Target:    e.Target,
		Tick:      e.Tick,
		TraceID:   e.TraceID,
		Priority:  e.Priority,
		FromState: e.FromState,
		ToState:   e.ToState,
		Status:    status,
		Step:      step,
		Payload:   string(e.Payload),
		CreatedAt: e.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// LastStepStatus implements the reliability.EventLookup contract:
// the status of the most recent node-completion event recorded for
// (sessionID, step). The Dispatcher never appends a STEP_DONE row —
// that type is only the in-memory FSM event a successful node result
// turns into — so this looks at the EVENT_RESULT/EVENT_ERROR rows
// recordNodeResult actually writes, which carry the same success/error
// status in their Status column.
func (r *Repository) LastStepStatus(ctx context.Context, sessionID, step string) (string, bool, error) {
	var row eventRow
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND step = ? AND type IN ?", sessionID, step, []string{string(TypeEventResult), string(TypeEventError)}).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup last step status: %w", err)
	}
	return row.Status, true, nil
}

// ForSession returns every event recorded for a session in insertion
// order, for audit and the session-state HTTP endpoint.
func (r *Repository) ForSession(ctx context.Context, tenantID, sessionID string, limit int) ([]Envelope, error) {
	var rows []eventRow
	q := r.db.WithContext(ctx).
		Where("tenant_id = ? AND session_id = ?", tenantID, sessionID).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	out := make([]Envelope, 0, len(rows))
	for _, row := range rows {
		out = append(out, Envelope{
			ID:        row.ID,
			Type:      Type(row.Type),
			TenantID:  row.TenantID,
			SessionID: row.SessionID,
			Source:    row.Source,
			Target:    row.Target,
			Tick:      row.Tick,
			TraceID:   row.TraceID,
			Priority:  row.Priority,
			FromState: row.FromState,
			ToState:   row.ToState,
			Payload:   []byte(row.Payload),
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}
