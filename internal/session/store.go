package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("session: not found")

// Store is the durable snapshot repository backing the TTL sweep's
// pause/resume path.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, tenantID, sessionID string) (Record, error)
	ListExpired(ctx context.Context, olderThan time.Time) ([]Record, error)
	Delete(ctx context.Context, tenantID, sessionID string) error
}

type sessionRow struct {
	TenantID    string `gorm:"primaryKey;size:191"`
	SessionID   string `gorm:"primaryKey;size:191"`
	FlowID      string `gorm:"size:191"`
	NodeID      string `gorm:"size:191"`
	Implicit    bool
	FSMState    string `gorm:"size:191;not null"`
	Status      string `gorm:"size:32;not null;index"`
	ParamsJSON  string `gorm:"type:text"`
	TTLSeconds  int    `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time `gorm:"index;autoUpdateTime:false"`
	CompletedAt *time.Time
}

func (sessionRow) TableName() string { return "sessions" }

func rowFromRecord(r Record) sessionRow {
	row := sessionRow{
		TenantID:   r.TenantID,
		SessionID:  r.SessionID,
		FlowID:     r.FlowID,
		NodeID:     r.NodeID,
		Implicit:   r.Implicit,
		FSMState:   r.FSMState,
		Status:     string(r.Status),
		ParamsJSON: r.ParamsJSON,
		TTLSeconds: r.TTLSeconds,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if !r.CompletedAt.IsZero() {
		completed := r.CompletedAt
		row.CompletedAt = &completed
	}
	return row
}

func (row sessionRow) toRecord() Record {
	rec := Record{
		TenantID:   row.TenantID,
		SessionID:  row.SessionID,
		FlowID:     row.FlowID,
		NodeID:     row.NodeID,
		Implicit:   row.Implicit,
		FSMState:   row.FSMState,
		Status:     Status(row.Status),
		ParamsJSON: row.ParamsJSON,
		TTLSeconds: row.TTLSeconds,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
	if row.CompletedAt != nil {
		rec.CompletedAt = *row.CompletedAt
	}
	return rec
}

// GormStore persists session snapshots via gorm, following the
// driver-agnostic setup of internal/db.OpenGorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&sessionRow{}); err != nil {
		return nil, fmt.Errorf("migrate sessions table: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Save(ctx context.Context, rec Record) error {
	row := rowFromRecord(rec)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, tenantID, sessionID string) (Record, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND session_id = ?", tenantID, sessionID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get session: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) ListExpired(ctx context.Context, olderThan time.Time) ([]Record, error) {
	var rows []sessionRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(StatusRunning), olderThan).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) Delete(ctx context.Context, tenantID, sessionID string) error {
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND session_id = ?", tenantID, sessionID).
		Delete(&sessionRow{}).Error
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
