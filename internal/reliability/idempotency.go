// Package reliability implements the four components of SPEC_FULL.md
// §4.7: Idempotency Guard, Fan-In Checker, Hard-Stopper and Retry
// Policy, grounded on tempo_os/resilience/{idempotency,fan_in,stopper,
// retry}.py, ported from asyncio to Go's context/goroutine idiom and
// from the Python originals' pluggable in-memory/PG storage split to
// a single gorm-backed store, matching how the rest of this codebase
// persists through gorm.io/gorm.
package reliability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
)

// Decision is the outcome of the before-execute idempotency check.
type Decision string

const (
	DecisionProceed Decision = "proceed"
	DecisionSkip    Decision = "skip"
)

type idempotencyRow struct {
	SessionID  string `gorm:"primaryKey;size:191"`
	Step       string `gorm:"primaryKey;size:191"`
	Attempt    int    `gorm:"primaryKey"`
	Status     string `gorm:"size:32;not null"` // started | success | error
	ResultHash string `gorm:"size:32"`
	UpdatedAt  time.Time
	CreatedAt  time.Time
}

func (idempotencyRow) TableName() string { return "idempotency_records" }

// IdempotencyGuard ensures a given (session, step, attempt) executes
// at most once to a success terminal, per SPEC_FULL.md §4.7's
// contract that duplicate proceed is impossible once after(success)
// has returned.
type IdempotencyGuard struct {
	logger *log.Logger
	db     *gorm.DB
}

func NewIdempotencyGuard(logger *log.Logger, db *gorm.DB) (*IdempotencyGuard, error) {
	if err := db.AutoMigrate(&idempotencyRow{}); err != nil {
		return nil, fmt.Errorf("migrate idempotency records: %w", err)
	}
	return &IdempotencyGuard{logger: logger, db: db}, nil
}

// Before checks whether (sessionID, step, attempt) already has a
// terminal "success" record; if not, it inserts a "started" marker
// and returns DecisionProceed. Any other concurrent caller racing on
// the same key finds the started/success row already present via the
// primary key constraint and receives DecisionSkip instead.
func (g *IdempotencyGuard) Before(ctx context.Context, sessionID, step string, attempt int) (Decision, error) {
	var existing idempotencyRow
	err := g.db.WithContext(ctx).
		Where("session_id = ? AND step = ? AND attempt = ?", sessionID, step, attempt).
		First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// fall through to insert
	case err != nil:
		return "", fmt.Errorf("check idempotency record: %w", err)
	default:
		if existing.Status == "success" {
			g.logger.Printf("reliability: skipping %s/%s#%d (already executed)", sessionID, step, attempt)
			return DecisionSkip, nil
		}
		// started/error rows are not terminal; allow re-entry so a
		// crashed attempt can be resumed under the same attempt number.
		return DecisionProceed, nil
	}

	now := time.Now().UTC()
	row := idempotencyRow{SessionID: sessionID, Step: step, Attempt: attempt, Status: "started", CreatedAt: now, UpdatedAt: now}
	if err := g.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the race between the SELECT above and this INSERT to
			// another caller that started the same (session, step,
			// attempt) first; its row now owns the attempt.
			g.logger.Printf("reliability: lost idempotency insert race for %s/%s#%d", sessionID, step, attempt)
			return DecisionSkip, nil
		}
		return "", fmt.Errorf("insert idempotency record: %w", err)
	}
	return DecisionProceed, nil
}

// After records the terminal (or intermediate) status of an attempt.
func (g *IdempotencyGuard) After(ctx context.Context, sessionID, step string, attempt int, status string, result any) error {
	hash := ""
	if result != nil {
		encoded, err := json.Marshal(result)
		if err == nil {
			sum := sha256.Sum256(encoded)
			hash = hex.EncodeToString(sum[:])[:16]
		}
	}
	err := g.db.WithContext(ctx).Model(&idempotencyRow{}).
		Where("session_id = ? AND step = ? AND attempt = ?", sessionID, step, attempt).
		Updates(map[string]any{"status": status, "result_hash": hash, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("update idempotency record: %w", err)
	}
	g.logger.Printf("reliability: recorded %s/%s#%d status=%s", sessionID, step, attempt, status)
	return nil
}

// MaxAttempt returns the highest attempt number recorded for a step.
func (g *IdempotencyGuard) MaxAttempt(ctx context.Context, sessionID, step string) (int, error) {
	var max int
	row := g.db.WithContext(ctx).Model(&idempotencyRow{}).
		Where("session_id = ? AND step = ?", sessionID, step).
		Select("COALESCE(MAX(attempt), 0)").Row()
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("read max attempt: %w", err)
	}
	return max, nil
}
