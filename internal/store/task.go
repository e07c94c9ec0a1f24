package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/acme/siteflow/internal/domain"
)

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	var t domain.Task
	err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &t, err
}

func (s *Store) GetTaskByStage(ctx context.Context, projectID uuid.UUID, stage domain.Stage) (*domain.Task, error) {
	var t domain.Task
	err := s.db.WithContext(ctx).Where("project_id = ? AND stage = ?", projectID, stage).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &t, err
}

// StartTask transitions a task pending->running, inside tx (typically
// alongside a project-stage advance so both land atomically).
func StartTask(tx *gorm.DB, taskID uuid.UUID) error {
	now := time.Now()
	return tx.Model(&domain.Task{}).Where("id = ? AND status = ?", taskID, domain.TaskPending).
		Updates(map[string]interface{}{
			"status":       domain.TaskRunning,
			"started_at":   now,
			"heartbeat_at": now,
			"attempt":      gorm.Expr("attempt + 1"),
		}).Error
}

// RequeueTask resets a task from a terminal state back to pending, used
// when a gated stage's decision is changes_requested/rejected and the
// stage must be re-dispatched with accumulated feedback (Section 4.F,
// guard 4).
func RequeueTask(tx *gorm.DB, taskID uuid.UUID) error {
	return tx.Model(&domain.Task{}).Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"status":       domain.TaskPending,
			"progress":     0,
			"started_at":   nil,
			"completed_at": nil,
			"last_error":   "",
		}).Error
}

// UpdateProgress writes a monotonically non-decreasing progress value and
// heartbeat for a running task. Throttling to "at most once per second or
// on >=5% change" is enforced by the caller (dispatch package); this method
// is the unconditional write.
func (s *Store) UpdateProgress(ctx context.Context, taskID uuid.UUID, pct int) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status = ? AND progress <= ?", taskID, domain.TaskRunning, pct).
		Updates(map[string]interface{}{
			"progress":     pct,
			"heartbeat_at": now,
		}).Error
}

// Heartbeat refreshes liveness without touching progress.
func (s *Store) Heartbeat(ctx context.Context, taskID uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&domain.Task{}).Where("id = ?", taskID).
		Update("heartbeat_at", time.Now()).Error
}

// FinishTask writes a terminal status inside tx (CompletedAt set iff
// terminal, Section 3).
func FinishTask(tx *gorm.DB, taskID uuid.UUID, status domain.TaskStatus, lastErr string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":       status,
		"completed_at": now,
	}
	if lastErr != "" {
		updates["last_error"] = lastErr
	}
	if status == domain.TaskSucceeded {
		updates["progress"] = 100
	}
	return tx.Model(&domain.Task{}).Where("id = ?", taskID).Updates(updates).Error
}

// RunningAtStartup lists every task left in status=running, for orphan
// reconciliation (Section 4.G, Section 7, Section 8: "Restart mid-dispatch:
// no task remains in running after recovery").
func (s *Store) RunningAtStartup(ctx context.Context) ([]*domain.Task, error) {
	var out []*domain.Task
	err := s.db.WithContext(ctx).Where("status = ?", domain.TaskRunning).Find(&out).Error
	return out, err
}
