package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/acme/siteflow/internal/domain"
)

// Enqueue durably records a mirror write that could not be delivered
// immediately (Section 4.B circuit breaker open, Section 7 transient
// outbound exhaustion). entityID/generation feed IdempotencyKey on replay.
func (s *Store) Enqueue(ctx context.Context, projectID uuid.UUID, op domain.OutboxOp, entityID string, generation int, payload []byte) (*domain.OutboxEntry, error) {
	e := &domain.OutboxEntry{
		ID:         uuid.New(),
		ProjectID:  projectID,
		Op:         op,
		EntityID:   entityID,
		Generation: generation,
		Payload:    payload,
		NextRunAt:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return nil, err
	}
	return e, nil
}

// ClaimNextOutboxEntry locks and returns the oldest due entry, mirroring
// the teacher's ClaimNextRunnable SELECT ... FOR UPDATE SKIP LOCKED pattern
// so multiple replay workers never double-send the same mirror write.
func (s *Store) ClaimNextOutboxEntry(ctx context.Context) (*domain.OutboxEntry, error) {
	var claimed *domain.OutboxEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var e domain.OutboxEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("next_run_at <= ?", time.Now()).
			Order("created_at asc").
			First(&e).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		claimed = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) DeleteOutboxEntry(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Delete(&domain.OutboxEntry{}, "id = ?", id).Error
}

// ReleaseOutboxEntry records a failed replay attempt and schedules the next
// retry with the caller-computed backoff.
func (s *Store) ReleaseOutboxEntry(ctx context.Context, id uuid.UUID, lastErr string, nextRunAt time.Time) error {
	return s.db.WithContext(ctx).Model(&domain.OutboxEntry{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":    gorm.Expr("attempts + 1"),
			"last_error":  lastErr,
			"next_run_at": nextRunAt,
		}).Error
}

func (s *Store) CountPendingOutbox(ctx context.Context, projectID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&domain.OutboxEntry{}).Where("project_id = ?", projectID).Count(&n).Error
	return n, err
}
