package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/acme/siteflow/internal/domain"
)

// CreateProject inserts the project row together with all nine task rows
// in one transaction (Section 4.C). Returns ErrAlreadyExists if a project
// with this ExternalID already exists (Section 8: "at most one project row
// per external_project_id"; the ingress handler treats this as the
// dedup/idempotent-replay case rather than an error).
func (s *Store) CreateProject(ctx context.Context, externalID, label string, metadata []byte) (*domain.Project, error) {
	var created *domain.Project
	err := s.WithTx(ctx, func(tx *gorm.DB) error {
		var existing domain.Project
		err := tx.Where("external_id = ?", externalID).First(&existing).Error
		if err == nil {
			created = &existing
			return ErrAlreadyExists
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		p := &domain.Project{
			ID:           uuid.New(),
			ExternalID:   externalID,
			Label:        label,
			CurrentStage: domain.StageInitialReview,
			SyncStatus:   domain.SyncActive,
			Metadata:     metadata,
		}
		if err := tx.Create(p).Error; err != nil {
			return err
		}

		tasks := make([]*domain.Task, 0, len(domain.Stages))
		for _, st := range domain.Stages {
			tasks = append(tasks, &domain.Task{
				ID:        uuid.New(),
				ProjectID: p.ID,
				Stage:     st,
				Status:    domain.TaskPending,
			})
		}
		if err := tx.Create(&tasks).Error; err != nil {
			return err
		}
		p.Tasks = make([]domain.Task, len(tasks))
		for i, t := range tasks {
			p.Tasks[i] = *t
		}
		created = p
		return nil
	})
	if errors.Is(err, ErrAlreadyExists) {
		return created, ErrAlreadyExists
	}
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ReadProjectView loads a project with its tasks and approvals.
func (s *Store) ReadProjectView(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	var p domain.Project
	err := s.db.WithContext(ctx).Preload("Tasks").Preload("Approvals").First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*domain.Project, error) {
	var p domain.Project
	err := s.db.WithContext(ctx).Preload("Tasks").Preload("Approvals").
		Where("external_id = ?", externalID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	var out []*domain.Project
	err := s.db.WithContext(ctx).Preload("Tasks").Preload("Approvals").Order("created_at asc").Find(&out).Error
	return out, err
}

// SetSyncStatus updates the project's overall sync status (Section 7).
func (s *Store) SetSyncStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status domain.SyncStatus) error {
	conn := tx
	if conn == nil {
		conn = s.db.WithContext(ctx)
	}
	return conn.Model(&domain.Project{}).Where("id = ?", id).Update("sync_status", status).Error
}

// SetSyncStatusTx updates sync status inside an existing transaction.
func SetSyncStatusTx(tx *gorm.DB, id uuid.UUID, status domain.SyncStatus) error {
	return tx.Model(&domain.Project{}).Where("id = ?", id).Update("sync_status", status).Error
}

// SetSyncStatusActive clears an error sync-status once a queued mirror
// write successfully replays (Section 8 scenario 6).
func (s *Store) SetSyncStatusActive(ctx context.Context, projectID uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&domain.Project{}).
		Where("id = ? AND sync_status = ?", projectID, domain.SyncError).
		Update("sync_status", domain.SyncActive).Error
}

// AdvanceStage advances the project to newStage inside tx. Must be called
// with the project row already locked via LockProject in the same
// transaction (Section 4.C, Section 4.F: every transition produces a store
// mutation inside the project's row lock).
func AdvanceStage(tx *gorm.DB, projectID uuid.UUID, newStage domain.Stage) error {
	return tx.Model(&domain.Project{}).Where("id = ?", projectID).Update("current_stage", newStage).Error
}
