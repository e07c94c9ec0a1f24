package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/acme/siteflow/internal/domain"
)

// CreateApproval inserts a pending approval row for a gated stage inside
// tx, as step 2 of the Approval Coordinator's two-phase pairing (Section
// 4.E).
func CreateApproval(tx *gorm.DB, projectID uuid.UUID, stage domain.Stage, deliverables []domain.Deliverable) (*domain.Approval, error) {
	payload, _ := json.Marshal(deliverables)
	a := &domain.Approval{
		ID:          uuid.New(),
		ProjectID:   projectID,
		Stage:       stage,
		Decision:    domain.DecisionPending,
		RequestedAt: time.Now(),
		Deliverables: payload,
	}
	if err := tx.Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// SetRemoteID writes back the remote approval id once create_remote_approval
// succeeds (Section 4.E step 3, Section 9 "Approval pairing as two-phase").
func (s *Store) SetRemoteID(ctx context.Context, approvalID uuid.UUID, remoteID string) error {
	return s.db.WithContext(ctx).Model(&domain.Approval{}).Where("id = ?", approvalID).
		Update("remote_id", remoteID).Error
}

func (s *Store) GetApprovalByStage(ctx context.Context, projectID uuid.UUID, stage domain.Stage) (*domain.Approval, error) {
	var a domain.Approval
	err := s.db.WithContext(ctx).Where("project_id = ? AND stage = ?", projectID, stage).
		Order("requested_at desc").First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &a, err
}

func (s *Store) GetApprovalByRemoteID(ctx context.Context, remoteID string) (*domain.Approval, error) {
	var a domain.Approval
	err := s.db.WithContext(ctx).Where("remote_id = ?", remoteID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &a, err
}

func (s *Store) GetApproval(ctx context.Context, id uuid.UUID) (*domain.Approval, error) {
	var a domain.Approval
	err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &a, err
}

func (s *Store) ListApprovals(ctx context.Context, projectID uuid.UUID) ([]*domain.Approval, error) {
	var out []*domain.Approval
	err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("requested_at asc").Find(&out).Error
	return out, err
}

// ListUnpaired returns approvals that have no remote id yet, whatever
// their decision, for the background reconciler (Section 4.E step 4,
// Section 9: "handles the gap window when the remote id is not yet known
// but a decision arrives" — a locally-decided-but-unpaired approval must
// still be retried so its decision can be pushed out once pairing
// succeeds).
func (s *Store) ListUnpaired(ctx context.Context) ([]*domain.Approval, error) {
	var out []*domain.Approval
	err := s.db.WithContext(ctx).Where("remote_id = ''").Find(&out).Error
	return out, err
}

// ListPairedPending returns approvals that have a remote id but are still
// locally pending, for the reconciler's fetch_approval poll (Section 4.B,
// Section 9 "vice versa": a decision addressed to the local id may have
// arrived at the tracker without its approval.updated webhook ever
// reaching ingress).
func (s *Store) ListPairedPending(ctx context.Context) ([]*domain.Approval, error) {
	var out []*domain.Approval
	err := s.db.WithContext(ctx).Where("remote_id <> '' AND decision = ?", domain.DecisionPending).Find(&out).Error
	return out, err
}

// RecordDecisionIfPending is the "first-decision-wins" write (Section 4.E
// step 2, Section 3 invariant, Section 8 boundary behavior). It returns
// (true, nil) if this call recorded the decision, (false, nil) if the
// approval already had a terminal decision (duplicate/loser, discarded with
// an audit note by the caller).
func RecordDecisionIfPending(tx *gorm.DB, approvalID uuid.UUID, decision domain.Decision, feedback string, decidedLocally bool) (bool, error) {
	now := time.Now()
	res := tx.Model(&domain.Approval{}).
		Where("id = ? AND decision = ?", approvalID, domain.DecisionPending).
		Updates(map[string]interface{}{
			"decision":        decision,
			"responded_at":    now,
			"feedback":        feedback,
			"decided_locally": decidedLocally,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
