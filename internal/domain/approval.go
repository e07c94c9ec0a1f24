package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Decision string

const (
	DecisionPending           Decision = "pending"
	DecisionApproved          Decision = "approved"
	DecisionRejected          Decision = "rejected"
	DecisionChangesRequested  Decision = "changes_requested"
)

func (d Decision) Terminal() bool { return d != DecisionPending && d != "" }

// Deliverable is one artifact surfaced to the human approver.
type Deliverable struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Mime string `json:"mime"`
	Size int64  `json:"size"`
}

// Approval is the two-sided gating object for stages 3, 4 and 7 (design,
// content, preview). One row exists per (project, gated stage).
//
// Invariants (Section 3):
//   - once Decision != pending, RespondedAt is set and immutable
//   - (ID, RemoteID) form a bijection once RemoteID is set (pairing complete)
type Approval struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	Stage         Stage          `gorm:"not null;index" json:"stage"`
	RemoteID      string         `gorm:"index" json:"remote_id,omitempty"`
	Decision      Decision       `gorm:"not null;default:pending" json:"decision"`
	RequestedAt   time.Time      `json:"requested_at"`
	RespondedAt   *time.Time     `json:"responded_at,omitempty"`
	Feedback      string         `json:"feedback,omitempty"`
	PreviewURL    string         `json:"preview_url,omitempty"`
	Deliverables  datatypes.JSON `json:"deliverables,omitempty"`
	DecidedLocally bool          `gorm:"not null;default:false" json:"decided_locally"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (Approval) TableName() string { return "approvals" }

// Paired reports whether the local row has been linked to a remote approval.
func (a *Approval) Paired() bool { return a.RemoteID != "" }
