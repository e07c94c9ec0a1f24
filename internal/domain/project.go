package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SyncStatus is the project's overall health w.r.t. the remote tracker
// and task execution (Section 3, Section 7).
type SyncStatus string

const (
	SyncActive    SyncStatus = "active"
	SyncPaused    SyncStatus = "paused"
	SyncError     SyncStatus = "error"
	SyncCompleted SyncStatus = "completed"
)

// Project is the unit of orchestration: one externally-originated
// website-delivery engagement driven through the nine stages.
//
// Invariants (Section 3):
//   - current stage advances monotonically except by out-of-scope admin reset
//   - every stage in StageTasks references an existing Task row
//   - exactly one Project per ExternalID (unique index, Section 4.C)
type Project struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ExternalID   string         `gorm:"uniqueIndex;not null" json:"external_id"`
	Label        string         `gorm:"not null" json:"label"`
	CurrentStage Stage          `gorm:"not null;index" json:"current_stage"`
	SyncStatus   SyncStatus     `gorm:"not null;default:active" json:"sync_status"`
	Metadata     datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`

	Tasks      []Task     `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"tasks,omitempty"`
	Approvals  []Approval `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"approvals,omitempty"`
}

func (Project) TableName() string { return "projects" }

// StageTaskID returns the id of the task row owning the given stage, or
// (uuid.Nil, false) if not yet materialized. The mapping is populated at
// creation time and is immutable thereafter (Section 3).
func (p *Project) StageTaskID(s Stage) (uuid.UUID, bool) {
	for _, t := range p.Tasks {
		if t.Stage == s {
			return t.ID, true
		}
	}
	return uuid.Nil, false
}
