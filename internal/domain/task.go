package domain

import (
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// Task is the unit of agent work for one stage of one project. Exactly one
// Task row exists per (project, stage) pair, created together with the
// project and never deleted (Section 3).
//
// Invariants:
//   - status transitions follow pending -> running -> {succeeded, failed, cancelled}
//   - progress is monotonically non-decreasing while status=running
//   - CompletedAt is set iff status is terminal
type Task struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"project_id"`
	Stage       Stage      `gorm:"not null;index" json:"stage"`
	Status      TaskStatus `gorm:"not null;default:pending" json:"status"`
	Progress    int        `gorm:"not null;default:0" json:"progress"`
	Attempt     int        `gorm:"not null;default:0" json:"attempt"`
	LastError   string     `json:"last_error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	WorkDir     string     `json:"work_dir,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }
