package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// OutboxOp names the remote tracker operation a queued write represents.
type OutboxOp string

const (
	OpUpsertProjectMirror   OutboxOp = "upsert_project_mirror"
	OpUpsertTaskMirror      OutboxOp = "upsert_task_mirror"
	OpCreateRemoteApproval  OutboxOp = "create_remote_approval"
	OpSubmitRemoteDecision  OutboxOp = "submit_remote_decision"
)

// OutboxEntry is a durable, retryable mirror write queued when the tracker
// is unreachable or its circuit breaker is open (Section 4.B, Section 6
// "outbound-retry log"). Entries are replayed in creation order on close
// and deleted once the write succeeds.
type OutboxEntry struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	Op          OutboxOp       `gorm:"not null" json:"op"`
	EntityID    string         `gorm:"not null" json:"entity_id"`
	Generation  int            `gorm:"not null;default:1" json:"generation"`
	Payload     datatypes.JSON `json:"payload"`
	Attempts    int            `gorm:"not null;default:0" json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
	NextRunAt   time.Time      `json:"next_run_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (OutboxEntry) TableName() string { return "outbox_entries" }

// IdempotencyKey derives the deterministic key carried on outbound writes
// (Section 4.B, GLOSSARY "Idempotency key"): (local id, operation,
// generation). Generation increments on each new logical attempt so a retry
// of the same write is distinguished from a genuinely new one.
func IdempotencyKey(localID string, op OutboxOp, generation int) string {
	return localID + ":" + string(op) + ":" + strconv.Itoa(generation)
}
