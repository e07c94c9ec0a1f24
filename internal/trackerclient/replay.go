package trackerclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/httpx"
	"github.com/acme/siteflow/internal/logger"
)

// OutboxRepo is the subset of *store.Store the replay worker needs.
type OutboxRepo interface {
	ClaimNextOutboxEntry(ctx context.Context) (*domain.OutboxEntry, error)
	DeleteOutboxEntry(ctx context.Context, id uuid.UUID) error
	ReleaseOutboxEntry(ctx context.Context, id uuid.UUID, lastErr string, nextRunAt time.Time) error
	SetSyncStatusActive(ctx context.Context, projectID uuid.UUID) error
	SetSyncStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status domain.SyncStatus) error
}

// ReplayWorker polls the durable outbox and resubmits queued mirror writes
// once the tracker (or its circuit breaker) recovers, matching the
// teacher's SQL-backed job-queue poller (Section 4.B, Section 9 "Two
// systems of record"; Section 8 scenario 6: "on tracker recovery, queued
// write replays and sync-status returns to active").
type ReplayWorker struct {
	client Client
	repo   OutboxRepo
	log    *logger.Logger

	PollInterval time.Duration

	// FailureThreshold is the number of consecutive replay failures for a
	// single outbox entry after which its project's sync-status is
	// downgraded to error (Section 7 "Transient outbound", Section 8
	// scenario 6: "Tracker returns 503 ... five consecutive times ...
	// sync-status downgraded to error after threshold").
	FailureThreshold int
}

func NewReplayWorker(client Client, repo OutboxRepo, log *logger.Logger) *ReplayWorker {
	return &ReplayWorker{
		client:           client,
		repo:             repo,
		log:              log.With("component", "ReplayWorker"),
		PollInterval:     3 * time.Second,
		FailureThreshold: 5,
	}
}

func (w *ReplayWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *ReplayWorker) tick(ctx context.Context) {
	entry, err := w.repo.ClaimNextOutboxEntry(ctx)
	if err != nil {
		w.log.Warn("claim outbox entry failed", "error", err)
		return
	}
	if entry == nil {
		return
	}

	if err := w.replay(ctx, entry); err != nil {
		attempts := entry.Attempts + 1
		backoffDur := httpx.JitterSleep(time.Duration(attempts) * time.Second)
		if backoffDur > time.Minute {
			backoffDur = time.Minute
		}
		_ = w.repo.ReleaseOutboxEntry(ctx, entry.ID, err.Error(), time.Now().Add(backoffDur))

		threshold := w.FailureThreshold
		if threshold <= 0 {
			threshold = 5
		}
		if attempts >= threshold {
			if err := w.repo.SetSyncStatus(ctx, nil, entry.ProjectID, domain.SyncError); err != nil {
				w.log.Error("sync-status downgrade failed", "project_id", entry.ProjectID, "error", err)
			}
		}
		return
	}
	_ = w.repo.DeleteOutboxEntry(ctx, entry.ID)
	_ = w.repo.SetSyncStatusActive(ctx, entry.ProjectID)
}

func (w *ReplayWorker) replay(ctx context.Context, e *domain.OutboxEntry) error {
	switch e.Op {
	case domain.OpUpsertProjectMirror:
		var v ProjectView
		if err := json.Unmarshal(e.Payload, &v); err != nil {
			return err
		}
		return w.client.UpsertProjectMirror(ctx, e.EntityID, v, e.Generation)
	case domain.OpUpsertTaskMirror:
		var v TaskView
		if err := json.Unmarshal(e.Payload, &v); err != nil {
			return err
		}
		return w.client.UpsertTaskMirror(ctx, e.EntityID, v, e.Generation)
	case domain.OpSubmitRemoteDecision:
		var v struct {
			Decision string `json:"decision"`
			Feedback string `json:"feedback"`
		}
		if err := json.Unmarshal(e.Payload, &v); err != nil {
			return err
		}
		return w.client.SubmitRemoteDecision(ctx, e.EntityID, domain.Decision(v.Decision), v.Feedback, e.Generation)
	default:
		// create_remote_approval is never queued to the outbox: on failure
		// the local approval row simply stays unpaired and the Approval
		// Coordinator's reconciler (not this worker) retries pairing, since
		// a successful retry must write back a remote id the outbox entry
		// has nowhere to put (Section 4.E step 4, Section 9).
		w.log.Warn("outbox entry with unsupported op", "op", e.Op)
		return nil
	}
}
