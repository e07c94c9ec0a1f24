package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/logger"
	"github.com/acme/siteflow/internal/store"
	"github.com/acme/siteflow/internal/trackerclient"
)

// mirrorAdapter bridges the stage machine's per-id Mirror interface to the
// tracker client's view-based Mirror, loading the current row from the
// store to build the wire projection and falling back to the durable
// outbox on delivery failure (Section 4.F, Section 4.B).
type mirrorAdapter struct {
	store  *store.Store
	mirror *trackerclient.Mirror
	log    *logger.Logger
}

func newMirrorAdapter(st *store.Store, mirror *trackerclient.Mirror, log *logger.Logger) *mirrorAdapter {
	return &mirrorAdapter{store: st, mirror: mirror, log: log.With("component", "MirrorAdapter")}
}

func (a *mirrorAdapter) sink(ctx context.Context, projectID uuid.UUID, op domain.OutboxOp, entityID string, generation int, payload []byte) {
	if _, err := a.store.Enqueue(ctx, projectID, op, entityID, generation, payload); err != nil {
		a.log.Error("outbox enqueue failed", "project_id", projectID, "op", op, "error", err)
	}
}

func (a *mirrorAdapter) UpsertProjectByID(ctx context.Context, projectID uuid.UUID) {
	p, err := a.store.ReadProjectView(ctx, projectID)
	if err != nil {
		a.log.Warn("load project for mirror failed", "project_id", projectID, "error", err)
		return
	}
	a.mirror.UpsertProject(ctx, projectID, trackerclient.ProjectView{
		ExternalID:   p.ExternalID,
		Label:        p.Label,
		CurrentStage: string(p.CurrentStage),
		SyncStatus:   string(p.SyncStatus),
	}, a.sink)
}

func (a *mirrorAdapter) UpsertTaskByID(ctx context.Context, projectID, taskID uuid.UUID) {
	t, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		a.log.Warn("load task for mirror failed", "task_id", taskID, "error", err)
		return
	}
	a.mirror.UpsertTask(ctx, projectID, taskID.String(), trackerclient.TaskView{
		Stage:     string(t.Stage),
		Status:    string(t.Status),
		Progress:  t.Progress,
		LastError: t.LastError,
	}, a.sink)
}

// CreateApproval satisfies approval.Mirror by delegating straight through;
// a failed create leaves the local row unpaired (Section 4.E).
func (a *mirrorAdapter) CreateApproval(ctx context.Context, projectID uuid.UUID, localApprovalID string, stage domain.Stage, deliverables []domain.Deliverable) (string, error) {
	return a.mirror.CreateApproval(ctx, projectID, localApprovalID, stage, deliverables)
}

func (a *mirrorAdapter) SubmitDecision(ctx context.Context, projectID uuid.UUID, remoteApprovalID string, decision domain.Decision, feedback string, sink trackerclient.MirrorSink) {
	if sink == nil {
		sink = a.sink
	}
	a.mirror.SubmitDecision(ctx, projectID, remoteApprovalID, decision, feedback, sink)
}

// FetchApproval satisfies approval.Mirror, delegating to the tracker
// client's polling reconciliation fallback (Section 4.B).
func (a *mirrorAdapter) FetchApproval(ctx context.Context, remoteApprovalID string) (domain.Decision, error) {
	return a.mirror.FetchApproval(ctx, remoteApprovalID)
}
