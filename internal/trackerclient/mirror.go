package trackerclient

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/httpx"
	"github.com/acme/siteflow/internal/logger"
)

// Mirror is the write path every stage-machine transition and approval
// decision pushes through (Section 4.F: "Every transition produces ... an
// outbound mirror update", Section 9: "never condition state-machine
// progress on the outbound call's success — only on the local commit").
// A failed UpsertProject, UpsertTask or SubmitDecision is logged and handed
// to the caller's outbox sink and returns nothing; CreateApproval and
// FetchApproval return their errors to the caller.
type Mirror struct {
	client Client
	log    *logger.Logger

	genMu sync.Mutex
	gen   map[string]int
}

// MirrorSink receives entries that could not be delivered inline so the
// caller's outbox can persist them (kept as a function value instead of an
// interface, so any function with this signature, including a method
// value, can be passed directly).
type MirrorSink func(ctx context.Context, projectID uuid.UUID, op domain.OutboxOp, entityID string, generation int, payload []byte)

func NewMirror(client Client, log *logger.Logger) *Mirror {
	return &Mirror{client: client, log: log.With("component", "Mirror"), gen: map[string]int{}}
}

func (m *Mirror) nextGeneration(entityID string, op domain.OutboxOp) int {
	m.genMu.Lock()
	defer m.genMu.Unlock()
	key := entityID + ":" + string(op)
	m.gen[key]++
	return m.gen[key]
}

func (m *Mirror) UpsertProject(ctx context.Context, projectID uuid.UUID, view ProjectView, sink MirrorSink) {
	gen := m.nextGeneration(view.ExternalID, domain.OpUpsertProjectMirror)
	if err := m.client.UpsertProjectMirror(ctx, view.ExternalID, view, gen); err != nil {
		m.fallback(ctx, projectID, domain.OpUpsertProjectMirror, view.ExternalID, gen, view, err, sink)
	}
}

func (m *Mirror) UpsertTask(ctx context.Context, projectID uuid.UUID, taskID string, view TaskView, sink MirrorSink) {
	gen := m.nextGeneration(taskID, domain.OpUpsertTaskMirror)
	if err := m.client.UpsertTaskMirror(ctx, taskID, view, gen); err != nil {
		m.fallback(ctx, projectID, domain.OpUpsertTaskMirror, taskID, gen, view, err, sink)
	}
}

func (m *Mirror) CreateApproval(ctx context.Context, projectID uuid.UUID, localApprovalID string, stage domain.Stage, deliverables []domain.Deliverable) (string, error) {
	gen := m.nextGeneration(localApprovalID, domain.OpCreateRemoteApproval)
	remoteID, err := m.client.CreateRemoteApproval(ctx, localApprovalID, stage, deliverables, gen)
	if err != nil {
		m.log.Warn("create_remote_approval failed; local row stays unpaired for the reconciler",
			"project_id", projectID, "approval_id", localApprovalID, "error", err)
		return "", err
	}
	return remoteID, nil
}

// FetchApproval polls the tracker for a paired approval's current decision
// (Section 4.B: "fetch_approval(remote_approval_id) -> current decision —
// used for reconciliation"). It is the reconciler's fallback for the case
// where an approval.updated webhook addressed to this approval never
// arrived.
func (m *Mirror) FetchApproval(ctx context.Context, remoteApprovalID string) (domain.Decision, error) {
	return m.client.FetchApproval(ctx, remoteApprovalID)
}

func (m *Mirror) SubmitDecision(ctx context.Context, projectID uuid.UUID, remoteApprovalID string, decision domain.Decision, feedback string, sink MirrorSink) {
	gen := m.nextGeneration(remoteApprovalID, domain.OpSubmitRemoteDecision)
	if err := m.client.SubmitRemoteDecision(ctx, remoteApprovalID, decision, feedback, gen); err != nil {
		payload := struct {
			Decision string `json:"decision"`
			Feedback string `json:"feedback"`
		}{Decision: string(decision), Feedback: feedback}
		m.fallback(ctx, projectID, domain.OpSubmitRemoteDecision, remoteApprovalID, gen, payload, err, sink)
	}
}

func (m *Mirror) fallback(ctx context.Context, projectID uuid.UUID, op domain.OutboxOp, entityID string, gen int, payload any, err error, sink MirrorSink) {
	m.log.Warn("tracker write failed; queuing to outbox",
		"op", op, "entity_id", entityID, "generation", gen, "error", err, "permanent", httpx.IsPermanent(err))
	if sink == nil {
		return
	}
	b, _ := json.Marshal(payload)
	sink(ctx, projectID, op, entityID, gen, b)
}
