// Package approval implements the Approval Coordinator (Section 4.E): it
// creates paired approval records, resolves the first-decision-wins race,
// and pushes decisions outward.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/logger"
	"github.com/acme/siteflow/internal/store"
	"github.com/acme/siteflow/internal/trackerclient"
)

// Mirror is the subset of *trackerclient.Mirror the coordinator needs.
type Mirror interface {
	CreateApproval(ctx context.Context, projectID uuid.UUID, localApprovalID string, stage domain.Stage, deliverables []domain.Deliverable) (string, error)
	SubmitDecision(ctx context.Context, projectID uuid.UUID, remoteApprovalID string, decision domain.Decision, feedback string, sink trackerclient.MirrorSink)
	FetchApproval(ctx context.Context, remoteApprovalID string) (domain.Decision, error)
}

// StageEvaluator is the subset of the Stage Machine the coordinator
// notifies once a decision lands (Section 4.E step 4).
type StageEvaluator interface {
	Evaluate(ctx context.Context, projectID uuid.UUID) error
}

// DeliverablesLister is the out-of-scope deliverables directory (Section
// 4.E step 1): "Gather the stage's deliverables list from the
// deliverables directory."
type DeliverablesLister interface {
	ListDeliverables(ctx context.Context, projectID uuid.UUID, stage domain.Stage) ([]domain.Deliverable, error)
}

type Coordinator struct {
	store        *store.Store
	mirror       Mirror
	machine      StageEvaluator
	deliverables DeliverablesLister
	outboxSink   trackerclient.MirrorSink
	log          *logger.Logger

	// ReconcileInterval paces RunReconciler's poll of unpaired approvals.
	ReconcileInterval time.Duration
}

func New(st *store.Store, mirror Mirror, machine StageEvaluator, deliverables DeliverablesLister, log *logger.Logger) *Coordinator {
	return &Coordinator{
		store:             st,
		mirror:            mirror,
		machine:           machine,
		deliverables:      deliverables,
		log:               log.With("component", "ApprovalCoordinator"),
		ReconcileInterval: 5 * time.Second,
	}
}

// SetOutboxSink wires the durable fallback queue; kept settable after
// construction to break the New() import cycle with the outbox's own
// owner (the orchestrator).
func (c *Coordinator) SetOutboxSink(sink trackerclient.MirrorSink) {
	c.outboxSink = sink
}

// EnsureApprovalRequested runs the two-phase pairing (Section 4.E steps
// 1-3, Section 9 "Approval pairing as two-phase") the first time a project
// enters a gated stage. It is idempotent: a second call for a stage that
// already has an approval row creates no new row, and only retries pairing
// if that row is still unpaired.
func (c *Coordinator) EnsureApprovalRequested(ctx context.Context, projectID uuid.UUID, stage domain.Stage) error {
	if existing, err := c.store.GetApprovalByStage(ctx, projectID, stage); err == nil && existing != nil {
		if !existing.Paired() {
			c.tryPair(ctx, existing)
		}
		return nil
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	deliverables, err := c.deliverables.ListDeliverables(ctx, projectID, stage)
	if err != nil {
		return fmt.Errorf("approval: list deliverables: %w", err)
	}

	var created *domain.Approval
	err = c.store.WithTx(ctx, func(tx *gorm.DB) error {
		created, err = store.CreateApproval(tx, projectID, stage, deliverables)
		return err
	})
	if err != nil {
		return err
	}

	c.tryPair(ctx, created)
	return nil
}

// RunReconciler polls for approvals stuck in the "gap window" (Section
// 4.E step 4, Section 9) and retries until each resolves:
//   - unpaired rows retry create_remote_approval (also pushing any
//     decision that was recorded locally while unpaired);
//   - paired-but-still-pending rows poll fetch_approval, catching a
//     decision whose approval.updated webhook never reached ingress.
//
// It runs until ctx is cancelled, matching the ReplayWorker's ticker-poll
// shape.
func (c *Coordinator) RunReconciler(ctx context.Context) {
	interval := c.ReconcileInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reconcileUnpaired(ctx)
			c.reconcilePairedPending(ctx)
		}
	}
}

func (c *Coordinator) reconcileUnpaired(ctx context.Context) {
	unpaired, err := c.store.ListUnpaired(ctx)
	if err != nil {
		c.log.Warn("list unpaired approvals failed", "error", err)
		return
	}
	for _, a := range unpaired {
		c.tryPair(ctx, a)
	}
}

func (c *Coordinator) reconcilePairedPending(ctx context.Context) {
	pending, err := c.store.ListPairedPending(ctx)
	if err != nil {
		c.log.Warn("list paired-pending approvals failed", "error", err)
		return
	}
	for _, a := range pending {
		decision, err := c.mirror.FetchApproval(ctx, a.RemoteID)
		if err != nil {
			c.log.Warn("fetch_approval failed", "approval_id", a.ID, "remote_id", a.RemoteID, "error", err)
			continue
		}
		if !decision.Terminal() {
			continue
		}
		if err := c.resolve(ctx, a, decision, "", false); err != nil {
			c.log.Error("reconciler: applying fetched decision failed", "approval_id", a.ID, "error", err)
		}
	}
}

func (c *Coordinator) tryPair(ctx context.Context, a *domain.Approval) {
	deliverables, err := c.deliverables.ListDeliverables(ctx, a.ProjectID, a.Stage)
	if err != nil {
		c.log.Warn("approval pairing: list deliverables failed", "approval_id", a.ID, "error", err)
		return
	}
	remoteID, err := c.mirror.CreateApproval(ctx, a.ProjectID, a.ID.String(), a.Stage, deliverables)
	if err != nil {
		// Local row stays unpaired; the reconciler retries (step 4).
		return
	}
	if err := c.store.SetRemoteID(ctx, a.ID, remoteID); err != nil {
		c.log.Error("approval pairing: write back remote id failed", "approval_id", a.ID, "error", err)
		return
	}

	// A decision may have already landed locally while this approval was
	// still unpaired (Section 9's "gap window"); now that pairing just
	// succeeded, push it out exactly once.
	if a.Decision.Terminal() && a.DecidedLocally {
		c.mirror.SubmitDecision(ctx, a.ProjectID, remoteID, a.Decision, a.Feedback, c.outboxSink)
	}
}

// ResolveByRemoteID handles a remote-originated decision (ingress
// approval.updated). Section 4.E: locate by remote id, first-decision-wins,
// never re-push to the tracker (it's already there).
func (c *Coordinator) ResolveByRemoteID(ctx context.Context, remoteApprovalID string, decision domain.Decision, feedback string) error {
	a, err := c.store.GetApprovalByRemoteID(ctx, remoteApprovalID)
	if err != nil {
		return fmt.Errorf("approval: resolve by remote id %q: %w", remoteApprovalID, err)
	}
	return c.resolve(ctx, a, decision, feedback, false)
}

// ResolveLocal handles a local administrative decision. Section 4.E /
// Section 8 scenario 4 ("Local-first decision"): write locally first, then
// push outward exactly once, tolerating an already-applied response.
func (c *Coordinator) ResolveLocal(ctx context.Context, approvalID uuid.UUID, decision domain.Decision, feedback string) error {
	a, err := c.store.GetApproval(ctx, approvalID)
	if err != nil {
		return fmt.Errorf("approval: resolve local %s: %w", approvalID, err)
	}
	return c.resolve(ctx, a, decision, feedback, true)
}

func (c *Coordinator) resolve(ctx context.Context, a *domain.Approval, decision domain.Decision, feedback string, originatedLocally bool) error {
	var won bool
	err := c.store.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		won, err = store.RecordDecisionIfPending(tx, a.ID, decision, feedback, originatedLocally)
		return err
	})
	if err != nil {
		return err
	}
	if !won {
		c.log.Info("approval decision discarded: first-decision-wins", "approval_id", a.ID, "incoming_decision", decision)
		return c.machine.Evaluate(ctx, a.ProjectID)
	}

	// Outside the transaction, still logically under the project lock the
	// stage machine's Evaluate will (re)acquire: push outward only if this
	// decision was recorded locally first (Section 4.E step 3).
	if originatedLocally && a.Paired() {
		c.mirror.SubmitDecision(ctx, a.ProjectID, a.RemoteID, decision, feedback, c.outboxSink)
	}

	return c.machine.Evaluate(ctx, a.ProjectID)
}
