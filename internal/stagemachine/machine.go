// Package stagemachine implements the per-project transition logic
// (Section 4.F): a linear graph of nine stages, each with an owner
// (agent-driven or human), a gated flag, and an on-success target.
package stagemachine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/logger"
	"github.com/acme/siteflow/internal/store"
)

// Dispatcher is the subset of the Task Dispatcher (component G) the stage
// machine needs: start the next stage's task. The stage machine never
// talks to the executor directly.
type Dispatcher interface {
	Dispatch(ctx context.Context, projectID, taskID uuid.UUID, stage domain.Stage, feedback string) error
}

// Mirror is the subset of the tracker client's Mirror the stage machine
// needs to push every transition outward (Section 4.F: "produces ... an
// outbound mirror update").
type Mirror interface {
	UpsertProjectByID(ctx context.Context, projectID uuid.UUID)
	UpsertTaskByID(ctx context.Context, projectID, taskID uuid.UUID)
}

// ApprovalOpener is the subset of the Approval Coordinator needed to open
// a gate when a project enters a gated stage (Section 4.E step 1-3).
type ApprovalOpener interface {
	EnsureApprovalRequested(ctx context.Context, projectID uuid.UUID, stage domain.Stage) error
}

type Machine struct {
	store      *store.Store
	dispatcher Dispatcher
	mirror     Mirror
	approvals  ApprovalOpener
	log        *logger.Logger
}

func New(st *store.Store, dispatcher Dispatcher, mirror Mirror, approvals ApprovalOpener, log *logger.Logger) *Machine {
	return &Machine{store: st, dispatcher: dispatcher, mirror: mirror, approvals: approvals, log: log.With("component", "StageMachine")}
}

// outcome summarizes what Evaluate decided, so the orchestrator can log it
// and the mirror/dispatch side effects can run after the transaction
// commits (Section 4.H: "external calls occur only after the transaction
// commits").
type outcome struct {
	advanced      bool
	newStage      domain.Stage
	dispatchTask  uuid.UUID
	dispatchStage domain.Stage
	feedback      string
	requestApproval bool
}

// Evaluate re-runs the state machine for one project after a task terminal
// event or an approval decision. It must be called with the project's row
// lock held for the duration (the orchestrator guarantees this by running
// one project's events through a single serialized activity; Evaluate
// itself takes the lock inside its own transaction since it is also
// reachable directly from tests).
func (m *Machine) Evaluate(ctx context.Context, projectID uuid.UUID) error {
	var out outcome
	err := m.store.WithTxRetryLock(ctx, 3, func(tx *gorm.DB) error {
		p, err := store.LockProject(tx, projectID)
		if err != nil {
			return err
		}

		// Guard 5: terminal stage, nothing further to do.
		if p.CurrentStage.Terminal() {
			return nil
		}

		task := findTask(p, p.CurrentStage)
		if task == nil {
			return fmt.Errorf("stagemachine: project %s missing task for stage %s", p.ID, p.CurrentStage)
		}

		// Guard 1: current stage's task not terminal yet.
		if !task.Status.Terminal() {
			return nil
		}

		// Guard 2: task failed (or cancelled) -> sync-status error, stage unchanged.
		if task.Status == domain.TaskFailed || task.Status == domain.TaskCancelled {
			return store.SetSyncStatusTx(tx, p.ID, domain.SyncError)
		}

		// task.Status == succeeded from here.
		if !p.CurrentStage.Gated() {
			// Guard 3.
			return m.advance(tx, p, &out)
		}

		// Guard 4: gated stage.
		appr := findLatestApproval(p, p.CurrentStage)
		switch {
		case appr != nil && appr.Decision == domain.DecisionApproved:
			return m.advance(tx, p, &out)
		case appr != nil && (appr.Decision == domain.DecisionRejected || appr.Decision == domain.DecisionChangesRequested):
			return m.requeueCurrent(tx, p, task, appr, &out)
		default:
			out.requestApproval = appr == nil
			out.dispatchStage = p.CurrentStage
			return nil
		}
	})
	if err != nil {
		return err
	}

	m.applySideEffects(ctx, projectID, out)
	return nil
}

// Start dispatches the first stage's task for a newly created project. It
// is a no-op if that task has already left status=pending (a replayed
// project.created event, or a restart that already started it).
func (m *Machine) Start(ctx context.Context, projectID uuid.UUID) error {
	var out outcome
	err := m.store.WithTxRetryLock(ctx, 3, func(tx *gorm.DB) error {
		p, err := store.LockProject(tx, projectID)
		if err != nil {
			return err
		}
		task := findTask(p, p.CurrentStage)
		if task == nil {
			return fmt.Errorf("stagemachine: project %s missing task for stage %s", p.ID, p.CurrentStage)
		}
		if task.Status != domain.TaskPending {
			return nil
		}
		if err := store.StartTask(tx, task.ID); err != nil {
			return err
		}
		out.dispatchTask = task.ID
		out.dispatchStage = p.CurrentStage
		return nil
	})
	if err != nil {
		return err
	}
	m.applySideEffects(ctx, projectID, out)
	return nil
}

func (m *Machine) advance(tx *gorm.DB, p *domain.Project, out *outcome) error {
	next, ok := p.CurrentStage.Next()
	if !ok {
		return nil
	}
	if err := store.AdvanceStage(tx, p.ID, next); err != nil {
		return err
	}
	nextTaskID, ok := p.StageTaskID(next)
	if !ok {
		return fmt.Errorf("stagemachine: project %s missing task row for stage %s", p.ID, next)
	}
	if err := store.StartTask(tx, nextTaskID); err != nil {
		return err
	}
	out.advanced = true
	out.newStage = next
	out.dispatchTask = nextTaskID
	out.dispatchStage = next
	return nil
}

func (m *Machine) requeueCurrent(tx *gorm.DB, p *domain.Project, task *domain.Task, appr *domain.Approval, out *outcome) error {
	if err := store.RequeueTask(tx, task.ID); err != nil {
		return err
	}
	if err := store.StartTask(tx, task.ID); err != nil {
		return err
	}
	out.dispatchTask = task.ID
	out.dispatchStage = p.CurrentStage
	out.feedback = appr.Feedback
	return nil
}

func (m *Machine) applySideEffects(ctx context.Context, projectID uuid.UUID, out outcome) {
	m.mirror.UpsertProjectByID(ctx, projectID)
	if out.dispatchTask != uuid.Nil {
		m.mirror.UpsertTaskByID(ctx, projectID, out.dispatchTask)
		if err := m.dispatcher.Dispatch(ctx, projectID, out.dispatchTask, out.dispatchStage, out.feedback); err != nil {
			m.log.Warn("dispatch failed after stage transition", "project_id", projectID, "stage", out.dispatchStage, "error", err)
		}
	}
	if out.requestApproval {
		if err := m.approvals.EnsureApprovalRequested(ctx, projectID, out.dispatchStage); err != nil {
			m.log.Warn("ensure approval requested failed", "project_id", projectID, "error", err)
		}
	}
}

func findTask(p *domain.Project, stage domain.Stage) *domain.Task {
	for i := range p.Tasks {
		if p.Tasks[i].Stage == stage {
			return &p.Tasks[i]
		}
	}
	return nil
}

func findLatestApproval(p *domain.Project, stage domain.Stage) *domain.Approval {
	var latest *domain.Approval
	for i := range p.Approvals {
		if p.Approvals[i].Stage != stage {
			continue
		}
		if latest == nil || p.Approvals[i].RequestedAt.After(latest.RequestedAt) {
			latest = &p.Approvals[i]
		}
	}
	return latest
}
