// Package dispatch implements the Task Dispatcher (Section 4.G): it starts
// a stage's executor, throttles progress writes, enforces a per-stage
// timeout, and reconciles tasks orphaned by a crash.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/logger"
	"github.com/acme/siteflow/internal/store"
)

// StageEvaluator is the subset of the Stage Machine the dispatcher notifies
// once a task reaches a terminal state (Section 4.F, Section 4.G).
type StageEvaluator interface {
	Evaluate(ctx context.Context, projectID uuid.UUID) error
}

// Mirror is the subset of the tracker client's Mirror the dispatcher uses
// to push progress snapshots outward.
type Mirror interface {
	UpsertTaskByID(ctx context.Context, projectID, taskID uuid.UUID)
}

// throttle enforces "at most once per second, or on a >=5% change" (Section
// 4.G) for progress writes.
type throttle struct {
	mu       sync.Mutex
	lastPct  int
	lastSent time.Time
}

func (t *throttle) allow(pct int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pct-t.lastPct >= 5 || pct <= 0 || pct >= 100 || time.Since(t.lastSent) >= time.Second {
		t.lastPct = pct
		t.lastSent = time.Now()
		return true
	}
	return false
}

type running struct {
	cancel context.CancelFunc
}

type Dispatcher struct {
	store    *store.Store
	executor Executor
	worktree Worktree
	machine  StageEvaluator
	mirror   Mirror
	log      *logger.Logger

	// StageTimeout returns the maximum duration a stage's executor may run
	// before it is cancelled and the task fails (Section 4.G, Section 7:
	// "Execution timeout").
	StageTimeout func(domain.Stage) time.Duration
	// HeartbeatInterval is how often a running task's heartbeat_at is
	// refreshed independent of progress writes.
	HeartbeatInterval time.Duration
	// OrphanGracePeriod is not consulted by ReconcileOrphans, which fails
	// every task found in status=running at startup whatever its
	// heartbeat_at.
	OrphanGracePeriod time.Duration

	mu      sync.Mutex
	inFlight map[uuid.UUID]*running
}

func New(st *store.Store, executor Executor, worktree Worktree, machine StageEvaluator, mirror Mirror, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:             st,
		executor:          executor,
		worktree:          worktree,
		machine:           machine,
		mirror:            mirror,
		log:               log.With("component", "Dispatcher"),
		StageTimeout:      func(domain.Stage) time.Duration { return 30 * time.Minute },
		HeartbeatInterval: 10 * time.Second,
		OrphanGracePeriod: 2 * time.Minute,
		inFlight:          make(map[uuid.UUID]*running),
	}
}

// Dispatch starts the executor for taskID in the background and returns
// immediately; the task row is already in status=running (the stage
// machine sets it before calling Dispatch, inside the same transaction as
// the stage advance). Dispatch only reports a synchronous error for
// failures to even start the work (bad work dir, duplicate dispatch); the
// executor's own outcome lands asynchronously via FinishTask + Evaluate.
func (d *Dispatcher) Dispatch(ctx context.Context, projectID, taskID uuid.UUID, stage domain.Stage, feedback string) error {
	d.mu.Lock()
	if _, ok := d.inFlight[taskID]; ok {
		d.mu.Unlock()
		return fmt.Errorf("dispatch: task %s already running", taskID)
	}
	runCtx, cancel := context.WithTimeout(context.Background(), d.StageTimeout(stage))
	d.inFlight[taskID] = &running{cancel: cancel}
	d.mu.Unlock()

	workDir, err := d.worktree.Prepare(projectID, taskID)
	if err != nil {
		d.clearInFlight(taskID)
		cancel()
		return err
	}

	go d.run(runCtx, cancel, projectID, taskID, stage, feedback, workDir)
	return nil
}

// Cancel stops a running task, if any, used when an operator needs to
// interrupt a stage out-of-band. Bounded by the executor's own context
// cancellation handling (Section 4.G: "cancellation with a bounded
// timeout").
func (d *Dispatcher) Cancel(taskID uuid.UUID) {
	d.mu.Lock()
	r, ok := d.inFlight[taskID]
	d.mu.Unlock()
	if ok {
		r.cancel()
	}
}

func (d *Dispatcher) clearInFlight(taskID uuid.UUID) {
	d.mu.Lock()
	delete(d.inFlight, taskID)
	d.mu.Unlock()
}

func (d *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, projectID, taskID uuid.UUID, stage domain.Stage, feedback, workDir string) {
	defer cancel()
	defer d.clearInFlight(taskID)

	status, lastErr := d.execute(ctx, projectID, taskID, stage, feedback, workDir)

	if err := d.worktree.Cleanup(workDir); err != nil {
		d.log.Warn("work dir cleanup failed", "task_id", taskID, "error", err)
	}

	txErr := d.store.WithTx(context.Background(), func(tx *gorm.DB) error {
		return store.FinishTask(tx, taskID, status, lastErr)
	})
	if txErr != nil {
		d.log.Error("finish task write failed", "task_id", taskID, "error", txErr)
		return
	}

	d.mirror.UpsertTaskByID(context.Background(), projectID, taskID)
	if err := d.machine.Evaluate(context.Background(), projectID); err != nil {
		d.log.Error("stage evaluation after task completion failed", "project_id", projectID, "task_id", taskID, "error", err)
	}
}

// execute runs the executor and recovers from a panic inside it as a task
// failure rather than crashing the process (Section 4.G: "panic-to-failure
// recovery at the dispatch boundary").
func (d *Dispatcher) execute(ctx context.Context, projectID, taskID uuid.UUID, stage domain.Stage, feedback, workDir string) (status domain.TaskStatus, lastErr string) {
	status = domain.TaskSucceeded

	defer func() {
		if r := recover(); r != nil {
			status = domain.TaskFailed
			lastErr = fmt.Sprintf("panic: %v", r)
			d.log.Error("executor panicked", "task_id", taskID, "stage", stage, "panic", r)
		}
	}()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("executor panicked", "task_id", taskID, "stage", stage, "panic", r)
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		th := &throttle{}
		done <- d.executor.Run(ctx, ExecutionRequest{
			ProjectID: projectID.String(),
			TaskID:    taskID.String(),
			Stage:     stage,
			WorkDir:   workDir,
			Feedback:  feedback,
		}, func(pct int) {
			if !th.allow(pct) {
				return
			}
			if err := d.store.UpdateProgress(context.Background(), taskID, pct); err != nil {
				d.log.Warn("progress write failed", "task_id", taskID, "error", err)
			}
		})
	}()

	ticker := time.NewTicker(d.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				if ctx.Err() != nil {
					return domain.TaskFailed, fmt.Sprintf("cancelled/timed out: %v", err)
				}
				return domain.TaskFailed, err.Error()
			}
			return domain.TaskSucceeded, ""
		case <-ticker.C:
			if err := d.store.Heartbeat(context.Background(), taskID); err != nil {
				d.log.Warn("heartbeat write failed", "task_id", taskID, "error", err)
			}
		case <-ctx.Done():
			<-done
			return domain.TaskFailed, fmt.Sprintf("cancelled/timed out: %v", ctx.Err())
		}
	}
}

// ReconcileOrphans scans for tasks left in status=running by a crashed
// process and fails them so the stage machine can re-evaluate their
// project (Section 4.G, Section 8: "Restart mid-dispatch: no task remains
// in running after recovery").
func (d *Dispatcher) ReconcileOrphans(ctx context.Context) error {
	orphans, err := d.store.RunningAtStartup(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: list running tasks at startup: %w", err)
	}

	projects := make(map[uuid.UUID]struct{})
	for _, t := range orphans {
		err := d.store.WithTx(ctx, func(tx *gorm.DB) error {
			return store.FinishTask(tx, t.ID, domain.TaskFailed, "orphaned: dispatcher restarted mid-execution")
		})
		if err != nil {
			d.log.Error("orphan reconciliation write failed", "task_id", t.ID, "error", err)
			continue
		}
		projects[t.ProjectID] = struct{}{}
	}

	for projectID := range projects {
		if err := d.machine.Evaluate(ctx, projectID); err != nil {
			d.log.Error("stage evaluation after orphan reconciliation failed", "project_id", projectID, "error", err)
		}
	}
	return nil
}
