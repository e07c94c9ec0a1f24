// Package orchestrator is the Project Orchestrator (Section 4.H): it wires
// components A-G together, serializes re-evaluation per project through a
// cooperative per-project lock, and bounds total concurrent project
// activity with a semaphore.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/acme/siteflow/internal/approval"
	"github.com/acme/siteflow/internal/config"
	"github.com/acme/siteflow/internal/dispatch"
	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/logger"
	"github.com/acme/siteflow/internal/stagemachine"
	"github.com/acme/siteflow/internal/store"
	"github.com/acme/siteflow/internal/trackerclient"
)

// Orchestrator is the single entrypoint every other component calls back
// into to re-evaluate a project (Section 4.H). Two callers racing to
// evaluate the same project serialize through a per-project lock (the
// "cooperative per-project queue"); total concurrently-running evaluations
// across every project are capped by sem (the "cross-project semaphore").
// The stage machine's own row lock (store.LockProject) still protects
// correctness on its own; this layer exists to bound concurrency, not to
// replace that lock.
type Orchestrator struct {
	machine *stagemachine.Machine
	sem     *semaphore.Weighted
	log     *logger.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func New(maxConcurrentProjects int, log *logger.Logger) *Orchestrator {
	if maxConcurrentProjects <= 0 {
		maxConcurrentProjects = 8
	}
	return &Orchestrator{
		sem:   semaphore.NewWeighted(int64(maxConcurrentProjects)),
		log:   log.With("component", "Orchestrator"),
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// SetMachine binds the stage machine after construction, breaking the
// cycle between the orchestrator (needed by the dispatcher and approval
// coordinator as their StageEvaluator) and the machine (which needs those
// two to already exist).
func (o *Orchestrator) SetMachine(m *stagemachine.Machine) {
	o.machine = m
}

func (o *Orchestrator) projectLock(id uuid.UUID) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	return l
}

// Evaluate re-runs the stage machine for projectID, serialized against any
// other evaluation of the same project and bounded by the cross-project
// semaphore.
func (o *Orchestrator) Evaluate(ctx context.Context, projectID uuid.UUID) error {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.sem.Release(1)

	l := o.projectLock(projectID)
	l.Lock()
	defer l.Unlock()

	return o.machine.Evaluate(ctx, projectID)
}

// Start dispatches a freshly created project's first stage, under the same
// serialization and concurrency bound as Evaluate.
func (o *Orchestrator) Start(ctx context.Context, projectID uuid.UUID) error {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.sem.Release(1)

	l := o.projectLock(projectID)
	l.Lock()
	defer l.Unlock()

	return o.machine.Start(ctx, projectID)
}

// Components bundles every wired piece cmd/orchestrator needs to start the
// HTTP server and background workers.
type Components struct {
	Store        *store.Store
	Machine      *stagemachine.Machine
	Orchestrator *Orchestrator
	Dispatcher   *dispatch.Dispatcher
	Approvals    *approval.Coordinator
	Tracker      trackerclient.Client
	Replay       *trackerclient.ReplayWorker
}

// Wire constructs every component from Section 4 and binds them together
// per the dependency graph in Section 4.H: tracker client -> mirror ->
// {stage machine, approval coordinator, dispatcher} -> orchestrator.
func Wire(cfg *config.Config, st *store.Store, log *logger.Logger) *Components {
	tracker := trackerclient.New(trackerclient.Config{
		BaseURL:     cfg.TrackerBaseURL,
		TokenID:     cfg.TrackerTokenID,
		TokenSecret: cfg.TrackerTokenSecret,
	}, log)

	mirror := trackerclient.NewMirror(tracker, log)
	adapter := newMirrorAdapter(st, mirror, log)
	deliverables := NewDirDeliverables(st, cfg.WorkspaceRoot)

	orch := New(cfg.MaxConcurrentProjects, log)

	dispatcher := dispatch.New(st,
		&dispatch.CommandExecutor{ScriptDir: cfg.ExecutorProfile},
		&dispatch.DirWorktree{Root: cfg.WorkspaceRoot},
		orch, adapter, log)
	dispatcher.StageTimeout = func(stage domain.Stage) time.Duration {
		return cfg.StageTimeout(string(stage))
	}

	approvals := approval.New(st, adapter, orch, deliverables, log)
	approvals.SetOutboxSink(adapter.sink)

	machine := stagemachine.New(st, dispatcher, adapter, approvals, log)
	orch.SetMachine(machine)

	replay := trackerclient.NewReplayWorker(tracker, st, log)

	return &Components{
		Store:        st,
		Machine:      machine,
		Orchestrator: orch,
		Dispatcher:   dispatcher,
		Approvals:    approvals,
		Tracker:      tracker,
		Replay:       replay,
	}
}
