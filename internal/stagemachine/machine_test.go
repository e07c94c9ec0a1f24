package stagemachine_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/logger"
	"github.com/acme/siteflow/internal/stagemachine"
	"github.com/acme/siteflow/internal/store"
)

type fakeDispatcher struct {
	calls []domain.Stage
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, projectID, taskID uuid.UUID, stage domain.Stage, feedback string) error {
	f.calls = append(f.calls, stage)
	return nil
}

type fakeMirror struct{}

func (fakeMirror) UpsertProjectByID(ctx context.Context, projectID uuid.UUID)              {}
func (fakeMirror) UpsertTaskByID(ctx context.Context, projectID, taskID uuid.UUID)         {}

type fakeApprovals struct {
	requested []domain.Stage
}

func (f *fakeApprovals) EnsureApprovalRequested(ctx context.Context, projectID uuid.UUID, stage domain.Stage) error {
	f.requested = append(f.requested, stage)
	return nil
}

func newTestMachine(t *testing.T) (*stagemachine.Machine, *store.Store, *fakeDispatcher, *fakeApprovals) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, gdb.AutoMigrate(&domain.Project{}, &domain.Task{}, &domain.Approval{}))

	st := store.New(gdb, logger.Noop())
	dispatcher := &fakeDispatcher{}
	approvals := &fakeApprovals{}
	machine := stagemachine.New(st, dispatcher, fakeMirror{}, approvals, logger.Noop())
	return machine, st, dispatcher, approvals
}

func TestStartDispatchesInitialStage(t *testing.T) {
	machine, st, dispatcher, _ := newTestMachine(t)
	ctx := context.Background()

	p, err := st.CreateProject(ctx, "ext-1", "Acme", nil)
	require.NoError(t, err)

	require.NoError(t, machine.Start(ctx, p.ID))
	require.Equal(t, []domain.Stage{domain.StageInitialReview}, dispatcher.calls)

	task, err := st.GetTaskByStage(ctx, p.ID, domain.StageInitialReview)
	require.NoError(t, err)
	require.Equal(t, domain.TaskRunning, task.Status)
}

func TestEvaluateAdvancesUngatedStageOnSuccess(t *testing.T) {
	machine, st, dispatcher, _ := newTestMachine(t)
	ctx := context.Background()

	p, err := st.CreateProject(ctx, "ext-2", "Acme", nil)
	require.NoError(t, err)
	require.NoError(t, machine.Start(ctx, p.ID))

	task, err := st.GetTaskByStage(ctx, p.ID, domain.StageInitialReview)
	require.NoError(t, err)
	require.NoError(t, st.WithTx(ctx, func(tx *gorm.DB) error {
		return store.FinishTask(tx, task.ID, domain.TaskSucceeded, "")
	}))

	require.NoError(t, machine.Evaluate(ctx, p.ID))

	updated, err := st.ReadProjectView(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StageResearch, updated.CurrentStage)
	require.Equal(t, []domain.Stage{domain.StageInitialReview, domain.StageResearch}, dispatcher.calls)
}

func TestEvaluateHoldsGatedStageUntilApprovalRequested(t *testing.T) {
	machine, st, _, approvals := newTestMachine(t)
	ctx := context.Background()

	p, err := st.CreateProject(ctx, "ext-3", "Acme", nil)
	require.NoError(t, err)

	// Walk the project to the design stage (gated) by succeeding each prior
	// task in turn.
	require.NoError(t, machine.Start(ctx, p.ID))
	for _, stage := range []domain.Stage{domain.StageInitialReview, domain.StageResearch} {
		task, err := st.GetTaskByStage(ctx, p.ID, stage)
		require.NoError(t, err)
		require.NoError(t, st.WithTx(ctx, func(tx *gorm.DB) error {
			return store.FinishTask(tx, task.ID, domain.TaskSucceeded, "")
		}))
		require.NoError(t, machine.Evaluate(ctx, p.ID))
	}

	designTask, err := st.GetTaskByStage(ctx, p.ID, domain.StageDesign)
	require.NoError(t, err)
	require.NoError(t, st.WithTx(ctx, func(tx *gorm.DB) error {
		return store.FinishTask(tx, designTask.ID, domain.TaskSucceeded, "")
	}))
	require.NoError(t, machine.Evaluate(ctx, p.ID))

	updated, err := st.ReadProjectView(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StageDesign, updated.CurrentStage, "gated stage must not advance without an approved decision")
	require.Contains(t, approvals.requested, domain.StageDesign)
}

func TestEvaluateSetsSyncErrorOnTaskFailure(t *testing.T) {
	machine, st, _, _ := newTestMachine(t)
	ctx := context.Background()

	p, err := st.CreateProject(ctx, "ext-4", "Acme", nil)
	require.NoError(t, err)
	require.NoError(t, machine.Start(ctx, p.ID))

	task, err := st.GetTaskByStage(ctx, p.ID, domain.StageInitialReview)
	require.NoError(t, err)
	require.NoError(t, st.WithTx(ctx, func(tx *gorm.DB) error {
		return store.FinishTask(tx, task.ID, domain.TaskFailed, "executor crashed")
	}))
	require.NoError(t, machine.Evaluate(ctx, p.ID))

	updated, err := st.ReadProjectView(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SyncError, updated.SyncStatus)
	require.Equal(t, domain.StageInitialReview, updated.CurrentStage)
}
