package approval

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/logger"
	"github.com/acme/siteflow/internal/store"
	"github.com/acme/siteflow/internal/trackerclient"
)

type reconcilerFakeMirror struct {
	createErr     error
	lastDecision  domain.Decision
	fetchDecision domain.Decision
	fetchErr      error
}

func (f *reconcilerFakeMirror) CreateApproval(ctx context.Context, projectID uuid.UUID, localApprovalID string, stage domain.Stage, deliverables []domain.Deliverable) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return "remote-" + localApprovalID, nil
}

func (f *reconcilerFakeMirror) SubmitDecision(ctx context.Context, projectID uuid.UUID, remoteApprovalID string, decision domain.Decision, feedback string, sink trackerclient.MirrorSink) {
	f.lastDecision = decision
}

func (f *reconcilerFakeMirror) FetchApproval(ctx context.Context, remoteApprovalID string) (domain.Decision, error) {
	return f.fetchDecision, f.fetchErr
}

type reconcilerFakeEvaluator struct{}

func (reconcilerFakeEvaluator) Evaluate(ctx context.Context, projectID uuid.UUID) error { return nil }

type reconcilerFakeDeliverables struct{}

func (reconcilerFakeDeliverables) ListDeliverables(ctx context.Context, projectID uuid.UUID, stage domain.Stage) ([]domain.Deliverable, error) {
	return nil, nil
}

func newReconcilerTestStore(t *testing.T) *store.Store {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, gdb.AutoMigrate(&domain.Project{}, &domain.Task{}, &domain.Approval{}))
	return store.New(gdb, logger.Noop())
}

func TestReconcileUnpairedRetriesPairingAndPushesPendingDecision(t *testing.T) {
	st := newReconcilerTestStore(t)
	ctx := context.Background()
	p, err := st.CreateProject(ctx, "ext-1", "Acme", nil)
	require.NoError(t, err)

	mirror := &reconcilerFakeMirror{createErr: context.DeadlineExceeded}
	coord := New(st, mirror, reconcilerFakeEvaluator{}, reconcilerFakeDeliverables{}, logger.Noop())
	require.NoError(t, coord.EnsureApprovalRequested(ctx, p.ID, domain.StageDesign))

	a, err := st.GetApprovalByStage(ctx, p.ID, domain.StageDesign)
	require.NoError(t, err)
	require.False(t, a.Paired())

	// A local decision lands while the approval is still unpaired.
	require.NoError(t, coord.ResolveLocal(ctx, a.ID, domain.DecisionApproved, "go"))

	mirror.createErr = nil
	coord.reconcileUnpaired(ctx)

	got, err := st.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, got.Paired(), "reconciler must retry pairing until it succeeds")
	require.Equal(t, domain.DecisionApproved, mirror.lastDecision, "the decision recorded during the gap window must be pushed once pairing succeeds")
}

func TestReconcilePairedPendingAppliesFetchedDecision(t *testing.T) {
	st := newReconcilerTestStore(t)
	ctx := context.Background()
	p, err := st.CreateProject(ctx, "ext-2", "Acme", nil)
	require.NoError(t, err)

	mirror := &reconcilerFakeMirror{fetchDecision: domain.DecisionRejected}
	coord := New(st, mirror, reconcilerFakeEvaluator{}, reconcilerFakeDeliverables{}, logger.Noop())
	require.NoError(t, coord.EnsureApprovalRequested(ctx, p.ID, domain.StageDesign))

	a, err := st.GetApprovalByStage(ctx, p.ID, domain.StageDesign)
	require.NoError(t, err)
	require.True(t, a.Paired())
	require.Equal(t, domain.DecisionPending, a.Decision)

	coord.reconcilePairedPending(ctx)

	got, err := st.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DecisionRejected, got.Decision, "a decision missed by ingress must be picked up by the fetch_approval poll")
}

func TestReconcilePairedPendingLeavesPendingDecisionAlone(t *testing.T) {
	st := newReconcilerTestStore(t)
	ctx := context.Background()
	p, err := st.CreateProject(ctx, "ext-3", "Acme", nil)
	require.NoError(t, err)

	mirror := &reconcilerFakeMirror{fetchDecision: domain.DecisionPending}
	coord := New(st, mirror, reconcilerFakeEvaluator{}, reconcilerFakeDeliverables{}, logger.Noop())
	require.NoError(t, coord.EnsureApprovalRequested(ctx, p.ID, domain.StageDesign))

	a, err := st.GetApprovalByStage(ctx, p.ID, domain.StageDesign)
	require.NoError(t, err)

	coord.reconcilePairedPending(ctx)

	got, err := st.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DecisionPending, got.Decision)
}
