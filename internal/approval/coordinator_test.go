package approval_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/acme/siteflow/internal/approval"
	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/logger"
	"github.com/acme/siteflow/internal/store"
	"github.com/acme/siteflow/internal/trackerclient"
)

type fakeMirror struct {
	createCalls   int
	lastDecision  domain.Decision
	failCreate    bool
	fetchDecision domain.Decision
	fetchErr      error
	fetchCalls    int
}

func (f *fakeMirror) CreateApproval(ctx context.Context, projectID uuid.UUID, localApprovalID string, stage domain.Stage, deliverables []domain.Deliverable) (string, error) {
	f.createCalls++
	if f.failCreate {
		return "", context.DeadlineExceeded
	}
	return "remote-" + localApprovalID, nil
}

func (f *fakeMirror) SubmitDecision(ctx context.Context, projectID uuid.UUID, remoteApprovalID string, decision domain.Decision, feedback string, sink trackerclient.MirrorSink) {
	f.lastDecision = decision
}

func (f *fakeMirror) FetchApproval(ctx context.Context, remoteApprovalID string) (domain.Decision, error) {
	f.fetchCalls++
	return f.fetchDecision, f.fetchErr
}

type fakeEvaluator struct {
	calls []uuid.UUID
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, projectID uuid.UUID) error {
	f.calls = append(f.calls, projectID)
	return nil
}

type fakeDeliverables struct{}

func (fakeDeliverables) ListDeliverables(ctx context.Context, projectID uuid.UUID, stage domain.Stage) ([]domain.Deliverable, error) {
	return []domain.Deliverable{{Name: "preview.html", Mime: "text/html"}}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, gdb.AutoMigrate(&domain.Project{}, &domain.Task{}, &domain.Approval{}))
	return store.New(gdb, logger.Noop())
}

func TestEnsureApprovalRequestedPairsOnFirstCall(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p, err := st.CreateProject(ctx, "ext-1", "Acme", nil)
	require.NoError(t, err)

	mirror := &fakeMirror{}
	eval := &fakeEvaluator{}
	coord := approval.New(st, mirror, eval, fakeDeliverables{}, logger.Noop())

	require.NoError(t, coord.EnsureApprovalRequested(ctx, p.ID, domain.StageDesign))
	require.Equal(t, 1, mirror.createCalls)

	a, err := st.GetApprovalByStage(ctx, p.ID, domain.StageDesign)
	require.NoError(t, err)
	require.True(t, a.Paired())

	// Idempotent: calling again for the same stage does not re-create.
	require.NoError(t, coord.EnsureApprovalRequested(ctx, p.ID, domain.StageDesign))
	require.Equal(t, 1, mirror.createCalls)
}

func TestEnsureApprovalRequestedLeavesUnpairedOnMirrorFailure(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p, err := st.CreateProject(ctx, "ext-2", "Acme", nil)
	require.NoError(t, err)

	mirror := &fakeMirror{failCreate: true}
	eval := &fakeEvaluator{}
	coord := approval.New(st, mirror, eval, fakeDeliverables{}, logger.Noop())

	require.NoError(t, coord.EnsureApprovalRequested(ctx, p.ID, domain.StageDesign))

	a, err := st.GetApprovalByStage(ctx, p.ID, domain.StageDesign)
	require.NoError(t, err)
	require.False(t, a.Paired())
}

func TestResolveFirstDecisionWins(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p, err := st.CreateProject(ctx, "ext-3", "Acme", nil)
	require.NoError(t, err)

	mirror := &fakeMirror{}
	eval := &fakeEvaluator{}
	coord := approval.New(st, mirror, eval, fakeDeliverables{}, logger.Noop())
	require.NoError(t, coord.EnsureApprovalRequested(ctx, p.ID, domain.StageDesign))

	a, err := st.GetApprovalByStage(ctx, p.ID, domain.StageDesign)
	require.NoError(t, err)

	require.NoError(t, coord.ResolveLocal(ctx, a.ID, domain.DecisionApproved, "ship it"))
	require.NoError(t, coord.ResolveByRemoteID(ctx, a.RemoteID, domain.DecisionRejected, "too late"))

	got, err := st.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DecisionApproved, got.Decision)
	require.Equal(t, domain.DecisionApproved, mirror.lastDecision, "the winning local decision must be pushed outward")
	require.Len(t, eval.calls, 2, "both the winning and losing resolution re-evaluate the project")
}
