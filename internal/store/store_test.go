package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/logger"
	"github.com/acme/siteflow/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, gdb.AutoMigrate(
		&domain.Project{}, &domain.Task{}, &domain.Approval{},
		&domain.IngressEvent{}, &domain.OutboxEntry{},
	))

	return store.New(gdb, logger.Noop())
}

func TestCreateProjectMaterializesAllStageTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "ext-1", "Acme Site", nil)
	require.NoError(t, err)
	require.Equal(t, domain.StageInitialReview, p.CurrentStage)
	require.Len(t, p.Tasks, len(domain.Stages))

	for _, stage := range domain.Stages {
		_, ok := p.StageTaskID(stage)
		require.Truef(t, ok, "missing task row for stage %s", stage)
	}
}

func TestCreateProjectIsIdempotentOnExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateProject(ctx, "ext-2", "Acme Site", nil)
	require.NoError(t, err)

	second, err := s.CreateProject(ctx, "ext-2", "Acme Site (replay)", nil)
	require.ErrorIs(t, err, store.ErrAlreadyExists)
	require.Equal(t, first.ID, second.ID)
}

func TestRecordEventIfNewDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	isNew, err := s.RecordEventIfNew(ctx, "evt-1", "project.created")
	require.NoError(t, err)
	require.True(t, isNew)

	isNew, err = s.RecordEventIfNew(ctx, "evt-1", "project.created")
	require.NoError(t, err)
	require.False(t, isNew)
}

func TestRecordDecisionIfPendingFirstDecisionWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "ext-3", "Acme Site", nil)
	require.NoError(t, err)

	var created *domain.Approval
	err = s.WithTx(ctx, func(tx *gorm.DB) error {
		a, err := store.CreateApproval(tx, p.ID, domain.StageDesign, nil)
		created = a
		return err
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *gorm.DB) error {
		won, err := store.RecordDecisionIfPending(tx, created.ID, domain.DecisionApproved, "looks good", false)
		require.NoError(t, err)
		require.True(t, won)
		return nil
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *gorm.DB) error {
		won, err := store.RecordDecisionIfPending(tx, created.ID, domain.DecisionRejected, "too late", true)
		require.NoError(t, err)
		require.False(t, won)
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetApproval(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DecisionApproved, got.Decision)
}

func TestFinishTaskSetsCompletedAtAndFullProgressOnSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "ext-4", "Acme Site", nil)
	require.NoError(t, err)

	taskID, ok := p.StageTaskID(domain.StageInitialReview)
	require.True(t, ok)

	err = s.WithTx(ctx, func(tx *gorm.DB) error {
		return store.StartTask(tx, taskID)
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *gorm.DB) error {
		return store.FinishTask(tx, taskID, domain.TaskSucceeded, "")
	})
	require.NoError(t, err)

	task, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskSucceeded, task.Status)
	require.Equal(t, 100, task.Progress)
	require.NotNil(t, task.CompletedAt)
}

func TestClaimNextOutboxEntryReturnsNilOnceQueueIsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "ext-5", "Acme Site", nil)
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, p.ID, domain.OpUpsertProjectMirror, p.ExternalID, 1, []byte(`{}`))
	require.NoError(t, err)

	entry, err := s.ClaimNextOutboxEntry(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)

	require.NoError(t, s.DeleteOutboxEntry(ctx, entry.ID))

	entry, err = s.ClaimNextOutboxEntry(ctx)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestGetApprovalByRemoteIDNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetApprovalByRemoteID(context.Background(), "does-not-exist")
	require.True(t, errors.Is(err, store.ErrNotFound))
}
