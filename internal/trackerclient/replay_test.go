package trackerclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/logger"
)

type fakeOutboxRepo struct {
	entries    []*domain.OutboxEntry
	claimed    map[uuid.UUID]bool
	deleted    []uuid.UUID
	released   []uuid.UUID
	syncStatus map[uuid.UUID]domain.SyncStatus
}

func newFakeOutboxRepo(entries ...*domain.OutboxEntry) *fakeOutboxRepo {
	return &fakeOutboxRepo{entries: entries, claimed: map[uuid.UUID]bool{}, syncStatus: map[uuid.UUID]domain.SyncStatus{}}
}

func (f *fakeOutboxRepo) ClaimNextOutboxEntry(ctx context.Context) (*domain.OutboxEntry, error) {
	for _, e := range f.entries {
		if !f.claimed[e.ID] {
			f.claimed[e.ID] = true
			return e, nil
		}
	}
	return nil, nil
}

func (f *fakeOutboxRepo) DeleteOutboxEntry(ctx context.Context, id uuid.UUID) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeOutboxRepo) ReleaseOutboxEntry(ctx context.Context, id uuid.UUID, lastErr string, nextRunAt time.Time) error {
	f.released = append(f.released, id)
	for _, e := range f.entries {
		if e.ID == id {
			e.Attempts++
			delete(f.claimed, id)
		}
	}
	return nil
}

func (f *fakeOutboxRepo) SetSyncStatusActive(ctx context.Context, projectID uuid.UUID) error {
	f.syncStatus[projectID] = domain.SyncActive
	return nil
}

func (f *fakeOutboxRepo) SetSyncStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status domain.SyncStatus) error {
	f.syncStatus[id] = status
	return nil
}

type failingClient struct {
	fakeTestClient
}

func (failingClient) UpsertTaskMirror(ctx context.Context, taskID string, view TaskView, generation int) error {
	return errors.New("tracker unavailable")
}

// fakeTestClient gives failingClient every Client method it doesn't
// override; only UpsertTaskMirror is exercised by these tests.
type fakeTestClient struct{}

func (fakeTestClient) UpsertProjectMirror(ctx context.Context, externalID string, view ProjectView, generation int) error {
	return nil
}
func (fakeTestClient) UpsertTaskMirror(ctx context.Context, taskID string, view TaskView, generation int) error {
	return nil
}
func (fakeTestClient) CreateRemoteApproval(ctx context.Context, localApprovalID string, stage domain.Stage, deliverables []domain.Deliverable, generation int) (string, error) {
	return "", nil
}
func (fakeTestClient) SubmitRemoteDecision(ctx context.Context, remoteApprovalID string, decision domain.Decision, feedback string, generation int) error {
	return nil
}
func (fakeTestClient) FetchApproval(ctx context.Context, remoteApprovalID string) (domain.Decision, error) {
	return domain.DecisionPending, nil
}

func TestReplayTickDowngradesSyncStatusAfterThreshold(t *testing.T) {
	projectID := uuid.New()
	entry := &domain.OutboxEntry{
		ID:        uuid.New(),
		ProjectID: projectID,
		Op:        domain.OpUpsertTaskMirror,
		EntityID:  "task-1",
		Payload:   []byte(`{}`),
	}
	repo := newFakeOutboxRepo(entry)
	w := NewReplayWorker(failingClient{}, repo, logger.Noop())
	w.FailureThreshold = 3

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		w.tick(ctx)
	}
	require.Empty(t, repo.syncStatus[projectID], "sync-status must not downgrade before the threshold is crossed")

	w.tick(ctx)
	require.Equal(t, domain.SyncError, repo.syncStatus[projectID], "sync-status must downgrade once consecutive failures cross the threshold")
}

func TestReplayTickDeletesEntryAndRestoresActiveOnSuccess(t *testing.T) {
	projectID := uuid.New()
	entry := &domain.OutboxEntry{
		ID:        uuid.New(),
		ProjectID: projectID,
		Op:        domain.OpUpsertTaskMirror,
		EntityID:  "task-1",
		Payload:   []byte(`{}`),
	}
	repo := newFakeOutboxRepo(entry)
	w := NewReplayWorker(fakeTestClient{}, repo, logger.Noop())

	w.tick(context.Background())

	require.Equal(t, []uuid.UUID{entry.ID}, repo.deleted)
	require.Equal(t, domain.SyncActive, repo.syncStatus[projectID])
}
