package trackerclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/logger"
	"github.com/acme/siteflow/internal/trackerclient"
)

func newClient(t *testing.T, srv *httptest.Server) *trackerclient.HTTPClient {
	t.Helper()
	return trackerclient.New(trackerclient.Config{
		BaseURL:      srv.URL,
		TokenID:      "id",
		TokenSecret:  "secret",
		MaxAttempts:  5,
		MaxElapsed:   2 * time.Second,
		CallDeadline: time.Second,
	}, logger.Noop())
}

func TestUpsertProjectMirrorRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newClient(t, srv)
	err := c.UpsertProjectMirror(context.Background(), "ext-1", trackerclient.ProjectView{ExternalID: "ext-1"}, 1)
	require.NoError(t, err)
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(3))
}

func TestUpsertProjectMirrorDoesNotRetryOn4xx(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newClient(t, srv)
	err := c.UpsertProjectMirror(context.Background(), "ext-2", trackerclient.ProjectView{ExternalID: "ext-2"}, 1)
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts), "a 4xx must be treated as permanent, not retried")
}

func TestCreateRemoteApprovalReturnsRemoteID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"remote_approval_id":"rmt-42"}`))
	}))
	defer srv.Close()

	c := newClient(t, srv)
	id, err := c.CreateRemoteApproval(context.Background(), "local-1", domain.StageDesign, nil, 1)
	require.NoError(t, err)
	require.Equal(t, "rmt-42", id)
}
