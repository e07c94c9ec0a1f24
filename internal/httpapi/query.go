package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/logger"
	"github.com/acme/siteflow/internal/store"
)

// ProjectReader is the subset of *store.Store the query endpoints need.
type ProjectReader interface {
	ReadProjectView(ctx context.Context, id uuid.UUID) (*domain.Project, error)
	FindByExternalID(ctx context.Context, externalID string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]*domain.Project, error)
	ListApprovals(ctx context.Context, projectID uuid.UUID) ([]*domain.Approval, error)
}

// QueryHandler exposes read-only project/task/approval state (Section 4.H
// query surface; not a state-mutating path).
type QueryHandler struct {
	store ProjectReader
	log   *logger.Logger
}

func NewQueryHandler(store ProjectReader, log *logger.Logger) *QueryHandler {
	return &QueryHandler{store: store, log: log.With("component", "QueryHandler")}
}

func (h *QueryHandler) Register(r gin.IRouter) {
	r.GET("/projects", h.listProjects)
	r.GET("/projects/:id", h.getProject)
	r.GET("/projects/:id/approvals", h.listApprovals)
}

func (h *QueryHandler) listProjects(c *gin.Context) {
	out, err := h.store.ListProjects(c.Request.Context())
	if err != nil {
		Fail(c, http.StatusInternalServerError, err)
		return
	}
	OK(c, http.StatusOK, out)
}

func (h *QueryHandler) getProject(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		Fail(c, http.StatusBadRequest, errors.New("invalid project id"))
		return
	}
	p, err := h.store.ReadProjectView(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		Fail(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		Fail(c, http.StatusInternalServerError, err)
		return
	}
	OK(c, http.StatusOK, p)
}

func (h *QueryHandler) listApprovals(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		Fail(c, http.StatusBadRequest, errors.New("invalid project id"))
		return
	}
	out, err := h.store.ListApprovals(c.Request.Context(), id)
	if err != nil {
		Fail(c, http.StatusInternalServerError, err)
		return
	}
	OK(c, http.StatusOK, out)
}
