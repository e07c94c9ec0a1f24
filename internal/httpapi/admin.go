package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/logger"
)

// AuthMiddleware requires a valid HS256 bearer token, the administrative
// entrypoint Section 8 scenario 4 ("local-first decision") assumes exists
// in front of the local approval endpoint; it carries no application
// claims beyond proving the caller holds AdminJWTSecret.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			Fail(c, http.StatusUnauthorized, errors.New("missing bearer token"))
			c.Abort()
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			Fail(c, http.StatusUnauthorized, errors.New("invalid bearer token"))
			c.Abort()
			return
		}

		c.Next()
	}
}

// LocalDecider is the subset of the Approval Coordinator the admin
// endpoint needs.
type LocalDecider interface {
	ResolveLocal(ctx context.Context, approvalID uuid.UUID, decision domain.Decision, feedback string) error
}

type AdminHandler struct {
	approvals LocalDecider
	log       *logger.Logger
}

func NewAdminHandler(approvals LocalDecider, log *logger.Logger) *AdminHandler {
	return &AdminHandler{approvals: approvals, log: log.With("component", "AdminHandler")}
}

func (h *AdminHandler) Register(r gin.IRouter, jwtSecret string) {
	g := r.Group("/admin")
	g.Use(AuthMiddleware(jwtSecret))
	g.POST("/approvals/:id/decision", h.decide)
}

type decisionRequest struct {
	Decision domain.Decision `json:"decision"`
	Feedback string          `json:"feedback"`
}

// decide records a local administrative approval decision (Section 4.E,
// Section 8 scenario 4): written locally first, then the coordinator
// pushes it outward exactly once.
func (h *AdminHandler) decide(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		Fail(c, http.StatusBadRequest, errors.New("invalid approval id"))
		return
	}

	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, errors.New("malformed decision body"))
		return
	}
	if req.Decision != domain.DecisionApproved && req.Decision != domain.DecisionRejected && req.Decision != domain.DecisionChangesRequested {
		Fail(c, http.StatusBadRequest, errors.New("decision must be approved, rejected or changes_requested"))
		return
	}

	if err := h.approvals.ResolveLocal(c.Request.Context(), id, req.Decision, req.Feedback); err != nil {
		h.log.Error("local decision failed", "approval_id", id, "error", err)
		Fail(c, http.StatusInternalServerError, err)
		return
	}
	OK(c, http.StatusOK, gin.H{"recorded": true})
}
