// Package webhook implements the Webhook Ingress (Section 4.D): signature
// verification, event-id deduplication, and durable-write-then-200
// semantics for the three inbound event kinds the remote tracker sends.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/httpapi"
	"github.com/acme/siteflow/internal/logger"
	"github.com/acme/siteflow/internal/security"
	"github.com/acme/siteflow/internal/store"
)

const (
	kindProjectCreated     = "project.created"
	kindApprovalUpdated    = "approval.updated"
	kindProjectStageChanged = "project.stage_changed"
)

// EventRecorder is the subset of *store.Store the ingress needs for
// dedup (Section 4.D step 1: "insert-first-read-second semantics").
type EventRecorder interface {
	RecordEventIfNew(ctx context.Context, eventID, kind string) (bool, error)
}

// ProjectCreator is the subset of *store.Store needed to admit
// project.created events.
type ProjectCreator interface {
	CreateProject(ctx context.Context, externalID, label string, metadata []byte) (*domain.Project, error)
}

// ApprovalResolver is the subset of the Approval Coordinator needed to
// admit approval.updated events.
type ApprovalResolver interface {
	ResolveByRemoteID(ctx context.Context, remoteApprovalID string, decision domain.Decision, feedback string) error
}

// Starter dispatches a freshly created project's first stage.
type Starter interface {
	Start(ctx context.Context, projectID uuid.UUID) error
}

// FastDedup is the optional Redis-backed accelerator in front of the
// durable event dedup table (Section 4.D). A nil FastDedup, or an error
// from it, just means every event falls through to the durable check.
type FastDedup interface {
	MarkIfNew(ctx context.Context, eventID string) (bool, error)
}

type Handler struct {
	secret    string
	events    EventRecorder
	projects  ProjectCreator
	approvals ApprovalResolver
	starter   Starter
	fast      FastDedup
	log       *logger.Logger
}

func NewHandler(secret string, events EventRecorder, projects ProjectCreator, approvals ApprovalResolver, starter Starter, log *logger.Logger) *Handler {
	return &Handler{secret: secret, events: events, projects: projects, approvals: approvals, starter: starter, log: log.With("component", "WebhookIngress")}
}

// WithFastDedup attaches the Redis fast path; optional.
func (h *Handler) WithFastDedup(c FastDedup) *Handler {
	h.fast = c
	return h
}

// Register mounts the ingress route on the given router group.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/webhooks/tracker", h.handle)
}

type inboundEvent struct {
	EventID string          `json:"event_id"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

type projectCreatedPayload struct {
	ExternalID string          `json:"external_id"`
	Label      string          `json:"label"`
	Metadata   json.RawMessage `json:"metadata"`
}

type approvalUpdatedPayload struct {
	RemoteApprovalID string `json:"remote_approval_id"`
	Decision         string `json:"decision"`
	Feedback         string `json:"feedback"`
}

type stageChangedPayload struct {
	ExternalID string `json:"external_id"`
	Stage      string `json:"stage"`
}

// handle is the single ingress entrypoint (Section 4.D):
//  1. verify the HMAC signature (401 on failure)
//  2. parse the envelope (400 on malformed JSON / missing event_id or event)
//  3. dedup on event_id; a replay is acknowledged without reprocessing
//  4. durably record the effect before returning 200; a transient store
//     failure returns 503 so the sender's own retry policy resubmits
//     (Section 4.D, Section 7: "at-least-once delivery").
func (h *Handler) handle(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		httpapi.Fail(c, http.StatusBadRequest, errors.New("webhook: cannot read body"))
		return
	}

	sig := c.GetHeader("X-Signature")
	if !security.Verify(raw, sig, h.secret) {
		httpapi.Fail(c, http.StatusUnauthorized, errors.New("webhook: invalid signature"))
		return
	}

	var evt inboundEvent
	if err := json.Unmarshal(raw, &evt); err != nil || evt.EventID == "" || evt.Event == "" {
		httpapi.Fail(c, http.StatusBadRequest, errors.New("webhook: malformed event envelope"))
		return
	}

	ctx := c.Request.Context()

	if h.fast != nil {
		if isNew, err := h.fast.MarkIfNew(ctx, evt.EventID); err == nil && !isNew {
			httpapi.OK(c, http.StatusOK, gin.H{"deduplicated": true})
			return
		} else if err != nil {
			h.log.Warn("fast dedup check failed; falling through to durable table", "event_id", evt.EventID, "error", err)
		}
	}

	isNew, err := h.events.RecordEventIfNew(ctx, evt.EventID, evt.Event)
	if err != nil {
		h.log.Error("dedup write failed", "event_id", evt.EventID, "error", err)
		httpapi.Fail(c, http.StatusServiceUnavailable, errors.New("webhook: store unavailable"))
		return
	}
	if !isNew {
		httpapi.OK(c, http.StatusOK, gin.H{"deduplicated": true})
		return
	}

	if err := h.process(ctx, evt); err != nil {
		h.log.Error("event processing failed", "event_id", evt.EventID, "event", evt.Event, "error", err)
		httpapi.Fail(c, http.StatusServiceUnavailable, errors.New("webhook: processing failed"))
		return
	}

	httpapi.OK(c, http.StatusOK, gin.H{"accepted": true})
}

func (h *Handler) process(ctx context.Context, evt inboundEvent) error {
	switch evt.Event {
	case kindProjectCreated:
		var p projectCreatedPayload
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			return err
		}
		if p.ExternalID == "" {
			return errors.New("webhook: project.created missing external_id")
		}
		created, err := h.projects.CreateProject(ctx, p.ExternalID, p.Label, p.Metadata)
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil
		}
		if err != nil {
			return err
		}
		return h.starter.Start(ctx, created.ID)

	case kindApprovalUpdated:
		var a approvalUpdatedPayload
		if err := json.Unmarshal(evt.Data, &a); err != nil {
			return err
		}
		if a.RemoteApprovalID == "" {
			return errors.New("webhook: approval.updated missing remote_approval_id")
		}
		return h.approvals.ResolveByRemoteID(ctx, a.RemoteApprovalID, domain.Decision(a.Decision), a.Feedback)

	case kindProjectStageChanged:
		// Informational only: this engine is the source of truth for stage
		// progression (Section 4.F, Section 9), so a remote-originated
		// stage_changed event is acknowledged and discarded rather than
		// applied. It exists in the wire protocol for tracker-side audit
		// trails, not to drive local transitions.
		return nil

	default:
		h.log.Warn("unrecognized event kind", "event", evt.Event)
		return nil
	}
}
