// Package trackerclient is the typed HTTP client against the external
// project-tracking backend (Section 4.B). It owns idempotency keys,
// bounded-deadline calls, exponential backoff with jitter, a per-host
// circuit breaker, and falls back to the durable outbox when a write
// cannot be delivered inline.
package trackerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/httpx"
	"github.com/acme/siteflow/internal/logger"
)

// ProjectView and TaskView are the wire projections mirrored outward on
// every progress change (Section 4.B).
type ProjectView struct {
	ExternalID   string `json:"external_id"`
	Label        string `json:"label"`
	CurrentStage string `json:"current_stage"`
	SyncStatus   string `json:"sync_status"`
}

type TaskView struct {
	Stage       string `json:"stage"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	LastError   string `json:"last_error,omitempty"`
}

// Client is the contract Section 4.B specifies. Callers never block the
// state machine on a failed call succeeding — only on it being durably
// queued (inline success or Enqueue via the caller's fallback).
type Client interface {
	UpsertProjectMirror(ctx context.Context, externalID string, view ProjectView, generation int) error
	UpsertTaskMirror(ctx context.Context, taskID string, view TaskView, generation int) error
	CreateRemoteApproval(ctx context.Context, localApprovalID string, stage domain.Stage, deliverables []domain.Deliverable, generation int) (remoteApprovalID string, err error)
	SubmitRemoteDecision(ctx context.Context, remoteApprovalID string, decision domain.Decision, feedback string, generation int) error
	FetchApproval(ctx context.Context, remoteApprovalID string) (domain.Decision, error)
}

type Config struct {
	BaseURL     string
	TokenID     string
	TokenSecret string
	MaxAttempts int
	MaxElapsed  time.Duration
	CallDeadline time.Duration
}

type HTTPClient struct {
	cfg Config
	hc  *http.Client
	cb  *gobreaker.CircuitBreaker
	log *logger.Logger
}

func New(cfg Config, log *logger.Logger) *HTTPClient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 2 * time.Minute
	}
	if cfg.CallDeadline <= 0 {
		cfg.CallDeadline = 10 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tracker",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &HTTPClient{
		cfg: cfg,
		hc:  &http.Client{Timeout: cfg.CallDeadline},
		cb:  cb,
		log: log.With("component", "TrackerClient"),
	}
}

// ErrCircuitOpen is returned when the per-host breaker is open; the caller
// (Approval Coordinator / mirror writer) is expected to fall back to the
// outbox on this error rather than retry inline.
var ErrCircuitOpen = gobreaker.ErrOpenState

// do executes one logical write/read against the tracker: the circuit
// breaker short-circuits to ErrCircuitOpen while the host is unhealthy,
// and backoff.Retry handles exponential backoff with jitter for whatever
// gets through, up to MaxAttempts or MaxElapsed (Section 4.B). A 4xx is
// wrapped in backoff.Permanent by doOnce so it surfaces immediately as a
// logical error instead of being retried (Section 7: "Permanent outbound").
func (c *HTTPClient) do(ctx context.Context, method, path, idempotencyKey string, body any, out any) error {
	op := func() (struct{}, error) {
		_, err := c.cb.Execute(func() (interface{}, error) {
			return nil, c.doOnce(ctx, method, path, idempotencyKey, body, out)
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(c.cfg.MaxElapsed),
	)
	return err
}

func (c *HTTPClient) doOnce(ctx context.Context, method, path, idempotencyKey string, body any, out any) error {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallDeadline)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("tracker: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(cctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("tracker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", idempotencyKey)
	req.SetBasicAuth(c.cfg.TokenID, c.cfg.TokenSecret)

	resp, err := c.hc.Do(req)
	if err != nil {
		return err // network error; do's backoff retries it like any non-permanent error
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tracker: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &httpx.StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
		if httpx.IsPermanent(statusErr) {
			return backoff.Permanent(statusErr)
		}
		return statusErr
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("tracker: decode response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) UpsertProjectMirror(ctx context.Context, externalID string, view ProjectView, generation int) error {
	key := domain.IdempotencyKey(externalID, domain.OpUpsertProjectMirror, generation)
	return c.do(ctx, http.MethodPut, "/projects/"+externalID, key, view, nil)
}

func (c *HTTPClient) UpsertTaskMirror(ctx context.Context, taskID string, view TaskView, generation int) error {
	key := domain.IdempotencyKey(taskID, domain.OpUpsertTaskMirror, generation)
	return c.do(ctx, http.MethodPut, "/tasks/"+taskID, key, view, nil)
}

func (c *HTTPClient) CreateRemoteApproval(ctx context.Context, localApprovalID string, stage domain.Stage, deliverables []domain.Deliverable, generation int) (string, error) {
	key := domain.IdempotencyKey(localApprovalID, domain.OpCreateRemoteApproval, generation)
	reqBody := struct {
		Stage        string               `json:"stage"`
		Deliverables []domain.Deliverable `json:"deliverables"`
	}{Stage: string(stage), Deliverables: deliverables}
	var out struct {
		RemoteApprovalID string `json:"remote_approval_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/approvals", key, reqBody, &out); err != nil {
		return "", err
	}
	return out.RemoteApprovalID, nil
}

func (c *HTTPClient) SubmitRemoteDecision(ctx context.Context, remoteApprovalID string, decision domain.Decision, feedback string, generation int) error {
	key := domain.IdempotencyKey(remoteApprovalID, domain.OpSubmitRemoteDecision, generation)
	reqBody := struct {
		Decision string `json:"decision"`
		Feedback string `json:"feedback,omitempty"`
	}{Decision: string(decision), Feedback: feedback}
	return c.do(ctx, http.MethodPost, "/approvals/"+remoteApprovalID+"/decision", key, reqBody, nil)
}

func (c *HTTPClient) FetchApproval(ctx context.Context, remoteApprovalID string) (domain.Decision, error) {
	var out struct {
		Decision string `json:"decision"`
	}
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallDeadline)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, c.cfg.BaseURL+"/approvals/"+remoteApprovalID, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.TokenID, c.cfg.TokenSecret)
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &httpx.StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	return domain.Decision(out.Decision), nil
}
