// Package management serves the operator HTTP API of job queues, provider events and plan gates.
package management

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.od2.network/jobgate/pkg/billing"
	"go.od2.network/jobgate/pkg/jobqueue"
	"go.od2.network/jobgate/pkg/types"
	"go.uber.org/zap"
)

// QueueReader inspects job queues.
type QueueReader interface {
	Get(ctx context.Context, queue, id string) (*jobqueue.Job, error)
	Counts(ctx context.Context, queue string) (map[jobqueue.State]int64, error)
}

// EventSubmitter accepts verified provider events.
type EventSubmitter interface {
	SubmitEvent(ctx context.Context, event *billing.Event) (*billing.Receipt, error)
}

// TierChecker evaluates plan gates.
type TierChecker interface {
	HasTierAccess(ctx context.Context, subjectID string, required types.Tier) (bool, error)
}

// Handler implements the management API.
type Handler struct {
	// Required components
	Queue QueueReader
	Log   *zap.Logger
	// Optional components
	Events  EventSubmitter
	Tiers   TierChecker
	Metrics http.Handler
	Health  func(ctx context.Context) error
}

// Router returns the routes of the management API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.healthz)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}
	r.Route("/queues/{queue}", func(r chi.Router) {
		r.Get("/", h.queueCounts)
		r.Get("/jobs/{id}", h.getJob)
	})
	if h.Events != nil {
		r.Post("/events", h.submitEvent)
	}
	if h.Tiers != nil {
		r.Get("/subjects/{subject}/access/{tier}", h.tierAccess)
	}
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Log.Debug("Failed to write response", zap.Error(err))
	}
}

// writeError maps errors to HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobqueue.ErrNotFound):
		status = http.StatusNotFound
	case jobqueue.IsUnavailable(err):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.Log.Error("Request failed",
			zap.String("http.path", r.URL.Path),
			zap.Error(err))
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type queueResponse struct {
	Queue  string                   `json:"queue"`
	Counts map[jobqueue.State]int64 `json:"counts"`
}

func (h *Handler) queueCounts(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	counts, err := h.Queue.Counts(r.Context(), queue)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, queueResponse{Queue: queue, Counts: counts})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Queue.Get(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// submitEvent accepts an already verified provider event.
// Queued events are answered with 202, events handled inline with 200.
func (h *Handler) submitEvent(w http.ResponseWriter, r *http.Request) {
	var event billing.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&event); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid event: " + err.Error()})
		return
	}
	if event.ID == "" || event.Type == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "event requires id and type"})
		return
	}
	receipt, err := h.Events.SubmitEvent(r.Context(), &event)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if receipt.Mode == billing.ModeInline {
		status = http.StatusOK
	}
	h.writeJSON(w, status, receipt)
}

type accessResponse struct {
	Subject  string     `json:"subject"`
	Required types.Tier `json:"required"`
	Allowed  bool       `json:"allowed"`
}

func (h *Handler) tierAccess(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	tier, err := types.ParseTier(chi.URLParam(r, "tier"))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	allowed, err := h.Tiers.HasTierAccess(r.Context(), subject, tier)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, accessResponse{Subject: subject, Required: tier, Allowed: allowed})
}
