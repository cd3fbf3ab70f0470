// Package api exposes the orchestrator over HTTP. It is a thin presentation
// adapter: every request maps to one orchestrator operation.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aixgo-dev/hitl/internal/approval"
	"github.com/aixgo-dev/hitl/internal/checkpoint"
	"github.com/aixgo-dev/hitl/internal/conversation"
	"github.com/aixgo-dev/hitl/internal/orchestrator"
)

// maxBodySize caps request bodies.
const maxBodySize = 1 << 20

// Orchestrator is the subset of *orchestrator.Orchestrator the API drives.
type Orchestrator interface {
	Start(ctx context.Context, threadID, text string) (*orchestrator.Outcome, error)
	Resume(ctx context.Context, threadID string, decision approval.Decision) (*orchestrator.Outcome, error)
	Thread(ctx context.Context, threadID string) (*orchestrator.Snapshot, error)
	Threads(ctx context.Context) ([]checkpoint.Summary, error)
}

// Handler serves the thread endpoints.
type Handler struct {
	orch   Orchestrator
	logger *slog.Logger
}

// NewHandler creates a handler.
func NewHandler(orch Orchestrator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{orch: orch, logger: logger}
}

// Routes mounts the thread endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/v1/threads", func(r chi.Router) {
		r.Post("/", h.createThread)
		r.Get("/", h.listThreads)
		r.Get("/{id}", h.getThread)
		r.Post("/{id}/messages", h.postMessage)
		r.Post("/{id}/decision", h.postDecision)
	})
}

type createThreadResponse struct {
	ThreadID string `json:"thread_id"`
}

type messageRequest struct {
	Text string `json:"text"`
}

type decisionRequest struct {
	Decision string `json:"decision"`
}

// outcomeResponse adds display summaries of the tool results to an outcome.
type outcomeResponse struct {
	*orchestrator.Outcome
	Summaries []string `json:"summaries,omitempty"`
}

func (h *Handler) createThread(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusCreated, createThreadResponse{ThreadID: uuid.New().String()})
}

func (h *Handler) listThreads(w http.ResponseWriter, r *http.Request) {
	list, err := h.orch.Threads(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"threads": list})
}

func (h *Handler) getThread(w http.ResponseWriter, r *http.Request) {
	snap, err := h.orch.Thread(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}

	out, err := h.orch.Start(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, present(out))
}

func (h *Handler) postDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	decision, err := approval.ParseDecision(req.Decision)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.orch.Resume(r.Context(), chi.URLParam(r, "id"), decision)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, present(out))
}

func present(out *orchestrator.Outcome) outcomeResponse {
	resp := outcomeResponse{Outcome: out}
	for _, res := range out.Results {
		resp.Summaries = append(resp.Summaries, conversation.Summarize(res))
	}
	return resp
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

// fail maps orchestrator errors to status codes.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	// ErrInvalidState may wrap ErrNotFound; the state error wins.
	switch {
	case errors.Is(err, orchestrator.ErrInvalidState), errors.Is(err, checkpoint.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, checkpoint.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, checkpoint.ErrInvalidThreadID), errors.Is(err, approval.ErrInvalidDecision):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrModelInvocation):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	Error(w, status, err.Error())
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
