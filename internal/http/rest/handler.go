// Package rest exposes the Transfer Engine's control verbs (§6.3) as a
// plain JSON API for a UI polling consumer, plus a Prometheus /metrics
// endpoint. Grounded on the teacher's internal/http/rest package: a
// chi router, one Handler struct wrapping its collaborators, JSON
// request/response bodies, and typed-error-to-status-code mapping.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/neonbrowser/neondl/internal/ledger"
	"github.com/neonbrowser/neondl/internal/logctx"
	"github.com/neonbrowser/neondl/internal/telemetry"
	"github.com/neonbrowser/neondl/internal/transfer"
)

// Handler serves the control API.
type Handler struct {
	engine *transfer.InstrumentedEngine
	tel    *telemetry.Telemetry
}

// NewHandler builds the control API handler around engine.
func NewHandler(engine *transfer.InstrumentedEngine, tel *telemetry.Telemetry) *Handler {
	return &Handler{engine: engine, tel: tel}
}

// Routes mounts every control-API endpoint under r.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)

	if h.tel != nil {
		r.Use(telemetry.NewHTTPMiddleware(h.tel).Middleware)
		r.Get("/metrics", h.tel.Handler().ServeHTTP)
	}

	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", h.handleStart)
		r.Get("/", h.handleListOrSearch)
		r.Get("/{id}", h.handleGet)
		r.Post("/{id}/pause", h.handlePause)
		r.Post("/{id}/resume", h.handleResume)
		r.Post("/{id}/cancel", h.handleCancel)
		r.Post("/{id}/retry", h.handleRetry)
		r.Delete("/{id}", h.handleRemove)
	})

	r.Route("/events", func(r chi.Router) {
		r.Post("/subscribe", h.handleSubscribe)
		r.Delete("/subscribe/{subscriber}", h.handleUnsubscribe)
		r.Get("/poll/{subscriber}", h.handlePoll)
	})

	return r
}

type startRequest struct {
	URL           string `json:"url"`
	SaveDir       string `json:"save_dir"`
	Filename      string `json:"filename,omitempty"`
	UserConfirmed bool   `json:"user_confirmed,omitempty"`
}

type startResponse struct {
	ID string `json:"id"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.engine.StartDownload(r.Context(), req.URL, req.SaveDir, transfer.StartOptions{
		Filename:      req.Filename,
		UserConfirmed: req.UserConfirmed,
	})
	if err != nil {
		writeTransferError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, startResponse{ID: id})
}

func (h *Handler) handleListOrSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if q := r.URL.Query().Get("q"); q != "" {
		records, err := h.engine.Search(ctx, q)
		if err != nil {
			writeTransferError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, records)

		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		records, err := h.engine.ListByStatus(ctx, ledger.Status(status))
		if err != nil {
			writeTransferError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, records)

		return
	}

	records, err := h.engine.ListAll(ctx)
	if err != nil {
		writeTransferError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.engine.Get(r.Context(), id)
	if err != nil {
		writeTransferError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.doVerb(w, r, h.engine.Pause)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.doVerb(w, r, h.engine.Resume)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.doVerb(w, r, h.engine.Cancel)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	h.doVerb(w, r, h.engine.Retry)
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	h.doVerb(w, r, h.engine.Remove)
}

// doVerb runs a no-body control verb (pause/resume/cancel/retry/remove)
// against the {id} path parameter and maps its error, if any.
func (h *Handler) doVerb(w http.ResponseWriter, r *http.Request, verb func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")

	if err := verb(r.Context(), id); err != nil {
		writeTransferError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]string{"subscriber": h.engine.Subscribe()})
}

func (h *Handler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	h.engine.Unsubscribe(chi.URLParam(r, "subscriber"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	events := h.engine.PollEvents(chi.URLParam(r, "subscriber"))
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeTransferError maps a typed transfer/ledger error to its HTTP
// status and logs server-side failures.
func writeTransferError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logctx.LoggerFromContext(r.Context())

	var invalidURL *transfer.InvalidURLError

	var unsafeContent *transfer.UnsafeContentError

	var invalidTransition *transfer.InvalidTransitionError

	var alreadyRunning *transfer.AlreadyRunningError

	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "download not found")
	case errors.As(err, &invalidURL), errors.As(err, &unsafeContent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &invalidTransition), errors.As(err, &alreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logger.Error("control api: unhandled error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
