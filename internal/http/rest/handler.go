// Package rest exposes the request-facing HTTP surface: initiating,
// retrying and cancelling downloads, plus listing state for dashboards.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bookhoundapp/bookhound/internal/logctx"
	"github.com/bookhoundapp/bookhound/internal/orchestrator"
	"github.com/bookhoundapp/bookhound/internal/queue/sabnzbd"
	"github.com/bookhoundapp/bookhound/internal/source"
	"github.com/bookhoundapp/bookhound/internal/storage"
	"github.com/bookhoundapp/bookhound/internal/telemetry"
)

// QueueLister is the dashboard slice of the queue client.
type QueueLister interface {
	ListCategory(ctx context.Context, category string) ([]sabnzbd.JobStatus, error)
}

type Handler struct {
	orch      *orchestrator.Orchestrator
	downloads storage.DownloadRepository
	queue     QueueLister
	category  string
	tel       *telemetry.Telemetry
}

func NewHandler(orch *orchestrator.Orchestrator, downloads storage.DownloadRepository, queue QueueLister, category string, tel *telemetry.Telemetry) *Handler {
	return &Handler{
		orch:      orch,
		downloads: downloads,
		queue:     queue,
		category:  category,
		tel:       tel,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(h.tel.Middleware)

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", h.tel.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/requests/{id}/download", h.handleInitiate)
		r.Post("/downloads/{id}/retry", h.handleRetry)
		r.Post("/downloads/{id}/cancel", h.handleCancel)
		r.Get("/downloads", h.handleListDownloads)
		r.Get("/downloads/{id}", h.handleGetDownload)
		r.Get("/queue", h.handleQueue)
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	requestID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")

		return
	}

	var opts orchestrator.Options
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			writeError(w, http.StatusBadRequest, "invalid options payload")

			return
		}
	}

	result, err := h.orch.InitiateDownload(r.Context(), requestID, opts)
	if err != nil {
		h.writeInitiateError(w, r, result, err)

		return
	}

	if result.RequiresSelection {
		// Multiple viable candidates and auto-selection is off: the caller
		// picks one and re-submits with candidate_id.
		writeJSON(w, http.StatusMultipleChoices, result)

		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

func (h *Handler) writeInitiateError(w http.ResponseWriter, r *http.Request, result *orchestrator.Result, err error) {
	logger := logctx.LoggerFromContext(r.Context())

	var (
		quotaErr      *source.QuotaExceededError
		notFoundErr   *source.NotFoundError
		confidenceErr *source.LowConfidenceError
	)

	switch {
	case errors.As(err, &quotaErr):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &confidenceErr):
		payload := map[string]any{"error": err.Error()}
		if result != nil {
			payload["candidates"] = result.Candidates
		}

		writeJSON(w, http.StatusUnprocessableEntity, payload)
	case errors.As(err, &notFoundErr):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "book request not found")
	case errors.Is(err, storage.ErrActiveDownloadExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logger.Error("failed to initiate download", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	err := h.orch.RetryDownload(r.Context(), chi.URLParam(r, "id"))
	if err == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})

		return
	}

	var quotaErr *source.QuotaExceededError

	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "download not found")
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &quotaErr):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := h.orch.CancelDownload(r.Context(), chi.URLParam(r, "id"))
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})

		return
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "download not found")
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type downloadView struct {
	ID           string `json:"id"`
	RequestID    int64  `json:"request_id"`
	Source       string `json:"source"`
	ExternalID   string `json:"external_id,omitempty"`
	SearchMethod string `json:"search_method,omitempty"`
	FileType     string `json:"file_type,omitempty"`
	Status       string `json:"status"`
	FilePath     string `json:"file_path,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

func toView(d storage.Download) downloadView {
	return downloadView{
		ID:           d.ID,
		RequestID:    d.RequestID,
		Source:       d.Source,
		ExternalID:   d.ExternalID,
		SearchMethod: d.SearchMethod,
		FileType:     d.FileType,
		Status:       d.Status,
		FilePath:     d.FilePath,
		FileSize:     d.FileSize,
		ErrorMessage: d.ErrorMessage,
		CreatedAt:    d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    d.UpdatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	var statuses []string
	if s := r.URL.Query().Get("status"); s != "" {
		statuses = append(statuses, s)
	}

	downloads, err := h.downloads.ListDownloads(r.Context(), statuses...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	views := make([]downloadView, 0, len(downloads))
	for _, d := range downloads {
		views = append(views, toView(d))
	}

	writeJSON(w, http.StatusOK, map[string]any{"downloads": views})
}

func (h *Handler) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	download, err := h.downloads.GetDownload(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "download not found")

		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, toView(*download))
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.queue.ListCategory(r.Context(), h.category)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
