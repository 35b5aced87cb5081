package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/episode_downloader/internal/downloader"
	"github.com/italolelis/episode_downloader/internal/events"
	"github.com/italolelis/episode_downloader/internal/logctx"
	"github.com/italolelis/episode_downloader/internal/registry"
)

const maxBodySize = 64 * 1024

// DownloadManager is the part of downloader.Manager the API drives.
type DownloadManager interface {
	Enqueue(ctx context.Context, job downloader.Job) (registry.ID, error)
	Get(id registry.ID) (registry.Entry, bool)
	Snapshot() []registry.Entry
	AverageProgress() float64
	Remove(id registry.ID)
	CancelByURL(url string) bool
	CancelAll()
	RequestProgressDetail(url string)
	ConcurrencyLimit() int
	SetConcurrencyLimit(limit int)
	Subscribe(kind events.Kind, o events.Observer) error
	Unsubscribe(kind events.Kind, o events.Observer) error
}

type DownloadResponse struct {
	ID        uint64    `json:"id"`
	Episode   string    `json:"episode,omitempty"`
	URL       string    `json:"url"`
	Progress  float64   `json:"progress"`
	Speed     string    `json:"speed"`
	StartedAt time.Time `json:"started_at"`
}

type DownloadsResponse struct {
	Count     int                `json:"count"`
	Average   float64            `json:"average"`
	Downloads []DownloadResponse `json:"downloads"`
}

type EnqueueRequest struct {
	URL      string `json:"url"`
	Episode  string `json:"episode"`
	Filename string `json:"filename"`
}

type ConcurrencyConfig struct {
	Limit int `json:"limit"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type DownloadsHandler struct {
	manager DownloadManager
}

// NewDownloadsHandler creates the handler for the downloads API.
func NewDownloadsHandler(m DownloadManager) *DownloadsHandler {
	return &DownloadsHandler{manager: m}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleEnqueue)
		r.Delete("/", h.HandleCancel)
		r.Get("/detail", h.HandleDetail)
		r.Delete("/{id}", h.HandleRemove)
	})

	r.Get("/config/concurrency", h.HandleGetConcurrency)
	r.Put("/config/concurrency", h.HandleSetConcurrency)

	r.Get("/events", h.HandleEvents)

	return r
}

// HandleList returns every registered download with the aggregate progress.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	entries := h.manager.Snapshot()

	resp := DownloadsResponse{
		Count:     len(entries),
		Average:   h.manager.AverageProgress(),
		Downloads: make([]DownloadResponse, 0, len(entries)),
	}

	for _, e := range entries {
		resp.Downloads = append(resp.Downloads, toDownloadResponse(e))
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleEnqueue queues a new episode download.
func (h *DownloadsHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))

		return
	}

	id, err := h.manager.Enqueue(r.Context(), downloader.Job{
		URL:      req.URL,
		Episode:  req.Episode,
		Filename: req.Filename,
	})

	switch {
	case errors.Is(err, downloader.ErrInvalidJob):
		writeError(w, r, http.StatusBadRequest, err)
	case errors.Is(err, downloader.ErrAlreadyInProgress):
		writeError(w, r, http.StatusConflict, err)
	case errors.Is(err, downloader.ErrClosed):
		writeError(w, r, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, err)
	default:
		if e, ok := h.manager.Get(id); ok {
			writeJSON(w, r, http.StatusAccepted, toDownloadResponse(e))

			return
		}

		writeJSON(w, r, http.StatusAccepted, DownloadResponse{ID: uint64(id), URL: req.URL, Episode: req.Episode})
	}
}

// HandleCancel cancels the download of ?url=, or every download when no url
// is given.
func (h *DownloadsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if !r.URL.Query().Has("url") {
		h.manager.CancelAll()
		w.WriteHeader(http.StatusNoContent)

		return
	}

	url := r.URL.Query().Get("url")
	if !h.manager.CancelByURL(url) {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("no download in progress for %s", url))

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleRemove removes one download by id.
func (h *DownloadsHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")

	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid download id %q", raw))

		return
	}

	if _, ok := h.manager.Get(registry.ID(id)); !ok {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("download %d not found", id))

		return
	}

	h.manager.Remove(registry.ID(id))
	w.WriteHeader(http.StatusNoContent)
}

// HandleDetail asks for progress-detail events to be republished for ?url=.
// Subscribers of the event stream receive them.
func (h *DownloadsHandler) HandleDetail(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("missing url parameter"))

		return
	}

	h.manager.RequestProgressDetail(url)
	w.WriteHeader(http.StatusAccepted)
}

func (h *DownloadsHandler) HandleGetConcurrency(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, ConcurrencyConfig{Limit: h.manager.ConcurrencyLimit()})
}

// HandleSetConcurrency changes the concurrency limit; 0 disables it.
func (h *DownloadsHandler) HandleSetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req ConcurrencyConfig
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))

		return
	}

	if req.Limit < 0 {
		writeError(w, r, http.StatusBadRequest, errors.New("limit must not be negative"))

		return
	}

	h.manager.SetConcurrencyLimit(req.Limit)

	writeJSON(w, r, http.StatusOK, ConcurrencyConfig{Limit: h.manager.ConcurrencyLimit()})
}

func toDownloadResponse(e registry.Entry) DownloadResponse {
	return DownloadResponse{
		ID:        uint64(e.ID),
		Episode:   e.Episode,
		URL:       e.URL,
		Progress:  e.Progress,
		Speed:     e.Speed,
		StartedAt: e.StartedAt,
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	writeJSON(w, r, status, errorResponse{Error: err.Error()})
}
