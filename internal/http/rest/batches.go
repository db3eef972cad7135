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

	"github.com/italolelis/mirror_downloader/internal/logctx"
	"github.com/italolelis/mirror_downloader/internal/notifier"
	"github.com/italolelis/mirror_downloader/internal/planner"
	"github.com/italolelis/mirror_downloader/internal/scheduler"
	"github.com/italolelis/mirror_downloader/internal/storage"
)

const (
	maxBatchBodySize   = 4 * 1024 * 1024
	defaultRecentLimit = 100
	maxRecentLimit     = 1000
)

// Submitter runs a batch of requests to completion.
type Submitter interface {
	Submit(ctx context.Context, reqs []scheduler.Request) (*scheduler.Batch, error)
}

// SubmitRequest is the body of POST /batches. Explicit requests and a
// manifest may be combined; manifest packages are planned after the requests.
type SubmitRequest struct {
	Requests []scheduler.Request `json:"requests"`
	Manifest *planner.Manifest   `json:"manifest,omitempty"`
}

type OutcomeResponse struct {
	Repository  string `json:"repository"`
	Destination string `json:"destination"`
	Status      string `json:"status"`
	Skipped     bool   `json:"skipped"`
	Path        string `json:"path,omitempty"`
	Mirror      string `json:"mirror,omitempty"`
	Attempts    int    `json:"attempts"`
	Bytes       int64  `json:"bytes"`
	ElapsedMs   int64  `json:"elapsed_ms"`
	Kind        string `json:"kind,omitempty"`
	Error       string `json:"error,omitempty"`
}

type BatchResponse struct {
	ID           string                      `json:"id"`
	StartedAt    time.Time                   `json:"started_at"`
	ElapsedMs    int64                       `json:"elapsed_ms"`
	Summary      scheduler.Summary           `json:"summary"`
	Outcomes     []OutcomeResponse           `json:"outcomes"`
	Repositories []scheduler.RepositoryStats `json:"repositories"`
	Servers      []scheduler.ServerStats     `json:"servers"`
}

type HistoryResponse struct {
	BatchID string                   `json:"batch_id,omitempty"`
	Records []storage.DownloadRecord `json:"records"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type BatchHandler struct {
	scheduler      Submitter
	history        storage.DownloadReadRepository
	targetDir      string
	serversPerRepo int
	notif          notifier.Notifier
}

// HandlerOption configures a BatchHandler.
type HandlerOption func(*BatchHandler)

// WithNotifier reports batches with failed requests to n.
func WithNotifier(n notifier.Notifier) HandlerOption {
	return func(h *BatchHandler) {
		h.notif = n
	}
}

// NewBatchHandler creates the batch API handler. history may be nil, in which
// case the history endpoints answer 404.
func NewBatchHandler(s Submitter, history storage.DownloadReadRepository, targetDir string, serversPerRepo int, opts ...HandlerOption) *BatchHandler {
	h := &BatchHandler{
		scheduler:      s,
		history:        history,
		targetDir:      targetDir,
		serversPerRepo: serversPerRepo,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

func (h *BatchHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.HandleHealth)
	r.Post("/batches", h.HandleSubmit)
	r.Get("/batches", h.HandleRecent)
	r.Get("/batches/{id}", h.HandleGet)

	return r
}

func (h *BatchHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSubmit runs a batch synchronously and answers with one outcome per
// request in submission order.
func (h *BatchHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req SubmitRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		logger.Warn("failed to decode batch request", "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})

		return
	}

	reqs := req.Requests

	if req.Manifest != nil {
		planned, err := req.Manifest.Plan(h.targetDir, h.serversPerRepo)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Field: "manifest"})

			return
		}

		reqs = append(reqs, planned...)
	}

	if len(reqs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "batch has no requests"})

		return
	}

	// Batches outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	batch, err := h.scheduler.Submit(r.Context(), reqs)
	if batch != nil {
		h.notify(r.Context(), batch)
	}

	if err != nil {
		var cfgErr *scheduler.ConfigurationError
		if errors.As(err, &cfgErr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: cfgErr.Error(), Field: cfgErr.Field})

			return
		}

		logger.Error("batch failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "batch failed"})

		return
	}

	writeJSON(w, http.StatusOK, newBatchResponse(batch))
}

func (h *BatchHandler) notify(ctx context.Context, batch *scheduler.Batch) {
	if h.notif == nil {
		return
	}

	if err := notifier.NotifyBatch(context.WithoutCancel(ctx), h.notif, batch); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to send notification", "batch_id", batch.ID, "err", err)
	}
}

// HandleGet returns the tracked history of one batch.
func (h *BatchHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if h.history == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "history is disabled"})

		return
	}

	records, err := h.history.GetBatch(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrBatchNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("batch %s not found", id)})

			return
		}

		logctx.LoggerFromContext(r.Context()).Error("failed to read batch history", "batch_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read history"})

		return
	}

	writeJSON(w, http.StatusOK, HistoryResponse{BatchID: id, Records: records})
}

// HandleRecent returns the most recent tracked downloads, ?limit=N.
func (h *BatchHandler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "history is disabled"})

		return
	}

	limit := defaultRecentLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer", Field: "limit"})

			return
		}

		limit = min(n, maxRecentLimit)
	}

	records, err := h.history.GetDownloads(r.Context(), limit)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to read download history", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read history"})

		return
	}

	if records == nil {
		records = []storage.DownloadRecord{}
	}

	writeJSON(w, http.StatusOK, HistoryResponse{Records: records})
}

func newBatchResponse(b *scheduler.Batch) BatchResponse {
	results := b.Results()

	resp := BatchResponse{
		ID:           b.ID,
		StartedAt:    b.StartedAt,
		ElapsedMs:    b.Elapsed.Milliseconds(),
		Summary:      b.Summary(),
		Outcomes:     make([]OutcomeResponse, 0, len(results)),
		Repositories: b.Repositories(),
		Servers:      b.Servers(),
	}

	for _, o := range results {
		out := OutcomeResponse{
			Repository:  o.Request.Repository,
			Destination: o.Request.Destination,
			Status:      o.Status.String(),
			Skipped:     o.Skipped,
			Path:        o.Path,
			Mirror:      o.Mirror,
			Attempts:    o.Attempts,
			Bytes:       o.Bytes,
			ElapsedMs:   o.Elapsed.Milliseconds(),
		}

		if o.Err != nil {
			out.Kind = o.Kind().String()
			out.Error = o.Err.Error()
		}

		resp.Outcomes = append(resp.Outcomes, out)
	}

	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}
