package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/soulsync/internal/api/shared"
	"github.com/phrazzld/soulsync/internal/platform/logger"
	"github.com/phrazzld/soulsync/internal/queue"
)

// maxListLimit caps the limit query parameter of list endpoints.
const maxListLimit = 1000

// JobQueue is the subset of queue.Controller used by the HTTP handlers.
type JobQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.Job, error)
	Get(id uuid.UUID) (queue.Job, error)
	List(filter queue.JobFilter) []queue.Job
	Cancel(id uuid.UUID) error
	SetPriority(id uuid.UUID, priority int) error
	BatchAction(ids []string, action queue.BatchAction, extra queue.BatchExtra) []queue.BatchResult
	Purge(olderThan time.Duration) int
	Pause()
	Resume()
	SetConcurrencyLimit(n int) error
	StatusSummary() queue.Summary
	HandlerTypes() []string
}

var _ JobQueue = (*queue.Controller)(nil)

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	queue  JobQueue
	logger *slog.Logger
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(q JobQueue, logger *slog.Logger) *JobHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for JobHandler")
	}
	return &JobHandler{
		queue:  q,
		logger: logger.With(slog.String("component", "job_handler")),
	}
}

// respondWithQueueError maps err to a status code and a safe message.
func respondWithQueueError(w http.ResponseWriter, r *http.Request, err error) {
	shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
}

// getPathJobID parses the {id} URL parameter, writing a 400 on failure.
func getPathJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid job ID format")
		return uuid.Nil, false
	}
	return id, true
}

// parseLimit reads the limit query parameter. Zero means no limit.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxListLimit {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return limit, nil
}

// Enqueue handles POST /api/jobs requests
func (h *JobHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req EnqueueJobRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	job, err := h.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		Type:       req.Type,
		Payload:    req.Payload,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		respondWithQueueError(w, r, err)
		return
	}

	log.Info("job enqueued via api",
		slog.String("job_id", job.ID.String()),
		slog.String("job_type", job.Type),
		slog.Int("priority", job.Priority))
	w.Header().Set("Location", "/api/jobs/"+job.ID.String())
	shared.RespondWithJSON(w, r, http.StatusAccepted, jobToResponse(job))
}

// List handles GET /api/jobs requests, filtered by the optional status,
// type and limit query parameters.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := queue.JobFilter{Type: query.Get("type")}

	if raw := query.Get("status"); raw != "" {
		status, ok := queue.ParseJobStatus(raw)
		if !ok {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid status filter")
			return
		}
		filter.Status = status
	}

	limit, err := parseLimit(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = limit

	shared.RespondWithJSON(w, r, http.StatusOK, jobsToResponse(h.queue.List(filter)))
}

// Get handles GET /api/jobs/{id} requests
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := getPathJobID(w, r)
	if !ok {
		return
	}

	job, err := h.queue.Get(id)
	if err != nil {
		respondWithQueueError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, jobToResponse(job))
}

// Cancel handles DELETE /api/jobs/{id} requests. A running job is only
// flagged; the response reflects the job as it is after the request.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	id, ok := getPathJobID(w, r)
	if !ok {
		return
	}

	if err := h.queue.Cancel(id); err != nil {
		respondWithQueueError(w, r, err)
		return
	}

	job, err := h.queue.Get(id)
	if err != nil {
		respondWithQueueError(w, r, err)
		return
	}
	log.Info("job cancel requested via api",
		slog.String("job_id", id.String()),
		slog.String("status", string(job.Status)))
	shared.RespondWithJSON(w, r, http.StatusOK, jobToResponse(job))
}

// SetPriority handles PUT /api/jobs/{id}/priority requests
func (h *JobHandler) SetPriority(w http.ResponseWriter, r *http.Request) {
	id, ok := getPathJobID(w, r)
	if !ok {
		return
	}

	var req SetPriorityRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	if err := h.queue.SetPriority(id, *req.Priority); err != nil {
		respondWithQueueError(w, r, err)
		return
	}

	job, err := h.queue.Get(id)
	if err != nil {
		respondWithQueueError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, jobToResponse(job))
}

// Batch handles POST /api/jobs/batch requests. Per-id failures are reported
// in the body; the request itself succeeds.
func (h *JobHandler) Batch(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req BatchRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}
	if queue.BatchAction(req.Action) == queue.BatchActionPriority && req.Priority == nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid priority: required field")
		return
	}

	results := h.queue.BatchAction(req.JobIDs, queue.BatchAction(req.Action), queue.BatchExtra{Priority: req.Priority})
	resp := batchToResponse(results)

	log.Info("batch action applied via api",
		slog.String("action", req.Action),
		slog.Int("succeeded", resp.Succeeded),
		slog.Int("failed", resp.Failed))
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// Purge handles DELETE /api/jobs requests, removing terminal jobs whose
// completion is older than the older_than query parameter (default: all).
func (h *JobHandler) Purge(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			shared.RespondWithError(w, r, http.StatusBadRequest, "older_than must be a non-negative duration")
			return
		}
		olderThan = d
	}

	n := h.queue.Purge(olderThan)
	logger.FromContextOrDefault(r.Context(), h.logger).Info("purged terminal jobs via api",
		slog.Int("count", n),
		slog.Duration("older_than", olderThan))
	shared.RespondWithJSON(w, r, http.StatusOK, PurgeResponse{Purged: n})
}
