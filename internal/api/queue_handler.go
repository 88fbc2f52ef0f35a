package api

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/soulsync/internal/api/shared"
	"github.com/phrazzld/soulsync/internal/platform/logger"
)

// QueueHandler handles queue-wide control requests
type QueueHandler struct {
	queue  JobQueue
	logger *slog.Logger
}

// NewQueueHandler creates a new QueueHandler
func NewQueueHandler(q JobQueue, logger *slog.Logger) *QueueHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for QueueHandler")
	}
	return &QueueHandler{
		queue:  q,
		logger: logger.With(slog.String("component", "queue_handler")),
	}
}

func (h *QueueHandler) respondWithStatus(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, summaryToResponse(h.queue.StatusSummary(), h.queue.HandlerTypes()))
}

// Pause handles POST /api/queue/pause requests. Pausing twice is harmless.
func (h *QueueHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.queue.Pause()
	logger.FromContextOrDefault(r.Context(), h.logger).Info("queue paused via api")
	h.respondWithStatus(w, r)
}

// Resume handles POST /api/queue/resume requests
func (h *QueueHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.queue.Resume()
	logger.FromContextOrDefault(r.Context(), h.logger).Info("queue resumed via api")
	h.respondWithStatus(w, r)
}

// SetConcurrency handles PUT /api/queue/concurrency requests
func (h *QueueHandler) SetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req ConcurrencyRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	if err := h.queue.SetConcurrencyLimit(req.Limit); err != nil {
		respondWithQueueError(w, r, err)
		return
	}

	logger.FromContextOrDefault(r.Context(), h.logger).Info("concurrency limit changed via api",
		slog.Int("limit", req.Limit))
	h.respondWithStatus(w, r)
}

// Status handles GET /api/queue/status requests
func (h *QueueHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.respondWithStatus(w, r)
}
