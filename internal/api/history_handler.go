package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/soulsync/internal/api/shared"
	"github.com/phrazzld/soulsync/internal/queue"
	"github.com/phrazzld/soulsync/internal/store"
)

// HistoryHandler serves archived terminal jobs
type HistoryHandler struct {
	history store.JobHistoryStore
	logger  *slog.Logger
}

// NewHistoryHandler creates a new HistoryHandler
func NewHistoryHandler(history store.JobHistoryStore, logger *slog.Logger) *HistoryHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for HistoryHandler")
	}
	return &HistoryHandler{
		history: history,
		logger:  logger.With(slog.String("component", "history_handler")),
	}
}

// List handles GET /api/history requests, filtered by the optional type,
// status, since (RFC 3339) and limit query parameters.
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.HistoryFilter{Type: query.Get("type")}

	if raw := query.Get("status"); raw != "" {
		status, ok := queue.ParseJobStatus(raw)
		if !ok || !status.IsTerminal() {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid status filter")
			return
		}
		filter.Status = string(status)
	}

	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}

	limit, err := parseLimit(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = limit

	records, err := h.history.List(r.Context(), filter)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to list job history", err)
		return
	}

	resp := ListHistoryResponse{Records: make([]HistoryResponse, 0, len(records))}
	for _, rec := range records {
		resp.Records = append(resp.Records, historyToResponse(rec))
	}
	resp.Count = len(resp.Records)
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// Get handles GET /api/history/{id} requests
func (h *HistoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := getPathJobID(w, r)
	if !ok {
		return
	}

	record, err := h.history.Get(r.Context(), id)
	if err != nil {
		respondWithQueueError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, historyToResponse(*record))
}
