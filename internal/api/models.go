package api

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/soulsync/internal/queue"
	"github.com/phrazzld/soulsync/internal/redact"
	"github.com/phrazzld/soulsync/internal/store"
)

// EnqueueJobRequest is the body of POST /api/jobs.
type EnqueueJobRequest struct {
	Type       string          `json:"type" validate:"required,max=128"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   int             `json:"priority"`
	MaxRetries *int            `json:"max_retries,omitempty" validate:"omitempty,gte=0"`
}

// SetPriorityRequest is the body of PUT /api/jobs/{id}/priority.
type SetPriorityRequest struct {
	Priority *int `json:"priority" validate:"required"`
}

// BatchRequest is the body of POST /api/jobs/batch.
type BatchRequest struct {
	JobIDs   []string `json:"job_ids" validate:"required,min=1,max=1000"`
	Action   string   `json:"action" validate:"required,oneof=cancel priority pause resume"`
	Priority *int     `json:"priority,omitempty"`
}

// ConcurrencyRequest is the body of PUT /api/queue/concurrency.
type ConcurrencyRequest struct {
	Limit int `json:"limit" validate:"required"`
}

// JobResponse represents a job returned by the API.
type JobResponse struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Status          string          `json:"status"`
	Priority        int             `json:"priority"`
	Attempt         int             `json:"attempt"`
	MaxRetries      int             `json:"max_retries"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	NotBefore       *time.Time      `json:"not_before,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// ListJobsResponse is the body of GET /api/jobs.
type ListJobsResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Count int           `json:"count"`
}

// BatchResultResponse is the outcome for one id in a batch.
type BatchResultResponse struct {
	JobID   string `json:"job_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BatchResponse is the body returned by POST /api/jobs/batch.
type BatchResponse struct {
	Results   []BatchResultResponse `json:"results"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
}

// PurgeResponse is the body returned by DELETE /api/jobs.
type PurgeResponse struct {
	Purged int `json:"purged"`
}

// QueueStatusResponse is the body of GET /api/queue/status.
type QueueStatusResponse struct {
	Paused           bool           `json:"paused"`
	ConcurrencyLimit int            `json:"concurrency_limit"`
	Running          int            `json:"running"`
	Counts           map[string]int `json:"counts_by_status"`
	HandlerTypes     []string       `json:"handler_types"`
}

// HistoryResponse represents an archived job.
type HistoryResponse struct {
	JobID       string          `json:"job_id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxRetries  int             `json:"max_retries"`
	Error       string          `json:"error,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// ListHistoryResponse is the body of GET /api/history.
type ListHistoryResponse struct {
	Records []HistoryResponse `json:"records"`
	Count   int               `json:"count"`
}

// jobToResponse converts a job to its API form. Handler error text is
// redacted since it may echo URLs or credentials.
func jobToResponse(job queue.Job) JobResponse {
	resp := JobResponse{
		ID:              job.ID.String(),
		Type:            job.Type,
		Status:          string(job.Status),
		Priority:        job.Priority,
		Attempt:         job.Attempt,
		MaxRetries:      job.MaxRetries,
		Payload:         job.Payload,
		Result:          job.Result,
		Error:           redact.String(job.Error),
		CancelRequested: job.CancelRequested,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
	if job.Status == queue.JobStatusQueued && job.NotBefore.After(job.CreatedAt) {
		nb := job.NotBefore
		resp.NotBefore = &nb
	}
	return resp
}

func jobsToResponse(jobs []queue.Job) ListJobsResponse {
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobToResponse(j))
	}
	return ListJobsResponse{Jobs: out, Count: len(out)}
}

func batchToResponse(results []queue.BatchResult) BatchResponse {
	resp := BatchResponse{Results: make([]BatchResultResponse, 0, len(results))}
	for _, r := range results {
		item := BatchResultResponse{JobID: r.JobID, Success: r.Success}
		if r.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
			item.Error = GetSafeErrorMessage(r.Err)
		}
		resp.Results = append(resp.Results, item)
	}
	return resp
}

func summaryToResponse(summary queue.Summary, handlerTypes []string) QueueStatusResponse {
	counts := make(map[string]int, len(summary.Counts))
	for status, n := range summary.Counts {
		counts[string(status)] = n
	}
	if handlerTypes == nil {
		handlerTypes = []string{}
	}
	return QueueStatusResponse{
		Paused:           summary.Paused,
		ConcurrencyLimit: summary.ConcurrencyLimit,
		Running:          summary.Running,
		Counts:           counts,
		HandlerTypes:     handlerTypes,
	}
}

func historyToResponse(r store.HistoryRecord) HistoryResponse {
	return HistoryResponse{
		JobID:       r.JobID.String(),
		Type:        r.Type,
		Status:      r.Status,
		Priority:    r.Priority,
		Attempts:    r.Attempts,
		MaxRetries:  r.MaxRetries,
		Error:       r.Error,
		Payload:     r.Payload,
		Result:      r.Result,
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}
