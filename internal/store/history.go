package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// HistoryRecord is the archived form of a job that reached a terminal state.
type HistoryRecord struct {
	JobID       uuid.UUID       `json:"job_id"`
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

// HistoryFilter narrows JobHistoryStore.List. Zero values match everything.
type HistoryFilter struct {
	Type   string
	Status string
	Since  time.Time
	Limit  int
}

// JobHistoryStore persists archived jobs.
type JobHistoryStore interface {
	// InsertBatch stores records, replacing any previous record for the
	// same job id. The batch is written atomically.
	InsertBatch(ctx context.Context, records []HistoryRecord) error

	// Get returns the archived record for a job, or ErrHistoryNotFound.
	Get(ctx context.Context, jobID uuid.UUID) (*HistoryRecord, error)

	// List returns records matching filter, most recently completed first.
	List(ctx context.Context, filter HistoryFilter) ([]HistoryRecord, error)

	// DeleteBefore removes records completed before cutoff and returns the
	// number removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
