package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/soulsync/internal/platform/logger"
	"github.com/phrazzld/soulsync/internal/store"
)

// defaultHistoryLimit bounds List when the filter sets no limit.
const defaultHistoryLimit = 100

const historyColumns = `job_id, type, status, priority, attempts, max_retries, error,
	payload, result, created_at, started_at, completed_at`

const upsertHistorySQL = `
	INSERT INTO job_history (` + historyColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (job_id) DO UPDATE SET
		type = EXCLUDED.type,
		status = EXCLUDED.status,
		priority = EXCLUDED.priority,
		attempts = EXCLUDED.attempts,
		max_retries = EXCLUDED.max_retries,
		error = EXCLUDED.error,
		payload = EXCLUDED.payload,
		result = EXCLUDED.result,
		created_at = EXCLUDED.created_at,
		started_at = EXCLUDED.started_at,
		completed_at = EXCLUDED.completed_at,
		archived_at = NOW()`

// PostgresHistoryStore implements store.JobHistoryStore.
type PostgresHistoryStore struct {
	db store.DBTX
}

var _ store.JobHistoryStore = (*PostgresHistoryStore)(nil)

// NewPostgresHistoryStore creates a history store backed by db, which may be
// a *sql.DB or a *sql.Tx.
func NewPostgresHistoryStore(db store.DBTX) *PostgresHistoryStore {
	return &PostgresHistoryStore{db: db}
}

// WithTx returns a store that runs its statements in tx.
func (s *PostgresHistoryStore) WithTx(tx *sql.Tx) *PostgresHistoryStore {
	return &PostgresHistoryStore{db: tx}
}

// InsertBatch upserts records atomically. Outside a transaction it opens
// its own; inside one it joins the caller's.
func (s *PostgresHistoryStore) InsertBatch(ctx context.Context, records []store.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	log := logger.FromContext(ctx)

	var err error
	if db, ok := s.db.(*sql.DB); ok {
		err = store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			return upsertHistory(ctx, tx, records)
		})
	} else {
		err = upsertHistory(ctx, s.db, records)
	}
	if err != nil {
		log.Error("failed to archive job history",
			"error", err,
			"batch_size", len(records))
		return store.NewStoreError("job_history", "insert", "batch upsert failed", err)
	}

	log.Debug("archived job history", "batch_size", len(records))
	return nil
}

func upsertHistory(ctx context.Context, db store.DBTX, records []store.HistoryRecord) error {
	stmt, err := db.PrepareContext(ctx, upsertHistorySQL)
	if err != nil {
		return fmt.Errorf("failed to prepare history upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range records {
		r := &records[i]
		if r.JobID == uuid.Nil {
			return fmt.Errorf("%w: history record without job id", store.ErrInvalidEntity)
		}
		_, err := stmt.ExecContext(ctx,
			r.JobID, r.Type, r.Status, r.Priority, r.Attempts, r.MaxRetries, r.Error,
			jsonParam(r.Payload), jsonParam(r.Result),
			r.CreatedAt.UTC(), timeParam(r.StartedAt), r.CompletedAt.UTC(),
		)
		if err != nil {
			return MapError(err)
		}
	}
	return nil
}

// Get returns the archived record for jobID.
func (s *PostgresHistoryStore) Get(ctx context.Context, jobID uuid.UUID) (*store.HistoryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+historyColumns+` FROM job_history WHERE job_id = $1`, jobID)

	record, err := scanHistory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrHistoryNotFound
		}
		logger.FromContext(ctx).Error("failed to get job history",
			"error", err,
			"job_id", jobID)
		return nil, MapError(err)
	}
	return record, nil
}

// List returns records matching filter, most recently completed first.
func (s *PostgresHistoryStore) List(ctx context.Context, filter store.HistoryFilter) ([]store.HistoryRecord, error) {
	query, args := buildHistoryQuery(filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.FromContext(ctx).Error("failed to list job history", "error", err)
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	records := []store.HistoryRecord{}
	for rows.Next() {
		record, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job history: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job history: %w", err)
	}
	return records, nil
}

// DeleteBefore removes records completed before cutoff.
func (s *PostgresHistoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM job_history WHERE completed_at < $1`, cutoff.UTC())
	if err != nil {
		logger.FromContext(ctx).Error("failed to delete job history",
			"error", err,
			"cutoff", cutoff)
		return 0, MapError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// buildHistoryQuery renders the List query for filter.
func buildHistoryQuery(filter store.HistoryFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.Type != "" {
		args = append(args, filter.Type)
		clauses = append(clauses, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since.UTC())
		clauses = append(clauses, fmt.Sprintf("completed_at >= $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(historyColumns)
	b.WriteString(" FROM job_history")
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY completed_at DESC, job_id LIMIT $%d", len(args))
	return b.String(), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistory(row rowScanner) (*store.HistoryRecord, error) {
	var (
		r         store.HistoryRecord
		payload   []byte
		result    []byte
		startedAt sql.NullTime
	)
	err := row.Scan(
		&r.JobID, &r.Type, &r.Status, &r.Priority, &r.Attempts, &r.MaxRetries, &r.Error,
		&payload, &result, &r.CreatedAt, &startedAt, &r.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		r.Payload = json.RawMessage(payload)
	}
	if len(result) > 0 {
		r.Result = json.RawMessage(result)
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	return &r, nil
}

func jsonParam(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func timeParam(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
