package postgres

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/soulsync/internal/events"
	"github.com/phrazzld/soulsync/internal/platform/logger"
	"github.com/phrazzld/soulsync/internal/redact"
	"github.com/phrazzld/soulsync/internal/store"
)

// ErrArchiveClosed is returned by Close when called twice.
var ErrArchiveClosed = errors.New("job archive closed")

// ArchiveConfig tunes JobArchive batching.
type ArchiveConfig struct {
	// BufferSize is the number of pending records held before new ones are dropped.
	BufferSize int
	// BatchSize is the number of records written per transaction.
	BatchSize int
	// FlushInterval bounds how long a partial batch waits.
	FlushInterval time.Duration
	// WriteTimeout bounds a single batch write or prune.
	WriteTimeout time.Duration
	// Retention is how long history records are kept. Zero keeps them forever.
	Retention time.Duration
	// RetentionInterval is how often expired records are deleted.
	RetentionInterval time.Duration
}

// DefaultArchiveConfig returns the settings used by the server.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		BufferSize:    1024,
		BatchSize:     50,
		FlushInterval:     time.Second,
		WriteTimeout:      10 * time.Second,
		RetentionInterval: time.Hour,
	}
}

// JobArchive copies terminal job transitions into a JobHistoryStore. It is
// an events.EventHandler that never blocks the queue: records are buffered
// and written in batches by a background goroutine, which also deletes
// records older than the configured retention.
type JobArchive struct {
	history store.JobHistoryStore
	config  ArchiveConfig
	logger  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	records chan store.HistoryRecord
	done    chan struct{}
	once    sync.Once
}

var _ events.EventHandler = (*JobArchive)(nil)

// NewJobArchive creates an archive writing to history. Start must be called
// before records are written.
func NewJobArchive(history store.JobHistoryStore, config ArchiveConfig, log *slog.Logger) *JobArchive {
	defaults := DefaultArchiveConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.RetentionInterval <= 0 {
		config.RetentionInterval = defaults.RetentionInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &JobArchive{
		history: history,
		config:  config,
		logger:  log.With("component", "job_archive"),
		records: make(chan store.HistoryRecord, config.BufferSize),
		done:    make(chan struct{}),
	}
}

// Start launches the writer goroutine. Writes outlive cancellation of ctx so
// that Close can still flush.
func (a *JobArchive) Start(ctx context.Context) {
	a.once.Do(func() {
		go a.run(context.WithoutCancel(ctx))
	})
}

// HandleEvent buffers terminal transitions. Non-terminal events are ignored.
func (a *JobArchive) HandleEvent(ctx context.Context, event *events.JobEvent) error {
	if event == nil || !event.Terminal {
		return nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrArchiveClosed
	}

	select {
	case a.records <- RecordFromEvent(event):
	default:
		a.logger.Warn("archive buffer full, dropping history record",
			"job_id", event.JobID,
			"job_type", event.JobType,
			"status", event.To)
	}
	return nil
}

// Close stops accepting records and waits for buffered ones to be written
// or for ctx to end.
func (a *JobArchive) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrArchiveClosed
	}
	a.closed = true
	close(a.records)
	a.mu.Unlock()

	// A never-started archive still drains.
	a.Start(ctx)

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *JobArchive) run(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	var prune <-chan time.Time
	if a.config.Retention > 0 {
		a.prune(ctx)
		pruneTicker := time.NewTicker(a.config.RetentionInterval)
		defer pruneTicker.Stop()
		prune = pruneTicker.C
	}

	batch := make([]store.HistoryRecord, 0, a.config.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		writeCtx, cancel := context.WithTimeout(logger.WithLogger(ctx, a.logger), a.config.WriteTimeout)
		defer cancel()
		if err := a.history.InsertBatch(writeCtx, batch); err != nil {
			a.logger.Error("failed to write job history batch",
				"error", err,
				"batch_size", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case record, ok := <-a.records:
			if !ok {
				flush()
				return
			}
			batch = append(batch, record)
			if len(batch) >= a.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-prune:
			flush()
			a.prune(ctx)
		}
	}
}

// prune deletes history records that completed before the retention window.
func (a *JobArchive) prune(ctx context.Context) {
	cutoff := time.Now().Add(-a.config.Retention)
	pruneCtx, cancel := context.WithTimeout(logger.WithLogger(ctx, a.logger), a.config.WriteTimeout)
	defer cancel()

	removed, err := a.history.DeleteBefore(pruneCtx, cutoff)
	if err != nil {
		a.logger.Error("failed to prune job history", "error", err, "cutoff", cutoff)
		return
	}
	if removed > 0 {
		a.logger.Info("pruned job history", "count", removed, "cutoff", cutoff)
	}
}

// RecordFromEvent converts a terminal event into a history record. Error
// text, payload and result are redacted before they are persisted.
func RecordFromEvent(event *events.JobEvent) store.HistoryRecord {
	record := store.HistoryRecord{
		JobID:      event.JobID,
		Type:       event.JobType,
		Status:     event.To,
		Priority:   event.Priority,
		Attempts:   event.Attempt,
		MaxRetries: event.MaxRetries,
		Error:      redact.String(event.Error),
		Payload:    redact.JSON(event.Payload),
		Result:     redact.JSON(event.Result),
		CreatedAt:  event.CreatedAt,
		StartedAt:  event.StartedAt,
	}
	if event.CompletedAt != nil {
		record.CompletedAt = *event.CompletedAt
	} else {
		record.CompletedAt = event.OccurredAt
	}
	return record
}
