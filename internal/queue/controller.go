package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/soulsync/internal/events"
	"go.opentelemetry.io/otel/trace"
)

// ControllerConfig holds configuration for the queue controller
type ControllerConfig struct {
	Store StoreConfig
	Pool  WorkerPoolConfig

	// DefaultMaxRetries applies when an enqueue request leaves MaxRetries unset.
	DefaultMaxRetries int

	// RejectUnknownTypes makes Enqueue fail fast for types without a
	// registered handler instead of failing at dispatch.
	RejectUnknownTypes bool

	// PurgeAfter is how long terminal jobs stay queryable. Zero keeps them
	// until Purge is called.
	PurgeAfter time.Duration

	// PurgeInterval is how often the janitor runs. Defaults to one minute.
	PurgeInterval time.Duration
}

// DefaultControllerConfig returns a ControllerConfig with reasonable defaults
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Store:             DefaultStoreConfig(),
		Pool:              DefaultWorkerPoolConfig(),
		DefaultMaxRetries: DefaultMaxRetries,
		PurgeInterval:     time.Minute,
	}
}

// EnqueueRequest describes a job to add to the queue.
type EnqueueRequest struct {
	Type     string
	Payload  json.RawMessage
	Priority int
	// MaxRetries overrides the default retry ceiling when non-nil.
	MaxRetries *int
}

// BatchAction names an operation applied by Controller.BatchAction.
type BatchAction string

// Supported batch actions
const (
	BatchActionCancel   BatchAction = "cancel"
	BatchActionPriority BatchAction = "priority"
	BatchActionPause    BatchAction = "pause"
	BatchActionResume   BatchAction = "resume"
)

// BatchExtra carries action-specific arguments.
type BatchExtra struct {
	Priority *int
}

// BatchResult is the outcome of a batch action for one job id.
type BatchResult struct {
	JobID   string
	Success bool
	Err     error
}

// Summary is a point-in-time view of the queue.
type Summary struct {
	Paused           bool              `json:"paused"`
	ConcurrencyLimit int               `json:"concurrency_limit"`
	Running          int               `json:"running"`
	Counts           map[JobStatus]int `json:"counts_by_status"`
}

// Controller is the public façade of the queue. It composes the JobStore,
// WorkerPool and handler registry and adds pause/resume and batch control.
type Controller struct {
	store    *JobStore
	pool     *WorkerPool
	registry *HandlerRegistry
	emitter  events.EventEmitter
	config   ControllerConfig
	logger   *slog.Logger
	clock    func() time.Time

	mu          sync.Mutex
	running     bool
	stopJanitor chan struct{}
	janitorDone chan struct{}
}

// NewController creates a controller. emitter may be nil.
func NewController(
	registry *HandlerRegistry,
	config ControllerConfig,
	emitter events.EventEmitter,
	logger *slog.Logger,
) *Controller {
	if config.DefaultMaxRetries < 0 {
		config.DefaultMaxRetries = DefaultMaxRetries
	}
	if config.PurgeInterval <= 0 {
		config.PurgeInterval = time.Minute
	}

	store := NewJobStore(config.Store)
	c := &Controller{
		store:    store,
		pool:     NewWorkerPool(store, registry, config.Pool, logger),
		registry: registry,
		emitter:  emitter,
		config:   config,
		logger:   logger.With("component", "queue_controller"),
		clock:    time.Now,
	}
	store.SetObserver(c.publish)
	return c
}

// publish converts a store transition into an event for the emitter.
// Event handlers run synchronously, in transition order, and must not call
// back into the controller.
func (c *Controller) publish(tr Transition) {
	if c.emitter == nil {
		return
	}
	j := tr.Job
	event := &events.JobEvent{
		ID:          uuid.New(),
		JobID:       j.ID,
		JobType:     j.Type,
		From:        string(tr.From),
		To:          string(tr.To),
		Terminal:    tr.To.IsTerminal(),
		Priority:    j.Priority,
		Attempt:     j.Attempt,
		MaxRetries:  j.MaxRetries,
		Error:       j.Error,
		Payload:     j.Payload,
		Result:      j.Result,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		OccurredAt:  tr.At,
	}
	if err := c.emitter.EmitEvent(context.Background(), event); err != nil {
		c.logger.Warn("job event not fully delivered",
			"job_id", j.ID,
			"to", tr.To,
			"error", err)
	}
}

// SetTracer replaces the tracer used for job execution spans. Call it
// before Start.
func (c *Controller) SetTracer(tracer trace.Tracer) {
	c.pool.SetTracer(tracer)
}

// Start launches the worker pool and, when configured, the retention janitor.
// A stopped controller can be started again.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	c.running = true
	c.pool.Start()

	if c.config.PurgeAfter > 0 {
		c.stopJanitor = make(chan struct{})
		c.janitorDone = make(chan struct{})
		go c.janitor(c.stopJanitor, c.janitorDone)
	}

	c.logger.Info("job queue started",
		"concurrency", c.pool.Concurrency(),
		"handler_types", c.registry.Types())
	return nil
}

// Stop stops the janitor and the worker pool, waiting for in-flight
// handlers until ctx expires.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	if c.stopJanitor != nil {
		close(c.stopJanitor)
		<-c.janitorDone
		c.stopJanitor, c.janitorDone = nil, nil
	}
	c.pool.Stop(ctx)
	c.logger.Info("job queue stopped")
}

// janitor periodically purges terminal jobs older than PurgeAfter.
func (c *Controller) janitor(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := c.Purge(c.config.PurgeAfter); n > 0 {
				c.logger.Info("purged terminal jobs", "count", n)
			}
		}
	}
}

// Enqueue validates req, adds a queued job and wakes idle workers.
func (c *Controller) Enqueue(ctx context.Context, req EnqueueRequest) (Job, error) {
	maxRetries := c.config.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if c.config.RejectUnknownTypes && req.Type != "" && !c.registry.Has(req.Type) {
		return Job{}, validationErrorf("no handler registered for type %q", req.Type)
	}

	id, err := c.store.Insert(req.Type, req.Payload, req.Priority, maxRetries, c.clock())
	if err != nil {
		return Job{}, fmt.Errorf("enqueue %q: %w", req.Type, err)
	}
	c.pool.Notify()

	job, err := c.store.Get(id)
	if err != nil {
		return Job{}, err
	}
	c.logger.Debug("job enqueued",
		"job_id", job.ID,
		"job_type", job.Type,
		"priority", job.Priority,
		"max_retries", job.MaxRetries)
	return job, nil
}

// Get returns a copy of the job.
func (c *Controller) Get(id uuid.UUID) (Job, error) {
	return c.store.Get(id)
}

// List returns jobs matching filter, newest first.
func (c *Controller) List(filter JobFilter) []Job {
	return c.store.List(filter)
}

// Cancel cancels a queued job immediately or signals a running one. A
// running job keeps its status until its handler returns.
func (c *Controller) Cancel(id uuid.UUID) error {
	running, err := c.store.Cancel(id, c.clock())
	if err != nil {
		return err
	}
	if running {
		c.pool.CancelRunning(id)
		c.logger.Info("cancellation requested for running job", "job_id", id)
	}
	return nil
}

// SetPriority changes the priority of a queued job.
func (c *Controller) SetPriority(id uuid.UUID, priority int) error {
	return c.store.SetPriority(id, priority)
}

// Pause stops workers from claiming new jobs. Running jobs continue.
// Calling it while already paused has no further effect.
func (c *Controller) Pause() {
	if c.store.SetPaused(true) {
		c.logger.Info("job queue paused")
	}
}

// Resume lets workers claim jobs again. Calling it while not paused is a no-op.
func (c *Controller) Resume() {
	if c.store.SetPaused(false) {
		c.logger.Info("job queue resumed")
		c.pool.Notify()
	}
}

// Paused reports whether the queue is paused.
func (c *Controller) Paused() bool {
	return c.store.Paused()
}

// SetConcurrencyLimit changes the number of worker loops.
func (c *Controller) SetConcurrencyLimit(n int) error {
	return c.pool.SetConcurrency(n)
}

// RunningCount returns the number of running jobs.
func (c *Controller) RunningCount() int {
	return c.store.RunningCount()
}

// Purge removes terminal jobs that finished more than olderThan ago.
func (c *Controller) Purge(olderThan time.Duration) int {
	return c.store.Purge(c.clock().Add(-olderThan))
}

// HandlerTypes returns the registered job types.
func (c *Controller) HandlerTypes() []string {
	return c.registry.Types()
}

// StatusSummary returns the pause flag, concurrency limit and counts by status.
func (c *Controller) StatusSummary() Summary {
	return Summary{
		Paused:           c.store.Paused(),
		ConcurrencyLimit: c.pool.Concurrency(),
		Running:          c.store.RunningCount(),
		Counts:           c.store.Summary(),
	}
}

// BatchAction applies action to every id independently. It never stops at
// the first failure and returns exactly one result per id, in input order.
func (c *Controller) BatchAction(ids []string, action BatchAction, extra BatchExtra) []BatchResult {
	results := make([]BatchResult, 0, len(ids))

	var actionErr error
	switch action {
	case BatchActionCancel, BatchActionPause, BatchActionResume:
	case BatchActionPriority:
		if extra.Priority == nil {
			actionErr = validationErrorf("priority action requires a priority")
		}
	default:
		actionErr = validationErrorf("unknown batch action %q", action)
	}

	for _, raw := range ids {
		res := BatchResult{JobID: raw}
		if actionErr != nil {
			res.Err = actionErr
			results = append(results, res)
			continue
		}

		id, err := uuid.Parse(raw)
		if err != nil {
			res.Err = fmt.Errorf("%w: %q", ErrNotFound, raw)
			results = append(results, res)
			continue
		}

		switch action {
		case BatchActionCancel:
			err = c.Cancel(id)
		case BatchActionPriority:
			err = c.SetPriority(id, *extra.Priority)
		case BatchActionPause, BatchActionResume:
			// Pause and resume are queue-wide; per job they only confirm
			// the id exists.
			_, err = c.store.Get(id)
		}

		res.Success = err == nil
		res.Err = err
		results = append(results, res)
	}

	c.logger.Debug("batch action applied",
		"action", action,
		"count", len(ids))
	return results
}
