package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for job execution spans.
const tracerName = "github.com/phrazzld/soulsync/internal/queue"

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// Concurrency is the initial number of worker loops.
	Concurrency int

	// MinConcurrency and MaxConcurrency bound SetConcurrency.
	MinConcurrency int
	MaxConcurrency int

	// PollInterval bounds how long an idle loop waits before trying to
	// claim again when no wake-up arrives.
	PollInterval time.Duration
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Concurrency:    2,
		MinConcurrency: 1,
		MaxConcurrency: 10,
		PollInterval:   250 * time.Millisecond,
	}
}

// WorkerPool runs a reconfigurable set of loops that claim jobs from a
// JobStore and run their handlers. A loop's only blocking point besides the
// idle wait is the handler call, which runs outside any store lock.
type WorkerPool struct {
	store    *JobStore
	registry *HandlerRegistry
	config   WorkerPoolConfig
	logger   *slog.Logger
	tracer   trace.Tracer
	clock    func() time.Time

	mu      sync.Mutex
	started bool
	limit   int
	loops   []chan struct{}
	nextID  int
	wg      sync.WaitGroup

	// ctx is the parent of every handler context for the current run.
	// Start replaces it; cancelling it aborts all in-flight handlers.
	ctx    context.Context
	cancel context.CancelFunc

	wakeMu sync.Mutex
	wakeCh chan struct{}

	activeMu sync.Mutex
	active   map[uuid.UUID]context.CancelFunc
}

// NewWorkerPool creates a worker pool. It does not start any loop.
func NewWorkerPool(
	store *JobStore,
	registry *HandlerRegistry,
	config WorkerPoolConfig,
	logger *slog.Logger,
) *WorkerPool {
	defaults := DefaultWorkerPoolConfig()
	if config.MinConcurrency <= 0 {
		config.MinConcurrency = defaults.MinConcurrency
	}
	if config.MaxConcurrency < config.MinConcurrency {
		config.MaxConcurrency = config.MinConcurrency
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.Concurrency < config.MinConcurrency || config.Concurrency > config.MaxConcurrency {
		logger.Warn("invalid concurrency specified, clamping",
			"specified", config.Concurrency,
			"min", config.MinConcurrency,
			"max", config.MaxConcurrency)
		config.Concurrency = min(max(config.Concurrency, config.MinConcurrency), config.MaxConcurrency)
	}

	return &WorkerPool{
		store:    store,
		registry: registry,
		config:   config,
		logger:   logger.With("component", "worker_pool"),
		tracer:   otel.Tracer(tracerName),
		clock:    time.Now,
		limit:    config.Concurrency,
		wakeCh:   make(chan struct{}),
		active:   make(map[uuid.UUID]context.CancelFunc),
	}
}

// SetTracer replaces the tracer used for execution spans.
func (p *WorkerPool) SetTracer(tracer trace.Tracer) {
	p.tracer = tracer
}

// Start launches the worker loops. Calling it twice is a no-op; a stopped
// pool can be started again.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting", "concurrency", p.limit)
	p.spawnLocked(p.limit)
}

// Stop stops every loop and waits for in-flight handlers. When ctx
// expires first, handler contexts are cancelled and Stop waits for the
// handlers to return.
func (p *WorkerPool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	for _, stop := range p.loops {
		close(stop)
	}
	p.loops = nil
	cancel := p.cancel
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		cancel()
		<-done
	}
	cancel()
}

// Concurrency returns the current concurrency limit.
func (p *WorkerPool) Concurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

// SetConcurrency changes the number of loops. Lowering the limit never
// preempts a running job: surplus loops exit once their current job
// finishes.
func (p *WorkerPool) SetConcurrency(n int) error {
	if n < p.config.MinConcurrency || n > p.config.MaxConcurrency {
		return validationErrorf("concurrency %d outside [%d, %d]",
			n, p.config.MinConcurrency, p.config.MaxConcurrency)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	previous := p.limit
	p.limit = n
	if !p.started {
		return nil
	}

	switch {
	case n > len(p.loops):
		p.spawnLocked(n - len(p.loops))
	case n < len(p.loops):
		for _, stop := range p.loops[n:] {
			close(stop)
		}
		p.loops = p.loops[:n]
	}

	p.logger.Info("concurrency limit changed", "previous", previous, "current", n)
	return nil
}

func (p *WorkerPool) spawnLocked(count int) {
	for i := 0; i < count; i++ {
		stop := make(chan struct{})
		p.loops = append(p.loops, stop)
		p.nextID++
		p.wg.Add(1)
		go p.worker(p.ctx, p.nextID, stop)
	}
}

// Notify wakes every idle loop so it retries its claim immediately.
func (p *WorkerPool) Notify() {
	p.wakeMu.Lock()
	close(p.wakeCh)
	p.wakeCh = make(chan struct{})
	p.wakeMu.Unlock()
}

func (p *WorkerPool) wakeChan() <-chan struct{} {
	p.wakeMu.Lock()
	defer p.wakeMu.Unlock()
	return p.wakeCh
}

// CancelRunning cancels the handler context of a running job. It reports
// whether the job was found among the active ones.
func (p *WorkerPool) CancelRunning(id uuid.UUID) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()

	cancel, ok := p.active[id]
	if ok {
		cancel()
	}
	return ok
}

// worker is the loop run by each worker goroutine.
func (p *WorkerPool) worker(ctx context.Context, id int, stop <-chan struct{}) {
	defer p.wg.Done()

	p.logger.Debug("starting worker", "worker_id", id)
	timer := time.NewTimer(p.config.PollInterval)
	defer timer.Stop()

	for {
		// Grab the wake channel before claiming so a Notify between a
		// failed claim and the wait is not lost.
		wake := p.wakeChan()

		job, ok, retired := p.claim(stop)
		if retired {
			p.logger.Debug("stopping worker", "worker_id", id)
			return
		}
		if ok {
			p.process(ctx, id, job)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.config.PollInterval)

		select {
		case <-stop:
			p.logger.Debug("stopping worker", "worker_id", id)
			return
		case <-ctx.Done():
			return
		case <-wake:
		case <-timer.C:
		}
	}
}

// claim takes the next eligible job unless stop is closed. It holds mu, the
// lock under which SetConcurrency and Stop close stop channels, so a retired
// loop never claims again.
func (p *WorkerPool) claim(stop <-chan struct{}) (job Job, ok bool, retired bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-stop:
		return Job{}, false, true
	default:
	}
	job, ok = p.store.ClaimNext(p.clock())
	return job, ok, false
}

// process runs one claimed job and reports the outcome to the store.
func (p *WorkerPool) process(parent context.Context, workerID int, job Job) {
	logger := p.logger.With(
		"job_id", job.ID,
		"job_type", job.Type,
		"worker_id", workerID,
		"attempt", job.Attempt+1,
	)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	p.track(job.ID, cancel)
	defer p.untrack(job.ID)

	// A cancel request may have landed between the claim and track.
	if current, err := p.store.Get(job.ID); err == nil && current.CancelRequested {
		cancel()
	}

	logger.Info("processing job")
	start := time.Now()
	result, err := p.invoke(ctx, job, logger)
	elapsed := time.Since(start)

	if err != nil {
		logger.Warn("job attempt failed", "error", err, "elapsed", elapsed)
		if reportErr := p.store.Fail(job.ID, err, p.clock()); reportErr != nil {
			logger.Error("failed to record job failure", "error", reportErr)
		}
	} else {
		logger.Info("job completed successfully", "elapsed", elapsed)
		if reportErr := p.store.Complete(job.ID, result, p.clock()); reportErr != nil {
			logger.Error("failed to record job completion", "error", reportErr)
		}
	}

	// A retried job may already be due; let idle loops look again.
	p.Notify()
}

// invoke resolves and runs the handler inside a span. Panics and missing
// handlers come back as *HandlerError.
func (p *WorkerPool) invoke(ctx context.Context, job Job, logger *slog.Logger) (result json.RawMessage, err error) {
	ctx, span := p.tracer.Start(ctx, "soulsync.job.execute",
		trace.WithAttributes(
			attribute.String("soulsync.job.id", job.ID.String()),
			attribute.String("soulsync.job.type", job.Type),
			attribute.Int("soulsync.job.priority", job.Priority),
			attribute.Int("soulsync.job.attempt", job.Attempt+1),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	wrap := func(cause error) error {
		return &HandlerError{JobID: job.ID, Type: job.Type, Attempt: job.Attempt + 1, Err: cause}
	}

	handler, ok := p.registry.Lookup(job.Type)
	if !ok {
		return nil, wrap(fmt.Errorf("%w for type %q", ErrNoHandler, job.Type))
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("job handler panicked",
				"panic", r,
				"stack", string(debug.Stack()))
			result = nil
			err = wrap(fmt.Errorf("panic: %v", r))
		}
	}()

	result, err = handler(ctx, job.Payload)
	if err != nil {
		return nil, wrap(err)
	}
	return result, nil
}

func (p *WorkerPool) track(id uuid.UUID, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[id] = cancel
	p.activeMu.Unlock()
}

func (p *WorkerPool) untrack(id uuid.UUID) {
	p.activeMu.Lock()
	delete(p.active, id)
	p.activeMu.Unlock()
}
