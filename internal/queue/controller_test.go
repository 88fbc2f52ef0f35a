package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/soulsync/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

// recordingEmitter keeps every emitted event for later inspection.
type recordingEmitter struct {
	mu     sync.Mutex
	events []events.JobEvent
}

func (e *recordingEmitter) EmitEvent(ctx context.Context, event *events.JobEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, *event)
	return nil
}

func (e *recordingEmitter) transitions(id uuid.UUID) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		if ev.JobID == id {
			out = append(out, ev.From+"->"+ev.To)
		}
	}
	return out
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

func (e *recordingEmitter) transitionsByJob() map[uuid.UUID][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[uuid.UUID][]string)
	for _, ev := range e.events {
		out[ev.JobID] = append(out[ev.JobID], ev.From+"->"+ev.To)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testControllerConfig(concurrency int) ControllerConfig {
	config := DefaultControllerConfig()
	config.Store.Retry = RetryPolicy{Base: 10 * time.Millisecond}
	config.Pool.Concurrency = concurrency
	config.Pool.PollInterval = tick
	return config
}

func newTestController(
	t *testing.T,
	registry *HandlerRegistry,
	config ControllerConfig,
	emitter events.EventEmitter,
) *Controller {
	t.Helper()
	c := NewController(registry, config, emitter, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		c.Stop(ctx)
	})
	return c
}

func enqueue(t *testing.T, c *Controller, jobType string, payload string, priority int) uuid.UUID {
	t.Helper()
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	job, err := c.Enqueue(context.Background(), EnqueueRequest{Type: jobType, Payload: raw, Priority: priority})
	require.NoError(t, err)
	return job.ID
}

func waitForStatus(t *testing.T, c *Controller, id uuid.UUID, status JobStatus) Job {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := c.Get(id)
		return err == nil && job.Status == status
	}, waitFor, tick, "job %s never reached %s", id, status)
	job, err := c.Get(id)
	require.NoError(t, err)
	return job
}

// orderRecorder returns a handler that records the JSON string payload of
// each job it runs.
type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (o *orderRecorder) handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var name string
	if err := json.Unmarshal(payload, &name); err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.order = append(o.order, name)
	o.mu.Unlock()
	return nil, nil
}

func (o *orderRecorder) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

// concurrencyTracker measures the peak number of simultaneous handler calls.
type concurrencyTracker struct {
	current atomic.Int32
	peak    atomic.Int32
	done    atomic.Int32
	hold    time.Duration
}

func (c *concurrencyTracker) handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	n := c.current.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(c.hold):
	case <-ctx.Done():
	}
	c.current.Add(-1)
	c.done.Add(1)
	return nil, nil
}

func TestController_DispatchesByPriority(t *testing.T) {
	t.Parallel()

	recorder := &orderRecorder{}
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("fetch", recorder.handle))

	c := newTestController(t, registry, testControllerConfig(1), nil)

	a := enqueue(t, c, "fetch", `"A"`, 0)
	b := enqueue(t, c, "fetch", `"B"`, 10)
	require.NoError(t, c.Start(context.Background()))

	waitForStatus(t, c, a, JobStatusCompleted)
	waitForStatus(t, c, b, JobStatusCompleted)
	assert.Equal(t, []string{"B", "A"}, recorder.snapshot())
}

func TestController_FIFOWithinPriority(t *testing.T) {
	t.Parallel()

	recorder := &orderRecorder{}
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("fetch", recorder.handle))

	c := newTestController(t, registry, testControllerConfig(1), nil)

	var ids []uuid.UUID
	var expected []string
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("job-%d", i)
		ids = append(ids, enqueue(t, c, "fetch", `"`+name+`"`, 3))
		expected = append(expected, name)
	}
	require.NoError(t, c.Start(context.Background()))

	for _, id := range ids {
		waitForStatus(t, c, id, JobStatusCompleted)
	}
	assert.Equal(t, expected, recorder.snapshot())
}

func TestController_RespectsConcurrencyLimit(t *testing.T) {
	t.Parallel()

	tracker := &concurrencyTracker{hold: 30 * time.Millisecond}
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("scan", tracker.handle))

	c := newTestController(t, registry, testControllerConfig(2), nil)
	require.NoError(t, c.Start(context.Background()))

	for i := 0; i < 5; i++ {
		enqueue(t, c, "scan", "", 0)
	}

	var sampledMax int
	require.Eventually(t, func() bool {
		if n := c.RunningCount(); n > sampledMax {
			sampledMax = n
		}
		return tracker.done.Load() == 5
	}, waitFor, time.Millisecond)

	assert.LessOrEqual(t, int(tracker.peak.Load()), 2)
	assert.LessOrEqual(t, sampledMax, 2)
	assert.Equal(t, 5, c.StatusSummary().Counts[JobStatusCompleted])
}

func TestController_PauseHoldsQueuedJobs(t *testing.T) {
	t.Parallel()

	recorder := &orderRecorder{}
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("fetch", recorder.handle))

	c := newTestController(t, registry, testControllerConfig(1), nil)
	require.NoError(t, c.Start(context.Background()))
	c.Pause()

	low := enqueue(t, c, "fetch", `"low"`, 1)
	enqueue(t, c, "fetch", `"high"`, 5)
	enqueue(t, c, "fetch", `"mid"`, 3)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, recorder.snapshot(), "no job may start while paused")
	assert.Equal(t, 3, c.StatusSummary().Counts[JobStatusQueued])

	c.Resume()
	waitForStatus(t, c, low, JobStatusCompleted)
	assert.Equal(t, []string{"high", "mid", "low"}, recorder.snapshot())
}

func TestController_PauseLetsRunningJobFinish(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("download", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.RawMessage(`{"ok":true}`), nil
	}))

	c := newTestController(t, registry, testControllerConfig(2), nil)
	require.NoError(t, c.Start(context.Background()))

	first := enqueue(t, c, "download", "", 0)
	<-started

	c.Pause()
	second := enqueue(t, c, "download", "", 0)
	close(release)

	job := waitForStatus(t, c, first, JobStatusCompleted)
	assert.JSONEq(t, `{"ok":true}`, string(job.Result))

	time.Sleep(30 * time.Millisecond)
	job, err := c.Get(second)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, job.Status)

	c.Resume()
	waitForStatus(t, c, second, JobStatusCompleted)
}

func TestController_PauseResumeIdempotent(t *testing.T) {
	t.Parallel()

	c := newTestController(t, NewHandlerRegistry(), testControllerConfig(1), nil)

	c.Pause()
	c.Pause()
	assert.True(t, c.Paused())
	assert.True(t, c.StatusSummary().Paused)

	c.Resume()
	c.Resume()
	assert.False(t, c.Paused())
	assert.False(t, c.StatusSummary().Paused)
}

func TestController_CancelRunningJob(t *testing.T) {
	t.Parallel()

	t.Run("handler honoring context", func(t *testing.T) {
		t.Parallel()

		started := make(chan struct{}, 1)
		registry := NewHandlerRegistry()
		require.NoError(t, registry.Register("download", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}))

		c := newTestController(t, registry, testControllerConfig(1), nil)
		require.NoError(t, c.Start(context.Background()))

		id := enqueue(t, c, "download", "", 0)
		<-started
		require.NoError(t, c.Cancel(id))

		job := waitForStatus(t, c, id, JobStatusCancelled)
		assert.Equal(t, 1, job.Attempt)
	})

	t.Run("handler ignoring context and succeeding", func(t *testing.T) {
		t.Parallel()

		started := make(chan struct{}, 1)
		release := make(chan struct{})
		registry := NewHandlerRegistry()
		require.NoError(t, registry.Register("download", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			started <- struct{}{}
			<-release
			return json.RawMessage(`{"ok":true}`), nil
		}))

		c := newTestController(t, registry, testControllerConfig(1), nil)
		require.NoError(t, c.Start(context.Background()))

		id := enqueue(t, c, "download", "", 0)
		<-started
		require.NoError(t, c.Cancel(id))

		job, err := c.Get(id)
		require.NoError(t, err)
		assert.Equal(t, JobStatusRunning, job.Status)

		close(release)
		job = waitForStatus(t, c, id, JobStatusCancelled)
		assert.Nil(t, job.Result)
	})
}

func TestController_CancelQueuedAndTerminal(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("fetch", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}))
	c := newTestController(t, registry, testControllerConfig(1), nil)

	id := enqueue(t, c, "fetch", "", 0)
	require.NoError(t, c.Cancel(id))

	job, err := c.Get(id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, job.Status)

	assert.ErrorIs(t, c.Cancel(id), ErrInvalidTransition)
	assert.ErrorIs(t, c.Cancel(uuid.New()), ErrNotFound)
}

func TestController_RetryThenFail(t *testing.T) {
	t.Parallel()

	emitter := &recordingEmitter{}
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("fetch", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("peer offline")
	}))

	c := newTestController(t, registry, testControllerConfig(1), emitter)
	require.NoError(t, c.Start(context.Background()))

	maxRetries := 1
	job, err := c.Enqueue(context.Background(), EnqueueRequest{Type: "fetch", MaxRetries: &maxRetries})
	require.NoError(t, err)

	job = waitForStatus(t, c, job.ID, JobStatusFailed)
	assert.Equal(t, 2, job.Attempt)
	assert.Contains(t, job.Error, "peer offline")
	assert.NotNil(t, job.CompletedAt)

	assert.Equal(t, []string{
		"pending->queued",
		"queued->running",
		"running->queued",
		"queued->running",
		"running->failed",
	}, emitter.transitions(job.ID))
}

func TestController_RetryLimitCountsRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	emitter := &recordingEmitter{}
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("fetch", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("tracker unreachable")
	}))

	c := newTestController(t, registry, testControllerConfig(1), emitter)
	require.NoError(t, c.Start(context.Background()))

	// Two retries means three runs in total.
	maxRetries := 2
	job, err := c.Enqueue(context.Background(), EnqueueRequest{Type: "fetch", MaxRetries: &maxRetries})
	require.NoError(t, err)

	job = waitForStatus(t, c, job.ID, JobStatusFailed)
	assert.Equal(t, 3, job.Attempt)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []string{
		"pending->queued",
		"queued->running",
		"running->queued",
		"queued->running",
		"running->queued",
		"queued->running",
		"running->failed",
	}, emitter.transitions(job.ID))
}

func TestController_EventsFollowTransitionOrder(t *testing.T) {
	t.Parallel()

	emitter := &recordingEmitter{}
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("tag", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	}))

	c := newTestController(t, registry, testControllerConfig(10), emitter)
	require.NoError(t, c.Start(context.Background()))

	const producers, perProducer = 8, 200
	ids := make(chan uuid.UUID, producers*perProducer)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				job, err := c.Enqueue(context.Background(), EnqueueRequest{Type: "tag"})
				if err != nil {
					t.Errorf("enqueue: %v", err)
					return
				}
				ids <- job.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	// Three transitions per job: queued, running, completed.
	require.Eventually(t, func() bool {
		return emitter.count() == 3*producers*perProducer
	}, 10*time.Second, tick)

	byJob := emitter.transitionsByJob()
	want := []string{"pending->queued", "queued->running", "running->completed"}
	count := 0
	for id := range ids {
		count++
		assert.Equal(t, want, byJob[id], "job %s", id)
	}
	assert.Equal(t, producers*perProducer, count)
}

func TestController_RestartAfterStop(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("fetch", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}))

	c := newTestController(t, registry, testControllerConfig(2), nil)
	require.NoError(t, c.Start(context.Background()))

	first := enqueue(t, c, "fetch", "", 0)
	waitForStatus(t, c, first, JobStatusCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c.Stop(ctx)

	require.NoError(t, c.Start(context.Background()))
	second := enqueue(t, c, "fetch", "", 0)
	waitForStatus(t, c, second, JobStatusCompleted)
}

func TestController_RetryThenSucceed(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("fetch", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`"done"`), nil
	}))

	c := newTestController(t, registry, testControllerConfig(1), nil)
	require.NoError(t, c.Start(context.Background()))

	id := enqueue(t, c, "fetch", "", 0)
	job := waitForStatus(t, c, id, JobStatusCompleted)
	assert.Equal(t, 2, job.Attempt)
	assert.Empty(t, job.Error)
	assert.JSONEq(t, `"done"`, string(job.Result))
}

func TestController_HandlerFailures(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("explode", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		panic("tag database corrupted")
	}))
	require.NoError(t, registry.Register("fetch", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}))

	c := newTestController(t, registry, testControllerConfig(2), nil)
	require.NoError(t, c.Start(context.Background()))

	noRetries := 0
	panicking, err := c.Enqueue(context.Background(), EnqueueRequest{Type: "explode", MaxRetries: &noRetries})
	require.NoError(t, err)
	unknown, err := c.Enqueue(context.Background(), EnqueueRequest{Type: "transcode", MaxRetries: &noRetries})
	require.NoError(t, err)
	healthy := enqueue(t, c, "fetch", "", 0)

	job := waitForStatus(t, c, panicking.ID, JobStatusFailed)
	assert.Contains(t, job.Error, "panic: tag database corrupted")

	job = waitForStatus(t, c, unknown.ID, JobStatusFailed)
	assert.Contains(t, job.Error, ErrNoHandler.Error())

	// Worker loops survive handler panics
	waitForStatus(t, c, healthy, JobStatusCompleted)
}

func TestController_EnqueueValidation(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("fetch", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}))

	t.Run("invalid requests", func(t *testing.T) {
		c := newTestController(t, registry, testControllerConfig(1), nil)

		_, err := c.Enqueue(context.Background(), EnqueueRequest{Type: ""})
		assert.ErrorIs(t, err, ErrValidation)

		_, err = c.Enqueue(context.Background(), EnqueueRequest{Type: "fetch", Priority: 500})
		assert.ErrorIs(t, err, ErrValidation)

		negative := -2
		_, err = c.Enqueue(context.Background(), EnqueueRequest{Type: "fetch", MaxRetries: &negative})
		assert.ErrorIs(t, err, ErrValidation)

		assert.Empty(t, c.List(JobFilter{}))
	})

	t.Run("defaults and overrides", func(t *testing.T) {
		c := newTestController(t, registry, testControllerConfig(1), nil)

		job, err := c.Enqueue(context.Background(), EnqueueRequest{Type: "fetch"})
		require.NoError(t, err)
		assert.Equal(t, DefaultMaxRetries, job.MaxRetries)
		assert.Equal(t, JobStatusQueued, job.Status)

		five := 5
		job, err = c.Enqueue(context.Background(), EnqueueRequest{Type: "fetch", MaxRetries: &five})
		require.NoError(t, err)
		assert.Equal(t, 5, job.MaxRetries)
	})

	t.Run("unknown types", func(t *testing.T) {
		lenient := newTestController(t, registry, testControllerConfig(1), nil)
		_, err := lenient.Enqueue(context.Background(), EnqueueRequest{Type: "transcode"})
		assert.NoError(t, err)

		config := testControllerConfig(1)
		config.RejectUnknownTypes = true
		strict := newTestController(t, registry, config, nil)
		_, err = strict.Enqueue(context.Background(), EnqueueRequest{Type: "transcode"})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestController_BatchAction(t *testing.T) {
	t.Parallel()

	c := newTestController(t, NewHandlerRegistry(), testControllerConfig(1), nil)
	id1 := enqueue(t, c, "fetch", "", 0)
	id2 := enqueue(t, c, "fetch", "", 0)
	ids := []string{id1.String(), id2.String(), "missing"}

	t.Run("cancel with partial failure", func(t *testing.T) {
		results := c.BatchAction(ids, BatchActionCancel, BatchExtra{})
		require.Len(t, results, 3)

		assert.Equal(t, id1.String(), results[0].JobID)
		assert.True(t, results[0].Success)
		assert.NoError(t, results[0].Err)
		assert.True(t, results[1].Success)
		assert.Equal(t, "missing", results[2].JobID)
		assert.False(t, results[2].Success)
		assert.ErrorIs(t, results[2].Err, ErrNotFound)

		for _, id := range []uuid.UUID{id1, id2} {
			job, err := c.Get(id)
			require.NoError(t, err)
			assert.Equal(t, JobStatusCancelled, job.Status)
		}
	})

	t.Run("priority", func(t *testing.T) {
		queued := enqueue(t, c, "fetch", "", 0)
		priority := 42
		results := c.BatchAction(
			[]string{queued.String(), id1.String(), uuid.NewString()},
			BatchActionPriority,
			BatchExtra{Priority: &priority},
		)
		require.Len(t, results, 3)
		assert.True(t, results[0].Success)
		assert.ErrorIs(t, results[1].Err, ErrInvalidTransition)
		assert.ErrorIs(t, results[2].Err, ErrNotFound)

		job, err := c.Get(queued)
		require.NoError(t, err)
		assert.Equal(t, 42, job.Priority)
	})

	t.Run("priority without value", func(t *testing.T) {
		results := c.BatchAction(ids, BatchActionPriority, BatchExtra{})
		require.Len(t, results, 3)
		for _, res := range results {
			assert.False(t, res.Success)
			assert.ErrorIs(t, res.Err, ErrValidation)
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		results := c.BatchAction(ids, BatchAction("explode"), BatchExtra{})
		require.Len(t, results, 3)
		for _, res := range results {
			assert.ErrorIs(t, res.Err, ErrValidation)
		}
	})

	t.Run("pause checks existence only", func(t *testing.T) {
		results := c.BatchAction(ids, BatchActionPause, BatchExtra{})
		require.Len(t, results, 3)
		assert.True(t, results[0].Success)
		assert.True(t, results[1].Success)
		assert.False(t, results[2].Success)
		assert.False(t, c.Paused())
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, c.BatchAction(nil, BatchActionCancel, BatchExtra{}))
	})
}

func TestController_SetConcurrencyLimit(t *testing.T) {
	t.Parallel()

	t.Run("validation", func(t *testing.T) {
		t.Parallel()

		c := newTestController(t, NewHandlerRegistry(), testControllerConfig(2), nil)
		assert.ErrorIs(t, c.SetConcurrencyLimit(0), ErrValidation)
		assert.ErrorIs(t, c.SetConcurrencyLimit(11), ErrValidation)

		require.NoError(t, c.SetConcurrencyLimit(4))
		assert.Equal(t, 4, c.StatusSummary().ConcurrencyLimit)
	})

	t.Run("lowering does not preempt", func(t *testing.T) {
		t.Parallel()

		gate := make(chan struct{})
		tracker := &concurrencyTracker{hold: 10 * time.Millisecond}
		registry := NewHandlerRegistry()
		require.NoError(t, registry.Register("hold", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return nil, nil
		}))
		require.NoError(t, registry.Register("scan", tracker.handle))

		c := newTestController(t, registry, testControllerConfig(3), nil)
		require.NoError(t, c.Start(context.Background()))

		var held []uuid.UUID
		for i := 0; i < 3; i++ {
			held = append(held, enqueue(t, c, "hold", "", 0))
		}
		require.Eventually(t, func() bool { return c.RunningCount() == 3 }, waitFor, tick)

		require.NoError(t, c.SetConcurrencyLimit(1))
		assert.Equal(t, 3, c.RunningCount(), "running jobs are not preempted")

		close(gate)
		for _, id := range held {
			waitForStatus(t, c, id, JobStatusCompleted)
		}

		for i := 0; i < 4; i++ {
			enqueue(t, c, "scan", "", 0)
		}
		require.Eventually(t, func() bool { return tracker.done.Load() == 4 }, waitFor, tick)
		assert.Equal(t, int32(1), tracker.peak.Load())
	})

	t.Run("retired idle loops claim nothing", func(t *testing.T) {
		t.Parallel()

		gate := make(chan struct{})
		registry := NewHandlerRegistry()
		require.NoError(t, registry.Register("hold", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return nil, nil
		}))

		c := newTestController(t, registry, testControllerConfig(4), nil)
		require.NoError(t, c.Start(context.Background()))
		require.NoError(t, c.SetConcurrencyLimit(1))

		var held []uuid.UUID
		for i := 0; i < 4; i++ {
			held = append(held, enqueue(t, c, "hold", "", 0))
		}
		require.Eventually(t, func() bool { return c.RunningCount() == 1 }, waitFor, tick)
		assert.Never(t, func() bool { return c.RunningCount() > 1 }, 100*time.Millisecond, tick)

		close(gate)
		for _, id := range held {
			waitForStatus(t, c, id, JobStatusCompleted)
		}
	})
}

func TestController_StopCancelsHandlersAfterTimeout(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("download", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	c := NewController(registry, testControllerConfig(1), nil, testLogger())
	require.NoError(t, c.Start(context.Background()))

	noRetries := 0
	job, err := c.Enqueue(context.Background(), EnqueueRequest{Type: "download", MaxRetries: &noRetries})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		c.Stop(ctx)
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("Stop did not return after its deadline")
	}

	job, err = c.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, context.Canceled.Error())
}

func TestController_JanitorPurgesTerminalJobs(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("fetch", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}))

	config := testControllerConfig(1)
	config.PurgeAfter = 10 * time.Millisecond
	config.PurgeInterval = 10 * time.Millisecond
	c := newTestController(t, registry, config, nil)
	require.NoError(t, c.Start(context.Background()))

	id := enqueue(t, c, "fetch", "", 0)
	require.Eventually(t, func() bool {
		_, err := c.Get(id)
		return errors.Is(err, ErrNotFound)
	}, waitFor, tick)
}

func TestController_StatusSummary(t *testing.T) {
	t.Parallel()

	c := newTestController(t, NewHandlerRegistry(), testControllerConfig(3), nil)
	enqueue(t, c, "fetch", "", 0)
	id := enqueue(t, c, "fetch", "", 0)
	require.NoError(t, c.Cancel(id))

	summary := c.StatusSummary()
	assert.False(t, summary.Paused)
	assert.Equal(t, 3, summary.ConcurrencyLimit)
	assert.Equal(t, 0, summary.Running)
	assert.Equal(t, 1, summary.Counts[JobStatusQueued])
	assert.Equal(t, 1, summary.Counts[JobStatusCancelled])
	assert.Len(t, summary.Counts, len(AllStatuses))
}
