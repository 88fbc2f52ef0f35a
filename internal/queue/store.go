package queue

import (
	"container/heap"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transition describes one status change applied by the store. Job is a
// snapshot taken right after the change.
type Transition struct {
	From JobStatus
	To   JobStatus
	At   time.Time
	Job  Job
}

// StoreConfig holds the validation bounds and retry policy of a JobStore.
type StoreConfig struct {
	MinPriority   int
	MaxPriority   int
	MaxRetriesCap int
	Retry         RetryPolicy
}

// DefaultStoreConfig returns bounds of -100..100 for priority and a retry
// ceiling of at most 20.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MinPriority:   -100,
		MaxPriority:   100,
		MaxRetriesCap: 20,
		Retry:         DefaultRetryPolicy(),
	}
}

// JobFilter narrows List results. Zero values match everything.
type JobFilter struct {
	Status JobStatus
	Type   string
	Limit  int
}

// JobStore owns every Job record and the dispatch ordering. All methods are
// safe for concurrent use, run in O(log n) (List and Purge excepted) and
// never block on I/O.
type JobStore struct {
	mu      sync.Mutex
	config  StoreConfig
	jobs    map[uuid.UUID]*record
	ready   readyHeap
	delayed delayedHeap
	running int
	seq     uint64
	paused  bool

	// observer, when set, receives every transition after the lock is
	// released. Transitions are queued in outbox under mu and delivered by
	// whichever caller holds deliverMu, so delivery follows commit order.
	observer  func(Transition)
	outbox    []Transition
	deliverMu sync.Mutex
}

// NewJobStore creates an empty store.
func NewJobStore(config StoreConfig) *JobStore {
	if config.MaxPriority < config.MinPriority {
		config.MinPriority, config.MaxPriority = config.MaxPriority, config.MinPriority
	}
	return &JobStore{
		config: config,
		jobs:   make(map[uuid.UUID]*record),
	}
}

// SetObserver registers fn to receive transitions. It must be called before
// the store is shared between goroutines. fn must not call methods that
// change job state.
func (s *JobStore) SetObserver(fn func(Transition)) {
	s.observer = fn
}

// RetryPolicy returns the policy applied by Fail.
func (s *JobStore) RetryPolicy() RetryPolicy {
	return s.config.Retry
}

// queueTransition queues a transition for delivery. Callers must hold mu.
func (s *JobStore) queueTransition(tr Transition) {
	if s.observer != nil {
		s.outbox = append(s.outbox, tr)
	}
}

// deliver hands queued transitions to the observer in the order they were
// recorded. It must be called without holding mu. When it returns, every
// transition recorded before the call has been delivered.
func (s *JobStore) deliver() {
	if s.observer == nil {
		return
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	for {
		s.mu.Lock()
		pending := s.outbox
		s.outbox = nil
		s.mu.Unlock()

		if len(pending) == 0 {
			return
		}
		for _, tr := range pending {
			s.observer(tr)
		}
	}
}

func (s *JobStore) validatePriority(priority int) error {
	if priority < s.config.MinPriority || priority > s.config.MaxPriority {
		return validationErrorf("priority %d outside [%d, %d]",
			priority, s.config.MinPriority, s.config.MaxPriority)
	}
	return nil
}

// Insert creates a queued job eligible immediately and returns its id.
func (s *JobStore) Insert(
	jobType string,
	payload json.RawMessage,
	priority int,
	maxRetries int,
	now time.Time,
) (uuid.UUID, error) {
	if jobType == "" {
		return uuid.Nil, validationErrorf("job type is required")
	}
	if err := s.validatePriority(priority); err != nil {
		return uuid.Nil, err
	}
	if maxRetries < 0 || (s.config.MaxRetriesCap > 0 && maxRetries > s.config.MaxRetriesCap) {
		return uuid.Nil, validationErrorf("max_retries %d outside [0, %d]", maxRetries, s.config.MaxRetriesCap)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return uuid.Nil, validationErrorf("payload is not valid JSON")
	}

	s.mu.Lock()
	s.seq++
	r := &record{
		index: -1,
		job: Job{
			ID:         uuid.New(),
			Type:       jobType,
			Payload:    append(json.RawMessage(nil), payload...),
			Priority:   priority,
			Status:     JobStatusQueued,
			MaxRetries: maxRetries,
			NotBefore:  now,
			CreatedAt:  now,
			seq:        s.seq,
		},
	}
	s.jobs[r.job.ID] = r
	s.schedule(r, now)
	id := r.job.ID
	s.queueTransition(Transition{From: JobStatusPending, To: JobStatusQueued, At: now, Job: r.job.clone()})
	s.mu.Unlock()

	s.deliver()
	return id, nil
}

// schedule places a queued record into the ready or delayed heap.
func (s *JobStore) schedule(r *record, now time.Time) {
	if r.job.NotBefore.After(now) {
		r.delayed = true
		heap.Push(&s.delayed, r)
		return
	}
	r.delayed = false
	heap.Push(&s.ready, r)
}

// unschedule removes a queued record from whichever heap holds it.
func (s *JobStore) unschedule(r *record) {
	if r.index < 0 {
		return
	}
	if r.delayed {
		heap.Remove(&s.delayed, r.index)
	} else {
		heap.Remove(&s.ready, r.index)
	}
	r.delayed = false
}

// Get returns a copy of the job.
func (s *JobStore) Get(id uuid.UUID) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.jobs[id]
	if !ok {
		return Job{}, notFound(id)
	}
	return r.job.clone(), nil
}

// SetPaused toggles the global pause flag consulted by ClaimNext and
// reports whether the flag changed.
func (s *JobStore) SetPaused(paused bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.paused != paused
	s.paused = paused
	return changed
}

// Paused reports whether claiming is paused.
func (s *JobStore) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// ClaimNext atomically takes the highest-priority queued job whose
// NotBefore has passed, marks it running and returns a copy. The boolean
// is false when nothing is eligible or claiming is paused.
func (s *JobStore) ClaimNext(now time.Time) (Job, bool) {
	s.mu.Lock()

	if s.paused {
		s.mu.Unlock()
		return Job{}, false
	}

	for s.delayed.Len() > 0 && !s.delayed[0].job.NotBefore.After(now) {
		r := heap.Pop(&s.delayed).(*record)
		r.delayed = false
		heap.Push(&s.ready, r)
	}

	if s.ready.Len() == 0 {
		s.mu.Unlock()
		return Job{}, false
	}

	r := heap.Pop(&s.ready).(*record)
	started := now
	r.job.Status = JobStatusRunning
	r.job.StartedAt = &started
	s.running++
	claimed := r.job.clone()
	s.queueTransition(Transition{From: JobStatusQueued, To: JobStatusRunning, At: now, Job: r.job.clone()})
	s.mu.Unlock()

	s.deliver()
	return claimed, true
}

// Complete reports a successful run. A job whose cancellation was
// requested while running ends cancelled instead.
func (s *JobStore) Complete(id uuid.UUID, result json.RawMessage, now time.Time) error {
	s.mu.Lock()

	r, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return notFound(id)
	}
	if r.job.Status != JobStatusRunning {
		from := r.job.Status
		s.mu.Unlock()
		return invalidTransition(id, from, "complete")
	}

	s.running--
	r.job.Attempt++
	done := now
	r.job.CompletedAt = &done
	if r.job.CancelRequested {
		r.job.Status = JobStatusCancelled
	} else {
		r.job.Status = JobStatusCompleted
		r.job.Error = ""
		r.job.Result = append(json.RawMessage(nil), result...)
	}
	s.queueTransition(Transition{From: JobStatusRunning, To: r.job.Status, At: now, Job: r.job.clone()})
	s.mu.Unlock()

	s.deliver()
	return nil
}

// Fail reports a failed run. The job is re-queued with a backoff delay
// while the retry policy allows it, and marked failed otherwise. A job
// whose cancellation was requested while running ends cancelled.
func (s *JobStore) Fail(id uuid.UUID, cause error, now time.Time) error {
	msg := "unknown error"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}

	s.mu.Lock()

	r, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return notFound(id)
	}
	if r.job.Status != JobStatusRunning {
		from := r.job.Status
		s.mu.Unlock()
		return invalidTransition(id, from, "fail")
	}

	s.running--
	r.job.Attempt++
	r.job.Error = msg

	switch {
	case r.job.CancelRequested:
		done := now
		r.job.Status = JobStatusCancelled
		r.job.CompletedAt = &done
	case s.config.Retry.ShouldRetry(r.job.Attempt, r.job.MaxRetries):
		r.job.Status = JobStatusQueued
		r.job.NotBefore = now.Add(s.config.Retry.Backoff(r.job.Attempt))
		r.job.StartedAt = nil
		s.schedule(r, now)
	default:
		done := now
		r.job.Status = JobStatusFailed
		r.job.CompletedAt = &done
	}
	s.queueTransition(Transition{From: JobStatusRunning, To: r.job.Status, At: now, Job: r.job.clone()})
	s.mu.Unlock()

	s.deliver()
	return nil
}

// Cancel cancels a queued job immediately. For a running job it only
// records the request and reports running=true; the final status becomes
// cancelled when the worker reports back.
func (s *JobStore) Cancel(id uuid.UUID, now time.Time) (running bool, err error) {
	s.mu.Lock()

	r, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false, notFound(id)
	}

	switch r.job.Status {
	case JobStatusQueued:
		s.unschedule(r)
		done := now
		r.job.Status = JobStatusCancelled
		r.job.CompletedAt = &done
		s.queueTransition(Transition{From: JobStatusQueued, To: JobStatusCancelled, At: now, Job: r.job.clone()})
		s.mu.Unlock()
		s.deliver()
		return false, nil
	case JobStatusRunning:
		r.job.CancelRequested = true
		s.mu.Unlock()
		return true, nil
	default:
		from := r.job.Status
		s.mu.Unlock()
		return false, invalidTransition(id, from, "cancel")
	}
}

// SetPriority changes the priority of a queued job and re-sorts it.
func (s *JobStore) SetPriority(id uuid.UUID, priority int) error {
	if err := s.validatePriority(priority); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.jobs[id]
	if !ok {
		return notFound(id)
	}
	if r.job.Status != JobStatusQueued {
		return invalidTransition(id, r.job.Status, "reprioritize")
	}

	r.job.Priority = priority
	if !r.delayed && r.index >= 0 {
		heap.Fix(&s.ready, r.index)
	}
	return nil
}

// RunningCount returns the number of jobs currently running.
func (s *JobStore) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Summary returns job counts for every status.
func (s *JobStore) Summary() map[JobStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[JobStatus]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for _, r := range s.jobs {
		counts[r.job.Status]++
	}
	return counts
}

// List returns copies of the jobs matching filter, newest first.
func (s *JobStore) List(filter JobFilter) []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, r := range s.jobs {
		if filter.Status != "" && r.job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && r.job.Type != filter.Type {
			continue
		}
		out = append(out, r.job.clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].seq > out[k].seq
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Purge drops terminal jobs that finished before cutoff and returns how
// many were removed.
func (s *JobStore) Purge(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, r := range s.jobs {
		if !r.job.Status.IsTerminal() || r.job.CompletedAt == nil {
			continue
		}
		if r.job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}
