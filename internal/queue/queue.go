// Package queue implements the durable in-process job queue the core runs
// on: named processors with bounded concurrency, per-job retry with
// exponential backoff, parent/child flows gated on child completion, a
// bounded dead-letter set, and pluggable persistence across restarts.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shilomagen/shula-sub000/internal/fsstore"
)

const (
	defaultTickInterval = 50 * time.Millisecond
	defaultAttempts     = 3
	defaultDeadLimit    = 200
)

var (
	ErrClosed      = errors.New("queue: closed")
	ErrNoProcessor = errors.New("queue: no processor registered")
	ErrDuplicateID = errors.New("queue: duplicate job id")
)

// Status is a job's lifecycle state. completed, failed and dead are terminal;
// failed is reserved for child jobs that exhausted retries but must remain
// visible for parent gating.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Kind distinguishes flow members from plain jobs.
type Kind string

const (
	KindPlain  Kind = "plain"
	KindParent Kind = "parent"
	KindChild  Kind = "child"
)

// Backoff is the per-job retry backoff policy.
type Backoff struct {
	Initial time.Duration `json:"initial"`
	Factor  float64       `json:"factor"`
}

// Job is the queue's unit of work.
type Job struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Kind        Kind      `json:"kind"`
	Payload     []byte    `json:"payload,omitempty"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	Backoff     Backoff   `json:"backoff"`
	RunAt       time.Time `json:"run_at"`
	ParentID    string    `json:"parent_id,omitempty"`
	ChildIDs    []string  `json:"child_ids,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Options tunes a single enqueue.
type Options struct {
	Attempts int
	Backoff  Backoff
	Delay    time.Duration
	JobID    string // optional; duplicate non-terminal IDs are rejected
}

// JobSpec names a job inside a flow.
type JobSpec struct {
	Name    string
	Payload []byte
	Options Options
}

// HandlerFunc processes one job. A nil return completes the job; an error
// sends it through the retry policy.
type HandlerFunc func(ctx context.Context, job Job) error

type processor struct {
	handler      HandlerFunc
	sem          chan struct{}
	minInterval  time.Duration
	lastDispatch time.Time
}

// ProcessorOptions tunes a processor registration.
type ProcessorOptions struct {
	Concurrency int
	// MinInterval rate-limits dispatch: at most one job of this name starts
	// per interval, regardless of backlog.
	MinInterval time.Duration
}

// Queue is safe for concurrent use.
type Queue struct {
	logger       *slog.Logger
	store        Store
	tickInterval time.Duration
	deadLimit    int
	deadJournal  string
	now          func() time.Time

	mu         sync.Mutex
	jobs       map[string]*Job
	order      []string
	processors map[string]*processor
	dead       []Job
	closed     bool

	wg sync.WaitGroup
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithTickInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.tickInterval = d
		}
	}
}

func WithDeadLetterLimit(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.deadLimit = n
		}
	}
}

// WithDeadLetterJournal appends every dead-lettered job to a JSONL file for
// operator inspection beyond the in-memory ring.
func WithDeadLetterJournal(path string) Option {
	return func(q *Queue) { q.deadJournal = path }
}

func New(store Store, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	q := &Queue{
		logger:       logger,
		store:        store,
		tickInterval: defaultTickInterval,
		deadLimit:    defaultDeadLimit,
		now:          time.Now,
		jobs:         make(map[string]*Job),
		processors:   make(map[string]*processor),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Restore loads the persisted snapshot. Jobs that were mid-flight at crash
// time come back pending (at-least-once).
func (q *Queue) Restore() error {
	snapshot, err := q.store.Load()
	if err != nil {
		return fmt.Errorf("queue restore: %w", err)
	}
	if snapshot == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range snapshot.Jobs {
		job := snapshot.Jobs[i]
		if job.Status == StatusActive {
			job.Status = StatusPending
		}
		q.jobs[job.ID] = &job
		q.order = append(q.order, job.ID)
	}
	q.dead = append(q.dead, snapshot.Dead...)
	return nil
}

// Process registers a handler for jobs of the given name.
func (q *Queue) Process(name string, concurrency int, handler HandlerFunc) {
	q.ProcessWithOptions(name, ProcessorOptions{Concurrency: concurrency}, handler)
}

func (q *Queue) ProcessWithOptions(name string, opts ProcessorOptions, handler HandlerFunc) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processors[name] = &processor{
		handler:     handler,
		sem:         make(chan struct{}, opts.Concurrency),
		minInterval: opts.MinInterval,
	}
}

// Enqueue adds a job. At-least-once: the job stays until a handler completes
// it or retries are exhausted.
func (q *Queue) Enqueue(ctx context.Context, name string, payload []byte, opts Options) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	job, err := q.addLocked(name, payload, opts, KindPlain, "")
	if err != nil {
		return "", err
	}
	q.persistLocked()
	return job.ID, nil
}

// EnqueueFlow adds one parent gated on the given children. Children may run
// in any order and in parallel; the parent becomes runnable only once every
// child is terminal.
func (q *Queue) EnqueueFlow(ctx context.Context, parent JobSpec, children []JobSpec) (string, []string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", nil, ErrClosed
	}

	parentJob, err := q.addLocked(parent.Name, parent.Payload, parent.Options, KindParent, "")
	if err != nil {
		return "", nil, err
	}
	childIDs := make([]string, 0, len(children))
	for _, child := range children {
		childJob, err := q.addLocked(child.Name, child.Payload, child.Options, KindChild, parentJob.ID)
		if err != nil {
			// Roll back the partial flow so a half-registered parent can
			// never run against missing children.
			delete(q.jobs, parentJob.ID)
			for _, id := range childIDs {
				delete(q.jobs, id)
			}
			return "", nil, err
		}
		childIDs = append(childIDs, childJob.ID)
	}
	parentJob.ChildIDs = childIDs
	q.persistLocked()
	return parentJob.ID, childIDs, nil
}

func (q *Queue) addLocked(name string, payload []byte, opts Options, kind Kind, parentID string) (*Job, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if existing, ok := q.jobs[id]; ok {
		if existing.Status == StatusPending || existing.Status == StatusActive {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		delete(q.jobs, id)
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	backoff := opts.Backoff
	if backoff.Initial <= 0 {
		backoff.Initial = time.Second
	}
	if backoff.Factor <= 1 {
		backoff.Factor = 2
	}
	now := q.now()
	job := &Job{
		ID:          id,
		Name:        name,
		Kind:        kind,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: attempts,
		Backoff:     backoff,
		RunAt:       now.Add(opts.Delay),
		ParentID:    parentID,
		CreatedAt:   now,
	}
	q.jobs[id] = job
	q.order = append(q.order, id)
	return job, nil
}

// Run drives the scheduler until ctx is done, then waits for in-flight
// handlers.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.closed = true
			q.mu.Unlock()
			q.wg.Wait()
			return
		case <-ticker.C:
			q.dispatchReady(ctx)
		}
	}
}

// dispatchReady starts every runnable job whose processor has capacity.
func (q *Queue) dispatchReady(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	now := q.now()

	kept := q.order[:0]
	for _, id := range q.order {
		job, ok := q.jobs[id]
		if !ok {
			continue
		}
		kept = append(kept, id)
		if job.Status != StatusPending || job.RunAt.After(now) {
			continue
		}
		proc, ok := q.processors[job.Name]
		if !ok {
			continue
		}
		if proc.minInterval > 0 && !proc.lastDispatch.IsZero() && now.Sub(proc.lastDispatch) < proc.minInterval {
			continue
		}
		if job.Kind == KindParent && !q.childrenTerminalLocked(job) {
			continue
		}
		select {
		case proc.sem <- struct{}{}:
		default:
			continue
		}

		job.Status = StatusActive
		job.Attempts++
		proc.lastDispatch = now
		snapshot := *job
		q.wg.Add(1)
		go func(p *processor, j Job) {
			defer q.wg.Done()
			defer func() { <-p.sem }()
			err := p.handler(ctx, j)
			q.complete(j.ID, err)
		}(proc, snapshot)
	}
	q.order = kept
}

func (q *Queue) childrenTerminalLocked(parent *Job) bool {
	for _, childID := range parent.ChildIDs {
		child, ok := q.jobs[childID]
		if !ok {
			continue
		}
		switch child.Status {
		case StatusCompleted, StatusFailed, StatusDead:
		default:
			return false
		}
	}
	return true
}

func (q *Queue) complete(id string, handlerErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return
	}

	if handlerErr == nil {
		job.Status = StatusCompleted
		job.LastError = ""
		q.logger.Debug("queue_job_completed", "job_name", job.Name, "job_id", job.ID, "attempts", job.Attempts)
		q.cleanupLocked(job)
		q.persistLocked()
		return
	}

	job.LastError = handlerErr.Error()
	if job.Attempts < job.MaxAttempts {
		delay := backoffDelay(job.Backoff, job.Attempts)
		job.Status = StatusPending
		job.RunAt = q.now().Add(delay)
		q.logger.Warn("queue_job_retry_scheduled",
			"job_name", job.Name, "job_id", job.ID,
			"attempt", job.Attempts, "max_attempts", job.MaxAttempts,
			"delay", delay.String(), "error", handlerErr.Error())
		q.persistLocked()
		return
	}

	// Retries exhausted. Children stay behind as failed so parent gating can
	// observe them; everything else goes to the dead-letter set.
	if job.Kind == KindChild {
		job.Status = StatusFailed
		q.logger.Error("queue_child_job_exhausted",
			"job_name", job.Name, "job_id", job.ID, "parent_id", job.ParentID,
			"attempts", job.Attempts, "error", handlerErr.Error())
		q.journalDeadLocked(*job)
		q.persistLocked()
		return
	}

	job.Status = StatusDead
	q.logger.Error("queue_job_dead_lettered",
		"job_name", job.Name, "job_id", job.ID,
		"attempts", job.Attempts, "error", handlerErr.Error())
	q.pushDeadLocked(*job)
	q.journalDeadLocked(*job)
	q.cleanupLocked(job)
	q.persistLocked()
}

// cleanupLocked removes terminal jobs that nothing gates on anymore.
func (q *Queue) cleanupLocked(job *Job) {
	switch job.Kind {
	case KindParent:
		for _, childID := range job.ChildIDs {
			delete(q.jobs, childID)
		}
		delete(q.jobs, job.ID)
	case KindChild:
		// Kept until the parent is terminal; the parent's cleanup removes it.
	default:
		delete(q.jobs, job.ID)
	}
}

func (q *Queue) pushDeadLocked(job Job) {
	q.dead = append(q.dead, job)
	if len(q.dead) > q.deadLimit {
		q.dead = q.dead[len(q.dead)-q.deadLimit:]
	}
}

func (q *Queue) journalDeadLocked(job Job) {
	if q.deadJournal == "" {
		return
	}
	if err := fsstore.AppendJSONL(q.deadJournal, job); err != nil {
		q.logger.Warn("queue_dead_journal_error", "job_id", job.ID, "error", err.Error())
	}
}

func (q *Queue) persistLocked() {
	snapshot := Snapshot{Dead: append([]Job(nil), q.dead...)}
	for _, id := range q.order {
		if job, ok := q.jobs[id]; ok {
			snapshot.Jobs = append(snapshot.Jobs, *job)
		}
	}
	if err := q.store.Save(&snapshot); err != nil {
		q.logger.Warn("queue_persist_error", "error", err.Error())
	}
}

// Depth counts non-terminal jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, job := range q.jobs {
		if job.Status == StatusPending || job.Status == StatusActive {
			n++
		}
	}
	return n
}

// DeadLetters returns a copy of the dead-letter ring, oldest first.
func (q *Queue) DeadLetters() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.dead...)
}

func backoffDelay(b Backoff, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Initial) * math.Pow(b.Factor, float64(attempt-1))
	if delay > float64(30*time.Minute) {
		delay = float64(30 * time.Minute)
	}
	return time.Duration(delay)
}
