package strand

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Job kinds.
const (
	JobTurn      = "turn"      // keyed by conversation id
	JobSummarize = "summarize" // keyed by summary id
	JobIngest    = "ingest"    // keyed by document id
	JobEmbed     = "embed"     // keyed by document id
)

// Job is a unit of background work. Key is the dedup identity: at most one
// job per key is queued or running at a time.
type Job struct {
	Kind    string
	Key     string
	Subject string // conversation, summary, or document id
	Attempt int
}

// Handler processes one job. A returned error triggers the kind's retry
// schedule; exhausting it drops the job.
type Handler func(ctx context.Context, job Job) error

// Queue dispatches jobs with at-least-once delivery and unique-key
// deduplication.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Retry backoff schedules per job kind. Turn jobs never retry automatically
// because LLM calls are costly and side-effectful.
var retrySchedules = map[string][]time.Duration{
	JobSummarize: {30 * time.Second, 2 * time.Minute, 5 * time.Minute},
	JobIngest:    {30 * time.Second, 2 * time.Minute, 5 * time.Minute},
	JobEmbed:     {60 * time.Second, 5 * time.Minute, 15 * time.Minute},
}

// MemoryQueue is the in-process Queue used by single-node deployments and
// tests. Enqueueing a key that is already queued or running coalesces: the
// job is re-run once after the current run finishes, never concurrently.
type MemoryQueue struct {
	log      *slog.Logger
	handlers map[string]Handler
	jobs     chan Job

	mu       sync.Mutex
	inflight map[string]*jobState
	closed   bool

	wg   sync.WaitGroup
	stop chan struct{}
}

type jobState struct {
	pending bool // re-enqueued while running
}

type MemoryQueueOption func(*MemoryQueue)

func WithQueueLogger(log *slog.Logger) MemoryQueueOption {
	return func(q *MemoryQueue) { q.log = log }
}

// NewMemoryQueue starts workers goroutines consuming the queue. Register
// handlers before enqueueing jobs of their kind.
func NewMemoryQueue(workers int, opts ...MemoryQueueOption) *MemoryQueue {
	if workers <= 0 {
		workers = 4
	}
	q := &MemoryQueue{
		log:      slog.New(slog.DiscardHandler),
		handlers: make(map[string]Handler),
		jobs:     make(chan Job, 1024),
		inflight: make(map[string]*jobState),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

// Register binds a handler to a job kind. Not safe to call after jobs of
// that kind are enqueued.
func (q *MemoryQueue) Register(kind string, h Handler) {
	q.handlers[kind] = h
}

// Enqueue schedules a job. A job whose key is already queued or running is
// coalesced into a single follow-up run.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if job.Key == "" {
		return errors.New("queue: enqueue: empty job key")
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("queue: enqueue: queue closed")
	}
	if st, ok := q.inflight[job.Key]; ok {
		st.pending = true
		q.mu.Unlock()
		return nil
	}
	q.inflight[job.Key] = &jobState{}
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		q.release(job.Key)
		return fmt.Errorf("queue: enqueue: %w", ctx.Err())
	}
}

func (q *MemoryQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case job := <-q.jobs:
			q.run(job)
		}
	}
}

func (q *MemoryQueue) run(job Job) {
	h := q.handlers[job.Kind]
	if h == nil {
		q.log.Error("queue: no handler for job kind", "kind", job.Kind, "key", job.Key)
		q.release(job.Key)
		return
	}
	err := h(context.Background(), job)
	if err == nil {
		q.finish(job)
		return
	}

	schedule := retrySchedules[job.Kind]
	if job.Attempt >= len(schedule) {
		q.log.Error("queue: job failed permanently",
			"kind", job.Kind, "key", job.Key, "attempts", job.Attempt+1, "error", err)
		q.finish(job)
		return
	}
	delay := schedule[job.Attempt]
	q.log.Warn("queue: job failed, retrying",
		"kind", job.Kind, "key", job.Key, "attempt", job.Attempt+1, "delay", delay, "error", err)
	retry := job
	retry.Attempt++
	time.AfterFunc(delay, func() {
		select {
		case q.jobs <- retry:
		case <-q.stop:
			q.release(retry.Key)
		}
	})
}

// finish releases the key, re-running the job once if an enqueue was
// coalesced while it ran.
func (q *MemoryQueue) finish(job Job) {
	q.mu.Lock()
	st := q.inflight[job.Key]
	if st != nil && st.pending {
		st.pending = false
		q.mu.Unlock()
		rerun := Job{Kind: job.Kind, Key: job.Key, Subject: job.Subject}
		select {
		case q.jobs <- rerun:
		case <-q.stop:
			q.release(job.Key)
		}
		return
	}
	delete(q.inflight, job.Key)
	q.mu.Unlock()
}

func (q *MemoryQueue) release(key string) {
	q.mu.Lock()
	delete(q.inflight, key)
	q.mu.Unlock()
}

// Close stops the workers. Queued jobs that have not started are dropped.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.stop)
	q.wg.Wait()
}
