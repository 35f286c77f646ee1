package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kerya/internal/retry"
)

var ErrQueueClosed = errors.New("queue closed")

// DeadLetter is a job that exhausted its retries.
type DeadLetter struct {
	Job      Job       `json:"job"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// MemoryQueue runs jobs on an in-process worker pool. Delayed jobs and
// retries are parked on timers until due.
type MemoryQueue struct {
	workers int
	retry   *retry.Manager
	log     *logrus.Entry

	jobs chan *Job
	stop chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	dead     []DeadLetter
}

func NewMemoryQueue(workers int, baseDelay time.Duration, log *logrus.Entry) *MemoryQueue {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &MemoryQueue{
		workers: workers,
		retry:   retry.NewManager(defaultMaxRetries, baseDelay),
		log:     log.WithField("queue", "memory"),
		jobs:    make(chan *Job, 1024),
		stop:    make(chan struct{}),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job cannot be nil")
	}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.inflight.Add(1)
	q.mu.Unlock()

	if delay := time.Until(job.ExecuteAt); !job.ExecuteAt.IsZero() && delay > 0 {
		time.AfterFunc(delay, func() { q.deliver(context.Background(), job) })
		return nil
	}
	return q.deliver(ctx, job)
}

func (q *MemoryQueue) deliver(ctx context.Context, job *Job) error {
	select {
	case q.jobs <- job:
		return nil
	case <-q.stop:
		q.inflight.Done()
		return ErrQueueClosed
	case <-ctx.Done():
		q.inflight.Done()
		return ctx.Err()
	}
}

// Subscribe starts the worker pool. Workers stop when ctx ends or the queue closes.
func (q *MemoryQueue) Subscribe(ctx context.Context, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, i, handler)
	}
	q.log.WithField("workers", q.workers).Info("memory queue subscriber started")
	return nil
}

func (q *MemoryQueue) work(ctx context.Context, id int, handler Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case job := <-q.jobs:
			q.run(ctx, handler, job)
		}
	}
}

func (q *MemoryQueue) run(ctx context.Context, handler Handler, job *Job) {
	job.Attempts++
	err := handler(ctx, job)
	if err == nil {
		q.inflight.Done()
		return
	}
	entry := q.log.WithFields(logrus.Fields{"job_id": job.ID, "type": job.Type, "attempt": job.Attempts})
	var perm PermanentError
	retryable := !errors.As(err, &perm)
	if retryable && job.Attempts < job.MaxRetries {
		delay := q.retry.Backoff(job.Attempts)
		entry.WithError(err).WithField("delay", delay).Warn("job failed, retrying")
		time.AfterFunc(delay, func() { q.deliver(context.Background(), job) })
		return
	}
	entry.WithError(err).Error("job moved to dead letters")
	q.mu.Lock()
	q.dead = append(q.dead, DeadLetter{Job: *job, Error: err.Error(), FailedAt: time.Now().UTC()})
	q.mu.Unlock()
	q.inflight.Done()
}

// Wait blocks until every published job finished or was dead-lettered.
func (q *MemoryQueue) Wait() {
	q.inflight.Wait()
}

func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.stop)
	q.wg.Wait()
	return nil
}
