package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go-chat-stream/internal/models"
)

var ErrClosed = errors.New("queue closed")

// MemoryQueue is an in-process QueueService. Jobs do not survive a restart, so it
// is only suitable when the producer and the worker share one process.
type MemoryQueue struct {
	mu          sync.Mutex
	pending     []string
	inFlight    map[string]struct{}
	active      map[string]int
	failed      []FailedJob
	maxAttempts int
	notify      chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once
}

func NewMemoryQueue(maxAttempts int) *MemoryQueue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &MemoryQueue{
		inFlight:    make(map[string]struct{}),
		active:      make(map[string]int),
		maxAttempts: maxAttempts,
		notify:      make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job models.Job) error {
	job, raw, err := prepare(job)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.pending = append(q.pending, raw)
	q.active[job.ConversationID]++
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a job is available, ctx is done or the queue is closed.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			raw := q.pending[0]
			q.pending = q.pending[1:]
			q.inFlight[raw] = struct{}{}
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			job, err := decode(raw)
			if err != nil {
				return nil, err
			}
			return &Delivery{Job: job, raw: raw}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, ErrClosed
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finish(d)
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, d *Delivery, reason error) error {
	q.mu.Lock()
	if _, ok := q.inFlight[d.raw]; !ok {
		q.mu.Unlock()
		return nil
	}
	if d.Job.Attempts+1 < q.maxAttempts {
		delete(q.inFlight, d.raw)
		retry := d.Job
		retry.Attempts++
		raw, err := encode(retry)
		if err != nil {
			q.mu.Unlock()
			return err
		}
		q.pending = append(q.pending, raw)
		q.mu.Unlock()
		q.signal()
		return nil
	}
	q.finish(d)
	q.failed = append(q.failed, FailedJob{Job: d.Job, Reason: reasonText(reason), FailedAt: time.Now().UTC()})
	q.mu.Unlock()
	return nil
}

// finish drops a delivery from the in-flight set. Callers hold q.mu.
func (q *MemoryQueue) finish(d *Delivery) {
	if _, ok := q.inFlight[d.raw]; !ok {
		return
	}
	delete(q.inFlight, d.raw)
	conv := d.Job.ConversationID
	if q.active[conv] <= 1 {
		delete(q.active, conv)
	} else {
		q.active[conv]--
	}
}

func (q *MemoryQueue) Pending(ctx context.Context, conversationID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active[conversationID] > 0, nil
}

// Failed returns the dead-lettered jobs.
func (q *MemoryQueue) Failed() []FailedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]FailedJob(nil), q.failed...)
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
