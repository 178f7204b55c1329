package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"go-chat-stream/internal/models"
	"go-chat-stream/internal/queue"
)

type WorkerPoolService interface {
	Init() error
	Run(ctx context.Context) error
	Stop()
}

// WorkerPool pulls jobs from the queue and hands them to a fixed set of workers.
// It never holds more jobs than it has workers, so with one worker jobs run
// strictly one after another in queue order.
type WorkerPool struct {
	workers       []WorkerService
	queue         queue.QueueService
	wg            sync.WaitGroup // workers
	inflight      sync.WaitGroup // dispatched jobs not yet acked or failed
	jobChan       chan models.JobRequest
	cancelWorkers context.CancelFunc
	sem           *semaphore.Weighted
	jobTimeout    time.Duration
	retryBackoff  time.Duration
}

func NewWorkerPool(ctx context.Context, workerCount int, processor JobProcessor, qs queue.QueueService, jobTimeout time.Duration) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	// Workers stay up until Stop, so a job dequeued as ctx ends still has a taker.
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pool := &WorkerPool{
		workers:       make([]WorkerService, workerCount),
		queue:         qs,
		jobChan:       make(chan models.JobRequest),
		cancelWorkers: cancel,
		sem:           semaphore.NewWeighted(int64(workerCount)),
		jobTimeout:    jobTimeout,
		retryBackoff:  time.Second,
	}

	for i := 0; i < workerCount; i++ {
		pool.workers[i] = NewWorker(workerCtx, i+1, processor, pool.jobChan)
	}

	return pool
}

func (wp *WorkerPool) Init() error {
	exitWorker := func() {
		wp.wg.Done()
	}
	for _, worker := range wp.workers {
		wp.wg.Add(1)
		go worker.Run(exitWorker)
	}
	slog.Info("Worker pool ready, waiting for inference jobs", "workers", len(wp.workers))
	return nil
}

// Run dequeues jobs until ctx is cancelled or the queue is closed. A job is only
// taken off the queue once a worker slot is free.
func (wp *WorkerPool) Run(ctx context.Context) error {
	for {
		if err := wp.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		d, err := wp.queue.Dequeue(ctx)
		if err != nil {
			wp.sem.Release(1)
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			slog.Error("Failed to dequeue job", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wp.retryBackoff):
			}
			continue
		}
		if d == nil {
			wp.sem.Release(1)
			continue
		}
		wp.submit(d)
	}
}

func (wp *WorkerPool) submit(d *queue.Delivery) {
	// Jobs outlive a shutdown request: a started reply is finished and persisted.
	var (
		jobCtx   context.Context
		jobClose context.CancelFunc
	)
	if wp.jobTimeout > 0 {
		jobCtx, jobClose = context.WithTimeout(context.Background(), wp.jobTimeout)
	} else {
		jobCtx, jobClose = context.WithCancel(context.Background())
	}
	resultCh := make(chan error, 1)

	wp.inflight.Add(1)
	wp.jobChan <- models.JobRequest{Job: d.Job, JobCtx: jobCtx, Result: resultCh}

	go func() {
		defer wp.inflight.Done()
		err := <-resultCh
		jobClose()
		wp.settle(d, err)
		wp.sem.Release(1)
	}()
}

func (wp *WorkerPool) settle(d *queue.Delivery, jobErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if jobErr != nil {
		slog.Error("Job failed", "jobID", d.Job.ID, "conversationID", d.Job.ConversationID, "error", jobErr)
		if err := wp.queue.Fail(ctx, d, jobErr); err != nil {
			slog.Error("Failed to record job failure", "jobID", d.Job.ID, "error", err)
		}
		return
	}
	if err := wp.queue.Ack(ctx, d); err != nil {
		slog.Error("Failed to acknowledge job", "jobID", d.Job.ID, "error", err)
	}
}

// Stop waits for dispatched jobs to settle, then stops the workers. Call it after Run returned.
func (wp *WorkerPool) Stop() {
	slog.Info("Stopping worker pool...")
	slog.Info("Waiting for workers to finish current job...")
	wp.inflight.Wait()
	wp.cancelWorkers()
	wp.wg.Wait()
	close(wp.jobChan)
	slog.Info("Worker pool stop completed")
}
