package worker

import (
	"context"
	"log/slog"
	"time"

	"go-chat-stream/internal/models"
)

type WorkerService interface {
	Run(exitWorker func())
}

// JobProcessor executes one inference job.
type JobProcessor interface {
	Process(ctx context.Context, job models.Job) error
}

type Worker struct {
	id        int
	ctx       context.Context
	processor JobProcessor
	jobChan   chan models.JobRequest
}

func NewWorker(ctx context.Context, id int, processor JobProcessor, jobChan chan models.JobRequest) *Worker {
	return &Worker{
		id:        id,
		ctx:       ctx,
		processor: processor,
		jobChan:   jobChan,
	}
}

// Run executes jobs one at a time until the worker context is cancelled.
func (w *Worker) Run(exitWorker func()) {
	slog.Debug("Started worker Run", "workerID", w.id)
	for {
		select {
		case <-w.ctx.Done():
			slog.Debug("Cancellation request received, won't accept any more jobs", "workerID", w.id)
			exitWorker()
			return
		case jobReq := <-w.jobChan:
			jobReq.Result <- w.HandleJob(jobReq.JobCtx, jobReq.Job)
		}
	}
}

func (w *Worker) HandleJob(jobCtx context.Context, job models.Job) error {
	start := time.Now()
	slog.Info("Handling job", "workerID", w.id, "jobID", job.ID, "conversationID", job.ConversationID, "messageID", job.MessageID, "attempt", job.Attempts+1)
	if err := w.processor.Process(jobCtx, job); err != nil {
		return err
	}
	slog.Info("Finished job", "workerID", w.id, "jobID", job.ID, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}
