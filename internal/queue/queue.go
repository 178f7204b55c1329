package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"go-chat-stream/internal/models"
)

// QueueService is a durable, at-least-once queue of inference jobs.
type QueueService interface {
	// Enqueue stores the job. Once it returns nil the job survives a restart of the caller.
	Enqueue(ctx context.Context, job models.Job) error
	// Dequeue waits for the next job in FIFO order. It returns nil, nil when nothing
	// arrived within the queue's block timeout.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Fail records a fatal job outcome. The job is retried while attempts remain and
	// dead-lettered otherwise.
	Fail(ctx context.Context, d *Delivery, reason error) error
	// Pending reports whether a job for the conversation is queued or running.
	Pending(ctx context.Context, conversationID string) (bool, error)
	Close() error
}

// Delivery is a job handed to a worker. raw is the exact payload held by the
// queue, needed to remove it on Ack or Fail.
type Delivery struct {
	Job models.Job
	raw string
}

type FailedJob struct {
	Job      models.Job `json:"job"`
	Reason   string     `json:"reason"`
	FailedAt time.Time  `json:"failedAt"`
}

func prepare(job models.Job) (models.Job, string, error) {
	if job.ConversationID == "" {
		return models.Job{}, "", fmt.Errorf("job requires conversation id")
	}
	if job.ID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return models.Job{}, "", err
		}
		job.ID = id.String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	raw, err := encode(job)
	if err != nil {
		return models.Job{}, "", err
	}
	return job, raw, nil
}

func encode(job models.Job) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(data), nil
}

func decode(raw string) (models.Job, error) {
	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return models.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

func reasonText(reason error) string {
	if reason == nil {
		return "unknown error"
	}
	return reason.Error()
}
