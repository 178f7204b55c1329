package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"go-chat-stream/internal/models"
)

// ackScript removes a delivery from a processing list and releases the
// conversation's active counter, but only if the delivery was still there.
var ackScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed == 0 then return 0 end
local n = redis.call('HINCRBY', KEYS[2], ARGV[2], -1)
if n <= 0 then redis.call('HDEL', KEYS[2], ARGV[2]) end
return 1
`)

// failScript either puts a retry payload back on the pending list or
// dead-letters the job and releases the active counter.
var failScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed == 0 then return 0 end
if ARGV[3] == 'retry' then
	redis.call('LPUSH', KEYS[2], ARGV[2])
	return 1
end
redis.call('LPUSH', KEYS[3], ARGV[2])
local n = redis.call('HINCRBY', KEYS[4], ARGV[4], -1)
if n <= 0 then redis.call('HDEL', KEYS[4], ARGV[4]) end
return 1
`)

type RedisOptions struct {
	Prefix       string
	Name         string
	WorkerID     string
	BlockTimeout time.Duration
	LeaseTTL     time.Duration
	MaxAttempts  int
}

// RedisQueue is a reliable FIFO queue on Redis lists. Dequeue atomically moves a
// job from the pending list onto this worker's processing list, so a job is never
// lost between delivery and acknowledgement.
type RedisQueue struct {
	Client       *redis.Client
	Prefix       string
	Name         string
	WorkerID     string
	BlockTimeout time.Duration
	LeaseTTL     time.Duration
	MaxAttempts  int
}

func NewRedisQueue(client *redis.Client, opts RedisOptions) *RedisQueue {
	q := &RedisQueue{
		Client:       client,
		Prefix:       opts.Prefix,
		Name:         opts.Name,
		WorkerID:     opts.WorkerID,
		BlockTimeout: opts.BlockTimeout,
		LeaseTTL:     opts.LeaseTTL,
		MaxAttempts:  opts.MaxAttempts,
	}
	if q.Name == "" {
		q.Name = "inference"
	}
	if q.WorkerID == "" {
		q.WorkerID = "worker"
	}
	if q.BlockTimeout <= 0 {
		q.BlockTimeout = 5 * time.Second
	}
	if q.LeaseTTL <= 0 {
		q.LeaseTTL = 30 * time.Second
	}
	if q.MaxAttempts < 1 {
		q.MaxAttempts = 1
	}
	return q
}

func (q *RedisQueue) Enqueue(ctx context.Context, job models.Job) error {
	job, raw, err := prepare(job)
	if err != nil {
		return err
	}
	_, err = q.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.key("pending"), raw)
		pipe.HIncrBy(ctx, q.key("active"), job.ConversationID, 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	processing := q.processingKey(q.WorkerID)
	raw, err := q.Client.BLMove(ctx, q.key("pending"), processing, "RIGHT", "LEFT", q.BlockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job, err := decode(raw)
	if err != nil {
		// Undecodable payloads can never succeed; park them with the failed jobs.
		record, _ := json.Marshal(FailedJob{Reason: err.Error() + ": " + raw, FailedAt: time.Now().UTC()})
		if _, perr := q.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, processing, 1, raw)
			pipe.LPush(ctx, q.key("failed"), record)
			return nil
		}); perr != nil {
			slog.Error("Failed to park undecodable job", "error", perr)
		}
		return nil, err
	}
	return &Delivery{Job: job, raw: raw}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	keys := []string{q.processingKey(q.WorkerID), q.key("active")}
	if err := ackScript.Run(ctx, q.Client, keys, d.raw, d.Job.ConversationID).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", d.Job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, d *Delivery, reason error) error {
	var (
		payload []byte
		mode    = "dead"
		err     error
	)
	if d.Job.Attempts+1 < q.MaxAttempts {
		retry := d.Job
		retry.Attempts++
		mode = "retry"
		payload, err = json.Marshal(retry)
	} else {
		payload, err = json.Marshal(FailedJob{Job: d.Job, Reason: reasonText(reason), FailedAt: time.Now().UTC()})
	}
	if err != nil {
		return fmt.Errorf("encode failed job: %w", err)
	}

	keys := []string{q.processingKey(q.WorkerID), q.key("pending"), q.key("failed"), q.key("active")}
	if err := failScript.Run(ctx, q.Client, keys, d.raw, string(payload), mode, d.Job.ConversationID).Err(); err != nil {
		return fmt.Errorf("fail job %s: %w", d.Job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Pending(ctx context.Context, conversationID string) (bool, error) {
	n, err := q.Client.HGet(ctx, q.key("active"), conversationID).Int()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FailedJobs returns up to limit dead-lettered jobs, most recent first.
func (q *RedisQueue) FailedJobs(ctx context.Context, limit int64) ([]FailedJob, error) {
	raws, err := q.Client.LRange(ctx, q.key("failed"), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]FailedJob, 0, len(raws))
	for _, raw := range raws {
		var fj FailedJob
		if err := json.Unmarshal([]byte(raw), &fj); err != nil {
			continue
		}
		out = append(out, fj)
	}
	return out, nil
}

// Heartbeat registers this worker and refreshes its lease.
func (q *RedisQueue) Heartbeat(ctx context.Context) error {
	_, err := q.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, q.key("workers"), q.WorkerID)
		pipe.Set(ctx, q.leaseKey(q.WorkerID), time.Now().UTC().Format(time.RFC3339), q.LeaseTTL)
		return nil
	})
	return err
}

// Recover pushes every job left on workerID's processing list back to the head
// of the pending list, oldest first. It returns the number of jobs moved.
func (q *RedisQueue) Recover(ctx context.Context, workerID string) (int, error) {
	processing := q.processingKey(workerID)
	moved := 0
	for {
		_, err := q.Client.LMove(ctx, processing, q.key("pending"), "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover jobs of %s: %w", workerID, err)
		}
		moved++
	}
}

// ReapStale recovers the processing lists of registered workers whose lease expired.
func (q *RedisQueue) ReapStale(ctx context.Context) (int, error) {
	workers, err := q.Client.SMembers(ctx, q.key("workers")).Result()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, w := range workers {
		if w == q.WorkerID {
			continue
		}
		alive, err := q.Client.Exists(ctx, q.leaseKey(w)).Result()
		if err != nil {
			return total, err
		}
		if alive > 0 {
			continue
		}
		n, err := q.Recover(ctx, w)
		total += n
		if err != nil {
			return total, err
		}
		if err := q.Client.SRem(ctx, q.key("workers"), w).Err(); err != nil {
			return total, err
		}
		slog.Warn("Recovered jobs of stale worker", "workerID", w, "jobs", n)
	}
	return total, nil
}

// StartMaintenance takes over jobs this worker left behind in a previous run,
// then schedules lease refreshes and stale-worker reaping. The schedule keeps
// running after ctx is cancelled, so the lease holds while in-flight jobs
// drain; stop the returned cron to end it.
func (q *RedisQueue) StartMaintenance(ctx context.Context, schedule string) (*cron.Cron, error) {
	if err := q.Heartbeat(ctx); err != nil {
		return nil, fmt.Errorf("initial heartbeat: %w", err)
	}
	n, err := q.Recover(ctx, q.WorkerID)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		slog.Warn("Re-queued jobs from previous run", "workerID", q.WorkerID, "jobs", n)
	}

	tickCtx := context.WithoutCancel(ctx)
	c := cron.New()
	_, err = c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(tickCtx, q.tickTimeout())
		defer cancel()
		if err := q.Heartbeat(ctx); err != nil {
			slog.Error("Queue heartbeat failed", "workerID", q.WorkerID, "error", err)
		}
		if _, err := q.ReapStale(ctx); err != nil {
			slog.Error("Reaping stale workers failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule queue maintenance: %w", err)
	}
	c.Start()
	return c, nil
}

// tickTimeout bounds one maintenance run so a stuck Redis call cannot outlast the lease.
func (q *RedisQueue) tickTimeout() time.Duration {
	if q.LeaseTTL > 0 {
		return q.LeaseTTL / 2
	}
	return 5 * time.Second
}

// Close withdraws this worker's registration. The Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := q.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, q.key("workers"), q.WorkerID)
		pipe.Del(ctx, q.leaseKey(q.WorkerID))
		return nil
	})
	return err
}

func (q *RedisQueue) key(suffix string) string {
	if q.Prefix == "" {
		return fmt.Sprintf("%s:%s", q.Name, suffix)
	}
	return fmt.Sprintf("%s:%s:%s", q.Prefix, q.Name, suffix)
}

func (q *RedisQueue) processingKey(workerID string) string {
	return q.key("processing:" + workerID)
}

func (q *RedisQueue) leaseKey(workerID string) string {
	return q.key("lease:" + workerID)
}
