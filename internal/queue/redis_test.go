package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-stream/internal/models"
)

func newRedisQueue(t *testing.T, mr *miniredis.Miniredis, workerID string, maxAttempts int) *RedisQueue {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, RedisOptions{
		Prefix:       "test",
		Name:         "inference",
		WorkerID:     workerID,
		BlockTimeout: time.Second,
		LeaseTTL:     time.Minute,
		MaxAttempts:  maxAttempts,
	})
}

func TestRedisQueueFIFOAndAck(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newRedisQueue(t, mr, "w1", 1)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		require.NoError(t, q.Enqueue(ctx, models.Job{ConversationID: "c1", MessageID: id}))
	}
	pending, err := q.Pending(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, pending)

	d1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d1)
	assert.Equal(t, "m1", d1.Job.MessageID)

	processing, err := mr.List("test:inference:processing:w1")
	require.NoError(t, err)
	assert.Len(t, processing, 1)

	require.NoError(t, q.Ack(ctx, d1))
	d2, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m2", d2.Job.MessageID)
	require.NoError(t, q.Ack(ctx, d2))

	pending, err = q.Pending(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, pending)
	assert.False(t, mr.Exists("test:inference:processing:w1"))
}

func TestRedisQueueDequeueEmpty(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newRedisQueue(t, mr, "w1", 1)

	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestRedisQueueFailDeadLetters(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newRedisQueue(t, mr, "w1", 1)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, models.Job{ConversationID: "c1", MessageID: "m1"}))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, d, errors.New("LLM error 503")))

	failed, err := q.FailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "m1", failed[0].Job.MessageID)
	assert.Equal(t, "LLM error 503", failed[0].Reason)

	pending, err := q.Pending(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestRedisQueueFailRetries(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newRedisQueue(t, mr, "w1", 3)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, models.Job{ConversationID: "c1", MessageID: "m1"}))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, d, errors.New("transient")))

	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Job.Attempts)

	pending, err := q.Pending(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestRedisQueueRecoverRedelivers(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	crashed := newRedisQueue(t, mr, "crashed", 1)
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, crashed.Enqueue(ctx, models.Job{ConversationID: "c1", MessageID: id}))
	}
	// The crashed worker took two jobs and never acknowledged them.
	_, err := crashed.Dequeue(ctx)
	require.NoError(t, err)
	_, err = crashed.Dequeue(ctx)
	require.NoError(t, err)

	n, err := crashed.Recover(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	survivor := newRedisQueue(t, mr, "survivor", 1)
	for _, want := range []string{"m1", "m2", "m3"} {
		d, err := survivor.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, want, d.Job.MessageID)
		require.NoError(t, survivor.Ack(ctx, d))
	}
}

func TestRedisQueueReapStale(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	dead := newRedisQueue(t, mr, "dead", 1)
	require.NoError(t, dead.Heartbeat(ctx))
	require.NoError(t, dead.Enqueue(ctx, models.Job{ConversationID: "c1", MessageID: "m1"}))
	_, err := dead.Dequeue(ctx)
	require.NoError(t, err)

	live := newRedisQueue(t, mr, "live", 1)
	require.NoError(t, live.Heartbeat(ctx))

	n, err := live.ReapStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still valid")

	mr.FastForward(2 * time.Minute)
	require.NoError(t, live.Heartbeat(ctx))

	n, err = live.ReapStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := live.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "m1", d.Job.MessageID)
}

func TestRedisQueueStartMaintenanceRequeuesOwnJobs(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	previous := newRedisQueue(t, mr, "worker-1", 1)
	require.NoError(t, previous.Enqueue(ctx, models.Job{ConversationID: "c1", MessageID: "m1"}))
	_, err := previous.Dequeue(ctx)
	require.NoError(t, err)

	restarted := newRedisQueue(t, mr, "worker-1", 1)
	c, err := restarted.StartMaintenance(ctx, "@every 1h")
	require.NoError(t, err)
	defer c.Stop()

	assert.True(t, mr.Exists("test:inference:lease:worker-1"))
	members, err := mr.SMembers("test:inference:workers")
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-1"}, members)

	d, err := restarted.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "m1", d.Job.MessageID)
}

func TestRedisQueueMaintenanceOutlivesContext(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())

	q := newRedisQueue(t, mr, "worker-1", 1)
	c, err := q.StartMaintenance(ctx, "@every 1s")
	require.NoError(t, err)
	defer c.Stop()

	// A shutdown request must not let the lease lapse while jobs drain.
	cancel()
	mr.Del("test:inference:lease:worker-1")
	require.Eventually(t, func() bool {
		return mr.Exists("test:inference:lease:worker-1")
	}, 3*time.Second, 50*time.Millisecond)
}

func TestRedisQueueStartMaintenanceRejectsBadSchedule(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newRedisQueue(t, mr, "worker-1", 1)
	_, err := q.StartMaintenance(context.Background(), "not a schedule")
	assert.Error(t, err)
}

func TestRedisQueueParksUndecodablePayload(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newRedisQueue(t, mr, "w1", 1)
	ctx := context.Background()

	_, err := mr.Lpush("test:inference:pending", "{not json")
	require.NoError(t, err)

	_, err = q.Dequeue(ctx)
	assert.Error(t, err)
	assert.False(t, mr.Exists("test:inference:processing:w1"))
	failed, err := mr.List("test:inference:failed")
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}
