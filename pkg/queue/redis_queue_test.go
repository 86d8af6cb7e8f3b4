package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, job.ID, job.Kind, job.Ref); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != job.ID || got.Values["kind"] != job.Kind || got.Values["ref"] != job.Ref {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, job.ID, job.Kind, job.Ref); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestRedisJobQueueEnqueueValidates(t *testing.T) {
	q := newTestQueue(t, 3)
	if _, err := q.Enqueue(context.Background(), "", "ref"); err == nil {
		t.Fatalf("expected error for empty kind")
	}
	if _, err := q.Enqueue(context.Background(), "kind", " "); err == nil {
		t.Fatalf("expected error for empty ref")
	}
}

func TestRedisJobQueueDeliversJobsEnqueuedBeforeStart(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, "auto_assign_expert", "conv-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var seen atomic.Value
	q.Start(ctx, 2, func(_ context.Context, j Job) error {
		seen.Store(j)
		return nil
	})

	got := waitForStatus(t, q, job.ID, StatusDone)
	if got.Attempts != 1 {
		t.Fatalf("expected single attempt, got %d", got.Attempts)
	}
	handled, _ := seen.Load().(Job)
	if handled.Kind != "auto_assign_expert" || handled.Ref != "conv-1" {
		t.Fatalf("unexpected handled job %+v", handled)
	}
}

func TestRedisJobQueueRetriesTransientFailure(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	q.Start(ctx, 1, func(context.Context, Job) error {
		if calls.Add(1) == 1 {
			return errors.New("database unavailable")
		}
		return nil
	})
	job, err := q.Enqueue(ctx, "auto_generate_reply", "msg-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := waitForStatus(t, q, job.ID, StatusDone)
	if got.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", got.Attempts)
	}
}

func TestRedisJobQueueFailsAfterMaxRetries(t *testing.T) {
	q := newTestQueue(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	q.Start(ctx, 1, func(context.Context, Job) error {
		calls.Add(1)
		return errors.New("still broken")
	})
	job, err := q.Enqueue(ctx, "auto_generate_reply", "msg-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := waitForStatus(t, q, job.ID, StatusFailed)
	if got.Attempts != 2 || got.ErrorMessage != "still broken" {
		t.Fatalf("unexpected failed job %+v", got)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected 2 handler calls, got %d", n)
	}
}

func TestRedisJobQueuePermanentErrorSkipsRetry(t *testing.T) {
	q := newTestQueue(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(ctx, 1, func(context.Context, Job) error {
		return Permanent(errors.New("unknown job kind"))
	})
	job, err := q.Enqueue(ctx, "bogus", "x")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := waitForStatus(t, q, job.ID, StatusFailed)
	if got.Attempts != 1 {
		t.Fatalf("expected no retry for permanent error, got %d attempts", got.Attempts)
	}
}

func TestRetryDelayIsExponential(t *testing.T) {
	q := &RedisJobQueue{retryDelay: 100 * time.Millisecond, maxRetryDelay: 350 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		if got := q.retryDelayFor(i + 1); got != w {
			t.Fatalf("attempt %d: delay %v, want %v", i+1, got, w)
		}
	}
}

func newTestQueue(t *testing.T, maxRetries int) *RedisJobQueue {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:          redisSrv.Addr(),
		Stream:        "test:jobs",
		Group:         "test-group",
		Consumer:      "worker",
		MaxRetries:    maxRetries,
		Block:         20 * time.Millisecond,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func waitForStatus(t *testing.T, q *RedisJobQueue, jobID, status string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, err := q.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && job.Status == status {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _, _ := q.GetJob(context.Background(), jobID)
	t.Fatalf("job %s did not reach %q, last state %+v", jobID, status, job)
	return Job{}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, Job) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:queue",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, "auto_assign_expert", "conv-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}

	return q, ctx, streams[0].Messages[0].ID, job
}
