package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, job); err != nil {
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
	got, ok := jobFromMessage(streams[0].Messages[0])
	if !ok || got.ID != job.ID || got.DocID != job.DocID || got.Attempt != 2 {
		t.Fatalf("unexpected requeued payload: %+v", streams[0].Messages[0].Values)
	}
	if string(got.Payload) != `{"reason":"timeout"}` {
		t.Fatalf("payload = %s", got.Payload)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, job); err == nil {
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

func TestRedisJobQueueDedupeRejectsWaitingDocument(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{Dedupe: true})
	ctx := context.Background()

	if _, err := q.EnqueueDoc(ctx, "doc_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.EnqueueDoc(ctx, "doc_1"); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("second enqueue err = %v, want ErrAlreadyQueued", err)
	}
	if _, err := q.EnqueueDoc(ctx, "doc_2"); err != nil {
		t.Fatalf("other document: %v", err)
	}
	if n, _ := q.Len(ctx); n != 2 {
		t.Fatalf("stream len = %d, want 2", n)
	}
}

func TestRedisJobQueueStartRunsHandlerAndMarksDone(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{Dedupe: true, Block: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan Job, 1)
	q.Start(ctx, 1, func(_ context.Context, job Job) error {
		done <- job
		return nil
	})
	enqueued, err := q.Enqueue(ctx, Job{DocID: "doc_1", Attempt: 1, NotBefore: time.Now().Add(30 * time.Millisecond)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case got := <-done:
		if got.DocID != "doc_1" || got.Attempt != 1 || got.Deliveries != 1 {
			t.Fatalf("handled job = %+v", got)
		}
		if time.Now().Before(enqueued.NotBefore) {
			t.Fatalf("handler ran before not_before")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler was not called")
	}

	waitFor(t, func() bool {
		job, found, _ := q.GetJob(context.Background(), enqueued.ID)
		return found && job.Status == StatusDone
	})
	if _, err := q.EnqueueDoc(ctx, "doc_1"); err != nil {
		t.Fatalf("document should be enqueueable again after pickup: %v", err)
	}
}

func TestRedisJobQueueHandlerErrorRedeliversThenFails(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{MaxRetries: 2, Block: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	q.Start(ctx, 1, func(context.Context, Job) error {
		calls.Add(1)
		panic("boom")
	})
	job, err := q.EnqueueDoc(ctx, "doc_1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, func() bool {
		got, found, _ := q.GetJob(context.Background(), job.ID)
		return found && got.Status == StatusFailed
	})
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	got, _, _ := q.GetJob(context.Background(), job.ID)
	if got.Error == "" || got.Deliveries != 2 {
		t.Fatalf("failed job = %+v", got)
	}
}

func newTestQueue(t *testing.T, cfg RedisQueueConfig) *RedisJobQueue {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	cfg.Addr = redisSrv.Addr()
	cfg.Stream = "test:queue"
	cfg.Group = "test-group"
	cfg.Consumer = "consumer-1"
	cfg.RetryDelay = time.Millisecond
	q, err := NewRedisJobQueue(cfg)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, Job) {
	t.Helper()

	q := newTestQueue(t, RedisQueueConfig{})
	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, Job{DocID: "doc_1", Attempt: 2, Payload: json.RawMessage(`{"reason":"timeout"}`)})
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

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
