package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"kmsai/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// ErrAlreadyQueued is returned by Enqueue when the queue dedupes by
// document and the document is already waiting.
var ErrAlreadyQueued = errors.New("document already queued")

// Job is one unit of pipeline work for a document.
type Job struct {
	ID         string          `json:"id"`
	DocID      string          `json:"docId"`
	Attempt    int             `json:"attempt"`
	NotBefore  time.Time       `json:"notBefore,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     string          `json:"status"`
	Error      string          `json:"errorMessage,omitempty"`
	Deliveries int             `json:"deliveries"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Handler processes one job. A returned error re-delivers the job up to
// MaxRetries times; domain failures should be handled inside.
type Handler func(context.Context, Job) error

type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	dedupe       bool
	once         sync.Once
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
	// Dedupe rejects a second Enqueue for a document that is still waiting.
	Dedupe bool
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	return newQueue(redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}), cfg)
}

// NewRedisJobQueueWithClient shares an existing client between queues.
func NewRedisJobQueueWithClient(client *redis.Client, cfg RedisQueueConfig) (*RedisJobQueue, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	return newQueue(client, cfg)
}

func newQueue(client *redis.Client, cfg RedisQueueConfig) (*RedisJobQueue, error) {
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 2 * time.Minute
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 1
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}
	return &RedisJobQueue{
		client:       client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
		dedupe:       cfg.Dedupe,
	}, nil
}

// Name returns the stream the queue reads.
func (q *RedisJobQueue) Name() string { return q.stream }

// Client exposes the underlying redis client for sibling components.
func (q *RedisJobQueue) Client() *redis.Client { return q.client }

// EnqueueDoc queues a fresh job for docID.
func (q *RedisJobQueue) EnqueueDoc(ctx context.Context, docID string) (Job, error) {
	return q.Enqueue(ctx, Job{DocID: docID})
}

// Enqueue writes the job status hash and appends the job to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, job Job) (Job, error) {
	job.DocID = strings.TrimSpace(job.DocID)
	if job.DocID == "" {
		return Job{}, errors.New("doc id required")
	}
	if q.dedupe {
		ok, err := q.client.SetNX(ctx, q.inflightKey(job.DocID), "1", q.jobTTL).Result()
		if err != nil {
			return Job{}, err
		}
		if !ok {
			return Job{}, ErrAlreadyQueued
		}
	}
	now := time.Now().UTC()
	job.ID = util.NewID()
	job.Status = StatusQueued
	job.Deliveries = 0
	job.CreatedAt = now
	job.UpdatedAt = now
	if err := q.writeStatus(ctx, job); err != nil {
		q.releaseInflight(ctx, job.DocID)
		return Job{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: streamValues(job),
	}).Err(); err != nil {
		q.releaseInflight(ctx, job.DocID)
		return Job{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(data) == 0 {
		return Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Len reports the number of entries in the stream.
func (q *RedisJobQueue) Len(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.stream).Result()
}

// Start spawns concurrency consumers; they stop when ctx is cancelled.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("create consumer group failed", "stream", q.stream, "err", err)
		}
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				slog.Warn("queue read failed", "stream", q.stream, "err", err)
				sleepCtx(ctx, q.block)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	job, ok := jobFromMessage(msg)
	if !ok {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if wait := time.Until(job.NotBefore); wait > 0 {
		if !sleepCtx(ctx, wait) {
			return
		}
	}
	// The document may be queued again as soon as its job is picked up.
	q.releaseInflight(ctx, job.DocID)
	job, err := q.markProcessing(ctx, job)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if err := q.runHandler(ctx, job, handler); err == nil {
		_ = q.markDone(ctx, job.ID)
		q.ackAndDel(ctx, msg.ID)
		return
	} else if job.Deliveries >= q.maxRetries {
		slog.Error("job failed permanently", "stream", q.stream, "doc_id", job.DocID, "job_id", job.ID, "err", err)
		_ = q.markFailed(ctx, job.ID, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	} else {
		_ = q.markQueued(ctx, job.ID, err.Error())
	}
	if !sleepCtx(ctx, q.retryDelay) {
		return
	}
	_ = q.requeueAndAck(ctx, msg.ID, job)
}

func (q *RedisJobQueue) runHandler(ctx context.Context, job Job, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID string, job Job) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: streamValues(job),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) markProcessing(ctx context.Context, job Job) (Job, error) {
	stored, found, err := q.GetJob(ctx, job.ID)
	if err != nil {
		return Job{}, err
	}
	if found {
		job.Deliveries = stored.Deliveries
		job.CreatedAt = stored.CreatedAt
	}
	job.Deliveries++
	job.Status = StatusProcessing
	job.Error = ""
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) markQueued(ctx context.Context, jobID, errMsg string) error {
	return q.updateStatus(ctx, jobID, StatusQueued, errMsg)
}

func (q *RedisJobQueue) markDone(ctx context.Context, jobID string) error {
	return q.updateStatus(ctx, jobID, StatusDone, "")
}

func (q *RedisJobQueue) markFailed(ctx context.Context, jobID, errMsg string) error {
	return q.updateStatus(ctx, jobID, StatusFailed, errMsg)
}

func (q *RedisJobQueue) updateStatus(ctx context.Context, jobID, status, errMsg string) error {
	key := q.jobKey(jobID)
	if err := q.client.HSet(ctx, key, map[string]any{
		"status":    status,
		"error":     errMsg,
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err(); err != nil {
		return err
	}
	return q.client.Expire(ctx, key, q.jobTTL).Err()
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job Job) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":         job.ID,
		"docId":      job.DocID,
		"attempt":    strconv.Itoa(job.Attempt),
		"status":     job.Status,
		"error":      job.Error,
		"deliveries": strconv.Itoa(job.Deliveries),
		"createdAt":  job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":  job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *RedisJobQueue) releaseInflight(ctx context.Context, docID string) {
	if q.dedupe {
		_ = q.client.Del(ctx, q.inflightKey(docID)).Err()
	}
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func (q *RedisJobQueue) inflightKey(docID string) string {
	return fmt.Sprintf("inflight:%s:%s", q.stream, docID)
}

func streamValues(job Job) map[string]any {
	values := map[string]any{
		"job_id":  job.ID,
		"doc_id":  job.DocID,
		"attempt": strconv.Itoa(job.Attempt),
	}
	if !job.NotBefore.IsZero() {
		values["not_before"] = strconv.FormatInt(job.NotBefore.UnixMilli(), 10)
	}
	if len(job.Payload) > 0 {
		values["payload"] = string(job.Payload)
	}
	return values
}

func jobFromMessage(msg redis.XMessage) (Job, bool) {
	jobID, _ := msg.Values["job_id"].(string)
	docID, _ := msg.Values["doc_id"].(string)
	if jobID == "" || docID == "" {
		return Job{}, false
	}
	job := Job{ID: jobID, DocID: docID}
	if v, _ := msg.Values["attempt"].(string); v != "" {
		job.Attempt, _ = strconv.Atoi(v)
	}
	if v, _ := msg.Values["not_before"].(string); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			job.NotBefore = time.UnixMilli(ms).UTC()
		}
	}
	if v, _ := msg.Values["payload"].(string); v != "" {
		job.Payload = json.RawMessage(v)
	}
	return job, true
}

func decodeJob(jobID string, data map[string]string) Job {
	job := Job{ID: jobID, DocID: data["docId"], Status: data["status"], Error: data["error"]}
	if n, err := strconv.Atoi(data["attempt"]); err == nil {
		job.Attempt = n
	}
	if n, err := strconv.Atoi(data["deliveries"]); err == nil {
		job.Deliveries = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
