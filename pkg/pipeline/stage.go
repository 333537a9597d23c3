// Package pipeline runs one document stage off a job queue and applies the
// shared failure policy: count the failure persistently, give up after
// MaxRetries, otherwise push the document to a retry queue with backoff.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"kmsai/pkg/queue"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 5 * time.Second
)

// ErrSkip tells the stage the job needs no further work and is not a failure.
var ErrSkip = errors.New("skip job")

// Enqueuer is the part of a job queue the stage writes retries to.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) (queue.Job, error)
}

// Consumer is the part of a job queue the stage drains.
type Consumer interface {
	Start(ctx context.Context, concurrency int, handler queue.Handler)
	Name() string
}

// FailureCounter increments and returns the persisted failure count of a
// document.
type FailureCounter func(ctx context.Context, docID string) (int, error)

// TerminalFunc moves a document to its terminal failed state and notifies
// the other service.
type TerminalFunc func(ctx context.Context, job queue.Job, cause error) error

// RunFunc executes the stage for one job.
type RunFunc func(ctx context.Context, job queue.Job) error

type Config struct {
	Name       string
	MaxRetries int
	RetryDelay time.Duration
	Counter    FailureCounter
	Terminal   TerminalFunc
	Retry      Enqueuer
	Now        func() time.Time
}

type Stage struct {
	cfg Config
	run RunFunc
}

func NewStage(cfg Config, run RunFunc) (*Stage, error) {
	if run == nil {
		return nil, errors.New("stage run func required")
	}
	if cfg.Counter == nil || cfg.Terminal == nil {
		return nil, errors.New("stage failure counter and terminal func required")
	}
	if cfg.Name == "" {
		cfg.Name = "stage"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Stage{cfg: cfg, run: run}, nil
}

// Start drains q with the given number of workers.
func (s *Stage) Start(ctx context.Context, q Consumer, workers int) {
	slog.Info("stage workers started", "stage", s.cfg.Name, "queue", q.Name(), "workers", workers)
	q.Start(ctx, workers, s.Handle)
}

// Handle is a queue.Handler. It returns an error only when the failure
// itself could not be recorded, so the queue redelivers the job.
func (s *Stage) Handle(ctx context.Context, job queue.Job) error {
	log := slog.With("stage", s.cfg.Name, "doc_id", job.DocID, "attempt", job.Attempt)
	err := s.safeRun(ctx, job)
	if err == nil || errors.Is(err, ErrSkip) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log.Warn("stage failed", "err", err)
	return s.Fail(ctx, job, err)
}

// Fail applies the failure policy to job.
func (s *Stage) Fail(ctx context.Context, job queue.Job, cause error) error {
	count, err := s.cfg.Counter(ctx, job.DocID)
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", job.DocID, err)
	}
	if count >= s.cfg.MaxRetries {
		slog.Error("stage failed permanently", "stage", s.cfg.Name, "doc_id", job.DocID, "failures", count, "err", cause)
		return s.cfg.Terminal(ctx, job, cause)
	}
	if s.cfg.Retry == nil {
		return s.cfg.Terminal(ctx, job, cause)
	}
	retry := queue.Job{
		DocID:     job.DocID,
		Attempt:   count,
		NotBefore: s.cfg.Now().Add(s.Backoff(count)),
		Payload:   job.Payload,
	}
	if _, err := s.cfg.Retry.Enqueue(ctx, retry); err != nil && !errors.Is(err, queue.ErrAlreadyQueued) {
		return fmt.Errorf("enqueue retry for %s: %w", job.DocID, err)
	}
	slog.Info("stage retry scheduled", "stage", s.cfg.Name, "doc_id", job.DocID, "failures", count, "not_before", retry.NotBefore)
	return nil
}

// Backoff is RetryDelay * 2^(failures-1).
func (s *Stage) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if failures > 16 {
		failures = 16
	}
	return s.cfg.RetryDelay * time.Duration(1<<(failures-1))
}

func (s *Stage) safeRun(ctx context.Context, job queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("stage panic", "stage", s.cfg.Name, "doc_id", job.DocID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.run(ctx, job)
}
