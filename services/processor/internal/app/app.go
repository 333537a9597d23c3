package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"kmsai/internal/servicetoken"
	"kmsai/pkg/ai"
	"kmsai/pkg/chunkstore"
	"kmsai/pkg/pipeline"
	"kmsai/pkg/queue"
	"kmsai/pkg/store"
)

// ServiceName is the issuer of tokens this service signs.
const ServiceName = "processor"

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("not found")

// Config holds runtime configuration.
type Config struct {
	DatabaseURL string
	// Store and Chunks replace the Postgres stores when set.
	Store   store.Store
	Chunks  chunkstore.Store
	Chunker ai.Chunker

	RedisAddr      string
	RedisPassword  string
	RedisClient    *redis.Client
	QueueName      string
	RetryQueueName string
	QueueGroup     string
	Workers        int
	RetryWorkers   int
	MaxRetries     int
	RetryDelay     time.Duration
	StaleAfter     time.Duration

	ScannerURL         string
	ServiceTokenSecret string

	ChunkerMode    string
	LLM            ai.ProviderConfig
	ChunkerTimeout time.Duration

	Now func() time.Time
}

// App runs the chunking stage.
type App struct {
	docs       store.Store
	chunks     chunkstore.Store
	chunker    ai.Chunker
	queue      *queue.RedisJobQueue
	retryQueue *queue.RedisJobQueue
	stage      *pipeline.Stage
	scanner    *scannerClient

	workers      int
	retryWorkers int
	staleAfter   time.Duration
	now          func() time.Time
}

// New constructs the processor with persistence, queues and the chunker.
func New(cfg Config) (*App, error) {
	docs := cfg.Store
	var shared *store.GormStore
	if docs == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		shared = gs
		docs = store.NewRetryStore(gs, 3, 2*time.Second)
	}
	chunks := cfg.Chunks
	if chunks == nil {
		var (
			cs  *chunkstore.GormStore
			err error
		)
		if shared != nil {
			cs, err = chunkstore.NewGormStoreWithDB(shared.DB())
		} else {
			cs, err = chunkstore.NewGormStore(cfg.DatabaseURL)
		}
		if err != nil {
			return nil, fmt.Errorf("init chunk store: %w", err)
		}
		chunks = cs
	}
	chunker := cfg.Chunker
	if chunker == nil {
		var gen ai.TextGenerator
		if strings.EqualFold(strings.TrimSpace(cfg.ChunkerMode), "llm") {
			opts := ai.DefaultClassifierOptions()
			opts.Timeout = 120 * time.Second
			if cfg.ChunkerTimeout > 0 {
				opts.Timeout = cfg.ChunkerTimeout
			}
			llm := cfg.LLM
			llm.Options = opts
			g, err := ai.NewGenerator(llm)
			if err != nil {
				return nil, fmt.Errorf("init llm: %w", err)
			}
			gen = g
		}
		c, err := ai.NewChunker(cfg.ChunkerMode, gen, ai.LLMClassifierConfig{Timeout: cfg.ChunkerTimeout})
		if err != nil {
			return nil, fmt.Errorf("init chunker: %w", err)
		}
		chunker = c
	}
	if strings.TrimSpace(cfg.ScannerURL) == "" {
		return nil, fmt.Errorf("scanner URL required")
	}
	signer, err := servicetoken.NewSigner(cfg.ServiceTokenSecret, ServiceName, 0)
	if err != nil {
		return nil, fmt.Errorf("init service token signer: %w", err)
	}

	redisClient := cfg.RedisClient
	if redisClient == nil {
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis addr required")
		}
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}
	group := defaultString(cfg.QueueGroup, "processor")
	mainQueue, err := queue.NewRedisJobQueueWithClient(redisClient, queue.RedisQueueConfig{
		Stream: defaultString(cfg.QueueName, "kms:process"),
		Group:  group,
		Dedupe: true,
	})
	if err != nil {
		return nil, fmt.Errorf("init process queue: %w", err)
	}
	retryQueue, err := queue.NewRedisJobQueueWithClient(redisClient, queue.RedisQueueConfig{
		Stream: defaultString(cfg.RetryQueueName, "kms:process:retry"),
		Group:  group,
	})
	if err != nil {
		return nil, fmt.Errorf("init process retry queue: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 5
	}
	retryWorkers := cfg.RetryWorkers
	if retryWorkers <= 0 {
		retryWorkers = workers
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}

	a := &App{
		docs:         docs,
		chunks:       chunks,
		chunker:      chunker,
		queue:        mainQueue,
		retryQueue:   retryQueue,
		scanner:      newScannerClient(cfg.ScannerURL, signer),
		workers:      workers,
		retryWorkers: retryWorkers,
		staleAfter:   staleAfter,
		now:          now,
	}
	a.stage, err = pipeline.NewStage(pipeline.Config{
		Name:       "process",
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Counter:    docs.IncrementChunkFailureCount,
		Terminal:   a.chunkingFailed,
		Retry:      retryQueue,
		Now:        now,
	}, a.process)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Start launches the process and retry workers and re-queues documents
// left mid-chunking by a previous run.
func (a *App) Start(ctx context.Context) {
	a.stage.Start(ctx, a.queue, a.workers)
	a.stage.Start(ctx, a.retryQueue, a.retryWorkers)
	go func() {
		requeued, err := a.RequeueStale(ctx)
		if err != nil {
			slog.Error("stale chunking sweep failed", "err", err)
			return
		}
		if len(requeued) > 0 {
			slog.Info("re-queued stale documents", "count", len(requeued))
		}
	}()
	slog.Info("processor started", "workers", a.workers, "retry_workers", a.retryWorkers)
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
