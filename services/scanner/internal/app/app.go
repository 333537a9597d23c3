package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"kmsai/internal/ratelimit"
	"kmsai/internal/servicetoken"
	"kmsai/pkg/ai"
	"kmsai/pkg/chunkstore"
	"kmsai/pkg/conflict"
	"kmsai/pkg/dedup"
	"kmsai/pkg/pipeline"
	"kmsai/pkg/queue"
	"kmsai/pkg/storage"
	"kmsai/pkg/store"
)

// Config holds runtime configuration.
type Config struct {
	DatabaseURL string
	// Store and Chunks replace the Postgres stores when set.
	Store      store.Store
	Chunks     chunkstore.Store
	Classifier ai.Classifier
	Archive    storage.Archive

	RedisAddr      string
	RedisPassword  string
	RedisClient    *redis.Client
	ScanQueueName  string
	RetryQueueName string
	QueueGroup     string
	ScanWorkers    int
	MaxRetries     int
	RetryDelay     time.Duration
	RescanSchedule string
	StaleScanAfter time.Duration
	AnalysisPoll   string

	ProcessorURL       string
	ServiceTokenSecret string
	HandOffAttempts    uint64
	HandOffBackoff     time.Duration

	DuplicateThreshold float64

	AnalysisParallelism int
	AnalysisCacheSize   int
	AnalysisCacheTTL    time.Duration
	RelatedDocLimit     int
	AsyncCapacity       int
	WatchdogTimeout     time.Duration
	WatchdogInterval    time.Duration

	LLM               ai.ProviderConfig
	ClassifierTimeout time.Duration
	Minio             storage.MinioConfig

	TriggerLimit  int
	TriggerWindow time.Duration

	Now func() time.Time
}

// App runs the scan stage and owns conflict analysis.
type App struct {
	docs       store.Store
	chunks     chunkstore.Store
	engine     *conflict.Engine
	async      *conflict.AsyncProcessor
	watchdog   *conflict.Watchdog
	resolver   *dedup.Resolver
	scanQueue  *queue.RedisJobQueue
	retryQueue *queue.RedisJobQueue
	stage      *pipeline.Stage
	processor  *processorClient
	limiter    *ratelimit.FixedWindowLimiter
	archive    storage.Archive

	workers        int
	maxRetries     int
	rescanSchedule string
	staleScanAfter time.Duration
	analysisPoll   string
	now            func() time.Time
}

// New constructs the scanner with persistence, queues and the analysis engine.
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
	classifier := cfg.Classifier
	if classifier == nil {
		opts := ai.DefaultClassifierOptions()
		if cfg.ClassifierTimeout > 0 {
			opts.Timeout = cfg.ClassifierTimeout
		}
		llm := cfg.LLM
		llm.Options = opts
		gen, err := ai.NewGenerator(llm)
		if err != nil {
			return nil, fmt.Errorf("init llm: %w", err)
		}
		classifier = ai.NewLLMClassifier(gen, ai.LLMClassifierConfig{Timeout: opts.Timeout})
	}
	archive := cfg.Archive
	if archive == nil && cfg.Minio.Endpoint != "" {
		m, err := storage.NewMinioArchive(cfg.Minio)
		if err != nil {
			return nil, fmt.Errorf("init archive: %w", err)
		}
		archive = m
	}
	if strings.TrimSpace(cfg.ProcessorURL) == "" {
		return nil, fmt.Errorf("processor URL required")
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
	scanQueue, err := queue.NewRedisJobQueueWithClient(redisClient, queue.RedisQueueConfig{
		Stream: defaultString(cfg.ScanQueueName, "kms:scan"),
		Group:  defaultString(cfg.QueueGroup, "scanner"),
		Dedupe: true,
	})
	if err != nil {
		return nil, fmt.Errorf("init scan queue: %w", err)
	}
	retryQueue, err := queue.NewRedisJobQueueWithClient(redisClient, queue.RedisQueueConfig{
		Stream: defaultString(cfg.RetryQueueName, "kms:scan:retry"),
		Group:  defaultString(cfg.QueueGroup, "scanner"),
	})
	if err != nil {
		return nil, fmt.Errorf("init scan retry queue: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	workers := cfg.ScanWorkers
	if workers <= 0 {
		workers = 5
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = pipeline.DefaultMaxRetries
	}
	staleAfter := cfg.StaleScanAfter
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}

	engine := conflict.NewEngine(docs, chunks, classifier, conflict.EngineConfig{
		Parallelism:  cfg.AnalysisParallelism,
		CacheSize:    cfg.AnalysisCacheSize,
		CacheTTL:     cfg.AnalysisCacheTTL,
		RelatedLimit: cfg.RelatedDocLimit,
		Now:          now,
	})
	watchdog := conflict.NewWatchdog(docs, conflict.WatchdogConfig{
		Timeout:  cfg.WatchdogTimeout,
		Interval: cfg.WatchdogInterval,
		Now:      now,
	})
	async := conflict.NewAsyncProcessor(engine, conflict.AsyncConfig{
		Capacity:   cfg.AsyncCapacity,
		OnComplete: logTaskResult,
		Now:        now,
	})
	engine.SetCooldown(watchdog)
	engine.SetScheduler(async)
	if archive != nil {
		engine.SetArchive(archive)
	}

	a := &App{
		docs:           docs,
		chunks:         chunks,
		engine:         engine,
		async:          async,
		watchdog:       watchdog,
		resolver:       dedup.NewResolver(docs, chunks, nil, dedup.ResolverConfig{Threshold: cfg.DuplicateThreshold, Now: now}),
		scanQueue:      scanQueue,
		retryQueue:     retryQueue,
		processor:      newProcessorClient(cfg.ProcessorURL, signer, cfg.HandOffAttempts, cfg.HandOffBackoff),
		archive:        archive,
		workers:        workers,
		maxRetries:     maxRetries,
		rescanSchedule: defaultString(cfg.RescanSchedule, "@hourly"),
		staleScanAfter: staleAfter,
		analysisPoll:   defaultString(cfg.AnalysisPoll, "@every 1m"),
		now:            now,
	}
	if cfg.TriggerLimit > 0 {
		window := cfg.TriggerWindow
		if window <= 0 {
			window = time.Minute
		}
		a.limiter, err = ratelimit.New(redisClient, ratelimit.Config{Limit: cfg.TriggerLimit, Window: window, Prefix: "kms:trigger", FailOpen: true})
		if err != nil {
			return nil, fmt.Errorf("init trigger limiter: %w", err)
		}
	}
	a.stage, err = pipeline.NewStage(pipeline.Config{
		Name:       "scan",
		MaxRetries: maxRetries,
		RetryDelay: cfg.RetryDelay,
		Counter:    docs.IncrementScanFailureCount,
		Terminal:   a.scanFailed,
		Retry:      retryQueue,
		Now:        now,
	}, a.scan)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ServiceName is the issuer of tokens this service signs.
const ServiceName = "scanner"

// Start launches the scan workers, the async conflict processor, the
// watchdog and the periodic sweeps. Everything stops with ctx.
func (a *App) Start(ctx context.Context) error {
	a.stage.Start(ctx, a.scanQueue, a.workers)
	a.stage.Start(ctx, a.retryQueue, a.workers)
	go a.async.Run(ctx)
	if err := a.watchdog.Start(ctx); err != nil {
		return fmt.Errorf("start watchdog: %w", err)
	}

	c := cron.New()
	if _, err := c.AddFunc(a.rescanSchedule, func() { a.sweepLogged(ctx) }); err != nil {
		return fmt.Errorf("schedule rescan %q: %w", a.rescanSchedule, err)
	}
	if _, err := c.AddFunc(a.analysisPoll, func() { a.pollAnalysisLogged(ctx) }); err != nil {
		return fmt.Errorf("schedule analysis poll %q: %w", a.analysisPoll, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()

	go a.sweepLogged(ctx)
	slog.Info("scanner started", "workers", a.workers, "rescan", a.rescanSchedule)
	return nil
}

// Allow applies the manual trigger limit to key. It always allows when no
// limiter is configured.
func (a *App) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if a.limiter == nil {
		return true, 0
	}
	return a.limiter.Allow(ctx, key)
}

func logTaskResult(r conflict.TaskResult) {
	if r.Status == conflict.TaskFailed {
		slog.Warn("conflict task failed", "task_id", r.TaskID, "type", r.Type, "err", r.Error)
		return
	}
	slog.Debug("conflict task completed", "task_id", r.TaskID, "type", r.Type)
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("not found")
