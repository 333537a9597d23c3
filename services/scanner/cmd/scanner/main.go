package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kmsai/internal/util"
	"kmsai/pkg/ai"
	"kmsai/pkg/storage"
	"kmsai/services/scanner/internal/app"
	"kmsai/services/scanner/internal/config"
	"kmsai/services/scanner/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	appCore, err := app.New(app.Config{
		DatabaseURL:         cfg.DatabaseURL,
		RedisAddr:           cfg.RedisAddr,
		RedisPassword:       cfg.RedisPassword,
		ScanQueueName:       cfg.ScanQueueName,
		RetryQueueName:      cfg.ScanRetryQueueName,
		QueueGroup:          cfg.QueueGroup,
		ScanWorkers:         cfg.ScanWorkers,
		MaxRetries:          cfg.MaxRetries,
		RetryDelay:          time.Duration(cfg.RetryDelaySeconds) * time.Second,
		RescanSchedule:      cfg.RescanSchedule,
		StaleScanAfter:      time.Duration(cfg.StaleScanMinutes) * time.Minute,
		AnalysisPoll:        cfg.AnalysisPollEvery,
		ProcessorURL:        cfg.ProcessorURL,
		ServiceTokenSecret:  cfg.ServiceTokenSecret,
		DuplicateThreshold:  cfg.DuplicateThreshold,
		AnalysisParallelism: cfg.AnalysisParallelism,
		AnalysisCacheSize:   cfg.AnalysisCacheSize,
		AnalysisCacheTTL:    time.Duration(cfg.AnalysisCacheTTLSeconds) * time.Second,
		RelatedDocLimit:     cfg.RelatedDocLimit,
		AsyncCapacity:       cfg.AsyncQueueCapacity,
		WatchdogTimeout:     time.Duration(cfg.WatchdogTimeoutSeconds) * time.Second,
		WatchdogInterval:    time.Duration(cfg.WatchdogIntervalSeconds) * time.Second,
		LLM: ai.ProviderConfig{
			Provider: cfg.LLMProvider,
			BaseURL:  cfg.LLMBaseURL,
			APIKey:   cfg.LLMAPIKey,
			Model:    cfg.LLMModel,
		},
		ClassifierTimeout: time.Duration(cfg.ClassifierTimeoutSeconds) * time.Second,
		Minio: storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		},
		TriggerLimit:  cfg.TriggerRateLimit,
		TriggerWindow: time.Duration(cfg.TriggerRateWindowSeconds) * time.Second,
	})
	if err != nil {
		util.Fatal(logger, "failed to init app", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:                appCore,
		ServiceTokenSecret: cfg.ServiceTokenSecret,
		TrustedProxies:     cfg.TrustedProxies,
	})
	if err != nil {
		util.Fatal(logger, "failed to init server", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := appCore.Start(ctx); err != nil {
		util.Fatal(logger, "failed to start workers", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("scanner server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
