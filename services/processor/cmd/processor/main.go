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
	"kmsai/services/processor/internal/app"
	"kmsai/services/processor/internal/config"
	"kmsai/services/processor/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	appCore, err := app.New(app.Config{
		DatabaseURL:        cfg.DatabaseURL,
		RedisAddr:          cfg.RedisAddr,
		RedisPassword:      cfg.RedisPassword,
		QueueName:          cfg.ProcessQueueName,
		RetryQueueName:     cfg.RetryQueueName,
		QueueGroup:         cfg.QueueGroup,
		Workers:            cfg.ProcessWorkers,
		RetryWorkers:       cfg.RetryWorkers,
		MaxRetries:         cfg.MaxRetries,
		RetryDelay:         time.Duration(cfg.RetryDelaySeconds) * time.Second,
		StaleAfter:         time.Duration(cfg.StaleChunkingMinutes) * time.Minute,
		ScannerURL:         cfg.ScannerURL,
		ServiceTokenSecret: cfg.ServiceTokenSecret,
		ChunkerMode:        cfg.ChunkerMode,
		LLM: ai.ProviderConfig{
			Provider: cfg.LLMProvider,
			BaseURL:  cfg.LLMBaseURL,
			APIKey:   cfg.LLMAPIKey,
			Model:    cfg.LLMModel,
		},
		ChunkerTimeout: time.Duration(cfg.ChunkerTimeoutSeconds) * time.Second,
	})
	if err != nil {
		util.Fatal(logger, "failed to init app", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:                appCore,
		ServiceTokenSecret: cfg.ServiceTokenSecret,
	})
	if err != nil {
		util.Fatal(logger, "failed to init server", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	appCore.Start(ctx)

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

	slog.Info("processor server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
