package main

import (
	"chatsink/backend/internal/api/handler"
	"chatsink/backend/internal/backfill"
	"chatsink/backend/internal/config"
	"chatsink/backend/internal/ingest"
	"chatsink/backend/internal/pii"
	"chatsink/backend/internal/platform"
	"chatsink/backend/internal/ratelimit"
	"chatsink/backend/internal/storage"
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}

// newProgressStore picks Redis when configured, memory otherwise.
func newProgressStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.ProgressStore, *redis.Client) {
	if cfg.RedisURL == "" {
		logger.Info().Msg("using in-memory progress store")
		return storage.NewMemoryProgressStore(cfg.BackfillRetention), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	logger.Info().Msg("connected to Redis")
	return storage.NewRedisProgressStore(rdb, cfg.BackfillRetention), rdb
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := newLogger(cfg)

	// 1. PostgreSQL + migrations
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL is not set")
	}
	db, err := storage.OpenPostgres(cfg.DatabaseURL, cfg.IsDevelopment())
	if err != nil {
		logger.Fatal().Err(err).Msg("database setup failed")
	}
	store := storage.NewStorageService(db)
	logger.Info().Msg("connected to PostgreSQL, migrations complete")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Progress store (Redis when REDIS_URL is set)
	progress, rdb := newProgressStore(ctx, cfg, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	// 3. Dependencies
	var scanner pii.Scanner = pii.NopScanner{}
	if cfg.PIIScannerURL != "" {
		scanner = pii.NewHTTPScanner(cfg.PIIScannerURL, nil)
	}

	api := platform.NewClient(platform.ClientOptions{
		BaseURL:   cfg.PlatformAPIURL,
		Token:     cfg.PlatformToken,
		UserAgent: "chatsink/1.0",
	})

	processor := ingest.NewProcessor(store, scanner, logger)
	orchestrator := backfill.NewOrchestrator(api, processor, progress, logger, backfill.Limits{
		MinDelay:            cfg.BackfillMinDelay,
		MaxPageSize:         cfg.BackfillMaxPageSize,
		MaxRateLimitRetries: config.MaxRateLimitRetries,
		Backoff:             ratelimit.DefaultPolicy,
	})

	// 4. Background loops
	sweeper := ingest.NewRetrySweeper(store, processor, logger)
	sweeper.Interval = cfg.RetryInterval
	sweeper.MaxAttempts = cfg.RetryMaxAttempts
	sweeper.BatchSize = cfg.RetryBatchSize
	go sweeper.Run(ctx) // failed audit rows

	go storage.RunSweeper(ctx, progress, config.ProgressSweepInterval, func(n int, err error) {
		if err != nil {
			logger.Warn().Err(err).Msg("progress sweep failed")
			return
		}
		if n > 0 {
			logger.Debug().Int("removed", n).Msg("expired backfill snapshots removed")
		}
	})

	// 5. Gin and routes
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	opts := handler.Options{
		Processor:     processor,
		Backfills:     orchestrator,
		Platform:      api,
		DB:            store,
		SigningSecret: cfg.SigningSecret,
		JWTSecret:     cfg.JWTSecret,
		Logger:        logger,
	}
	if rdb != nil {
		opts.Redis = handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}
	handler.NewHandler(opts).Register(r)

	server := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting chatsink server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// HTTP first, then backfills, then webhook events still in flight.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	backfillCtx, cancelBackfills := context.WithTimeout(shutdownCtx, config.BackfillShutdownWait)
	defer cancelBackfills()
	if err := orchestrator.Shutdown(backfillCtx); err != nil {
		logger.Warn().Err(err).Msg("backfills did not stop in time")
	}
	processor.Wait()

	logger.Info().Msg("server stopped")
}
