package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mailforge/platform/internal/api"
	"github.com/mailforge/platform/internal/config"
	"github.com/mailforge/platform/internal/contacts"
	"github.com/mailforge/platform/internal/events"
	"github.com/mailforge/platform/internal/mailer"
	"github.com/mailforge/platform/internal/pkg/distlock"
	"github.com/mailforge/platform/internal/pkg/logger"
	"github.com/mailforge/platform/internal/queue"
	"github.com/mailforge/platform/internal/sequence"
	"github.com/mailforge/platform/internal/token"
	"github.com/mailforge/platform/internal/tracking"
	"github.com/mailforge/platform/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		logger.SetLevel(logger.ParseLevel(lvl))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	// Token layer.
	signer := token.NewSigner(cfg.Tracking.Secret)
	unsubCodec, err := token.NewUnsubscribeCodec([]byte(cfg.Tracking.EncryptionKey))
	if err != nil {
		return fmt.Errorf("unsubscribe codec: %w", err)
	}

	// Sending.
	sesMailer, err := mailer.NewSESMailer(ctx, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
	if err != nil {
		return fmt.Errorf("ses mailer: %w", err)
	}

	// Core services.
	jobQueue := queue.New(redisClient)
	recorder := events.NewRecorder(db)
	stats := events.NewStats(db)
	seqStore := sequence.NewStore(db)
	contactStore := contacts.NewStore(db)
	injector := tracking.NewInjector(signer, unsubCodec, cfg.Tracking.BaseURL)
	engine := sequence.NewEngine(seqStore, jobQueue, sesMailer, mailer.NewRenderer(), recorder, injector)

	lock := distlock.NewLock(redisClient, db, cfg.Worker.LockKey,
		time.Duration(cfg.Worker.LockTTLSecs)*time.Second)
	processor := worker.NewProcessor(jobQueue, engine, lock)
	processor.SetBatchSize(cfg.Worker.BatchSize)

	trackingHandler := tracking.NewHandler(signer, unsubCodec, recorder, contactStore, engine)
	handlers := api.NewHandlers(processor, stats, jobQueue)
	server := api.NewServer(trackingHandler.Routes(), handlers, cfg.Server.AllowedOrigins)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr())
		if err := server.ListenAndServe(cfg.Server.Addr()); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
