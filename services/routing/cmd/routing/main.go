package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"helpdesk/internal/ratelimit"
	"helpdesk/internal/usertoken"
	"helpdesk/internal/util"
	"helpdesk/pkg/ai"
	"helpdesk/pkg/events"
	"helpdesk/pkg/queue"
	"helpdesk/pkg/recommend"
	"helpdesk/pkg/store"
	"helpdesk/services/routing/internal/app"
	"helpdesk/services/routing/internal/config"
	"helpdesk/services/routing/internal/server"
)

func main() {
	configPath := pflag.String("config", config.ConfigPath, "path to config.yaml")
	envFile := pflag.String("env-file", ".env", "optional dotenv file loaded before the environment is read")
	pflag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel, "routing")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}
	defer dataStore.Close()

	generator, err := ai.NewGenerator(ctx, ai.Config{
		Provider: cfg.LLM.Provider,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
	})
	if err != nil {
		util.Fatal("failed to init llm backend", "provider", cfg.LLM.Provider, "err", err)
	}
	if closer, ok := generator.(io.Closer); ok {
		defer closer.Close()
	}
	gateway := recommend.New(recommend.Config{
		Generator:       generator,
		ModelID:         cfg.LLM.Model,
		Timeout:         time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		BreakerFailures: uint32(max(cfg.LLM.BreakerFailures, 0)),
		BreakerCooldown: time.Duration(cfg.LLM.BreakerCooldownSeconds) * time.Second,
	})

	jobs, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		Stream:        cfg.Queue.Stream,
		Group:         cfg.Queue.Group,
		MaxRetries:    cfg.Queue.MaxRetries,
		RetryDelay:    time.Duration(cfg.Queue.RetryDelayMs) * time.Millisecond,
		MaxRetryDelay: time.Duration(cfg.Queue.MaxRetryDelayMs) * time.Millisecond,
		ClaimIdle:     time.Duration(cfg.Queue.ClaimIdleMs) * time.Millisecond,
	})
	if err != nil {
		util.Fatal("failed to init job queue", "err", err)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			util.Fatal("failed to init assignment event publisher", "err", err)
		}
		publisher = amqpPublisher
	}
	defer publisher.Close()

	appCore, err := app.New(app.Config{
		Store:            dataStore,
		Gateway:          gateway,
		Jobs:             jobs,
		Events:           publisher,
		SummaryCacheSize: cfg.SummaryCacheSize,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	verifier, err := usertoken.NewVerifier(util.ContextWithLogger(ctx, logger.With("component", "auth")), usertoken.Config{
		JWKSURL:  cfg.AuthJWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}
	defer verifier.Close()

	var claimLimiter *ratelimit.FixedWindowLimiter
	if cfg.ClaimRateLimit > 0 {
		claimLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "helpdesk:routing:ratelimit:claim",
			cfg.ClaimRateLimit, time.Duration(cfg.ClaimRateWindowSeconds)*time.Second)
		if err != nil {
			util.Fatal("failed to init claim limiter", "err", err)
		}
	}

	httpServer, err := server.New(server.Config{
		App:           appCore,
		TokenVerifier: verifier,
		ClaimLimiter:  claimLimiter,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	jobs.Start(util.ContextWithLogger(gctx, logger.With("component", "jobs")), cfg.Queue.Concurrency, appCore.HandleJob)
	g.Go(func() error {
		slog.Info("routing server listening", "addr", addr, "llm_provider", cfg.LLM.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		return jobs.Close()
	})
	if err := g.Wait(); err != nil {
		logger.Error("routing service stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("routing service stopped")
}
