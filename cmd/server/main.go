// Command server starts the medical chat HTTP server.
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

	goredis "github.com/redis/go-redis/v9"

	geminicli "github.com/fairyhunter13/ai-medical-chat/internal/adapter/ai/gemini"
	rediscache "github.com/fairyhunter13/ai-medical-chat/internal/adapter/cache/redis"
	httpserver "github.com/fairyhunter13/ai-medical-chat/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-medical-chat/internal/adapter/observability"
	"github.com/fairyhunter13/ai-medical-chat/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ai-medical-chat/internal/adapter/repo/postgres"
	qdrantcli "github.com/fairyhunter13/ai-medical-chat/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/ai-medical-chat/internal/app"
	"github.com/fairyhunter13/ai-medical-chat/internal/config"
	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
	"github.com/fairyhunter13/ai-medical-chat/internal/service/keypool"
	"github.com/fairyhunter13/ai-medical-chat/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	roles, err := config.LoadRolesConfig("")
	if err != nil {
		slog.Error("roles config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Infra: DB pool
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var threads domain.ThreadRepository = postgres.NewThreadRepo(pool)

	// Optional Redis recent-window cache in front of the thread store.
	var redisClient *goredis.Client
	if cfg.RedisURL != "" {
		redisClient, err = rediscache.NewClient(cfg.RedisURL)
		if err != nil {
			slog.Error("redis connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = redisClient.Close() }()
		threads = rediscache.New(redisClient, threads, cfg.HistoryWindow, 24*time.Hour)
		slog.Info("session cache enabled")
	}

	// Credential pool
	creds := cfg.Credentials()
	pl, err := keypool.New(creds, keypool.Options{
		Weights:           cfg.GeminiKeyWeights,
		DefaultCooldown:   cfg.DefaultCooldown,
		TransientCooldown: cfg.TransientCooldown,
	})
	if err != nil {
		slog.Error("keypool init failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("credential pool ready", slog.Int("credentials", len(creds)))

	// Generation and retrieval adapters
	gen := geminicli.New(cfg.GeminiBaseURL)
	invoker := usecase.NewInvoker(gen, pl, cfg.GeminiModel, cfg.FallbackMessage, cfg.LLMRetryTimeout)

	qcli := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey, cfg.EmbedModel)
	if err := qcli.EnsureCollection(ctx, cfg.MemoryCollection, 384, "Cosine"); err != nil {
		slog.Warn("memory collection bootstrap failed", slog.Any("error", err))
	}
	retriever := usecase.NewRetriever(qcli, cfg.RetrievalTopK)

	// Analytics producer is optional; the service runs without brokers.
	var events domain.TurnEventQueue
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaBrokers[0] != "" {
		producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			slog.Error("redpanda producer connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = producer.Close() }()
		events = producer
	}

	memory := usecase.NewMemoryWriter([]domain.MemoryStore{
		&qdrantcli.MemoryStore{Client: qcli, Collection: cfg.MemoryCollection},
	}, 10*time.Second)

	loop := usecase.NewLoop(invoker, retriever, roles, cfg.MaxRetrievalLoops)
	supervisor := usecase.NewSupervisor(loop, usecase.SupervisorOptions{
		Threads:       threads,
		Events:        events,
		Memory:        memory,
		Deadline:      cfg.TurnDeadline,
		HistoryWindow: cfg.HistoryWindow,
		OverloadMsg:   cfg.OverloadMessage,
	})

	dbCheck, redisCheck, qdrantCheck := app.BuildReadinessChecks(cfg, pool, redisClient)

	srv := httpserver.NewServer(cfg, supervisor, threads, dbCheck, redisCheck, qdrantCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
