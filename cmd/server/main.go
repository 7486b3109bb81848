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

	"github.com/Priya8975/webhook-dispatcher/internal/api"
	"github.com/Priya8975/webhook-dispatcher/internal/config"
	"github.com/Priya8975/webhook-dispatcher/internal/engine"
	"github.com/Priya8975/webhook-dispatcher/internal/metrics"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	ws "github.com/Priya8975/webhook-dispatcher/internal/websocket"
	"github.com/Priya8975/webhook-dispatcher/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	redisClient, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(reg)

	hub := ws.NewHub(logger)
	queue := engine.NewRedisQueue(redisClient)
	breaker := engine.NewCircuitBreaker(redisClient, logger)
	limiter := engine.NewRateLimiter(redisClient, logger)
	retry := engine.RetryPolicy{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay}

	registry := engine.NewRegistry(st, logger)
	matcher := engine.NewMatcher(registry, st, queue, m, logger)
	deliverer := worker.NewDeliverer(st, queue, breaker, limiter, retry, hub, m, logger)
	pool := worker.NewPool(cfg.NumWorkers, deliverer, logger)
	dispatcher := worker.NewDispatcher(queue, pool, logger)
	sweeper := worker.NewSweeper(st, queue, engine.NewSweepLock(redisClient), m, logger, cfg.SweepInterval, cfg.PendingRecoveryAge)

	router := api.NewRouter(api.Services{
		Registry:  registry,
		Matcher:   matcher,
		Deliverer: deliverer,
		Store:     st,
		Queue:     queue,
		Breaker:   breaker,
		Hub:       hub,
		Metrics:   m,
		Health: map[string]api.Pinger{
			"store": st,
			"redis": api.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
		},
		Logger: logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	pool.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		dispatcher.Start(gctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port, "store", cfg.StoreDriver, "workers", cfg.NumWorkers)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// In-flight attempts finish before the stores are closed.
	pool.Stop()
	return err
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		logger.Info("connected to PostgreSQL")

		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("database migrations applied")
		return pg, nil

	case config.DriverMongo:
		mg, err := store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("connecting to mongodb: %w", err)
		}
		logger.Info("connected to MongoDB", "database", cfg.MongoDatabase)
		return mg, nil

	default:
		logger.Warn("using in-memory store, data is lost on restart")
		return store.NewMemoryStore(nil), nil
	}
}
