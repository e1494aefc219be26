package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hyacinthwatch/backend/internal/cron"
	"github.com/hyacinthwatch/backend/internal/observations"
	"github.com/hyacinthwatch/backend/internal/orphan"
	"github.com/hyacinthwatch/backend/internal/pipeline"
	"github.com/hyacinthwatch/backend/pkg/config"
	"github.com/hyacinthwatch/backend/pkg/db"
	"github.com/hyacinthwatch/backend/pkg/logger"
	"github.com/hyacinthwatch/backend/pkg/metrics"
	"github.com/hyacinthwatch/backend/pkg/migrate"
	"github.com/hyacinthwatch/backend/pkg/pubsub"
	"github.com/hyacinthwatch/backend/pkg/redis"
)

const sweepLockScope = "orphan-sweep"

func main() {
	logg := logger.New(logger.Options{ServiceName: "orphan-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "orphan-worker"

	logg = logger.New(logger.Options{
		ServiceName: "orphan-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, cfg.FeatureFlags, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub", err)
		}
	}()

	dispatcher, err := pipeline.NewPubSubDispatcher(
		pubsubClient.PresencePublisher(),
		pubsubClient.SegmentationPublisher(),
		logg,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create stage dispatcher", err)
		os.Exit(1)
	}

	pipelineMetrics := metrics.NewPipelineMetrics(prometheus.DefaultRegisterer)
	sweepJob, err := orphan.NewJob(
		observations.NewRepository(dbClient.DB()),
		dispatcher,
		cfg.Orphan,
		pipelineMetrics,
		logg,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create orphan sweep job", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(sweepLockScope), cfg.Orphan.LockTTL())
	if err != nil {
		logg.Error(context.Background(), "failed to create sweep lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(sweepJob),
		Lock:     lock,
		Metrics:  metrics.NewJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Orphan.SweepInterval(),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create sweep service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting orphan worker")

	opsServer := newOpsServer(cfg.App.Port)
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "ops server stopped unexpectedly", err)
		}
	}()
	defer func() {
		_ = opsServer.Close()
	}()

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "orphan worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "orphan worker shutting down gracefully")
}

func newOpsServer(port string) *http.Server {
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: ":" + port, Handler: router}
}
