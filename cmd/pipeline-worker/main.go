package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"

	"github.com/hyacinthwatch/backend/pkg/config"
	"github.com/hyacinthwatch/backend/pkg/db"
	"github.com/hyacinthwatch/backend/pkg/instance"
	"github.com/hyacinthwatch/backend/pkg/logger"
	"github.com/hyacinthwatch/backend/pkg/migrate"
	"github.com/hyacinthwatch/backend/pkg/pubsub"
	"github.com/hyacinthwatch/backend/pkg/storage/blob"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "pipeline-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "pipeline-worker"

	logg = logger.New(logger.Options{
		ServiceName: "pipeline-worker",
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

	blobClient, err := blob.NewClient(context.Background(), cfg.Blob, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap blob storage", err)
		os.Exit(1)
	}

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

	service, err := NewService(ServiceParams{
		Config: cfg,
		Logger: logg,
		DB:     dbClient,
		Blob:   blobClient,
		PubSub: pubsubClient,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create pipeline worker", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
	})
	logg.Info(ctx, "starting pipeline worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "pipeline worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "pipeline worker shutting down gracefully")
}
