package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hyacinthwatch/backend/internal/gamification"
	"github.com/hyacinthwatch/backend/internal/inference"
	"github.com/hyacinthwatch/backend/internal/observations"
	"github.com/hyacinthwatch/backend/internal/pipeline"
	"github.com/hyacinthwatch/backend/pkg/config"
	"github.com/hyacinthwatch/backend/pkg/db"
	"github.com/hyacinthwatch/backend/pkg/enums"
	"github.com/hyacinthwatch/backend/pkg/logger"
	"github.com/hyacinthwatch/backend/pkg/metrics"
	"github.com/hyacinthwatch/backend/pkg/pubsub"
	"github.com/hyacinthwatch/backend/pkg/storage/blob"
)

type ServiceParams struct {
	Config *config.Config
	Logger *logger.Logger
	DB     *db.Client
	Blob   *blob.Client
	PubSub *pubsub.Client
}

type Service struct {
	cfg       *config.Config
	logg      *logger.Logger
	db        *db.Client
	blob      *blob.Client
	pubsub    *pubsub.Client
	consumers []*pipeline.Consumer
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Blob == nil {
		return nil, errors.New("blob client is required")
	}
	if params.PubSub == nil {
		return nil, errors.New("pubsub client is required")
	}

	cfg := params.Config
	logg := params.Logger

	obsRepo := observations.NewRepository(params.DB.DB())
	awards, err := gamification.NewService(gamification.NewRepository(params.DB.DB()), logg)
	if err != nil {
		return nil, fmt.Errorf("wiring award service: %w", err)
	}

	pipelineMetrics := metrics.NewPipelineMetrics(prometheus.DefaultRegisterer)
	registry := inference.NewRegistry(params.Blob, cfg.Blob.ModelsBucket)

	orch, err := pipeline.NewOrchestrator(pipeline.OrchestratorParams{
		Repo:       obsRepo,
		BlobStore:  params.Blob,
		Models:     registry,
		Classifier: inference.GreennessClassifier{},
		Segmenter:  inference.GreennessSegmenter{},
		Awards:     awards,
		Pipeline:   cfg.Pipeline,
		Blob:       cfg.Blob,
		Metrics:    pipelineMetrics,
		Logger:     logg,
	})
	if err != nil {
		return nil, fmt.Errorf("wiring orchestrator: %w", err)
	}

	if cfg.FeatureFlags.InlineStages {
		dispatcher, err := pipeline.NewInlineDispatcher(orch, logg)
		if err != nil {
			return nil, fmt.Errorf("wiring inline dispatcher: %w", err)
		}
		orch.SetDispatcher(dispatcher)
	} else {
		dispatcher, err := pipeline.NewPubSubDispatcher(
			params.PubSub.PresencePublisher(),
			params.PubSub.SegmentationPublisher(),
			logg,
		)
		if err != nil {
			return nil, fmt.Errorf("wiring pubsub dispatcher: %w", err)
		}
		orch.SetDispatcher(dispatcher)
	}

	presenceConsumer, err := pipeline.NewConsumer(enums.StagePresence, params.PubSub.PresenceSubscription(), orch, logg)
	if err != nil {
		return nil, fmt.Errorf("wiring presence consumer: %w", err)
	}
	segmentationConsumer, err := pipeline.NewConsumer(enums.StageSegmentation, params.PubSub.SegmentationSubscription(), orch, logg)
	if err != nil {
		return nil, fmt.Errorf("wiring segmentation consumer: %w", err)
	}

	return &Service{
		cfg:       cfg,
		logg:      logg,
		db:        params.DB,
		blob:      params.Blob,
		pubsub:    params.PubSub,
		consumers: []*pipeline.Consumer{presenceConsumer, segmentationConsumer},
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	if err := pingDependency(ctx, s.logg, "blob storage", s.blob.Ping); err != nil {
		return err
	}
	if err := pingDependency(ctx, s.logg, "pubsub", s.pubsub.Ping); err != nil {
		return err
	}
	s.logg.Info(ctx, "all pipeline worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	opsServer := s.newOpsServer()
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logg.Error(ctx, "ops server stopped unexpectedly", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = opsServer.Shutdown(shutdownCtx)
	}()

	errCh := make(chan error, len(s.consumers))
	for _, consumer := range s.consumers {
		c := consumer
		go func() {
			errCh <- c.Run(ctx)
		}()
	}

	select {
	case <-ctx.Done():
		s.logg.Info(ctx, "pipeline worker context canceled")
		return ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logg.Error(ctx, "consumer stopped unexpectedly", err)
			return err
		}
		return err
	}
}

// newOpsServer serves liveness and Prometheus scrapes on the app port.
func (s *Service) newOpsServer() *http.Server {
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.ensureReadiness(r.Context()); err != nil {
			http.Error(w, "dependencies unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:    ":" + s.cfg.App.Port,
		Handler: router,
	}
}
