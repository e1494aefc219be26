package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/hyacinthwatch/backend/internal/inference"
	"github.com/hyacinthwatch/backend/internal/observations"
	"github.com/hyacinthwatch/backend/pkg/config"
	"github.com/hyacinthwatch/backend/pkg/db/models"
	"github.com/hyacinthwatch/backend/pkg/enums"
	pkgerrors "github.com/hyacinthwatch/backend/pkg/errors"
	"github.com/hyacinthwatch/backend/pkg/logger"
	"github.com/hyacinthwatch/backend/pkg/metrics"
	"github.com/hyacinthwatch/backend/pkg/storage/blob"
	"github.com/hyacinthwatch/backend/pkg/types"
)

type metaLoader interface {
	Load(ctx context.Context, task, version string) (inference.ModelMeta, error)
}

type awardService interface {
	AwardForPresence(ctx context.Context, obs *models.Observation, presence models.PresenceResult) (int, error)
	AwardForSegmentation(ctx context.Context, obs *models.Observation, presence models.PresenceResult, seg models.SegResult) (int, error)
}

// OrchestratorParams collects the orchestrator's collaborators.
type OrchestratorParams struct {
	Repo       observations.Store
	BlobStore  blob.Store
	Models     metaLoader
	Classifier inference.PresenceClassifier
	Segmenter  inference.Segmenter
	Dispatcher Dispatcher
	Awards     awardService
	Pipeline   config.PipelineConfig
	Blob       config.BlobConfig
	Metrics    *metrics.PipelineMetrics
	Logger     *logger.Logger
}

// Orchestrator runs the async pipeline stages against one observation at a
// time. Stage handlers are idempotent and safe under at-least-once delivery.
type Orchestrator struct {
	repo       observations.Store
	blobStore  blob.Store
	models     metaLoader
	classifier inference.PresenceClassifier
	segmenter  inference.Segmenter
	dispatcher Dispatcher
	awards     awardService
	cfg        config.PipelineConfig
	blobCfg    config.BlobConfig
	metrics    *metrics.PipelineMetrics
	logg       *logger.Logger
	now        func() time.Time
}

// NewOrchestrator validates params and builds the orchestrator.
func NewOrchestrator(params OrchestratorParams) (*Orchestrator, error) {
	if params.Repo == nil {
		return nil, errors.New("observation store is required")
	}
	if params.BlobStore == nil {
		return nil, errors.New("blob store is required")
	}
	if params.Models == nil {
		return nil, errors.New("model registry is required")
	}
	if params.Classifier == nil {
		return nil, errors.New("presence classifier is required")
	}
	if params.Segmenter == nil {
		return nil, errors.New("segmenter is required")
	}
	if params.Awards == nil {
		return nil, errors.New("award service is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Orchestrator{
		repo:       params.Repo,
		blobStore:  params.BlobStore,
		models:     params.Models,
		classifier: params.Classifier,
		segmenter:  params.Segmenter,
		dispatcher: params.Dispatcher,
		awards:     params.Awards,
		cfg:        params.Pipeline,
		blobCfg:    params.Blob,
		metrics:    params.Metrics,
		logg:       params.Logger,
		now:        time.Now,
	}, nil
}

// SetDispatcher installs the stage dispatcher after construction. The inline
// dispatcher needs the orchestrator first, so wiring is two-step there.
func (o *Orchestrator) SetDispatcher(d Dispatcher) {
	o.dispatcher = d
}

// HandlePresence classifies the observation's image and merges pred.presence.
// Terminal failures persist status=error and return a terminal-coded error;
// transient failures return a retryable error for redelivery.
func (o *Orchestrator) HandlePresence(ctx context.Context, observationID uuid.UUID) error {
	started := o.now()
	ctx = o.logg.WithStage(o.logg.WithObservationID(ctx, observationID.String()), enums.StagePresence.String())

	err := o.handlePresence(ctx, observationID)
	o.metrics.ObserveStageDuration(enums.StagePresence.String(), o.now().Sub(started))
	if err != nil {
		o.metrics.IncStageFailure(enums.StagePresence.String())
		return err
	}
	o.metrics.IncStageSuccess(enums.StagePresence.String())
	return nil
}

func (o *Orchestrator) handlePresence(ctx context.Context, observationID uuid.UUID) error {
	obs, err := o.repo.FindByID(ctx, observationID)
	if err != nil {
		return err
	}
	if obs.Status.IsTerminal() {
		o.logg.Info(ctx, "observation already terminal, skipping presence")
		return nil
	}
	if obs.HasPresence() {
		// a redelivered task lands here when the first delivery recorded
		// presence but failed to dispatch segmentation; finishing the dispatch
		// is what makes the handoff at-least-once
		if _, done := models.SegFromPred(obs.Pred); !done {
			if err := o.dispatcher.Dispatch(ctx, enums.StageSegmentation, observationID, 0); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "dispatching segmentation")
			}
			o.logg.Info(ctx, "presence already recorded, segmentation re-dispatched")
			return nil
		}
		o.logg.Info(ctx, "presence already recorded, skipping")
		return nil
	}

	imageBytes, err := o.resolveImage(ctx, obs)
	if err != nil {
		return o.failTerminal(ctx, observationID, err)
	}

	meta, err := o.models.Load(ctx, enums.StagePresence.String(), o.cfg.PresenceModelVersion)
	if err != nil {
		// no local fallback for presence; redelivery or the orphan sweep retries
		return err
	}

	score, err := o.classifier.Classify(ctx, imageBytes, meta)
	if err != nil {
		if pkgerrors.IsTerminal(err) {
			return o.failTerminal(ctx, observationID, err)
		}
		return err
	}

	threshold := o.cfg.PresenceThreshold
	if threshold <= 0 {
		threshold = meta.Threshold
	}

	result := models.PresenceResult{
		Score:        score,
		Label:        enums.LabelForScore(score, threshold),
		ModelVersion: meta.Version,
		Threshold:    threshold,
	}

	saved, err := o.repo.MergeSave(ctx, observationID, o.cfg.MergeMaxAttempts, func(cur *models.Observation) error {
		cur.Pred = cur.Pred.Clone()
		cur.Pred[models.PredKeyPresence] = result.AsPredEntry()
		if cur.Status == enums.ObservationStatusReceived {
			cur.Status = enums.ObservationStatusProcessing
		}
		return nil
	})
	if err != nil {
		return err
	}

	o.logg.Info(ctx, fmt.Sprintf("presence recorded: label=%s score=%.3f threshold=%.3f", result.Label, result.Score, result.Threshold))

	// award from the values just computed, not a re-read of possibly-stale state
	if _, err := o.awards.AwardForPresence(ctx, saved, result); err != nil {
		o.logg.Error(ctx, "presence award failed", err)
	}

	// segmentation runs regardless of label; the label only gates gamification.
	// A failed dispatch surfaces as an error so the broker redelivers; the
	// redelivery takes the presence-already-recorded path and retries the
	// dispatch without re-running the classifier or the award.
	if err := o.dispatcher.Dispatch(ctx, enums.StageSegmentation, observationID, 0); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "dispatching segmentation")
	}

	return nil
}

// HandleSegmentation produces a coverage mask and merges pred.seg. The model
// path falls back to a grayscale threshold so the stage never aborts on model
// unavailability.
func (o *Orchestrator) HandleSegmentation(ctx context.Context, observationID uuid.UUID) error {
	started := o.now()
	ctx = o.logg.WithStage(o.logg.WithObservationID(ctx, observationID.String()), enums.StageSegmentation.String())

	err := o.handleSegmentation(ctx, observationID)
	o.metrics.ObserveStageDuration(enums.StageSegmentation.String(), o.now().Sub(started))
	if err != nil {
		o.metrics.IncStageFailure(enums.StageSegmentation.String())
		return err
	}
	o.metrics.IncStageSuccess(enums.StageSegmentation.String())
	return nil
}

func (o *Orchestrator) handleSegmentation(ctx context.Context, observationID uuid.UUID) error {
	obs, err := o.repo.FindByID(ctx, observationID)
	if err != nil {
		return err
	}
	if obs.Status == enums.ObservationStatusError {
		o.logg.Info(ctx, "observation in error state, skipping segmentation")
		return nil
	}
	if _, done := models.SegFromPred(obs.Pred); done {
		o.logg.Info(ctx, "segmentation already recorded, skipping")
		return nil
	}

	imageBytes, err := o.resolveImage(ctx, obs)
	if err != nil {
		return o.failTerminal(ctx, observationID, err)
	}

	mask, version, err := o.segment(ctx, imageBytes)
	if err != nil {
		if pkgerrors.IsTerminal(err) {
			return o.failTerminal(ctx, observationID, err)
		}
		return err
	}

	result := models.SegResult{
		CoverPct:     mask.CoveragePercent,
		ModelVersion: version,
	}

	// mask upload is best-effort: losing the reference must not lose coverage
	if ref, uploadErr := o.blobStore.Upload(ctx, o.blobCfg.MasksBucket,
		fmt.Sprintf("%s/mask.png", observationID), mask.PNG, "image/png"); uploadErr != nil {
		o.logg.Warn(ctx, fmt.Sprintf("mask upload failed, recording coverage only: %v", uploadErr))
	} else {
		result.MaskRef = ref.String()
	}

	saved, err := o.repo.MergeSave(ctx, observationID, o.cfg.MergeMaxAttempts, func(cur *models.Observation) error {
		cur.Pred = cur.Pred.Clone()
		cur.Pred[models.PredKeySeg] = result.AsPredEntry()
		delete(cur.Pred, models.PredKeyMonitorRetries)
		cur.Status = enums.ObservationStatusDone
		return nil
	})
	if err != nil {
		return err
	}

	o.logg.Info(ctx, fmt.Sprintf("segmentation recorded: cover_pct=%.1f model=%s", result.CoverPct, result.ModelVersion))

	// the award gate reads presence from the same re-fetch the merge used
	if presence, ok := models.PresenceFromPred(saved.Pred); ok {
		if _, err := o.awards.AwardForSegmentation(ctx, saved, presence, result); err != nil {
			o.logg.Error(ctx, "segmentation award failed", err)
		}
	}

	return nil
}

// segment runs the model path, falling back to the threshold mask on any
// model failure.
func (o *Orchestrator) segment(ctx context.Context, imageBytes []byte) (inference.Mask, string, error) {
	meta, err := o.models.Load(ctx, enums.StageSegmentation.String(), o.cfg.SegModelVersion)
	if err == nil {
		mask, segErr := o.segmenter.Segment(ctx, imageBytes, meta)
		if segErr == nil {
			return mask, meta.Version, nil
		}
		if pkgerrors.IsTerminal(segErr) {
			return inference.Mask{}, "", segErr
		}
		err = segErr
	}

	o.logg.Warn(ctx, fmt.Sprintf("segmentation model unavailable, using threshold fallback: %v", err))
	fallback := inference.ThresholdSegmenter{Cutoff: o.cfg.SegFallbackThreshold}
	mask, err := fallback.Segment(ctx, imageBytes, inference.ModelMeta{})
	if err != nil {
		return inference.Mask{}, "", err
	}
	return mask, o.cfg.SegModelVersion + inference.FallbackVersionSuffix, nil
}

// resolveImage fetches the observation's image bytes: blob reference first,
// then the legacy local path. No bytes from any source is terminal.
func (o *Orchestrator) resolveImage(ctx context.Context, obs *models.Observation) ([]byte, error) {
	if obs.ImageRef != nil && *obs.ImageRef != "" {
		ref, err := types.ParseBlobRef(*obs.ImageRef)
		if err == nil {
			data, err := o.blobStore.Download(ctx, ref.Bucket, ref.Path)
			if err == nil {
				return data, nil
			}
			o.logg.Warn(ctx, fmt.Sprintf("blob download failed: %v", err))
		} else {
			o.logg.Warn(ctx, fmt.Sprintf("malformed image reference: %v", err))
		}
	}

	if obs.ImagePath != nil && *obs.ImagePath != "" {
		data, err := os.ReadFile(*obs.ImagePath)
		if err == nil {
			return data, nil
		}
		o.logg.Warn(ctx, fmt.Sprintf("local image read failed: %v", err))
	}

	return nil, pkgerrors.New(pkgerrors.CodeImageUnavailable, "no image bytes obtainable from any source")
}

// failTerminal persists status=error for an unrecoverable stage failure and
// passes the terminal error through for the consumer to ack.
func (o *Orchestrator) failTerminal(ctx context.Context, observationID uuid.UUID, cause error) error {
	o.logg.Error(ctx, "stage failed terminally", cause)
	if _, err := o.repo.MergeSave(ctx, observationID, o.cfg.MergeMaxAttempts, func(cur *models.Observation) error {
		cur.Status = enums.ObservationStatusError
		return nil
	}); err != nil {
		o.logg.Error(ctx, "persisting terminal status failed", err)
		return err
	}
	return cause
}
