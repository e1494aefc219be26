package orphan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/hyacinthwatch/backend/internal/observations"
	"github.com/hyacinthwatch/backend/pkg/config"
	"github.com/hyacinthwatch/backend/pkg/db/models"
	"github.com/hyacinthwatch/backend/pkg/enums"
	"github.com/hyacinthwatch/backend/pkg/logger"
	"github.com/hyacinthwatch/backend/pkg/metrics"
)

// JobName identifies the sweep in logs and metrics.
const JobName = "orphan-presence-sweep"

// errCandidateSettled aborts a merge when the freshly loaded row no longer
// needs recovery: the candidate list is a snapshot, and the pipeline may have
// finished the observation between selection and the merge.
var errCandidateSettled = errors.New("candidate settled since selection")

const (
	backoffBase = 60 * time.Second
	backoffCap  = time.Hour
)

type stageDispatcher interface {
	Dispatch(ctx context.Context, stage enums.Stage, observationID uuid.UUID, delay time.Duration) error
}

// Job re-dispatches observations stuck before presence classification. One
// candidate failing never stops the rest of the sweep.
type Job struct {
	repo       observations.Store
	dispatcher stageDispatcher
	cfg        config.OrphanConfig
	metrics    *metrics.PipelineMetrics
	logg       *logger.Logger
	now        func() time.Time
}

// NewJob builds the sweep job.
func NewJob(repo observations.Store, dispatcher stageDispatcher, cfg config.OrphanConfig, m *metrics.PipelineMetrics, logg *logger.Logger) (*Job, error) {
	if repo == nil {
		return nil, errors.New("observation store is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Job{
		repo:       repo,
		dispatcher: dispatcher,
		cfg:        cfg,
		metrics:    m,
		logg:       logg,
		now:        time.Now,
	}, nil
}

// Name implements cron.Job.
func (j *Job) Name() string { return JobName }

// Run implements cron.Job.
func (j *Job) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.cfg.Delay())
	candidates, err := j.repo.FindOrphanCandidates(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing orphan candidates: %w", err)
	}

	var errs error
	for _, candidate := range candidates {
		j.metrics.IncSweepOutcome("candidate")
		if err := j.processCandidate(ctx, candidate); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("candidate %s: %w", candidate.ID, err))
		}
	}
	return errs
}

func (j *Job) processCandidate(ctx context.Context, candidate models.Observation) error {
	ctx = j.logg.WithObservationID(ctx, candidate.ID.String())
	retries := candidate.MonitorRetries()

	if retries >= j.cfg.MaxRetries {
		if _, err := j.repo.MergeSave(ctx, candidate.ID, 1, func(cur *models.Observation) error {
			if cur.HasPresence() || cur.Status.IsTerminal() {
				return errCandidateSettled
			}
			cur.Pred = cur.Pred.Clone()
			cur.Pred[models.PredKeyMonitorStatus] = models.MonitorStatusGaveUp
			cur.Status = enums.ObservationStatusError
			return nil
		}); err != nil {
			if errors.Is(err, errCandidateSettled) {
				j.metrics.IncSweepOutcome("settled")
				j.logg.Info(ctx, "candidate completed since selection, skipping")
				return nil
			}
			return fmt.Errorf("marking gave up: %w", err)
		}
		j.metrics.IncSweepOutcome("gave_up")
		j.logg.Warn(ctx, fmt.Sprintf("giving up after %d presence retries", retries))
		return nil
	}

	// persist the counter before dispatching: a crash between the two steps
	// wastes one increment, never produces an unbounded retry
	if _, err := j.repo.MergeSave(ctx, candidate.ID, 1, func(cur *models.Observation) error {
		if cur.HasPresence() || cur.Status.IsTerminal() {
			return errCandidateSettled
		}
		cur.Pred = cur.Pred.Clone()
		cur.Pred[models.PredKeyMonitorRetries] = retries + 1
		return nil
	}); err != nil {
		if errors.Is(err, errCandidateSettled) {
			j.metrics.IncSweepOutcome("settled")
			j.logg.Info(ctx, "candidate completed since selection, skipping")
			return nil
		}
		return fmt.Errorf("persisting retry counter: %w", err)
	}

	countdown := Backoff(retries)
	if err := j.dispatcher.Dispatch(ctx, enums.StagePresence, candidate.ID, countdown); err != nil {
		return fmt.Errorf("re-dispatching presence: %w", err)
	}

	j.metrics.IncSweepOutcome("retried")
	j.logg.Info(ctx, fmt.Sprintf("re-dispatched presence, attempt %d, countdown %s", retries+1, countdown))
	return nil
}

// Backoff returns the re-dispatch delay for a candidate with the given retry
// counter: min(60*2^k, 3600) seconds.
func Backoff(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	delay := time.Duration(float64(backoffBase) * math.Pow(2, float64(retries)))
	if delay > backoffCap || delay <= 0 {
		return backoffCap
	}
	return delay
}
