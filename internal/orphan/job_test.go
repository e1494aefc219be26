package orphan

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "github.com/hyacinthwatch/backend/pkg/errors"

	"github.com/hyacinthwatch/backend/pkg/config"
	"github.com/hyacinthwatch/backend/pkg/db/models"
	"github.com/hyacinthwatch/backend/pkg/enums"
	"github.com/hyacinthwatch/backend/pkg/logger"
	"github.com/hyacinthwatch/backend/pkg/types"
)

type fakeRepo struct {
	rows        map[uuid.UUID]*models.Observation
	orphans     []models.Observation
	listErr     error
	mergeErrFor map[uuid.UUID]error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: map[uuid.UUID]*models.Observation{}, mergeErrFor: map[uuid.UUID]error{}}
}

// add stores the live row and, for orphans, snapshots the candidate as it
// looked at selection time. Mutating the live row afterwards models work that
// lands between the sweep's list query and its merges.
func (f *fakeRepo) add(obs *models.Observation, orphan bool) {
	f.rows[obs.ID] = obs
	if orphan {
		f.orphans = append(f.orphans, *obs)
	}
}

func (f *fakeRepo) Create(_ context.Context, obs *models.Observation) error {
	f.rows[obs.ID] = obs
	return nil
}

func (f *fakeRepo) FindByID(_ context.Context, id uuid.UUID) (*models.Observation, error) {
	obs, ok := f.rows[id]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "observation not found")
	}
	return obs, nil
}

func (f *fakeRepo) FindOrphanCandidates(_ context.Context, _ time.Time) ([]models.Observation, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]models.Observation(nil), f.orphans...), nil
}

func (f *fakeRepo) MergeSave(ctx context.Context, id uuid.UUID, _ int, mutate func(*models.Observation) error) (*models.Observation, error) {
	if err := f.mergeErrFor[id]; err != nil {
		return nil, err
	}
	obs, err := f.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(obs); err != nil {
		return nil, err
	}
	obs.LockVersion++
	return obs, nil
}

type dispatchCall struct {
	stage enums.Stage
	obsID uuid.UUID
	delay time.Duration
}

type fakeDispatcher struct {
	calls []dispatchCall
	err   error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, stage enums.Stage, observationID uuid.UUID, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, dispatchCall{stage: stage, obsID: observationID, delay: delay})
	return nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "orphan-test", Level: zerolog.Disabled, Output: io.Discard})
}

func testConfig() config.OrphanConfig {
	return config.OrphanConfig{DelayMinutes: 10, MaxRetries: 3, SweepMinutes: 5, LockTTLMargin: 5}
}

func orphanObservation(retries int) *models.Observation {
	pred := types.JSONMap{}
	if retries > 0 {
		pred[models.PredKeyMonitorRetries] = retries
	}
	return &models.Observation{
		ID:     uuid.New(),
		Status: enums.ObservationStatusReceived,
		Pred:   pred,
	}
}

func newTestJob(t *testing.T, repo *fakeRepo, dispatcher *fakeDispatcher) *Job {
	t.Helper()
	job, err := NewJob(repo, dispatcher, testConfig(), nil, testLogger())
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	job.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	return job
}

func TestRunRedispatchesWithBackoff(t *testing.T) {
	repo := newFakeRepo()
	dispatcher := &fakeDispatcher{}

	fresh := orphanObservation(0)
	second := orphanObservation(1)
	repo.add(fresh, true)
	repo.add(second, true)

	job := newTestJob(t, repo, dispatcher)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(dispatcher.calls) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(dispatcher.calls))
	}
	if dispatcher.calls[0].stage != enums.StagePresence {
		t.Fatalf("expected presence dispatch, got %s", dispatcher.calls[0].stage)
	}
	if got := dispatcher.calls[0].delay; got != 60*time.Second {
		t.Fatalf("expected 60s countdown for first retry, got %s", got)
	}
	if got := dispatcher.calls[1].delay; got != 120*time.Second {
		t.Fatalf("expected 120s countdown for second retry, got %s", got)
	}

	if got := repo.rows[fresh.ID].MonitorRetries(); got != 1 {
		t.Fatalf("expected counter 1 after sweep, got %d", got)
	}
	if got := repo.rows[second.ID].MonitorRetries(); got != 2 {
		t.Fatalf("expected counter 2 after sweep, got %d", got)
	}
}

func TestRunGivesUpAtMaxRetries(t *testing.T) {
	repo := newFakeRepo()
	dispatcher := &fakeDispatcher{}

	exhausted := orphanObservation(3)
	repo.add(exhausted, true)

	job := newTestJob(t, repo, dispatcher)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(dispatcher.calls) != 0 {
		t.Fatalf("expected no dispatches, got %d", len(dispatcher.calls))
	}

	saved := repo.rows[exhausted.ID]
	if saved.Status != enums.ObservationStatusError {
		t.Fatalf("expected status error, got %s", saved.Status)
	}
	if got := saved.Pred.String(models.PredKeyMonitorStatus); got != models.MonitorStatusGaveUp {
		t.Fatalf("expected gave_up marker, got %q", got)
	}
	if got := saved.MonitorRetries(); got != 3 {
		t.Fatalf("expected counter unchanged at 3, got %d", got)
	}
}

func TestRunOneFailureDoesNotStopSweep(t *testing.T) {
	repo := newFakeRepo()
	dispatcher := &fakeDispatcher{}

	broken := orphanObservation(0)
	healthy := orphanObservation(0)
	repo.add(broken, true)
	repo.add(healthy, true)
	repo.mergeErrFor[broken.ID] = errors.New("row vanished")

	job := newTestJob(t, repo, dispatcher)
	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("expected aggregated error")
	}

	if len(dispatcher.calls) != 1 {
		t.Fatalf("expected the healthy candidate dispatched, got %d calls", len(dispatcher.calls))
	}
	if dispatcher.calls[0].obsID != healthy.ID {
		t.Fatalf("expected dispatch for healthy candidate")
	}
}

func TestRunCounterPersistedBeforeDispatch(t *testing.T) {
	repo := newFakeRepo()
	dispatcher := &fakeDispatcher{err: errors.New("broker down")}

	candidate := orphanObservation(0)
	repo.add(candidate, true)

	job := newTestJob(t, repo, dispatcher)
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected dispatch error to surface")
	}

	// the counter increment survives a failed dispatch: one wasted attempt,
	// never an unbounded retry
	if got := repo.rows[candidate.ID].MonitorRetries(); got != 1 {
		t.Fatalf("expected counter 1 despite dispatch failure, got %d", got)
	}
}

func TestRunNeverRegressesCompletedObservation(t *testing.T) {
	repo := newFakeRepo()
	dispatcher := &fakeDispatcher{}

	// selected at the retry cap, but the pipeline finished it before the merge
	exhausted := orphanObservation(3)
	repo.add(exhausted, true)
	exhausted.Status = enums.ObservationStatusDone
	exhausted.Pred = types.JSONMap{
		models.PredKeyPresence: map[string]any{"score": 0.9, "label": "present", "model_v": "v2", "threshold": 0.5},
		models.PredKeySeg:      map[string]any{"cover_pct": 40.0, "model_v": "v1"},
	}

	job := newTestJob(t, repo, dispatcher)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	saved := repo.rows[exhausted.ID]
	if saved.Status != enums.ObservationStatusDone {
		t.Fatalf("completed observation regressed to %s", saved.Status)
	}
	if got := saved.Pred.String(models.PredKeyMonitorStatus); got != "" {
		t.Fatalf("completed observation marked %q", got)
	}
	if len(dispatcher.calls) != 0 {
		t.Fatalf("expected no dispatches, got %d", len(dispatcher.calls))
	}
}

func TestRunSkipsCandidateWithFreshPresence(t *testing.T) {
	repo := newFakeRepo()
	dispatcher := &fakeDispatcher{}

	// presence landed after selection; the candidate no longer needs recovery
	candidate := orphanObservation(1)
	repo.add(candidate, true)
	candidate.Status = enums.ObservationStatusProcessing
	candidate.Pred = types.JSONMap{
		models.PredKeyMonitorRetries: 1,
		models.PredKeyPresence:       map[string]any{"score": 0.8, "label": "present", "model_v": "v2", "threshold": 0.5},
	}

	job := newTestJob(t, repo, dispatcher)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := repo.rows[candidate.ID].MonitorRetries(); got != 1 {
		t.Fatalf("expected counter untouched at 1, got %d", got)
	}
	if len(dispatcher.calls) != 0 {
		t.Fatalf("expected no re-dispatch, got %d", len(dispatcher.calls))
	}
}

func TestRunListFailureSurfaces(t *testing.T) {
	repo := newFakeRepo()
	repo.listErr = errors.New("db down")

	job := newTestJob(t, repo, &fakeDispatcher{})
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error when candidate listing fails")
	}
}

func TestBackoffCapsAtOneHour(t *testing.T) {
	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, 60 * time.Second},
		{1, 120 * time.Second},
		{2, 240 * time.Second},
		{5, 1920 * time.Second},
		{6, time.Hour},
		{20, time.Hour},
		{-1, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.retries); got != tc.want {
			t.Fatalf("Backoff(%d) = %s, want %s", tc.retries, got, tc.want)
		}
	}
}
