package observations

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hyacinthwatch/backend/internal/repo"
	"github.com/hyacinthwatch/backend/pkg/db/models"
	"github.com/hyacinthwatch/backend/pkg/enums"
	pkgerrors "github.com/hyacinthwatch/backend/pkg/errors"
)

// Store is the persistence surface pipeline stages and the sweep consume.
type Store interface {
	Create(ctx context.Context, obs *models.Observation) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Observation, error)
	FindOrphanCandidates(ctx context.Context, cutoff time.Time) ([]models.Observation, error)
	MergeSave(ctx context.Context, id uuid.UUID, maxAttempts int, mutate func(*models.Observation) error) (*models.Observation, error)
}

// Repository persists observations.
type Repository struct {
	repo.Base
}

// NewRepository builds a repository tied to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

// Create inserts a new observation row.
func (r *Repository) Create(ctx context.Context, obs *models.Observation) error {
	if obs.ID == uuid.Nil {
		obs.ID = uuid.New()
	}
	if obs.Pred == nil {
		obs.Pred = map[string]any{}
	}
	return r.DB(ctx).Create(obs).Error
}

// FindByID loads one observation.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Observation, error) {
	var obs models.Observation
	if err := r.DB(ctx).First(&obs, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "observation not found")
		}
		return nil, err
	}
	return &obs, nil
}

// FindOrphanCandidates lists observations stuck before presence classification:
// non-terminal status and created before the cutoff. The pred-level check for a
// missing presence key happens in Go; jsonb predicates are not portable to the
// sqlite test driver.
func (r *Repository) FindOrphanCandidates(ctx context.Context, cutoff time.Time) ([]models.Observation, error) {
	var rows []models.Observation
	err := r.DB(ctx).
		Where("status IN ? AND created_at < ?",
			[]string{enums.ObservationStatusReceived.String(), enums.ObservationStatusProcessing.String()},
			cutoff).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	candidates := rows[:0]
	for _, row := range rows {
		if !row.HasPresence() {
			candidates = append(candidates, row)
		}
	}
	return candidates, nil
}

// MergeSave applies mutate to a freshly loaded copy of the observation and
// persists it guarded by the lock_version token. On a lost update it reloads
// and retries up to maxAttempts times before giving up with a conflict error.
func (r *Repository) MergeSave(ctx context.Context, id uuid.UUID, maxAttempts int, mutate func(*models.Observation) error) (*models.Observation, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		obs, err := r.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}

		current := obs.LockVersion
		if err := mutate(obs); err != nil {
			return nil, err
		}

		res := r.DB(ctx).
			Model(&models.Observation{}).
			Where("id = ? AND lock_version = ?", id, current).
			Updates(map[string]any{
				"status":       obs.Status.String(),
				"pred":         obs.Pred,
				"lock_version": current + 1,
				"updated_at":   time.Now().UTC(),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			obs.LockVersion = current + 1
			return obs, nil
		}
		// another writer advanced lock_version; reload and re-merge
	}

	return nil, pkgerrors.New(pkgerrors.CodePersistenceConflict, "observation merge-save lost update race")
}
