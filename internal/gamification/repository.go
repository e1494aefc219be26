package gamification

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hyacinthwatch/backend/internal/repo"
	"github.com/hyacinthwatch/backend/pkg/db"
	"github.com/hyacinthwatch/backend/pkg/db/models"
)

// ProfileStore is the persistence surface the award service needs.
type ProfileStore interface {
	GetOrCreate(ctx context.Context, userID uuid.UUID) (*models.GameProfile, error)
	AddPoints(ctx context.Context, userID uuid.UUID, amount int) (*models.GameProfile, error)
}

// Repository implements ProfileStore on gorm.
type Repository struct {
	repo.Base
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

// GetOrCreate returns the user's profile, inserting a zero-point row on
// first contact. Two concurrent first awards race on the insert; the loser
// re-reads the winner's row.
func (r *Repository) GetOrCreate(ctx context.Context, userID uuid.UUID) (*models.GameProfile, error) {
	var profile models.GameProfile
	err := r.DB(ctx).First(&profile, "user_id = ?", userID).Error
	if err == nil {
		return &profile, nil
	}
	if !db.IsNotFound(err) {
		return nil, fmt.Errorf("loading game profile: %w", err)
	}

	profile = models.GameProfile{UserID: userID, Points: 0, Level: 1}
	if createErr := r.DB(ctx).Create(&profile).Error; createErr != nil {
		if db.IsUniqueViolation(createErr, "") {
			if retryErr := r.DB(ctx).First(&profile, "user_id = ?", userID).Error; retryErr != nil {
				return nil, fmt.Errorf("re-reading game profile after insert race: %w", retryErr)
			}
			return &profile, nil
		}
		return nil, fmt.Errorf("creating game profile: %w", createErr)
	}
	return &profile, nil
}

// AddPoints atomically applies an award and recomputes the level, returning
// the updated profile.
func (r *Repository) AddPoints(ctx context.Context, userID uuid.UUID, amount int) (*models.GameProfile, error) {
	if _, err := r.GetOrCreate(ctx, userID); err != nil {
		return nil, err
	}

	result := r.DB(ctx).Model(&models.GameProfile{}).
		Where("user_id = ?", userID).
		Update("points", gorm.Expr("points + ?", amount))
	if result.Error != nil {
		return nil, fmt.Errorf("adding points: %w", result.Error)
	}

	var profile models.GameProfile
	if err := r.DB(ctx).First(&profile, "user_id = ?", userID).Error; err != nil {
		return nil, fmt.Errorf("re-reading game profile: %w", err)
	}

	level := models.LevelForPoints(profile.Points)
	if level != profile.Level {
		if err := r.DB(ctx).Model(&profile).Update("level", level).Error; err != nil {
			return nil, fmt.Errorf("updating level: %w", err)
		}
		profile.Level = level
	}
	return &profile, nil
}
