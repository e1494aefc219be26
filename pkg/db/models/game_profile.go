package models

import (
	"time"

	"github.com/google/uuid"
)

// GameProfile accumulates gamification points per user, created lazily on
// the first award.
type GameProfile struct {
	UserID    uuid.UUID `gorm:"column:user_id;type:uuid;primaryKey"`
	Points    int       `gorm:"column:points;not null;default:0"`
	Level     int       `gorm:"column:level;not null;default:1"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// LevelForPoints derives the level from a points total (one level per 100).
func LevelForPoints(points int) int {
	level := 1 + points/100
	if level < 1 {
		return 1
	}
	return level
}
