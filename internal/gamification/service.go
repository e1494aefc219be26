package gamification

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/hyacinthwatch/backend/pkg/db/models"
	"github.com/hyacinthwatch/backend/pkg/enums"
	"github.com/hyacinthwatch/backend/pkg/logger"
)

const (
	presenceScoreGate = 0.5

	presencePresentPoints = 5
	presenceAbsentPoints  = 1

	segBasePointsCap    = 10
	segNonFallbackBonus = 2

	fallbackVersionMarker = "fallback"
)

// Service converts pipeline results into point awards and applies them to
// per-user profiles.
type Service struct {
	profiles ProfileStore
	logg     *logger.Logger
}

func NewService(profiles ProfileStore, logg *logger.Logger) (*Service, error) {
	if profiles == nil {
		return nil, errors.New("profile store is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{profiles: profiles, logg: logg}, nil
}

// AwardPoints applies an award and returns the user's new total. Anonymous
// observations and zero awards are no-ops.
func (s *Service) AwardPoints(ctx context.Context, userID *uuid.UUID, amount int, reason string) (int, error) {
	if userID == nil || amount <= 0 {
		return 0, nil
	}

	ctx = s.logg.WithUserID(ctx, userID.String())
	profile, err := s.profiles.AddPoints(ctx, *userID, amount)
	if err != nil {
		return 0, fmt.Errorf("awarding %d points for %s: %w", amount, reason, err)
	}

	s.logg.Info(ctx, fmt.Sprintf("awarded %d points for %s, total %d level %d", amount, reason, profile.Points, profile.Level))
	return profile.Points, nil
}

// AwardForPresence awards based on a freshly computed presence result.
func (s *Service) AwardForPresence(ctx context.Context, obs *models.Observation, presence models.PresenceResult) (int, error) {
	return s.AwardPoints(ctx, obs.UserID, PresencePoints(presence), "presence")
}

// AwardForSegmentation awards based on a segmentation result, gated on the
// presence entry read in the same merge re-fetch.
func (s *Service) AwardForSegmentation(ctx context.Context, obs *models.Observation, presence models.PresenceResult, seg models.SegResult) (int, error) {
	return s.AwardPoints(ctx, obs.UserID, SegmentationPoints(presence, seg), "segmentation")
}

// PresencePoints derives the presence award. A confident sighting pays the
// most; an absent label still pays one point for the contribution.
func PresencePoints(presence models.PresenceResult) int {
	switch {
	case presence.Label == enums.PresenceLabelAbsent:
		return presenceAbsentPoints
	case presence.Label == enums.PresenceLabelPresent && presence.Score >= presenceScoreGate:
		return presencePresentPoints
	default:
		return 0
	}
}

// SegmentationPoints derives the segmentation award, gated on a confident
// presence result and nonzero coverage. Results from the fallback segmenter
// skip the model bonus.
func SegmentationPoints(presence models.PresenceResult, seg models.SegResult) int {
	if presence.Label != enums.PresenceLabelPresent || presence.Score < presenceScoreGate {
		return 0
	}
	if seg.CoverPct <= 0 {
		return 0
	}

	points := int(math.Floor(seg.CoverPct / 10))
	if points > segBasePointsCap {
		points = segBasePointsCap
	}
	if !strings.Contains(seg.ModelVersion, fallbackVersionMarker) {
		points += segNonFallbackBonus
	}
	return points
}

// QCPoints derives an award from an image-quality score. Nothing invokes it
// from the live award path yet.
func QCPoints(qcScore float64) int {
	if qcScore < 0 {
		return 0
	}
	if qcScore > 1 {
		qcScore = 1
	}
	return int(math.Floor(qcScore * 20))
}
