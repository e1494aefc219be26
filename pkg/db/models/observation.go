package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/hyacinthwatch/backend/pkg/enums"
	"github.com/hyacinthwatch/backend/pkg/types"
)

// Pred keys owned by individual pipeline stages. Underscore-prefixed keys
// are orphan-monitor bookkeeping and never collide with stage results.
const (
	PredKeyPresence       = "presence"
	PredKeySeg            = "seg"
	PredKeyMonitorRetries = "_presence_monitor_retries"
	PredKeyMonitorStatus  = "_presence_monitor_status"

	MonitorStatusGaveUp = "gave_up"
)

// Observation is one submitted photo plus accumulated pipeline results.
type Observation struct {
	ID     uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	UserID *uuid.UUID `gorm:"column:user_id;type:uuid"`

	// ImageRef is a store://bucket/path pointer; ImagePath is the legacy
	// local payload fallback used when no blob reference exists.
	ImageRef  *string `gorm:"column:image_ref"`
	ImagePath *string `gorm:"column:image_path"`

	Latitude  *float64 `gorm:"column:latitude"`
	Longitude *float64 `gorm:"column:longitude"`
	AccuracyM *float64 `gorm:"column:accuracy_m"`
	Notes     *string  `gorm:"column:notes;type:text"`

	Status enums.ObservationStatus `gorm:"column:status;type:text;not null;default:received"`

	// QC metrics are written once by the analyzer before async dispatch.
	QCBrightness *float64 `gorm:"column:qc_brightness"`
	QCSharpness  *float64 `gorm:"column:qc_sharpness"`
	QCScore      *float64 `gorm:"column:qc_score"`

	Pred types.JSONMap `gorm:"column:pred;type:jsonb;not null;default:'{}'"`

	// LockVersion guards merge-saves against concurrent lost updates.
	LockVersion int64 `gorm:"column:lock_version;not null;default:0"`

	CapturedAt time.Time `gorm:"column:captured_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// HasPresence reports whether the presence stage already recorded a result.
func (o *Observation) HasPresence() bool {
	return o.Pred.SubMap(PredKeyPresence) != nil
}

// MonitorRetries returns the orphan-monitor retry counter (0 when unset).
func (o *Observation) MonitorRetries() int {
	return o.Pred.Int(PredKeyMonitorRetries, 0)
}

// PresenceResult is the pred.presence entry.
type PresenceResult struct {
	Score        float64             `json:"score"`
	Label        enums.PresenceLabel `json:"label"`
	ModelVersion string              `json:"model_v"`
	Threshold    float64             `json:"threshold"`
}

// SegResult is the pred.seg entry.
type SegResult struct {
	CoverPct     float64 `json:"cover_pct"`
	ModelVersion string  `json:"model_v"`
	MaskRef      string  `json:"mask_ref,omitempty"`
}

// PresenceFromPred decodes the presence entry from a pred map, if any.
func PresenceFromPred(pred types.JSONMap) (PresenceResult, bool) {
	sub := pred.SubMap(PredKeyPresence)
	if sub == nil {
		return PresenceResult{}, false
	}
	return PresenceResult{
		Score:        sub.Float("score", 0),
		Label:        enums.PresenceLabel(sub.String("label")),
		ModelVersion: sub.String("model_v"),
		Threshold:    sub.Float("threshold", 0),
	}, true
}

// SegFromPred decodes the seg entry from a pred map, if any.
func SegFromPred(pred types.JSONMap) (SegResult, bool) {
	sub := pred.SubMap(PredKeySeg)
	if sub == nil {
		return SegResult{}, false
	}
	return SegResult{
		CoverPct:     sub.Float("cover_pct", 0),
		ModelVersion: sub.String("model_v"),
		MaskRef:      sub.String("mask_ref"),
	}, true
}

// AsPredEntry renders the result as the map merged under pred.presence.
func (p PresenceResult) AsPredEntry() map[string]any {
	return map[string]any{
		"score":     p.Score,
		"label":     p.Label.String(),
		"model_v":   p.ModelVersion,
		"threshold": p.Threshold,
	}
}

// AsPredEntry renders the result as the map merged under pred.seg.
func (s SegResult) AsPredEntry() map[string]any {
	entry := map[string]any{
		"cover_pct": s.CoverPct,
		"model_v":   s.ModelVersion,
	}
	if s.MaskRef != "" {
		entry["mask_ref"] = s.MaskRef
	}
	return entry
}
