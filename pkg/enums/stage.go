package enums

import "fmt"

// Stage identifies an asynchronously dispatched pipeline stage.
type Stage string

const (
	StagePresence     Stage = "presence"
	StageSegmentation Stage = "segmentation"
)

var validStages = []Stage{
	StagePresence,
	StageSegmentation,
}

// String returns the literal string for the stage.
func (s Stage) String() string {
	return string(s)
}

// IsValid reports whether the stage is known.
func (s Stage) IsValid() bool {
	for _, candidate := range validStages {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseStage converts raw input into a Stage.
func ParseStage(value string) (Stage, error) {
	for _, candidate := range validStages {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid pipeline stage %q", value)
}
