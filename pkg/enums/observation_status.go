package enums

import "fmt"

// ObservationStatus describes the pipeline lifecycle state of an observation.
type ObservationStatus string

const (
	ObservationStatusReceived   ObservationStatus = "received"
	ObservationStatusProcessing ObservationStatus = "processing"
	ObservationStatusDone       ObservationStatus = "done"
	ObservationStatusError      ObservationStatus = "error"
)

var validObservationStatuses = []ObservationStatus{
	ObservationStatusReceived,
	ObservationStatusProcessing,
	ObservationStatusDone,
	ObservationStatusError,
}

// String returns the literal string for the status.
func (s ObservationStatus) String() string {
	return string(s)
}

// IsValid reports whether the status is known.
func (s ObservationStatus) IsValid() bool {
	for _, candidate := range validObservationStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s ObservationStatus) IsTerminal() bool {
	return s == ObservationStatusDone || s == ObservationStatusError
}

// ParseObservationStatus converts raw input into an ObservationStatus.
func ParseObservationStatus(value string) (ObservationStatus, error) {
	for _, candidate := range validObservationStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid observation status %q", value)
}
