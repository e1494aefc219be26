package enums

// PresenceLabel is the binary classification of whether hyacinth appears in an image.
type PresenceLabel string

const (
	PresenceLabelPresent PresenceLabel = "present"
	PresenceLabelAbsent  PresenceLabel = "absent"
)

// String returns the literal string for the label.
func (l PresenceLabel) String() string {
	return string(l)
}

// IsValid reports whether the label is known.
func (l PresenceLabel) IsValid() bool {
	return l == PresenceLabelPresent || l == PresenceLabelAbsent
}

// LabelForScore thresholds a classifier score into a label.
func LabelForScore(score, threshold float64) PresenceLabel {
	if score >= threshold {
		return PresenceLabelPresent
	}
	return PresenceLabelAbsent
}
