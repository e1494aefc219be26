package inference

import (
	"bytes"
	"context"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	apperrors "github.com/hyacinthwatch/backend/pkg/errors"
)

// PresenceClassifier scores an image for target-plant presence in [0,1].
// Implementations are pure scoring functions; pre/post-processing follows the
// metadata contract of the versioned model.
type PresenceClassifier interface {
	Classify(ctx context.Context, imageBytes []byte, meta ModelMeta) (float64, error)
}

// GreennessClassifier scores presence from vegetation color statistics: the
// fraction of pixels where the green channel dominates both red and blue.
// It stands in for the trained network behind the same contract.
type GreennessClassifier struct{}

// Classify implements PresenceClassifier.
func (GreennessClassifier) Classify(ctx context.Context, imageBytes []byte, meta ModelMeta) (float64, error) {
	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeImageDecode, err, "decoding image for presence")
	}

	bounds := img.Bounds()
	total := bounds.Dx() * bounds.Dy()
	if total == 0 {
		return 0, apperrors.New(apperrors.CodeImageDecode, "image has no pixels")
	}

	var green int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			if g > r && g > b {
				green++
			}
		}
	}

	return float64(green) / float64(total), nil
}
