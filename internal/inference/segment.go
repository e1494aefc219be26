package inference

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"

	apperrors "github.com/hyacinthwatch/backend/pkg/errors"
)

// FallbackVersionSuffix tags segmentation results produced without a model.
const FallbackVersionSuffix = "-fallback"

// Mask is a binary segmentation output plus its foreground coverage.
type Mask struct {
	PNG             []byte
	CoveragePercent float64
}

// Segmenter produces a binary mask of target-plant pixels.
type Segmenter interface {
	Segment(ctx context.Context, imageBytes []byte, meta ModelMeta) (Mask, error)
}

// GreennessSegmenter marks vegetation-colored pixels as foreground. It stands
// in for the trained network behind the same contract.
type GreennessSegmenter struct{}

// Segment implements Segmenter.
func (GreennessSegmenter) Segment(ctx context.Context, imageBytes []byte, meta ModelMeta) (Mask, error) {
	return segmentBy(imageBytes, func(r, g, b uint32) bool {
		return g > r && g > b
	})
}

// ThresholdSegmenter is the non-ML fallback: grayscale-threshold at Cutoff
// (fraction of full scale). It never depends on model artifacts.
type ThresholdSegmenter struct {
	Cutoff float64
}

// Segment implements Segmenter.
func (s ThresholdSegmenter) Segment(ctx context.Context, imageBytes []byte, meta ModelMeta) (Mask, error) {
	cutoff := s.Cutoff * 0xffff
	return segmentBy(imageBytes, func(r, g, b uint32) bool {
		lum := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
		return lum >= cutoff
	})
}

func segmentBy(imageBytes []byte, foreground func(r, g, b uint32) bool) (Mask, error) {
	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return Mask{}, apperrors.Wrap(apperrors.CodeImageDecode, err, "decoding image for segmentation")
	}

	bounds := img.Bounds()
	total := bounds.Dx() * bounds.Dy()
	if total == 0 {
		return Mask{}, apperrors.New(apperrors.CodeImageDecode, "image has no pixels")
	}

	mask := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	var count int
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			if foreground(r, g, b) {
				mask.SetGray(x, y, color.Gray{Y: 255})
				count++
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, mask); err != nil {
		return Mask{}, apperrors.Wrap(apperrors.CodeInternal, err, "encoding mask")
	}

	return Mask{
		PNG:             buf.Bytes(),
		CoveragePercent: 100 * float64(count) / float64(total),
	}, nil
}
