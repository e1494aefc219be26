package qc

import (
	"bytes"
	"image"
	"math"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	apperrors "github.com/hyacinthwatch/backend/pkg/errors"
)

// Normalization windows for the combined quality score.
const (
	sharpnessFloor   = 20.0
	sharpnessCeiling = 200.0
	brightnessFloor  = 50.0
	brightnessCeil   = 200.0

	sharpnessWeight  = 0.6
	brightnessWeight = 0.4
)

// Result holds the derived quality metrics for one image.
type Result struct {
	Brightness float64
	Sharpness  float64
	Score      float64
}

// ComputeQC decodes the image and derives brightness, sharpness and a
// combined [0,1] quality score. Deterministic for identical input bytes.
func ComputeQC(imageBytes []byte) (Result, error) {
	if len(imageBytes) == 0 {
		return Result{}, apperrors.New(apperrors.CodeImageDecode, "empty image payload")
	}

	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeImageDecode, err, "decoding image")
	}

	lum := luminance(img)
	brightness := mean(lum)
	sharpness := laplacianVariance(lum)

	return Result{
		Brightness: brightness,
		Sharpness:  sharpness,
		Score:      ScoreFromMetrics(brightness, sharpness),
	}, nil
}

// ScoreFromMetrics combines raw brightness and sharpness into the [0,1]
// quality score. Sharpness dominates: blur is the common rejection cause
// in field photos.
func ScoreFromMetrics(brightness, sharpness float64) float64 {
	blurScore := clamp01((sharpness - sharpnessFloor) / (sharpnessCeiling - sharpnessFloor))
	brightScore := clamp01((brightness - brightnessFloor) / (brightnessCeil - brightnessFloor))
	return round3(sharpnessWeight*blurScore + brightnessWeight*brightScore)
}

// luminance flattens the image into a row-major single-channel grid on a 0-255 scale.
func luminance(img image.Image) [][]float64 {
	bounds := img.Bounds()
	height := bounds.Dy()
	width := bounds.Dx()

	grid := make([][]float64, height)
	for y := 0; y < height; y++ {
		row := make([]float64, width)
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// RGBA returns 16-bit channels; scale down to 8-bit.
			row[x] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.0
		}
		grid[y] = row
	}
	return grid
}

func mean(grid [][]float64) float64 {
	var sum float64
	var count int
	for _, row := range grid {
		for _, v := range row {
			sum += v
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// laplacianVariance applies the 3x3 kernel [[0,1,0],[1,-4,1],[0,1,0]] with
// zero padding and returns the variance of the response.
func laplacianVariance(grid [][]float64) float64 {
	height := len(grid)
	if height == 0 {
		return 0
	}
	width := len(grid[0])
	if width == 0 {
		return 0
	}

	at := func(y, x int) float64 {
		if y < 0 || y >= height || x < 0 || x >= width {
			return 0
		}
		return grid[y][x]
	}

	responses := make([]float64, 0, height*width)
	var sum float64
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			resp := at(y-1, x) + at(y+1, x) + at(y, x-1) + at(y, x+1) - 4*grid[y][x]
			responses = append(responses, resp)
			sum += resp
		}
	}

	avg := sum / float64(len(responses))
	var variance float64
	for _, resp := range responses {
		diff := resp - avg
		variance += diff * diff
	}
	return variance / float64(len(responses))
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
