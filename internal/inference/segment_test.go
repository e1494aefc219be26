package inference

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func halfGreenImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			if x < 5 {
				img.Set(x, y, color.RGBA{R: 20, G: 200, B: 30, A: 255})
			} else {
				img.Set(x, y, color.RGBA{R: 90, G: 60, B: 140, A: 255})
			}
		}
	}
	return encodePNG(t, img)
}

func TestGreennessClassifierScoresFraction(t *testing.T) {
	score, err := GreennessClassifier{}.Classify(context.Background(), halfGreenImage(t), ModelMeta{})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if math.Abs(score-0.5) > 1e-9 {
		t.Fatalf("score = %f, want 0.5", score)
	}
}

func TestGreennessClassifierRejectsGarbage(t *testing.T) {
	if _, err := (GreennessClassifier{}).Classify(context.Background(), []byte("nope"), ModelMeta{}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestGreennessSegmenterCoverage(t *testing.T) {
	mask, err := GreennessSegmenter{}.Segment(context.Background(), halfGreenImage(t), ModelMeta{})
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if math.Abs(mask.CoveragePercent-50) > 1e-9 {
		t.Fatalf("coverage = %f, want 50", mask.CoveragePercent)
	}
	if len(mask.PNG) == 0 {
		t.Fatal("expected mask bytes")
	}

	decoded, err := png.Decode(bytes.NewReader(mask.PNG))
	if err != nil {
		t.Fatalf("decode mask: %v", err)
	}
	if decoded.Bounds().Dx() != 10 || decoded.Bounds().Dy() != 10 {
		t.Fatalf("mask bounds = %v", decoded.Bounds())
	}
}

func TestThresholdSegmenterAllForeground(t *testing.T) {
	bright := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			bright.SetGray(x, y, color.Gray{Y: 250})
		}
	}

	mask, err := ThresholdSegmenter{Cutoff: 0.5}.Segment(context.Background(), encodePNG(t, bright), ModelMeta{})
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if mask.CoveragePercent != 100 {
		t.Fatalf("coverage = %f, want 100", mask.CoveragePercent)
	}
}

func TestThresholdSegmenterAllBackground(t *testing.T) {
	dark := image.NewGray(image.Rect(0, 0, 8, 8))

	mask, err := ThresholdSegmenter{Cutoff: 0.5}.Segment(context.Background(), encodePNG(t, dark), ModelMeta{})
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if mask.CoveragePercent != 0 {
		t.Fatalf("coverage = %f, want 0", mask.CoveragePercent)
	}
}
