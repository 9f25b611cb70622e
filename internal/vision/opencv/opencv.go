//go:build gocv

package opencv

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
	"github.com/tacchinimd-dot/metarial-ai/internal/vision"
	"gocv.io/x/gocv"
)

// Scorer derives properties from image statistics computed with OpenCV.
type Scorer struct{}

func NewScorer() (*Scorer, error) {
	return &Scorer{}, nil
}

func (s *Scorer) Name() string {
	return backend
}

func (s *Scorer) Score(ctx context.Context, images []vision.LabeledImage) (*vision.ScoreResult, error) {
	if err := vision.CheckImages(images); err != nil {
		return nil, err
	}

	grays := make(map[domain.View]gocv.Mat, len(images))
	defer func() {
		for _, m := range grays {
			m.Close()
		}
	}()
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		gray, err := decodeGray(img.Data)
		if err != nil {
			return nil, &domain.AnalysisError{Backend: backend, Err: fmt.Errorf("view %s: %w", img.View, err)}
		}
		grays[img.View] = gray
	}

	var f Features
	front := grays[domain.ViewFront]
	f.EdgeDensity = edgeDensity(front, 50, 150)
	f.BrightnessMean, f.BrightnessStd = meanStdDev(front)
	f.TextureVar = laplacianVariance(front)

	side, err := toGray(grays[domain.ViewSide])
	if err != nil {
		return nil, &domain.AnalysisError{Backend: backend, Err: fmt.Errorf("view side: %w", err)}
	}
	f.ThicknessIndicator = ThicknessIndicator(side)

	closeUp, err := toGray(grays[domain.ViewCloseUp])
	if err != nil {
		return nil, &domain.AnalysisError{Backend: backend, Err: fmt.Errorf("view close-up: %w", err)}
	}
	f.MicroRoughness = MicroRoughness(closeUp)

	drape := grays[domain.ViewDrape]
	f.DrapeLines = houghLineCount(drape)
	f.DrapeBrightness, _ = meanStdDev(drape)

	_, f.BackStd = meanStdDev(grays[domain.ViewBack])

	props, details := Estimate(f)
	return &vision.ScoreResult{
		Properties: props,
		Details:    details,
		Method:     s.Name(),
	}, nil
}

// decodeGray turns encoded image bytes into a single-channel Mat.
func decodeGray(data []byte) (gocv.Mat, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadGrayScale)
	if err == nil && !mat.Empty() {
		return mat, nil
	}
	if !mat.Empty() {
		mat.Close()
	}
	return gocv.NewMat(), errors.New("failed to decode image")
}

func toGray(mat gocv.Mat) (*image.Gray, error) {
	img, err := mat.ToImage()
	if err != nil {
		return nil, err
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		return nil, errors.New("expected a greyscale image")
	}
	return gray, nil
}

func edgeDensity(gray gocv.Mat, low, high float32) float64 {
	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, low, high)
	return float64(gocv.CountNonZero(edges)) / float64(edges.Total())
}

func meanStdDev(mat gocv.Mat) (float64, float64) {
	mean := gocv.NewMat()
	defer mean.Close()
	std := gocv.NewMat()
	defer std.Close()
	gocv.MeanStdDev(mat, &mean, &std)
	return mean.GetDoubleAt(0, 0), std.GetDoubleAt(0, 0)
}

func laplacianVariance(gray gocv.Mat) float64 {
	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(gray, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)
	_, std := meanStdDev(lap)
	return math.Pow(std, 2)
}

func houghLineCount(gray gocv.Mat) int {
	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, 30, 100)

	lines := gocv.NewMat()
	defer lines.Close()
	gocv.HoughLinesPWithParams(edges, &lines, 1, math.Pi/180, 50, 30, 10)
	return lines.Rows()
}
