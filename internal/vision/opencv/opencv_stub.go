//go:build !gocv

package opencv

import (
	"context"
	"errors"

	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
	"github.com/tacchinimd-dot/metarial-ai/internal/vision"
)

// ErrUnavailable is returned when the binary was built without the gocv tag.
var ErrUnavailable = errors.New("opencv scorer not compiled in; rebuild with -tags gocv " +
	"or set scoring_backend (MATERIALAI_SCORING_BACKEND) to claude, openai or ollama")

type Scorer struct{}

func NewScorer() (*Scorer, error) {
	return nil, ErrUnavailable
}

func (s *Scorer) Name() string {
	return backend
}

func (s *Scorer) Score(ctx context.Context, images []vision.LabeledImage) (*vision.ScoreResult, error) {
	return nil, &domain.AnalysisError{Backend: backend, Err: ErrUnavailable}
}
