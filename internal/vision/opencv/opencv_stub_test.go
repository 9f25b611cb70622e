//go:build !gocv

package opencv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
	"github.com/tacchinimd-dot/metarial-ai/internal/vision"
)

func TestStubUnavailable(t *testing.T) {
	_, err := NewScorer()
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "scoring_backend")

	var s Scorer
	_, err = s.Score(context.Background(), vision.FixtureImages())
	assert.True(t, domain.IsAnalysis(err))
	assert.Equal(t, "opencv", s.Name())
}
