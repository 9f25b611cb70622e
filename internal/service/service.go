package service

import (
	"context"
	"time"

	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
	"github.com/tacchinimd-dot/metarial-ai/internal/store"
)

// sampleRepository is the subset of store.SampleStore the services require.
type sampleRepository interface {
	Create(ctx context.Context, in store.NewSample) (*domain.MaterialSample, error)
	InsertAll(ctx context.Context, samples []*domain.MaterialSample) error
	GetByID(ctx context.Context, id string) (*domain.MaterialSample, error)
	UpdateFeedback(ctx context.Context, id string, update store.FeedbackUpdate) (*domain.MaterialSample, error)
	List(ctx context.Context, filter store.Filter, sort store.Sort, page store.Page) ([]*domain.MaterialSample, int, error)
}

// Recorder receives service-level measurements. *metrics.Metrics implements it.
type Recorder interface {
	AnalysisCompleted(status string)
	ScoringAttempt(backend string, d time.Duration)
	ScoringRetried()
	FeedbackSubmitted()
	Exported(format string)
}

type nopRecorder struct{}

func (nopRecorder) AnalysisCompleted(string) {}
func (nopRecorder) ScoringAttempt(string, time.Duration) {}
func (nopRecorder) ScoringRetried() {}
func (nopRecorder) FeedbackSubmitted() {}
func (nopRecorder) Exported(string) {}

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}
