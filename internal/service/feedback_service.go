package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
	"github.com/tacchinimd-dot/metarial-ai/internal/store"
)

// FeedbackInput is an expert's submission for one sample. Corrections are
// merged per property; a non-empty review replaces the stored one.
type FeedbackInput struct {
	Corrections map[domain.Property]domain.Correction `json:"corrections"`
	Review      *domain.Review                        `json:"review"`
}

// FeedbackService attaches expert feedback to samples. Corrections live
// alongside the scorer's estimates and never overwrite them.
type FeedbackService struct {
	samples  sampleRepository
	recorder Recorder
	logger   *slog.Logger
}

func NewFeedbackService(samples sampleRepository, recorder Recorder, logger *slog.Logger) *FeedbackService {
	return &FeedbackService{samples: samples, recorder: recorderOrNop(recorder), logger: logger}
}

func (s *FeedbackService) SubmitFeedback(ctx context.Context, id string, in FeedbackInput) (*domain.MaterialSample, error) {
	corrections := make(map[domain.Property]domain.Correction, len(in.Corrections))
	for p, c := range in.Corrections {
		c.Comment = strings.TrimSpace(c.Comment)
		corrections[p] = c
	}
	review := trimReview(in.Review)

	if len(corrections) == 0 && review.IsZero() {
		return nil, &domain.ValidationError{Field: "feedback", Reason: "no corrections or review given"}
	}
	if err := domain.ValidateCorrections(corrections); err != nil {
		return nil, err
	}

	sample, err := s.samples.UpdateFeedback(ctx, id, store.FeedbackUpdate{Corrections: corrections, Review: review})
	if err != nil {
		return nil, err
	}

	s.recorder.FeedbackSubmitted()
	s.logger.Info("feedback submitted", "sample_id", id, "corrections", len(corrections), "review", !review.IsZero())
	return sample, nil
}

func trimReview(r *domain.Review) *domain.Review {
	if r == nil {
		return nil
	}
	return &domain.Review{
		QualityGrade:     strings.TrimSpace(r.QualityGrade),
		RecommendedUse:   strings.TrimSpace(r.RecommendedUse),
		SalesPerformance: strings.TrimSpace(r.SalesPerformance),
		Notes:            strings.TrimSpace(r.Notes),
		Reviewer:         strings.TrimSpace(r.Reviewer),
	}
}
