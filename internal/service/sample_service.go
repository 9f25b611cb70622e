package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
	"github.com/tacchinimd-dot/metarial-ai/internal/metrics"
	"github.com/tacchinimd-dot/metarial-ai/internal/photostore"
	"github.com/tacchinimd-dot/metarial-ai/internal/store"
	"github.com/tacchinimd-dot/metarial-ai/internal/vision"
	"golang.org/x/sync/errgroup"
)

// ScoringPolicy bounds each scorer call. With Retry set, a call that times out
// is attempted once more before ErrAnalysisTimeout is returned.
type ScoringPolicy struct {
	Backend string
	Timeout time.Duration
	Retry   bool
}

type AnalyzeInput struct {
	Material domain.Material
	Images   []vision.LabeledImage
}

type SampleService struct {
	samples  sampleRepository
	scorer   vision.Scorer
	photos   photostore.PhotoStore
	policy   ScoringPolicy
	recorder Recorder
	logger   *slog.Logger
}

func NewSampleService(
	samples sampleRepository,
	scorer vision.Scorer,
	photos photostore.PhotoStore,
	policy ScoringPolicy,
	recorder Recorder,
	logger *slog.Logger,
) *SampleService {
	return &SampleService{
		samples:  samples,
		scorer:   scorer,
		photos:   photos,
		policy:   policy,
		recorder: recorderOrNop(recorder),
		logger:   logger,
	}
}

// Analyze scores the five view images, stores them and records a new sample.
// Nothing is persisted when scoring fails.
func (s *SampleService) Analyze(ctx context.Context, in AnalyzeInput) (*domain.MaterialSample, error) {
	sample, err := s.analyze(ctx, in)
	s.recorder.AnalysisCompleted(analysisStatus(err))
	return sample, err
}

func (s *SampleService) analyze(ctx context.Context, in AnalyzeInput) (*domain.MaterialSample, error) {
	if err := vision.CheckImages(in.Images); err != nil {
		return nil, err
	}
	images := vision.Ordered(in.Images)
	s.logger.Info("analysis started", "material_code", in.Material.Code, "backend", s.policy.Backend)

	result, err := s.score(ctx, images)
	if err != nil {
		s.logger.Warn("analysis failed", "material_code", in.Material.Code, "error", err)
		return nil, err
	}

	refs, err := s.saveImages(ctx, images)
	if err != nil {
		return nil, err
	}

	sample, err := s.samples.Create(ctx, store.NewSample{
		Material:       in.Material,
		Images:         refs,
		Properties:     result.Properties,
		AnalysisMethod: result.Method,
		Details:        result.Details,
	})
	if err != nil {
		s.removeImages(ctx, refs)
		return nil, fmt.Errorf("failed to create sample: %w", err)
	}

	s.logger.Info("analysis complete", "sample_id", sample.ID, "method", sample.AnalysisMethod)
	return sample, nil
}

// score runs the scorer under the policy timeout with at most one retry, and
// only after a timeout.
func (s *SampleService) score(ctx context.Context, images []vision.LabeledImage) (*vision.ScoreResult, error) {
	attempts := 1
	if s.policy.Retry {
		attempts = 2
	}

	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
		start := time.Now()
		result, err := s.scorer.Score(attemptCtx, images)
		s.recorder.ScoringAttempt(s.policy.Backend, time.Since(start))
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return checkResult(s.policy.Backend, result)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !timedOut {
			return nil, err
		}
		if attempt >= attempts {
			return nil, fmt.Errorf("%w after %d attempt(s) of %s", domain.ErrAnalysisTimeout, attempt, s.policy.Timeout)
		}
		s.recorder.ScoringRetried()
		s.logger.Warn("scoring timed out, retrying", "backend", s.policy.Backend, "timeout", s.policy.Timeout)
	}
}

// checkResult rejects scorer output that does not cover the closed property
// set. Defaults are never substituted.
func checkResult(backend string, result *vision.ScoreResult) (*vision.ScoreResult, error) {
	if result == nil {
		return nil, &domain.AnalysisError{Backend: backend, Err: errors.New("scorer returned no result")}
	}
	if err := domain.ValidateProperties(result.Properties); err != nil {
		return nil, &domain.AnalysisError{Backend: backend, Err: err}
	}
	if result.Method == "" {
		result.Method = backend
	}
	return result, nil
}

// saveImages writes the images concurrently under a fresh batch prefix. On
// failure, images already written are removed.
func (s *SampleService) saveImages(ctx context.Context, images []vision.LabeledImage) ([]domain.ImageRef, error) {
	batch := uuid.NewString()
	refs := make([]domain.ImageRef, len(images))

	g, gctx := errgroup.WithContext(ctx)
	for i, img := range images {
		g.Go(func() error {
			handle, err := s.photos.Save(gctx, batch+"/"+string(img.View), img.MimeType, bytes.NewReader(img.Data))
			if err != nil {
				return fmt.Errorf("failed to save %s image: %w", img.View, err)
			}
			refs[i] = domain.ImageRef{View: img.View, Handle: handle, MimeType: img.MimeType}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.removeImages(ctx, refs)
		return nil, err
	}

	s.logger.Debug("images saved", "batch", batch)
	return refs, nil
}

func (s *SampleService) removeImages(ctx context.Context, refs []domain.ImageRef) {
	ctx = context.WithoutCancel(ctx)
	for _, ref := range refs {
		if ref.Handle == "" {
			continue
		}
		if err := s.photos.Delete(ctx, ref.Handle); err != nil {
			s.logger.Error("failed to roll back image", "handle", ref.Handle, "error", err)
		}
	}
}

func (s *SampleService) Get(ctx context.Context, id string) (*domain.MaterialSample, error) {
	return s.samples.GetByID(ctx, strings.TrimSpace(id))
}

// OpenImage returns the stored photograph of one view of a sample.
func (s *SampleService) OpenImage(ctx context.Context, id string, view domain.View) (io.ReadCloser, string, error) {
	if !view.Valid() {
		return nil, "", &domain.ValidationError{Field: "view", Reason: fmt.Sprintf("unknown view %q", view)}
	}
	sample, err := s.samples.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	ref, ok := sample.Image(view)
	if !ok {
		return nil, "", fmt.Errorf("%w: sample %s has no %s image", domain.ErrNotFound, id, view)
	}

	rc, mimeType, err := s.photos.Open(ctx, ref.Handle)
	if err != nil {
		return nil, "", err
	}
	if ref.MimeType != "" {
		mimeType = ref.MimeType
	}
	return rc, mimeType, nil
}

func analysisStatus(err error) string {
	switch {
	case err == nil:
		return metrics.StatusOK
	case domain.IsValidation(err):
		return metrics.StatusInvalid
	case errors.Is(err, domain.ErrAnalysisTimeout):
		return metrics.StatusTimeout
	default:
		return metrics.StatusFailed
	}
}
