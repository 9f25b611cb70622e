package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tacchinimd-dot/metarial-ai/internal/db"
	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
	"github.com/tacchinimd-dot/metarial-ai/internal/store"
	"github.com/tacchinimd-dot/metarial-ai/internal/vision"
)

// stubScorer returns a fixed result, or blocks until its context ends for
// the first `block` calls.
type stubScorer struct {
	mu     sync.Mutex
	calls  int
	block  int
	result *vision.ScoreResult
	err    error
}

func (s *stubScorer) Score(ctx context.Context, _ []vision.LabeledImage) (*vision.ScoreResult, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if call <= s.block {
		<-ctx.Done()
		return nil, &domain.AnalysisError{Backend: "stub", Err: ctx.Err()}
	}
	return s.result, s.err
}

func (s *stubScorer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// exampleProperties are the estimates used throughout the service tests.
func exampleProperties() map[domain.Property]domain.Estimate {
	return map[domain.Property]domain.Estimate{
		domain.PropertyDensity:   {Value: 1.2, Unit: "ends/in", Confidence: 0.9},
		domain.PropertyGloss:     {Value: 30, Unit: "GU", Confidence: 0.8},
		domain.PropertyRoughness: {Value: 0.4, Unit: "um", Confidence: 0.7},
		domain.PropertyWeight:    {Value: 250, Unit: "g/m2", Confidence: 0.6},
		domain.PropertyThickness: {Value: 0.8, Unit: "mm", Confidence: 0.5},
		domain.PropertyHandFeel:  {Value: 0.6, Unit: "score", Confidence: 0.4},
	}
}

func okScorer() *stubScorer {
	return &stubScorer{result: &vision.ScoreResult{Properties: exampleProperties(), Method: "stub"}}
}

// memPhotoStore is a minimal in-memory photostore.PhotoStore for tests.
type memPhotoStore struct {
	mu      sync.Mutex
	saved   map[string][]byte
	failOn  string
	deleted []string
}

func newMemPhotoStore() *memPhotoStore {
	return &memPhotoStore{saved: make(map[string][]byte)}
}

func (s *memPhotoStore) Save(_ context.Context, key, _ string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != "" && bytes.Contains([]byte(key), []byte(s.failOn)) {
		return "", errors.New("disk full")
	}
	handle := key + ".jpg"
	s.saved[handle] = data
	return handle, nil
}

func (s *memPhotoStore) Open(_ context.Context, handle string) (io.ReadCloser, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.saved[handle]
	if !ok {
		return nil, "", fmt.Errorf("%w: photo %s", domain.ErrNotFound, handle)
	}
	return io.NopCloser(bytes.NewReader(data)), "image/jpeg", nil
}

func (s *memPhotoStore) Delete(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.saved[handle]; !ok {
		return fmt.Errorf("%w: photo %s", domain.ErrNotFound, handle)
	}
	delete(s.saved, handle)
	s.deleted = append(s.deleted, handle)
	return nil
}

func (s *memPhotoStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type fakeRecorder struct {
	mu       sync.Mutex
	statuses []string
	attempts int
	retries  int
	feedback int
	exports  []string
}

func (r *fakeRecorder) AnalysisCompleted(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *fakeRecorder) ScoringAttempt(string, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
}

func (r *fakeRecorder) ScoringRetried() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *fakeRecorder) FeedbackSubmitted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feedback++
}

func (r *fakeRecorder) Exported(format string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exports = append(r.exports, format)
}

type testEnv struct {
	samples  *store.SampleStore
	photos   *memPhotoStore
	recorder *fakeRecorder
	logger   *slog.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	d, err := db.OpenForTesting()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	return &testEnv{
		samples:  store.NewSampleStore(d),
		photos:   newMemPhotoStore(),
		recorder: &fakeRecorder{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (e *testEnv) sampleService(scorer vision.Scorer, policy ScoringPolicy) *SampleService {
	if policy.Timeout == 0 {
		policy.Timeout = time.Second
	}
	if policy.Backend == "" {
		policy.Backend = "stub"
	}
	return NewSampleService(e.samples, scorer, e.photos, policy, e.recorder, e.logger)
}

// analyze creates one sample through the full analysis path.
func (e *testEnv) analyze(t *testing.T, material domain.Material) *domain.MaterialSample {
	t.Helper()
	sample, err := e.sampleService(okScorer(), ScoringPolicy{}).Analyze(context.Background(), AnalyzeInput{
		Material: material,
		Images:   vision.FixtureImages(),
	})
	require.NoError(t, err)
	return sample
}

func (e *testEnv) total(t *testing.T) int {
	t.Helper()
	_, total, err := e.samples.List(context.Background(), store.Filter{}, store.Sort{}, store.Page{})
	require.NoError(t, err)
	return total
}

func ptr(v float64) *float64 { return &v }
