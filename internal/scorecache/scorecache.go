package scorecache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
	"github.com/tacchinimd-dot/metarial-ai/internal/vision"
)

// Cache stores encoded score results by key.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Recorder is notified of every cache lookup.
type Recorder interface {
	CacheResult(hit bool)
}

type entry struct {
	Properties map[domain.Property]domain.Estimate `json:"properties"`
	Details    map[domain.View]map[string]float64  `json:"details,omitempty"`
	Method     string                              `json:"method"`
}

// Scorer serves repeated scoring of an identical image set from cache. Cache
// failures are logged and fall through to the wrapped scorer.
type Scorer struct {
	next      vision.Scorer
	cache     Cache
	namespace string
	recorder  Recorder
}

// Wrap decorates next. namespace separates entries of different backends
// sharing one cache.
func Wrap(next vision.Scorer, cache Cache, namespace string, recorder Recorder) *Scorer {
	return &Scorer{next: next, cache: cache, namespace: namespace, recorder: recorder}
}

func (s *Scorer) Score(ctx context.Context, images []vision.LabeledImage) (*vision.ScoreResult, error) {
	if err := vision.CheckImages(images); err != nil {
		return nil, err
	}
	key := s.namespace + ":" + Key(images)

	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("score cache lookup failed", "error", err)
	}
	if ok {
		var e entry
		if err := json.Unmarshal(data, &e); err == nil && domain.ValidateProperties(e.Properties) == nil {
			s.record(true)
			return &vision.ScoreResult{Properties: e.Properties, Details: e.Details, Method: e.Method}, nil
		}
		slog.Warn("discarding unreadable score cache entry", "key", key)
	}
	s.record(false)

	result, err := s.next.Score(ctx, images)
	if err != nil {
		return nil, err
	}

	data, err = json.Marshal(entry{Properties: result.Properties, Details: result.Details, Method: result.Method})
	if err != nil {
		return nil, fmt.Errorf("failed to encode score result: %w", err)
	}
	if err := s.cache.Set(ctx, key, data); err != nil {
		slog.Warn("score cache store failed", "error", err)
	}
	return result, nil
}

func (s *Scorer) record(hit bool) {
	if s.recorder != nil {
		s.recorder.CacheResult(hit)
	}
}

// Key is a SHA-256 digest over the views and contents of images in canonical
// order. It does not depend on the order images are given in.
func Key(images []vision.LabeledImage) string {
	h := sha256.New()
	var size [8]byte
	for _, img := range vision.Ordered(images) {
		h.Write([]byte(img.View))
		h.Write([]byte{0})
		binary.BigEndian.PutUint64(size[:], uint64(len(img.Data)))
		h.Write(size[:])
		h.Write(img.Data)
	}
	return hex.EncodeToString(h.Sum(nil))
}
