package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tacchinimd-dot/metarial-ai/internal/config"
	"github.com/tacchinimd-dot/metarial-ai/internal/db"
	"github.com/tacchinimd-dot/metarial-ai/internal/logging"
	"github.com/tacchinimd-dot/metarial-ai/internal/metrics"
	"github.com/tacchinimd-dot/metarial-ai/internal/photostore"
	"github.com/tacchinimd-dot/metarial-ai/internal/photostore/gcs"
	"github.com/tacchinimd-dot/metarial-ai/internal/photostore/local"
	"github.com/tacchinimd-dot/metarial-ai/internal/scorecache"
	"github.com/tacchinimd-dot/metarial-ai/internal/service"
	"github.com/tacchinimd-dot/metarial-ai/internal/store"
	"github.com/tacchinimd-dot/metarial-ai/internal/vision"
	claudevision "github.com/tacchinimd-dot/metarial-ai/internal/vision/claude"
	ollamavision "github.com/tacchinimd-dot/metarial-ai/internal/vision/ollama"
	openaivision "github.com/tacchinimd-dot/metarial-ai/internal/vision/openai"
	opencvvision "github.com/tacchinimd-dot/metarial-ai/internal/vision/opencv"
	"github.com/tacchinimd-dot/metarial-ai/internal/web"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, cleanup, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer cleanup()

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		cleanup()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer closeWithLog(database, "database", logger)

	photos, err := newPhotoStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize photo store: %w", err)
	}
	if c, ok := photos.(io.Closer); ok {
		defer closeWithLog(c, "photo store", logger)
	}

	m := metrics.New()

	scorer, err := newScorer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize %s scorer: %w", cfg.ScoringBackend, err)
	}
	cache, err := newScoreCache(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize score cache: %w", err)
	}
	if cache != nil {
		defer closeWithLog(cache, "score cache", logger)
		namespace := vision.NameOf(scorer, cfg.ScoringBackend)
		scorer = scorecache.Wrap(scorer, cache, namespace, m)
		logger.Info("score cache enabled", "backend", cfg.ScoreCache, "namespace", namespace, "ttl", cfg.ScoreCacheTTL)
	}

	samples := store.NewSampleStore(database)
	policy := service.ScoringPolicy{
		Backend: cfg.ScoringBackend,
		Timeout: cfg.ScoringTimeout,
		Retry:   cfg.ScoringRetry,
	}

	server := web.NewServer(web.Services{
		Samples:  service.NewSampleService(samples, scorer, photos, policy, m, logger),
		Feedback: service.NewFeedbackService(samples, m, logger),
		History:  service.NewHistoryService(samples),
		Export:   service.NewExportService(samples, m, logger),
	}, m, logger)

	return server.ListenAndServe(ctx, cfg.ListenAddr, cfg.ShutdownTimeout)
}

func newScorer(cfg *config.Config, logger *slog.Logger) (vision.Scorer, error) {
	switch cfg.ScoringBackend {
	case "claude":
		logger.Info("using Claude scoring backend", "model", cfg.ClaudeModel)
		return claudevision.NewScorer(cfg.ClaudeAPIKey, cfg.ClaudeModel), nil
	case "openai":
		logger.Info("using OpenAI scoring backend", "model", cfg.OpenAIModel)
		return openaivision.NewScorer(cfg.OpenAIAPIKey, cfg.OpenAIModel), nil
	case "ollama":
		logger.Info("using Ollama scoring backend", "model", cfg.OllamaModel)
		return ollamavision.NewScorer(cfg.OllamaHost, cfg.OllamaModel), nil
	default:
		logger.Info("using OpenCV scoring backend")
		s, err := opencvvision.NewScorer()
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func newPhotoStore(ctx context.Context, cfg *config.Config) (photostore.PhotoStore, error) {
	if cfg.PhotoBackend == "gcs" {
		s, err := gcs.New(ctx, cfg.GCSBucket, cfg.GCSPrefix)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := local.New(cfg.PhotoPath)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// newScoreCache returns nil when caching is disabled.
func newScoreCache(ctx context.Context, cfg *config.Config) (scorecache.Cache, error) {
	switch cfg.ScoreCache {
	case "memory":
		return scorecache.NewMemory(cfg.ScoreCacheMax, cfg.ScoreCacheTTL), nil
	case "redis":
		r, err := scorecache.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ScoreCacheTTL)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, nil
	}
}

func closeWithLog(c io.Closer, label string, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Error("failed to close resource", "label", label, "error", err)
	}
}
