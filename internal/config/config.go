package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables before they are matched
// against koanf tags, e.g. MATERIALAI_DB_PATH -> db_path.
const EnvPrefix = "MATERIALAI_"

type Config struct {
	ListenAddr      string        `koanf:"listen_addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	DBPath          string        `koanf:"db_path"`

	ScoringBackend string        `koanf:"scoring_backend"`
	ScoringTimeout time.Duration `koanf:"scoring_timeout"`
	ScoringRetry   bool          `koanf:"scoring_retry"`

	OllamaHost   string `koanf:"ollama_host"`
	OllamaModel  string `koanf:"ollama_model"`
	ClaudeAPIKey string `koanf:"claude_api_key"`
	ClaudeModel  string `koanf:"claude_model"`
	OpenAIAPIKey string `koanf:"openai_api_key"`
	OpenAIModel  string `koanf:"openai_model"`

	ScoreCache    string        `koanf:"score_cache"`
	ScoreCacheTTL time.Duration `koanf:"score_cache_ttl"`
	ScoreCacheMax int           `koanf:"score_cache_max"`
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db"`

	PhotoBackend string `koanf:"photo_backend"`
	PhotoPath    string `koanf:"photo_local_path"`
	GCSBucket    string `koanf:"gcs_bucket"`
	GCSPrefix    string `koanf:"gcs_prefix"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
	LogFile   string `koanf:"log_file"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		ListenAddr:      ":8080",
		ShutdownTimeout: 30 * time.Second,
		DBPath:          "/data/materialai.db",
		ScoringBackend:  "opencv",
		ScoringTimeout:  60 * time.Second,
		ScoringRetry:    true,
		OllamaHost:      "http://localhost:11434",
		OllamaModel:     "llava",
		ClaudeModel:     "claude-sonnet-4-5",
		OpenAIModel:     "gpt-4o",
		ScoreCache:      "memory",
		ScoreCacheTTL:   7 * 24 * time.Hour,
		ScoreCacheMax:   512,
		RedisAddr:       "localhost:6379",
		PhotoBackend:    "local",
		PhotoPath:       "/data/photos",
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// Load layers, from lowest to highest precedence: defaults, the YAML file
// named by MATERIALAI_CONFIG, and MATERIALAI_* environment variables. A .env
// file in the working directory is loaded into the environment first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if path := os.Getenv(EnvPrefix + "CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be positive")
	}
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	if c.ScoringTimeout <= 0 {
		return errors.New("scoring_timeout must be positive")
	}
	switch c.ScoringBackend {
	case "opencv", "ollama":
	case "claude":
		if c.ClaudeAPIKey == "" {
			return errors.New("claude_api_key is required when scoring_backend=claude")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return errors.New("openai_api_key is required when scoring_backend=openai")
		}
	default:
		return fmt.Errorf("unknown scoring_backend %q", c.ScoringBackend)
	}
	switch c.ScoreCache {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("unknown score_cache %q", c.ScoreCache)
	}
	switch c.PhotoBackend {
	case "local":
	case "gcs":
		if c.GCSBucket == "" {
			return errors.New("gcs_bucket is required when photo_backend=gcs")
		}
	default:
		return fmt.Errorf("unknown photo_backend %q", c.PhotoBackend)
	}
	return nil
}
