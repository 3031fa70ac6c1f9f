// Package config loads and validates application configuration from YAML
// files with environment-variable overrides. It provides typed structs for
// every subsystem (Corpus, Registry, Checkpoint, Review, Kafka, Redis, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Corpus     CorpusConfig     `yaml:"corpus"`
	Registry   RegistryConfig   `yaml:"registry"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	FastTier   FastTierConfig   `yaml:"fastTier"`
	Review     ReviewConfig     `yaml:"review"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// CorpusConfig locates the mention files produced by the external NER
// extractor: one file per source document, one JSON mention per line.
type CorpusConfig struct {
	Dir       string `yaml:"dir"`
	Extension string `yaml:"extension"`
}

// RegistryConfig controls candidate search. The similarity floor and
// candidate limit were tuned empirically; treat them as knobs, not truths.
type RegistryConfig struct {
	SimilarityFloor float64 `yaml:"similarityFloor"`
	CandidateLimit  int     `yaml:"candidateLimit"`
}

// CheckpointConfig controls snapshot cadence and location. A checkpoint is
// taken every IntervalDocs processed documents or every Interval, whichever
// comes first.
type CheckpointConfig struct {
	Dir          string        `yaml:"dir"`
	IntervalDocs int           `yaml:"intervalDocs"`
	Interval     time.Duration `yaml:"interval"`
}

// FastTierConfig controls the fast classification tier's worker pool and
// progress reporting.
type FastTierConfig struct {
	Workers          int           `yaml:"workers"`
	ProgressInterval time.Duration `yaml:"progressInterval"`
	StallTimeout     time.Duration `yaml:"stallTimeout"`
}

// ReviewConfig controls the review tier: the remote reasoning service
// endpoint, call pacing, and the checkpoint polling cadence.
type ReviewConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	Model          string        `yaml:"model"`
	APIKey         string        `yaml:"apiKey"`
	MaxTokens      int           `yaml:"maxTokens"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	Parallelism    int           `yaml:"parallelism"`
	CallsPerSecond float64       `yaml:"callsPerSecond"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	BatchSize      int           `yaml:"batchSize"`
	PollInterval   time.Duration `yaml:"pollInterval"`
}

// KafkaConfig holds broker and topic settings for decision-event
// publication and the downstream entity hand-off. Disabled by default.
type KafkaConfig struct {
	Enabled bool        `yaml:"enabled"`
	Brokers []string    `yaml:"brokers"`
	Topics  KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	DecisionEvents string `yaml:"decisionEvents"`
	EntityHandoff  string `yaml:"entityHandoff"`
}

// RedisConfig holds the optional review decision cache parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-
// variable overrides. It returns a Config populated with sensible defaults
// for any missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns a Config with defaults usable for local runs.
func defaultConfig() *Config {
	return &Config{
		Corpus: CorpusConfig{
			Dir:       "data/corpus",
			Extension: ".jsonl",
		},
		Registry: RegistryConfig{
			SimilarityFloor: 0.5,
			CandidateLimit:  5,
		},
		Checkpoint: CheckpointConfig{
			Dir:          "data/checkpoint",
			IntervalDocs: 200,
			Interval:     30 * time.Second,
		},
		FastTier: FastTierConfig{
			Workers:          4,
			ProgressInterval: 15 * time.Second,
			StallTimeout:     5 * time.Minute,
		},
		Review: ReviewConfig{
			Endpoint:       "http://localhost:11434/v1",
			Model:          "qwen2.5:14b",
			MaxTokens:      256,
			RequestTimeout: 120 * time.Second,
			Parallelism:    4,
			CallsPerSecond: 2,
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			BatchSize:      50,
			PollInterval:   10 * time.Second,
		},
		Kafka: KafkaConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topics: KafkaTopics{
				DecisionEvents: "entity-decisions",
				EntityHandoff:  "entity-handoff",
			},
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

func validate(cfg *Config) error {
	if cfg.Registry.SimilarityFloor < 0 || cfg.Registry.SimilarityFloor > 1 {
		return fmt.Errorf("registry.similarityFloor must be in [0,1], got %v", cfg.Registry.SimilarityFloor)
	}
	if cfg.Registry.CandidateLimit <= 0 {
		return fmt.Errorf("registry.candidateLimit must be positive, got %d", cfg.Registry.CandidateLimit)
	}
	if cfg.Review.Parallelism <= 0 {
		return fmt.Errorf("review.parallelism must be positive, got %d", cfg.Review.Parallelism)
	}
	if cfg.Review.BatchSize <= 0 {
		return fmt.Errorf("review.batchSize must be positive, got %d", cfg.Review.BatchSize)
	}
	return nil
}

// applyEnvOverrides reads ER_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ER_CORPUS_DIR"); v != "" {
		cfg.Corpus.Dir = v
	}
	if v := os.Getenv("ER_CHECKPOINT_DIR"); v != "" {
		cfg.Checkpoint.Dir = v
	}
	if v := os.Getenv("ER_REVIEW_ENDPOINT"); v != "" {
		cfg.Review.Endpoint = v
	}
	if v := os.Getenv("ER_REVIEW_MODEL"); v != "" {
		cfg.Review.Model = v
	}
	if v := os.Getenv("ER_REVIEW_API_KEY"); v != "" {
		cfg.Review.APIKey = v
	}
	if v := os.Getenv("ER_REVIEW_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Review.Parallelism = n
		}
	}
	if v := os.Getenv("ER_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Enabled = true
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("ER_REDIS_ADDR"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ER_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ER_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("ER_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
