package config

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the foodgraph worker.
// Configuration can come from a YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, broker URLs with credentials) must only come from environment variables.
type Config struct {
	Env     string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version string `yaml:"-"` // Set at load time, not from config

	// MigrationsPath is the directory holding golang-migrate SQL files.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"./migrations"`

	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Processing ProcessingConfig `yaml:"processing"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Replay     ReplayConfig     `yaml:"replay"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"foodgraph"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"foodgraph"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis configuration. Redis is only required when the
// replay lock backend is "redis".
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// QueueConfig holds the AMQP broker settings for batch intake and enrichment hand-off.
type QueueConfig struct {
	URL             string `yaml:"-" env:"AMQP_URL"` // Secret - contains credentials
	BatchQueue      string `yaml:"batch_queue" env:"QUEUE_BATCH_NAME" env-default:"mention_batches"`
	EnrichmentQueue string `yaml:"enrichment_queue" env:"QUEUE_ENRICHMENT_NAME" env-default:"restaurant_enrichment"`
	// MaxDeliveries is how many times a failing batch is re-queued before it is dead-lettered.
	MaxDeliveries int           `yaml:"max_deliveries" env:"QUEUE_MAX_DELIVERIES" env-default:"10"`
	RetryDelay    time.Duration `yaml:"retry_delay" env:"QUEUE_RETRY_DELAY" env-default:"10s"`
	Prefetch      int           `yaml:"prefetch" env:"QUEUE_PREFETCH" env-default:"1"`
}

// ProcessingConfig holds the consolidated mention processor options.
type ProcessingConfig struct {
	EnableQualityScores bool          `yaml:"enable_quality_scores" env:"PROCESSING_ENABLE_QUALITY_SCORES" env-default:"true"`
	MaxRetries          int           `yaml:"max_retries" env:"PROCESSING_MAX_RETRIES" env-default:"3"`
	BatchTimeout        time.Duration `yaml:"batch_timeout" env:"PROCESSING_BATCH_TIMEOUT" env-default:"300s"`
	BatchSize           int           `yaml:"batch_size" env:"PROCESSING_BATCH_SIZE" env-default:"250"`

	// RecentWindow bounds which mentions count toward recent_mention_count.
	RecentWindow time.Duration `yaml:"recent_window" env:"PROCESSING_RECENT_WINDOW" env-default:"720h"`
	// ActiveWindow is how recently a connection must have been mentioned to be "active".
	ActiveWindow time.Duration `yaml:"active_window" env:"PROCESSING_ACTIVE_WINDOW" env-default:"168h"`
	// TrendingThreshold is the recent mention count at which an active connection is "trending".
	TrendingThreshold int `yaml:"trending_threshold" env:"PROCESSING_TRENDING_THRESHOLD" env-default:"5"`
	// ScoringConcurrency bounds how many restaurants are rescored in parallel.
	ScoringConcurrency int `yaml:"scoring_concurrency" env:"PROCESSING_SCORING_CONCURRENCY" env-default:"4"`
}

// ScoringConfig holds the decay and weighting parameters of the quality score engine.
type ScoringConfig struct {
	MentionDecayPeriod time.Duration `yaml:"mention_decay_period" env:"SCORING_MENTION_DECAY_PERIOD" env-default:"2160h"`
	UpvoteDecayPeriod  time.Duration `yaml:"upvote_decay_period" env:"SCORING_UPVOTE_DECAY_PERIOD" env-default:"1440h"`

	// NormalizationScale multiplies log1p(score) before clamping to 100.
	NormalizationScale float64 `yaml:"normalization_scale" env:"SCORING_NORMALIZATION_SCALE" env-default:"20"`

	MentionWeight float64 `yaml:"mention_weight" env:"SCORING_MENTION_WEIGHT" env-default:"0.4"`
	UpvoteWeight  float64 `yaml:"upvote_weight" env:"SCORING_UPVOTE_WEIGHT" env-default:"0.6"`

	PrimaryWeight   float64 `yaml:"primary_weight" env:"SCORING_PRIMARY_WEIGHT" env-default:"0.85"`
	SecondaryWeight float64 `yaml:"secondary_weight" env:"SCORING_SECONDARY_WEIGHT" env-default:"0.15"`

	TopFoodWeight     float64 `yaml:"top_food_weight" env:"SCORING_TOP_FOOD_WEIGHT" env-default:"0.6"`
	ConsistencyWeight float64 `yaml:"consistency_weight" env:"SCORING_CONSISTENCY_WEIGHT" env-default:"0.3"`
	PraiseWeight      float64 `yaml:"praise_weight" env:"SCORING_PRAISE_WEIGHT" env-default:"0.1"`

	// FallbackRestaurantScore is used when a restaurant has never been scored.
	FallbackRestaurantScore float64 `yaml:"fallback_restaurant_score" env:"SCORING_FALLBACK_RESTAURANT_SCORE" env-default:"50"`
	// MinPerformanceWeight floors per-connection weights in category/attribute performance.
	MinPerformanceWeight float64 `yaml:"min_performance_weight" env:"SCORING_MIN_PERFORMANCE_WEIGHT" env-default:"0.1"`
}

// ReplayConfig holds the per-restaurant boost replay lock settings.
type ReplayConfig struct {
	// LockBackend is one of "postgres", "redis" or "local".
	LockBackend string        `yaml:"lock_backend" env:"REPLAY_LOCK_BACKEND" env-default:"postgres"`
	LockTTL     time.Duration `yaml:"lock_ttl" env:"REPLAY_LOCK_TTL" env-default:"2m"`
	LockWait    time.Duration `yaml:"lock_wait" env:"REPLAY_LOCK_WAIT" env-default:"30s"`
}

// TelemetryConfig holds OpenTelemetry tracing settings.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" env:"OTEL_ENABLED" env-default:"false"`
	ServiceName string  `yaml:"service_name" env:"OTEL_SERVICE_NAME" env-default:"foodgraph-worker"`
	Exporter    string  `yaml:"exporter" env:"OTEL_EXPORTER" env-default:"stdout"` // "stdout" or "otlp"
	Endpoint    string  `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:""`
	SampleRatio float64 `yaml:"sample_ratio" env:"OTEL_SAMPLER_RATIO" env-default:"0.1"`
}

// LoadDotEnv copies variables from the .env files at paths (default ".env")
// into the process environment without overriding variables already set.
// It reports whether any file was loaded; a missing file is not an error.
func LoadDotEnv(paths ...string) bool {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	loaded := false
	for _, p := range paths {
		if err := godotenv.Load(p); err == nil {
			loaded = true
		}
	}
	return loaded
}

// Load reads configuration from the YAML file at path with environment variable overrides.
// A missing file is not an error: the configuration is then read from the environment alone.
// The version parameter is injected at build time and set on the returned Config.
func Load(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks cross-field constraints cleanenv cannot express.
func (c *Config) Validate() error {
	p := c.Processing
	if p.BatchSize <= 0 {
		return fmt.Errorf("processing.batch_size must be positive, got %d", p.BatchSize)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("processing.max_retries must not be negative, got %d", p.MaxRetries)
	}
	if p.BatchTimeout <= 0 {
		return fmt.Errorf("processing.batch_timeout must be positive")
	}

	s := c.Scoring
	if s.MentionDecayPeriod <= 0 || s.UpvoteDecayPeriod <= 0 {
		return fmt.Errorf("scoring decay periods must be positive")
	}
	for name, w := range map[string]float64{
		"mention_weight":     s.MentionWeight,
		"upvote_weight":      s.UpvoteWeight,
		"primary_weight":     s.PrimaryWeight,
		"secondary_weight":   s.SecondaryWeight,
		"top_food_weight":    s.TopFoodWeight,
		"consistency_weight": s.ConsistencyWeight,
		"praise_weight":      s.PraiseWeight,
	} {
		if w < 0 || w > 1 {
			return fmt.Errorf("scoring.%s must be within [0, 1], got %v", name, w)
		}
	}

	switch c.Replay.LockBackend {
	case "postgres", "local":
	case "redis":
		if c.Redis.Host == "" {
			return fmt.Errorf("replay.lock_backend is redis but redis.host is empty")
		}
	default:
		return fmt.Errorf("unknown replay.lock_backend %q", c.Replay.LockBackend)
	}

	return nil
}

// ConnectionString returns a PostgreSQL connection URL.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, resolveHost(c.Host), c.Port, c.Database, c.SSLMode,
	)
}

// Addr returns the Redis host:port address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", resolveHost(c.Host), c.Port)
}

var (
	inContainerOnce sync.Once
	inContainer     bool
)

// runningInContainer reports whether /.dockerenv exists. Cached after the first call.
func runningInContainer() bool {
	inContainerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		inContainer = err == nil
	})
	return inContainer
}

// resolveHost maps loopback hosts to host.docker.internal when the worker runs
// in a container, so a compose-less local setup can reach services on the host.
func resolveHost(host string) string {
	if !runningInContainer() {
		return host
	}
	if host == "localhost" || host == "127.0.0.1" {
		return "host.docker.internal"
	}
	return host
}
