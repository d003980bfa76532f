// Package config loads process configuration from the environment (and an
// optional .env file for local development), the way the teacher's
// infrastructure/config loader did with EnvOrSecret/GetEnv, but without the
// Marble/TEE secret precedence this core has no use for.
package config

import (
	"fmt"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the full set of process settings for the knowledge-mapper
// core and pipeline binaries.
type Config struct {
	Postgres   PostgresConfig
	Redis      RedisConfig
	Log        LogConfig
	Provider   ProviderConfig
	HTTP       HTTPConfig
	Batch      BatchConfig
	Extraction ExtractionConfig
}

// ExtractionConfig configures the declarative domain-schema pipeline.
type ExtractionConfig struct {
	SchemaDir               string  `env:"SCHEMA_DIR,default=config/schemas"`
	SchemaHotReload         bool    `env:"SCHEMA_HOT_RELOAD,default=false"`
	ClassifierConfidenceFloor float64 `env:"CLASSIFIER_CONFIDENCE_FLOOR,default=0.5"`
}

// PostgresConfig configures the event store / read-model / consolidation
// relational backend.
type PostgresConfig struct {
	DSN             string `env:"DATABASE_URL,required"`
	MaxOpenConns    int    `env:"DATABASE_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns    int    `env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	MigrationsPath  string `env:"DATABASE_MIGRATIONS_PATH,default=embedded"`
}

// RedisConfig configures the shared circuit-breaker state and the
// embedding-similarity cache.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR,default=localhost:6379"`
	Password string `env:"REDIS_PASSWORD,default="`
	DB       int    `env:"REDIS_DB,default=0"`
}

// LogConfig configures the two ambient loggers.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
}

// ProviderConfig configures the inference/embedding provider and its
// circuit breaker.
type ProviderConfig struct {
	AnthropicAPIKey         string  `env:"ANTHROPIC_API_KEY,required"`
	VoyageAPIKey            string  `env:"VOYAGE_API_KEY,required"`
	ClassifierModel         string  `env:"CLASSIFIER_MODEL,default=claude-3-5-sonnet-20241022"`
	EmbeddingModel          string  `env:"EMBEDDING_MODEL,default=voyage-3"`
	RequestsPerSecond       float64 `env:"PROVIDER_REQUESTS_PER_SECOND,default=5"`
	BreakerFailureThreshold int     `env:"BREAKER_FAILURE_THRESHOLD,default=5"`
	BreakerRecoverySeconds  int     `env:"BREAKER_RECOVERY_SECONDS,default=60"`
	BreakerHalfOpenMax      int     `env:"BREAKER_HALF_OPEN_MAX,default=1"`
}

// HTTPConfig configures the ops/health surface.
type HTTPConfig struct {
	Addr string `env:"HTTP_ADDR,default=:8080"`
}

// BatchConfig configures the scheduled batch consolidation job.
type BatchConfig struct {
	CronSchedule string `env:"CONSOLIDATION_CRON,default=0 */6 * * *"`
	Concurrency  int    `env:"CONSOLIDATION_CONCURRENCY,default=4"`
}

// Load reads an optional .env file (local development convenience; absence
// is not an error) and then decodes the environment into a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !strings.Contains(err.Error(), "no such file") {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding environment: %w", err)
	}
	return &cfg, nil
}
