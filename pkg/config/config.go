// Package config loads ranking-engine configuration from YAML files with
// environment-variable overrides. It provides typed structs for the scorer
// parameters and for every backing service (statistics store, cache,
// analytics bus, HTTP server).
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
	Server   ServerConfig   `yaml:"server"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Stats    StatsConfig    `yaml:"stats"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Ranking  RankingConfig  `yaml:"ranking"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// RateLimit is requests per second per client; 0 disables limiting.
	RateLimit       float64       `yaml:"rateLimit"`
	RateBurst       int           `yaml:"rateBurst"`
}

// ScoringConfig selects the retrieval model and its parameters. Only the
// keys of FieldWeights are used by the mixture model.
type ScoringConfig struct {
	Model           string             `yaml:"model"`
	Field           string             `yaml:"field"`
	SmoothingMethod string             `yaml:"smoothingMethod"`
	SmoothingParam  float64            `yaml:"smoothingParam"`
	FieldWeights    map[string]float64 `yaml:"fieldWeights"`
	Trace           bool               `yaml:"trace"`
}

// StatsConfig chooses where corpus statistics come from.
type StatsConfig struct {
	// Backend is "memory" or "postgres".
	Backend       string   `yaml:"backend"`
	// Analyzer is "standard" or "whitespace" and applies to both documents
	// and queries.
	Analyzer      string   `yaml:"analyzer"`
	CorpusPath    string   `yaml:"corpusPath"`
	SnapshotPath  string   `yaml:"snapshotPath"`
	IndexedFields []string `yaml:"indexedFields"`
	CacheSize     int      `yaml:"cacheSize"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis connection and statistics-cache parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// KafkaConfig holds broker and topic settings for ranking analytics.
type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumerGroup"`
	RankTopic     string   `yaml:"rankTopic"`
}

// RankingConfig bounds a single ranking run.
type RankingConfig struct {
	Workers      int           `yaml:"workers"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DefaultLimit int           `yaml:"defaultLimit"`
	MaxResults   int           `yaml:"maxResults"`
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

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateBurst:       20,
		},
		Scoring: ScoringConfig{
			Model:           "lm",
			Field:           "contents",
			SmoothingMethod: "jm",
			SmoothingParam:  0.1,
		},
		Stats: StatsConfig{
			Backend:   "memory",
			Analyzer:  "standard",
			CacheSize: 4096,
			IndexedFields: []string{
				"product_name", "title", "brand", "short_description",
				"description", "characters", "category", "main_category", "queries",
			},
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "livinglabs",
			User:            "livinglabs",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 10 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "livinglabs-ranker",
			RankTopic:     "rank-events",
		},
		Ranking: RankingConfig{
			Workers:      8,
			BatchTimeout: 30 * time.Second,
			DefaultLimit: 100,
			MaxResults:   1000,
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

// applyEnvOverrides reads LL_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LL_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LL_SERVER_RATE_LIMIT"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Server.RateLimit = rps
		}
	}
	if v := os.Getenv("LL_SCORING_MODEL"); v != "" {
		cfg.Scoring.Model = v
	}
	if v := os.Getenv("LL_SCORING_FIELD"); v != "" {
		cfg.Scoring.Field = v
	}
	if v := os.Getenv("LL_SCORING_SMOOTHING_METHOD"); v != "" {
		cfg.Scoring.SmoothingMethod = v
	}
	if v := os.Getenv("LL_SCORING_SMOOTHING_PARAM"); v != "" {
		if lambda, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Scoring.SmoothingParam = lambda
		}
	}
	// LL_SCORING_FIELDS is a comma separated list of field names; weights
	// are not used by the mixture model so every field gets 1.
	if v := os.Getenv("LL_SCORING_FIELDS"); v != "" {
		cfg.Scoring.FieldWeights = make(map[string]float64)
		for _, field := range strings.Split(v, ",") {
			if field = strings.TrimSpace(field); field != "" {
				cfg.Scoring.FieldWeights[field] = 1
			}
		}
	}
	if v := os.Getenv("LL_STATS_BACKEND"); v != "" {
		cfg.Stats.Backend = v
	}
	if v := os.Getenv("LL_STATS_ANALYZER"); v != "" {
		cfg.Stats.Analyzer = v
	}
	if v := os.Getenv("LL_STATS_CORPUS"); v != "" {
		cfg.Stats.CorpusPath = v
	}
	if v := os.Getenv("LL_STATS_SNAPSHOT"); v != "" {
		cfg.Stats.SnapshotPath = v
	}
	if v := os.Getenv("LL_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("LL_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("LL_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("LL_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("LL_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("LL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("LL_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LL_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("LL_RANKING_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ranking.Workers = n
		}
	}
	if v := os.Getenv("LL_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LL_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
