// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Log, Index, Query, Session, Redis, Kafka, Postgres, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MinSlots is the smallest node fan-out the index accepts.
const MinSlots = 4

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Index     IndexConfig     `yaml:"index"`
	Query     QueryConfig     `yaml:"query"`
	Session   SessionConfig   `yaml:"session"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// RateLimit is the number of query requests each client may make per
	// minute. Zero disables limiting.
	RateLimit   int      `yaml:"rateLimit"`
	CORSOrigins []string `yaml:"corsOrigins"`
}

// LogConfig points at the impression/click log being indexed.
type LogConfig struct {
	Path string `yaml:"path"`
}

// IndexConfig controls the shape of the in-memory B+ tree and how the log is
// scanned to build it.
type IndexConfig struct {
	LeafSlots      int   `yaml:"leafSlots"`
	InnerSlots     int   `yaml:"innerSlots"`
	BuildWorkers   int   `yaml:"buildWorkers"`
	ProgressEvery  int64 `yaml:"progressEvery"`
	ReadBufferSize int   `yaml:"readBufferSize"`
}

// QueryConfig controls query-time parallelism.
type QueryConfig struct {
	FetchWorkers      int `yaml:"fetchWorkers"`
	ProfitWorkers     int `yaml:"profitWorkers"`
	ParallelThreshold int `yaml:"parallelThreshold"`
}

// SessionConfig controls the line-oriented command session.
type SessionConfig struct {
	Separator string `yaml:"separator"`
	Timing    bool   `yaml:"timing"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
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

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	QueryEvents string `yaml:"queryEvents"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// AnalyticsConfig controls query-event collection and snapshotting.
type AnalyticsConfig struct {
	BufferSize       int           `yaml:"bufferSize"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls span logging.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values, or an error if the result does not validate.
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config suitable for indexing a local log with no
// external services.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			RequestTimeout:  2 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Index: IndexConfig{
			LeafSlots:      128,
			InnerSlots:     128,
			BuildWorkers:   1,
			ProgressEvery:  1_000_000,
			ReadBufferSize: 1 << 20,
		},
		Query: QueryConfig{
			FetchWorkers:      8,
			ProfitWorkers:     8,
			ParallelThreshold: 256,
		},
		Session: SessionConfig{
			Separator: "********************",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "adlog",
			User:            "adlog",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "adlog-analytics",
			Topics: KafkaTopics{
				QueryEvents: "adlog-query-events",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 10 * time.Minute,
		},
		Analytics: AnalyticsConfig{
			BufferSize:       10000,
			SnapshotInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Port: 9090,
		},
	}
}

// Validate rejects settings the index and query engine cannot run with.
func (c *Config) Validate() error {
	if c.Index.LeafSlots < MinSlots || c.Index.InnerSlots < MinSlots {
		return fmt.Errorf("index slots must be at least %d (leaf=%d inner=%d)",
			MinSlots, c.Index.LeafSlots, c.Index.InnerSlots)
	}
	if c.Index.BuildWorkers <= 0 {
		return fmt.Errorf("index.buildWorkers must be positive, got %d", c.Index.BuildWorkers)
	}
	if c.Query.FetchWorkers <= 0 || c.Query.ProfitWorkers <= 0 {
		return fmt.Errorf("query workers must be positive (fetch=%d profit=%d)",
			c.Query.FetchWorkers, c.Query.ProfitWorkers)
	}
	if c.Query.ParallelThreshold < 0 {
		return fmt.Errorf("query.parallelThreshold must not be negative, got %d", c.Query.ParallelThreshold)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rateLimit must not be negative, got %d", c.Server.RateLimit)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka enabled but no brokers configured")
	}
	return nil
}

// applyEnvOverrides reads AL_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AL_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AL_LOG_PATH"); v != "" {
		cfg.Log.Path = v
	}
	if v := os.Getenv("AL_INDEX_SLOTS"); v != "" {
		if slots, err := strconv.Atoi(v); err == nil {
			cfg.Index.LeafSlots = slots
			cfg.Index.InnerSlots = slots
		}
	}
	if v := os.Getenv("AL_INDEX_BUILD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Index.BuildWorkers = n
		}
	}
	if v := os.Getenv("AL_QUERY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Query.FetchWorkers = n
			cfg.Query.ProfitWorkers = n
		}
	}
	if v := os.Getenv("AL_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("AL_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("AL_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("AL_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("AL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("AL_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AL_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AL_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
