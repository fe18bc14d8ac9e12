// Package config defines all configuration structures for the MolForge
// platform.  No I/O or parsing logic lives here — only plain data types and
// validation.
package config

import (
	"fmt"
	"time"
)

// ServerConfig holds HTTP server tunables.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // "debug" | "release" | "test"
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxBodySize     int64         `mapstructure:"max_body_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"db_name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	MigrationPath   string        `mapstructure:"migration_path"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	DefaultTTL   time.Duration `mapstructure:"default_ttl"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// KafkaConfig holds Apache Kafka producer/consumer parameters.
type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	GroupID           string   `mapstructure:"group_id"`
	AutoOffsetReset   string   `mapstructure:"auto_offset_reset"` // "earliest" | "latest"
	TimeoutMS         int      `mapstructure:"timeout_ms"`
	ProducerRetries   int      `mapstructure:"producer_retries"`
	BatchSize         int      `mapstructure:"batch_size"`
	AutoCreateTopics  bool     `mapstructure:"auto_create_topics"`
	ReplicationFactor int      `mapstructure:"replication_factor"`
	NumPartitions     int      `mapstructure:"num_partitions"`
}

// MilvusConfig holds Milvus vector-store connection parameters.
type MilvusConfig struct {
	Addr             string `mapstructure:"addr"`
	DBName           string `mapstructure:"db_name"`
	FingerprintBits  int    `mapstructure:"fingerprint_bits"`
	IndexType        string `mapstructure:"index_type"`
	DefaultTopK      int    `mapstructure:"default_top_k"`
	CollectionPrefix string `mapstructure:"collection_prefix"`
	Enabled          bool   `mapstructure:"enabled"`
}

// MinIOConfig holds MinIO / S3-compatible object-storage parameters.
type MinIOConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	AccessKey     string        `mapstructure:"access_key"`
	SecretKey     string        `mapstructure:"secret_key"`
	Bucket        string        `mapstructure:"bucket"`
	UseSSL        bool          `mapstructure:"use_ssl"`
	PresignExpiry time.Duration `mapstructure:"presign_expiry"`
}

// IngestConfig holds ingestion pipeline limits and tunables.
type IngestConfig struct {
	// MaxFileBytes is the hard cap on an uploaded file's size.
	MaxFileBytes int64 `mapstructure:"max_file_bytes"`
	// MaxRows is the hard cap on rows per upload.
	MaxRows int `mapstructure:"max_rows"`
	// BatchSize is the number of validated rows flushed to the store at once.
	BatchSize int `mapstructure:"batch_size"`
	// CheckpointEvery controls how often (in rows) progress is journalled.
	CheckpointEvery int `mapstructure:"checkpoint_every"`
	// StorageRetryMax bounds transient storage retries per batch.
	StorageRetryMax int `mapstructure:"storage_retry_max"`
	// ValidateWorkers is how many goroutines canonicalize rows per chunk.
	ValidateWorkers int `mapstructure:"validate_workers"`
	// PersistWorkers is how many goroutines write validated rows, partitioned
	// by content hash so per-molecule ordering holds.
	PersistWorkers int `mapstructure:"persist_workers"`
	// MaxConcurrentRuns caps ingestion runs executing at once in one process.
	MaxConcurrentRuns int `mapstructure:"max_concurrent_runs"`
	// OwnerSharePercent caps one owner's share of the run slots while other
	// owners are waiting.  100 disables the cap.
	OwnerSharePercent int `mapstructure:"owner_share_percent"`
}

// PredictionConfig holds the prediction coordinator's batching, retry,
// circuit-breaker, and polling parameters.
type PredictionConfig struct {
	// BatchSize is the maximum number of molecules per predictor submission.
	BatchSize int `mapstructure:"batch_size"`
	// BatchWindow is the maximum time a partially-filled batch waits before
	// being dispatched anyway.
	BatchWindow time.Duration `mapstructure:"batch_window"`

	// RetryBase is the initial backoff delay for transient failures.
	RetryBase time.Duration `mapstructure:"retry_base"`
	// RetryCap is the upper bound on a single backoff delay.
	RetryCap time.Duration `mapstructure:"retry_cap"`
	// RetryMaxAttempts bounds attempts per job before it fails permanently.
	RetryMaxAttempts int `mapstructure:"retry_max_attempts"`

	// BreakerWindow is how many recent dispatches the breaker samples.
	BreakerWindow int `mapstructure:"breaker_window"`
	// BreakerFailureRatio is the failure fraction that trips the breaker.
	BreakerFailureRatio float64 `mapstructure:"breaker_failure_ratio"`
	// BreakerMinRequests is the minimum sample size before tripping.
	BreakerMinRequests int `mapstructure:"breaker_min_requests"`
	// BreakerCooldown is how long the breaker stays open before half-open probes.
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`

	// PollInitial is the first status-poll interval for an in-flight batch.
	PollInitial time.Duration `mapstructure:"poll_initial"`
	// PollMax is the ceiling the poll interval grows to.
	PollMax time.Duration `mapstructure:"poll_max"`

	// MaxInFlightBatches caps how many predictor batches may be submitted or
	// running at once; dispatch pauses while the cap is reached.
	MaxInFlightBatches int `mapstructure:"max_in_flight_batches"`

	// AutoRequestProperties are queued for every newly ingested molecule.
	AutoRequestProperties []string `mapstructure:"auto_request_properties"`
}

// LifecycleConfig holds lifecycle-orchestrator tunables.
type LifecycleConfig struct {
	// EventDedupWindow is how long processed event IDs are remembered.
	EventDedupWindow time.Duration `mapstructure:"event_dedup_window"`
}

// AuthConfig holds identity-provider settings.  When disabled the API runs
// single-tenant: no token verification and every actor is allowed.
type AuthConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	Realm          string        `mapstructure:"realm"`
	ClientID       string        `mapstructure:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// PredictorConfig holds the external property-predictor endpoint parameters.
type PredictorConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// WorkerConfig holds background-worker execution parameters.
type WorkerConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	QueueDepth        int           `mapstructure:"queue_depth"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// LogConfig holds structured-logging parameters.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // "debug" | "info" | "warn" | "error"
	Format string `mapstructure:"format"` // "json" | "text"
	Output string `mapstructure:"output"`
}

// Config is the root configuration structure for the entire platform.
// Every infrastructure component and application service reads its settings
// from the relevant sub-struct.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Milvus     MilvusConfig     `mapstructure:"milvus"`
	MinIO      MinIOConfig      `mapstructure:"minio"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Prediction PredictionConfig `mapstructure:"prediction"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
	Predictor  PredictorConfig  `mapstructure:"predictor"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Log        LogConfig        `mapstructure:"log"`
}

// Validate performs semantic validation of the fully-populated Config.
// It returns the first error encountered; callers should treat any error as
// fatal and refuse to start the application.
func (c *Config) Validate() error {
	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d is out of range [1, 65535]", c.Server.Port)
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("config: server.mode %q is invalid; expected debug|release|test", c.Server.Mode)
	}

	// Database
	if c.Database.Host == "" {
		return fmt.Errorf("config: database.host is required")
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("config: database.port %d is out of range [1, 65535]", c.Database.Port)
	}
	if c.Database.User == "" {
		return fmt.Errorf("config: database.user is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("config: database.db_name is required")
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("config: database.max_conns must be >= 1, got %d", c.Database.MaxConns)
	}

	// Redis
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("config: redis.db must be >= 0, got %d", c.Redis.DB)
	}

	// Kafka
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers must contain at least one broker address")
	}
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("config: kafka.group_id is required")
	}

	// Ingest
	if c.Ingest.MaxFileBytes < 1 {
		return fmt.Errorf("config: ingest.max_file_bytes must be >= 1, got %d", c.Ingest.MaxFileBytes)
	}
	if c.Ingest.MaxRows < 1 {
		return fmt.Errorf("config: ingest.max_rows must be >= 1, got %d", c.Ingest.MaxRows)
	}
	if c.Ingest.BatchSize < 1 {
		return fmt.Errorf("config: ingest.batch_size must be >= 1, got %d", c.Ingest.BatchSize)
	}
	if c.Ingest.OwnerSharePercent < 1 || c.Ingest.OwnerSharePercent > 100 {
		return fmt.Errorf("config: ingest.owner_share_percent %d is out of range [1, 100]", c.Ingest.OwnerSharePercent)
	}

	// Prediction
	if c.Prediction.BatchSize < 1 {
		return fmt.Errorf("config: prediction.batch_size must be >= 1, got %d", c.Prediction.BatchSize)
	}
	if c.Prediction.RetryMaxAttempts < 1 {
		return fmt.Errorf("config: prediction.retry_max_attempts must be >= 1, got %d", c.Prediction.RetryMaxAttempts)
	}
	if c.Prediction.BreakerFailureRatio <= 0 || c.Prediction.BreakerFailureRatio > 1 {
		return fmt.Errorf("config: prediction.breaker_failure_ratio %v is out of range (0, 1]", c.Prediction.BreakerFailureRatio)
	}
	if c.Prediction.PollInitial > c.Prediction.PollMax {
		return fmt.Errorf("config: prediction.poll_initial must not exceed poll_max")
	}

	// Predictor
	if c.Predictor.BaseURL == "" {
		return fmt.Errorf("config: predictor.base_url is required")
	}

	// Worker
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("config: worker.concurrency must be >= 1, got %d", c.Worker.Concurrency)
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.BaseURL == "" {
			return fmt.Errorf("config: auth.base_url is required when auth is enabled")
		}
		if c.Auth.Realm == "" {
			return fmt.Errorf("config: auth.realm is required when auth is enabled")
		}
		if c.Auth.ClientID == "" {
			return fmt.Errorf("config: auth.client_id is required when auth is enabled")
		}
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level %q is invalid; expected debug|info|warn|error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: log.format %q is invalid; expected json|text", c.Log.Format)
	}

	return nil
}
