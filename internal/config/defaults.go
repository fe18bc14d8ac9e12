// Package config provides configuration loading, defaults, and validation for
// the MolForge platform.
package config

import "time"

const (
	DefaultServerPort = 8080
	DefaultServerMode = "debug"

	DefaultDBHost     = "localhost"
	DefaultDBPort     = 5432
	DefaultDBName     = "molforge"
	DefaultDBMaxConns = 25

	DefaultRedisAddr = "localhost:6379"
	DefaultRedisDB   = 0

	DefaultKafkaBroker  = "localhost:9092"
	DefaultKafkaGroupID = "molforge-group"

	DefaultMilvusAddr = "localhost:19530"

	DefaultMinIOEndpoint = "localhost:9000"
	DefaultMinIOBucket   = "molforge-uploads"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultWorkerConcurrency = 10

	DefaultPredictorBaseURL = "http://localhost:8001"

	// Ingestion pipeline limits.
	DefaultIngestMaxFileBytes = int64(100 << 20) // 100 MiB
	DefaultIngestMaxRows      = 500_000
	DefaultIngestBatchSize    = 1000
	DefaultCheckpointEvery    = 1000
	DefaultStorageRetryMax    = 5
	DefaultValidateWorkers    = 8
	DefaultPersistWorkers     = 2
	DefaultMaxConcurrentRuns  = 4
	DefaultOwnerSharePercent  = 50

	// Prediction coordination.
	DefaultPredictionBatchSize    = 100
	DefaultPredictionBatchWindow  = 500 * time.Millisecond
	DefaultRetryBase              = 1 * time.Second
	DefaultRetryCap               = 5 * time.Minute
	DefaultRetryMaxAttempts       = 5
	DefaultBreakerWindow          = 50
	DefaultBreakerFailureRatio    = 0.5
	DefaultBreakerMinRequests     = 50
	DefaultBreakerCooldown        = 60 * time.Second
	DefaultPollInitial            = 2 * time.Second
	DefaultPollMax                = 60 * time.Second
	DefaultMaxInFlightBatches     = 8
	DefaultLifecycleDedupWindow   = 24 * time.Hour
	DefaultPredictorRequestTimout = 30 * time.Second
	DefaultAuthRequestTimeout     = 10 * time.Second
)

// ApplyDefaults fills every zero-value field in cfg with the platform default.
// Fields that have already been set by the caller (non-zero values) are left
// unchanged so that explicit configuration always wins.  It must be called
// after unmarshalling raw config data and before Validate() so that
// optional-but-defaulted fields are never seen as missing.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	// ── Server ────────────────────────────────────────────────────────────────
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultServerPort
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = DefaultServerMode
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	// ── Database ──────────────────────────────────────────────────────────────
	if cfg.Database.Host == "" {
		cfg.Database.Host = DefaultDBHost
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = DefaultDBPort
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = DefaultDBName
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = DefaultDBMaxConns
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}

	// ── Redis ─────────────────────────────────────────────────────────────────
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = DefaultRedisAddr
	}
	// DB is an int; 0 is a valid explicit value so we cannot distinguish "not
	// set" from "set to 0".  We leave it as-is (0 is also the default).
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "molforge"
	}

	// ── Kafka ─────────────────────────────────────────────────────────────────
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{DefaultKafkaBroker}
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = DefaultKafkaGroupID
	}
	if cfg.Kafka.AutoOffsetReset == "" {
		cfg.Kafka.AutoOffsetReset = "earliest"
	}

	// ── Milvus ────────────────────────────────────────────────────────────────
	if cfg.Milvus.Addr == "" {
		cfg.Milvus.Addr = DefaultMilvusAddr
	}
	if cfg.Milvus.FingerprintBits == 0 {
		cfg.Milvus.FingerprintBits = 2048
	}
	if cfg.Milvus.DefaultTopK == 0 {
		cfg.Milvus.DefaultTopK = 100
	}
	if cfg.Milvus.CollectionPrefix == "" {
		cfg.Milvus.CollectionPrefix = "molforge"
	}

	// ── MinIO ─────────────────────────────────────────────────────────────────
	if cfg.MinIO.Endpoint == "" {
		cfg.MinIO.Endpoint = DefaultMinIOEndpoint
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = DefaultMinIOBucket
	}

	// ── Ingest ────────────────────────────────────────────────────────────────
	if cfg.Ingest.MaxFileBytes == 0 {
		cfg.Ingest.MaxFileBytes = DefaultIngestMaxFileBytes
	}
	if cfg.Ingest.MaxRows == 0 {
		cfg.Ingest.MaxRows = DefaultIngestMaxRows
	}
	if cfg.Ingest.BatchSize == 0 {
		cfg.Ingest.BatchSize = DefaultIngestBatchSize
	}
	if cfg.Ingest.CheckpointEvery == 0 {
		cfg.Ingest.CheckpointEvery = DefaultCheckpointEvery
	}
	if cfg.Ingest.StorageRetryMax == 0 {
		cfg.Ingest.StorageRetryMax = DefaultStorageRetryMax
	}
	if cfg.Ingest.ValidateWorkers == 0 {
		cfg.Ingest.ValidateWorkers = DefaultValidateWorkers
	}
	if cfg.Ingest.PersistWorkers == 0 {
		cfg.Ingest.PersistWorkers = DefaultPersistWorkers
	}
	if cfg.Ingest.MaxConcurrentRuns == 0 {
		cfg.Ingest.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if cfg.Ingest.OwnerSharePercent == 0 {
		cfg.Ingest.OwnerSharePercent = DefaultOwnerSharePercent
	}

	// ── Prediction ────────────────────────────────────────────────────────────
	if cfg.Prediction.BatchSize == 0 {
		cfg.Prediction.BatchSize = DefaultPredictionBatchSize
	}
	if cfg.Prediction.BatchWindow == 0 {
		cfg.Prediction.BatchWindow = DefaultPredictionBatchWindow
	}
	if cfg.Prediction.RetryBase == 0 {
		cfg.Prediction.RetryBase = DefaultRetryBase
	}
	if cfg.Prediction.RetryCap == 0 {
		cfg.Prediction.RetryCap = DefaultRetryCap
	}
	if cfg.Prediction.RetryMaxAttempts == 0 {
		cfg.Prediction.RetryMaxAttempts = DefaultRetryMaxAttempts
	}
	if cfg.Prediction.BreakerWindow == 0 {
		cfg.Prediction.BreakerWindow = DefaultBreakerWindow
	}
	if cfg.Prediction.BreakerFailureRatio == 0 {
		cfg.Prediction.BreakerFailureRatio = DefaultBreakerFailureRatio
	}
	if cfg.Prediction.BreakerMinRequests == 0 {
		cfg.Prediction.BreakerMinRequests = DefaultBreakerMinRequests
	}
	if cfg.Prediction.BreakerCooldown == 0 {
		cfg.Prediction.BreakerCooldown = DefaultBreakerCooldown
	}
	if cfg.Prediction.PollInitial == 0 {
		cfg.Prediction.PollInitial = DefaultPollInitial
	}
	if cfg.Prediction.PollMax == 0 {
		cfg.Prediction.PollMax = DefaultPollMax
	}
	if cfg.Prediction.MaxInFlightBatches == 0 {
		cfg.Prediction.MaxInFlightBatches = DefaultMaxInFlightBatches
	}

	// ── Lifecycle ─────────────────────────────────────────────────────────────
	if cfg.Lifecycle.EventDedupWindow == 0 {
		cfg.Lifecycle.EventDedupWindow = DefaultLifecycleDedupWindow
	}

	// ── Predictor ─────────────────────────────────────────────────────────────
	if cfg.Predictor.BaseURL == "" {
		cfg.Predictor.BaseURL = DefaultPredictorBaseURL
	}
	if cfg.Predictor.RequestTimeout == 0 {
		cfg.Predictor.RequestTimeout = DefaultPredictorRequestTimout
	}

	// ── Worker ────────────────────────────────────────────────────────────────
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = DefaultWorkerConcurrency
	}
	if cfg.Worker.QueueDepth == 0 {
		cfg.Worker.QueueDepth = 1024
	}

	// ── Auth ──────────────────────────────────────────────────────────────────
	if cfg.Auth.RequestTimeout == 0 {
		cfg.Auth.RequestTimeout = DefaultAuthRequestTimeout
	}

	// ── Log ───────────────────────────────────────────────────────────────────
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}
