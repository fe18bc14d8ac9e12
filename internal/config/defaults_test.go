package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaults_FillsZeroValues(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, DefaultDBHost, cfg.Database.Host)
	assert.Equal(t, []string{DefaultKafkaBroker}, cfg.Kafka.Brokers)
	assert.Equal(t, DefaultIngestMaxFileBytes, cfg.Ingest.MaxFileBytes)
	assert.Equal(t, DefaultIngestMaxRows, cfg.Ingest.MaxRows)
	assert.Equal(t, DefaultIngestBatchSize, cfg.Ingest.BatchSize)
	assert.Equal(t, DefaultMaxConcurrentRuns, cfg.Ingest.MaxConcurrentRuns)
	assert.Equal(t, DefaultOwnerSharePercent, cfg.Ingest.OwnerSharePercent)
	assert.Equal(t, DefaultPredictionBatchSize, cfg.Prediction.BatchSize)
	assert.Equal(t, DefaultPredictionBatchWindow, cfg.Prediction.BatchWindow)
	assert.Equal(t, DefaultRetryBase, cfg.Prediction.RetryBase)
	assert.Equal(t, DefaultRetryCap, cfg.Prediction.RetryCap)
	assert.Equal(t, DefaultRetryMaxAttempts, cfg.Prediction.RetryMaxAttempts)
	assert.Equal(t, DefaultBreakerCooldown, cfg.Prediction.BreakerCooldown)
	assert.Equal(t, DefaultPollInitial, cfg.Prediction.PollInitial)
	assert.Equal(t, DefaultPollMax, cfg.Prediction.PollMax)
	assert.Equal(t, DefaultLifecycleDedupWindow, cfg.Lifecycle.EventDedupWindow)
	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
}

func TestApplyDefaults_DoesNotOverrideExplicit(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Port = 9999
	cfg.Ingest.BatchSize = 250
	cfg.Prediction.BatchWindow = 2 * time.Second
	ApplyDefaults(cfg)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 250, cfg.Ingest.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Prediction.BatchWindow)
}

func TestApplyDefaults_NilIsSafe(t *testing.T) {
	assert.NotPanics(t, func() { ApplyDefaults(nil) })
}
