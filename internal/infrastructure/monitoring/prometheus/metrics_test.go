package prometheus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAppMetrics(t *testing.T) (*AppMetrics, MetricsCollector) {
	t.Helper()
	c := newTestCollector(t)
	return NewAppMetrics(c), c
}

func TestNewAppMetrics_AllMetricsRegistered(t *testing.T) {
	m, _ := newTestAppMetrics(t)
	require.NotNil(t, m)

	assert.NotNil(t, m.HTTPRequestsTotal)
	assert.NotNil(t, m.IngestRowsTotal)
	assert.NotNil(t, m.MoleculesByState)
	assert.NotNil(t, m.PredictionJobsTotal)
	assert.NotNil(t, m.PredictionBreakerState)
	assert.NotNil(t, m.QueryDuration)
	assert.NotNil(t, m.LifecycleEventsTotal)
	assert.NotNil(t, m.ConsumerLag)
	assert.NotNil(t, m.ErrorsTotal)
}

func TestRecordHTTPRequest(t *testing.T) {
	m, c := newTestAppMetrics(t)

	RecordHTTPRequest(m, "GET", "/api/v1/molecules", 200, 100*time.Millisecond, 1024, 2048)

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, `test_unit_http_requests_total{method="GET",path="/api/v1/molecules",status_code="200"} 1`)
	assert.Contains(t, output, `test_unit_http_request_size_bytes_sum{method="GET",path="/api/v1/molecules"} 1024`)
	assert.Contains(t, output, `test_unit_http_response_size_bytes_sum{method="GET",path="/api/v1/molecules"} 2048`)
	assert.Contains(t, output, `test_unit_http_request_duration_seconds_count{method="GET",path="/api/v1/molecules"} 1`)
}

func TestRecordIngestRow(t *testing.T) {
	m, c := newTestAppMetrics(t)

	RecordIngestRow(m, "created")
	RecordIngestRow(m, "created")
	RecordIngestRow(m, "duplicate")
	RecordIngestRow(m, "invalid")

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, `test_unit_ingest_rows_total{outcome="created"} 2`)
	assert.Contains(t, output, `test_unit_ingest_rows_total{outcome="duplicate"} 1`)
	assert.Contains(t, output, `test_unit_ingest_rows_total{outcome="invalid"} 1`)
}

func TestRecordIngestUpload(t *testing.T) {
	m, c := newTestAppMetrics(t)

	RecordIngestUpload(m, "completed", 2*time.Second)

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, `test_unit_ingest_uploads_total{status="completed"} 1`)
	assert.Contains(t, output, "test_unit_ingest_upload_duration_seconds_count 1")
}

func TestRecordPredictionOutcome(t *testing.T) {
	m, c := newTestAppMetrics(t)

	RecordPredictionOutcome(m, "logP", "succeeded", 3*time.Second)

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, `test_unit_prediction_jobs_total{property="logP",state="succeeded"} 1`)
	assert.Contains(t, output, `test_unit_prediction_batch_duration_seconds_count{property="logP"} 1`)
}

func TestRecordLifecycleEvent(t *testing.T) {
	m, c := newTestAppMetrics(t)

	RecordLifecycleEvent(m, "validation_succeeded", "applied")
	RecordLifecycleEvent(m, "validation_succeeded", "duplicate")

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, `test_unit_lifecycle_events_total{kind="validation_succeeded",outcome="applied"} 1`)
	assert.Contains(t, output, `test_unit_lifecycle_events_total{kind="validation_succeeded",outcome="duplicate"} 1`)
}

func TestRecordDBQuery(t *testing.T) {
	m, c := newTestAppMetrics(t)

	RecordDBQuery(m, "postgres", "select", 10*time.Millisecond, nil)

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, `test_unit_db_query_duration_seconds_count{db="postgres",operation="select"} 1`)
	assert.NotContains(t, output, "test_unit_errors_total")
}

func TestRecordDBQuery_Error(t *testing.T) {
	m, c := newTestAppMetrics(t)

	RecordDBQuery(m, "postgres", "insert", 5*time.Millisecond, errors.New("db error"))

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, `test_unit_errors_total{component="postgres",error_type="query_error",severity="error"} 1`)
}

func TestRecordCacheAccess(t *testing.T) {
	m, c := newTestAppMetrics(t)

	RecordCacheAccess(m, "molecule_cache", true)
	RecordCacheAccess(m, "molecule_cache", true)
	RecordCacheAccess(m, "molecule_cache", false)

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, `test_unit_cache_hits_total{cache="molecule_cache"} 2`)
	assert.Contains(t, output, `test_unit_cache_misses_total{cache="molecule_cache"} 1`)
}

func TestRecordError(t *testing.T) {
	m, c := newTestAppMetrics(t)

	RecordError(m, "ingestion", "parse_error", "warn")

	assert.Contains(t, scrapeMetrics(t, c),
		`test_unit_errors_total{component="ingestion",error_type="parse_error",severity="warn"} 1`)
}

func TestBreakerStateGauge(t *testing.T) {
	m, c := newTestAppMetrics(t)

	m.PredictionBreakerState.WithLabelValues().Set(2)

	assert.Contains(t, scrapeMetrics(t, c), "test_unit_prediction_breaker_state 2")
}

func TestDefaultBuckets(t *testing.T) {
	assert.NotEmpty(t, DefaultHTTPDurationBuckets)
	assert.NotEmpty(t, DefaultDBDurationBuckets)
	assert.NotEmpty(t, DefaultBatchDurationBuckets)
	assert.NotEmpty(t, DefaultPredictionDurationBuckets)
}

func TestConcurrentMetricRecording(t *testing.T) {
	m, c := newTestAppMetrics(t)

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				RecordHTTPRequest(m, "GET", "/path", 200, time.Millisecond, 10, 10)
			}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Contains(t, scrapeMetrics(t, c),
		`test_unit_http_requests_total{method="GET",path="/path",status_code="200"} 1000`)
}
