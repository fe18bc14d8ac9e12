package prometheus

import (
	"strconv"
	"time"
)

// AppMetrics holds every application metric, registered once at startup and
// shared by all layers.
type AppMetrics struct {
	// HTTP layer.
	HTTPRequestsTotal   CounterVec
	HTTPRequestDuration HistogramVec
	HTTPRequestSize     HistogramVec
	HTTPResponseSize    HistogramVec
	HTTPActiveRequests  GaugeVec

	// Ingestion.
	IngestUploadsTotal     CounterVec
	IngestRowsTotal        CounterVec
	IngestBatchDuration    HistogramVec
	IngestCheckpointsTotal CounterVec
	IngestActiveUploads    GaugeVec
	IngestUploadDuration   HistogramVec
	IngestBytesReadTotal   CounterVec

	// Molecule store.
	MoleculesByState      GaugeVec
	MoleculeUpsertsTotal  CounterVec
	StateTransitionsTotal CounterVec

	// Prediction coordination.
	PredictionJobsTotal       CounterVec
	PredictionBatchSize       HistogramVec
	PredictionBatchDuration   HistogramVec
	PredictionRetriesTotal    CounterVec
	PredictionPollCyclesTotal CounterVec
	PredictionQueueDepth      GaugeVec
	PredictionBreakerState    GaugeVec

	// Query.
	QueryDuration            HistogramVec
	QueryResultCount         HistogramVec
	SimilaritySearchDuration HistogramVec

	// Lifecycle events.
	LifecycleEventsTotal    CounterVec
	LifecycleDedupHitsTotal CounterVec

	// Infrastructure.
	DBConnectionPoolSize   GaugeVec
	DBConnectionPoolActive GaugeVec
	DBQueryDuration        HistogramVec
	CacheHitsTotal         CounterVec
	CacheMissesTotal       CounterVec
	ConsumerLag            GaugeVec
	MessagesProcessedTotal CounterVec
	MessagesDeadLettered   CounterVec
	MessageProcessDuration HistogramVec

	// System health.
	ServiceUptime     GaugeVec
	HealthCheckStatus GaugeVec
	ErrorsTotal       CounterVec
}

// Default buckets, in seconds unless the name says otherwise.
var (
	DefaultHTTPDurationBuckets       = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	DefaultDBDurationBuckets         = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5}
	DefaultBatchDurationBuckets      = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}
	DefaultPredictionDurationBuckets = []float64{.5, 1, 2, 5, 10, 30, 60, 120, 300}
	DefaultSizeBuckets               = []float64{100, 1000, 10000, 100000, 1000000, 10000000}
	DefaultResultCountBuckets        = []float64{0, 1, 10, 50, 100, 500, 1000, 5000}
)

// NewAppMetrics registers all metrics against the collector.
func NewAppMetrics(collector MetricsCollector) *AppMetrics {
	m := &AppMetrics{}

	// HTTP
	m.HTTPRequestsTotal = collector.RegisterCounter("http_requests_total", "Total HTTP requests", "method", "path", "status_code")
	m.HTTPRequestDuration = collector.RegisterHistogram("http_request_duration_seconds", "HTTP request duration", DefaultHTTPDurationBuckets, "method", "path")
	m.HTTPRequestSize = collector.RegisterHistogram("http_request_size_bytes", "HTTP request size", DefaultSizeBuckets, "method", "path")
	m.HTTPResponseSize = collector.RegisterHistogram("http_response_size_bytes", "HTTP response size", DefaultSizeBuckets, "method", "path")
	m.HTTPActiveRequests = collector.RegisterGauge("http_active_requests", "In-flight HTTP requests", "method", "path")

	// Ingestion
	m.IngestUploadsTotal = collector.RegisterCounter("ingest_uploads_total", "CSV uploads by terminal status", "status")
	m.IngestRowsTotal = collector.RegisterCounter("ingest_rows_total", "Ingested CSV rows by outcome", "outcome")
	m.IngestBatchDuration = collector.RegisterHistogram("ingest_batch_duration_seconds", "Row batch flush duration", DefaultBatchDurationBuckets)
	m.IngestCheckpointsTotal = collector.RegisterCounter("ingest_checkpoints_total", "Checkpoints written during ingestion")
	m.IngestActiveUploads = collector.RegisterGauge("ingest_active_uploads", "Uploads currently being processed")
	m.IngestUploadDuration = collector.RegisterHistogram("ingest_upload_duration_seconds", "End-to-end upload processing duration", DefaultPredictionDurationBuckets)
	m.IngestBytesReadTotal = collector.RegisterCounter("ingest_bytes_read_total", "Bytes streamed from upload blobs")

	// Molecule store
	m.MoleculesByState = collector.RegisterGauge("molecules_by_state", "Molecule count by lifecycle state", "state")
	m.MoleculeUpsertsTotal = collector.RegisterCounter("molecule_upserts_total", "Molecule upserts by outcome", "outcome")
	m.StateTransitionsTotal = collector.RegisterCounter("state_transitions_total", "Lifecycle state transitions", "from", "to")

	// Prediction
	m.PredictionJobsTotal = collector.RegisterCounter("prediction_jobs_total", "Prediction jobs by terminal state", "property", "state")
	m.PredictionBatchSize = collector.RegisterHistogram("prediction_batch_size", "Molecules per dispatched batch", []float64{1, 5, 10, 25, 50, 75, 100})
	m.PredictionBatchDuration = collector.RegisterHistogram("prediction_batch_duration_seconds", "Batch submit-to-result duration", DefaultPredictionDurationBuckets, "property")
	m.PredictionRetriesTotal = collector.RegisterCounter("prediction_retries_total", "Prediction job retries", "property", "reason")
	m.PredictionPollCyclesTotal = collector.RegisterCounter("prediction_poll_cycles_total", "Status poll cycles by result", "result")
	m.PredictionQueueDepth = collector.RegisterGauge("prediction_queue_depth", "Queued prediction jobs", "property")
	m.PredictionBreakerState = collector.RegisterGauge("prediction_breaker_state", "Circuit breaker state (0=closed, 1=half-open, 2=open)")

	// Query
	m.QueryDuration = collector.RegisterHistogram("query_duration_seconds", "Molecule query duration", DefaultHTTPDurationBuckets, "query_type")
	m.QueryResultCount = collector.RegisterHistogram("query_result_count", "Rows returned per query page", DefaultResultCountBuckets, "query_type")
	m.SimilaritySearchDuration = collector.RegisterHistogram("similarity_search_duration_seconds", "Fingerprint similarity search duration", DefaultHTTPDurationBuckets)

	// Lifecycle
	m.LifecycleEventsTotal = collector.RegisterCounter("lifecycle_events_total", "Lifecycle events by kind and outcome", "kind", "outcome")
	m.LifecycleDedupHitsTotal = collector.RegisterCounter("lifecycle_dedup_hits_total", "Lifecycle events dropped as duplicates", "kind")

	// Infrastructure
	m.DBConnectionPoolSize = collector.RegisterGauge("db_pool_size", "Database connection pool size", "db")
	m.DBConnectionPoolActive = collector.RegisterGauge("db_pool_active", "Database active connections", "db")
	m.DBQueryDuration = collector.RegisterHistogram("db_query_duration_seconds", "Database query duration", DefaultDBDurationBuckets, "db", "operation")
	m.CacheHitsTotal = collector.RegisterCounter("cache_hits_total", "Cache hits", "cache")
	m.CacheMissesTotal = collector.RegisterCounter("cache_misses_total", "Cache misses", "cache")
	m.ConsumerLag = collector.RegisterGauge("consumer_lag", "Kafka consumer lag", "topic")
	m.MessagesProcessedTotal = collector.RegisterCounter("messages_processed_total", "Messages consumed by outcome", "topic", "outcome")
	m.MessagesDeadLettered = collector.RegisterCounter("messages_dead_lettered_total", "Messages routed to a dead-letter topic", "topic")
	m.MessageProcessDuration = collector.RegisterHistogram("message_process_duration_seconds", "Message handler duration", DefaultHTTPDurationBuckets, "topic")

	// System health
	m.ServiceUptime = collector.RegisterGauge("service_uptime_seconds", "Service uptime", "service")
	m.HealthCheckStatus = collector.RegisterGauge("health_check_status", "Health check status (1=up, 0=down)", "component")
	m.ErrorsTotal = collector.RegisterCounter("errors_total", "Total errors", "component", "error_type", "severity")

	return m
}

// Helpers for the common multi-metric recordings.

func RecordHTTPRequest(metrics *AppMetrics, method, path string, statusCode int, duration time.Duration, reqSize, respSize int64) {
	status := strconv.Itoa(statusCode)
	metrics.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	metrics.HTTPRequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	metrics.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(respSize))
}

// RecordIngestRow tallies one classified CSV row. Outcome is one of
// created, duplicate, invalid, failed.
func RecordIngestRow(metrics *AppMetrics, outcome string) {
	metrics.IngestRowsTotal.WithLabelValues(outcome).Inc()
}

func RecordIngestUpload(metrics *AppMetrics, status string, duration time.Duration) {
	metrics.IngestUploadsTotal.WithLabelValues(status).Inc()
	metrics.IngestUploadDuration.WithLabelValues().Observe(duration.Seconds())
}

func RecordPredictionOutcome(metrics *AppMetrics, property, state string, batchDuration time.Duration) {
	metrics.PredictionJobsTotal.WithLabelValues(property, state).Inc()
	metrics.PredictionBatchDuration.WithLabelValues(property).Observe(batchDuration.Seconds())
}

func RecordLifecycleEvent(metrics *AppMetrics, kind, outcome string) {
	metrics.LifecycleEventsTotal.WithLabelValues(kind, outcome).Inc()
}

func RecordDBQuery(metrics *AppMetrics, db, operation string, duration time.Duration, err error) {
	metrics.DBQueryDuration.WithLabelValues(db, operation).Observe(duration.Seconds())
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(db, "query_error", "error").Inc()
	}
}

func RecordCacheAccess(metrics *AppMetrics, cache string, hit bool) {
	if hit {
		metrics.CacheHitsTotal.WithLabelValues(cache).Inc()
	} else {
		metrics.CacheMissesTotal.WithLabelValues(cache).Inc()
	}
}

func RecordError(metrics *AppMetrics, component, errorType, severity string) {
	metrics.ErrorsTotal.WithLabelValues(component, errorType, severity).Inc()
}
