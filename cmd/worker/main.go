// Command worker runs the MolForge background plane: the prediction
// coordinator, the lifecycle event consumer, and ingestion resume.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/molforge/molforge/internal/application/ingestion"
	applc "github.com/molforge/molforge/internal/application/lifecycle"
	"github.com/molforge/molforge/internal/application/prediction"
	"github.com/molforge/molforge/internal/config"
	dommol "github.com/molforge/molforge/internal/domain/molecule"
	"github.com/molforge/molforge/internal/infrastructure/database/postgres"
	"github.com/molforge/molforge/internal/infrastructure/database/postgres/repositories"
	"github.com/molforge/molforge/internal/infrastructure/database/redis"
	"github.com/molforge/molforge/internal/infrastructure/messaging/kafka"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/prometheus"
	"github.com/molforge/molforge/internal/infrastructure/storage/minio"
	"github.com/molforge/molforge/internal/intelligence/predictor"
	"github.com/molforge/molforge/pkg/errors"
)

// Populated at build time via -ldflags.
var version = "dev"

// resumeInterval is how often the worker scans for failed uploads holding a
// usable checkpoint.
const resumeInterval = time.Minute

func main() {
	configPath := flag.String("config", "", "path to YAML config (empty = environment variables only)")
	healthAddr := flag.String("health-addr", ":9091", "health and metrics listen address")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info("starting molforge worker", logging.String("version", version))

	if err := run(cfg, logger, *healthAddr); err != nil && err != context.Canceled {
		logger.Error("worker exited", logging.Err(err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(cfg *config.Config, logger logging.Logger, healthAddr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector, err := prometheus.NewMetricsCollector(prometheus.CollectorConfig{
		Namespace:            "molforge",
		Subsystem:            "worker",
		EnableProcessMetrics: true,
		EnableGoMetrics:      true,
	}, logger)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	metrics := prometheus.NewAppMetrics(collector)

	pg, err := postgres.NewConnection(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pg.Close()

	rdb, err := redis.NewClient(cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()

	producer, err := kafka.NewProducer(cfg.Kafka, logger)
	if err != nil {
		return fmt.Errorf("kafka producer: %w", err)
	}
	defer producer.Close()

	blob, err := minio.NewClient(cfg.MinIO, logger)
	if err != nil {
		return fmt.Errorf("minio: %w", err)
	}
	uploads := minio.NewUploadStore(blob, logger)

	moleculeRepo := repositories.NewMoleculeRepository(pg, logger)
	auditRepo := repositories.NewAuditRepository(pg, logger)
	uploadRepo := repositories.NewUploadRepository(pg, logger)
	jobRepo := repositories.NewPredictionJobRepository(pg, logger)

	molecules := dommol.NewService(moleculeRepo, auditRepo, logger)
	ingest := ingestion.NewService(uploadRepo, molecules, uploads, producer,
		uploadLocks(rdb), metrics, cfg.Ingest, logger)

	predictorClient, err := predictor.NewHTTPClient(cfg.Predictor, logger)
	if err != nil {
		return fmt.Errorf("predictor: %w", err)
	}

	dedup := redis.NewEventDeduplicator(rdb, logger)
	orchestrator := applc.NewOrchestrator(molecules, dedup, producer, metrics,
		cfg.Lifecycle.EventDedupWindow, logger)
	coordinator := prediction.NewCoordinator(jobRepo, molecules, predictorClient,
		orchestrator, producer, metrics, cfg.Prediction, logger)

	topics := []string{kafka.TopicLifecycleEvents, kafka.TopicMoleculeIngested}
	consumer, err := kafka.NewConsumer(cfg.Kafka, topics, kafka.RetryConfig{
		MaxRetries:      3,
		InitialBackoff:  time.Second,
		MaxBackoff:      30 * time.Second,
		DeadLetterTopic: kafka.TopicDeadLetterLifecycle,
	}, logger)
	if err != nil {
		return fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.Subscribe(kafka.TopicLifecycleEvents, orchestrator.Handler())
	consumer.Subscribe(kafka.TopicMoleculeIngested,
		orchestrator.IngestedHandler(coordinator, cfg.Prediction.AutoRequestProperties))
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("kafka consumer start: %w", err)
	}
	defer consumer.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coordinator.Run(gctx) })
	g.Go(func() error { return resumeLoop(gctx, ingest, cfg.Worker.Concurrency, logger) })
	g.Go(func() error { return serveHealth(gctx, healthAddr, collector.Handler(), pg, rdb, logger) })

	return g.Wait()
}

// resumeLoop periodically restarts checkpointed uploads that failed or were
// abandoned by a crashed worker.  Run takes the per-upload lock, so a scan
// racing an in-flight run is safe.
func resumeLoop(ctx context.Context, ingest *ingestion.Service, concurrency int, logger logging.Logger) error {
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	ticker := time.NewTicker(resumeInterval)
	defer ticker.Stop()

	for {
		resumable, err := ingest.FindResumable(ctx, concurrency)
		if err != nil {
			logger.Warn("resumable scan failed", logging.Err(err))
		}
		for _, u := range resumable {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			id := u.ID
			go func() {
				defer func() { <-sem }()
				switch err := ingest.Run(ctx, id); {
				case err == nil:
					logger.Info("upload resumed", logging.UploadID(string(id)))
				case errors.IsCode(err, errors.ErrCodeConflict):
					// Another worker holds the lock.
				default:
					logger.Warn("upload resume failed",
						logging.UploadID(string(id)), logging.Err(err))
				}
			}()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// serveHealth exposes liveness, readiness, and metrics for the worker pod.
func serveHealth(ctx context.Context, addr string, metricsHandler http.Handler,
	pg *postgres.Connection, rdb *redis.Client, logger logging.Logger) error {

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := pg.HealthCheck(checkCtx); err != nil {
			http.Error(w, "postgres unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(checkCtx); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/metrics", metricsHandler)

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("health server listening", logging.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return ctx.Err()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadFromEnv()
	}
	return config.Load(path)
}

func newLogger(cfg config.LogConfig) (logging.Logger, error) {
	format := cfg.Format
	if format == "text" {
		format = "console"
	}
	lc := logging.LogConfig{Level: cfg.Level, Format: format}
	if cfg.Output != "" {
		lc.OutputPaths = []string{cfg.Output}
	}
	return logging.NewLogger(lc)
}
