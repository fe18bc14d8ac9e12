// Command apiserver runs the MolForge HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/molforge/molforge/internal/application/ingestion"
	applc "github.com/molforge/molforge/internal/application/lifecycle"
	appmol "github.com/molforge/molforge/internal/application/molecule"
	"github.com/molforge/molforge/internal/application/prediction"
	"github.com/molforge/molforge/internal/application/query"
	"github.com/molforge/molforge/internal/auth"
	"github.com/molforge/molforge/internal/config"
	dommol "github.com/molforge/molforge/internal/domain/molecule"
	"github.com/molforge/molforge/internal/infrastructure/auth/keycloak"
	"github.com/molforge/molforge/internal/infrastructure/database/postgres"
	"github.com/molforge/molforge/internal/infrastructure/database/postgres/repositories"
	"github.com/molforge/molforge/internal/infrastructure/database/redis"
	"github.com/molforge/molforge/internal/infrastructure/messaging/kafka"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/prometheus"
	"github.com/molforge/molforge/internal/infrastructure/search/milvus"
	"github.com/molforge/molforge/internal/infrastructure/storage/minio"
	"github.com/molforge/molforge/internal/intelligence/predictor"
	httpserver "github.com/molforge/molforge/internal/interfaces/http"
	"github.com/molforge/molforge/internal/interfaces/http/handlers"
	"github.com/molforge/molforge/internal/interfaces/http/middleware"
)

// Populated at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config (empty = environment variables only)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "apiserver: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "apiserver: logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info("starting molforge api server",
		logging.String("version", version),
		logging.Int("port", cfg.Server.Port))

	if err := run(cfg, logger); err != nil {
		logger.Error("api server exited", logging.Err(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger logging.Logger) error {
	collector, err := prometheus.NewMetricsCollector(prometheus.CollectorConfig{
		Namespace:            "molforge",
		Subsystem:            "api",
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

	// Vector search is optional; without it similarity queries fall back to
	// exhaustive scoring and registration skips indexing.
	var molIndex appmol.FingerprintIndexer
	var simIndex query.SimilarityIndex
	if cfg.Milvus.Enabled {
		mv, err := milvus.NewClient(cfg.Milvus, logger)
		if err != nil {
			return fmt.Errorf("milvus: %w", err)
		}
		defer mv.Close()
		fp := milvus.NewFingerprintIndex(mv, logger)
		if err := fp.EnsureCollection(context.Background()); err != nil {
			return fmt.Errorf("milvus collection: %w", err)
		}
		molIndex, simIndex = fp, fp
	}

	moleculeRepo := repositories.NewMoleculeRepository(pg, logger)
	auditRepo := repositories.NewAuditRepository(pg, logger)
	uploadRepo := repositories.NewUploadRepository(pg, logger)
	jobRepo := repositories.NewPredictionJobRepository(pg, logger)

	molecules := dommol.NewService(moleculeRepo, auditRepo, logger)
	cache := redis.NewMoleculeCache(rdb, cfg.Redis.DefaultTTL, logger)
	molService := appmol.NewService(molecules, cache, molIndex, producer, metrics, logger)
	libraryRepo := repositories.NewLibraryRepository(pg, logger)
	libraries := appmol.NewLibraryService(libraryRepo, logger)

	authorizer, authMW, err := buildAuth(cfg.Auth, logger)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	queries := query.NewService(moleculeRepo, simIndex, authorizer, metrics, logger)
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
	replayer := applc.NewReplayer(auditRepo, producer, logger)

	router := httpserver.NewRouter(httpserver.RouterConfig{
		Molecules:   handlers.NewMoleculeHandler(molService, authorizer),
		Queries:     handlers.NewQueryHandler(queries),
		Uploads:     handlers.NewIngestionHandler(ingest, logger),
		Predictions: handlers.NewPredictionHandler(coordinator),
		Lifecycle:   handlers.NewLifecycleHandler(orchestrator, replayer),
		Libraries:   handlers.NewLibraryHandler(libraries, logger),
		Health: handlers.NewHealthHandler(version,
			&postgresHealthAdapter{conn: pg},
			&redisHealthAdapter{client: rdb},
		),
		Auth:        authMW,
		RateLimiter: middleware.NewRateLimiter(100, 200, time.Minute),
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
		MetricsHandler: collector.Handler(),
		Logger:         logger,
		Mode:           cfg.Server.Mode,
	})

	srv := httpserver.NewServer(cfg.Server, router, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutdown signal received", logging.String("signal", sig.String()))
	}

	return srv.Stop(context.Background())
}

// buildAuth wires token verification and authorization.  Disabled auth runs
// the API single-tenant: no middleware, every actor allowed.
func buildAuth(cfg config.AuthConfig, logger logging.Logger) (auth.Authorizer, *middleware.AuthMiddleware, error) {
	if !cfg.Enabled {
		return auth.AllowAll{}, nil, nil
	}
	provider, err := keycloak.NewKeycloakClient(keycloak.KeycloakConfig{
		BaseURL:        cfg.BaseURL,
		Realm:          cfg.Realm,
		ClientID:       cfg.ClientID,
		RequestTimeout: cfg.RequestTimeout,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	authorizer := keycloak.NewAuthorizer(keycloak.NewEnforcer(nil, logger))
	return authorizer, middleware.NewAuthMiddleware(keycloak.NewAuthenticator(provider), logger), nil
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
