// Package http assembles the gin route tree and the server around it.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/internal/interfaces/http/handlers"
	"github.com/molforge/molforge/internal/interfaces/http/middleware"
)

// RouterConfig aggregates the handlers and middleware the route tree mounts.
// Nil handlers leave their routes unregistered, which keeps the worker and
// test binaries from dragging in surfaces they do not serve.
type RouterConfig struct {
	Molecules   *handlers.MoleculeHandler
	Queries     *handlers.QueryHandler
	Uploads     *handlers.IngestionHandler
	Predictions *handlers.PredictionHandler
	Lifecycle   *handlers.LifecycleHandler
	Libraries   *handlers.LibraryHandler
	Health      *handlers.HealthHandler

	Auth        *middleware.AuthMiddleware
	CORS        *middleware.CORSConfig
	RateLimiter *middleware.RateLimiter
	RateLimit   middleware.RateLimitConfig

	MetricsHandler http.Handler
	Logger         logging.Logger
	Mode           string // gin mode: "debug" | "release" | "test"
}

// NewRouter builds the complete route tree.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Logger != nil {
		r.Use(middleware.RequestLogging(cfg.Logger))
	}
	if cfg.CORS != nil {
		r.Use(middleware.CORS(*cfg.CORS))
	}

	// Probes and metrics stay outside auth and rate limiting.
	if cfg.Health != nil {
		r.GET("/healthz", cfg.Health.Liveness)
		r.GET("/readyz", cfg.Health.Readiness)
	}
	if cfg.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	api := r.Group("/api/v1")
	if cfg.RateLimiter != nil {
		api.Use(middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit))
	}
	if cfg.Auth != nil {
		api.Use(cfg.Auth.Require())
	}

	registerMoleculeRoutes(api, cfg.Molecules, cfg.Queries)
	registerSearchRoutes(api, cfg.Queries)
	registerUploadRoutes(api, cfg.Uploads)
	registerPredictionRoutes(api, cfg.Predictions)
	registerLifecycleRoutes(api, cfg.Lifecycle)
	registerLibraryRoutes(api, cfg.Libraries)

	return r
}

func registerMoleculeRoutes(api *gin.RouterGroup, mh *handlers.MoleculeHandler, qh *handlers.QueryHandler) {
	if qh != nil {
		api.GET("/molecules", qh.List)
		api.GET("/molecules/:hash", qh.Get)
	}
	if mh == nil {
		return
	}
	api.POST("/molecules", mh.Register)
	api.POST("/molecules/:hash/observations", mh.RecordObservation)
	api.POST("/molecules/:hash/properties", mh.RecordProperty)
	api.PUT("/molecules/:hash/flags/:flag", mh.SetFlag)
	api.POST("/molecules/:hash/libraries", mh.AddToLibrary)
	api.DELETE("/molecules/:hash/libraries/:id", mh.RemoveFromLibrary)
	api.GET("/molecules/:hash/audit", mh.AuditTrail)
}

func registerSearchRoutes(api *gin.RouterGroup, qh *handlers.QueryHandler) {
	if qh == nil {
		return
	}
	api.POST("/search/similarity", qh.Similarity)
	api.POST("/search/substructure", qh.Substructure)
}

func registerUploadRoutes(api *gin.RouterGroup, h *handlers.IngestionHandler) {
	if h == nil {
		return
	}
	api.POST("/uploads", h.Create)
	api.GET("/uploads", h.List)
	api.GET("/uploads/:id", h.Get)
	api.POST("/uploads/:id/run", h.Run)
	api.POST("/uploads/:id/cancel", h.Cancel)
}

func registerPredictionRoutes(api *gin.RouterGroup, h *handlers.PredictionHandler) {
	if h == nil {
		return
	}
	api.POST("/predictions", h.Request)
	api.GET("/predictions/stats", h.Stats)
	api.GET("/predictions/:id", h.Get)
	api.POST("/predictions/:id/cancel", h.Cancel)
	api.GET("/molecules/:hash/predictions", h.ListByMolecule)
}

func registerLifecycleRoutes(api *gin.RouterGroup, h *handlers.LifecycleHandler) {
	if h == nil {
		return
	}
	api.POST("/lifecycle/events", h.PostEvent)
	api.POST("/lifecycle/replay", h.Replay)
}

func registerLibraryRoutes(api *gin.RouterGroup, h *handlers.LibraryHandler) {
	if h == nil {
		return
	}
	api.POST("/libraries", h.Create)
	api.GET("/libraries", h.List)
	api.GET("/libraries/:id", h.Get)
	api.PATCH("/libraries/:id", h.Rename)
	api.DELETE("/libraries/:id", h.Delete)
}
