// Package httpapi implements the thin HTTP adapters of spec.md §6 over
// the tile pipeline, the warming task layer, and the catalog — no
// business logic lives here, only request parsing, task dispatch, and
// error-to-status mapping.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/lapig-ufg/tileserver/internal/catalog"
	"github.com/lapig-ufg/tileserver/internal/monitoring"
	"github.com/lapig-ufg/tileserver/internal/pipeline"
)

// CatalogStore is the subset of catalog.Store the HTTP surface depends
// on, narrowed to an interface per the codebase's fakes-testable
// convention.
type CatalogStore interface {
	GetPoint(ctx context.Context, id string) (catalog.CatalogPoint, error)
	GetCampaign(ctx context.Context, id string) (catalog.Campaign, error)
	PointsByCampaign(ctx context.Context, campaignID string) ([]catalog.CatalogPoint, error)
	MarkPointUncached(ctx context.Context, id string) error
	SetCampaignStatus(ctx context.Context, id string, status catalog.CachingStatus) error
	GetJob(ctx context.Context, jobID string) (catalog.Job, error)
	UpsertJob(ctx context.Context, job catalog.Job) (catalog.Job, bool, error)
}

// Scheduler is the subset of internal/worker.Runtime the HTTP surface
// depends on to dispatch a task onto its priority lane.
type Scheduler interface {
	Submit(jobID, taskName string, payload map[string]any) error
}

// Cache is the subset of internal/cache.HybridCache the HTTP surface
// depends on for key invalidation.
type Cache interface {
	DeleteByPattern(ctx context.Context, prefix string) (int, error)
}

// KeyComputer recomputes, without network I/O, the cache keys a point's
// warming run would have produced — satisfied by internal/warming.Warmer.
type KeyComputer interface {
	TileCacheKeysForPoint(ctx context.Context, pointID string) ([]string, error)
}

// BackendCatalog is the subset of internal/backend.Client the catalog
// listing adapter depends on.
type BackendCatalog interface {
	ListCatalog(ctx context.Context, layer, query string) ([]byte, error)
}

// Server wires the HTTP surface's collaborators and builds the routed
// handler chain.
type Server struct {
	pipeline *pipeline.Pipeline
	catalog  CatalogStore
	backend  BackendCatalog
	scheduler Scheduler
	cache    Cache
	keys     KeyComputer
	health   *monitoring.HealthChecker
	logger   *slog.Logger
}

// New builds a Server. health may be nil only in tests that don't
// exercise /health and /health/light.
func New(p *pipeline.Pipeline, cs CatalogStore, b BackendCatalog, s Scheduler, c Cache, k KeyComputer, health *monitoring.HealthChecker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		pipeline: p, catalog: cs, backend: b, scheduler: s, cache: c, keys: k, health: health,
		logger: logger.With("component", "httpapi"),
	}
}

// Handler builds the routed, middleware-wrapped http.Handler for the
// full surface in spec.md §6.
func (s *Server) Handler(rl *RateLimiter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/layers/{layer}/{x}/{y}/{z}", s.handleTile)
	mux.HandleFunc("GET /api/layers/{layer}/catalog", s.handleCatalog)
	mux.HandleFunc("POST /api/cache/point/start", s.handleStartPoint)
	mux.HandleFunc("POST /api/cache/campaign/start", s.handleStartCampaign)
	mux.HandleFunc("DELETE /api/cache/point/{id}/clear", s.handleClearPoint)
	mux.HandleFunc("DELETE /api/cache/campaign/{id}/clear", s.handleClearCampaign)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskStatus)

	if s.health != nil {
		mux.Handle("GET /health/light", s.health.LivenessHandler())
		mux.Handle("GET /health", s.health.ReadinessHandler())
	}

	var handler http.Handler = mux
	handler = LoggingMiddleware(s.logger)(handler)
	if rl != nil {
		handler = rl.Middleware(handler)
	}
	handler = TracingMiddleware()(handler)
	handler = SecurityHeaders(handler)
	return handler
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func elapsedHeader(w http.ResponseWriter, start time.Time) {
	w.Header().Set("X-Response-Time", time.Since(start).String())
}
