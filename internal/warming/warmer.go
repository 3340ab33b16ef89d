package warming

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lapig-ufg/tileserver/internal/catalog"
	"github.com/lapig-ufg/tileserver/internal/pipeline"
	"github.com/lapig-ufg/tileserver/internal/tilekey"
)

// CatalogStore is the subset of catalog.Store that warming depends on,
// narrowed to an interface so cache_point/cache_campaign are unit-testable
// against fakes, the same pattern internal/pipeline applies to its own
// collaborators.
type CatalogStore interface {
	GetPoint(ctx context.Context, id string) (catalog.CatalogPoint, error)
	GetCampaign(ctx context.Context, id string) (catalog.Campaign, error)
	UncachedPoints(ctx context.Context, campaignID string, enhanceOnly bool) ([]catalog.CatalogPoint, error)
	MarkPointCached(ctx context.Context, id string, stats catalog.CacheStats, at time.Time) error
	SetCampaignStatus(ctx context.Context, id string, status catalog.CachingStatus) error
	FinalizeCampaign(ctx context.Context, id string) error
}

// Config sizes a Warmer's zoom levels, mosaic grid, and batch size, per
// spec.md §4.7 and the PRIORITY_ZOOM_LEVELS/grid constants of
// original_source/app/tasks/cache_tasks.py.
type Config struct {
	ZoomLevels  []int
	MaxGrid     int
	BatchSize   int
	PNGTTL      time.Duration
}

// DefaultConfig mirrors cache_tasks.py's default grid size (4x4) and a
// conservative batch size.
func DefaultConfig() Config {
	return Config{
		ZoomLevels: []int{6, 10, 12, 13, 14, 18},
		MaxGrid:    4,
		BatchSize:  50,
		PNGTTL:     30 * 24 * time.Hour,
	}
}

// Warmer implements cache_point and cache_campaign over the tile
// pipeline's cache/backend collaborators directly (not Pipeline.Serve),
// so that a mosaic's single lease can be shared across its member tiles
// before each is written back under its own TileKey — the invariant
// named in spec.md §4.7.
type Warmer struct {
	cache   pipeline.CacheStore
	backend pipeline.BackendClient
	catalog CatalogStore
	limiter *AdaptiveLimiter
	cfg     Config
	logger  *slog.Logger
	submit  Submitter
}

// New builds a Warmer.
func New(cache pipeline.CacheStore, backend pipeline.BackendClient, store CatalogStore, limiter *AdaptiveLimiter, cfg Config, logger *slog.Logger) *Warmer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Warmer{cache: cache, backend: backend, catalog: store, limiter: limiter, cfg: cfg, logger: logger.With("component", "warming")}
}

// renderGroup is one (layer, year, vis_param) combination's set of
// per-point tiles to mosaic and warm together.
type renderGroup struct {
	layer    string
	year     int
	visParam string
	digest   string
	tiles    []tilekey.Tile
}

// warmGroup groups a render group's tiles into mosaics, leases one URL
// per mosaic, fetches each member tile, and writes it back under its
// individual cache key. Returns the counts of tiles warmed and of tiles
// that failed.
func (w *Warmer) warmGroup(ctx context.Context, g renderGroup, regionID string) (succeeded, failed int) {
	mosaics := tilekey.GroupTilesIntoMosaics(g.tiles, w.cfg.MaxGrid)

	for _, mosaic := range mosaics {
		if err := w.limiter.Acquire(ctx); err != nil {
			failed += len(mosaic.Tiles)
			continue
		}

		mosaicRegion := fmt.Sprintf("%s_%d_%d_%d_%d_%d", regionID, mosaic.Z, mosaic.MinX, mosaic.MinY, mosaic.MaxX, mosaic.MaxY)
		lease, err := w.backend.LeaseLayer(ctx, g.layer, mosaicRegion, g.digest)
		w.limiter.Release()
		if err != nil {
			w.logger.Warn("mosaic lease failed", "layer", g.layer, "region", mosaicRegion, "error", err)
			failed += len(mosaic.Tiles)
			continue
		}

		for _, t := range mosaic.Tiles {
			data, err := w.backend.FetchTile(ctx, lease.URLTemplate, t.X, t.Y, t.Z)
			if err != nil {
				w.logger.Warn("mosaic member fetch failed", "layer", g.layer, "x", t.X, "y", t.Y, "z", t.Z, "error", err)
				failed++
				continue
			}

			key := tilekey.CacheKey(tilekey.TileKey{Layer: g.layer, Z: t.Z, X: t.X, Y: t.Y, RenderParamsDigest: g.digest})
			if err := w.cache.SetPNG(ctx, key, data, w.cfg.PNGTTL); err != nil {
				w.logger.Warn("mosaic member writeback failed", "key", key, "error", err)
				failed++
				continue
			}
			succeeded++
		}
	}
	return succeeded, failed
}
