package warming

import (
	"context"
	"fmt"
	"time"

	"github.com/lapig-ufg/tileserver/internal/catalog"
	"github.com/lapig-ufg/tileserver/internal/tilekey"
)

// CachePoint implements spec.md §4.7's cache_point(point_id): for every
// (year, vis_param) pair in the point's campaign, across every configured
// zoom level, it computes the tile containing the point's lat/lon,
// batches same-(year,vis_param) tiles into mosaics, warms them, and
// finally marks the point cached with accumulated stats.
func (w *Warmer) CachePoint(ctx context.Context, jobID string, payload map[string]any) error {
	pointID, _ := payload["point_id"].(string)
	if pointID == "" {
		return fmt.Errorf("warming: cache_point: missing point_id")
	}
	stats, err := w.cachePointCore(ctx, pointID)
	if err != nil {
		return err
	}
	w.logger.Info("cache_point done", "point_id", pointID, "requested", stats.Requested, "succeeded", stats.Succeeded, "failed", stats.Failed)
	return nil
}

// cachePointCore does the actual per-point work, shared by CachePoint and
// CachePointBatch.
func (w *Warmer) cachePointCore(ctx context.Context, pointID string) (catalog.CacheStats, error) {
	point, err := w.catalog.GetPoint(ctx, pointID)
	if err != nil {
		return catalog.CacheStats{}, fmt.Errorf("warming: fetch point %s: %w", pointID, err)
	}
	campaign, err := w.catalog.GetCampaign(ctx, point.CampaignID)
	if err != nil {
		return catalog.CacheStats{}, fmt.Errorf("warming: fetch campaign %s: %w", point.CampaignID, err)
	}

	years := make([]int, 0, campaign.YearRangeEnd-campaign.YearRangeStart+1)
	for y := campaign.YearRangeStart; y <= campaign.YearRangeEnd; y++ {
		years = append(years, y)
	}
	orderedYears := OrderYears(years, time.Now().Year())
	zooms := OrderZoomLevels(w.cfg.ZoomLevels)

	var stats catalog.CacheStats
	for _, visParam := range campaign.VisualizationParams {
		for _, year := range orderedYears {
			digest := tilekey.CanonicalDigest(map[string]any{"vis_param": visParam, "year": year})

			tiles := make([]tilekey.Tile, 0, len(zooms))
			for _, zoom := range zooms {
				x, y := tilekey.LatLonToTile(point.Lat, point.Lon, zoom)
				tiles = append(tiles, tilekey.Tile{Z: zoom, X: x, Y: y})
			}

			group := renderGroup{layer: campaign.ImageType, year: year, visParam: visParam, digest: digest, tiles: tiles}
			succeeded, failed := w.warmGroup(ctx, group, pointID)

			stats.Requested += len(tiles)
			stats.Succeeded += succeeded
			stats.Failed += failed
		}
	}

	now := time.Now()
	if err := w.catalog.MarkPointCached(ctx, pointID, stats, now); err != nil {
		return stats, fmt.Errorf("warming: mark point cached %s: %w", pointID, err)
	}
	return stats, nil
}
