package warming

import (
	"context"
	"fmt"

	"github.com/lapig-ufg/tileserver/internal/tilekey"
)

// TileCacheKeysForPoint recomputes, without touching the backend, the
// full set of cache keys cache_point would have written for pointID —
// every (vis_param, year, zoom) combination in its campaign. The admin
// clear-by-point operation uses this to invalidate exactly what warming
// produced, since a TileKey carries no point/campaign identity of its
// own (identical render params at the same coordinates are one canonical
// tile, shared across whichever point or campaign asked for it first).
func (w *Warmer) TileCacheKeysForPoint(ctx context.Context, pointID string) ([]string, error) {
	point, err := w.catalog.GetPoint(ctx, pointID)
	if err != nil {
		return nil, fmt.Errorf("warming: fetch point %s: %w", pointID, err)
	}
	campaign, err := w.catalog.GetCampaign(ctx, point.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("warming: fetch campaign %s: %w", point.CampaignID, err)
	}

	var keys []string
	for _, visParam := range campaign.VisualizationParams {
		for year := campaign.YearRangeStart; year <= campaign.YearRangeEnd; year++ {
			digest := tilekey.CanonicalDigest(map[string]any{"vis_param": visParam, "year": year})
			for _, zoom := range w.cfg.ZoomLevels {
				x, y := tilekey.LatLonToTile(point.Lat, point.Lon, zoom)
				key := tilekey.CacheKey(tilekey.TileKey{Layer: campaign.ImageType, Z: zoom, X: x, Y: y, RenderParamsDigest: digest})
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}
