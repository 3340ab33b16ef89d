package warming

import (
	"context"
	"testing"

	"github.com/lapig-ufg/tileserver/internal/catalog"
)

func TestTileCacheKeysForPointMatchesCachePointOutput(t *testing.T) {
	cache := newFakeCacheStore()
	be := &fakeBackendClient{}
	store := newFakeCatalogStore()
	store.points["p1"] = catalog.CatalogPoint{ID: "p1", CampaignID: "c1", Lat: -16.0, Lon: -48.0}
	store.campaigns["c1"] = catalog.Campaign{
		ID:                  "c1",
		YearRangeStart:      2020,
		YearRangeEnd:        2021,
		VisualizationParams: []string{"ndvi"},
		ImageType:           "sentinel",
	}

	w := New(cache, be, store, NewAdaptiveLimiter(1, 10), testConfig(), nil)

	if err := w.CachePoint(context.Background(), "job-1", map[string]any{"point_id": "p1"}); err != nil {
		t.Fatalf("CachePoint: %v", err)
	}

	keys, err := w.TileCacheKeysForPoint(context.Background(), "p1")
	if err != nil {
		t.Fatalf("TileCacheKeysForPoint: %v", err)
	}

	if len(keys) != cache.count() {
		t.Fatalf("expected %d recomputed keys to match the %d tiles CachePoint wrote, got mismatch", cache.count(), len(keys))
	}
	for _, k := range keys {
		if _, ok := cache.png[k]; !ok {
			t.Errorf("recomputed key %q was not among the tiles CachePoint actually wrote", k)
		}
	}
}

func TestTileCacheKeysForPointUnknownPointErrors(t *testing.T) {
	w := New(newFakeCacheStore(), &fakeBackendClient{}, newFakeCatalogStore(), NewAdaptiveLimiter(1, 10), testConfig(), nil)
	if _, err := w.TileCacheKeysForPoint(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error for an unknown point")
	}
}

func TestTileCacheKeysForPointUnknownCampaignErrors(t *testing.T) {
	store := newFakeCatalogStore()
	store.points["p1"] = catalog.CatalogPoint{ID: "p1", CampaignID: "missing-campaign"}
	w := New(newFakeCacheStore(), &fakeBackendClient{}, store, NewAdaptiveLimiter(1, 10), testConfig(), nil)

	if _, err := w.TileCacheKeysForPoint(context.Background(), "p1"); err == nil {
		t.Fatal("expected an error when the point's campaign cannot be found")
	}
}
