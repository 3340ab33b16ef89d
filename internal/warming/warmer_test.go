package warming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lapig-ufg/tileserver/internal/backend"
	"github.com/lapig-ufg/tileserver/internal/catalog"
	"github.com/lapig-ufg/tileserver/internal/tilekey"
)

type fakeCacheStore struct {
	mu   sync.Mutex
	png  map[string][]byte
	meta map[string][]byte
}

func newFakeCacheStore() *fakeCacheStore {
	return &fakeCacheStore{png: map[string][]byte{}, meta: map[string][]byte{}}
}

func (f *fakeCacheStore) GetPNG(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.png[key]
	return d, ok, nil
}

func (f *fakeCacheStore) SetPNG(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.png[key] = data
	return nil
}

func (f *fakeCacheStore) GetMeta(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.meta[key]
	return d, ok, nil
}

func (f *fakeCacheStore) SetMeta(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta[key] = value
	return nil
}

func (f *fakeCacheStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.png)
}

type fakeBackendClient struct {
	mu         sync.Mutex
	leaseCalls int
	fetchCalls int
}

func (f *fakeBackendClient) LeaseLayer(ctx context.Context, layer, region, params string) (backend.RenderLease, error) {
	f.mu.Lock()
	f.leaseCalls++
	f.mu.Unlock()
	return backend.RenderLease{URLTemplate: "https://backend.test/" + layer + "/{z}/{x}/{y}.png", IssuedAt: time.Now()}, nil
}

func (f *fakeBackendClient) FetchTile(ctx context.Context, urlTemplate string, x, y, z int) ([]byte, error) {
	f.mu.Lock()
	f.fetchCalls++
	f.mu.Unlock()
	return []byte("tile-data"), nil
}

type fakeCatalogStore struct {
	mu        sync.Mutex
	points    map[string]catalog.CatalogPoint
	campaigns map[string]catalog.Campaign
	cached    map[string]catalog.CacheStats
	finalized []string
	status    map[string]catalog.CachingStatus
}

func newFakeCatalogStore() *fakeCatalogStore {
	return &fakeCatalogStore{
		points:    map[string]catalog.CatalogPoint{},
		campaigns: map[string]catalog.Campaign{},
		cached:    map[string]catalog.CacheStats{},
		status:    map[string]catalog.CachingStatus{},
	}
}

func (f *fakeCatalogStore) GetPoint(ctx context.Context, id string) (catalog.CatalogPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.points[id]
	if !ok {
		return catalog.CatalogPoint{}, catalog.ErrNotFound
	}
	return p, nil
}

func (f *fakeCatalogStore) GetCampaign(ctx context.Context, id string) (catalog.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return catalog.Campaign{}, catalog.ErrNotFound
	}
	return c, nil
}

func (f *fakeCatalogStore) UncachedPoints(ctx context.Context, campaignID string, enhanceOnly bool) ([]catalog.CatalogPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []catalog.CatalogPoint
	for _, p := range f.points {
		if p.CampaignID != campaignID || p.Cached {
			continue
		}
		if enhanceOnly && !p.Enhance {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeCatalogStore) MarkPointCached(ctx context.Context, id string, stats catalog.CacheStats, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.points[id]
	p.Cached = true
	f.points[id] = p
	f.cached[id] = stats
	return nil
}

func (f *fakeCatalogStore) SetCampaignStatus(ctx context.Context, id string, status catalog.CachingStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = status
	return nil
}

func (f *fakeCatalogStore) FinalizeCampaign(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, id)
	f.status[id] = catalog.CachingCompleted
	return nil
}

func testConfig() Config {
	return Config{ZoomLevels: []int{12, 13}, MaxGrid: 4, BatchSize: 2, PNGTTL: time.Hour}
}

func TestCachePointWarmsEveryYearVisParamZoomCombination(t *testing.T) {
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

	// 2 years * 2 zooms = 4 tiles.
	if cache.count() != 4 {
		t.Fatalf("expected 4 tiles written back, got %d", cache.count())
	}
	stats, ok := store.cached["p1"]
	if !ok {
		t.Fatal("expected point p1 to be marked cached")
	}
	if stats.Requested != 4 || stats.Succeeded != 4 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCachePointReturnsErrorForUnknownPoint(t *testing.T) {
	w := New(newFakeCacheStore(), &fakeBackendClient{}, newFakeCatalogStore(), NewAdaptiveLimiter(1, 10), testConfig(), nil)
	if err := w.CachePoint(context.Background(), "job-1", map[string]any{"point_id": "missing"}); err == nil {
		t.Fatal("expected an error for an unknown point")
	}
}

func TestCacheCampaignFinalizesImmediatelyWhenNoUncachedPoints(t *testing.T) {
	store := newFakeCatalogStore()
	w := New(newFakeCacheStore(), &fakeBackendClient{}, store, NewAdaptiveLimiter(1, 10), testConfig(), nil)

	if err := w.CacheCampaign(context.Background(), "job-1", map[string]any{"campaign_id": "c1"}); err != nil {
		t.Fatalf("CacheCampaign: %v", err)
	}
	if len(store.finalized) != 1 || store.finalized[0] != "c1" {
		t.Fatalf("expected campaign c1 to be finalized immediately, got %v", store.finalized)
	}
}

func TestCacheCampaignRunsBatchesInlineWithoutSubmitterAndFinalizes(t *testing.T) {
	cache := newFakeCacheStore()
	be := &fakeBackendClient{}
	store := newFakeCatalogStore()
	for i, id := range []string{"p1", "p2", "p3"} {
		store.points[id] = catalog.CatalogPoint{ID: id, CampaignID: "c1", Lat: -10.0 - float64(i), Lon: -40.0}
	}
	store.campaigns["c1"] = catalog.Campaign{ID: "c1", YearRangeStart: 2021, YearRangeEnd: 2021, VisualizationParams: []string{"ndvi"}, ImageType: "sentinel"}

	w := New(cache, be, store, NewAdaptiveLimiter(1, 10), testConfig(), nil)

	if err := w.CacheCampaign(context.Background(), "job-1", map[string]any{"campaign_id": "c1", "batch_size": 2}); err != nil {
		t.Fatalf("CacheCampaign: %v", err)
	}

	for _, id := range []string{"p1", "p2", "p3"} {
		if _, ok := store.cached[id]; !ok {
			t.Errorf("expected point %s cached", id)
		}
	}
	if len(store.finalized) != 1 {
		t.Fatalf("expected exactly one finalize call, got %d", len(store.finalized))
	}
}

func TestCacheCampaignDispatchesThroughSubmitterWhenProvided(t *testing.T) {
	store := newFakeCatalogStore()
	store.points["p1"] = catalog.CatalogPoint{ID: "p1", CampaignID: "c1"}
	store.campaigns["c1"] = catalog.Campaign{ID: "c1", YearRangeStart: 2021, YearRangeEnd: 2021, VisualizationParams: []string{"ndvi"}, ImageType: "sentinel"}

	w := New(newFakeCacheStore(), &fakeBackendClient{}, store, NewAdaptiveLimiter(1, 10), testConfig(), nil)

	var submitted []map[string]any
	w.WithSubmitter(func(jobID, taskName string, payload map[string]any) error {
		submitted = append(submitted, payload)
		return nil
	})

	if err := w.CacheCampaign(context.Background(), "job-1", map[string]any{"campaign_id": "c1"}); err != nil {
		t.Fatalf("CacheCampaign: %v", err)
	}
	if len(submitted) != 1 {
		t.Fatalf("expected one cache_point_batch dispatched, got %d", len(submitted))
	}
	// The submitter only queues the batch; it does not itself run the work,
	// so the campaign should not yet be finalized.
	if len(store.finalized) != 0 {
		t.Fatalf("expected no finalize call when dispatch is deferred to the submitter, got %d", len(store.finalized))
	}
}

func TestCacheCampaignParsesStringPriorityModeFromHTTPPayload(t *testing.T) {
	cache := newFakeCacheStore()
	be := &fakeBackendClient{}
	store := newFakeCatalogStore()
	store.points["p1"] = catalog.CatalogPoint{ID: "p1", CampaignID: "c1", Enhance: true, Lat: -10.0, Lon: -40.0}
	store.points["p2"] = catalog.CatalogPoint{ID: "p2", CampaignID: "c1", Enhance: false, Lat: -11.0, Lon: -40.0}
	store.campaigns["c1"] = catalog.Campaign{ID: "c1", YearRangeStart: 2021, YearRangeEnd: 2021, VisualizationParams: []string{"ndvi"}, ImageType: "sentinel"}

	w := New(cache, be, store, NewAdaptiveLimiter(1, 10), testConfig(), nil)

	// priority_mode arrives as a string here, the shape
	// handleStartCampaign's JSON body actually produces, not a bool.
	if err := w.CacheCampaign(context.Background(), "job-1", map[string]any{"campaign_id": "c1", "priority_mode": "true"}); err != nil {
		t.Fatalf("CacheCampaign: %v", err)
	}

	if _, ok := store.cached["p1"]; !ok {
		t.Error("expected the enhance-flagged point to be cached under priority mode")
	}
	if _, ok := store.cached["p2"]; ok {
		t.Error("expected the non-enhance point to be skipped under priority mode")
	}
}

func TestWarmGroupSharesOneLeasePerMosaicAcrossAdjacentTiles(t *testing.T) {
	cache := newFakeCacheStore()
	be := &fakeBackendClient{}
	w := New(cache, be, newFakeCatalogStore(), NewAdaptiveLimiter(1, 10), Config{MaxGrid: 4, PNGTTL: time.Hour}, nil)

	// Four adjacent tiles at the same zoom fit within a single 4x4 mosaic,
	// so warmGroup must lease once and fetch each member individually.
	tiles := []tilekey.Tile{
		{Z: 13, X: 100, Y: 200}, {Z: 13, X: 101, Y: 200},
		{Z: 13, X: 100, Y: 201}, {Z: 13, X: 101, Y: 201},
	}
	group := renderGroup{layer: "sentinel", year: 2021, visParam: "ndvi", digest: "d1", tiles: tiles}

	succeeded, failed := w.warmGroup(context.Background(), group, "point-1")
	if succeeded != 4 || failed != 0 {
		t.Fatalf("expected 4 succeeded, 0 failed, got %d/%d", succeeded, failed)
	}
	if be.leaseCalls != 1 {
		t.Fatalf("expected a single shared lease for the mosaic, got %d", be.leaseCalls)
	}
	if be.fetchCalls != 4 {
		t.Fatalf("expected one fetch per member tile, got %d", be.fetchCalls)
	}
	if cache.count() != 4 {
		t.Fatalf("expected 4 tiles written back under individual keys, got %d", cache.count())
	}
}
