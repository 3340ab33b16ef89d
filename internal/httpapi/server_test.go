package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lapig-ufg/tileserver/internal/backend"
	"github.com/lapig-ufg/tileserver/internal/catalog"
	"github.com/lapig-ufg/tileserver/internal/pipeline"
	"github.com/lapig-ufg/tileserver/internal/tilekey"
)

type fakeCache struct {
	mu   sync.Mutex
	png  map[string][]byte
	meta map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{png: map[string][]byte{}, meta: map[string][]byte{}}
}

func (c *fakeCache) GetPNG(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.png[key]
	return data, ok, nil
}
func (c *fakeCache) SetPNG(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.png[key] = data
	return nil
}
func (c *fakeCache) GetMeta(ctx context.Context, metaKey string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.meta[metaKey]
	return data, ok, nil
}
func (c *fakeCache) SetMeta(ctx context.Context, metaKey string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta[metaKey] = value
	return nil
}
func (c *fakeCache) DeleteByPattern(ctx context.Context, prefix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k := range c.png {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.png, k)
			removed++
		}
	}
	return removed, nil
}

type sfLocker struct{ sf singleflight.Group }

func (l *sfLocker) Produce(ctx context.Context, key string, produce func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	v, err, _ := l.sf.Do(key, func() (any, error) { return produce(ctx) })
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

type fakeBackend struct {
	mu         sync.Mutex
	leaseCalls int
	fetchCalls int
}

func (b *fakeBackend) LeaseLayer(ctx context.Context, layer, region, params string) (backend.RenderLease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaseCalls++
	return backend.RenderLease{URLTemplate: "https://backend.example/{z}/{x}/{y}.png", IssuedAt: time.Now()}, nil
}
func (b *fakeBackend) FetchTile(ctx context.Context, urlTemplate string, x, y, z int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchCalls++
	return []byte("png-bytes"), nil
}
func (b *fakeBackend) ListCatalog(ctx context.Context, layer, query string) ([]byte, error) {
	return []byte(`[{"id":"img1"}]`), nil
}

type fakeCatalogStore struct {
	points    map[string]catalog.CatalogPoint
	campaigns map[string]catalog.Campaign
	jobs      map[string]catalog.Job
}

func newFakeCatalogStore() *fakeCatalogStore {
	return &fakeCatalogStore{points: map[string]catalog.CatalogPoint{}, campaigns: map[string]catalog.Campaign{}, jobs: map[string]catalog.Job{}}
}
func (f *fakeCatalogStore) GetPoint(ctx context.Context, id string) (catalog.CatalogPoint, error) {
	p, ok := f.points[id]
	if !ok {
		return catalog.CatalogPoint{}, catalog.ErrNotFound
	}
	return p, nil
}
func (f *fakeCatalogStore) GetCampaign(ctx context.Context, id string) (catalog.Campaign, error) {
	c, ok := f.campaigns[id]
	if !ok {
		return catalog.Campaign{}, catalog.ErrNotFound
	}
	return c, nil
}
func (f *fakeCatalogStore) PointsByCampaign(ctx context.Context, campaignID string) ([]catalog.CatalogPoint, error) {
	var out []catalog.CatalogPoint
	for _, p := range f.points {
		if p.CampaignID == campaignID {
			out = append(out, p)
		}
	}
	return out, nil
}
func (f *fakeCatalogStore) MarkPointUncached(ctx context.Context, id string) error {
	p := f.points[id]
	p.Cached = false
	f.points[id] = p
	return nil
}
func (f *fakeCatalogStore) SetCampaignStatus(ctx context.Context, id string, status catalog.CachingStatus) error {
	c := f.campaigns[id]
	c.CachingStatus = status
	f.campaigns[id] = c
	return nil
}
func (f *fakeCatalogStore) GetJob(ctx context.Context, jobID string) (catalog.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return catalog.Job{}, catalog.ErrNotFound
	}
	return j, nil
}
func (f *fakeCatalogStore) UpsertJob(ctx context.Context, job catalog.Job) (catalog.Job, bool, error) {
	if existing, ok := f.jobs[job.JobID]; ok {
		return existing, false, nil
	}
	job.Status = catalog.JobPending
	f.jobs[job.JobID] = job
	return job, true, nil
}

type fakeScheduler struct {
	mu        sync.Mutex
	submitted []string
}

func (s *fakeScheduler) Submit(jobID, taskName string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, jobID+":"+taskName)
	return nil
}

type fakeKeyComputer struct{}

func (fakeKeyComputer) TileCacheKeysForPoint(ctx context.Context, pointID string) ([]string, error) {
	return []string{"layer_digest/0_0/10/5_5.png"}, nil
}

func newTestServer(t *testing.T) (*Server, *fakeCache, *fakeBackend, *fakeCatalogStore, *fakeScheduler) {
	t.Helper()
	fc := newFakeCache()
	fb := &fakeBackend{}
	store := newFakeCatalogStore()
	sched := &fakeScheduler{}

	p := pipeline.New(fc, &sfLocker{}, fb, nil, pipeline.Config{MinZoom: 0, MaxZoom: 20, PNGTTL: time.Hour, MetaTTL: time.Hour, LifespanURL: time.Hour}, slog.Default())
	srv := New(p, store, fb, sched, fc, fakeKeyComputer{}, nil, slog.Default())
	return srv, fc, fb, store, sched
}

func TestHandleTileColdMissThenHit(t *testing.T) {
	srv, _, fb, _, _ := newTestServer(t)
	handler := srv.Handler(nil)

	req := httptest.NewRequest(http.MethodGet, "/api/layers/landsat/5/5/10?vis=tvi-false&year=2023", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Cache") != "MISS" {
		t.Errorf("expected X-Cache MISS, got %q", rec.Header().Get("X-Cache"))
	}
	if rec.Header().Get("X-Response-Time") == "" {
		t.Error("expected X-Response-Time header to be set")
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/layers/landsat/5/5/10?vis=tvi-false&year=2023", nil))
	if rec2.Header().Get("X-Cache") != "HIT" {
		t.Errorf("expected X-Cache HIT on re-request, got %q", rec2.Header().Get("X-Cache"))
	}
	if fb.leaseCalls != 1 {
		t.Errorf("expected exactly one lease call across both requests, got %d", fb.leaseCalls)
	}
}

func TestHandleTileYearDigestMatchesIntTypedWarmingDigest(t *testing.T) {
	srv, fc, _, _, _ := newTestServer(t)
	handler := srv.Handler(nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/layers/landsat/5/5/10?vis=tvi-false&year=2023", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	wantDigest := renderParamsDigest(map[string]any{"vis_param": "tvi-false", "year": 2023})
	wantKey := tilekey.CacheKey(tilekey.TileKey{Layer: "landsat", Z: 10, X: 5, Y: 5, RenderParamsDigest: wantDigest})
	if _, ok := fc.png[wantKey]; !ok {
		t.Errorf("expected the tile to be written back under the int-typed-year key %q; got keys %v", wantKey, keysOf(fc.png))
	}
}

func TestHandleTileMissingYearReturns400(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	handler := srv.Handler(nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/layers/landsat/5/5/10?vis=tvi-false", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing year, got %d: %s", rec.Code, rec.Body.String())
	}
}

func keysOf(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestHandleTileBadParamsReturns400(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	handler := srv.Handler(nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/layers/landsat/abc/5/10", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec.Header().Get("X-Cache") != "ERROR" {
		t.Errorf("expected X-Cache ERROR, got %q", rec.Header().Get("X-Cache"))
	}
}

func TestHandleStartPointSchedulesTaskAndReturns202(t *testing.T) {
	srv, _, _, store, sched := newTestServer(t)
	handler := srv.Handler(nil)

	store.points["p1"] = catalog.CatalogPoint{ID: "p1", CampaignID: "c1"}

	body, _ := json.Marshal(map[string]string{"point_id": "p1"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/cache/point/start", bytes.NewReader(body)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["task_id"] == "" {
		t.Error("expected a task_id in the response")
	}
	if len(sched.submitted) != 1 {
		t.Errorf("expected exactly one scheduled task, got %d", len(sched.submitted))
	}
}

func TestHandleStartPointUnknownPointReturns404(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	handler := srv.Handler(nil)

	body, _ := json.Marshal(map[string]string{"point_id": "missing"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/cache/point/start", bytes.NewReader(body)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleClearPointInvalidatesAndMarksUncached(t *testing.T) {
	srv, fc, _, store, _ := newTestServer(t)
	handler := srv.Handler(nil)

	store.points["p1"] = catalog.CatalogPoint{ID: "p1", CampaignID: "c1", Cached: true}
	fc.png["layer_digest/0_0/10/5_5.png"] = []byte("data")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/cache/point/p1/clear", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.points["p1"].Cached {
		t.Error("expected point to be marked uncached")
	}
	if _, ok := fc.png["layer_digest/0_0/10/5_5.png"]; ok {
		t.Error("expected the point's cached tile to be invalidated")
	}
}

func TestHealthEndpointsNotServedWithoutHealthChecker(t *testing.T) {
	fc := newFakeCache()
	fb := &fakeBackend{}
	store := newFakeCatalogStore()
	sched := &fakeScheduler{}
	p := pipeline.New(fc, &sfLocker{}, fb, nil, pipeline.Config{MinZoom: 0, MaxZoom: 20, PNGTTL: time.Hour, MetaTTL: time.Hour, LifespanURL: time.Hour}, slog.Default())
	srv := New(p, store, fb, sched, fc, fakeKeyComputer{}, nil, slog.Default())
	handler := srv.Handler(nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/light", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when no health checker is wired, got %d", rec.Code)
	}
}
