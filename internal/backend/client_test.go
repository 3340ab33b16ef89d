package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, baseURL string, overrides func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig(baseURL)
	cfg.RequestTimeout = 2 * time.Second
	cfg.FetchBackoffBase = 5 * time.Millisecond
	if overrides != nil {
		overrides(&cfg)
	}
	return New(cfg, nil, nil)
}

func TestLeaseLayerSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"url_template":"https://backend.example/tiles/{z}/{x}/{y}.png","issued_at":"2026-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	lease, err := c.LeaseLayer(context.Background(), "landsat", "region-1", "digest-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lease.URLTemplate != "https://backend.example/tiles/{z}/{x}/{y}.png" {
		t.Errorf("unexpected url template: %s", lease.URLTemplate)
	}
}

func TestFetchTileSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	data, err := c.FetchTile(context.Background(), srv.URL+"/tiles/{z}/{x}/{y}.png", 1, 2, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("unexpected body: %s", data)
	}
}

func TestFetchTileRetries429ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	data, err := c.FetchTile(context.Background(), srv.URL+"/tiles/{z}/{x}/{y}.png", 1, 2, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("unexpected body: %s", data)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestFetchTileExhausts5xxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	_, err := c.FetchTile(context.Background(), srv.URL+"/tiles/{z}/{x}/{y}.png", 1, 2, 3)
	if err == nil {
		t.Fatal("expected error after exhausting 5xx retries")
	}
}

func TestFetchTileFailsFastOn400(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	_, err := c.FetchTile(context.Background(), srv.URL+"/tiles/{z}/{x}/{y}.png", 1, 2, 3)
	if err == nil {
		t.Fatal("expected error on 400")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call (no retry on 4xx), got %d", calls)
	}
}

func TestLeaseLayerBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, func(cfg *Config) {
		cfg.BreakerThreshold = 3
		cfg.LeaseBurst = 10
		cfg.LeaseRPS = 1000
	})
	for i := 0; i < 3; i++ {
		if _, err := c.LeaseLayer(context.Background(), "landsat", "r", "d"); err == nil {
			t.Fatalf("expected error on attempt %d", i+1)
		}
	}

	_, err := c.LeaseLayer(context.Background(), "landsat", "r", "d")
	if err == nil {
		t.Fatal("expected breaker-open error on 4th call")
	}
}
