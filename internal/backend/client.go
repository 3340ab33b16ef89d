// Package backend implements the thin client contract over the imagery
// backend: leasing a rendering URL template for a region/time-window/
// parameter set, and fetching individual tiles from it.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/lapig-ufg/tileserver/internal/core"
	"github.com/lapig-ufg/tileserver/internal/monitoring"
	"github.com/lapig-ufg/tileserver/internal/tracing"
)

// Config holds the backend client's tunables, sourced from the
// configuration keys in §6.
type Config struct {
	BaseURL string

	MaxWorkers int // bounded pool for lease_layer calls, default 20

	LeaseRPS   float64 // lease_layer rate limit
	LeaseBurst int

	BreakerThreshold       uint32        // consecutive failures before opening, default 5
	BreakerRecoveryTimeout time.Duration // default 30s

	RequestTimeout   time.Duration // per-attempt timeout, default 30s
	FetchBackoffBase time.Duration // default 500ms
}

// DefaultConfig returns the defaults named in §4.4/§6.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:                baseURL,
		MaxWorkers:             20,
		LeaseRPS:               5,
		LeaseBurst:             5,
		BreakerThreshold:       5,
		BreakerRecoveryTimeout: 30 * time.Second,
		RequestTimeout:         30 * time.Second,
		FetchBackoffBase:       500 * time.Millisecond,
	}
}

// Client is the imagery backend client: bounded-pool, rate-limited,
// circuit-broken lease_layer, and retrying fetch_tile.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	pool       chan struct{}
	logger     *slog.Logger
}

// New builds a Client. httpClient may be nil to use a pooled default.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "backend")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "imagery_backend_lease",
		MaxRequests: 1,
		Timeout:     cfg.BreakerRecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			monitoring.BreakerState.Set(float64(to))
			logger.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	})

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.LeaseRPS), cfg.LeaseBurst),
		breaker:    breaker,
		pool:       make(chan struct{}, cfg.MaxWorkers),
		logger:     logger,
	}
}

// LeaseLayer compiles a rendering for (layer, region, params) and returns
// a URL template good for the backend's lease lifespan. Runs on the
// bounded worker pool and through the circuit breaker, since the remote
// call is synchronous and can take seconds.
func (c *Client) LeaseLayer(ctx context.Context, layer, region, params string) (RenderLease, error) {
	ctx, span := tracing.StartSpan(ctx, "backend.lease_layer",
		trace.WithAttributes(tracing.BackendAttributes("lease_layer", c.cfg.BaseURL, 0)...))
	defer span.End()

	if err := c.acquire(ctx); err != nil {
		return RenderLease{}, err
	}
	defer c.release()

	if err := c.limiter.Wait(ctx); err != nil {
		return RenderLease{}, err
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (any, error) {
		return c.doLease(ctx, layer, region, params)
	})
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			monitoring.RecordBackendRequest("lease_layer", tracing.StatusError, duration)
			return RenderLease{}, core.NewError(core.CodeBackendUnavailable, "circuit breaker open").
				WithGuidance("backend is unavailable; retry after the recovery window")
		}
		monitoring.RecordBackendRequest("lease_layer", tracing.StatusError, duration)
		var tileErr *core.TileError
		if errors.As(err, &tileErr) {
			return RenderLease{}, tileErr
		}
		return RenderLease{}, core.NewError(core.CodeBackendUnavailable, "lease_layer failed").WithCause(err)
	}

	monitoring.RecordBackendRequest("lease_layer", tracing.StatusSuccess, duration)
	return result.(RenderLease), nil
}

func (c *Client) doLease(ctx context.Context, layer, region, params string) (RenderLease, error) {
	body, err := json.Marshal(leaseRequest{Layer: layer, Region: region, Params: params})
	if err != nil {
		return RenderLease{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+"/lease", bytes.NewReader(body))
	if err != nil {
		return RenderLease{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RenderLease{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RenderLease{}, core.ServiceError(resp.StatusCode, fmt.Sprintf("lease_layer(%s) failed", layer))
	}

	var lease RenderLease
	if err := json.NewDecoder(resp.Body).Decode(&lease); err != nil {
		return RenderLease{}, err
	}
	if lease.IssuedAt.IsZero() {
		lease.IssuedAt = time.Now()
	}
	return lease, nil
}

const (
	maxFetch429Attempts = 5
	maxFetch5xxAttempts = 3
)

// FetchTile downloads one tile's PNG bytes from a lease's URL template.
// Retries 429 with jittered exponential backoff up to 5 times, 5xx
// with plain exponential backoff up to 3 times, and fails fast on any
// other error.
func (c *Client) FetchTile(ctx context.Context, urlTemplate string, x, y, z int) ([]byte, error) {
	url := expandTileURL(urlTemplate, x, y, z)

	ctx, span := tracing.StartSpan(ctx, "backend.fetch_tile",
		trace.WithAttributes(tracing.BackendAttributes("fetch_tile", url, 0)...))
	defer span.End()

	start := time.Now()
	attempt429, attempt5xx := 0, 0

	for {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		data, status, err := c.doGet(reqCtx, url)
		cancel()

		if err != nil {
			monitoring.RecordBackendRequest("fetch_tile", tracing.StatusError, time.Since(start))
			return nil, core.NewError(core.CodeTransient, "fetch_tile request failed").WithCause(err).AsRetryable()
		}

		if status == http.StatusOK {
			monitoring.RecordBackendRequest("fetch_tile", tracing.StatusSuccess, time.Since(start))
			return data, nil
		}

		switch {
		case status == http.StatusTooManyRequests:
			attempt429++
			if attempt429 > maxFetch429Attempts {
				monitoring.RecordBackendRequest("fetch_tile", tracing.StatusRateLimited, time.Since(start))
				return nil, core.NewError(core.CodeBackendThrottled, "fetch_tile exhausted 429 retries")
			}
			if err := c.sleep(ctx, jitteredBackoff(c.cfg.FetchBackoffBase, attempt429)); err != nil {
				return nil, err
			}
		case status >= 500:
			attempt5xx++
			if attempt5xx > maxFetch5xxAttempts {
				monitoring.RecordBackendRequest("fetch_tile", tracing.StatusError, time.Since(start))
				return nil, core.ServiceError(status, "fetch_tile exhausted 5xx retries")
			}
			if err := c.sleep(ctx, exponentialBackoff(c.cfg.FetchBackoffBase, attempt5xx)); err != nil {
				return nil, err
			}
		default:
			monitoring.RecordBackendRequest("fetch_tile", tracing.StatusError, time.Since(start))
			return nil, core.ServiceError(status, "fetch_tile failed")
		}
	}
}

// ListCatalog proxies the backend's catalog listing for a region/time
// window, returning the raw JSON body unmodified — a thin adapter, not a
// modeled domain type, per §6's "list source images" contract.
func (c *Client) ListCatalog(ctx context.Context, layer string, query string) ([]byte, error) {
	ctx, span := tracing.StartSpan(ctx, "backend.list_catalog",
		trace.WithAttributes(tracing.BackendAttributes("list_catalog", c.cfg.BaseURL, 0)...))
	defer span.End()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/layers/%s/catalog?%s", strings.TrimSuffix(c.cfg.BaseURL, "/"), layer, query)
	data, status, err := c.doGet(reqCtx, url)
	if err != nil {
		return nil, core.NewError(core.CodeTransient, "list_catalog request failed").WithCause(err).AsRetryable()
	}
	if status != http.StatusOK {
		return nil, core.ServiceError(status, "list_catalog failed")
	}
	return data, nil
}

// Ping checks basic reachability of the imagery backend for health_check,
// independent of the circuit breaker so a tripped breaker doesn't mask a
// recovered backend from the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.cfg.BaseURL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("backend: health check returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) doGet(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.pool <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	<-c.pool
}

// jitteredBackoff computes base·2^attempt + jitter∈[0,1)s, for 429 retries.
func jitteredBackoff(base time.Duration, attempt int) time.Duration {
	backoff := base << attempt
	jitter := time.Duration(rand.Float64() * float64(time.Second))
	return backoff + jitter
}

// exponentialBackoff computes base·2^attempt with no jitter, for 5xx retries.
func exponentialBackoff(base time.Duration, attempt int) time.Duration {
	return base << attempt
}

// expandTileURL substitutes {x}, {y}, {z} placeholders in a lease's URL
// template with concrete tile coordinates.
func expandTileURL(urlTemplate string, x, y, z int) string {
	replacer := strings.NewReplacer(
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
		"{z}", strconv.Itoa(z),
	)
	return replacer.Replace(urlTemplate)
}
