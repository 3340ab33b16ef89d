// Package pipeline implements the tile-serving state machine: validate,
// check the cache, collapse concurrent producers through the singleflight
// lock, lease and fetch from the imagery backend on miss, and write back
// through the cache.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lapig-ufg/tileserver/internal/backend"
	"github.com/lapig-ufg/tileserver/internal/catalog"
	"github.com/lapig-ufg/tileserver/internal/core"
	"github.com/lapig-ufg/tileserver/internal/lock"
	"github.com/lapig-ufg/tileserver/internal/monitoring"
	"github.com/lapig-ufg/tileserver/internal/tilekey"
	"github.com/lapig-ufg/tileserver/internal/tracing"
)

// Outcome classifies how a Serve call was satisfied, surfaced to HTTP
// callers as the X-Cache header.
type Outcome string

const (
	OutcomeHit   Outcome = "HIT"
	OutcomeMiss  Outcome = "MISS"
	OutcomeError Outcome = "ERROR"
)

// Result is the outcome of serving one tile request.
type Result struct {
	Data    []byte
	Outcome Outcome
}

// VisParamRegistry validates and resolves rendering-parameter names. Its
// storage and CRUD are out of scope; the pipeline only consumes lookups.
type VisParamRegistry interface {
	Resolve(name string) (catalog.VisParam, bool)
}

// CacheStore is the subset of internal/cache.HybridCache the pipeline
// depends on, narrowed to an interface so the state machine is
// unit-testable against fakes.
type CacheStore interface {
	GetPNG(ctx context.Context, key string) ([]byte, bool, error)
	SetPNG(ctx context.Context, key string, data []byte, ttl time.Duration) error
	GetMeta(ctx context.Context, metaKey string) ([]byte, bool, error)
	SetMeta(ctx context.Context, metaKey string, value []byte, ttl time.Duration) error
}

// Locker is the subset of internal/lock.Lock the pipeline depends on.
type Locker interface {
	Produce(ctx context.Context, key string, produce func(ctx context.Context) ([]byte, error)) ([]byte, error)
}

// BackendClient is the subset of internal/backend.Client the pipeline
// depends on.
type BackendClient interface {
	LeaseLayer(ctx context.Context, layer, region, params string) (backend.RenderLease, error)
	FetchTile(ctx context.Context, urlTemplate string, x, y, z int) ([]byte, error)
}

// Config holds the pipeline's validation bounds and TTLs, sourced from
// the configuration keys in §6.
type Config struct {
	MinZoom     int
	MaxZoom     int
	PNGTTL      time.Duration
	MetaTTL     time.Duration
	LifespanURL time.Duration
	Layers      map[string]bool
}

// Request identifies one tile to serve.
type Request struct {
	Layer              string
	X, Y, Z            int
	VisParamName       string
	RenderParamsDigest string
	RenderParams       map[string]any
	RegionID           string
}

// Pipeline composes the cache, lock, and backend client behind the
// state machine in §4.5. It performs no I/O itself outside those three
// collaborators, keeping it unit-testable against fakes.
type Pipeline struct {
	cache    CacheStore
	lock     Locker
	backend  BackendClient
	registry VisParamRegistry
	cfg      Config
	logger   *slog.Logger
}

// New builds a Pipeline over the given collaborators.
func New(c CacheStore, l Locker, b BackendClient, registry VisParamRegistry, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cache:    c,
		lock:     l,
		backend:  b,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("component", "pipeline"),
	}
}

// leaseRecord is the JSON shape stored at meta_key for a layer/region's
// current lease.
type leaseRecord struct {
	URLTemplate string    `json:"url_template"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Serve runs the full state machine in §4.5 for one tile request.
func (p *Pipeline) Serve(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "pipeline.serve")
	defer span.End()

	if err := p.validate(req); err != nil {
		monitoring.RecordPipelineRequest("error", time.Since(start))
		return Result{Outcome: OutcomeError}, err
	}

	key := tilekey.CacheKey(tilekey.TileKey{
		Layer: req.Layer, Z: req.Z, X: req.X, Y: req.Y,
		RenderParamsDigest: req.RenderParamsDigest,
	})
	span.SetAttributes(tracing.CacheAttributes(tracing.CacheTierL1, false, key)...)

	if data, ok, err := p.cache.GetPNG(ctx, key); err != nil {
		monitoring.RecordPipelineRequest("error", time.Since(start))
		return Result{Outcome: OutcomeError}, err
	} else if ok {
		monitoring.RecordPipelineRequest("hit", time.Since(start))
		return Result{Data: data, Outcome: OutcomeHit}, nil
	}

	data, err := p.produceOnce(ctx, req, key)
	if err != nil {
		monitoring.RecordPipelineRequest("error", time.Since(start))
		return Result{Outcome: OutcomeError}, err
	}
	monitoring.RecordPipelineRequest("miss", time.Since(start))
	return Result{Data: data, Outcome: OutcomeMiss}, nil
}

// produceOnce runs the singleflight-guarded production path, with the
// "holder failed, recover" retry named in §4.5.
func (p *Pipeline) produceOnce(ctx context.Context, req Request, key string) ([]byte, error) {
	data, err := p.lock.Produce(ctx, key, func(ctx context.Context) ([]byte, error) {
		// Racer check: another local/remote request may have produced the
		// tile while we were collapsing onto the lock.
		if data, ok, err := p.cache.GetPNG(ctx, key); err == nil && ok {
			return data, nil
		}
		return p.produce(ctx, req, key)
	})

	if err == nil {
		return data, nil
	}
	if !errors.Is(err, lock.ErrHolderFailed) {
		return nil, err
	}

	// The holder released without producing a result. Check the cache
	// once more in case it succeeded just after releasing; otherwise
	// recover by producing ourselves.
	if data, ok, err := p.cache.GetPNG(ctx, key); err == nil && ok {
		return data, nil
	}
	return p.produce(ctx, req, key)
}

// produce performs the actual lease/fetch/writeback sequence for req.
func (p *Pipeline) produce(ctx context.Context, req Request, key string) ([]byte, error) {
	metaKey := tilekey.MetaKey(req.Layer, req.RegionID, req.RenderParamsDigest)

	lease, err := p.currentLease(ctx, metaKey)
	if err != nil {
		return nil, err
	}
	if lease == nil || lease.Expired(p.cfg.LifespanURL) {
		lease, err = p.renewLease(ctx, req, metaKey)
		if err != nil {
			return nil, err
		}
	}

	data, err := p.backend.FetchTile(ctx, lease.URLTemplate, req.X, req.Y, req.Z)
	if err != nil {
		return nil, err
	}

	if err := p.cache.SetPNG(ctx, key, data, p.cfg.PNGTTL); err != nil {
		return nil, err
	}
	return data, nil
}

func (p *Pipeline) currentLease(ctx context.Context, metaKey string) (*backend.RenderLease, error) {
	raw, ok, err := p.cache.GetMeta(ctx, metaKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	lease, err := decodeLeaseRecord(raw)
	if err != nil {
		p.logger.Warn("failed to decode cached lease, treating as absent", "meta_key", metaKey, "error", err)
		return nil, nil
	}
	return lease, nil
}

func (p *Pipeline) renewLease(ctx context.Context, req Request, metaKey string) (*backend.RenderLease, error) {
	lease, err := p.backend.LeaseLayer(ctx, req.Layer, req.RegionID, req.RenderParamsDigest)
	if err != nil {
		return nil, err
	}
	encoded, err := encodeLeaseRecord(lease)
	if err != nil {
		return nil, err
	}
	if err := p.cache.SetMeta(ctx, metaKey, encoded, p.cfg.MetaTTL); err != nil {
		p.logger.Warn("failed to persist lease, continuing with in-memory lease", "meta_key", metaKey, "error", err)
	}
	return &lease, nil
}

// validate enforces the rules in §4.5.
func (p *Pipeline) validate(req Request) error {
	if req.Z < p.cfg.MinZoom || req.Z > p.cfg.MaxZoom {
		return core.NewValidationError("zoom out of range")
	}
	if len(p.cfg.Layers) > 0 && !p.cfg.Layers[req.Layer] {
		return core.NewValidationError("unknown layer")
	}
	if p.registry != nil && req.VisParamName != "" {
		if _, ok := p.registry.Resolve(req.VisParamName); !ok {
			return core.NewValidationError("unrecognized rendering parameters")
		}
	}
	return nil
}
