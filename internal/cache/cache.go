// Package cache implements the hybrid three-tier tile cache: an in-process
// L1 over PNG bytes, an L2 key/value store for metadata and small JSON
// records, and an L3 object store for PNG payloads. See §4.2 of the
// specification for the full contract.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lapig-ufg/tileserver/internal/core"
	"github.com/lapig-ufg/tileserver/internal/monitoring"
	"github.com/lapig-ufg/tileserver/internal/tracing"
	"go.opentelemetry.io/otel/trace"
)

// ErrObjectNotFound is returned by an ObjectStore when the requested key
// is confirmedly absent, as opposed to a transient I/O failure. Callers
// use this distinction to decide whether to evict the corresponding L2
// metadata record.
var ErrObjectNotFound = errors.New("cache: l3 object not found")

// Config holds the TTLs and L1 sizing knobs from the configuration keys
// named in §6.
type Config struct {
	PNGTTL   time.Duration
	MetaTTL  time.Duration
	L1Max    int
	L1MaxAge time.Duration
}

// HybridCache composes the three tiers behind the contract in §4.2.
type HybridCache struct {
	l1     *L1
	l2     MetadataStore
	l3     ObjectStore
	cfg    Config
	logger *slog.Logger
}

// New builds a HybridCache over the given L2/L3 clients.
func New(l2 MetadataStore, l3 ObjectStore, cfg Config, logger *slog.Logger) *HybridCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &HybridCache{
		l1:     NewL1(cfg.L1Max, cfg.L1MaxAge),
		l2:     l2,
		l3:     l3,
		cfg:    cfg,
		logger: logger.With("component", "cache"),
	}
}

// GetPNG returns the cached PNG bytes for key, or (nil, false, nil) if
// absent — including when L2 or L3 is unreachable (degraded mode never
// surfaces as an error to the pipeline, per §4.2's failure semantics).
func (c *HybridCache) GetPNG(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "cache.get_png",
		trace.WithAttributes(tracing.CacheAttributes(tracing.CacheTierL1, false, key)...))
	defer span.End()

	if data, ok := c.l1.Get(key); ok {
		monitoring.RecordCacheHit(tracing.CacheTierL1)
		return data, true, nil
	}
	monitoring.RecordCacheMiss(tracing.CacheTierL1)

	meta, found, err := c.l2.GetTileMeta(ctx, key)
	if err != nil {
		c.logger.Warn("l2 unreachable on get_png, treating as miss", "key", key, "error", err)
		monitoring.RecordCacheMiss(tracing.CacheTierL2)
		return nil, false, nil
	}
	if !found {
		monitoring.RecordCacheMiss(tracing.CacheTierL2)
		return nil, false, nil
	}
	monitoring.RecordCacheHit(tracing.CacheTierL2)

	if err := c.l2.RefreshTileMetaTTL(ctx, key, c.cfg.PNGTTL); err != nil {
		c.logger.Warn("failed to refresh l2 tile ttl", "key", key, "error", err)
	}

	data, err := c.l3.Get(ctx, meta.L3Key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			c.logger.Error("l2 metadata points at a missing l3 object, evicting", "key", key, "l3_key", meta.L3Key)
			if delErr := c.l2.DeleteTileMeta(ctx, key); delErr != nil {
				c.logger.Error("failed to delete orphaned l2 metadata", "key", key, "error", delErr)
			}
			monitoring.RecordCacheMiss(tracing.CacheTierL3)
			return nil, false, nil
		}
		// Transient L3 failure: degraded mode. Do not evict L2 — the object
		// may well exist, just unreachable right now.
		c.logger.Warn("l3 unreachable, degraded mode", "key", key, "error", err)
		monitoring.RecordCacheMiss(tracing.CacheTierL3)
		return nil, false, nil
	}
	monitoring.RecordCacheHit(tracing.CacheTierL3)

	c.l1.Admit(key, data)
	monitoring.UpdateCacheSize(tracing.CacheTierL1, c.l1.Count())

	return data, true, nil
}

// SetPNG writes bytes under key with the given ttl (or the configured
// PNGTTL if ttl is zero), L3 first with bounded retry, then L2, then L1.
func (c *HybridCache) SetPNG(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	ctx, span := tracing.StartSpan(ctx, "cache.set_png")
	defer span.End()

	if ttl <= 0 {
		ttl = c.cfg.PNGTTL
	}
	objectKey := l3ObjectKey(key)

	var err error
	delay := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = c.l3.Put(ctx, objectKey, data, "image/png"); err == nil {
			break
		}
		c.logger.Warn("l3 put failed, retrying", "key", key, "attempt", attempt+1, "error", err)
	}
	if err != nil {
		monitoring.RecordError("cache", "l3_put_failed")
		return core.NewError(core.CodeCacheDegraded, "failed to write tile to l3 after retries").WithCause(err)
	}

	meta := TileMeta{L3Key: objectKey, Size: len(data), CreatedAt: time.Now(), ContentType: "image/png"}
	if err := c.l2.SetTileMeta(ctx, key, meta, ttl); err != nil {
		monitoring.RecordError("cache", "l2_set_failed")
		return core.NewError(core.CodeCacheDegraded, "failed to write l2 tile metadata").WithCause(err)
	}

	c.l1.Admit(key, data)
	monitoring.UpdateCacheSize(tracing.CacheTierL1, c.l1.Count())
	return nil
}

// GetMeta returns the small JSON metadata record for metaKey (lease URLs
// and similar), refreshing its TTL on a hit.
func (c *HybridCache) GetMeta(ctx context.Context, metaKey string) ([]byte, bool, error) {
	data, found, err := c.l2.GetMeta(ctx, metaKey)
	if err != nil {
		c.logger.Warn("l2 unreachable on get_meta, treating as miss", "key", metaKey, "error", err)
		return nil, false, nil
	}
	if !found {
		return nil, false, nil
	}
	if err := c.l2.RefreshMetaTTL(ctx, metaKey, c.cfg.MetaTTL); err != nil {
		c.logger.Warn("failed to refresh l2 meta ttl", "key", metaKey, "error", err)
	}
	return data, true, nil
}

// SetMeta writes a small JSON metadata record with the given ttl (or the
// configured MetaTTL if ttl is zero).
func (c *HybridCache) SetMeta(ctx context.Context, metaKey string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.MetaTTL
	}
	if err := c.l2.SetMeta(ctx, metaKey, value, ttl); err != nil {
		monitoring.RecordError("cache", "l2_set_meta_failed")
		return core.NewError(core.CodeCacheDegraded, "failed to write metadata").WithCause(err)
	}
	return nil
}

const deleteBatchSize = 1000

// DeleteByPattern removes every tile whose cache key matches prefix from
// all three tiers and returns the total count removed.
func (c *HybridCache) DeleteByPattern(ctx context.Context, prefix string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "cache.delete_by_pattern")
	defer span.End()

	cacheKeys, err := c.l2.ScanTileKeys(ctx, prefix)
	if err != nil {
		return 0, err
	}

	var l3Keys []string
	for _, ck := range cacheKeys {
		meta, found, err := c.l2.GetTileMeta(ctx, ck)
		if err == nil && found && meta.L3Key != "" {
			l3Keys = append(l3Keys, meta.L3Key)
		}
	}

	removed := 0
	for i := 0; i < len(cacheKeys); i += deleteBatchSize {
		end := i + deleteBatchSize
		if end > len(cacheKeys) {
			end = len(cacheKeys)
		}
		if err := c.l2.DeleteTileMetaBatch(ctx, cacheKeys[i:end]); err != nil {
			c.logger.Error("failed to delete l2 batch", "error", err)
			continue
		}
		removed += end - i
	}

	for i := 0; i < len(l3Keys); i += deleteBatchSize {
		end := i + deleteBatchSize
		if end > len(l3Keys) {
			end = len(l3Keys)
		}
		if err := c.l3.DeleteBatch(ctx, l3Keys[i:end]); err != nil {
			c.logger.Error("failed to delete l3 batch", "error", err)
		}
	}

	c.l1.DeletePrefix(prefix)
	c.logger.Info("removed items by pattern", "prefix", prefix, "removed", removed)

	return removed, nil
}

// L1Stats summarizes the in-process tier for Stats.
type L1Stats struct {
	Size    int
	HotKeys []string
}

// Stats is the cache's combined stats() contract across all three tiers.
type Stats struct {
	L1 L1Stats
	L2 L2Stats
	L3 L3Stats
}

// Stats gathers occupancy/hot-key information across tiers. L2/L3 failures
// are logged and reported as their tier's zero value rather than failing
// the whole call.
func (c *HybridCache) Stats(ctx context.Context) Stats {
	l2s, err := c.l2.Stats(ctx)
	if err != nil {
		c.logger.Warn("failed to collect l2 stats", "error", err)
	}

	l3s, err := c.l3.Stats(ctx, deleteBatchSize)
	if err != nil {
		c.logger.Warn("failed to collect l3 stats", "error", err)
	}
	monitoring.L3BytesEstimate.Set(float64(l3s.BytesEstimate))

	return Stats{
		L1: L1Stats{Size: c.l1.Count(), HotKeys: c.l1.HotKeys(10)},
		L2: l2s,
		L3: l3s,
	}
}
