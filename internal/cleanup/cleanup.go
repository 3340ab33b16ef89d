// Package cleanup implements the maintenance-lane operations of spec.md
// §4.8: reclaiming expired L2 entries, sweeping orphaned L3 objects,
// reporting usage distributions, and aggregating per-component health.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lapig-ufg/tileserver/internal/cache"
	"github.com/lapig-ufg/tileserver/internal/monitoring"
)

// anomalyTTL is the threshold below which (or absent which) a tile
// metadata record is treated as an anomaly by cleanup_expired.
const anomalyTTL = 24 * time.Hour

const deleteBatchSize = 1000

// Pinger is satisfied by every dependency health_check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Cleaner implements cleanup_expired, cleanup_orphaned, analyze_usage and
// health_check over the cache's L2/L3 tiers and the service's other
// external dependencies.
type Cleaner struct {
	l2      cache.MetadataStore
	l3      cache.ObjectStore
	health  *monitoring.HealthChecker
	catalog Pinger
	backend Pinger
	logger  *slog.Logger
}

// New builds a Cleaner. catalog/backend may be nil if not yet wired (the
// corresponding component is simply omitted from health_check's report).
func New(l2 cache.MetadataStore, l3 cache.ObjectStore, health *monitoring.HealthChecker, catalog, backend Pinger, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{l2: l2, l3: l3, health: health, catalog: catalog, backend: backend, logger: logger.With("component", "cleanup")}
}

// ExpiredReport is cleanup_expired's outcome.
type ExpiredReport struct {
	Scanned    int
	Anomalies  int
	Deleted    int
	BytesFreed int64
	DryRun     bool
}

// CleanupExpired scans L2 tile-metadata keys for entries whose TTL is
// below anomalyTTL or absent, and deletes them (L2 record plus the
// backing L3 object) unless dry_run is set.
func (c *Cleaner) CleanupExpired(ctx context.Context, jobID string, payload map[string]any) error {
	dryRun, _ := payload["dry_run"].(bool)
	maxItems := 10000
	if v, ok := payload["max_items"].(int); ok && v > 0 {
		maxItems = v
	}

	keys, err := c.l2.ScanTileKeys(ctx, "")
	if err != nil {
		return fmt.Errorf("cleanup: scan tile keys: %w", err)
	}
	if len(keys) > maxItems {
		keys = keys[:maxItems]
	}

	report := ExpiredReport{DryRun: dryRun}
	var toDeleteL2 []string
	var toDeleteL3 []string

	for _, key := range keys {
		report.Scanned++

		ttl, ok, err := c.l2.TileMetaTTL(ctx, key)
		if err != nil {
			c.logger.Warn("failed to read ttl", "key", key, "error", err)
			continue
		}
		if ok && ttl >= anomalyTTL {
			continue
		}
		report.Anomalies++

		meta, found, err := c.l2.GetTileMeta(ctx, key)
		if err != nil || !found {
			continue
		}
		report.BytesFreed += int64(meta.Size)
		toDeleteL2 = append(toDeleteL2, key)
		if meta.L3Key != "" {
			toDeleteL3 = append(toDeleteL3, meta.L3Key)
		}
	}

	if !dryRun {
		for i := 0; i < len(toDeleteL2); i += deleteBatchSize {
			end := min(i+deleteBatchSize, len(toDeleteL2))
			if err := c.l2.DeleteTileMetaBatch(ctx, toDeleteL2[i:end]); err != nil {
				c.logger.Error("failed to delete l2 batch", "error", err)
			}
		}
		for i := 0; i < len(toDeleteL3); i += deleteBatchSize {
			end := min(i+deleteBatchSize, len(toDeleteL3))
			if err := c.l3.DeleteBatch(ctx, toDeleteL3[i:end]); err != nil {
				c.logger.Error("failed to delete l3 batch", "error", err)
			}
		}
		report.Deleted = len(toDeleteL2)
	}

	c.logger.Info("cleanup_expired complete", "scanned", report.Scanned, "anomalies", report.Anomalies,
		"deleted", report.Deleted, "bytes_freed", report.BytesFreed, "dry_run", dryRun)
	return nil
}

// OrphanedReport is cleanup_orphaned's outcome.
type OrphanedReport struct {
	Scanned    int
	Orphans    int
	BytesFreed int64
}

// CleanupOrphaned scans L3 objects under prefix and deletes any whose
// corresponding L2 metadata is missing or points elsewhere, in batches of
// up to deleteBatchSize.
func (c *Cleaner) CleanupOrphaned(ctx context.Context, jobID string, payload map[string]any) error {
	prefix, _ := payload["prefix"].(string)
	maxObjects := 10000
	if v, ok := payload["max_objects"].(int); ok && v > 0 {
		maxObjects = v
	}

	objects, err := c.l3.ListObjectKeys(ctx, prefix, maxObjects)
	if err != nil {
		return fmt.Errorf("cleanup: list l3 objects: %w", err)
	}

	report := OrphanedReport{Scanned: len(objects)}
	var orphanKeys []string

	for _, obj := range objects {
		cacheKey := cacheKeyFromObjectKey(obj.Key)
		if cacheKey == "" {
			continue
		}
		meta, found, err := c.l2.GetTileMeta(ctx, cacheKey)
		if err != nil {
			c.logger.Warn("failed to look up l2 metadata for orphan check", "object_key", obj.Key, "error", err)
			continue
		}
		if found && meta.L3Key == obj.Key {
			continue
		}

		report.Orphans++
		report.BytesFreed += obj.Size
		orphanKeys = append(orphanKeys, obj.Key)
	}

	for i := 0; i < len(orphanKeys); i += deleteBatchSize {
		end := min(i+deleteBatchSize, len(orphanKeys))
		if err := c.l3.DeleteBatch(ctx, orphanKeys[i:end]); err != nil {
			c.logger.Error("failed to delete orphaned l3 batch", "error", err)
		}
	}

	c.logger.Info("cleanup_orphaned complete", "scanned", report.Scanned, "orphans", report.Orphans, "bytes_freed", report.BytesFreed)
	return nil
}

// cacheKeyFromObjectKey reverses the "tiles/{hh}/{cache_key}" layout of §6
// back to the cache key, returning "" if the object key isn't shaped that
// way (e.g. it's under an unrelated prefix).
func cacheKeyFromObjectKey(objectKey string) string {
	parts := strings.SplitN(objectKey, "/", 3)
	if len(parts) != 3 || parts[0] != "tiles" {
		return ""
	}
	return parts[2]
}

// UsageReport is analyze_usage's outcome: distributions plus textual
// recommendations, per spec.md §4.8.
type UsageReport struct {
	SampleSize      int
	AgeDays         Distribution
	TTLRemainingHrs Distribution
	SizeBytes       Distribution
	Recommendations []string
}

// Distribution is a minimal summary of a sampled numeric distribution.
type Distribution struct {
	Min, Max, Mean float64
}

// AnalyzeUsage samples up to the configured limit of L2 tile keys and
// reports age/ttl-remaining/size distributions plus recommendations.
func (c *Cleaner) AnalyzeUsage(ctx context.Context, jobID string, payload map[string]any) error {
	sampleSize := 1000
	if v, ok := payload["sample_size"].(int); ok && v > 0 {
		sampleSize = v
	}
	days := 90
	if v, ok := payload["days"].(int); ok && v > 0 {
		days = v
	}

	keys, err := c.l2.ScanTileKeys(ctx, "")
	if err != nil {
		return fmt.Errorf("cleanup: analyze_usage: scan: %w", err)
	}
	if len(keys) > sampleSize {
		keys = keys[:sampleSize]
	}

	var ages, ttls, sizes []float64
	now := time.Now()
	olderThanThreshold := 0

	for _, key := range keys {
		meta, found, err := c.l2.GetTileMeta(ctx, key)
		if err != nil || !found {
			continue
		}
		ageDays := now.Sub(meta.CreatedAt).Hours() / 24
		ages = append(ages, ageDays)
		sizes = append(sizes, float64(meta.Size))
		if ttl, ok, err := c.l2.TileMetaTTL(ctx, key); err == nil && ok {
			ttls = append(ttls, ttl.Hours())
		}
		if ageDays > float64(days) {
			olderThanThreshold++
		}
	}

	report := UsageReport{
		SampleSize:      len(keys),
		AgeDays:         distributionOf(ages),
		TTLRemainingHrs: distributionOf(ttls),
		SizeBytes:       distributionOf(sizes),
	}

	if len(keys) > 0 {
		pctOld := 100 * olderThanThreshold / len(keys)
		if pctOld >= 20 {
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("reduce TTL: %d%% of sampled items older than %d days", pctOld, days))
		}
	}

	c.logger.Info("analyze_usage complete", "sample_size", report.SampleSize, "recommendations", report.Recommendations)
	return nil
}

func distributionOf(values []float64) Distribution {
	if len(values) == 0 {
		return Distribution{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return Distribution{Min: sorted[0], Max: sorted[len(sorted)-1], Mean: sum / float64(len(sorted))}
}

// HealthCheck pings every dependency and records the outcome into the
// HealthChecker, so the next /health read reflects this pass.
func (c *Cleaner) HealthCheck(ctx context.Context, jobID string, payload map[string]any) error {
	c.probe(ctx, "l2", c.l2.Ping)
	c.probe(ctx, "l3", c.l3.Ping)
	if c.catalog != nil {
		c.probe(ctx, "catalog", c.catalog.Ping)
	}
	if c.backend != nil {
		c.probe(ctx, "backend", c.backend.Ping)
	}
	return nil
}

func (c *Cleaner) probe(ctx context.Context, name string, ping func(context.Context) error) {
	start := time.Now()
	err := ping(ctx)
	latency := time.Since(start).Milliseconds()

	status := "connected"
	if err != nil {
		status = "error"
	}
	c.health.UpdateConnection(name, status, latency, err)
}
