package warming

import (
	"context"
	"fmt"
	"strconv"

	"github.com/lapig-ufg/tileserver/internal/catalog"
)

// Submitter dispatches a named task onto a worker runtime's queue. It is
// the narrow slice of worker.Runtime that warming depends on, kept as an
// interface so cache_campaign's batch dispatch is unit-testable without a
// real Runtime.
type Submitter func(jobID, taskName string, payload map[string]any) error

// WithSubmitter attaches the queue submitter used to dispatch
// cache_point_batch subtasks. A Warmer built without one runs batches
// inline instead of queuing them.
func (w *Warmer) WithSubmitter(s Submitter) *Warmer {
	w.submit = s
	return w
}

// CacheCampaign implements spec.md §4.7's cache_campaign(campaign_id,
// batch_size, priority_mode): marks the campaign InProgress, partitions
// its uncached points into batch_size-sized batches dispatched as
// cache_point_batch subtasks, and relies on each batch's completion to
// trigger FinalizeCampaign once no uncached points remain.
func (w *Warmer) CacheCampaign(ctx context.Context, jobID string, payload map[string]any) error {
	campaignID, _ := payload["campaign_id"].(string)
	if campaignID == "" {
		return fmt.Errorf("warming: cache_campaign: missing campaign_id")
	}
	batchSize := w.cfg.BatchSize
	if v, ok := payload["batch_size"].(int); ok && v > 0 {
		batchSize = v
	}
	priorityMode := parsePriorityMode(payload["priority_mode"])

	if err := w.catalog.SetCampaignStatus(ctx, campaignID, catalog.CachingInProgress); err != nil {
		return fmt.Errorf("warming: cache_campaign: set in-progress: %w", err)
	}

	points, err := w.catalog.UncachedPoints(ctx, campaignID, priorityMode)
	if err != nil {
		return fmt.Errorf("warming: cache_campaign: list uncached points: %w", err)
	}
	if len(points) == 0 {
		return w.catalog.FinalizeCampaign(ctx, campaignID)
	}

	for start := 0; start < len(points); start += batchSize {
		end := start + batchSize
		if end > len(points) {
			end = len(points)
		}

		pointIDs := make([]string, 0, end-start)
		for _, p := range points[start:end] {
			pointIDs = append(pointIDs, p.ID)
		}

		batchPayload := map[string]any{"point_ids": pointIDs, "campaign_id": campaignID}
		if w.submit != nil {
			if err := w.submit(jobID, "cache_point_batch", batchPayload); err != nil {
				w.logger.Error("failed to submit cache_point_batch", "campaign_id", campaignID, "error", err)
			}
			continue
		}
		if err := w.CachePointBatch(ctx, jobID, batchPayload); err != nil {
			w.logger.Error("cache_point_batch failed", "campaign_id", campaignID, "error", err)
		}
	}

	return nil
}

// CachePointBatch warms every point in payload's point_ids, then checks
// whether the owning campaign has any uncached points left and, if not,
// finalizes it — the asynchronous completion path for campaigns whose
// batches were dispatched through a Submitter.
func (w *Warmer) CachePointBatch(ctx context.Context, jobID string, payload map[string]any) error {
	pointIDs := stringSlice(payload["point_ids"])
	campaignID, _ := payload["campaign_id"].(string)

	for _, pointID := range pointIDs {
		if _, err := w.cachePointCore(ctx, pointID); err != nil {
			w.logger.Error("cache_point_batch: point failed", "point_id", pointID, "error", err)
		}
	}

	if campaignID == "" {
		return nil
	}
	remaining, err := w.catalog.UncachedPoints(ctx, campaignID, false)
	if err != nil {
		return fmt.Errorf("warming: cache_point_batch: check remaining: %w", err)
	}
	if len(remaining) == 0 {
		return w.catalog.FinalizeCampaign(ctx, campaignID)
	}
	return nil
}

// parsePriorityMode accepts either a bool or a string (the shape the
// priority_mode flag takes when it arrives from handleStartCampaign's
// JSON body) and normalizes to bool, defaulting to false.
func parsePriorityMode(v any) bool {
	switch vv := v.(type) {
	case bool:
		return vv
	case string:
		b, err := strconv.ParseBool(vv)
		if err != nil {
			return false
		}
		return b
	default:
		return false
	}
}

// stringSlice accepts either []string or []any (the shape a task payload
// takes after a JSON round trip) and normalizes to []string.
func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
