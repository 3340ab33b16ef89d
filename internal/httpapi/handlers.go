package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/lapig-ufg/tileserver/internal/catalog"
	"github.com/lapig-ufg/tileserver/internal/core"
	"github.com/lapig-ufg/tileserver/internal/pipeline"
	"github.com/lapig-ufg/tileserver/internal/tilekey"
)

// handleTile answers GET /api/layers/{layer}/{x}/{y}/{z}, the on-demand
// tile adapter over pipeline.Pipeline.Serve.
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	x, err1 := strconv.Atoi(r.PathValue("x"))
	y, err2 := strconv.Atoi(r.PathValue("y"))
	z, err3 := strconv.Atoi(r.PathValue("z"))
	if err1 != nil || err2 != nil || err3 != nil {
		w.Header().Set("X-Cache", string(pipeline.OutcomeError))
		elapsedHeader(w, start)
		writeError(w, http.StatusBadRequest, "x/y/z must be integers")
		return
	}

	q := r.URL.Query()
	year, err := strconv.Atoi(q.Get("year"))
	if err != nil {
		w.Header().Set("X-Cache", string(pipeline.OutcomeError))
		elapsedHeader(w, start)
		writeError(w, http.StatusBadRequest, "year must be an integer")
		return
	}

	req := pipeline.Request{
		Layer:        r.PathValue("layer"),
		X:            x,
		Y:            y,
		Z:            z,
		VisParamName: q.Get("vis"),
		RegionID:     q.Get("region_id"),
	}
	// year must be an int here, matching internal/warming/cache_point.go's
	// digest input exactly — otherwise a mosaic-warmed tile and an
	// on-demand request for the same (layer, vis, year) hash to different
	// digests and address different cache keys.
	req.RenderParams = map[string]any{"vis_param": q.Get("vis"), "year": year}
	req.RenderParamsDigest = renderParamsDigest(req.RenderParams)

	result, err := s.pipeline.Serve(r.Context(), req)
	if err != nil {
		w.Header().Set("X-Cache", string(pipeline.OutcomeError))
		elapsedHeader(w, start)
		writeTileError(w, err)
		return
	}

	w.Header().Set("X-Cache", string(result.Outcome))
	w.Header().Set("Content-Type", "image/png")
	elapsedHeader(w, start)
	w.WriteHeader(http.StatusOK)
	w.Write(result.Data)
}

// handleCatalog answers GET /api/layers/{layer}/catalog?lat&lon&start&end,
// a thin proxy to the imagery backend's source-image listing.
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	layer := r.PathValue("layer")
	if layer == "" {
		writeError(w, http.StatusBadRequest, "layer is required")
		return
	}
	if s.backend == nil {
		writeError(w, http.StatusNotImplemented, "catalog listing is not configured")
		return
	}

	data, err := s.backend.ListCatalog(r.Context(), layer, r.URL.RawQuery)
	if err != nil {
		writeTileError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

type startPointRequest struct {
	PointID string `json:"point_id"`
}

// handleStartPoint answers POST /api/cache/point/start.
func (s *Server) handleStartPoint(w http.ResponseWriter, r *http.Request) {
	var body startPointRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PointID == "" {
		writeError(w, http.StatusBadRequest, "point_id is required")
		return
	}

	if _, err := s.catalog.GetPoint(r.Context(), body.PointID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "point not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to look up point")
		return
	}

	config := map[string]any{"point_id": body.PointID}
	jobID := catalog.ComputeJobID("cache_point", config)
	job, _, err := s.catalog.UpsertJob(r.Context(), catalog.Job{JobID: jobID, Kind: "cache_point", Config: config})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to schedule task")
		return
	}
	if err := s.scheduler.Submit(job.JobID, "cache_point", config); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": job.JobID})
}

type startCampaignRequest struct {
	CampaignID   string `json:"campaign_id"`
	BatchSize    int    `json:"batch_size"`
	PriorityMode string `json:"priority_mode"`
}

// handleStartCampaign answers POST /api/cache/campaign/start.
func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	var body startCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CampaignID == "" {
		writeError(w, http.StatusBadRequest, "campaign_id is required")
		return
	}

	if _, err := s.catalog.GetCampaign(r.Context(), body.CampaignID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to look up campaign")
		return
	}

	config := map[string]any{"campaign_id": body.CampaignID, "batch_size": body.BatchSize, "priority_mode": body.PriorityMode}
	jobID := catalog.ComputeJobID("cache_campaign", config)
	job, _, err := s.catalog.UpsertJob(r.Context(), catalog.Job{JobID: jobID, Kind: "cache_campaign", Config: config})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to schedule task")
		return
	}
	if err := s.scheduler.Submit(job.JobID, "cache_campaign", config); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": job.JobID})
}

// handleClearPoint answers DELETE /api/cache/point/{id}/clear: marks the
// point uncached and invalidates every cache key its warming run wrote.
func (s *Server) handleClearPoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.catalog.GetPoint(r.Context(), id); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "point not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to look up point")
		return
	}

	cleared, err := s.invalidatePoint(r.Context(), id)
	if err != nil {
		s.logger.Error("clear point: failed to compute/invalidate keys", "point_id", id, "error", err)
	}
	if err := s.catalog.MarkPointUncached(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mark point uncached")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

// handleClearCampaign answers DELETE /api/cache/campaign/{id}/clear:
// marks every point in the campaign uncached and invalidates their keys.
func (s *Server) handleClearCampaign(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.catalog.GetCampaign(r.Context(), id); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to look up campaign")
		return
	}

	points, err := s.catalog.PointsByCampaign(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list campaign points")
		return
	}

	total := 0
	for _, p := range points {
		n, err := s.invalidatePoint(r.Context(), p.ID)
		if err != nil {
			s.logger.Error("clear campaign: failed to invalidate point", "campaign_id", id, "point_id", p.ID, "error", err)
			continue
		}
		total += n
		if err := s.catalog.MarkPointUncached(r.Context(), p.ID); err != nil {
			s.logger.Error("clear campaign: failed to mark point uncached", "point_id", p.ID, "error", err)
		}
	}

	if err := s.catalog.SetCampaignStatus(r.Context(), id, catalog.CachingPending); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset campaign status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"points": len(points), "cleared": total})
}

// invalidatePoint recomputes a point's warmed cache keys and removes
// each from the hybrid cache, returning the total removed.
func (s *Server) invalidatePoint(ctx context.Context, pointID string) (int, error) {
	if s.keys == nil || s.cache == nil {
		return 0, nil
	}
	keys, err := s.keys.TileCacheKeysForPoint(ctx, pointID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, key := range keys {
		n, err := s.cache.DeleteByPattern(ctx, key)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// handleTaskStatus answers GET /api/tasks/{id}.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.catalog.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to look up task")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// renderParamsDigest mirrors the digest derivation warming uses, so
// on-demand requests address the same TileKey a warming run would have
// produced for identical rendering parameters.
func renderParamsDigest(params map[string]any) string {
	return tilekey.CanonicalDigest(params)
}

// writeTileError maps a *core.TileError's Code to the HTTP status table
// in spec.md §7, falling back to 500 for unrecognized errors.
func writeTileError(w http.ResponseWriter, err error) {
	var tileErr *core.TileError
	if errors.As(err, &tileErr) {
		switch tileErr.Code {
		case core.CodeInvalidRequest:
			writeError(w, http.StatusBadRequest, tileErr.Message)
		case core.CodeNotFound:
			writeError(w, http.StatusNotFound, tileErr.Message)
		case core.CodeBackendUnavailable, core.CodeBackendThrottled:
			writeError(w, http.StatusServiceUnavailable, tileErr.Message)
		case core.CodeCacheDegraded, core.CodeTransient:
			writeError(w, http.StatusBadGateway, tileErr.Message)
		default:
			writeError(w, http.StatusInternalServerError, tileErr.Message)
		}
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}
