// Package catalog persists the spatial catalog (points, campaigns),
// warming jobs, and the tile_errors diagnostic log in MongoDB, plus a
// VisParamRegistry that resolves named rendering-parameter bags for the
// backend client and tile key derivation. Storage and CRUD for VisParam
// definitions remain external per spec; this package only consumes the
// registry.
package catalog

import "time"

// JobStatus is the lifecycle of a warming Job, per spec.md §3.
type JobStatus string

const (
	JobPending   JobStatus = "Pending"
	JobRunning   JobStatus = "Running"
	JobCompleted JobStatus = "Completed"
	JobFailed    JobStatus = "Failed"
	JobCancelled JobStatus = "Cancelled"
)

// CachingStatus is a Campaign's aggregate caching progress.
type CachingStatus string

const (
	CachingPending    CachingStatus = "Pending"
	CachingInProgress CachingStatus = "InProgress"
	CachingCompleted  CachingStatus = "Completed"
)

// CatalogPoint marks one geographic point whose tiles should be fully
// cached, per spec.md §3.
type CatalogPoint struct {
	ID         string     `bson:"_id,omitempty" json:"id"`
	CampaignID string     `bson:"campaign_id" json:"campaign_id"`
	Lat        float64    `bson:"lat" json:"lat"`
	Lon        float64    `bson:"lon" json:"lon"`
	Enhance    bool       `bson:"enhance" json:"enhance"`
	Cached     bool       `bson:"cached" json:"cached"`
	CachedAt   *time.Time `bson:"cached_at,omitempty" json:"cached_at,omitempty"`
	CacheStats CacheStats `bson:"cache_stats" json:"cache_stats"`
}

// CacheStats counts per-tile outcomes for a point or campaign's warming run.
type CacheStats struct {
	Requested int `bson:"requested" json:"requested"`
	Succeeded int `bson:"succeeded" json:"succeeded"`
	Failed    int `bson:"failed" json:"failed"`
}

// Campaign groups many CatalogPoints under shared visualization
// parameters and a year range, per spec.md §3.
type Campaign struct {
	ID                string        `bson:"_id,omitempty" json:"id"`
	YearRangeStart     int           `bson:"year_range_start" json:"year_range_start"`
	YearRangeEnd       int           `bson:"year_range_end" json:"year_range_end"`
	VisualizationParams []string     `bson:"visualization_params" json:"visualization_params"`
	ImageType         string        `bson:"image_type" json:"image_type"`
	CachingStatus     CachingStatus `bson:"caching_status" json:"caching_status"`
	CachingStats      CachingStats  `bson:"caching_stats" json:"caching_stats"`
}

// CachingStats is a Campaign's aggregate progress, per invariant 6.
type CachingStats struct {
	TotalPoints   int `bson:"total_points" json:"total_points"`
	CachedPoints  int `bson:"cached_points" json:"cached_points"`
	FailedPoints  int `bson:"failed_points" json:"failed_points"`
}

// Job is a warming/embedding job, identified deterministically by its
// canonical config digest so resubmission is idempotent (invariant 7).
type Job struct {
	JobID        string         `bson:"_id" json:"job_id"`
	Kind         string         `bson:"kind" json:"kind"`
	ConfigDigest string         `bson:"config_digest" json:"config_digest"`
	Config       map[string]any `bson:"config" json:"config"`
	Status       JobStatus      `bson:"status" json:"status"`
	Progress     float64        `bson:"progress" json:"progress"`
	Artifacts    []string       `bson:"artifacts" json:"artifacts"`
	CreatedAt    time.Time      `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `bson:"updated_at" json:"updated_at"`
}

// TileError is a diagnostic record for a failed tile production, per
// spec.md §7's "tile_errors log" concept.
type TileError struct {
	ID          string    `bson:"_id,omitempty" json:"id,omitempty"`
	JobID       string    `bson:"job_id,omitempty" json:"job_id,omitempty"`
	PointID     string    `bson:"point_id,omitempty" json:"point_id,omitempty"`
	CampaignID  string    `bson:"campaign_id,omitempty" json:"campaign_id,omitempty"`
	TileInfo    string    `bson:"tile_info" json:"tile_info"`
	Year        int       `bson:"year,omitempty" json:"year,omitempty"`
	VisParam    string    `bson:"vis_param,omitempty" json:"vis_param,omitempty"`
	ErrorType   string    `bson:"error_type" json:"error_type"`
	ErrorMessage string   `bson:"error_message" json:"error_message"`
	Attempt     int       `bson:"attempt" json:"attempt"`
	BreakerOpen bool      `bson:"breaker_open" json:"breaker_open"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
}

// SentinelVis is the Sentinel-family rendering parameter shape.
type SentinelVis struct {
	Select []string  `json:"select"`
	Bands  []string  `json:"bands"`
	Min    []float64 `json:"min"`
	Max    []float64 `json:"max"`
	Gamma  []float64 `json:"gamma"`
}

// LandsatCollectionVis is one Landsat collection's rendering table entry.
type LandsatCollectionVis struct {
	Collection string    `json:"collection"`
	Bands      []string  `json:"bands"`
	Min        []float64 `json:"min"`
	Max        []float64 `json:"max"`
	Gamma      []float64 `json:"gamma"`
}

// VisParam is the tagged-sum rendering-parameter bag named in spec.md
// §9's design note: a Sentinel-shaped selection or a per-collection
// Landsat table, never both.
type VisParam struct {
	Name     string
	Sentinel *SentinelVis
	Landsat  []LandsatCollectionVis
}
