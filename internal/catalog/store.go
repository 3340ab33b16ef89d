package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// ErrNotFound is returned when a point/campaign/job lookup finds nothing.
var ErrNotFound = errors.New("catalog: not found")

// Store is the MongoDB-backed catalog: points, campaigns, jobs, and the
// tile_errors diagnostic log, grounded on original_source/app/core/
// mongodb.py's collection layout.
type Store struct {
	client   *mongo.Client
	points   *mongo.Collection
	campaigns *mongo.Collection
	jobs     *mongo.Collection
	errors   *mongo.Collection
}

// Connect dials MongoDB and verifies connectivity with Ping.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("catalog: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}

	db := client.Database(database)
	return &Store{
		client:    client,
		points:    db.Collection("points"),
		campaigns: db.Collection("campaigns"),
		jobs:      db.Collection("jobs"),
		errors:    db.Collection("tile_errors"),
	}, nil
}

// Disconnect closes the underlying MongoDB connection.
func (s *Store) Disconnect(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping satisfies the health checker's per-component probe contract.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// GetPoint fetches one CatalogPoint by ID.
func (s *Store) GetPoint(ctx context.Context, id string) (CatalogPoint, error) {
	var p CatalogPoint
	err := s.points.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return CatalogPoint{}, ErrNotFound
	}
	return p, err
}

// UncachedPoints returns a campaign's points with cached=false, optionally
// restricted to those flagged "enhance" first for the priority policy
// in spec.md §4.7.
func (s *Store) UncachedPoints(ctx context.Context, campaignID string, enhanceOnly bool) ([]CatalogPoint, error) {
	filter := bson.M{"campaign_id": campaignID, "cached": false}
	if enhanceOnly {
		filter["enhance"] = true
	}
	opts := options.Find().SetSort(bson.D{{Key: "enhance", Value: -1}})
	cur, err := s.points.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var points []CatalogPoint
	if err := cur.All(ctx, &points); err != nil {
		return nil, err
	}
	return points, nil
}

// PointsByCampaign returns every point in a campaign, regardless of
// cached state, for the campaign-wide cache invalidation admin operation.
func (s *Store) PointsByCampaign(ctx context.Context, campaignID string) ([]CatalogPoint, error) {
	cur, err := s.points.Find(ctx, bson.M{"campaign_id": campaignID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var points []CatalogPoint
	if err := cur.All(ctx, &points); err != nil {
		return nil, err
	}
	return points, nil
}

// MarkPointCached sets cached=true with the given stats and timestamp.
func (s *Store) MarkPointCached(ctx context.Context, id string, stats CacheStats, at time.Time) error {
	_, err := s.points.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"cached": true, "cached_at": at, "cache_stats": stats}},
	)
	return err
}

// MarkPointUncached reverts a point, used by the point-clear admin operation.
func (s *Store) MarkPointUncached(ctx context.Context, id string) error {
	_, err := s.points.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"cached": false}, "$unset": bson.M{"cached_at": ""}},
	)
	return err
}

// GetCampaign fetches one Campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	var c Campaign
	err := s.campaigns.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Campaign{}, ErrNotFound
	}
	return c, err
}

// SetCampaignStatus transitions a campaign's caching_status.
func (s *Store) SetCampaignStatus(ctx context.Context, id string, status CachingStatus) error {
	_, err := s.campaigns.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"caching_status": status}})
	return err
}

// FinalizeCampaign recomputes caching_stats.cached_points from the points
// collection and marks the campaign Completed, per invariant 6.
func (s *Store) FinalizeCampaign(ctx context.Context, id string) error {
	cached, err := s.points.CountDocuments(ctx, bson.M{"campaign_id": id, "cached": true})
	if err != nil {
		return err
	}
	total, err := s.points.CountDocuments(ctx, bson.M{"campaign_id": id})
	if err != nil {
		return err
	}

	_, err = s.campaigns.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"caching_status":             CachingCompleted,
		"caching_stats.cached_points": cached,
		"caching_stats.total_points":  total,
	}})
	return err
}

// GetJob fetches a Job by its deterministic job_id.
func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	var j Job
	err := s.jobs.FindOne(ctx, bson.M{"_id": jobID}).Decode(&j)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// UpsertJob inserts a new Job or, if job_id already exists, returns the
// existing record unchanged — the idempotent-resubmission contract of
// invariant 7 and the "Warming idempotence" scenario in spec.md §8.
func (s *Store) UpsertJob(ctx context.Context, job Job) (Job, bool, error) {
	existing, err := s.GetJob(ctx, job.JobID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Job{}, false, err
	}

	job.Status = JobPending
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	if _, err := s.jobs.InsertOne(ctx, job); err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// SetJobStatus transitions a Job's status and bumps its updated_at.
func (s *Store) SetJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	_, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": jobID},
		bson.M{"$set": bson.M{"status": status, "updated_at": time.Now()}},
	)
	return err
}

// SetJobProgress records a Job's fractional progress and appends an
// artifact reference, if any.
func (s *Store) SetJobProgress(ctx context.Context, jobID string, progress float64, artifact string) error {
	update := bson.M{"$set": bson.M{"progress": progress, "updated_at": time.Now()}}
	if artifact != "" {
		update["$push"] = bson.M{"artifacts": artifact}
	}
	_, err := s.jobs.UpdateOne(ctx, bson.M{"_id": jobID}, update)
	return err
}

// IsCancelled reports whether a Job has been marked Cancelled, the check
// long-running tasks perform between units of work per spec.md §4.6/§5.
func (s *Store) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.Status == JobCancelled, nil
}

// LogTileError persists a tile_errors diagnostic record.
func (s *Store) LogTileError(ctx context.Context, e TileError) error {
	e.CreatedAt = time.Now()
	_, err := s.errors.InsertOne(ctx, e)
	return err
}
