package cache

import (
	"context"
	"time"
)

// TileMeta is the L2 record pointing at an L3-stored PNG payload.
type TileMeta struct {
	L3Key       string    `json:"l3_key"`
	Size        int       `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	ContentType string    `json:"content_type"`
}

// L2Stats summarizes the metadata store for the cache's stats() contract.
type L2Stats struct {
	ConnectedClients int
	UsedMemoryHuman  string
	TotalKeys        int64
}

// ObjectSummary is one L3 object's key and size, as returned by a bounded
// prefix listing.
type ObjectSummary struct {
	Key  string
	Size int64
}

// L3Stats summarizes the object store, sampled per §5's bounded-sample
// requirement rather than an exhaustive listing.
type L3Stats struct {
	Connected       bool
	ObjectsEstimate int64
	BytesEstimate   int64
	SampleTruncated bool
}

// MetadataStore is the L2 key/value tier: tile metadata records, small
// JSON blobs, and the primitive the singleflight lock builds on.
type MetadataStore interface {
	GetTileMeta(ctx context.Context, cacheKey string) (TileMeta, bool, error)
	SetTileMeta(ctx context.Context, cacheKey string, meta TileMeta, ttl time.Duration) error
	DeleteTileMeta(ctx context.Context, cacheKey string) error
	RefreshTileMetaTTL(ctx context.Context, cacheKey string, ttl time.Duration) error

	GetMeta(ctx context.Context, metaKey string) ([]byte, bool, error)
	SetMeta(ctx context.Context, metaKey string, value []byte, ttl time.Duration) error
	RefreshMetaTTL(ctx context.Context, metaKey string, ttl time.Duration) error

	// ScanTileKeys returns cache keys (without the "tile:" prefix) whose
	// tile-metadata record's key matches prefix.
	ScanTileKeys(ctx context.Context, prefix string) ([]string, error)
	DeleteTileMetaBatch(ctx context.Context, cacheKeys []string) error

	// TileMetaTTL reports the remaining TTL of a tile-metadata record.
	// A negative duration with ok=false means the key carries no expiry
	// or does not exist — the anomaly cleanup_expired scans for.
	TileMetaTTL(ctx context.Context, cacheKey string) (ttl time.Duration, ok bool, err error)

	Stats(ctx context.Context) (L2Stats, error)
	Ping(ctx context.Context) error
}

// ObjectStore is the L3 tier holding PNG payloads.
type ObjectStore interface {
	Put(ctx context.Context, objectKey string, data []byte, contentType string) error
	Get(ctx context.Context, objectKey string) ([]byte, error)
	DeleteBatch(ctx context.Context, objectKeys []string) error
	// ListObjectKeys lists up to max objects under prefix, for
	// cleanup_orphaned's bounded scan.
	ListObjectKeys(ctx context.Context, prefix string, max int) ([]ObjectSummary, error)
	Stats(ctx context.Context, sampleSize int) (L3Stats, error)
	Ping(ctx context.Context) error
}
