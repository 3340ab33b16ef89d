package tracing

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for tile server operations
const (
	// Pipeline attributes
	AttrTileOperation = "tile.operation"
	AttrTileStatus    = "tile.status"
	AttrTileDuration  = "tile.duration_ms"
	AttrTileBytes     = "tile.result_bytes"
	AttrTileZ         = "tile.z"
	AttrTileX         = "tile.x"
	AttrTileY         = "tile.y"

	// Backend attributes
	AttrBackendName      = "backend.name"
	AttrBackendOperation = "backend.operation"
	AttrBackendURL       = "backend.url"
	AttrBackendStatus    = "backend.status"

	// Cache attributes
	AttrCacheTier = "cache.tier"
	AttrCacheHit  = "cache.hit"
	AttrCacheKey  = "cache.key"

	// Rate limiting attributes
	AttrRateLimitService = "ratelimit.service"
	AttrRateLimitWaitMs  = "ratelimit.wait_ms"

	// HTTP transport attributes
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
	AttrHTTPPath       = "http.path"
	AttrHTTPRequestID  = "http.request_id"

	// Worker/job attributes
	AttrJobID    = "job.id"
	AttrJobQueue = "job.queue"
	AttrJobTask  = "job.task"

	// Error attributes
	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)

// Status values
const (
	StatusSuccess     = "success"
	StatusError       = "error"
	StatusTimeout     = "timeout"
	StatusRateLimited = "rate_limited"
)

// Backend service names
const (
	ServiceImageryBackend = "imagery_backend"
	ServiceL2Store        = "l2_redis"
	ServiceL3Store        = "l3_object_store"
	ServiceCatalog        = "catalog_mongo"
)

// Cache tiers
const (
	CacheTierL1 = "l1"
	CacheTierL2 = "l2"
	CacheTierL3 = "l3"
)

// TileAttributes returns attributes for a tile pipeline operation
func TileAttributes(op, status string, durationMs int64, z, x, y int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTileOperation, op),
		attribute.String(AttrTileStatus, status),
		attribute.Int64(AttrTileDuration, durationMs),
		attribute.Int(AttrTileZ, z),
		attribute.Int(AttrTileX, x),
		attribute.Int(AttrTileY, y),
	}
}

// BackendAttributes returns attributes for imagery backend calls
func BackendAttributes(operation, url string, status int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrBackendName, ServiceImageryBackend),
		attribute.String(AttrBackendOperation, operation),
		attribute.String(AttrBackendURL, url),
		attribute.Int(AttrBackendStatus, status),
	}
}

// CacheAttributes returns attributes for cache operations
func CacheAttributes(tier string, hit bool, key string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrCacheTier, tier),
		attribute.Bool(AttrCacheHit, hit),
		attribute.String(AttrCacheKey, key),
	}
}

// JobAttributes returns attributes for worker/job operations
func JobAttributes(jobID, queue, task string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrJobID, jobID),
		attribute.String(AttrJobQueue, queue),
		attribute.String(AttrJobTask, task),
	}
}

// ErrorAttributes returns attributes for errors
func ErrorAttributes(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String(AttrErrorType, "error"),
		attribute.String(AttrErrorMessage, err.Error()),
	}
}
