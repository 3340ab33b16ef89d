package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMetadataStore is the L2 tier backed by Redis/Valkey, grounded on
// the Redis hash/string layout of the hybrid Python cache this service
// replaces: tile metadata as a hash, small metadata blobs as opaque
// strings, both with an expiry refreshed on read.
type RedisMetadataStore struct {
	client *redis.Client
}

// NewRedisMetadataStore wraps an existing Redis client.
func NewRedisMetadataStore(client *redis.Client) *RedisMetadataStore {
	return &RedisMetadataStore{client: client}
}

func (s *RedisMetadataStore) GetTileMeta(ctx context.Context, cacheKey string) (TileMeta, bool, error) {
	res, err := s.client.HGetAll(ctx, tileMetaKey(cacheKey)).Result()
	if err != nil {
		return TileMeta{}, false, err
	}
	if len(res) == 0 {
		return TileMeta{}, false, nil
	}

	size, _ := strconv.Atoi(res["size"])
	createdAt, _ := time.Parse(time.RFC3339Nano, res["created_at"])

	return TileMeta{
		L3Key:       res["l3_key"],
		Size:        size,
		CreatedAt:   createdAt,
		ContentType: res["content_type"],
	}, true, nil
}

func (s *RedisMetadataStore) SetTileMeta(ctx context.Context, cacheKey string, meta TileMeta, ttl time.Duration) error {
	key := tileMetaKey(cacheKey)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"l3_key":       meta.L3Key,
		"size":         strconv.Itoa(meta.Size),
		"created_at":   meta.CreatedAt.Format(time.RFC3339Nano),
		"content_type": meta.ContentType,
	})
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisMetadataStore) DeleteTileMeta(ctx context.Context, cacheKey string) error {
	return s.client.Del(ctx, tileMetaKey(cacheKey)).Err()
}

func (s *RedisMetadataStore) RefreshTileMetaTTL(ctx context.Context, cacheKey string, ttl time.Duration) error {
	return s.client.Expire(ctx, tileMetaKey(cacheKey), ttl).Err()
}

func (s *RedisMetadataStore) GetMeta(ctx context.Context, metaKey string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, smallMetaKey(metaKey)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisMetadataStore) SetMeta(ctx context.Context, metaKey string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, smallMetaKey(metaKey), value, ttl).Err()
}

func (s *RedisMetadataStore) RefreshMetaTTL(ctx context.Context, metaKey string, ttl time.Duration) error {
	return s.client.Expire(ctx, smallMetaKey(metaKey), ttl).Err()
}

func (s *RedisMetadataStore) ScanTileKeys(ctx context.Context, prefix string) ([]string, error) {
	match := tileMetaKey(prefix) + "*"
	var cacheKeys []string
	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	for iter.Next(ctx) {
		cacheKeys = append(cacheKeys, iter.Val()[len("tile:"):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return cacheKeys, nil
}

func (s *RedisMetadataStore) DeleteTileMetaBatch(ctx context.Context, cacheKeys []string) error {
	if len(cacheKeys) == 0 {
		return nil
	}
	full := make([]string, len(cacheKeys))
	for i, k := range cacheKeys {
		full[i] = tileMetaKey(k)
	}
	return s.client.Del(ctx, full...).Err()
}

func (s *RedisMetadataStore) TileMetaTTL(ctx context.Context, cacheKey string) (time.Duration, bool, error) {
	ttl, err := s.client.PTTL(ctx, tileMetaKey(cacheKey)).Result()
	if err != nil {
		return 0, false, err
	}
	// redis: -2 key does not exist, -1 key exists with no expiry.
	if ttl < 0 {
		return ttl, false, nil
	}
	return ttl, true, nil
}

func (s *RedisMetadataStore) Stats(ctx context.Context) (L2Stats, error) {
	info, err := s.client.Info(ctx, "clients", "memory").Result()
	if err != nil {
		return L2Stats{}, err
	}
	dbSize, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return L2Stats{}, err
	}

	return L2Stats{
		ConnectedClients: parseInfoInt(info, "connected_clients"),
		UsedMemoryHuman:  parseInfoString(info, "used_memory_human"),
		TotalKeys:        dbSize,
	}, nil
}

func (s *RedisMetadataStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// parseInfoInt/parseInfoString extract a field from Redis's flat INFO text
// reply, which go-redis returns unparsed.
func parseInfoInt(info, field string) int {
	n, _ := strconv.Atoi(parseInfoString(info, field))
	return n
}

func parseInfoString(info, field string) string {
	prefix := field + ":"
	for _, line := range strings.Split(info, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSuffix(strings.TrimPrefix(line, prefix), "\r")
		}
	}
	return ""
}
