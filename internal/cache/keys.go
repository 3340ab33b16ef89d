package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// tileMetaKey formats the L2 key for a tile's metadata record.
func tileMetaKey(cacheKey string) string {
	return "tile:" + cacheKey
}

// smallMetaKey formats the L2 key for a small JSON metadata record
// (lease URLs and similar).
func smallMetaKey(metaKey string) string {
	return "meta:" + metaKey
}

// lockKey formats the L2 key used by the singleflight distributed lock.
func lockKey(cacheKey string) string {
	return "lock:" + cacheKey
}

// l3ObjectKey shards an object store key under a stable two-character hex
// prefix derived from the cache key, per the L3 key layout in §6.
func l3ObjectKey(cacheKey string) string {
	sum := md5.Sum([]byte(cacheKey))
	prefix := hex.EncodeToString(sum[:])[:2]
	return fmt.Sprintf("tiles/%s/%s", prefix, cacheKey)
}
