// Package lock implements the per-key distributed mutex that ensures only
// one producer materializes a given tile at a time, across the fleet.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/lapig-ufg/tileserver/internal/tracing"
)

// releaseScript atomically releases the lock only if it is still held by
// the caller, preventing a slow producer from deleting another holder's
// lock after its own lease expired.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

var releaseCmd = redis.NewScript(releaseScript)

// ErrHolderFailed is returned by Produce when the distributed holder
// released (or its lease expired) without leaving a cached result, so the
// caller should retry production itself.
var ErrHolderFailed = errors.New("lock: holder did not produce a result")

// Lock is a singleflight-collapsed, Redis-backed distributed mutex keyed
// per cache key. A process-local singleflight.Group collapses concurrent
// goroutines in this process onto a single Redis round trip before any of
// them attempt the distributed lock, matching §4.3's dedup requirement.
type Lock struct {
	client       *redis.Client
	local        singleflight.Group
	ttl          time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// New builds a Lock with the given lease duration. ttl must exceed the
// 95th-percentile production time; long producers should call Renew.
func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Lock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{
		client:       client,
		ttl:          ttl,
		pollInterval: 100 * time.Millisecond,
		logger:       logger.With("component", "lock"),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Produce runs produce() under the lock for key. Within this process,
// concurrent callers for the same key collapse onto a single goroutine
// (the one that actually calls Redis), so at most one of them ever reaches
// the distributed lock attempt. If this process wins the distributed
// lock, produce runs and its result is shared with every local waiter.
// If another process holds the lock, Produce blocks until it is released
// (or its lease expires) and returns ErrHolderFailed so the caller can
// re-check the cache and, if still empty, retry production itself.
func (l *Lock) Produce(ctx context.Context, key string, produce func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	ctx, span := tracing.StartSpan(ctx, "lock.produce")
	defer span.End()

	v, err, _ := l.local.Do(key, func() (any, error) {
		holderID := uuid.NewString()
		acquired, err := l.client.SetNX(ctx, lockKey(key), holderID, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if acquired {
			defer l.release(ctx, key, holderID)
			return produce(ctx)
		}
		if err := l.waitForRelease(ctx, key); err != nil {
			return nil, err
		}
		return nil, ErrHolderFailed
	})
	if err != nil {
		if errors.Is(err, ErrHolderFailed) {
			return nil, ErrHolderFailed
		}
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.([]byte), nil
}

// release deletes the lock only if it is still owned by holderID. A bug
// that lets a lease expire before release must not corrupt the cache —
// callers always re-check the cache before writing, per §4.3.
func (l *Lock) release(ctx context.Context, key, holderID string) {
	if err := releaseCmd.Run(ctx, l.client, []string{lockKey(key)}, holderID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Warn("failed to release lock", "key", key, "error", err)
	}
}

// Renew extends the lock's TTL for a holder expecting a long production,
// only while the lock is still owned by holderID.
func (l *Lock) Renew(ctx context.Context, key, holderID string, ttl time.Duration) error {
	renewCmd := redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) end return 0`)
	n, err := renewCmd.Run(ctx, l.client, []string{lockKey(key)}, holderID, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("lock: key no longer held")
	}
	return nil
}

// waitForRelease blocks until the lock for key disappears (released or
// expired) or ctx is done.
func (l *Lock) waitForRelease(ctx context.Context, key string) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		exists, err := l.client.Exists(ctx, lockKey(key)).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
