package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr
}

func TestProduceRunsExactlyOnceUnderLocalStampede(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	l := New(client, time.Minute, nil)
	var calls int32

	var wg sync.WaitGroup
	results := make([][]byte, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			data, err := l.Produce(context.Background(), "tile-key", func(ctx context.Context) ([]byte, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(10 * time.Millisecond)
				return []byte("produced"), nil
			})
			if err != nil && !errors.Is(err, ErrHolderFailed) {
				t.Errorf("unexpected error: %v", err)
			}
			results[idx] = data
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 production call, got %d", got)
	}
	for i, r := range results {
		if string(r) != "produced" {
			t.Errorf("caller %d got %q, want %q", i, r, "produced")
		}
	}
}

func TestProduceReturnsHolderFailedWhenLockHeldElsewhere(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	// Simulate another process already holding the lock.
	if err := client.SetNX(context.Background(), lockKey("tile-key"), "other-holder", 200*time.Millisecond).Err(); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	// miniredis only expires keys when its clock is advanced explicitly.
	go func() {
		time.Sleep(200 * time.Millisecond)
		mr.FastForward(200 * time.Millisecond)
	}()

	l := New(client, time.Minute, nil)
	l.pollInterval = 20 * time.Millisecond

	start := time.Now()
	data, err := l.Produce(context.Background(), "tile-key", func(ctx context.Context) ([]byte, error) {
		t.Fatal("produce should not be called when the lock is held elsewhere")
		return nil, nil
	})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrHolderFailed) {
		t.Fatalf("expected ErrHolderFailed, got data=%v err=%v", data, err)
	}
	if elapsed < 150*time.Millisecond {
		t.Errorf("expected Produce to block until lock expiry, returned after %v", elapsed)
	}
}

func TestReleaseOnlyRemovesOwnHolder(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	if err := client.Set(ctx, lockKey("tile-key"), "someone-else", time.Minute).Err(); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	l := New(client, time.Minute, nil)
	l.release(ctx, "tile-key", "not-the-holder")

	val, err := client.Get(ctx, lockKey("tile-key")).Result()
	if err != nil {
		t.Fatalf("expected lock to survive a mismatched release, got error: %v", err)
	}
	if val != "someone-else" {
		t.Errorf("expected lock value unchanged, got %q", val)
	}
}
