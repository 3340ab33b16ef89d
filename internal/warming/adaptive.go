// Package warming implements the background tile-production tasks:
// cache_point, cache_campaign, mosaic-based batch dispatch, and the
// adaptive concurrency limiter that throttles backend lease calls under
// system load, per spec.md §4.7.
package warming

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// minFactorFloor keeps the limiter from collapsing to zero concurrency,
// mirroring the Python limiter's "floor at 100 req/min equivalent".
const minFactorFloor = 100

// AdaptiveLimiter bounds concurrent backend lease calls, resizing its
// semaphore within [minLimit, maxLimit] based on CPU% and memory%, a
// direct Go port of original_source/app/middleware/adaptive_limiter.py's
// adjust_limits.
type AdaptiveLimiter struct {
	mu        sync.Mutex
	sem       chan struct{}
	minLimit  int
	maxLimit  int
	current   int
	lastCheck time.Time
}

// NewAdaptiveLimiter builds a limiter starting at maxLimit concurrency.
func NewAdaptiveLimiter(minLimit, maxLimit int) *AdaptiveLimiter {
	if minLimit < 1 {
		minLimit = 1
	}
	if maxLimit < minLimit {
		maxLimit = minLimit
	}
	l := &AdaptiveLimiter{minLimit: minLimit, maxLimit: maxLimit, current: maxLimit}
	l.sem = make(chan struct{}, maxLimit)
	for i := 0; i < maxLimit; i++ {
		l.sem <- struct{}{}
	}
	return l
}

// Acquire blocks for a slot, recomputing the limit at most every 30s.
func (l *AdaptiveLimiter) Acquire(ctx context.Context) error {
	l.maybeAdjust()
	select {
	case <-l.sem:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot to the pool.
func (l *AdaptiveLimiter) Release() {
	select {
	case l.sem <- struct{}{}:
	default:
	}
}

// maybeAdjust samples CPU/memory load and applies the stricter of the
// two factors to the concurrency limit, recomputing at most every 30s.
func (l *AdaptiveLimiter) maybeAdjust() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastCheck) < 30*time.Second {
		return
	}
	l.lastCheck = now

	cpuPercent, err := cpu.Percent(0, false)
	if err != nil || len(cpuPercent) == 0 {
		return
	}
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return
	}

	factor := adjustmentFactor(cpuPercent[0], vmem.UsedPercent)
	newLimit := int(float64(l.maxLimit) * factor)
	if newLimit < minFactorFloor {
		newLimit = minFactorFloor
	}
	if newLimit < l.minLimit {
		newLimit = l.minLimit
	}
	if newLimit > l.maxLimit {
		newLimit = l.maxLimit
	}
	l.resize(newLimit)
}

// adjustmentFactor applies the exact CPU/Mem factor table of spec.md
// §4.7: the stricter factor wins.
func adjustmentFactor(cpuPercent, memPercent float64) float64 {
	cpuFactor := 1.0
	switch {
	case cpuPercent > 80:
		cpuFactor = 0.5
	case cpuPercent > 60:
		cpuFactor = 0.7
	case cpuPercent < 30:
		cpuFactor = 1.5
	}

	memFactor := 1.0
	switch {
	case memPercent > 85:
		memFactor = 0.3
	case memPercent > 70:
		memFactor = 0.6
	case memPercent < 50:
		memFactor = 1.2
	}

	if cpuFactor < memFactor {
		return cpuFactor
	}
	return memFactor
}

// resize grows or shrinks the semaphore toward newLimit. Shrinking takes
// back only the slots that are idle at that moment; slots held by callers
// are returned by Release as usual, so while they are out the semaphore
// can still hold more than newLimit slots. Growing adds slots immediately.
func (l *AdaptiveLimiter) resize(newLimit int) {
	if newLimit == l.current {
		return
	}
	if newLimit < l.current {
		for i := 0; i < l.current-newLimit; i++ {
			select {
			case <-l.sem:
			default:
			}
		}
	}
	if newLimit > l.current {
		for i := 0; i < newLimit-l.current; i++ {
			select {
			case l.sem <- struct{}{}:
			default:
			}
		}
	}
	l.current = newLimit
}

// Current reports the limiter's current target concurrency.
func (l *AdaptiveLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}
