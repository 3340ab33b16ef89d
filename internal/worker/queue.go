// Package worker implements the named-task runtime: priority lanes,
// per-task rate limits, exponential-backoff retry, a periodic schedule,
// and cooperative cancellation via Job-record polling, per spec.md §4.6.
package worker

import (
	"context"
	"time"

	"github.com/lapig-ufg/tileserver/internal/catalog"
)

// Lane is one of the runtime's four named priority queues.
type Lane string

const (
	LaneHighPriority Lane = "high_priority"
	LaneStandard     Lane = "standard"
	LaneLowPriority  Lane = "low_priority"
	LaneMaintenance  Lane = "maintenance"
)

// TaskFunc is the bound logic for one named task, receiving the job
// record's ID and payload. It should poll JobStore.IsCancelled between
// units of work and return promptly when cancelled.
type TaskFunc func(ctx context.Context, jobID string, payload map[string]any) error

// TaskSpec declares a task's queue affinity, retry policy, and optional
// rate limit, per spec.md §4.6.
type TaskSpec struct {
	Name        string
	Lane        Lane
	MaxRetries  int
	BaseBackoff time.Duration // countdown := base * 2^attempt
	RatePerMin  int           // 0 means unlimited
	Fn          TaskFunc
}

// JobStore is the subset of internal/catalog.Store the worker runtime
// depends on for status bookkeeping and cancellation checks.
type JobStore interface {
	SetJobStatus(ctx context.Context, jobID string, status catalog.JobStatus) error
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	LogTileError(ctx context.Context, e catalog.TileError) error
}

// submission is one unit of queued work.
type submission struct {
	taskName string
	jobID    string
	payload  map[string]any
	attempt  int
}
