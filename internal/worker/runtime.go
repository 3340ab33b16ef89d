package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lapig-ufg/tileserver/internal/catalog"
	"github.com/lapig-ufg/tileserver/internal/monitoring"
)

// laneQueueSize is the buffer depth of each lane's channel before Submit
// blocks the caller.
const laneQueueSize = 1024

// Runtime is the task queue runtime: four priority lanes, each serviced
// by a fixed worker-pool of goroutines, mirroring pkg/server/
// middleware.go's map-of-state-plus-janitor-goroutine shape applied to
// per-lane channels instead of a visitor map.
type Runtime struct {
	jobs   JobStore
	logger *slog.Logger

	mu      sync.RWMutex
	tasks   map[string]TaskSpec
	limiters map[string]*rate.Limiter

	lanes map[Lane]chan submission

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Config sizes each lane's worker pool.
type Config struct {
	HighPriorityWorkers int
	StandardWorkers     int
	LowPriorityWorkers  int
	MaintenanceWorkers  int
}

// DefaultConfig mirrors the teacher's conservative default pool sizing.
func DefaultConfig() Config {
	return Config{HighPriorityWorkers: 8, StandardWorkers: 8, LowPriorityWorkers: 4, MaintenanceWorkers: 2}
}

// NewRuntime builds a Runtime with empty lanes; call Register for each
// task before Run.
func NewRuntime(jobs JobStore, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		jobs:     jobs,
		logger:   logger.With("component", "worker"),
		tasks:    make(map[string]TaskSpec),
		limiters: make(map[string]*rate.Limiter),
		lanes: map[Lane]chan submission{
			LaneHighPriority: make(chan submission, laneQueueSize),
			LaneStandard:     make(chan submission, laneQueueSize),
			LaneLowPriority:  make(chan submission, laneQueueSize),
			LaneMaintenance:  make(chan submission, laneQueueSize),
		},
	}
}

// Register declares a task's handler, queue affinity, and retry/rate policy.
func (r *Runtime) Register(spec TaskSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[spec.Name] = spec
	if spec.RatePerMin > 0 {
		r.limiters[spec.Name] = rate.NewLimiter(rate.Limit(float64(spec.RatePerMin)/60.0), spec.RatePerMin)
	}
}

// Submit enqueues one unit of work onto its task's declared lane.
func (r *Runtime) Submit(jobID, taskName string, payload map[string]any) error {
	r.mu.RLock()
	spec, ok := r.tasks[taskName]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("worker: unknown task %q", taskName)
	}

	ch := r.lanes[spec.Lane]
	ch <- submission{taskName: taskName, jobID: jobID, payload: payload}
	monitoring.WorkerQueueDepth.WithLabelValues(string(spec.Lane)).Set(float64(len(ch)))
	return nil
}

// Run starts the worker pools for all four lanes and blocks until ctx
// is cancelled or Stop is called.
func (r *Runtime) Run(ctx context.Context, cfg Config) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.spawn(ctx, LaneHighPriority, cfg.HighPriorityWorkers)
	r.spawn(ctx, LaneStandard, cfg.StandardWorkers)
	r.spawn(ctx, LaneLowPriority, cfg.LowPriorityWorkers)
	r.spawn(ctx, LaneMaintenance, cfg.MaintenanceWorkers)

	<-ctx.Done()
	r.wg.Wait()
}

// Stop signals every worker to drain and exit.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Runtime) spawn(ctx context.Context, lane Lane, n int) {
	ch := r.lanes[lane]
	for i := 0; i < n; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case sub := <-ch:
					monitoring.WorkerQueueDepth.WithLabelValues(string(lane)).Set(float64(len(ch)))
					r.execute(ctx, sub)
				}
			}
		}()
	}
}

// execute runs one submission, applying the task's rate limit, checking
// cancellation, and retrying with exponential backoff on failure.
func (r *Runtime) execute(ctx context.Context, sub submission) {
	r.mu.RLock()
	spec := r.tasks[sub.taskName]
	limiter := r.limiters[sub.taskName]
	r.mu.RUnlock()

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}

	if cancelled, err := r.jobs.IsCancelled(ctx, sub.jobID); err == nil && cancelled {
		r.jobs.SetJobStatus(ctx, sub.jobID, catalog.JobCancelled)
		monitoring.WorkerTasksTotal.WithLabelValues(string(spec.Lane), "cancelled").Inc()
		return
	}

	err := spec.Fn(ctx, sub.jobID, sub.payload)
	if err == nil {
		monitoring.WorkerTasksTotal.WithLabelValues(string(spec.Lane), "success").Inc()
		return
	}

	if sub.attempt >= spec.MaxRetries {
		monitoring.WorkerTasksTotal.WithLabelValues(string(spec.Lane), "failed").Inc()
		r.jobs.SetJobStatus(ctx, sub.jobID, catalog.JobFailed)
		r.jobs.LogTileError(ctx, catalog.TileError{
			JobID:        sub.jobID,
			ErrorType:    "worker_exhausted_retries",
			ErrorMessage: err.Error(),
			Attempt:      sub.attempt,
		})
		r.logger.Error("task exhausted retries", "task", sub.taskName, "job_id", sub.jobID, "attempt", sub.attempt, "error", err)
		return
	}

	countdown := spec.BaseBackoff << sub.attempt
	monitoring.WorkerTasksTotal.WithLabelValues(string(spec.Lane), "retry").Inc()
	r.logger.Warn("task failed, retrying", "task", sub.taskName, "job_id", sub.jobID, "attempt", sub.attempt, "countdown", countdown, "error", err)

	next := sub
	next.attempt++
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(countdown):
			r.lanes[spec.Lane] <- next
		}
	}()
}
