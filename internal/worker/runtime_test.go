package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lapig-ufg/tileserver/internal/catalog"
)

type fakeJobStore struct {
	mu        sync.Mutex
	cancelled map[string]bool
	statuses  map[string]catalog.JobStatus
	errors    []catalog.TileError
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{cancelled: map[string]bool{}, statuses: map[string]catalog.JobStatus{}}
}

func (f *fakeJobStore) SetJobStatus(ctx context.Context, jobID string, status catalog.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[jobID] = status
	return nil
}

func (f *fakeJobStore) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[jobID], nil
}

func (f *fakeJobStore) LogTileError(ctx context.Context, e catalog.TileError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, e)
	return nil
}

func (f *fakeJobStore) status(jobID string) catalog.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[jobID]
}

func TestRuntimeRetriesWithBackoffThenSucceeds(t *testing.T) {
	jobs := newFakeJobStore()
	r := NewRuntime(jobs, nil)

	var calls int32
	r.Register(TaskSpec{
		Name:        "flaky",
		Lane:        LaneStandard,
		MaxRetries:  3,
		BaseBackoff: 5 * time.Millisecond,
		Fn: func(ctx context.Context, jobID string, payload map[string]any) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return context.DeadlineExceeded
			}
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx, Config{StandardWorkers: 1})
	defer func() { r.Stop(); cancel() }()

	if err := r.Submit("job-1", "flaky", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&calls) == 3 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected 3 calls (2 failures + 1 success), got %d", calls)
}

func TestRuntimeMarksJobFailedAfterExhaustingRetries(t *testing.T) {
	jobs := newFakeJobStore()
	r := NewRuntime(jobs, nil)

	r.Register(TaskSpec{
		Name:        "always-fails",
		Lane:        LaneStandard,
		MaxRetries:  1,
		BaseBackoff: time.Millisecond,
		Fn: func(ctx context.Context, jobID string, payload map[string]any) error {
			return context.DeadlineExceeded
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx, Config{StandardWorkers: 1})
	defer func() { r.Stop(); cancel() }()

	if err := r.Submit("job-2", "always-fails", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if jobs.status("job-2") == catalog.JobFailed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected job-2 to be marked Failed after exhausting retries")
}

func TestRuntimeSkipsCancelledJobs(t *testing.T) {
	jobs := newFakeJobStore()
	jobs.cancelled["job-3"] = true
	r := NewRuntime(jobs, nil)

	var calls int32
	r.Register(TaskSpec{
		Name: "should-not-run",
		Lane: LaneStandard,
		Fn: func(ctx context.Context, jobID string, payload map[string]any) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx, Config{StandardWorkers: 1})
	defer func() { r.Stop(); cancel() }()

	if err := r.Submit("job-3", "should-not-run", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("expected the cancelled job's task never to run, got %d calls", calls)
	}
	if jobs.status("job-3") != catalog.JobCancelled {
		t.Errorf("expected job-3 status Cancelled, got %s", jobs.status("job-3"))
	}
}

func TestSubmitRejectsUnknownTask(t *testing.T) {
	r := NewRuntime(newFakeJobStore(), nil)
	if err := r.Submit("job-4", "nonexistent", nil); err == nil {
		t.Fatal("expected an error submitting an unregistered task")
	}
}
