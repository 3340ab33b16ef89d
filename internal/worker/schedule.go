package worker

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// scheduleEntry is one row of the mandatory periodic schedule in spec.md §4.6.
type scheduleEntry struct {
	taskName string
	spec     string // standard 5-field cron, UTC
}

// periodicSchedule is the exact table spec.md §4.6 mandates.
var periodicSchedule = []scheduleEntry{
	{taskName: "warm-popular-regions", spec: "0 2 * * *"},
	{taskName: "analyze-usage-patterns", spec: "0 3 * * 1"},
	{taskName: "cleanup-expired", spec: "0 3 * * *"},
	{taskName: "cleanup-orphaned", spec: "0 4 * * 0"},
	{taskName: "health-check", spec: "*/5 * * * *"},
	{taskName: "collect-metrics", spec: "0 * * * *"},
}

// Scheduler dispatches the periodic schedule onto the Runtime, each task
// on the lane it was registered with, via robfig/cron/v3 in UTC.
type Scheduler struct {
	cron    *cron.Cron
	runtime *Runtime
	logger  *slog.Logger
}

// NewScheduler wires every entry of periodicSchedule to Runtime.Submit,
// which queues it on the task's registered lane. Tasks named in the schedule must already be
// registered on the Runtime with Register.
func NewScheduler(runtime *Runtime, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(cron.WithLocation(time.UTC))

	s := &Scheduler{cron: c, runtime: runtime, logger: logger.With("component", "scheduler")}
	for _, entry := range periodicSchedule {
		taskName := entry.taskName
		if _, err := c.AddFunc(entry.spec, func() {
			jobID := "periodic_" + taskName
			if err := s.runtime.Submit(jobID, taskName, nil); err != nil {
				s.logger.Error("failed to submit periodic task", "task", taskName, "error", err)
			}
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start begins the cron scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight dispatch to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
