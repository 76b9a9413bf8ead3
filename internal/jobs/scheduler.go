package jobs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"eva/internal/logging"
)

// Schedule is a minimal cron expression: "@hourly", "@daily", or
// "M H * * *" (fixed minute and hour, every day).
type Schedule struct {
	kind   string
	minute int
	hour   int
}

const (
	scheduleHourly = "hourly"
	scheduleDaily  = "daily"
	scheduleFixed  = "fixed"
)

// ParseSchedule parses the supported cron forms.
func ParseSchedule(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	switch expr {
	case "@hourly":
		return Schedule{kind: scheduleHourly}, nil
	case "@daily":
		return Schedule{kind: scheduleDaily}, nil
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 || fields[2] != "*" || fields[3] != "*" || fields[4] != "*" {
		return Schedule{}, fmt.Errorf("unsupported cron expression %q (use @hourly, @daily, or \"M H * * *\")", expr)
	}
	minute, err := strconv.Atoi(fields[0])
	if err != nil || minute < 0 || minute > 59 {
		return Schedule{}, fmt.Errorf("invalid minute in cron expression %q", expr)
	}
	hour, err := strconv.Atoi(fields[1])
	if err != nil || hour < 0 || hour > 23 {
		return Schedule{}, fmt.Errorf("invalid hour in cron expression %q", expr)
	}
	return Schedule{kind: scheduleFixed, minute: minute, hour: hour}, nil
}

// Next returns the first fire time strictly after t.
func (s Schedule) Next(t time.Time) time.Time {
	switch s.kind {
	case scheduleHourly:
		return t.Truncate(time.Hour).Add(time.Hour)
	case scheduleDaily:
		next := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).Add(24 * time.Hour)
		return next
	case scheduleFixed:
		next := time.Date(t.Year(), t.Month(), t.Day(), s.hour, s.minute, 0, 0, t.Location())
		if !next.After(t) {
			next = next.Add(24 * time.Hour)
		}
		return next
	}
	return t.Add(time.Hour)
}

// ScheduledJob pairs a schedule with the job it fires.
type ScheduledJob struct {
	Name     string
	Schedule Schedule
	Run      func(ctx context.Context, nowMs int64) error
}

// Scheduler fires jobs at their schedule times. Fires are fire-and-forget;
// a fire is skipped when a prior run of the same job is still in flight.
type Scheduler struct {
	State *State
	Jobs  []ScheduledJob
}

// Start runs the scheduler loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.Jobs {
		go s.loop(ctx, job)
	}
}

func (s *Scheduler) loop(ctx context.Context, job ScheduledJob) {
	for {
		next := job.Schedule.Next(time.Now())
		logging.JobsDebug("Scheduler: %s next fire at %s", job.Name, next.Format(time.RFC3339))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
		s.fire(ctx, job)
	}
}

func (s *Scheduler) fire(ctx context.Context, job ScheduledJob) {
	s.State.Requested(job.Name)
	if !s.State.TryStart(job.Name) {
		logging.Get(logging.CategoryJobs).Warn("Scheduler: %s still in flight, skipping fire", job.Name)
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.State.Failed(job.Name, fmt.Errorf("panic: %v", r))
				logging.Get(logging.CategoryJobs).Error("Scheduled job %s panicked: %v", job.Name, r)
			}
		}()
		if err := job.Run(ctx, time.Now().UnixMilli()); err != nil {
			s.State.Failed(job.Name, err)
			logging.Get(logging.CategoryJobs).Error("Scheduled job %s failed: %v", job.Name, err)
			return
		}
		s.State.Completed(job.Name)
	}()
}
