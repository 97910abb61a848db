package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mmynk/partypay/internal/calculator"
	"github.com/mmynk/partypay/internal/metrics"
	"github.com/mmynk/partypay/internal/settlement"
)

// MonthlyRunner settles every eligible party for a month.
type MonthlyRunner interface {
	RunMonthly(ctx context.Context, month string) (settlement.RunReport, error)
}

// Scheduler triggers the monthly settlement run on a cron schedule. Each run
// settles the month before the one it fires in.
type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	runner   MonthlyRunner
	loc      *time.Location
	now      func() time.Time
}

// NewScheduler parses spec, a standard five-field cron expression evaluated
// in loc.
func NewScheduler(runner MonthlyRunner, spec string, loc *time.Location) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid settlement schedule %q: %w", spec, err)
	}
	s := &Scheduler{
		cron:     cron.New(cron.WithLocation(loc)),
		schedule: schedule,
		runner:   runner,
		loc:      loc,
		now:      time.Now,
	}
	s.cron.Schedule(schedule, cron.FuncJob(func() {
		if _, err := s.RunNow(context.Background()); err != nil {
			slog.Error("Scheduled settlement run failed", "error", err)
		}
	}))
	return s, nil
}

// Next returns the first scheduled run after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.loc))
}

// RunNow settles the previous month immediately.
func (s *Scheduler) RunNow(ctx context.Context) (settlement.RunReport, error) {
	month := calculator.PreviousMonth(s.now().In(s.loc))
	slog.InfoContext(ctx, "Monthly settlement run starting", "month", month)

	report, err := s.runner.RunMonthly(ctx, month)
	metrics.RecordJob("monthly_settlement", err)
	if err != nil {
		return report, err
	}
	slog.InfoContext(ctx, "Monthly settlement run finished",
		"month", report.Month, "parties", report.Parties, "created", report.Created,
		"completed", report.Completed, "skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

// Start begins firing on schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("Settlement scheduler started", "next_run", s.Next(s.now()))
}

// Stop stops the schedule and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
