package rewardsd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rewardledger/observability"
	"rewardledger/services/rewardsd/export"
	"rewardledger/services/rewardsd/lease"
	"rewardledger/services/rewardsd/redistribution"
	"rewardledger/services/rewardsd/tokens"
)

// ErrLeaseHeld is returned when another worker is already running the job.
var ErrLeaseHeld = errors.New("rewardsd: job lease held elsewhere")

const (
	jobSweep          = "sweep"
	jobRedistribution = "redistribution"
)

// SchedulerConfig wires the periodic jobs.
type SchedulerConfig struct {
	Manager            *tokens.Manager
	Warner             *tokens.Warner
	Redistribution     *redistribution.Job
	Metrics            MetricsSource
	Exporter           *export.Exporter
	ExportWindow       time.Duration
	Lease              lease.Lease
	LeaseTTL           time.Duration
	SweepInterval      time.Duration
	RedistributionDay  time.Weekday
	RedistributionHour int
	Clock              func() time.Time
	Logger             *slog.Logger
}

// Scheduler delivers sweep and redistribution ticks. Both jobs are safe to
// re-run, so a missed or repeated tick never corrupts state.
type Scheduler struct {
	manager        *tokens.Manager
	warner         *tokens.Warner
	redistribution *redistribution.Job
	metrics        MetricsSource
	exporter       *export.Exporter
	exportWindow   time.Duration
	lease          lease.Lease
	leaseTTL       time.Duration
	sweepInterval  time.Duration
	runDay         time.Weekday
	runHour        int
	now            func() time.Time
	logger         *slog.Logger
	jobs           *observability.JobMetrics
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	window := cfg.ExportWindow
	if window <= 0 {
		window = interval
	}
	l := cfg.Lease
	if l == nil {
		l = lease.NewLocalLease()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		manager:        cfg.Manager,
		warner:         cfg.Warner,
		redistribution: cfg.Redistribution,
		metrics:        cfg.Metrics,
		exporter:       cfg.Exporter,
		exportWindow:   window,
		lease:          l,
		leaseTTL:       ttl,
		sweepInterval:  interval,
		runDay:         cfg.RedistributionDay,
		runHour:        clampHour(cfg.RedistributionHour),
		now:            clock,
		logger:         logger,
		jobs:           observability.Jobs(),
	}
}

// Start runs both job loops until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.sweepLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.redistributionLoop(ctx)
	}()
	wg.Wait()
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepTick(ctx, s.now()); err != nil && !errors.Is(err, ErrLeaseHeld) {
				s.logger.ErrorContext(ctx, "sweep tick failed", slog.Any("error", err))
			}
		}
	}
}

func (s *Scheduler) redistributionLoop(ctx context.Context) {
	for {
		now := s.now().UTC()
		next := s.nextRedistribution(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			period := PeriodFor(next)
			metrics, err := s.loadMetrics(ctx, period)
			if err != nil {
				s.jobs.Observe(jobRedistribution, "error", 0)
				s.logger.ErrorContext(ctx, "redistribution metrics unavailable",
					slog.String("period", period),
					slog.Any("error", err))
				continue
			}
			if _, err := s.RedistributionTick(ctx, period, metrics); err != nil && !errors.Is(err, ErrLeaseHeld) {
				s.logger.ErrorContext(ctx, "redistribution tick failed",
					slog.String("period", period),
					slog.Any("error", err))
			}
		}
	}
}

func (s *Scheduler) loadMetrics(ctx context.Context, period string) ([]redistribution.PeriodMetric, error) {
	if s.metrics == nil {
		return nil, nil
	}
	return s.metrics.PeriodMetrics(ctx, period)
}

// SweepTick expires due batches, then sends expiry warnings and writes the
// ledger export when those are configured. Warning and export failures are
// logged and do not fail the tick.
func (s *Scheduler) SweepTick(ctx context.Context, now time.Time) (tokens.SweepResult, error) {
	var result tokens.SweepResult
	if s.manager == nil {
		return result, fmt.Errorf("rewardsd: token manager not configured")
	}
	now = now.UTC()
	started := time.Now()
	release, err := s.acquire(ctx, jobSweep)
	if err != nil {
		s.jobs.Observe(jobSweep, outcomeFor(err), time.Since(started))
		return result, err
	}
	defer s.release(ctx, jobSweep, release)

	result, err = s.manager.SweepExpired(ctx, now)
	if err != nil {
		s.jobs.Observe(jobSweep, "error", time.Since(started))
		return result, err
	}
	if s.warner != nil {
		if _, err := s.warner.Run(ctx, now); err != nil {
			s.logger.WarnContext(ctx, "expiry warnings failed", slog.Any("error", err))
		}
	}
	if s.exporter != nil {
		if _, err := s.exporter.Run(ctx, export.Window{Start: now.Add(-s.exportWindow), End: now}); err != nil {
			s.logger.WarnContext(ctx, "ledger export failed", slog.Any("error", err))
		}
	}
	outcome := "success"
	if len(result.Failures) > 0 {
		outcome = "partial"
	}
	s.jobs.Observe(jobSweep, outcome, time.Since(started))
	return result, nil
}

// RedistributionTick grants the period's performance awards.
func (s *Scheduler) RedistributionTick(ctx context.Context, period string, metrics []redistribution.PeriodMetric) (redistribution.Summary, error) {
	var summary redistribution.Summary
	if s.redistribution == nil {
		return summary, fmt.Errorf("rewardsd: redistribution job not configured")
	}
	started := time.Now()
	name := jobRedistribution + ":" + period
	release, err := s.acquire(ctx, name)
	if err != nil {
		s.jobs.Observe(jobRedistribution, outcomeFor(err), time.Since(started))
		return summary, err
	}
	defer s.release(ctx, name, release)

	summary, err = s.redistribution.Run(ctx, period, metrics)
	if err != nil {
		s.jobs.Observe(jobRedistribution, "error", time.Since(started))
		return summary, err
	}
	outcome := "success"
	if summary.Failed > 0 {
		outcome = "partial"
	}
	s.jobs.Observe(jobRedistribution, outcome, time.Since(started))
	return summary, nil
}

func (s *Scheduler) acquire(ctx context.Context, name string) (lease.Release, error) {
	release, ok, err := s.lease.Acquire(ctx, name, s.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.InfoContext(ctx, "job skipped, lease held", slog.String("job", name))
		return nil, ErrLeaseHeld
	}
	return release, nil
}

func (s *Scheduler) release(ctx context.Context, name string, release lease.Release) {
	if release == nil {
		return
	}
	if err := release(context.WithoutCancel(ctx)); err != nil {
		s.logger.WarnContext(ctx, "job lease release failed", slog.String("job", name), slog.Any("error", err))
	}
}

func outcomeFor(err error) string {
	if errors.Is(err, ErrLeaseHeld) {
		return "skipped"
	}
	return "error"
}

func (s *Scheduler) nextRedistribution(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, 0, 0, 0, time.UTC)
	for target.Weekday() != s.runDay || !target.After(after) {
		target = target.Add(24 * time.Hour)
	}
	return target
}

// PeriodFor labels the ISO week before the run time, which is the week whose
// performance the run rewards.
func PeriodFor(run time.Time) string {
	year, week := run.UTC().AddDate(0, 0, -7).ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func clampHour(hour int) int {
	if hour < 0 {
		return 0
	}
	if hour > 23 {
		return 23
	}
	return hour
}
