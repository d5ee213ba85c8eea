package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

// CycleRunner is what the scheduler drives.
type CycleRunner interface {
	RunCycle(ctx context.Context) (domain.CycleResult, error)
	RunSettlement(ctx context.Context, date time.Time) (domain.SettlementResult, error)
}

// DayArchiver copies one session day of records to long-term storage.
type DayArchiver interface {
	ArchiveDay(ctx context.Context, day time.Time) (int, error)
}

// SchedulerConfig holds the session calendar. Times are offsets from local
// midnight in Location.
type SchedulerConfig struct {
	Interval       time.Duration
	Location       *time.Location
	SessionOpen    time.Duration
	EODExit        time.Duration
	SettlementTime time.Duration
	Now            func() time.Time
}

// Scheduler ticks every Interval. On weekdays it runs a cycle on each tick
// from SessionOpen to EODExit inclusive, one more on the first tick after
// EODExit so the end-of-day rule always fires, and one settlement run at or
// after SettlementTime.
type Scheduler struct {
	cfg      SchedulerConfig
	runner   CycleRunner
	archiver DayArchiver
	now      func() time.Time
	logger   *slog.Logger

	finalDay   string
	settledDay string
}

// NewScheduler creates a Scheduler. archiver may be nil.
func NewScheduler(cfg SchedulerConfig, runner CycleRunner, archiver DayArchiver, logger *slog.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		cfg:      cfg,
		runner:   runner,
		archiver: archiver,
		now:      now,
		logger:   logger.With(slog.String("component", "scheduler")),
	}
}

// Run ticks until ctx is cancelled. The first tick is immediate.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler: started",
		slog.Duration("interval", s.cfg.Interval),
		slog.String("timezone", s.cfg.Location.String()),
	)
	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	local := s.now().In(s.cfg.Location)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return
	}
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, s.cfg.Location)
	offset := local.Sub(midnight)
	day := local.Format(time.DateOnly)

	switch {
	case offset >= s.cfg.SessionOpen && offset <= s.cfg.EODExit:
		s.cycle(ctx)
	case offset > s.cfg.EODExit && s.finalDay != day:
		s.finalDay = day
		s.cycle(ctx)
	}

	if offset >= s.cfg.SettlementTime && s.settledDay != day {
		if s.settle(ctx, domain.CivilDate(local)) {
			s.settledDay = day
			s.archive(ctx, midnight)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	_, err := s.runner.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrCycleInProgress), errors.Is(err, domain.ErrLockHeld):
		s.logger.InfoContext(ctx, "scheduler: cycle skipped", slog.String("reason", err.Error()))
	default:
		s.logger.ErrorContext(ctx, "scheduler: cycle error", slog.String("error", err.Error()))
	}
}

// settle reports whether the run completed; a failed run is retried on the
// next tick.
func (s *Scheduler) settle(ctx context.Context, date time.Time) bool {
	res, err := s.runner.RunSettlement(ctx, date)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler: settlement failed, retrying next tick",
			slog.Time("date", date),
			slog.String("error", err.Error()),
		)
		return false
	}
	s.logger.InfoContext(ctx, "scheduler: settlement finished",
		slog.String("run_id", res.RunID),
		slog.Int("settled", len(res.Settled)),
		slog.Int("failed", len(res.Failed)),
		slog.Float64("total_pnl", res.TotalPnL),
	)
	return true
}

func (s *Scheduler) archive(ctx context.Context, day time.Time) {
	if s.archiver == nil {
		return
	}
	n, err := s.archiver.ArchiveDay(ctx, day)
	if err != nil {
		s.logger.WarnContext(ctx, "scheduler: audit archive failed",
			slog.String("day", day.Format(time.DateOnly)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.InfoContext(ctx, "scheduler: audit archived",
		slog.String("day", day.Format(time.DateOnly)),
		slog.Int("rows", n),
	)
}
