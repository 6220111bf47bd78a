package settle

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the daily settlement scheduler.
type SchedulerConfig struct {
	Engine    *Engine
	RunHour   int
	RunMinute int
	Location  *time.Location
	Logger    *slog.Logger
}

// Scheduler runs batch settlement once a day at a fixed local time.
type Scheduler struct {
	engine    *Engine
	runHour   int
	runMinute int
	location  *time.Location
	logger    *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults (midnight UTC).
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:    cfg.Engine,
		runHour:   clampHour(cfg.RunHour),
		runMinute: clampMinute(cfg.RunMinute),
		location:  loc,
		logger:    logger,
	}
}

// Start begins the scheduling loop until the context is cancelled. A failed
// run is logged; the next day's run proceeds regardless.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.engine == nil {
		return
	}
	for {
		now := time.Now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := s.engine.SettleBatch(ctx); err != nil {
				s.logger.Error("scheduled settlement failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.Add(24 * time.Hour)
	}
	return target
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

func clampMinute(minute int) int {
	if minute < 0 {
		return 0
	}
	if minute > 59 {
		return 59
	}
	return minute
}
