package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

import (
	"github.com/robfig/cron/v3"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/metrics"
)

// SweepScheduler runs a Sweeper on a cron schedule.
type SweepScheduler struct {
	target   Sweeper
	schedule string
	cron     *cron.Cron
	now      func() time.Time
	metrics  *metrics.Collector
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

func NewSweepScheduler(target Sweeper, schedule string, m *metrics.Collector, logger *slog.Logger) *SweepScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepScheduler{
		target:   target,
		schedule: schedule,
		cron:     cron.New(),
		now:      time.Now,
		metrics:  m,
		logger:   logger.With("component", "quota.sweeper"),
	}
}

// Start schedules the sweep. An empty schedule disables it. The scheduler
// stops when ctx is done.
func (s *SweepScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("sweep schedule not configured, skipping")
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("sweep scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce performs one sweep and returns the number of records removed.
func (s *SweepScheduler) RunOnce(ctx context.Context) int {
	n, err := s.target.Sweep(ctx, s.now())
	if err != nil {
		s.logger.Error("sweep failed", "err", err)
		return 0
	}
	s.metrics.Swept(n)
	if n > 0 {
		s.logger.Info("sweep completed", "removed", n)
	} else {
		s.logger.Debug("sweep completed, nothing removed")
	}
	return n
}

// Stop halts the scheduler and waits for a running sweep.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("sweep scheduler stopped")
	}
}

func (s *SweepScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
