// Package scheduler runs the periodic expiry sweep over the entry store.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/onnwee/offline-sync/internal/logger"
)

// Sweeper removes expired entries.
type Sweeper interface {
	SweepExpired(ctx context.Context, maxAge time.Duration) (int, error)
}

// Service sweeps on a fixed interval.
type Service struct {
	sweeper  Sweeper
	interval time.Duration
	maxAge   time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewService creates a sweep service.
func NewService(s Sweeper, interval, maxAge time.Duration) *Service {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Service{
		sweeper:  s,
		interval: interval,
		maxAge:   maxAge,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop and blocks until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	logger.InfoContext(ctx, "Starting sweep scheduler", "interval", s.interval, "max_age", s.maxAge)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "Sweep scheduler stopped by context")
			return
		case <-s.stop:
			logger.InfoContext(ctx, "Sweep scheduler stopped by signal")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop gracefully stops the scheduler
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// RunOnce performs a single sweep and returns the number of entries removed.
func (s *Service) RunOnce(ctx context.Context) int {
	removed, err := s.sweeper.SweepExpired(ctx, s.maxAge)
	if err != nil {
		logger.ErrorContext(ctx, "Expiry sweep failed", "removed", removed, "error", err)
		return removed
	}
	if removed > 0 {
		logger.InfoContext(ctx, "Expiry sweep removed entries", "removed", removed)
	}
	return removed
}
