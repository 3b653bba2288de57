// Package sweeper runs periodic housekeeping: purging expired entries from
// stores without native expiry and failing batch tasks orphaned by a dead
// process.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"imagegen-backend/internal/store"
)

// Reaper fails work that has stopped making progress.
type Reaper interface {
	ReapStale(ctx context.Context, olderThan time.Duration) (int, error)
}

type Sweeper struct {
	purger     store.Purger
	reaper     Reaper
	staleAfter time.Duration
	timeout    time.Duration
	cron       *cron.Cron
	hooks      []func()
}

// New builds a sweeper. purger and reaper may be nil.
func New(purger store.Purger, reaper Reaper, staleAfter time.Duration) *Sweeper {
	return &Sweeper{
		purger:     purger,
		reaper:     reaper,
		staleAfter: staleAfter,
		timeout:    2 * time.Minute,
		cron:       cron.New(cron.WithSeconds()),
	}
}

// OnSweep registers fn to run at the end of every sweep.
func (s *Sweeper) OnSweep(fn func()) {
	s.hooks = append(s.hooks, fn)
}

// Start schedules RunOnce with a six-field cron spec (seconds first).
func (s *Sweeper) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, _, err := s.RunOnce(ctx); err != nil {
			zap.L().Error("Sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	zap.L().Info("Sweeper started", zap.String("schedule", schedule))
	return nil
}

// Stop waits up to timeout for a running sweep to finish.
func (s *Sweeper) Stop(timeout time.Duration) {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
		zap.L().Info("Sweeper stopped")
	case <-time.After(timeout):
		zap.L().Warn("Sweeper forced to stop after timeout")
	}
}

// RunOnce performs one sweep. Both steps run even if the first fails.
func (s *Sweeper) RunOnce(ctx context.Context) (purged int64, reaped int, err error) {
	var errs []error
	if s.purger != nil {
		purged, err = s.purger.PurgeExpired(ctx)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if s.reaper != nil {
		reaped, err = s.reaper.ReapStale(ctx, s.staleAfter)
		if err != nil {
			errs = append(errs, err)
		}
	}
	for _, fn := range s.hooks {
		fn()
	}
	if purged > 0 || reaped > 0 {
		zap.L().Info("Sweep completed",
			zap.Int64("purged", purged),
			zap.Int("reaped", reaped))
	}
	return purged, reaped, errors.Join(errs...)
}
