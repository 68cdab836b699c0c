// Package jobs schedules the periodic maintenance of the identity engine.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs both sweeps hourly.
const DefaultSchedule = "@every 1h"

// Target is the part of *identity.Engine the sweeper drives.
type Target interface {
	SweepThrottle(ctx context.Context) (int, error)
	SweepDevices(ctx context.Context) (int, error)
}

type Sweeper struct {
	cron    *cron.Cron
	target  Target
	spec    string
	timeout time.Duration
	logger  *zap.Logger
}

func NewSweeper(target Target, spec string, logger *zap.Logger) *Sweeper {
	if spec == "" {
		spec = DefaultSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		cron:    cron.New(),
		target:  target,
		spec:    spec,
		timeout: time.Minute,
		logger:  logger.Named("jobs"),
	}
}

func (s *Sweeper) Start() error {
	if s.target == nil {
		return nil
	}
	if _, err := s.cron.AddFunc(s.spec, s.run); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("sweep still running at shutdown")
	}
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.RunOnce(ctx)
}

// RunOnce performs both sweeps. A failing sweep is logged and does not stop
// the other.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if n, err := s.target.SweepThrottle(ctx); err != nil {
		s.logger.Error("throttle sweep failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("throttle records swept", zap.Int("count", n))
	}

	if n, err := s.target.SweepDevices(ctx); err != nil {
		s.logger.Error("device sweep failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("expired devices swept", zap.Int("count", n))
	}
}
