// Package scheduler runs the periodic maintenance jobs: monthly allocation
// resets and stale reservation sweeps.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/jobtrail/jobtrail/internal/clock"
	"github.com/jobtrail/jobtrail/internal/config"
	creditdomain "github.com/jobtrail/jobtrail/internal/credit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler missing required dependencies")

type Params struct {
	fx.In

	Log       *zap.Logger
	Cfg       config.Config
	CreditSvc creditdomain.Service
	Clock     clock.Clock
}

type Scheduler struct {
	log            *zap.Logger
	creditSvc      creditdomain.Service
	clock          clock.Clock
	runInterval    time.Duration
	jobTimeout     time.Duration
	reservationTTL time.Duration
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.CreditSvc == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}

	runInterval := p.Cfg.Scheduler.RunInterval
	if runInterval <= 0 {
		runInterval = time.Minute
	}
	reservationTTL := p.Cfg.Billing.ReservationTTL
	if reservationTTL <= 0 {
		reservationTTL = 15 * time.Minute
	}

	return &Scheduler{
		log:            p.Log.Named("scheduler"),
		creditSvc:      p.CreditSvc,
		clock:          p.Clock,
		runInterval:    runInterval,
		jobTimeout:     30 * time.Second,
		reservationTTL: reservationTTL,
	}, nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.runInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes every job. Jobs are independent; one failing does not
// block the others.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var firstErr error
	if err := s.runJob(ctx, "reset_allocations", s.ResetAllocationsJob); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.runJob(ctx, "sweep_stale_reservations", s.SweepStaleReservationsJob); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, s.jobTimeout)
	defer cancel()

	start := s.clock.Now()
	err := fn(ctx)
	if err != nil {
		s.log.Warn("job failed",
			zap.String("job", name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// ResetAllocationsJob tops every balance whose reset timestamp has elapsed
// back up to its monthly allocation.
func (s *Scheduler) ResetAllocationsJob(ctx context.Context) error {
	reset, err := s.creditSvc.ResetExpiredAllocations(ctx)
	if err != nil {
		return err
	}
	if reset > 0 {
		s.log.Info("monthly allocations reset", zap.Int("count", reset))
	}
	return nil
}

// SweepStaleReservationsJob cancels holds older than the reservation TTL.
// A hold this old means the owning request died without settling it.
func (s *Scheduler) SweepStaleReservationsJob(ctx context.Context) error {
	cancelled, err := s.creditSvc.CancelStaleReservations(ctx, s.reservationTTL)
	if err != nil {
		return err
	}
	if cancelled > 0 {
		s.log.Warn("stale reservations cancelled", zap.Int("count", cancelled))
	}
	return nil
}
