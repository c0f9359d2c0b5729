// Package sweeper periodically purges recalled messages whose deferred purge
// never ran, e.g. because the process stopped inside the recall window.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// ErrInvalidCron is returned for schedules gronx cannot parse.
var ErrInvalidCron = errors.New("invalid cron expression")

const retryDelay = 30 * time.Second

// Target is the work a sweep performs. Implemented by core.Lifecycle.
type Target interface {
	Sweep(ctx context.Context) (int, error)
}

// Sweeper runs Target.Sweep on a cron schedule.
type Sweeper struct {
	cron   string
	target Target
	clock  clock.Clock
	log    *zerolog.Logger

	running atomic.Bool
	runs    atomic.Int64
}

// New validates cron and builds a sweeper. A nil clock means the wall clock.
func New(cron string, target Target, clk clock.Clock, logger *zerolog.Logger) (*Sweeper, error) {
	if !gronx.New().IsValid(cron) {
		return nil, fmt.Errorf("%q: %w", cron, ErrInvalidCron)
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Sweeper{cron: cron, target: target, clock: clk, log: logger}, nil
}

// Run sweeps once immediately and then on every cron tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info().Str("cron", s.cron).Msg("sweeper started")
	s.RunOnce(ctx)

	for {
		next, err := gronx.NextTickAfter(s.cron, s.clock.Now(), false)
		if err != nil {
			s.log.Error().Err(err).Str("cron", s.cron).Msg("sweeper: next tick failed")
			next = s.clock.Now().Add(retryDelay)
		}

		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper stopped")
			return
		case <-s.clock.After(next.Sub(s.clock.Now())):
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep. Overlapping calls are skipped.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug().Msg("sweep already running")
		return 0
	}
	defer s.running.Store(false)

	s.runs.Add(1)
	purged, err := s.target.Sweep(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep failed")
		return 0
	}
	if purged > 0 {
		s.log.Info().Int("purged", purged).Msg("sweep purged expired recalls")
	}
	return purged
}

// Runs returns how many sweeps have started.
func (s *Sweeper) Runs() int64 {
	return s.runs.Load()
}
