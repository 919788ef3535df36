package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/sim"
)

// Default tick interval bounds. Production deployments double these.
const (
	DefaultMinInterval = 6 * time.Second
	DefaultMaxInterval = 16 * time.Second
)

// Scheduler is the outer loop: each tick it advances prices, recomputes
// combos, runs the liquidation pass, then runs the order pass, in that
// fixed order, on a randomized interval. Ticks never overlap: the next
// interval starts only after the previous tick completes.
type Scheduler struct {
	sim    *sim.Simulator
	combos *sim.ComboPricer
	liq    *LiquidationSupervisor
	orders *OrderEngine

	minInterval time.Duration
	maxInterval time.Duration
}

// NewScheduler creates a scheduler. Non-positive interval bounds fall back
// to the defaults.
func NewScheduler(s *sim.Simulator, combos *sim.ComboPricer, liq *LiquidationSupervisor, orders *OrderEngine, minInterval, maxInterval time.Duration) *Scheduler {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	if maxInterval < minInterval {
		maxInterval = DefaultMaxInterval
	}
	return &Scheduler{
		sim:         s,
		combos:      combos,
		liq:         liq,
		orders:      orders,
		minInterval: minInterval,
		maxInterval: maxInterval,
	}
}

// Run drives ticks until ctx is cancelled. Must be called in a goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("tick scheduler started",
		"min_interval", s.minInterval, "max_interval", s.maxInterval)
	for {
		timer := time.NewTimer(s.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("tick scheduler stopped")
			return
		case <-timer.C:
		}
		s.Tick(ctx)
	}
}

// interval picks the next randomized gap between ticks.
func (s *Scheduler) interval() time.Duration {
	spread := s.maxInterval - s.minInterval
	if spread <= 0 {
		return s.minInterval
	}
	return s.minInterval + time.Duration(rand.Int63n(int64(spread)))
}

// Tick runs one full cycle. A failed pass is logged and the next tick is
// scheduled regardless; nothing here may crash the process.
func (s *Scheduler) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tick panicked", "panic", r)
		}
	}()

	start := time.Now()

	// Order matters: every price write must land before the passes read.
	s.sim.AdvanceAll(ctx)
	s.combos.Recompute()

	if err := s.liq.Tick(ctx); err != nil {
		slog.Error("liquidation pass failed", "err", err)
	}
	if err := s.orders.Tick(ctx); err != nil {
		slog.Error("order pass failed", "err", err)
	}

	metrics.TicksTotal.Inc()
	metrics.TickDuration.Observe(time.Since(start).Seconds())
}
