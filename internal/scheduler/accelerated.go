package scheduler

import (
	"context"
	"math"
	"time"

	"github.com/tradearena/arena/internal/clock"
	"github.com/tradearena/arena/internal/domain"
)

// runAccelerated is the fixed-interval price loop for simulated,
// historical, and pre-transition hybrid runs. Each tick advances the
// market clock by minutesPerTick; the tick that crosses a trade-window
// cadence multiple also runs the window, and crossing the session end
// runs dayAdvance instead.
func (s *Scheduler) runAccelerated(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.cfg.Mode == domain.ModeHybrid && s.shouldTransition() {
			s.transitionToRealtime()
			return
		}

		s.safeTick("accelerated", func() { s.acceleratedTick(ctx) })

		if s.historicalComplete(ctx) {
			return
		}
	}
}

func (s *Scheduler) acceleratedTick(ctx context.Context) {
	step := s.cfg.MinutesPerTick / 60
	cadence := s.cfg.TradeInterval.Hours()

	for _, inst := range s.manager.List() {
		err := inst.Update(func(snap *domain.SimulationSnapshot) error {
			nextHour := snap.IntradayHour + step
			if nextHour >= domain.MarketHoursPerDay {
				m := s.provider.NextDayMarketData(ctx, snap.MarketData)
				return s.engine.DayAdvance(ctx, snap, m)
			}

			m := s.provider.NextIntradayMarketData(ctx, snap.MarketData, snap.Day, nextHour, nil)
			prev := snap.IntradayHour
			snap.IntradayHour = nextHour
			s.engine.PriceStep(snap, m)

			if crossedCadence(prev, nextHour, cadence) {
				return s.engine.TradeWindow(ctx, snap)
			}
			return nil
		})
		if err != nil {
			s.log.Warn().Err(err).Str("simulation", inst.ID()).Msg("Tick failed, snapshot unchanged")
		}
	}
}

// crossedCadence reports whether a cadence multiple lies inside
// (prev, next]. The tick that crosses the boundary fires the window, so
// each multiple fires exactly once.
func crossedCadence(prev, next, cadence float64) bool {
	if cadence <= 0 {
		return false
	}
	k := math.Floor(next/cadence + 1e-9)
	if k < 1 {
		return false
	}
	boundary := k * cadence
	return boundary > prev+1e-9 && boundary <= next+1e-9
}

// historicalComplete checks the termination condition for historical
// runs (and hybrid runs before the transition). On completion every
// snapshot is saved and the loop stops.
func (s *Scheduler) historicalComplete(ctx context.Context) bool {
	if s.cfg.MaxSimulationDays <= 0 {
		return false
	}
	hybridPre := s.cfg.Mode == domain.ModeHybrid && !s.transitioned.Load()
	if s.cfg.Mode != domain.ModeHistorical && !hybridPre {
		return false
	}

	for _, inst := range s.manager.List() {
		snap := inst.Snapshot()
		if snap == nil || snap.Day <= s.cfg.MaxSimulationDays {
			return false
		}
	}

	s.log.Info().Int("maxDays", s.cfg.MaxSimulationDays).Msg("Simulation horizon reached, stopping")
	saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.manager.SaveAll(saveCtx); err != nil {
		s.log.Warn().Err(err).Msg("Final historical save failed")
	}
	s.completed.Store(true)
	return true
}

// shouldTransition reports whether the hybrid run's virtual clock has
// caught up with the wall clock: the next tick would cross "now" in ET.
func (s *Scheduler) shouldTransition() bool {
	insts := s.manager.List()
	if len(insts) == 0 {
		return false
	}
	snap := insts[0].Snapshot()
	if snap == nil {
		return false
	}

	virtual, err := virtualInstant(snap)
	if err != nil {
		return false
	}
	nextTick := virtual.Add(time.Duration(s.cfg.MinutesPerTick * float64(time.Minute)))
	return !nextTick.Before(s.now())
}

// virtualInstant maps (currentDate, intradayHour) onto a wall-clock ET
// instant.
func virtualInstant(snap *domain.SimulationSnapshot) (time.Time, error) {
	d, err := time.ParseInLocation("2006-01-02", snap.CurrentDate, clock.Eastern)
	if err != nil {
		return time.Time{}, err
	}
	open, err := clock.MarketOpenET(d.Year(), d.Month(), d.Day())
	if err != nil {
		return time.Time{}, err
	}
	return open.Add(time.Duration(snap.IntradayHour * float64(time.Hour))), nil
}

// transitionToRealtime flips the hybrid flag, switches the provider and
// every snapshot to realtime semantics, and lets the price loop
// continue with realtime intervals.
func (s *Scheduler) transitionToRealtime() {
	if !s.transitioned.CompareAndSwap(false, true) {
		return
	}
	s.provider.SetMode(domain.ModeRealtime)

	for _, inst := range s.manager.List() {
		err := inst.Update(func(snap *domain.SimulationSnapshot) error {
			snap.Mode = domain.ModeRealtime
			return nil
		})
		if err != nil {
			s.log.Warn().Err(err).Str("simulation", inst.ID()).Msg("Cannot switch snapshot to realtime")
		}
	}

	s.log.Info().Msg("Hybrid simulation caught up, switching to realtime")
}
