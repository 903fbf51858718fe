package scheduler

import (
	"context"
	"time"

	"github.com/tradearena/arena/internal/clock"
	"github.com/tradearena/arena/internal/domain"
	"github.com/tradearena/arena/internal/marketdata"
)

// runRealtime is the realtime price loop: gate on market hours, await
// the in-flight prefetch, apply priceStep everywhere, kick the next
// prefetch, and sleep the remainder of the interval.
func (s *Scheduler) runRealtime(ctx context.Context) {
	interval := s.cfg.RealtimeTickInterval

	for ctx.Err() == nil {
		now := s.now()
		if !clock.IsMarketOpen(now) {
			s.sleepUntilOpen(ctx, now)
			continue
		}

		start := s.now()
		s.safeTick("realtime", func() { s.realtimeTick(ctx, interval) })

		if !s.sleep(ctx, interval-s.now().Sub(start)) {
			return
		}
	}
}

func (s *Scheduler) realtimeTick(ctx context.Context, interval time.Duration) {
	prefetched := s.awaitPrefetch(ctx, interval)

	shared := s.manager.SharedMarketData()
	m := s.provider.NextIntradayMarketData(ctx, shared, 0, 0, prefetched)
	s.manager.SetSharedMarketData(m)

	now := s.now()
	hour, _ := clock.IntradayHour(now)
	today := clock.ToET(now).Format("2006-01-02")

	for _, inst := range s.manager.List() {
		err := inst.Update(func(snap *domain.SimulationSnapshot) error {
			// A new ET session opened since the last tick: run the
			// day-advance round before resuming price steps. A multi-day
			// gap catches up one trading day per tick.
			if snap.CurrentDate != "" && snap.CurrentDate < today {
				return s.engine.DayAdvance(ctx, snap, m)
			}
			snap.IntradayHour = hour
			s.engine.PriceStep(snap, m)
			return nil
		})
		if err != nil {
			s.log.Warn().Err(err).Str("simulation", inst.ID()).Msg("Price step failed")
		}
	}

	s.kickPrefetch(ctx, m.Symbols(), interval)
}

// runRealtimeTradeLoop fires trade windows on wall-clock boundaries,
// gated on market hours.
func (s *Scheduler) runRealtimeTradeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RealtimeTradeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !clock.IsMarketOpen(s.now()) {
			continue
		}

		s.safeTick("tradeWindow", func() { s.realtimeTradeTick(ctx) })
	}
}

// realtimeTradeTick stamps the wall-clock market hour onto each snapshot
// before the window so round ids advance with real time.
func (s *Scheduler) realtimeTradeTick(ctx context.Context) {
	hour, ok := clock.IntradayHour(s.now())
	if !ok {
		return
	}

	for _, inst := range s.manager.List() {
		err := inst.Update(func(snap *domain.SimulationSnapshot) error {
			snap.IntradayHour = hour
			return s.engine.TradeWindow(ctx, snap)
		})
		if err != nil {
			s.log.Warn().Err(err).Str("simulation", inst.ID()).Msg("Trade window failed, snapshot unchanged")
		}
	}
}

// sleepUntilOpen waits toward the next market open, re-checking at most
// every minute so a shutdown is never delayed long.
func (s *Scheduler) sleepUntilOpen(ctx context.Context, now time.Time) {
	wait := closedMarketPollCap
	if open, err := clock.NextMarketOpen(now); err == nil {
		wait = minDuration(open.Sub(now), closedMarketPollCap)
	}
	s.sleep(ctx, wait)
}

// kickPrefetch starts fetching the next tick's data in the background
// so the fetch overlaps this tick's compute.
func (s *Scheduler) kickPrefetch(ctx context.Context, symbols []string, interval time.Duration) {
	if len(symbols) == 0 {
		return
	}

	ch := make(chan *marketdata.PrefetchResult, 1)
	s.prefetchMu.Lock()
	s.inflight = ch
	s.prefetchMu.Unlock()

	budget := marketdata.PrefetchBudget{
		Interval:  interval,
		Guard:     s.cfg.PrefetchGuard,
		BatchSize: s.cfg.PrefetchBatchSize,
		MinPause:  s.cfg.PrefetchMinPause,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := s.provider.Prefetch(ctx, symbols, budget)
		ch <- &res
	}()
}

// awaitPrefetch consumes the in-flight prefetch, bounded by the tick
// interval. Returns nil when none is pending or the bound expires; the
// caller then fetches synchronously.
func (s *Scheduler) awaitPrefetch(ctx context.Context, bound time.Duration) *marketdata.PrefetchResult {
	s.prefetchMu.Lock()
	ch := s.inflight
	s.inflight = nil
	s.prefetchMu.Unlock()
	if ch == nil {
		return nil
	}

	timer := time.NewTimer(bound)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res
	case <-timer.C:
		s.log.Warn().Dur("bound", bound).Msg("Prefetch overran the tick interval, fetching fresh")
		return nil
	case <-ctx.Done():
		return nil
	}
}
