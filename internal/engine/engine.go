// Package engine implements the simulation state transitions: priceStep,
// tradeWindow, and dayAdvance. The transitions mutate the snapshot they
// are handed; callers own serialization and rollback (the instance runs
// each transition on a clone and swaps on success).
package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradearena/arena/internal/advisor"
	"github.com/tradearena/arena/internal/chat"
	"github.com/tradearena/arena/internal/clock"
	"github.com/tradearena/arena/internal/domain"
	"github.com/tradearena/arena/internal/portfolio"
)

// Timestamp tolerances for selecting the current window's trades:
// discrete day.hour timestamps match within 0.01, realtime epoch
// timestamps within 60 seconds.
const (
	discreteTradeTolerance = 0.01
	realtimeTradeTolerance = 60.0
)

// DefaultCallTimeout bounds a single advisor call.
const DefaultCallTimeout = 60 * time.Second

// Config holds engine pacing and timeout settings.
type Config struct {
	// MaxConcurrent bounds the advisor worker pool; 0 means all agents
	// in parallel.
	MaxConcurrent int
	// RequestSpacing > 0 switches to strictly serial execution with a
	// per-agent sleep.
	RequestSpacing time.Duration
	// AutoSpacing derives the spacing as tickInterval / agentCount.
	AutoSpacing bool
	// MinRequestSpacing floors the auto-derived spacing.
	MinRequestSpacing time.Duration
	// TickInterval feeds the auto-spacing calculation.
	TickInterval time.Duration
	// CallTimeout bounds one advisor call. Defaults to 60 s.
	CallTimeout time.Duration
}

// Engine drives agents through an injected TradeAdvisor. It holds no
// simulation state of its own.
type Engine struct {
	advisor advisor.TradeAdvisor
	chat    *chat.Coordinator
	cfg     Config
	log     zerolog.Logger

	// Injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// New creates an engine.
func New(adv advisor.TradeAdvisor, coord *chat.Coordinator, cfg Config, log zerolog.Logger) *Engine {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Engine{
		advisor: adv,
		chat:    coord,
		cfg:     cfg,
		log:     log.With().Str("component", "engine").Logger(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// PriceStep applies fresh market data and appends a performance point
// for every agent and benchmark. No trades, no chat mutation.
func (e *Engine) PriceStep(snap *domain.SimulationSnapshot, m domain.MarketData) {
	snap.MarketData = m
	ts := e.timestampFor(snap)

	for _, agent := range snap.Agents {
		pm := portfolio.ComputeMetrics(agent.Portfolio, m, agent.PerformanceHistory, ts, snap.IntradayHour, nil)
		agent.PerformanceHistory = append(agent.PerformanceHistory, pm)
	}

	e.updateBenchmarks(snap, ts)
	snap.LastUpdated = e.now()
}

// updateBenchmarks appends a new point to each benchmark series.
//
// The index benchmark compounds its last total value by the index's
// incremental return when both the previous and current index prices
// are positive; otherwise the value carries over unchanged. The
// managers benchmark is the arithmetic mean of all agents' latest
// total values. Both series get full metrics assembled directly from
// the value series.
func (e *Engine) updateBenchmarks(snap *domain.SimulationSnapshot, ts float64) {
	for _, b := range snap.Benchmarks {
		switch b.ID {
		case domain.BenchmarkIndexID:
			lastTotal := domain.InitialCash
			if pm, ok := b.LatestMetrics(); ok {
				lastTotal = pm.TotalValue
			}
			newTotal := lastTotal
			idxPrice := snap.MarketData[domain.BenchmarkSymbol].Price
			if idxPrice > 0 && b.LastIndexPrice > 0 {
				newTotal = lastTotal * (1 + (idxPrice-b.LastIndexPrice)/b.LastIndexPrice)
			}
			if idxPrice > 0 {
				b.LastIndexPrice = idxPrice
			}
			b.PerformanceHistory = append(b.PerformanceHistory,
				portfolio.SeriesMetrics(b.PerformanceHistory, newTotal, ts, snap.IntradayHour))

		case domain.BenchmarkManagersID:
			if len(snap.Agents) == 0 {
				continue
			}
			sum := 0.0
			for _, a := range snap.Agents {
				if pm, ok := a.LatestMetrics(); ok {
					sum += pm.TotalValue
				} else {
					sum += domain.InitialCash
				}
			}
			avg := sum / float64(len(snap.Agents))
			b.PerformanceHistory = append(b.PerformanceHistory,
				portfolio.SeriesMetrics(b.PerformanceHistory, avg, ts, snap.IntradayHour))
		}
	}
}

// timestampFor returns the logical timestamp of the current tick and, in
// realtime mode, stamps it onto the snapshot.
func (e *Engine) timestampFor(snap *domain.SimulationSnapshot) float64 {
	if snap.Mode == domain.ModeRealtime {
		ts := float64(e.now().Unix())
		snap.CurrentTimestamp = ts
		return ts
	}
	return domain.DiscreteTimestamp(snap.Day, snap.IntradayHour)
}

// tradeTolerance returns the timestamp match window for daily trades.
func tradeTolerance(mode domain.Mode) float64 {
	if mode == domain.ModeRealtime {
		return realtimeTradeTolerance
	}
	return discreteTradeTolerance
}

// tradesNear selects the agent's trades stamped at the current tick.
func tradesNear(agent *domain.Agent, ts float64, tol float64) []domain.Trade {
	var out []domain.Trade
	for _, tr := range agent.TradeHistory {
		d := tr.Timestamp - ts
		if d < 0 {
			d = -d
		}
		if d < tol {
			out = append(out, tr)
		}
	}
	return out
}

// advanceDate moves the snapshot's calendar date to the next trading
// day. Non-fatal: an unparseable date is left untouched.
func (e *Engine) advanceDate(snap *domain.SimulationSnapshot) {
	if snap.CurrentDate == "" {
		return
	}
	d, err := time.ParseInLocation("2006-01-02", snap.CurrentDate, clock.Eastern)
	if err != nil {
		e.log.Warn().Err(err).Str("date", snap.CurrentDate).Msg("Cannot advance unparseable date")
		return
	}
	next, err := clock.NextMarketOpen(d.Add(17 * time.Hour)) // after the close
	if err != nil {
		return
	}
	snap.CurrentDate = next.Format("2006-01-02")
}

func lastTrades(s []domain.Trade, n int) []domain.Trade {
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return append([]domain.Trade(nil), s...)
}

func lastStrings(s []string, n int) []string {
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return append([]string(nil), s...)
}

func lastMetrics(s []domain.PerformanceMetrics, n int) []domain.PerformanceMetrics {
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return append([]domain.PerformanceMetrics(nil), s...)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func dayKey(day int) string { return strconv.Itoa(day) }
