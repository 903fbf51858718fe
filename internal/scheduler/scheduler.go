// Package scheduler drives every simulation instance through its price
// ticks and trade windows. One price loop runs per process; a separate
// trade-window loop exists only in realtime mode, where windows fire on
// wall-clock boundaries instead of inside the tick loop.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tradearena/arena/internal/domain"
	"github.com/tradearena/arena/internal/engine"
	"github.com/tradearena/arena/internal/marketdata"
	"github.com/tradearena/arena/internal/simulation"
)

// closedMarketPollCap bounds the sleep while waiting for the open.
const closedMarketPollCap = time.Minute

// Config holds the scheduler's timing settings. The realtime intervals
// also apply to hybrid runs after the transition.
type Config struct {
	Mode                  domain.Mode
	TickInterval          time.Duration
	TradeInterval         time.Duration
	RealtimeTickInterval  time.Duration
	RealtimeTradeInterval time.Duration
	// MinutesPerTick is how many market minutes one accelerated tick
	// advances the clock.
	MinutesPerTick float64
	// MaxSimulationDays terminates historical runs; 0 means unbounded.
	MaxSimulationDays int
	AutosaveInterval  time.Duration

	PrefetchGuard     time.Duration
	PrefetchBatchSize int
	PrefetchMinPause  time.Duration
}

// Status is the wire shape of the scheduler-status endpoint.
type Status struct {
	IsRunning          bool   `json:"isRunning"`
	Mode               string `json:"mode"`
	HybridTransitioned bool   `json:"hybridTransitioned"`
	Timestamp          int64  `json:"timestamp"`
}

// Scheduler owns the background loops. Start and Stop are idempotent.
type Scheduler struct {
	cfg      Config
	provider *marketdata.Provider
	engine   *engine.Engine
	manager  *simulation.Manager
	cron     *cron.Cron
	log      zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	transitioned atomic.Bool
	completed    atomic.Bool

	prefetchMu sync.Mutex
	inflight   chan *marketdata.PrefetchResult

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// New creates a scheduler.
func New(cfg Config, provider *marketdata.Provider, eng *engine.Engine, manager *simulation.Manager, log zerolog.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.TradeInterval <= 0 {
		cfg.TradeInterval = 2 * time.Hour
	}
	if cfg.RealtimeTickInterval <= 0 {
		cfg.RealtimeTickInterval = 10 * time.Minute
	}
	if cfg.RealtimeTradeInterval <= 0 {
		cfg.RealtimeTradeInterval = 30 * time.Minute
	}
	if cfg.MinutesPerTick <= 0 {
		cfg.MinutesPerTick = 30
	}
	return &Scheduler{
		cfg:      cfg,
		provider: provider,
		engine:   eng,
		manager:  manager,
		log:      log.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Start launches the loops. A second call while running is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Debug().Msg("Scheduler already running")
		return
	}
	s.running = true
	s.completed.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runPriceLoop(ctx)
	}()

	if s.effectiveMode() == domain.ModeRealtime {
		s.startTradeLoop(ctx)
	}

	if s.cfg.AutosaveInterval > 0 {
		s.cron = cron.New()
		_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.AutosaveInterval), func() {
			saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.manager.SaveAll(saveCtx); err != nil {
				s.log.Warn().Err(err).Msg("Autosave failed")
			}
		})
		if err != nil {
			s.log.Error().Err(err).Msg("Cannot schedule autosave")
		} else {
			s.cron.Start()
		}
	}

	s.log.Info().Str("mode", string(s.cfg.Mode)).Msg("Scheduler started")
}

// Stop halts the loops, waits for in-flight work, and saves every
// instance. A second call while stopped is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	cr := s.cron
	s.cron = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cr != nil {
		<-cr.Stop().Done()
	}
	s.wg.Wait()
	s.awaitPrefetch(context.Background(), 5*time.Second)

	saveCtx, cancelSave := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelSave()
	if err := s.manager.SaveAll(saveCtx); err != nil {
		s.log.Warn().Err(err).Msg("Final save failed")
	}
	s.log.Info().Msg("Scheduler stopped")
}

// Status reports the scheduler's current state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return Status{
		IsRunning:          running && !s.completed.Load(),
		Mode:               string(s.effectiveMode()),
		HybridTransitioned: s.transitioned.Load(),
		Timestamp:          s.now().UnixMilli(),
	}
}

// effectiveMode resolves hybrid to simulated until the transition.
func (s *Scheduler) effectiveMode() domain.Mode {
	if s.cfg.Mode == domain.ModeHybrid {
		if s.transitioned.Load() {
			return domain.ModeRealtime
		}
		return domain.ModeSimulated
	}
	return s.cfg.Mode
}

// runPriceLoop dispatches to the mode-appropriate loop. A hybrid run
// that transitions mid-flight continues as realtime in the same
// goroutine.
func (s *Scheduler) runPriceLoop(ctx context.Context) {
	if s.effectiveMode() != domain.ModeRealtime {
		s.runAccelerated(ctx)
		if ctx.Err() != nil || !s.transitioned.Load() {
			return
		}
		s.startTradeLoop(ctx)
	}
	s.runRealtime(ctx)
}

func (s *Scheduler) startTradeLoop(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runRealtimeTradeLoop(ctx)
	}()
}

// safeTick runs one tick with panic recovery: the tick is dropped and
// the loop continues with the previous snapshots intact.
func (s *Scheduler) safeTick(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("tick", name).Msg("Tick panicked, dropping it")
		}
	}()
	fn()
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

// minDuration is a helper for the closed-market poll.
func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
