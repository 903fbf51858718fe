package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradearena/arena/internal/advisor"
	"github.com/tradearena/arena/internal/chat"
	"github.com/tradearena/arena/internal/domain"
	"github.com/tradearena/arena/internal/engine"
	"github.com/tradearena/arena/internal/marketdata"
	"github.com/tradearena/arena/internal/persistence"
	"github.com/tradearena/arena/internal/simulation"
)

type memStore struct {
	mu    sync.Mutex
	snaps map[string]*domain.SimulationSnapshot
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]*domain.SimulationSnapshot)}
}

func (m *memStore) Load(ctx context.Context, id string) (*domain.SimulationSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap, ok := m.snaps[id]; ok {
		return snap.Clone(), nil
	}
	return nil, persistence.ErrNoSnapshot
}

func (m *memStore) Save(ctx context.Context, id string, snap *domain.SimulationSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[id] = snap.Clone()
	return nil
}

func (m *memStore) Delete(ctx context.Context, id string) error { return nil }
func (m *memStore) Close() error                                { return nil }

func testManager(t *testing.T, mode domain.Mode) *simulation.Manager {
	t.Helper()
	opts := simulation.Options{
		Mode:            mode,
		ConfiguredStart: "2026-08-03",
		Now:             func() time.Time { return time.Date(2026, 8, 3, 14, 0, 0, 0, time.UTC) },
	}
	mgr := simulation.NewManager(simulation.DefaultTypes(), newMemStore(), opts, false, zerolog.Nop())
	market := domain.MarketData{
		"AAPL":                 {Symbol: "AAPL", Price: 200},
		domain.BenchmarkSymbol: {Symbol: domain.BenchmarkSymbol, Price: 500},
	}
	require.NoError(t, mgr.InitializeAll(context.Background(), market))
	return mgr
}

func testScheduler(t *testing.T, cfg Config, mgr *simulation.Manager) *Scheduler {
	t.Helper()
	provider := marketdata.New(marketdata.Config{Mode: cfg.Mode, Seed: 1}, zerolog.Nop())
	eng := engine.New(advisor.Fallback{}, chat.NewCoordinator(zerolog.Nop()), engine.Config{}, zerolog.Nop())
	s := New(cfg, provider, eng, mgr, zerolog.Nop())
	s.now = func() time.Time { return time.Date(2026, 8, 3, 14, 0, 0, 0, time.UTC) }
	return s
}

func TestStartStopIdempotent(t *testing.T) {
	mgr := testManager(t, domain.ModeSimulated)
	s := testScheduler(t, Config{Mode: domain.ModeSimulated, TickInterval: time.Hour}, mgr)

	assert.False(t, s.Status().IsRunning)
	s.Start()
	s.Start()
	assert.True(t, s.Status().IsRunning)

	s.Stop()
	s.Stop()
	assert.False(t, s.Status().IsRunning)
}

func TestCrossedCadence(t *testing.T) {
	// 30-minute ticks against a 2-hour cadence: only the tick reaching
	// 2.0 fires.
	assert.False(t, crossedCadence(0.0, 0.5, 2))
	assert.False(t, crossedCadence(1.0, 1.5, 2))
	assert.True(t, crossedCadence(1.5, 2.0, 2))
	assert.False(t, crossedCadence(2.0, 2.5, 2))
	assert.True(t, crossedCadence(3.5, 4.0, 2))

	// A coarse tick that jumps past the boundary still fires once.
	assert.True(t, crossedCadence(1.9, 2.4, 2))
}

func TestAcceleratedTickAdvancesClock(t *testing.T) {
	mgr := testManager(t, domain.ModeSimulated)
	s := testScheduler(t, Config{
		Mode:           domain.ModeSimulated,
		TickInterval:   30 * time.Second,
		TradeInterval:  2 * time.Hour,
		MinutesPerTick: 30,
	}, mgr)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		s.acceleratedTick(ctx)
	}

	for _, inst := range mgr.List() {
		snap := inst.Snapshot()
		assert.InDelta(t, 2.0, snap.IntradayHour, 1e-9)
		assert.Zero(t, snap.Day)
		// Seed point plus four price steps plus the 2.0 trade window.
		assert.Len(t, snap.Agents[0].PerformanceHistory, 6)
	}
}

func TestAcceleratedDayRollover(t *testing.T) {
	mgr := testManager(t, domain.ModeSimulated)
	s := testScheduler(t, Config{
		Mode:           domain.ModeSimulated,
		TickInterval:   30 * time.Second,
		TradeInterval:  2 * time.Hour,
		MinutesPerTick: 30,
	}, mgr)

	for _, inst := range mgr.List() {
		require.NoError(t, inst.Update(func(snap *domain.SimulationSnapshot) error {
			snap.IntradayHour = 6.25
			return nil
		}))
	}

	s.acceleratedTick(context.Background())

	for _, inst := range mgr.List() {
		snap := inst.Snapshot()
		assert.Equal(t, 1, snap.Day)
		assert.Zero(t, snap.IntradayHour)
		assert.Equal(t, "2026-08-04", snap.CurrentDate)
	}
}

func TestHybridTransition(t *testing.T) {
	mgr := testManager(t, domain.ModeHybrid)
	s := testScheduler(t, Config{
		Mode:           domain.ModeHybrid,
		TickInterval:   30 * time.Second,
		MinutesPerTick: 30,
	}, mgr)
	// 14:00 UTC is 10:00 ET on Monday Aug 3.
	s.now = func() time.Time { return time.Date(2026, 8, 3, 14, 0, 0, 0, time.UTC) }

	// Virtual clock far behind the wall clock: no transition.
	for _, inst := range mgr.List() {
		require.NoError(t, inst.Update(func(snap *domain.SimulationSnapshot) error {
			snap.CurrentDate = "2026-07-27"
			snap.IntradayHour = 0
			return nil
		}))
	}
	assert.False(t, s.shouldTransition())

	// Virtual 09:45 ET today: the next 30-minute tick crosses 10:00.
	for _, inst := range mgr.List() {
		require.NoError(t, inst.Update(func(snap *domain.SimulationSnapshot) error {
			snap.CurrentDate = "2026-08-03"
			snap.IntradayHour = 0.25
			return nil
		}))
	}
	require.True(t, s.shouldTransition())

	s.transitionToRealtime()
	assert.True(t, s.Status().HybridTransitioned)
	assert.Equal(t, string(domain.ModeRealtime), s.Status().Mode)
	for _, inst := range mgr.List() {
		assert.Equal(t, domain.ModeRealtime, inst.Snapshot().Mode)
	}

	// A second call is a no-op.
	s.transitionToRealtime()
	assert.True(t, s.transitioned.Load())
}

func TestHistoricalCompletion(t *testing.T) {
	mgr := testManager(t, domain.ModeHistorical)
	s := testScheduler(t, Config{
		Mode:              domain.ModeHistorical,
		TickInterval:      30 * time.Second,
		MaxSimulationDays: 3,
	}, mgr)

	ctx := context.Background()
	assert.False(t, s.historicalComplete(ctx), "day 0 is within the horizon")

	for _, inst := range mgr.List() {
		require.NoError(t, inst.Update(func(snap *domain.SimulationSnapshot) error {
			snap.Day = 4
			return nil
		}))
	}
	assert.True(t, s.historicalComplete(ctx))
	assert.True(t, s.completed.Load())
}

func TestRealtimeTickTracksWallClock(t *testing.T) {
	mgr := testManager(t, domain.ModeRealtime)
	s := testScheduler(t, Config{Mode: domain.ModeRealtime, RealtimeTickInterval: time.Second}, mgr)
	// 16:00 UTC is 12:00 ET on Monday Aug 3, 2.5 market hours in.
	s.now = func() time.Time { return time.Date(2026, 8, 3, 16, 0, 0, 0, time.UTC) }

	s.realtimeTick(context.Background(), time.Second)

	for _, inst := range mgr.List() {
		snap := inst.Snapshot()
		assert.InDelta(t, 2.5, snap.IntradayHour, 1e-9)
		assert.Zero(t, snap.Day)
		assert.Equal(t, "2026-08-03", snap.CurrentDate)
	}

	// An hour later the stamped clock has moved with the wall clock.
	s.now = func() time.Time { return time.Date(2026, 8, 3, 17, 0, 0, 0, time.UTC) }
	s.realtimeTick(context.Background(), time.Second)

	for _, inst := range mgr.List() {
		assert.InDelta(t, 3.5, inst.Snapshot().IntradayHour, 1e-9)
	}
}

func TestRealtimeTickAdvancesDayOnNewSession(t *testing.T) {
	mgr := testManager(t, domain.ModeRealtime)
	s := testScheduler(t, Config{Mode: domain.ModeRealtime, RealtimeTickInterval: time.Second}, mgr)

	for _, inst := range mgr.List() {
		require.NoError(t, inst.Update(func(snap *domain.SimulationSnapshot) error {
			snap.CurrentDate = "2026-08-03"
			snap.IntradayHour = 5.5
			return nil
		}))
	}

	// Tuesday Aug 4, 10:30 ET: a new session opened since the last tick.
	s.now = func() time.Time { return time.Date(2026, 8, 4, 14, 30, 0, 0, time.UTC) }
	s.realtimeTick(context.Background(), time.Second)

	for _, inst := range mgr.List() {
		snap := inst.Snapshot()
		assert.Equal(t, 1, snap.Day)
		assert.Zero(t, snap.IntradayHour)
		assert.Equal(t, "2026-08-04", snap.CurrentDate)
	}
}

func TestRealtimeTradeTickStampsWallClockHour(t *testing.T) {
	mgr := testManager(t, domain.ModeRealtime)
	s := testScheduler(t, Config{Mode: domain.ModeRealtime, RealtimeTradeInterval: time.Hour}, mgr)

	s.now = func() time.Time { return time.Date(2026, 8, 3, 16, 0, 0, 0, time.UTC) }
	s.realtimeTradeTick(context.Background())
	for _, inst := range mgr.List() {
		assert.InDelta(t, 2.5, inst.Snapshot().IntradayHour, 1e-9)
	}

	// The next window runs under a later stamp, so it gets its own round.
	s.now = func() time.Time { return time.Date(2026, 8, 3, 17, 0, 0, 0, time.UTC) }
	s.realtimeTradeTick(context.Background())
	for _, inst := range mgr.List() {
		assert.InDelta(t, 3.5, inst.Snapshot().IntradayHour, 1e-9)
	}

	// Outside market hours the tick is a no-op.
	s.now = func() time.Time { return time.Date(2026, 8, 3, 22, 0, 0, 0, time.UTC) }
	s.realtimeTradeTick(context.Background())
	for _, inst := range mgr.List() {
		assert.InDelta(t, 3.5, inst.Snapshot().IntradayHour, 1e-9)
	}
}

func TestAwaitPrefetchBound(t *testing.T) {
	mgr := testManager(t, domain.ModeSimulated)
	s := testScheduler(t, Config{Mode: domain.ModeSimulated, TickInterval: time.Hour}, mgr)

	// No in-flight prefetch: nil immediately.
	assert.Nil(t, s.awaitPrefetch(context.Background(), 10*time.Millisecond))

	// A pending result is consumed exactly once.
	ch := make(chan *marketdata.PrefetchResult, 1)
	ch <- &marketdata.PrefetchResult{}
	s.prefetchMu.Lock()
	s.inflight = ch
	s.prefetchMu.Unlock()

	assert.NotNil(t, s.awaitPrefetch(context.Background(), time.Second))
	assert.Nil(t, s.awaitPrefetch(context.Background(), 10*time.Millisecond))
}
