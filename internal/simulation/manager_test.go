package simulation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradearena/arena/internal/domain"
	"github.com/tradearena/arena/internal/persistence"
)

type memStore struct {
	mu    sync.Mutex
	snaps map[string]*domain.SimulationSnapshot
	saves int
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]*domain.SimulationSnapshot)}
}

func (m *memStore) Load(ctx context.Context, id string) (*domain.SimulationSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[id]
	if !ok {
		return nil, persistence.ErrNoSnapshot
	}
	return snap.Clone(), nil
}

func (m *memStore) Save(ctx context.Context, id string, snap *domain.SimulationSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[id] = snap.Clone()
	m.saves++
	return nil
}

func (m *memStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, id)
	return nil
}

func (m *memStore) Close() error { return nil }

func testOptions() Options {
	return Options{
		Mode: domain.ModeSimulated,
		Chat: domain.ChatConfig{
			Enabled:             true,
			MaxMessagesPerAgent: 3,
			MaxMessagesPerUser:  2,
			MaxMessageLength:    280,
		},
		ConfiguredStart: "2026-08-03", // a Monday
		Now:             func() time.Time { return time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC) },
	}
}

func testMarket() domain.MarketData {
	return domain.MarketData{
		"AAPL":                 {Symbol: "AAPL", Price: 200},
		domain.BenchmarkSymbol: {Symbol: domain.BenchmarkSymbol, Price: 500},
	}
}

func TestInitializeAllFresh(t *testing.T) {
	store := newMemStore()
	mgr := NewManager(DefaultTypes(), store, testOptions(), false, zerolog.Nop())

	require.NoError(t, mgr.InitializeAll(context.Background(), testMarket()))

	arena, ok := mgr.Get(ArenaTypeID)
	require.True(t, ok)
	snap := arena.Snapshot()
	require.NotNil(t, snap)

	require.Len(t, snap.Agents, 4)
	for _, a := range snap.Agents {
		assert.InDelta(t, domain.InitialCash, a.Portfolio.Cash, 1e-9)
		require.Len(t, a.PerformanceHistory, 1)
		assert.Zero(t, a.PerformanceHistory[0].Timestamp)
	}
	assert.Equal(t, "2026-08-03", snap.StartDate)
	assert.Equal(t, snap.StartDate, snap.CurrentDate)

	// Arena carries both benchmarks, index price anchored.
	idx := snap.BenchmarkByID(domain.BenchmarkIndexID)
	require.NotNil(t, idx)
	assert.InDelta(t, 500.0, idx.LastIndexPrice, 1e-9)
	require.NotNil(t, snap.BenchmarkByID(domain.BenchmarkManagersID))

	// Single-agent types carry only the index benchmark.
	solo, ok := mgr.Get("solo-gpt")
	require.True(t, ok)
	soloSnap := solo.Snapshot()
	assert.Nil(t, soloSnap.BenchmarkByID(domain.BenchmarkManagersID))
	assert.False(t, soloSnap.Chat.Config.Enabled, "chat follows the type flag")

	// Initial snapshots are always saved.
	assert.Len(t, store.snaps, 3)
}

func TestInitializeAllRestoresPersisted(t *testing.T) {
	store := newMemStore()
	persisted := &domain.SimulationSnapshot{
		Day:          7,
		IntradayHour: 3.5,
		Mode:         domain.ModeSimulated,
		MarketData:   testMarket(),
		Chat: domain.ChatState{
			Config: domain.ChatConfig{Enabled: false, MaxMessageLength: 10},
		},
	}
	require.NoError(t, store.Save(context.Background(), ArenaTypeID, persisted))

	mgr := NewManager(DefaultTypes(), store, testOptions(), false, zerolog.Nop())
	require.NoError(t, mgr.InitializeAll(context.Background(), testMarket()))

	arena, _ := mgr.Get(ArenaTypeID)
	snap := arena.Snapshot()
	assert.Equal(t, 7, snap.Day)
	assert.InDelta(t, 3.5, snap.IntradayHour, 1e-9)

	// Chat config comes from the environment, not the stored snapshot.
	assert.True(t, snap.Chat.Config.Enabled)
	assert.Equal(t, 280, snap.Chat.Config.MaxMessageLength)
}

func TestInitializeAllForceReset(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Save(context.Background(), ArenaTypeID,
		&domain.SimulationSnapshot{Day: 99, Mode: domain.ModeSimulated}))

	mgr := NewManager(DefaultTypes(), store, testOptions(), true, zerolog.Nop())
	require.NoError(t, mgr.InitializeAll(context.Background(), testMarket()))

	arena, _ := mgr.Get(ArenaTypeID)
	assert.Zero(t, arena.Snapshot().Day)
}

func TestResetSimulation(t *testing.T) {
	store := newMemStore()
	mgr := NewManager(DefaultTypes(), store, testOptions(), false, zerolog.Nop())
	require.NoError(t, mgr.InitializeAll(context.Background(), testMarket()))

	arena, _ := mgr.Get(ArenaTypeID)
	require.NoError(t, arena.Update(func(s *domain.SimulationSnapshot) error {
		s.Day = 12
		return nil
	}))

	require.NoError(t, mgr.ResetSimulation(context.Background(), ArenaTypeID))
	assert.Zero(t, arena.Snapshot().Day)

	assert.ErrorIs(t, mgr.ResetSimulation(context.Background(), "ghost"), ErrNotFound)
}

func TestUpdateSharedMarketDataPropagates(t *testing.T) {
	store := newMemStore()
	mgr := NewManager(DefaultTypes(), store, testOptions(), false, zerolog.Nop())
	require.NoError(t, mgr.InitializeAll(context.Background(), testMarket()))

	next := testMarket()
	next["AAPL"] = domain.Ticker{Symbol: "AAPL", Price: 222}
	mgr.UpdateSharedMarketData(next)

	for _, inst := range mgr.List() {
		assert.InDelta(t, 222.0, inst.Snapshot().MarketData["AAPL"].Price, 1e-9)
	}
	assert.InDelta(t, 222.0, mgr.SharedMarketData()["AAPL"].Price, 1e-9)
}

func TestUpdateDiscardsOnError(t *testing.T) {
	inst := NewInstance(DefaultTypes()[0], testOptions(), zerolog.Nop())
	inst.Initialize(testMarket(), nil)

	err := inst.Update(func(s *domain.SimulationSnapshot) error {
		s.Day = 42
		return errors.New("transition failed")
	})
	require.Error(t, err)
	assert.Zero(t, inst.Snapshot().Day, "failed update must not leak partial progress")
}

func TestUpdateRecoversFromPanic(t *testing.T) {
	inst := NewInstance(DefaultTypes()[0], testOptions(), zerolog.Nop())
	inst.Initialize(testMarket(), nil)

	err := inst.Update(func(s *domain.SimulationSnapshot) error {
		s.Day = 42
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Zero(t, inst.Snapshot().Day)
}

func TestStartDateSkipsWeekend(t *testing.T) {
	opts := testOptions()
	opts.ConfiguredStart = "2026-08-01" // a Saturday
	inst := NewInstance(DefaultTypes()[0], opts, zerolog.Nop())
	inst.Initialize(testMarket(), nil)

	assert.Equal(t, "2026-08-03", inst.Snapshot().StartDate)
}

func TestStartDateRealtimeDelay(t *testing.T) {
	opts := testOptions()
	opts.Mode = domain.ModeRealtime
	opts.DataDelay = 30 * time.Minute
	opts.Now = func() time.Time {
		// 00:10 ET on Aug 4; a 30 minute delay lands on Aug 3.
		return time.Date(2026, 8, 4, 4, 10, 0, 0, time.UTC)
	}
	inst := NewInstance(DefaultTypes()[0], opts, zerolog.Nop())
	inst.Initialize(testMarket(), nil)

	assert.Equal(t, "2026-08-03", inst.Snapshot().StartDate)
}

func TestEnabledTypes(t *testing.T) {
	all := DefaultTypes()
	got := EnabledTypes(all, func(id string) bool { return id == "solo-gpt" })
	require.Len(t, got, 2)
	for _, st := range got {
		assert.NotEqual(t, "solo-gpt", st.ID)
	}
}
