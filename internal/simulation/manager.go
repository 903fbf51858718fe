package simulation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tradearena/arena/internal/domain"
	"github.com/tradearena/arena/internal/persistence"
)

// ErrNotFound is returned for simulation ids outside the registry.
var ErrNotFound = errors.New("unknown simulation")

// Manager holds every enabled simulation instance plus the process-wide
// shared market data slot.
type Manager struct {
	store persistence.Store
	opts  Options
	// forceReset skips loading persisted snapshots at startup.
	forceReset bool
	log        zerolog.Logger

	mu        sync.RWMutex
	order     []string
	instances map[string]*Instance
	shared    domain.MarketData
}

// NewManager creates instances for the given types. Initialization is a
// separate step so the caller can fetch market data first.
func NewManager(types []domain.SimulationType, store persistence.Store, opts Options, forceReset bool, log zerolog.Logger) *Manager {
	m := &Manager{
		store:      store,
		opts:       opts,
		forceReset: forceReset,
		instances:  make(map[string]*Instance, len(types)),
		log:        log.With().Str("component", "simulation").Logger(),
	}
	for _, t := range types {
		m.order = append(m.order, t.ID)
		m.instances[t.ID] = NewInstance(t, opts, log)
	}
	return m
}

// InitializeAll loads or freshly initializes every instance, then saves
// each initial snapshot so a restart always finds one.
func (m *Manager) InitializeAll(ctx context.Context, marketData domain.MarketData) error {
	m.mu.Lock()
	m.shared = marketData.Clone()
	m.mu.Unlock()

	for _, inst := range m.List() {
		var persisted *domain.SimulationSnapshot
		if m.forceReset {
			m.log.Info().Str("simulation", inst.ID()).Msg("Reset requested, skipping persisted snapshot")
		} else {
			snap, err := m.store.Load(ctx, inst.ID())
			switch {
			case err == nil:
				persisted = snap
			case errors.Is(err, persistence.ErrNoSnapshot):
				// First run for this simulation.
			default:
				m.log.Warn().Err(err).Str("simulation", inst.ID()).Msg("Cannot load snapshot, initializing fresh")
			}
		}

		inst.Initialize(marketData, persisted)
		if err := m.store.Save(ctx, inst.ID(), inst.Snapshot()); err != nil {
			return fmt.Errorf("saving initial snapshot for %s: %w", inst.ID(), err)
		}
	}
	return nil
}

// ResetSimulation discards the instance's state and reinitializes it
// from the current shared market data.
func (m *Manager) ResetSimulation(ctx context.Context, id string) error {
	inst, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}

	m.mu.RLock()
	shared := m.shared.Clone()
	m.mu.RUnlock()

	inst.Initialize(shared, nil)
	if err := m.store.Save(ctx, id, inst.Snapshot()); err != nil {
		return fmt.Errorf("saving reset snapshot for %s: %w", id, err)
	}
	m.log.Info().Str("simulation", id).Msg("Simulation reset")
	return nil
}

// ResetAll resets every instance.
func (m *Manager) ResetAll(ctx context.Context) error {
	for _, inst := range m.List() {
		if err := m.ResetSimulation(ctx, inst.ID()); err != nil {
			return err
		}
	}
	return nil
}

// UpdateSharedMarketData replaces the shared slot and propagates the
// data into every instance's snapshot.
func (m *Manager) UpdateSharedMarketData(data domain.MarketData) {
	m.mu.Lock()
	m.shared = data.Clone()
	m.mu.Unlock()

	for _, inst := range m.List() {
		err := inst.Update(func(s *domain.SimulationSnapshot) error {
			s.MarketData = data.Clone()
			return nil
		})
		if err != nil {
			m.log.Warn().Err(err).Str("simulation", inst.ID()).Msg("Cannot propagate market data")
		}
	}
}

// SetSharedMarketData replaces the shared slot without touching the
// instances. The realtime price loop uses this: each instance already
// receives the data through its own priceStep.
func (m *Manager) SetSharedMarketData(data domain.MarketData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shared = data.Clone()
}

// SharedMarketData returns a copy of the shared slot.
func (m *Manager) SharedMarketData() domain.MarketData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shared.Clone()
}

// Get returns the instance for id.
func (m *Manager) Get(id string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// List returns all instances in registry order.
func (m *Manager) List() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.instances[id])
	}
	return out
}

// Types returns the static type of every managed instance.
func (m *Manager) Types() []domain.SimulationType {
	insts := m.List()
	out := make([]domain.SimulationType, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Type())
	}
	return out
}

// SaveAll persists every initialized instance. Errors are logged per
// simulation; the first one is returned after all saves were attempted.
func (m *Manager) SaveAll(ctx context.Context) error {
	var first error
	for _, inst := range m.List() {
		snap := inst.Snapshot()
		if snap == nil {
			continue
		}
		if err := m.store.Save(ctx, inst.ID(), snap); err != nil {
			m.log.Error().Err(err).Str("simulation", inst.ID()).Msg("Snapshot save failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}
