package simulation

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradearena/arena/internal/clock"
	"github.com/tradearena/arena/internal/domain"
)

const dateLayout = "2006-01-02"

// Options carries the environment-derived settings every instance needs
// at initialization.
type Options struct {
	Mode domain.Mode
	// Chat is the process-wide chat policy. A type with ChatEnabled
	// false stays silent regardless.
	Chat domain.ChatConfig
	// ConfiguredStart is the requested start date for simulated and
	// hybrid runs; empty means today.
	ConfiguredStart string
	// HistoricalStart is the provider's declared first day.
	HistoricalStart time.Time
	// DataDelay shifts the realtime start date back for delayed feeds.
	DataDelay time.Duration
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Instance owns one simulation's snapshot. All reads go through
// Snapshot (a deep copy) and all writes through Update, which runs the
// mutation on a clone and swaps only on success, so a failed or
// panicking transition leaves the previous state intact.
type Instance struct {
	mu      sync.Mutex
	simType domain.SimulationType
	opts    Options
	snap    *domain.SimulationSnapshot
	log     zerolog.Logger
}

// NewInstance creates an uninitialized instance for the type.
func NewInstance(simType domain.SimulationType, opts Options, log zerolog.Logger) *Instance {
	return &Instance{
		simType: simType,
		opts:    opts,
		log:     log.With().Str("component", "simulation").Str("simulation", simType.ID).Logger(),
	}
}

// ID returns the simulation type id.
func (i *Instance) ID() string { return i.simType.ID }

// Type returns the static simulation type.
func (i *Instance) Type() domain.SimulationType { return i.simType }

// Initialize installs a persisted snapshot, or builds a fresh one from
// the trader configs when persisted is nil. A persisted snapshot is
// taken verbatim except for the chat configuration, which always comes
// from the current environment.
func (i *Instance) Initialize(marketData domain.MarketData, persisted *domain.SimulationSnapshot) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if persisted != nil {
		snap := persisted.Clone()
		snap.Chat.Config = i.chatConfig()
		i.snap = snap
		i.log.Info().Int("day", snap.Day).Float64("hour", snap.IntradayHour).Msg("Simulation restored from snapshot")
		return
	}

	i.snap = i.freshSnapshot(marketData)
	i.log.Info().Str("startDate", i.snap.StartDate).Str("mode", string(i.opts.Mode)).Msg("Simulation initialized fresh")
}

func (i *Instance) freshSnapshot(marketData domain.MarketData) *domain.SimulationSnapshot {
	seed := domain.PerformanceMetrics{TotalValue: domain.InitialCash}

	agents := make([]*domain.Agent, 0, len(i.simType.TraderConfigs))
	for _, tc := range i.simType.TraderConfigs {
		agents = append(agents, &domain.Agent{
			ID:           tc.ID,
			Name:         tc.Name,
			Model:        tc.Model,
			Color:        tc.Color,
			Image:        tc.Image,
			SystemPrompt: tc.SystemPrompt,
			Portfolio: domain.Portfolio{
				Cash:      domain.InitialCash,
				Positions: make(map[string]domain.Position),
			},
			PerformanceHistory: []domain.PerformanceMetrics{seed},
		})
	}

	benchmarks := []*domain.Benchmark{{
		ID:                 domain.BenchmarkIndexID,
		Name:               "S&P 500",
		Color:              "#6b7280",
		LastIndexPrice:     marketData[domain.BenchmarkSymbol].Price,
		PerformanceHistory: []domain.PerformanceMetrics{seed},
	}}
	if len(i.simType.TraderConfigs) > 1 {
		benchmarks = append(benchmarks, &domain.Benchmark{
			ID:                 domain.BenchmarkManagersID,
			Name:               "Managers Index",
			Color:              "#a855f7",
			PerformanceHistory: []domain.PerformanceMetrics{seed},
		})
	}

	start := i.startDate()
	return &domain.SimulationSnapshot{
		Mode:        i.opts.Mode,
		MarketData:  marketData.Clone(),
		Agents:      agents,
		Benchmarks:  benchmarks,
		StartDate:   start,
		CurrentDate: start,
		Chat:        domain.ChatState{Config: i.chatConfig()},
		LastUpdated: i.opts.now(),
	}
}

// startDate resolves the simulation's first calendar day by mode.
func (i *Instance) startDate() string {
	switch i.opts.Mode {
	case domain.ModeRealtime:
		return clock.ToET(i.opts.now().Add(-i.opts.DataDelay)).Format(dateLayout)

	case domain.ModeHistorical:
		if !i.opts.HistoricalStart.IsZero() {
			return i.opts.HistoricalStart.Format(dateLayout)
		}
		return clock.ToET(i.opts.now()).Format(dateLayout)

	default: // simulated, hybrid
		base := clock.ToET(i.opts.now())
		if i.opts.ConfiguredStart != "" {
			if d, err := time.ParseInLocation(dateLayout, i.opts.ConfiguredStart, clock.Eastern); err == nil {
				base = d
			} else {
				i.log.Warn().Str("startDate", i.opts.ConfiguredStart).Msg("Ignoring unparseable start date")
			}
		}
		// Snap to the next market open on or after the requested day.
		open, err := clock.NextMarketOpen(time.Date(base.Year(), base.Month(), base.Day(), 0, 0, 0, 0, clock.Eastern))
		if err != nil {
			return base.Format(dateLayout)
		}
		return open.Format(dateLayout)
	}
}

func (i *Instance) chatConfig() domain.ChatConfig {
	cfg := i.opts.Chat
	cfg.Enabled = cfg.Enabled && i.simType.ChatEnabled
	return cfg
}

// Snapshot returns a deep copy of the current state, or nil when the
// instance is not yet initialized.
func (i *Instance) Snapshot() *domain.SimulationSnapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.snap == nil {
		return nil
	}
	return i.snap.Clone()
}

// Update runs fn on a clone of the snapshot and swaps it in only when
// fn returns nil. A panic inside fn is recovered and reported as an
// error; the previous snapshot is retained either way.
func (i *Instance) Update(fn func(*domain.SimulationSnapshot) error) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.snap == nil {
		return fmt.Errorf("simulation %s not initialized", i.simType.ID)
	}

	work := i.snap.Clone()
	if err := runGuarded(fn, work); err != nil {
		return err
	}
	i.snap = work
	return nil
}

// Replace swaps in a completely new snapshot; used by resets.
func (i *Instance) Replace(snap *domain.SimulationSnapshot) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.snap = snap
}

func runGuarded(fn func(*domain.SimulationSnapshot) error, snap *domain.SimulationSnapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("simulation update panicked: %v", r)
		}
	}()
	return fn(snap)
}
