// Package main is the entry point for the arena server. It wires the
// market-data provider, the trading engine, the simulation manager, the
// scheduler, and the HTTP API, then blocks until a shutdown signal.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tradearena/arena/internal/advisor"
	"github.com/tradearena/arena/internal/chat"
	"github.com/tradearena/arena/internal/config"
	"github.com/tradearena/arena/internal/domain"
	"github.com/tradearena/arena/internal/engine"
	"github.com/tradearena/arena/internal/marketdata"
	"github.com/tradearena/arena/internal/persistence"
	"github.com/tradearena/arena/internal/scheduler"
	"github.com/tradearena/arena/internal/server"
	"github.com/tradearena/arena/internal/simulation"
	"github.com/tradearena/arena/internal/timer"
	"github.com/tradearena/arena/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("mode", string(cfg.Mode)).Msg("Starting arena")

	// Snapshot store: flat files by default, Postgres when configured.
	var store persistence.Store
	switch cfg.PersistenceDriver {
	case config.DriverPostgres:
		pg, err := persistence.NewPGStore(cfg.PostgresURL, cfg.PostgresNamespace, cfg.PostgresSnapshotID, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Postgres")
		}
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if rows, err := pg.CleanupHistory(cleanupCtx); err != nil {
			log.Warn().Err(err).Msg("Snapshot history cleanup failed")
		} else if rows > 0 {
			log.Info().Int64("rows", rows).Msg("Cleaned up legacy snapshot history")
		}
		cancel()
		store = pg
	default:
		store = persistence.NewFileStore(cfg.PersistPath, log)
	}
	defer store.Close()

	var historicalStart time.Time
	if cfg.HistoricalStartDate != "" {
		historicalStart, err = time.Parse("2006-01-02", cfg.HistoricalStartDate)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid historical start date")
		}
	}

	provider := marketdata.New(marketdata.Config{
		Mode:            cfg.Mode,
		Sources:         marketSources(cfg),
		HistoricalStart: historicalStart,
	}, log)

	coord := chat.NewCoordinator(log)
	eng := engine.New(advisor.Fallback{}, coord, engine.Config{
		MaxConcurrent:     cfg.LLMMaxConcurrent,
		RequestSpacing:    cfg.LLMRequestSpacing,
		AutoSpacing:       cfg.LLMAutoSpacing,
		MinRequestSpacing: cfg.LLMMinRequestSpacing,
		TickInterval:      tickIntervalFor(cfg),
	}, log)

	types := simulation.EnabledTypes(simulation.DefaultTypes(), cfg.SimDisabled)
	manager := simulation.NewManager(types, store, simulation.Options{
		Mode: cfg.Mode,
		Chat: domain.ChatConfig{
			Enabled:             cfg.ChatEnabled,
			MaxMessagesPerAgent: cfg.ChatMaxMessagesPerAgent,
			MaxMessagesPerUser:  cfg.ChatMaxMessagesPerUser,
			MaxMessageLength:    cfg.ChatMessageMaxLength,
		},
		ConfiguredStart: cfg.SimulationStartDate,
		HistoricalStart: provider.HistoricalStartDate(),
		DataDelay:       cfg.DataDelay(),
	}, cfg.ResetSimulation, log)

	initCtx, initCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	market, err := provider.InitialMarketData(initCtx, simulation.DefaultSymbols)
	if err != nil {
		initCancel()
		log.Fatal().Err(err).Msg("Failed to fetch initial market data")
	}
	if err := manager.InitializeAll(initCtx, market); err != nil {
		initCancel()
		log.Fatal().Err(err).Msg("Failed to initialize simulations")
	}
	initCancel()

	sched := scheduler.New(scheduler.Config{
		Mode:                  cfg.Mode,
		TickInterval:          cfg.SimInterval,
		TradeInterval:         cfg.TradeInterval,
		RealtimeTickInterval:  cfg.RealtimeSimInterval,
		RealtimeTradeInterval: cfg.RealtimeTradeInterval,
		MinutesPerTick:        cfg.MarketMinutesPerTick,
		MaxSimulationDays:     cfg.MaxSimulationDays,
		AutosaveInterval:      cfg.AutosaveInterval,
		PrefetchGuard:         cfg.PrefetchGuard,
		PrefetchBatchSize:     cfg.PrefetchBatchSize,
		PrefetchMinPause:      cfg.PrefetchMinPause,
	}, provider, eng, manager, log)
	sched.Start()

	tsvc := timer.New(timer.Config{
		Mode:           cfg.Mode,
		TickInterval:   tickIntervalFor(cfg),
		TradeInterval:  tradeIntervalFor(cfg),
		MinutesPerTick: cfg.MarketMinutesPerTick,
	}, log)

	srv := server.New(server.Config{
		Port:      cfg.Port,
		Log:       log,
		Manager:   manager,
		Scheduler: sched,
		Provider:  provider,
		Timer:     tsvc,
		Chat:      coord,
		AllTypes:  simulation.DefaultTypes(),
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop saves a final round of snapshots.
	sched.Stop()

	log.Info().Msg("Server stopped")
}

func marketSources(cfg *config.Config) []marketdata.SourceConfig {
	out := make([]marketdata.SourceConfig, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		out = append(out, marketdata.SourceConfig{
			Name:       s.Name,
			BaseURL:    s.BaseURL,
			APIKey:     s.APIKey,
			Timeout:    s.Timeout,
			RateWindow: s.RateWindow,
			RateMax:    s.RateMax,
		})
	}
	return out
}

// tickIntervalFor picks the wall-clock price-tick period for the
// configured mode. Hybrid starts accelerated.
func tickIntervalFor(cfg *config.Config) time.Duration {
	if cfg.Mode == domain.ModeRealtime {
		return cfg.RealtimeSimInterval
	}
	return cfg.SimInterval
}

func tradeIntervalFor(cfg *config.Config) time.Duration {
	if cfg.Mode == domain.ModeRealtime {
		return cfg.RealtimeTradeInterval
	}
	return cfg.TradeInterval
}
