// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tradearena/arena/internal/domain"
)

// Persistence driver names.
const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

// Config holds application configuration.
type Config struct {
	Mode      domain.Mode
	Port      int
	LogLevel  string
	LogPretty bool

	// Price-tick and trade-window periods. The realtime values also
	// apply to hybrid runs after the transition.
	SimInterval           time.Duration
	RealtimeSimInterval   time.Duration
	TradeInterval         time.Duration
	RealtimeTradeInterval time.Duration
	// MarketMinutesPerTick is how many market minutes one accelerated
	// tick advances the clock.
	MarketMinutesPerTick float64

	HistoricalStartDate string
	MaxSimulationDays   int
	SimulationStartDate string

	UseDelayedData   bool
	DataDelayMinutes int

	// Agent LLM pacing.
	LLMMaxConcurrent     int
	LLMRequestSpacing    time.Duration
	LLMAutoSpacing       bool
	LLMMinRequestSpacing time.Duration

	// Chat policy.
	ChatEnabled             bool
	ChatMaxMessagesPerAgent int
	ChatMaxMessagesPerUser  int
	ChatMessageMaxLength    int

	// Persistence.
	PersistenceDriver  string
	PersistPath        string
	PostgresURL        string
	PostgresNamespace  string
	PostgresSnapshotID string
	ResetSimulation    bool
	AutosaveInterval   time.Duration

	// Market-data sources, cascade order.
	Sources []SourceConfig
	// Prefetch budget shaping.
	PrefetchGuard     time.Duration
	PrefetchBatchSize int
	PrefetchMinPause  time.Duration
}

// SourceConfig describes one upstream market-data source.
type SourceConfig struct {
	Name       string
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RateWindow time.Duration
	RateMax    int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	mode := domain.Mode(strings.ToLower(getEnv("MODE", string(domain.ModeSimulated))))

	cfg := &Config{
		Mode:      mode,
		Port:      getEnvAsInt("PORT", 8080),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),

		SimInterval:           getEnvAsDuration("SIM_INTERVAL_MS", 30*time.Second),
		RealtimeSimInterval:   getEnvAsDuration("REALTIME_SIM_INTERVAL_MS", 10*time.Minute),
		TradeInterval:         getEnvAsDuration("TRADE_INTERVAL_MS", 2*time.Hour),
		RealtimeTradeInterval: getEnvAsDuration("REALTIME_TRADE_INTERVAL_MS", 30*time.Minute),
		MarketMinutesPerTick:  getEnvAsFloat("SIM_MARKET_MINUTES_PER_TICK", 30),

		HistoricalStartDate: getEnv("HISTORICAL_SIMULATION_START_DATE", ""),
		MaxSimulationDays:   getEnvAsInt("MAX_SIMULATION_DAYS", 0),
		SimulationStartDate: getEnv("SIMULATION_START_DATE", ""),

		UseDelayedData:   getEnvAsBool("USE_DELAYED_DATA", false),
		DataDelayMinutes: getEnvAsInt("DATA_DELAY_MINUTES", 15),

		LLMMaxConcurrent:     getEnvAsInt("LLM_MAX_CONCURRENT_REQUESTS", 0),
		LLMRequestSpacing:    getEnvAsDuration("LLM_REQUEST_SPACING_MS", 0),
		LLMAutoSpacing:       getEnvAsBool("LLM_AUTO_SPACING", false),
		LLMMinRequestSpacing: getEnvAsDuration("LLM_MIN_REQUEST_SPACING_MS", 2*time.Second),

		ChatEnabled:             getEnvAsBool("CHAT_ENABLED", true),
		ChatMaxMessagesPerAgent: getEnvAsInt("CHAT_MAX_MESSAGES_PER_AGENT", 3),
		ChatMaxMessagesPerUser:  getEnvAsInt("CHAT_MAX_MESSAGES_PER_USER", 2),
		ChatMessageMaxLength:    getEnvAsInt("CHAT_MESSAGE_MAX_LENGTH", 280),

		PersistenceDriver:  strings.ToLower(getEnv("PERSISTENCE_DRIVER", DriverFile)),
		PersistPath:        getEnv("PERSIST_PATH", "./data/simulation.json"),
		PostgresURL:        getEnv("POSTGRES_URL", ""),
		PostgresNamespace:  getEnv("POSTGRES_NAMESPACE", "arena"),
		PostgresSnapshotID: getEnv("POSTGRES_SNAPSHOT_ID", "default"),
		ResetSimulation:    getEnvAsBool("RESET_SIMULATION", false),
		AutosaveInterval:   getEnvAsDuration("SNAPSHOT_AUTOSAVE_INTERVAL_MS", 15*time.Minute),

		Sources:           loadSources(),
		PrefetchGuard:     getEnvAsDuration("PREFETCH_GUARD_MS", 5*time.Second),
		PrefetchBatchSize: getEnvAsInt("PREFETCH_BATCH_SIZE", 4),
		PrefetchMinPause:  getEnvAsDuration("PREFETCH_MIN_PAUSE_MS", 250*time.Millisecond),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadSources builds the cascade in order. Sources without a base URL
// are skipped downstream, so a simulated-only deployment needs none.
func loadSources() []SourceConfig {
	return []SourceConfig{
		{
			Name:       "primary",
			BaseURL:    getEnv("PRIMARY_SOURCE_URL", ""),
			APIKey:     getEnv("PRIMARY_SOURCE_API_KEY", ""),
			Timeout:    getEnvAsDuration("PRIMARY_SOURCE_TIMEOUT_MS", 10*time.Second),
			RateWindow: getEnvAsDuration("PRIMARY_RATE_WINDOW_MS", time.Minute),
			RateMax:    getEnvAsInt("PRIMARY_RATE_MAX", 30),
		},
		{
			Name:       "secondary",
			BaseURL:    getEnv("SECONDARY_SOURCE_URL", ""),
			APIKey:     getEnv("SECONDARY_SOURCE_API_KEY", ""),
			Timeout:    getEnvAsDuration("SECONDARY_SOURCE_TIMEOUT_MS", 10*time.Second),
			RateWindow: getEnvAsDuration("SECONDARY_RATE_WINDOW_MS", time.Minute),
			RateMax:    getEnvAsInt("SECONDARY_RATE_MAX", 30),
		},
		{
			Name:       "tertiary",
			BaseURL:    getEnv("TERTIARY_SOURCE_URL", ""),
			APIKey:     getEnv("TERTIARY_SOURCE_API_KEY", ""),
			Timeout:    getEnvAsDuration("TERTIARY_SOURCE_TIMEOUT_MS", 10*time.Second),
			RateWindow: getEnvAsDuration("TERTIARY_RATE_WINDOW_MS", time.Minute),
			RateMax:    getEnvAsInt("TERTIARY_RATE_MAX", 60),
		},
	}
}

// SimDisabled reports whether SIM_ENABLE_{ID}=false disables the type.
func (c *Config) SimDisabled(id string) bool {
	key := "SIM_ENABLE_" + strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
	return !getEnvAsBool(key, true)
}

// DataDelay returns the realtime feed delay, or zero when disabled.
func (c *Config) DataDelay() time.Duration {
	if !c.UseDelayedData {
		return 0
	}
	return time.Duration(c.DataDelayMinutes) * time.Minute
}

// Validate checks if required configuration is present.
func (c *Config) Validate() error {
	switch c.Mode {
	case domain.ModeSimulated, domain.ModeRealtime, domain.ModeHistorical, domain.ModeHybrid:
	default:
		return fmt.Errorf("invalid MODE %q", c.Mode)
	}

	if c.PersistenceDriver != DriverFile && c.PersistenceDriver != DriverPostgres {
		return fmt.Errorf("invalid PERSISTENCE_DRIVER %q", c.PersistenceDriver)
	}
	if c.PersistenceDriver == DriverPostgres && c.PostgresURL == "" {
		return fmt.Errorf("POSTGRES_URL required when PERSISTENCE_DRIVER=postgres")
	}

	if c.Mode == domain.ModeHistorical && c.HistoricalStartDate != "" {
		if _, err := time.Parse("2006-01-02", c.HistoricalStartDate); err != nil {
			return fmt.Errorf("invalid HISTORICAL_SIMULATION_START_DATE: %w", err)
		}
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsDuration reads a millisecond count.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
