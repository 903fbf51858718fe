// Package simulation owns the per-simulation state containers: the type
// registry, the instance that serializes snapshot mutation, and the
// manager that initializes, resets, and persists all instances.
package simulation

import "github.com/tradearena/arena/internal/domain"

// ArenaTypeID is the multi-model simulation that every deployment runs
// by default. It is the only type carrying the managers benchmark.
const ArenaTypeID = "arena"

// DefaultSymbols is the trading universe shared by all simulations. The
// index benchmark symbol is added by the market-data provider.
var DefaultSymbols = []string{
	"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA", "META", "TSLA", "AMD", "NFLX", "JPM", "V",
}

// DefaultTypes returns the built-in simulation types. Deployments
// disable individual types through the environment; see EnabledTypes.
func DefaultTypes() []domain.SimulationType {
	return []domain.SimulationType{
		{
			ID:          ArenaTypeID,
			Name:        "Model Arena",
			Description: "Frontier models trade the same market head to head.",
			TraderConfigs: []domain.TraderConfig{
				{ID: "gpt", Name: "GPT", Model: "openai/gpt-4o", Color: "#10a37f"},
				{ID: "claude", Name: "Claude", Model: "anthropic/claude-sonnet-4", Color: "#d97757"},
				{ID: "gemini", Name: "Gemini", Model: "google/gemini-2.5-pro", Color: "#4285f4"},
				{ID: "grok", Name: "Grok", Model: "xai/grok-3", Color: "#8e8e93"},
			},
			ChatEnabled:    true,
			ShowModelNames: true,
			Enabled:        true,
		},
		{
			ID:          "solo-gpt",
			Name:        "GPT Solo",
			Description: "A single GPT trader against the index.",
			TraderConfigs: []domain.TraderConfig{
				{ID: "gpt", Name: "GPT", Model: "openai/gpt-4o", Color: "#10a37f"},
			},
			ShowModelNames: true,
			Enabled:        true,
		},
		{
			ID:          "solo-claude",
			Name:        "Claude Solo",
			Description: "A single Claude trader against the index.",
			TraderConfigs: []domain.TraderConfig{
				{ID: "claude", Name: "Claude", Model: "anthropic/claude-sonnet-4", Color: "#d97757"},
			},
			ShowModelNames: true,
			Enabled:        true,
		},
	}
}

// EnabledTypes filters the registry down to types that are both enabled
// in their definition and not disabled by the environment lookup.
func EnabledTypes(all []domain.SimulationType, disabled func(id string) bool) []domain.SimulationType {
	out := make([]domain.SimulationType, 0, len(all))
	for _, t := range all {
		if !t.Enabled {
			continue
		}
		if disabled != nil && disabled(t.ID) {
			continue
		}
		out = append(out, t)
	}
	return out
}
