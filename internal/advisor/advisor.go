// Package advisor defines the contract between the simulation engine and
// the LLM provider. The engine treats the advisor as opaque: it must
// respect the context deadline, never panic, and return empty trades
// with a rationale on any internal failure.
package advisor

import (
	"context"

	"github.com/tradearena/arena/internal/domain"
)

// TradeIntent is one proposed trade. Quantities are validated and capped
// by the engine at execution time.
type TradeIntent struct {
	Symbol        string           `json:"symbol"`
	Side          domain.TradeSide `json:"side"`
	Quantity      int              `json:"qty"`
	FairValue     *float64         `json:"fairValue,omitempty"`
	TopOfBox      *float64         `json:"topOfBox,omitempty"`
	BottomOfBox   *float64         `json:"bottomOfBox,omitempty"`
	Justification string           `json:"justification,omitempty"`
}

// ChatContext carries the user messages awaiting this agent's attention.
type ChatContext struct {
	Enabled        bool
	Messages       []domain.ChatMessage
	MaxReplyLength int
	// HistoricalMode permits an agent reply even without user messages.
	HistoricalMode bool
}

// Request is everything an advisor sees for one decision. Agent is a
// deep copy: advisors never mutate simulation state.
type Request struct {
	Agent        *domain.Agent
	MarketData   domain.MarketData
	Day          int
	Chat         ChatContext
	FailedTrades []domain.FailedTrade
}

// Decision is the advisor's answer. Reply is set only when the chat
// context is enabled and has messages, except in historical mode.
type Decision struct {
	Trades    []TradeIntent
	Rationale string
	Reply     string
}

// TradeAdvisor decides trades for one agent. The context carries the
// per-call timeout; implementations must return promptly once it fires.
type TradeAdvisor interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// Fallback is the advisor used when no LLM provider is configured. It
// holds every position and explains why.
type Fallback struct{}

// Decide implements TradeAdvisor.
func (Fallback) Decide(ctx context.Context, req Request) (Decision, error) {
	return Decision{
		Rationale: "No trade advisor configured; holding all positions.",
	}, nil
}
