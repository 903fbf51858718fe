// Package domain holds the core data model for the trading arena.
// Types here are pure data: no infrastructure dependencies, JSON tags match
// the persisted snapshot shape so snapshots round-trip across restarts.
package domain

import "time"

// Mode identifies how a simulation's clock advances.
type Mode string

const (
	ModeSimulated  Mode = "simulated"
	ModeRealtime   Mode = "realtime"
	ModeHistorical Mode = "historical"
	ModeHybrid     Mode = "hybrid"
)

// TradeSide is the direction of a trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// Ticker is a single symbol's market snapshot.
type Ticker struct {
	Symbol             string  `json:"symbol"`
	Price              float64 `json:"price"`
	DailyChange        float64 `json:"dailyChange"`
	DailyChangePercent float64 `json:"dailyChangePercent"`
	PERatio            float64 `json:"peRatio,omitempty"`
	MarketCap          float64 `json:"marketCap,omitempty"`
	Sector             string  `json:"sector,omitempty"`
}

// MarketData maps symbol to its latest ticker snapshot.
type MarketData map[string]Ticker

// Clone returns a deep copy of the market data.
func (m MarketData) Clone() MarketData {
	if m == nil {
		return nil
	}
	out := make(MarketData, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Symbols returns the symbols present, in no particular order.
func (m MarketData) Symbols() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Position is a holding in a single symbol. Quantity is whole shares;
// a position with zero quantity is removed from the portfolio.
type Position struct {
	Symbol          string   `json:"symbol"`
	Quantity        int      `json:"quantity"`
	AverageCost     float64  `json:"averageCost"`
	LastFairValue   *float64 `json:"lastFairValue,omitempty"`
	LastTopOfBox    *float64 `json:"lastTopOfBox,omitempty"`
	LastBottomOfBox *float64 `json:"lastBottomOfBox,omitempty"`
}

// Portfolio is an agent's cash plus positions. Cash never goes negative
// and shorts are forbidden.
type Portfolio struct {
	Cash      float64             `json:"cash"`
	Positions map[string]Position `json:"positions"`
}

// Clone returns a deep copy of the portfolio.
func (p Portfolio) Clone() Portfolio {
	out := Portfolio{Cash: p.Cash, Positions: make(map[string]Position, len(p.Positions))}
	for k, v := range p.Positions {
		out.Positions[k] = v
	}
	return out
}

// Trade is an immutable execution record.
type Trade struct {
	Symbol         string    `json:"symbol"`
	Side           TradeSide `json:"side"`
	Quantity       int       `json:"quantity"`
	ExecutionPrice float64   `json:"executionPrice"`
	Timestamp      float64   `json:"timestamp"`
	Fee            float64   `json:"fee"`
	FairValue      *float64  `json:"fairValue,omitempty"`
	TopOfBox       *float64  `json:"topOfBox,omitempty"`
	BottomOfBox    *float64  `json:"bottomOfBox,omitempty"`
	Justification  string    `json:"justification,omitempty"`
}

// FailedTrade records a trade the advisor proposed that could not be
// executed. Fed back into the next round's prompt context.
type FailedTrade struct {
	Symbol   string    `json:"symbol"`
	Side     TradeSide `json:"side"`
	Quantity int       `json:"quantity"`
	Reason   string    `json:"reason"`
}

// PerformanceMetrics is one point in an append-only performance series.
type PerformanceMetrics struct {
	TotalValue           float64 `json:"totalValue"`
	TotalReturn          float64 `json:"totalReturn"`
	DailyReturn          float64 `json:"dailyReturn"`
	AnnualizedVolatility float64 `json:"annualizedVolatility"`
	SharpeRatio          float64 `json:"sharpeRatio"`
	MaxDrawdown          float64 `json:"maxDrawdown"`
	Turnover             float64 `json:"turnover"`
	Timestamp            float64 `json:"timestamp"`
	IntradayHour         float64 `json:"intradayHour"`
}

// AgentMemory is the rolling context fed to the advisor each round.
type AgentMemory struct {
	LastTrades      []Trade              `json:"lastTrades,omitempty"`
	LastRationales  []string             `json:"lastRationales,omitempty"`
	PastPerformance []PerformanceMetrics `json:"pastPerformance,omitempty"`
	FailedTrades    []FailedTrade        `json:"failedTrades,omitempty"`
}

// Memory window sizes.
const (
	MemoryTrades      = 10
	MemoryRationales  = 5
	MemoryPerformance = 10
)

// Agent is one LLM-backed trader.
type Agent struct {
	ID                 string               `json:"id"`
	Name               string               `json:"name"`
	Model              string               `json:"model"`
	Color              string               `json:"color,omitempty"`
	Image              string               `json:"image,omitempty"`
	SystemPrompt       string               `json:"systemPrompt,omitempty"`
	Portfolio          Portfolio            `json:"portfolio"`
	TradeHistory       []Trade              `json:"tradeHistory"`
	PerformanceHistory []PerformanceMetrics `json:"performanceHistory"`
	RationaleHistory   map[string]string    `json:"rationaleHistory,omitempty"`
	Memory             AgentMemory          `json:"memory"`
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	out := *a
	out.Portfolio = a.Portfolio.Clone()
	out.TradeHistory = append([]Trade(nil), a.TradeHistory...)
	out.PerformanceHistory = append([]PerformanceMetrics(nil), a.PerformanceHistory...)
	if a.RationaleHistory != nil {
		out.RationaleHistory = make(map[string]string, len(a.RationaleHistory))
		for k, v := range a.RationaleHistory {
			out.RationaleHistory[k] = v
		}
	}
	out.Memory = AgentMemory{
		LastTrades:      append([]Trade(nil), a.Memory.LastTrades...),
		LastRationales:  append([]string(nil), a.Memory.LastRationales...),
		PastPerformance: append([]PerformanceMetrics(nil), a.Memory.PastPerformance...),
		FailedTrades:    append([]FailedTrade(nil), a.Memory.FailedTrades...),
	}
	return &out
}

// LatestMetrics returns the last performance point, or false if the series
// is empty.
func (a *Agent) LatestMetrics() (PerformanceMetrics, bool) {
	if len(a.PerformanceHistory) == 0 {
		return PerformanceMetrics{}, false
	}
	return a.PerformanceHistory[len(a.PerformanceHistory)-1], true
}

// Benchmark is a virtual portfolio tracked alongside agents: either an
// external index's return or an arithmetic mean of all agents.
type Benchmark struct {
	ID                 string               `json:"id"`
	Name               string               `json:"name"`
	Color              string               `json:"color,omitempty"`
	PerformanceHistory []PerformanceMetrics `json:"performanceHistory"`
	LastIndexPrice     float64              `json:"lastIndexPrice,omitempty"`
}

// Clone returns a deep copy of the benchmark.
func (b *Benchmark) Clone() *Benchmark {
	out := *b
	out.PerformanceHistory = append([]PerformanceMetrics(nil), b.PerformanceHistory...)
	return &out
}

// LatestMetrics returns the last performance point, or false if empty.
func (b *Benchmark) LatestMetrics() (PerformanceMetrics, bool) {
	if len(b.PerformanceHistory) == 0 {
		return PerformanceMetrics{}, false
	}
	return b.PerformanceHistory[len(b.PerformanceHistory)-1], true
}

// SenderType distinguishes chat message origins.
type SenderType string

const (
	SenderUser  SenderType = "user"
	SenderAgent SenderType = "agent"
)

// MessageStatus is the user-message delivery lifecycle. Agent messages
// carry no status.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusDelivered MessageStatus = "delivered"
	StatusResponded MessageStatus = "responded"
	StatusIgnored   MessageStatus = "ignored"
)

// ChatMessage is a single community-chat message.
type ChatMessage struct {
	ID            string        `json:"id"`
	SenderType    SenderType    `json:"senderType"`
	Sender        string        `json:"sender"`
	TargetAgentID string        `json:"targetAgentId,omitempty"`
	AgentName     string        `json:"agentName,omitempty"`
	Content       string        `json:"content"`
	RoundID       string        `json:"roundId"`
	CreatedAt     time.Time     `json:"createdAt"`
	Status        MessageStatus `json:"status,omitempty"`
}

// ChatConfig is the chat policy for one simulation.
type ChatConfig struct {
	Enabled             bool `json:"enabled"`
	MaxMessagesPerAgent int  `json:"maxMessagesPerAgent"`
	MaxMessagesPerUser  int  `json:"maxMessagesPerUser"`
	MaxMessageLength    int  `json:"maxMessageLength"`
}

// ChatState is the chat configuration plus the ordered message log.
type ChatState struct {
	Config   ChatConfig    `json:"config"`
	Messages []ChatMessage `json:"messages"`
}

// Clone returns a deep copy of the chat state.
func (c ChatState) Clone() ChatState {
	return ChatState{
		Config:   c.Config,
		Messages: append([]ChatMessage(nil), c.Messages...),
	}
}

// TraderConfig is the static configuration of one agent within a
// simulation type.
type TraderConfig struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Color        string `json:"color,omitempty"`
	Image        string `json:"image,omitempty"`
}

// SimulationType is the static configuration of one simulation.
type SimulationType struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	TraderConfigs  []TraderConfig `json:"traderConfigs"`
	ChatEnabled    bool           `json:"chatEnabled"`
	ShowModelNames bool           `json:"showModelNames"`
	Enabled        bool           `json:"enabled"`
}

// SimulationSnapshot is the complete persisted state of one simulation.
// Day and intradayHour are monotonically non-decreasing within a session
// except at day rollover, where intradayHour resets to 0.
type SimulationSnapshot struct {
	Day              int          `json:"day"`
	IntradayHour     float64      `json:"intradayHour"`
	MarketData       MarketData   `json:"marketData"`
	Agents           []*Agent     `json:"agents"`
	Benchmarks       []*Benchmark `json:"benchmarks"`
	Mode             Mode         `json:"mode"`
	HistoricalPeriod string       `json:"historicalPeriod,omitempty"`
	StartDate        string       `json:"startDate"`
	CurrentDate      string       `json:"currentDate"`
	CurrentTimestamp float64      `json:"currentTimestamp,omitempty"`
	Chat             ChatState    `json:"chat"`
	LastUpdated      time.Time    `json:"lastUpdated"`
}

// Clone returns a deep copy of the snapshot. Every snapshot that leaves
// its owning instance goes through here.
func (s *SimulationSnapshot) Clone() *SimulationSnapshot {
	out := *s
	out.MarketData = s.MarketData.Clone()
	out.Agents = make([]*Agent, len(s.Agents))
	for i, a := range s.Agents {
		out.Agents[i] = a.Clone()
	}
	out.Benchmarks = make([]*Benchmark, len(s.Benchmarks))
	for i, b := range s.Benchmarks {
		out.Benchmarks[i] = b.Clone()
	}
	out.Chat = s.Chat.Clone()
	return &out
}

// AgentByID returns the agent with the given id, or nil.
func (s *SimulationSnapshot) AgentByID(id string) *Agent {
	for _, a := range s.Agents {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// BenchmarkByID returns the benchmark with the given id, or nil.
func (s *SimulationSnapshot) BenchmarkByID(id string) *Benchmark {
	for _, b := range s.Benchmarks {
		if b.ID == id {
			return b
		}
	}
	return nil
}
