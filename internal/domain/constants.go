package domain

// Trading constants shared across the engine and portfolio math.
const (
	// InitialCash is the starting cash balance for every agent and the
	// seed value for benchmark series.
	InitialCash = 10_000.0

	// FeeRate is the proportional commission charged on notional value.
	FeeRate = 0.0005

	// MinFee is the commission floor per trade.
	MinFee = 0.25

	// RiskFreeRate is the annual risk-free rate used for Sharpe.
	RiskFreeRate = 0.05

	// TradingDaysPerYear annualizes daily return statistics.
	TradingDaysPerYear = 252

	// MarketHoursPerDay is the length of the intraday market-hours clock:
	// 0 corresponds to 09:30 ET and 6.5 to 16:00 ET.
	MarketHoursPerDay = 6.5

	// BenchmarkSymbol is the equity index ticker tracked as the external
	// benchmark. It is always present in market data.
	BenchmarkSymbol = "SPY"

	// BenchmarkIndexID and BenchmarkManagersID identify the two built-in
	// benchmark series.
	BenchmarkIndexID    = "spy"
	BenchmarkManagersID = "managers"
)

// DiscreteTimestamp encodes a simulated/historical trade timestamp as
// day + intradayHour/10. Realtime timestamps are seconds since epoch;
// the two scales never mix within one simulation.
func DiscreteTimestamp(day int, intradayHour float64) float64 {
	return float64(day) + intradayHour/10
}
