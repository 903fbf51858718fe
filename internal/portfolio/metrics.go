// Package portfolio provides pure portfolio-valuation and performance math.
// All functions operate on value copies and have no side effects.
package portfolio

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/tradearena/arena/internal/domain"
)

// Value returns cash plus the mark-to-market value of every position.
// Symbols missing from the market data contribute nothing.
func Value(p domain.Portfolio, m domain.MarketData) float64 {
	total := p.Cash
	for sym, pos := range p.Positions {
		if tk, ok := m[sym]; ok {
			total += float64(pos.Quantity) * tk.Price
		}
	}
	return total
}

// ComputeMetrics builds the next performance point for a portfolio given
// the prior history and the trades executed since the previous point.
func ComputeMetrics(
	p domain.Portfolio,
	m domain.MarketData,
	history []domain.PerformanceMetrics,
	timestamp float64,
	intradayHour float64,
	dailyTrades []domain.Trade,
) domain.PerformanceMetrics {
	totalValue := Value(p, m)
	pm := seriesMetrics(history, totalValue, timestamp, intradayHour)
	pm.Turnover = turnover(dailyTrades, totalValue)
	return pm
}

// SeriesMetrics builds the next performance point directly from a total
// value, without a portfolio. Benchmarks use this: their value series is
// derived, not held as cash and positions.
func SeriesMetrics(
	history []domain.PerformanceMetrics,
	totalValue float64,
	timestamp float64,
	intradayHour float64,
) domain.PerformanceMetrics {
	return seriesMetrics(history, totalValue, timestamp, intradayHour)
}

func seriesMetrics(history []domain.PerformanceMetrics, totalValue, timestamp, intradayHour float64) domain.PerformanceMetrics {
	base := domain.InitialCash
	if len(history) > 0 && history[0].TotalValue > 0 {
		base = history[0].TotalValue
	}

	dailyReturn := 0.0
	if n := len(history); n > 0 && history[n-1].TotalValue > 0 {
		dailyReturn = totalValue/history[n-1].TotalValue - 1
	}

	returns := returnSeries(history, totalValue)

	return domain.PerformanceMetrics{
		TotalValue:           totalValue,
		TotalReturn:          totalValue/base - 1,
		DailyReturn:          dailyReturn,
		AnnualizedVolatility: annualizedVolatility(returns),
		SharpeRatio:          sharpe(returns),
		MaxDrawdown:          maxDrawdown(history, totalValue),
		Timestamp:            timestamp,
		IntradayHour:         intradayHour,
	}
}

// returnSeries derives period returns from consecutive total values of the
// history extended with the new value.
func returnSeries(history []domain.PerformanceMetrics, totalValue float64) []float64 {
	values := make([]float64, 0, len(history)+1)
	for _, h := range history {
		values = append(values, h.TotalValue)
	}
	values = append(values, totalValue)

	returns := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] > 0 {
			returns = append(returns, values[i]/values[i-1]-1)
		}
	}
	return returns
}

// annualizedVolatility is the sample standard deviation of the return
// series, annualized by sqrt(252).
func annualizedVolatility(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	sd := stat.StdDev(returns, nil)
	if math.IsNaN(sd) {
		return 0
	}
	return sd * math.Sqrt(domain.TradingDaysPerYear)
}

// sharpe is mean excess return over its standard deviation, annualized.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	excess := make([]float64, len(returns))
	for i, r := range returns {
		excess[i] = r - domain.RiskFreeRate/domain.TradingDaysPerYear
	}
	sd := stat.StdDev(excess, nil)
	if sd == 0 || math.IsNaN(sd) {
		return 0
	}
	return stat.Mean(excess, nil) / sd * math.Sqrt(domain.TradingDaysPerYear)
}

// maxDrawdown scans the running peak across the historical total values
// extended with the new value.
func maxDrawdown(history []domain.PerformanceMetrics, totalValue float64) float64 {
	peak := 0.0
	maxDD := 0.0
	scan := func(v float64) {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	for _, h := range history {
		scan(h.TotalValue)
	}
	scan(totalValue)
	return maxDD
}

// turnover is the traded notional relative to the portfolio value.
func turnover(trades []domain.Trade, totalValue float64) float64 {
	if totalValue <= 0 || len(trades) == 0 {
		return 0
	}
	notional := 0.0
	for _, t := range trades {
		notional += math.Abs(float64(t.Quantity) * t.ExecutionPrice)
	}
	return notional / totalValue
}
