package portfolio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tradearena/arena/internal/domain"
)

func TestValue(t *testing.T) {
	p := domain.Portfolio{
		Cash: 1000,
		Positions: map[string]domain.Position{
			"AAA": {Symbol: "AAA", Quantity: 10, AverageCost: 90},
			"BBB": {Symbol: "BBB", Quantity: 5, AverageCost: 20},
		},
	}
	m := domain.MarketData{
		"AAA": {Symbol: "AAA", Price: 100},
		"BBB": {Symbol: "BBB", Price: 25},
	}
	assert.InDelta(t, 1000+10*100+5*25, Value(p, m), 1e-9)
}

func TestValueIgnoresUnpricedSymbols(t *testing.T) {
	p := domain.Portfolio{
		Cash:      500,
		Positions: map[string]domain.Position{"GONE": {Symbol: "GONE", Quantity: 3, AverageCost: 10}},
	}
	assert.InDelta(t, 500, Value(p, domain.MarketData{}), 1e-9)
}

func TestComputeMetricsFirstPoint(t *testing.T) {
	p := domain.Portfolio{Cash: domain.InitialCash, Positions: map[string]domain.Position{}}
	pm := ComputeMetrics(p, domain.MarketData{}, nil, 0, 0, nil)

	assert.InDelta(t, domain.InitialCash, pm.TotalValue, 1e-9)
	assert.InDelta(t, 0, pm.TotalReturn, 1e-9)
	assert.InDelta(t, 0, pm.DailyReturn, 1e-9)
	assert.InDelta(t, 0, pm.AnnualizedVolatility, 1e-9)
	assert.InDelta(t, 0, pm.SharpeRatio, 1e-9)
	assert.InDelta(t, 0, pm.MaxDrawdown, 1e-9)
}

func TestComputeMetricsReturnsAndDrawdown(t *testing.T) {
	history := []domain.PerformanceMetrics{
		{TotalValue: 10000},
		{TotalValue: 11000},
		{TotalValue: 9900},
	}
	p := domain.Portfolio{Cash: 10450, Positions: map[string]domain.Position{}}
	pm := ComputeMetrics(p, domain.MarketData{}, history, 3, 0, nil)

	assert.InDelta(t, 10450.0/9900-1, pm.DailyReturn, 1e-9)
	assert.InDelta(t, 10450.0/10000-1, pm.TotalReturn, 1e-9)
	// Peak was 11000; trough 9900.
	assert.InDelta(t, (11000.0-9900)/11000, pm.MaxDrawdown, 1e-9)
}

func TestVolatilityAnnualization(t *testing.T) {
	// Alternating +1% / -1% has a known sample stddev.
	history := []domain.PerformanceMetrics{
		{TotalValue: 10000},
		{TotalValue: 10100},
		{TotalValue: 9999},
	}
	pm := ComputeMetrics(
		domain.Portfolio{Cash: 10098.99, Positions: map[string]domain.Position{}},
		domain.MarketData{}, history, 3, 0, nil,
	)
	returns := []float64{0.01, -0.01, 0.01}
	mean := (0.01 - 0.01 + 0.01) / 3
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	want := math.Sqrt(ss/2) * math.Sqrt(252)
	assert.InDelta(t, want, pm.AnnualizedVolatility, 1e-6)
}

func TestTurnover(t *testing.T) {
	trades := []domain.Trade{
		{Symbol: "AAA", Side: domain.SideBuy, Quantity: 10, ExecutionPrice: 100},
		{Symbol: "BBB", Side: domain.SideSell, Quantity: 5, ExecutionPrice: 40},
	}
	p := domain.Portfolio{Cash: 12000, Positions: map[string]domain.Position{}}
	pm := ComputeMetrics(p, domain.MarketData{}, nil, 1, 0, trades)
	assert.InDelta(t, (1000.0+200)/12000, pm.Turnover, 1e-9)
}

func TestSeriesMetricsMatchesComputeMetrics(t *testing.T) {
	history := []domain.PerformanceMetrics{{TotalValue: 10000}, {TotalValue: 10200}}
	fromSeries := SeriesMetrics(history, 10300, 2, 1.5)
	fromPortfolio := ComputeMetrics(
		domain.Portfolio{Cash: 10300, Positions: map[string]domain.Position{}},
		domain.MarketData{}, history, 2, 1.5, nil,
	)
	assert.Equal(t, fromPortfolio, fromSeries)
}
