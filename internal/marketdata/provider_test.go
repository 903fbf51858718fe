package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradearena/arena/internal/domain"
)

func tick(symbol string, price float64) domain.Ticker {
	return domain.Ticker{Symbol: symbol, Price: price}
}

func testProvider(t *testing.T, cfg Config) *Provider {
	t.Helper()
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	return New(cfg, zerolog.Nop())
}

// quoteServer serves /quote with a fixed price, or the given status code
// when fail is set.
func quoteServer(t *testing.T, price float64, fail *atomic.Bool, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if fail != nil && fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		sym := r.URL.Query().Get("symbol")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"symbol": sym,
			"price":  price,
			"change": 1.5,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInitialMarketDataSimulatedIncludesBenchmark(t *testing.T) {
	p := testProvider(t, Config{Mode: domain.ModeSimulated})
	m, err := p.InitialMarketData(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)

	require.Contains(t, m, domain.BenchmarkSymbol)
	require.Contains(t, m, "AAPL")
	require.Contains(t, m, "MSFT")

	aapl := knownRanges["AAPL"]
	assert.GreaterOrEqual(t, m["AAPL"].Price, aapl[0])
	assert.Less(t, m["AAPL"].Price, aapl[1])
}

func TestInitialMarketDataUnknownSymbolDefaultRange(t *testing.T) {
	p := testProvider(t, Config{Mode: domain.ModeSimulated})
	m, err := p.InitialMarketData(context.Background(), []string{"ZZZZ"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, m["ZZZZ"].Price, defaultRange[0])
	assert.Less(t, m["ZZZZ"].Price, defaultRange[1])
}

func TestNextIntradaySimulatedBoundedWalk(t *testing.T) {
	p := testProvider(t, Config{Mode: domain.ModeSimulated})
	prev := domain.MarketData{
		"AAPL": tick("AAPL", 200),
		"SPY":  tick("SPY", 500),
	}

	for i := 0; i < 50; i++ {
		next := p.NextIntradayMarketData(context.Background(), prev, 0, 1.0, nil)
		delta := math.Abs(next["AAPL"].Price/prev["AAPL"].Price - 1)
		assert.LessOrEqual(t, delta, intradayWalkBound+1e-12)
		// No sources configured: the benchmark keeps its previous value.
		assert.Equal(t, prev["SPY"].Price, next["SPY"].Price)
		prev = next
	}
}

func TestNextDaySimulatedFloor(t *testing.T) {
	p := testProvider(t, Config{Mode: domain.ModeSimulated})
	prev := domain.MarketData{"PENNY": tick("PENNY", 1.01)}

	for i := 0; i < 100; i++ {
		prev = p.NextDayMarketData(context.Background(), prev)
		assert.GreaterOrEqual(t, prev["PENNY"].Price, dailyPriceFloor)
	}
}

func TestCascadeFallsThroughToSecondary(t *testing.T) {
	var primaryFail atomic.Bool
	primaryFail.Store(true)
	primary := quoteServer(t, 100, &primaryFail, nil)
	secondary := quoteServer(t, 123.45, nil, nil)

	p := testProvider(t, Config{
		Mode: domain.ModeRealtime,
		Sources: []SourceConfig{
			{Name: "primary", BaseURL: primary.URL, RateWindow: time.Minute, RateMax: 100},
			{Name: "secondary", BaseURL: secondary.URL, RateWindow: time.Minute, RateMax: 100},
		},
	})

	tk, err := p.fetchFromSources(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 123.45, tk.Price)

	snap := p.Telemetry()
	assert.Equal(t, int64(1), snap.SourceErrors["primary"])
	assert.Equal(t, "secondary", snap.LastSource["AAPL"])
}

func TestCascadeSyntheticFallbackWhenAllFail(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := quoteServer(t, 100, &fail, nil)

	p := testProvider(t, Config{
		Mode: domain.ModeRealtime,
		Sources: []SourceConfig{
			{Name: "primary", BaseURL: srv.URL, RateWindow: time.Minute, RateMax: 100},
		},
	})

	tk := p.fetchTicker(context.Background(), "MYSTERY", false)
	assert.GreaterOrEqual(t, tk.Price, defaultRange[0])
	assert.Less(t, tk.Price, defaultRange[1])
	assert.Equal(t, int64(1), p.Telemetry().SyntheticFallbacks)
	assert.Equal(t, "synthetic", p.Telemetry().LastSource["MYSTERY"])
}

func TestFetchTickerUsesCache(t *testing.T) {
	var hits atomic.Int64
	srv := quoteServer(t, 99, nil, &hits)

	p := testProvider(t, Config{
		Mode:     domain.ModeRealtime,
		CacheTTL: time.Minute,
		Sources: []SourceConfig{
			{Name: "primary", BaseURL: srv.URL, RateWindow: time.Minute, RateMax: 100},
		},
	})

	first := p.fetchTicker(context.Background(), "AAPL", true)
	second := p.fetchTicker(context.Background(), "AAPL", true)

	assert.Equal(t, 99.0, first.Price, "quote must come from the source, not the synthetic fallback")
	assert.Equal(t, first.Price, second.Price)
	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, int64(1), p.Telemetry().CacheHits)
}

func TestRejectsOutOfRangePrice(t *testing.T) {
	srv := quoteServer(t, 250_000, nil, nil)
	p := testProvider(t, Config{
		Mode: domain.ModeRealtime,
		Sources: []SourceConfig{
			{Name: "primary", BaseURL: srv.URL, RateWindow: time.Minute, RateMax: 100},
		},
	})

	_, err := p.fetchFromSources(context.Background(), "AAPL")
	assert.Error(t, err)
}

func TestPrefetchReportsMissingWithoutSynthesizing(t *testing.T) {
	p := testProvider(t, Config{Mode: domain.ModeRealtime})
	res := p.Prefetch(context.Background(), []string{"AAPL", "MSFT"}, PrefetchBudget{
		Interval:  time.Second,
		BatchSize: 2,
	})
	assert.Empty(t, res.MarketData)
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, res.MissingTickers)
}

func TestPrefetchStaysWithinBudget(t *testing.T) {
	srv := quoteServer(t, 50, nil, nil)
	p := testProvider(t, Config{
		Mode: domain.ModeRealtime,
		Sources: []SourceConfig{
			{Name: "primary", BaseURL: srv.URL, RateWindow: time.Minute, RateMax: 1000},
		},
	})

	symbols := make([]string, 12)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%d", i)
	}

	budget := PrefetchBudget{
		Interval:  500 * time.Millisecond,
		Guard:     100 * time.Millisecond,
		BatchSize: 4,
		MinPause:  5 * time.Millisecond,
	}
	res := p.Prefetch(context.Background(), symbols, budget)

	assert.Len(t, res.MarketData, 12)
	assert.Empty(t, res.MissingTickers)
	assert.LessOrEqual(t, res.Duration, budget.Interval)
	assert.Equal(t, int64(0), p.Telemetry().PrefetchOverruns)
}

func TestHistoricalSyntheticSeriesAndInterpolation(t *testing.T) {
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // a Monday
	p := testProvider(t, Config{Mode: domain.ModeHistorical, HistoricalStart: start})

	m, err := p.InitialMarketData(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	require.Contains(t, m, "AAPL")
	require.Contains(t, m, domain.BenchmarkSymbol)

	open := m["AAPL"].Price
	assert.Greater(t, open, 0.0)

	// Interpolated price drifts from the day's open toward its close.
	mid := p.NextIntradayMarketData(context.Background(), m, 0, 3.0, nil)
	assert.Greater(t, mid["AAPL"].Price, 0.0)

	// Day advance anchors to the next bar.
	next := p.NextDayMarketData(context.Background(), m)
	require.Contains(t, next, "AAPL")
	assert.Greater(t, next["AAPL"].Price, 0.0)
}

func TestHistoricalRequiresStartDate(t *testing.T) {
	p := testProvider(t, Config{Mode: domain.ModeHistorical})
	_, err := p.InitialMarketData(context.Background(), []string{"AAPL"})
	assert.Error(t, err)
}

func TestReanchorKeepsSessionOpen(t *testing.T) {
	p := testProvider(t, Config{Mode: domain.ModeSimulated})
	prev := domain.Ticker{Symbol: "AAPL", Price: 202, DailyChange: 2, DailyChangePercent: 1}
	next := p.reanchor(prev, 204)

	// Session open was 200; the new change is measured from it.
	assert.InDelta(t, 4, next.DailyChange, 1e-9)
	assert.InDelta(t, 2, next.DailyChangePercent, 1e-9)
}
