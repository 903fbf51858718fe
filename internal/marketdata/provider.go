// Package marketdata produces market snapshots for the simulations,
// hiding the source cascade, rate limits, and caching behind a single
// provider. The cascade for one symbol is primary, secondary, tertiary,
// then a synthetic fallback that never fails.
package marketdata

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tradearena/arena/internal/domain"
)

// Price sanity bounds. Out-of-range prices are treated as a source
// failure; large jumps are logged but kept.
const (
	maxSanePrice    = 100_000.0
	jumpWarnPct     = 5.0
	extremeDailyPct = 50.0
)

// Simulated price model parameters.
const (
	intradayWalkBound = 0.005  // |delta| <= 0.5% per tick
	dailyVolatility   = 0.035  // sigma ~ 3.5% per day
	dailyTrend        = 0.0005 // +0.05% drift per day
	dailyPriceFloor   = 1.0
	historicalDays    = 5
)

// Config configures the provider.
type Config struct {
	Mode            domain.Mode
	BenchmarkSymbol string
	CacheTTL        time.Duration
	Sources         []SourceConfig // cascade order, primary first
	HistoricalStart time.Time      // first day of the historical window
	Seed            int64
	// InitialPaceInterval spaces per-symbol requests during realtime
	// initialization.
	InitialPaceInterval time.Duration
}

// Provider owns the ticker cache, the rate-limit counters, and the
// historical preload. All mutation happens inside provider methods.
type Provider struct {
	benchmark string
	sources   []Source
	primary   HistorySource
	throttle  *windowLimiter
	cache     *ttlCache
	telemetry *Telemetry
	rng       *rng
	pace      *rate.Limiter
	log       zerolog.Logger

	modeMu sync.RWMutex
	mode   domain.Mode

	histMu    sync.Mutex
	histBars  map[string][]DayBar
	histIndex int
	histStart time.Time

	priceMu   sync.Mutex
	lastPrice map[string]float64
}

// New creates a provider. Sources without a base URL are skipped, so a
// simulated-only deployment can run with no upstream configuration.
func New(cfg Config, log zerolog.Logger) *Provider {
	if cfg.BenchmarkSymbol == "" {
		cfg.BenchmarkSymbol = domain.BenchmarkSymbol
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 60 * time.Second
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.InitialPaceInterval == 0 {
		cfg.InitialPaceInterval = 200 * time.Millisecond
	}

	p := &Provider{
		benchmark: cfg.BenchmarkSymbol,
		mode:      cfg.Mode,
		cache:     newTTLCache(cfg.CacheTTL),
		telemetry: newTelemetry(),
		rng:       newRNG(cfg.Seed),
		pace:      rate.NewLimiter(rate.Every(cfg.InitialPaceInterval), 1),
		histBars:  make(map[string][]DayBar),
		histStart: cfg.HistoricalStart,
		lastPrice: make(map[string]float64),
		log:       log.With().Str("component", "marketdata").Logger(),
	}

	for i, sc := range cfg.Sources {
		if sc.BaseURL == "" {
			continue
		}
		src := newRESTSource(sc, p.log)
		p.sources = append(p.sources, src)
		if i == 0 {
			p.primary = src
			// The primary additionally carries a global throttle on top
			// of its own window counter.
			p.throttle = newWindowLimiter(sc.RateWindow, sc.RateMax)
		}
	}

	return p
}

// Telemetry returns the provider's telemetry counters.
func (p *Provider) Telemetry() TelemetrySnapshot { return p.telemetry.Snapshot() }

// SetMode switches the provider's data semantics. The scheduler calls
// this once during the hybrid transition.
func (p *Provider) SetMode(m domain.Mode) {
	p.modeMu.Lock()
	p.mode = m
	p.modeMu.Unlock()
}

// effectiveMode maps hybrid to simulated semantics until the scheduler
// flips the provider to realtime.
func (p *Provider) effectiveMode() domain.Mode {
	p.modeMu.RLock()
	defer p.modeMu.RUnlock()
	if p.mode == domain.ModeHybrid {
		return domain.ModeSimulated
	}
	return p.mode
}

// HistoricalStartDate returns the first day of the preloaded window.
func (p *Provider) HistoricalStartDate() time.Time {
	p.histMu.Lock()
	defer p.histMu.Unlock()
	return p.histStart
}

// InitialMarketData builds the first snapshot for a symbol set. Called
// once per process. The benchmark symbol is always included.
func (p *Provider) InitialMarketData(ctx context.Context, symbols []string) (domain.MarketData, error) {
	symbols = p.withBenchmark(symbols)

	switch p.effectiveMode() {
	case domain.ModeHistorical:
		if err := p.preloadHistory(ctx, symbols); err != nil {
			return nil, err
		}
		return p.historicalSnapshot(), nil

	case domain.ModeRealtime:
		out := make(domain.MarketData, len(symbols))
		for _, sym := range symbols {
			if err := p.pace.Wait(ctx); err != nil {
				return nil, err
			}
			out[sym] = p.fetchTicker(ctx, sym, true)
		}
		return out, nil

	default: // simulated
		out := make(domain.MarketData, len(symbols))
		for _, sym := range symbols {
			out[sym] = syntheticTicker(p.rng, sym)
		}
		// Fetch the real index price when possible so benchmark returns
		// track the actual market.
		if tk, err := p.fetchFromSources(ctx, p.benchmark); err == nil {
			out[p.benchmark] = tk
		}
		p.rememberPrices(out)
		return out, nil
	}
}

// NextIntradayMarketData produces the next tick's data from the previous
// snapshot. In realtime mode a prefetched result is consumed when
// supplied; missing symbols are filled synchronously.
func (p *Provider) NextIntradayMarketData(
	ctx context.Context,
	prev domain.MarketData,
	day int,
	intradayHour float64,
	prefetched *PrefetchResult,
) domain.MarketData {
	switch p.effectiveMode() {
	case domain.ModeHistorical:
		return p.historicalIntraday(prev, intradayHour)

	case domain.ModeRealtime:
		out := prev.Clone()
		if prefetched != nil {
			for sym, tk := range prefetched.MarketData {
				out[sym] = tk
			}
			for _, sym := range prefetched.MissingTickers {
				out[sym] = p.fetchTicker(ctx, sym, true)
			}
			return out
		}
		for sym := range prev {
			out[sym] = p.fetchTicker(ctx, sym, true)
		}
		return out

	default: // simulated
		out := prev.Clone()
		for sym, tk := range prev {
			if sym == p.benchmark {
				continue
			}
			delta := (p.rng.Float64()*2 - 1) * intradayWalkBound
			out[sym] = p.reanchor(tk, tk.Price*(1+delta))
		}
		// The benchmark price is always fetched live; on failure the
		// previous value carries over.
		if tk, err := p.fetchFromSources(ctx, p.benchmark); err == nil {
			out[p.benchmark] = tk
		}
		p.rememberPrices(out)
		return out
	}
}

// NextDayMarketData produces the first snapshot of a new trading day.
func (p *Provider) NextDayMarketData(ctx context.Context, prev domain.MarketData) domain.MarketData {
	switch p.effectiveMode() {
	case domain.ModeHistorical:
		p.histMu.Lock()
		if p.histIndex < historicalDays-1 {
			p.histIndex++
		}
		p.histMu.Unlock()
		return p.historicalSnapshot()

	case domain.ModeRealtime:
		out := prev.Clone()
		for sym := range prev {
			// Day boundaries bypass the cache.
			out[sym] = p.fetchTicker(ctx, sym, false)
		}
		return out

	default: // simulated
		out := prev.Clone()
		for sym, tk := range prev {
			delta := dailyTrend + p.rng.NormFloat64()*dailyVolatility
			price := tk.Price * (1 + delta)
			if price < dailyPriceFloor {
				price = dailyPriceFloor
			}
			change := price - tk.Price
			out[sym] = domain.Ticker{
				Symbol:             sym,
				Price:              price,
				DailyChange:        change,
				DailyChangePercent: change / tk.Price * 100,
				PERatio:            tk.PERatio,
				MarketCap:          tk.MarketCap,
				Sector:             tk.Sector,
			}
		}
		p.rememberPrices(out)
		return out
	}
}

// fetchTicker runs the full cascade for one symbol, consulting the TTL
// cache first when asked. It never fails: the synthetic fallback is the
// terminal source.
func (p *Provider) fetchTicker(ctx context.Context, symbol string, useCache bool) domain.Ticker {
	if useCache {
		if tk, ok := p.cache.Get(symbol); ok {
			p.telemetry.recordCacheHit()
			return tk
		}
	}

	tk, err := p.fetchFromSources(ctx, symbol)
	if err != nil {
		p.telemetry.recordSynthetic()
		p.telemetry.setLastSource(symbol, "synthetic")
		tk = syntheticTicker(p.rng, symbol)
	}

	p.cache.Put(tk)
	return tk
}

// fetchFromSources walks the cascade, stopping at the first success.
// Upstream errors are recorded per source and the cascade continues.
func (p *Provider) fetchFromSources(ctx context.Context, symbol string) (domain.Ticker, error) {
	if len(p.sources) == 0 {
		return domain.Ticker{}, fmt.Errorf("no sources configured for %s", symbol)
	}

	var lastErr error
	for i, src := range p.sources {
		if i == 0 && p.throttle != nil && p.effectiveMode() == domain.ModeRealtime {
			blocked, err := p.throttle.Wait(ctx)
			if err != nil {
				return domain.Ticker{}, err
			}
			if blocked {
				p.telemetry.recordBlocked()
				p.log.Debug().Str("symbol", symbol).Msg("Primary throttle blocked request")
			}
		}

		p.telemetry.recordRequest()
		tk, err := src.Quote(ctx, symbol)
		if err != nil {
			p.telemetry.recordError(src.Name())
			p.log.Debug().Err(err).Str("symbol", symbol).Str("source", src.Name()).Msg("Source failed, trying next")
			lastErr = err
			continue
		}
		if tk.Price <= 0 || tk.Price > maxSanePrice {
			p.telemetry.recordError(src.Name())
			lastErr = fmt.Errorf("%s: price %.2f out of range for %s", src.Name(), tk.Price, symbol)
			continue
		}
		p.checkJump(tk)
		p.telemetry.setLastSource(symbol, src.Name())
		return tk, nil
	}
	return domain.Ticker{}, lastErr
}

// checkJump logs suspicious moves without rejecting them.
func (p *Provider) checkJump(tk domain.Ticker) {
	p.priceMu.Lock()
	prev, ok := p.lastPrice[tk.Symbol]
	p.lastPrice[tk.Symbol] = tk.Price
	p.priceMu.Unlock()

	if ok && prev > 0 {
		jump := math.Abs(tk.Price-prev) / prev * 100
		if jump > jumpWarnPct {
			p.log.Warn().
				Str("symbol", tk.Symbol).
				Float64("prev", prev).
				Float64("price", tk.Price).
				Float64("jumpPct", jump).
				Msg("Price jump exceeds threshold")
		}
	}
	if math.Abs(tk.DailyChangePercent) > extremeDailyPct {
		p.log.Warn().
			Str("symbol", tk.Symbol).
			Float64("dailyChangePercent", tk.DailyChangePercent).
			Msg("Extreme daily change reported by source")
	}
}

func (p *Provider) rememberPrices(m domain.MarketData) {
	p.priceMu.Lock()
	for sym, tk := range m {
		p.lastPrice[sym] = tk.Price
	}
	p.priceMu.Unlock()
}

// reanchor rebuilds the daily-change fields of a ticker after an
// intraday move, keeping the same session open.
func (p *Provider) reanchor(prev domain.Ticker, newPrice float64) domain.Ticker {
	dayOpen := prev.Price
	if denom := 1 + prev.DailyChangePercent/100; denom > 0 {
		dayOpen = prev.Price / denom
	}
	change := newPrice - dayOpen
	pct := 0.0
	if dayOpen > 0 {
		pct = change / dayOpen * 100
	}
	out := prev
	out.Price = newPrice
	out.DailyChange = change
	out.DailyChangePercent = pct
	return out
}

// preloadHistory fetches a window of daily bars for every symbol from
// the primary source, falling back to synthetic series per symbol.
func (p *Provider) preloadHistory(ctx context.Context, symbols []string) error {
	p.histMu.Lock()
	defer p.histMu.Unlock()

	if p.histStart.IsZero() {
		return fmt.Errorf("historical mode requires a start date")
	}

	for _, sym := range symbols {
		var bars []DayBar
		if p.primary != nil {
			fetched, err := p.primary.DailyHistory(ctx, sym, p.histStart, historicalDays)
			if err != nil {
				p.telemetry.recordError(p.primary.Name())
				p.log.Warn().Err(err).Str("symbol", sym).Msg("Historical preload failed, using synthetic series")
			} else {
				bars = fetched
			}
		}
		if len(bars) == 0 {
			bars = p.syntheticBars(sym)
		}
		if len(bars) > historicalDays {
			bars = bars[:historicalDays]
		}
		p.histBars[sym] = bars
	}
	p.histIndex = 0
	return nil
}

// syntheticBars generates a plausible daily series when the source has
// no data for a symbol.
func (p *Provider) syntheticBars(symbol string) []DayBar {
	base := syntheticTicker(p.rng, symbol).Price
	bars := make([]DayBar, historicalDays)
	price := base
	for i := range bars {
		open := price
		close := open * (1 + dailyTrend + p.rng.NormFloat64()*dailyVolatility)
		if close < dailyPriceFloor {
			close = dailyPriceFloor
		}
		hi := math.Max(open, close) * 1.005
		lo := math.Min(open, close) * 0.995
		bars[i] = DayBar{
			Date:  p.histStart.AddDate(0, 0, i).Format("2006-01-02"),
			Open:  open,
			High:  hi,
			Low:   lo,
			Close: close,
		}
		price = close
	}
	return bars
}

// historicalSnapshot anchors every symbol to the current day's bar.
func (p *Provider) historicalSnapshot() domain.MarketData {
	p.histMu.Lock()
	defer p.histMu.Unlock()

	out := make(domain.MarketData, len(p.histBars))
	for sym, bars := range p.histBars {
		idx := p.histIndex
		if idx >= len(bars) {
			idx = len(bars) - 1
		}
		bar := bars[idx]
		prevClose := bar.Open
		if idx > 0 {
			prevClose = bars[idx-1].Close
		}
		change := bar.Open - prevClose
		pct := 0.0
		if prevClose > 0 {
			pct = change / prevClose * 100
		}
		out[sym] = domain.Ticker{
			Symbol:             sym,
			Price:              bar.Open,
			DailyChange:        change,
			DailyChangePercent: pct,
		}
	}
	return out
}

// historicalIntraday interpolates each symbol inside the current day's
// open-close range with a small stochastic drift.
func (p *Provider) historicalIntraday(prev domain.MarketData, intradayHour float64) domain.MarketData {
	p.histMu.Lock()
	idx := p.histIndex
	bars := make(map[string]DayBar, len(p.histBars))
	for sym, b := range p.histBars {
		i := idx
		if i >= len(b) {
			i = len(b) - 1
		}
		bars[sym] = b[i]
	}
	p.histMu.Unlock()

	frac := intradayHour / 6
	if frac > 1 {
		frac = 1
	}

	out := prev.Clone()
	for sym, tk := range prev {
		bar, ok := bars[sym]
		if !ok {
			continue
		}
		drift := p.rng.NormFloat64() * 0.001
		price := (bar.Open + (bar.Close-bar.Open)*frac) * (1 + drift)
		if price < 0.01 {
			price = 0.01
		}
		out[sym] = p.reanchor(tk, price)
	}
	return out
}

func (p *Provider) withBenchmark(symbols []string) []string {
	for _, s := range symbols {
		if s == p.benchmark {
			return symbols
		}
	}
	return append(append([]string(nil), symbols...), p.benchmark)
}
