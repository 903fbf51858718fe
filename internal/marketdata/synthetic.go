package marketdata

import (
	"math/rand"
	"sync"

	"github.com/tradearena/arena/internal/domain"
)

// Expected price ranges for well-known symbols. Anything else defaults
// to defaultRange. Used for synthetic prices and as a sanity anchor.
var knownRanges = map[string][2]float64{
	"AAPL":  {150, 250},
	"MSFT":  {300, 500},
	"GOOGL": {120, 220},
	"AMZN":  {120, 240},
	"NVDA":  {400, 1400},
	"META":  {300, 700},
	"TSLA":  {150, 450},
	"AMD":   {80, 220},
	"NFLX":  {350, 750},
	"SPY":   {400, 650},
	"QQQ":   {350, 550},
	"JPM":   {130, 260},
	"V":     {220, 320},
	"BRK.B": {300, 500},
}

var defaultRange = [2]float64{50, 300}

// rng wraps a seeded random source behind a mutex so provider methods can
// draw concurrently. Tests inject a fixed seed for determinism.
type rng struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newRNG(seed int64) *rng {
	return &rng{r: rand.New(rand.NewSource(seed))}
}

func (g *rng) Float64() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.r.Float64()
}

func (g *rng) NormFloat64() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.r.NormFloat64()
}

// inRange draws a uniform price inside [lo, hi).
func (g *rng) inRange(lo, hi float64) float64 {
	return lo + g.Float64()*(hi-lo)
}

// syntheticTicker generates a price within the symbol's expected range.
// This is the terminal fallback of the source cascade: it never fails.
func syntheticTicker(g *rng, symbol string) domain.Ticker {
	r, ok := knownRanges[symbol]
	if !ok {
		r = defaultRange
	}
	price := g.inRange(r[0], r[1])
	changePct := (g.Float64()*2 - 1) * 2 // within ±2%
	change := price * changePct / 100
	return domain.Ticker{
		Symbol:             symbol,
		Price:              price,
		DailyChange:        change,
		DailyChangePercent: changePct,
	}
}
