package marketdata

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tradearena/arena/internal/domain"
)

// PrefetchBudget bounds a prefetch run. The run is designed never to
// exceed Interval of wall clock; Guard is headroom reserved for the
// consumer of the result.
type PrefetchBudget struct {
	Interval  time.Duration
	Guard     time.Duration
	BatchSize int
	MinPause  time.Duration
}

// PrefetchResult carries the fetched snapshot plus the symbols no source
// could serve. Missing symbols are filled synchronously by the consumer.
type PrefetchResult struct {
	MarketData     domain.MarketData
	MissingTickers []string
	Duration       time.Duration
}

// Prefetch overlaps the next tick's fetch with the current tick's
// compute. Symbols are fetched in concurrent batches; between batches
// the remaining budget is spread evenly, never pausing less than
// MinPause. Unlike fetchTicker, prefetch does not synthesize prices:
// a symbol every source fails on is reported as missing.
func (p *Provider) Prefetch(ctx context.Context, symbols []string, budget PrefetchBudget) PrefetchResult {
	start := time.Now()

	batchSize := budget.BatchSize
	if batchSize <= 0 {
		batchSize = 5
	}

	result := PrefetchResult{MarketData: make(domain.MarketData, len(symbols))}
	var mu sync.Mutex

	batches := chunkSymbols(symbols, batchSize)
	for bi, batch := range batches {
		g, gctx := errgroup.WithContext(ctx)
		for _, sym := range batch {
			sym := sym
			g.Go(func() error {
				tk, err := p.fetchFromSources(gctx, sym)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.MissingTickers = append(result.MissingTickers, sym)
					return nil
				}
				result.MarketData[sym] = tk
				p.cache.Put(tk)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			break
		}
		if ctx.Err() != nil {
			break
		}

		if remaining := len(batches) - 1 - bi; remaining > 0 {
			elapsed := time.Since(start)
			pause := (budget.Interval - budget.Guard - elapsed) / time.Duration(remaining)
			if pause < budget.MinPause {
				pause = budget.MinPause
			}
			if !sleepCtx(ctx, pause) {
				break
			}
		}
	}

	result.Duration = time.Since(start)
	if budget.Interval > 0 && result.Duration > budget.Interval {
		p.telemetry.recordPrefetchOverrun()
		p.log.Warn().
			Dur("duration", result.Duration).
			Dur("budget", budget.Interval).
			Int("symbols", len(symbols)).
			Msg("Prefetch exceeded its wall-clock budget")
	}
	return result
}

func chunkSymbols(symbols []string, size int) [][]string {
	var out [][]string
	for len(symbols) > size {
		out = append(out, symbols[:size])
		symbols = symbols[size:]
	}
	if len(symbols) > 0 {
		out = append(out, symbols)
	}
	return out
}

// sleepCtx sleeps for d unless the context is cancelled first. Reports
// whether the full sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
