package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/tradearena/arena/internal/domain"
)

// Source is one upstream quote provider in the cascade.
type Source interface {
	Name() string
	Quote(ctx context.Context, symbol string) (domain.Ticker, error)
}

// HistorySource additionally serves daily OHLC bars. Only the primary
// source implements it.
type HistorySource interface {
	Source
	DailyHistory(ctx context.Context, symbol string, start time.Time, days int) ([]DayBar, error)
}

// DayBar is one daily OHLC bar.
type DayBar struct {
	Date  string  `json:"date"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// SourceConfig configures one REST source.
type SourceConfig struct {
	Name       string
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RateWindow time.Duration
	RateMax    int
}

// restSource fetches quotes from a JSON HTTP API. Every source carries
// its own rolling window counter.
type restSource struct {
	name    string
	client  *resty.Client
	apiKey  string
	limiter *windowLimiter
	log     zerolog.Logger
}

func newRESTSource(cfg SourceConfig, log zerolog.Logger) *restSource {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(0)

	return &restSource{
		name:    cfg.Name,
		client:  client,
		apiKey:  cfg.APIKey,
		limiter: newWindowLimiter(cfg.RateWindow, cfg.RateMax),
		log:     log.With().Str("source", cfg.Name).Logger(),
	}
}

func (s *restSource) Name() string { return s.name }

type quoteResponse struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	PERatio       float64 `json:"peRatio"`
	MarketCap     float64 `json:"marketCap"`
	Sector        string  `json:"sector"`
}

// Quote fetches a single symbol snapshot. The source's window counter is
// consumed before the request is made.
func (s *restSource) Quote(ctx context.Context, symbol string) (domain.Ticker, error) {
	if !s.limiter.Allow() {
		return domain.Ticker{}, fmt.Errorf("%s: %w", s.name, ErrRateLimited)
	}

	var out quoteResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("apikey", s.apiKey).
		SetResult(&out).
		Get("/quote")
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("%s quote %s: %w", s.name, symbol, err)
	}
	if resp.IsError() {
		return domain.Ticker{}, fmt.Errorf("%s quote %s: status %d", s.name, symbol, resp.StatusCode())
	}
	if out.Price <= 0 {
		return domain.Ticker{}, fmt.Errorf("%s quote %s: missing price", s.name, symbol)
	}

	return domain.Ticker{
		Symbol:             symbol,
		Price:              out.Price,
		DailyChange:        out.Change,
		DailyChangePercent: out.ChangePercent,
		PERatio:            out.PERatio,
		MarketCap:          out.MarketCap,
		Sector:             out.Sector,
	}, nil
}

// DailyHistory fetches daily OHLC bars starting at the given date.
func (s *restSource) DailyHistory(ctx context.Context, symbol string, start time.Time, days int) ([]DayBar, error) {
	if !s.limiter.Allow() {
		return nil, fmt.Errorf("%s: %w", s.name, ErrRateLimited)
	}

	var out struct {
		Bars []DayBar `json:"bars"`
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("start", start.Format("2006-01-02")).
		SetQueryParam("days", strconv.Itoa(days)).
		SetQueryParam("apikey", s.apiKey).
		SetResult(&out).
		Get("/history/daily")
	if err != nil {
		return nil, fmt.Errorf("%s history %s: %w", s.name, symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%s history %s: status %d", s.name, symbol, resp.StatusCode())
	}
	if len(out.Bars) == 0 {
		return nil, fmt.Errorf("%s history %s: empty", s.name, symbol)
	}
	return out.Bars, nil
}
