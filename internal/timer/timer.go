// Package timer computes the next trade-window instant for read-only
// consumers such as the countdown endpoint.
package timer

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradearena/arena/internal/clock"
	"github.com/tradearena/arena/internal/domain"
)

// Config mirrors the scheduler's timing settings.
type Config struct {
	Mode domain.Mode
	// TickInterval is the wall-clock price-tick period.
	TickInterval time.Duration
	// TradeInterval is the wall-clock trade-window period in realtime
	// mode. In accelerated modes its Hours() value is the cadence on
	// the market-hours clock.
	TradeInterval time.Duration
	// MinutesPerTick is how many market minutes one accelerated tick
	// represents.
	MinutesPerTick float64
}

// Status is the wire shape of GET /api/timer. The countdown is never
// negative.
type Status struct {
	CountdownSeconds         float64 `json:"countdownSeconds"`
	NextTradeWindowTimestamp int64   `json:"nextTradeWindowTimestamp"`
	NextTradeWindowISO       string  `json:"nextTradeWindowISO"`
}

// Service answers "when is the next trade window" from a snapshot.
type Service struct {
	cfg Config
	now func() time.Time
	log zerolog.Logger
}

// New creates a timer service.
func New(cfg Config, log zerolog.Logger) *Service {
	return &Service{
		cfg: cfg,
		now: time.Now,
		log: log.With().Str("component", "timer").Logger(),
	}
}

// CadenceHours is the trade-window cadence on the market-hours clock.
func (s *Service) CadenceHours() float64 {
	if h := s.cfg.TradeInterval.Hours(); h > 0 {
		return h
	}
	if s.cfg.Mode == domain.ModeRealtime {
		return 0.5
	}
	return 2
}

// NextTradeWindow computes the next window instant for the snapshot.
func (s *Service) NextTradeWindow(snap *domain.SimulationSnapshot) Status {
	now := s.now()

	var next time.Time
	if snap != nil && snap.Mode == domain.ModeRealtime {
		next = s.nextRealtimeWindow(now)
	} else {
		next = s.nextAcceleratedWindow(now, snap)
	}

	countdown := next.Sub(now).Seconds()
	if countdown < 0 {
		countdown = 0
	}
	return Status{
		CountdownSeconds:         countdown,
		NextTradeWindowTimestamp: next.UnixMilli(),
		NextTradeWindowISO:       next.UTC().Format(time.RFC3339),
	}
}

// nextRealtimeWindow aligns windows to TradeInterval boundaries from the
// session open; outside market hours the first window of the next
// session applies.
func (s *Service) nextRealtimeWindow(now time.Time) time.Time {
	interval := s.cfg.TradeInterval
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	if !clock.IsMarketOpen(now) {
		open, err := clock.NextMarketOpen(now)
		if err != nil {
			return now.Add(interval)
		}
		return open.Add(interval)
	}

	et := clock.ToET(now)
	open, err := clock.MarketOpenET(et.Year(), et.Month(), et.Day())
	if err != nil {
		return now.Add(interval)
	}
	elapsed := now.Sub(open)
	periods := math.Floor(elapsed.Seconds()/interval.Seconds()) + 1
	return open.Add(time.Duration(periods) * interval)
}

// nextAcceleratedWindow converts the market-hours distance to the next
// cadence multiple into wall-clock time using the tick speed.
func (s *Service) nextAcceleratedWindow(now time.Time, snap *domain.SimulationSnapshot) time.Time {
	cadence := s.cfg.TradeInterval.Hours()
	if cadence <= 0 {
		cadence = 2
	}

	hour := 0.0
	if snap != nil {
		hour = snap.IntradayHour
	}
	nextHour := (math.Floor(hour/cadence) + 1) * cadence
	if nextHour > domain.MarketHoursPerDay {
		// The day-advance window closes the session.
		nextHour = domain.MarketHoursPerDay
	}

	minutesPerTick := s.cfg.MinutesPerTick
	if minutesPerTick <= 0 {
		minutesPerTick = 30
	}
	tick := s.cfg.TickInterval
	if tick <= 0 {
		tick = 30 * time.Second
	}

	// Wall-clock seconds for one market hour at the configured speed.
	secondsPerMarketHour := tick.Seconds() / (minutesPerTick / 60)
	wait := (nextHour - hour) * secondsPerMarketHour
	if wait < 0 {
		wait = 0
	}
	return now.Add(time.Duration(wait * float64(time.Second)))
}
