package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tradearena/arena/internal/advisor"
	"github.com/tradearena/arena/internal/chat"
	"github.com/tradearena/arena/internal/domain"
	"github.com/tradearena/arena/internal/portfolio"
)

// fallbackReply is posted when an agent that had messages errors out.
const fallbackReply = "Sorry, I couldn't get to your message this round."

// agentOutcome pairs an agent with its advisor decision for this round.
type agentOutcome struct {
	agent *domain.Agent
	msgs  []domain.ChatMessage
	dec   advisor.Decision
}

// TradeWindow runs one full trading round: deliver chat, fan out advisor
// calls with pacing, execute trades, refresh metrics and memory, apply
// replies, and recompute benchmarks. One agent never blocks the round:
// timeouts and errors collapse to an empty decision for that agent.
func (e *Engine) TradeWindow(ctx context.Context, snap *domain.SimulationSnapshot) error {
	roundID := chat.FormatRoundID(snap.Day, snap.IntradayHour)
	ts := e.timestampFor(snap)

	chatEnabled := snap.Chat.Config.Enabled
	if chatEnabled {
		if n := e.chat.DeliverPending(&snap.Chat, roundID); n > 0 {
			e.log.Debug().Int("messages", n).Str("round", roundID).Msg("Delivered pending chat messages")
		}
	}

	outcomes := e.decideAll(ctx, snap, roundID)
	e.applyOutcomes(snap, outcomes, roundID, ts)

	e.updateBenchmarks(snap, ts)
	snap.LastUpdated = e.now()
	return ctx.Err()
}

// DayAdvance closes the day: same execution rules as a trade window but
// with the day incremented, the intraday clock reset, and no chat
// delivery step.
func (e *Engine) DayAdvance(ctx context.Context, snap *domain.SimulationSnapshot, m domain.MarketData) error {
	snap.MarketData = m
	snap.Day++
	snap.IntradayHour = 0
	ts := e.timestampFor(snap)
	roundID := chat.FormatRoundID(snap.Day, 0)

	outcomes := e.decideAll(ctx, snap, roundID)
	e.applyOutcomes(snap, outcomes, roundID, ts)

	e.updateBenchmarks(snap, ts)
	e.advanceDate(snap)
	snap.LastUpdated = e.now()
	return ctx.Err()
}

// decideAll fans out one advisor call per agent. With spacing configured
// the calls run strictly serially with a per-step sleep; otherwise a
// worker pool bounded by MaxConcurrent runs them in parallel.
func (e *Engine) decideAll(ctx context.Context, snap *domain.SimulationSnapshot, roundID string) []agentOutcome {
	n := len(snap.Agents)
	outcomes := make([]agentOutcome, n)
	if n == 0 {
		return outcomes
	}

	chatEnabled := snap.Chat.Config.Enabled
	for i, agent := range snap.Agents {
		var msgs []domain.ChatMessage
		if chatEnabled {
			msgs = e.chat.MessagesForAgent(&snap.Chat, agent.ID, roundID)
		}
		outcomes[i] = agentOutcome{agent: agent, msgs: msgs}
	}

	reqs := make([]advisor.Request, n)
	for i, o := range outcomes {
		reqs[i] = advisor.Request{
			Agent:      o.agent.Clone(),
			MarketData: snap.MarketData.Clone(),
			Day:        snap.Day,
			Chat: advisor.ChatContext{
				Enabled:        chatEnabled,
				Messages:       o.msgs,
				MaxReplyLength: snap.Chat.Config.MaxMessageLength,
				HistoricalMode: snap.Mode == domain.ModeHistorical,
			},
			FailedTrades: append([]domain.FailedTrade(nil), o.agent.Memory.FailedTrades...),
		}
	}

	if spacing := e.spacingFor(n); spacing > 0 {
		for i := range reqs {
			start := e.now()
			outcomes[i].dec = e.decideOne(ctx, reqs[i])
			if i < n-1 {
				e.sleep(ctx, spacing-e.now().Sub(start))
			}
		}
		return outcomes
	}

	limit := e.cfg.MaxConcurrent
	if limit <= 0 {
		limit = n
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i := range reqs {
		i := i
		g.Go(func() error {
			outcomes[i].dec = e.decideOne(ctx, reqs[i])
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// spacingFor resolves the effective inter-agent spacing.
func (e *Engine) spacingFor(agents int) time.Duration {
	spacing := e.cfg.RequestSpacing
	if spacing == 0 && e.cfg.AutoSpacing && e.cfg.TickInterval > 0 && agents > 0 {
		spacing = e.cfg.TickInterval / time.Duration(agents)
	}
	if spacing > 0 && spacing < e.cfg.MinRequestSpacing {
		spacing = e.cfg.MinRequestSpacing
	}
	return spacing
}

// decideOne calls the advisor with the per-call timeout. Any failure,
// including a panic, collapses to an empty decision with a diagnostic
// rationale so the round continues.
func (e *Engine) decideOne(ctx context.Context, req advisor.Request) advisor.Decision {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	dec, err := func() (d advisor.Decision, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("advisor panic: %v", r)
			}
		}()
		return e.advisor.Decide(cctx, req)
	}()
	if err != nil {
		e.log.Warn().Err(err).Str("agent", req.Agent.ID).Msg("Advisor call failed, continuing round")
		d := advisor.Decision{Rationale: fmt.Sprintf("Trade advisor unavailable this round: %v", err)}
		if req.Chat.Enabled && len(req.Chat.Messages) > 0 {
			d.Reply = fallbackReply
		}
		return d
	}
	return dec
}

// applyOutcomes executes each agent's trades serially, refreshes metrics
// and memory, and applies chat replies.
func (e *Engine) applyOutcomes(snap *domain.SimulationSnapshot, outcomes []agentOutcome, roundID string, ts float64) {
	tol := tradeTolerance(snap.Mode)
	chatEnabled := snap.Chat.Config.Enabled

	for _, o := range outcomes {
		agent := o.agent

		executed, failed := executeTrades(agent, o.dec.Trades, snap.MarketData, ts)
		if len(failed) > 0 {
			e.log.Info().
				Str("agent", agent.ID).
				Int("failed", len(failed)).
				Msg("Some trades could not execute")
		}

		daily := tradesNear(agent, ts, tol)
		pm := portfolio.ComputeMetrics(agent.Portfolio, snap.MarketData, agent.PerformanceHistory, ts, snap.IntradayHour, daily)
		agent.PerformanceHistory = append(agent.PerformanceHistory, pm)

		if o.dec.Rationale != "" {
			if agent.RationaleHistory == nil {
				agent.RationaleHistory = make(map[string]string)
			}
			agent.RationaleHistory[dayKey(snap.Day)] = o.dec.Rationale
			agent.Memory.LastRationales = lastStrings(append(agent.Memory.LastRationales, o.dec.Rationale), domain.MemoryRationales)
		}
		agent.Memory.LastTrades = lastTrades(append(agent.Memory.LastTrades, executed...), domain.MemoryTrades)
		agent.Memory.PastPerformance = lastMetrics(append(agent.Memory.PastPerformance, pm), domain.MemoryPerformance)
		agent.Memory.FailedTrades = failed

		if !chatEnabled {
			continue
		}

		// Agent replies need at least one user message this round,
		// except in historical mode where agent-originated chat is
		// permitted.
		allowed := len(o.msgs) > 0 || snap.Mode == domain.ModeHistorical
		replied := false
		if allowed && o.dec.Reply != "" {
			senders := make([]string, 0, len(o.msgs))
			for _, m := range o.msgs {
				senders = append(senders, m.Sender)
			}
			replied = e.chat.ApplyReply(&snap.Chat, agent.ID, agent.Name, roundID, o.dec.Reply, senders, e.now())
		}
		if len(o.msgs) > 0 {
			if replied {
				e.chat.MarkResponded(&snap.Chat, agent.ID, roundID)
			} else {
				e.chat.MarkIgnored(&snap.Chat, agent.ID, roundID)
			}
		}
	}

	if chatEnabled {
		if n := e.chat.CloseRound(&snap.Chat); n > 0 {
			e.log.Debug().Int("messages", n).Str("round", roundID).Msg("Closed out undelivered chat messages")
		}
	}
}
