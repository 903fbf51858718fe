package engine

import (
	"fmt"
	"sort"

	"github.com/tradearena/arena/internal/advisor"
	"github.com/tradearena/arena/internal/domain"
)

// executeTrades runs the agent's decided trades against the current
// market data. Sells execute before buys so proceeds can fund purchases
// in the same window. Returns the executed trades and the failures fed
// into the next round's context.
//
// Invariants enforced here: cash never goes negative, sells are capped
// at held quantity (never overshoot), zero-quantity positions are
// removed, and average cost is value-weighted across buys.
func executeTrades(agent *domain.Agent, intents []advisor.TradeIntent, m domain.MarketData, ts float64) ([]domain.Trade, []domain.FailedTrade) {
	ordered := append([]advisor.TradeIntent(nil), intents...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Side == domain.SideSell && ordered[j].Side != domain.SideSell
	})

	var executed []domain.Trade
	var failed []domain.FailedTrade

	for _, intent := range ordered {
		if intent.Quantity <= 0 {
			continue
		}
		tk, ok := m[intent.Symbol]
		if !ok || tk.Price <= 0 {
			// No current price: skip this trade only.
			continue
		}

		switch intent.Side {
		case domain.SideBuy:
			if tr, ft := executeBuy(agent, intent, tk.Price, ts); ft != nil {
				failed = append(failed, *ft)
			} else {
				executed = append(executed, tr)
			}
		case domain.SideSell:
			if tr, ft := executeSell(agent, intent, tk.Price, ts); ft != nil {
				failed = append(failed, *ft)
			} else {
				executed = append(executed, tr)
			}
		}
	}

	return executed, failed
}

func fee(notional float64) float64 {
	f := notional * domain.FeeRate
	if f < domain.MinFee {
		f = domain.MinFee
	}
	return f
}

func executeBuy(agent *domain.Agent, intent advisor.TradeIntent, price, ts float64) (domain.Trade, *domain.FailedTrade) {
	notional := float64(intent.Quantity) * price
	f := fee(notional)
	cost := notional + f

	if agent.Portfolio.Cash < cost {
		return domain.Trade{}, &domain.FailedTrade{
			Symbol:   intent.Symbol,
			Side:     domain.SideBuy,
			Quantity: intent.Quantity,
			Reason:   fmt.Sprintf("Insufficient cash: need $%.2f including fees, have $%.2f", cost, agent.Portfolio.Cash),
		}
	}

	agent.Portfolio.Cash -= cost

	pos := agent.Portfolio.Positions[intent.Symbol]
	oldQty := pos.Quantity
	newQty := oldQty + intent.Quantity
	pos.Symbol = intent.Symbol
	pos.AverageCost = (pos.AverageCost*float64(oldQty) + notional) / float64(newQty)
	pos.Quantity = newQty
	if intent.FairValue != nil {
		pos.LastFairValue = intent.FairValue
	}
	if intent.TopOfBox != nil {
		pos.LastTopOfBox = intent.TopOfBox
	}
	if intent.BottomOfBox != nil {
		pos.LastBottomOfBox = intent.BottomOfBox
	}
	if agent.Portfolio.Positions == nil {
		agent.Portfolio.Positions = make(map[string]domain.Position)
	}
	agent.Portfolio.Positions[intent.Symbol] = pos

	trade := domain.Trade{
		Symbol:         intent.Symbol,
		Side:           domain.SideBuy,
		Quantity:       intent.Quantity,
		ExecutionPrice: price,
		Timestamp:      ts,
		Fee:            f,
		FairValue:      intent.FairValue,
		TopOfBox:       intent.TopOfBox,
		BottomOfBox:    intent.BottomOfBox,
		Justification:  intent.Justification,
	}
	agent.TradeHistory = append(agent.TradeHistory, trade)
	return trade, nil
}

func executeSell(agent *domain.Agent, intent advisor.TradeIntent, price, ts float64) (domain.Trade, *domain.FailedTrade) {
	pos, held := agent.Portfolio.Positions[intent.Symbol]
	if !held || pos.Quantity <= 0 {
		return domain.Trade{}, &domain.FailedTrade{
			Symbol:   intent.Symbol,
			Side:     domain.SideSell,
			Quantity: intent.Quantity,
			Reason:   fmt.Sprintf("No position in %s to sell", intent.Symbol),
		}
	}

	// Partial fills are allowed, overshoot is not.
	qty := intent.Quantity
	if qty > pos.Quantity {
		qty = pos.Quantity
	}

	notional := float64(qty) * price
	f := fee(notional)
	net := notional - f
	if agent.Portfolio.Cash+net < 0 {
		return domain.Trade{}, &domain.FailedTrade{
			Symbol:   intent.Symbol,
			Side:     domain.SideSell,
			Quantity: intent.Quantity,
			Reason:   fmt.Sprintf("Proceeds of $%.2f would not cover the $%.2f fee", notional, f),
		}
	}

	agent.Portfolio.Cash += net

	pos.Quantity -= qty
	if pos.Quantity == 0 {
		delete(agent.Portfolio.Positions, intent.Symbol)
	} else {
		agent.Portfolio.Positions[intent.Symbol] = pos
	}

	trade := domain.Trade{
		Symbol:         intent.Symbol,
		Side:           domain.SideSell,
		Quantity:       qty,
		ExecutionPrice: price,
		Timestamp:      ts,
		Fee:            f,
		FairValue:      intent.FairValue,
		TopOfBox:       intent.TopOfBox,
		BottomOfBox:    intent.BottomOfBox,
		Justification:  intent.Justification,
	}
	agent.TradeHistory = append(agent.TradeHistory, trade)
	return trade, nil
}
