// Package sec implements market-surveillance detection and the
// investigation lifecycle.
//
// The detector scans each tick's trades for suspicious patterns and emits
// violations; each violation opens (or reinforces) an investigation on the
// implicated agent. Investigations then advance through a monotone state
// machine on elapsed-tick thresholds:
//
//	open → active → charged → trial → {convicted, acquitted, settled}
//
// Every transition produces an InvestigationAlert for the agent and a
// public news article with predetermined sentiment.
package sec

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"wallstreetsim/internal/config"
	"wallstreetsim/pkg/types"
)

// Detector scans trades for violations. It holds no cross-tick state; the
// evidence trail lives on the investigations themselves.
type Detector struct {
	cfg    config.SECConfig
	logger *slog.Logger
}

// NewDetector creates a detector.
func NewDetector(cfg config.SECConfig, logger *slog.Logger) *Detector {
	return &Detector{cfg: cfg, logger: logger.With("component", "sec")}
}

// Scan inspects one tick's trades against this tick's events and price
// moves and returns the detected violations.
func (d *Detector) Scan(
	tick int64,
	trades []types.Trade,
	events []types.MarketEvent,
	updates []types.PriceUpdate,
	companies []*types.Company,
) []types.Violation {
	var out []types.Violation
	out = append(out, d.washTrades(tick, trades)...)
	out = append(out, d.manipulation(tick, trades, updates)...)
	out = append(out, d.insiderTrades(tick, trades, events)...)
	out = append(out, d.accountingFraud(tick, trades, companies)...)
	return out
}

// washTrades flags self-crossing: the same agent on both sides of a fill.
func (d *Detector) washTrades(tick int64, trades []types.Trade) []types.Violation {
	var out []types.Violation
	for _, t := range trades {
		if t.BuyerAgentID != t.SellerAgentID || t.Quantity < d.cfg.WashMinQty {
			continue
		}
		out = append(out, types.Violation{
			ID:      uuid.NewString(),
			AgentID: t.BuyerAgentID,
			Crime:   types.CrimeWashTrading,
			Tick:    tick,
			Detail:  fmt.Sprintf("self-cross of %.0f %s at %.2f", t.Quantity, t.Symbol, t.Price),
			Weight:  1.0,
		})
	}
	return out
}

// manipulation flags an agent who dominates a symbol's tick volume while
// its price moves sharply.
func (d *Detector) manipulation(tick int64, trades []types.Trade, updates []types.PriceUpdate) []types.Violation {
	moves := make(map[string]float64)
	for _, u := range updates {
		moves[u.Symbol] = u.ChangePercent
	}

	// volume per (symbol, agent) counting both sides
	symbolVol := make(map[string]float64)
	agentVol := make(map[string]map[string]float64)
	for _, t := range trades {
		symbolVol[t.Symbol] += t.Quantity
		if agentVol[t.Symbol] == nil {
			agentVol[t.Symbol] = make(map[string]float64)
		}
		agentVol[t.Symbol][t.BuyerAgentID] += t.Quantity
		agentVol[t.Symbol][t.SellerAgentID] += t.Quantity
	}

	var out []types.Violation
	for symbol, agents := range agentVol {
		move := moves[symbol]
		if abs(move) < d.cfg.ManipMinMovePct || symbolVol[symbol] == 0 {
			continue
		}
		for agent, vol := range agents {
			share := vol / symbolVol[symbol]
			if share < d.cfg.ManipVolumeShare {
				continue
			}
			out = append(out, types.Violation{
				ID:      uuid.NewString(),
				AgentID: agent,
				Crime:   types.CrimeMarketManipulation,
				Tick:    tick,
				Detail:  fmt.Sprintf("%.0f%% of %s volume while price moved %.1f%%", share*100, symbol, move),
				Weight:  share,
			})
		}
	}
	return out
}

// insiderTrades flags large positions taken in a symbol on the same tick a
// high-impact event lands on it.
func (d *Detector) insiderTrades(tick int64, trades []types.Trade, events []types.MarketEvent) []types.Violation {
	impacted := make(map[string]float64)
	for _, e := range events {
		if e.Symbol != "" && abs(e.Impact) >= d.cfg.InsiderMinImpact {
			impacted[e.Symbol] = e.Impact
		}
	}
	if len(impacted) == 0 {
		return nil
	}

	var out []types.Violation
	for _, t := range trades {
		impact, ok := impacted[t.Symbol]
		if !ok {
			continue
		}
		value := t.Price * t.Quantity
		if value < d.cfg.InsiderMinValue {
			continue
		}
		// The profiting side is suspicious: buyer on good news, seller on bad.
		agent := t.BuyerAgentID
		if impact < 0 {
			agent = t.SellerAgentID
		}
		out = append(out, types.Violation{
			ID:      uuid.NewString(),
			AgentID: agent,
			Crime:   types.CrimeInsiderTrading,
			Tick:    tick,
			Detail:  fmt.Sprintf("%.0f position in %s on event tick (impact %.2f)", value, t.Symbol, impact),
			Weight:  1.5,
		})
	}
	return out
}

// accountingFraud flags a CEO dumping meaningful size of their own company.
func (d *Detector) accountingFraud(tick int64, trades []types.Trade, companies []*types.Company) []types.Violation {
	ceoOf := make(map[string]string) // agent id → symbol
	for _, c := range companies {
		if c.CEOAgentID != "" {
			ceoOf[c.CEOAgentID] = c.Symbol
		}
	}
	if len(ceoOf) == 0 {
		return nil
	}

	var out []types.Violation
	for _, t := range trades {
		symbol, ok := ceoOf[t.SellerAgentID]
		if !ok || symbol != t.Symbol {
			continue
		}
		if t.Price*t.Quantity < d.cfg.InsiderMinValue {
			continue
		}
		out = append(out, types.Violation{
			ID:      uuid.NewString(),
			AgentID: t.SellerAgentID,
			Crime:   types.CrimeAccountingFraud,
			Tick:    tick,
			Detail:  fmt.Sprintf("CEO sold %.0f of own company %s", t.Price*t.Quantity, symbol),
			Weight:  2.0,
		})
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
