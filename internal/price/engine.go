// Package price implements the composite per-tick price model.
//
// Each tick, every symbol's return is a weighted blend of four drivers:
//
//	r = w_a·agentPressure + w_r·randomWalk + w_s·sectorCorr + eventImpact
//
//   - agentPressure: signed buy/sell imbalance from this tick's trades,
//     scaled by volatility and relative volume.
//   - randomWalk: one geometric-Brownian draw with the symbol's volatility
//     and zero drift, from the scheduler's per-tick deterministic stream.
//   - sectorCorr: the symbol's beta times its sector's running performance.
//   - eventImpact: active market events decaying linearly over their
//     duration; sector-scoped events count at 30% of a direct hit.
//
// The total return is clamped to ±MaxChangePerTick, the new price floored
// at PriceFloor and rounded to 2 decimals. The engine also maintains the
// per-symbol running state: session high/low, momentum EMA and the
// manipulation score that feeds SEC detection.
//
// Owned and mutated only by the tick scheduler; no locks.
package price

import (
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"wallstreetsim/internal/config"
	"wallstreetsim/pkg/types"
)

type sectorState struct {
	performance float64 // running EMA of member returns, in percent
	volatility  float64 // average member volatility
}

// Engine holds the in-memory company state, sector aggregates and the set
// of active market events.
type Engine struct {
	cfg       config.MarketConfig
	companies map[string]*types.Company
	symbols   []string // sorted; fixes the order RNG draws are assigned in
	sectors   map[string]*sectorState
	events    []*types.MarketEvent
	logger    *slog.Logger
}

// NewEngine creates a price engine with no companies loaded.
func NewEngine(cfg config.MarketConfig, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		companies: make(map[string]*types.Company),
		sectors:   make(map[string]*sectorState),
		logger:    logger.With("component", "price"),
	}
}

// Load replaces the in-memory company state (called once at boot from the
// store's durable rows).
func (p *Engine) Load(companies []types.Company) {
	p.companies = make(map[string]*types.Company, len(companies))
	p.symbols = p.symbols[:0]
	for i := range companies {
		c := companies[i]
		p.companies[c.Symbol] = &c
		p.symbols = append(p.symbols, c.Symbol)
		if _, ok := p.sectors[c.Sector]; !ok {
			p.sectors[c.Sector] = &sectorState{}
		}
	}
	sort.Strings(p.symbols)
	p.refreshSectorVolatility()
}

// Company returns the live state for a symbol, or nil.
func (p *Engine) Company(symbol string) *types.Company { return p.companies[symbol] }

// Companies returns every company in sorted-symbol order, so callers that
// consume the per-tick RNG stream see a stable assignment of draws.
func (p *Engine) Companies() []*types.Company {
	out := make([]*types.Company, 0, len(p.symbols))
	for _, sym := range p.symbols {
		out = append(out, p.companies[sym])
	}
	return out
}

// SetSentiment feeds aggregated news sentiment into a symbol's state.
func (p *Engine) SetSentiment(symbol string, sentiment float64) {
	if c, ok := p.companies[symbol]; ok {
		c.Sentiment = sentiment
	}
}

// AddEvent registers an active market event.
func (p *Engine) AddEvent(ev types.MarketEvent) {
	e := ev
	p.events = append(p.events, &e)
}

// ActiveEvents returns events that have not expired at the given tick.
func (p *Engine) ActiveEvents(tick int64) []types.MarketEvent {
	out := make([]types.MarketEvent, 0, len(p.events))
	for _, e := range p.events {
		if !e.Expired(tick) {
			out = append(out, *e)
		}
	}
	return out
}

// HasActiveBlackSwan reports whether a black-swan event is still decaying.
func (p *Engine) HasActiveBlackSwan(tick int64) bool {
	for _, e := range p.events {
		if e.Type == types.EventBlackSwan && !e.Expired(tick) {
			return true
		}
	}
	return false
}

// ResetSession marks a new trading session: open/high/low restart from the
// current price.
func (p *Engine) ResetSession() {
	for _, c := range p.companies {
		c.OpenPrice = c.Price
		c.HighPrice = c.Price
		c.LowPrice = c.Price
	}
}

// Step advances every symbol one tick and returns the per-symbol updates
// with their driver breakdowns (basis-point units). trades are this tick's
// fills; rng is the scheduler's per-tick deterministic stream.
func (p *Engine) Step(tick int64, trades []types.Trade, rng *rand.Rand) []types.PriceUpdate {
	p.dropExpiredEvents(tick)

	bySymbol := make(map[string][]types.Trade)
	for _, t := range trades {
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}

	updates := make([]types.PriceUpdate, 0, len(p.companies))
	sectorReturns := make(map[string][]float64)

	for _, sym := range p.symbols {
		c := p.companies[sym]
		agent := p.agentPressure(c, bySymbol[c.Symbol])
		random := p.randomWalk(c, rng)
		sector := p.sectorCorr(c)
		event := p.eventImpact(c, tick)

		r := p.cfg.AgentWeight*agent + p.cfg.RandomWeight*random + p.cfg.SectorWeight*sector + event
		r = clamp(r, -p.cfg.MaxChangePerTick, p.cfg.MaxChangePerTick)

		old := c.Price
		next := round2(old * (1 + r))
		if next < p.cfg.PriceFloor {
			next = p.cfg.PriceFloor
		}

		c.PrevClose = old
		c.Price = next
		if next > c.HighPrice {
			c.HighPrice = next
		}
		if c.LowPrice == 0 || next < c.LowPrice {
			c.LowPrice = next
		}
		c.MarketCap = next * c.SharesOutstanding

		ret := 0.0
		if old > 0 {
			ret = next/old - 1
		}
		c.Momentum = 0.9*c.Momentum + 0.1*ret
		c.ManipulationScore *= 0.99
		if math.Abs(agent) > 0.02 {
			c.ManipulationScore += math.Abs(agent)
		}

		var volume float64
		for _, t := range bySymbol[c.Symbol] {
			volume += t.Quantity
		}

		updates = append(updates, types.PriceUpdate{
			Symbol:        c.Symbol,
			OldPrice:      old,
			Price:         next,
			Change:        round2(next - old),
			ChangePercent: ret * 100,
			Volume:        volume,
			AgentBps:      agent * 10000,
			RandomBps:     random * 10000,
			SectorBps:     sector * 10000,
			EventBps:      event * 10000,
		})
		sectorReturns[c.Sector] = append(sectorReturns[c.Sector], ret*100)
	}

	p.updateSectors(sectorReturns)
	return updates
}

// agentPressure partitions this tick's trade value into buy-aggressive
// (trade at or above the current price) and sell-aggressive, computes the
// imbalance and scales it by volatility and relative volume. Zero when the
// symbol did not trade.
func (p *Engine) agentPressure(c *types.Company, trades []types.Trade) float64 {
	if len(trades) == 0 {
		return 0
	}

	var buyVal, sellVal float64
	for _, t := range trades {
		value := t.Price * t.Quantity
		if t.Price >= c.Price {
			buyVal += value
		} else {
			sellVal += value
		}
	}

	total := buyVal + sellVal
	if total == 0 {
		return 0
	}
	imbalance := (buyVal - sellVal) / total

	sessionValue := c.SharesOutstanding * 0.01 * c.Price
	volumeRatio := 1.0
	if sessionValue > 0 {
		volumeRatio = math.Min(1, total/sessionValue)
	}

	return imbalance * c.Volatility * 10 * (0.5 + volumeRatio)
}

// randomWalk draws one zero-drift GBM return at the symbol's volatility,
// scaled to a single tick.
func (p *Engine) randomWalk(c *types.Company, rng *rand.Rand) float64 {
	sigma := c.Volatility / math.Sqrt(float64(p.cfg.TicksPerYear))
	return sigma*rng.NormFloat64() - 0.5*sigma*sigma
}

func (p *Engine) sectorCorr(c *types.Company) float64 {
	s, ok := p.sectors[c.Sector]
	if !ok {
		return 0
	}
	return (s.performance / 100) * c.Beta * 0.5
}

// eventImpact sums the decayed impact of every active event touching the
// symbol directly or through its sector, scaled by volatility.
func (p *Engine) eventImpact(c *types.Company, tick int64) float64 {
	var sum float64
	for _, e := range p.events {
		if e.Expired(tick) {
			continue
		}
		direct := e.Symbol == c.Symbol && e.Symbol != ""
		sectoral := e.Sector == c.Sector && e.Sector != ""
		global := e.Symbol == "" && e.Sector == ""
		if !direct && !sectoral && !global {
			continue
		}

		decay := 1 - float64(tick-e.Tick)/float64(e.Duration)
		if decay < 0 {
			decay = 0
		}
		scope := 0.3
		if direct || global {
			scope = 1.0
		}
		sum += e.Impact * decay * scope
	}
	return sum * c.Volatility * 5
}

func (p *Engine) dropExpiredEvents(tick int64) {
	kept := p.events[:0]
	for _, e := range p.events {
		if !e.Expired(tick) {
			kept = append(kept, e)
		}
	}
	p.events = kept
}

// updateSectors folds this tick's member returns into each sector's running
// performance EMA.
func (p *Engine) updateSectors(returns map[string][]float64) {
	for sector, rets := range returns {
		s, ok := p.sectors[sector]
		if !ok {
			continue
		}
		var avg float64
		for _, r := range rets {
			avg += r
		}
		avg /= float64(len(rets))
		s.performance = 0.8*s.performance + 0.2*avg
	}
}

func (p *Engine) refreshSectorVolatility() {
	counts := make(map[string]int)
	sums := make(map[string]float64)
	for _, c := range p.companies {
		counts[c.Sector]++
		sums[c.Sector] += c.Volatility
	}
	for sector, s := range p.sectors {
		if counts[sector] > 0 {
			s.volatility = sums[sector] / float64(counts[sector])
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
