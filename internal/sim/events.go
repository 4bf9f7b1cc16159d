// Package sim generates the synthetic forces that move the market: typed
// market events with decaying price impact, and the news feed derived from
// events, notable trades and large price moves.
//
// All randomness comes from the scheduler's per-tick deterministic stream,
// so a replay of a tick regenerates the same events.
package sim

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/google/uuid"

	"wallstreetsim/internal/config"
	"wallstreetsim/pkg/types"
)

// eventTemplate defines the envelope an event type is sampled from.
// Sectors limits which company sectors may roll the template; empty means
// any sector.
type eventTemplate struct {
	typ         types.EventType
	impactMin   float64
	impactMax   float64
	durationMin int64
	durationMax int64
	sectors     []string
	headline    string // fmt pattern with the company name
	sentiment   float64
}

var companyTemplates = []eventTemplate{
	{types.EventEarningsBeat, 0.02, 0.08, 5, 20, nil, "%s crushes earnings expectations", 0.6},
	{types.EventEarningsMiss, -0.08, -0.02, 5, 20, nil, "%s misses earnings, shares slide", -0.6},
	{types.EventFDAApproval, 0.05, 0.15, 10, 30, []string{"healthcare", "biotech"}, "FDA approves %s's flagship treatment", 0.8},
	{types.EventFDARejection, -0.15, -0.05, 10, 30, []string{"healthcare", "biotech"}, "FDA rejects %s's application", -0.8},
	{types.EventProductLaunch, 0.01, 0.06, 5, 15, []string{"technology", "consumer"}, "%s unveils next-generation product line", 0.5},
	{types.EventScandal, -0.12, -0.04, 10, 40, nil, "Scandal erupts at %s; executives under fire", -0.7},
	{types.EventMergerRumor, 0.03, 0.1, 5, 25, nil, "%s rumored to be acquisition target", 0.4},
	{types.EventAnalystUp, 0.01, 0.04, 3, 10, nil, "Analysts upgrade %s to strong buy", 0.3},
	{types.EventAnalystDown, -0.04, -0.01, 3, 10, nil, "Analysts downgrade %s on growth concerns", -0.3},
	{types.EventMemePump, 0.05, 0.25, 3, 12, nil, "Retail frenzy sends %s to the moon", 0.5},
}

var blackSwanHeadlines = []string{
	"Global markets reel as systemic shock spreads",
	"Flash crash wipes billions off the market in minutes",
	"Credit crisis fears trigger broad selloff",
	"Geopolitical shock sends investors fleeing to safety",
}

// EventGenerator rolls random market events each open-market tick.
type EventGenerator struct {
	cfg    config.EventsConfig
	logger *slog.Logger
}

// NewEventGenerator creates an event generator.
func NewEventGenerator(cfg config.EventsConfig, logger *slog.Logger) *EventGenerator {
	return &EventGenerator{cfg: cfg, logger: logger.With("component", "events")}
}

// Generate rolls the black-swan chance once and the base event chance per
// company, sampling impact and duration from the matching template.
func (g *EventGenerator) Generate(tick int64, companies []*types.Company, rng *rand.Rand) []types.MarketEvent {
	if !g.cfg.Enabled {
		return nil
	}

	var events []types.MarketEvent

	if rng.Float64() < g.cfg.BlackSwanChance {
		ev := types.MarketEvent{
			ID:       uuid.NewString(),
			Type:     types.EventBlackSwan,
			Impact:   -(0.1 + rng.Float64()*0.2),
			Duration: 20 + rng.Int63n(40),
			Tick:     tick,
			Headline: blackSwanHeadlines[rng.Intn(len(blackSwanHeadlines))],
		}
		events = append(events, ev)
		g.logger.Warn("black swan event", "impact", ev.Impact, "duration", ev.Duration)
	}

	for _, c := range companies {
		if rng.Float64() >= g.cfg.BaseEventChance {
			continue
		}
		tmpl, ok := pickTemplate(c.Sector, rng)
		if !ok {
			continue
		}
		ev := types.MarketEvent{
			ID:       uuid.NewString(),
			Type:     tmpl.typ,
			Symbol:   c.Symbol,
			Sector:   c.Sector,
			Impact:   tmpl.impactMin + rng.Float64()*(tmpl.impactMax-tmpl.impactMin),
			Duration: tmpl.durationMin + rng.Int63n(tmpl.durationMax-tmpl.durationMin+1),
			Tick:     tick,
			Headline: fmt.Sprintf(tmpl.headline, c.Name),
		}
		events = append(events, ev)
	}

	return events
}

// pickTemplate chooses uniformly among templates permitted for the sector.
func pickTemplate(sector string, rng *rand.Rand) (eventTemplate, bool) {
	allowed := make([]eventTemplate, 0, len(companyTemplates))
	for _, t := range companyTemplates {
		if len(t.sectors) == 0 {
			allowed = append(allowed, t)
			continue
		}
		for _, s := range t.sectors {
			if s == sector {
				allowed = append(allowed, t)
				break
			}
		}
	}
	if len(allowed) == 0 {
		return eventTemplate{}, false
	}
	return allowed[rng.Intn(len(allowed))], true
}

// templateSentiment returns the predetermined sentiment for an event type,
// used when deriving news from events.
func templateSentiment(typ types.EventType) float64 {
	for _, t := range companyTemplates {
		if t.typ == typ {
			return t.sentiment
		}
	}
	switch typ {
	case types.EventBlackSwan:
		return -0.9
	case types.EventRumor:
		return 0
	default:
		return 0
	}
}
