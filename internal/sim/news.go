// news.go derives the public news feed.
//
// Three triggers produce articles — market events, trades above a value
// threshold, and price moves above a percent threshold — plus an occasional
// market-analysis piece. Sentiment is in [-1, 1] and flows back into the
// price engine on the next tick.
package sim

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"wallstreetsim/internal/config"
	"wallstreetsim/pkg/types"
)

// NewsGenerator renders articles from structured triggers.
type NewsGenerator struct {
	cfg    config.EventsConfig
	logger *slog.Logger
}

// NewNewsGenerator creates a news generator.
func NewNewsGenerator(cfg config.EventsConfig, logger *slog.Logger) *NewsGenerator {
	return &NewsGenerator{cfg: cfg, logger: logger.With("component", "news")}
}

// Generate produces this tick's articles from events, notable trades and
// notable price moves, with an occasional analysis roll.
func (g *NewsGenerator) Generate(
	tick int64,
	events []types.MarketEvent,
	trades []types.Trade,
	updates []types.PriceUpdate,
	rng *rand.Rand,
) []types.NewsArticle {
	var articles []types.NewsArticle

	for _, ev := range events {
		a := types.NewsArticle{
			ID:        uuid.NewString(),
			Tick:      tick,
			Headline:  ev.Headline,
			Content:   fmt.Sprintf("%s (impact horizon: %d ticks)", ev.Headline, ev.Duration),
			Category:  "event",
			Sentiment: templateSentiment(ev.Type),
			CreatedAt: time.Now().UTC(),
		}
		if ev.Symbol != "" {
			a.Symbols = []string{ev.Symbol}
		}
		articles = append(articles, a)
	}

	for _, t := range trades {
		value := t.Price * t.Quantity
		if value < g.cfg.TradeNewsValue {
			continue
		}
		sentiment := 0.2
		articles = append(articles, types.NewsArticle{
			ID:        uuid.NewString(),
			Tick:      tick,
			Headline:  fmt.Sprintf("Block trade: %.0f shares of %s change hands at %.2f", t.Quantity, t.Symbol, t.Price),
			Content:   fmt.Sprintf("A single print worth %.0f crossed the tape in %s.", value, t.Symbol),
			Category:  "trade",
			Sentiment: sentiment,
			Symbols:   []string{t.Symbol},
			AgentIDs:  []string{t.BuyerAgentID, t.SellerAgentID},
			CreatedAt: time.Now().UTC(),
		})
	}

	for _, u := range updates {
		if abs(u.ChangePercent) < g.cfg.PriceMoveNewsPct {
			continue
		}
		direction := "surges"
		sentiment := 0.5
		if u.ChangePercent < 0 {
			direction = "plunges"
			sentiment = -0.5
		}
		articles = append(articles, types.NewsArticle{
			ID:        uuid.NewString(),
			Tick:      tick,
			Headline:  fmt.Sprintf("%s %s %.1f%% to %.2f", u.Symbol, direction, abs(u.ChangePercent), u.Price),
			Content:   fmt.Sprintf("%s moved from %.2f to %.2f this tick on volume of %.0f.", u.Symbol, u.OldPrice, u.Price, u.Volume),
			Category:  "price_move",
			Sentiment: sentiment,
			Symbols:   []string{u.Symbol},
			CreatedAt: time.Now().UTC(),
		})
	}

	if g.cfg.AnalysisChance > 0 && rng.Float64() < g.cfg.AnalysisChance {
		articles = append(articles, g.analysis(tick, updates, rng))
	}

	return articles
}

// analysis renders a market-wide commentary piece from this tick's breadth.
func (g *NewsGenerator) analysis(tick int64, updates []types.PriceUpdate, rng *rand.Rand) types.NewsArticle {
	up := 0
	for _, u := range updates {
		if u.ChangePercent > 0 {
			up++
		}
	}
	breadth := 0.0
	if len(updates) > 0 {
		breadth = float64(up) / float64(len(updates))
	}

	headline := "Markets mixed as traders weigh order flow"
	sentiment := 0.0
	switch {
	case breadth > 0.7:
		headline = "Broad rally lifts most of the market"
		sentiment = 0.4
	case breadth < 0.3:
		headline = "Selling pressure dominates across the board"
		sentiment = -0.4
	}

	return types.NewsArticle{
		ID:        uuid.NewString(),
		Tick:      tick,
		Headline:  headline,
		Content:   fmt.Sprintf("%d of %d symbols advanced this tick.", up, len(updates)),
		Category:  "analysis",
		Sentiment: sentiment,
		CreatedAt: time.Now().UTC(),
	}
}

// InvestigationNews renders the public article that accompanies an
// investigation lifecycle transition, with the predetermined sentiment for
// each stage.
func InvestigationNews(tick int64, agentName string, alert types.InvestigationAlert) types.NewsArticle {
	var headline string
	var sentiment float64
	switch alert.State {
	case types.CaseOpen:
		headline = fmt.Sprintf("SEC opens inquiry into %s over suspected %s", agentName, alert.Crime)
		sentiment = -0.3
	case types.CaseActive:
		headline = fmt.Sprintf("SEC investigation into %s intensifies", agentName)
		sentiment = -0.4
	case types.CaseCharged:
		headline = fmt.Sprintf("%s formally charged with %s", agentName, alert.Crime)
		sentiment = -0.6
	case types.CaseTrial:
		headline = fmt.Sprintf("Trial begins for %s", agentName)
		sentiment = -0.5
	case types.CaseConvicted:
		headline = fmt.Sprintf("%s convicted of %s; sentenced to %d years", agentName, alert.Crime, alert.SentenceYears)
		sentiment = -0.8
	case types.CaseAcquitted:
		headline = fmt.Sprintf("%s acquitted of all charges", agentName)
		sentiment = 0.3
	case types.CaseSettled:
		headline = fmt.Sprintf("%s settles %s case for %.0f", agentName, alert.Crime, alert.Fine)
		sentiment = -0.2
	}

	return types.NewsArticle{
		ID:        uuid.NewString(),
		Tick:      tick,
		Headline:  headline,
		Content:   alert.Message,
		Category:  "investigation",
		Sentiment: sentiment,
		AgentIDs:  []string{alert.AgentID},
		CreatedAt: time.Now().UTC(),
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
