package sim

import (
	"log/slog"
	"math/rand"
	"os"
	"testing"
	"time"

	"wallstreetsim/internal/config"
	"wallstreetsim/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEventsConfig() config.EventsConfig {
	return config.EventsConfig{
		Enabled:          true,
		BlackSwanChance:  0,
		BaseEventChance:  1, // every company rolls an event
		TradeNewsValue:   100000,
		PriceMoveNewsPct: 5.0,
	}
}

func testCompanies() []*types.Company {
	return []*types.Company{
		{Symbol: "ACME", Name: "Acme", Sector: "technology"},
		{Symbol: "CURE", Name: "Cure Labs", Sector: "biotech"},
	}
}

func TestGenerateRespectsSectorRestrictions(t *testing.T) {
	t.Parallel()
	g := NewEventGenerator(testEventsConfig(), testLogger())

	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 200; i++ {
		for _, ev := range g.Generate(int64(i), testCompanies(), rng) {
			if ev.Type != types.EventFDAApproval && ev.Type != types.EventFDARejection {
				continue
			}
			if ev.Symbol != "CURE" {
				t.Fatalf("FDA event rolled for %s, only biotech is eligible", ev.Symbol)
			}
		}
	}
}

func TestGenerateEventShapes(t *testing.T) {
	t.Parallel()
	g := NewEventGenerator(testEventsConfig(), testLogger())

	events := g.Generate(10, testCompanies(), rand.New(rand.NewSource(1)))
	if len(events) != 2 {
		t.Fatalf("events = %d, want one per company at chance 1", len(events))
	}
	for _, ev := range events {
		if ev.Tick != 10 || ev.Duration <= 0 || ev.Impact == 0 || ev.Headline == "" {
			t.Fatalf("malformed event: %+v", ev)
		}
	}
}

func TestGenerateDisabledProducesNothing(t *testing.T) {
	t.Parallel()
	cfg := testEventsConfig()
	cfg.Enabled = false
	g := NewEventGenerator(cfg, testLogger())
	if evs := g.Generate(1, testCompanies(), rand.New(rand.NewSource(1))); len(evs) != 0 {
		t.Fatalf("disabled generator produced %d events", len(evs))
	}
}

func TestGenerateIsDeterministicForSameSeed(t *testing.T) {
	t.Parallel()
	g := NewEventGenerator(testEventsConfig(), testLogger())

	a := g.Generate(5, testCompanies(), rand.New(rand.NewSource(7)))
	b := g.Generate(5, testCompanies(), rand.New(rand.NewSource(7)))
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Type != b[i].Type || a[i].Impact != b[i].Impact || a[i].Duration != b[i].Duration {
			t.Fatalf("event %d diverged: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestNewsFromEventsCarriesTemplateSentiment(t *testing.T) {
	t.Parallel()
	g := NewNewsGenerator(testEventsConfig(), testLogger())

	events := []types.MarketEvent{{
		ID: "ev", Type: types.EventEarningsMiss, Symbol: "ACME",
		Headline: "Acme misses earnings, shares slide", Duration: 10, Tick: 3,
	}}
	articles := g.Generate(3, events, nil, nil, rand.New(rand.NewSource(1)))
	if len(articles) != 1 {
		t.Fatalf("articles = %d, want 1", len(articles))
	}
	a := articles[0]
	if a.Category != "event" || a.Sentiment != -0.6 {
		t.Fatalf("article = %+v, want event category with sentiment -0.6", a)
	}
	if len(a.Symbols) != 1 || a.Symbols[0] != "ACME" {
		t.Fatalf("symbols = %v", a.Symbols)
	}
}

func TestNewsThresholds(t *testing.T) {
	t.Parallel()
	g := NewNewsGenerator(testEventsConfig(), testLogger())

	trades := []types.Trade{
		{Symbol: "ACME", Price: 100, Quantity: 10, BuyerAgentID: "a", SellerAgentID: "b", Timestamp: time.Now()},   // 1k: below
		{Symbol: "ACME", Price: 100, Quantity: 2000, BuyerAgentID: "a", SellerAgentID: "b", Timestamp: time.Now()}, // 200k: above
	}
	updates := []types.PriceUpdate{
		{Symbol: "ACME", OldPrice: 100, Price: 102, ChangePercent: 2},   // below
		{Symbol: "BETA", OldPrice: 100, Price: 92, ChangePercent: -8},   // above
	}

	articles := g.Generate(1, nil, trades, updates, rand.New(rand.NewSource(1)))
	var tradeNews, moveNews int
	for _, a := range articles {
		switch a.Category {
		case "trade":
			tradeNews++
		case "price_move":
			moveNews++
			if a.Sentiment != -0.5 {
				t.Fatalf("down move sentiment = %v, want -0.5", a.Sentiment)
			}
		}
	}
	if tradeNews != 1 || moveNews != 1 {
		t.Fatalf("trade/move articles = %d/%d, want 1/1", tradeNews, moveNews)
	}
}

func TestInvestigationNewsSentiments(t *testing.T) {
	t.Parallel()
	cases := []struct {
		state     types.InvestigationState
		sentiment float64
	}{
		{types.CaseOpen, -0.3},
		{types.CaseActive, -0.4},
		{types.CaseCharged, -0.6},
		{types.CaseTrial, -0.5},
		{types.CaseConvicted, -0.8},
		{types.CaseAcquitted, 0.3},
		{types.CaseSettled, -0.2},
	}
	for _, tc := range cases {
		a := InvestigationNews(9, "Gordon", types.InvestigationAlert{
			AgentID: "g1", Crime: types.CrimeInsiderTrading, State: tc.state,
		})
		if a.Sentiment != tc.sentiment {
			t.Fatalf("%s sentiment = %v, want %v", tc.state, a.Sentiment, tc.sentiment)
		}
		if a.Category != "investigation" || len(a.AgentIDs) != 1 {
			t.Fatalf("malformed article for %s: %+v", tc.state, a)
		}
	}
}
