package price

import (
	"log/slog"
	"math"
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

func testMarketConfig() config.MarketConfig {
	return config.MarketConfig{
		MaxChangePerTick: 0.1,
		PriceFloor:       0.01,
		AgentWeight:      1.0,
		RandomWeight:     1.0,
		SectorWeight:     1.0,
		TicksPerYear:     10000,
	}
}

func testCompany(symbol string, price float64) types.Company {
	return types.Company{
		ID:                symbol,
		Symbol:            symbol,
		Name:              symbol + " Corp",
		Sector:            "technology",
		Price:             price,
		SharesOutstanding: 1_000_000,
		Volatility:        0.3,
		Beta:              1.0,
		TradingStatus:     types.TradingActive,
	}
}

func trade(symbol string, price, qty float64) types.Trade {
	return types.Trade{
		ID: "t", Symbol: symbol, Price: price, Quantity: qty,
		BuyerAgentID: "b", SellerAgentID: "s", Timestamp: time.Now(),
	}
}

func TestStepClampsExtremeEventImpact(t *testing.T) {
	t.Parallel()
	p := NewEngine(testMarketConfig(), testLogger())
	p.Load([]types.Company{testCompany("ACME", 100)})
	p.AddEvent(types.MarketEvent{
		ID: "ev", Type: types.EventBlackSwan, Impact: -5, Duration: 10, Tick: 1,
	})

	updates := p.Step(1, nil, rand.New(rand.NewSource(1)))
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	u := updates[0]
	if u.Price < 100*0.9-0.01 {
		t.Fatalf("price %v fell more than the 10%% clamp", u.Price)
	}
	if u.Price >= 100 {
		t.Fatalf("price %v did not fall under a massive negative event", u.Price)
	}
}

func TestStepEnforcesPriceFloor(t *testing.T) {
	t.Parallel()
	p := NewEngine(testMarketConfig(), testLogger())
	c := testCompany("ACME", 0.01)
	p.Load([]types.Company{c})
	p.AddEvent(types.MarketEvent{ID: "ev", Type: types.EventScandal, Symbol: "ACME", Impact: -1, Duration: 10, Tick: 1})

	u := p.Step(1, nil, rand.New(rand.NewSource(3)))[0]
	if u.Price < 0.01 {
		t.Fatalf("price %v fell through the floor", u.Price)
	}
}

func TestStepIsDeterministicForSameSeed(t *testing.T) {
	t.Parallel()

	run := func() []types.PriceUpdate {
		p := NewEngine(testMarketConfig(), testLogger())
		p.Load([]types.Company{testCompany("ACME", 100), testCompany("BETA", 50)})
		var out []types.PriceUpdate
		for tick := int64(1); tick <= 5; tick++ {
			out = p.Step(tick, nil, rand.New(rand.NewSource(42^tick)))
		}
		return out
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	prices := make(map[string]float64)
	for _, u := range a {
		prices[u.Symbol] = u.Price
	}
	for _, u := range b {
		if prices[u.Symbol] != u.Price {
			t.Fatalf("%s diverged: %v vs %v", u.Symbol, prices[u.Symbol], u.Price)
		}
	}
}

func TestBuyPressurePushesPriceUp(t *testing.T) {
	t.Parallel()
	cfg := testMarketConfig()
	cfg.RandomWeight = 0 // isolate the agent term
	p := NewEngine(cfg, testLogger())
	p.Load([]types.Company{testCompany("ACME", 100)})

	// every trade at/above the current price: pure buy aggression
	trades := []types.Trade{trade("ACME", 100, 5000), trade("ACME", 101, 5000)}
	u := p.Step(1, trades, rand.New(rand.NewSource(1)))[0]

	if u.AgentBps <= 0 {
		t.Fatalf("agent driver = %v bps, want positive", u.AgentBps)
	}
	if u.Price <= 100 {
		t.Fatalf("price = %v, want above 100", u.Price)
	}
}

func TestMomentumEMAAndSessionHighLow(t *testing.T) {
	t.Parallel()
	p := NewEngine(testMarketConfig(), testLogger())
	p.Load([]types.Company{testCompany("ACME", 100)})

	for tick := int64(1); tick <= 10; tick++ {
		p.Step(tick, nil, rand.New(rand.NewSource(9^tick)))
	}
	c := p.Company("ACME")
	if c.HighPrice < c.LowPrice {
		t.Fatalf("high %v < low %v", c.HighPrice, c.LowPrice)
	}
	if c.Price > c.HighPrice || (c.LowPrice > 0 && c.Price < c.LowPrice) {
		t.Fatalf("price %v outside [%v, %v]", c.Price, c.LowPrice, c.HighPrice)
	}
	if math.Abs(c.Momentum) > 0.1 {
		t.Fatalf("momentum %v implausibly large", c.Momentum)
	}
}

func TestEventImpactDecaysAndExpires(t *testing.T) {
	t.Parallel()
	p := NewEngine(testMarketConfig(), testLogger())
	p.Load([]types.Company{testCompany("ACME", 100)})
	p.AddEvent(types.MarketEvent{ID: "ev", Type: types.EventEarningsBeat, Symbol: "ACME", Impact: 0.1, Duration: 4, Tick: 0})

	if p.HasActiveBlackSwan(1) {
		t.Fatal("earnings event misclassified as black swan")
	}

	early := p.eventImpact(p.Company("ACME"), 1)
	late := p.eventImpact(p.Company("ACME"), 3)
	if early <= late {
		t.Fatalf("impact did not decay: early %v late %v", early, late)
	}

	if got := len(p.ActiveEvents(4)); got != 0 {
		t.Fatalf("events active past duration: %d", got)
	}
}

func TestSectorScopedEventCountsPartially(t *testing.T) {
	t.Parallel()
	p := NewEngine(testMarketConfig(), testLogger())
	direct := testCompany("ACME", 100)
	peer := testCompany("BETA", 100)
	p.Load([]types.Company{direct, peer})
	p.AddEvent(types.MarketEvent{
		ID: "ev", Type: types.EventProductLaunch,
		Symbol: "ACME", Sector: "technology",
		Impact: 0.1, Duration: 10, Tick: 0,
	})

	di := p.eventImpact(p.Company("ACME"), 1)
	pi := p.eventImpact(p.Company("BETA"), 1)
	if pi <= 0 || di <= 0 {
		t.Fatalf("impacts = %v / %v, want both positive", di, pi)
	}
	if pi >= di {
		t.Fatalf("sector spillover %v should be weaker than direct hit %v", pi, di)
	}
}

func TestResetSessionRestartsHighLow(t *testing.T) {
	t.Parallel()
	p := NewEngine(testMarketConfig(), testLogger())
	p.Load([]types.Company{testCompany("ACME", 100)})
	p.Step(1, nil, rand.New(rand.NewSource(5)))

	p.ResetSession()
	c := p.Company("ACME")
	if c.OpenPrice != c.Price || c.HighPrice != c.Price || c.LowPrice != c.Price {
		t.Fatalf("session not reset: open=%v high=%v low=%v price=%v", c.OpenPrice, c.HighPrice, c.LowPrice, c.Price)
	}
}
