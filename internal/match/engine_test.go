package match

import (
	"log/slog"
	"os"
	"testing"

	"wallstreetsim/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEngine(symbols ...string) *Engine {
	e := NewEngine(testLogger())
	for _, s := range symbols {
		e.AddSymbol(s)
	}
	return e
}

func order(id, agent string, side types.Side, typ types.OrderType, qty, limit float64) *types.Order {
	return &types.Order{
		ID:         id,
		AgentID:    agent,
		Symbol:     "ACME",
		Side:       side,
		Type:       typ,
		Quantity:   qty,
		LimitPrice: limit,
		Status:     types.OrderPending,
	}
}

func TestSubmitCrossesSpreadAtRestingPrice(t *testing.T) {
	t.Parallel()
	e := testEngine("ACME")
	e.SetTick(7)

	sell := order("s1", "alice", types.SELL, types.OrderLimit, 10, 100)
	e.Submit(sell)
	if sell.Status != types.OrderOpen {
		t.Fatalf("resting sell status = %s, want open", sell.Status)
	}

	buy := order("b1", "bob", types.BUY, types.OrderLimit, 10, 105)
	res := e.Submit(buy)

	if len(res.Fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(res.Fills))
	}
	f := res.Fills[0]
	if f.Price != 100 {
		t.Fatalf("fill price = %v, want the resting price 100", f.Price)
	}
	if f.BuyerAgentID != "bob" || f.SellerAgentID != "alice" {
		t.Fatalf("fill parties = %s/%s", f.BuyerAgentID, f.SellerAgentID)
	}
	if f.Tick != 7 {
		t.Fatalf("fill tick = %d, want 7", f.Tick)
	}
	if buy.Status != types.OrderFilled || buy.AvgFillPrice != 100 {
		t.Fatalf("incoming status=%s avg=%v, want filled at 100", buy.Status, buy.AvgFillPrice)
	}
	if touch := res.Resting["s1"]; touch == nil || touch.FilledQty != 10 || touch.AvgPrice != 100 {
		t.Fatalf("resting touch = %+v", touch)
	}
}

func TestSubmitPartialFillRestsResidue(t *testing.T) {
	t.Parallel()
	e := testEngine("ACME")

	e.Submit(order("s1", "alice", types.SELL, types.OrderLimit, 4, 100))
	buy := order("b1", "bob", types.BUY, types.OrderLimit, 10, 100)
	res := e.Submit(buy)

	if buy.Status != types.OrderPartial {
		t.Fatalf("status = %s, want partial", buy.Status)
	}
	if res.Remaining != 6 {
		t.Fatalf("remaining = %v, want 6", res.Remaining)
	}
	best := e.Book("ACME").BestBid()
	if best == nil || best.Price != 100 || best.Quantity != 6 {
		t.Fatalf("residue did not rest: %+v", best)
	}
}

func TestSubmitWalksLevelsWithPriceTimePriority(t *testing.T) {
	t.Parallel()
	e := testEngine("ACME")

	e.Submit(order("s-cheap", "alice", types.SELL, types.OrderLimit, 5, 99))
	e.Submit(order("s-first", "carol", types.SELL, types.OrderLimit, 5, 100))
	e.Submit(order("s-second", "dave", types.SELL, types.OrderLimit, 5, 100))

	buy := order("b1", "bob", types.BUY, types.OrderLimit, 12, 100)
	res := e.Submit(buy)

	if len(res.Fills) != 3 {
		t.Fatalf("fills = %d, want 3", len(res.Fills))
	}
	// best price first, then FIFO at the shared level
	if res.Fills[0].SellOrderID != "s-cheap" || res.Fills[0].Price != 99 {
		t.Fatalf("first fill = %+v", res.Fills[0])
	}
	if res.Fills[1].SellOrderID != "s-first" {
		t.Fatalf("second fill = %+v, want s-first (time priority)", res.Fills[1])
	}
	if res.Fills[2].SellOrderID != "s-second" || res.Fills[2].Quantity != 2 {
		t.Fatalf("third fill = %+v", res.Fills[2])
	}

	wantAvg := (5*99.0 + 7*100.0) / 12.0
	if buy.AvgFillPrice != wantAvg {
		t.Fatalf("avg fill = %v, want %v", buy.AvgFillPrice, wantAvg)
	}
}

func TestMarketOrderWithoutLiquidityStaysPending(t *testing.T) {
	t.Parallel()
	e := testEngine("ACME")

	mkt := order("m1", "bob", types.BUY, types.OrderMarket, 10, 0)
	res := e.Submit(mkt)

	if mkt.Status != types.OrderPending {
		t.Fatalf("status = %s, want pending for retry", mkt.Status)
	}
	if res.Remaining != 10 || len(res.Fills) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSubmitUnknownSymbolIsNoOp(t *testing.T) {
	t.Parallel()
	e := testEngine("ACME")

	o := order("x1", "bob", types.BUY, types.OrderLimit, 10, 100)
	o.Symbol = "NOPE"
	res := e.Submit(o)

	if len(res.Fills) != 0 || res.Remaining != 10 {
		t.Fatalf("unexpected result for unknown symbol: %+v", res)
	}
	if o.Status != types.OrderPending {
		t.Fatalf("order mutated: status = %s", o.Status)
	}
}

func TestLimitDoesNotCrossThroughItsPrice(t *testing.T) {
	t.Parallel()
	e := testEngine("ACME")

	e.Submit(order("s1", "alice", types.SELL, types.OrderLimit, 5, 101))
	buy := order("b1", "bob", types.BUY, types.OrderLimit, 5, 100)
	res := e.Submit(buy)

	if len(res.Fills) != 0 {
		t.Fatalf("limit 100 must not trade against ask 101")
	}
	if buy.Status != types.OrderOpen {
		t.Fatalf("status = %s, want open", buy.Status)
	}
}

func TestCancelScansBooks(t *testing.T) {
	t.Parallel()
	e := testEngine("ACME", "BETA")

	o := order("s1", "alice", types.SELL, types.OrderLimit, 5, 100)
	e.Submit(o)

	got := e.Cancel("s1")
	if got == nil || got.Status != types.OrderCancelled {
		t.Fatalf("cancel = %+v", got)
	}
	if e.Cancel("s1") != nil {
		t.Fatal("second cancel should find nothing")
	}
}

func TestLadderShapesAroundMid(t *testing.T) {
	t.Parallel()
	orders := Ladder("ACME", 100, 0.2, 3, 100, 5)
	if len(orders) != 6 {
		t.Fatalf("orders = %d, want 6", len(orders))
	}

	var bids, asks int
	for _, o := range orders {
		if o.AgentID != MakerAgentID {
			t.Fatalf("ladder order owned by %s", o.AgentID)
		}
		switch o.Side {
		case types.BUY:
			bids++
			if o.LimitPrice >= 100 {
				t.Fatalf("bid at %v is not below mid", o.LimitPrice)
			}
		case types.SELL:
			asks++
			if o.LimitPrice <= 100 {
				t.Fatalf("ask at %v is not above mid", o.LimitPrice)
			}
		}
	}
	if bids != 3 || asks != 3 {
		t.Fatalf("bids/asks = %d/%d, want 3/3", bids, asks)
	}

	// quantities taper: 100, 80, 64
	if orders[0].Quantity != 100 || orders[2].Quantity != 80 || orders[4].Quantity != 64 {
		t.Fatalf("taper = %v %v %v", orders[0].Quantity, orders[2].Quantity, orders[4].Quantity)
	}
}

func TestLadderSkipsSubPennyBids(t *testing.T) {
	t.Parallel()
	orders := Ladder("ACME", 0.03, 0.5, 5, 100, 0)
	for _, o := range orders {
		if o.Side == types.BUY && o.LimitPrice < 0.01 {
			t.Fatalf("bid below the floor: %v", o.LimitPrice)
		}
	}
}
