package book

import (
	"testing"

	"wallstreetsim/pkg/types"
)

func limitOrder(id string, side types.Side, price, qty float64) *types.Order {
	return &types.Order{
		ID:         id,
		AgentID:    "agent-" + id,
		Symbol:     "ACME",
		Side:       side,
		Type:       types.OrderLimit,
		Quantity:   qty,
		LimitPrice: price,
		Status:     types.OrderOpen,
	}
}

func TestInsertSortsBidsDescendingAsksAscending(t *testing.T) {
	t.Parallel()
	b := New("ACME")
	b.Insert(limitOrder("b1", types.BUY, 10, 5))
	b.Insert(limitOrder("b2", types.BUY, 12, 5))
	b.Insert(limitOrder("b3", types.BUY, 11, 5))
	b.Insert(limitOrder("a1", types.SELL, 15, 5))
	b.Insert(limitOrder("a2", types.SELL, 13, 5))
	b.Insert(limitOrder("a3", types.SELL, 14, 5))

	bids := b.Bids()
	if bids[0].Price != 12 || bids[1].Price != 11 || bids[2].Price != 10 {
		t.Fatalf("bids out of order: %v %v %v", bids[0].Price, bids[1].Price, bids[2].Price)
	}
	asks := b.Asks()
	if asks[0].Price != 13 || asks[1].Price != 14 || asks[2].Price != 15 {
		t.Fatalf("asks out of order: %v %v %v", asks[0].Price, asks[1].Price, asks[2].Price)
	}
}

func TestInsertAggregatesSamePriceFIFO(t *testing.T) {
	t.Parallel()
	b := New("ACME")
	b.Insert(limitOrder("first", types.BUY, 10, 5))
	b.Insert(limitOrder("second", types.BUY, 10, 3))

	bids := b.Bids()
	if len(bids) != 1 {
		t.Fatalf("expected one level, got %d", len(bids))
	}
	l := bids[0]
	if l.Quantity != 8 {
		t.Fatalf("level quantity = %v, want 8", l.Quantity)
	}
	if l.Head().ID != "first" {
		t.Fatalf("head = %s, want first", l.Head().ID)
	}
}

func TestReducePopsExhaustedHeadAndDropsEmptyLevel(t *testing.T) {
	t.Parallel()
	b := New("ACME")
	b.Insert(limitOrder("a1", types.SELL, 13, 4))
	b.Insert(limitOrder("a2", types.SELL, 13, 6))

	level := b.BestAsk()
	b.Reduce(types.SELL, level, 4)
	if got := level.Head().ID; got != "a2" {
		t.Fatalf("head after exhausting a1 = %s, want a2", got)
	}
	if level.Quantity != 6 {
		t.Fatalf("level quantity = %v, want 6", level.Quantity)
	}

	b.Reduce(types.SELL, level, 6)
	if b.BestAsk() != nil {
		t.Fatal("expected empty ask side after draining the level")
	}
}

func TestCancelRemovesOrderAndMaybeLevel(t *testing.T) {
	t.Parallel()
	b := New("ACME")
	b.Insert(limitOrder("b1", types.BUY, 10, 5))
	b.Insert(limitOrder("b2", types.BUY, 10, 3))

	o := b.Cancel("b1")
	if o == nil || o.ID != "b1" {
		t.Fatalf("cancel returned %v, want b1", o)
	}
	if b.BestBid().Quantity != 3 {
		t.Fatalf("level quantity = %v, want 3", b.BestBid().Quantity)
	}

	if b.Cancel("missing") != nil {
		t.Fatal("cancel of unknown id should return nil")
	}
	b.Cancel("b2")
	if b.BestBid() != nil {
		t.Fatal("level should drop when its last order is cancelled")
	}
}

func TestMidPriceFallbacks(t *testing.T) {
	t.Parallel()
	b := New("ACME")
	if got := b.MidPrice(42); got != 42 {
		t.Fatalf("empty book mid = %v, want fallback 42", got)
	}

	b.Insert(limitOrder("b1", types.BUY, 10, 5))
	if got := b.MidPrice(42); got != 10 {
		t.Fatalf("one-sided mid = %v, want 10", got)
	}

	b.Insert(limitOrder("a1", types.SELL, 14, 5))
	if got := b.MidPrice(42); got != 12 {
		t.Fatalf("two-sided mid = %v, want 12", got)
	}
}

func TestDepthAndSnapshot(t *testing.T) {
	t.Parallel()
	b := New("ACME")
	b.Insert(limitOrder("b1", types.BUY, 10, 5))
	b.Insert(limitOrder("a1", types.SELL, 20, 2))
	b.Insert(limitOrder("a2", types.SELL, 20, 3))

	bidVal, askVal := b.Depth()
	if bidVal != 50 || askVal != 100 {
		t.Fatalf("depth = %v/%v, want 50/100", bidVal, askVal)
	}

	snap := b.Snapshot()
	if snap.Symbol != "ACME" || len(snap.Bids) != 1 || len(snap.Asks) != 1 {
		t.Fatalf("unexpected snapshot shape: %+v", snap)
	}
	if snap.Asks[0].Quantity != 5 || snap.Asks[0].Orders != 2 {
		t.Fatalf("ask level snapshot = %+v, want qty 5 orders 2", snap.Asks[0])
	}
}
