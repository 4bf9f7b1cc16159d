// Package book implements the per-symbol limit order book.
//
// A Book maintains two ordered sides — bids descending, asks ascending —
// where each price level holds a FIFO queue of resting orders. Price-time
// priority falls out of the structure: best price first, earliest arrival
// first within a level.
//
// The book is owned and mutated only by the tick scheduler (a single
// logical serial actor), so it carries no locks. Level.Quantity is
// maintained incrementally and always equals the sum of unfilled quantity
// across the level's queue.
package book

import (
	"wallstreetsim/pkg/types"
)

// Level is all resting orders at a single price point. Orders queue in
// arrival order; Quantity aggregates their unfilled amounts so depth
// queries never iterate the queue.
type Level struct {
	Price    float64
	Quantity float64
	Orders   []*types.Order
}

// Count returns the number of orders queued at this level.
func (l *Level) Count() int { return len(l.Orders) }

// Head returns the oldest resting order, or nil if the level is empty.
func (l *Level) Head() *types.Order {
	if len(l.Orders) == 0 {
		return nil
	}
	return l.Orders[0]
}

// popHead removes the oldest order. The caller has already accounted for
// its quantity.
func (l *Level) popHead() {
	l.Orders = l.Orders[1:]
}

// Book is one symbol's limit order book.
type Book struct {
	symbol string
	bids   []*Level // sorted by price descending
	asks   []*Level // sorted by price ascending
}

// New creates an empty book for a symbol.
func New(symbol string) *Book {
	return &Book{symbol: symbol}
}

// Symbol returns the symbol this book belongs to.
func (b *Book) Symbol() string { return b.symbol }

// Bids returns the bid levels, best (highest) first.
func (b *Book) Bids() []*Level { return b.bids }

// Asks returns the ask levels, best (lowest) first.
func (b *Book) Asks() []*Level { return b.asks }

// BestBid returns the highest bid level, or nil.
func (b *Book) BestBid() *Level {
	if len(b.bids) == 0 {
		return nil
	}
	return b.bids[0]
}

// BestAsk returns the lowest ask level, or nil.
func (b *Book) BestAsk() *Level {
	if len(b.asks) == 0 {
		return nil
	}
	return b.asks[0]
}

// BestBidAsk returns the top-of-book prices. hasBid/hasAsk report whether
// the respective side is non-empty.
func (b *Book) BestBidAsk() (bid, ask float64, hasBid, hasAsk bool) {
	if l := b.BestBid(); l != nil {
		bid, hasBid = l.Price, true
	}
	if l := b.BestAsk(); l != nil {
		ask, hasAsk = l.Price, true
	}
	return bid, ask, hasBid, hasAsk
}

// MidPrice returns (bestBid+bestAsk)/2 when both sides exist, the single
// populated side's best price when only one exists, and fallback when the
// book is empty.
func (b *Book) MidPrice(fallback float64) float64 {
	bid, ask, hasBid, hasAsk := b.BestBidAsk()
	switch {
	case hasBid && hasAsk:
		return (bid + ask) / 2
	case hasBid:
		return bid
	case hasAsk:
		return ask
	default:
		return fallback
	}
}

// Depth returns the total resting value (Σ price·quantity) on each side.
func (b *Book) Depth() (bidValue, askValue float64) {
	for _, l := range b.bids {
		bidValue += l.Price * l.Quantity
	}
	for _, l := range b.asks {
		askValue += l.Price * l.Quantity
	}
	return bidValue, askValue
}

// Insert rests a LIMIT order at its price level, creating the level in
// sorted position if needed. FIFO within the level.
func (b *Book) Insert(o *types.Order) {
	side := &b.asks
	if o.Side == types.BUY {
		side = &b.bids
	}

	idx := len(*side)
	for i, l := range *side {
		if l.Price == o.LimitPrice {
			l.Orders = append(l.Orders, o)
			l.Quantity += o.Remaining()
			return
		}
		if better(o.Side, o.LimitPrice, l.Price) {
			idx = i
			break
		}
	}

	level := &Level{Price: o.LimitPrice, Quantity: o.Remaining(), Orders: []*types.Order{o}}
	*side = append(*side, nil)
	copy((*side)[idx+1:], (*side)[idx:])
	(*side)[idx] = level
}

// better reports whether price a ranks ahead of price b on the given side
// (higher first for bids, lower first for asks).
func better(side types.Side, a, b float64) bool {
	if side == types.BUY {
		return a > b
	}
	return a < b
}

// Reduce removes qty from the head order of the given level, popping it
// when exhausted and dropping the level when empty.
func (b *Book) Reduce(side types.Side, l *Level, qty float64) {
	head := l.Head()
	if head == nil {
		return
	}
	head.FilledQty += qty
	l.Quantity -= qty
	if head.Remaining() <= 0 {
		l.popHead()
	}
	if len(l.Orders) == 0 {
		b.dropLevel(side, l)
	}
}

// Cancel removes the order with the given id from either side. Returns the
// removed order, or nil if it is not resting here. Linear scan: cancels are
// rare relative to matches and books are shallow.
func (b *Book) Cancel(orderID string) *types.Order {
	if o := b.cancelSide(types.BUY, orderID); o != nil {
		return o
	}
	return b.cancelSide(types.SELL, orderID)
}

func (b *Book) cancelSide(side types.Side, orderID string) *types.Order {
	levels := b.asks
	if side == types.BUY {
		levels = b.bids
	}
	for _, l := range levels {
		for i, o := range l.Orders {
			if o.ID != orderID {
				continue
			}
			l.Orders = append(l.Orders[:i], l.Orders[i+1:]...)
			l.Quantity -= o.Remaining()
			if len(l.Orders) == 0 {
				b.dropLevel(side, l)
			}
			return o
		}
	}
	return nil
}

func (b *Book) dropLevel(side types.Side, level *Level) {
	levels := &b.asks
	if side == types.BUY {
		levels = &b.bids
	}
	for i, l := range *levels {
		if l == level {
			*levels = append((*levels)[:i], (*levels)[i+1:]...)
			return
		}
	}
}

// Clear drops all resting orders on both sides.
func (b *Book) Clear() {
	b.bids = nil
	b.asks = nil
}

// Snapshot returns a shallow copy of the book (levels only) for world
// checkpoints.
func (b *Book) Snapshot() types.BookSnapshot {
	snap := types.BookSnapshot{Symbol: b.symbol}
	for _, l := range b.bids {
		snap.Bids = append(snap.Bids, types.BookLevelSnapshot{Price: l.Price, Quantity: l.Quantity, Orders: len(l.Orders)})
	}
	for _, l := range b.asks {
		snap.Asks = append(snap.Asks, types.BookLevelSnapshot{Price: l.Price, Quantity: l.Quantity, Orders: len(l.Orders)})
	}
	return snap
}
