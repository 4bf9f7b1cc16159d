// Package match implements the order matching engine.
//
// The engine processes incoming orders against per-symbol limit order books
// using price-time priority: an incoming order walks the opposite side from
// the best level, filling at each resting level's price, FIFO within a
// level. Residual LIMIT quantity rests on the same-side book; residual
// MARKET quantity stays pending for retry on a later tick.
//
// The engine is single-threaded: Submit must only be called from the tick
// scheduler. Determinism matters more than throughput here — the same order
// sequence always produces the same fills.
package match

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wallstreetsim/internal/book"
	"wallstreetsim/pkg/types"
)

// RestingTouch aggregates what happened to one resting order across all
// partial touches within a single Submit call: cumulative filled quantity
// and volume-weighted average fill price. The scheduler uses it to update
// the persisted order row.
type RestingTouch struct {
	Order     *types.Order
	FilledQty float64 // quantity filled in this call
	AvgPrice  float64 // VWAP across this call's touches
}

// Result is the outcome of submitting one order.
type Result struct {
	Fills     []types.Trade
	Remaining float64
	Resting   map[string]*RestingTouch // resting order id → touch summary
}

// Engine holds every symbol's book and the current tick.
type Engine struct {
	books  map[string]*book.Book
	tick   int64
	logger *slog.Logger
}

// NewEngine creates an empty matching engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		books:  make(map[string]*book.Book),
		logger: logger.With("component", "match"),
	}
}

// AddSymbol registers a tradable symbol.
func (e *Engine) AddSymbol(symbol string) {
	if _, ok := e.books[symbol]; !ok {
		e.books[symbol] = book.New(symbol)
	}
}

// Book returns the book for a symbol, or nil if unknown.
func (e *Engine) Book(symbol string) *book.Book { return e.books[symbol] }

// Symbols returns every registered symbol.
func (e *Engine) Symbols() []string {
	out := make([]string, 0, len(e.books))
	for s := range e.books {
		out = append(out, s)
	}
	return out
}

// SetTick propagates the scheduler's current tick; fills carry it.
func (e *Engine) SetTick(tick int64) { e.tick = tick }

// Submit matches an incoming order against the book.
//
// An unknown symbol is a silent no-op: the order is not mutated and the
// result carries its full quantity (all other preconditions are gate-kept
// upstream). Otherwise the order walks the opposite side while quantity
// remains and prices cross, then rests any LIMIT residue. The incoming
// order's status is set per the status machine: remaining=0 ⇒ filled,
// some fill ⇒ partial, LIMIT residue ⇒ open, MARKET with no liquidity ⇒
// left pending for retry next tick.
func (e *Engine) Submit(o *types.Order) Result {
	res := Result{Remaining: o.Remaining(), Resting: make(map[string]*RestingTouch)}

	b, ok := e.books[o.Symbol]
	if !ok {
		e.logger.Debug("submit for unknown symbol", "symbol", o.Symbol, "order", o.ID)
		return res
	}

	var fillValue float64
	for o.Remaining() > 0 {
		level := e.oppositeBest(b, o.Side)
		if level == nil {
			break
		}
		if o.Type == types.OrderLimit && !pricesCross(o.Side, o.LimitPrice, level.Price) {
			break
		}

		head := level.Head()
		qty := min(o.Remaining(), head.Remaining())
		price := level.Price

		trade := e.makeTrade(o, head, price, qty)
		res.Fills = append(res.Fills, trade)

		touch := res.Resting[head.ID]
		if touch == nil {
			touch = &RestingTouch{Order: head}
			res.Resting[head.ID] = touch
		}
		touch.AvgPrice = (touch.AvgPrice*touch.FilledQty + price*qty) / (touch.FilledQty + qty)
		touch.FilledQty += qty

		o.FilledQty += qty
		fillValue += price * qty
		b.Reduce(opposite(o.Side), level, qty)
	}

	if o.FilledQty > 0 {
		o.AvgFillPrice = fillValue / o.FilledQty
	}

	res.Remaining = o.Remaining()
	e.finalizeStatus(o, b)
	return res
}

// opposite returns the other side of the book.
func opposite(s types.Side) types.Side {
	if s == types.BUY {
		return types.SELL
	}
	return types.BUY
}

// oppositeBest returns the best level on the side an incoming order
// consumes: asks for a BUY, bids for a SELL.
func (e *Engine) oppositeBest(b *book.Book, side types.Side) *book.Level {
	if side == types.BUY {
		return b.BestAsk()
	}
	return b.BestBid()
}

// pricesCross reports whether a LIMIT order at limit may trade against a
// resting level at price.
func pricesCross(side types.Side, limit, price float64) bool {
	if side == types.BUY {
		return price <= limit
	}
	return price >= limit
}

func (e *Engine) makeTrade(incoming, resting *types.Order, price, qty float64) types.Trade {
	t := types.Trade{
		ID:        uuid.NewString(),
		Symbol:    incoming.Symbol,
		Price:     price,
		Quantity:  qty,
		Tick:      e.tick,
		Timestamp: time.Now().UTC(),
	}
	if incoming.Side == types.BUY {
		t.BuyerAgentID, t.BuyOrderID = incoming.AgentID, incoming.ID
		t.SellerAgentID, t.SellOrderID = resting.AgentID, resting.ID
	} else {
		t.BuyerAgentID, t.BuyOrderID = resting.AgentID, resting.ID
		t.SellerAgentID, t.SellOrderID = incoming.AgentID, incoming.ID
	}
	return t
}

// finalizeStatus applies the incoming-order status machine after a walk and
// rests LIMIT residue.
func (e *Engine) finalizeStatus(o *types.Order, b *book.Book) {
	switch {
	case o.Remaining() <= 0:
		o.Status = types.OrderFilled
		o.TickFilled = e.tick
	case o.FilledQty > 0:
		o.Status = types.OrderPartial
		if o.Type == types.OrderLimit {
			b.Insert(o)
		}
	case o.Type == types.OrderLimit:
		o.Status = types.OrderOpen
		b.Insert(o)
	default:
		// MARKET with no liquidity: stays pending, retried next tick.
		o.Status = types.OrderPending
	}
}

// Cancel removes a resting order from whichever book holds it. Returns the
// order with status cancelled, or nil if not found (already filled or never
// rested).
func (e *Engine) Cancel(orderID string) *types.Order {
	for _, b := range e.books {
		if o := b.Cancel(orderID); o != nil {
			o.Status = types.OrderCancelled
			return o
		}
	}
	return nil
}

// SeedLiquidity inserts LIMIT orders directly into the book without
// matching. Used only at startup to give every symbol an initial ladder.
func (e *Engine) SeedLiquidity(orders []*types.Order) {
	for _, o := range orders {
		b, ok := e.books[o.Symbol]
		if !ok {
			continue
		}
		o.Status = types.OrderOpen
		b.Insert(o)
	}
}

// ClearAll empties every book.
func (e *Engine) ClearAll() {
	for _, b := range e.books {
		b.Clear()
	}
}
