// maker.go builds the boot-time liquidity ladder.
//
// At startup each symbol's book is empty; without resting orders the first
// MARKET orders would sit pending forever. The market maker seeds a
// symmetric ladder of LIMIT orders around the current price: bids below,
// asks above, spacing scaled by the symbol's volatility, sizes tapering
// with distance from the touch.
package match

import (
	"math"
	"time"

	"github.com/google/uuid"

	"wallstreetsim/pkg/types"
)

// MakerAgentID owns all seeded liquidity. The gateway provisions this agent
// with effectively unlimited cash; its fills settle like any other agent's.
const MakerAgentID = "market-maker"

// Ladder produces 2×levels LIMIT orders around mid for one symbol. The
// half-spread of the first rung is max(one cent, mid·volatility/10); each
// further rung steps out by the same increment and carries 80% of the
// previous rung's quantity.
func Ladder(symbol string, mid, volatility float64, levels int, baseQty float64, tick int64) []*types.Order {
	if mid <= 0 || levels <= 0 || baseQty <= 0 {
		return nil
	}

	step := mid * volatility / 10
	if step < 0.01 {
		step = 0.01
	}

	orders := make([]*types.Order, 0, 2*levels)
	qty := baseQty
	for i := 1; i <= levels; i++ {
		offset := step * float64(i)
		bidPrice := round2(mid - offset)
		askPrice := round2(mid + offset)
		if bidPrice >= 0.01 {
			orders = append(orders, makerOrder(symbol, types.BUY, bidPrice, qty, tick))
		}
		orders = append(orders, makerOrder(symbol, types.SELL, askPrice, qty, tick))
		qty *= 0.8
	}
	return orders
}

func makerOrder(symbol string, side types.Side, price, qty float64, tick int64) *types.Order {
	return &types.Order{
		ID:         uuid.NewString(),
		AgentID:    MakerAgentID,
		Symbol:     symbol,
		Side:       side,
		Type:       types.OrderLimit,
		Quantity:   math.Floor(qty),
		LimitPrice: price,
		Status:     types.OrderOpen,
		TickSubmit: tick,
		CreatedAt:  time.Now().UTC(),
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
