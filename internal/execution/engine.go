// Package execution turns eligible orders into fills and settles them
// against the live position ledger and account balance.
package execution

import (
	"fmt"

	"github.com/ksred/paper-api/internal/pricing"
	"github.com/ksred/paper-api/internal/types"
)

// Engine produces a fill for an order against a designated fill candle.
// It is a pure function of its inputs; persistence and idempotency are the
// caller's responsibility.
type Engine struct {
	pricer pricing.Model
}

func NewEngine(pricer pricing.Model) *Engine {
	return &Engine{pricer: pricer}
}

// Execute validates the order and prices it against fillCandle under the
// next-bar rule: the candle must open strictly after the order's candle
// timestamp. The returned fill is not persisted.
func (e *Engine) Execute(order *types.Order, fillCandle *types.Candle) (*types.Fill, error) {
	if order.Qty <= 0 {
		return nil, fmt.Errorf("order %d has non-positive quantity %v", order.ID, order.Qty)
	}
	if order.Type != types.OrderTypeMarket {
		return nil, fmt.Errorf("unsupported order type: %s", order.Type)
	}
	if order.Side != types.SideBuy && order.Side != types.SideSell {
		return nil, fmt.Errorf("unsupported side: %s", order.Side)
	}
	if !fillCandle.OpenTime.After(order.Timestamp) {
		return nil, fmt.Errorf("order %d created at %s is not eligible to fill on candle %s: fills happen on the first candle after the order",
			order.ID, order.Timestamp, fillCandle.OpenTime)
	}

	quote := e.pricer.QuoteCandle(fillCandle)
	price, err := e.pricer.FillPrice(order.Side, quote)
	if err != nil {
		return nil, err
	}

	return &types.Fill{
		OrderID:      order.ID,
		Timestamp:    fillCandle.OpenTime,
		Symbol:       order.Symbol,
		Side:         order.Side,
		Qty:          order.Qty,
		Price:        price,
		Fee:          0.0,
		SlippagePips: e.pricer.SlippagePips,
		SpreadPips:   e.pricer.SpreadPips,
	}, nil
}
