// Package pricing derives bid/ask and fill prices deterministically from a
// candle and static spread/slippage configuration. Everything here is a pure
// function of its inputs, which is what makes replays byte-identical.
package pricing

import (
	"fmt"

	"github.com/ksred/paper-api/internal/types"
)

// Quote is a derived bid/ask pair.
type Quote struct {
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

// Model converts pip-denominated spread and slippage into prices.
type Model struct {
	PipSize      float64
	SpreadPips   float64
	SlippagePips float64
}

// NewModel creates a pricing model for one instrument's pip size.
func NewModel(pipSize, spreadPips, slippagePips float64) Model {
	return Model{
		PipSize:      pipSize,
		SpreadPips:   spreadPips,
		SlippagePips: slippagePips,
	}
}

// QuoteCandle derives bid/ask around the candle open. The open is the one
// mid-price rule used everywhere: fills, margin checks, risk notional and
// accounting marks all agree on it.
func (m Model) QuoteCandle(candle *types.Candle) Quote {
	return m.QuoteMid(candle.Open)
}

// QuoteMid derives bid/ask around an explicit mid price.
func (m Model) QuoteMid(mid float64) Quote {
	spread := m.SpreadPips * m.PipSize
	return Quote{
		Bid: mid - spread/2.0,
		Ask: mid + spread/2.0,
	}
}

// FillPrice applies slippage on top of the quote. Slippage always worsens
// the trader's price: buys pay above ask, sells receive below bid.
func (m Model) FillPrice(side string, quote Quote) (float64, error) {
	slip := m.SlippagePips * m.PipSize
	switch side {
	case types.SideBuy:
		return quote.Ask + slip, nil
	case types.SideSell:
		return quote.Bid - slip, nil
	default:
		return 0, fmt.Errorf("unsupported side for deterministic execution: %s", side)
	}
}

// SidePrice returns the executable price without slippage: ask for buys,
// bid for sells. Used by the synchronous order path where slippage is not
// modeled.
func (m Model) SidePrice(side string, quote Quote) (float64, error) {
	switch side {
	case types.SideBuy:
		return quote.Ask, nil
	case types.SideSell:
		return quote.Bid, nil
	default:
		return 0, fmt.Errorf("unsupported side for deterministic execution: %s", side)
	}
}
