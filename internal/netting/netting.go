// Package netting implements the position state-transition rule shared by
// the live order-time ledger and the reconciliation ledger. Both books call
// Apply with the same fill sequence and must realize identical PnL; keeping
// the arithmetic in one pure function is what guarantees that.
package netting

import "math"

// PositionState is the minimal netted position: signed quantity (positive
// long, negative short) and average entry price. A flat position is
// {0, 0}.
type PositionState struct {
	QtySigned float64
	AvgPrice  float64
}

// FillEvent is one execution applied to the position: signed quantity
// (positive buy, negative sell) at a price.
type FillEvent struct {
	QtySigned float64
	Price     float64
}

// Realization describes the PnL event produced when a fill reduces, closes
// or flips the position. Nil when the fill opens or extends.
type Realization struct {
	ClosedQty  float64
	EntryPrice float64
	ExitPrice  float64
	PnL        float64
	Closed     bool // position went flat
	Flipped    bool // position reversed direction
}

// Flat reports whether the position has no exposure.
func (p PositionState) Flat() bool {
	return p.QtySigned == 0
}

// sameDirection reports whether the fill extends rather than reduces.
func sameDirection(existing, incoming float64) bool {
	return existing == 0 || (existing > 0 && incoming > 0) || (existing < 0 && incoming < 0)
}

// Apply nets one fill into the position and returns the new state plus the
// realization event, if any.
//
// Same direction or opening: quantity-weighted average price.
// Opposite direction: realize (exit-entry)*closedQty signed by direction;
// a partial close keeps the average, a full close zeroes the position, and
// an oversized fill flips it with a fresh average equal to the fill price.
func Apply(pos PositionState, fill FillEvent) (PositionState, *Realization) {
	existing := pos.QtySigned

	if sameDirection(existing, fill.QtySigned) {
		newQty := existing + fill.QtySigned
		if newQty == 0 {
			// Only reachable with a zero-qty fill on a flat book.
			return PositionState{}, nil
		}
		avg := fill.Price
		if existing != 0 {
			avg = (math.Abs(existing)*pos.AvgPrice + math.Abs(fill.QtySigned)*fill.Price) / math.Abs(newQty)
		}
		return PositionState{QtySigned: newQty, AvgPrice: avg}, nil
	}

	closedQty := math.Min(math.Abs(existing), math.Abs(fill.QtySigned))
	var pnl float64
	if existing > 0 {
		pnl = (fill.Price - pos.AvgPrice) * closedQty
	} else {
		pnl = (pos.AvgPrice - fill.Price) * closedQty
	}

	realization := &Realization{
		ClosedQty:  closedQty,
		EntryPrice: pos.AvgPrice,
		ExitPrice:  fill.Price,
		PnL:        pnl,
	}

	newQty := existing + fill.QtySigned
	switch {
	case newQty == 0:
		realization.Closed = true
		return PositionState{}, realization
	case (existing > 0 && newQty < 0) || (existing < 0 && newQty > 0):
		realization.Flipped = true
		return PositionState{QtySigned: newQty, AvgPrice: fill.Price}, realization
	default:
		// Partial close: magnitude shrinks, average entry unchanged.
		return PositionState{QtySigned: newQty, AvgPrice: pos.AvgPrice}, realization
	}
}
