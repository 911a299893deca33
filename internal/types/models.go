package types

import (
	"time"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order statuses. Transitions are NEW -> FILLED | REJECTED | CANCELED only.
const (
	OrderStatusNew      = "NEW"
	OrderStatusFilled   = "FILLED"
	OrderStatusRejected = "REJECTED"
	OrderStatusCanceled = "CANCELED"
)

// Order types.
const (
	OrderTypeMarket = "MARKET"
)

// Candle is one closed, immutable OHLCV bar. Uniqueness per
// (symbol, timeframe, open_time) is what makes replay deterministic.
type Candle struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	Symbol    string    `gorm:"size:20;uniqueIndex:uq_candle_time;index:ix_candle_lookup" json:"symbol"`
	Timeframe string    `gorm:"size:10;uniqueIndex:uq_candle_time;index:ix_candle_lookup" json:"timeframe"`
	OpenTime  time.Time `gorm:"uniqueIndex:uq_candle_time;index:ix_candle_lookup" json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Source    string    `gorm:"size:50;default:provider" json:"source"`
}

// Order is a trade request. Timestamp always carries the open time of the
// candle the order was created against, never wall-clock time.
type Order struct {
	ID             uint      `gorm:"primarykey" json:"order_id"`
	CreatedAt      time.Time `json:"-"`
	UpdatedAt      time.Time `json:"-"`
	Timestamp      time.Time `gorm:"index" json:"ts"`
	Symbol         string    `gorm:"size:20;index" json:"symbol"`
	Side           string    `gorm:"size:4" json:"side"`
	Type           string    `gorm:"size:20;default:MARKET" json:"type"`
	Qty            float64   `json:"qty"`
	Status         string    `gorm:"size:20;index" json:"status"`
	Reason         string    `gorm:"size:255" json:"reason,omitempty"`
	RequestedPrice *float64  `json:"requested_price,omitempty"`
	IdempotencyKey *string   `gorm:"uniqueIndex" json:"idempotency_key,omitempty"`
}

// Fill is the execution event for an order. The unique index on OrderID is
// the at-most-one-fill-per-order invariant; the store enforces it, callers
// rely on it.
type Fill struct {
	ID           uint      `gorm:"primarykey" json:"fill_id"`
	CreatedAt    time.Time `json:"-"`
	OrderID      uint      `gorm:"uniqueIndex" json:"order_id"`
	Timestamp    time.Time `gorm:"index" json:"ts"`
	Symbol       string    `gorm:"size:20;index" json:"symbol"`
	Side         string    `gorm:"size:4" json:"side"`
	Qty          float64   `json:"qty"`
	Price        float64   `json:"price"`
	Fee          float64   `json:"fee"`
	SlippagePips float64   `json:"slippage_pips"`
	SpreadPips   float64   `json:"spread_pips"`
	// AccountedAt marks the fill as consumed by the reconciliation ledger.
	// Nil means not yet processed.
	AccountedAt *time.Time `gorm:"index" json:"accounted_at,omitempty"`
}

// Position is the live netted exposure per symbol. The row is deleted when
// the position goes flat.
type Position struct {
	ID           uint      `gorm:"primarykey" json:"-"`
	CreatedAt    time.Time `json:"-"`
	UpdatedAt    time.Time `json:"-"`
	Symbol       string    `gorm:"size:20;uniqueIndex" json:"symbol"`
	QtySigned    float64   `json:"qty_signed"`
	AvgPrice     float64   `json:"avg_price"`
	StopLoss     *float64  `json:"stop_loss,omitempty"`
	TakeProfit   *float64  `json:"take_profit,omitempty"`
	OpenedAt     time.Time `json:"opened_at"`
	RealizedPnL  float64   `gorm:"column:realized_pnl" json:"realized_pnl"`
	EntryOrderID *uint     `json:"entry_order_id,omitempty"`
}

// Trade records one discrete close, partial close, or flip event. Rows are
// never mutated after creation.
type Trade struct {
	ID           uint      `gorm:"primarykey" json:"trade_id"`
	CreatedAt    time.Time `json:"-"`
	EntryTS      time.Time `json:"entry_ts"`
	ExitTS       time.Time `gorm:"index" json:"exit_ts"`
	Symbol       string    `gorm:"size:20;index" json:"symbol"`
	Qty          float64   `json:"qty"`
	EntryPrice   float64   `json:"entry_price"`
	ExitPrice    float64   `json:"exit_price"`
	PnL          float64   `gorm:"column:pnl" json:"pnl"`
	ExitReason   string    `gorm:"size:50" json:"exit_reason"`
	EntryOrderID *uint     `json:"entry_order_id,omitempty"`
	ExitOrderID  uint      `json:"exit_order_id"`
}

// Account is the singleton per-account ledger row, created lazily exactly
// once. MarkedAt is the candle time of the last mark-to-market.
type Account struct {
	ID         uint      `gorm:"primarykey" json:"account_id"`
	CreatedAt  time.Time `json:"-"`
	UpdatedAt  time.Time `json:"-"`
	Balance    float64   `json:"balance"`
	Equity     float64   `json:"equity"`
	MarginUsed float64   `json:"margin_used"`
	FreeMargin float64   `json:"free_margin"`
	Currency   string    `gorm:"size:10;default:USD" json:"currency"`
	Leverage   float64   `json:"leverage"`
	MarkedAt   time.Time `json:"marked_at"`
}

// AccountSnapshot is an idempotent point-in-time mark-to-market record,
// unique per (account, as-of candle time).
type AccountSnapshot struct {
	ID            uint      `gorm:"primarykey" json:"snapshot_id"`
	CreatedAt     time.Time `json:"-"`
	AccountID     uint      `gorm:"uniqueIndex:uq_account_snapshot_asof" json:"account_id"`
	AsOf          time.Time `gorm:"uniqueIndex:uq_account_snapshot_asof;index" json:"as_of"`
	Balance       float64   `json:"balance"`
	Equity        float64   `json:"equity"`
	MarginUsed    float64   `json:"margin_used"`
	FreeMargin    float64   `json:"free_margin"`
	UnrealizedPnL float64   `gorm:"column:unrealized_pnl" json:"unrealized_pnl"`
}

// SignedQty converts a side/qty pair into the signed convention used by the
// netting rule: positive for buys, negative for sells.
func SignedQty(side string, qty float64) float64 {
	if side == SideSell {
		return -qty
	}
	return qty
}
