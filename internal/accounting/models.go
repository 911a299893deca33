package accounting

import "time"

// Position is the reconciliation book's netted exposure per symbol. Unlike
// the live book the row survives going flat; UpdatedOpenTime advances
// instead so re-opens keep a stable row identity.
type Position struct {
	ID              uint      `gorm:"primarykey" json:"-"`
	CreatedAt       time.Time `json:"-"`
	UpdatedAt       time.Time `json:"-"`
	AccountID       uint      `gorm:"uniqueIndex:uq_acct_position" json:"account_id"`
	Symbol          string    `gorm:"size:20;uniqueIndex:uq_acct_position" json:"symbol"`
	NetQty          float64   `json:"net_qty"`
	AvgEntryPrice   float64   `json:"avg_entry_price"`
	RealizedPnL     float64   `gorm:"column:realized_pnl" json:"realized_pnl"`
	UpdatedOpenTime time.Time `json:"updated_open_time"`
}

// TableName keeps the reconciliation book in its own table; the default
// namer would collide with the live positions table.
func (Position) TableName() string { return "accounting_positions" }

// RealizedTrade is one close, partial close or flip realized by replaying
// a fill into the reconciliation book. FillID ties the realization to its
// source fill for audit.
type RealizedTrade struct {
	ID         uint      `gorm:"primarykey" json:"trade_id"`
	CreatedAt  time.Time `json:"-"`
	AccountID  uint      `json:"account_id"`
	Symbol     string    `gorm:"size:20;index" json:"symbol"`
	Qty        float64   `json:"qty"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `gorm:"column:pnl" json:"pnl"`
	ExitTS     time.Time `gorm:"index" json:"exit_ts"`
	FillID     uint      `gorm:"index" json:"fill_id"`
}

// Snapshot is the reconciliation book's mark-to-market record, unique per
// (account, as-of candle time). Balance is reconstructed purely from
// replayed realizations, never copied from the live account row.
type Snapshot struct {
	ID            uint      `gorm:"primarykey" json:"snapshot_id"`
	CreatedAt     time.Time `json:"-"`
	AccountID     uint      `gorm:"uniqueIndex:uq_acct_snapshot" json:"account_id"`
	AsOf          time.Time `gorm:"uniqueIndex:uq_acct_snapshot;index" json:"as_of"`
	Balance       float64   `json:"balance"`
	Equity        float64   `json:"equity"`
	UnrealizedPnL float64   `gorm:"column:unrealized_pnl" json:"unrealized_pnl"`
	OpenPositions int       `json:"open_positions"`
}

// TableName matches the reconciliation book's table prefix.
func (Snapshot) TableName() string { return "accounting_snapshots" }
