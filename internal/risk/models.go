package risk

import "time"

// Limits is the per-account risk configuration row, seeded from service
// configuration on first reference and adjustable at runtime.
type Limits struct {
	AccountID                 uint      `gorm:"primarykey" json:"account_id"`
	CreatedAt                 time.Time `json:"-"`
	UpdatedAt                 time.Time `json:"-"`
	MaxOpenPositions          int       `json:"max_open_positions"`
	MaxOpenPositionsPerSymbol int       `json:"max_open_positions_per_symbol"`
	MaxTotalNotional          float64   `json:"max_total_notional"`
	MaxSymbolNotional         float64   `json:"max_symbol_notional"`
	RiskPerTradePct           float64   `json:"risk_per_trade_pct"`
	DailyLossLimitPct         float64   `json:"daily_loss_limit_pct"`
	DailyLossLimitAmount      float64   `json:"daily_loss_limit_amount"`
	LotStep                   float64   `json:"lot_step"`
}

// DailyEquity is the daily loss watermark: one row per (account, day).
// DayStartEquity is fixed at creation; MinEquity only ever decreases
// within the day.
type DailyEquity struct {
	ID             uint      `gorm:"primarykey" json:"-"`
	CreatedAt      time.Time `json:"-"`
	UpdatedAt      time.Time `json:"-"`
	AccountID      uint      `gorm:"uniqueIndex:uq_daily_equity_day" json:"account_id"`
	Day            time.Time `gorm:"uniqueIndex:uq_daily_equity_day" json:"day"`
	DayStartEquity float64   `json:"day_start_equity"`
	MinEquity      float64   `json:"min_equity"`
}
