package orchestrator

import "time"

// Run statuses. OK and NOOP are terminal: a later invocation for the same
// candle returns the stored report unchanged. ERROR is retryable.
const (
	StatusOK    = "OK"
	StatusNoop  = "NOOP"
	StatusError = "ERROR"
)

// Run modes.
const (
	ModeLive   = "live"
	ModeDryRun = "dry_run"
)

// RunReport is the denormalized audit record of one orchestration cycle.
// It owns copies of everything it observed so later mutation of the
// underlying rows cannot rewrite history. Exactly one report exists per
// (symbol, timeframe, candle time).
type RunReport struct {
	RunID         string    `gorm:"primarykey;size:36" json:"run_id"`
	CreatedAt     time.Time `json:"-"`
	UpdatedAt     time.Time `json:"-"`
	Symbol        string    `gorm:"size:20;uniqueIndex:uq_run_candle" json:"symbol"`
	Timeframe     string    `gorm:"size:10;uniqueIndex:uq_run_candle" json:"timeframe"`
	CandleTS      time.Time `gorm:"uniqueIndex:uq_run_candle" json:"candle_ts"`
	Status        string    `gorm:"size:10;index" json:"status"`
	Mode          string    `gorm:"size:10" json:"mode"`
	IntentJSON    string    `gorm:"type:text" json:"intent_json,omitempty"`
	RiskJSON      string    `gorm:"type:text" json:"risk_json,omitempty"`
	OrderJSON     string    `gorm:"type:text" json:"order_json,omitempty"`
	FillJSON      string    `gorm:"type:text" json:"fill_json,omitempty"`
	PositionsJSON string    `gorm:"type:text" json:"positions_json,omitempty"`
	AccountJSON   string    `gorm:"type:text" json:"account_json,omitempty"`
	SummaryText   string    `gorm:"type:text" json:"summary_text,omitempty"`
	NotifyText    string    `gorm:"type:text" json:"notify_text,omitempty"`
	ErrorText     string    `gorm:"type:text" json:"error_text,omitempty"`
}

// Terminal reports whether this report blocks re-execution of its candle.
func (r *RunReport) Terminal() bool {
	return r.Status == StatusOK || r.Status == StatusNoop
}
