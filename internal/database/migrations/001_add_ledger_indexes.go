package migrations

import (
	"gorm.io/gorm"
)

// AddLedgerIndexes creates supplementary indexes for the hot ledger query
// paths that AutoMigrate's tag-derived indexes do not cover.
func AddLedgerIndexes(db *gorm.DB) error {
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Composite index for the next-bar order sweep
		`CREATE INDEX IF NOT EXISTS idx_orders_status_timestamp
		 ON orders(status, timestamp)`,

		// Index for the reconciliation backlog scan (unprocessed fills)
		`CREATE INDEX IF NOT EXISTS idx_fills_unaccounted
		 ON fills(accounted_at, timestamp)`,

		// Composite index for trade history filtered by symbol and exit time
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol_exit_ts
		 ON trades(symbol, exit_ts)`,

		// Composite index for the pending-candle catch-up join
		`CREATE INDEX IF NOT EXISTS idx_run_reports_status_candle
		 ON run_reports(status, candle_ts)`,
	}

	// Execute each index creation
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}

// Run applies every migration in order. All statements are idempotent, so
// running at every startup is safe.
func Run(db *gorm.DB) error {
	return AddLedgerIndexes(db)
}
