package database

import (
	"fmt"
	"time"

	"github.com/ksred/paper-api/internal/accounting"
	"github.com/ksred/paper-api/internal/database/migrations"
	"github.com/ksred/paper-api/internal/orchestrator"
	"github.com/ksred/paper-api/internal/risk"
	"github.com/ksred/paper-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// New initializes a GORM store handle and migrates every schema. The handle
// is constructed once at process start and injected into each service; no
// package-level singleton exists.
func New(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		// Map driver duplicate-key errors onto gorm.ErrDuplicatedKey so the
		// retry-once concurrency handling works across backends.
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// Migrate creates or updates every table the ledger persists.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&types.Candle{},
		&types.Order{},
		&types.Fill{},
		&types.Position{},
		&types.Trade{},
		&types.Account{},
		&types.AccountSnapshot{},
		&accounting.Position{},
		&accounting.Snapshot{},
		&accounting.RealizedTrade{},
		&risk.Limits{},
		&risk.DailyEquity{},
		&orchestrator.RunReport{},
	); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := migrations.Run(db); err != nil {
		return fmt.Errorf("failed to apply supplementary migrations: %w", err)
	}
	return nil
}

// Close disposes of the underlying connection pool at shutdown.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
