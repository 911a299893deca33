package marketdata

import (
	"errors"
	"time"

	"github.com/ksred/paper-api/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoCandle is returned when no candle satisfies a deterministic lookup.
// There is deliberately no fallback to a stale or nearest candle.
var ErrNoCandle = errors.New("no market data available: deterministic execution requires an exact candle open_time")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetExact returns the candle at exactly openTime, or ErrNoCandle.
func (d *Database) GetExact(symbol, timeframe string, openTime time.Time) (*types.Candle, error) {
	var candle types.Candle
	err := d.db.Where("symbol = ? AND timeframe = ? AND open_time = ?", symbol, timeframe, openTime).
		First(&candle).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoCandle
		}
		return nil, err
	}
	return &candle, nil
}

// Latest returns the most recent candle for the pair, or ErrNoCandle.
func (d *Database) Latest(symbol, timeframe string) (*types.Candle, error) {
	var candle types.Candle
	err := d.db.Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Order("open_time DESC").
		First(&candle).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoCandle
		}
		return nil, err
	}
	return &candle, nil
}

// LatestAtOrBefore returns the newest candle with open_time <= asOf.
func (d *Database) LatestAtOrBefore(symbol, timeframe string, asOf time.Time) (*types.Candle, error) {
	var candle types.Candle
	err := d.db.Where("symbol = ? AND timeframe = ? AND open_time <= ?", symbol, timeframe, asOf).
		Order("open_time DESC").
		First(&candle).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoCandle
		}
		return nil, err
	}
	return &candle, nil
}

// FirstAfter returns the earliest candle strictly after ts; this is the
// fill candle under the next-bar rule. Returns nil (no error) when the
// series has not advanced past ts yet.
func (d *Database) FirstAfter(symbol, timeframe string, ts time.Time) (*types.Candle, error) {
	var candle types.Candle
	err := d.db.Where("symbol = ? AND timeframe = ? AND open_time > ?", symbol, timeframe, ts).
		Order("open_time ASC").
		First(&candle).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &candle, nil
}

// HasAny reports whether any candle exists for the pair at all; used to
// distinguish an unknown symbol from a series that has not advanced.
func (d *Database) HasAny(symbol, timeframe string) (bool, error) {
	var count int64
	err := d.db.Model(&types.Candle{}).
		Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// HistoryUpTo returns up to limit candles with open_time <= asOf in
// ascending order; the strategy consumes this window.
func (d *Database) HistoryUpTo(symbol, timeframe string, asOf time.Time, limit int) ([]types.Candle, error) {
	var candles []types.Candle
	err := d.db.Where("symbol = ? AND timeframe = ? AND open_time <= ?", symbol, timeframe, asOf).
		Order("open_time DESC").
		Limit(limit).
		Find(&candles).Error
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// Range returns all candles with from <= open_time <= to, ascending.
func (d *Database) Range(symbol, timeframe string, from, to time.Time) ([]types.Candle, error) {
	var candles []types.Candle
	err := d.db.Where("symbol = ? AND timeframe = ? AND open_time >= ? AND open_time <= ?",
		symbol, timeframe, from, to).
		Order("open_time ASC").
		Find(&candles).Error
	if err != nil {
		return nil, err
	}
	return candles, nil
}

// Insert stores candles, silently skipping ones already ingested. Candles
// are immutable once stored, so conflicts are never updates.
func (d *Database) Insert(candles []types.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&candles).Error
}
