package execution

import (
	"errors"
	"time"

	"github.com/ksred/paper-api/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maybeForUpdate adds a row lock on backends that implement SELECT ... FOR
// UPDATE, so concurrent orders cannot net against a stale position row.
func maybeForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// getPositionLocked returns the live position for symbol, or nil when flat.
func getPositionLocked(tx *gorm.DB, symbol string) (*types.Position, error) {
	var pos types.Position
	err := maybeForUpdate(tx).Where("symbol = ?", symbol).First(&pos).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pos, nil
}

// getOrderByIdempotencyKey returns the order previously submitted with the
// same key, or nil when the key is unused.
func getOrderByIdempotencyKey(tx *gorm.DB, key string) (*types.Order, error) {
	var order types.Order
	err := tx.Where("idempotency_key = ?", key).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// getFillForOrder returns the fill for an order, or nil when none exists.
func getFillForOrder(tx *gorm.DB, orderID uint) (*types.Fill, error) {
	var fill types.Fill
	err := tx.Where("order_id = ?", orderID).First(&fill).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &fill, nil
}

// listNewOrdersBefore returns NEW orders created against candles before ts,
// oldest first. These are the orders eligible to fill on the candle at ts.
func listNewOrdersBefore(tx *gorm.DB, symbol string, ts time.Time) ([]types.Order, error) {
	var orders []types.Order
	err := tx.Where("symbol = ? AND status = ? AND timestamp < ?", symbol, types.OrderStatusNew, ts).
		Order("timestamp ASC, id ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// hasTradeAt reports whether a close with this exit reason was already
// recorded for the candle; it is the idempotency guard for protective exits.
func hasTradeAt(tx *gorm.DB, symbol, exitReason string, exitTS time.Time) (bool, error) {
	var count int64
	err := tx.Model(&types.Trade{}).
		Where("symbol = ? AND exit_reason = ? AND exit_ts = ?", symbol, exitReason, exitTS).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
