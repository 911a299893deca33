package execution_test

import (
	"testing"
	"time"

	"github.com/ksred/paper-api/internal/config"
	"github.com/ksred/paper-api/internal/equity"
	"github.com/ksred/paper-api/internal/execution"
	"github.com/ksred/paper-api/internal/testutil"
	"github.com/ksred/paper-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*execution.Service, *gorm.DB, *config.Config) {
	t.Helper()
	db := testutil.NewDB(t)
	cfg := config.Default()
	eq := equity.NewService(db, cfg)
	return execution.NewService(db, cfg, eq), db, cfg
}

func storeCandle(t *testing.T, db *gorm.DB, ts time.Time, mid float64) *types.Candle {
	t.Helper()
	candle := candleAt(ts, mid)
	require.NoError(t, db.Create(candle).Error)
	return candle
}

func TestPlaceMarketOrder_BuyThenSellRealizesSpreadAdjustedPnL(t *testing.T) {
	svc, db, cfg := newTestService(t)

	buy, err := svc.PlaceMarketOrder(execution.PlaceOrderParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1.0,
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusFilled, buy.Order.Status)
	assert.InDelta(t, 1.10005, buy.Fill.Price, 1e-12)
	require.NotNil(t, buy.Position)
	assert.InDelta(t, 1.0, buy.Position.QtySigned, 1e-12)

	sell, err := svc.PlaceMarketOrder(execution.PlaceOrderParams{
		Symbol: "EURUSD", Side: types.SideSell, Qty: 1.0,
	}, candleAt(t0.Add(5*time.Minute), 1.1010))
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusFilled, sell.Order.Status)
	assert.InDelta(t, 1.10095, sell.Fill.Price, 1e-12)

	require.Len(t, sell.Trades, 1)
	assert.InDelta(t, 0.0009, sell.Trades[0].PnL, 1e-12)
	assert.Equal(t, execution.ExitReasonOrder, sell.Trades[0].ExitReason)
	assert.Nil(t, sell.Position, "position must be deleted when flat")
	assert.InDelta(t, cfg.InitialBalance+0.0009, sell.Account.Balance, 1e-9)

	var posCount int64
	require.NoError(t, db.Model(&types.Position{}).Count(&posCount).Error)
	assert.Zero(t, posCount)
}

func TestPlaceMarketOrder_IdempotencyKeyShortCircuits(t *testing.T) {
	svc, db, _ := newTestService(t)
	key := "client:abc:1"

	first, err := svc.PlaceMarketOrder(execution.PlaceOrderParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000, IdempotencyKey: &key,
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)
	assert.False(t, first.Idempotent)

	second, err := svc.PlaceMarketOrder(execution.PlaceOrderParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000, IdempotencyKey: &key,
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	var orderCount, fillCount int64
	require.NoError(t, db.Model(&types.Order{}).Count(&orderCount).Error)
	require.NoError(t, db.Model(&types.Fill{}).Count(&fillCount).Error)
	assert.EqualValues(t, 1, orderCount)
	assert.EqualValues(t, 1, fillCount)
}

func TestFill_AtMostOnePerOrder(t *testing.T) {
	svc, db, _ := newTestService(t)

	result, err := svc.PlaceMarketOrder(execution.PlaceOrderParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000,
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)

	dup := types.Fill{
		OrderID:   result.Order.ID,
		Timestamp: t0,
		Symbol:    "EURUSD",
		Side:      types.SideBuy,
		Qty:       1000,
		Price:     1.1,
	}
	err = db.Create(&dup).Error
	require.Error(t, err)
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
}

func TestPlaceMarketOrder_FlipResetsEntryAnchor(t *testing.T) {
	svc, _, _ := newTestService(t)

	buy, err := svc.PlaceMarketOrder(execution.PlaceOrderParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000,
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)

	flip, err := svc.PlaceMarketOrder(execution.PlaceOrderParams{
		Symbol: "EURUSD", Side: types.SideSell, Qty: 3000,
	}, candleAt(t0.Add(5*time.Minute), 1.1010))
	require.NoError(t, err)

	require.NotNil(t, flip.Position)
	assert.InDelta(t, -2000, flip.Position.QtySigned, 1e-9)
	assert.InDelta(t, flip.Fill.Price, flip.Position.AvgPrice, 1e-12)
	require.NotNil(t, flip.Position.EntryOrderID)
	assert.Equal(t, flip.Order.ID, *flip.Position.EntryOrderID)
	assert.NotEqual(t, buy.Order.ID, *flip.Position.EntryOrderID)
	require.Len(t, flip.Trades, 1)
	assert.InDelta(t, 1000, flip.Trades[0].Qty, 1e-9)
}

func TestPlaceMarketOrder_RejectsOnInsufficientMargin(t *testing.T) {
	svc, _, _ := newTestService(t)

	// 10M units at ~1.1 with 30x leverage needs ~366k margin against 10k.
	result, err := svc.PlaceMarketOrder(execution.PlaceOrderParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 10_000_000,
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)

	assert.Equal(t, types.OrderStatusRejected, result.Order.Status)
	assert.Equal(t, execution.RejectReasonInsufficientMargin, result.Order.Reason)
	assert.Nil(t, result.Fill)
}

func TestUpdateOnCandle_StopLossScenario(t *testing.T) {
	svc, db, _ := newTestService(t)

	sl := 1.0950
	pos := types.Position{
		Symbol:    "EURUSD",
		QtySigned: 1.0,
		AvgPrice:  1.1000,
		StopLoss:  &sl,
		OpenedAt:  t0,
	}
	require.NoError(t, db.Create(&pos).Error)

	trigger := candleAt(t0.Add(5*time.Minute), 1.0945)
	trigger.Low = 1.0940

	events, err := svc.UpdateOnCandle(trigger)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, execution.ExitReasonStopLoss, events[0].Reason)
	assert.False(t, events[0].Idempotent)

	// Exit at the bid derived from the stop level.
	assert.InDelta(t, 1.09495, events[0].Trade.ExitPrice, 1e-12)
	assert.Equal(t, execution.ExitReasonStopLoss, events[0].Trade.ExitReason)

	var posCount, tradeCount int64
	require.NoError(t, db.Model(&types.Position{}).Count(&posCount).Error)
	require.NoError(t, db.Model(&types.Trade{}).Count(&tradeCount).Error)
	assert.Zero(t, posCount)
	assert.EqualValues(t, 1, tradeCount)

	// Re-processing the same candle performs no second trade.
	again, err := svc.UpdateOnCandle(trigger)
	require.NoError(t, err)
	assert.Empty(t, again)
	require.NoError(t, db.Model(&types.Trade{}).Count(&tradeCount).Error)
	assert.EqualValues(t, 1, tradeCount)
}

func TestUpdateOnCandle_TakeProfitShort(t *testing.T) {
	svc, db, _ := newTestService(t)

	tp := 1.0900
	pos := types.Position{
		Symbol:     "EURUSD",
		QtySigned:  -1000,
		AvgPrice:   1.1000,
		TakeProfit: &tp,
		OpenedAt:   t0,
	}
	require.NoError(t, db.Create(&pos).Error)

	trigger := candleAt(t0.Add(5*time.Minute), 1.0910)
	trigger.Low = 1.0895

	events, err := svc.UpdateOnCandle(trigger)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, execution.ExitReasonTakeProfit, events[0].Reason)
	// Short exits buy at the ask derived from the target level.
	assert.InDelta(t, 1.09005, events[0].Trade.ExitPrice, 1e-12)
	assert.Positive(t, events[0].Trade.PnL)
}

func TestProcessNewOrdersForCandle_FillsPendingOrders(t *testing.T) {
	svc, db, _ := newTestService(t)

	own := storeCandle(t, db, t0, 1.1000)
	next := storeCandle(t, db, t0.Add(5*time.Minute), 1.1002)

	order := types.Order{
		Timestamp: t0,
		Symbol:    "EURUSD",
		Side:      types.SideBuy,
		Type:      types.OrderTypeMarket,
		Qty:       1000,
		Status:    types.OrderStatusNew,
	}
	require.NoError(t, db.Create(&order).Error)

	// The order's own candle is too early: nothing fills.
	results, err := svc.ProcessNewOrdersForCandle(own)
	require.NoError(t, err)
	assert.Empty(t, results)

	// The next candle fills it.
	results, err = svc.ProcessNewOrdersForCandle(next)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.OrderStatusFilled, results[0].Order.Status)
	require.NotNil(t, results[0].Fill)
	assert.InDelta(t, 1.10025, results[0].Fill.Price, 1e-12)

	// Re-running the candle finds no NEW orders left.
	results, err = svc.ProcessNewOrdersForCandle(next)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestProcessNewOrdersForCandle_FillsOnlyOnFirstCandleAfterOrder(t *testing.T) {
	svc, db, _ := newTestService(t)

	next := storeCandle(t, db, t0.Add(5*time.Minute), 1.1002)
	later := storeCandle(t, db, t0.Add(10*time.Minute), 1.2000)

	order := types.Order{
		Timestamp: t0,
		Symbol:    "EURUSD",
		Side:      types.SideBuy,
		Type:      types.OrderTypeMarket,
		Qty:       1000,
		Status:    types.OrderStatusNew,
	}
	require.NoError(t, db.Create(&order).Error)

	// A later candle is not the order's next bar: the order stays NEW and
	// must not fill at the later candle's price.
	results, err := svc.ProcessNewOrdersForCandle(later)
	require.NoError(t, err)
	assert.Empty(t, results)

	var pending types.Order
	require.NoError(t, db.Where("id = ?", order.ID).First(&pending).Error)
	assert.Equal(t, types.OrderStatusNew, pending.Status)

	// Only the first candle after the order is eligible.
	results, err = svc.ProcessNewOrdersForCandle(next)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.OrderStatusFilled, results[0].Order.Status)
	assert.InDelta(t, 1.10025, results[0].Fill.Price, 1e-12)
}

func TestFillSlippageReflectsExecutionPath(t *testing.T) {
	db := testutil.NewDB(t)
	cfg := config.Default()
	cfg.SlippagePips = 0.5
	eq := equity.NewService(db, cfg)
	svc := execution.NewService(db, cfg, eq)

	// Synchronous fills price at the side quote: no slippage applied, none
	// recorded.
	sync, err := svc.PlaceMarketOrder(execution.PlaceOrderParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000,
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)
	assert.InDelta(t, 1.10005, sync.Fill.Price, 1e-12)
	assert.Zero(t, sync.Fill.SlippagePips)
	assert.InDelta(t, 1.0, sync.Fill.SpreadPips, 1e-12)

	// Next-bar fills apply the configured slippage and record it.
	pending := types.Order{
		Timestamp: t0.Add(5 * time.Minute),
		Symbol:    "EURUSD",
		Side:      types.SideBuy,
		Type:      types.OrderTypeMarket,
		Qty:       1000,
		Status:    types.OrderStatusNew,
	}
	require.NoError(t, db.Create(&pending).Error)
	next := storeCandle(t, db, t0.Add(10*time.Minute), 1.1000)

	results, err := svc.ProcessNewOrdersForCandle(next)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.10010, results[0].Fill.Price, 1e-12)
	assert.InDelta(t, 0.5, results[0].Fill.SlippagePips, 1e-12)
}

func TestCancelOrder_OnlyNewOrders(t *testing.T) {
	svc, db, _ := newTestService(t)

	pending := types.Order{
		Timestamp: t0, Symbol: "EURUSD", Side: types.SideBuy,
		Type: types.OrderTypeMarket, Qty: 1000, Status: types.OrderStatusNew,
	}
	require.NoError(t, db.Create(&pending).Error)

	canceled, err := svc.CancelOrder(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCanceled, canceled.Status)

	// A filled order cannot be canceled.
	filled, err := svc.PlaceMarketOrder(execution.PlaceOrderParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000,
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)

	_, err = svc.CancelOrder(filled.Order.ID)
	assert.Error(t, err)
}
