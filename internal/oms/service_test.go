package oms_test

import (
	"testing"
	"time"

	"github.com/ksred/paper-api/internal/config"
	"github.com/ksred/paper-api/internal/equity"
	"github.com/ksred/paper-api/internal/execution"
	"github.com/ksred/paper-api/internal/oms"
	"github.com/ksred/paper-api/internal/risk"
	"github.com/ksred/paper-api/internal/testutil"
	"github.com/ksred/paper-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var t0 = time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*oms.Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	cfg := config.Default()
	eq := equity.NewService(db, cfg)
	execSvc := execution.NewService(db, cfg, eq)
	riskSvc := risk.NewService(db, cfg, eq)
	return oms.NewService(db, cfg, riskSvc, execSvc), db
}

func insertCandle(t *testing.T, db *gorm.DB, ts time.Time, mid float64) {
	t.Helper()
	require.NoError(t, db.Create(&types.Candle{
		Symbol:    "EURUSD",
		Timeframe: "M5",
		OpenTime:  ts,
		Open:      mid,
		High:      mid + 0.0005,
		Low:       mid - 0.0005,
		Close:     mid,
	}).Error)
}

func TestPlaceOrder_NoMarketData(t *testing.T) {
	svc, db := newTestService(t)

	_, err := svc.PlaceOrder(oms.PlaceOrderRequest{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000,
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, oms.ErrNoMarketData)

	// No candle means no timestamp, so no order row either.
	var count int64
	require.NoError(t, db.Model(&types.Order{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPlaceOrder_SymbolNotAllowed(t *testing.T) {
	svc, db := newTestService(t)

	// Without any candle there is no timestamp to record, so no row.
	_, err := svc.PlaceOrder(oms.PlaceOrderRequest{
		Symbol: "XAUUSD", Side: types.SideBuy, Qty: 1000,
	}, nil)
	assert.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&types.Order{}).Count(&count).Error)
	assert.Zero(t, count)

	// With market data the rejection is persisted like any other validation
	// failure, timestamped from the configured pair's latest candle.
	insertCandle(t, db, t0, 1.1000)
	result, err := svc.PlaceOrder(oms.PlaceOrderRequest{
		Symbol: "XAUUSD", Side: types.SideBuy, Qty: 1000,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusRejected, result.Order.Status)
	assert.Equal(t, oms.RejectReasonSymbolNotAllowed, result.Order.Reason)
	assert.Equal(t, t0, result.Order.Timestamp)
	require.NoError(t, db.Model(&types.Order{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestPlaceOrder_ValidationRejectionsPersist(t *testing.T) {
	svc, db := newTestService(t)
	insertCandle(t, db, t0, 1.1000)

	tests := []struct {
		name   string
		req    oms.PlaceOrderRequest
		reason string
	}{
		{
			"below min qty",
			oms.PlaceOrderRequest{Symbol: "EURUSD", Side: types.SideBuy, Qty: 500},
			oms.RejectReasonBelowMinQty,
		},
		{
			"limit orders unsupported",
			oms.PlaceOrderRequest{Symbol: "EURUSD", Side: types.SideBuy, Type: "LIMIT", Qty: 1000},
			oms.RejectReasonUnsupportedType,
		},
		{
			"unknown side",
			oms.PlaceOrderRequest{Symbol: "EURUSD", Side: "LONG", Qty: 1000},
			oms.RejectReasonUnsupportedSide,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := svc.PlaceOrder(tt.req, nil)
			require.NoError(t, err)
			assert.Equal(t, types.OrderStatusRejected, result.Order.Status)
			assert.Equal(t, tt.reason, result.Order.Reason)
			assert.Equal(t, t0, result.Order.Timestamp, "rejection carries the candle time")
			assert.Nil(t, result.Fill)
		})
	}
}

func TestPlaceOrder_RiskRejectionPersists(t *testing.T) {
	svc, db := newTestService(t)
	insertCandle(t, db, t0, 1.1000)

	// A 2000 pip stop sizes the order to zero.
	stop := 2000.0
	result, err := svc.PlaceOrder(oms.PlaceOrderRequest{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 50_000, StopDistancePips: &stop,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, types.OrderStatusRejected, result.Order.Status)
	assert.Equal(t, risk.ReasonSizedToZero, result.Order.Reason)
	require.NotNil(t, result.Risk)
	assert.False(t, result.Risk.Allowed)
}

func TestPlaceOrder_ApprovedQtyIsRiskSized(t *testing.T) {
	svc, db := newTestService(t)
	insertCandle(t, db, t0, 1.1000)

	stop := 50.0
	result, err := svc.PlaceOrder(oms.PlaceOrderRequest{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 50_000, StopDistancePips: &stop,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, types.OrderStatusFilled, result.Order.Status)
	assert.InDelta(t, 20_000, result.Order.Qty, 1e-9)
	require.NotNil(t, result.Fill)
	assert.InDelta(t, 1.10005, result.Fill.Price, 1e-12)
	require.NotNil(t, result.Position)
	assert.InDelta(t, 20_000, result.Position.QtySigned, 1e-9)
}

func TestPlaceOrder_DerivesStopDistanceFromStopLoss(t *testing.T) {
	svc, db := newTestService(t)
	insertCandle(t, db, t0, 1.1000)

	// Entry at the ask 1.10005 with a stop at 1.09505 is a 50 pip distance,
	// so sizing matches the explicit-pips case.
	sl := 1.09505
	result, err := svc.PlaceOrder(oms.PlaceOrderRequest{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 50_000, StopLoss: &sl,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, types.OrderStatusFilled, result.Order.Status)
	assert.InDelta(t, 20_000, result.Order.Qty, 1e-9)
	require.NotNil(t, result.Position)
	require.NotNil(t, result.Position.StopLoss)
	assert.InDelta(t, sl, *result.Position.StopLoss, 1e-12)
}

func TestPlaceOrder_IdempotencyKeyReturnsPrior(t *testing.T) {
	svc, db := newTestService(t)
	insertCandle(t, db, t0, 1.1000)

	key := "client:req:42"
	first, err := svc.PlaceOrder(oms.PlaceOrderRequest{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000,
	}, &key)
	require.NoError(t, err)

	second, err := svc.PlaceOrder(oms.PlaceOrderRequest{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000,
	}, &key)
	require.NoError(t, err)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	var count int64
	require.NoError(t, db.Model(&types.Order{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestListOrders_Filters(t *testing.T) {
	svc, db := newTestService(t)
	insertCandle(t, db, t0, 1.1000)

	_, err := svc.PlaceOrder(oms.PlaceOrderRequest{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000,
	}, nil)
	require.NoError(t, err)
	_, err = svc.PlaceOrder(oms.PlaceOrderRequest{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 100,
	}, nil)
	require.NoError(t, err)

	all, err := svc.ListOrders(oms.ListOrdersFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filled, err := svc.ListOrders(oms.ListOrdersFilter{Status: types.OrderStatusFilled})
	require.NoError(t, err)
	require.Len(t, filled, 1)
	assert.InDelta(t, 1000, filled[0].Qty, 1e-9)

	rejected, err := svc.ListOrders(oms.ListOrdersFilter{Status: types.OrderStatusRejected})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, oms.RejectReasonBelowMinQty, rejected[0].Reason)
}

func TestGetOrder_IncludesFill(t *testing.T) {
	svc, db := newTestService(t)
	insertCandle(t, db, t0, 1.1000)

	placed, err := svc.PlaceOrder(oms.PlaceOrderRequest{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000,
	}, nil)
	require.NoError(t, err)

	order, fill, err := svc.GetOrder(placed.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, placed.Order.ID, order.ID)
	require.NotNil(t, fill)
	assert.Equal(t, order.ID, fill.OrderID)
}
