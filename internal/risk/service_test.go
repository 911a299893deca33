package risk_test

import (
	"testing"
	"time"

	"github.com/ksred/paper-api/internal/config"
	"github.com/ksred/paper-api/internal/equity"
	"github.com/ksred/paper-api/internal/risk"
	"github.com/ksred/paper-api/internal/testutil"
	"github.com/ksred/paper-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var t0 = time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

func candleAt(ts time.Time, mid float64) *types.Candle {
	return &types.Candle{
		Symbol:    "EURUSD",
		Timeframe: "M5",
		OpenTime:  ts,
		Open:      mid,
		High:      mid + 0.0005,
		Low:       mid - 0.0005,
		Close:     mid,
	}
}

func newTestService(t *testing.T) (*risk.Service, *gorm.DB, *config.Config) {
	t.Helper()
	db := testutil.NewDB(t)
	cfg := config.Default()
	eq := equity.NewService(db, cfg)
	return risk.NewService(db, cfg, eq), db, cfg
}

func pips(v float64) *float64 { return &v }

func TestEnsureLimits_SeededFromConfig(t *testing.T) {
	svc, _, cfg := newTestService(t)

	limits, err := svc.GetLimits()
	require.NoError(t, err)

	assert.Equal(t, equity.DefaultAccountID, limits.AccountID)
	assert.Equal(t, cfg.MaxOpenPositions, limits.MaxOpenPositions)
	assert.Equal(t, cfg.MaxOpenPositionsPerSymbol, limits.MaxOpenPositionsPerSymbol)
	assert.InDelta(t, cfg.MaxSymbolNotional, limits.MaxSymbolNotional, 1e-9)
	assert.InDelta(t, cfg.RiskPerTradePct, limits.RiskPerTradePct, 1e-12)
	assert.InDelta(t, cfg.LotStep, limits.LotStep, 1e-9)
}

func TestUpdateLimits_Persists(t *testing.T) {
	svc, _, _ := newTestService(t)

	updated, err := svc.UpdateLimits(&risk.Limits{
		MaxOpenPositions:          3,
		MaxOpenPositionsPerSymbol: 2,
		MaxTotalNotional:          2_000_000,
		MaxSymbolNotional:         750_000,
		RiskPerTradePct:           0.02,
		DailyLossLimitPct:         0.1,
		LotStep:                   500,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, updated.MaxOpenPositions)

	reread, err := svc.GetLimits()
	require.NoError(t, err)
	assert.Equal(t, 2, reread.MaxOpenPositionsPerSymbol)
	assert.InDelta(t, 750_000, reread.MaxSymbolNotional, 1e-9)
	assert.InDelta(t, 0.02, reread.RiskPerTradePct, 1e-12)
	assert.InDelta(t, 500.0, reread.LotStep, 1e-9)
}

func TestCheckOrder_SizesDownToRiskBudget(t *testing.T) {
	svc, _, _ := newTestService(t)

	// 1% of 10,000 equity is 100 at risk; a 50 pip stop risks 0.005 per
	// unit, so the 50,000 request is cut to 20,000.
	decision, err := svc.CheckOrder(risk.CheckParams{
		Symbol:           "EURUSD",
		Side:             types.SideBuy,
		Qty:              50_000,
		StopDistancePips: pips(50),
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)

	assert.True(t, decision.Allowed)
	assert.InDelta(t, 20_000, decision.ApprovedQty, 1e-9)
	assert.Empty(t, decision.Reason)
	assert.InDelta(t, 100.0, decision.Metrics["risk_amount"], 1e-9)
	assert.InDelta(t, 20_000, decision.Metrics["sized_qty"], 1e-9)
}

func TestCheckOrder_SizingNeverIncreasesRequest(t *testing.T) {
	svc, _, _ := newTestService(t)

	// The risk budget would allow 20,000 but only 5,000 was asked for.
	decision, err := svc.CheckOrder(risk.CheckParams{
		Symbol:           "EURUSD",
		Side:             types.SideBuy,
		Qty:              5_000,
		StopDistancePips: pips(50),
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)

	assert.True(t, decision.Allowed)
	assert.InDelta(t, 5_000, decision.ApprovedQty, 1e-9)
}

func TestCheckOrder_SizedToZero(t *testing.T) {
	svc, _, _ := newTestService(t)

	// A 2000 pip stop risks 0.2 per unit: 100 / 0.2 = 500 units, which a
	// 1000-unit lot step floors to zero.
	decision, err := svc.CheckOrder(risk.CheckParams{
		Symbol:           "EURUSD",
		Side:             types.SideBuy,
		Qty:              50_000,
		StopDistancePips: pips(2000),
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)

	assert.False(t, decision.Allowed)
	assert.Equal(t, risk.ReasonSizedToZero, decision.Reason)
	assert.Zero(t, decision.ApprovedQty)
}

func TestCheckOrder_DailyLossLimitHaltsFirst(t *testing.T) {
	svc, db, _ := newTestService(t)

	// First check fixes the day-start watermark at 10,000.
	_, err := svc.CheckOrder(risk.CheckParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000,
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)

	// Equity drops below the 5% daily floor.
	require.NoError(t, db.Model(&types.Account{}).
		Where("id = ?", equity.DefaultAccountID).
		Update("balance", 9400.0).Error)

	// A symbol-limit violation is also present; the daily loss check must
	// still win because it runs first.
	require.NoError(t, db.Create(&types.Position{
		Symbol: "EURUSD", QtySigned: 1000, AvgPrice: 1.1, OpenedAt: t0,
	}).Error)

	decision, err := svc.CheckOrder(risk.CheckParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000,
	}, candleAt(t0.Add(5*time.Minute), 1.1000))
	require.NoError(t, err)

	assert.False(t, decision.Allowed)
	assert.Equal(t, risk.ReasonDailyLossLimit, decision.Reason)
	assert.InDelta(t, 10_000, decision.Metrics["day_start_equity"], 1e-6)
}

func TestCheckOrder_MaxOpenPositions(t *testing.T) {
	svc, db, _ := newTestService(t)

	for _, sym := range []string{"GBPUSD", "USDJPY", "AUDUSD", "USDCAD", "NZDUSD"} {
		require.NoError(t, db.Create(&types.Position{
			Symbol: sym, QtySigned: 1000, AvgPrice: 1.1, OpenedAt: t0,
		}).Error)
	}

	decision, err := svc.CheckOrder(risk.CheckParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000,
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)

	assert.False(t, decision.Allowed)
	assert.Equal(t, risk.ReasonMaxOpenPositions, decision.Reason)
	assert.InDelta(t, 5, decision.Metrics["open_positions"], 1e-9)
}

func TestCheckOrder_MaxSymbolPositions(t *testing.T) {
	svc, db, _ := newTestService(t)

	require.NoError(t, db.Create(&types.Position{
		Symbol: "EURUSD", QtySigned: 1000, AvgPrice: 1.1, OpenedAt: t0,
	}).Error)

	decision, err := svc.CheckOrder(risk.CheckParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000,
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)

	assert.False(t, decision.Allowed)
	assert.Equal(t, risk.ReasonMaxSymbolPositions, decision.Reason)
}

func TestCheckOrder_SymbolNotionalCap(t *testing.T) {
	svc, _, _ := newTestService(t)

	// 460,000 units at mid 1.1 is 506,000 notional against a 500,000 cap.
	decision, err := svc.CheckOrder(risk.CheckParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 460_000,
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)

	assert.False(t, decision.Allowed)
	assert.Equal(t, risk.ReasonSymbolNotionalCap, decision.Reason)
}

func TestCheckOrder_TotalNotionalCap(t *testing.T) {
	svc, _, _ := newTestService(t)

	limits, err := svc.GetLimits()
	require.NoError(t, err)
	limits.MaxSymbolNotional = 2_000_000
	_, err = svc.UpdateLimits(limits)
	require.NoError(t, err)

	decision, err := svc.CheckOrder(risk.CheckParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 950_000,
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)

	assert.False(t, decision.Allowed)
	assert.Equal(t, risk.ReasonTotalNotionalCap, decision.Reason)
}

func TestCheckOrder_InsufficientMarginIsLast(t *testing.T) {
	svc, _, _ := newTestService(t)

	limits, err := svc.GetLimits()
	require.NoError(t, err)
	limits.MaxSymbolNotional = 1e9
	limits.MaxTotalNotional = 1e9
	_, err = svc.UpdateLimits(limits)
	require.NoError(t, err)

	// 400,000 units at 1.1 with 30x leverage needs ~14,667 margin against
	// 10,000 free.
	decision, err := svc.CheckOrder(risk.CheckParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 400_000,
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)

	assert.False(t, decision.Allowed)
	assert.Equal(t, risk.ReasonInsufficientMargin, decision.Reason)
	assert.Greater(t, decision.Metrics["margin_required"], decision.Metrics["free_margin"])
}

func TestCheckOrder_MarginUsesAccountLeverage(t *testing.T) {
	svc, db, cfg := newTestService(t)

	limits, err := svc.GetLimits()
	require.NoError(t, err)
	limits.MaxSymbolNotional = 1e9
	limits.MaxTotalNotional = 1e9
	_, err = svc.UpdateLimits(limits)
	require.NoError(t, err)

	// Seed the account row, then drop its leverage below the configured
	// default: the margin check must follow the row.
	_, err = svc.CheckOrder(risk.CheckParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000,
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)
	require.NoError(t, db.Model(&types.Account{}).
		Where("id = ?", equity.DefaultAccountID).
		Update("leverage", 1.0).Error)

	// 50,000 units at 1.1 is 55,000 notional: fine at the configured 30x
	// (1,833 margin), impossible at the row's 1x against 10,000 equity.
	decision, err := svc.CheckOrder(risk.CheckParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 50_000,
	}, candleAt(t0.Add(5*time.Minute), 1.1000))
	require.NoError(t, err)

	assert.False(t, decision.Allowed)
	assert.Equal(t, risk.ReasonInsufficientMargin, decision.Reason)
	assert.InDelta(t, 55_000/1.0, decision.Metrics["margin_required"], 1e-6)
	assert.Greater(t, cfg.AccountLeverage, 1.0)
}

func TestDailyEquityWatermark(t *testing.T) {
	svc, db, _ := newTestService(t)

	_, err := svc.CheckOrder(risk.CheckParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000,
	}, candleAt(t0, 1.1000))
	require.NoError(t, err)

	// A modest drawdown ratchets the minimum but never the day start.
	require.NoError(t, db.Model(&types.Account{}).
		Where("id = ?", equity.DefaultAccountID).
		Update("balance", 9900.0).Error)
	_, err = svc.CheckOrder(risk.CheckParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000,
	}, candleAt(t0.Add(5*time.Minute), 1.1000))
	require.NoError(t, err)

	day := time.Date(t0.Year(), t0.Month(), t0.Day(), 0, 0, 0, 0, time.UTC)
	var mark risk.DailyEquity
	require.NoError(t, db.Where("account_id = ? AND day = ?", equity.DefaultAccountID, day).
		First(&mark).Error)
	assert.InDelta(t, 10_000, mark.DayStartEquity, 1e-6)
	assert.InDelta(t, 9_900, mark.MinEquity, 1e-6)

	// A recovery does not lift the minimum back up.
	require.NoError(t, db.Model(&types.Account{}).
		Where("id = ?", equity.DefaultAccountID).
		Update("balance", 9950.0).Error)
	_, err = svc.CheckOrder(risk.CheckParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000,
	}, candleAt(t0.Add(10*time.Minute), 1.1000))
	require.NoError(t, err)
	require.NoError(t, db.Where("account_id = ? AND day = ?", equity.DefaultAccountID, day).
		First(&mark).Error)
	assert.InDelta(t, 9_900, mark.MinEquity, 1e-6)

	// The next trading day opens a fresh watermark at current equity.
	nextDay := t0.Add(24 * time.Hour)
	_, err = svc.CheckOrder(risk.CheckParams{
		Symbol: "EURUSD", Side: types.SideBuy, Qty: 1000,
	}, candleAt(nextDay, 1.1000))
	require.NoError(t, err)

	var next risk.DailyEquity
	require.NoError(t, db.Where("account_id = ? AND day = ?", equity.DefaultAccountID,
		time.Date(nextDay.Year(), nextDay.Month(), nextDay.Day(), 0, 0, 0, 0, time.UTC)).
		First(&next).Error)
	assert.InDelta(t, 9_950, next.DayStartEquity, 1e-6)
}
