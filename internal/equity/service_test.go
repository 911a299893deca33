package equity_test

import (
	"testing"
	"time"

	"github.com/ksred/paper-api/internal/config"
	"github.com/ksred/paper-api/internal/equity"
	"github.com/ksred/paper-api/internal/pricing"
	"github.com/ksred/paper-api/internal/testutil"
	"github.com/ksred/paper-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var asof = time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

func testCandle(ts time.Time, mid float64) *types.Candle {
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

func TestEnsureAccount_CreatesSingletonOnce(t *testing.T) {
	db := testutil.NewDB(t)
	cfg := config.Default()
	svc := equity.NewService(db, cfg)

	var first, second *types.Account
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		first, err = svc.EnsureAccount(tx, asof, false)
		if err != nil {
			return err
		}
		second, err = svc.EnsureAccount(tx, asof.Add(time.Hour), false)
		return err
	}))

	assert.Equal(t, equity.DefaultAccountID, first.ID)
	assert.Equal(t, first.ID, second.ID)
	assert.InDelta(t, cfg.InitialBalance, first.Balance, 1e-9)
	assert.Equal(t, asof, first.MarkedAt, "second lookup must not reset the marked-at time")

	var count int64
	require.NoError(t, db.Model(&types.Account{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestMarginForQty(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	svc := equity.NewService(nil, cfg)

	assert.InDelta(t, 20000*1.1/30.0, svc.MarginForQty(20000, 1.1, 30), 1e-9)
	assert.InDelta(t, 20000*1.1/30.0, svc.MarginForQty(-20000, 1.1, 30), 1e-9, "margin is direction-agnostic")
}

func TestAdditionalMarginForNetting(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	svc := equity.NewService(nil, cfg)

	// Opening from flat: full margin.
	assert.InDelta(t, 1000*1.1/30.0, svc.AdditionalMarginForNetting(0, 1000, 1.1, 30), 1e-9)
	// Reducing frees margin: delta is zero, never negative.
	assert.Zero(t, svc.AdditionalMarginForNetting(2000, -1000, 1.1, 30))
	// Flipping beyond the current size only charges the increase.
	delta := svc.AdditionalMarginForNetting(1000, -3000, 1.1, 30)
	assert.InDelta(t, (2000-1000)*1.1/30.0, delta, 1e-9)
}

func TestUnrealizedPnL_SideCorrectQuotes(t *testing.T) {
	t.Parallel()

	quote := pricing.NewModel(0.0001, 1.0, 0).QuoteMid(1.1010)

	long := &types.Position{QtySigned: 1000, AvgPrice: 1.1000}
	short := &types.Position{QtySigned: -1000, AvgPrice: 1.1000}

	// Long marks at bid, short at ask.
	assert.InDelta(t, (1.10095-1.1000)*1000, equity.UnrealizedPnL(long, quote), 1e-9)
	assert.InDelta(t, (1.1000-1.10105)*1000, equity.UnrealizedPnL(short, quote), 1e-9)
}

func TestComputeAccountState_SumsPositions(t *testing.T) {
	db := testutil.NewDB(t)
	cfg := config.Default()
	svc := equity.NewService(db, cfg)

	require.NoError(t, db.Create(&types.Position{
		Symbol: "EURUSD", QtySigned: 1000, AvgPrice: 1.1000, OpenedAt: asof,
	}).Error)

	candle := testCandle(asof, 1.1010)
	var state *equity.State
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		state, err = svc.ComputeAccountState(tx, candle)
		return err
	}))

	unrealized := (1.10095 - 1.1000) * 1000
	assert.InDelta(t, cfg.InitialBalance, state.Balance, 1e-9)
	assert.InDelta(t, unrealized, state.UnrealizedPnL, 1e-9)
	assert.InDelta(t, cfg.InitialBalance+unrealized, state.Equity, 1e-9)
	assert.InDelta(t, 1000*1.10095/30.0, state.MarginUsed, 1e-9)
	assert.InDelta(t, state.Equity-state.MarginUsed, state.FreeMargin, 1e-9)
}

func TestMarkToMarket_IdempotentPerCandle(t *testing.T) {
	db := testutil.NewDB(t)
	cfg := config.Default()
	svc := equity.NewService(db, cfg)

	candle := testCandle(asof, 1.1000)

	first, err := svc.MarkToMarket(candle)
	require.NoError(t, err)
	assert.False(t, first.Idempotent)

	second, err := svc.MarkToMarket(candle)
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.SnapshotID, second.SnapshotID)
	assert.Equal(t, first.Equity, second.Equity)

	var count int64
	require.NoError(t, db.Model(&types.AccountSnapshot{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// A later candle produces a new snapshot.
	third, err := svc.MarkToMarket(testCandle(asof.Add(5*time.Minute), 1.1005))
	require.NoError(t, err)
	assert.False(t, third.Idempotent)
	assert.NotEqual(t, first.SnapshotID, third.SnapshotID)
}

func TestMarkToMarket_UpdatesAccountRow(t *testing.T) {
	db := testutil.NewDB(t)
	cfg := config.Default()
	svc := equity.NewService(db, cfg)

	require.NoError(t, db.Create(&types.Position{
		Symbol: "EURUSD", QtySigned: 1000, AvgPrice: 1.1000, OpenedAt: asof,
	}).Error)

	candle := testCandle(asof, 1.1010)
	result, err := svc.MarkToMarket(candle)
	require.NoError(t, err)

	var acct types.Account
	require.NoError(t, db.Where("id = ?", equity.DefaultAccountID).First(&acct).Error)
	assert.InDelta(t, result.Equity, acct.Equity, 1e-9)
	assert.InDelta(t, result.MarginUsed, acct.MarginUsed, 1e-9)
	assert.Equal(t, candle.OpenTime, acct.MarkedAt)
}
