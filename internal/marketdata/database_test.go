package marketdata_test

import (
	"testing"
	"time"

	"github.com/ksred/paper-api/internal/marketdata"
	"github.com/ksred/paper-api/internal/testutil"
	"github.com/ksred/paper-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

func seedCandles(t *testing.T, store *marketdata.Database, n int) []types.Candle {
	t.Helper()
	candles := make([]types.Candle, n)
	for i := range candles {
		mid := 1.1000 + float64(i)*0.0010
		candles[i] = types.Candle{
			Symbol:    "EURUSD",
			Timeframe: "M5",
			OpenTime:  t0.Add(time.Duration(i) * 5 * time.Minute),
			Open:      mid,
			High:      mid + 0.0005,
			Low:       mid - 0.0005,
			Close:     mid + 0.0002,
		}
	}
	require.NoError(t, store.Insert(candles))
	return candles
}

func TestGetExact_NoFallback(t *testing.T) {
	store := marketdata.NewDatabase(testutil.NewDB(t))
	seedCandles(t, store, 3)

	candle, err := store.GetExact("EURUSD", "M5", t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 1.1010, candle.Open, 1e-12)

	// A time between candles is an error, never the neighbouring candle.
	_, err = store.GetExact("EURUSD", "M5", t0.Add(7*time.Minute))
	assert.ErrorIs(t, err, marketdata.ErrNoCandle)
}

func TestLatestAndAtOrBefore(t *testing.T) {
	store := marketdata.NewDatabase(testutil.NewDB(t))
	candles := seedCandles(t, store, 3)

	latest, err := store.Latest("EURUSD", "M5")
	require.NoError(t, err)
	assert.Equal(t, candles[2].OpenTime, latest.OpenTime)

	_, err = store.Latest("GBPUSD", "M5")
	assert.ErrorIs(t, err, marketdata.ErrNoCandle)

	atOrBefore, err := store.LatestAtOrBefore("EURUSD", "M5", t0.Add(7*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, candles[1].OpenTime, atOrBefore.OpenTime)
}

func TestFirstAfter_NextBarLookup(t *testing.T) {
	store := marketdata.NewDatabase(testutil.NewDB(t))
	candles := seedCandles(t, store, 2)

	next, err := store.FirstAfter("EURUSD", "M5", candles[0].OpenTime)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, candles[1].OpenTime, next.OpenTime)

	// The series has not advanced past the last candle yet.
	none, err := store.FirstAfter("EURUSD", "M5", candles[1].OpenTime)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestHistoryUpTo_ChronologicalWindow(t *testing.T) {
	store := marketdata.NewDatabase(testutil.NewDB(t))
	candles := seedCandles(t, store, 5)

	history, err := store.HistoryUpTo("EURUSD", "M5", candles[3].OpenTime, 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, candles[1].OpenTime, history[0].OpenTime)
	assert.Equal(t, candles[3].OpenTime, history[2].OpenTime)
}

func TestInsert_DuplicatesAreSkipped(t *testing.T) {
	store := marketdata.NewDatabase(testutil.NewDB(t))
	candles := seedCandles(t, store, 3)

	// Re-ingesting the same candles is a no-op; stored rows stay immutable.
	mutated := make([]types.Candle, len(candles))
	copy(mutated, candles)
	for i := range mutated {
		mutated[i].ID = 0
		mutated[i].Close = 9.9999
	}
	require.NoError(t, store.Insert(mutated))

	stored, err := store.Range("EURUSD", "M5", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for i := range stored {
		assert.InDelta(t, candles[i].Close, stored[i].Close, 1e-12)
	}
}
