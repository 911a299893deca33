package strategy

import "github.com/ksred/paper-api/internal/types"

// EMA computes an exponential moving average series over closes with the
// standard 2/(period+1) smoothing, seeded by the first close.
func EMA(candles []types.Candle, period int) []float64 {
	if len(candles) == 0 || period <= 0 {
		return nil
	}
	k := 2.0 / (float64(period) + 1.0)
	out := make([]float64, len(candles))
	out[0] = candles[0].Close
	for i := 1; i < len(candles); i++ {
		out[i] = candles[i].Close*k + out[i-1]*(1.0-k)
	}
	return out
}

// ATR computes the average true range over the trailing period using a
// simple moving average of true ranges. Returns 0 when there is not enough
// history.
func ATR(candles []types.Candle, period int) float64 {
	if len(candles) < period+1 || period <= 0 {
		return 0
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		tr := trueRange(&candles[i], &candles[i-1])
		sum += tr
	}
	return sum / float64(period)
}

func trueRange(current, previous *types.Candle) float64 {
	hl := current.High - current.Low
	hc := abs(current.High - previous.Close)
	lc := abs(current.Low - previous.Close)
	return max3(hl, hc, lc)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}
