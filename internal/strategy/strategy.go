// Package strategy turns candle history into trading intents. Intents are
// advisory: every one is re-validated and sized by the risk checks before
// any order exists.
package strategy

import (
	"fmt"
	"time"

	"github.com/ksred/paper-api/internal/types"
)

// Intent actions.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"
)

// Intent is one trading decision for one candle. StopLoss and TakeProfit
// are price hints derived from volatility; the risk engine converts the
// stop distance into a position size.
type Intent struct {
	Action     string             `json:"action"`
	Symbol     string             `json:"symbol"`
	Timeframe  string             `json:"timeframe"`
	Timestamp  time.Time          `json:"ts"`
	StopLoss   *float64           `json:"stop_loss,omitempty"`
	TakeProfit *float64           `json:"take_profit,omitempty"`
	Reason     string             `json:"reason"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// Hold reports whether the intent requires no action.
func (i *Intent) Hold() bool {
	return i.Action == ActionHold
}

// Summary renders the intent for run reports and notifications.
func (i *Intent) Summary() string {
	if i.Hold() {
		return fmt.Sprintf("HOLD %s %s @ %s: %s", i.Symbol, i.Timeframe, i.Timestamp.Format(time.RFC3339), i.Reason)
	}
	return fmt.Sprintf("%s %s %s @ %s: %s", i.Action, i.Symbol, i.Timeframe, i.Timestamp.Format(time.RFC3339), i.Reason)
}

// Params tunes the crossover strategy.
type Params struct {
	FastPeriod int
	SlowPeriod int
	ATRPeriod  int
	StopATR    float64
	TargetATR  float64
}

// DefaultParams are the production parameters.
func DefaultParams() Params {
	return Params{
		FastPeriod: 20,
		SlowPeriod: 50,
		ATRPeriod:  14,
		StopATR:    1.5,
		TargetATR:  2.0,
	}
}

// EMACross signals on fast/slow EMA crossovers with ATR-derived protective
// levels. It is a pure function of the candle window it is given.
type EMACross struct {
	params Params
}

func NewEMACross(params Params) *EMACross {
	return &EMACross{params: params}
}

// MinHistory is the number of candles required before a signal can form.
func (s *EMACross) MinHistory() int {
	n := s.params.SlowPeriod + 1
	if s.params.ATRPeriod+1 > n {
		n = s.params.ATRPeriod + 1
	}
	return n
}

// Evaluate produces the intent for the final candle of the window. The
// window must be in ascending time order and end at the decision candle.
func (s *EMACross) Evaluate(candles []types.Candle) *Intent {
	last := len(candles) - 1
	if last < 0 {
		return nil
	}
	decision := &candles[last]
	intent := &Intent{
		Action:    ActionHold,
		Symbol:    decision.Symbol,
		Timeframe: decision.Timeframe,
		Timestamp: decision.OpenTime,
	}

	if len(candles) < s.MinHistory() {
		intent.Reason = fmt.Sprintf("insufficient history: %d candles, need %d", len(candles), s.MinHistory())
		return intent
	}

	fast := EMA(candles, s.params.FastPeriod)
	slow := EMA(candles, s.params.SlowPeriod)
	atr := ATR(candles, s.params.ATRPeriod)

	intent.Indicators = map[string]float64{
		"ema_fast": fast[last],
		"ema_slow": slow[last],
		"atr":      atr,
	}

	prevDiff := fast[last-1] - slow[last-1]
	currDiff := fast[last] - slow[last]

	switch {
	case prevDiff <= 0 && currDiff > 0:
		intent.Action = ActionBuy
		intent.Reason = fmt.Sprintf("ema%d crossed above ema%d", s.params.FastPeriod, s.params.SlowPeriod)
	case prevDiff >= 0 && currDiff < 0:
		intent.Action = ActionSell
		intent.Reason = fmt.Sprintf("ema%d crossed below ema%d", s.params.FastPeriod, s.params.SlowPeriod)
	default:
		intent.Reason = "no crossover"
		return intent
	}

	if atr > 0 {
		entry := decision.Open
		if intent.Action == ActionBuy {
			sl := entry - s.params.StopATR*atr
			tp := entry + s.params.TargetATR*atr
			intent.StopLoss = &sl
			intent.TakeProfit = &tp
		} else {
			sl := entry + s.params.StopATR*atr
			tp := entry - s.params.TargetATR*atr
			intent.StopLoss = &sl
			intent.TakeProfit = &tp
		}
	}
	return intent
}
