// Package risk sizes and vets orders through an ordered waterfall of
// limits before they reach execution.
package risk

import (
	"errors"
	"math"
	"time"

	"github.com/ksred/paper-api/internal/config"
	"github.com/ksred/paper-api/internal/equity"
	"github.com/ksred/paper-api/internal/pricing"
	"github.com/ksred/paper-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Rejection reasons, in waterfall order.
const (
	ReasonDailyLossLimit     = "daily_loss_limit"
	ReasonMaxOpenPositions   = "max_open_positions"
	ReasonMaxSymbolPositions = "max_symbol_positions"
	ReasonSizedToZero        = "risk_sized_to_zero"
	ReasonSymbolNotionalCap  = "symbol_notional_cap"
	ReasonTotalNotionalCap   = "total_notional_cap"
	ReasonInsufficientMargin = "insufficient_margin"
)

// Decision is the outcome of a risk check. ApprovedQty may be smaller than
// the requested quantity when position sizing reduced it. Metrics captures
// the numbers each passed check was computed from.
type Decision struct {
	Allowed     bool               `json:"allowed"`
	ApprovedQty float64            `json:"approved_qty"`
	Reason      string             `json:"reason,omitempty"`
	Metrics     map[string]float64 `json:"metrics"`
}

// CheckParams describes the candidate order to vet.
type CheckParams struct {
	Symbol string
	Side   string
	Qty    float64
	// StopDistancePips enables position sizing when set.
	StopDistancePips *float64
}

// Service evaluates the risk waterfall against the current account state.
type Service struct {
	db     *gorm.DB
	cfg    *config.Config
	equity *equity.Service
	pricer pricing.Model
	logger zerolog.Logger
}

func NewService(db *gorm.DB, cfg *config.Config, eq *equity.Service) *Service {
	return &Service{
		db:     db,
		cfg:    cfg,
		equity: eq,
		pricer: pricing.NewModel(cfg.PipSize, cfg.SpreadPips, cfg.SlippagePips),
		logger: log.With().Str("service", "risk").Logger(),
	}
}

// EnsureLimits returns the account's limits row, creating it from the
// configured defaults when absent.
func (s *Service) EnsureLimits(tx *gorm.DB) (*Limits, error) {
	var limits Limits
	err := tx.Where("account_id = ?", equity.DefaultAccountID).First(&limits).Error
	if err == nil {
		return &limits, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	limits = Limits{
		AccountID:                 equity.DefaultAccountID,
		MaxOpenPositions:          s.cfg.MaxOpenPositions,
		MaxOpenPositionsPerSymbol: s.cfg.MaxOpenPositionsPerSymbol,
		MaxTotalNotional:          s.cfg.MaxTotalNotional,
		MaxSymbolNotional:         s.cfg.MaxSymbolNotional,
		RiskPerTradePct:           s.cfg.RiskPerTradePct,
		DailyLossLimitPct:         s.cfg.DailyLossLimitPct,
		DailyLossLimitAmount:      s.cfg.DailyLossLimitAmount,
		LotStep:                   s.cfg.LotStep,
	}
	if createErr := tx.Create(&limits).Error; createErr != nil {
		if errors.Is(createErr, gorm.ErrDuplicatedKey) {
			var existing Limits
			if retryErr := tx.Where("account_id = ?", equity.DefaultAccountID).First(&existing).Error; retryErr != nil {
				return nil, retryErr
			}
			return &existing, nil
		}
		return nil, createErr
	}
	return &limits, nil
}

// UpdateLimits overwrites the adjustable fields of the limits row.
func (s *Service) UpdateLimits(updated *Limits) (*Limits, error) {
	var result *Limits
	err := s.db.Transaction(func(tx *gorm.DB) error {
		limits, err := s.EnsureLimits(tx)
		if err != nil {
			return err
		}
		limits.MaxOpenPositions = updated.MaxOpenPositions
		limits.MaxOpenPositionsPerSymbol = updated.MaxOpenPositionsPerSymbol
		limits.MaxTotalNotional = updated.MaxTotalNotional
		limits.MaxSymbolNotional = updated.MaxSymbolNotional
		limits.RiskPerTradePct = updated.RiskPerTradePct
		limits.DailyLossLimitPct = updated.DailyLossLimitPct
		limits.DailyLossLimitAmount = updated.DailyLossLimitAmount
		limits.LotStep = updated.LotStep
		if err := tx.Save(limits).Error; err != nil {
			return err
		}
		result = limits
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetLimits reads the current limits row, creating defaults if needed.
func (s *Service) GetLimits() (*Limits, error) {
	var limits *Limits
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		limits, err = s.EnsureLimits(tx)
		return err
	})
	return limits, err
}

// ensureDailyEquity maintains the (account, day) watermark row: the first
// observation of a day fixes DayStartEquity, later observations only ratchet
// MinEquity downward.
func (s *Service) ensureDailyEquity(tx *gorm.DB, asof time.Time, currentEquity float64) (*DailyEquity, error) {
	day := time.Date(asof.Year(), asof.Month(), asof.Day(), 0, 0, 0, 0, time.UTC)

	var watermark DailyEquity
	err := tx.Where("account_id = ? AND day = ?", equity.DefaultAccountID, day).First(&watermark).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		watermark = DailyEquity{
			AccountID:      equity.DefaultAccountID,
			Day:            day,
			DayStartEquity: currentEquity,
			MinEquity:      currentEquity,
		}
		if createErr := tx.Create(&watermark).Error; createErr != nil {
			if errors.Is(createErr, gorm.ErrDuplicatedKey) {
				if retryErr := tx.Where("account_id = ? AND day = ?", equity.DefaultAccountID, day).
					First(&watermark).Error; retryErr != nil {
					return nil, retryErr
				}
			} else {
				return nil, createErr
			}
		} else {
			return &watermark, nil
		}
	}

	if currentEquity < watermark.MinEquity {
		watermark.MinEquity = currentEquity
		if err := tx.Save(&watermark).Error; err != nil {
			return nil, err
		}
	}
	return &watermark, nil
}

// floorToStep rounds a quantity down to a whole number of lot steps. The
// epsilon guards against float noise pushing an exact multiple below its
// boundary.
func floorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	steps := math.Floor(qty/step + 1e-9)
	return steps * step
}

// CheckOrder runs the ordered limit waterfall against the account state at
// the candle. The first failing check is the returned reason; no check
// after it runs, and nothing but the daily watermark is written.
func (s *Service) CheckOrder(params CheckParams, candle *types.Candle) (*Decision, error) {
	var decision *Decision
	err := s.db.Transaction(func(tx *gorm.DB) error {
		limits, err := s.EnsureLimits(tx)
		if err != nil {
			return err
		}
		state, err := s.equity.ComputeAccountState(tx, candle)
		if err != nil {
			return err
		}
		acct, err := s.equity.EnsureAccount(tx, candle.OpenTime, false)
		if err != nil {
			return err
		}
		watermark, err := s.ensureDailyEquity(tx, candle.OpenTime, state.Equity)
		if err != nil {
			return err
		}

		metrics := map[string]float64{
			"equity":           state.Equity,
			"free_margin":      state.FreeMargin,
			"day_start_equity": watermark.DayStartEquity,
			"requested_qty":    params.Qty,
		}
		reject := func(reason string) {
			decision = &Decision{Allowed: false, ApprovedQty: 0, Reason: reason, Metrics: metrics}
		}

		// 1. Daily loss breach.
		if limits.DailyLossLimitPct > 0 &&
			state.Equity <= watermark.DayStartEquity*(1.0-limits.DailyLossLimitPct) {
			reject(ReasonDailyLossLimit)
			return nil
		}
		if limits.DailyLossLimitAmount > 0 &&
			state.Equity <= watermark.DayStartEquity-limits.DailyLossLimitAmount {
			reject(ReasonDailyLossLimit)
			return nil
		}

		var positions []types.Position
		if err := tx.Find(&positions).Error; err != nil {
			return err
		}
		openTotal := 0
		openSymbol := 0
		symbolNotional := 0.0
		totalNotional := 0.0
		quote := s.pricer.QuoteCandle(candle)
		mid := (quote.Bid + quote.Ask) / 2.0
		for i := range positions {
			pos := &positions[i]
			if pos.QtySigned == 0 {
				continue
			}
			openTotal++
			notional := math.Abs(pos.QtySigned) * mid * s.cfg.ContractSize
			totalNotional += notional
			if pos.Symbol == params.Symbol {
				openSymbol++
				symbolNotional += notional
			}
		}
		metrics["open_positions"] = float64(openTotal)
		metrics["open_positions_symbol"] = float64(openSymbol)

		// 2. Open position count.
		if limits.MaxOpenPositions > 0 && openTotal >= limits.MaxOpenPositions {
			reject(ReasonMaxOpenPositions)
			return nil
		}
		// 3. Per-symbol position count.
		if limits.MaxOpenPositionsPerSymbol > 0 && openSymbol >= limits.MaxOpenPositionsPerSymbol {
			reject(ReasonMaxSymbolPositions)
			return nil
		}

		// 4. Position sizing against the stop distance.
		approved := params.Qty
		if params.StopDistancePips != nil && *params.StopDistancePips > 0 && limits.RiskPerTradePct > 0 {
			riskAmount := state.Equity * limits.RiskPerTradePct
			perUnitRisk := *params.StopDistancePips * s.cfg.PipSize * s.cfg.ContractSize
			sized := floorToStep(riskAmount/perUnitRisk, limits.LotStep)
			approved = math.Min(approved, sized)
			metrics["risk_amount"] = riskAmount
			metrics["sized_qty"] = sized
		}
		if approved <= 0 {
			reject(ReasonSizedToZero)
			return nil
		}
		metrics["approved_qty"] = approved

		// 5. Notional caps.
		newNotional := approved * mid * s.cfg.ContractSize
		metrics["new_notional"] = newNotional
		if limits.MaxSymbolNotional > 0 && symbolNotional+newNotional > limits.MaxSymbolNotional {
			reject(ReasonSymbolNotionalCap)
			return nil
		}
		if limits.MaxTotalNotional > 0 && totalNotional+newNotional > limits.MaxTotalNotional {
			reject(ReasonTotalNotionalCap)
			return nil
		}

		// 6. Margin, at the account row's leverage: the same source every
		// other margin computation reads.
		marginRequired := newNotional / acct.Leverage
		metrics["margin_required"] = marginRequired
		if marginRequired > state.FreeMargin {
			reject(ReasonInsufficientMargin)
			return nil
		}

		decision = &Decision{Allowed: true, ApprovedQty: approved, Metrics: metrics}
		return nil
	})
	if err != nil {
		return nil, err
	}

	evt := s.logger.Debug().
		Str("symbol", params.Symbol).
		Str("side", params.Side).
		Float64("requested_qty", params.Qty).
		Bool("allowed", decision.Allowed).
		Float64("approved_qty", decision.ApprovedQty)
	if decision.Reason != "" {
		evt = evt.Str("reason", decision.Reason)
	}
	evt.Msg("risk check evaluated")

	return decision, nil
}

// Snapshot reports current exposure against the configured limits.
type Snapshot struct {
	Limits        Limits             `json:"limits"`
	OpenPositions int                `json:"open_positions"`
	TotalNotional float64            `json:"total_notional"`
	DailyEquity   *DailyEquity       `json:"daily_equity,omitempty"`
	Metrics       map[string]float64 `json:"metrics"`
}

// ComputeSnapshot summarizes current exposure at the candle for reporting.
func (s *Service) ComputeSnapshot(candle *types.Candle) (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.Transaction(func(tx *gorm.DB) error {
		limits, err := s.EnsureLimits(tx)
		if err != nil {
			return err
		}
		state, err := s.equity.ComputeAccountState(tx, candle)
		if err != nil {
			return err
		}
		watermark, err := s.ensureDailyEquity(tx, candle.OpenTime, state.Equity)
		if err != nil {
			return err
		}

		var positions []types.Position
		if err := tx.Find(&positions).Error; err != nil {
			return err
		}
		quote := s.pricer.QuoteCandle(candle)
		mid := (quote.Bid + quote.Ask) / 2.0
		open := 0
		totalNotional := 0.0
		for i := range positions {
			if positions[i].QtySigned == 0 {
				continue
			}
			open++
			totalNotional += math.Abs(positions[i].QtySigned) * mid * s.cfg.ContractSize
		}

		snap = &Snapshot{
			Limits:        *limits,
			OpenPositions: open,
			TotalNotional: totalNotional,
			DailyEquity:   watermark,
			Metrics: map[string]float64{
				"equity":         state.Equity,
				"free_margin":    state.FreeMargin,
				"margin_used":    state.MarginUsed,
				"unrealized_pnl": state.UnrealizedPnL,
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}
