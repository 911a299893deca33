// Package accounting is the reconciliation ledger: an independent book
// rebuilt purely by replaying fills, used to cross-check the live
// order-time ledger. The two books share one netting rule and must realize
// identical PnL for the same fill sequence.
package accounting

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ksred/paper-api/internal/config"
	"github.com/ksred/paper-api/internal/equity"
	"github.com/ksred/paper-api/internal/marketdata"
	"github.com/ksred/paper-api/internal/netting"
	"github.com/ksred/paper-api/internal/pricing"
	"github.com/ksred/paper-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service replays fills into the reconciliation book and snapshots equity.
type Service struct {
	db      *gorm.DB
	cfg     *config.Config
	candles *marketdata.Database
	pricer  pricing.Model
	logger  zerolog.Logger
}

func NewService(db *gorm.DB, cfg *config.Config) *Service {
	return &Service{
		db:      db,
		cfg:     cfg,
		candles: marketdata.NewDatabase(db),
		pricer:  pricing.NewModel(cfg.PipSize, cfg.SpreadPips, cfg.SlippagePips),
		logger:  log.With().Str("service", "accounting").Logger(),
	}
}

// ApplyResult summarizes one replay pass.
type ApplyResult struct {
	FillsApplied int             `json:"fills_applied"`
	Realized     []RealizedTrade `json:"realized,omitempty"`
}

// ApplyNewFills replays every unprocessed fill with timestamp at or before
// asof into the reconciliation book, in (timestamp, fill id) order, and
// marks each one processed. Re-invoking with the same or a later asof never
// reprocesses a fill.
func (s *Service) ApplyNewFills(asof time.Time) (*ApplyResult, error) {
	var result *ApplyResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.applyNewFills(tx, asof)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) applyNewFills(tx *gorm.DB, asof time.Time) (*ApplyResult, error) {
	var fills []types.Fill
	err := tx.Where("timestamp <= ? AND accounted_at IS NULL", asof).
		Order("timestamp ASC, id ASC").
		Find(&fills).Error
	if err != nil {
		return nil, err
	}

	result := &ApplyResult{}
	for i := range fills {
		fill := &fills[i]
		realized, err := s.applyFill(tx, fill)
		if err != nil {
			return nil, err
		}
		if realized != nil {
			result.Realized = append(result.Realized, *realized)
		}

		marked := asof
		fill.AccountedAt = &marked
		if err := tx.Save(fill).Error; err != nil {
			return nil, err
		}
		result.FillsApplied++
	}

	if result.FillsApplied > 0 {
		s.logger.Debug().
			Int("fills", result.FillsApplied).
			Int("realized", len(result.Realized)).
			Time("asof", asof).
			Msg("replayed fills into reconciliation book")
	}
	return result, nil
}

// applyFill nets one fill into the accounting position for its symbol.
func (s *Service) applyFill(tx *gorm.DB, fill *types.Fill) (*RealizedTrade, error) {
	pos, err := s.ensurePosition(tx, fill.Symbol, fill.Timestamp)
	if err != nil {
		return nil, err
	}

	before := netting.PositionState{QtySigned: pos.NetQty, AvgPrice: pos.AvgEntryPrice}
	after, realization := netting.Apply(before, netting.FillEvent{
		QtySigned: types.SignedQty(fill.Side, fill.Qty),
		Price:     fill.Price,
	})

	var realized *RealizedTrade
	if realization != nil {
		realized = &RealizedTrade{
			AccountID:  pos.AccountID,
			Symbol:     fill.Symbol,
			Qty:        realization.ClosedQty,
			EntryPrice: realization.EntryPrice,
			ExitPrice:  realization.ExitPrice,
			PnL:        realization.PnL,
			ExitTS:     fill.Timestamp,
			FillID:     fill.ID,
		}
		if err := tx.Create(realized).Error; err != nil {
			return nil, err
		}
		pos.RealizedPnL += realization.PnL
	}

	wasFlat := pos.NetQty == 0
	pos.NetQty = after.QtySigned
	pos.AvgEntryPrice = after.AvgPrice
	if wasFlat || (realization != nil && (realization.Closed || realization.Flipped)) {
		pos.UpdatedOpenTime = fill.Timestamp
	}
	if err := tx.Save(pos).Error; err != nil {
		return nil, err
	}
	return realized, nil
}

// ensurePosition returns the book's position row for symbol, creating a
// flat one on first reference.
func (s *Service) ensurePosition(tx *gorm.DB, symbol string, ts time.Time) (*Position, error) {
	var pos Position
	err := tx.Where("account_id = ? AND symbol = ?", equity.DefaultAccountID, symbol).First(&pos).Error
	if err == nil {
		return &pos, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	pos = Position{
		AccountID:       equity.DefaultAccountID,
		Symbol:          symbol,
		UpdatedOpenTime: ts,
	}
	if createErr := tx.Create(&pos).Error; createErr != nil {
		if errors.Is(createErr, gorm.ErrDuplicatedKey) {
			var existing Position
			if retryErr := tx.Where("account_id = ? AND symbol = ?", equity.DefaultAccountID, symbol).
				First(&existing).Error; retryErr != nil {
				return nil, retryErr
			}
			return &existing, nil
		}
		return nil, createErr
	}
	return &pos, nil
}

// realizedTotal sums every realization the book has recorded.
func (s *Service) realizedTotal(tx *gorm.DB) (float64, error) {
	var total *float64
	err := tx.Model(&RealizedTrade{}).
		Where("account_id = ?", equity.DefaultAccountID).
		Select("SUM(pnl)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// MarkToMarket revalues every open accounting position at the latest
// candle at-or-before asof and upserts one snapshot per (account, asof).
// An existing snapshot for the same asof is returned unchanged.
func (s *Service) MarkToMarket(asof time.Time) (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		snap, err = s.markToMarket(tx, asof)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Service) markToMarket(tx *gorm.DB, asof time.Time) (*Snapshot, error) {
	var existing Snapshot
	err := tx.Where("account_id = ? AND as_of = ?", equity.DefaultAccountID, asof).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var positions []Position
	if err := tx.Where("account_id = ?", equity.DefaultAccountID).Find(&positions).Error; err != nil {
		return nil, err
	}

	unrealized := 0.0
	open := 0
	for i := range positions {
		pos := &positions[i]
		if pos.NetQty == 0 {
			continue
		}
		open++
		candle, err := s.candleAtOrBefore(tx, pos.Symbol, asof)
		if err != nil {
			return nil, err
		}
		quote := s.pricer.QuoteCandle(candle)
		if pos.NetQty > 0 {
			unrealized += (quote.Bid - pos.AvgEntryPrice) * pos.NetQty
		} else {
			unrealized += (pos.AvgEntryPrice - quote.Ask) * math.Abs(pos.NetQty)
		}
	}

	realized, err := s.realizedTotal(tx)
	if err != nil {
		return nil, err
	}
	balance := s.cfg.InitialBalance + realized

	snap := &Snapshot{
		AccountID:     equity.DefaultAccountID,
		AsOf:          asof,
		Balance:       balance,
		Equity:        balance + unrealized,
		UnrealizedPnL: unrealized,
		OpenPositions: open,
	}
	if err := tx.Create(snap).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			var winner Snapshot
			if retryErr := tx.Where("account_id = ? AND as_of = ?", equity.DefaultAccountID, asof).
				First(&winner).Error; retryErr != nil {
				return nil, retryErr
			}
			return &winner, nil
		}
		return nil, err
	}
	return snap, nil
}

// candleAtOrBefore resolves the valuation candle inside the transaction.
func (s *Service) candleAtOrBefore(tx *gorm.DB, symbol string, asof time.Time) (*types.Candle, error) {
	var candle types.Candle
	err := tx.Where("symbol = ? AND timeframe = ? AND open_time <= ?", symbol, s.cfg.Timeframe, asof).
		Order("open_time DESC").
		First(&candle).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, marketdata.ErrNoCandle
		}
		return nil, err
	}
	return &candle, nil
}

// ProcessResult is the outcome of one full reconciliation pass.
type ProcessResult struct {
	Apply    *ApplyResult `json:"apply"`
	Snapshot *Snapshot    `json:"snapshot"`
}

// ProcessForCandle runs the full reconciliation pass for one candle time:
// replay unprocessed fills, then mark to market. The exact candle must
// exist; there is no nearest-candle fallback.
func (s *Service) ProcessForCandle(asof time.Time) (*ProcessResult, error) {
	var result *ProcessResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var candle types.Candle
		err := tx.Where("symbol = ? AND timeframe = ? AND open_time = ?", s.cfg.Symbol, s.cfg.Timeframe, asof).
			First(&candle).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("cannot reconcile %s %s at %s: %w",
					s.cfg.Symbol, s.cfg.Timeframe, asof, marketdata.ErrNoCandle)
			}
			return err
		}

		apply, err := s.applyNewFills(tx, asof)
		if err != nil {
			return err
		}
		snap, err := s.markToMarket(tx, asof)
		if err != nil {
			return err
		}
		result = &ProcessResult{Apply: apply, Snapshot: snap}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Recompute wipes the reconciliation book and rebuilds it by replaying
// every fill against the full candle history. The live ledger is untouched.
func (s *Service) Recompute() (int, error) {
	processed := 0
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", equity.DefaultAccountID).Delete(&Position{}).Error; err != nil {
			return err
		}
		if err := tx.Where("account_id = ?", equity.DefaultAccountID).Delete(&RealizedTrade{}).Error; err != nil {
			return err
		}
		if err := tx.Where("account_id = ?", equity.DefaultAccountID).Delete(&Snapshot{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&types.Fill{}).Where("accounted_at IS NOT NULL").
			Update("accounted_at", nil).Error; err != nil {
			return err
		}

		var candles []types.Candle
		if err := tx.Where("symbol = ? AND timeframe = ?", s.cfg.Symbol, s.cfg.Timeframe).
			Order("open_time ASC").
			Find(&candles).Error; err != nil {
			return err
		}
		for i := range candles {
			if _, err := s.applyNewFills(tx, candles[i].OpenTime); err != nil {
				return err
			}
			if _, err := s.markToMarket(tx, candles[i].OpenTime); err != nil {
				return err
			}
			processed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info().Int("candles", processed).Msg("reconciliation book rebuilt from fills")
	return processed, nil
}

// GetPositions returns the reconciliation book's positions.
func (s *Service) GetPositions() ([]Position, error) {
	var positions []Position
	err := s.db.Where("account_id = ?", equity.DefaultAccountID).
		Order("symbol ASC").
		Find(&positions).Error
	return positions, err
}

// GetSnapshots returns up to limit reconciliation snapshots, newest first.
func (s *Service) GetSnapshots(limit int) ([]Snapshot, error) {
	var snaps []Snapshot
	err := s.db.Where("account_id = ?", equity.DefaultAccountID).
		Order("as_of DESC").
		Limit(limit).
		Find(&snaps).Error
	return snaps, err
}

// GetRealizedTrades returns realized trades, newest first.
func (s *Service) GetRealizedTrades(limit int) ([]RealizedTrade, error) {
	var trades []RealizedTrade
	err := s.db.Where("account_id = ?", equity.DefaultAccountID).
		Order("exit_ts DESC, id DESC").
		Limit(limit).
		Find(&trades).Error
	return trades, err
}
