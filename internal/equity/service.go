package equity

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ksred/paper-api/internal/config"
	"github.com/ksred/paper-api/internal/pricing"
	"github.com/ksred/paper-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultAccountID identifies the singleton paper account.
const DefaultAccountID uint = 1

// State is the computed account view at one candle time, before any
// snapshot is persisted.
type State struct {
	AccountID     uint      `json:"account_id"`
	AsOf          time.Time `json:"as_of"`
	Balance       float64   `json:"balance"`
	Equity        float64   `json:"equity"`
	MarginUsed    float64   `json:"margin_used"`
	FreeMargin    float64   `json:"free_margin"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
}

// SnapshotResult is the outcome of a mark-to-market call. Idempotent is
// true when an existing snapshot for the same as-of time was returned
// unchanged.
type SnapshotResult struct {
	State
	SnapshotID uint `json:"snapshot_id"`
	Idempotent bool `json:"idempotent"`
}

// Service computes margin, unrealized PnL, equity and free margin, and
// persists idempotent mark-to-market snapshots.
type Service struct {
	db     *gorm.DB
	cfg    *config.Config
	pricer pricing.Model
}

func NewService(db *gorm.DB, cfg *config.Config) *Service {
	return &Service{
		db:     db,
		cfg:    cfg,
		pricer: pricing.NewModel(cfg.PipSize, cfg.SpreadPips, cfg.SlippagePips),
	}
}

// maybeForUpdate adds a row lock on backends that support it so two
// concurrent orders cannot compute margin against a stale account row.
func maybeForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// EnsureAccount returns the singleton account row, creating it lazily from
// the configured initial balance. Creation runs inside a savepoint so a
// concurrent-insert race degrades to re-reading the winner's row instead
// of poisoning the outer transaction.
func (s *Service) EnsureAccount(tx *gorm.DB, ts time.Time, forUpdate bool) (*types.Account, error) {
	query := tx
	if forUpdate {
		query = maybeForUpdate(tx)
	}

	var acct types.Account
	err := query.Where("id = ?", DefaultAccountID).First(&acct).Error
	if err == nil {
		return &acct, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	acct = types.Account{
		ID:         DefaultAccountID,
		Balance:    s.cfg.InitialBalance,
		Equity:     s.cfg.InitialBalance,
		MarginUsed: 0.0,
		FreeMargin: s.cfg.InitialBalance,
		Currency:   s.cfg.AccountCurrency,
		Leverage:   s.cfg.AccountLeverage,
		MarkedAt:   ts,
	}
	createErr := tx.Transaction(func(nested *gorm.DB) error {
		return nested.Create(&acct).Error
	})
	if createErr != nil {
		if errors.Is(createErr, gorm.ErrDuplicatedKey) {
			var existing types.Account
			if retryErr := query.Where("id = ?", DefaultAccountID).First(&existing).Error; retryErr != nil {
				return nil, fmt.Errorf("account creation race could not be resolved: %w", retryErr)
			}
			return &existing, nil
		}
		return nil, fmt.Errorf("failed to create account: %w", createErr)
	}

	log.Info().
		Uint("account_id", acct.ID).
		Float64("balance", acct.Balance).
		Str("service", "equity").
		Msg("created singleton account row")
	return &acct, nil
}

// MarginForQty computes the margin a quantity consumes at a mark price.
func (s *Service) MarginForQty(qty, price, leverage float64) float64 {
	notional := math.Abs(qty) * price * s.cfg.ContractSize
	return notional / leverage
}

// UnrealizedPnL values one position against a quote: longs at bid, shorts
// at ask.
func UnrealizedPnL(pos *types.Position, quote pricing.Quote) float64 {
	if pos.QtySigned > 0 {
		return (quote.Bid - pos.AvgPrice) * pos.QtySigned
	}
	return (pos.AvgPrice - quote.Ask) * math.Abs(pos.QtySigned)
}

// markPrice returns the side-correct valuation price for a position.
func markPrice(qtySigned float64, quote pricing.Quote) float64 {
	if qtySigned > 0 {
		return quote.Bid
	}
	return quote.Ask
}

// ComputeAccountState values every open position against the candle and
// returns balance, equity, margin and free margin without persisting
// anything.
func (s *Service) ComputeAccountState(tx *gorm.DB, candle *types.Candle) (*State, error) {
	acct, err := s.EnsureAccount(tx, candle.OpenTime, false)
	if err != nil {
		return nil, err
	}
	quote := s.pricer.QuoteCandle(candle)

	var positions []types.Position
	if err := tx.Find(&positions).Error; err != nil {
		return nil, err
	}

	unrealized := 0.0
	marginUsed := 0.0
	for i := range positions {
		pos := &positions[i]
		if pos.QtySigned == 0 {
			continue
		}
		unrealized += UnrealizedPnL(pos, quote)
		marginUsed += s.MarginForQty(pos.QtySigned, markPrice(pos.QtySigned, quote), acct.Leverage)
	}

	equity := acct.Balance + unrealized
	return &State{
		AccountID:     acct.ID,
		AsOf:          candle.OpenTime,
		Balance:       acct.Balance,
		Equity:        equity,
		MarginUsed:    marginUsed,
		FreeMargin:    equity - marginUsed,
		UnrealizedPnL: unrealized,
	}, nil
}

// MarkToMarket computes and persists the account snapshot for the candle's
// open time. Recomputing an already-snapshotted timestamp returns the
// stored row unchanged.
func (s *Service) MarkToMarket(candle *types.Candle) (*SnapshotResult, error) {
	var result *SnapshotResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing types.AccountSnapshot
		err := tx.Where("account_id = ? AND as_of = ?", DefaultAccountID, candle.OpenTime).
			First(&existing).Error
		if err == nil {
			result = &SnapshotResult{
				State: State{
					AccountID:     existing.AccountID,
					AsOf:          existing.AsOf,
					Balance:       existing.Balance,
					Equity:        existing.Equity,
					MarginUsed:    existing.MarginUsed,
					FreeMargin:    existing.FreeMargin,
					UnrealizedPnL: existing.UnrealizedPnL,
				},
				SnapshotID: existing.ID,
				Idempotent: true,
			}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		state, err := s.ComputeAccountState(tx, candle)
		if err != nil {
			return err
		}
		acct, err := s.EnsureAccount(tx, candle.OpenTime, true)
		if err != nil {
			return err
		}

		acct.Equity = state.Equity
		acct.MarginUsed = state.MarginUsed
		acct.FreeMargin = state.FreeMargin
		acct.MarkedAt = candle.OpenTime
		if err := tx.Save(acct).Error; err != nil {
			return err
		}

		snapshot := types.AccountSnapshot{
			AccountID:     acct.ID,
			AsOf:          candle.OpenTime,
			Balance:       state.Balance,
			Equity:        state.Equity,
			MarginUsed:    state.MarginUsed,
			FreeMargin:    state.FreeMargin,
			UnrealizedPnL: state.UnrealizedPnL,
		}
		if err := tx.Create(&snapshot).Error; err != nil {
			return err
		}

		result = &SnapshotResult{State: *state, SnapshotID: snapshot.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AdditionalMarginForNetting computes the incremental margin the candidate
// order adds once netted against the current exposure. A reducing order
// frees margin and costs nothing.
func (s *Service) AdditionalMarginForNetting(currentQtySigned, orderQtySigned, fillPrice, leverage float64) float64 {
	afterQty := currentQtySigned + orderQtySigned
	currentMargin := 0.0
	if currentQtySigned != 0 {
		currentMargin = s.MarginForQty(currentQtySigned, fillPrice, leverage)
	}
	afterMargin := 0.0
	if afterQty != 0 {
		afterMargin = s.MarginForQty(afterQty, fillPrice, leverage)
	}
	return math.Max(0.0, afterMargin-currentMargin)
}

// GetSnapshots returns up to limit historical snapshots, newest first.
func (s *Service) GetSnapshots(limit int) ([]types.AccountSnapshot, error) {
	var snaps []types.AccountSnapshot
	err := s.db.Order("as_of DESC").Limit(limit).Find(&snaps).Error
	if err != nil {
		return nil, err
	}
	return snaps, nil
}
