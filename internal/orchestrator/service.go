// Package orchestrator drives one decision cycle per candle: mark to
// market, evaluate the strategy, size through risk, submit, reconcile, and
// persist exactly one run report.
package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/paper-api/internal/accounting"
	"github.com/ksred/paper-api/internal/config"
	"github.com/ksred/paper-api/internal/equity"
	"github.com/ksred/paper-api/internal/execution"
	"github.com/ksred/paper-api/internal/marketdata"
	"github.com/ksred/paper-api/internal/pricing"
	"github.com/ksred/paper-api/internal/risk"
	"github.com/ksred/paper-api/internal/strategy"
	"github.com/ksred/paper-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Noop reasons recorded on run reports.
const (
	NoopMissingCandle = "missing_candle"
	NoopRiskRejected  = "risk_rejected"
	NoopDryRun        = "dry_run"
)

// historyWindow is the candle window handed to the strategy.
const historyWindow = 200

// Service runs the per-candle decision cycle.
type Service struct {
	db         *gorm.DB
	cfg        *config.Config
	candles    *marketdata.Database
	strat      *strategy.EMACross
	riskSvc    *risk.Service
	execSvc    *execution.Service
	equitySvc  *equity.Service
	accounting *accounting.Service
	pricer     pricing.Model
	logger     zerolog.Logger
}

func NewService(db *gorm.DB, cfg *config.Config, riskSvc *risk.Service,
	execSvc *execution.Service, equitySvc *equity.Service, acctSvc *accounting.Service) *Service {
	return &Service{
		db:         db,
		cfg:        cfg,
		candles:    marketdata.NewDatabase(db),
		strat:      strategy.NewEMACross(strategy.DefaultParams()),
		riskSvc:    riskSvc,
		execSvc:    execSvc,
		equitySvc:  equitySvc,
		accounting: acctSvc,
		pricer:     pricing.NewModel(cfg.PipSize, cfg.SpreadPips, cfg.SlippagePips),
		logger:     log.With().Str("service", "orchestrator").Logger(),
	}
}

// RunID derives the deterministic run identifier for a candle. Re-running
// the same candle always addresses the same report row.
func RunID(symbol, timeframe string, candleTS time.Time) string {
	seed := fmt.Sprintf("run:%s:%s:%d", symbol, timeframe, candleTS.Unix())
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed)).String()
}

// RunCycle executes the decision state machine for one candle time.
// Terminal reports short-circuit: an OK or NOOP report for the candle is
// returned unchanged with no re-execution. Any failure is captured as an
// ERROR report, which a later invocation may retry.
func (s *Service) RunCycle(candleTS time.Time, dryRun bool) (*RunReport, error) {
	runID := RunID(s.cfg.Symbol, s.cfg.Timeframe, candleTS)
	mode := ModeLive
	if dryRun {
		mode = ModeDryRun
	}

	existing, err := s.getReport(runID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Terminal() {
		return existing, nil
	}

	report := &RunReport{
		RunID:     runID,
		Symbol:    s.cfg.Symbol,
		Timeframe: s.cfg.Timeframe,
		CandleTS:  candleTS,
		Mode:      mode,
	}

	if err := s.runStages(report, candleTS, dryRun); err != nil {
		report.Status = StatusError
		report.ErrorText = err.Error()
		s.logger.Error().
			Err(err).
			Str("run_id", runID).
			Time("candle_ts", candleTS).
			Msg("cycle failed")
	}

	if err := s.upsertReport(report); err != nil {
		return nil, err
	}
	return report, nil
}

// runStages walks the state machine, mutating the report as evidence
// accumulates. Returning nil means the report already carries a terminal
// status.
func (s *Service) runStages(report *RunReport, candleTS time.Time, dryRun bool) error {
	candle, err := s.candles.GetExact(s.cfg.Symbol, s.cfg.Timeframe, candleTS)
	if err != nil {
		if errors.Is(err, marketdata.ErrNoCandle) {
			s.noop(report, NoopMissingCandle)
			return nil
		}
		return err
	}

	// Settle anything the new candle makes eligible before deciding:
	// pending next-bar orders first, then protective stops.
	if _, err := s.execSvc.ProcessNewOrdersForCandle(candle); err != nil {
		return fmt.Errorf("pending order processing failed: %w", err)
	}
	if _, err := s.execSvc.UpdateOnCandle(candle); err != nil {
		return fmt.Errorf("protective stop evaluation failed: %w", err)
	}

	if _, err := s.equitySvc.MarkToMarket(candle); err != nil {
		return fmt.Errorf("mark-to-market failed: %w", err)
	}

	history, err := s.candles.HistoryUpTo(s.cfg.Symbol, s.cfg.Timeframe, candleTS, historyWindow)
	if err != nil {
		return err
	}
	intent := s.strat.Evaluate(history)
	report.IntentJSON = marshal(intent)

	if intent.Hold() {
		s.noop(report, intent.Summary())
		return nil
	}

	stopPips := s.stopDistancePips(intent, candle)
	decision, err := s.riskSvc.CheckOrder(risk.CheckParams{
		Symbol:           s.cfg.Symbol,
		Side:             intent.Action,
		Qty:              s.cfg.MaxSymbolNotional / s.cfg.ContractSize,
		StopDistancePips: stopPips,
	}, candle)
	if err != nil {
		return fmt.Errorf("risk check failed: %w", err)
	}
	report.RiskJSON = marshal(decision)

	if !decision.Allowed || decision.ApprovedQty <= 0 {
		s.noop(report, NoopRiskRejected)
		return nil
	}
	if dryRun {
		s.noop(report, NoopDryRun)
		return nil
	}

	key := fmt.Sprintf("orch:%s:%s:%d:%s", s.cfg.Symbol, s.cfg.Timeframe, candleTS.Unix(), intent.Action)
	result, err := s.execSvc.PlaceMarketOrder(execution.PlaceOrderParams{
		Symbol:         s.cfg.Symbol,
		Side:           intent.Action,
		Qty:            decision.ApprovedQty,
		StopLoss:       intent.StopLoss,
		TakeProfit:     intent.TakeProfit,
		IdempotencyKey: &key,
	}, candle)
	if err != nil {
		return fmt.Errorf("order submission failed: %w", err)
	}
	report.OrderJSON = marshal(result.Order)
	if result.Fill != nil {
		report.FillJSON = marshal(result.Fill)
	}

	if result.Order.Status != types.OrderStatusFilled {
		s.noop(report, fmt.Sprintf("order_%s", result.Order.Status))
		return nil
	}

	if _, err := s.accounting.ProcessForCandle(candleTS); err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}

	var positions []types.Position
	if err := s.db.Order("symbol ASC").Find(&positions).Error; err != nil {
		return err
	}
	report.PositionsJSON = marshal(positions)

	snapshot, err := s.equitySvc.MarkToMarket(candle)
	if err != nil {
		return fmt.Errorf("post-trade snapshot failed: %w", err)
	}
	report.AccountJSON = marshal(snapshot.State)

	report.Status = StatusOK
	report.SummaryText = fmt.Sprintf("%s %s %.0f @ %.5f (order %d)",
		result.Order.Side, result.Order.Symbol, result.Order.Qty, result.Fill.Price, result.Order.ID)
	report.NotifyText = fmt.Sprintf("%s | equity %.2f, free margin %.2f",
		report.SummaryText, snapshot.Equity, snapshot.FreeMargin)

	s.logger.Info().
		Str("run_id", report.RunID).
		Str("summary", report.SummaryText).
		Msg("cycle complete")
	return nil
}

func (s *Service) noop(report *RunReport, reason string) {
	report.Status = StatusNoop
	report.SummaryText = reason
}

// stopDistancePips converts the intent's stop hint into pips from the
// side's entry price.
func (s *Service) stopDistancePips(intent *strategy.Intent, candle *types.Candle) *float64 {
	if intent.StopLoss == nil {
		return nil
	}
	quote := s.pricer.QuoteCandle(candle)
	entry, err := s.pricer.SidePrice(intent.Action, quote)
	if err != nil {
		return nil
	}
	pips := (entry - *intent.StopLoss) / s.cfg.PipSize
	if pips < 0 {
		pips = -pips
	}
	if pips <= 0 {
		return nil
	}
	return &pips
}

func marshal(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func (s *Service) getReport(runID string) (*RunReport, error) {
	var report RunReport
	err := s.db.Where("run_id = ?", runID).First(&report).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &report, nil
}

// upsertReport writes the report for its run id, replacing a prior ERROR
// report when the candle is retried.
func (s *Service) upsertReport(report *RunReport) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing RunReport
		err := tx.Where("run_id = ?", report.RunID).First(&existing).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			return tx.Create(report).Error
		}
		report.CreatedAt = existing.CreatedAt
		return tx.Save(report).Error
	})
}

// ListRuns returns up to limit run reports, newest candle first.
func (s *Service) ListRuns(limit int) ([]RunReport, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var runs []RunReport
	err := s.db.Order("candle_ts DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

// GetRun returns one run report by id.
func (s *Service) GetRun(runID string) (*RunReport, error) {
	var report RunReport
	if err := s.db.Where("run_id = ?", runID).First(&report).Error; err != nil {
		return nil, err
	}
	return &report, nil
}
