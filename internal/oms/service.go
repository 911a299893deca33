// Package oms is the order management front: it validates submissions,
// routes them through risk, and delegates approved orders to execution.
package oms

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ksred/paper-api/internal/config"
	"github.com/ksred/paper-api/internal/execution"
	"github.com/ksred/paper-api/internal/marketdata"
	"github.com/ksred/paper-api/internal/pricing"
	"github.com/ksred/paper-api/internal/risk"
	"github.com/ksred/paper-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Rejection reasons recorded on Order rows by validation.
const (
	RejectReasonSymbolNotAllowed = "symbol_not_allowed"
	RejectReasonBelowMinQty      = "below_min_qty"
	RejectReasonUnsupportedType  = "unsupported_order_type"
	RejectReasonUnsupportedSide  = "unsupported_side"
)

// ErrNoMarketData is returned when no candle exists to price an order
// against; no order row is created in that case.
var ErrNoMarketData = errors.New("no market data for symbol: order cannot be priced")

// PlaceOrderRequest is the inbound order submission.
type PlaceOrderRequest struct {
	Symbol           string   `json:"symbol" binding:"required"`
	Side             string   `json:"side" binding:"required"`
	Type             string   `json:"type"`
	Qty              float64  `json:"qty" binding:"required"`
	StopLoss         *float64 `json:"stop_loss,omitempty"`
	TakeProfit       *float64 `json:"take_profit,omitempty"`
	StopDistancePips *float64 `json:"stop_distance_pips,omitempty"`
}

// PlaceOrderResult extends the execution result with the risk decision
// that approved or rejected the order.
type PlaceOrderResult struct {
	*execution.Result
	Risk *risk.Decision `json:"risk,omitempty"`
}

// Service validates and routes order submissions.
type Service struct {
	db        *gorm.DB
	cfg       *config.Config
	candles   *marketdata.Database
	risk      *risk.Service
	execution *execution.Service
	pricer    pricing.Model
	logger    zerolog.Logger
}

func NewService(db *gorm.DB, cfg *config.Config, riskSvc *risk.Service, execSvc *execution.Service) *Service {
	return &Service{
		db:        db,
		cfg:       cfg,
		candles:   marketdata.NewDatabase(db),
		risk:      riskSvc,
		execution: execSvc,
		pricer:    pricing.NewModel(cfg.PipSize, cfg.SpreadPips, cfg.SlippagePips),
		logger:    log.With().Str("service", "oms").Logger(),
	}
}

// PlaceOrder runs the submission waterfall: idempotency short-circuit,
// validation, risk check, then execution. Validation and risk failures
// that happen after a decision candle is resolved persist a REJECTED order
// row carrying the reason; failures before that return an error with no
// row, since order timestamps must come from candle data.
func (s *Service) PlaceOrder(req PlaceOrderRequest, idempotencyKey *string) (*PlaceOrderResult, error) {
	if idempotencyKey != nil {
		prior, err := s.execution.GetResultByIdempotencyKey(*idempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return &PlaceOrderResult{Result: prior}, nil
		}
	}

	if req.Type == "" {
		req.Type = types.OrderTypeMarket
	}

	if !s.cfg.SymbolAllowed(req.Symbol) {
		// The disallowed symbol has no candles of its own; the configured
		// pair's latest candle supplies the rejection timestamp.
		candle, err := s.candles.Latest(s.cfg.Symbol, s.cfg.Timeframe)
		if err != nil {
			if errors.Is(err, marketdata.ErrNoCandle) {
				return nil, fmt.Errorf("%w: %s", errSymbolNotAllowed, req.Symbol)
			}
			return nil, err
		}
		rejected, err := s.persistRejected(req, candle.OpenTime, RejectReasonSymbolNotAllowed, idempotencyKey)
		if err != nil {
			return nil, err
		}
		return &PlaceOrderResult{Result: &execution.Result{Order: rejected}}, nil
	}

	candle, err := s.candles.Latest(req.Symbol, s.cfg.Timeframe)
	if err != nil {
		if errors.Is(err, marketdata.ErrNoCandle) {
			return nil, fmt.Errorf("%w: %s %s", ErrNoMarketData, req.Symbol, s.cfg.Timeframe)
		}
		return nil, err
	}

	if reason := s.validate(req); reason != "" {
		rejected, err := s.persistRejected(req, candle.OpenTime, reason, idempotencyKey)
		if err != nil {
			return nil, err
		}
		return &PlaceOrderResult{Result: &execution.Result{Order: rejected}}, nil
	}

	stopPips := s.stopDistancePips(req, candle)
	decision, err := s.risk.CheckOrder(risk.CheckParams{
		Symbol:           req.Symbol,
		Side:             req.Side,
		Qty:              req.Qty,
		StopDistancePips: stopPips,
	}, candle)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		rejected, err := s.persistRejected(req, candle.OpenTime, decision.Reason, idempotencyKey)
		if err != nil {
			return nil, err
		}
		return &PlaceOrderResult{Result: &execution.Result{Order: rejected}, Risk: decision}, nil
	}

	settled, err := s.execution.PlaceMarketOrder(execution.PlaceOrderParams{
		Symbol:         req.Symbol,
		Side:           req.Side,
		Qty:            decision.ApprovedQty,
		StopLoss:       req.StopLoss,
		TakeProfit:     req.TakeProfit,
		IdempotencyKey: idempotencyKey,
	}, candle)
	if err != nil {
		return nil, err
	}
	return &PlaceOrderResult{Result: settled, Risk: decision}, nil
}

var errSymbolNotAllowed = errors.New("symbol not allowed")

// validate returns a rejection reason, or "" when the request is sound.
func (s *Service) validate(req PlaceOrderRequest) string {
	if req.Type != types.OrderTypeMarket {
		return RejectReasonUnsupportedType
	}
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return RejectReasonUnsupportedSide
	}
	if req.Qty < s.cfg.MinOrderQty || req.Qty <= 0 {
		return RejectReasonBelowMinQty
	}
	return ""
}

// stopDistancePips resolves the sizing stop distance: explicit pips win,
// otherwise it is derived from the stop-loss hint against the side price.
func (s *Service) stopDistancePips(req PlaceOrderRequest, candle *types.Candle) *float64 {
	if req.StopDistancePips != nil {
		return req.StopDistancePips
	}
	if req.StopLoss == nil {
		return nil
	}
	quote := s.pricer.QuoteCandle(candle)
	entry, err := s.pricer.SidePrice(req.Side, quote)
	if err != nil {
		return nil
	}
	pips := math.Abs(entry-*req.StopLoss) / s.cfg.PipSize
	if pips <= 0 {
		return nil
	}
	return &pips
}

// persistRejected writes the REJECTED order row for an audit trail.
func (s *Service) persistRejected(req PlaceOrderRequest, ts time.Time, reason string, idempotencyKey *string) (*types.Order, error) {
	order := &types.Order{
		Timestamp:      ts,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Qty:            req.Qty,
		Status:         types.OrderStatusRejected,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
	}
	if err := s.db.Create(order).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) && idempotencyKey != nil {
			prior, lookupErr := s.execution.GetResultByIdempotencyKey(*idempotencyKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if prior != nil {
				return prior.Order, nil
			}
		}
		return nil, err
	}
	s.logger.Info().
		Uint("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("reason", reason).
		Msg("order rejected")
	return order, nil
}

// ListOrdersFilter narrows order listings.
type ListOrdersFilter struct {
	Symbol string
	Status string
	Since  *time.Time
	Until  *time.Time
	Limit  int
}

// ListOrders returns orders matching the filter, newest first.
func (s *Service) ListOrders(filter ListOrdersFilter) ([]types.Order, error) {
	query := s.db.Model(&types.Order{})
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Since != nil {
		query = query.Where("timestamp >= ?", *filter.Since)
	}
	if filter.Until != nil {
		query = query.Where("timestamp <= ?", *filter.Until)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var orders []types.Order
	err := query.Order("timestamp DESC, id DESC").Limit(limit).Find(&orders).Error
	return orders, err
}

// GetOrder returns one order with its fill, if any.
func (s *Service) GetOrder(orderID uint) (*types.Order, *types.Fill, error) {
	var order types.Order
	if err := s.db.Where("id = ?", orderID).First(&order).Error; err != nil {
		return nil, nil, err
	}
	var fill types.Fill
	err := s.db.Where("order_id = ?", orderID).First(&fill).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &order, nil, nil
		}
		return nil, nil, err
	}
	return &order, &fill, nil
}

// CancelOrder cancels a NEW order.
func (s *Service) CancelOrder(orderID uint) (*types.Order, error) {
	return s.execution.CancelOrder(orderID)
}

// ListPositions returns the live positions.
func (s *Service) ListPositions() ([]types.Position, error) {
	var positions []types.Position
	err := s.db.Order("symbol ASC").Find(&positions).Error
	return positions, err
}

// ListTrades returns realized trades, newest first.
func (s *Service) ListTrades(limit int) ([]types.Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var trades []types.Trade
	err := s.db.Order("exit_ts DESC, id DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// ListFills returns fills, newest first.
func (s *Service) ListFills(limit int) ([]types.Fill, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var fills []types.Fill
	err := s.db.Order("timestamp DESC, id DESC").Limit(limit).Find(&fills).Error
	return fills, err
}
