package execution

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

// Exit reasons recorded on Trade rows.
const (
	ExitReasonOrder      = "order"
	ExitReasonStopLoss   = "stop_loss"
	ExitReasonTakeProfit = "take_profit"
)

// Rejection reasons recorded on Order rows.
const (
	RejectReasonInsufficientMargin = "insufficient_margin"
)

// PlaceOrderParams describes one market order submission.
type PlaceOrderParams struct {
	Symbol         string
	Side           string
	Qty            float64
	StopLoss       *float64
	TakeProfit     *float64
	IdempotencyKey *string
}

// Result is the settled outcome of an order: the order row, its fill if
// filled, the surviving position if any, the trades realized, and the
// account after balance updates. Idempotent is true when an earlier
// submission with the same idempotency key was returned unchanged.
type Result struct {
	Order      *types.Order    `json:"order"`
	Fill       *types.Fill     `json:"fill,omitempty"`
	Position   *types.Position `json:"position,omitempty"`
	Trades     []types.Trade   `json:"trades,omitempty"`
	Account    *types.Account  `json:"account,omitempty"`
	Idempotent bool            `json:"idempotent"`
}

// ExitEvent reports one protective close performed during candle update.
type ExitEvent struct {
	Symbol     string      `json:"symbol"`
	Reason     string      `json:"reason"`
	Trade      types.Trade `json:"trade"`
	ExitOrder  types.Order `json:"exit_order"`
	TriggerPx  float64     `json:"trigger_price"`
	Idempotent bool        `json:"idempotent"`
}

// Service settles orders into fills, positions, trades and balance inside
// one transaction per logical operation.
type Service struct {
	db     *gorm.DB
	cfg    *config.Config
	pricer pricing.Model
	engine *Engine
	equity *equity.Service
	logger zerolog.Logger
}

func NewService(db *gorm.DB, cfg *config.Config, eq *equity.Service) *Service {
	pricer := pricing.NewModel(cfg.PipSize, cfg.SpreadPips, cfg.SlippagePips)
	return &Service{
		db:     db,
		cfg:    cfg,
		pricer: pricer,
		engine: NewEngine(pricer),
		equity: eq,
		logger: log.With().Str("service", "execution").Logger(),
	}
}

// PlaceMarketOrder submits and immediately settles a market order against
// the given decision candle at the side price (ask for buys, bid for
// sells). A reused idempotency key returns the original submission
// unchanged. A unique-constraint race is retried exactly once; on retry
// the winner's rows are returned.
func (s *Service) PlaceMarketOrder(params PlaceOrderParams, candle *types.Candle) (*Result, error) {
	result, err := s.placeOnce(params, candle)
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		s.logger.Warn().
			Str("symbol", params.Symbol).
			Msg("duplicate key race on order submission, retrying once")
		result, err = s.placeOnce(params, candle)
	}
	return result, err
}

func (s *Service) placeOnce(params PlaceOrderParams, candle *types.Candle) (*Result, error) {
	var result *Result
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if params.IdempotencyKey != nil {
			existing, err := getOrderByIdempotencyKey(tx, *params.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				prior, err := s.loadResult(tx, existing)
				if err != nil {
					return err
				}
				prior.Idempotent = true
				result = prior
				return nil
			}
		}

		acct, err := s.equity.EnsureAccount(tx, candle.OpenTime, true)
		if err != nil {
			return err
		}
		pos, err := getPositionLocked(tx, params.Symbol)
		if err != nil {
			return err
		}

		quote := s.pricer.QuoteCandle(candle)
		fillPrice, err := s.pricer.SidePrice(params.Side, quote)
		if err != nil {
			return err
		}

		order := &types.Order{
			Timestamp:      candle.OpenTime,
			Symbol:         params.Symbol,
			Side:           params.Side,
			Type:           types.OrderTypeMarket,
			Qty:            params.Qty,
			Status:         types.OrderStatusNew,
			RequestedPrice: &fillPrice,
			IdempotencyKey: params.IdempotencyKey,
		}
		if err := tx.Create(order).Error; err != nil {
			return err
		}

		currentQty := 0.0
		if pos != nil {
			currentQty = pos.QtySigned
		}
		orderQty := types.SignedQty(params.Side, params.Qty)
		marginDelta := s.equity.AdditionalMarginForNetting(currentQty, orderQty, fillPrice, acct.Leverage)

		state, err := s.equity.ComputeAccountState(tx, candle)
		if err != nil {
			return err
		}
		if state.FreeMargin < marginDelta {
			order.Status = types.OrderStatusRejected
			order.Reason = RejectReasonInsufficientMargin
			if err := tx.Save(order).Error; err != nil {
				return err
			}
			s.logger.Info().
				Uint("order_id", order.ID).
				Float64("free_margin", state.FreeMargin).
				Float64("margin_delta", marginDelta).
				Msg("order rejected on margin")
			result = &Result{Order: order, Account: acct}
			return nil
		}

		settled, err := s.settle(tx, order, pos, acct, fillPrice, candle.OpenTime, 0.0,
			params.StopLoss, params.TakeProfit, ExitReasonOrder)
		if err != nil {
			return err
		}
		result = settled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// settle creates the fill, nets it into the position, records realized
// trades, and applies realized PnL to the account balance. slippagePips is
// the slippage actually applied to price: zero on the synchronous side-price
// paths, the configured value on next-bar fills. The fill's unique order
// index makes a double settle fail rather than double count.
func (s *Service) settle(tx *gorm.DB, order *types.Order, pos *types.Position,
	acct *types.Account, price float64, ts time.Time, slippagePips float64,
	stopLoss, takeProfit *float64, exitReason string) (*Result, error) {

	fill := &types.Fill{
		OrderID:      order.ID,
		Timestamp:    ts,
		Symbol:       order.Symbol,
		Side:         order.Side,
		Qty:          order.Qty,
		Price:        price,
		SlippagePips: slippagePips,
		SpreadPips:   s.pricer.SpreadPips,
	}
	if err := tx.Create(fill).Error; err != nil {
		return nil, fmt.Errorf("failed to record fill for order %d: %w", order.ID, err)
	}

	before := netting.PositionState{}
	if pos != nil {
		before = netting.PositionState{QtySigned: pos.QtySigned, AvgPrice: pos.AvgPrice}
	}
	after, realization := netting.Apply(before, netting.FillEvent{
		QtySigned: types.SignedQty(order.Side, order.Qty),
		Price:     price,
	})

	var trades []types.Trade
	if realization != nil {
		trade := types.Trade{
			EntryTS:     pos.OpenedAt,
			ExitTS:      ts,
			Symbol:      order.Symbol,
			Qty:         realization.ClosedQty,
			EntryPrice:  realization.EntryPrice,
			ExitPrice:   realization.ExitPrice,
			PnL:         realization.PnL,
			ExitReason:  exitReason,
			ExitOrderID: order.ID,
		}
		if pos != nil {
			trade.EntryOrderID = pos.EntryOrderID
		}
		if err := tx.Create(&trade).Error; err != nil {
			return nil, err
		}
		trades = append(trades, trade)

		acct.Balance += realization.PnL
		if err := tx.Save(acct).Error; err != nil {
			return nil, err
		}
	}

	finalPos, err := s.persistPosition(tx, order, pos, after, realization, ts, stopLoss, takeProfit)
	if err != nil {
		return nil, err
	}

	order.Status = types.OrderStatusFilled
	if err := tx.Save(order).Error; err != nil {
		return nil, err
	}

	s.logger.Info().
		Uint("order_id", order.ID).
		Uint("fill_id", fill.ID).
		Str("symbol", order.Symbol).
		Str("side", order.Side).
		Float64("qty", order.Qty).
		Float64("price", price).
		Msg("order filled")

	return &Result{
		Order:    order,
		Fill:     fill,
		Position: finalPos,
		Trades:   trades,
		Account:  acct,
	}, nil
}

// persistPosition writes the netted position state back: delete when flat,
// create when opening, re-anchor entry metadata on a flip, otherwise
// update in place.
func (s *Service) persistPosition(tx *gorm.DB, order *types.Order, pos *types.Position,
	after netting.PositionState, realization *netting.Realization, ts time.Time,
	stopLoss, takeProfit *float64) (*types.Position, error) {

	if after.Flat() {
		if pos != nil {
			if err := tx.Delete(pos).Error; err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	if pos == nil {
		entryID := order.ID
		created := &types.Position{
			Symbol:       order.Symbol,
			QtySigned:    after.QtySigned,
			AvgPrice:     after.AvgPrice,
			StopLoss:     stopLoss,
			TakeProfit:   takeProfit,
			OpenedAt:     ts,
			EntryOrderID: &entryID,
		}
		if err := tx.Create(created).Error; err != nil {
			return nil, err
		}
		return created, nil
	}

	pos.QtySigned = after.QtySigned
	pos.AvgPrice = after.AvgPrice
	if realization != nil {
		pos.RealizedPnL += realization.PnL
	}
	if realization != nil && realization.Flipped {
		entryID := order.ID
		pos.OpenedAt = ts
		pos.EntryOrderID = &entryID
		pos.StopLoss = stopLoss
		pos.TakeProfit = takeProfit
	} else {
		if stopLoss != nil {
			pos.StopLoss = stopLoss
		}
		if takeProfit != nil {
			pos.TakeProfit = takeProfit
		}
	}
	if err := tx.Save(pos).Error; err != nil {
		return nil, err
	}
	return pos, nil
}

// loadResult reassembles the Result for a previously-settled order.
func (s *Service) loadResult(tx *gorm.DB, order *types.Order) (*Result, error) {
	fill, err := getFillForOrder(tx, order.ID)
	if err != nil {
		return nil, err
	}
	pos, err := getPositionLocked(tx, order.Symbol)
	if err != nil {
		return nil, err
	}
	var trades []types.Trade
	if err := tx.Where("exit_order_id = ?", order.ID).Find(&trades).Error; err != nil {
		return nil, err
	}
	var acct types.Account
	if err := tx.Where("id = ?", equity.DefaultAccountID).First(&acct).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return &Result{Order: order, Fill: fill, Position: pos, Trades: trades}, nil
	}
	return &Result{Order: order, Fill: fill, Position: pos, Trades: trades, Account: &acct}, nil
}

// GetResultByIdempotencyKey returns the settled result of a prior
// submission with this key, or nil when the key is unused.
func (s *Service) GetResultByIdempotencyKey(key string) (*Result, error) {
	var result *Result
	err := s.db.Transaction(func(tx *gorm.DB) error {
		order, err := getOrderByIdempotencyKey(tx, key)
		if err != nil {
			return err
		}
		if order == nil {
			return nil
		}
		prior, err := s.loadResult(tx, order)
		if err != nil {
			return err
		}
		prior.Idempotent = true
		result = prior
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateOnCandle evaluates protective stops against a closed candle and
// closes triggered positions. Re-processing a candle a second time is a
// no-op: the exit trade's presence short-circuits the close.
func (s *Service) UpdateOnCandle(candle *types.Candle) ([]ExitEvent, error) {
	var events []ExitEvent
	err := s.db.Transaction(func(tx *gorm.DB) error {
		pos, err := getPositionLocked(tx, candle.Symbol)
		if err != nil {
			return err
		}
		if pos == nil || pos.QtySigned == 0 {
			return nil
		}

		reason, trigger, hit := triggeredExit(pos, candle)
		if !hit {
			return nil
		}

		done, err := hasTradeAt(tx, candle.Symbol, reason, candle.OpenTime)
		if err != nil {
			return err
		}
		if done {
			events = append(events, ExitEvent{
				Symbol: candle.Symbol, Reason: reason, TriggerPx: trigger, Idempotent: true,
			})
			return nil
		}

		event, err := s.closeAtLevel(tx, pos, candle, trigger, reason)
		if err != nil {
			return err
		}
		events = append(events, *event)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// triggeredExit decides whether the candle touched the position's stop or
// take-profit. The stop wins when both levels trade inside one candle.
func triggeredExit(pos *types.Position, candle *types.Candle) (reason string, trigger float64, hit bool) {
	if pos.QtySigned > 0 {
		if pos.StopLoss != nil && candle.Low <= *pos.StopLoss {
			return ExitReasonStopLoss, *pos.StopLoss, true
		}
		if pos.TakeProfit != nil && candle.High >= *pos.TakeProfit {
			return ExitReasonTakeProfit, *pos.TakeProfit, true
		}
		return "", 0, false
	}
	if pos.StopLoss != nil && candle.High >= *pos.StopLoss {
		return ExitReasonStopLoss, *pos.StopLoss, true
	}
	if pos.TakeProfit != nil && candle.Low <= *pos.TakeProfit {
		return ExitReasonTakeProfit, *pos.TakeProfit, true
	}
	return "", 0, false
}

// closeAtLevel flattens the position with a synthetic exit order priced at
// the side price of the trigger level: longs sell at the level's bid,
// shorts buy at its ask.
func (s *Service) closeAtLevel(tx *gorm.DB, pos *types.Position, candle *types.Candle,
	trigger float64, reason string) (*ExitEvent, error) {

	exitSide := types.SideSell
	if pos.QtySigned < 0 {
		exitSide = types.SideBuy
	}
	quote := s.pricer.QuoteMid(trigger)
	price, err := s.pricer.SidePrice(exitSide, quote)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s:%s:%s:%d", reason, pos.Symbol, s.cfg.Timeframe, candle.OpenTime.Unix())
	order := &types.Order{
		Timestamp:      candle.OpenTime,
		Symbol:         pos.Symbol,
		Side:           exitSide,
		Type:           types.OrderTypeMarket,
		Qty:            math.Abs(pos.QtySigned),
		Status:         types.OrderStatusNew,
		Reason:         reason,
		IdempotencyKey: &key,
	}
	if err := tx.Create(order).Error; err != nil {
		return nil, err
	}

	acct, err := s.equity.EnsureAccount(tx, candle.OpenTime, true)
	if err != nil {
		return nil, err
	}
	settled, err := s.settle(tx, order, pos, acct, price, candle.OpenTime, 0.0, nil, nil, reason)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("symbol", pos.Symbol).
		Str("reason", reason).
		Float64("trigger", trigger).
		Float64("price", price).
		Msg("protective exit executed")

	event := &ExitEvent{
		Symbol:    pos.Symbol,
		Reason:    reason,
		ExitOrder: *settled.Order,
		TriggerPx: trigger,
	}
	if len(settled.Trades) > 0 {
		event.Trade = settled.Trades[0]
	}
	return event, nil
}

// ProcessNewOrdersForCandle fills NEW orders due on this candle under the
// next-bar rule: an order created at candle t fills only when this is the
// first stored candle strictly after t. Orders due on an earlier candle
// stay NEW for that candle's own sweep. Orders whose margin no longer fits
// are rejected.
func (s *Service) ProcessNewOrdersForCandle(candle *types.Candle) ([]Result, error) {
	var results []Result
	err := s.db.Transaction(func(tx *gorm.DB) error {
		candles := marketdata.NewDatabase(tx)
		orders, err := listNewOrdersBefore(tx, candle.Symbol, candle.OpenTime)
		if err != nil {
			return err
		}
		for i := range orders {
			order := &orders[i]

			existing, err := getFillForOrder(tx, order.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				// A fill without a FILLED status means a prior run crashed
				// between insert and status update; repair the status only.
				order.Status = types.OrderStatusFilled
				if err := tx.Save(order).Error; err != nil {
					return err
				}
				results = append(results, Result{Order: order, Fill: existing, Idempotent: true})
				continue
			}

			due, err := candles.FirstAfter(order.Symbol, candle.Timeframe, order.Timestamp)
			if err != nil {
				return err
			}
			if due == nil || !due.OpenTime.Equal(candle.OpenTime) {
				// Not due on this candle; the order belongs to its own next bar.
				continue
			}

			fill, err := s.engine.Execute(order, candle)
			if err != nil {
				order.Status = types.OrderStatusRejected
				order.Reason = err.Error()
				if saveErr := tx.Save(order).Error; saveErr != nil {
					return saveErr
				}
				results = append(results, Result{Order: order})
				continue
			}

			acct, err := s.equity.EnsureAccount(tx, candle.OpenTime, true)
			if err != nil {
				return err
			}
			pos, err := getPositionLocked(tx, order.Symbol)
			if err != nil {
				return err
			}

			currentQty := 0.0
			if pos != nil {
				currentQty = pos.QtySigned
			}
			orderQty := types.SignedQty(order.Side, order.Qty)
			marginDelta := s.equity.AdditionalMarginForNetting(currentQty, orderQty, fill.Price, acct.Leverage)
			state, err := s.equity.ComputeAccountState(tx, candle)
			if err != nil {
				return err
			}
			if state.FreeMargin < marginDelta {
				order.Status = types.OrderStatusRejected
				order.Reason = RejectReasonInsufficientMargin
				if err := tx.Save(order).Error; err != nil {
					return err
				}
				results = append(results, Result{Order: order, Account: acct})
				continue
			}

			settled, err := s.settle(tx, order, pos, acct, fill.Price, candle.OpenTime, fill.SlippagePips, nil, nil, ExitReasonOrder)
			if err != nil {
				return err
			}
			results = append(results, *settled)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// CancelOrder transitions a NEW order to CANCELED. Orders in any other
// state cannot be canceled; NEW orders have no fill, so no compensating
// ledger action exists.
func (s *Service) CancelOrder(orderID uint) (*types.Order, error) {
	var order types.Order
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := maybeForUpdate(tx).Where("id = ?", orderID).First(&order).Error; err != nil {
			return err
		}
		if order.Status != types.OrderStatusNew {
			return fmt.Errorf("order %d is %s: only NEW orders can be canceled", order.ID, order.Status)
		}
		order.Status = types.OrderStatusCanceled
		return tx.Save(&order).Error
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}
