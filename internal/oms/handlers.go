package oms

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/paper-api/pkg/response"
)

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// PlaceOrderHandler handles POST requests to submit market orders.
// An optional Idempotency-Key header makes resubmission safe.
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		var idempotencyKey *string
		if key := c.GetHeader("Idempotency-Key"); key != "" {
			idempotencyKey = &key
		}

		result, err := h.service.PlaceOrder(req, idempotencyKey)
		if err != nil {
			switch {
			case errors.Is(err, ErrNoMarketData):
				response.BadRequest(c, err.Error())
			case errors.Is(err, errSymbolNotAllowed):
				response.BadRequest(c, err.Error())
			default:
				response.Handle(c, nil, err)
			}
			return
		}
		response.Success(c, result)
	}
}

// ListOrdersHandler handles GET requests for order history.
// Query parameters: symbol, status, since, until, limit.
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := ListOrdersFilter{
			Symbol: c.Query("symbol"),
			Status: c.Query("status"),
		}
		if v := c.Query("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil {
				response.BadRequest(c, "limit must be an integer")
				return
			}
			filter.Limit = limit
		}
		if v := c.Query("since"); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				response.BadRequest(c, "since must be RFC3339")
				return
			}
			filter.Since = &ts
		}
		if v := c.Query("until"); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				response.BadRequest(c, "until must be RFC3339")
				return
			}
			filter.Until = &ts
		}

		orders, err := h.service.ListOrders(filter)
		response.Handle(c, orders, err)
	}
}

// GetOrderHandler handles GET requests for one order and its fill.
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, err := strconv.ParseUint(c.Param("order_id"), 10, 32)
		if err != nil {
			response.BadRequest(c, "order_id must be an integer")
			return
		}

		order, fill, err := h.service.GetOrder(uint(orderID))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"order": order, "fill": fill})
	}
}

// CancelOrderHandler handles POST requests to cancel NEW orders.
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, err := strconv.ParseUint(c.Param("order_id"), 10, 32)
		if err != nil {
			response.BadRequest(c, "order_id must be an integer")
			return
		}

		order, err := h.service.CancelOrder(uint(orderID))
		response.Handle(c, order, err)
	}
}

// ListPositionsHandler handles GET requests for live positions.
func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positions, err := h.service.ListPositions()
		response.Handle(c, positions, err)
	}
}

// ListTradesHandler handles GET requests for realized trades.
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		trades, err := h.service.ListTrades(limit)
		response.Handle(c, trades, err)
	}
}

// ListFillsHandler handles GET requests for fills.
func (h *GinHandlers) ListFillsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		fills, err := h.service.ListFills(limit)
		response.Handle(c, fills, err)
	}
}
