package risk

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/ksred/paper-api/internal/marketdata"
	"github.com/ksred/paper-api/pkg/response"
)

// GinHandlers contains HTTP handlers for risk endpoints
type GinHandlers struct {
	service *Service
	candles *marketdata.Database
}

// NewGinHandlers creates a new set of HTTP handlers for risk endpoints
func NewGinHandlers(service *Service, candles *marketdata.Database) *GinHandlers {
	return &GinHandlers{
		service: service,
		candles: candles,
	}
}

// GetLimitsHandler handles GET requests for the account's risk limits.
func (h *GinHandlers) GetLimitsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limits, err := h.service.GetLimits()
		response.Handle(c, limits, err)
	}
}

// UpdateLimitsHandler handles PUT requests to adjust risk limits.
func (h *GinHandlers) UpdateLimitsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var limits Limits
		if err := c.ShouldBindJSON(&limits); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		updated, err := h.service.UpdateLimits(&limits)
		response.Handle(c, updated, err)
	}
}

// GetStatusHandler handles GET requests for current exposure against
// limits, valued at the latest candle.
func (h *GinHandlers) GetStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		candle, err := h.candles.Latest(h.service.cfg.Symbol, h.service.cfg.Timeframe)
		if err != nil {
			if errors.Is(err, marketdata.ErrNoCandle) {
				response.BadRequest(c, "no market data ingested yet")
				return
			}
			response.Handle(c, nil, err)
			return
		}
		snap, err := h.service.ComputeSnapshot(candle)
		response.Handle(c, snap, err)
	}
}
