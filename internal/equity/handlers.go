package equity

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/paper-api/internal/marketdata"
	"github.com/ksred/paper-api/internal/types"
	"github.com/ksred/paper-api/pkg/response"
	"gorm.io/gorm"
)

// GinHandlers contains HTTP handlers for account endpoints
type GinHandlers struct {
	service *Service
	candles *marketdata.Database
}

// NewGinHandlers creates a new set of HTTP handlers for account endpoints
func NewGinHandlers(service *Service, candles *marketdata.Database) *GinHandlers {
	return &GinHandlers{
		service: service,
		candles: candles,
	}
}

// GetAccountHandler handles GET requests for the account valued at the
// latest candle. The stored row is returned as-is when no market data has
// been ingested yet.
func (h *GinHandlers) GetAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		candle, err := h.candles.Latest(h.service.cfg.Symbol, h.service.cfg.Timeframe)
		if err != nil {
			if !errors.Is(err, marketdata.ErrNoCandle) {
				response.Handle(c, nil, err)
				return
			}
			var acct types.Account
			if dbErr := h.service.db.Where("id = ?", DefaultAccountID).First(&acct).Error; dbErr != nil {
				if errors.Is(dbErr, gorm.ErrRecordNotFound) {
					response.NotFound(c, "Account not initialized")
					return
				}
				response.Handle(c, nil, dbErr)
				return
			}
			response.Success(c, acct)
			return
		}

		var state *State
		err = h.service.db.Transaction(func(tx *gorm.DB) error {
			var txErr error
			state, txErr = h.service.ComputeAccountState(tx, candle)
			return txErr
		})
		response.Handle(c, state, err)
	}
}

// ListSnapshotsHandler handles GET requests for mark-to-market history.
func (h *GinHandlers) ListSnapshotsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		snaps, err := h.service.GetSnapshots(limit)
		response.Handle(c, snaps, err)
	}
}

// MarkToMarketHandler handles POST requests to snapshot the account at the
// latest candle. Repeating the call for the same candle returns the stored
// snapshot.
func (h *GinHandlers) MarkToMarketHandler() gin.HandlerFunc {
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
		result, err := h.service.MarkToMarket(candle)
		response.Handle(c, result, err)
	}
}
