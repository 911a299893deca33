package accounting

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/paper-api/pkg/response"
)

// GinHandlers contains HTTP handlers for reconciliation endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for reconciliation endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type processRequest struct {
	AsOf time.Time `json:"asof" binding:"required"`
}

// ProcessHandler handles POST requests to run one reconciliation pass for
// a candle time. The exact candle must exist.
func (h *GinHandlers) ProcessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req processRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		result, err := h.service.ProcessForCandle(req.AsOf.UTC())
		response.Handle(c, result, err)
	}
}

// RecomputeHandler handles POST requests to rebuild the reconciliation
// book from scratch by replaying every fill.
func (h *GinHandlers) RecomputeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		candles, err := h.service.Recompute()
		response.Handle(c, gin.H{"candles_processed": candles}, err)
	}
}

// ListPositionsHandler handles GET requests for the reconciliation book's
// positions.
func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positions, err := h.service.GetPositions()
		response.Handle(c, positions, err)
	}
}

// ListSnapshotsHandler handles GET requests for reconciliation snapshots.
func (h *GinHandlers) ListSnapshotsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		snaps, err := h.service.GetSnapshots(limit)
		response.Handle(c, snaps, err)
	}
}

// ListRealizedTradesHandler handles GET requests for realized trades in
// the reconciliation book.
func (h *GinHandlers) ListRealizedTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		trades, err := h.service.GetRealizedTrades(limit)
		response.Handle(c, trades, err)
	}
}
