package marketdata

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/paper-api/internal/types"
	"github.com/ksred/paper-api/pkg/response"
)

// GinHandlers contains HTTP handlers for candle endpoints
type GinHandlers struct {
	db *Database
}

// NewGinHandlers creates a new set of HTTP handlers for candle endpoints
func NewGinHandlers(db *Database) *GinHandlers {
	return &GinHandlers{
		db: db,
	}
}

type ingestRequest struct {
	Candles []types.Candle `json:"candles" binding:"required"`
}

// IngestHandler handles POST requests to store closed candles. Candles
// already present are skipped, so replaying an ingest batch is safe.
func (h *GinHandlers) IngestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ingestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		for i := range req.Candles {
			req.Candles[i].Symbol = strings.ToUpper(req.Candles[i].Symbol)
			req.Candles[i].OpenTime = req.Candles[i].OpenTime.UTC()
		}
		if err := h.db.Insert(req.Candles); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"received": len(req.Candles)})
	}
}

// ListHandler handles GET requests for stored candles.
// Query parameters: symbol, timeframe, from, to, limit.
func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := strings.ToUpper(c.Query("symbol"))
		timeframe := c.Query("timeframe")
		if symbol == "" || timeframe == "" {
			response.BadRequest(c, "symbol and timeframe are required")
			return
		}

		if from, to := c.Query("from"), c.Query("to"); from != "" && to != "" {
			fromTS, err := time.Parse(time.RFC3339, from)
			if err != nil {
				response.BadRequest(c, "from must be RFC3339")
				return
			}
			toTS, err := time.Parse(time.RFC3339, to)
			if err != nil {
				response.BadRequest(c, "to must be RFC3339")
				return
			}
			candles, err := h.db.Range(symbol, timeframe, fromTS.UTC(), toTS.UTC())
			response.Handle(c, candles, err)
			return
		}

		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if limit <= 0 || limit > 1000 {
			limit = 100
		}
		latest, err := h.db.Latest(symbol, timeframe)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		candles, err := h.db.HistoryUpTo(symbol, timeframe, latest.OpenTime, limit)
		response.Handle(c, candles, err)
	}
}
