package orchestrator

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/paper-api/pkg/response"
)

// GinHandlers contains HTTP handlers for orchestration endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for orchestration endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type runCycleRequest struct {
	CandleTS time.Time `json:"candle_ts" binding:"required"`
	DryRun   bool      `json:"dry_run"`
}

// RunCycleHandler handles POST requests to execute one decision cycle for
// a candle. Re-running a candle with a terminal report returns that report
// unchanged.
func (h *GinHandlers) RunCycleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req runCycleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		report, err := h.service.RunCycle(req.CandleTS.UTC(), req.DryRun)
		response.Handle(c, report, err)
	}
}

// ListRunsHandler handles GET requests for run report history.
func (h *GinHandlers) ListRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		runs, err := h.service.ListRuns(limit)
		response.Handle(c, runs, err)
	}
}

// GetRunHandler handles GET requests for one run report.
// URL parameter: run_id
func (h *GinHandlers) GetRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("run_id")
		if runID == "" {
			response.BadRequest(c, "run_id is required")
			return
		}
		report, err := h.service.GetRun(runID)
		response.Handle(c, report, err)
	}
}
