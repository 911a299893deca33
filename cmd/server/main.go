package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/paper-api/internal/accounting"
	"github.com/ksred/paper-api/internal/auth"
	"github.com/ksred/paper-api/internal/config"
	"github.com/ksred/paper-api/internal/database"
	"github.com/ksred/paper-api/internal/equity"
	"github.com/ksred/paper-api/internal/execution"
	"github.com/ksred/paper-api/internal/marketdata"
	"github.com/ksred/paper-api/internal/oms"
	"github.com/ksred/paper-api/internal/orchestrator"
	"github.com/ksred/paper-api/internal/risk"
	"github.com/ksred/paper-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the paper trading API server with graceful
// shutdown support. It wires the ledger services, the store, and the API
// routes.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := database.Close(db); err != nil {
			zlog.Error().Err(err).Msg("Failed to close database")
		}
	}()

	middleware.SetJWTSecret(cfg.JWTSecret)

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg)
	authHandlers := auth.NewGinHandlers(authService)

	candleDB := marketdata.NewDatabase(db)
	candleHandlers := marketdata.NewGinHandlers(candleDB)

	equityService := equity.NewService(db, cfg)
	equityHandlers := equity.NewGinHandlers(equityService, candleDB)

	riskService := risk.NewService(db, cfg, equityService)
	riskHandlers := risk.NewGinHandlers(riskService, candleDB)

	executionService := execution.NewService(db, cfg, equityService)

	omsService := oms.NewService(db, cfg, riskService, executionService)
	omsHandlers := oms.NewGinHandlers(omsService)

	accountingService := accounting.NewService(db, cfg)
	accountingHandlers := accounting.NewGinHandlers(accountingService)

	orchestratorService := orchestrator.NewService(db, cfg, riskService, executionService, equityService, accountingService)
	orchestratorHandlers := orchestrator.NewGinHandlers(orchestratorService)

	// Create and start the background cycle processor
	cycleProcessor := orchestrator.NewProcessor(orchestratorService)
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go cycleProcessor.Start(processorCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, candleHandlers, equityHandlers, riskHandlers,
		omsHandlers, accountingHandlers, orchestratorHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Trading routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	candleHandlers *marketdata.GinHandlers,
	equityHandlers *equity.GinHandlers,
	riskHandlers *risk.GinHandlers,
	omsHandlers *oms.GinHandlers,
	accountingHandlers *accounting.GinHandlers,
	orchestratorHandlers *orchestrator.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth())
		{
			orders.POST("", omsHandlers.PlaceOrderHandler())
			orders.GET("", omsHandlers.ListOrdersHandler())
			orders.GET("/:order_id", omsHandlers.GetOrderHandler())
			orders.POST("/:order_id/cancel", omsHandlers.CancelOrderHandler())
		}

		// Account and position routes
		account := v1.Group("/account")
		account.Use(middleware.JWTAuth())
		{
			account.GET("", equityHandlers.GetAccountHandler())
			account.GET("/snapshots", equityHandlers.ListSnapshotsHandler())
		}

		positions := v1.Group("/positions")
		positions.Use(middleware.JWTAuth())
		{
			positions.GET("", omsHandlers.ListPositionsHandler())
		}

		trades := v1.Group("/trades")
		trades.Use(middleware.JWTAuth())
		{
			trades.GET("", omsHandlers.ListTradesHandler())
		}

		fills := v1.Group("/fills")
		fills.Use(middleware.JWTAuth())
		{
			fills.GET("", omsHandlers.ListFillsHandler())
		}

		candles := v1.Group("/candles")
		candles.Use(middleware.JWTAuth())
		{
			candles.GET("", candleHandlers.ListHandler())
		}

		risk := v1.Group("/risk")
		risk.Use(middleware.JWTAuth())
		{
			risk.GET("/limits", riskHandlers.GetLimitsHandler())
			risk.GET("/status", riskHandlers.GetStatusHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/candles", candleHandlers.IngestHandler())
			internal.POST("/mark-to-market", equityHandlers.MarkToMarketHandler())
			internal.PUT("/risk/limits", riskHandlers.UpdateLimitsHandler())
			internal.POST("/orchestrator/run", orchestratorHandlers.RunCycleHandler())
			internal.GET("/orchestrator/runs", orchestratorHandlers.ListRunsHandler())
			internal.GET("/orchestrator/runs/:run_id", orchestratorHandlers.GetRunHandler())
			internal.POST("/accounting/process", accountingHandlers.ProcessHandler())
			internal.POST("/accounting/recompute", accountingHandlers.RecomputeHandler())
			internal.GET("/accounting/positions", accountingHandlers.ListPositionsHandler())
			internal.GET("/accounting/snapshots", accountingHandlers.ListSnapshotsHandler())
			internal.GET("/accounting/trades", accountingHandlers.ListRealizedTradesHandler())
		}
	}
}
