package main

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/ksred/paper-api/internal/accounting"
	"github.com/ksred/paper-api/internal/config"
	"github.com/ksred/paper-api/internal/database"
	"github.com/ksred/paper-api/internal/equity"
	"github.com/ksred/paper-api/internal/execution"
	"github.com/ksred/paper-api/internal/marketdata"
	"github.com/ksred/paper-api/internal/orchestrator"
	"github.com/ksred/paper-api/internal/risk"
	"github.com/ksred/paper-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	numCandles = 500
	randomSeed = 42
	basePrice  = 1.1000
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// runStats summarizes one full replay.
type runStats struct {
	cycles    int
	ok        int
	noop      int
	failed    int
	orders    int64
	fills     int64
	trades    int64
	balance   float64
	equity    float64
	realized  float64
	snapshots int64
}

// main replays a deterministic candle series through the full decision
// cycle twice, on two fresh stores, and verifies the runs are identical.
func main() {
	log.Info().Int("candles", numCandles).Int("seed", randomSeed).Msg("Starting replay simulation")

	first, err := replay("file:replay_a?mode=memory&cache=shared")
	if err != nil {
		log.Fatal().Err(err).Msg("First replay failed")
	}
	printStats("run A", first)

	second, err := replay("file:replay_b?mode=memory&cache=shared")
	if err != nil {
		log.Fatal().Err(err).Msg("Second replay failed")
	}
	printStats("run B", second)

	if !identical(first, second) {
		log.Fatal().Msg("Replay divergence detected: runs are not identical")
	}
	log.Info().Msg("Replay stable: both runs produced identical results")
}

// replay runs the orchestrator over the generated series on a fresh store.
func replay(dsn string) (*runStats, error) {
	cfg := config.Default()
	cfg.SlippagePips = 0.5

	db, err := database.New(dsn)
	if err != nil {
		return nil, err
	}
	defer database.Close(db)

	candleDB := marketdata.NewDatabase(db)
	candles := generateCandles(cfg)
	if err := candleDB.Insert(candles); err != nil {
		return nil, err
	}

	equityService := equity.NewService(db, cfg)
	riskService := risk.NewService(db, cfg, equityService)
	executionService := execution.NewService(db, cfg, equityService)
	accountingService := accounting.NewService(db, cfg)
	orchestratorService := orchestrator.NewService(db, cfg, riskService, executionService, equityService, accountingService)

	stats := &runStats{}
	for i := range candles {
		report, err := orchestratorService.RunCycle(candles[i].OpenTime, false)
		if err != nil {
			return nil, err
		}
		stats.cycles++
		switch report.Status {
		case orchestrator.StatusOK:
			stats.ok++
		case orchestrator.StatusNoop:
			stats.noop++
		default:
			stats.failed++
			log.Warn().Str("run_id", report.RunID).Str("error", report.ErrorText).Msg("cycle errored")
		}
	}

	if err := collect(db, cfg, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// collect reads the scoreboard numbers off the store.
func collect(db *gorm.DB, cfg *config.Config, stats *runStats) error {
	if err := db.Model(&types.Order{}).Count(&stats.orders).Error; err != nil {
		return err
	}
	if err := db.Model(&types.Fill{}).Count(&stats.fills).Error; err != nil {
		return err
	}
	if err := db.Model(&types.Trade{}).Count(&stats.trades).Error; err != nil {
		return err
	}
	if err := db.Model(&types.AccountSnapshot{}).Count(&stats.snapshots).Error; err != nil {
		return err
	}

	var acct types.Account
	if err := db.Where("id = ?", equity.DefaultAccountID).First(&acct).Error; err == nil {
		stats.balance = acct.Balance
		stats.equity = acct.Equity
		stats.realized = acct.Balance - cfg.InitialBalance
	}
	return nil
}

// generateCandles builds a seeded random walk of closed candles. The same
// seed always yields the same series, which is what makes the two replays
// comparable.
func generateCandles(cfg *config.Config) []types.Candle {
	rng := rand.New(rand.NewSource(randomSeed))
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	candles := make([]types.Candle, 0, numCandles)
	price := basePrice
	for i := 0; i < numCandles; i++ {
		drift := (rng.Float64() - 0.5) * 20 * cfg.PipSize
		open := price
		close := open + drift
		high := math.Max(open, close) + rng.Float64()*5*cfg.PipSize
		low := math.Min(open, close) - rng.Float64()*5*cfg.PipSize

		candles = append(candles, types.Candle{
			Symbol:    cfg.Symbol,
			Timeframe: cfg.Timeframe,
			OpenTime:  start.Add(time.Duration(i) * 5 * time.Minute),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    1000 + rng.Float64()*9000,
			Source:    "simulation",
		})
		price = close
	}
	return candles
}

func printStats(name string, s *runStats) {
	fmt.Printf("\n=== %s ===\n", name)
	fmt.Printf("cycles:    %d (OK %d, NOOP %d, ERROR %d)\n", s.cycles, s.ok, s.noop, s.failed)
	fmt.Printf("orders:    %d\n", s.orders)
	fmt.Printf("fills:     %d\n", s.fills)
	fmt.Printf("trades:    %d\n", s.trades)
	fmt.Printf("snapshots: %d\n", s.snapshots)
	fmt.Printf("balance:   %.5f\n", s.balance)
	fmt.Printf("equity:    %.5f\n", s.equity)
	fmt.Printf("realized:  %.5f\n\n", s.realized)
}

// identical compares the replay scoreboards field by field.
func identical(a, b *runStats) bool {
	return a.cycles == b.cycles &&
		a.ok == b.ok &&
		a.noop == b.noop &&
		a.failed == b.failed &&
		a.orders == b.orders &&
		a.fills == b.fills &&
		a.trades == b.trades &&
		a.snapshots == b.snapshots &&
		a.balance == b.balance &&
		a.equity == b.equity
}
