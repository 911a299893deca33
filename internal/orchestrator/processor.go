package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor drives decision cycles in the background: on every tick it
// finds candles that have no terminal run report yet and runs them, oldest
// first. Because OK/NOOP reports short-circuit, a tick that overlaps an
// API-triggered run for the same candle is harmless.
type Processor struct {
	service      *Service
	processDelay time.Duration // Time between catch-up attempts
	batchLimit   int           // Max candles processed per tick
}

func NewProcessor(service *Service) *Processor {
	return &Processor{
		service:      service,
		processDelay: 30 * time.Second,
		batchLimit:   100,
	}
}

// Start begins the cycle processing loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "cycle_processor").Logger()
	logger.Info().Msg("starting cycle processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down cycle processor")
			return
		case <-ticker.C:
			if err := p.processPendingCandles(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to process pending candles")
			}
		}
	}
}

func (p *Processor) processPendingCandles(ctx context.Context) error {
	logger := log.With().Str("component", "cycle_processor").Logger()

	pending, err := p.pendingCandleTimes()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	logger.Info().Int("pending_count", len(pending)).Msg("processing pending candles")

	for _, ts := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report, err := p.service.RunCycle(ts, false)
		if err != nil {
			logger.Error().Err(err).Time("candle_ts", ts).Msg("cycle run failed")
			continue
		}
		if report.Status == StatusError {
			logger.Warn().
				Str("run_id", report.RunID).
				Str("error", report.ErrorText).
				Msg("cycle recorded error, will retry on a later tick")
		}
	}
	return nil
}

// pendingCandleTimes returns candle open times with no terminal report,
// ascending, capped at the batch limit.
func (p *Processor) pendingCandleTimes() ([]time.Time, error) {
	var times []time.Time
	err := p.service.db.Raw(`
		SELECT c.open_time FROM candles c
		LEFT JOIN run_reports r
			ON r.symbol = c.symbol
			AND r.timeframe = c.timeframe
			AND r.candle_ts = c.open_time
			AND r.status IN (?, ?)
		WHERE c.symbol = ? AND c.timeframe = ? AND r.run_id IS NULL
		ORDER BY c.open_time ASC
		LIMIT ?`,
		StatusOK, StatusNoop,
		p.service.cfg.Symbol, p.service.cfg.Timeframe,
		p.batchLimit,
	).Scan(&times).Error
	if err != nil {
		return nil, err
	}
	return times, nil
}
