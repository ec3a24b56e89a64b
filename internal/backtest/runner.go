package backtest

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ToniJM/trading-assistant/internal/domain"
	"github.com/ToniJM/trading-assistant/internal/exchange"
	"github.com/ToniJM/trading-assistant/internal/logging"
	"github.com/ToniJM/trading-assistant/internal/simulator"
	"github.com/ToniJM/trading-assistant/internal/strategy"
)

// Runner executes one backtest over a simulator it is given. It owns the
// per-run exchange and strategy; the simulator and candle store outlive it.
type Runner struct {
	config    Config
	simulator *simulator.Simulator
	logger    zerolog.Logger

	exchange *exchange.Exchange
	strategy strategy.Strategy

	candlesProcessed     int
	startExecution       time.Time
	lastProgressUpdate   time.Time
	maxUnrealizedPnLLoss decimal.Decimal
	lastBaseCandle       *domain.Candle

	cycleDispatcher *strategy.CycleDispatcher
	cycles          []domain.Cycle
}

// NewRunner builds a runner over an already-configured simulator: the caller
// set the times and registered the symbol.
func NewRunner(config Config, sim *simulator.Simulator) *Runner {
	logCtx := logging.Context{RunID: config.RunID, Agent: "backtest", FlowID: "execute_backtest"}
	return &Runner{
		config:    config,
		simulator: sim,
		logger:    logCtx.Logger(),
	}
}

// Setup wires the exchange and builds the strategy through its factory. Must
// run before Run.
func (r *Runner) Setup(factory strategy.Factory) error {
	r.exchange = exchange.New(r.simulator)
	r.exchange.SetBalance(r.config.InitialBalance)
	r.exchange.SetLeverage(r.config.Symbol, r.config.Leverage)
	r.exchange.SetFees(r.config.MakerFee, r.config.TakerFee)
	r.exchange.SetMaxNotional(r.config.MaxNotional)

	base := domain.BaseTimeframe(r.config.Timeframes)
	r.exchange.SetBaseTimeframe(base)

	if r.config.TrackCycles {
		r.cycleDispatcher = strategy.NewCycleDispatcher(r.logger)
		r.cycleDispatcher.AddCycleListener(r.config.Symbol, r.onCycleCompleted)
	}

	// Snapshot the last base candle for drawdown accounting.
	if _, err := r.simulator.AddCompleteCandleListener(r.config.Symbol, base, r.onBaseCandle); err != nil {
		return err
	}

	strat, err := factory(strategy.Params{
		Symbol:          r.config.Symbol,
		StrategyName:    r.config.StrategyName,
		Exchange:        r.exchange,
		MarketData:      r.simulator,
		CycleDispatcher: r.cycleDispatcher,
		Timeframes:      r.config.Timeframes,
		RSILimits:       r.config.RSILimits,
	})
	if err != nil {
		return fmt.Errorf("failed to build strategy: %w", err)
	}
	r.strategy = strat

	r.logger.Info().
		Str("symbol", r.config.Symbol).
		Str("strategy", strat.Name()).
		Str("base_timeframe", base).
		Msg("Exchange and strategy configured")
	return nil
}

func (r *Runner) onCycleCompleted(cycle domain.Cycle) {
	r.cycles = append(r.cycles, cycle)
	r.logger.Info().
		Str("cycle_id", cycle.CycleID).
		Str("total_pnl", cycle.TotalPnL.String()).
		Msg("Cycle completed")
}

func (r *Runner) onBaseCandle(candle domain.Candle) {
	r.lastBaseCandle = &candle
}

// Exchange exposes the per-run exchange, mainly for tests.
func (r *Runner) Exchange() *exchange.Exchange { return r.exchange }

// Run drives the tick loop to completion (or early stop) and computes the
// final results.
func (r *Runner) Run(ctx context.Context) (*Results, error) {
	if r.exchange == nil || r.strategy == nil {
		return nil, domain.NewError(domain.ErrInvalidRequest, "runner not set up")
	}

	r.logger.Info().
		Str("symbol", r.config.Symbol).
		Str("strategy", r.config.StrategyName).
		Int64("start_time", r.config.StartTime).
		Int64("end_time", r.config.EndTime).
		Str("initial_balance", r.config.InitialBalance.String()).
		Str("leverage", r.config.Leverage.String()).
		Msg("Backtest started")

	r.startExecution = time.Now()
	r.candlesProcessed = 0
	r.updateDrawdown()

	for !r.simulator.Ended(r.config.Symbol) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := r.simulator.NextCandle(); err != nil {
			return nil, fmt.Errorf("error processing candle %d: %w", r.candlesProcessed, err)
		}
		r.candlesProcessed++
		r.updateDrawdown()

		if r.candlesProcessed%100 == 0 {
			r.logger.Info().
				Int("candles_processed", r.candlesProcessed).
				Str("balance", r.exchange.GetBalance().String()).
				Msg("Backtest progress")
		}

		if r.shouldStop() {
			r.logger.Info().Msg("Stop condition reached")
			break
		}
		r.updateProgress()
	}

	results := r.calculateResults()
	r.logResults(results)

	r.logger.Info().
		Float64("return_percentage", results.ReturnPercentage).
		Int("total_trades", results.TotalTrades).
		Msg("Backtest completed")
	return results, nil
}

// updateDrawdown tracks the worst negative unrealized P&L seen so far, marked
// on the latest base candle.
func (r *Runner) updateDrawdown() {
	if r.lastBaseCandle == nil {
		return
	}
	balance := r.exchange.GetBalance()
	realBalance := r.exchange.RealBalance(r.config.Symbol, *r.lastBaseCandle)
	unrealized := realBalance.Sub(balance)

	if unrealized.Sign() < 0 && unrealized.LessThan(r.maxUnrealizedPnLLoss) {
		r.maxUnrealizedPnLLoss = unrealized
	}
}

// shouldStop enforces the stop-on-loss guard.
func (r *Runner) shouldStop() bool {
	if !r.config.StopOnLoss {
		return false
	}
	balance := r.exchange.GetBalance()
	loss := r.config.InitialBalance.Sub(balance).
		Div(r.config.InitialBalance)
	lossPct, _ := loss.Float64()

	if lossPct >= r.config.MaxLossPercentage {
		r.logger.Warn().Float64("loss_percentage", lossPct).Msg("Maximum loss reached")
		return true
	}
	return false
}

// updateProgress reports a throttled status update, at most once per second.
func (r *Runner) updateProgress() {
	if r.config.Progress == nil {
		return
	}
	now := time.Now()
	if now.Sub(r.lastProgressUpdate) <= time.Second {
		return
	}
	elapsed := now.Sub(r.startExecution).Seconds()
	r.config.Progress(domain.BacktestStatusUpdate{
		RunID:            r.config.RunID,
		Status:           "running",
		CandlesProcessed: r.candlesProcessed,
		CurrentBalance:   r.exchange.GetBalance(),
		ExecutionTime:    elapsed,
		CandlesPerSecond: float64(r.candlesProcessed) / elapsed,
	})
	r.lastProgressUpdate = now
}

// closedPositionStats splits closing trades by partial/full and win/loss.
type closedPositionStats struct {
	totalClosing   int
	partialClosing int
	fullClosing    int
	winningClosing int
	losingClosing  int
	partialWinning int
	partialLosing  int
	fullWinning    int
	fullLosing     int

	fullCloses []domain.Trade
}

func analyzeClosedPositions(trades []domain.Trade) closedPositionStats {
	var stats closedPositionStats
	for _, t := range trades {
		if t.RealizedPnL.IsZero() {
			continue
		}
		stats.totalClosing++
		winner := t.RealizedPnL.Sign() > 0
		if t.ClosesCompletely {
			stats.fullClosing++
			stats.fullCloses = append(stats.fullCloses, t)
			if winner {
				stats.fullWinning++
				stats.winningClosing++
			} else {
				stats.fullLosing++
				stats.losingClosing++
			}
		} else {
			stats.partialClosing++
			if winner {
				stats.partialWinning++
			} else {
				stats.partialLosing++
			}
		}
	}
	return stats
}

func (r *Runner) calculateResults() *Results {
	endTime := time.Now().UnixMilli()
	duration := time.Since(r.startExecution).Seconds()

	finalBalance := r.exchange.GetBalance()
	totalReturn := finalBalance.Sub(r.config.InitialBalance)
	returnDec := totalReturn.Div(r.config.InitialBalance)
	returnPct, _ := returnDec.Float64()
	returnPct *= 100

	trades := r.exchange.GetTrades(r.config.Symbol)
	stats := analyzeClosedPositions(trades)

	totalClosed := len(stats.fullCloses)
	winning, losing := 0, 0
	grossProfit, grossLoss := decimal.Zero, decimal.Zero
	for _, t := range stats.fullCloses {
		switch {
		case t.RealizedPnL.Sign() > 0:
			winning++
			grossProfit = grossProfit.Add(t.RealizedPnL)
		case t.RealizedPnL.Sign() < 0:
			losing++
			grossLoss = grossLoss.Add(t.RealizedPnL.Abs())
		}
	}

	winRate := 0.0
	if totalClosed > 0 {
		winRate = float64(winning) / float64(totalClosed) * 100
	}

	profitFactor := 0.0
	switch {
	case grossLoss.Sign() > 0:
		pf, _ := grossProfit.Div(grossLoss).Float64()
		profitFactor = pf
	case grossProfit.Sign() > 0:
		profitFactor = math.Inf(1)
	}

	maxDrawdown := 0.0
	if r.maxUnrealizedPnLLoss.Sign() < 0 && finalBalance.Sign() > 0 {
		dd, _ := r.maxUnrealizedPnLLoss.Abs().Div(finalBalance).Float64()
		maxDrawdown = dd * 100
		r.logger.Info().
			Str("max_unrealized_pnl_loss", r.maxUnrealizedPnLLoss.String()).
			Float64("max_drawdown", maxDrawdown).
			Msg("Max drawdown from unrealized PnL")
	}

	totalTradeValue := decimal.Zero
	totalCommission := decimal.Zero
	for _, t := range trades {
		totalTradeValue = totalTradeValue.Add(t.Quantity.Mul(t.Price).Abs())
		totalCommission = totalCommission.Add(t.Commission.Abs())
	}
	avgTradeSize := decimal.Zero
	if len(trades) > 0 {
		avgTradeSize = totalTradeValue.Div(decimal.NewFromInt(int64(len(trades))))
	}
	commissionPct := 0.0
	if !totalReturn.IsZero() {
		cp, _ := totalCommission.Div(totalReturn.Abs()).Float64()
		commissionPct = cp * 100
	}

	cycleStats := r.calculateCycleStatistics()
	r.updateDrawdown()

	results := &Results{
		StartTime:             r.config.StartTime,
		EndTime:               endTime,
		DurationSeconds:       duration,
		TotalCandlesProcessed: r.candlesProcessed,
		FinalBalance:          finalBalance,
		TotalReturn:           totalReturn,
		ReturnPercentage:      returnPct,
		MaxDrawdown:           maxDrawdown,
		TotalTrades:           len(trades),
		WinRate:               winRate,
		ProfitFactor:          profitFactor,
		TotalClosedPositions:  totalClosed,
		WinningPositions:      winning,
		LosingPositions:       losing,
		AverageTradeSize:      avgTradeSize,
		TotalCommission:       totalCommission,
		CommissionPercentage:  commissionPct,
		TotalClosingTrades:    stats.totalClosing,
		PartialClosingTrades:  stats.partialClosing,
		FullClosingTrades:     stats.fullClosing,
		WinningClosingTrades:  stats.winningClosing,
		LosingClosingTrades:   stats.losingClosing,
		PartialWinningTrades:  stats.partialWinning,
		PartialLosingTrades:   stats.partialLosing,
		FullWinningTrades:     stats.fullWinning,
		FullLosingTrades:      stats.fullLosing,
		TotalCycles:           cycleStats.total,
		AvgCycleDuration:      cycleStats.avgDuration,
		AvgCyclePnL:           cycleStats.avgPnL,
		WinningCycles:         cycleStats.winning,
		LosingCycles:          cycleStats.losing,
		CycleWinRate:          cycleStats.winRate,
		StrategyName:          r.config.StrategyName,
		Symbol:                r.config.Symbol,
	}

	for _, warning := range r.validateConsistency(results, trades) {
		r.logger.Warn().Str("warning", warning).Msg("Consistency warning")
	}
	return results
}

type cycleStatistics struct {
	total       int
	avgDuration float64
	avgPnL      decimal.Decimal
	winning     int
	losing      int
	winRate     float64
}

func (r *Runner) calculateCycleStatistics() cycleStatistics {
	stats := cycleStatistics{avgPnL: decimal.Zero}
	if len(r.cycles) == 0 {
		return stats
	}

	stats.total = len(r.cycles)
	totalDuration := 0.0
	totalPnL := decimal.Zero
	for _, c := range r.cycles {
		totalDuration += c.DurationMinutes
		totalPnL = totalPnL.Add(c.TotalPnL)
		if c.TotalPnL.Sign() > 0 {
			stats.winning++
		} else {
			stats.losing++
		}
	}
	stats.avgDuration = totalDuration / float64(stats.total)
	stats.avgPnL = totalPnL.Div(decimal.NewFromInt(int64(stats.total)))
	stats.winRate = float64(stats.winning) / float64(stats.total) * 100
	return stats
}

const consistencyTolerance = 0.01

// validateConsistency is the post-hoc audit: its findings are warnings, never
// errors.
func (r *Runner) validateConsistency(results *Results, trades []domain.Trade) []string {
	var warnings []string

	initial := results.FinalBalance.Sub(results.TotalReturn)
	diff, _ := initial.Sub(r.config.InitialBalance).Abs().Float64()
	if diff > consistencyTolerance {
		warnings = append(warnings, fmt.Sprintf(
			"balance inconsistency: initial calculated %s != config %s",
			initial, r.config.InitialBalance))
	}

	// Opening commissions leave the balance without appearing in any
	// realized P&L, so: sum(realized) = total_return + opening_commissions.
	sumRealized := decimal.Zero
	openingCommissions := decimal.Zero
	for _, t := range trades {
		sumRealized = sumRealized.Add(t.RealizedPnL)
		if t.RealizedPnL.IsZero() {
			openingCommissions = openingCommissions.Add(t.Commission.Abs())
		}
	}
	expectedReturn := results.TotalReturn.Add(openingCommissions)
	pnlDiff, _ := sumRealized.Sub(expectedReturn).Abs().Float64()
	if pnlDiff > consistencyTolerance {
		warnings = append(warnings, fmt.Sprintf(
			"P&L inconsistency: sum realized_pnl %s != total_return %s + opening_commissions %s",
			sumRealized, results.TotalReturn, openingCommissions))
	}

	expectedWinRate := 0.0
	if results.TotalClosedPositions > 0 {
		expectedWinRate = float64(results.WinningPositions) / float64(results.TotalClosedPositions) * 100
	}
	if math.Abs(expectedWinRate-results.WinRate) > consistencyTolerance {
		warnings = append(warnings, fmt.Sprintf(
			"win rate inconsistency: %.2f%% != %.2f%%", expectedWinRate, results.WinRate))
	}

	if results.ProfitFactor > 1 && results.TotalReturn.Sign() <= 0 {
		warnings = append(warnings, "profit factor > 1 but return is negative")
	}
	if results.ProfitFactor < 1 && results.TotalReturn.Sign() > 0 {
		warnings = append(warnings, "profit factor < 1 but return is positive")
	}
	return warnings
}

func (r *Runner) logResults(results *Results) {
	r.logger.Info().
		Str("final_balance", results.FinalBalance.String()).
		Str("total_return", results.TotalReturn.String()).
		Float64("return_percentage", results.ReturnPercentage).
		Float64("max_drawdown", results.MaxDrawdown).
		Int("total_trades", results.TotalTrades).
		Int("closed_positions", results.TotalClosedPositions).
		Float64("win_rate", results.WinRate).
		Float64("profit_factor", results.ProfitFactor).
		Int("total_cycles", results.TotalCycles).
		Msg("Backtest results")
}

// Cleanup releases per-run resources. Idempotent.
func (r *Runner) Cleanup() {
	r.exchange = nil
	r.strategy = nil
	r.cycleDispatcher = nil
}
