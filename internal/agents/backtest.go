package agents

import (
	"context"

	"github.com/ToniJM/trading-assistant/internal/backtest"
	"github.com/ToniJM/trading-assistant/internal/domain"
	"github.com/ToniJM/trading-assistant/internal/simulator"
	"github.com/ToniJM/trading-assistant/internal/strategy"
)

// BacktestAgent wraps the backtest runner for the agent fabric.
type BacktestAgent struct {
	BaseAgent
	runner *backtest.Runner
}

// NewBacktestAgent creates a backtest agent.
func NewBacktestAgent(runID string) *BacktestAgent {
	a := &BacktestAgent{BaseAgent: NewBaseAgent("backtest", runID)}
	a.Policies = map[string]Policy{
		"max_concurrent_backtests": {Max: floatPtr(1)},
		"max_loss_percentage":      {Max: floatPtr(0.5)},
	}
	return a
}

// Initialize is idempotent.
func (a *BacktestAgent) Initialize() *BacktestAgent {
	a.FlowLogger("init").Info().Msg("BacktestAgent initialized")
	a.StoreMemory("initialized", true)
	return a
}

// ExecuteBacktest runs one backtest over an already-configured simulator.
// The factory defaults to the registered factory for the request's strategy.
func (a *BacktestAgent) ExecuteBacktest(ctx context.Context, request domain.StartBacktestRequest,
	sim *simulator.Simulator, factory strategy.Factory) (*domain.BacktestResultsResponse, error) {

	logger := a.FlowLogger("execute_backtest")

	if err := request.Validate(); err != nil {
		return nil, err
	}
	if !a.ValidatePolicy("max_loss_percentage", request.MaxLossPercentage) {
		return nil, domain.NewErrorf(domain.ErrMaxLossPercentage,
			"max loss percentage exceeds policy: %f", request.MaxLossPercentage)
	}

	config := backtest.ConfigFromRequest(request)
	// The effective window may have been clamped by the simulator; report
	// the actual bounds so the scheduler's overlap ledger stays truthful.
	config.StartTime = sim.StartTime()
	config.EndTime = sim.EndTime()
	config.Progress = func(update domain.BacktestStatusUpdate) {
		logger.Info().
			Str("status", update.Status).
			Int("candles_processed", update.CandlesProcessed).
			Str("current_balance", update.CurrentBalance.String()).
			Float64("candles_per_second", update.CandlesPerSecond).
			Msg("Backtest status")
	}

	runner := backtest.NewRunner(config, sim)
	a.runner = runner

	if factory == nil {
		f, err := strategy.NewFactory(request.StrategyName)
		if err != nil {
			return nil, err
		}
		factory = f
	}
	if err := runner.Setup(factory); err != nil {
		return nil, err
	}

	logger.Info().
		Str("symbol", request.Symbol).
		Int64("start_time", request.StartTime).
		Msg("Backtest started")

	results, err := runner.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Error executing backtest")
		return nil, err
	}

	results.StartTime = sim.StartTime()
	results.EndTime = sim.EndTime()
	response := results.ToResponse(request.RunID, "completed")

	a.StoreMemory("backtest_"+request.RunID+"_results", &response)
	logger.Info().
		Str("total_return", response.TotalReturn.String()).
		Msg("Backtest completed")
	return &response, nil
}

// HandleMessage rejects bare start requests: the agent needs the configured
// simulator alongside, which only the orchestrator holds.
func (a *BacktestAgent) HandleMessage(msg domain.AgentMessage) (out domain.AgentMessage) {
	defer func() {
		if r := recover(); r != nil {
			out = a.handlerError(msg, domain.NewErrorf(domain.ErrHandler, "panic: %v", r))
		}
	}()

	switch msg.Payload.(type) {
	case domain.StartBacktestRequest, *domain.StartBacktestRequest:
		err := a.CreateErrorResponse(domain.ErrInvalidRequest,
			"StartBacktestRequest requires a configured simulator, call ExecuteBacktest directly", nil)
		return a.CreateMessage(msg.FromAgent, msg.FlowID, err)
	default:
		return a.unknownMessage(msg)
	}
}

// Close releases the runner. Idempotent.
func (a *BacktestAgent) Close() {
	if a.runner != nil {
		a.runner.Cleanup()
		a.runner = nil
	}
	a.FlowLogger("cleanup").Info().Msg("BacktestAgent closed")
}
