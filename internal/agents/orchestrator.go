package agents

import (
	"context"

	"github.com/ToniJM/trading-assistant/internal/domain"
	"github.com/ToniJM/trading-assistant/internal/marketdata"
	"github.com/ToniJM/trading-assistant/internal/strategy"
)

// OrchestratorConfig wires the orchestrator's children.
type OrchestratorConfig struct {
	RunID        string
	StorePath    string
	RegistryPath string
	Source       marketdata.Source // nil = Binance futures
	LLMClient    LLMClient         // nil = deterministic optimizer fallback
	WithRegistry bool
}

// OrchestratorAgent composes simulator, backtest, evaluator, optimizer and
// (optionally) registry for one qualifying pass at a time. Incoming request
// run ids are rewritten to the orchestrator's own so every log line of a flow
// shares one identifier.
type OrchestratorAgent struct {
	BaseAgent
	config OrchestratorConfig

	simulatorAgent *SimulatorAgent
	backtestAgent  *BacktestAgent
	evaluatorAgent *EvaluatorAgent
	optimizerAgent *OptimizerAgent
	registryAgent  *RegistryAgent

	activeBacktests     map[string]domain.StartBacktestRequest
	completedBacktests  map[string]*domain.BacktestResultsResponse
	optimizationHistory []*domain.OptimizationResult
}

// NewOrchestratorAgent creates an orchestrator.
func NewOrchestratorAgent(config OrchestratorConfig) *OrchestratorAgent {
	a := &OrchestratorAgent{
		BaseAgent:          NewBaseAgent("orchestrator", config.RunID),
		config:             config,
		activeBacktests:    make(map[string]domain.StartBacktestRequest),
		completedBacktests: make(map[string]*domain.BacktestResultsResponse),
	}
	a.Policies = map[string]Policy{
		"max_concurrent_backtests": {Max: floatPtr(1)},
		"max_backtests_per_run":    {Max: floatPtr(10)},
	}
	return a
}

// Initialize builds and initializes the child agents. Idempotent.
func (a *OrchestratorAgent) Initialize(ctx context.Context) (*OrchestratorAgent, error) {
	logger := a.FlowLogger("init")
	if a.simulatorAgent != nil {
		return a, nil
	}
	logger.Info().Msg("Initializing OrchestratorAgent")

	simAgent, err := NewSimulatorAgent(a.RunID, a.config.StorePath, a.config.Source).Initialize(ctx, true)
	if err != nil {
		return nil, err
	}
	a.simulatorAgent = simAgent
	a.backtestAgent = NewBacktestAgent(a.RunID).Initialize()
	a.evaluatorAgent = NewEvaluatorAgent(a.RunID).Initialize()
	a.optimizerAgent = NewOptimizerAgent(a.RunID, a.config.LLMClient).Initialize()

	if a.config.WithRegistry {
		registryAgent, err := NewRegistryAgent(a.RunID, a.config.RegistryPath)
		if err != nil {
			return nil, err
		}
		a.registryAgent = registryAgent.Initialize()
	}

	a.StoreMemory("initialized", true)
	return a, nil
}

// RunBacktest orchestrates one backtest: policy gate, simulator window setup,
// execution, result caching, and optional registry persistence.
func (a *OrchestratorAgent) RunBacktest(ctx context.Context, request domain.StartBacktestRequest,
	factory strategy.Factory) (*domain.BacktestResultsResponse, error) {

	logger := a.RunLogger(request.RunID, "run_backtest")

	if len(a.activeBacktests) >= 1 {
		return nil, domain.NewErrorf(domain.ErrMaxConcurrentBacktests,
			"max concurrent backtests limit reached: %d", len(a.activeBacktests))
	}

	a.activeBacktests[request.RunID] = request
	defer delete(a.activeBacktests, request.RunID)

	if err := a.simulatorAgent.SetTimes(request.StartTime, request.EndTime, 10); err != nil {
		return nil, err
	}
	if err := a.simulatorAgent.AddSymbol(request.Symbol, request.Timeframes); err != nil {
		return nil, err
	}

	// All logs of this flow share the orchestrator's run id.
	if request.RunID != a.RunID {
		request.RunID = a.RunID
	}

	logger.Info().
		Str("symbol", request.Symbol).
		Str("strategy", request.StrategyName).
		Msg("Backtest requested")

	response, err := a.backtestAgent.ExecuteBacktest(ctx, request, a.simulatorAgent.Simulator(), factory)
	if err != nil {
		logger.Error().Err(err).Msg("Error orchestrating backtest")
		return nil, err
	}

	a.completedBacktests[request.RunID] = response
	a.StoreMemory("backtest_"+request.RunID, response)

	if a.registryAgent != nil {
		a.registryAgent.StoreResults(domain.StoreResultsRequest{
			RunID:           request.RunID,
			StrategyName:    request.StrategyName,
			Symbol:          request.Symbol,
			BacktestResults: response,
		})
	}

	logger.Info().
		Str("total_return", response.TotalReturn.String()).
		Float64("win_rate", response.WinRate).
		Msg("Backtest completed")
	return response, nil
}

// EvaluateBacktest scores a completed backtest against KPI thresholds.
func (a *OrchestratorAgent) EvaluateBacktest(results *domain.BacktestResultsResponse,
	kpis map[string]float64) (*domain.EvaluationResponse, error) {

	request := domain.EvaluationRequest{RunID: results.RunID, KPIs: kpis}
	response, err := a.evaluatorAgent.Evaluate(request, results)
	if err != nil {
		return nil, err
	}

	if a.registryAgent != nil {
		a.registryAgent.StoreResults(domain.StoreResultsRequest{
			RunID:             results.RunID,
			StrategyName:      results.StrategyName,
			Symbol:            results.Symbol,
			EvaluationResults: response,
		})
	}
	return response, nil
}

// OptimizeStrategy asks the optimizer for a new parameter tuple, feeding it
// the most recent completed backtests for the strategy.
func (a *OrchestratorAgent) OptimizeStrategy(ctx context.Context, strategyName, symbol, objective string,
	baseConfig *domain.StartBacktestRequest) (*domain.OptimizationResult, error) {

	var previous []domain.BacktestResultsResponse
	for _, response := range a.completedBacktests {
		if response.StrategyName == strategyName && response.Symbol == symbol {
			previous = append(previous, *response)
		}
	}

	request := domain.OptimizationRequest{
		RunID:        a.RunID,
		StrategyName: strategyName,
		Symbol:       symbol,
		ParameterSpace: map[string][]float64{
			"rsi_limits": {0, 100},
		},
		Objective:      objective,
		BacktestConfig: baseConfig,
	}

	result := a.optimizerAgent.Optimize(ctx, request, previous)
	a.optimizationHistory = append(a.optimizationHistory, result)

	if a.registryAgent != nil {
		a.registryAgent.StoreResults(domain.StoreResultsRequest{
			RunID:               result.RunID,
			StrategyName:        strategyName,
			Symbol:              symbol,
			OptimizationResults: result,
		})
	}
	return result, nil
}

// CompletedBacktest returns a cached completed result by run id.
func (a *OrchestratorAgent) CompletedBacktest(runID string) (*domain.BacktestResultsResponse, bool) {
	response, ok := a.completedBacktests[runID]
	return response, ok
}

// OptimizationHistory returns every optimization of this orchestrator's
// lifetime in order.
func (a *OrchestratorAgent) OptimizationHistory() []*domain.OptimizationResult {
	return a.optimizationHistory
}

// HandleMessage runs start-backtest requests; anything else is unknown.
func (a *OrchestratorAgent) HandleMessage(msg domain.AgentMessage) (out domain.AgentMessage) {
	defer func() {
		if r := recover(); r != nil {
			out = a.handlerError(msg, domain.NewErrorf(domain.ErrHandler, "panic: %v", r))
		}
	}()

	switch payload := msg.Payload.(type) {
	case domain.StartBacktestRequest:
		return a.replyToStartBacktest(msg, payload)
	case *domain.StartBacktestRequest:
		return a.replyToStartBacktest(msg, *payload)
	default:
		return a.unknownMessage(msg)
	}
}

func (a *OrchestratorAgent) replyToStartBacktest(msg domain.AgentMessage, request domain.StartBacktestRequest) domain.AgentMessage {
	response, err := a.RunBacktest(context.Background(), request, nil)
	if err != nil {
		return a.CreateMessage(msg.FromAgent, msg.FlowID, a.ErrorFromErr(err))
	}
	return a.CreateMessage(msg.FromAgent, msg.FlowID, response)
}

// Close tears children down in reverse creation order. Idempotent.
func (a *OrchestratorAgent) Close() {
	logger := a.FlowLogger("cleanup")
	if a.registryAgent != nil {
		a.registryAgent.Close()
		a.registryAgent = nil
	}
	if a.optimizerAgent != nil {
		a.optimizerAgent.Close()
		a.optimizerAgent = nil
	}
	if a.evaluatorAgent != nil {
		a.evaluatorAgent.Close()
		a.evaluatorAgent = nil
	}
	if a.backtestAgent != nil {
		a.backtestAgent.Close()
		a.backtestAgent = nil
	}
	if a.simulatorAgent != nil {
		a.simulatorAgent.Close()
		a.simulatorAgent = nil
	}
	logger.Info().Msg("OrchestratorAgent closed")
}
