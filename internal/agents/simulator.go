package agents

import (
	"context"

	"github.com/ToniJM/trading-assistant/internal/candles"
	"github.com/ToniJM/trading-assistant/internal/domain"
	"github.com/ToniJM/trading-assistant/internal/marketdata"
	"github.com/ToniJM/trading-assistant/internal/simulator"
)

// SimulatorAgent owns the market-data simulator and its candle store for a
// run.
type SimulatorAgent struct {
	BaseAgent
	storePath string
	source    marketdata.Source

	store *candles.Store
	sim   *simulator.Simulator
}

// NewSimulatorAgent creates a simulator agent. A nil source defaults to the
// Binance futures adapter at initialization.
func NewSimulatorAgent(runID, storePath string, source marketdata.Source) *SimulatorAgent {
	a := &SimulatorAgent{
		BaseAgent: NewBaseAgent("simulator", runID),
		storePath: storePath,
		source:    source,
	}
	a.Policies = map[string]Policy{
		"max_symbols":    {Max: floatPtr(10)},
		"min_time_range": {Min: floatPtr(60_000)},
	}
	return a
}

// Initialize opens the candle store and wires the simulator. Idempotent.
func (a *SimulatorAgent) Initialize(ctx context.Context, isBacktest bool) (*SimulatorAgent, error) {
	logger := a.FlowLogger("init")
	if a.sim != nil {
		return a, nil
	}

	store, err := candles.Open(a.storePath, isBacktest)
	if err != nil {
		return nil, err
	}
	a.store = store

	if a.source == nil {
		a.source = marketdata.NewBinanceSource()
	}
	a.sim = simulator.New(ctx, store, a.source)

	a.StoreMemory("initialized", true)
	logger.Info().Bool("backtest", isBacktest).Msg("MarketDataSimulator initialized")
	return a, nil
}

// Simulator exposes the underlying simulator to the backtest runner.
func (a *SimulatorAgent) Simulator() *simulator.Simulator {
	return a.sim
}

// SetTimes configures the replay window after policy validation.
func (a *SimulatorAgent) SetTimes(startTime, endTime domain.Millis, minCandles int) error {
	if a.sim == nil {
		return domain.NewError(domain.ErrInvalidRequest, "simulator not initialized")
	}
	if endTime != 0 && !a.ValidatePolicy("min_time_range", float64(endTime-startTime)) {
		return domain.NewErrorf(domain.ErrInvalidRequest, "time range too small: %dms", endTime-startTime)
	}

	a.sim.SetTimes(startTime, endTime, minCandles)
	a.StoreMemory("start_time", startTime)
	a.StoreMemory("end_time", endTime)
	a.FlowLogger("configure").Info().
		Int64("start_time", startTime).
		Int64("end_time", endTime).
		Msg("Simulation times configured")
	return nil
}

// AddSymbol registers a symbol for replay, substituting 1m/15m/1h when no
// timeframes are given. Timeframe count is validated by the simulator; the
// max_symbols policy is not checked here.
func (a *SimulatorAgent) AddSymbol(symbol string, timeframes []string) error {
	if a.sim == nil {
		return domain.NewError(domain.ErrInvalidRequest, "simulator not initialized")
	}
	if len(timeframes) == 0 {
		timeframes = []string{"1m", "15m", "1h"}
	}
	return a.sim.AddSymbol(symbol, timeframes)
}

// HandleMessage only knows unknown payloads: the simulator agent is driven
// by direct method calls from the orchestrator.
func (a *SimulatorAgent) HandleMessage(msg domain.AgentMessage) (out domain.AgentMessage) {
	defer func() {
		if r := recover(); r != nil {
			out = a.handlerError(msg, domain.NewErrorf(domain.ErrHandler, "panic: %v", r))
		}
	}()
	return a.unknownMessage(msg)
}

// Close tears down the simulator and its store. Idempotent.
func (a *SimulatorAgent) Close() {
	logger := a.FlowLogger("cleanup")
	if a.sim != nil {
		a.sim.Close()
		a.sim = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing candle store")
		}
		a.store = nil
	}
	logger.Info().Msg("SimulatorAgent closed")
}
