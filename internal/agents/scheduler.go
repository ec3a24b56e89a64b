package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ToniJM/trading-assistant/internal/config"
	"github.com/ToniJM/trading-assistant/internal/domain"
	"github.com/ToniJM/trading-assistant/internal/metrics"
	"github.com/ToniJM/trading-assistant/internal/strategy"
)

// zerologEvent shortens the logging callbacks threaded into the range math.
type zerologEvent = zerolog.Event

// timeRange is one stored backtest window for a parameter key.
type timeRange struct {
	Start domain.Millis
	End   domain.Millis
	RunID string
}

// PromoteFunc receives the terminal promote-to-production event.
type PromoteFunc func(strategyName, symbol string)

// SchedulerAgent is the incremental-qualification state machine: it advances
// a strategy through successively longer validation windows, enforcing the
// N-of-M pass criterion per window and the overlap discipline per parameter
// combination, resetting on optimization, and finally promoting to
// production.
type SchedulerAgent struct {
	BaseAgent
	config       config.SchedulerConfig
	orchestrator *OrchestratorAgent

	running   bool
	stopCh    chan struct{}
	now       func() time.Time
	OnPromote PromoteFunc

	cycleCount      int
	executionsToday int
	lastResetDay    string

	currentPeriodIndex      int
	backtestCountInPeriod   int
	passedBacktestsInPeriod int
	// periodParameterRanges maps period index -> parameter key -> stored
	// backtest windows, the ledger behind the overlap invariant.
	periodParameterRanges map[int]map[string][]timeRange
}

// NewSchedulerAgent creates a scheduler over an initialized orchestrator.
func NewSchedulerAgent(cfg config.SchedulerConfig, orchestrator *OrchestratorAgent, runID string) *SchedulerAgent {
	a := &SchedulerAgent{
		BaseAgent:             NewBaseAgent("scheduler", runID),
		config:                cfg,
		orchestrator:          orchestrator,
		stopCh:                make(chan struct{}),
		now:                   time.Now,
		periodParameterRanges: make(map[int]map[string][]timeRange),
	}
	a.Policies = map[string]Policy{
		"schedule_interval_seconds": {Min: floatPtr(60), Max: floatPtr(86_400)},
		"max_runs_per_day":          {Max: floatPtr(100)},
	}
	return a
}

// SetClock overrides the scheduler's time source.
func (a *SchedulerAgent) SetClock(now func() time.Time) {
	a.now = now
}

// Initialize validates configuration and records the snapshot. Idempotent.
func (a *SchedulerAgent) Initialize() (*SchedulerAgent, error) {
	logger := a.FlowLogger("init")
	if !a.ValidatePolicy("schedule_interval_seconds", float64(a.config.ScheduleIntervalSeconds)) {
		return nil, domain.NewErrorf(domain.ErrInvalidRequest,
			"schedule_interval_seconds out of policy: %d", a.config.ScheduleIntervalSeconds)
	}
	if a.orchestrator == nil {
		return nil, domain.NewError(domain.ErrInvalidRequest, "scheduler requires an orchestrator")
	}

	logger.Info().
		Str("symbol", a.config.Symbol).
		Str("strategy", a.config.StrategyName).
		Int("interval_seconds", a.config.ScheduleIntervalSeconds).
		Ints("incremental_periods", a.config.IncrementalPeriods).
		Int("backtests_per_period", a.config.BacktestsPerPeriod).
		Int("min_passed_per_period", a.config.MinPassedBacktestsPerPeriod).
		Msg("Initializing SchedulerAgent")

	a.StoreMemory("initialized", true)
	a.StoreMemory("config", a.config)
	return a, nil
}

// Start enters the continuous loop: optional daily reset, one cycle, sleep.
// Errors inside a cycle are logged and swallowed so the loop stays alive.
// Returns when Stop is called, the context ends, or the strategy promotes.
func (a *SchedulerAgent) Start(ctx context.Context) {
	logger := a.FlowLogger("start")
	if a.running {
		logger.Warn().Msg("Scheduler already running")
		return
	}
	a.running = true
	logger.Info().Msg("Scheduler started, entering continuous loop")

	for a.running {
		if a.config.AutoResetMemory && a.shouldResetDaily() {
			a.ResetDailyMemory()
		}

		if err := a.RunCycle(ctx); err != nil {
			logger.Error().Err(err).Msg("Error in cycle execution")
		}

		if !a.running {
			break
		}
		select {
		case <-ctx.Done():
			a.running = false
		case <-a.stopCh:
		case <-time.After(time.Duration(a.config.ScheduleIntervalSeconds) * time.Second):
		}
	}

	a.running = false
	logger.Info().Msg("Scheduler stopped")
}

// Stop requests a clean shutdown: the current cycle finishes, the inter-cycle
// sleep is interrupted.
func (a *SchedulerAgent) Stop() {
	a.FlowLogger("stop").Info().Msg("Scheduler stop requested")
	a.running = false
	select {
	case a.stopCh <- struct{}{}:
	default:
	}
}

// Running reports whether the loop is live.
func (a *SchedulerAgent) Running() bool { return a.running }

// CurrentPeriodIndex exposes the state-machine position.
func (a *SchedulerAgent) CurrentPeriodIndex() int { return a.currentPeriodIndex }

// ParameterRanges returns the stored windows for a period and parameter key.
func (a *SchedulerAgent) ParameterRanges(periodIndex int, parameterKey string) []timeRange {
	return a.periodParameterRanges[periodIndex][parameterKey]
}

// RunCycle executes one complete cycle: backtest, evaluate, optimize when
// recommended, then advance or reset the period state machine.
func (a *SchedulerAgent) RunCycle(ctx context.Context) error {
	logger := a.FlowLogger("run_cycle")

	a.cycleCount++
	a.executionsToday++
	metrics.SchedulerCyclesTotal.Inc()

	periodDays := a.config.IncrementalPeriods[a.currentPeriodIndex]
	durationMs := int64(periodDays) * 24 * 3600 * 1000
	nowMs := a.now().UnixMilli()

	logger.Info().
		Int("cycle", a.cycleCount).
		Int("period_index", a.currentPeriodIndex).
		Int("period_days", periodDays).
		Int("backtest_in_period", a.backtestCountInPeriod+1).
		Int("backtests_per_period", a.config.BacktestsPerPeriod).
		Msg("Starting cycle")

	cycleRunID := fmt.Sprintf("%s_cycle_%d_%d", a.RunID, a.cycleCount, nowMs/1000)

	// The parameter key depends only on the request shape, so a request
	// with default placeholders is enough to derive it before scheduling.
	shape := a.buildRequest(cycleRunID, 0, 0)
	paramKey := parameterKey(shape)
	previousRanges := a.periodParameterRanges[a.currentPeriodIndex][paramKey]

	startTime, endTime := computeTimeRange(previousRanges, durationMs,
		a.config.MaxOverlapPercentage, nowMs, logger.Warn)

	request := a.buildRequest(cycleRunID, startTime, endTime)
	logger.Info().
		Int64("start_time", startTime).
		Int64("end_time", endTime).
		Str("parameter_key", paramKey).
		Msg("Executing backtest")

	factory, err := strategy.NewFactory(a.config.StrategyName)
	if err != nil {
		return err
	}

	results, err := a.orchestrator.RunBacktest(ctx, request, factory)
	if err != nil {
		metrics.BacktestsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("backtest failed in cycle %d: %w", a.cycleCount, err)
	}
	metrics.BacktestsTotal.WithLabelValues("completed").Inc()
	metrics.CandlesProcessedTotal.Add(float64(results.TotalCandlesProcessed))
	balance, _ := results.FinalBalance.Float64()
	metrics.LastBacktestBalance.Set(balance)

	// Store the actual window: the simulator may have clamped the end.
	a.storeRange(paramKey, timeRange{
		Start: results.StartTime,
		End:   results.EndTime,
		RunID: cycleRunID,
	})

	evaluationResponse, err := a.orchestrator.EvaluateBacktest(results, a.config.KPIs)
	if err != nil {
		return fmt.Errorf("evaluation failed in cycle %d: %w", a.cycleCount, err)
	}

	if evaluationResponse.Recommendation == domain.RecommendOptimize {
		logger.Info().Msg("Optimization recommended, resetting to first period")
		a.resetToFirstPeriod()

		if a.cycleCount <= a.config.MaxIterationsPerCycle {
			optimization, err := a.orchestrator.OptimizeStrategy(
				ctx, a.config.StrategyName, a.config.Symbol, "sharpe_ratio", &request)
			if err != nil {
				logger.Warn().Err(err).Msg("Optimization failed")
			} else {
				logger.Info().Float64("confidence", optimization.Confidence).Msg("Optimization completed")
			}
		}
	}

	if evaluationResponse.EvaluationPassed {
		a.passedBacktestsInPeriod++
		logger.Info().
			Int("passed_in_period", a.passedBacktestsInPeriod).
			Int("backtests_per_period", a.config.BacktestsPerPeriod).
			Msg("Backtest passed KPIs")
	}

	a.backtestCountInPeriod++
	if a.backtestCountInPeriod >= a.config.BacktestsPerPeriod {
		if a.passedBacktestsInPeriod >= a.config.MinPassedBacktestsPerPeriod {
			if a.currentPeriodIndex < len(a.config.IncrementalPeriods)-1 {
				a.advancePeriod(logger.Info)
			} else {
				a.promoteToProduction()
				return nil
			}
		} else {
			logger.Warn().
				Int("passed", a.passedBacktestsInPeriod).
				Int("required", a.config.MinPassedBacktestsPerPeriod).
				Msg("Period failed, resetting to first period")
			a.resetToFirstPeriod()
		}
	}

	metrics.CurrentPeriodIndex.Set(float64(a.currentPeriodIndex))
	a.StoreMemory(fmt.Sprintf("cycle_%d", a.cycleCount), map[string]any{
		"cycle_count":                a.cycleCount,
		"period_index":               a.currentPeriodIndex,
		"period_days":                periodDays,
		"backtest_count_in_period":   a.backtestCountInPeriod,
		"passed_backtests_in_period": a.passedBacktestsInPeriod,
		"recommendation":             evaluationResponse.Recommendation,
	})

	logger.Info().
		Int("cycle", a.cycleCount).
		Str("recommendation", string(evaluationResponse.Recommendation)).
		Msg("Cycle completed")
	return nil
}

func (a *SchedulerAgent) buildRequest(runID string, startTime, endTime domain.Millis) domain.StartBacktestRequest {
	request := domain.NewStartBacktestRequest(a.config.Symbol, startTime)
	request.RunID = runID
	request.EndTime = endTime
	request.StrategyName = a.config.StrategyName
	request.InitialBalance = decimal.NewFromFloat(a.config.InitialBalance)
	request.Leverage = decimal.NewFromFloat(a.config.Leverage)
	return request
}

// computeTimeRange derives the next backtest window. The first backtest of a
// parameter key ends one minute before now; later ones end at the previous
// start plus the target overlap, rolling backward through history so that
// consecutive windows overlap by exactly the configured percentage.
func computeTimeRange(previousRanges []timeRange, durationMs int64,
	maxOverlapPercentage float64, nowMs domain.Millis,
	warn func() *zerologEvent) (domain.Millis, domain.Millis) {

	if len(previousRanges) == 0 {
		end := nowMs - domain.OneMinuteMillis
		return end - durationMs, end
	}

	// Windows are appended in the order they ran, so the last one is the
	// previous window this one rolls back from.
	mostRecent := previousRanges[len(previousRanges)-1]

	targetOverlapMs := int64(float64(durationMs) * maxOverlapPercentage / 100.0)
	end := mostRecent.Start + targetOverlapMs
	if end >= nowMs {
		clamped := nowMs - domain.OneMinuteMillis
		warn().
			Int64("calculated_end", end).
			Int64("clamped_end", clamped).
			Msg("Calculated end time is not in the past, clamping")
		end = clamped
	}
	return end - durationMs, end
}

// OverlapRatio measures how much of the [start1, end1) window is covered by
// [start2, end2), as a percentage of the first window's duration.
func OverlapRatio(start1, end1, start2, end2 domain.Millis) float64 {
	overlapStart := start1
	if start2 > overlapStart {
		overlapStart = start2
	}
	overlapEnd := end1
	if end2 < overlapEnd {
		overlapEnd = end2
	}
	if overlapStart >= overlapEnd {
		return 0
	}
	duration := end1 - start1
	if duration == 0 {
		return 0
	}
	return float64(overlapEnd-overlapStart) / float64(duration) * 100
}

func (a *SchedulerAgent) storeRange(paramKey string, r timeRange) {
	if a.periodParameterRanges[a.currentPeriodIndex] == nil {
		a.periodParameterRanges[a.currentPeriodIndex] = make(map[string][]timeRange)
	}
	a.periodParameterRanges[a.currentPeriodIndex][paramKey] =
		append(a.periodParameterRanges[a.currentPeriodIndex][paramKey], r)
}

func (a *SchedulerAgent) advancePeriod(info func() *zerologEvent) {
	previousIndex := a.currentPeriodIndex
	a.currentPeriodIndex++
	info().
		Int("period_index", a.currentPeriodIndex).
		Int("period_days", a.config.IncrementalPeriods[a.currentPeriodIndex]).
		Msg("Period completed successfully, advancing")

	a.backtestCountInPeriod = 0
	a.passedBacktestsInPeriod = 0
	delete(a.periodParameterRanges, previousIndex)
}

func (a *SchedulerAgent) resetToFirstPeriod() {
	a.FlowLogger("reset_to_first_period").Info().Msg("Resetting to first period")
	a.currentPeriodIndex = 0
	a.backtestCountInPeriod = 0
	a.passedBacktestsInPeriod = 0
	a.periodParameterRanges = make(map[int]map[string][]timeRange)
}

func (a *SchedulerAgent) promoteToProduction() {
	logger := a.FlowLogger("promote_to_production")
	logger.Info().
		Str("strategy", a.config.StrategyName).
		Str("symbol", a.config.Symbol).
		Int("total_cycles", a.cycleCount).
		Int("final_period_days", a.config.IncrementalPeriods[len(a.config.IncrementalPeriods)-1]).
		Msg("All periods completed successfully, promoting to production")

	if a.OnPromote != nil {
		a.OnPromote(a.config.StrategyName, a.config.Symbol)
	}
	a.Stop()
	logger.Info().Msg("Scheduler stopped after promotion to production")
}

// ResetDailyMemory clears episodic memory and the per-period parameter maps
// while preserving the configuration snapshot, and records today as the last
// reset day.
func (a *SchedulerAgent) ResetDailyMemory() {
	logger := a.FlowLogger("reset_daily_memory")
	logger.Info().Msg("Resetting daily episodic memory")

	configBackup, hadConfig := a.GetMemory("config")
	a.ClearMemory()
	if hadConfig {
		a.StoreMemory("config", configBackup)
	}

	a.periodParameterRanges = make(map[int]map[string][]timeRange)
	a.executionsToday = 0
	a.lastResetDay = a.now().UTC().Format("2006-01-02")

	logger.Info().Str("reset_day", a.lastResetDay).Msg("Daily memory reset completed")
}

func (a *SchedulerAgent) shouldResetDaily() bool {
	if a.lastResetDay == "" {
		return true
	}
	return a.now().UTC().Format("2006-01-02") != a.lastResetDay
}

// parameterKey canonicalizes the key dimensions of a request: strategy name,
// sorted RSI limits and sorted timeframes.
func parameterKey(request domain.StartBacktestRequest) string {
	rsi := "default"
	if request.RSILimits != nil {
		limits := append([]int{}, request.RSILimits...)
		sort.Ints(limits)
		rsi = fmt.Sprint(limits)
	}
	timeframes := append([]string{}, request.Timeframes...)
	sort.Strings(timeframes)
	return fmt.Sprintf("%s_rsi_%s_tf_%s", request.StrategyName, rsi, strings.Join(timeframes, ","))
}

// HandleMessage: the scheduler is driven by its loop, not by messages.
func (a *SchedulerAgent) HandleMessage(msg domain.AgentMessage) (out domain.AgentMessage) {
	defer func() {
		if r := recover(); r != nil {
			out = a.handlerError(msg, domain.NewErrorf(domain.ErrHandler, "panic: %v", r))
		}
	}()
	return a.unknownMessage(msg)
}

// Close stops the loop and cascades to the orchestrator. Idempotent.
func (a *SchedulerAgent) Close() {
	logger := a.FlowLogger("cleanup")
	a.Stop()
	if a.orchestrator != nil {
		a.orchestrator.Close()
		a.orchestrator = nil
	}
	logger.Info().Msg("SchedulerAgent closed")
}
