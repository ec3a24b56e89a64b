package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ToniJM/trading-assistant/internal/domain"
	"github.com/ToniJM/trading-assistant/internal/evaluation"
	"github.com/ToniJM/trading-assistant/internal/llm"
)

// LLMClient is the slice of the chat client the optimizer uses.
type LLMClient interface {
	ChatJSON(ctx context.Context, messages []llm.ChatMessage, temperature float64, maxTokens int) (map[string]any, *llm.ChatResponse, error)
}

// OptimizerAgent proposes new strategy parameters: through the LLM when one
// is configured, otherwise through a deterministic heuristic.
type OptimizerAgent struct {
	BaseAgent
	client LLMClient
}

// NewOptimizerAgent creates an optimizer. A nil client means the agent always
// uses the fallback.
func NewOptimizerAgent(runID string, client LLMClient) *OptimizerAgent {
	a := &OptimizerAgent{
		BaseAgent: NewBaseAgent("optimizer", runID),
		client:    client,
	}
	a.Policies = map[string]Policy{
		"max_optimization_iterations": {Max: floatPtr(5)},
		"min_confidence_threshold":    {Min: floatPtr(0.5)},
	}
	return a
}

// Initialize is idempotent.
func (a *OptimizerAgent) Initialize() *OptimizerAgent {
	logger := a.FlowLogger("init")
	if a.client == nil {
		logger.Warn().Msg("LLM client not available, optimizer will use deterministic fallback")
	} else {
		logger.Info().Msg("OptimizerAgent initialized with LLM client")
	}
	a.StoreMemory("initialized", true)
	return a
}

// Optimize produces a parameter proposal. Any LLM failure degrades to the
// deterministic fallback; the cycle never fails on an optimization error.
func (a *OptimizerAgent) Optimize(ctx context.Context, request domain.OptimizationRequest,
	previousResults []domain.BacktestResultsResponse) *domain.OptimizationResult {

	logger := a.RunLogger(request.RunID, "optimize")

	if a.client == nil {
		return a.fallbackOptimize(request, previousResults)
	}

	prompt := buildOptimizationPrompt(request, previousResults)

	logger.Info().Str("strategy", request.StrategyName).Msg("Calling LLM for optimization")
	parsed, resp, err := a.client.ChatJSON(ctx, []llm.ChatMessage{
		{Role: "system", Content: "You are an expert quantitative trading strategy optimizer. " +
			"Analyze backtest results and suggest parameter improvements based on patterns."},
		{Role: "user", Content: prompt},
	}, 0.3, 2048)
	if err != nil {
		logger.Warn().Err(err).Msg("LLM optimization failed, falling back to deterministic optimization")
		return a.fallbackOptimize(request, previousResults)
	}

	result := a.parseLLMResponse(request, parsed, resp)
	a.StoreMemory("optimization_"+request.RunID, result)
	logger.Info().
		Float64("confidence", result.Confidence).
		Msg("Optimization completed")
	return result
}

func buildOptimizationPrompt(request domain.OptimizationRequest, previousResults []domain.BacktestResultsResponse) string {
	currentParams := map[string]any{}
	if request.BacktestConfig != nil {
		if request.BacktestConfig.RSILimits != nil {
			currentParams["rsi_limits"] = request.BacktestConfig.RSILimits
		}
		if request.BacktestConfig.Timeframes != nil {
			currentParams["timeframes"] = request.BacktestConfig.Timeframes
		}
	}

	type runContext struct {
		Run        int                `json:"run"`
		Metrics    map[string]float64 `json:"metrics"`
		Parameters map[string]any     `json:"parameters"`
	}
	var history []runContext
	start := 0
	if len(previousResults) > 5 {
		start = len(previousResults) - 5
	}
	for i, result := range previousResults[start:] {
		all := evaluation.ExtractMetrics(&result, true)
		history = append(history, runContext{
			Run: i + 1,
			Metrics: map[string]float64{
				"sharpe_ratio":      all["sharpe_ratio"],
				"max_drawdown":      result.MaxDrawdown,
				"profit_factor":     result.ProfitFactor,
				"win_rate":          result.WinRate,
				"return_percentage": result.ReturnPercentage,
			},
			Parameters: currentParams,
		})
	}

	currentJSON, _ := json.MarshalIndent(currentParams, "", "  ")
	spaceJSON, _ := json.MarshalIndent(request.ParameterSpace, "", "  ")
	historyJSON, _ := json.MarshalIndent(history, "", "  ")
	historyText := string(historyJSON)
	if len(history) == 0 {
		historyText = "No previous results available"
	}

	return fmt.Sprintf(`You are optimizing a trading strategy called %q for symbol %s.

OBJECTIVE: Maximize %s

CURRENT PARAMETERS:
%s

PARAMETER SPACE (valid ranges):
%s

HISTORICAL RESULTS:
%s

STRATEGY CONTEXT:
- Strategy: %s
- This is a load/unload strategy driven by Stochastic RSI readings
- RSI limits: [low, medium, high] where low < medium < high, all in range 0-100
- Timeframes: list of timeframes like ["1m", "15m", "1h"]
- Lower RSI thresholds = more aggressive entries (more trades, higher risk)
- Higher RSI thresholds = more conservative entries (fewer trades, lower risk)

TASK:
1. Analyze the historical results and identify patterns
2. Suggest optimized parameter values within the parameter space
3. Explain your reasoning based on the metrics
4. Estimate expected improvements for key metrics
5. Provide confidence level (0.0-1.0) for your suggestions

RESPONSE FORMAT (JSON only):
{
  "optimized_parameters": {
    "rsi_limits": [low, medium, high] or null,
    "timeframes": ["1m", "15m", "1h"] or null
  },
  "reasoning": "Detailed explanation of why these parameters should improve performance",
  "confidence": 0.75,
  "expected_improvement": {
    "sharpe_ratio": 0.3,
    "profit_factor": 0.2,
    "max_drawdown": -0.05
  }
}

IMPORTANT:
- Only suggest parameters that are in the parameter_space
- For rsi_limits: must be exactly 3 values, ascending order, all 0-100
- For timeframes: must be valid timeframe strings
- If a parameter should not change, set it to null
- Be specific and data-driven in your reasoning`,
		request.StrategyName, request.Symbol, request.Objective,
		currentJSON, spaceJSON, historyText, request.StrategyName)
}

func (a *OptimizerAgent) parseLLMResponse(request domain.OptimizationRequest,
	parsed map[string]any, resp *llm.ChatResponse) *domain.OptimizationResult {

	logger := a.RunLogger(request.RunID, "optimize")

	suggested, _ := parsed["optimized_parameters"].(map[string]any)
	reasoning, _ := parsed["reasoning"].(string)
	if reasoning == "" {
		reasoning = "No reasoning provided"
	}
	confidence := 0.5
	if v, ok := parsed["confidence"].(float64); ok {
		confidence = v
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	expected := make(map[string]float64)
	if raw, ok := parsed["expected_improvement"].(map[string]any); ok {
		for k, v := range raw {
			if f, ok := v.(float64); ok {
				expected[k] = f
			}
		}
	}

	validated := validateParameters(suggested, request.ParameterSpace, logger)

	metadata := map[string]any{
		"model":         resp.Model,
		"usage":         resp.Usage,
		"finish_reason": resp.FinishReason,
	}

	return &domain.OptimizationResult{
		RunID:               request.RunID,
		StrategyName:        request.StrategyName,
		OptimizedParameters: validated,
		Reasoning:           reasoning,
		Confidence:          confidence,
		ExpectedImprovement: expected,
		Metadata:            metadata,
	}
}

// validateParameters drops anything the parameter space does not allow:
// rsi_limits must be a strictly ascending integer triple in [0, 100],
// timeframes must come from the fixed vocabulary, unknown keys are dropped,
// and invalid values drop the whole key with a warning.
func validateParameters(suggested map[string]any, space map[string][]float64, logger zerolog.Logger) map[string]any {
	return validateParametersImpl(suggested, space, func(format string, args ...any) {
		logger.Warn().Msgf(format, args...)
	})
}

func validateParametersImpl(suggested map[string]any, space map[string][]float64, warnf func(string, ...any)) map[string]any {
	validated := make(map[string]any)

	if raw, ok := suggested["rsi_limits"]; ok && raw != nil {
		if limits, ok := toIntSlice(raw); ok && len(limits) == 3 {
			if err := domain.ValidateRSILimits(limits); err == nil {
				validated["rsi_limits"] = limits
			} else {
				warnf("invalid rsi_limits from LLM: %v, ignoring", raw)
			}
		} else {
			warnf("rsi_limits must be a list of 3 values, got %v", raw)
		}
	}

	if raw, ok := suggested["timeframes"]; ok && raw != nil {
		if timeframes, ok := toStringSlice(raw); ok {
			valid := len(timeframes) > 0
			for _, tf := range timeframes {
				if !domain.ValidTimeframe(tf) {
					valid = false
					break
				}
			}
			if valid {
				validated["timeframes"] = timeframes
			} else {
				warnf("invalid timeframes from LLM: %v, ignoring", raw)
			}
		} else {
			warnf("timeframes must be a list of strings, got %v", raw)
		}
	}

	// Any other declared parameter must land inside its space values.
	for name, allowed := range space {
		if _, done := validated[name]; done {
			continue
		}
		raw, ok := suggested[name]
		if !ok || raw == nil {
			continue
		}
		switch v := raw.(type) {
		case float64:
			if containsFloat(allowed, v) {
				validated[name] = v
			}
		case []any:
			values := make([]float64, 0, len(v))
			all := true
			for _, item := range v {
				f, ok := item.(float64)
				if !ok || !containsFloat(allowed, f) {
					all = false
					break
				}
				values = append(values, f)
			}
			if all {
				validated[name] = values
			}
		}
	}

	if len(validated) == 0 {
		warnf("no valid parameters from LLM")
	}
	return validated
}

func toIntSlice(raw any) ([]int, bool) {
	list, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	out := make([]int, 0, len(list))
	for _, item := range list {
		f, ok := item.(float64)
		if !ok {
			return nil, false
		}
		out = append(out, int(f))
	}
	return out, true
}

func toStringSlice(raw any) ([]string, bool) {
	list, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func containsFloat(list []float64, v float64) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// fallbackOptimize is the deterministic heuristic: a weak profit factor
// widens the outer RSI bounds by 5 (floor 5, ceiling 95); a deep drawdown
// tightens them toward the center by 5.
func (a *OptimizerAgent) fallbackOptimize(request domain.OptimizationRequest,
	previousResults []domain.BacktestResultsResponse) *domain.OptimizationResult {

	logger := a.RunLogger(request.RunID, "optimize")
	logger.Info().Msg("Using fallback deterministic optimization")

	current := []int{15, 50, 85}
	if request.BacktestConfig != nil && request.BacktestConfig.RSILimits != nil {
		current = request.BacktestConfig.RSILimits
	}

	optimized := make(map[string]any)
	if len(previousResults) > 0 {
		latest := previousResults[len(previousResults)-1]
		if _, ok := request.ParameterSpace["rsi_limits"]; ok {
			if latest.ProfitFactor < 1.5 {
				optimized["rsi_limits"] = []int{
					maxInt(5, current[0]-5),
					current[1],
					minInt(95, current[2]+5),
				}
			} else if latest.MaxDrawdown > 10.0 {
				optimized["rsi_limits"] = []int{
					minInt(30, current[0]+5),
					current[1],
					maxInt(70, current[2]-5),
				}
			}
		}
	}

	return &domain.OptimizationResult{
		RunID:               request.RunID,
		StrategyName:        request.StrategyName,
		OptimizedParameters: optimized,
		Reasoning: "Fallback optimization: adjusted RSI thresholds based on profit_factor and max_drawdown. " +
			"Wider thresholds for a weak profit factor, tighter thresholds for a deep drawdown.",
		Confidence:          0.4,
		ExpectedImprovement: map[string]float64{},
		Metadata:            map[string]any{"method": "fallback_deterministic"},
	}
}

// HandleMessage rejects bare optimization requests: they need the prior
// results alongside.
func (a *OptimizerAgent) HandleMessage(msg domain.AgentMessage) (out domain.AgentMessage) {
	defer func() {
		if r := recover(); r != nil {
			out = a.handlerError(msg, domain.NewErrorf(domain.ErrHandler, "panic: %v", r))
		}
	}()

	switch msg.Payload.(type) {
	case domain.OptimizationRequest, *domain.OptimizationRequest:
		err := a.CreateErrorResponse(domain.ErrInvalidRequest,
			"OptimizationRequest requires previous results, call Optimize directly", nil)
		return a.CreateMessage(msg.FromAgent, msg.FlowID, err)
	default:
		return a.unknownMessage(msg)
	}
}

// Close releases resources. Idempotent.
func (a *OptimizerAgent) Close() {
	a.FlowLogger("cleanup").Info().Msg("OptimizerAgent closed")
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
