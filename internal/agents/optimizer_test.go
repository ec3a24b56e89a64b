package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ToniJM/trading-assistant/internal/domain"
	"github.com/ToniJM/trading-assistant/internal/llm"
)

func noWarn(string, ...any) {}

func TestValidateParametersRSILimits(t *testing.T) {
	space := map[string][]float64{"rsi_limits": {0, 100}}

	valid := validateParametersImpl(map[string]any{
		"rsi_limits": []any{10.0, 50.0, 90.0},
	}, space, noWarn)
	assert.Equal(t, []int{10, 50, 90}, valid["rsi_limits"])

	for _, limits := range []any{
		[]any{10.0, 50.0},        // wrong length
		[]any{90.0, 50.0, 10.0},  // descending
		[]any{10.0, 50.0, 101.0}, // out of range
		[]any{10.0, 10.0, 90.0},  // not strictly ascending
		"15,50,85",               // wrong type
	} {
		out := validateParametersImpl(map[string]any{"rsi_limits": limits}, space, noWarn)
		_, kept := out["rsi_limits"]
		assert.False(t, kept, "limits %v must be dropped", limits)
	}
}

func TestValidateParametersTimeframes(t *testing.T) {
	space := map[string][]float64{}

	valid := validateParametersImpl(map[string]any{
		"timeframes": []any{"1m", "15m", "1h"},
	}, space, noWarn)
	assert.Equal(t, []string{"1m", "15m", "1h"}, valid["timeframes"])

	out := validateParametersImpl(map[string]any{
		"timeframes": []any{"1m", "7m"},
	}, space, noWarn)
	_, kept := out["timeframes"]
	assert.False(t, kept)
}

func TestValidateParametersDropsUnknownKeys(t *testing.T) {
	out := validateParametersImpl(map[string]any{
		"mystery_knob": 42.0,
	}, map[string][]float64{"rsi_limits": {0, 100}}, noWarn)
	assert.Empty(t, out)
}

func TestValidateParametersSpaceValues(t *testing.T) {
	space := map[string][]float64{"entry_threshold": {0.01, 0.02, 0.03}}

	out := validateParametersImpl(map[string]any{"entry_threshold": 0.02}, space, noWarn)
	assert.Equal(t, 0.02, out["entry_threshold"])

	out = validateParametersImpl(map[string]any{"entry_threshold": 0.05}, space, noWarn)
	assert.Empty(t, out)
}

func baseOptimizationRequest() domain.OptimizationRequest {
	config := domain.NewStartBacktestRequest("BTCUSDT", 1)
	config.RSILimits = []int{15, 50, 85}
	return domain.OptimizationRequest{
		RunID:          "opt-1",
		StrategyName:   "carga_descarga",
		Symbol:         "BTCUSDT",
		ParameterSpace: map[string][]float64{"rsi_limits": {0, 100}},
		Objective:      "sharpe_ratio",
		BacktestConfig: &config,
	}
}

func TestFallbackWeakProfitFactorWidensBounds(t *testing.T) {
	agent := NewOptimizerAgent("run-1", nil).Initialize()

	result := agent.Optimize(context.Background(), baseOptimizationRequest(),
		[]domain.BacktestResultsResponse{{ProfitFactor: 1.2, MaxDrawdown: 5.0}})

	assert.Equal(t, []int{10, 50, 90}, result.OptimizedParameters["rsi_limits"])
	assert.Equal(t, 0.4, result.Confidence)
	assert.Equal(t, "fallback_deterministic", result.Metadata["method"])
}

func TestFallbackDeepDrawdownTightensBounds(t *testing.T) {
	agent := NewOptimizerAgent("run-1", nil).Initialize()

	result := agent.Optimize(context.Background(), baseOptimizationRequest(),
		[]domain.BacktestResultsResponse{{ProfitFactor: 1.8, MaxDrawdown: 15.0}})

	assert.Equal(t, []int{20, 50, 80}, result.OptimizedParameters["rsi_limits"])
}

func TestFallbackRespectsFloorsAndCeilings(t *testing.T) {
	agent := NewOptimizerAgent("run-1", nil).Initialize()

	request := baseOptimizationRequest()
	request.BacktestConfig.RSILimits = []int{6, 50, 93}
	result := agent.Optimize(context.Background(), request,
		[]domain.BacktestResultsResponse{{ProfitFactor: 1.0, MaxDrawdown: 5.0}})

	assert.Equal(t, []int{5, 50, 95}, result.OptimizedParameters["rsi_limits"])
}

func TestFallbackWithoutHistory(t *testing.T) {
	agent := NewOptimizerAgent("run-1", nil).Initialize()
	result := agent.Optimize(context.Background(), baseOptimizationRequest(), nil)
	assert.Empty(t, result.OptimizedParameters)
	assert.Equal(t, 0.4, result.Confidence)
}

// scriptedLLM returns a canned parsed response or an error.
type scriptedLLM struct {
	parsed map[string]any
	err    error
}

func (s *scriptedLLM) ChatJSON(ctx context.Context, messages []llm.ChatMessage, temperature float64, maxTokens int) (map[string]any, *llm.ChatResponse, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	return s.parsed, &llm.ChatResponse{Model: "test-model", FinishReason: "stop"}, nil
}

func TestOptimizeWithLLM(t *testing.T) {
	client := &scriptedLLM{parsed: map[string]any{
		"optimized_parameters": map[string]any{
			"rsi_limits": []any{20.0, 50.0, 80.0},
			"timeframes": []any{"1m", "15m"},
			"bogus_key":  1.0,
		},
		"reasoning":  "tighter bounds reduce churn",
		"confidence": 1.7, // clamped to 1.0
		"expected_improvement": map[string]any{
			"sharpe_ratio": 0.3,
		},
	}}
	agent := NewOptimizerAgent("run-1", client).Initialize()

	result := agent.Optimize(context.Background(), baseOptimizationRequest(), nil)
	assert.Equal(t, []int{20, 50, 80}, result.OptimizedParameters["rsi_limits"])
	assert.Equal(t, []string{"1m", "15m"}, result.OptimizedParameters["timeframes"])
	_, kept := result.OptimizedParameters["bogus_key"]
	assert.False(t, kept)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Equal(t, 0.3, result.ExpectedImprovement["sharpe_ratio"])
	assert.Equal(t, "test-model", result.Metadata["model"])
}

func TestOptimizeLLMErrorFallsBack(t *testing.T) {
	client := &scriptedLLM{err: domain.NewError(domain.ErrInvalidResponse, "boom")}
	agent := NewOptimizerAgent("run-1", client).Initialize()

	result := agent.Optimize(context.Background(), baseOptimizationRequest(),
		[]domain.BacktestResultsResponse{{ProfitFactor: 1.2}})
	assert.Equal(t, "fallback_deterministic", result.Metadata["method"])
}

func TestOptimizerUnknownMessage(t *testing.T) {
	agent := NewOptimizerAgent("run-1", nil).Initialize()
	reply := agent.HandleMessage(domain.NewAgentMessage("tester", "optimizer", "flow-1", 42))

	errResp, ok := reply.Payload.(domain.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, domain.ErrUnknownMessageType, errResp.ErrorCode)
}
