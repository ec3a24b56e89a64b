package agents

import (
	"math"

	"github.com/ToniJM/trading-assistant/internal/domain"
	"github.com/ToniJM/trading-assistant/internal/evaluation"
)

// DefaultKPIs are the thresholds applied when a request carries none.
var DefaultKPIs = map[string]float64{
	"sharpe_ratio":  2.0,
	"max_drawdown":  10.0,
	"profit_factor": 1.5,
}

// EvaluatorAgent turns backtest results into KPI compliance and a
// recommendation.
type EvaluatorAgent struct {
	BaseAgent
}

// NewEvaluatorAgent creates an evaluator.
func NewEvaluatorAgent(runID string) *EvaluatorAgent {
	a := &EvaluatorAgent{BaseAgent: NewBaseAgent("evaluator", runID)}
	a.Policies = map[string]Policy{
		"sharpe_ratio_threshold":  {Min: floatPtr(2.0)},
		"max_drawdown_threshold":  {Max: floatPtr(10.0)},
		"profit_factor_threshold": {Min: floatPtr(1.5)},
	}
	return a
}

// Initialize is idempotent.
func (a *EvaluatorAgent) Initialize() *EvaluatorAgent {
	a.FlowLogger("init").Info().Msg("EvaluatorAgent initialized")
	a.StoreMemory("initialized", true)
	return a
}

// Evaluate scores results against the request's KPIs (or the defaults):
// max_drawdown complies when |metric| <= |threshold|, every other metric when
// metric >= threshold. Passing every KPI yields promote; critical failures
// yield reject; near-misses (every failing metric within 20% of its
// threshold) yield optimize.
func (a *EvaluatorAgent) Evaluate(request domain.EvaluationRequest, results *domain.BacktestResultsResponse) (*domain.EvaluationResponse, error) {
	if results == nil {
		return nil, domain.NewError(domain.ErrInvalidRequest, "backtest results must be provided")
	}

	calculateAdvanced := len(request.Metrics) == 0 || contains(request.Metrics, "sharpe_ratio")
	allMetrics := evaluation.ExtractMetrics(results, calculateAdvanced)

	metrics := allMetrics
	if len(request.Metrics) > 0 {
		metrics = make(map[string]float64, len(request.Metrics))
		for name, value := range allMetrics {
			if contains(request.Metrics, name) {
				metrics[name] = value
			}
		}
	}

	return a.evaluateMetrics(request.RunID, metrics, request.KPIs)
}

// evaluateMetrics applies the KPI rules to an extracted metric map.
func (a *EvaluatorAgent) evaluateMetrics(runID string, metrics map[string]float64,
	kpis map[string]float64) (*domain.EvaluationResponse, error) {

	logger := a.RunLogger(runID, "evaluate")

	if len(kpis) == 0 {
		kpis = DefaultKPIs
	}

	compliance := make(map[string]bool, len(kpis))
	for name, threshold := range kpis {
		value, ok := metrics[name]
		if !ok {
			logger.Warn().Str("kpi", name).Msg("Metric not found in results, marking non-compliant")
			compliance[name] = false
			continue
		}
		if name == "max_drawdown" {
			compliance[name] = math.Abs(value) <= math.Abs(threshold)
		} else {
			compliance[name] = value >= threshold
		}
	}

	passed := len(compliance) > 0
	for _, ok := range compliance {
		passed = passed && ok
	}

	recommendation := recommend(passed, compliance, metrics, kpis)

	a.StoreMemory("evaluation_"+runID, recommendation)
	logger.Info().
		Bool("evaluation_passed", passed).
		Str("recommendation", string(recommendation)).
		Msg("Evaluation completed")

	return &domain.EvaluationResponse{
		RunID:            runID,
		EvaluationPassed: passed,
		Metrics:          metrics,
		KPICompliance:    compliance,
		Recommendation:   recommendation,
		Metadata:         map[string]any{"sharpe_method": "simplified"},
	}, nil
}

func recommend(passed bool, compliance map[string]bool, metrics, kpis map[string]float64) domain.Recommendation {
	if passed {
		return domain.RecommendPromote
	}

	for name, ok := range compliance {
		if ok {
			continue
		}
		threshold := kpis[name]
		value := metrics[name]
		switch name {
		case "max_drawdown":
			if math.Abs(value) > math.Abs(threshold)*2.0 {
				return domain.RecommendReject
			}
		case "profit_factor":
			if value < 1.0 {
				return domain.RecommendReject
			}
		case "sharpe_ratio":
			if value < 0 {
				return domain.RecommendReject
			}
		}
	}

	for name, ok := range compliance {
		if ok {
			continue
		}
		threshold := kpis[name]
		value := metrics[name]
		withinTwentyPercent := false
		if name == "max_drawdown" {
			withinTwentyPercent = math.Abs(value) <= math.Abs(threshold)*1.2
		} else {
			withinTwentyPercent = value >= threshold*0.8
		}
		if !withinTwentyPercent {
			return domain.RecommendReject
		}
	}
	return domain.RecommendOptimize
}

// HandleMessage answers evaluation requests; the evaluator needs the results
// alongside the request, so bare requests are rejected.
func (a *EvaluatorAgent) HandleMessage(msg domain.AgentMessage) (out domain.AgentMessage) {
	defer func() {
		if r := recover(); r != nil {
			out = a.handlerError(msg, domain.NewErrorf(domain.ErrHandler, "panic: %v", r))
		}
	}()

	switch msg.Payload.(type) {
	case domain.EvaluationRequest, *domain.EvaluationRequest:
		err := a.CreateErrorResponse(domain.ErrInvalidRequest,
			"EvaluationRequest requires backtest results, call Evaluate directly", nil)
		return a.CreateMessage(msg.FromAgent, msg.FlowID, err)
	default:
		return a.unknownMessage(msg)
	}
}

// Close releases resources. Idempotent.
func (a *EvaluatorAgent) Close() {
	a.FlowLogger("cleanup").Info().Msg("EvaluatorAgent closed")
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
