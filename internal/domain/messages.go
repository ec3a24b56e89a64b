package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AgentMessage wraps a payload for agent-to-agent delivery. The payload is
// one of the request/response variants below; unknown payload kinds are
// answered with an ErrorResponse carrying UNKNOWN_MESSAGE_TYPE.
type AgentMessage struct {
	MessageID string    `json:"message_id"`
	FromAgent string    `json:"from_agent"`
	ToAgent   string    `json:"to_agent"`
	FlowID    string    `json:"flow_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// NewAgentMessage creates a message with a fresh id and timestamp.
func NewAgentMessage(from, to, flowID string, payload any) AgentMessage {
	return AgentMessage{
		MessageID: uuid.NewString(),
		FromAgent: from,
		ToAgent:   to,
		FlowID:    flowID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// StartBacktestRequest configures one backtest run.
type StartBacktestRequest struct {
	RunID             string          `json:"run_id"`
	Symbol            string          `json:"symbol"`
	StartTime         Millis          `json:"start_time"`
	EndTime           Millis          `json:"end_time,omitempty"` // 0 = current time
	InitialBalance    decimal.Decimal `json:"initial_balance"`
	Leverage          decimal.Decimal `json:"leverage"`
	MakerFee          decimal.Decimal `json:"maker_fee"`
	TakerFee          decimal.Decimal `json:"taker_fee"`
	MaxNotional       decimal.Decimal `json:"max_notional"`
	StrategyName      string          `json:"strategy_name"`
	StopOnLoss        bool            `json:"stop_on_loss"`
	MaxLossPercentage float64         `json:"max_loss_percentage"`
	TrackCycles       bool            `json:"track_cycles"`
	Timeframes        []string        `json:"timeframes"`
	RSILimits         []int           `json:"rsi_limits,omitempty"`
}

// NewStartBacktestRequest returns a request with the system defaults applied.
func NewStartBacktestRequest(symbol string, startTime Millis) StartBacktestRequest {
	return StartBacktestRequest{
		RunID:             uuid.NewString(),
		Symbol:            symbol,
		StartTime:         startTime,
		InitialBalance:    decimal.NewFromInt(2500),
		Leverage:          decimal.NewFromInt(100),
		MakerFee:          decimal.RequireFromString("0.0002"),
		TakerFee:          decimal.RequireFromString("0.0005"),
		MaxNotional:       decimal.NewFromInt(50000),
		StrategyName:      "default",
		StopOnLoss:        true,
		MaxLossPercentage: 0.5,
		TrackCycles:       true,
		Timeframes:        []string{"1m", "15m", "1h"},
	}
}

// Validate checks the request shape. Timeframes and rsi limits raise the
// dedicated codes; everything else raises INVALID_REQUEST.
func (r *StartBacktestRequest) Validate() error {
	if r.Symbol == "" {
		return NewError(ErrInvalidRequest, "symbol is required")
	}
	if r.StartTime <= 0 {
		return NewError(ErrInvalidRequest, "start_time must be positive")
	}
	if r.EndTime != 0 && r.EndTime <= r.StartTime {
		return NewError(ErrInvalidRequest, "end_time must be after start_time")
	}
	if r.InitialBalance.Sign() <= 0 {
		return NewError(ErrInvalidRequest, "initial_balance must be positive")
	}
	if err := ValidateTimeframes(r.Timeframes); err != nil {
		return err
	}
	return ValidateRSILimits(r.RSILimits)
}

// BacktestStatusUpdate is the throttled progress report of a running backtest.
type BacktestStatusUpdate struct {
	RunID            string          `json:"run_id"`
	Status           string          `json:"status"` // running, paused, completed, failed
	CandlesProcessed int             `json:"candles_processed"`
	CurrentBalance   decimal.Decimal `json:"current_balance"`
	ExecutionTime    float64         `json:"execution_time_seconds"`
	CandlesPerSecond float64         `json:"candles_per_second"`
}

// BacktestResultsResponse carries the full metric set of a finished backtest.
type BacktestResultsResponse struct {
	RunID           string  `json:"run_id"`
	Status          string  `json:"status"`
	StartTime       Millis  `json:"start_time"`
	EndTime         Millis  `json:"end_time"`
	DurationSeconds float64 `json:"duration_seconds"`

	TotalCandlesProcessed int             `json:"total_candles_processed"`
	FinalBalance          decimal.Decimal `json:"final_balance"`
	TotalReturn           decimal.Decimal `json:"total_return"`
	ReturnPercentage      float64         `json:"return_percentage"`
	MaxDrawdown           float64         `json:"max_drawdown"`

	TotalTrades  int     `json:"total_trades"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`

	TotalClosedPositions int `json:"total_closed_positions"`
	WinningPositions     int `json:"winning_positions"`
	LosingPositions      int `json:"losing_positions"`

	AverageTradeSize     decimal.Decimal `json:"average_trade_size"`
	TotalCommission      decimal.Decimal `json:"total_commission"`
	CommissionPercentage float64         `json:"commission_percentage"`

	TotalClosingTrades   int `json:"total_closing_trades"`
	PartialClosingTrades int `json:"partial_closing_trades"`
	FullClosingTrades    int `json:"full_closing_trades"`
	WinningClosingTrades int `json:"winning_closing_trades"`
	LosingClosingTrades  int `json:"losing_closing_trades"`
	PartialWinningTrades int `json:"partial_winning_trades"`
	PartialLosingTrades  int `json:"partial_losing_trades"`
	FullWinningTrades    int `json:"full_winning_trades"`
	FullLosingTrades     int `json:"full_losing_trades"`

	TotalCycles      int             `json:"total_cycles"`
	AvgCycleDuration float64         `json:"avg_cycle_duration"`
	AvgCyclePnL      decimal.Decimal `json:"avg_cycle_pnl"`
	WinningCycles    int             `json:"winning_cycles"`
	LosingCycles     int             `json:"losing_cycles"`
	CycleWinRate     float64         `json:"cycle_win_rate"`

	StrategyName string `json:"strategy_name"`
	Symbol       string `json:"symbol"`
}

// EvaluationRequest asks the evaluator to score a run against KPI thresholds.
// A nil KPI map means the evaluator defaults; a nil metrics list means all.
type EvaluationRequest struct {
	RunID   string             `json:"run_id"`
	Metrics []string           `json:"metrics,omitempty"`
	KPIs    map[string]float64 `json:"kpis,omitempty"`
}

// Recommendation is the evaluator verdict.
type Recommendation string

const (
	RecommendPromote  Recommendation = "promote"
	RecommendReject   Recommendation = "reject"
	RecommendOptimize Recommendation = "optimize"
)

// EvaluationResponse reports KPI compliance and the verdict for a run.
type EvaluationResponse struct {
	RunID            string             `json:"run_id"`
	EvaluationPassed bool               `json:"evaluation_passed"`
	Metrics          map[string]float64 `json:"metrics"`
	KPICompliance    map[string]bool    `json:"kpi_compliance"`
	Recommendation   Recommendation     `json:"recommendation"`
	Metadata         map[string]any     `json:"metadata,omitempty"`
}

// OptimizationRequest asks the optimizer for a new parameter tuple.
type OptimizationRequest struct {
	RunID          string                `json:"run_id"`
	StrategyName   string                `json:"strategy_name"`
	Symbol         string                `json:"symbol"`
	ParameterSpace map[string][]float64  `json:"parameter_space"`
	Objective      string                `json:"objective"`
	BacktestConfig *StartBacktestRequest `json:"backtest_config,omitempty"`
}

// OptimizationResult is the optimizer's proposal. Parameters are validated
// against the declared parameter space before this is built.
type OptimizationResult struct {
	RunID               string             `json:"run_id"`
	StrategyName        string             `json:"strategy_name"`
	OptimizedParameters map[string]any     `json:"optimized_parameters"`
	Reasoning           string             `json:"reasoning"`
	Confidence          float64            `json:"confidence"`
	ExpectedImprovement map[string]float64 `json:"expected_improvement"`
	Metadata            map[string]any     `json:"metadata"`
}

// StoreResultsRequest stores any combination of backtest, evaluation and
// optimization payloads for one run.
type StoreResultsRequest struct {
	RunID               string                   `json:"run_id"`
	StrategyName        string                   `json:"strategy_name"`
	Symbol              string                   `json:"symbol"`
	BacktestResults     *BacktestResultsResponse `json:"backtest_results,omitempty"`
	EvaluationResults   *EvaluationResponse      `json:"evaluation_results,omitempty"`
	OptimizationResults *OptimizationResult      `json:"optimization_results,omitempty"`
	Metadata            map[string]any           `json:"metadata,omitempty"`
}

// StoreResultsResponse confirms a store operation.
type StoreResultsResponse struct {
	RunID     string `json:"run_id"`
	StorageID string `json:"storage_id"`
	Success   bool   `json:"success"`
}

// RetrieveResultsRequest queries stored results by run id, strategy or
// symbol; the latter two are paginated.
type RetrieveResultsRequest struct {
	RunID        string `json:"run_id,omitempty"`
	StrategyName string `json:"strategy_name,omitempty"`
	Symbol       string `json:"symbol,omitempty"`
	Limit        int    `json:"limit"`
	Offset       int    `json:"offset"`
}

// RetrieveResultsResponse carries matching records plus the total count.
type RetrieveResultsResponse struct {
	Results    []map[string]any `json:"results"`
	TotalCount int              `json:"total_count"`
	Limit      int              `json:"limit"`
	Offset     int              `json:"offset"`
}

// ErrorResponse mirrors a typed error across a message boundary. Stack traces
// never leak; details are only what the sender explicitly attached.
type ErrorResponse struct {
	ErrorCode    ErrorCode      `json:"error_code"`
	ErrorMessage string         `json:"error_message"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
	RunID        string         `json:"run_id,omitempty"`
}
