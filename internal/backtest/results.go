package backtest

import (
	"github.com/shopspring/decimal"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

// Results is the full outcome of one backtest run.
type Results struct {
	StartTime       domain.Millis
	EndTime         domain.Millis
	DurationSeconds float64

	TotalCandlesProcessed int
	FinalBalance          decimal.Decimal
	TotalReturn           decimal.Decimal
	ReturnPercentage      float64
	MaxDrawdown           float64

	TotalTrades  int
	WinRate      float64
	ProfitFactor float64

	TotalClosedPositions int
	WinningPositions     int
	LosingPositions      int

	AverageTradeSize     decimal.Decimal
	TotalCommission      decimal.Decimal
	CommissionPercentage float64

	TotalClosingTrades   int
	PartialClosingTrades int
	FullClosingTrades    int
	WinningClosingTrades int
	LosingClosingTrades  int
	PartialWinningTrades int
	PartialLosingTrades  int
	FullWinningTrades    int
	FullLosingTrades     int

	TotalCycles      int
	AvgCycleDuration float64
	AvgCyclePnL      decimal.Decimal
	WinningCycles    int
	LosingCycles     int
	CycleWinRate     float64

	StrategyName string
	Symbol       string
}

// ToResponse maps the results into the wire payload for a run.
func (r *Results) ToResponse(runID, status string) domain.BacktestResultsResponse {
	return domain.BacktestResultsResponse{
		RunID:                 runID,
		Status:                status,
		StartTime:             r.StartTime,
		EndTime:               r.EndTime,
		DurationSeconds:       r.DurationSeconds,
		TotalCandlesProcessed: r.TotalCandlesProcessed,
		FinalBalance:          r.FinalBalance,
		TotalReturn:           r.TotalReturn,
		ReturnPercentage:      r.ReturnPercentage,
		MaxDrawdown:           r.MaxDrawdown,
		TotalTrades:           r.TotalTrades,
		WinRate:               r.WinRate,
		ProfitFactor:          r.ProfitFactor,
		TotalClosedPositions:  r.TotalClosedPositions,
		WinningPositions:      r.WinningPositions,
		LosingPositions:       r.LosingPositions,
		AverageTradeSize:      r.AverageTradeSize,
		TotalCommission:       r.TotalCommission,
		CommissionPercentage:  r.CommissionPercentage,
		TotalClosingTrades:    r.TotalClosingTrades,
		PartialClosingTrades:  r.PartialClosingTrades,
		FullClosingTrades:     r.FullClosingTrades,
		WinningClosingTrades:  r.WinningClosingTrades,
		LosingClosingTrades:   r.LosingClosingTrades,
		PartialWinningTrades:  r.PartialWinningTrades,
		PartialLosingTrades:   r.PartialLosingTrades,
		FullWinningTrades:     r.FullWinningTrades,
		FullLosingTrades:      r.FullLosingTrades,
		TotalCycles:           r.TotalCycles,
		AvgCycleDuration:      r.AvgCycleDuration,
		AvgCyclePnL:           r.AvgCyclePnL,
		WinningCycles:         r.WinningCycles,
		LosingCycles:          r.LosingCycles,
		CycleWinRate:          r.CycleWinRate,
		StrategyName:          r.StrategyName,
		Symbol:                r.Symbol,
	}
}
