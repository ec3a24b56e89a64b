// Package backtest drives one deterministic pass of a strategy over a
// historical window and turns the recorded trades into a metric set.
package backtest

import (
	"github.com/shopspring/decimal"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

// ProgressFunc receives throttled status updates while a backtest runs.
type ProgressFunc func(update domain.BacktestStatusUpdate)

// Config is the full configuration of one backtest run.
type Config struct {
	RunID             string
	Symbol            string
	StartTime         domain.Millis
	EndTime           domain.Millis // 0 = current time
	InitialBalance    decimal.Decimal
	Leverage          decimal.Decimal
	MakerFee          decimal.Decimal
	TakerFee          decimal.Decimal
	MaxNotional       decimal.Decimal
	StrategyName      string
	StopOnLoss        bool
	MaxLossPercentage float64
	TrackCycles       bool
	Timeframes        []string
	RSILimits         []int
	Progress          ProgressFunc
}

// ConfigFromRequest maps a start request onto a runner config.
func ConfigFromRequest(req domain.StartBacktestRequest) Config {
	return Config{
		RunID:             req.RunID,
		Symbol:            req.Symbol,
		StartTime:         req.StartTime,
		EndTime:           req.EndTime,
		InitialBalance:    req.InitialBalance,
		Leverage:          req.Leverage,
		MakerFee:          req.MakerFee,
		TakerFee:          req.TakerFee,
		MaxNotional:       req.MaxNotional,
		StrategyName:      req.StrategyName,
		StopOnLoss:        req.StopOnLoss,
		MaxLossPercentage: req.MaxLossPercentage,
		TrackCycles:       req.TrackCycles,
		Timeframes:        req.Timeframes,
		RSILimits:         req.RSILimits,
	}
}
