// Package evaluation extracts KPI metrics from backtest results, including
// the risk-adjusted estimators used for qualification gating.
package evaluation

import (
	"math"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

// SharpeRatio computes an annualized Sharpe ratio. With a balance history it
// uses periodic returns (252 periods/year, zero risk-free rate); without one
// it falls back to the simplified estimator.
func SharpeRatio(returnPercentage, durationSeconds float64, balanceHistory []float64) float64 {
	if durationSeconds <= 0 {
		return 0
	}
	durationDays := durationSeconds / (24 * 60 * 60)

	if len(balanceHistory) > 1 {
		var returns []float64
		for i := 1; i < len(balanceHistory); i++ {
			prev := balanceHistory[i-1]
			if prev > 0 {
				returns = append(returns, (balanceHistory[i]-prev)/prev)
			}
		}
		if len(returns) < 2 {
			return simplifiedSharpe(returnPercentage, durationDays)
		}

		mean := 0.0
		for _, r := range returns {
			mean += r
		}
		mean /= float64(len(returns))

		variance := 0.0
		for _, r := range returns {
			variance += (r - mean) * (r - mean)
		}
		variance /= float64(len(returns))
		stdDev := math.Sqrt(variance)
		if stdDev == 0 {
			return 0
		}

		const periodsPerYear = 252.0
		periodsPerDay := float64(len(returns)) / durationDays
		annualizedMean := mean * periodsPerYear / periodsPerDay
		annualizedStd := stdDev * math.Sqrt(periodsPerYear/periodsPerDay)
		if annualizedStd == 0 {
			return 0
		}
		return round2(annualizedMean / annualizedStd)
	}

	return simplifiedSharpe(returnPercentage, durationDays)
}

// simplifiedSharpe is a deterministic surrogate when no balance trajectory is
// available: annualize the return to 365 days and assume volatility at 25% of
// the return magnitude (40% for losses), floored at 1.0.
func simplifiedSharpe(returnPercentage, durationDays float64) float64 {
	if durationDays <= 0 || returnPercentage == 0 {
		return 0
	}

	annualized := returnPercentage
	if durationDays < 365 {
		annualized = returnPercentage * (365 / durationDays)
	}

	var volatility float64
	if returnPercentage > 0 {
		volatility = math.Abs(annualized) * 0.25
	} else {
		volatility = math.Abs(annualized) * 0.4
	}
	if volatility < 1.0 {
		volatility = 1.0
	}
	return round2(annualized / volatility)
}

// CalmarRatio is |return| / |max drawdown|, zero when there is no drawdown.
func CalmarRatio(returnPercentage, maxDrawdown float64) float64 {
	if maxDrawdown == 0 {
		return 0
	}
	return round2(math.Abs(returnPercentage) / math.Abs(maxDrawdown))
}

// ExtractMetrics flattens a results response into the metric map the
// evaluator and optimizer consume. Advanced metrics (Sharpe, Calmar) are
// appended when requested.
func ExtractMetrics(results *domain.BacktestResultsResponse, calculateAdvanced bool) map[string]float64 {
	metrics := map[string]float64{
		"return_percentage": results.ReturnPercentage,
		"max_drawdown":      results.MaxDrawdown,
		"profit_factor":     results.ProfitFactor,
		"win_rate":          results.WinRate,
		"total_trades":      float64(results.TotalTrades),
		"cycle_win_rate":    results.CycleWinRate,
	}
	if calculateAdvanced {
		metrics["sharpe_ratio"] = SharpeRatio(results.ReturnPercentage, results.DurationSeconds, nil)
		metrics["calmar_ratio"] = CalmarRatio(results.ReturnPercentage, results.MaxDrawdown)
	}
	return metrics
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
