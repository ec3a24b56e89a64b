package evaluation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

const day = 24 * 60 * 60.0

func TestSimplifiedSharpePositiveReturn(t *testing.T) {
	// 10% over 30 days annualizes to ~121.7%; volatility is taken as 25% of
	// that, so the ratio lands at 1/0.25 = 4.
	got := SharpeRatio(10, 30*day, nil)
	assert.InDelta(t, 4.0, got, 0.01)
}

func TestSimplifiedSharpeNegativeReturn(t *testing.T) {
	// Losses assume 40% volatility: annualized/-(0.4*|annualized|) = -2.5.
	got := SharpeRatio(-10, 30*day, nil)
	assert.InDelta(t, -2.5, got, 0.01)
}

func TestSimplifiedSharpeVolatilityFloor(t *testing.T) {
	// A tiny return annualizes below the 1.0 volatility floor.
	got := SharpeRatio(0.1, 365*day, nil)
	assert.InDelta(t, 0.1, got, 0.01)
}

func TestSharpeZeroCases(t *testing.T) {
	assert.Equal(t, 0.0, SharpeRatio(10, 0, nil))
	assert.Equal(t, 0.0, SharpeRatio(0, 30*day, nil))
}

func TestSharpeWithBalanceHistory(t *testing.T) {
	// Steadily rising balances have near-zero variance and a large ratio;
	// the point here is just that the history path engages and is finite.
	history := []float64{1000, 1010, 1021, 1028, 1040, 1049, 1061}
	got := SharpeRatio(6.1, 6*day, history)
	assert.Greater(t, got, 0.0)
}

func TestCalmarRatio(t *testing.T) {
	assert.InDelta(t, 2.0, CalmarRatio(10, 5), 0.001)
	assert.InDelta(t, 2.0, CalmarRatio(-10, 5), 0.001)
	assert.Equal(t, 0.0, CalmarRatio(10, 0))
}

func TestExtractMetrics(t *testing.T) {
	results := &domain.BacktestResultsResponse{
		ReturnPercentage: 12.0,
		MaxDrawdown:      4.0,
		ProfitFactor:     1.8,
		WinRate:          60.0,
		TotalTrades:      42,
		CycleWinRate:     55.0,
		DurationSeconds:  30 * day,
	}

	basic := ExtractMetrics(results, false)
	assert.Equal(t, 12.0, basic["return_percentage"])
	assert.Equal(t, 42.0, basic["total_trades"])
	_, hasSharpe := basic["sharpe_ratio"]
	assert.False(t, hasSharpe)

	advanced := ExtractMetrics(results, true)
	assert.Contains(t, advanced, "sharpe_ratio")
	assert.InDelta(t, 3.0, advanced["calmar_ratio"], 0.001)
}
