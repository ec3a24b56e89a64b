package backtest

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func closingTrade(pnl string, full bool) domain.Trade {
	return domain.Trade{
		RealizedPnL:      dec(pnl),
		ClosesCompletely: full,
		Quantity:         dec("0.1"),
		Price:            dec("50000"),
	}
}

func openingTrade(commission string) domain.Trade {
	return domain.Trade{
		Commission: dec(commission),
		Quantity:   dec("0.1"),
		Price:      dec("50000"),
	}
}

func TestAnalyzeClosedPositions(t *testing.T) {
	trades := []domain.Trade{
		openingTrade("1.0"),
		closingTrade("50", false),  // partial winner
		closingTrade("-20", false), // partial loser
		closingTrade("100", true),  // full winner
		closingTrade("-30", true),  // full loser
		closingTrade("80", true),   // full winner
	}

	stats := analyzeClosedPositions(trades)
	assert.Equal(t, 5, stats.totalClosing)
	assert.Equal(t, 2, stats.partialClosing)
	assert.Equal(t, 3, stats.fullClosing)
	assert.Equal(t, 1, stats.partialWinning)
	assert.Equal(t, 1, stats.partialLosing)
	assert.Equal(t, 2, stats.fullWinning)
	assert.Equal(t, 1, stats.fullLosing)
	assert.Equal(t, 2, stats.winningClosing)
	assert.Equal(t, 1, stats.losingClosing)
	assert.Len(t, stats.fullCloses, 3)
}

func TestAnalyzeClosedPositionsIgnoresOpens(t *testing.T) {
	stats := analyzeClosedPositions([]domain.Trade{
		openingTrade("1.0"),
		openingTrade("0.5"),
	})
	assert.Zero(t, stats.totalClosing)
	assert.Empty(t, stats.fullCloses)
}

func testRunner(initialBalance string) *Runner {
	return &Runner{config: Config{
		InitialBalance: dec(initialBalance),
	}}
}

func TestValidateConsistencyClean(t *testing.T) {
	r := testRunner("2500")
	results := &Results{
		FinalBalance:         dec("2600"),
		TotalReturn:          dec("100"),
		TotalClosedPositions: 2,
		WinningPositions:     1,
		WinRate:              50,
		ProfitFactor:         1.5,
	}
	trades := []domain.Trade{
		openingTrade("1.0"),
		closingTrade("101", true),
	}
	assert.Empty(t, r.validateConsistency(results, trades))
}

func TestValidateConsistencyBalanceMismatch(t *testing.T) {
	r := testRunner("2500")
	results := &Results{
		FinalBalance: dec("2700"),
		TotalReturn:  dec("100"), // implies initial 2600, not 2500
		ProfitFactor: 1.5,
	}
	warnings := r.validateConsistency(results, nil)
	assert.NotEmpty(t, warnings)
	assert.Contains(t, warnings[0], "balance inconsistency")
}

func TestValidateConsistencyPnLMismatch(t *testing.T) {
	r := testRunner("2500")
	results := &Results{
		FinalBalance: dec("2600"),
		TotalReturn:  dec("100"),
		ProfitFactor: 1.5,
	}
	// Realized sum is 150 but total_return + opening commissions is 101.
	trades := []domain.Trade{
		openingTrade("1.0"),
		closingTrade("150", true),
	}
	warnings := r.validateConsistency(results, trades)
	assert.NotEmpty(t, warnings)
}

func TestValidateConsistencyProfitFactorSign(t *testing.T) {
	r := testRunner("2500")
	results := &Results{
		FinalBalance: dec("2400"),
		TotalReturn:  dec("-100"),
		ProfitFactor: 1.4,
	}
	trades := []domain.Trade{closingTrade("-100", true)}
	warnings := r.validateConsistency(results, trades)

	found := false
	for _, w := range warnings {
		if w == "profit factor > 1 but return is negative" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestConfigFromRequest(t *testing.T) {
	req := domain.NewStartBacktestRequest("BTCUSDT", 1_744_023_500_000)
	req.RSILimits = []int{10, 50, 90}

	cfg := ConfigFromRequest(req)
	assert.Equal(t, req.RunID, cfg.RunID)
	assert.Equal(t, "BTCUSDT", cfg.Symbol)
	assert.True(t, cfg.InitialBalance.Equal(req.InitialBalance))
	assert.Equal(t, []int{10, 50, 90}, cfg.RSILimits)
	assert.Equal(t, req.Timeframes, cfg.Timeframes)
}

func TestResultsToResponse(t *testing.T) {
	results := &Results{
		FinalBalance:     dec("2600"),
		TotalReturn:      dec("100"),
		ReturnPercentage: 4.0,
		TotalTrades:      7,
		StrategyName:     "carga_descarga",
		Symbol:           "BTCUSDT",
	}
	response := results.ToResponse("run-1", "completed")
	assert.Equal(t, "run-1", response.RunID)
	assert.Equal(t, "completed", response.Status)
	assert.Equal(t, 7, response.TotalTrades)
	assert.True(t, response.TotalReturn.Equal(dec("100")))
}
