package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(t.TempDir())
	require.NoError(t, err)
	return repo
}

func backtestPayload(pf float64) map[string]any {
	return map[string]any{
		"strategy_name": "carga_descarga",
		"symbol":        "BTCUSDT",
		"profit_factor": pf,
	}
}

func TestStoreAndRetrieveRoundTrip(t *testing.T) {
	repo := newTestRepository(t)

	storageID, err := repo.StoreBacktest("run-1", backtestPayload(1.8))
	require.NoError(t, err)
	assert.Equal(t, "backtest-run-1", storageID)

	record, err := repo.RetrieveByRunID("run-1")
	require.NoError(t, err)
	require.NotNil(t, record)

	backtest := record["backtest"].(map[string]any)
	assert.Equal(t, 1.8, backtest["profit_factor"])
	assert.Contains(t, backtest, "_metadata")

	index := record["_index"].(*runIndexEntry)
	assert.Equal(t, "carga_descarga", index.StrategyName)
	assert.Equal(t, []string{"backtest"}, index.ResultTypes)
}

func TestRetrieveUnknownRun(t *testing.T) {
	repo := newTestRepository(t)
	record, err := repo.RetrieveByRunID("missing")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestOverwriteDoesNotDuplicateIndex(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.StoreBacktest("run-1", backtestPayload(1.2))
	require.NoError(t, err)
	_, err = repo.StoreBacktest("run-1", backtestPayload(2.4))
	require.NoError(t, err)

	record, err := repo.RetrieveByRunID("run-1")
	require.NoError(t, err)
	backtest := record["backtest"].(map[string]any)
	assert.Equal(t, 2.4, backtest["profit_factor"])

	results, err := repo.RetrieveByStrategy("carga_descarga", 10, 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	count, err := repo.TotalCount("carga_descarga", "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMergedRecordAcrossResultTypes(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.StoreBacktest("run-1", backtestPayload(1.8))
	require.NoError(t, err)
	_, err = repo.StoreEvaluation("run-1", map[string]any{
		"strategy_name":  "carga_descarga",
		"symbol":         "BTCUSDT",
		"recommendation": "promote",
	})
	require.NoError(t, err)
	_, err = repo.StoreOptimization("run-1", map[string]any{
		"strategy_name": "carga_descarga",
		"symbol":        "BTCUSDT",
		"confidence":    0.4,
	})
	require.NoError(t, err)

	record, err := repo.RetrieveByRunID("run-1")
	require.NoError(t, err)
	assert.Contains(t, record, "backtest")
	assert.Contains(t, record, "evaluation")
	assert.Contains(t, record, "optimization")

	index := record["_index"].(*runIndexEntry)
	assert.ElementsMatch(t, []string{"backtest", "evaluation", "optimization"}, index.ResultTypes)
}

func TestPagination(t *testing.T) {
	repo := newTestRepository(t)

	for _, runID := range []string{"run-1", "run-2", "run-3"} {
		_, err := repo.StoreBacktest(runID, backtestPayload(1.5))
		require.NoError(t, err)
	}

	page, err := repo.RetrieveBySymbol("BTCUSDT", 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	page, err = repo.RetrieveBySymbol("BTCUSDT", 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	page, err = repo.RetrieveBySymbol("BTCUSDT", 2, 5)
	require.NoError(t, err)
	assert.Empty(t, page)

	count, err := repo.TotalCount("", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
