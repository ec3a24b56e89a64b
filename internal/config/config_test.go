package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	// A named file that does not exist is an error; no file at all falls
	// back to defaults.
	assert.Error(t, err)

	cwd, _ := os.Getwd()
	defer os.Chdir(cwd)
	require.NoError(t, os.Chdir(t.TempDir()))

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "trading-assistant", cfg.App.Name)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 3600, cfg.Scheduler.ScheduleIntervalSeconds)
	assert.Equal(t, []int{1, 7, 30, 90}, cfg.Scheduler.IncrementalPeriods)
	assert.Equal(t, 10, cfg.Scheduler.BacktestsPerPeriod)
	assert.Equal(t, 20.0, cfg.Scheduler.MaxOverlapPercentage)
	assert.Equal(t, 2500.0, cfg.Backtest.InitialBalance)
	assert.Equal(t, []string{"1m", "15m", "1h"}, cfg.Backtest.Timeframes)
	assert.Equal(t, 2.0, cfg.Scheduler.KPIs["sharpe_ratio"])
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
scheduler:
  symbol: ETHUSDT
  schedule_interval_seconds: 120
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "ETHUSDT", cfg.Scheduler.Symbol)
	assert.Equal(t, 120, cfg.Scheduler.ScheduleIntervalSeconds)
	// Unset values keep their defaults.
	assert.Equal(t, 10, cfg.Scheduler.BacktestsPerPeriod)
}

func TestValidateBounds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  schedule_interval_seconds: 30
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
