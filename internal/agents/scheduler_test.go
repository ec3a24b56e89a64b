package agents

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ToniJM/trading-assistant/internal/config"
	"github.com/ToniJM/trading-assistant/internal/domain"
)

const dayMs = int64(86_400_000)

func nopWarn() *zerologEvent {
	logger := zerolog.Nop()
	return logger.Warn()
}

func schedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Symbol:                      "BTCUSDT",
		StrategyName:                "carga_descarga",
		ScheduleIntervalSeconds:     3600,
		IncrementalPeriods:          []int{1, 7, 30, 90},
		BacktestsPerPeriod:          10,
		MinPassedBacktestsPerPeriod: 10,
		MaxOverlapPercentage:        20,
		MaxIterationsPerCycle:       5,
		KPIs:                        map[string]float64{"sharpe_ratio": 2.0},
		AutoResetMemory:             true,
		InitialBalance:              2500,
		Leverage:                    100,
	}
}

func TestComputeTimeRangeFirstBacktest(t *testing.T) {
	now := int64(1_744_023_500_000)

	start, end := computeTimeRange(nil, dayMs, 20, now, nopWarn)
	assert.Equal(t, now-domain.OneMinuteMillis, end)
	assert.Equal(t, end-dayMs, start)
}

func TestSchedulerOverlapInvariant(t *testing.T) {
	// Three consecutive windows for the same parameter key roll backward
	// with exactly 20% overlap between neighbors.
	now := int64(1_744_023_500_000)
	var ranges []timeRange

	for i := 0; i < 3; i++ {
		start, end := computeTimeRange(ranges, dayMs, 20, now, nopWarn)
		ranges = append(ranges, timeRange{Start: start, End: end})
	}

	r1, r2, r3 := ranges[0], ranges[1], ranges[2]
	assert.Equal(t, now-domain.OneMinuteMillis, r1.End)
	for _, r := range ranges {
		assert.Equal(t, dayMs, r.End-r.Start)
	}
	assert.Equal(t, r1.Start+dayMs/5, r2.End)
	assert.Equal(t, r2.Start+dayMs/5, r3.End)

	assert.InDelta(t, 20.0, OverlapRatio(r2.Start, r2.End, r1.Start, r1.End), 0.001)
	assert.InDelta(t, 20.0, OverlapRatio(r3.Start, r3.End, r2.Start, r2.End), 0.001)
	// Non-adjacent windows do not overlap at all.
	assert.Equal(t, 0.0, OverlapRatio(r3.Start, r3.End, r1.Start, r1.End))
}

func TestComputeTimeRangeClampsToNow(t *testing.T) {
	now := int64(1_744_023_500_000)
	// A previous range starting in the near past would push the next end
	// beyond now; the end clamps to now - 1 minute.
	previous := []timeRange{{Start: now - dayMs/10, End: now - domain.OneMinuteMillis}}

	start, end := computeTimeRange(previous, dayMs, 20, now, nopWarn)
	assert.Equal(t, now-domain.OneMinuteMillis, end)
	assert.Equal(t, end-dayMs, start)
}

func TestOverlapRatio(t *testing.T) {
	assert.Equal(t, 100.0, OverlapRatio(0, 100, 0, 100))
	assert.Equal(t, 50.0, OverlapRatio(0, 100, 50, 150))
	assert.Equal(t, 0.0, OverlapRatio(0, 100, 100, 200))
	assert.Equal(t, 0.0, OverlapRatio(0, 0, 0, 100))
}

func TestParameterKey(t *testing.T) {
	request := domain.NewStartBacktestRequest("BTCUSDT", 1)
	request.StrategyName = "carga_descarga"
	request.Timeframes = []string{"1h", "1m", "15m"}
	assert.Equal(t, "carga_descarga_rsi_default_tf_15m,1h,1m", parameterKey(request))

	request.RSILimits = []int{85, 15, 50}
	assert.Equal(t, "carga_descarga_rsi_[15 50 85]_tf_15m,1h,1m", parameterKey(request))

	// The key depends only on strategy, limits and timeframes.
	other := request
	other.StartTime = 999
	assert.Equal(t, parameterKey(request), parameterKey(other))
}

func TestResetDailyMemoryPreservesConfig(t *testing.T) {
	scheduler, err := NewSchedulerAgent(schedulerConfig(), &OrchestratorAgent{}, "run-1").Initialize()
	require.NoError(t, err)

	day := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	scheduler.SetClock(func() time.Time { return day })

	scheduler.StoreMemory("cycle_1", "stale")
	scheduler.storeRange("key", timeRange{Start: 1, End: 2, RunID: "r"})

	scheduler.ResetDailyMemory()

	_, hasStale := scheduler.GetMemory("cycle_1")
	assert.False(t, hasStale)
	cfg, hasConfig := scheduler.GetMemory("config")
	assert.True(t, hasConfig)
	assert.NotNil(t, cfg)
	assert.Empty(t, scheduler.ParameterRanges(0, "key"))
	assert.Equal(t, "2025-07-01", scheduler.lastResetDay)
}

func TestShouldResetDaily(t *testing.T) {
	scheduler, err := NewSchedulerAgent(schedulerConfig(), &OrchestratorAgent{}, "run-1").Initialize()
	require.NoError(t, err)

	day1 := time.Date(2025, 7, 1, 23, 0, 0, 0, time.UTC)
	scheduler.SetClock(func() time.Time { return day1 })
	assert.True(t, scheduler.shouldResetDaily())

	scheduler.ResetDailyMemory()
	assert.False(t, scheduler.shouldResetDaily())

	day2 := day1.Add(2 * time.Hour) // crosses UTC midnight
	scheduler.SetClock(func() time.Time { return day2 })
	assert.True(t, scheduler.shouldResetDaily())
}

func TestSchedulerRejectsBadInterval(t *testing.T) {
	cfg := schedulerConfig()
	cfg.ScheduleIntervalSeconds = 30
	_, err := NewSchedulerAgent(cfg, &OrchestratorAgent{}, "run-1").Initialize()
	assert.Error(t, err)
}

func TestResetToFirstPeriodClearsState(t *testing.T) {
	scheduler, err := NewSchedulerAgent(schedulerConfig(), &OrchestratorAgent{}, "run-1").Initialize()
	require.NoError(t, err)

	scheduler.currentPeriodIndex = 2
	scheduler.backtestCountInPeriod = 4
	scheduler.passedBacktestsInPeriod = 3
	scheduler.storeRange("key", timeRange{Start: 1, End: 2})

	scheduler.resetToFirstPeriod()

	assert.Equal(t, 0, scheduler.CurrentPeriodIndex())
	assert.Equal(t, 0, scheduler.backtestCountInPeriod)
	assert.Equal(t, 0, scheduler.passedBacktestsInPeriod)
	assert.Empty(t, scheduler.periodParameterRanges)
}

func TestSchedulerUnknownMessage(t *testing.T) {
	scheduler, err := NewSchedulerAgent(schedulerConfig(), &OrchestratorAgent{}, "run-1").Initialize()
	require.NoError(t, err)

	reply := scheduler.HandleMessage(domain.NewAgentMessage("tester", "scheduler", "flow-1", 3.14))
	errResp, ok := reply.Payload.(domain.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, domain.ErrUnknownMessageType, errResp.ErrorCode)
}
