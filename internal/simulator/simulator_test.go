package simulator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ToniJM/trading-assistant/internal/candles"
	"github.com/ToniJM/trading-assistant/internal/domain"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

const (
	t0     = domain.Millis(1_744_023_500_000)
	minute = domain.OneMinuteMillis
)

// fakeSource hands out scripted candles per timeframe and records fetches.
type fakeSource struct {
	candles map[string][]domain.Candle
	info    *domain.SymbolInfo
	fetches int
}

func (f *fakeSource) GetCandles(ctx context.Context, symbol, timeframe string, limit int, startTime, endTime domain.Millis) ([]domain.Candle, error) {
	f.fetches++
	var out []domain.Candle
	for _, c := range f.candles[timeframe] {
		if startTime > 0 && c.Timestamp < startTime {
			continue
		}
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) GetSymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	if f.info == nil {
		return nil, domain.NewError(domain.ErrInvalidRequest, "symbol not found")
	}
	return f.info, nil
}

func (f *fakeSource) Close() {}

func minuteCandle(ts domain.Millis, close string) domain.Candle {
	return domain.Candle{
		Symbol:    "BTCUSDT",
		Timeframe: "1m",
		Timestamp: ts,
		Open:      decimal.RequireFromString(close),
		High:      decimal.RequireFromString(close),
		Low:       decimal.RequireFromString(close),
		Close:     decimal.RequireFromString(close),
		Volume:    decimal.NewFromInt(1),
	}
}

func newTestSimulator(t *testing.T, source *fakeSource) (*Simulator, *candles.Store) {
	t.Helper()
	store, err := candles.Open(filepath.Join(t.TempDir(), "candles.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sim := New(context.Background(), store, source)
	// Pin "now" far past the replay window so no clamping interferes.
	sim.SetClock(func() domain.Millis { return t0 + 1000*minute })
	return sim, store
}

func TestDeterministicOneCandleReplay(t *testing.T) {
	source := &fakeSource{candles: map[string][]domain.Candle{
		"1m": {minuteCandle(t0+2*minute, "50100")},
	}}
	sim, store := newTestSimulator(t, source)

	require.NoError(t, store.AddCandles([]domain.Candle{
		minuteCandle(t0, "50000"),
		minuteCandle(t0+minute, "50050"),
	}))

	sim.SetTimes(t0, t0+2*minute, 0)
	require.NoError(t, sim.AddSymbol("BTCUSDT", []string{"1m", "15m"}))

	var dispatched []domain.Millis
	_, err := sim.AddCompleteCandleListener("BTCUSDT", "1m", func(c domain.Candle) {
		dispatched = append(dispatched, c.Timestamp)
	})
	require.NoError(t, err)

	require.NoError(t, sim.NextCandle())
	require.NoError(t, sim.NextCandle())
	assert.Equal(t, []domain.Millis{t0, t0 + minute}, dispatched)
	assert.False(t, sim.Ended("BTCUSDT"))

	// The third call runs off the stored candles, fetches the next one
	// from the source and crosses the end time.
	require.NoError(t, sim.NextCandle())
	assert.True(t, sim.Ended("BTCUSDT"))
}

func TestSetTimesClampsFutureEnd(t *testing.T) {
	source := &fakeSource{candles: map[string][]domain.Candle{}}
	sim, _ := newTestSimulator(t, source)

	now := t0 + 1000*minute
	sim.SetTimes(t0, now+minute, 0)
	assert.Equal(t, now-minute, sim.EndTime())

	// A zero end defaults the same way.
	sim.SetTimes(t0, 0, 0)
	assert.Equal(t, now-minute, sim.EndTime())
}

func TestAddSymbolValidatesTimeframeCount(t *testing.T) {
	source := &fakeSource{candles: map[string][]domain.Candle{}}
	sim, _ := newTestSimulator(t, source)
	sim.SetTimes(t0, t0+10*minute, 0)

	err := sim.AddSymbol("BTCUSDT", []string{"1m"})
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidTimeframes, domain.CodeOf(err))

	err = sim.AddSymbol("BTCUSDT", []string{"1m", "3m", "5m", "15m", "30m"})
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidTimeframes, domain.CodeOf(err))
}

func TestListenerRequiresConfiguredTimes(t *testing.T) {
	source := &fakeSource{candles: map[string][]domain.Candle{}}
	sim, _ := newTestSimulator(t, source)

	_, err := sim.AddCompleteCandleListener("BTCUSDT", "1m", func(domain.Candle) {})
	assert.Error(t, err)
}

func TestHigherTimeframeSubscriptionRewindsCursor(t *testing.T) {
	source := &fakeSource{candles: map[string][]domain.Candle{}}
	sim, _ := newTestSimulator(t, source)

	sim.SetTimes(t0, t0+100*minute, 10)
	require.NoError(t, sim.AddSymbol("BTCUSDT", []string{"1m", "15m"}))

	// First subscription for a new higher timeframe rewinds the cursor by
	// min_candles x timeframe.
	_, err := sim.AddCompleteCandleListener("BTCUSDT", "1h", func(domain.Candle) {})
	require.NoError(t, err)
	assert.Equal(t, t0-10*60*minute, sim.currentTime)
}

func TestMissingCandlesFatal(t *testing.T) {
	source := &fakeSource{candles: map[string][]domain.Candle{}}
	sim, _ := newTestSimulator(t, source)

	sim.SetTimes(t0, t0+2*minute, 0)
	require.NoError(t, sim.AddSymbol("BTCUSDT", []string{"1m", "15m"}))

	err := sim.NextCandle()
	require.Error(t, err)
	assert.Equal(t, domain.ErrNoCandlesAvailable, domain.CodeOf(err))
}

func TestHigherTimeframeCompletionDispatch(t *testing.T) {
	// 1m base plus a 3m series; the completed 3m candle behind the cursor
	// is emitted at most once per boundary.
	var oneMinute, threeMinute []domain.Candle
	for i := domain.Millis(0); i < 12; i++ {
		oneMinute = append(oneMinute, minuteCandle(t0+i*minute, "50000"))
	}
	for i := domain.Millis(0); i < 4; i++ {
		c := minuteCandle(t0+i*3*minute, "50000")
		c.Timeframe = "3m"
		threeMinute = append(threeMinute, c)
	}
	source := &fakeSource{candles: map[string][]domain.Candle{
		"1m": oneMinute,
		"3m": threeMinute,
	}}
	sim, store := newTestSimulator(t, source)
	require.NoError(t, store.AddCandles(oneMinute))
	require.NoError(t, store.AddCandles(threeMinute))

	sim.SetTimes(t0+6*minute, t0+12*minute, 0)
	require.NoError(t, sim.AddSymbol("BTCUSDT", []string{"1m", "3m"}))

	var threeMinuteDispatches []domain.Millis
	_, err := sim.AddCompleteCandleListener("BTCUSDT", "3m", func(c domain.Candle) {
		threeMinuteDispatches = append(threeMinuteDispatches, c.Timestamp)
	})
	require.NoError(t, err)

	for i := 0; i < 4 && !sim.Ended("BTCUSDT"); i++ {
		require.NoError(t, sim.NextCandle())
	}

	require.NotEmpty(t, threeMinuteDispatches)
	for i := 1; i < len(threeMinuteDispatches); i++ {
		assert.Greater(t, threeMinuteDispatches[i], threeMinuteDispatches[i-1],
			"each 3m boundary must be emitted at most once")
	}
}

func TestDispatcherIsolatesFailingListener(t *testing.T) {
	d := NewDispatcher(testLogger())

	var delivered int
	d.Add("BTCUSDT", "1m", func(domain.Candle) { panic("boom") })
	d.Add("BTCUSDT", "1m", func(domain.Candle) { delivered++ })

	d.Dispatch(minuteCandle(t0, "50000"))
	assert.Equal(t, 1, delivered)
}

func TestDispatcherRemove(t *testing.T) {
	d := NewDispatcher(testLogger())

	var delivered int
	id := d.Add("BTCUSDT", "1m", func(domain.Candle) { delivered++ })
	d.Dispatch(minuteCandle(t0, "50000"))
	d.Remove("BTCUSDT", "1m", id)
	d.Dispatch(minuteCandle(t0+minute, "50000"))
	assert.Equal(t, 1, delivered)
}
