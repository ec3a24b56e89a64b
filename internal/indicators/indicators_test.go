package indicators

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

func candleOHLC(ts domain.Millis, open, high, low, close float64) domain.Candle {
	return domain.Candle{
		Symbol:    "BTCUSDT",
		Timeframe: "1m",
		Timestamp: ts,
		Open:      decimal.NewFromFloat(open),
		High:      decimal.NewFromFloat(high),
		Low:       decimal.NewFromFloat(low),
		Close:     decimal.NewFromFloat(close),
	}
}

func TestStochRSIInsufficientData(t *testing.T) {
	candles := make([]domain.Candle, 10)
	for i := range candles {
		candles[i] = candleOHLC(domain.Millis(i), 100, 101, 99, 100)
	}
	_, err := StochRSI(candles, 14, 14, 3, 3)
	assert.Error(t, err)
}

func TestStochRSIMonotoneRally(t *testing.T) {
	// A steady rally keeps the RSI pinned high, so the stochastic of the
	// RSI should sit at the top of its range.
	var candles []domain.Candle
	price := 100.0
	for i := 0; i < 100; i++ {
		price *= 1.002
		candles = append(candles, candleOHLC(domain.Millis(i)*60_000, price, price*1.001, price*0.999, price))
	}

	v, err := StochRSI(candles, 14, 14, 3, 3)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, 0.0)
	assert.LessOrEqual(t, v, 100.0)
	assert.Greater(t, v, 50.0)
}

func TestStochRSIRange(t *testing.T) {
	// Oscillating closes must stay inside [0, 100].
	var candles []domain.Candle
	for i := 0; i < 100; i++ {
		price := 100 + 5*math.Sin(float64(i)/3)
		candles = append(candles, candleOHLC(domain.Millis(i)*60_000, price, price+1, price-1, price))
	}
	v, err := StochRSI(candles, 14, 14, 3, 3)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, 0.0)
	assert.LessOrEqual(t, v, 100.0)
}

func TestFractalsDetection(t *testing.T) {
	// A single spike at index 4 and a single dip at index 9, both with two
	// lower/higher neighbors on each side.
	highs := []float64{101, 101, 102, 103, 110, 103, 102, 101, 101, 100, 101, 101, 102}
	lows := []float64{99, 99, 98, 97, 96, 97, 98, 99, 99, 90, 99, 99, 98}

	var candles []domain.Candle
	for i := range highs {
		candles = append(candles, candleOHLC(domain.Millis(i), 100, highs[i], lows[i], 100))
	}

	fractals := Fractals(candles, 2, 2)

	var bears, bulls int
	for _, f := range fractals {
		if f.Bear != nil {
			bears++
			assert.True(t, f.Bear.Equal(decimal.NewFromFloat(110)))
			assert.Equal(t, domain.Millis(4), f.Timestamp)
		}
		if f.Bull != nil {
			bulls++
			assert.True(t, f.Bull.Equal(decimal.NewFromFloat(90)))
			assert.Equal(t, domain.Millis(9), f.Timestamp)
		}
	}
	assert.Equal(t, 1, bears)
	assert.Equal(t, 1, bulls)
}

func TestFractalsFlatSeries(t *testing.T) {
	var candles []domain.Candle
	for i := 0; i < 20; i++ {
		candles = append(candles, candleOHLC(domain.Millis(i), 100, 101, 99, 100))
	}
	assert.Empty(t, Fractals(candles, 2, 2))
}

func TestFractalsShortSeries(t *testing.T) {
	candles := []domain.Candle{candleOHLC(0, 100, 101, 99, 100)}
	assert.Empty(t, Fractals(candles, 2, 2))
}
