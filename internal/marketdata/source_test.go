package marketdata

import (
	"context"
	"testing"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

func TestCandleFromKline(t *testing.T) {
	kline := &futures.Kline{
		OpenTime: 1_744_023_500_000,
		Open:     "50000.5",
		High:     "50100.25",
		Low:      "49900",
		Close:    "50050.125",
		Volume:   "12.5",
	}

	c, err := candleFromKline("BTCUSDT", "1m", kline)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", c.Symbol)
	assert.Equal(t, "1m", c.Timeframe)
	assert.Equal(t, domain.Millis(1_744_023_500_000), c.Timestamp)
	assert.True(t, c.Open.Equal(decimal.RequireFromString("50000.5")))
	assert.True(t, c.Close.Equal(decimal.RequireFromString("50050.125")))
}

func TestCandleFromKlineBadNumber(t *testing.T) {
	kline := &futures.Kline{OpenTime: 1, Open: "not-a-number"}
	_, err := candleFromKline("BTCUSDT", "1m", kline)
	assert.Error(t, err)
}

func TestGetCandlesRejectsOversizedLimit(t *testing.T) {
	source := NewBinanceSource()
	_, err := source.GetCandles(context.Background(), "BTCUSDT", "1m", MaxKlinesPerFetch+1, 0, 0)
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidRequest, domain.CodeOf(err))
}
