package cargadescarga

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ToniJM/trading-assistant/internal/domain"
	"github.com/ToniJM/trading-assistant/internal/strategy"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func zerologNop() zerolog.Logger { return zerolog.Nop() }

// fakeExchange records strategy actions without executing anything.
type fakeExchange struct {
	balance   decimal.Decimal
	positions map[domain.PositionSide]*domain.Position
	orders    []*domain.Order
	trades    []domain.Trade
	canceled  []string
	listeners []func(domain.Trade)
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		balance: dec("10000"),
		positions: map[domain.PositionSide]*domain.Position{
			domain.PositionLong:  domain.NewFlatPosition("btcusdt", domain.PositionLong),
			domain.PositionShort: domain.NewFlatPosition("btcusdt", domain.PositionShort),
		},
	}
}

func (f *fakeExchange) GetBalance() decimal.Decimal { return f.balance }

func (f *fakeExchange) GetPosition(symbol string, side domain.PositionSide) *domain.Position {
	return f.positions[side]
}

func (f *fakeExchange) GetOrders(symbol string) []*domain.Order { return f.orders }

func (f *fakeExchange) GetTrades(symbol string) []domain.Trade { return f.trades }

func (f *fakeExchange) NewOrder(symbol string, positionSide domain.PositionSide, side domain.OrderSide,
	orderType domain.OrderType, quantity, price decimal.Decimal) (*domain.Order, error) {
	order := &domain.Order{
		OrderID:      "order-" + string(positionSide) + "-" + string(side),
		Symbol:       symbol,
		PositionSide: positionSide,
		Side:         side,
		Type:         orderType,
		Quantity:     quantity,
		Price:        price,
		Status:       domain.OrderNew,
	}
	f.orders = append(f.orders, order)
	return order, nil
}

func (f *fakeExchange) ModifyOrder(order *domain.Order) (*domain.Order, error) {
	return order, nil
}

func (f *fakeExchange) CancelOrder(orderID string) bool {
	f.canceled = append(f.canceled, orderID)
	for i, o := range f.orders {
		if o.OrderID == orderID {
			f.orders = append(f.orders[:i], f.orders[i+1:]...)
			break
		}
	}
	return true
}

func (f *fakeExchange) AddTradeListener(fn func(domain.Trade)) {
	f.listeners = append(f.listeners, fn)
}

// fakeMarketData serves a constant candle series.
type fakeMarketData struct {
	candles     []domain.Candle
	subscribers int
}

func (f *fakeMarketData) GetCandles(symbol, timeframe string, limit int) ([]domain.Candle, error) {
	if len(f.candles) > limit {
		return f.candles[len(f.candles)-limit:], nil
	}
	return f.candles, nil
}

func (f *fakeMarketData) GetSymbolInfo(symbol string) (*domain.SymbolInfo, error) {
	return &domain.SymbolInfo{
		Symbol:      "BTCUSDT",
		MinQty:      dec("0.001"),
		MinStep:     dec("0.001"),
		TickSize:    dec("0.10"),
		MinNotional: dec("100"),
	}, nil
}

func (f *fakeMarketData) AddCompleteCandleListener(symbol, timeframe string, fn func(domain.Candle)) (int, error) {
	f.subscribers++
	return f.subscribers, nil
}

func newTestStrategy(t *testing.T) (*Strategy, *fakeExchange, *fakeMarketData) {
	t.Helper()
	ex := newFakeExchange()
	md := &fakeMarketData{}

	s, err := New(strategy.Params{
		Symbol:     "BTCUSDT",
		Exchange:   ex,
		MarketData: md,
	})
	require.NoError(t, err)
	return s.(*Strategy), ex, md
}

func TestNewDefaults(t *testing.T) {
	s, _, md := newTestStrategy(t)
	assert.Equal(t, "carga_descarga", s.Name())
	assert.Equal(t, "BTCUSDT", s.Symbol())
	assert.Equal(t, []string{"1m", "15m", "1h"}, s.timeframes)
	assert.Equal(t, []int{15, 50, 85}, s.rsiLimits)
	assert.Equal(t, 3, s.loadsPerTF)
	assert.Equal(t, 1, md.subscribers)
}

func TestNewValidatesParameters(t *testing.T) {
	ex := newFakeExchange()
	md := &fakeMarketData{}

	_, err := New(strategy.Params{
		Symbol: "BTCUSDT", Exchange: ex, MarketData: md,
		Timeframes: []string{"1m"},
	})
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidTimeframes, domain.CodeOf(err))

	_, err = New(strategy.Params{
		Symbol: "BTCUSDT", Exchange: ex, MarketData: md,
		RSILimits: []int{85, 50, 15},
	})
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidRSILimits, domain.CodeOf(err))
}

func TestLoadsPerTimeframe(t *testing.T) {
	ex := newFakeExchange()
	md := &fakeMarketData{}

	s, err := New(strategy.Params{
		Symbol: "BTCUSDT", Exchange: ex, MarketData: md,
		Timeframes: []string{"1m", "15m", "1h", "4h"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, s.(*Strategy).loadsPerTF)

	s2, err := New(strategy.Params{
		Symbol: "BTCUSDT", Exchange: ex, MarketData: md,
		Timeframes: []string{"1m", "15m"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, s2.(*Strategy).loadsPerTF)
}

func TestCountDecimals(t *testing.T) {
	tests := []struct {
		ref  string
		want int32
	}{
		{"0.001", 3},
		{"0.1", 1},
		{"1", 0},
		{"0.00000001", 8},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, countDecimals(dec(tt.ref)), "ref %s", tt.ref)
	}
}

func TestPossiblePricesSynthesizedLadder(t *testing.T) {
	// No candles means no fractals, so both sides synthesize four +/-2%
	// steps from the current price.
	s, _, _ := newTestStrategy(t)

	ladder := s.possiblePrices(dec("100"))
	require.Len(t, ladder.Up, 4)
	require.Len(t, ladder.Down, 4)

	assert.True(t, ladder.Up[0].Equal(dec("102")))
	assert.True(t, ladder.Up[1].Equal(dec("104.04")))
	assert.True(t, ladder.Down[0].Equal(dec("98")))
	assert.True(t, ladder.Down[1].Equal(dec("96.04")))

	for i := 1; i < 4; i++ {
		assert.True(t, ladder.Up[i].GreaterThan(ladder.Up[i-1]))
		assert.True(t, ladder.Down[i].LessThan(ladder.Down[i-1]))
	}
}

func TestOnTradeMarksOperationAndCancelsOpposite(t *testing.T) {
	s, ex, _ := newTestStrategy(t)

	// One resting order per side.
	_, err := ex.NewOrder("BTCUSDT", domain.PositionLong, domain.SideBuy, domain.OrderLimit, dec("0.1"), dec("90"))
	require.NoError(t, err)
	_, err = ex.NewOrder("BTCUSDT", domain.PositionShort, domain.SideSell, domain.OrderLimit, dec("0.1"), dec("110"))
	require.NoError(t, err)

	s.OnTrade(domain.Trade{
		Symbol:       "BTCUSDT",
		PositionSide: domain.PositionLong,
		Side:         domain.SideBuy,
		Quantity:     dec("0.1"),
		Price:        dec("100"),
		Timestamp:    1,
	})

	assert.True(t, s.operations.Get(domain.PositionLong, domain.SideBuy))
	// The short-side order is gone, the long-side one remains.
	require.Len(t, ex.canceled, 1)
	assert.Equal(t, "order-short-sell", ex.canceled[0])
	require.Len(t, ex.orders, 1)
	assert.Equal(t, domain.PositionLong, ex.orders[0].PositionSide)
}

func TestCycleTracking(t *testing.T) {
	ex := newFakeExchange()
	md := &fakeMarketData{}
	dispatcher := strategy.NewCycleDispatcher(zerologNop())

	var cycles []domain.Cycle
	dispatcher.AddCycleListener("BTCUSDT", func(c domain.Cycle) { cycles = append(cycles, c) })

	s, err := New(strategy.Params{
		Symbol:          "BTCUSDT",
		Exchange:        ex,
		MarketData:      md,
		CycleDispatcher: dispatcher,
	})
	require.NoError(t, err)
	strat := s.(*Strategy)

	// Both positions flat: the first trade event opens a cycle.
	openTrade := domain.Trade{
		Symbol: "BTCUSDT", PositionSide: domain.PositionLong, Side: domain.SideBuy,
		Quantity: dec("0.1"), Price: dec("100"), Timestamp: 1_000,
	}
	strat.OnTrade(openTrade)
	assert.True(t, strat.inCycle)
	assert.Empty(t, cycles)

	// Position opens; trades accumulate inside the cycle.
	ex.positions[domain.PositionLong].Amount = dec("0.1")
	ex.trades = append(ex.trades, openTrade)
	strat.OnTrade(domain.Trade{
		Symbol: "BTCUSDT", PositionSide: domain.PositionLong, Side: domain.SideBuy,
		Quantity: dec("0.1"), Price: dec("100"), Timestamp: 2_000,
	})
	assert.Equal(t, 1, strat.cycleLongTrades)

	// Both positions return to flat: the cycle completes with the summed
	// realized P&L of the in-window trades.
	ex.positions[domain.PositionLong].Amount = decimal.Zero
	closeTrade := domain.Trade{
		Symbol: "BTCUSDT", PositionSide: domain.PositionLong, Side: domain.SideSell,
		Quantity: dec("0.1"), Price: dec("110"), Timestamp: 3_000,
		RealizedPnL: dec("10"), ClosesCompletely: true,
	}
	ex.trades = append(ex.trades, closeTrade)
	strat.OnTrade(closeTrade)

	require.Len(t, cycles, 1)
	assert.True(t, cycles[0].TotalPnL.Equal(dec("10")))
	assert.Equal(t, domain.Millis(1_000), cycles[0].StartTimestamp)
	assert.Equal(t, domain.Millis(3_000), cycles[0].EndTimestamp)
	assert.False(t, strat.inCycle)
}
