// Package strategy defines the capability contract trading strategies
// implement, the factory registry that builds them by name, and the small
// shared pieces (operations status, cycle dispatch) strategies rely on.
package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

// MarketData is the market-data surface a strategy consumes.
type MarketData interface {
	GetCandles(symbol, timeframe string, limit int) ([]domain.Candle, error)
	GetSymbolInfo(symbol string) (*domain.SymbolInfo, error)
	AddCompleteCandleListener(symbol, timeframe string, fn func(domain.Candle)) (int, error)
}

// Exchange is the trading surface a strategy consumes.
type Exchange interface {
	GetBalance() decimal.Decimal
	GetPosition(symbol string, side domain.PositionSide) *domain.Position
	GetOrders(symbol string) []*domain.Order
	GetTrades(symbol string) []domain.Trade
	NewOrder(symbol string, positionSide domain.PositionSide, side domain.OrderSide,
		orderType domain.OrderType, quantity, price decimal.Decimal) (*domain.Order, error)
	ModifyOrder(order *domain.Order) (*domain.Order, error)
	CancelOrder(orderID string) bool
	AddTradeListener(fn func(domain.Trade))
}

// Strategy is the capability set the backtest engine requires. Strategies
// subscribe themselves to candles and trades at construction time.
type Strategy interface {
	Name() string
	Symbol() string
	OnCandle(candle domain.Candle)
	OnTrade(trade domain.Trade)
}

// Params carries everything a factory needs to build a strategy instance.
type Params struct {
	Symbol          string
	StrategyName    string
	Exchange        Exchange
	MarketData      MarketData
	CycleDispatcher *CycleDispatcher
	Timeframes      []string
	RSILimits       []int
}

// Factory builds a strategy from params.
type Factory func(p Params) (Strategy, error)
