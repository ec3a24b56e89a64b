// Package exchange models a leveraged perpetual-futures exchange for
// backtests: two independent positions per symbol, maker/taker fees, a
// process-wide notional cap, limit-order matching against candles, realized
// P&L accounting and liquidation.
package exchange

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ToniJM/trading-assistant/internal/domain"
	"github.com/ToniJM/trading-assistant/internal/logging"
)

// MarketData is the slice of the simulator the exchange consumes: recent
// candles for pricing and a candle subscription for order matching.
type MarketData interface {
	GetCandles(symbol, timeframe string, limit int) ([]domain.Candle, error)
	AddCompleteCandleListener(symbol, timeframe string, fn func(domain.Candle)) (int, error)
	RemoveCompleteCandleListener(symbol, timeframe string, id int)
}

var two = decimal.NewFromInt(2)

// Exchange is the simulated exchange. It is owned exclusively by one backtest
// and is not safe for concurrent use; the backtest loop is single-threaded.
type Exchange struct {
	marketData MarketData
	account    *accountBook
	orders     *orderBook
	trades     *tradeLog
	events     *eventDispatcher
	logger     zerolog.Logger

	makerFee      decimal.Decimal
	takerFee      decimal.Decimal
	maxNotional   decimal.Decimal
	baseTimeframe string

	// Reference-counted candle subscription per symbol: subscribe while at
	// least one resting limit order exists, release on the 1 -> 0 transition.
	restingCount map[string]int
	listenerIDs  map[string]int
}

// New creates an exchange over the given market data.
func New(marketData MarketData) *Exchange {
	logger := logging.Component("exchange")
	return &Exchange{
		marketData:    marketData,
		account:       newAccountBook(),
		orders:        newOrderBook(),
		trades:        newTradeLog(),
		events:        newEventDispatcher(logger),
		logger:        logger,
		baseTimeframe: "1m",
		restingCount:  make(map[string]int),
		listenerIDs:   make(map[string]int),
	}
}

// SetFees sets the maker and taker fee rates.
func (e *Exchange) SetFees(maker, taker decimal.Decimal) {
	e.makerFee = maker
	e.takerFee = taker
}

// SetBalance sets the account balance.
func (e *Exchange) SetBalance(balance decimal.Decimal) {
	e.account.setBalance(balance)
}

// GetBalance returns the current account balance.
func (e *Exchange) GetBalance() decimal.Decimal {
	return e.account.getBalance()
}

// SetLeverage sets the leverage for a symbol.
func (e *Exchange) SetLeverage(symbol string, leverage decimal.Decimal) {
	e.account.setLeverage(symbol, leverage)
}

// GetLeverage returns the leverage for a symbol.
func (e *Exchange) GetLeverage(symbol string) (decimal.Decimal, error) {
	return e.account.getLeverage(symbol)
}

// SetMaxNotional sets the process-wide notional cap.
func (e *Exchange) SetMaxNotional(notional decimal.Decimal) {
	e.maxNotional = notional
}

// SetBaseTimeframe sets the timeframe used for pricing and order matching.
func (e *Exchange) SetBaseTimeframe(timeframe string) {
	e.baseTimeframe = timeframe
}

// GetPosition returns the live position for a symbol side.
func (e *Exchange) GetPosition(symbol string, side domain.PositionSide) *domain.Position {
	return e.account.getPosition(symbol, side)
}

// GetOrders returns the resting orders for a symbol.
func (e *Exchange) GetOrders(symbol string) []*domain.Order {
	return e.orders.symbolOrders(symbol)
}

// GetTrades returns all executed trades for a symbol, in fill order.
func (e *Exchange) GetTrades(symbol string) []domain.Trade {
	return e.trades.symbolTrades(symbol)
}

// AddOrderListener registers an order event listener.
func (e *Exchange) AddOrderListener(fn OrderListener) { e.events.addOrderListener(fn) }

// AddTradeListener registers a trade event listener.
func (e *Exchange) AddTradeListener(fn TradeListener) { e.events.addTradeListener(fn) }

// AddPositionListener registers a position event listener.
func (e *Exchange) AddPositionListener(fn PositionListener) { e.events.addPositionListener(fn) }

// RealBalance is the balance plus unrealized P&L of both positions marked at
// the candle close. The runner uses it for drawdown accounting.
func (e *Exchange) RealBalance(symbol string, candle domain.Candle) decimal.Decimal {
	long := e.account.getPosition(symbol, domain.PositionLong)
	short := e.account.getPosition(symbol, domain.PositionShort)

	unrealized := decimal.Zero
	if long.Amount.Sign() > 0 {
		unrealized = unrealized.Add(long.Amount.Mul(candle.Close.Sub(long.EntryPrice)))
	}
	if short.Amount.Sign() < 0 {
		unrealized = unrealized.Add(short.Amount.Abs().Mul(short.EntryPrice.Sub(candle.Close)))
	}
	return e.account.getBalance().Add(unrealized)
}

// NewOrder places an order. Market orders must carry a zero price and execute
// immediately at the latest base-timeframe close; limit orders rest until a
// candle touches their price. Opening orders are validated against balance
// (through leverage) and the notional cap.
func (e *Exchange) NewOrder(symbol string, positionSide domain.PositionSide, side domain.OrderSide,
	orderType domain.OrderType, quantity, price decimal.Decimal) (*domain.Order, error) {

	if orderType == domain.OrderMarket && !price.IsZero() {
		return nil, domain.NewError(domain.ErrInvalidRequest, "market orders must not specify a price")
	}
	if orderType == domain.OrderLimit && price.Sign() <= 0 {
		return nil, domain.NewError(domain.ErrInvalidRequest, "limit orders must specify a positive price")
	}
	if quantity.Sign() <= 0 {
		return nil, domain.NewError(domain.ErrInvalidRequest, "quantity must be positive")
	}

	candle, err := e.lastBaseCandle(symbol)
	if err != nil {
		return nil, err
	}

	if isOpening(positionSide, side) {
		if err := e.validateOpening(symbol, quantity, candle.Close); err != nil {
			return nil, err
		}
	}

	order := e.orders.newOrder(symbol, positionSide, side, orderType, quantity, price)

	if orderType == domain.OrderMarket {
		order.Price = candle.Close
		e.completeOrder(order, *candle)
		return order, nil
	}

	e.acquireCandleSubscription(symbol)
	e.events.dispatchOrder(*order)
	return order, nil
}

// ModifyOrder re-validates and applies a caller-mutated order. A market
// modification executes immediately and deletes the original order after
// execution (no separate update event before the deletion). Returns nil when
// the order no longer exists.
func (e *Exchange) ModifyOrder(order *domain.Order) (*domain.Order, error) {
	if isOpening(order.PositionSide, order.Side) {
		candle, err := e.lastBaseCandle(order.Symbol)
		if err != nil {
			return nil, nil
		}
		if err := e.validateOpening(order.Symbol, order.Quantity, candle.Close); err != nil {
			return nil, err
		}
	}

	if order.Type == domain.OrderMarket {
		candle, err := e.lastBaseCandle(order.Symbol)
		if err == nil {
			order.Price = candle.Close
			e.completeOrder(order, *candle)
		}
		e.deleteResting(order)
		return nil, nil
	}

	modified := e.orders.modifyOrder(order)
	if modified == nil {
		return nil, nil
	}
	e.events.dispatchOrder(*modified)
	return modified, nil
}

// CancelOrder removes a resting order and emits its canceled event. When the
// last resting order of a symbol goes away the candle subscription is
// released.
func (e *Exchange) CancelOrder(orderID string) bool {
	order := e.orders.getOrder(orderID)
	if order == nil {
		return false
	}

	deleted := e.deleteResting(order)
	order.Status = domain.OrderCanceled
	e.events.dispatchOrder(*order)
	return deleted
}

// lastBaseCandle returns the most recent base-timeframe candle for pricing.
func (e *Exchange) lastBaseCandle(symbol string) (*domain.Candle, error) {
	candles, err := e.marketData.GetCandles(symbol, e.baseTimeframe, 10)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, domain.NewErrorf(domain.ErrNoCandlesAvailable, "no candles available for %s", symbol)
	}
	return &candles[len(candles)-1], nil
}

func isOpening(positionSide domain.PositionSide, side domain.OrderSide) bool {
	return (positionSide == domain.PositionLong && side == domain.SideBuy) ||
		(positionSide == domain.PositionShort && side == domain.SideSell)
}

// validateOpening enforces the balance and notional limits for orders that
// grow a position.
func (e *Exchange) validateOpening(symbol string, quantity, closePrice decimal.Decimal) error {
	long := e.account.getPosition(symbol, domain.PositionLong)
	short := e.account.getPosition(symbol, domain.PositionShort)

	positionsAmount := long.Amount.Abs().Add(short.Amount.Abs())
	positionsNotional := positionsAmount.Mul(closePrice)
	orderNotional := quantity.Abs().Mul(closePrice)

	leverage, err := e.account.getLeverage(symbol)
	if err != nil {
		return err
	}
	if orderNotional.Div(leverage).GreaterThan(e.account.getBalance()) {
		return domain.NewError(domain.ErrInsufficientBalance, "insufficient balance")
	}
	if positionsNotional.Add(orderNotional).GreaterThan(e.maxNotional) {
		return domain.NewError(domain.ErrMaxNotionalExceeded, "max notional exceeded")
	}
	return nil
}

// acquireCandleSubscription increments the resting-order gate, subscribing
// the matcher on the 0 -> 1 transition.
func (e *Exchange) acquireCandleSubscription(symbol string) {
	e.restingCount[symbol]++
	if e.restingCount[symbol] == 1 {
		id, err := e.marketData.AddCompleteCandleListener(symbol, e.baseTimeframe, e.onCandleUpdate)
		if err != nil {
			e.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to subscribe order matcher")
			return
		}
		e.listenerIDs[symbol] = id
	}
}

// releaseCandleSubscription decrements the gate, unsubscribing on 1 -> 0.
func (e *Exchange) releaseCandleSubscription(symbol string) {
	if e.restingCount[symbol] == 0 {
		return
	}
	e.restingCount[symbol]--
	if e.restingCount[symbol] == 0 {
		e.marketData.RemoveCompleteCandleListener(symbol, e.baseTimeframe, e.listenerIDs[symbol])
		delete(e.listenerIDs, symbol)
	}
}

// deleteResting removes an order from the book, releasing the candle
// subscription for resting limit orders.
func (e *Exchange) deleteResting(order *domain.Order) bool {
	deleted := e.orders.deleteOrder(order.OrderID)
	if deleted && order.Type == domain.OrderLimit {
		e.releaseCandleSubscription(order.Symbol)
	}
	return deleted
}

// onCandleUpdate checks liquidation, then matches every resting order of the
// symbol against the candle.
func (e *Exchange) onCandleUpdate(candle domain.Candle) {
	e.checkLiquidation(candle)

	// Copy: completeOrder mutates the book while we iterate.
	resting := e.orders.symbolOrders(candle.Symbol)
	orders := make([]*domain.Order, len(resting))
	copy(orders, resting)

	for _, order := range orders {
		if e.orderFills(order, candle) {
			e.completeOrder(order, candle)
		}
	}
}

// orderFills applies the matching rules: a buy fills when its price is at or
// above the close or the low; a sell fills when its price is at or below the
// close or the high. The rules are symmetric across position sides.
func (e *Exchange) orderFills(order *domain.Order, candle domain.Candle) bool {
	switch order.Side {
	case domain.SideBuy:
		return order.Price.GreaterThanOrEqual(candle.Close) || order.Price.GreaterThanOrEqual(candle.Low)
	case domain.SideSell:
		return order.Price.LessThanOrEqual(candle.Close) || order.Price.LessThanOrEqual(candle.High)
	}
	return false
}

// checkLiquidation computes worst-case unrealized P&L (low for longs, high
// for shorts); when balance plus unrealized drops to zero or below, the
// balance is zeroed and both positions reset to flat.
func (e *Exchange) checkLiquidation(candle domain.Candle) {
	long := e.account.getPosition(candle.Symbol, domain.PositionLong)
	short := e.account.getPosition(candle.Symbol, domain.PositionShort)

	unrealized := decimal.Zero
	if long.Amount.Sign() > 0 {
		unrealized = unrealized.Add(long.Amount.Mul(candle.Low.Sub(long.EntryPrice)))
	}
	if short.Amount.Sign() < 0 {
		unrealized = unrealized.Add(short.Amount.Abs().Mul(short.EntryPrice.Sub(candle.High)))
	}

	realBalance := e.account.getBalance().Add(unrealized)
	if realBalance.Sign() > 0 {
		return
	}

	e.logger.Warn().
		Str("symbol", candle.Symbol).
		Str("real_balance", realBalance.String()).
		Msg("Liquidation triggered")

	e.account.setBalance(decimal.Zero)
	flatLong := domain.NewFlatPosition(candle.Symbol, domain.PositionLong)
	flatShort := domain.NewFlatPosition(candle.Symbol, domain.PositionShort)
	e.account.setPosition(flatLong)
	e.account.setPosition(flatShort)
	e.events.dispatchPosition(*flatLong)
	e.events.dispatchPosition(*flatShort)
}

// completeOrder fills an order at its price: realizes P&L into the balance,
// records the trade, updates the position and emits order, trade and position
// events in that order.
func (e *Exchange) completeOrder(order *domain.Order, candle domain.Candle) {
	fee := e.takerFee
	if order.Type == domain.OrderLimit {
		fee = e.makerFee
	}

	tradeQuantity := order.Quantity
	if order.Side == domain.SideSell {
		tradeQuantity = tradeQuantity.Neg()
	}
	tradeSize := tradeQuantity.Mul(order.Price)

	position := e.account.getPosition(order.Symbol, order.PositionSide)
	value := order.Quantity.Mul(order.Price.Sub(position.EntryPrice))
	commission := order.Quantity.Mul(order.Price).Mul(fee).Abs()

	realizedPnL := decimal.Zero
	switch {
	case order.PositionSide == domain.PositionLong && order.Side == domain.SideSell:
		realizedPnL = value.Sub(commission)
		e.account.updateBalance(value.Sub(commission))
	case order.PositionSide == domain.PositionShort && order.Side == domain.SideBuy:
		realizedPnL = value.Neg().Sub(commission)
		e.account.updateBalance(value.Neg().Sub(commission))
	default:
		e.account.updateBalance(commission.Neg())
	}

	newAmount := position.Amount.Add(tradeQuantity)
	trade := domain.Trade{
		OrderID:          order.OrderID,
		Timestamp:        candle.Timestamp,
		Symbol:           order.Symbol,
		PositionSide:     order.PositionSide,
		Side:             order.Side,
		Price:            order.Price,
		Quantity:         order.Quantity,
		Commission:       commission,
		RealizedPnL:      realizedPnL,
		ClosesCompletely: newAmount.IsZero(),
	}

	order.Status = domain.OrderFilled
	e.deleteResting(order)
	e.events.dispatchOrder(*order)

	e.trades.add(trade)
	e.events.dispatchTrade(trade)

	if newAmount.IsZero() {
		position = domain.NewFlatPosition(trade.Symbol, trade.PositionSide)
	} else {
		tradeSizeAbs := tradeSize.Abs()
		oldAmountAbs := position.Amount.Abs()
		newAmountAbs := newAmount.Abs()
		if isOpening(order.PositionSide, order.Side) {
			position.BreakEven = position.BreakEven.Mul(oldAmountAbs).
				Add(tradeSizeAbs).
				Add(trade.Commission.Mul(two)).
				Div(newAmountAbs)
			position.EntryPrice = position.EntryPrice.Mul(oldAmountAbs).
				Add(tradeSizeAbs).
				Div(newAmountAbs)
		} else {
			position.BreakEven = position.BreakEven.Mul(oldAmountAbs).
				Add(tradeSizeAbs).
				Div(newAmountAbs)
		}
		position.AddTrade(trade)
		position.Amount = newAmount
	}

	e.account.setPosition(position)
	e.events.dispatchPosition(*position)

	e.logger.Debug().
		Str("symbol", trade.Symbol).
		Str("position_side", string(trade.PositionSide)).
		Str("side", string(trade.Side)).
		Str("price", trade.Price.String()).
		Str("quantity", trade.Quantity.String()).
		Str("realized_pnl", trade.RealizedPnL.String()).
		Bool("closes_completely", trade.ClosesCompletely).
		Msg("Order filled")
}
