// Package cargadescarga implements the reference load/unload strategy: it
// accumulates into positions on RSI extremes across several timeframes and
// unwinds them at fractal-derived price levels, sizing by halvings.
package cargadescarga

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ToniJM/trading-assistant/internal/domain"
	"github.com/ToniJM/trading-assistant/internal/indicators"
	"github.com/ToniJM/trading-assistant/internal/logging"
	"github.com/ToniJM/trading-assistant/internal/strategy"
)

const (
	indicatorLookback = 100
	fractalSpan       = 2
	maxLoadsTotal     = 9
)

var (
	two            = decimal.NewFromInt(2)
	upTwoPercent   = decimal.RequireFromString("1.02")
	downTwoPercent = decimal.RequireFromString("0.98")
)

func init() {
	strategy.Register("carga_descarga", New)
}

// Strategy is a CargaDescarga instance bound to one symbol.
type Strategy struct {
	symbol       string
	strategyName string
	timeframes   []string
	rsiLimits    []int
	loadsPerTF   int

	exchange        strategy.Exchange
	marketData      strategy.MarketData
	operations      *strategy.OperationsStatus
	cycleDispatcher *strategy.CycleDispatcher
	logger          zerolog.Logger

	rsiCache            map[string]float64
	fractalsCache       map[string][]indicators.Fractal
	lastCandleTimestamp domain.Millis

	symbolInfo    *domain.SymbolInfo
	qtyDecimals   int32
	priceDecimals int32
	decimalsReady bool

	// Cycle tracking.
	cycleStart         domain.Millis
	inCycle            bool
	cycleLongMaxLoads  int
	cycleShortMaxLoads int
	cycleLongTrades    int
	cycleShortTrades   int
}

// New builds a strategy and subscribes it to the base timeframe and to trade
// events.
func New(p strategy.Params) (strategy.Strategy, error) {
	timeframes := p.Timeframes
	if len(timeframes) == 0 {
		timeframes = []string{"1m", "15m", "1h"}
	}
	if err := domain.ValidateTimeframes(timeframes); err != nil {
		return nil, err
	}
	rsiLimits := p.RSILimits
	if rsiLimits == nil {
		rsiLimits = []int{15, 50, 85}
	}
	if err := domain.ValidateRSILimits(rsiLimits); err != nil {
		return nil, err
	}

	name := p.StrategyName
	if name == "" {
		name = "carga_descarga"
	}

	s := &Strategy{
		symbol:          p.Symbol,
		strategyName:    name,
		timeframes:      timeframes,
		rsiLimits:       rsiLimits,
		loadsPerTF:      maxLoadsTotal / len(timeframes),
		exchange:        p.Exchange,
		marketData:      p.MarketData,
		operations:      strategy.NewOperationsStatus(),
		cycleDispatcher: p.CycleDispatcher,
		logger:          logging.Component("carga_descarga").With().Str("symbol", p.Symbol).Logger(),
		rsiCache:        make(map[string]float64),
		fractalsCache:   make(map[string][]indicators.Fractal),
	}

	if _, err := p.MarketData.AddCompleteCandleListener(p.Symbol, timeframes[0], s.OnCandle); err != nil {
		return nil, err
	}
	p.Exchange.AddTradeListener(s.OnTrade)
	return s, nil
}

// Name returns the configured strategy name.
func (s *Strategy) Name() string { return s.strategyName }

// Symbol returns the trading symbol.
func (s *Strategy) Symbol() string { return s.symbol }

// OnTrade reacts to a fill: marks the operation as done for this swing,
// advances cycle tracking and cancels the resting orders of the opposite
// position side.
func (s *Strategy) OnTrade(trade domain.Trade) {
	s.logger.Info().
		Str("position_side", string(trade.PositionSide)).
		Str("side", string(trade.Side)).
		Str("quantity", trade.Quantity.String()).
		Str("price", trade.Price.String()).
		Msg("Trade")

	if !trade.RealizedPnL.IsZero() {
		closeType := "partial"
		if trade.ClosesCompletely {
			closeType = "complete"
		}
		s.logger.Info().
			Str("close_type", closeType).
			Str("realized_pnl", trade.RealizedPnL.String()).
			Msg("Position close")
	}

	s.operations.Set(trade.PositionSide, trade.Side, true)
	s.trackCycleState(trade)

	opposite := domain.PositionShort
	if trade.PositionSide == domain.PositionShort {
		opposite = domain.PositionLong
	}
	for _, order := range s.exchange.GetOrders(s.symbol) {
		if order.PositionSide != opposite {
			continue
		}
		s.exchange.CancelOrder(order.OrderID)
		s.logger.Info().
			Str("order_id", order.OrderID).
			Str("position_side", string(order.PositionSide)).
			Str("side", string(order.Side)).
			Msg("Canceled opposite-side order")
	}
}

// OnCandle is the per-base-candle decision step.
func (s *Strategy) OnCandle(candle domain.Candle) {
	if s.lastCandleTimestamp != candle.Timestamp {
		s.rsiCache = make(map[string]float64)
		s.fractalsCache = make(map[string][]indicators.Fractal)
		s.lastCandleTimestamp = candle.Timestamp
	}

	long := s.exchange.GetPosition(s.symbol, domain.PositionLong)
	short := s.exchange.GetPosition(s.symbol, domain.PositionShort)

	info, err := s.getSymbolInfo()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load symbol info")
		return
	}
	minAmount := s.roundUp(info.MinNotional.Div(candle.Close), s.getQtyDecimals())

	longLoads := long.LoadCount(decimal.Zero)
	shortLoads := short.LoadCount(minAmount)

	maxTFIndex := len(s.timeframes) - 1
	longTF := minInt(longLoads/s.loadsPerTF, maxTFIndex)
	shortTF := minInt(shortLoads/s.loadsPerTF, maxTFIndex)
	isLongLastTFLoad := longLoads > 0 && longLoads%s.loadsPerTF == 0
	isShortLastTFLoad := shortLoads > 0 && shortLoads%s.loadsPerTF == 0
	r := maxInt(longTF, shortTF)

	increaseLong, decreaseLong := true, true
	increaseShort, decreaseShort := true, true

	longCommission := long.Commission
	shortCommission := short.Commission

	// Commission break-even gates on closes and late loads.
	if long.Amount.Sign() > 0 && candle.Close.LessThan(long.EntryPrice.Add(longCommission.Mul(two))) {
		decreaseLong = false
		s.cancelOrders(domain.PositionLong, domain.SideSell)
	}
	if short.Amount.Abs().Sign() > 0 && candle.Close.GreaterThan(short.EntryPrice.Sub(shortCommission.Mul(two))) {
		decreaseShort = false
		s.cancelOrders(domain.PositionShort, domain.SideBuy)
	}
	if longLoads >= s.loadsPerTF && candle.Close.GreaterThan(long.EntryPrice.Sub(longCommission.Mul(two))) {
		increaseLong = false
		s.cancelOrders(domain.PositionLong, domain.SideBuy)
	}
	if shortLoads >= s.loadsPerTF && candle.Close.LessThan(short.EntryPrice.Add(shortCommission.Mul(two))) {
		increaseShort = false
		s.cancelOrders(domain.PositionShort, domain.SideSell)
	}

	// Per-timeframe RSI gating, highest active timeframe first.
	for i := r; i >= 0; i-- {
		timeframe := s.timeframes[i]
		candleRSI, err := s.getRSI(timeframe)
		if err != nil {
			s.logger.Warn().Err(err).Str("timeframe", timeframe).Msg("RSI unavailable")
			return
		}

		if i > 0 {
			if candleRSI > float64(s.rsiLimits[0]) {
				if i <= longTF {
					increaseLong = false
					s.cancelOrders(domain.PositionLong, domain.SideBuy)
				}
				if (isShortLastTFLoad && i < shortTF) || (!isShortLastTFLoad && i <= shortTF) {
					decreaseShort = false
					s.cancelOrders(domain.PositionShort, domain.SideBuy)
				}
			}
			if candleRSI < float64(s.rsiLimits[2]) {
				if (isLongLastTFLoad && i < longTF) || (!isLongLastTFLoad && i <= longTF) {
					decreaseLong = false
					s.cancelOrders(domain.PositionLong, domain.SideSell)
				}
				if i <= shortTF {
					increaseShort = false
					s.cancelOrders(domain.PositionShort, domain.SideSell)
				}
			}
		}
		if candleRSI > float64(s.rsiLimits[1]) {
			if i == longTF && s.operations.Get(domain.PositionLong, domain.SideBuy) {
				s.operations.Set(domain.PositionLong, domain.SideBuy, false)
			}
			if (i == shortTF || (isShortLastTFLoad && i == shortTF-1)) &&
				s.operations.Get(domain.PositionShort, domain.SideBuy) {
				s.operations.Set(domain.PositionShort, domain.SideBuy, false)
			}
		}
		if candleRSI < float64(s.rsiLimits[1]) {
			if (i == longTF || (isLongLastTFLoad && i == longTF-1)) &&
				s.operations.Get(domain.PositionLong, domain.SideSell) {
				s.operations.Set(domain.PositionLong, domain.SideSell, false)
			}
			if i == shortTF && s.operations.Get(domain.PositionShort, domain.SideSell) {
				s.operations.Set(domain.PositionShort, domain.SideSell, false)
			}
		}
	}

	if long.Amount.IsZero() {
		decreaseLong = false
	}
	if short.Amount.IsZero() {
		decreaseShort = false
	}

	if !increaseLong && !decreaseLong && !increaseShort && !decreaseShort {
		return
	}

	orders := s.exchange.GetOrders(s.symbol)

	prices := s.possiblePrices(candle.Close)
	baseRSI, err := s.getRSI(s.timeframes[0])
	if err != nil {
		s.logger.Warn().Err(err).Msg("Base timeframe RSI unavailable")
		return
	}

	var sellPrice, buyPrice decimal.Decimal
	switch {
	case baseRSI < float64(s.rsiLimits[0]):
		sellPrice = prices.Up[len(prices.Up)-1]
		buyPrice = prices.Down[0]
	case baseRSI > float64(s.rsiLimits[2]):
		sellPrice = prices.Up[0]
		buyPrice = prices.Down[len(prices.Down)-1]
	case baseRSI < float64(s.rsiLimits[1]):
		sellPrice = prices.Up[2]
		buyPrice = prices.Down[1]
	default:
		sellPrice = prices.Up[1]
		buyPrice = prices.Down[2]
	}
	sellPrice = s.roundUp(sellPrice, s.getPriceDecimals())
	buyPrice = s.roundDown(buyPrice, s.getPriceDecimals())

	longValue := long.Amount.Mul(candle.Close.Sub(long.EntryPrice))
	shortValue := short.Amount.Mul(candle.Close.Sub(short.EntryPrice))
	positionsValue := longValue.Add(shortValue)

	// Both sides deeply loaded with combined profit: market-exit the lesser
	// loaded side symmetrically.
	if longLoads >= 4 && shortLoads >= 4 {
		if increaseLong && decreaseShort && positionsValue.Sign() > 0 && longLoads <= shortLoads {
			increaseLong = false
			s.cancelOrders(domain.PositionLong, domain.SideBuy)
			s.newOrder(domain.PositionLong, domain.SideSell, domain.OrderMarket, long.Amount.Abs(), decimal.Zero)
			decreaseShort = false
			s.cancelOrders(domain.PositionShort, domain.SideBuy)
			s.newOrder(domain.PositionShort, domain.SideBuy, domain.OrderMarket, short.Amount.Abs(), decimal.Zero)
		}
		if increaseShort && decreaseLong && positionsValue.Sign() > 0 && shortLoads <= longLoads {
			increaseShort = false
			s.cancelOrders(domain.PositionShort, domain.SideSell)
			s.newOrder(domain.PositionShort, domain.SideBuy, domain.OrderMarket, short.Amount.Abs(), decimal.Zero)
			decreaseLong = false
			s.cancelOrders(domain.PositionLong, domain.SideSell)
			s.newOrder(domain.PositionLong, domain.SideSell, domain.OrderMarket, long.Amount.Abs(), decimal.Zero)
		}
	}

	if increaseLong && !s.operations.Get(domain.PositionLong, domain.SideBuy) {
		qty := minAmount
		if long.Amount.Sign() > 0 {
			qty = long.Amount
		}
		s.placeOrRevise(orders, domain.PositionLong, domain.SideBuy, qty, buyPrice)
	}
	if decreaseLong && !s.operations.Get(domain.PositionLong, domain.SideSell) {
		if sellPrice.GreaterThan(long.EntryPrice.Add(longCommission.Mul(two))) {
			qty := s.roundUp(long.Amount.Div(two), s.getQtyDecimals())
			if qty.LessThan(minAmount) {
				qty = long.Amount
			}
			s.placeOrRevise(orders, domain.PositionLong, domain.SideSell, qty, sellPrice)
		}
	}
	if increaseShort && !s.operations.Get(domain.PositionShort, domain.SideSell) {
		qty := minAmount
		if short.Amount.Sign() < 0 {
			qty = short.Amount.Abs()
		}
		s.placeOrRevise(orders, domain.PositionShort, domain.SideSell, qty, sellPrice)
	}
	if decreaseShort && !s.operations.Get(domain.PositionShort, domain.SideBuy) {
		if buyPrice.LessThan(short.EntryPrice.Sub(shortCommission.Mul(two))) {
			qty := s.roundUp(short.Amount.Div(two), s.getQtyDecimals()).Abs()
			if qty.LessThan(minAmount) {
				qty = short.Amount.Abs()
			}
			s.placeOrRevise(orders, domain.PositionShort, domain.SideBuy, qty, buyPrice)
		}
	}
}

// placeOrRevise keeps at most one resting order per (position side, side):
// an existing order at a different price or quantity is modified in place,
// otherwise a new limit order is created.
func (s *Strategy) placeOrRevise(orders []*domain.Order, positionSide domain.PositionSide,
	side domain.OrderSide, qty, price decimal.Decimal) {

	var existing *domain.Order
	for _, o := range orders {
		if o.PositionSide == positionSide && o.Side == side {
			existing = o
			break
		}
	}

	if existing != nil {
		if !existing.Price.Equal(price) || !existing.Quantity.Equal(qty) {
			existing.Quantity = qty
			existing.Price = price
			existing.Type = domain.OrderLimit
			if _, err := s.exchange.ModifyOrder(existing); err != nil {
				s.logger.Error().Err(err).Str("order_id", existing.OrderID).Msg("Error modifying order")
			} else {
				s.logger.Info().
					Str("order_id", existing.OrderID).
					Str("side", string(side)).
					Str("price", price.String()).
					Str("quantity", qty.String()).
					Msg("Modify order")
			}
		}
		return
	}
	s.newOrder(positionSide, side, domain.OrderLimit, qty, price)
}

func (s *Strategy) newOrder(positionSide domain.PositionSide, side domain.OrderSide,
	orderType domain.OrderType, qty, price decimal.Decimal) {
	if _, err := s.exchange.NewOrder(s.symbol, positionSide, side, orderType, qty, price); err != nil {
		s.logger.Error().Err(err).
			Str("position_side", string(positionSide)).
			Str("side", string(side)).
			Msg("Error creating order")
		return
	}
	s.logger.Info().
		Str("position_side", string(positionSide)).
		Str("side", string(side)).
		Str("type", string(orderType)).
		Str("price", price.String()).
		Str("quantity", qty.String()).
		Msg("New order")
}

func (s *Strategy) cancelOrders(positionSide domain.PositionSide, side domain.OrderSide) {
	for _, order := range s.exchange.GetOrders(s.symbol) {
		if order.PositionSide == positionSide && order.Side == side {
			s.exchange.CancelOrder(order.OrderID)
			s.logger.Info().
				Str("order_id", order.OrderID).
				Str("position_side", string(positionSide)).
				Str("side", string(side)).
				Msg("Canceled order")
		}
	}
}

func (s *Strategy) getRSI(timeframe string) (float64, error) {
	if v, ok := s.rsiCache[timeframe]; ok {
		return v, nil
	}
	candles, err := s.marketData.GetCandles(s.symbol, timeframe, indicatorLookback)
	if err != nil {
		return 0, err
	}
	v, err := indicators.StochRSI(candles, 14, 14, 3, 3)
	if err != nil {
		return 0, err
	}
	s.rsiCache[timeframe] = v
	return v, nil
}

func (s *Strategy) getFractals(timeframe string) ([]indicators.Fractal, error) {
	if v, ok := s.fractalsCache[timeframe]; ok {
		return v, nil
	}
	candles, err := s.marketData.GetCandles(s.symbol, timeframe, indicatorLookback)
	if err != nil {
		return nil, err
	}
	v := indicators.Fractals(candles, fractalSpan, fractalSpan)
	s.fractalsCache[timeframe] = v
	return v, nil
}

// priceLadder holds four candidate sell prices above the current price and
// four candidate buy prices below it.
type priceLadder struct {
	Up   []decimal.Decimal
	Down []decimal.Decimal
}

// possiblePrices derives the ladder from fractals, walking the timeframes
// from shortest to longest, and synthesizes ±2% steps when fractals are
// scarce.
func (s *Strategy) possiblePrices(price decimal.Decimal) priceLadder {
	ladder := priceLadder{}
	lastUp := price
	lastDown := price

	for _, timeframe := range s.timeframes {
		fractals, err := s.getFractals(timeframe)
		if err != nil {
			s.logger.Warn().Err(err).Str("timeframe", timeframe).Msg("Fractals unavailable")
			continue
		}
		for i := len(fractals) - 1; i >= 0; i-- {
			f := fractals[i]
			if f.Bear != nil && len(ladder.Up) < 4 {
				if f.Bear.GreaterThan(lastUp) {
					ladder.Up = append(ladder.Up, f.Bear.Sub(lastUp).Div(two).Add(lastUp))
					lastUp = *f.Bear
				}
			} else if f.Bull != nil && len(ladder.Down) < 4 {
				if f.Bull.LessThan(lastDown) {
					ladder.Down = append(ladder.Down, lastDown.Sub(*f.Bull).Div(two).Add(*f.Bull))
					lastDown = *f.Bull
				}
			}
			if len(ladder.Up) == 4 && len(ladder.Down) == 4 {
				break
			}
		}
		if len(ladder.Up) == 4 && len(ladder.Down) == 4 {
			break
		}
	}

	if len(ladder.Up) == 0 {
		ladder.Up = append(ladder.Up, price.Mul(upTwoPercent))
	}
	if len(ladder.Down) == 0 {
		ladder.Down = append(ladder.Down, price.Mul(downTwoPercent))
	}
	for len(ladder.Up) < 4 {
		ladder.Up = append(ladder.Up, ladder.Up[len(ladder.Up)-1].Mul(upTwoPercent))
	}
	for len(ladder.Down) < 4 {
		ladder.Down = append(ladder.Down, ladder.Down[len(ladder.Down)-1].Mul(downTwoPercent))
	}
	return ladder
}

func (s *Strategy) getSymbolInfo() (*domain.SymbolInfo, error) {
	if s.symbolInfo == nil {
		info, err := s.marketData.GetSymbolInfo(s.symbol)
		if err != nil {
			return nil, err
		}
		s.symbolInfo = info
	}
	return s.symbolInfo, nil
}

func (s *Strategy) ensureDecimals() {
	if s.decimalsReady {
		return
	}
	info, err := s.getSymbolInfo()
	if err != nil {
		return
	}
	s.qtyDecimals = countDecimals(info.MinQty)
	s.priceDecimals = countDecimals(info.TickSize)
	s.decimalsReady = true
}

func (s *Strategy) getQtyDecimals() int32 {
	s.ensureDecimals()
	return s.qtyDecimals
}

func (s *Strategy) getPriceDecimals() int32 {
	s.ensureDecimals()
	return s.priceDecimals
}

// countDecimals counts fractional digits up to the first "1" of a filter
// value, so 0.001 yields 3 and 1.0 yields 0.
func countDecimals(ref decimal.Decimal) int32 {
	var count int32
	isDec := false
	for _, c := range ref.String() {
		if isDec {
			count++
		}
		if c == '1' {
			break
		}
		if c == '.' {
			isDec = true
		}
	}
	return count
}

func (s *Strategy) roundUp(v decimal.Decimal, places int32) decimal.Decimal {
	return v.RoundUp(places)
}

func (s *Strategy) roundDown(v decimal.Decimal, places int32) decimal.Decimal {
	return v.RoundDown(places)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
