package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Candle is a single OHLCV row. Immutable after creation.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Timestamp Millis          `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// SymbolInfo carries the four exchange filters the pipeline needs.
type SymbolInfo struct {
	Symbol      string          `json:"symbol"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MinStep     decimal.Decimal `json:"min_step"`
	TickSize    decimal.Decimal `json:"tick_size"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// Order is a resting or immediate order on the simulated exchange. Market
// orders carry no caller-set price; the exchange fills in the execution price.
type Order struct {
	OrderID      string          `json:"order_id"`
	Symbol       string          `json:"symbol"`
	PositionSide PositionSide    `json:"position_side"`
	Side         OrderSide       `json:"side"`
	Type         OrderType       `json:"type"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Status       OrderStatus     `json:"status"`
}

// Trade is an executed fill. RealizedPnL is non-zero only on closing trades.
type Trade struct {
	OrderID          string          `json:"order_id"`
	Timestamp        Millis          `json:"timestamp"`
	Symbol           string          `json:"symbol"`
	PositionSide     PositionSide    `json:"position_side"`
	Side             OrderSide       `json:"side"`
	Price            decimal.Decimal `json:"price"`
	Quantity         decimal.Decimal `json:"quantity"`
	Commission       decimal.Decimal `json:"commission"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	ClosesCompletely bool            `json:"closes_completely"`
}

// Position aggregates one side of a symbol. Amount is signed: long positions
// hold amount >= 0, short positions amount <= 0. When the amount returns to
// zero the position is reset to flat (entry price and break-even zeroed).
type Position struct {
	Symbol     string          `json:"symbol"`
	Side       PositionSide    `json:"side"`
	Amount     decimal.Decimal `json:"amount"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	BreakEven  decimal.Decimal `json:"break_even"`
	Commission decimal.Decimal `json:"commission"`
	Trades     []Trade         `json:"trades,omitempty"`
}

// NewFlatPosition returns an empty position for a symbol side.
func NewFlatPosition(symbol string, side PositionSide) *Position {
	return &Position{Symbol: symbol, Side: side}
}

// IsFlat reports whether the position holds no amount.
func (p *Position) IsFlat() bool {
	return p.Amount.IsZero()
}

// AddTrade appends a trade and folds its commission into the accumulated
// commission: opening fills add, closing fills subtract.
func (p *Position) AddTrade(t Trade) {
	commission := t.Commission.Abs()
	if (p.Side == PositionLong && t.Side == SideBuy) || (p.Side == PositionShort && t.Side == SideSell) {
		p.Commission = p.Commission.Add(commission)
	} else {
		p.Commission = p.Commission.Sub(commission)
	}
	p.Trades = append(p.Trades, t)
	for i := len(p.Trades) - 1; i > 0 && p.Trades[i].Timestamp < p.Trades[i-1].Timestamp; i-- {
		p.Trades[i], p.Trades[i-1] = p.Trades[i-1], p.Trades[i]
	}
}

// LoadCount is the martingale-style sizing depth: halve the absolute amount
// until it falls below the smallest per-trade quantity seen in the position
// (or the supplied minimum), counting halvings.
func (p *Position) LoadCount(minLoadAmount decimal.Decimal) int {
	if len(p.Trades) == 0 {
		return 0
	}
	min := minLoadAmount
	if min.IsZero() {
		min = p.Trades[0].Quantity.Abs()
		for _, t := range p.Trades[1:] {
			if q := t.Quantity.Abs(); q.LessThan(min) {
				min = q
			}
		}
	}
	if min.IsZero() {
		return 0
	}
	count := 0
	amount := p.Amount.Abs()
	for amount.GreaterThanOrEqual(min) {
		count++
		amount = amount.Div(decimal.NewFromInt(2))
	}
	return count
}

// Cycle is the interval between both positions being flat and becoming flat
// again, enclosing at least one opening trade.
type Cycle struct {
	CycleID          string          `json:"cycle_id"`
	Symbol           string          `json:"symbol"`
	StrategyName     string          `json:"strategy_name"`
	StartTimestamp   Millis          `json:"start_timestamp"`
	EndTimestamp     Millis          `json:"end_timestamp"`
	DurationMinutes  float64         `json:"duration_minutes"`
	TotalPnL         decimal.Decimal `json:"total_pnl"`
	LongTradesCount  int             `json:"long_trades_count"`
	ShortTradesCount int             `json:"short_trades_count"`
	LongMaxLoads     int             `json:"long_max_loads"`
	ShortMaxLoads    int             `json:"short_max_loads"`
	CreatedAt        Millis          `json:"created_at"`
}

// NewCycle builds a cycle, generating an id and deriving the duration.
func NewCycle(symbol, strategyName string, start, end Millis, totalPnL decimal.Decimal,
	longTrades, shortTrades, longMaxLoads, shortMaxLoads int) Cycle {
	return Cycle{
		CycleID:          uuid.NewString(),
		Symbol:           symbol,
		StrategyName:     strategyName,
		StartTimestamp:   start,
		EndTimestamp:     end,
		DurationMinutes:  float64(end-start) / float64(OneMinuteMillis),
		TotalPnL:         totalPnL,
		LongTradesCount:  longTrades,
		ShortTradesCount: shortTrades,
		LongMaxLoads:     longMaxLoads,
		ShortMaxLoads:    shortMaxLoads,
		CreatedAt:        time.Now().UnixMilli(),
	}
}
