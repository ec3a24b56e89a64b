package exchange

import (
	"github.com/rs/zerolog"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

// OrderListener receives order lifecycle events.
type OrderListener = func(domain.Order)

// TradeListener receives executed fills.
type TradeListener = func(domain.Trade)

// PositionListener receives position snapshots after each mutation.
type PositionListener = func(domain.Position)

// eventDispatcher fans order, trade and position events out to listeners. A
// listener that panics is logged and skipped without affecting siblings.
type eventDispatcher struct {
	orderListeners    []OrderListener
	tradeListeners    []TradeListener
	positionListeners []PositionListener
	logger            zerolog.Logger
}

func newEventDispatcher(logger zerolog.Logger) *eventDispatcher {
	return &eventDispatcher{logger: logger}
}

func (d *eventDispatcher) addOrderListener(fn OrderListener) {
	d.orderListeners = append(d.orderListeners, fn)
}

func (d *eventDispatcher) addTradeListener(fn TradeListener) {
	d.tradeListeners = append(d.tradeListeners, fn)
}

func (d *eventDispatcher) addPositionListener(fn PositionListener) {
	d.positionListeners = append(d.positionListeners, fn)
}

func (d *eventDispatcher) dispatchOrder(order domain.Order) {
	for _, fn := range d.orderListeners {
		d.guard("order", func() { fn(order) })
	}
}

func (d *eventDispatcher) dispatchTrade(trade domain.Trade) {
	for _, fn := range d.tradeListeners {
		d.guard("trade", func() { fn(trade) })
	}
}

func (d *eventDispatcher) dispatchPosition(position domain.Position) {
	for _, fn := range d.positionListeners {
		d.guard("position", func() { fn(position) })
	}
}

func (d *eventDispatcher) guard(kind string, call func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("event", kind).Any("panic", r).Msg("Event listener failed")
		}
	}()
	call()
}
