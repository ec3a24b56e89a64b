package simulator

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

// CandleListener receives completed candles for a (symbol, timeframe) pair.
type CandleListener = func(domain.Candle)

type listenerEntry struct {
	id int
	fn CandleListener
}

// Dispatcher fans completed candles out to subscribers keyed by (symbol,
// timeframe). A listener that panics is logged and skipped; siblings still
// run. Registration returns an id used for removal.
type Dispatcher struct {
	mu        sync.Mutex
	nextID    int
	listeners map[string]map[string][]listenerEntry
	logger    zerolog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		listeners: make(map[string]map[string][]listenerEntry),
		logger:    logger,
	}
}

// Add registers a listener and returns its id.
func (d *Dispatcher) Add(symbol, timeframe string, fn CandleListener) int {
	symbol = strings.ToLower(symbol)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	if d.listeners[symbol] == nil {
		d.listeners[symbol] = make(map[string][]listenerEntry)
	}
	d.listeners[symbol][timeframe] = append(d.listeners[symbol][timeframe], listenerEntry{id: d.nextID, fn: fn})
	return d.nextID
}

// Remove unregisters a listener by id. Unknown ids are ignored.
func (d *Dispatcher) Remove(symbol, timeframe string, id int) {
	symbol = strings.ToLower(symbol)

	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.listeners[symbol][timeframe]
	for i, e := range entries {
		if e.id == id {
			d.listeners[symbol][timeframe] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Dispatch delivers a completed candle to every listener of its (symbol,
// timeframe) pair, in registration order.
func (d *Dispatcher) Dispatch(candle domain.Candle) {
	symbol := strings.ToLower(candle.Symbol)

	d.mu.Lock()
	entries := make([]listenerEntry, len(d.listeners[symbol][candle.Timeframe]))
	copy(entries, d.listeners[symbol][candle.Timeframe])
	d.mu.Unlock()

	for _, e := range entries {
		d.safeCall(e, candle)
	}
}

func (d *Dispatcher) safeCall(e listenerEntry, candle domain.Candle) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Int("listener_id", e.id).
				Str("symbol", candle.Symbol).
				Str("timeframe", candle.Timeframe).
				Any("panic", r).
				Msg("Candle listener failed")
		}
	}()
	e.fn(candle)
}
