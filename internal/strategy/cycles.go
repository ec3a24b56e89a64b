package strategy

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

// CycleListener receives completed trading cycles.
type CycleListener = func(domain.Cycle)

// CycleDispatcher fans completed cycles out to listeners keyed by symbol. A
// listener that panics is logged and skipped.
type CycleDispatcher struct {
	listeners map[string][]CycleListener
	logger    zerolog.Logger
}

// NewCycleDispatcher creates an empty dispatcher.
func NewCycleDispatcher(logger zerolog.Logger) *CycleDispatcher {
	return &CycleDispatcher{
		listeners: make(map[string][]CycleListener),
		logger:    logger,
	}
}

// AddCycleListener subscribes to cycles of a symbol.
func (d *CycleDispatcher) AddCycleListener(symbol string, fn CycleListener) {
	symbol = strings.ToLower(symbol)
	d.listeners[symbol] = append(d.listeners[symbol], fn)
}

// DispatchCycle delivers a completed cycle to the symbol's listeners.
func (d *CycleDispatcher) DispatchCycle(cycle domain.Cycle) {
	for _, fn := range d.listeners[strings.ToLower(cycle.Symbol)] {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error().
						Str("symbol", cycle.Symbol).
						Any("panic", r).
						Msg("Cycle listener failed")
				}
			}()
			fn(cycle)
		}()
	}
}
