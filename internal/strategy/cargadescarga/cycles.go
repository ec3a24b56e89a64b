package cargadescarga

import (
	"github.com/shopspring/decimal"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

// trackCycleState advances cycle bookkeeping on every fill. A cycle starts
// when both positions are flat and ends the next time both return to flat.
func (s *Strategy) trackCycleState(trade domain.Trade) {
	long := s.exchange.GetPosition(s.symbol, domain.PositionLong)
	short := s.exchange.GetPosition(s.symbol, domain.PositionShort)

	bothFlat := long.Amount.IsZero() && short.Amount.IsZero()

	if bothFlat && !s.inCycle {
		s.startCycle(trade.Timestamp)
		return
	}

	if !s.inCycle {
		return
	}

	if trade.PositionSide == domain.PositionLong {
		s.cycleLongTrades++
	} else {
		s.cycleShortTrades++
	}

	if long.Amount.Sign() > 0 {
		if loads := long.LoadCount(decimal.Zero); loads > s.cycleLongMaxLoads {
			s.cycleLongMaxLoads = loads
		}
	}
	if short.Amount.Sign() < 0 {
		if loads := short.LoadCount(decimal.Zero); loads > s.cycleShortMaxLoads {
			s.cycleShortMaxLoads = loads
		}
	}

	// Trade events arrive before the exchange applies the fill to the
	// position, so a fully closing trade counts its own side as flat.
	longFlat := long.Amount.IsZero() || (trade.PositionSide == domain.PositionLong && trade.ClosesCompletely)
	shortFlat := short.Amount.IsZero() || (trade.PositionSide == domain.PositionShort && trade.ClosesCompletely)
	if longFlat && shortFlat {
		s.completeCycle(trade.Timestamp)
	}
}

func (s *Strategy) startCycle(timestamp domain.Millis) {
	s.inCycle = true
	s.cycleStart = timestamp
	s.cycleLongMaxLoads = 0
	s.cycleShortMaxLoads = 0
	s.cycleLongTrades = 0
	s.cycleShortTrades = 0
	s.logger.Info().Int64("start", timestamp).Msg("New cycle started")
}

// completeCycle sums realized P&L of the trades inside the cycle window,
// builds the Cycle and dispatches it.
func (s *Strategy) completeCycle(timestamp domain.Millis) {
	if !s.inCycle {
		return
	}

	totalPnL := decimal.Zero
	for _, t := range s.exchange.GetTrades(s.symbol) {
		if t.Timestamp >= s.cycleStart && t.Timestamp <= timestamp {
			totalPnL = totalPnL.Add(t.RealizedPnL)
		}
	}

	cycle := domain.NewCycle(
		s.symbol, s.strategyName,
		s.cycleStart, timestamp,
		totalPnL,
		s.cycleLongTrades, s.cycleShortTrades,
		s.cycleLongMaxLoads, s.cycleShortMaxLoads,
	)

	if s.cycleDispatcher != nil {
		s.cycleDispatcher.DispatchCycle(cycle)
	} else {
		s.logger.Warn().Msg("Cycle dispatcher is nil, cycle not dispatched")
	}

	s.logger.Info().
		Str("cycle_id", cycle.CycleID).
		Str("total_pnl", cycle.TotalPnL.String()).
		Float64("duration_minutes", cycle.DurationMinutes).
		Msg("Cycle completed")

	s.inCycle = false
	s.cycleStart = 0
	s.cycleLongMaxLoads = 0
	s.cycleShortMaxLoads = 0
	s.cycleLongTrades = 0
	s.cycleShortTrades = 0
}
