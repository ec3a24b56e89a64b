// Package simulator replays historical candles deterministically. Each tick
// advances a cursor one base-timeframe candle, then synthesizes completed
// higher-timeframe candles at their aligned boundaries. Candles come from the
// local store, backed by on-demand fetches from the market data source.
package simulator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ToniJM/trading-assistant/internal/candles"
	"github.com/ToniJM/trading-assistant/internal/domain"
	"github.com/ToniJM/trading-assistant/internal/logging"
	"github.com/ToniJM/trading-assistant/internal/marketdata"
)

// Clock supplies "now" so tests can pin time.
type Clock func() domain.Millis

// Simulator owns the replay cursor for one or more symbols.
type Simulator struct {
	ctx        context.Context
	store      *candles.Store
	source     marketdata.Source
	dispatcher *Dispatcher
	logger     zerolog.Logger
	now        Clock

	symbolTimeframes map[string][]string
	startTime        domain.Millis
	endTime          domain.Millis
	minCandles       int
	currentTime      domain.Millis

	endeds     map[string]bool
	lastCandle map[string]map[string]domain.Candle
}

// New creates a simulator over the given store and source.
func New(ctx context.Context, store *candles.Store, source marketdata.Source) *Simulator {
	logger := logging.Component("simulator")
	return &Simulator{
		ctx:              ctx,
		store:            store,
		source:           source,
		dispatcher:       NewDispatcher(logger),
		logger:           logger,
		now:              func() domain.Millis { return time.Now().UnixMilli() },
		symbolTimeframes: make(map[string][]string),
		endeds:           make(map[string]bool),
		lastCandle:       make(map[string]map[string]domain.Candle),
	}
}

// SetClock overrides the time source.
func (s *Simulator) SetClock(clock Clock) {
	s.now = clock
}

// SetTimes configures the replay window and resets per-run state: a new
// window starts with a fresh subscription set, so listeners from a previous
// backtest never see this run's candles. A zero end defaults to now − 1
// minute; an end at or after now clamps to it with a warning. minCandles is the backfill depth per
// subscribed timeframe before emission begins.
func (s *Simulator) SetTimes(start, end domain.Millis, minCandles int) {
	s.startTime = start
	// The cursor sits just before the start so the candle at the start
	// boundary itself is the first one emitted.
	s.currentTime = start - 1
	s.minCandles = minCandles
	s.symbolTimeframes = make(map[string][]string)
	s.endeds = make(map[string]bool)
	s.lastCandle = make(map[string]map[string]domain.Candle)
	s.dispatcher = NewDispatcher(s.logger)

	nowMs := s.now()
	if end == 0 {
		s.endTime = nowMs - domain.OneMinuteMillis
	} else if end >= nowMs {
		s.endTime = nowMs - domain.OneMinuteMillis
		s.logger.Warn().
			Int64("requested_end", end).
			Int64("clamped_end", s.endTime).
			Msg("End time is not in the past, clamping to now - 1 minute")
	} else {
		s.endTime = end
	}

	s.logger.Info().
		Int64("start", s.startTime).
		Int64("end", s.endTime).
		Int64("duration_ms", s.endTime-s.startTime).
		Msg("Simulator time range configured")
}

// AddSymbol registers a symbol with its timeframe set (2-4 entries from the
// fixed vocabulary).
func (s *Simulator) AddSymbol(symbol string, timeframes []string) error {
	if err := domain.ValidateTimeframes(timeframes); err != nil {
		return err
	}
	s.symbolTimeframes[symbol] = timeframes
	s.logger.Info().Str("symbol", symbol).Strs("timeframes", timeframes).Msg("Symbol added")
	return nil
}

// StartTime returns the effective replay start (it can snap forward to the
// first real candle during backfill).
func (s *Simulator) StartTime() domain.Millis { return s.startTime }

// EndTime returns the effective replay end after clamping.
func (s *Simulator) EndTime() domain.Millis { return s.endTime }

// Ended reports whether replay for a symbol has crossed the end time.
func (s *Simulator) Ended(symbol string) bool {
	return s.endeds[symbol]
}

func (s *Simulator) end(symbol string) {
	s.endeds[symbol] = true
}

// AddCompleteCandleListener subscribes to completed candles of a (symbol,
// timeframe) pair. The first subscription for a higher timeframe rewinds the
// cursor so at least minCandles of that timeframe precede the start. Returns
// a listener id for removal.
func (s *Simulator) AddCompleteCandleListener(symbol, timeframe string, fn CandleListener) (int, error) {
	if s.startTime == 0 {
		return 0, domain.NewError(domain.ErrInvalidRequest, "simulator times not configured")
	}

	tfs := s.symbolTimeframes[symbol]
	seen := false
	for _, tf := range tfs {
		if tf == timeframe {
			seen = true
			break
		}
	}
	if !seen {
		s.symbolTimeframes[symbol] = append(tfs, timeframe)
		rewound := s.startTime - domain.TimeframeMillis(timeframe)*int64(s.minCandles)
		if rewound < s.currentTime {
			s.currentTime = rewound
		}
	}

	return s.dispatcher.Add(symbol, timeframe, fn), nil
}

// RemoveCompleteCandleListener drops a listener by id.
func (s *Simulator) RemoveCompleteCandleListener(symbol, timeframe string, id int) {
	s.dispatcher.Remove(symbol, timeframe, id)
}

// NextCandle advances the cursor one base candle for every configured symbol.
// While the cursor is still in the backfill window, candles feed internal
// history without reaching listeners; the candle that crosses the start is
// dispatched and the start snaps to its timestamp.
func (s *Simulator) NextCandle() error {
	for symbol, timeframes := range s.symbolTimeframes {
		if s.currentTime < s.startTime {
			var candle *domain.Candle
			for s.currentTime < s.startTime {
				c, err := s.nextCandle(symbol, timeframes, false)
				if err != nil {
					return err
				}
				s.currentTime = c.Timestamp
				candle = c
			}
			s.startTime = candle.Timestamp
			s.dispatcher.Dispatch(*candle)
		} else {
			c, err := s.nextCandle(symbol, timeframes, true)
			if err != nil {
				return err
			}
			s.currentTime = c.Timestamp
		}

		if s.currentTime >= s.endTime {
			s.logger.Warn().
				Str("symbol", symbol).
				Int64("current_time", s.currentTime).
				Int64("end_time", s.endTime).
				Msg("Replay reached end time")
			s.end(symbol)
		}
	}
	return nil
}

// nextCandle pulls the next base candle after the cursor, fetching from the
// source on a miss or when the stored candle sits past a gap.
func (s *Simulator) nextCandle(symbol string, timeframes []string, dispatch bool) (*domain.Candle, error) {
	if s.Ended(symbol) {
		return nil, domain.NewErrorf(domain.ErrNoCandlesAvailable, "symbol %s already ended", symbol)
	}

	base := domain.BaseTimeframe(timeframes)
	baseMs := domain.TimeframeMillis(base)

	candle, err := s.store.GetNextCandle(symbol, s.currentTime, base)
	if err != nil {
		return nil, err
	}

	if candle == nil || candle.Timestamp > s.currentTime+baseMs {
		fetched, err := s.source.GetCandles(s.ctx, symbol, base, marketdata.MaxKlinesPerFetch, s.currentTime, 0)
		if err != nil {
			return nil, err
		}
		if err := s.store.AddCandles(fetched); err != nil {
			return nil, err
		}
		if len(fetched) > 0 {
			candle = &fetched[0]
		}
		if candle == nil {
			s.logger.Error().
				Str("symbol", symbol).
				Int64("timestamp", s.currentTime).
				Msg("No candles available")
			return nil, domain.NewErrorf(domain.ErrNoCandlesAvailable,
				"no candles available for %s at %d", symbol, s.currentTime)
		}
	}

	if dispatch {
		s.dispatcher.Dispatch(*candle)
	}

	// Emit completed higher-timeframe candles at most once per boundary,
	// in the configured (ascending) order.
	for _, tf := range timeframes {
		if tf == base {
			continue
		}
		tfCandles, err := s.GetCandles(symbol, tf, 1)
		if err != nil {
			return nil, err
		}
		if len(tfCandles) == 0 {
			continue
		}
		tfCandle := tfCandles[0]
		if s.lastCandle[symbol] == nil {
			s.lastCandle[symbol] = make(map[string]domain.Candle)
		}
		last, seen := s.lastCandle[symbol][tf]
		if dispatch && (!seen || tfCandle.Timestamp > last.Timestamp) {
			s.lastCandle[symbol][tf] = tfCandle
			s.dispatcher.Dispatch(tfCandle)
		}
	}

	return candle, nil
}

// GetCandles returns up to limit completed candles of a timeframe, ending at
// the last boundary before the cursor. The store is consulted first; a short
// or stale read triggers a source fetch that is persisted before slicing.
func (s *Simulator) GetCandles(symbol, timeframe string, limit int) ([]domain.Candle, error) {
	tfMs := domain.TimeframeMillis(timeframe)
	if tfMs == 0 {
		return nil, domain.NewErrorf(domain.ErrInvalidTimeframes, "unknown timeframe %q", timeframe)
	}

	endTime := s.currentTime - tfMs
	if s.currentTime < s.startTime {
		endTime = s.startTime - tfMs
	}
	startTime := endTime - tfMs*int64(limit)

	got, err := s.store.GetCandles(symbol, timeframe, limit, startTime)
	if err != nil {
		return nil, err
	}

	if len(got) < limit {
		fetched, err := s.source.GetCandles(s.ctx, symbol, timeframe, marketdata.MaxKlinesPerFetch, startTime, 0)
		if err != nil {
			return nil, err
		}
		if err := s.store.AddCandles(fetched); err != nil {
			return nil, err
		}
		got = fetched
	}

	if len(got) > 0 && got[len(got)-1].Timestamp > endTime+domain.OneMinuteMillis {
		fetched, err := s.source.GetCandles(s.ctx, symbol, timeframe, marketdata.MaxKlinesPerFetch, startTime, 0)
		if err != nil {
			return nil, err
		}
		if err := s.store.AddCandles(fetched); err != nil {
			return nil, err
		}
		got = fetched
	}

	if len(got) > limit {
		got = got[:limit]
	}
	return got, nil
}

// GetSymbolInfo proxies the source's cached symbol metadata.
func (s *Simulator) GetSymbolInfo(symbol string) (*domain.SymbolInfo, error) {
	return s.source.GetSymbolInfo(s.ctx, symbol)
}

// Close releases the source. The candle store is shared process-wide and is
// closed by its owner.
func (s *Simulator) Close() {
	if s.source != nil {
		s.source.Close()
		s.source = nil
	}
}
