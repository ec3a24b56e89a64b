// Package marketdata adapts the Binance USD-M futures API into the candle
// source the simulator consumes, with a cached symbol-info table.
package marketdata

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/ToniJM/trading-assistant/internal/domain"
	"github.com/ToniJM/trading-assistant/internal/logging"
)

// MaxKlinesPerFetch is the hard per-call limit imposed by the data source.
const MaxKlinesPerFetch = 1000

// Source supplies historical candles and symbol metadata. The simulator and
// the strategy depend on this interface; BinanceSource is the production
// implementation.
type Source interface {
	GetCandles(ctx context.Context, symbol, timeframe string, limit int, startTime, endTime domain.Millis) ([]domain.Candle, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error)
	Close()
}

// klinesClient is the slice of the Binance futures client used here.
type klinesClient interface {
	NewKlinesService() *futures.KlinesService
	NewExchangeInfoService() *futures.ExchangeInfoService
}

// BinanceSource fetches candles from Binance USD-M futures. Public endpoints
// need no credentials, which is all a backtest requires.
type BinanceSource struct {
	client  klinesClient
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu         sync.Mutex
	symbolInfo map[string]*domain.SymbolInfo
}

// NewBinanceSource creates a source with an anonymous client.
func NewBinanceSource() *BinanceSource {
	return newBinanceSource(futures.NewClient("", ""))
}

func newBinanceSource(client klinesClient) *BinanceSource {
	return &BinanceSource{
		client: client,
		// Stay well under the futures API weight limits.
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		logger:     logging.Component("marketdata"),
		symbolInfo: make(map[string]*domain.SymbolInfo),
	}
}

// GetCandles fetches up to limit candles starting at startTime. Fetches are
// capped at MaxKlinesPerFetch per call; source failures propagate to the
// caller, which decides whether to retry.
func (b *BinanceSource) GetCandles(ctx context.Context, symbol, timeframe string, limit int, startTime, endTime domain.Millis) ([]domain.Candle, error) {
	if limit > MaxKlinesPerFetch {
		return nil, domain.NewErrorf(domain.ErrInvalidRequest, "limit must be <= %d, got %d", MaxKlinesPerFetch, limit)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	svc := b.client.NewKlinesService().
		Symbol(strings.ToUpper(symbol)).
		Interval(timeframe).
		Limit(limit)
	if startTime > 0 {
		svc = svc.StartTime(startTime)
	}
	if endTime > 0 {
		svc = svc.EndTime(endTime)
	}

	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("klines fetch failed for %s/%s: %w", symbol, timeframe, err)
	}

	candles := make([]domain.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := candleFromKline(symbol, timeframe, k)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}

	b.logger.Debug().
		Str("symbol", symbol).
		Str("timeframe", timeframe).
		Int("count", len(candles)).
		Int64("start_time", startTime).
		Msg("Fetched candles from source")
	return candles, nil
}

func candleFromKline(symbol, timeframe string, k *futures.Kline) (domain.Candle, error) {
	var (
		c   = domain.Candle{Symbol: symbol, Timeframe: timeframe, Timestamp: k.OpenTime}
		err error
	)
	if c.Open, err = decimal.NewFromString(k.Open); err != nil {
		return c, fmt.Errorf("bad kline open %q: %w", k.Open, err)
	}
	if c.High, err = decimal.NewFromString(k.High); err != nil {
		return c, fmt.Errorf("bad kline high %q: %w", k.High, err)
	}
	if c.Low, err = decimal.NewFromString(k.Low); err != nil {
		return c, fmt.Errorf("bad kline low %q: %w", k.Low, err)
	}
	if c.Close, err = decimal.NewFromString(k.Close); err != nil {
		return c, fmt.Errorf("bad kline close %q: %w", k.Close, err)
	}
	if c.Volume, err = decimal.NewFromString(k.Volume); err != nil {
		return c, fmt.Errorf("bad kline volume %q: %w", k.Volume, err)
	}
	return c, nil
}

// GetSymbolInfo returns the cached filters for a symbol, fetching and caching
// the full exchange info on first use. Only the four numbers the pipeline
// needs are retained per symbol.
func (b *BinanceSource) GetSymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	symbol = strings.ToUpper(symbol)

	b.mu.Lock()
	cached := len(b.symbolInfo) > 0
	info := b.symbolInfo[symbol]
	b.mu.Unlock()

	if info != nil {
		return info, nil
	}
	if !cached {
		if err := b.buildSymbolCache(ctx); err != nil {
			return nil, err
		}
		b.mu.Lock()
		info = b.symbolInfo[symbol]
		b.mu.Unlock()
		if info != nil {
			return info, nil
		}
	}
	return nil, domain.NewErrorf(domain.ErrInvalidRequest, "symbol %s not found", symbol)
}

func (b *BinanceSource) buildSymbolCache(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("exchange info fetch failed: %w", err)
	}

	processed, skipped := 0, 0
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range info.Symbols {
		si, err := extractSymbolInfo(&info.Symbols[i])
		if err != nil {
			skipped++
			continue
		}
		b.symbolInfo[si.Symbol] = si
		processed++
	}

	b.logger.Info().
		Int("symbols", processed).
		Int("skipped", skipped).
		Msg("Symbol info cache built")
	return nil
}

func extractSymbolInfo(s *futures.Symbol) (*domain.SymbolInfo, error) {
	price := s.PriceFilter()
	lot := s.LotSizeFilter()
	notional := s.MinNotionalFilter()
	if price == nil || lot == nil || notional == nil {
		return nil, fmt.Errorf("missing required filters for symbol %s", s.Symbol)
	}

	tickSize, err := decimal.NewFromString(price.TickSize)
	if err != nil {
		return nil, fmt.Errorf("bad tick size for %s: %w", s.Symbol, err)
	}
	minQty, err := decimal.NewFromString(lot.MinQuantity)
	if err != nil {
		return nil, fmt.Errorf("bad min quantity for %s: %w", s.Symbol, err)
	}
	minStep, err := decimal.NewFromString(lot.StepSize)
	if err != nil {
		return nil, fmt.Errorf("bad step size for %s: %w", s.Symbol, err)
	}
	minNotional, err := decimal.NewFromString(notional.Notional)
	if err != nil {
		return nil, fmt.Errorf("bad min notional for %s: %w", s.Symbol, err)
	}

	return &domain.SymbolInfo{
		Symbol:      s.Symbol,
		MinQty:      minQty,
		MinStep:     minStep,
		TickSize:    tickSize,
		MinNotional: minNotional,
	}, nil
}

// Close releases the cached state.
func (b *BinanceSource) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.symbolInfo = make(map[string]*domain.SymbolInfo)
}
