package exchange

import (
	"strings"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

// tradeLog stores executed trades per symbol in fill order.
type tradeLog struct {
	trades map[string][]domain.Trade
}

func newTradeLog() *tradeLog {
	return &tradeLog{trades: make(map[string][]domain.Trade)}
}

func (t *tradeLog) add(trade domain.Trade) {
	symbol := strings.ToLower(trade.Symbol)
	t.trades[symbol] = append(t.trades[symbol], trade)
}

func (t *tradeLog) symbolTrades(symbol string) []domain.Trade {
	return t.trades[strings.ToLower(symbol)]
}
