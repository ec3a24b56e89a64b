package exchange

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

// accountBook holds balance, leverage and the two positions per symbol.
type accountBook struct {
	balance   decimal.Decimal
	positions map[string]map[domain.PositionSide]*domain.Position
	leverages map[string]decimal.Decimal
}

func newAccountBook() *accountBook {
	return &accountBook{
		positions: make(map[string]map[domain.PositionSide]*domain.Position),
		leverages: make(map[string]decimal.Decimal),
	}
}

func (a *accountBook) setBalance(balance decimal.Decimal) {
	a.balance = balance
}

func (a *accountBook) updateBalance(delta decimal.Decimal) {
	a.balance = a.balance.Add(delta)
}

func (a *accountBook) getBalance() decimal.Decimal {
	return a.balance
}

func (a *accountBook) setPosition(p *domain.Position) {
	symbol := strings.ToLower(p.Symbol)
	if a.positions[symbol] == nil {
		a.positions[symbol] = make(map[domain.PositionSide]*domain.Position)
	}
	a.positions[symbol][p.Side] = p
}

// getPosition returns the live position, creating a flat one on first use.
func (a *accountBook) getPosition(symbol string, side domain.PositionSide) *domain.Position {
	symbol = strings.ToLower(symbol)
	if a.positions[symbol] == nil {
		a.positions[symbol] = make(map[domain.PositionSide]*domain.Position)
	}
	if a.positions[symbol][side] == nil {
		a.positions[symbol][side] = domain.NewFlatPosition(symbol, side)
	}
	return a.positions[symbol][side]
}

func (a *accountBook) setLeverage(symbol string, leverage decimal.Decimal) {
	a.leverages[strings.ToLower(symbol)] = leverage
}

func (a *accountBook) getLeverage(symbol string) (decimal.Decimal, error) {
	lev, ok := a.leverages[strings.ToLower(symbol)]
	if !ok {
		return decimal.Zero, domain.NewErrorf(domain.ErrInvalidRequest, "no leverage set for %s", symbol)
	}
	return lev, nil
}
