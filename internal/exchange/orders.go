package exchange

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

// orderBook stores resting orders per symbol.
type orderBook struct {
	orders map[string][]*domain.Order
}

func newOrderBook() *orderBook {
	return &orderBook{orders: make(map[string][]*domain.Order)}
}

func (b *orderBook) newOrder(symbol string, positionSide domain.PositionSide, side domain.OrderSide,
	orderType domain.OrderType, quantity, price decimal.Decimal) *domain.Order {
	symbol = strings.ToLower(symbol)
	order := &domain.Order{
		OrderID:      uuid.NewString(),
		Symbol:       symbol,
		PositionSide: positionSide,
		Side:         side,
		Type:         orderType,
		Price:        price,
		Quantity:     quantity,
		Status:       domain.OrderNew,
	}
	b.orders[symbol] = append(b.orders[symbol], order)
	return order
}

func (b *orderBook) modifyOrder(order *domain.Order) *domain.Order {
	symbol := strings.ToLower(order.Symbol)
	for i, o := range b.orders[symbol] {
		if o.OrderID == order.OrderID {
			b.orders[symbol][i] = order
			return order
		}
	}
	return nil
}

func (b *orderBook) deleteOrder(orderID string) bool {
	for symbol, orders := range b.orders {
		for i, o := range orders {
			if o.OrderID == orderID {
				b.orders[symbol] = append(orders[:i:i], orders[i+1:]...)
				return true
			}
		}
	}
	return false
}

func (b *orderBook) getOrder(orderID string) *domain.Order {
	for _, orders := range b.orders {
		for _, o := range orders {
			if o.OrderID == orderID {
				return o
			}
		}
	}
	return nil
}

func (b *orderBook) symbolOrders(symbol string) []*domain.Order {
	return b.orders[strings.ToLower(symbol)]
}
