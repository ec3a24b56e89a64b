package strategy

import "github.com/ToniJM/trading-assistant/internal/domain"

// OperationsStatus records, per (position side, order side), whether that
// operation already executed in the current swing. The strategy sets a flag
// when a trade fills and clears it when the RSI crosses back over the middle
// limit.
type OperationsStatus struct {
	LongBuy   bool
	LongSell  bool
	ShortBuy  bool
	ShortSell bool
}

// NewOperationsStatus returns a status with every flag cleared.
func NewOperationsStatus() *OperationsStatus {
	return &OperationsStatus{}
}

// Get returns the flag for a (position side, order side) pair.
func (s *OperationsStatus) Get(positionSide domain.PositionSide, side domain.OrderSide) bool {
	switch {
	case positionSide == domain.PositionLong && side == domain.SideBuy:
		return s.LongBuy
	case positionSide == domain.PositionLong && side == domain.SideSell:
		return s.LongSell
	case positionSide == domain.PositionShort && side == domain.SideBuy:
		return s.ShortBuy
	default:
		return s.ShortSell
	}
}

// Set updates the flag for a (position side, order side) pair.
func (s *OperationsStatus) Set(positionSide domain.PositionSide, side domain.OrderSide, status bool) {
	switch {
	case positionSide == domain.PositionLong && side == domain.SideBuy:
		s.LongBuy = status
	case positionSide == domain.PositionLong && side == domain.SideSell:
		s.LongSell = status
	case positionSide == domain.PositionShort && side == domain.SideBuy:
		s.ShortBuy = status
	default:
		s.ShortSell = status
	}
}
