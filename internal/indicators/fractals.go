package indicators

import (
	"github.com/shopspring/decimal"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

// Fractal marks a Williams fractal at a candle. Bear fractals sit on local
// highs (candidate sell levels), bull fractals on local lows (candidate buy
// levels). At most one of the two prices is set per entry.
type Fractal struct {
	Timestamp domain.Millis
	Bear      *decimal.Decimal
	Bull      *decimal.Decimal
}

// Fractals detects Williams fractals with the given spans (the reference
// strategy uses left = right = 2). A bear fractal requires the high to
// strictly exceed every neighbor high within the spans; bull symmetrically
// on lows. Candles inside the spans at either edge cannot be confirmed and
// are skipped.
func Fractals(candles []domain.Candle, leftSpan, rightSpan int) []Fractal {
	var out []Fractal
	for i := leftSpan; i < len(candles)-rightSpan; i++ {
		c := candles[i]

		isBear, isBull := true, true
		for j := i - leftSpan; j <= i+rightSpan; j++ {
			if j == i {
				continue
			}
			if !candles[j].High.LessThan(c.High) {
				isBear = false
			}
			if !candles[j].Low.GreaterThan(c.Low) {
				isBull = false
			}
			if !isBear && !isBull {
				break
			}
		}

		if isBear {
			high := c.High
			out = append(out, Fractal{Timestamp: c.Timestamp, Bear: &high})
		} else if isBull {
			low := c.Low
			out = append(out, Fractal{Timestamp: c.Timestamp, Bull: &low})
		}
	}
	return out
}
