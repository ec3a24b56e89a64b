// Package indicators computes the indicators the reference strategy
// consumes: a Stochastic RSI and Williams fractals over recent candles.
package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/momentum"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

// StochRSI computes the Stochastic RSI of the candle closes and returns the
// latest smoothed %K value in [0, 100]. The RSI stage uses cinar/indicator;
// the stochastic normalization and smoothing stages are not available there,
// so we implement them ourselves.
func StochRSI(candles []domain.Candle, rsiPeriods, stochPeriods, signalPeriods, smoothPeriods int) (float64, error) {
	if len(candles) < rsiPeriods+stochPeriods+smoothPeriods {
		return 0, fmt.Errorf("insufficient candles for stoch rsi: need %d, got %d",
			rsiPeriods+stochPeriods+smoothPeriods, len(candles))
	}

	closes := make(chan float64, len(candles))
	for _, c := range candles {
		f, _ := c.Close.Float64()
		closes <- f
	}
	close(closes)

	rsiIndicator := momentum.NewRsiWithPeriod[float64](rsiPeriods)
	rsiChan := rsiIndicator.Compute(closes)

	var rsiValues []float64
	for v := range rsiChan {
		rsiValues = append(rsiValues, v)
	}
	if len(rsiValues) < stochPeriods+smoothPeriods {
		return 0, fmt.Errorf("insufficient rsi values for stochastic window: got %d", len(rsiValues))
	}

	// Stochastic of the RSI series over a rolling window.
	var stoch []float64
	for i := stochPeriods - 1; i < len(rsiValues); i++ {
		lo, hi := rsiValues[i], rsiValues[i]
		for j := i - stochPeriods + 1; j <= i; j++ {
			if rsiValues[j] < lo {
				lo = rsiValues[j]
			}
			if rsiValues[j] > hi {
				hi = rsiValues[j]
			}
		}
		if hi == lo {
			// A flat window has no range; the RSI level itself stands in,
			// so an RSI pinned at 100 reads as the top of the range.
			stoch = append(stoch, rsiValues[i])
			continue
		}
		stoch = append(stoch, (rsiValues[i]-lo)/(hi-lo)*100)
	}

	smoothed := sma(stoch, smoothPeriods)
	if len(smoothed) == 0 {
		return 0, fmt.Errorf("insufficient stochastic values for smoothing")
	}
	// signalPeriods feeds the %D line, which the strategy does not consume;
	// the latest smoothed %K is the value classified against the RSI limits.
	_ = signalPeriods
	return smoothed[len(smoothed)-1], nil
}

func sma(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := make([]float64, 0, len(values)-period+1)
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out = append(out, sum/float64(period))
		}
	}
	return out
}
