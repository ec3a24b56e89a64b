// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// BacktestsTotal counts completed backtests by outcome.
	BacktestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_backtests_total",
		Help: "Completed backtests by outcome",
	}, []string{"outcome"})

	// SchedulerCyclesTotal counts scheduler cycles.
	SchedulerCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trading_scheduler_cycles_total",
		Help: "Scheduler cycles executed",
	})

	// CandlesProcessedTotal counts candles pushed through backtests.
	CandlesProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trading_candles_processed_total",
		Help: "Candles processed across backtests",
	})

	// CurrentPeriodIndex is the scheduler's qualification period index.
	CurrentPeriodIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trading_scheduler_period_index",
		Help: "Current incremental qualification period index",
	})

	// LastBacktestBalance is the final balance of the latest backtest.
	LastBacktestBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trading_last_backtest_balance",
		Help: "Final balance of the most recent backtest",
	})
)

// Serve exposes /metrics on the given port in a background goroutine.
func Serve(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		addr := fmt.Sprintf(":%d", port)
		log.Info().Str("addr", addr).Msg("Metrics server listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
}
