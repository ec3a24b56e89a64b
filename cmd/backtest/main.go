// Command backtest runs a single backtest from flags and prints the results.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ToniJM/trading-assistant/internal/agents"
	"github.com/ToniJM/trading-assistant/internal/config"
	"github.com/ToniJM/trading-assistant/internal/domain"
	_ "github.com/ToniJM/trading-assistant/internal/strategy/cargadescarga"
)

func main() {
	var (
		configPath string
		symbol     string
		strategy   string
		startTime  int64
		endTime    int64
		days       int
		timeframes []string
		rsiLimits  []int
	)

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run a single backtest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			config.InitLogger(cfg.Log)

			if startTime == 0 {
				if days <= 0 {
					days = 1
				}
				endTime = time.Now().Add(-time.Minute).UnixMilli()
				startTime = endTime - int64(days)*24*3600*1000
			}

			request := domain.NewStartBacktestRequest(symbol, startTime)
			request.EndTime = endTime
			request.StrategyName = strategy
			request.InitialBalance = decimal.NewFromFloat(cfg.Backtest.InitialBalance)
			request.Leverage = decimal.NewFromFloat(cfg.Backtest.Leverage)
			request.MakerFee = decimal.NewFromFloat(cfg.Backtest.MakerFee)
			request.TakerFee = decimal.NewFromFloat(cfg.Backtest.TakerFee)
			request.MaxNotional = decimal.NewFromFloat(cfg.Backtest.MaxNotional)
			request.StopOnLoss = cfg.Backtest.StopOnLoss
			request.MaxLossPercentage = cfg.Backtest.MaxLossPercentage
			if len(timeframes) > 0 {
				request.Timeframes = timeframes
			}
			if len(rsiLimits) > 0 {
				request.RSILimits = rsiLimits
			}
			if err := request.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			orchestrator, err := agents.NewOrchestratorAgent(agents.OrchestratorConfig{
				StorePath:    cfg.Candles.Path,
				RegistryPath: cfg.Registry.Path,
				WithRegistry: true,
			}).Initialize(ctx)
			if err != nil {
				return err
			}
			defer orchestrator.Close()

			results, err := orchestrator.RunBacktest(ctx, request, nil)
			if err != nil {
				return err
			}

			encoded, err := json.MarshalIndent(results, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "config file path")
	cmd.Flags().StringVar(&symbol, "symbol", "BTCUSDT", "trading symbol")
	cmd.Flags().StringVar(&strategy, "strategy", "carga_descarga", "strategy name")
	cmd.Flags().Int64Var(&startTime, "start", 0, "start time (ms since epoch, 0 = derive from --days)")
	cmd.Flags().Int64Var(&endTime, "end", 0, "end time (ms since epoch, 0 = now)")
	cmd.Flags().IntVar(&days, "days", 1, "backtest window in days when --start is not set")
	cmd.Flags().StringSliceVar(&timeframes, "timeframes", nil, "timeframes (2-4 entries)")
	cmd.Flags().IntSliceVar(&rsiLimits, "rsi-limits", nil, "RSI limits triple")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("Backtest failed")
		os.Exit(1)
	}
}
