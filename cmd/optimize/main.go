// Command optimize runs a one-shot parameter optimization from the results
// stored in the registry.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ToniJM/trading-assistant/internal/agents"
	"github.com/ToniJM/trading-assistant/internal/config"
	"github.com/ToniJM/trading-assistant/internal/domain"
	"github.com/ToniJM/trading-assistant/internal/llm"
)

func main() {
	var (
		configPath string
		symbol     string
		strategy   string
		objective  string
	)

	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Run a one-shot strategy optimization",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			config.InitLogger(cfg.Log)

			var llmClient agents.LLMClient
			if cfg.LLM.APIKey != "" {
				client, err := llm.NewClient(llm.Config{
					Endpoint:    cfg.LLM.Endpoint,
					APIKey:      cfg.LLM.APIKey,
					Model:       cfg.LLM.Model,
					Temperature: cfg.LLM.Temperature,
					MaxTokens:   cfg.LLM.MaxTokens,
					Timeout:     time.Duration(cfg.LLM.TimeoutMS) * time.Millisecond,
				})
				if err != nil {
					return err
				}
				llmClient = client
			} else {
				log.Warn().Msg("LLM api key not configured, using deterministic fallback")
			}

			registryAgent, err := agents.NewRegistryAgent("", cfg.Registry.Path)
			if err != nil {
				return err
			}
			registryAgent.Initialize()
			defer registryAgent.Close()

			history, err := registryAgent.StrategyHistory(strategy, 5)
			if err != nil {
				return err
			}
			previous := backtestsFromHistory(history)

			optimizer := agents.NewOptimizerAgent("", llmClient).Initialize()
			defer optimizer.Close()

			request := domain.OptimizationRequest{
				RunID:        fmt.Sprintf("opt-%d", time.Now().Unix()),
				StrategyName: strategy,
				Symbol:       symbol,
				ParameterSpace: map[string][]float64{
					"rsi_limits": {0, 100},
				},
				Objective: objective,
			}

			result := optimizer.Optimize(cmd.Context(), request, previous)

			store := domain.StoreResultsRequest{
				RunID:               request.RunID,
				StrategyName:        strategy,
				Symbol:              symbol,
				OptimizationResults: result,
			}
			if response := registryAgent.StoreResults(store); !response.Success {
				log.Warn().Str("run_id", request.RunID).Msg("Failed to persist optimization result")
			}

			encoded, err := json.MarshalIndent(result, "", "  ")
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
	cmd.Flags().StringVar(&objective, "objective", "sharpe_ratio", "optimization objective")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("Optimization failed")
		os.Exit(1)
	}
}

// backtestsFromHistory pulls the stored backtest payloads back into typed
// responses, skipping records that fail to round-trip.
func backtestsFromHistory(history []map[string]any) []domain.BacktestResultsResponse {
	var out []domain.BacktestResultsResponse
	for _, record := range history {
		payload, ok := record["backtest"].(map[string]any)
		if !ok {
			continue
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		var response domain.BacktestResultsResponse
		if err := json.Unmarshal(encoded, &response); err != nil {
			continue
		}
		out = append(out, response)
	}
	return out
}
