// Command scheduler runs the incremental-qualification loop until the
// strategy promotes to production or the process is interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ToniJM/trading-assistant/internal/agents"
	"github.com/ToniJM/trading-assistant/internal/config"
	"github.com/ToniJM/trading-assistant/internal/llm"
	"github.com/ToniJM/trading-assistant/internal/metrics"
	_ "github.com/ToniJM/trading-assistant/internal/strategy/cargadescarga"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the incremental-qualification scheduler loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			config.InitLogger(cfg.Log)

			if cfg.Metrics.Enabled {
				metrics.Serve(cfg.Metrics.Port)
			}

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
				log.Warn().Msg("LLM api key not configured, optimizer will use deterministic fallback")
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			orchestrator, err := agents.NewOrchestratorAgent(agents.OrchestratorConfig{
				StorePath:    cfg.Candles.Path,
				RegistryPath: cfg.Registry.Path,
				LLMClient:    llmClient,
				WithRegistry: true,
			}).Initialize(ctx)
			if err != nil {
				return err
			}

			scheduler, err := agents.NewSchedulerAgent(cfg.Scheduler, orchestrator, "").Initialize()
			if err != nil {
				orchestrator.Close()
				return err
			}
			defer scheduler.Close()

			scheduler.OnPromote = func(strategyName, symbol string) {
				log.Info().
					Str("strategy", strategyName).
					Str("symbol", symbol).
					Msg("Strategy promoted to production")
			}

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-signals
				log.Info().Msg("Interrupt received, stopping scheduler")
				scheduler.Stop()
			}()

			scheduler.Start(ctx)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "config file path")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("Scheduler failed")
		os.Exit(1)
	}
}
