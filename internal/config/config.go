// Package config loads the application configuration from YAML, environment
// variables and defaults, and initializes the global logger.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	Candles   CandlesConfig   `mapstructure:"candles"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Backtest  BacktestConfig  `mapstructure:"backtest"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, production
}

// CandlesConfig contains candle store settings.
type CandlesConfig struct {
	Path string `mapstructure:"path"`
}

// LLMConfig contains settings for the optimization LLM. An empty API key
// disables the LLM; the optimizer then uses its deterministic fallback.
type LLMConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	TimeoutMS   int     `mapstructure:"timeout_ms"`
}

// RegistryConfig contains result registry settings.
type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

// BacktestConfig contains backtest defaults applied when a request leaves
// them unset.
type BacktestConfig struct {
	InitialBalance    float64  `mapstructure:"initial_balance"`
	Leverage          float64  `mapstructure:"leverage"`
	MakerFee          float64  `mapstructure:"maker_fee"`
	TakerFee          float64  `mapstructure:"taker_fee"`
	MaxNotional       float64  `mapstructure:"max_notional"`
	StopOnLoss        bool     `mapstructure:"stop_on_loss"`
	MaxLossPercentage float64  `mapstructure:"max_loss_percentage"`
	Timeframes        []string `mapstructure:"timeframes"`
}

// SchedulerConfig contains the incremental-qualification scheduler settings.
type SchedulerConfig struct {
	Symbol                      string             `mapstructure:"symbol"`
	StrategyName                string             `mapstructure:"strategy_name"`
	ScheduleIntervalSeconds     int                `mapstructure:"schedule_interval_seconds"`
	IncrementalPeriods          []int              `mapstructure:"incremental_periods"`
	BacktestsPerPeriod          int                `mapstructure:"backtests_per_period"`
	MinPassedBacktestsPerPeriod int                `mapstructure:"min_passed_backtests_per_period"`
	MaxOverlapPercentage        float64            `mapstructure:"max_overlap_percentage"`
	MaxIterationsPerCycle       int                `mapstructure:"max_iterations_per_cycle"`
	KPIs                        map[string]float64 `mapstructure:"kpis"`
	AutoResetMemory             bool               `mapstructure:"auto_reset_memory"`
	InitialBalance              float64            `mapstructure:"initial_balance"`
	Leverage                    float64            `mapstructure:"leverage"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads configuration from an optional file path, environment variables
// (TRADING_ prefix) and defaults. A .env file is loaded first so secrets can
// live outside the YAML.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("TRADING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "trading-assistant")
	v.SetDefault("app.environment", "development")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.directory", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)

	v.SetDefault("candles.path", "candles.db")

	v.SetDefault("llm.endpoint", "https://api.groq.com/openai/v1/chat/completions")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "llama-3.3-70b-versatile")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.timeout_ms", 30000)

	v.SetDefault("registry.path", "data/registry")

	v.SetDefault("backtest.initial_balance", 2500.0)
	v.SetDefault("backtest.leverage", 100.0)
	v.SetDefault("backtest.maker_fee", 0.0002)
	v.SetDefault("backtest.taker_fee", 0.0005)
	v.SetDefault("backtest.max_notional", 50000.0)
	v.SetDefault("backtest.stop_on_loss", true)
	v.SetDefault("backtest.max_loss_percentage", 0.5)
	v.SetDefault("backtest.timeframes", []string{"1m", "15m", "1h"})

	v.SetDefault("scheduler.symbol", "BTCUSDT")
	v.SetDefault("scheduler.strategy_name", "carga_descarga")
	v.SetDefault("scheduler.schedule_interval_seconds", 3600)
	v.SetDefault("scheduler.incremental_periods", []int{1, 7, 30, 90})
	v.SetDefault("scheduler.backtests_per_period", 10)
	v.SetDefault("scheduler.min_passed_backtests_per_period", 10)
	v.SetDefault("scheduler.max_overlap_percentage", 20.0)
	v.SetDefault("scheduler.max_iterations_per_cycle", 5)
	v.SetDefault("scheduler.kpis", map[string]float64{
		"sharpe_ratio":  2.0,
		"max_drawdown":  10.0,
		"profit_factor": 1.5,
	})
	v.SetDefault("scheduler.auto_reset_memory", true)
	v.SetDefault("scheduler.initial_balance", 2500.0)
	v.SetDefault("scheduler.leverage", 100.0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9100)
}

// Validate checks configuration bounds.
func (c *Config) Validate() error {
	if c.Scheduler.ScheduleIntervalSeconds < 60 || c.Scheduler.ScheduleIntervalSeconds > 86400 {
		return fmt.Errorf("scheduler.schedule_interval_seconds must be in [60, 86400], got %d",
			c.Scheduler.ScheduleIntervalSeconds)
	}
	if len(c.Scheduler.IncrementalPeriods) == 0 {
		return fmt.Errorf("scheduler.incremental_periods must not be empty")
	}
	for _, d := range c.Scheduler.IncrementalPeriods {
		if d < 1 {
			return fmt.Errorf("scheduler.incremental_periods entries must be >= 1 day, got %d", d)
		}
	}
	if c.Scheduler.MaxOverlapPercentage < 0 || c.Scheduler.MaxOverlapPercentage > 100 {
		return fmt.Errorf("scheduler.max_overlap_percentage must be in [0, 100], got %f",
			c.Scheduler.MaxOverlapPercentage)
	}
	if c.Scheduler.BacktestsPerPeriod < 1 {
		return fmt.Errorf("scheduler.backtests_per_period must be >= 1")
	}
	if c.Backtest.MaxLossPercentage <= 0 || c.Backtest.MaxLossPercentage > 1 {
		return fmt.Errorf("backtest.max_loss_percentage must be in (0, 1], got %f",
			c.Backtest.MaxLossPercentage)
	}
	return nil
}
