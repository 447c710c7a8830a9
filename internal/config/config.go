package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	REST     RESTConfig     `yaml:"rest"`
	WS       WSConfig       `yaml:"ws"`
	State    StateConfig    `yaml:"state"`
	Journal  JournalConfig  `yaml:"journal"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Telegram TelegramConfig `yaml:"telegram"`
	Strategy StrategyConfig `yaml:"strategy"`
	Wallet   WalletConfig   `yaml:"wallet"`
	Risk     RiskConfig     `yaml:"risk"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type JournalConfig struct {
	Enabled      bool          `yaml:"enabled"`
	DSN          string        `yaml:"dsn"`
	QueueSize    int           `yaml:"queue_size"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	MaxLifetime  time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TelegramConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Token                string        `yaml:"token"`
	ChatID               string        `yaml:"chat_id"`
	OperatorEnabled      bool          `yaml:"operator_enabled"`
	OperatorPollInterval time.Duration `yaml:"operator_poll_interval"`
	OperatorUserIDs      []int64       `yaml:"operator_user_ids"`
}

type StrategyConfig struct {
	EnabledPairs            []string      `yaml:"enabled_pairs"`
	MAPeriod                int           `yaml:"ma_period"`
	ZScoreK                 float64       `yaml:"funding_zscore_k"`
	FundingThreshold        float64       `yaml:"funding_threshold"`
	FundingIntervalHours    float64       `yaml:"funding_interval_hours"`
	PollInterval            time.Duration `yaml:"funding_poll_interval"`
	RebalanceInterval       time.Duration `yaml:"rebalance_check_interval"`
	RebalanceDeltaThreshold float64       `yaml:"rebalance_delta_threshold"`
	CapitalPerPairPct       float64       `yaml:"capital_per_pair_pct"`
	TakerFeePct             float64       `yaml:"taker_fee_pct"`
	SlippagePct             float64       `yaml:"slippage_pct"`
	MinOrderSizeUSD         float64       `yaml:"min_order_size_usd"`
	Paused                  bool          `yaml:"paused"`
}

type WalletConfig struct {
	InitialCapital          float64 `yaml:"initial_capital"`
	MaxAllocationPerPairPct float64 `yaml:"max_allocation_per_pair_pct"`
	MaxLeverageGlobal       float64 `yaml:"max_leverage_global"`
}

type RiskConfig struct {
	MaxDrawdownPct             float64 `yaml:"max_drawdown_pct"`
	MaxDailyLossPct            float64 `yaml:"max_daily_loss_pct"`
	MaxLeverageHard            float64 `yaml:"max_leverage_hard"`
	MaxConcentrationPerPairPct float64 `yaml:"max_concentration_per_pair_pct"`
	DisableCircuitBreaker      bool    `yaml:"disable_circuit_breaker"`
	FundingDropAlertPct        float64 `yaml:"funding_drop_alert_pct"`
	DeltaAlertThreshold        float64 `yaml:"delta_alert_threshold"`
	LiquidationBufferPct       float64 `yaml:"liquidation_buffer_pct"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://api.hyperliquid.xyz/ws"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/dn-funding-bot.db"
	}
	if cfg.Journal.QueueSize == 0 {
		cfg.Journal.QueueSize = 256
	}
	if cfg.Journal.MaxOpenConns == 0 {
		cfg.Journal.MaxOpenConns = 4
	}
	if cfg.Journal.MaxIdleConns == 0 {
		cfg.Journal.MaxIdleConns = 2
	}
	if cfg.Journal.MaxLifetime == 0 {
		cfg.Journal.MaxLifetime = 30 * time.Minute
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Strategy.MAPeriod == 0 {
		cfg.Strategy.MAPeriod = 24
	}
	if cfg.Strategy.ZScoreK == 0 {
		cfg.Strategy.ZScoreK = 1.5
	}
	if cfg.Strategy.FundingThreshold == 0 {
		cfg.Strategy.FundingThreshold = 0.0003
	}
	if cfg.Strategy.FundingIntervalHours == 0 {
		cfg.Strategy.FundingIntervalHours = 1
	}
	if cfg.Strategy.PollInterval == 0 {
		cfg.Strategy.PollInterval = 10 * time.Second
	}
	if cfg.Strategy.RebalanceInterval == 0 {
		cfg.Strategy.RebalanceInterval = 30 * time.Second
	}
	if cfg.Strategy.RebalanceDeltaThreshold == 0 {
		cfg.Strategy.RebalanceDeltaThreshold = 0.02
	}
	if cfg.Strategy.CapitalPerPairPct == 0 {
		cfg.Strategy.CapitalPerPairPct = 0.4
	}
	if cfg.Strategy.TakerFeePct == 0 {
		cfg.Strategy.TakerFeePct = 0.0006
	}
	if cfg.Strategy.SlippagePct == 0 {
		cfg.Strategy.SlippagePct = 0.001
	}
	if cfg.Strategy.MinOrderSizeUSD == 0 {
		cfg.Strategy.MinOrderSizeUSD = 10
	}
	if cfg.Wallet.MaxAllocationPerPairPct == 0 {
		cfg.Wallet.MaxAllocationPerPairPct = 0.4
	}
	if cfg.Wallet.MaxLeverageGlobal == 0 {
		cfg.Wallet.MaxLeverageGlobal = 3
	}
	if cfg.Risk.MaxDrawdownPct == 0 {
		cfg.Risk.MaxDrawdownPct = 0.10
	}
	if cfg.Risk.MaxDailyLossPct == 0 {
		cfg.Risk.MaxDailyLossPct = 0.03
	}
	if cfg.Risk.MaxLeverageHard == 0 {
		cfg.Risk.MaxLeverageHard = 5
	}
	if cfg.Risk.MaxConcentrationPerPairPct == 0 {
		cfg.Risk.MaxConcentrationPerPairPct = 0.5
	}
	if cfg.Risk.FundingDropAlertPct == 0 {
		cfg.Risk.FundingDropAlertPct = 0.5
	}
	if cfg.Risk.DeltaAlertThreshold == 0 {
		cfg.Risk.DeltaAlertThreshold = 0.05
	}
	if cfg.Risk.LiquidationBufferPct == 0 {
		cfg.Risk.LiquidationBufferPct = 0.15
	}
}

func validate(cfg *Config) error {
	if len(cfg.Strategy.EnabledPairs) == 0 {
		return errors.New("strategy.enabled_pairs is required")
	}
	if cfg.Wallet.InitialCapital <= 0 {
		return errors.New("wallet.initial_capital must be > 0")
	}
	if cfg.Strategy.CapitalPerPairPct <= 0 || cfg.Strategy.CapitalPerPairPct > 1 {
		return errors.New("strategy.capital_per_pair_pct must be in (0, 1]")
	}
	if cfg.Wallet.MaxAllocationPerPairPct <= 0 || cfg.Wallet.MaxAllocationPerPairPct > 1 {
		return errors.New("wallet.max_allocation_per_pair_pct must be in (0, 1]")
	}
	if cfg.Strategy.CapitalPerPairPct > cfg.Wallet.MaxAllocationPerPairPct {
		return fmt.Errorf("strategy.capital_per_pair_pct %.2f exceeds wallet.max_allocation_per_pair_pct %.2f",
			cfg.Strategy.CapitalPerPairPct, cfg.Wallet.MaxAllocationPerPairPct)
	}
	if cfg.Risk.MaxDrawdownPct <= 0 || cfg.Risk.MaxDrawdownPct >= 1 {
		return errors.New("risk.max_drawdown_pct must be in (0, 1)")
	}
	if cfg.Risk.MaxDailyLossPct <= 0 || cfg.Risk.MaxDailyLossPct >= 1 {
		return errors.New("risk.max_daily_loss_pct must be in (0, 1)")
	}
	if cfg.Risk.MaxLeverageHard < cfg.Wallet.MaxLeverageGlobal {
		return errors.New("risk.max_leverage_hard must be >= wallet.max_leverage_global")
	}
	if cfg.Journal.Enabled && cfg.Journal.DSN == "" {
		return errors.New("journal.dsn is required when journal is enabled")
	}
	return nil
}
