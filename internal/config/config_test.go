package config

import (
	"testing"
	"time"
)

func validBase() *Config {
	return &Config{
		Strategy: StrategyConfig{EnabledPairs: []string{"BTC", "ETH"}},
		Wallet:   WalletConfig{InitialCapital: 10000},
	}
}

func TestStrategyDefaults(t *testing.T) {
	cfg := validBase()
	applyDefaults(cfg)
	if cfg.Strategy.MAPeriod != 24 {
		t.Fatalf("expected ma period 24, got %d", cfg.Strategy.MAPeriod)
	}
	if cfg.Strategy.ZScoreK != 1.5 {
		t.Fatalf("expected zscore k 1.5, got %v", cfg.Strategy.ZScoreK)
	}
	if cfg.Strategy.FundingThreshold != 0.0003 {
		t.Fatalf("expected funding threshold 0.0003, got %v", cfg.Strategy.FundingThreshold)
	}
	if cfg.Strategy.PollInterval != 10*time.Second {
		t.Fatalf("expected poll interval 10s, got %v", cfg.Strategy.PollInterval)
	}
	if cfg.Strategy.RebalanceInterval != 30*time.Second {
		t.Fatalf("expected rebalance interval 30s, got %v", cfg.Strategy.RebalanceInterval)
	}
	if cfg.Strategy.RebalanceDeltaThreshold != 0.02 {
		t.Fatalf("expected rebalance delta threshold 0.02, got %v", cfg.Strategy.RebalanceDeltaThreshold)
	}
	if cfg.Strategy.CapitalPerPairPct != 0.4 {
		t.Fatalf("expected capital per pair 0.4, got %v", cfg.Strategy.CapitalPerPairPct)
	}
	if cfg.Strategy.MinOrderSizeUSD != 10 {
		t.Fatalf("expected min order size 10, got %v", cfg.Strategy.MinOrderSizeUSD)
	}
}

func TestRiskDefaults(t *testing.T) {
	cfg := validBase()
	applyDefaults(cfg)
	if cfg.Risk.MaxDrawdownPct != 0.10 {
		t.Fatalf("expected max drawdown 0.10, got %v", cfg.Risk.MaxDrawdownPct)
	}
	if cfg.Risk.MaxDailyLossPct != 0.03 {
		t.Fatalf("expected max daily loss 0.03, got %v", cfg.Risk.MaxDailyLossPct)
	}
	if cfg.Risk.MaxLeverageHard != 5 {
		t.Fatalf("expected hard leverage cap 5, got %v", cfg.Risk.MaxLeverageHard)
	}
	if cfg.Risk.MaxConcentrationPerPairPct != 0.5 {
		t.Fatalf("expected concentration cap 0.5, got %v", cfg.Risk.MaxConcentrationPerPairPct)
	}
	if cfg.Risk.LiquidationBufferPct != 0.15 {
		t.Fatalf("expected liquidation buffer 0.15, got %v", cfg.Risk.LiquidationBufferPct)
	}
}

func TestPausedDefaultsFalse(t *testing.T) {
	cfg := validBase()
	applyDefaults(cfg)
	if cfg.Strategy.Paused {
		t.Fatalf("expected paused to default false")
	}
	if cfg.Risk.DisableCircuitBreaker {
		t.Fatalf("expected circuit breaker enabled by default")
	}
}

func TestValidateRequiresPairs(t *testing.T) {
	cfg := &Config{Wallet: WalletConfig{InitialCapital: 10000}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing enabled pairs")
	}
}

func TestValidateRequiresCapital(t *testing.T) {
	cfg := &Config{Strategy: StrategyConfig{EnabledPairs: []string{"BTC"}}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing initial capital")
	}
}

func TestValidateRejectsAllocationAboveCap(t *testing.T) {
	cfg := validBase()
	cfg.Strategy.CapitalPerPairPct = 0.6
	cfg.Wallet.MaxAllocationPerPairPct = 0.4
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error when per-pair capital exceeds allocation cap")
	}
}

func TestValidateRejectsLeverageAboveHardCap(t *testing.T) {
	cfg := validBase()
	cfg.Wallet.MaxLeverageGlobal = 10
	cfg.Risk.MaxLeverageHard = 5
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error when global leverage exceeds hard cap")
	}
}

func TestValidateRejectsJournalWithoutDSN(t *testing.T) {
	cfg := validBase()
	cfg.Journal.Enabled = true
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for journal enabled without dsn")
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validBase()
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid defaults, got %v", err)
	}
}
