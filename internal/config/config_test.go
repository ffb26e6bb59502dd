package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
simulation_mode: true
risk:
  max_risk_per_trade: 0.10
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Risk.MaxDailyLoss != 0.20 {
		t.Errorf("max_daily_loss = %v, want default 0.20", cfg.Risk.MaxDailyLoss)
	}
	if cfg.Arb.CacheTTL != 100*time.Millisecond {
		t.Errorf("cache_ttl = %v, want default 100ms", cfg.Arb.CacheTTL)
	}
	if cfg.Exec.OrderbookTTL != 500*time.Millisecond {
		t.Errorf("orderbook_ttl = %v, want default 500ms", cfg.Exec.OrderbookTTL)
	}
	if len(cfg.Exec.FillMonitorSchedule) != 10 {
		t.Errorf("fill_monitor_schedule = %d entries, want default 10", len(cfg.Exec.FillMonitorSchedule))
	}
	if cfg.Exec.MinNotionalPoly != 1.0 {
		t.Errorf("min_notional_poly = %v, want default 1.0", cfg.Exec.MinNotionalPoly)
	}
	if len(cfg.Kalshi.Series) != 3 {
		t.Errorf("series = %v, want three default 15-minute series", cfg.Kalshi.Series)
	}
	if cfg.Poly.ChainID != 137 {
		t.Errorf("chain_id = %v, want Polygon mainnet default", cfg.Poly.ChainID)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
simulation_mode: false
risk:
  max_risk_per_trade: 0.05
exec:
  trade_cooldown: 30s
  min_notional_poly: 2.5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SimulationMode {
		t.Error("simulation_mode should be false from file")
	}
	if cfg.Risk.MaxRiskPerTrade != 0.05 {
		t.Errorf("max_risk_per_trade = %v, want 0.05", cfg.Risk.MaxRiskPerTrade)
	}
	if cfg.Exec.TradeCooldown != 30*time.Second {
		t.Errorf("trade_cooldown = %v, want 30s", cfg.Exec.TradeCooldown)
	}
	if cfg.Exec.MinNotionalPoly != 2.5 {
		t.Errorf("min_notional_poly = %v, want 2.5", cfg.Exec.MinNotionalPoly)
	}
}

func TestLoadEnvOverridesCredentials(t *testing.T) {
	t.Setenv("ARB_KALSHI_KEY_ID", "env-key-id")
	t.Setenv("ARB_POLY_SECRET", "env-secret")
	t.Setenv("ARB_SIMULATION_MODE", "true")

	path := writeConfig(t, `
simulation_mode: false
kalshi:
  key_id: file-key-id
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Kalshi.KeyID != "env-key-id" {
		t.Errorf("key_id = %q, env must win over the file", cfg.Kalshi.KeyID)
	}
	if cfg.Poly.Secret != "env-secret" {
		t.Errorf("secret = %q, want env value", cfg.Poly.Secret)
	}
	if !cfg.SimulationMode {
		t.Error("ARB_SIMULATION_MODE=true must force simulation mode on")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for a missing config file")
	}
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	bad := *cfg
	bad.Risk.MaxRiskPerTrade = 1.5
	if err := bad.Validate(); err == nil {
		t.Error("expected error for risk fraction above 1")
	}

	bad = *cfg
	bad.Exec.FillMonitorSchedule = nil
	if err := bad.Validate(); err == nil {
		t.Error("expected error for empty fill monitor schedule")
	}

	bad = *cfg
	bad.Exec.PriceBandLo, bad.Exec.PriceBandHi = 0.9, 0.1
	if err := bad.Validate(); err == nil {
		t.Error("expected error for inverted price band")
	}

	bad = *cfg
	bad.Kalshi.BaseURL = ""
	if err := bad.Validate(); err == nil {
		t.Error("expected error for missing base url")
	}
}

func TestValidateCredentials(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := cfg.ValidateCredentials(); err == nil {
		t.Error("expected error without kalshi credentials")
	}

	cfg.Kalshi.KeyID = "key"
	cfg.Kalshi.PrivateKeyPEM = "pem"
	if err := cfg.ValidateCredentials(); err != nil {
		t.Errorf("simulation mode with kalshi credentials should pass: %v", err)
	}

	cfg.SimulationMode = false
	if err := cfg.ValidateCredentials(); err == nil {
		t.Error("live mode without a wallet key should fail")
	}
	cfg.Poly.PrivateKey = "4c0883a69102937d6231471b5dbb6204fe512961708279f1d4f0f8f7c8b51d60"
	if err := cfg.ValidateCredentials(); err != nil {
		t.Errorf("live mode with a wallet key should pass: %v", err)
	}
}
