// Package config defines all configuration for the arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	SimulationMode bool          `mapstructure:"simulation_mode"`
	Kalshi         KalshiConfig  `mapstructure:"kalshi"`
	Poly           PolyConfig    `mapstructure:"polymarket"`
	Risk           RiskConfig    `mapstructure:"risk"`
	Fees           FeeConfig     `mapstructure:"fees"`
	Arb            ArbConfig     `mapstructure:"arb"`
	Exec           ExecConfig    `mapstructure:"exec"`
	Matcher        MatcherConfig `mapstructure:"matcher"`
	Journal        JournalConfig `mapstructure:"journal"`
	Logging        LoggingConfig `mapstructure:"logging"`
}

// KalshiConfig holds Kalshi API endpoints and credentials. KeyID is the
// API key UUID; PrivateKeyPEM is the RSA private key (PEM text or a path
// to a PEM file) used for request signing. Series are the 15-minute
// series tickers fetched during discovery.
type KalshiConfig struct {
	BaseURL       string   `mapstructure:"base_url"`
	WSURL         string   `mapstructure:"ws_url"`
	KeyID         string   `mapstructure:"key_id"`
	PrivateKeyPEM string   `mapstructure:"private_key_pem"`
	Series        []string `mapstructure:"series"`
}

// PolyConfig holds Polymarket endpoints, wallet, and optional pre-derived
// L2 credentials. If ApiKey/Secret/Passphrase are empty the adapter
// derives them via L1 auth on startup. TagID selects the 15-minute market
// tag on the Gamma API; FetchLimit caps the catalog page size.
type PolyConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	PrivateKey   string `mapstructure:"private_key"`
	FunderAddr   string `mapstructure:"funder_address"`
	ChainID      int    `mapstructure:"chain_id"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
	TagID        int    `mapstructure:"tag_id"`
	FetchLimit   int    `mapstructure:"fetch_limit"`
}

// RiskConfig sets the three hard limits, each a fraction of bankroll.
//
//   - MaxRiskPerTrade: cap on a single trade's total cost.
//   - MaxDailyLoss: daily PnL floor relative to bankroll at day start.
//   - MaxNetExposure: cap on committed exposure across open positions.
//   - BalanceSyncPeriod: how often the authoritative balance is pulled
//     from the venue-of-record.
type RiskConfig struct {
	MaxRiskPerTrade   float64       `mapstructure:"max_risk_per_trade"`
	MaxDailyLoss      float64       `mapstructure:"max_daily_loss"`
	MaxNetExposure    float64       `mapstructure:"max_net_exposure"`
	BalanceSyncPeriod time.Duration `mapstructure:"balance_sync_period"`
}

// FeeConfig holds the per-venue fee models: Kalshi charges a proportional
// rate on notional, Polymarket a flat per-unit fee.
type FeeConfig struct {
	KalshiRate  float64 `mapstructure:"kalshi_rate"`
	PolyPerUnit float64 `mapstructure:"poly_per_unit"`
}

// ArbConfig tunes the detector.
//
//   - MinProfit: minimum fee-adjusted net per unit to emit an opportunity.
//   - EpsilonFee: pre-filter slack; pairs with min_total > 1 − 2·ε are
//     rejected without fee evaluation.
//   - CacheTTL: memoization window absorbing duplicate push updates.
type ArbConfig struct {
	MinProfit  float64       `mapstructure:"min_profit"`
	EpsilonFee float64       `mapstructure:"epsilon_fee"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// ExecConfig tunes the execution path.
//
//   - OrderbookTTL: freshness bound for cached books; also the maximum
//     opportunity age at consumption.
//   - FetchTimeout: deadline for the fresh-book + balance fan-out.
//   - BalanceReuseWindow: skip the balance fetch if the last authoritative
//     sync is at most this old.
//   - FillMonitorSchedule: backoff sleeps between order polls.
//   - TradeCooldown: post-trade quiet period.
//   - PriceBandLo/Hi: tradeable price band for both sides of both markets.
//   - MinTimeToClose: do not trade pairs closer than this to resolution.
type ExecConfig struct {
	OrderbookTTL        time.Duration   `mapstructure:"orderbook_ttl"`
	FetchTimeout        time.Duration   `mapstructure:"fetch_timeout"`
	BalanceReuseWindow  time.Duration   `mapstructure:"balance_reuse_window"`
	FillMonitorSchedule []time.Duration `mapstructure:"fill_monitor_schedule"`
	TradeCooldown       time.Duration   `mapstructure:"trade_cooldown"`
	DedupeWindow        time.Duration   `mapstructure:"dedupe_window"`
	PriceBandLo         float64         `mapstructure:"price_band_lo"`
	PriceBandHi         float64         `mapstructure:"price_band_hi"`
	MinTimeToClose      time.Duration   `mapstructure:"min_time_to_close"`
	MinNotionalPoly     float64         `mapstructure:"min_notional_poly"`
}

// MatcherConfig tunes cross-venue equivalence.
//
//   - TimeTolerance: max resolution-time skew for aligned venue clocks.
//   - OffsetCorrection: one-shot correction permitted when a venue's
//     documented quantization differs and the per-asset offset has been
//     calibrated.
type MatcherConfig struct {
	TimeTolerance    time.Duration `mapstructure:"time_tolerance"`
	OffsetCorrection time.Duration `mapstructure:"offset_correction"`
}

// JournalConfig sets where decision records are appended. RedisURL is
// optional; when set, opportunity and trade records are also published
// for external dashboards.
type JournalConfig struct {
	Dir          string `mapstructure:"dir"`
	RedisURL     string `mapstructure:"redis_url"`
	RedisChannel string `mapstructure:"redis_channel"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_KALSHI_KEY_ID, ARB_KALSHI_PRIVATE_KEY,
// ARB_POLY_PRIVATE_KEY, ARB_POLY_API_KEY, ARB_POLY_SECRET, ARB_POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("ARB_KALSHI_KEY_ID"); key != "" {
		cfg.Kalshi.KeyID = key
	}
	if pem := os.Getenv("ARB_KALSHI_PRIVATE_KEY"); pem != "" {
		cfg.Kalshi.PrivateKeyPEM = pem
	}
	if key := os.Getenv("ARB_POLY_PRIVATE_KEY"); key != "" {
		cfg.Poly.PrivateKey = key
	}
	if key := os.Getenv("ARB_POLY_API_KEY"); key != "" {
		cfg.Poly.ApiKey = key
	}
	if secret := os.Getenv("ARB_POLY_SECRET"); secret != "" {
		cfg.Poly.Secret = secret
	}
	if pass := os.Getenv("ARB_POLY_PASSPHRASE"); pass != "" {
		cfg.Poly.Passphrase = pass
	}
	if url := os.Getenv("ARB_REDIS_URL"); url != "" {
		cfg.Journal.RedisURL = url
	}
	if os.Getenv("ARB_SIMULATION_MODE") == "true" || os.Getenv("ARB_SIMULATION_MODE") == "1" {
		cfg.SimulationMode = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("simulation_mode", true)

	v.SetDefault("kalshi.base_url", "https://api.elections.kalshi.com/trade-api/v2")
	v.SetDefault("kalshi.ws_url", "wss://api.elections.kalshi.com/trade-api/ws/v2")
	v.SetDefault("kalshi.series", []string{"KXBTC15M", "KXETH15M", "KXSOL15M"})

	v.SetDefault("polymarket.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("polymarket.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("polymarket.chain_id", 137)
	v.SetDefault("polymarket.tag_id", 102467)
	v.SetDefault("polymarket.fetch_limit", 20)

	v.SetDefault("risk.max_risk_per_trade", 0.10)
	v.SetDefault("risk.max_daily_loss", 0.20)
	v.SetDefault("risk.max_net_exposure", 0.50)
	v.SetDefault("risk.balance_sync_period", 30*time.Second)

	v.SetDefault("fees.kalshi_rate", 0.01)
	v.SetDefault("fees.poly_per_unit", 0.001)

	v.SetDefault("arb.min_profit", 0.005)
	v.SetDefault("arb.epsilon_fee", 0.02)
	v.SetDefault("arb.cache_ttl", 100*time.Millisecond)

	v.SetDefault("exec.orderbook_ttl", 500*time.Millisecond)
	v.SetDefault("exec.fetch_timeout", 5*time.Second)
	v.SetDefault("exec.balance_reuse_window", 10*time.Second)
	v.SetDefault("exec.fill_monitor_schedule", []time.Duration{
		100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond,
		500 * time.Millisecond, time.Second, time.Second,
		2 * time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second,
	})
	v.SetDefault("exec.trade_cooldown", 60*time.Second)
	v.SetDefault("exec.dedupe_window", 15*time.Second)
	v.SetDefault("exec.price_band_lo", 0.10)
	v.SetDefault("exec.price_band_hi", 0.90)
	v.SetDefault("exec.min_time_to_close", 60*time.Second)
	v.SetDefault("exec.min_notional_poly", 1.0)

	v.SetDefault("matcher.time_tolerance", 60*time.Second)
	v.SetDefault("matcher.offset_correction", 900*time.Second)

	v.SetDefault("journal.dir", "data")
	v.SetDefault("journal.redis_channel", "crossarb")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges. Credential errors
// are distinguished from plain configuration errors so main can map them
// to the right exit code.
func (c *Config) Validate() error {
	for name, f := range map[string]float64{
		"risk.max_risk_per_trade": c.Risk.MaxRiskPerTrade,
		"risk.max_daily_loss":     c.Risk.MaxDailyLoss,
		"risk.max_net_exposure":   c.Risk.MaxNetExposure,
	} {
		if f <= 0 || f > 1 {
			return fmt.Errorf("%s must be a fraction in (0,1], got %v", name, f)
		}
	}
	if c.Arb.MinProfit < 0 {
		return fmt.Errorf("arb.min_profit must be >= 0")
	}
	if c.Exec.OrderbookTTL <= 0 {
		return fmt.Errorf("exec.orderbook_ttl must be > 0")
	}
	if len(c.Exec.FillMonitorSchedule) == 0 {
		return fmt.Errorf("exec.fill_monitor_schedule must not be empty")
	}
	if c.Exec.PriceBandLo < 0 || c.Exec.PriceBandHi > 1 || c.Exec.PriceBandLo >= c.Exec.PriceBandHi {
		return fmt.Errorf("exec.price_band must satisfy 0 <= lo < hi <= 1")
	}
	if c.Kalshi.BaseURL == "" {
		return fmt.Errorf("kalshi.base_url is required")
	}
	if c.Poly.CLOBBaseURL == "" {
		return fmt.Errorf("polymarket.clob_base_url is required")
	}
	return nil
}

// ValidateCredentials checks that live trading has the secrets it needs.
// Simulation mode still requires Kalshi credentials because live market
// data and the authoritative balance come from signed endpoints.
func (c *Config) ValidateCredentials() error {
	if c.Kalshi.KeyID == "" {
		return fmt.Errorf("kalshi.key_id is required (set ARB_KALSHI_KEY_ID)")
	}
	if c.Kalshi.PrivateKeyPEM == "" {
		return fmt.Errorf("kalshi.private_key_pem is required (set ARB_KALSHI_PRIVATE_KEY)")
	}
	if !c.SimulationMode {
		if c.Poly.PrivateKey == "" {
			return fmt.Errorf("polymarket.private_key is required for live mode (set ARB_POLY_PRIVATE_KEY)")
		}
	}
	return nil
}
