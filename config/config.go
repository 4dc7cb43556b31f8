package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"hive/threshold"
)

// BotProfile configuration for a single strategy bot.
// Immutable during a run; a config change means a restart.
type BotProfile struct {
	Name    string   `json:"name"`
	Enabled bool     `json:"enabled"` // Whether this bot participates
	Symbols []string `json:"symbols"` // Tradable pairs, e.g. ["BTCUSDT", "ETHUSDT"]

	// Base thresholds (used when no curve is configured)
	RSIBuy        float64 `json:"rsi_buy"`         // Oversold entry bound
	RSISell       float64 `json:"rsi_sell"`        // Overbought exit bound
	StopLossPct   float64 `json:"stop_loss_pct"`   // Base stop loss percentage
	TakeProfitPct float64 `json:"take_profit_pct"` // Base take profit percentage

	// Patience curve: either a named preset or explicit breakpoints.
	// Breakpoints win when both are set.
	CurvePreset string          `json:"curve_preset,omitempty"` // "fast_scalp" or "stability"
	Curve       threshold.Curve `json:"curve,omitempty"`

	TradeAmountUSD  float64 `json:"trade_amount_usd"` // Capital committed per trade
	MaxPositions    int     `json:"max_positions"`    // Max concurrent positions for this bot
	CooldownMinutes float64 `json:"cooldown_minutes"` // Per-symbol wait after a trade
}

// Cooldown returns the per-symbol cooldown as a duration
func (p BotProfile) Cooldown() time.Duration {
	return time.Duration(p.CooldownMinutes * float64(time.Minute))
}

// RiskCaps global admission limits shared by all bots
type RiskCaps struct {
	MaxDailyLossUSD       float64 `json:"max_daily_loss_usd"`        // Daily realized loss floor; new opens stop at or beyond it
	MaxTradesPerHour      int     `json:"max_trades_per_hour"`       // Per-symbol trade count cap over the trailing hour
	MaxExposurePerCoinUSD float64 `json:"max_exposure_per_coin_usd"` // Invested USD cap per coin across all bots
}

// Config main configuration
type Config struct {
	Bots []BotProfile `json:"bots"`

	TotalCapitalUSD float64  `json:"total_capital_usd"` // Shared capital pool
	Risk            RiskCaps `json:"risk"`

	// Exchange selection: "binance" or "paper"
	Exchange         string `json:"exchange"`
	BinanceAPIKey    string `json:"binance_api_key,omitempty"`
	BinanceSecretKey string `json:"binance_secret_key,omitempty"`

	PollIntervalSeconds  int `json:"poll_interval_seconds"`  // Coordination cycle cadence
	CycleDeadlineSeconds int `json:"cycle_deadline_seconds"` // Hard ceiling per cycle
	OrderTimeoutSeconds  int `json:"order_timeout_seconds"`  // Per exchange call
	ReconcileEveryCycles int `json:"reconcile_every_cycles"` // Slower reconciliation cadence

	DatabasePath  string `json:"database_path"` // SQLite ledger/risk persistence
	APIServerPort int    `json:"api_server_port"`
}

// PollInterval returns the coordination cycle cadence as a duration
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// CycleDeadline returns the per-cycle deadline as a duration
func (c *Config) CycleDeadline() time.Duration {
	return time.Duration(c.CycleDeadlineSeconds) * time.Second
}

// OrderTimeout returns the per exchange call timeout as a duration
func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.OrderTimeoutSeconds) * time.Second
}

// EnabledBots returns the profiles with enabled=true
func (c *Config) EnabledBots() []BotProfile {
	var out []BotProfile
	for _, b := range c.Bots {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out
}

// LoadConfig loads and validates configuration from file. Any malformed
// profile aborts the load; there is no partial bot activation.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyDefaults(c *Config) {
	if c.Exchange == "" {
		c.Exchange = "paper"
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 60
	}
	if c.CycleDeadlineSeconds <= 0 {
		c.CycleDeadlineSeconds = 45
	}
	if c.OrderTimeoutSeconds <= 0 {
		c.OrderTimeoutSeconds = 10
	}
	if c.ReconcileEveryCycles <= 0 {
		c.ReconcileEveryCycles = 5
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "hive.db"
	}
	if c.APIServerPort == 0 {
		c.APIServerPort = 8080
	}

	// Resolve each profile's curve: explicit breakpoints > preset > flat base values
	for i := range c.Bots {
		b := &c.Bots[i]
		if len(b.Curve) > 0 {
			continue
		}
		if preset := threshold.Named(b.CurvePreset); preset != nil {
			b.Curve = preset
			continue
		}
		b.Curve = threshold.Flat(b.TakeProfitPct, b.StopLossPct, b.RSIBuy, b.RSISell)
	}
}

// Validate checks the whole configuration and returns the first problem found
func (c *Config) Validate() error {
	if c.TotalCapitalUSD <= 0 {
		return fmt.Errorf("total_capital_usd must be greater than 0")
	}
	if len(c.EnabledBots()) == 0 {
		return fmt.Errorf("no enabled bots found, set at least one bot's enabled=true")
	}
	if c.Exchange != "binance" && c.Exchange != "paper" {
		return fmt.Errorf("unsupported exchange: %s", c.Exchange)
	}
	if c.Exchange == "binance" && (c.BinanceAPIKey == "" || c.BinanceSecretKey == "") {
		return fmt.Errorf("binance exchange requires binance_api_key and binance_secret_key")
	}
	if c.Risk.MaxTradesPerHour <= 0 {
		return fmt.Errorf("risk.max_trades_per_hour must be greater than 0")
	}
	if c.Risk.MaxExposurePerCoinUSD <= 0 {
		return fmt.Errorf("risk.max_exposure_per_coin_usd must be greater than 0")
	}
	if c.Risk.MaxDailyLossUSD <= 0 {
		return fmt.Errorf("risk.max_daily_loss_usd must be greater than 0")
	}

	seen := make(map[string]bool)
	for _, b := range c.Bots {
		if b.Name == "" {
			return fmt.Errorf("bot profile with empty name")
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate bot name: %s", b.Name)
		}
		seen[b.Name] = true

		if !b.Enabled {
			continue
		}
		if len(b.Symbols) == 0 {
			return fmt.Errorf("bot %s: no symbols configured", b.Name)
		}
		for _, s := range b.Symbols {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("bot %s: empty symbol", b.Name)
			}
		}
		if b.TradeAmountUSD <= 0 {
			return fmt.Errorf("bot %s: trade_amount_usd must be greater than 0", b.Name)
		}
		if b.MaxPositions <= 0 {
			return fmt.Errorf("bot %s: max_positions must be greater than 0", b.Name)
		}
		if b.CooldownMinutes < 0 {
			return fmt.Errorf("bot %s: cooldown_minutes must not be negative", b.Name)
		}
		if err := b.Curve.Validate(); err != nil {
			return fmt.Errorf("bot %s: %w", b.Name, err)
		}
	}
	return nil
}
