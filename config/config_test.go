package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

const validConfig = `{
	"total_capital_usd": 1000,
	"risk": {
		"max_daily_loss_usd": 100,
		"max_trades_per_hour": 6,
		"max_exposure_per_coin_usd": 200
	},
	"bots": [
		{
			"name": "scalper",
			"enabled": true,
			"symbols": ["BTCUSDT"],
			"curve_preset": "fast_scalp",
			"trade_amount_usd": 50,
			"max_positions": 2,
			"cooldown_minutes": 15
		},
		{
			"name": "parked",
			"enabled": false
		}
	]
}`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "paper", cfg.Exchange)
	assert.Equal(t, 60, cfg.PollIntervalSeconds)
	assert.Equal(t, 45, cfg.CycleDeadlineSeconds)
	assert.Equal(t, 10, cfg.OrderTimeoutSeconds)
	assert.Equal(t, 5, cfg.ReconcileEveryCycles)
	assert.Equal(t, "hive.db", cfg.DatabasePath)
	assert.Equal(t, 8080, cfg.APIServerPort)

	require.Len(t, cfg.EnabledBots(), 1)
	assert.Equal(t, "scalper", cfg.EnabledBots()[0].Name)
}

func TestCurvePresetResolved(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	curve := cfg.EnabledBots()[0].Curve
	require.NotEmpty(t, curve)
	assert.InDelta(t, 1.2, curve.At(0).TakeProfitPct, 1e-9)
	assert.InDelta(t, 0.5, curve.At(50).TakeProfitPct, 1e-9)
}

func TestFlatCurveFromBaseValues(t *testing.T) {
	body := `{
		"total_capital_usd": 1000,
		"risk": {"max_daily_loss_usd": 100, "max_trades_per_hour": 6, "max_exposure_per_coin_usd": 200},
		"bots": [{
			"name": "plain", "enabled": true, "symbols": ["BTCUSDT"],
			"rsi_buy": 32, "rsi_sell": 68, "stop_loss_pct": 1.5, "take_profit_pct": 2.5,
			"trade_amount_usd": 50, "max_positions": 1
		}]
	}`
	cfg, err := LoadConfig(writeConfig(t, body))
	require.NoError(t, err)

	curve := cfg.EnabledBots()[0].Curve
	// Flat: same thresholds regardless of position age
	assert.Equal(t, curve.At(0), curve.At(120))
	assert.InDelta(t, 32, curve.At(0).RSIBuy, 1e-9)
	assert.InDelta(t, 2.5, curve.At(0).TakeProfitPct, 1e-9)
}

func TestLoadConfigFailFast(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "no capital",
			body: `{"total_capital_usd": 0, "risk": {"max_daily_loss_usd": 100, "max_trades_per_hour": 6, "max_exposure_per_coin_usd": 200},
				"bots": [{"name": "a", "enabled": true, "symbols": ["BTCUSDT"], "trade_amount_usd": 50, "max_positions": 1}]}`,
			want: "total_capital_usd",
		},
		{
			name: "no enabled bots",
			body: `{"total_capital_usd": 1000, "risk": {"max_daily_loss_usd": 100, "max_trades_per_hour": 6, "max_exposure_per_coin_usd": 200},
				"bots": [{"name": "a", "enabled": false}]}`,
			want: "no enabled bots",
		},
		{
			name: "duplicate bot names",
			body: `{"total_capital_usd": 1000, "risk": {"max_daily_loss_usd": 100, "max_trades_per_hour": 6, "max_exposure_per_coin_usd": 200},
				"bots": [
					{"name": "a", "enabled": true, "symbols": ["BTCUSDT"], "trade_amount_usd": 50, "max_positions": 1},
					{"name": "a", "enabled": true, "symbols": ["ETHUSDT"], "trade_amount_usd": 50, "max_positions": 1}]}`,
			want: "duplicate bot name",
		},
		{
			name: "enabled bot without symbols",
			body: `{"total_capital_usd": 1000, "risk": {"max_daily_loss_usd": 100, "max_trades_per_hour": 6, "max_exposure_per_coin_usd": 200},
				"bots": [{"name": "a", "enabled": true, "trade_amount_usd": 50, "max_positions": 1}]}`,
			want: "no symbols",
		},
		{
			name: "binance without credentials",
			body: `{"total_capital_usd": 1000, "exchange": "binance",
				"risk": {"max_daily_loss_usd": 100, "max_trades_per_hour": 6, "max_exposure_per_coin_usd": 200},
				"bots": [{"name": "a", "enabled": true, "symbols": ["BTCUSDT"], "trade_amount_usd": 50, "max_positions": 1}]}`,
			want: "binance_api_key",
		},
		{
			name: "risk caps missing",
			body: `{"total_capital_usd": 1000,
				"bots": [{"name": "a", "enabled": true, "symbols": ["BTCUSDT"], "trade_amount_usd": 50, "max_positions": 1}]}`,
			want: "max_trades_per_hour",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
