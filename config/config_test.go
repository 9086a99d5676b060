package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		RunMode:              "continuous",
		CycleIntervalMinutes: 15,
		DayBoundaryTimezone:  "UTC",
		RebalanceEveryCycles: 4,
		Strategies: []StrategyConfig{
			{ID: "breakout-btc", Name: "BTC Breakout", Kind: "breakout", Assets: []string{"BTCUSDT"}, Enabled: true},
			{ID: "carry-eth", Name: "ETH Funding Carry", Kind: "funding-carry", Assets: []string{"ETHUSDT"}, Enabled: true},
		},
		IncubationWeightCap: 0.10,
		Performance: PerformanceConfig{
			MinTradesForSnapshot:  10,
			SnapshotWindow:        200,
			CorrelationMinOverlap: 8,
		},
		Promotion:                PromotionConfig{MinTrades: 20, MinScore: 1.0, MinWinRate: 0.55},
		DemotionScore:            -0.25,
		RetireAfterFailedReviews: 3,
		Risk: RiskConfig{
			MaxDailyLossPct:      0.10,
			MaxConsecutiveLosses: 4,
			LeverageCaution:      2.5,
			LeverageWarning:      2.0,
			LeverageCritical:     1.5,
			ThrottleFraction:     0.5,
			MaxPositionPct:       0.25,
			MinPositionUSD:       25,
		},
		Signal: SignalConfig{
			Source:         "static",
			MaxAgeMinutes:  30,
			MinConfidence:  0.4,
			TimeoutSeconds: 20,
		},
		Execution: ExecutionConfig{
			Adapter:           "paper",
			SlippagePct:       0.0005,
			AckTimeoutSeconds: 10,
		},
		Leverage: LeverageConfig{
			Provider:           "static",
			StaticHealthFactor: 3.0,
			TimeoutSeconds:     10,
		},
		InitialEquity: 10000,
		DatabasePath:  "decision_logs/vela.db",
		APIServerPort: 8080,
	}
}

func TestValidate_AcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"unknown run mode", func(c *Config) { c.RunMode = "forever" }, "run_mode"},
		{"zero cycle interval", func(c *Config) { c.CycleIntervalMinutes = 0 }, "cycle_interval_minutes"},
		{"bogus timezone", func(c *Config) { c.DayBoundaryTimezone = "Mars/Olympus" }, "timezone"},
		{"zero rebalance cadence", func(c *Config) { c.RebalanceEveryCycles = 0 }, "rebalance_every_cycles"},
		{"no strategies", func(c *Config) { c.Strategies = nil }, "at least one strategy"},
		{"empty strategy id", func(c *Config) { c.Strategies[1].ID = "" }, "strategy[1]"},
		{"duplicate strategy id", func(c *Config) { c.Strategies[1].ID = c.Strategies[0].ID }, "duplicated"},
		{"missing strategy kind", func(c *Config) { c.Strategies[0].Kind = "" }, "Kind cannot be empty"},
		{"incubation cap at 1", func(c *Config) { c.IncubationWeightCap = 1.0 }, "incubation_weight_cap"},
		{"window below min trades", func(c *Config) { c.Performance.SnapshotWindow = 5 }, "snapshot_window"},
		{"overlap of one", func(c *Config) { c.Performance.CorrelationMinOverlap = 1 }, "correlation_min_overlap"},
		{"win rate above 1", func(c *Config) { c.Promotion.MinWinRate = 1.2 }, "min_win_rate"},
		{"positive demotion score", func(c *Config) { c.DemotionScore = 0.1 }, "demotion_score"},
		{"zero retire threshold", func(c *Config) { c.RetireAfterFailedReviews = 0 }, "retire_after_failed_reviews"},
		{"daily loss pct of 1", func(c *Config) { c.Risk.MaxDailyLossPct = 1.0 }, "max_daily_loss_pct"},
		{"critical at liquidation", func(c *Config) { c.Risk.LeverageCritical = 1.0 }, "leverage_critical"},
		{"inverted leverage bands", func(c *Config) { c.Risk.LeverageWarning = 3.0 }, "critical < warning < caution"},
		{"throttle of zero", func(c *Config) { c.Risk.ThrottleFraction = 0 }, "throttle_fraction"},
		{"position pct above 1", func(c *Config) { c.Risk.MaxPositionPct = 1.5 }, "max_position_pct"},
		{"zero min position", func(c *Config) { c.Risk.MinPositionUSD = 0 }, "min_position_usd"},
		{"unknown signal source", func(c *Config) { c.Signal.Source = "twitter" }, "signal.source"},
		{"binance source without assets", func(c *Config) { c.Signal.Source = "binance"; c.Strategies[0].Assets = nil }, "assets must list"},
		{"scanner source without url", func(c *Config) { c.Signal.Source = "scanner" }, "scanner_url"},
		{"stale horizon of zero", func(c *Config) { c.Signal.MaxAgeMinutes = 0 }, "max_age_minutes"},
		{"unknown adapter", func(c *Config) { c.Execution.Adapter = "ftx" }, "execution.adapter"},
		{"binance adapter without keys", func(c *Config) { c.Execution.Adapter = "binance" }, "binance_api_key"},
		{"binance adapter with shared symbol", func(c *Config) {
			c.Execution.Adapter = "binance"
			c.Execution.BinanceAPIKey = "k"
			c.Execution.BinanceSecretKey = "s"
			c.Strategies[1].Assets = []string{"BTCUSDT"}
		}, "one strategy per symbol"},
		{"zero ack timeout", func(c *Config) { c.Execution.AckTimeoutSeconds = 0 }, "ack_timeout_seconds"},
		{"unknown leverage provider", func(c *Config) { c.Leverage.Provider = "compound" }, "leverage.provider"},
		{"aave provider without rpc", func(c *Config) { c.Leverage.Provider = "aave" }, "rpc_url"},
		{"static provider without hf", func(c *Config) { c.Leverage.StaticHealthFactor = 0 }, "static_health_factor"},
		{"zero equity", func(c *Config) { c.InitialEquity = 0 }, "initial_equity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig_AppliesOptionalDefaults(t *testing.T) {
	c := validConfig()
	c.APIServerPort = 0
	c.DatabasePath = ""

	path := writeTempConfig(t, c)
	loaded, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, loaded.APIServerPort)
	assert.Equal(t, "decision_logs/vela.db", loaded.DatabasePath)
}

func TestLoadConfig_RejectsInvalidFile(t *testing.T) {
	c := validConfig()
	c.Risk.LeverageCritical = 5.0 // above warning, ordering broken

	path := writeTempConfig(t, c)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "critical < warning < caution")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestDurationHelpers(t *testing.T) {
	c := validConfig()
	c.CycleIntervalMinutes = 1.5

	assert.Equal(t, 90*time.Second, c.GetCycleInterval())
	assert.Equal(t, 20*time.Second, c.GetSignalTimeout())
	assert.Equal(t, 10*time.Second, c.GetAckTimeout())
	assert.Equal(t, 10*time.Second, c.GetLeverageTimeout())
}

func TestStrategyBySymbol(t *testing.T) {
	c := validConfig()
	c.Strategies[1].Enabled = false

	m := c.StrategyBySymbol()
	assert.Equal(t, map[string]string{"BTCUSDT": "breakout-btc"}, m)
}

func TestDayLocation(t *testing.T) {
	c := validConfig()
	c.DayBoundaryTimezone = "Asia/Singapore"
	loc := c.DayLocation()
	require.NotNil(t, loc)
	assert.Equal(t, "Asia/Singapore", loc.String())
}

func writeTempConfig(t *testing.T, c *Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	data, err := json.Marshal(c)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}
