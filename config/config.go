package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// StrategyConfig configuration for a single managed strategy
type StrategyConfig struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Kind    string   `json:"kind"` // free-form, e.g. "breakout", "funding-carry", "mean-reversion"
	Assets  []string `json:"assets,omitempty"` // symbols this strategy trades, e.g. ["BTCUSDT"]
	Enabled bool     `json:"enabled"`
	Notes   string   `json:"notes,omitempty"`
}

// PerformanceConfig statistics windows and floors
type PerformanceConfig struct {
	MinTradesForSnapshot  int `json:"min_trades_for_snapshot"`
	SnapshotWindow        int `json:"snapshot_window"`         // most recent outcomes per snapshot
	CorrelationMinOverlap int `json:"correlation_min_overlap"` // aligned periods required per pair
}

// PromotionConfig thresholds for INCUBATING → ACTIVE
type PromotionConfig struct {
	MinTrades  int     `json:"min_trades"`
	MinScore   float64 `json:"min_score"`
	MinWinRate float64 `json:"min_win_rate"`
}

// RiskConfig hard limits enforced by the gate chain
type RiskConfig struct {
	MaxDailyLossPct      float64 `json:"max_daily_loss_pct"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	LeverageCaution      float64 `json:"leverage_caution"`
	LeverageWarning      float64 `json:"leverage_warning"`
	LeverageCritical     float64 `json:"leverage_critical"`
	ThrottleFraction     float64 `json:"throttle_fraction"`
	MaxPositionPct       float64 `json:"max_position_pct"`
	MinPositionUSD       float64 `json:"min_position_usd"`
}

// SignalConfig market signal source selection
type SignalConfig struct {
	Source           string  `json:"source"` // "binance", "scanner" or "static"
	BinanceAPIKey    string  `json:"binance_api_key,omitempty"`
	BinanceSecretKey string  `json:"binance_secret_key,omitempty"`
	ScannerURL       string  `json:"scanner_url,omitempty"`
	MaxAgeMinutes    float64 `json:"max_age_minutes"`
	MinConfidence    float64 `json:"min_confidence"`
	TimeoutSeconds   float64 `json:"timeout_seconds"`
}

// ExecutionConfig execution adapter selection
type ExecutionConfig struct {
	Adapter           string  `json:"adapter"` // "paper" or "binance"
	BinanceAPIKey     string  `json:"binance_api_key,omitempty"`
	BinanceSecretKey  string  `json:"binance_secret_key,omitempty"`
	SlippagePct       float64 `json:"slippage_pct,omitempty"` // paper fills only
	AckTimeoutSeconds float64 `json:"ack_timeout_seconds"`
}

// LeverageConfig leverage-health feed selection
type LeverageConfig struct {
	Provider           string  `json:"provider"` // "aave" or "static"
	RPCURL             string  `json:"rpc_url,omitempty"`
	PoolAddress        string  `json:"pool_address,omitempty"`
	UserAddress        string  `json:"user_address,omitempty"`
	StaticHealthFactor float64 `json:"static_health_factor,omitempty"`
	TimeoutSeconds     float64 `json:"timeout_seconds"`
}

// Config main configuration
type Config struct {
	RunMode              string  `json:"run_mode"` // "continuous" or "once"
	CycleIntervalMinutes float64 `json:"cycle_interval_minutes"`
	DayBoundaryTimezone  string  `json:"day_boundary_timezone"` // IANA name, e.g. "UTC", "Asia/Singapore"
	RebalanceEveryCycles int     `json:"rebalance_every_cycles"`

	Strategies []StrategyConfig `json:"strategies"`

	IncubationWeightCap      float64           `json:"incubation_weight_cap"`
	Performance              PerformanceConfig `json:"performance"`
	Promotion                PromotionConfig   `json:"promotion"`
	DemotionScore            float64           `json:"demotion_score"`
	RetireAfterFailedReviews int               `json:"retire_after_failed_reviews"`

	Risk      RiskConfig      `json:"risk"`
	Signal    SignalConfig    `json:"signal"`
	Execution ExecutionConfig `json:"execution"`
	Leverage  LeverageConfig  `json:"leverage"`

	InitialEquity float64 `json:"initial_equity"`
	DatabasePath  string  `json:"database_path,omitempty"` // SQLite file, default decision_logs/vela.db
	DatabaseURL   string  `json:"database_url,omitempty"`  // optional Postgres DSN, preferred when set
	APIServerPort int     `json:"api_server_port,omitempty"`
}

// LoadConfig loads configuration from file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Only genuinely optional surface gets defaults. Every threshold that
	// shapes a trading decision must be set explicitly or Validate fails.
	if config.APIServerPort <= 0 {
		config.APIServerPort = 8080
	}
	if config.DatabasePath == "" {
		config.DatabasePath = "decision_logs/vela.db"
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Validate validates configuration validity
func (c *Config) Validate() error {
	if c.RunMode != "continuous" && c.RunMode != "once" {
		return fmt.Errorf("run_mode must be 'continuous' or 'once', got '%s'", c.RunMode)
	}
	if c.CycleIntervalMinutes <= 0 {
		return fmt.Errorf("cycle_interval_minutes must be greater than 0")
	}
	if c.DayBoundaryTimezone == "" {
		return fmt.Errorf("day_boundary_timezone cannot be empty")
	}
	if _, err := time.LoadLocation(c.DayBoundaryTimezone); err != nil {
		return fmt.Errorf("day_boundary_timezone '%s' is not a valid IANA timezone: %w", c.DayBoundaryTimezone, err)
	}
	if c.RebalanceEveryCycles <= 0 {
		return fmt.Errorf("rebalance_every_cycles must be greater than 0")
	}

	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy must be configured")
	}
	strategyIDs := make(map[string]bool)
	for i, s := range c.Strategies {
		if s.ID == "" {
			return fmt.Errorf("strategy[%d]: ID cannot be empty", i)
		}
		if strategyIDs[s.ID] {
			return fmt.Errorf("strategy[%d]: ID '%s' is duplicated", i, s.ID)
		}
		strategyIDs[s.ID] = true
		if s.Name == "" {
			return fmt.Errorf("strategy[%d]: Name cannot be empty", i)
		}
		if s.Kind == "" {
			return fmt.Errorf("strategy[%d]: Kind cannot be empty", i)
		}
	}

	if c.IncubationWeightCap <= 0 || c.IncubationWeightCap >= 1 {
		return fmt.Errorf("incubation_weight_cap must be in (0, 1), got %.4f", c.IncubationWeightCap)
	}
	if c.Performance.MinTradesForSnapshot <= 0 {
		return fmt.Errorf("performance.min_trades_for_snapshot must be greater than 0")
	}
	if c.Performance.SnapshotWindow < c.Performance.MinTradesForSnapshot {
		return fmt.Errorf("performance.snapshot_window (%d) must be at least min_trades_for_snapshot (%d)",
			c.Performance.SnapshotWindow, c.Performance.MinTradesForSnapshot)
	}
	if c.Performance.CorrelationMinOverlap <= 1 {
		return fmt.Errorf("performance.correlation_min_overlap must be greater than 1")
	}
	if c.Promotion.MinTrades <= 0 {
		return fmt.Errorf("promotion.min_trades must be greater than 0")
	}
	if c.Promotion.MinScore <= 0 {
		return fmt.Errorf("promotion.min_score must be greater than 0")
	}
	if c.Promotion.MinWinRate <= 0 || c.Promotion.MinWinRate >= 1 {
		return fmt.Errorf("promotion.min_win_rate must be in (0, 1), got %.4f", c.Promotion.MinWinRate)
	}
	if c.DemotionScore >= 0 {
		return fmt.Errorf("demotion_score must be negative (a persistently negative rolling score triggers demotion), got %.4f", c.DemotionScore)
	}
	if c.RetireAfterFailedReviews <= 0 {
		return fmt.Errorf("retire_after_failed_reviews must be greater than 0")
	}

	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct >= 1 {
		return fmt.Errorf("risk.max_daily_loss_pct must be in (0, 1), got %.4f", c.Risk.MaxDailyLossPct)
	}
	if c.Risk.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("risk.max_consecutive_losses must be greater than 0")
	}
	if c.Risk.LeverageCritical <= 1.0 {
		return fmt.Errorf("risk.leverage_critical must be greater than 1.0 (health factor 1.0 means liquidation), got %.2f", c.Risk.LeverageCritical)
	}
	if !(c.Risk.LeverageCritical < c.Risk.LeverageWarning && c.Risk.LeverageWarning < c.Risk.LeverageCaution) {
		return fmt.Errorf("leverage thresholds must satisfy critical < warning < caution, got critical=%.2f warning=%.2f caution=%.2f",
			c.Risk.LeverageCritical, c.Risk.LeverageWarning, c.Risk.LeverageCaution)
	}
	if c.Risk.ThrottleFraction <= 0 || c.Risk.ThrottleFraction >= 1 {
		return fmt.Errorf("risk.throttle_fraction must be in (0, 1), got %.4f", c.Risk.ThrottleFraction)
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		return fmt.Errorf("risk.max_position_pct must be in (0, 1], got %.4f", c.Risk.MaxPositionPct)
	}
	if c.Risk.MinPositionUSD <= 0 {
		return fmt.Errorf("risk.min_position_usd must be greater than 0")
	}

	if c.Signal.Source != "binance" && c.Signal.Source != "scanner" && c.Signal.Source != "static" {
		return fmt.Errorf("signal.source must be 'binance', 'scanner' or 'static', got '%s'", c.Signal.Source)
	}
	if c.Signal.Source == "binance" {
		for i, s := range c.Strategies {
			if s.Enabled && len(s.Assets) == 0 {
				return fmt.Errorf("strategy[%d]: assets must list at least one symbol when using the binance signal source", i)
			}
		}
	}
	if c.Signal.Source == "scanner" && c.Signal.ScannerURL == "" {
		return fmt.Errorf("signal.scanner_url must be configured when using the scanner source")
	}
	if c.Signal.MaxAgeMinutes <= 0 {
		return fmt.Errorf("signal.max_age_minutes must be greater than 0")
	}
	if c.Signal.MinConfidence < 0 || c.Signal.MinConfidence >= 1 {
		return fmt.Errorf("signal.min_confidence must be in [0, 1), got %.4f", c.Signal.MinConfidence)
	}
	if c.Signal.TimeoutSeconds <= 0 {
		return fmt.Errorf("signal.timeout_seconds must be greater than 0")
	}

	if c.Execution.Adapter != "paper" && c.Execution.Adapter != "binance" {
		return fmt.Errorf("execution.adapter must be 'paper' or 'binance', got '%s'", c.Execution.Adapter)
	}
	if c.Execution.Adapter == "binance" {
		if c.Execution.BinanceAPIKey == "" || c.Execution.BinanceSecretKey == "" {
			return fmt.Errorf("execution.binance_api_key and execution.binance_secret_key must be configured when using Binance execution")
		}
		// Realized-pnl income records only carry a symbol, so a shared
		// symbol could not be attributed back to one strategy.
		assetOwner := make(map[string]string)
		for i, s := range c.Strategies {
			if !s.Enabled {
				continue
			}
			for _, asset := range s.Assets {
				if owner, taken := assetOwner[asset]; taken {
					return fmt.Errorf("strategy[%d]: asset '%s' is already traded by strategy '%s' (Binance execution needs one strategy per symbol)", i, asset, owner)
				}
				assetOwner[asset] = s.ID
			}
		}
	}
	if c.Execution.SlippagePct < 0 {
		return fmt.Errorf("execution.slippage_pct cannot be negative")
	}
	if c.Execution.AckTimeoutSeconds <= 0 {
		return fmt.Errorf("execution.ack_timeout_seconds must be greater than 0")
	}

	if c.Leverage.Provider != "aave" && c.Leverage.Provider != "static" {
		return fmt.Errorf("leverage.provider must be 'aave' or 'static', got '%s'", c.Leverage.Provider)
	}
	if c.Leverage.Provider == "aave" {
		if c.Leverage.RPCURL == "" || c.Leverage.PoolAddress == "" || c.Leverage.UserAddress == "" {
			return fmt.Errorf("leverage.rpc_url, leverage.pool_address and leverage.user_address must be configured when using the aave provider")
		}
	}
	if c.Leverage.Provider == "static" && c.Leverage.StaticHealthFactor <= 0 {
		return fmt.Errorf("leverage.static_health_factor must be greater than 0 when using the static provider")
	}
	if c.Leverage.TimeoutSeconds <= 0 {
		return fmt.Errorf("leverage.timeout_seconds must be greater than 0")
	}

	if c.InitialEquity <= 0 {
		return fmt.Errorf("initial_equity must be greater than 0")
	}

	return nil
}

// GetCycleInterval gets the cycle interval
func (c *Config) GetCycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalMinutes * float64(time.Minute))
}

// GetSignalTimeout gets the signal source wait budget
func (c *Config) GetSignalTimeout() time.Duration {
	return time.Duration(c.Signal.TimeoutSeconds * float64(time.Second))
}

// GetMaxSignalAge gets the staleness cutoff for market observations
func (c *Config) GetMaxSignalAge() time.Duration {
	return time.Duration(c.Signal.MaxAgeMinutes * float64(time.Minute))
}

// GetAckTimeout gets the execution acknowledgement budget
func (c *Config) GetAckTimeout() time.Duration {
	return time.Duration(c.Execution.AckTimeoutSeconds * float64(time.Second))
}

// GetLeverageTimeout gets the health-feed wait budget
func (c *Config) GetLeverageTimeout() time.Duration {
	return time.Duration(c.Leverage.TimeoutSeconds * float64(time.Second))
}

// DayLocation returns the configured day-boundary timezone. Validate has
// already proven it parses.
func (c *Config) DayLocation() *time.Location {
	loc, err := time.LoadLocation(c.DayBoundaryTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// StrategyBySymbol inverts the asset bindings of enabled strategies, mapping
// each traded symbol to its owning strategy ID.
func (c *Config) StrategyBySymbol() map[string]string {
	result := make(map[string]string)
	for _, s := range c.Strategies {
		if !s.Enabled {
			continue
		}
		for _, asset := range s.Assets {
			result[asset] = s.ID
		}
	}
	return result
}
