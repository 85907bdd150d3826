// Package config handles configuration management with validation, loaded
// once at startup per spec.md §6.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete static configuration.
type Config struct {
	App       AppConfig            `yaml:"app"`
	Venue     VenueConfig          `yaml:"venue"`
	Engines   map[string]EngineCfg `yaml:"engines"`
	Risk      RiskConfig           `yaml:"risk"`
	Circuit   CircuitConfig        `yaml:"circuit"`
	Symbols   map[string]string    `yaml:"symbol_owners"` // symbol -> engine name
	Telemetry TelemetryConfig      `yaml:"telemetry"`
}

// AppConfig contains process-level settings.
type AppConfig struct {
	LogLevel        string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	Environment     string `yaml:"environment" validate:"required,oneof=main sandbox"`
	StateStorePath  string `yaml:"state_store_path" validate:"required"`
	ControlAddr     string `yaml:"control_addr"`
	DustThresholdUSD float64 `yaml:"dust_threshold_usd" validate:"min=0"`
	DailyResetUTCHour int   `yaml:"daily_reset_utc_hour" validate:"min=0,max=23"`
}

// VenueConfig carries the exchange base URL and rate-budget knobs; no
// credentials live here — those are read from the environment (spec.md §6).
type VenueConfig struct {
	BaseURL           string `yaml:"base_url"`
	RateLimitPerSec   int    `yaml:"rate_limit_per_sec" validate:"min=1,max=100"`
	RPCTimeoutSeconds int    `yaml:"rpc_timeout_seconds" validate:"min=1,max=120"`
}

// EngineCfg is one EngineSlot's static configuration.
type EngineCfg struct {
	Enabled             bool    `yaml:"enabled"`
	AllocationWeight    float64 `yaml:"allocation_weight" validate:"min=0,max=1"`
	MaxLeverage         float64 `yaml:"max_leverage" validate:"min=0,max=10"`
	MinReactionInterval string  `yaml:"min_reaction_interval"` // Go duration string
}

// RiskConfig carries the per-trade risk caps from spec.md §4.3.
type RiskConfig struct {
	MaxPositionPct       float64 `yaml:"max_position_pct" validate:"min=0,max=1"`
	RiskPerTradePct      float64 `yaml:"risk_per_trade_pct" validate:"min=0,max=1"`
	CorrelationMax       float64 `yaml:"correlation_max" validate:"min=0,max=1"`
	CorrelationWindowDays int    `yaml:"correlation_window_days" validate:"min=1,max=365"`
	DailyLossCapPct      float64 `yaml:"daily_loss_cap_pct" validate:"min=0,max=1"`
}

// CircuitConfig carries the four-level drawdown thresholds. Each must be
// strictly increasing, enforced in Validate().
type CircuitConfig struct {
	CautionDrawdownPct   float64 `yaml:"caution_drawdown_pct" validate:"min=0,max=1"`
	WarningDrawdownPct   float64 `yaml:"warning_drawdown_pct" validate:"min=0,max=1"`
	AlertDrawdownPct     float64 `yaml:"alert_drawdown_pct" validate:"min=0,max=1"`
	EmergencyDrawdownPct float64 `yaml:"emergency_drawdown_pct" validate:"min=0,max=1"`
}

// TelemetryConfig contains metrics export settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion applied before parsing.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate performs comprehensive validation, refusing invalid combinations
// per spec.md §6 (e.g. circuit thresholds out of order, weights not summing
// to 1).
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateApp(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateEngines(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateCircuit(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRisk(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSymbolOwners(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateApp() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{Field: "app.log_level", Value: c.App.LogLevel, Message: "must be one of: " + strings.Join(validLevels, ", ")}
	}
	if c.App.StateStorePath == "" {
		return ValidationError{Field: "app.state_store_path", Message: "state store path is required"}
	}
	return nil
}

func (c *Config) validateEngines() error {
	if len(c.Engines) == 0 {
		return ValidationError{Field: "engines", Message: "at least one engine must be configured"}
	}
	sum := 0.0
	for name, e := range c.Engines {
		if e.AllocationWeight < 0 || e.AllocationWeight > 1 {
			return ValidationError{Field: fmt.Sprintf("engines.%s.allocation_weight", name), Value: e.AllocationWeight, Message: "must be within [0,1]"}
		}
		sum += e.AllocationWeight
	}
	// spec.md §3: Sigma target_allocation = 1 +/- 0.001
	if diff := sum - 1.0; diff > 0.001 || diff < -0.001 {
		return ValidationError{Field: "engines.*.allocation_weight", Value: sum, Message: "allocation weights must sum to 1 +/- 0.001"}
	}
	return nil
}

func (c *Config) validateCircuit() error {
	cc := c.Circuit
	if !(cc.CautionDrawdownPct < cc.WarningDrawdownPct &&
		cc.WarningDrawdownPct < cc.AlertDrawdownPct &&
		cc.AlertDrawdownPct < cc.EmergencyDrawdownPct) {
		return ValidationError{
			Field:   "circuit",
			Message: "circuit thresholds must be strictly increasing: caution < warning < alert < emergency",
		}
	}
	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.MaxPositionPct <= 0 {
		return ValidationError{Field: "risk.max_position_pct", Value: c.Risk.MaxPositionPct, Message: "must be positive"}
	}
	if c.Risk.RiskPerTradePct <= 0 {
		return ValidationError{Field: "risk.risk_per_trade_pct", Value: c.Risk.RiskPerTradePct, Message: "must be positive"}
	}
	fractions := []struct {
		field string
		value float64
	}{
		{"risk.max_position_pct", c.Risk.MaxPositionPct},
		{"risk.risk_per_trade_pct", c.Risk.RiskPerTradePct},
		{"risk.correlation_max", c.Risk.CorrelationMax},
		{"risk.daily_loss_cap_pct", c.Risk.DailyLossCapPct},
	}
	for _, f := range fractions {
		if f.value > 1 {
			return ValidationError{Field: f.field, Value: f.value, Message: "must be a decimal fraction (0.05 means 5%), not above 1"}
		}
	}
	return nil
}

func (c *Config) validateSymbolOwners() error {
	for symbol, owner := range c.Symbols {
		if _, ok := c.Engines[owner]; !ok {
			return ValidationError{Field: fmt.Sprintf("symbol_owners[%s]", symbol), Value: owner, Message: "references an engine not present in engines"}
		}
	}
	return nil
}

// String renders the configuration with secrets masked. Credentials never
// live in this struct (they come from the environment), but this mirrors
// the masking discipline callers expect before logging a config dump.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

func isCriticalEnvVar(key string) bool {
	criticalVars := []string{"VENUE_API_KEY", "VENUE_SECRET_KEY", "VENUE_PASSPHRASE"}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration suitable for tests.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			LogLevel:          "INFO",
			Environment:       "sandbox",
			StateStorePath:    "./tradeengine.db",
			ControlAddr:       "127.0.0.1:8090",
			DustThresholdUSD:  1.0,
			DailyResetUTCHour: 0,
		},
		Venue: VenueConfig{
			RateLimitPerSec:   20,
			RPCTimeoutSeconds: 30,
		},
		Engines: map[string]EngineCfg{
			"CORE-HODL": {Enabled: true, AllocationWeight: 0.60, MaxLeverage: 1.0, MinReactionInterval: "168h"},
			"TREND":     {Enabled: true, AllocationWeight: 0.20, MaxLeverage: 2.0, MinReactionInterval: "4h"},
			"FUNDING":   {Enabled: true, AllocationWeight: 0.15, MaxLeverage: 2.0, MinReactionInterval: "1h"},
			"TACTICAL":  {Enabled: true, AllocationWeight: 0.05, MaxLeverage: 1.0, MinReactionInterval: "720h"},
		},
		Risk: RiskConfig{
			MaxPositionPct:        0.05,
			RiskPerTradePct:       0.01,
			CorrelationMax:        0.70,
			CorrelationWindowDays: 30,
			DailyLossCapPct:       0.02,
		},
		Circuit: CircuitConfig{
			CautionDrawdownPct:   0.10,
			WarningDrawdownPct:   0.15,
			AlertDrawdownPct:     0.20,
			EmergencyDrawdownPct: 0.25,
		},
		Symbols: map[string]string{
			"BTC/USDT": "CORE-HODL",
			"ETH/USDT": "CORE-HODL",
		},
		Telemetry: TelemetryConfig{MetricsPort: 9090, EnableMetrics: true},
	}
}
