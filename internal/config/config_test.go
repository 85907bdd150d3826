package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsMisorderedCircuitThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Circuit.WarningDrawdownPct = 0.05 // below caution
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsAllocationNotSummingToOne(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engines["TACTICAL"] = EngineCfg{Enabled: true, AllocationWeight: 0.99}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsUnknownSymbolOwner(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Symbols["SOL/USDT"] = "GHOST"
	err := cfg.Validate()
	require.Error(t, err)
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
app:
  log_level: INFO
  environment: sandbox
  state_store_path: ${TEST_DB_PATH}
venue:
  rate_limit_per_sec: 10
  rpc_timeout_seconds: 10
engines:
  CORE-HODL:
    enabled: true
    allocation_weight: 1.0
circuit:
  caution_drawdown_pct: 0.1
  warning_drawdown_pct: 0.15
  alert_drawdown_pct: 0.2
  emergency_drawdown_pct: 0.25
risk:
  max_position_pct: 0.05
  risk_per_trade_pct: 0.01
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("TEST_DB_PATH", "/tmp/test.db")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/test.db", cfg.App.StateStorePath)
}
