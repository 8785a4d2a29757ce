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
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "app:\n  mode: paper\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModePaper, cfg.App.Mode)
	assert.Equal(t, "default", cfg.App.TenantID)
	assert.Equal(t, []int{1}, cfg.Trading.Timeframes)
	assert.Equal(t, 50, cfg.AI.OnlineMinUpdates)
	assert.InDelta(t, 0.0052, cfg.Exchange.RoundTripFeePct(), 1e-9)
}

func TestLiveModeRequiresCredentials(t *testing.T) {
	path := writeConfig(t, "app:\n  mode: live\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestInvalidMode(t *testing.T) {
	path := writeConfig(t, "app:\n  mode: margin\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestExecConfidenceClamped(t *testing.T) {
	path := writeConfig(t, "ai:\n  exec_confidence: 0.95\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.75, cfg.AI.ExecConfidence)

	path = writeConfig(t, "ai:\n  exec_confidence: 0.10\n")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.45, cfg.AI.ExecConfidence)
}

func TestCanaryTightens(t *testing.T) {
	path := writeConfig(t, `
trading:
  pairs: ["BTC/USD", "ETH/USD", "SOL/USD"]
  canary_mode: true
  canary_pairs: ["BTC/USD", "ETH/USD", "SOL/USD"]
  canary_max_pairs: 1
  canary_max_position_usd: 50
  canary_max_risk_per_trade: 0.005
  canary_min_confidence: 0.70
  canary_min_confluence: 4
risk:
  max_position_usd: 500
  max_risk_per_trade: 0.02
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC/USD"}, cfg.Trading.Pairs)
	assert.Equal(t, 50.0, cfg.Risk.MaxPositionUSD)
	assert.Equal(t, 0.005, cfg.Risk.MaxRiskPerTrade)
	assert.Equal(t, 0.70, cfg.AI.ExecConfidence)
	assert.Equal(t, 4, cfg.AI.ConfluenceThreshold)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CONFLUX_RISK_MAX_POSITION_USD", "123")
	path := writeConfig(t, "app:\n  mode: paper\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 123.0, cfg.Risk.MaxPositionUSD)
}

func TestPairsNormalized(t *testing.T) {
	path := writeConfig(t, "trading:\n  pairs: [\" btc/usd \"]\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/USD"}, cfg.Trading.Pairs)
}
