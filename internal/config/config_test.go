package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
app:
  credential_key: "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
ai:
  models:
    - id: primary
      api_url: https://api.example.com/v1
      api_key: sk-test
      model: gpt-test
      enabled: true
market_data:
  base_url: https://md.example.com
  api_key: md-key
analysis:
  flux_ttl: 5m
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, ":8089", cfg.App.HTTPAddr)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, "data/tradevane.db", cfg.Store.Path)
	assert.Len(t, cfg.Analysis.Instruments, 6)
	assert.Equal(t, 5*time.Minute, cfg.Analysis.FluxTTL, "explicit value wins over default")
	assert.Equal(t, 24*time.Hour, cfg.Analysis.SecurityTTL)
	assert.Equal(t, 15, cfg.Analysis.DegradedPenalty)
	assert.Equal(t, 25, cfg.Analysis.FallbackPenalty)
	assert.Equal(t, 90000, cfg.RateLimit.Global.TokensPerMinute)
	assert.Equal(t, 3, cfg.Brokers.MaxAuthFailures)
	assert.Equal(t, "15m", cfg.Brokers.Tradovate.SyncInterval)
	assert.Equal(t, "30m", cfg.Brokers.Tradier.SyncInterval)
	assert.Equal(t, 0.95, cfg.Monitor.HealthyRate)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}

func TestLoadRequiresEnabledModel(t *testing.T) {
	_, err := Load(writeConfig(t, `
app:
  credential_key: "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
market_data:
  base_url: https://md.example.com
  api_key: md-key
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ai.models")
}

func TestLoadRequiresCredentialKey(t *testing.T) {
	_, err := Load(writeConfig(t, `
app:
  credential_key: "too-short"
ai:
  models:
    - id: primary
      api_key: sk-test
      model: gpt-test
      enabled: true
market_data:
  base_url: https://md.example.com
  api_key: md-key
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credential_key")
}

func TestLoadValidatesEnabledBroker(t *testing.T) {
	_, err := Load(writeConfig(t, minimalYAML+`
brokers:
  tradier:
    enabled: true
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brokers.tradier.base_url")
}

func TestLoadValidatesSchedulerTrigger(t *testing.T) {
	_, err := Load(writeConfig(t, minimalYAML+`
scheduler:
  enabled: true
  interval: 1m
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trigger_token")
}

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"30s", 30 * time.Second, true},
		{"15m", 15 * time.Minute, true},
		{"1h", time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{" 15M ", 15 * time.Minute, true},
		{"0m", 0, false},
		{"-5m", 0, false},
		{"m", 0, false},
		{"15x", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseInterval(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
