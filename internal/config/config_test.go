package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
jwt:
  issuer: custom-issuer
billing:
  free_agent_limit: 3
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "custom-issuer", cfg.JWT.Issuer)
	assert.Equal(t, 3, cfg.Billing.FreeAgentLimit)
}

func TestLoadConfigMissingFileReturnsError(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "pairbridge-relay", cfg.JWT.Issuer)
	assert.Equal(t, 900, cfg.JWT.AccessTTLSec)
	assert.Equal(t, 5, cfg.Pairing.MaxAttempts)
	assert.Equal(t, 1, cfg.Billing.FreeAgentLimit)
	assert.Equal(t, "memory", cfg.Database.Driver)
}

func TestApplyDefaultsLeavesExplicitValuesAlone(t *testing.T) {
	cfg := &Config{Billing: BillingConfig{FreeAgentLimit: 10}}
	cfg.applyDefaults()
	assert.Equal(t, 10, cfg.Billing.FreeAgentLimit)
}

func TestApplyEnvOverridesPrefersEnvOverFileValue(t *testing.T) {
	t.Setenv("HTTP_PORT", "7070")
	t.Setenv("FREE_AGENT_LIMIT", "25")

	cfg := &Config{Server: ServerConfig{Port: "8080"}}
	cfg.applyEnvOverrides()

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 25, cfg.Billing.FreeAgentLimit)
}

func TestSplitCSVTrimsAndDropsEmpties(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitCSV(" a, b ,,c"))
}

func TestIsProductionAndIsDevelopment(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Env: "production"}}
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
