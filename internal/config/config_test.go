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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsAndSecrets(t *testing.T) {
	t.Setenv("BROKER_API_KEY", "bk")
	t.Setenv("FMP_API_KEY", "fk")
	t.Setenv("ALPHAVANTAGE_API_KEY", "ak")

	path := writeConfig(t, `
server:
  addr: ":9090"
fmp:
  per_day: 100
symbols:
  denied: ["XYZl"]
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", c.Server.Addr)
	assert.Equal(t, 100, c.FMP.PerDay)
	assert.Equal(t, 500, c.FMP.SpacingMs) // default survives partial override
	assert.Equal(t, 25, c.AV.PerDay)
	assert.Equal(t, 5, c.AV.PerMinute)
	assert.Equal(t, []string{"XYZl"}, c.Symbols.Denied)
	assert.Equal(t, "bk", c.BrokerAPIKey)
	assert.Equal(t, "fk", c.FMPAPIKey)
	assert.Equal(t, "ak", c.AVAPIKey)
}

func TestMissingSecretsNamedInError(t *testing.T) {
	t.Setenv("BROKER_API_KEY", "")
	t.Setenv("FMP_API_KEY", "")
	t.Setenv("ALPHAVANTAGE_API_KEY", "")

	path := writeConfig(t, "server:\n  addr: \":8080\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BROKER_API_KEY")
	assert.Contains(t, err.Error(), "FMP_API_KEY")
}

func TestSecondaryKeyOptional(t *testing.T) {
	t.Setenv("BROKER_API_KEY", "bk")
	t.Setenv("FMP_API_KEY", "fk")
	t.Setenv("ALPHAVANTAGE_API_KEY", "")

	path := writeConfig(t, "{}\n")
	c, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, c.AVAPIKey)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestMalformedYAML(t *testing.T) {
	t.Setenv("BROKER_API_KEY", "bk")
	t.Setenv("FMP_API_KEY", "fk")
	path := writeConfig(t, "server: [not a map\n")
	_, err := Load(path)
	assert.Error(t, err)
}
