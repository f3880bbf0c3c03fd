package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileAppliesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 9100, cfg.Server.HealthCheckPort)
	assert.Equal(t, 30, cfg.Server.MaxPendingDays)
	assert.Equal(t, 1<<16, cfg.ISUP.MaxFrameBytes)
	assert.Equal(t, "/ISAPI/Event/notification/alert", cfg.ISAPI.WebhookPath)
	assert.Equal(t, "/hikvision/callback", cfg.Hikvision.Callback.Path)
}

func TestLoadParsesYAMLAndKeepsExplicitValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
server:
  port: 9999
isup:
  port: 7777
tenants:
  acme:
    upstream_url: https://acme.example.com/events
    auth:
      type: basic
      user: u
      pass: p
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 7777, cfg.ISUP.Port)
	require.Contains(t, cfg.Tenants, "acme")
	assert.Equal(t, "https://acme.example.com/events", cfg.Tenants["acme"].UpstreamURL)
	assert.Equal(t, "basic", cfg.Tenants["acme"].Auth.Type)
}

func TestLoadEnvOverridesBeatFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 1111\n"), 0o644))

	t.Setenv("BRIDGE_SERVER_PORT", "2222")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2222, cfg.Server.Port)
}

func TestDurationHelpersConvertSecondsCorrectly(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	assert.Equal(t, int64(30), int64(cfg.ISUP.IdleTimeout().Seconds()))
	assert.Equal(t, int64(60), int64(cfg.ISAPI.HeartbeatTimeout().Seconds()))
	assert.Equal(t, int64(5), int64(cfg.ISAPI.ReconnectDelay().Seconds()))
	assert.Equal(t, int64(5), int64(cfg.ISAPI.DispatchTimeout().Seconds()))
	assert.Equal(t, int64(30), int64(cfg.ISAPI.CorrelationTTL().Seconds()))
}
