package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "username: user@example.com\npassword: secret\n"))
	require.NoError(t, err)

	require.Equal(t, DefaultStorePath, cfg.Store.Path)
	require.Equal(t, DefaultBaseURL, cfg.API.BaseURL)
	require.Equal(t, DefaultIoTEndpoint, cfg.IoT.Endpoint)
	require.Equal(t, DefaultIoTRegion, cfg.IoT.Region)
	require.Equal(t, DefaultReconnectInterval, cfg.Reconnect.Interval)
	require.Equal(t, DefaultTokenAttempts, cfg.Reconnect.TokenAttempts)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
username: user@example.com
password: secret
api:
  base_url: http://127.0.0.1:9999/api/
iot:
  endpoint: broker.local
  region: us-east-1
reconnect:
  interval: 5s
  token_attempts: 1
log:
  debug: true
`))
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:9999/api/", cfg.API.BaseURL)
	require.Equal(t, "broker.local", cfg.IoT.Endpoint)
	require.Equal(t, "us-east-1", cfg.IoT.Region)
	require.Equal(t, 5*time.Second, cfg.Reconnect.Interval)
	require.Equal(t, 1, cfg.Reconnect.TokenAttempts)
	require.True(t, cfg.Log.Debug)
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	_, err := Load(writeConfig(t, "username: user@example.com\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "password: secret\n"))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
