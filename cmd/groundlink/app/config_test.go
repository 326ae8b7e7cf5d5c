package app

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
settings:
  logLevel: debug
link:
  endpoint: udp://127.0.0.1:14550
  systemID: 255
  reconnectDelay: 10s
  heartbeatTimeout: 3s
  overridePriming: true
  overrideTime: 3
telemetry:
  historyWindow: 10m
control:
  throttleChannel: 3
  steeringChannel: 1
  maxThrottle: 1700
  safetyTimeout: 2s
drivelog:
  enabled: true
  dataDirectory: data
  sampleInterval: 500ms
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	level, err := config.Settings.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	assert.Equal(t, "udp://127.0.0.1:14550", config.Link.Endpoint)
	assert.Equal(t, uint8(255), config.Link.SystemID)
	assert.Equal(t, 10*time.Second, time.Duration(config.Link.ReconnectDelay))
	assert.Equal(t, 3*time.Second, time.Duration(config.Link.HeartbeatTimeout))
	assert.True(t, config.Link.OverridePriming)
	assert.Equal(t, float32(3), config.Link.OverrideTime)

	assert.Equal(t, 10*time.Minute, time.Duration(config.Telemetry.HistoryWindow))

	assert.Equal(t, 3, config.Control.ThrottleChannel)
	assert.Equal(t, uint16(1700), config.Control.MaxThrottle)
	assert.Equal(t, 2*time.Second, time.Duration(config.Control.SafetyTimeout))

	assert.True(t, config.Drivelog.Enabled)
	assert.Equal(t, 500*time.Millisecond, time.Duration(config.Drivelog.SampleInterval))
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
link:
  endpoint: /dev/ttyUSB0
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	level, err := config.Settings.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
	assert.Zero(t, time.Duration(config.Link.ReconnectDelay))
	assert.False(t, config.Drivelog.Enabled)
}

func TestLoadConfigValidation(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `settings: {}`))
	require.Error(t, err, "missing endpoint")

	_, err = LoadConfig(writeConfig(t, `
link:
  endpoint: udp://127.0.0.1:14550
drivelog:
  enabled: true
`))
	require.Error(t, err, "recording without a data directory")

	_, err = LoadConfig(writeConfig(t, `
link:
  endpoint: udp://127.0.0.1:14550
  reconnectDelay: nonsense
`))
	require.Error(t, err, "bad duration")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSlogLevelInvalid(t *testing.T) {
	_, err := Settings{LogLevel: "noisy"}.SlogLevel()
	require.Error(t, err)
}
