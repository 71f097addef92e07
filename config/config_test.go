package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database: "file:ramps?mode=memory"
networks:
  stellar:
    endpoint: "https://horizon.example"
  pendulum:
    endpoint: "https://pendulum.example"
  moonbeam:
    endpoint: "https://moonbeam.example"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8090", cfg.ListenAddress)
	require.Equal(t, 8, cfg.Processor.MaxRetries)
	require.Equal(t, 5*time.Minute, cfg.Workers.Recovery.Interval.Duration)
	require.Equal(t, 10*time.Minute, cfg.Workers.Recovery.Staleness.Duration)
	require.Equal(t, time.Minute, cfg.Workers.Cleanup.Interval.Duration)
	require.Equal(t, 30*time.Minute, cfg.Workers.Unhandled.GracePeriod.Duration)
	require.Equal(t, 5*24*time.Hour, cfg.Workers.Unhandled.MaxAge.Duration)
	require.Equal(t, 24*time.Hour, cfg.Alerts.Cooldown.Duration)
	require.Equal(t, 60.0, cfg.Admin.RequestsPerMinute)
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
database: "file:ramps?mode=memory"
networks:
  stellar:
    endpoint: "a"
  pendulum:
    endpoint: "b"
  moonbeam:
    endpoint: "c"
workers:
  recovery:
    interval: 90s
    staleness: 15m
alerts:
  cooldown: 12h
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, cfg.Workers.Recovery.Interval.Duration)
	require.Equal(t, 15*time.Minute, cfg.Workers.Recovery.Staleness.Duration)
	require.Equal(t, 12*time.Hour, cfg.Alerts.Cooldown.Duration)
}

func TestLoadRequiresDatabaseAndEndpoints(t *testing.T) {
	path := writeConfig(t, `
networks:
  stellar:
    endpoint: "a"
  pendulum:
    endpoint: "b"
  moonbeam:
    endpoint: "c"
`)
	_, err := Load(path)
	require.Error(t, err)

	path = writeConfig(t, `
database: "file:ramps?mode=memory"
networks:
  stellar:
    endpoint: "a"
  moonbeam:
    endpoint: "c"
`)
	_, err = Load(path)
	require.Error(t, err)
}
