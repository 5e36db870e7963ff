package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 15*time.Second, c.Tracking.ExpireAfter())
	assert.Equal(t, 10*time.Second, c.Tracking.FreshWithin())
	assert.Equal(t, 60*time.Second, c.Proximity.Quiescence())
	assert.Equal(t, []string{"Nearby"}, c.Notify.Keywords)
	assert.Equal(t, "127.0.0.1:8080", c.Server.Addr())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[feed]
host = "10.0.0.5"
port = 30005

[geofence]
files = ["approach.kml", "ground.geojson"]
magnetic_headings = true

[proximity]
lateral_nm = 0.75

[notify]
slack_webhook_url = "https://hooks.slack.com/services/T/B/X"
keywords = ["Nearby", "Runway"]
`)

	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, path, c.Path)
	assert.Equal(t, "10.0.0.5", c.Feed.Host)
	assert.Equal(t, 30005, c.Feed.Port)
	assert.Equal(t, 60*time.Second, c.Feed.MaxReconnectDelay(), "untouched keys keep defaults")
	assert.Equal(t, []string{"approach.kml", "ground.geojson"}, c.Geofence.Files)
	assert.True(t, c.Geofence.MagneticHeadings)
	assert.InDelta(t, 0.75, c.Proximity.LateralNM, 1e-9)
	assert.Equal(t, 500, c.Proximity.SeparationFt)
	assert.Equal(t, []string{"Nearby", "Runway"}, c.Notify.Keywords)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[feed]
hots = "typo"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed.hots")
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)

	_, err = LoadWithFallback(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err, "an explicit path must exist")
}

func TestLoadWithFallbackUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	c, err := LoadWithFallback("")
	require.NoError(t, err)
	assert.Empty(t, c.Path)
	assert.Equal(t, Default().Feed, c.Feed)

	require.NoError(t, os.Mkdir("configs", 0o755))
	require.NoError(t, os.WriteFile(filepath.Join("configs", "config.toml"), []byte("[feed]\nport = 31000\n"), 0o644))

	c, err = LoadWithFallback("")
	require.NoError(t, err)
	assert.Equal(t, "configs/config.toml", c.Path)
	assert.Equal(t, 31000, c.Feed.Port)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"bad feed port", func(c *Config) { c.Feed.Port = 70000 }, "invalid feed port"},
		{"empty feed host", func(c *Config) { c.Feed.Host = "" }, "feed host is required"},
		{"backoff cap below start", func(c *Config) {
			c.Feed.ReconnectDelaySecs = 30
			c.Feed.MaxReconnectDelaySecs = 5
		}, "max_reconnect_delay_seconds"},
		{"altitude window", func(c *Config) { c.Tracking.AltitudeWindow = 1 }, "altitude_window"},
		{"negative lateral", func(c *Config) { c.Proximity.LateralNM = -1 }, "lateral_nm"},
		{"negative simplify tolerance", func(c *Config) { c.Geofence.SimplifyToleranceDeg = -0.1 }, "simplify_tolerance_deg"},
		{"selftest latitude", func(c *Config) {
			c.SelfTest.Enabled = true
			c.SelfTest.Latitude = 91
		}, "selftest latitude"},
		{"server port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"webhook scheme", func(c *Config) { c.Notify.SlackWebhookURL = "hooks.slack.com" }, "slack_webhook_url"},
		{"feed url scheme", func(c *Config) { c.Feed.URL = "localhost/data/aircraft.json" }, "invalid feed url"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "invalid logging level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid logging format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateFillsZeroValues(t *testing.T) {
	t.Parallel()

	c := Default()
	c.Dispatch = DispatchConfig{}
	c.Tracking.ExpireAfterSecs = 0
	c.Feed.MaxClockSkewSecs = 0
	c.Logging.Level = ""
	c.Server.Enabled = false
	c.Server.Port = 0

	require.NoError(t, c.Validate())
	assert.Equal(t, 4, c.Dispatch.Workers)
	assert.Equal(t, 256, c.Dispatch.QueueSize)
	assert.Equal(t, 15, c.Tracking.ExpireAfterSecs)
	assert.Equal(t, time.Hour, c.Feed.MaxClockSkew())
	assert.Equal(t, "info", c.Logging.Level)
}

func TestValidateFeedURLSkipsHostPort(t *testing.T) {
	t.Parallel()

	c := Default()
	c.Feed.URL = "http://localhost:8504/data/aircraft.json"
	c.Feed.Host = ""
	c.Feed.Port = 0
	c.Feed.PollIntervalSecs = 0
	c.Logging.Level = "DEBUG"

	require.NoError(t, c.Validate())
	assert.Equal(t, time.Second, c.Feed.PollInterval())
	assert.Equal(t, "debug", c.Logging.Level)
}
