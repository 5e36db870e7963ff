package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Feed      FeedConfig      `toml:"feed"`      // Position feed connection settings
	Geofence  GeofenceConfig  `toml:"geofence"`  // Zone file settings
	Tracking  TrackingConfig  `toml:"tracking"`  // Track lifetime and maintenance settings
	Proximity ProximityConfig `toml:"proximity"` // Close-proximity detection settings
	SelfTest  SelfTestConfig  `toml:"selftest"`  // Synthetic aircraft injection settings
	Dispatch  DispatchConfig  `toml:"dispatch"`  // Background worker pool settings
	Server    ServerConfig    `toml:"server"`    // HTTP server settings
	Storage   StorageConfig   `toml:"storage"`   // Operations journal settings
	Notify    NotifyConfig    `toml:"notify"`    // Slack notification settings
	Logging   LoggingConfig   `toml:"logging"`   // Application logging settings

	// Path is the file the configuration was loaded from, empty for defaults
	Path string `toml:"-"`
}

// FeedConfig contains the position feed connection settings
type FeedConfig struct {
	Host                  string `toml:"host"`                        // Feed host (readsb JSON position port)
	Port                  int    `toml:"port"`                        // Feed port
	DialTimeoutSecs       int    `toml:"dial_timeout_seconds"`        // Connection timeout
	ReconnectDelaySecs    int    `toml:"reconnect_delay_seconds"`     // First reconnect backoff step
	MaxReconnectDelaySecs int    `toml:"max_reconnect_delay_seconds"` // Reconnect backoff cap
	MaxClockSkewSecs      int    `toml:"max_clock_skew_seconds"`      // Records stamped further ahead than this are dropped

	// URL of a readsb aircraft.json endpoint. When set it is polled instead of
	// dialing host:port.
	URL              string `toml:"url"`
	PollIntervalSecs int    `toml:"poll_interval_seconds"`
}

// GeofenceConfig contains zone file settings
type GeofenceConfig struct {
	Files            []string `toml:"files"`             // KML or GeoJSON zone files, one zone set each
	MagneticHeadings bool     `toml:"magnetic_headings"` // Compare heading bands against magnetic rather than true track

	// Douglas-Peucker tolerance in degrees applied to zone rings after
	// loading. Zero keeps the polygons exactly as drawn.
	SimplifyToleranceDeg float64 `toml:"simplify_tolerance_deg"`
}

// TrackingConfig contains track lifetime settings
type TrackingConfig struct {
	ExpireAfterSecs         int `toml:"expire_after_seconds"`         // Idle time after which a track is removed
	FreshWithinSecs         int `toml:"fresh_within_seconds"`         // Max sample age for proximity scans
	AltitudeWindow          int `toml:"altitude_window"`              // Samples kept for the altitude trend
	MaintenanceIntervalSecs int `toml:"maintenance_interval_seconds"` // Stream time between expire and scan passes
}

// ProximityConfig contains close-proximity detection settings
type ProximityConfig struct {
	SeparationFt     int     `toml:"separation_ft"`      // Altitude separation below which a pair qualifies
	MinAltitudeFt    int     `toml:"min_altitude_ft"`    // Both aircraft must be above this altitude
	LateralNM        float64 `toml:"lateral_nm"`         // Lateral distance below which a pair qualifies
	QuiescenceSecs   int     `toml:"quiescence_seconds"` // An event with no update for this long is finalized
	ReapIntervalSecs int     `toml:"reap_interval_seconds"`
}

// SelfTestConfig contains synthetic aircraft injection settings
type SelfTestConfig struct {
	Enabled      bool    `toml:"enabled"`          // Inject synthetic aircraft
	IntervalSecs int     `toml:"interval_seconds"` // Stream time between injections
	Latitude     float64 `toml:"latitude"`         // Anchor point the synthetic aircraft start from
	Longitude    float64 `toml:"longitude"`
	AltitudeFt   int     `toml:"altitude_ft"` // Altitude of both synthetic aircraft
	Heading      float64 `toml:"heading"`     // True track in degrees
	SpeedKts     float64 `toml:"speed_kts"`   // Ground speed used for dead reckoning
}

// DispatchConfig contains background worker settings
type DispatchConfig struct {
	Workers   int `toml:"workers"`    // Number of worker goroutines
	QueueSize int `toml:"queue_size"` // Jobs queued before new ones are dropped
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Enabled            bool     `toml:"enabled"`               // Serve the status API and websocket feed
	Host               string   `toml:"host"`                  // Host address to bind to
	Port               int      `toml:"port"`                  // HTTP port
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // Origins allowed for CORS and websocket upgrades (use ["*"] for all)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Keep-alive idle timeout
}

// StorageConfig contains operations journal settings
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path"` // Journal database file; empty disables the journal
}

// NotifyConfig contains Slack notification settings
type NotifyConfig struct {
	SlackWebhookURL string   `toml:"slack_webhook_url"` // Incoming webhook URL; empty disables notifications
	Keywords        []string `toml:"keywords"`          // Zone change descriptions containing any of these are posted
	ProximityAlerts bool     `toml:"proximity_alerts"`  // Post an alert when a close-proximity event opens
	TimeoutSecs     int      `toml:"timeout_seconds"`   // HTTP timeout for webhook posts
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level      string `toml:"level"`        // Log level: "debug", "info", "warn", or "error"
	Format     string `toml:"format"`       // Log format: "json" (structured) or "console" (human-readable)
	File       string `toml:"file"`         // Optional rotating log file
	MaxSizeMB  int    `toml:"max_size_mb"`  // Rotate after this size
	MaxBackups int    `toml:"max_backups"`  // Rotated files kept
	MaxAgeDays int    `toml:"max_age_days"` // Days rotated files are kept
}

// Default returns the stock configuration
func Default() *Config {
	return &Config{
		Feed: FeedConfig{
			Host:                  "127.0.0.1",
			Port:                  30047,
			DialTimeoutSecs:       10,
			ReconnectDelaySecs:    1,
			MaxReconnectDelaySecs: 60,
			MaxClockSkewSecs:      3600,
			PollIntervalSecs:      1,
		},
		Tracking: TrackingConfig{
			ExpireAfterSecs:         15,
			FreshWithinSecs:         10,
			AltitudeWindow:          5,
			MaintenanceIntervalSecs: 10,
		},
		Proximity: ProximityConfig{
			SeparationFt:     500,
			MinAltitudeFt:    300,
			LateralNM:        0.5,
			QuiescenceSecs:   60,
			ReapIntervalSecs: 10,
		},
		SelfTest: SelfTestConfig{
			IntervalSecs: 3600,
			AltitudeFt:   1000,
			SpeedKts:     90,
		},
		Dispatch: DispatchConfig{
			Workers:   4,
			QueueSize: 256,
		},
		Server: ServerConfig{
			Enabled:            true,
			Host:               "127.0.0.1",
			Port:               8080,
			CORSAllowedOrigins: []string{"*"},
			ReadTimeoutSecs:    15,
			IdleTimeoutSecs:    60,
		},
		Notify: NotifyConfig{
			Keywords:        []string{"Nearby"},
			ProximityAlerts: true,
			TimeoutSecs:     10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load reads a TOML file on top of the defaults
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	config.Path = path
	return config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in
// order of preference. An explicitly requested path must exist; otherwise
// the defaults are used when no file is found.
func LoadWithFallback(preferredPath string) (*Config, error) {
	if preferredPath != "" {
		if _, err := os.Stat(preferredPath); err != nil {
			return nil, fmt.Errorf("config file not found: %s", preferredPath)
		}
		return Load(preferredPath)
	}

	searchPaths := []string{
		"configs/config.toml",
		"config.toml",
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
			}
			return config, nil
		}
	}

	return Default(), nil
}

// Validate fills zero values with defaults and rejects invalid settings
func (c *Config) Validate() error {
	def := Default()

	if c.Feed.URL != "" {
		if !strings.HasPrefix(c.Feed.URL, "http://") && !strings.HasPrefix(c.Feed.URL, "https://") {
			return fmt.Errorf("invalid feed url: %q", c.Feed.URL)
		}
		fillInt(&c.Feed.PollIntervalSecs, def.Feed.PollIntervalSecs)
	} else {
		if c.Feed.Host == "" {
			return fmt.Errorf("feed host is required")
		}
		if c.Feed.Port <= 0 || c.Feed.Port > 65535 {
			return fmt.Errorf("invalid feed port: %d", c.Feed.Port)
		}
	}
	fillInt(&c.Feed.DialTimeoutSecs, def.Feed.DialTimeoutSecs)
	fillInt(&c.Feed.ReconnectDelaySecs, def.Feed.ReconnectDelaySecs)
	fillInt(&c.Feed.MaxReconnectDelaySecs, def.Feed.MaxReconnectDelaySecs)
	fillInt(&c.Feed.MaxClockSkewSecs, def.Feed.MaxClockSkewSecs)
	if c.Feed.MaxReconnectDelaySecs < c.Feed.ReconnectDelaySecs {
		return fmt.Errorf("max_reconnect_delay_seconds (%d) must be >= reconnect_delay_seconds (%d)",
			c.Feed.MaxReconnectDelaySecs, c.Feed.ReconnectDelaySecs)
	}

	fillInt(&c.Tracking.ExpireAfterSecs, def.Tracking.ExpireAfterSecs)
	fillInt(&c.Tracking.FreshWithinSecs, def.Tracking.FreshWithinSecs)
	fillInt(&c.Tracking.AltitudeWindow, def.Tracking.AltitudeWindow)
	fillInt(&c.Tracking.MaintenanceIntervalSecs, def.Tracking.MaintenanceIntervalSecs)
	if c.Tracking.AltitudeWindow < 2 {
		return fmt.Errorf("invalid altitude_window: %d (must be >= 2)", c.Tracking.AltitudeWindow)
	}

	if c.Proximity.SeparationFt < 0 {
		return fmt.Errorf("invalid separation_ft: %d", c.Proximity.SeparationFt)
	}
	if c.Geofence.SimplifyToleranceDeg < 0 {
		return fmt.Errorf("invalid simplify_tolerance_deg: %g", c.Geofence.SimplifyToleranceDeg)
	}
	if c.Proximity.LateralNM < 0 {
		return fmt.Errorf("invalid lateral_nm: %g", c.Proximity.LateralNM)
	}
	fillInt(&c.Proximity.QuiescenceSecs, def.Proximity.QuiescenceSecs)
	fillInt(&c.Proximity.ReapIntervalSecs, def.Proximity.ReapIntervalSecs)

	if c.SelfTest.Enabled {
		fillInt(&c.SelfTest.IntervalSecs, def.SelfTest.IntervalSecs)
		if c.SelfTest.Latitude < -90 || c.SelfTest.Latitude > 90 {
			return fmt.Errorf("invalid selftest latitude: %g", c.SelfTest.Latitude)
		}
		if c.SelfTest.Longitude < -180 || c.SelfTest.Longitude > 180 {
			return fmt.Errorf("invalid selftest longitude: %g", c.SelfTest.Longitude)
		}
	}

	fillInt(&c.Dispatch.Workers, def.Dispatch.Workers)
	fillInt(&c.Dispatch.QueueSize, def.Dispatch.QueueSize)

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Notify.SlackWebhookURL != "" && !strings.HasPrefix(c.Notify.SlackWebhookURL, "https://") &&
		!strings.HasPrefix(c.Notify.SlackWebhookURL, "http://") {
		return fmt.Errorf("invalid slack_webhook_url: %q", c.Notify.SlackWebhookURL)
	}
	fillInt(&c.Notify.TimeoutSecs, def.Notify.TimeoutSecs)

	c.Logging.Level = strings.ToLower(c.Logging.Level)
	switch c.Logging.Level {
	case "":
		c.Logging.Level = def.Logging.Level
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "":
		c.Logging.Format = def.Logging.Format
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	return nil
}

func fillInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// DialTimeout returns the feed dial timeout
func (c FeedConfig) DialTimeout() time.Duration { return seconds(c.DialTimeoutSecs) }

// ReconnectDelay returns the first reconnect backoff step
func (c FeedConfig) ReconnectDelay() time.Duration { return seconds(c.ReconnectDelaySecs) }

// MaxReconnectDelay returns the reconnect backoff cap
func (c FeedConfig) MaxReconnectDelay() time.Duration { return seconds(c.MaxReconnectDelaySecs) }

// MaxClockSkew returns how far ahead of the present a record may be stamped
func (c FeedConfig) MaxClockSkew() time.Duration { return seconds(c.MaxClockSkewSecs) }

func (c FeedConfig) PollInterval() time.Duration { return seconds(c.PollIntervalSecs) }

func (c TrackingConfig) ExpireAfter() time.Duration { return seconds(c.ExpireAfterSecs) }

func (c TrackingConfig) FreshWithin() time.Duration { return seconds(c.FreshWithinSecs) }

func (c TrackingConfig) MaintenanceInterval() time.Duration {
	return seconds(c.MaintenanceIntervalSecs)
}

func (c ProximityConfig) Quiescence() time.Duration { return seconds(c.QuiescenceSecs) }

func (c ProximityConfig) ReapInterval() time.Duration { return seconds(c.ReapIntervalSecs) }

func (c SelfTestConfig) Interval() time.Duration { return seconds(c.IntervalSecs) }

func (c ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

func (c NotifyConfig) Timeout() time.Duration { return seconds(c.TimeoutSecs) }
