package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/PanTilt/internal/hw/maestro"
	"github.com/cjeanneret/PanTilt/internal/logic/sequence"
	"github.com/cjeanneret/PanTilt/internal/servo"
	"github.com/cjeanneret/PanTilt/internal/telemetry"
)

// MaxConfigFileBytes caps the size of a config file.
const MaxConfigFileBytes = 1 << 20

// MaxFuzzyGoalRange bounds polling.fuzzy_goal_range (quarter-microseconds).
const MaxFuzzyGoalRange = 1000

// ControllerConfig selects and reaches the Maestro.
type ControllerConfig struct {
	Mock          bool   `yaml:"mock"`            // simulated controller (true=dev/test)
	Serial        string `yaml:"serial"`          // device to connect to, "" = first found
	Port          string `yaml:"port"`            // extra port to list, e.g. /dev/ttyACM0
	Baud          int    `yaml:"baud"`            // TTL adapters only; USB ignores it
	Channels      int    `yaml:"channels"`        // 6, 12, 18 or 24 depending on the model
	ByIDGlob      string `yaml:"by_id_glob"`      // udev enumeration glob
	ReadTimeoutMs int    `yaml:"read_timeout_ms"` // serial read timeout (ms)
}

// AxisConfig describes one servo. Positions are in quarter-microseconds.
type AxisConfig struct {
	Channel int     `yaml:"channel"`
	Min     uint16  `yaml:"min"`
	Max     uint16  `yaml:"max"`
	Speed   *uint16 `yaml:"speed"` // written on connect when set, 0 = unlimited
	Accel   *uint16 `yaml:"accel"` // written on connect when set, 0 = unlimited
}

// PollingConfig drives the sampling loop.
type PollingConfig struct {
	IntervalMs     int  `yaml:"interval_ms"`
	FuzzyGoalRange int  `yaml:"fuzzy_goal_range"`
	EventsEnabled  bool `yaml:"events_enabled"`
	Autostart      bool `yaml:"autostart"` // start polling right after connecting
}

// IndicatorConfig is the optional "moving" LED.
type IndicatorConfig struct {
	LEDPin    int  `yaml:"led_pin"` // BCM number, 0 = no LED
	ActiveLow bool `yaml:"active_low"`
	MockGPIO  bool `yaml:"mock_gpio"` // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// MQTTConfig enables the MQTT publisher when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// InfluxConfig enables the InfluxDB recorder when URL is set.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// ScanConfig holds the sequences the -scan flag can run.
type ScanConfig struct {
	DwellMs int                  `yaml:"dwell_ms"`
	Grid    *sequence.GridParams `yaml:"grid,omitempty"`
	Tour    []TourStop           `yaml:"tour,omitempty"`
}

// TourStop is a tour waypoint as written in YAML.
type TourStop struct {
	Pan     int `yaml:"pan"`
	Tilt    int `yaml:"tilt"`
	DwellMs int `yaml:"dwell_ms"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel      int `yaml:"debug_level"`       // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	SettleTimeoutMs int `yaml:"settle_timeout_ms"` // upper bound for a single move
}

// Config aggregates all application configuration.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Pan        AxisConfig       `yaml:"pan"`
	Tilt       AxisConfig       `yaml:"tilt"`
	Polling    PollingConfig    `yaml:"polling"`
	Indicator  IndicatorConfig  `yaml:"indicator"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Influx     InfluxConfig     `yaml:"influx"`
	Scan       ScanConfig       `yaml:"scan"`
	Defaults   DefaultsConfig   `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files that sit directly in a
// directory named "configs", with no ".." element in the given path.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if elem == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file %q must be in a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("config file %s is empty", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Controller.Channels == 0 {
		c.Controller.Channels = maestro.DefaultChannels
	}
	if c.Controller.Channels < 1 || c.Controller.Channels > 24 {
		return fmt.Errorf("controller.channels must be between 1 and 24, got %d", c.Controller.Channels)
	}
	if c.Controller.Baud <= 0 {
		c.Controller.Baud = 9600
	}
	if c.Controller.ReadTimeoutMs <= 0 {
		c.Controller.ReadTimeoutMs = 100
	}

	// An axis section that is missing entirely gets the default channel
	// and limits; a partial one must be complete.
	if c.Pan == (AxisConfig{}) {
		c.Pan = AxisConfig{Channel: int(servo.DefaultPanChannel), Min: servo.DefaultMinLimit, Max: servo.DefaultMaxLimit}
	}
	if c.Tilt == (AxisConfig{}) {
		c.Tilt = AxisConfig{Channel: int(servo.DefaultTiltChannel), Min: servo.DefaultMinLimit, Max: servo.DefaultMaxLimit}
	}
	for _, ax := range []struct {
		name string
		cfg  *AxisConfig
	}{{"pan", &c.Pan}, {"tilt", &c.Tilt}} {
		if ax.cfg.Min == 0 && ax.cfg.Max == 0 {
			ax.cfg.Min, ax.cfg.Max = servo.DefaultMinLimit, servo.DefaultMaxLimit
		}
		if ax.cfg.Min >= ax.cfg.Max {
			return fmt.Errorf("%s.min (%d) must be below %s.max (%d)", ax.name, ax.cfg.Min, ax.name, ax.cfg.Max)
		}
		if ax.cfg.Channel < 0 || ax.cfg.Channel >= c.Controller.Channels {
			return fmt.Errorf("%s.channel must be between 0 and %d, got %d", ax.name, c.Controller.Channels-1, ax.cfg.Channel)
		}
	}
	if c.Pan.Channel == c.Tilt.Channel {
		return fmt.Errorf("pan and tilt cannot share channel %d", c.Pan.Channel)
	}

	if c.Polling.IntervalMs < 0 {
		return fmt.Errorf("polling.interval_ms must be >= 0, got %d", c.Polling.IntervalMs)
	}
	if c.Polling.IntervalMs == 0 {
		c.Polling.IntervalMs = int(servo.DefaultPollInterval / time.Millisecond)
	}
	if c.Polling.FuzzyGoalRange < 0 || c.Polling.FuzzyGoalRange > MaxFuzzyGoalRange {
		return fmt.Errorf("polling.fuzzy_goal_range must be between 0 and %d, got %d", MaxFuzzyGoalRange, c.Polling.FuzzyGoalRange)
	}
	if c.Polling.FuzzyGoalRange == 0 {
		c.Polling.FuzzyGoalRange = int(servo.FuzzyGoalRange)
	}

	if c.MQTT.Broker != "" {
		if c.MQTT.ClientID == "" {
			c.MQTT.ClientID = "pantilt"
		}
		if c.MQTT.TopicPrefix == "" {
			c.MQTT.TopicPrefix = "pantilt"
		}
	}
	if c.Influx.URL != "" && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("influx.org and influx.bucket are required when influx.url is set")
	}

	if c.Scan.Grid != nil {
		if err := c.Scan.Grid.Validate(); err != nil {
			return fmt.Errorf("scan.grid: %w", err)
		}
	}
	for i, s := range c.Scan.Tour {
		if s.Pan < 0 || s.Pan > 100 || s.Tilt < 0 || s.Tilt > 100 {
			return fmt.Errorf("scan.tour[%d]: pan and tilt must be in 0..100", i)
		}
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	if c.Defaults.SettleTimeoutMs <= 0 {
		c.Defaults.SettleTimeoutMs = 10000
	}
	return nil
}

// PollInterval returns the pause between two samples.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Polling.IntervalMs) * time.Millisecond
}

// SettleTimeout returns the upper bound for a single move.
func (c *Config) SettleTimeout() time.Duration {
	return time.Duration(c.Defaults.SettleTimeoutMs) * time.Millisecond
}

// ScanDwell returns the default pause at each scan point.
func (c *Config) ScanDwell() time.Duration {
	return time.Duration(c.Scan.DwellMs) * time.Millisecond
}

// SessionOptions maps the axis and polling sections onto servo options.
func (c *Config) SessionOptions() servo.Options {
	return servo.Options{
		Pan:            servo.AxisConfig{Channel: uint8(c.Pan.Channel), Limits: servo.Limits{Min: c.Pan.Min, Max: c.Pan.Max}},
		Tilt:           servo.AxisConfig{Channel: uint8(c.Tilt.Channel), Limits: servo.Limits{Min: c.Tilt.Min, Max: c.Tilt.Max}},
		FuzzyGoalRange: uint16(c.Polling.FuzzyGoalRange),
		PollInterval:   c.PollInterval(),
		EventsEnabled:  c.Polling.EventsEnabled,
	}
}

// SerialConfig maps the controller section onto the serial driver settings.
func (c *Config) SerialConfig() maestro.SerialConfig {
	sc := maestro.SerialConfig{
		ByIDGlob:    c.Controller.ByIDGlob,
		Baud:        c.Controller.Baud,
		Channels:    c.Controller.Channels,
		ReadTimeout: time.Duration(c.Controller.ReadTimeoutMs) * time.Millisecond,
	}
	if c.Controller.Port != "" {
		sc.Ports = []maestro.DeviceDescriptor{{
			Serial:   c.Controller.Serial,
			Port:     c.Controller.Port,
			Channels: c.Controller.Channels,
		}}
	}
	return sc
}

// Tour converts the configured tour into sequence waypoints.
func (c *Config) Tour() []sequence.Waypoint {
	out := make([]sequence.Waypoint, 0, len(c.Scan.Tour))
	for _, s := range c.Scan.Tour {
		out = append(out, sequence.Waypoint{
			Pan:   s.Pan,
			Tilt:  s.Tilt,
			Dwell: time.Duration(s.DwellMs) * time.Millisecond,
		})
	}
	return out
}

// MQTTSettings returns the publisher settings, or false when MQTT is off.
func (c *Config) MQTTSettings() (telemetry.MQTTConfig, bool) {
	return telemetry.MQTTConfig{
		Broker:      c.MQTT.Broker,
		ClientID:    c.MQTT.ClientID,
		TopicPrefix: c.MQTT.TopicPrefix,
	}, c.MQTT.Broker != ""
}

// InfluxSettings returns the recorder settings, or false when InfluxDB is off.
func (c *Config) InfluxSettings() (telemetry.InfluxConfig, bool) {
	return telemetry.InfluxConfig{
		URL:    c.Influx.URL,
		Token:  c.Influx.Token,
		Org:    c.Influx.Org,
		Bucket: c.Influx.Bucket,
	}, c.Influx.URL != ""
}
