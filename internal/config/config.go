// Package config handles shakenotify configuration loading.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/shakenotify/config.yaml, /etc/shakenotify/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "shakenotify", "config.yaml"))
	}

	paths = append(paths, "/etc/shakenotify/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all shakenotify configuration. One value is built at
// startup and handed to each component; nothing reads it globally.
type Config struct {
	Link      LinkConfig     `yaml:"link"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Sensor    SensorConfig   `yaml:"sensor"`
	Debounce  DebounceConfig `yaml:"debounce"`
	Loop      LoopConfig     `yaml:"loop"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text (default) or json
}

// LinkConfig defines network association and reachability probing.
type LinkConfig struct {
	// SSID and Passphrase select the wireless network to join. When SSID
	// is empty the host's existing network configuration is trusted and
	// only the reachability probe runs.
	SSID       string `yaml:"ssid"`
	Passphrase string `yaml:"passphrase"`
	Interface  string `yaml:"interface"`

	// ProbeAddress is the host:port dialed to decide whether the link is
	// up. Defaults to the MQTT broker address.
	ProbeAddress string        `yaml:"probe_address"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// MQTTConfig defines the telemetry endpoint. Account and AccessKey are
// the broker username and password (an Adafruit IO user name and AIO
// key); reports go to "<account>/feeds/<feed_key>".
type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	Account      string `yaml:"account"`
	AccessKey    string `yaml:"access_key"`
	FeedKey      string `yaml:"feed_key"`
	ClientID     string `yaml:"client_id"` // default: shakenotify-<random>
	KeepAliveSec int    `yaml:"keep_alive_sec"`
	QoS          byte   `yaml:"qos"`
	Payload      string `yaml:"payload"`
}

// BrokerAddress returns the broker's host:port, filling in the default
// port for the URL scheme (1883, or 8883 for mqtts/ssl).
func (c MQTTConfig) BrokerAddress() (string, error) {
	u, err := url.Parse(c.Broker)
	if err != nil {
		return "", fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("mqtt broker URL %q has no host", c.Broker)
	}
	port := u.Port()
	if port == "" {
		port = "1883"
		if u.Scheme == "mqtts" || u.Scheme == "ssl" {
			port = "8883"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// SensorConfig selects and tunes the accelerometer.
type SensorConfig struct {
	Driver     string  `yaml:"driver"` // lis3dh (default) or simulated
	I2CBus     string  `yaml:"i2c_bus"`
	Address    uint16  `yaml:"address"`
	RangeG     int     `yaml:"range_g"`
	ThresholdG float64 `yaml:"threshold_g"`

	// ShakeEvery makes the simulated driver report a shake on every
	// Nth read. Ignored by hardware drivers.
	ShakeEvery int `yaml:"shake_every"`
}

// DebounceConfig defines the minimum spacing between reports.
type DebounceConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Elapsed picks the elapsed-time rule: "monotonic" (default) or
	// "wallclock" (hour/minute/second field arithmetic that goes
	// negative across midnight).
	Elapsed string `yaml:"elapsed"`
}

// LoopConfig defines control loop timing.
type LoopConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

// MetricsConfig defines the optional status and Prometheus listener.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9108"; empty disables
}

// Enabled reports whether the listener should start.
func (c MetricsConfig) Enabled() bool { return c.Listen != "" }

// Load reads configuration from a YAML file. Values not present in the
// file keep the defaults from [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration. Credentials and the feed key
// have no defaults.
func Default() *Config {
	return &Config{
		Link: LinkConfig{
			ProbeTimeout: 5 * time.Second,
			PollInterval: 15 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:       "mqtts://io.adafruit.com:8883",
			KeepAliveSec: 30,
			Payload:      "1",
		},
		Sensor: SensorConfig{
			Driver:     "lis3dh",
			Address:    0x18,
			RangeG:     2,
			ThresholdG: 1.11,
		},
		Debounce: DebounceConfig{
			Interval: 30 * time.Second,
			Elapsed:  "monotonic",
		},
		Loop: LoopConfig{
			PollInterval:   100 * time.Millisecond,
			PublishTimeout: 10 * time.Second,
			RetryDelay:     5 * time.Second,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.MQTT.Account == "" {
		errs = append(errs, errors.New("mqtt.account is required"))
	}
	if c.MQTT.AccessKey == "" {
		errs = append(errs, errors.New("mqtt.access_key is required"))
	}
	if c.MQTT.FeedKey == "" {
		errs = append(errs, errors.New("mqtt.feed_key is required"))
	}
	if strings.Contains(c.MQTT.FeedKey, "/") {
		errs = append(errs, fmt.Errorf("mqtt.feed_key %q must not contain '/'", c.MQTT.FeedKey))
	}
	if _, err := c.MQTT.BrokerAddress(); err != nil {
		errs = append(errs, err)
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d out of range (0-2)", c.MQTT.QoS))
	}
	if c.Link.Passphrase != "" && c.Link.SSID == "" {
		errs = append(errs, errors.New("link.passphrase set without link.ssid"))
	}

	switch c.Sensor.Driver {
	case "lis3dh", "simulated":
	default:
		errs = append(errs, fmt.Errorf("sensor.driver %q unknown (valid: lis3dh, simulated)", c.Sensor.Driver))
	}
	switch c.Sensor.RangeG {
	case 2, 4, 8, 16:
	default:
		errs = append(errs, fmt.Errorf("sensor.range_g %d unsupported (valid: 2, 4, 8, 16)", c.Sensor.RangeG))
	}
	if c.Sensor.ThresholdG <= 0 {
		errs = append(errs, fmt.Errorf("sensor.threshold_g must be positive, got %v", c.Sensor.ThresholdG))
	}

	switch c.Debounce.Elapsed {
	case "monotonic", "wallclock":
	default:
		errs = append(errs, fmt.Errorf("debounce.elapsed %q unknown (valid: monotonic, wallclock)", c.Debounce.Elapsed))
	}
	if c.Debounce.Interval <= 0 {
		errs = append(errs, fmt.Errorf("debounce.interval must be positive, got %v", c.Debounce.Interval))
	}
	if c.Loop.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("loop.poll_interval must be positive, got %v", c.Loop.PollInterval))
	}
	if c.Loop.PublishTimeout <= 0 {
		errs = append(errs, fmt.Errorf("loop.publish_timeout must be positive, got %v", c.Loop.PublishTimeout))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q unknown (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}
