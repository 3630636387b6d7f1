// Package config handles pbxline configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/pbxline/config.yaml, /config/config.yaml,
// /etc/pbxline/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pbxline", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/pbxline/config.yaml")
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

// Duration wraps time.Duration so YAML values can be written as Go
// duration strings ("5s", "2500ms"). A bare integer is read as
// seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if secs, err := strconv.Atoi(value.Value); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all pbxline configuration: the MI connection and its
// timeout knobs, the GI listener, and the optional integrations
// (mqtt bridge, websocket monitor).
type Config struct {
	MI        MIConfig        `yaml:"mi"`
	GI        GIConfig        `yaml:"gi"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Websocket WebsocketConfig `yaml:"websocket_monitor"`
	LogLevel  string          `yaml:"log_level"`
}

// MIConfig carries the Management Interface connection target and its
// timeout knobs: socket read timeout, orphaned response timeout,
// aggregate timeout, per-request timeout, and the liveness monitor
// interval.
type MIConfig struct {
	Host                    string   `yaml:"host"`
	Port                    int      `yaml:"port"`
	Username                string   `yaml:"username"`
	Secret                  string   `yaml:"secret"`
	SocketReadTimeout       Duration `yaml:"socket_read_timeout"`
	OrphanedResponseTimeout Duration `yaml:"orphaned_response_timeout"`
	AggregateTimeout        Duration `yaml:"aggregate_timeout"`
	RequestTimeout          Duration `yaml:"request_timeout"`
	MonitorInterval         Duration `yaml:"monitor_interval"`
}

// GIConfig carries the optional GI TCP listener address, so a
// deployment can point pbxlinectl at either stdio or a fixed port
// without code changes.
type GIConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// MQTTConfig configures the optional event-republishing bridge.
// Broker empty disables the bridge entirely.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// WebsocketConfig configures the optional live-monitoring websocket
// server. Listen empty disables it.
type WebsocketConfig struct {
	Listen string `yaml:"listen"`
}

// Configured reports whether the MQTT bridge has a broker to connect
// to. A Config with no broker set runs without the bridge.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Configured reports whether the websocket monitor should be started.
func (c WebsocketConfig) Configured() bool {
	return c.Listen != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${MI_SECRET}). Convenience
	// for container deployments; putting values directly in the config
	// file is still the recommended approach.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with their defaults.
// Called automatically by Load. After this, callers can read any
// field without checking for empty strings or zero durations.
func (c *Config) applyDefaults() {
	if c.MI.Host == "" {
		c.MI.Host = "127.0.0.1"
	}
	if c.MI.Port == 0 {
		c.MI.Port = 5038
	}
	if c.MI.SocketReadTimeout <= 0 {
		c.MI.SocketReadTimeout = Duration(5 * time.Second)
	}
	if c.MI.OrphanedResponseTimeout <= 0 {
		c.MI.OrphanedResponseTimeout = Duration(5 * time.Second)
	}
	if c.MI.AggregateTimeout <= 0 {
		c.MI.AggregateTimeout = Duration(5 * time.Second)
	}
	if c.MI.RequestTimeout <= 0 {
		c.MI.RequestTimeout = Duration(5 * time.Second)
	}
	if c.MI.MonitorInterval <= 0 {
		c.MI.MonitorInterval = Duration(2500 * time.Millisecond)
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "pbx-gateway"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 30
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.MI.Port < 1 || c.MI.Port > 65535 {
		return fmt.Errorf("mi.port %d out of range (1-65535)", c.MI.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration pointed at a local PBX on
// the standard MI port. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
