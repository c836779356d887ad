// Package config handles hostdiag configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/hostdiag/config.yaml, /etc/hostdiag/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hostdiag", "config.yaml"))
	}

	paths = append(paths, "/etc/hostdiag/config.yaml")
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

// Config holds all hostdiag configuration.
type Config struct {
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Network NetworkConfig `yaml:"network"`
	Metrics MetricsConfig `yaml:"metrics"`

	// DeviceName overrides the hostname as the Home Assistant device
	// name. Entity unique IDs are derived from it, so changing it
	// creates new entities in HA.
	DeviceName string `yaml:"device_name"`

	// DataDir holds the persisted instance ID used as a device serial
	// fallback on hosts that expose no serial number.
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json
}

// MQTTConfig defines the broker session and the topic layout.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. mqtt://host:1883 or mqtts://host:8883.
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ClientID is the MQTT client identifier and the second segment of
	// every state topic. Defaults to hostdiag_<hostname>.
	ClientID string `yaml:"client_id"`

	DiscoveryPrefix string `yaml:"discovery_prefix"` // default: homeassistant
	TopicPrefix     string `yaml:"topic_prefix"`     // default: hostdiag

	// PublishIntervalSec is the period of the state publish loop.
	PublishIntervalSec int `yaml:"publish_interval_sec"`

	// RepublishIntervalSec forces an unchanged value to be sent again
	// once it is this old. Zero means the default (300); a negative
	// value disables the heartbeat so only changes are sent.
	RepublishIntervalSec int `yaml:"republish_interval_sec"`

	// ConnectTimeoutSec bounds how long startup waits for the first
	// successful CONNACK.
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
}

// Configured reports whether enough MQTT settings are present to
// attempt a connection.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// PublishInterval returns the publish loop period.
func (c MQTTConfig) PublishInterval() time.Duration {
	return time.Duration(c.PublishIntervalSec) * time.Second
}

// RepublishInterval returns the staleness bound. A non-positive result
// disables heartbeat republishing.
func (c MQTTConfig) RepublishInterval() time.Duration {
	if c.RepublishIntervalSec < 0 {
		return 0
	}
	return time.Duration(c.RepublishIntervalSec) * time.Second
}

// ConnectTimeout returns the startup connection deadline.
func (c MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// NetworkConfig selects the interfaces whose throughput is sampled.
type NetworkConfig struct {
	// Interfaces lists interface names to monitor. Empty means every
	// non-loopback interface that is up at startup.
	Interfaces        []string `yaml:"interfaces"`
	SampleIntervalSec int      `yaml:"sample_interval_sec"`
	// Unit is the display unit for TX/RX sensors: B/s, kB/s, MB/s or GB/s.
	Unit string `yaml:"unit"`
}

// SampleInterval returns the counter sampling window.
func (c NetworkConfig) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalSec) * time.Second
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the bind address for /metrics (e.g. ":9101"). Empty
	// disables the endpoint.
	Listen string `yaml:"listen"`
}

// Load reads configuration from a YAML file, expanding ${VAR}
// environment references, then applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "hostdiag"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 5
	}
	if c.MQTT.RepublishIntervalSec == 0 {
		c.MQTT.RepublishIntervalSec = 300
	}
	if c.MQTT.ConnectTimeoutSec == 0 {
		c.MQTT.ConnectTimeoutSec = 30
	}
	if c.Network.SampleIntervalSec == 0 {
		c.Network.SampleIntervalSec = 1
	}
	if c.Network.Unit == "" {
		c.Network.Unit = "kB/s"
	}
}

// Validate checks the loaded configuration for values that would make
// the agent misbehave at runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	if !c.MQTT.Configured() {
		errs = append(errs, errors.New("mqtt.broker is required"))
	} else if u, err := url.Parse(c.MQTT.Broker); err != nil {
		errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
	} else {
		switch u.Scheme {
		case "mqtt", "tcp", "mqtts", "ssl", "tls", "ws", "wss":
		default:
			errs = append(errs, fmt.Errorf("mqtt.broker scheme %q is not supported", u.Scheme))
		}
	}
	if c.MQTT.PublishIntervalSec < 0 {
		errs = append(errs, fmt.Errorf("mqtt.publish_interval_sec must be positive, got %d", c.MQTT.PublishIntervalSec))
	}
	if c.MQTT.ConnectTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("mqtt.connect_timeout_sec must be positive, got %d", c.MQTT.ConnectTimeoutSec))
	}
	if c.Network.SampleIntervalSec < 0 {
		errs = append(errs, fmt.Errorf("network.sample_interval_sec must be positive, got %d", c.Network.SampleIntervalSec))
	}

	return errors.Join(errs...)
}
