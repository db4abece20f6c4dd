// Package config loads the YAML configuration of a mesh node and turns it
// into the structures the mesh, transport and logging layers consume.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/kabili207/meshstack/pkg/mesh"
	"github.com/kabili207/meshstack/pkg/meshid"
	"github.com/kabili207/meshstack/pkg/neighbor"
	"github.com/kabili207/meshstack/pkg/phy"
	"github.com/kabili207/meshstack/pkg/telemetry"
	"github.com/kabili207/meshstack/pkg/traceroute"
)

//go:embed example-config.yml
var ExampleConfig string

const (
	EnvPrefix     = "MESHNODE_"
	EnvConfigFile = EnvPrefix + "CONFIG_FILE"
)

type Config struct {
	NodeID        string `yaml:"node_id"`
	LongName      string `yaml:"long_name"`
	ShortName     string `yaml:"short_name"`
	HardwareModel uint8  `yaml:"hardware_model"`
	IsRouter      bool   `yaml:"is_router"`

	Region        string `yaml:"region"`
	ModemPreset   string `yaml:"modem_preset"`
	HopLimit      uint8  `yaml:"hop_limit"`
	MaxPacketSize int    `yaml:"max_packet_size"`

	EncryptionEnabled bool                 `yaml:"encryption_enabled"`
	PrimaryChannel    mesh.ChannelConfig   `yaml:"primary_channel"`
	SecondaryChannels []mesh.ChannelConfig `yaml:"secondary_channels"`

	NodeInfoInterval time.Duration     `yaml:"nodeinfo_interval"`
	Position         string            `yaml:"position"`
	PositionInterval time.Duration     `yaml:"position_interval"`
	Telemetry        telemetry.Config  `yaml:"telemetry"`
	Relay            RelayConfig       `yaml:"relay"`
	Ack              AckConfig         `yaml:"ack"`
	Traceroute       traceroute.Config `yaml:"traceroute"`

	UDP     UDPConfig     `yaml:"udp"`
	Mqtt    MqttConfig    `yaml:"mqtt"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`

	// Path of the file the config was read from, if any
	ConfigPath string `yaml:"-"`
}

// RelayConfig controls which packets this node rebroadcasts for others.
type RelayConfig struct {
	Direct     bool          `yaml:"direct"`
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
}

type AckConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries uint8         `yaml:"max_retries"`
}

type UDPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type MqttConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Uri       string `yaml:"server"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	RootTopic string `yaml:"root_topic"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// New builds a config from the embedded defaults, the YAML file at path and
// then MESHNODE_* environment overrides. An empty path falls back to
// MESHNODE_CONFIG_FILE; a missing file named only by the environment is
// ignored.
func New(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default is the embedded example configuration.
func Default() (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		return nil, fmt.Errorf("parse embedded config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyFile(path string) error {
	fromEnv := false
	if path == "" {
		path = os.Getenv(EnvConfigFile)
		fromEnv = true
	}
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && fromEnv {
		return nil
	} else if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.ConfigPath = path
	return nil
}

func (c *Config) envFields() map[string]any {
	return map[string]any{
		"NODE_ID":            &c.NodeID,
		"LONG_NAME":          &c.LongName,
		"SHORT_NAME":         &c.ShortName,
		"IS_ROUTER":          &c.IsRouter,
		"REGION":             &c.Region,
		"MODEM_PRESET":       &c.ModemPreset,
		"HOP_LIMIT":          &c.HopLimit,
		"ENCRYPTION_ENABLED": &c.EncryptionEnabled,
		"CHANNEL_NAME":       &c.PrimaryChannel.Name,
		"CHANNEL_PSK":        &c.PrimaryChannel.PSK,
		"POSITION":           &c.Position,
		"NODEINFO_INTERVAL":  &c.NodeInfoInterval,
		"ACK_ENABLED":        &c.Ack.Enabled,
		"ACK_TIMEOUT":        &c.Ack.Timeout,
		"UDP_ENABLED":        &c.UDP.Enabled,
		"UDP_ADDRESS":        &c.UDP.Address,
		"MQTT_ENABLED":       &c.Mqtt.Enabled,
		"MQTT_SERVER":        &c.Mqtt.Uri,
		"MQTT_USERNAME":      &c.Mqtt.Username,
		"MQTT_PASSWORD":      &c.Mqtt.Password,
		"MQTT_ROOT_TOPIC":    &c.Mqtt.RootTopic,
		"METRICS_ENABLED":    &c.Metrics.Enabled,
		"METRICS_ADDRESS":    &c.Metrics.Address,
		"LOG_LEVEL":          &c.Logging.Level,
		"LOG_FORMAT":         &c.Logging.Format,
	}
}

func (c *Config) applyEnv() error {
	for key, field := range c.envFields() {
		raw, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			continue
		}
		if err := setField(field, strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
	}
	return nil
}

func setField(field any, raw string) error {
	switch f := field.(type) {
	case *string:
		*f = raw
	case *bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*f = v
	case *uint8:
		v, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			return err
		}
		*f = uint8(v)
	case *time.Duration:
		v, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*f = v
	default:
		return fmt.Errorf("unsupported field type %T", field)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.LongName == "" || c.ShortName == "" {
		return fmt.Errorf("both long_name and short_name are required")
	}
	if len([]byte(c.LongName)) >= neighbor.MaxLongNameLen {
		return fmt.Errorf("long_name must be less than %d bytes", neighbor.MaxLongNameLen)
	}
	if len([]byte(c.ShortName)) > neighbor.MaxShortNameLen {
		return fmt.Errorf("short_name must be at most %d bytes", neighbor.MaxShortNameLen)
	}
	if c.HopLimit > meshid.MAX_HOPS {
		return fmt.Errorf("hop_limit must be at most %d", meshid.MAX_HOPS)
	}
	if !c.UDP.Enabled && !c.Mqtt.Enabled {
		return fmt.Errorf("at least one connection method must be enabled")
	}
	if c.Mqtt.Enabled && c.Mqtt.Uri == "" {
		return fmt.Errorf("mqtt.server is required when mqtt is enabled")
	}
	if c.Relay.RateLimit < 0 {
		return fmt.Errorf("relay.rate_limit cannot be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}
	if _, err := c.Logging.Logger(io.Discard); err != nil {
		return err
	}
	if _, err := c.PositionFix(); err != nil {
		return err
	}
	mc, err := c.MeshConfig()
	if err != nil {
		return err
	}
	return mc.Validate()
}

// MeshConfig converts the file format into a mesh.Config. Settings the file
// does not expose keep their mesh.DefaultConfig values.
func (c *Config) MeshConfig() (mesh.Config, error) {
	mc := mesh.DefaultConfig()
	if c.NodeID != "" {
		id, err := meshid.ParseNodeID(c.NodeID)
		if err != nil {
			return mc, fmt.Errorf("invalid node_id %q: %w", c.NodeID, err)
		}
		mc.NodeID = id
	}
	region, err := mesh.ParseRegion(c.Region)
	if err != nil {
		return mc, err
	}
	preset, err := mesh.ParseModemPreset(c.ModemPreset)
	if err != nil {
		return mc, err
	}

	mc.LongName = c.LongName
	mc.ShortName = c.ShortName
	mc.HardwareModel = c.HardwareModel
	mc.IsRouter = c.IsRouter
	mc.Region = region
	mc.HopLimit = c.HopLimit
	if c.MaxPacketSize > 0 {
		mc.MaxPacketSize = c.MaxPacketSize
	}

	mc.EncryptionEnabled = c.EncryptionEnabled
	mc.PrimaryChannel = withPreset(c.PrimaryChannel, preset)
	mc.SecondaryChannels = nil
	for _, ch := range c.SecondaryChannels {
		mc.SecondaryChannels = append(mc.SecondaryChannels, withPreset(ch, preset))
	}

	mc.NodeInfoInterval = c.NodeInfoInterval
	mc.PositionEnabled = c.Position != ""
	mc.PositionInterval = c.PositionInterval
	mc.Telemetry = c.Telemetry
	mc.Flood.DefaultHopLimit = c.HopLimit
	mc.Flood.RelayDirect = c.Relay.Direct
	mc.Flood.RelayRateLimit = c.Relay.RateLimit
	if c.Relay.RateWindow > 0 {
		mc.Flood.RelayRateWindow = c.Relay.RateWindow
	}
	mc.AckEnabled = c.Ack.Enabled
	if c.Ack.Timeout > 0 {
		mc.AckTimeout = c.Ack.Timeout
	}
	mc.MaxRetries = c.Ack.MaxRetries
	mc.Traceroute = c.Traceroute
	return mc, nil
}

func withPreset(ch mesh.ChannelConfig, preset mesh.ModemPreset) mesh.ChannelConfig {
	ch.Preset = preset
	if ch.Name == "" {
		ch.Name = preset.String()
	}
	return ch
}

// PositionFix parses the configured geo URI. It returns nil when no
// position is configured.
func (c *Config) PositionFix() (*meshid.Position, error) {
	if c.Position == "" {
		return nil, nil
	}
	pos, err := meshid.ParseGeoURI(c.Position)
	if err != nil {
		return nil, fmt.Errorf("invalid position: %w", err)
	}
	return pos, nil
}

func (c MqttConfig) PhyConfig() phy.MQTTConfig {
	return phy.MQTTConfig{
		URI:       c.Uri,
		Username:  c.Username,
		Password:  c.Password,
		RootTopic: c.RootTopic,
	}
}

// Logger builds the root logger writing to w.
func (l LoggingConfig) Logger(w io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if l.Level != "" {
		var err error
		if level, err = zerolog.ParseLevel(strings.ToLower(l.Level)); err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q", l.Level)
		}
	}
	switch strings.ToLower(l.Format) {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", l.Format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
