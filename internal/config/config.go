// Package config loads x8stream settings from YAML, a .env file and the
// environment, in that order of increasing precedence.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/cerelog-x8/internal/cerelog"
	"github.com/shaunagostinho/cerelog-x8/internal/sink"
)

// DefaultPath is where the service looks for its config file.
const DefaultPath = "/etc/x8stream/config.yaml"

// Config holds all acquisition settings.
type Config struct {
	mu sync.RWMutex

	Device DeviceConfig `yaml:"device" json:"device"`
	Stream StreamConfig `yaml:"stream" json:"stream"`
	Server ServerConfig `yaml:"server" json:"server"`

	path string
}

type DeviceConfig struct {
	// Port skips discovery when set.
	Port string `yaml:"port" json:"port"`
	// BaudConfig is an index into the X8 baud table (0-7).
	BaudConfig   int `yaml:"baud_config" json:"baudConfig"`
	SamplingRate int `yaml:"sampling_rate" json:"samplingRate"`
	MinSyncCount int `yaml:"min_sync_count" json:"minSyncCount"`

	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" json:"discoveryTimeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshakeTimeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout" json:"readTimeout"`
}

type StreamConfig struct {
	BufferSize int    `yaml:"buffer_size" json:"bufferSize"`
	Streamer   string `yaml:"streamer" json:"streamer"` // e.g. "file:///var/lib/x8/eeg.csv:w"
}

type ServerConfig struct {
	// ListenAddr, when set, adds a websocket streamer on that address.
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config matching the X8 firmware defaults.
func DefaultConfig() *Config {
	dev := cerelog.DefaultDeviceConfig()
	return &Config{
		Device: DeviceConfig{
			BaudConfig:       int(cerelog.DefaultInputParams().BaudConfig),
			SamplingRate:     dev.SamplingRate,
			MinSyncCount:     dev.MinSyncCount,
			DiscoveryTimeout: dev.DiscoveryTimeout,
			HandshakeTimeout: dev.HandshakeTimeout,
			ReadTimeout:      dev.FrameReadTimeout,
		},
		Stream: StreamConfig{
			BufferSize: sink.DefaultBufferSize,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if the file is missing.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config, then in CWD
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already set in the real environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: X8_PORT, X8_BAUD_CONFIG, X8_SAMPLING_RATE, X8_MIN_SYNC_COUNT,
// X8_BUFFER_SIZE, X8_STREAMER, X8_LISTEN_ADDR
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("X8_PORT"); v != "" {
		c.Device.Port = v
	}
	if v := os.Getenv("X8_BAUD_CONFIG"); v != "" {
		if n, err := strconv.ParseInt(v, 0, 16); err == nil {
			c.Device.BaudConfig = int(n)
		}
	}
	if v := os.Getenv("X8_SAMPLING_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.SamplingRate = n
		}
	}
	if v := os.Getenv("X8_MIN_SYNC_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.MinSyncCount = n
		}
	}
	if v := os.Getenv("X8_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Stream.BufferSize = n
		}
	}
	if v := os.Getenv("X8_STREAMER"); v != "" {
		c.Stream.Streamer = v
	}
	if v := os.Getenv("X8_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Save writes the config to path, or to the file it was loaded from when
// path is empty.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if path == "" {
		path = c.path
	}
	if path == "" {
		path = DefaultPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// DeviceSettings applies the device section on top of the firmware defaults.
func (c *Config) DeviceSettings() (cerelog.DeviceConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dev := cerelog.DefaultDeviceConfig()
	if c.Device.SamplingRate > 0 {
		dev.SamplingRate = c.Device.SamplingRate
	}
	if c.Device.MinSyncCount > 0 {
		dev.MinSyncCount = c.Device.MinSyncCount
	}
	if c.Device.DiscoveryTimeout > 0 {
		dev.DiscoveryTimeout = c.Device.DiscoveryTimeout
	}
	if c.Device.HandshakeTimeout > 0 {
		dev.HandshakeTimeout = c.Device.HandshakeTimeout
	}
	if c.Device.ReadTimeout > 0 {
		dev.FrameReadTimeout = c.Device.ReadTimeout
		dev.StopTimeout = c.Device.ReadTimeout + time.Second
	}
	if err := dev.Validate(); err != nil {
		return cerelog.DeviceConfig{}, err
	}
	return dev, nil
}

// InputParams returns the session parameters for the board.
func (c *Config) InputParams() (cerelog.InputParams, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Device.BaudConfig < 0 || c.Device.BaudConfig > 0xFF {
		return cerelog.InputParams{}, fmt.Errorf("config: baud_config %d out of range", c.Device.BaudConfig)
	}
	return cerelog.InputParams{
		SerialPort: c.Device.Port,
		BaudConfig: byte(c.Device.BaudConfig),
	}, nil
}

// StreamerParams joins the configured streamer with the websocket listener.
func (c *Config) StreamerParams() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var parts []string
	if s := strings.TrimSpace(c.Stream.Streamer); s != "" {
		parts = append(parts, s)
	}
	if c.Server.ListenAddr != "" {
		parts = append(parts, "ws://"+c.Server.ListenAddr)
	}
	return strings.Join(parts, ";")
}
