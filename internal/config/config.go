package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// Vision sources
const (
	SourceReplay = "replay"
	SourceMQTT   = "mqtt"
)

// Telemetry sinks
const (
	SinkConsole   = "console"
	SinkMQTT      = "mqtt"
	SinkWebsocket = "websocket"
	SinkSerial    = "serial"
	SinkDisplay   = "display"
)

var validSinks = []string{SinkConsole, SinkMQTT, SinkWebsocket, SinkSerial, SinkDisplay}

// Config holds all application configuration values.
type Config struct {
	// Storage (where the robot controller keeps the license key and datasets)
	StorageRoot    string
	LicenseKeyFile string // relative to StorageRoot
	DatasetFile    string // relative to StorageRoot

	// Vision
	VisionSource string // "replay" or "mqtt"
	ReplayFile   string

	// MQTT
	MQTTBroker          string
	MQTTClientIDTracker string
	MQTTClientIDConsole string
	MQTTClientIDWeb     string

	// Topics
	TopicDetections string
	TopicPose       string
	TopicTelemetry  string

	// Timing
	IdleInterval int // milliseconds

	// Telemetry
	TelemetrySinks []string

	// Web Server
	WebServerPort int

	// Serial telemetry link
	SerialPort     string
	SerialBaudRate int

	// Display
	DisplayI2CAddr uint16

	// Logging: debug, info, warn, error
	LogLevel string
}

// Package-level singleton; external code uses InitGlobal to set and Get to read.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns a Config with the values used when a key is absent from the file.
func Default() *Config {
	return &Config{
		StorageRoot:         "/sdcard",
		LicenseKeyFile:      "FIRST/Vuforia_Key_2019_2020.txt",
		DatasetFile:         "FIRST/Skystone.xml",
		VisionSource:        SourceReplay,
		MQTTClientIDTracker: "fieldnav-tracker",
		MQTTClientIDConsole: "fieldnav-console",
		MQTTClientIDWeb:     "fieldnav-web",
		TopicDetections:     "fieldnav/vision/detections",
		TopicPose:           "fieldnav/pose",
		TopicTelemetry:      "fieldnav/telemetry",
		IdleInterval:        20,
		TelemetrySinks:      []string{SinkConsole},
		WebServerPort:       8080,
		SerialBaudRate:      115200,
		DisplayI2CAddr:      0x3C,
		LogLevel:            "info",
	}
}

// Load reads the configuration file and returns a Config struct.
// Keys missing from the file keep their Default values.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	values, err := godotenv.Parse(file)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg := Default()

	// Apply in key order so the first bad key reported is deterministic.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := cfg.setValue(key, strings.TrimSpace(values[key])); err != nil {
			return nil, fmt.Errorf("config key %s: %w", key, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	switch key {
	// Storage
	case "STORAGE_ROOT":
		c.StorageRoot = value
	case "LICENSE_KEY_FILE":
		c.LicenseKeyFile = value
	case "DATASET_FILE":
		c.DatasetFile = value

	// Vision
	case "VISION_SOURCE":
		c.VisionSource = strings.ToLower(value)
	case "REPLAY_FILE":
		c.ReplayFile = value

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_TRACKER":
		c.MQTTClientIDTracker = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value
	case "MQTT_CLIENT_ID_WEB":
		c.MQTTClientIDWeb = value

	// Topics
	case "TOPIC_DETECTIONS":
		c.TopicDetections = value
	case "TOPIC_POSE":
		c.TopicPose = value
	case "TOPIC_TELEMETRY":
		c.TopicTelemetry = value

	// Timing
	case "IDLE_INTERVAL":
		interval, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid IDLE_INTERVAL %q: %w", value, err)
		}
		c.IdleInterval = interval

	// Telemetry
	case "TELEMETRY_SINKS":
		c.TelemetrySinks = nil
		for _, s := range strings.Split(value, ",") {
			s = strings.ToLower(strings.TrimSpace(s))
			if s != "" {
				c.TelemetrySinks = append(c.TelemetrySinks, s)
			}
		}

	// Web Server
	case "WEB_SERVER_PORT":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid WEB_SERVER_PORT %q: %w", value, err)
		}
		c.WebServerPort = port

	// Serial
	case "SERIAL_PORT":
		c.SerialPort = value
	case "SERIAL_BAUD_RATE":
		rate, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid SERIAL_BAUD_RATE %q: %w", value, err)
		}
		c.SerialBaudRate = rate

	// Display
	case "DISPLAY_I2C_ADDR":
		addr, err := strconv.ParseUint(value, 0, 16)
		if err != nil {
			return fmt.Errorf("invalid DISPLAY_I2C_ADDR %q: %w", value, err)
		}
		c.DisplayI2CAddr = uint16(addr)

	// Logging
	case "LOG_LEVEL":
		c.LogLevel = strings.ToLower(value)

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return nil
}

// Validate checks that the values are consistent with each other.
func (c *Config) Validate() error {
	if c.StorageRoot == "" {
		return fmt.Errorf("STORAGE_ROOT is required")
	}
	switch c.VisionSource {
	case SourceReplay:
		if c.ReplayFile == "" {
			return fmt.Errorf("REPLAY_FILE is required when VISION_SOURCE=%s", SourceReplay)
		}
	case SourceMQTT:
		if c.MQTTBroker == "" {
			return fmt.Errorf("MQTT_BROKER is required when VISION_SOURCE=%s", SourceMQTT)
		}
		if c.TopicDetections == "" {
			return fmt.Errorf("TOPIC_DETECTIONS is required when VISION_SOURCE=%s", SourceMQTT)
		}
	default:
		return fmt.Errorf("VISION_SOURCE must be %q or %q, got %q", SourceReplay, SourceMQTT, c.VisionSource)
	}
	if c.IdleInterval <= 0 {
		return fmt.Errorf("IDLE_INTERVAL must be positive, got %d", c.IdleInterval)
	}
	for _, s := range c.TelemetrySinks {
		if !isValidSink(s) {
			return fmt.Errorf("unknown telemetry sink %q (valid: %s)", s, strings.Join(validSinks, ", "))
		}
		if s == SinkMQTT && c.MQTTBroker == "" {
			return fmt.Errorf("MQTT_BROKER is required for the %s telemetry sink", SinkMQTT)
		}
		if s == SinkSerial && c.SerialPort == "" {
			return fmt.Errorf("SERIAL_PORT is required for the %s telemetry sink", SinkSerial)
		}
	}
	return nil
}

func isValidSink(s string) bool {
	for _, v := range validSinks {
		if s == v {
			return true
		}
	}
	return false
}

// HasSink reports whether the named telemetry sink is enabled.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.TelemetrySinks {
		if s == name {
			return true
		}
	}
	return false
}

// LicenseKeyPath is the absolute location of the vision license key file.
func (c *Config) LicenseKeyPath() string {
	return filepath.Join(c.StorageRoot, c.LicenseKeyFile)
}

// DatasetPath is the absolute location of the trackable dataset bundle.
func (c *Config) DatasetPath() string {
	return filepath.Join(c.StorageRoot, c.DatasetFile)
}

// InitGlobal initializes the global configuration from file.
// Only the first call has an effect.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
