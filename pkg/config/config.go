// Package config provides configuration handling for the transport stack.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/irctrakz/tcpstack/pkg/core"
	"github.com/irctrakz/tcpstack/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Config represents the complete stack configuration.
type Config struct {
	// Engine contains the transport engine tunables.
	Engine core.EngineConfig `json:"engine" yaml:"engine"`

	// Network contains the UDP network path configuration.
	Network core.NetworkConfig `json:"network" yaml:"network"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path; empty logs to stdout only.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: core.EngineConfig{
			MSS:                 1460,
			RTOMinMS:            200,
			RTOMaxMS:            60000,
			MSLSeconds:          30,
			RetryLimit:          5,
			DupAckThreshold:     3,
			DelayedAckMS:        10,
			SendBufferHighWater: 256 * 1024,
			RecvWindow:          65535,
			SynBacklog:          16,
			InitialSsthresh:     64 * 1024,
			IdleLifetimeSeconds: 120,
		},
		Network: core.NetworkConfig{
			ListenAddr: "0.0.0.0:5700",
			MTU:        1500,
			TTL:        64,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv overlays configuration from environment variables.
func LoadFromEnv(config *Config) {
	setInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}

	// Engine config
	setInt("ENGINE_MSS", &config.Engine.MSS)
	setInt("ENGINE_RTO_MIN_MS", &config.Engine.RTOMinMS)
	setInt("ENGINE_RTO_MAX_MS", &config.Engine.RTOMaxMS)
	setInt("ENGINE_MSL_SECONDS", &config.Engine.MSLSeconds)
	setInt("ENGINE_RETRY_LIMIT", &config.Engine.RetryLimit)
	setInt("ENGINE_DUP_ACK_THRESHOLD", &config.Engine.DupAckThreshold)
	setInt("ENGINE_DELAYED_ACK_MS", &config.Engine.DelayedAckMS)
	setInt("ENGINE_SEND_HIGH_WATER", &config.Engine.SendBufferHighWater)
	setInt("ENGINE_RECV_WINDOW", &config.Engine.RecvWindow)
	setInt("ENGINE_SYN_BACKLOG", &config.Engine.SynBacklog)
	setInt("ENGINE_IDLE_LIFETIME_SECONDS", &config.Engine.IdleLifetimeSeconds)
	if val := os.Getenv("ENGINE_TRACE_FILE"); val != "" {
		config.Engine.TraceFile = val
	}

	// Network config
	if val := os.Getenv("NETWORK_LISTEN_ADDR"); val != "" {
		config.Network.ListenAddr = val
	}
	setInt("NETWORK_MTU", &config.Network.MTU)
	setInt("NETWORK_TTL", &config.Network.TTL)
	setInt("NETWORK_TOS", &config.Network.TOS)

	// Logging config
	if val := os.Getenv("LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
	setInt("LOGGING_MAX_SIZE", &config.Logging.MaxSize)
	setInt("LOGGING_MAX_BACKUPS", &config.Logging.MaxBackups)
	setInt("LOGGING_MAX_AGE", &config.Logging.MaxAge)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.MSS < 64 {
		return fmt.Errorf("invalid MSS: %d", c.Engine.MSS)
	}
	if c.Engine.RTOMinMS <= 0 || c.Engine.RTOMaxMS < c.Engine.RTOMinMS {
		return fmt.Errorf("invalid RTO bounds: %d..%d ms", c.Engine.RTOMinMS, c.Engine.RTOMaxMS)
	}
	if c.Engine.MSLSeconds <= 0 {
		return fmt.Errorf("invalid MSL: %d", c.Engine.MSLSeconds)
	}
	if c.Engine.RetryLimit <= 0 {
		return fmt.Errorf("invalid retry limit: %d", c.Engine.RetryLimit)
	}
	if c.Engine.DupAckThreshold <= 0 {
		return fmt.Errorf("invalid duplicate-ack threshold: %d", c.Engine.DupAckThreshold)
	}
	if c.Engine.RecvWindow <= 0 || c.Engine.RecvWindow > 65535 {
		return fmt.Errorf("invalid receive window: %d", c.Engine.RecvWindow)
	}
	if c.Engine.SynBacklog <= 0 {
		return fmt.Errorf("invalid SYN backlog: %d", c.Engine.SynBacklog)
	}
	if c.Network.MTU < c.Engine.MSS+20 {
		return fmt.Errorf("MTU %d too small for MSS %d", c.Network.MTU, c.Engine.MSS)
	}
	if _, _, err := net.SplitHostPort(c.Network.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Network.ListenAddr, err)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	var level logging.Level
	switch c.Logging.Level {
	case "debug":
		level = logging.DebugLevel
	case "warn":
		level = logging.WarnLevel
	case "error":
		level = logging.ErrorLevel
	default:
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	if c.Logging.File != "" {
		dir := filepath.Dir(c.Logging.File)
		name := filepath.Base(c.Logging.File)
		if err := logging.EnableFileLogging(dir, name, c.Logging.MaxSize, c.Logging.MaxBackups, c.Logging.MaxAge); err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile writes the configuration to a JSON or YAML file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch {
	case strings.HasSuffix(path, ".json"):
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
