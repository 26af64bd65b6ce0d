// Package config handles configuration loading and management.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/commatea/ModScope/pkg/logger"
	"github.com/commatea/ModScope/pkg/transport"
)

// Default config file locations.
var configPaths = []string{
	"./config.yaml",
	"./config.yml",
	"./modscope.yaml",
	"./modscope.yml",
	"~/.config/modscope/config.yaml",
	"/etc/modscope/config.yaml",
}

// Config is the top-level application configuration.
type Config struct {
	Connection ConnectionConfig `yaml:"connection" json:"connection"`
	Request    RequestConfig    `yaml:"request" json:"request"`
	Logging    logger.Config    `yaml:"logging" json:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
	History    HistoryConfig    `yaml:"history" json:"history"`
}

// ConnectionConfig describes the target device link.
type ConnectionConfig struct {
	// Type selects the transport ("tcp", "serial", "sim").
	Type string `yaml:"type" json:"type" validate:"required,oneof=tcp serial sim"`

	// Address is "host:port" for tcp, a device path for serial.
	Address string `yaml:"address" json:"address"`

	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	ResponseTimeout time.Duration `yaml:"response_timeout" json:"response_timeout"`

	Serial transport.SerialConfig `yaml:"serial" json:"serial"`
}

// Transport converts the connection section into a transport.Config.
func (c ConnectionConfig) Transport() transport.Config {
	return transport.Config{
		Type:            c.Type,
		Address:         c.Address,
		ConnectTimeout:  c.ConnectTimeout,
		ResponseTimeout: c.ResponseTimeout,
		Serial:          c.Serial,
	}
}

// RequestConfig holds per-request defaults applied when the CLI flags
// leave them unset.
type RequestConfig struct {
	SlaveID    uint8         `yaml:"slave_id" json:"slave_id" validate:"min=1,max=247"`
	Format     string        `yaml:"format" json:"format"`
	ByteOrder  string        `yaml:"byte_order" json:"byte_order"`
	Retries    int           `yaml:"retries" json:"retries" validate:"min=0"`
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Listen   string `yaml:"listen" json:"listen"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// HistoryConfig controls the exchange history store.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// Load loads configuration from file.
func Load(path string) (*Config, error) {
	// If path is specified, use it directly
	if path != "" {
		return loadFile(path)
	}

	// Try default paths
	for _, p := range configPaths {
		// Expand home directory
		if p[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				p = filepath.Join(home, p[2:])
			}
		}

		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}

	// Return default config if no file found
	return DefaultConfig(), nil
}

// loadFile loads configuration from a specific file.
func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func Validate(cfg *Config) error {
	validate := validator.New()
	return validate.Struct(cfg)
}

// Save saves configuration to file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Type:            "tcp",
			Address:         "localhost:502",
			ConnectTimeout:  10 * time.Second,
			ResponseTimeout: 1 * time.Second,
			Serial: transport.SerialConfig{
				BaudRate: 9600,
				DataBits: 8,
				Parity:   "none",
				StopBits: 1,
			},
		},
		Request: RequestConfig{
			SlaveID:    1,
			Format:     "uint16",
			ByteOrder:  "big",
			Retries:    2,
			RetryDelay: 100 * time.Millisecond,
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Listen:   ":9090",
			Endpoint: "/metrics",
		},
		History: HistoryConfig{
			Enabled: false,
			Path:    "modscope.db",
		},
	}
}
