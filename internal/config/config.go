// Package config loads the bridge configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath      = "/etc/dolphin-bridge/config.yaml"
	DefaultStorePath = "/var/lib/dolphin-bridge/state.db"

	DefaultBaseURL     = "https://mbapp18.maytronics.com/api/"
	DefaultIoTEndpoint = "a12rqfdx55bdbv-ats.iot.eu-west-1.amazonaws.com"
	DefaultIoTRegion   = "eu-west-1"

	DefaultReconnectInterval = 60 * time.Second
	DefaultTokenAttempts     = 3
)

// Config is the YAML configuration consumed by the CLI.
type Config struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	API struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"api"`

	IoT struct {
		Endpoint string `yaml:"endpoint"`
		Region   string `yaml:"region"`
		CAFile   string `yaml:"ca_file"`
	} `yaml:"iot"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`

	Log struct {
		Debug bool `yaml:"debug"`
	} `yaml:"log"`

	Reconnect struct {
		Interval      time.Duration `yaml:"interval"`
		TokenAttempts int           `yaml:"token_attempts"`
	} `yaml:"reconnect"`
}

// Load parses the YAML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultBaseURL
	}
	if c.IoT.Endpoint == "" {
		c.IoT.Endpoint = DefaultIoTEndpoint
	}
	if c.IoT.Region == "" {
		c.IoT.Region = DefaultIoTRegion
	}
	if c.Reconnect.Interval == 0 {
		c.Reconnect.Interval = DefaultReconnectInterval
	}
	if c.Reconnect.TokenAttempts == 0 {
		c.Reconnect.TokenAttempts = DefaultTokenAttempts
	}
}

// Validate enforces required invariants beyond YAML typing.
func (c *Config) Validate() error {
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	if c.Reconnect.TokenAttempts < 1 {
		return fmt.Errorf("reconnect.token_attempts must be positive")
	}
	return nil
}
