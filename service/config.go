package service

import (
	"fmt"
	"os"

	"github.com/kwv/corrnet/prune"
	"gopkg.in/yaml.v3"
)

// SourceConfig defines a correspondence stream from the config file
type SourceConfig struct {
	ID    string `yaml:"id" json:"id"`
	Topic string `yaml:"topic" json:"topic"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Config represents the full configuration file
type Config struct {
	Network prune.Config   `yaml:"network" json:"network"`
	Weights string         `yaml:"weights,omitempty" json:"weights,omitempty"` // msgpack checkpoint; empty uses seeded initialization
	MQTT    MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Sources []SourceConfig `yaml:"sources,omitempty" json:"sources,omitempty"`
}

// DefaultConfig returns a configuration with the reference network and no
// MQTT sources
func DefaultConfig() *Config {
	return &Config{Network: prune.DefaultConfig()}
}

// GetSourceByID returns the source config for the given ID, or nil
func (c *Config) GetSourceByID(id string) *SourceConfig {
	for i := range c.Sources {
		if c.Sources[i].ID == id {
			return &c.Sources[i]
		}
	}
	return nil
}

// LoadConfig loads the configuration from a YAML file. Network fields missing
// from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the network architecture and source definitions
func (c *Config) Validate() error {
	if err := c.Network.Validate(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if len(c.Sources) > 0 && c.MQTT.Broker == "" && os.Getenv("MQTT_BROKER") == "" {
		return fmt.Errorf("mqtt.broker is required when sources are defined")
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, sc := range c.Sources {
		if sc.ID == "" {
			return fmt.Errorf("source[%d].id is required", i)
		}
		if sc.Topic == "" {
			return fmt.Errorf("source[%d].topic is required for %s", i, sc.ID)
		}
		if seen[sc.ID] {
			return fmt.Errorf("source[%d].id %s is defined twice", i, sc.ID)
		}
		seen[sc.ID] = true
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
