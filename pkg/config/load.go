package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Load reads a configuration YAML file from the given path, then applies
// environment overrides and defaults and validates the result.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, errors.New("configuration file path cannot be empty")
	}

	yamlFile, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file '%s'", configPath)
	}

	return LoadFromBytes(yamlFile)
}

// LoadFromBytes is the core of Load: unmarshal, environment overrides,
// defaults, validation.
func LoadFromBytes(yamlBytes []byte) (*Config, error) {
	var cfg Config

	if err := yaml.Unmarshal(yamlBytes, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal yaml config")
	}
	return finish(&cfg)
}

// FromURI builds a configuration from a connection URI and the environment,
// for runs without a config file. uri may be empty.
func FromURI(uri string) (*Config, error) {
	return finish(&Config{Connection: ConnectionSpec{URI: uri}})
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)
	SetDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return cfg, nil
}
