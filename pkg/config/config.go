// Package config provides configuration loading for the space engine.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EventBusConfig selects the broadcast channel.
type EventBusConfig struct {
	// Type is "gochannel" (in-process) or "kafka".
	Type         string `yaml:"type"          validate:"required,oneof=gochannel kafka"`
	KafkaBrokers string `yaml:"kafka_brokers" validate:"required_if=Type kafka"`
}

// Config is the engine configuration file (atelierd.yaml).
type Config struct {
	// DataDir holds one SQLite database and one object directory per space.
	DataDir  string         `yaml:"data_dir" validate:"required"`
	EventBus EventBusConfig `yaml:"event_bus"`
	// RedisAddr enables the cross-process writer lease when set.
	RedisAddr string `yaml:"redis_addr"`
	// SweepSchedule is a cron expression for the reference-count sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
	// MaxParallelDefault bounds plan concurrency when a plan does not set
	// its own.
	MaxParallelDefault int `yaml:"max_parallel_default" validate:"min=1"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataDir:            "./data",
		EventBus:           EventBusConfig{Type: "gochannel"},
		SweepSchedule:      "@hourly",
		MaxParallelDefault: 2,
	}
}

// Load reads and validates a YAML configuration file. Missing fields fall
// back to defaults.
func Load(path string) (Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := Validate(config); err != nil {
		return Config{}, err
	}

	return config, nil
}

// LoadOrDefault loads the config file when it exists, falling back to the
// defaults otherwise.
func LoadOrDefault(path string) Config {
	config, err := Load(path)
	if err != nil {
		return Default()
	}

	return config
}

// Validate checks a configuration for completeness.
func Validate(config Config) error {
	err := validator.New().Struct(config)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}
