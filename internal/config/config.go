// Package config provides configuration file support for the relay and
// client tunables.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can use the "500ms" / "1s"
// notation.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration notation.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

// ServerConfig configures the relay process.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// RedisAddr enables the cross-relay broadcast bridge when set.
	RedisAddr string `yaml:"redis_addr"`

	// DatabaseURL enables PostgreSQL-backed section storage when set;
	// otherwise the relay serves from an in-memory store.
	DatabaseURL string `yaml:"database_url"`
}

// ClientConfig configures session behavior.
type ClientConfig struct {
	Debounce             Duration `yaml:"debounce"`
	ReconnectBaseDelay   Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`
	LockPollInterval     Duration `yaml:"lock_poll_interval"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8081",
		},
		Client: ClientConfig{
			Debounce:             Duration(500 * time.Millisecond),
			ReconnectBaseDelay:   Duration(time.Second),
			MaxReconnectAttempts: 5,
			LockPollInterval:     Duration(time.Second),
		},
	}
}

// Load reads configuration from path, applying defaults for anything the
// file leaves out. A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
