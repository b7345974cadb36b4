// Package config loads server configuration from yaml, .env files and
// CIDELDILL_* environment overrides, and owns the port-discovery file that
// lets clients find a running server without explicit configuration.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Debug    DebugConfig    `yaml:"debug"`
	Redis    RedisConfig    `yaml:"redis"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path   string `yaml:"path"`
	Memory bool   `yaml:"memory"`
}

type DebugConfig struct {
	PollIntervalMs      int  `yaml:"poll_interval_ms"`
	PlaceholderDepth    int  `yaml:"placeholder_depth"`
	WatchdogThresholdMs int  `yaml:"watchdog_threshold_ms"`
	CodecWarnings       bool `yaml:"codec_warnings"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8765},
		Debug: DebugConfig{
			PollIntervalMs:      100,
			PlaceholderDepth:    2,
			WatchdogThresholdMs: 30000,
		},
	}
}

// Load reads the yaml file at path (optional), merges .env, then applies
// CIDELDILL_* environment overrides.
func Load(path string) (*Config, error) {
	// .env is best-effort, matching local-dev usage.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CIDELDILL_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("CIDELDILL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CIDELDILL_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("CIDELDILL_MEMORY"); v == "1" || v == "true" {
		c.Database.Memory = true
	}
	if v := os.Getenv("CIDELDILL_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
}

// DatabasePath resolves the sqlite location: ":memory:" wins, then an
// explicit path, then empty (storage picks its default).
func (c *Config) DatabasePath() string {
	if c.Database.Memory {
		return ":memory:"
	}
	return c.Database.Path
}
