// Package config loads server configuration from the environment, an
// optional .env file and an optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete server configuration. Keys match the
// environment variable names, lowercased.
type Config struct {
	Port        string `mapstructure:"port"`
	DatabaseURL string `mapstructure:"database_url"` // empty selects the in-memory store
	RedisURL    string `mapstructure:"redis_url"`    // cache and distributed lock; needs DatabaseURL

	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`

	// Resolver credentials. At least one must be set.
	AdminKey          string `mapstructure:"admin_key"`
	ResolverAddresses string `mapstructure:"resolver_addresses"` // comma separated

	SeedMarkets bool `mapstructure:"seed_markets"`
	DemoWallet  bool `mapstructure:"demo_wallet"` // expose mint/approve endpoints

	// BindCaller makes buy, claim and approve act only for the address in
	// the X-Caller-Address header set by an authenticating proxy.
	BindCaller bool `mapstructure:"bind_caller"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load reads configuration. Values from the environment override the config
// file; a .env file in the working directory is loaded into the environment
// first if present. path may be empty.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // .env is optional

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults configures default values for all configuration options. Every
// key needs a default so AutomaticEnv can see it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")

	v.SetDefault("cache_ttl", "30s")
	v.SetDefault("lock_ttl", "10s")

	v.SetDefault("admin_key", "")
	v.SetDefault("resolver_addresses", "")

	v.SetDefault("seed_markets", true)
	v.SetDefault("demo_wallet", true)
	v.SetDefault("bind_caller", false)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("shutdown_timeout", "5s")
}

// Resolvers returns the configured resolver addresses.
func (c *Config) Resolvers() []string {
	var out []string
	for _, a := range strings.Split(c.ResolverAddresses, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.RedisURL != "" && c.DatabaseURL == "" {
		return fmt.Errorf("redis_url requires database_url")
	}
	if c.AdminKey == "" && len(c.Resolvers()) == 0 {
		return fmt.Errorf("admin_key or resolver_addresses is required")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive")
	}
	if c.LockTTL < time.Second {
		return fmt.Errorf("lock_ttl must be at least 1 second")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("log_format must be one of: json, text")
	}
	return nil
}
