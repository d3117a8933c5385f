// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads soilsync settings from a config file, SOILSYNC_*
// environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Ziggcoder/SoilWise--sub001/fieldsqlite"
	"github.com/Ziggcoder/SoilWise--sub001/fieldsync"
	"github.com/Ziggcoder/SoilWise--sub001/netmon"
	"github.com/Ziggcoder/SoilWise--sub001/syncer"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "SOILSYNC"

// Config holds all configuration for the soilsync client
type Config struct {
	// Local storage
	DBPath     string `mapstructure:"db_path"`
	MaxRetries int    `mapstructure:"max_retries"`

	// Remote sync endpoint
	ServerURL   string        `mapstructure:"server_url"`
	DeviceID    string        `mapstructure:"device_id"`
	UserID      string        `mapstructure:"user_id"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`

	// Conflict resolution
	ConflictPolicy string            `mapstructure:"conflict_policy"`
	Policies       map[string]string `mapstructure:"policies"` // per-kind overrides

	// Sync timing
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	BackoffMin   time.Duration `mapstructure:"backoff_min"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	BatchSize    int           `mapstructure:"batch_size"`
	RequestSize  int           `mapstructure:"request_size"`

	// Connectivity
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	QuietWindow   time.Duration `mapstructure:"quiet_window"`

	// Observability
	MetricsAddr    string `mapstructure:"metrics_addr"`
	LogFile        string `mapstructure:"log_file"`
	LogMaxSizeMB   int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups  int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays  int    `mapstructure:"log_max_age_days"`
	Verbose        bool   `mapstructure:"verbose"`
	PruneAfterDays int    `mapstructure:"prune_after_days"`
}

// DefaultConfig returns a configuration with defaults suitable for a field
// tablet on an intermittent connection.
func DefaultConfig() *Config {
	store := fieldsqlite.DefaultConfig()
	sync := syncer.DefaultConfig("")
	mon := netmon.DefaultConfig()
	return &Config{
		DBPath:     "soilsync.db",
		MaxRetries: store.MaxRetries,

		ServerURL:   "http://localhost:8080",
		TokenExpiry: 24 * time.Hour,

		ConflictPolicy: string(fieldsync.PolicyKeepServer),
		Policies:       map[string]string{},

		SyncInterval: sync.Interval,
		BackoffMin:   sync.BackoffMin,
		BackoffMax:   sync.BackoffMax,
		BatchSize:    sync.BatchSize,
		RequestSize:  sync.RequestSize,

		ProbeInterval: 10 * time.Second,
		QuietWindow:   mon.QuietWindow,

		LogMaxSizeMB:   10,
		LogMaxBackups:  3,
		LogMaxAgeDays:  28,
		PruneAfterDays: 30,
	}
}

// Load reads configuration into a Config. Values are layered as defaults,
// then the config file (if path is set), then SOILSYNC_* environment
// variables, then any flags bound to v.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Policies == nil {
		cfg.Policies = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults registers every DefaultConfig value on v so that environment
// variables are picked up for all keys.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("server_url", d.ServerURL)
	v.SetDefault("device_id", d.DeviceID)
	v.SetDefault("user_id", d.UserID)
	v.SetDefault("jwt_secret", d.JWTSecret)
	v.SetDefault("token_expiry", d.TokenExpiry)
	v.SetDefault("conflict_policy", d.ConflictPolicy)
	v.SetDefault("policies", d.Policies)
	v.SetDefault("sync_interval", d.SyncInterval)
	v.SetDefault("backoff_min", d.BackoffMin)
	v.SetDefault("backoff_max", d.BackoffMax)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("request_size", d.RequestSize)
	v.SetDefault("probe_url", d.ProbeURL)
	v.SetDefault("probe_interval", d.ProbeInterval)
	v.SetDefault("quiet_window", d.QuietWindow)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("log_max_size_mb", d.LogMaxSizeMB)
	v.SetDefault("log_max_backups", d.LogMaxBackups)
	v.SetDefault("log_max_age_days", d.LogMaxAgeDays)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("prune_after_days", d.PruneAfterDays)
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if !fieldsync.Policy(c.ConflictPolicy).Valid() {
		errs = append(errs, fmt.Errorf("unknown conflict_policy %q", c.ConflictPolicy))
	}
	for kind, policy := range c.Policies {
		if _, err := fieldsync.ParseKind(kind); err != nil {
			errs = append(errs, fmt.Errorf("policies: %w", err))
		}
		if !fieldsync.Policy(policy).Valid() {
			errs = append(errs, fmt.Errorf("policies.%s: unknown policy %q", kind, policy))
		}
	}
	if c.MaxRetries <= 0 {
		errs = append(errs, errors.New("max_retries must be positive"))
	}
	if c.BatchSize <= 0 || c.RequestSize <= 0 {
		errs = append(errs, errors.New("batch_size and request_size must be positive"))
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		errs = append(errs, fmt.Errorf("invalid backoff bounds %s..%s", c.BackoffMin, c.BackoffMax))
	}
	return errors.Join(errs...)
}

// StoreConfig returns the record store configuration.
func (c *Config) StoreConfig() *fieldsqlite.Config {
	return &fieldsqlite.Config{MaxRetries: c.MaxRetries}
}

// SyncerConfig returns the orchestrator configuration.
func (c *Config) SyncerConfig() *syncer.Config {
	cfg := syncer.DefaultConfig(c.DeviceID)
	cfg.Interval = c.SyncInterval
	cfg.BackoffMin = c.BackoffMin
	cfg.BackoffMax = c.BackoffMax
	cfg.BatchSize = c.BatchSize
	cfg.RequestSize = c.RequestSize
	return cfg
}

// MonitorConfig returns the network monitor configuration.
func (c *Config) MonitorConfig() *netmon.Config {
	return &netmon.Config{QuietWindow: c.QuietWindow}
}

// Resolver builds the conflict resolver from the configured policies.
func (c *Config) Resolver() (*fieldsync.Resolver, error) {
	r := fieldsync.NewResolver(fieldsync.Policy(c.ConflictPolicy))
	for name, policy := range c.Policies {
		kind, err := fieldsync.ParseKind(name)
		if err != nil {
			return nil, err
		}
		r.Policies[kind] = fieldsync.Policy(policy)
	}
	return r, nil
}
