// Package config loads and validates the daemon configuration. Components
// read their parameters through the loaded Config value; the file format is
// YAML handled by viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/osedukhin/proxyd/internal/logging"
)

// KernelConfig is the daemon-wide parameter group.
type KernelConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	PluginsDir string `mapstructure:"plugins_dir"`
	// ShmemSize is the base size of the shared region table; workers add
	// their own demands on top at startup.
	ShmemSize int64 `mapstructure:"shmem_size"`
}

// CacheConfig is the cache worker's parameter group.
type CacheConfig struct {
	HashSize     int    `mapstructure:"hash_size"`
	RAMSegCount  uint32 `mapstructure:"ram_seg_count"`
	FileSegCount uint32 `mapstructure:"file_seg_count"`
	RAMSegSize   uint32 `mapstructure:"ram_seg_size"`
	FileSegSize  uint32 `mapstructure:"file_seg_size"`
	// Dir defaults to <kernel.data_dir>/cache when empty.
	Dir string `mapstructure:"dir"`

	MaintenanceIntervalSeconds int `mapstructure:"maintenance_interval_seconds"`
}

// MaintenanceInterval returns the sweep cadence as a duration.
func (c CacheConfig) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalSeconds) * time.Second
}

// APIConfig configures the admin HTTP server.
type APIConfig struct {
	Port int `mapstructure:"port"`
}

// Config is the root configuration document.
type Config struct {
	Kernel KernelConfig   `mapstructure:"kernel"`
	Cache  CacheConfig    `mapstructure:"cache"`
	Log    logging.Config `mapstructure:"log"`
	API    APIConfig      `mapstructure:"api"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Kernel: KernelConfig{
			DataDir:    "./data",
			PluginsDir: "./plugins",
			ShmemSize:  1 << 20,
		},
		Cache: CacheConfig{
			HashSize:                   1024,
			RAMSegCount:                64,
			FileSegCount:               16,
			RAMSegSize:                 16 * 1024,
			FileSegSize:                512 * 1024,
			MaintenanceIntervalSeconds: 10,
		},
		Log: logging.Config{Level: "info", Format: "text"},
		API: APIConfig{Port: 8422},
	}
}

// Load reads the config file at path, merged over the defaults. An empty
// path loads pure defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		cfg.applyDerived()
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDerived()
	return cfg, nil
}

// applyDerived fills values computed from other settings.
func (c *Config) applyDerived() {
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(c.Kernel.DataDir, "cache")
	}
}

// Validate checks the configuration for values the daemon cannot start
// with.
func (c *Config) Validate() error {
	if c.Kernel.DataDir == "" {
		return fmt.Errorf("config: kernel.data_dir is required")
	}
	if c.Kernel.ShmemSize <= 0 {
		return fmt.Errorf("config: kernel.shmem_size must be positive")
	}
	if c.Cache.HashSize <= 0 || c.Cache.HashSize&(c.Cache.HashSize-1) != 0 {
		return fmt.Errorf("config: cache.hash_size must be a power of two")
	}
	if c.Cache.RAMSegCount == 0 || c.Cache.FileSegCount == 0 {
		return fmt.Errorf("config: cache segment counts must be positive")
	}
	if c.Cache.RAMSegSize == 0 || c.Cache.FileSegSize == 0 {
		return fmt.Errorf("config: cache segment sizes must be positive")
	}
	if c.Cache.MaintenanceIntervalSeconds <= 0 {
		return fmt.Errorf("config: cache.maintenance_interval_seconds must be positive")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("config: api.port %d out of range", c.API.Port)
	}
	if info, err := os.Stat(c.Kernel.DataDir); err == nil && !info.IsDir() {
		return fmt.Errorf("config: kernel.data_dir %s is not a directory", c.Kernel.DataDir)
	}
	return nil
}
