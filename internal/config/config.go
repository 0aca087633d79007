package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"peersync/internal/model"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const MiB = 1 << 20

type SyncConfig struct {
	MaxConcurrentOps      int                  `mapstructure:"max_concurrent_ops"`
	MaxMemoryMB           int                  `mapstructure:"max_memory_mb"`
	ChunkSize             int                  `mapstructure:"chunk_size"`
	BatchSize             int                  `mapstructure:"batch_size"`
	RetryAttempts         int                  `mapstructure:"retry_attempts"`
	RetryBaseDelayMS      int                  `mapstructure:"retry_base_delay_ms"`
	RetryMaxDelayMS       int                  `mapstructure:"retry_max_delay_ms"`
	RetryMultiplier       float64              `mapstructure:"retry_multiplier"`
	EnableCompression     bool                 `mapstructure:"enable_compression"`
	CompressionLevel      int                  `mapstructure:"compression_level"`
	ConflictResolution    model.ConflictPolicy `mapstructure:"conflict_resolution"`
	BandwidthLimitMbps    float64              `mapstructure:"bandwidth_limit_mbps"`
	EnableIntegrityChecks bool                 `mapstructure:"enable_integrity_checks"`
}

type ScheduleConfig struct {
	Debounce            time.Duration `mapstructure:"debounce"`
	BatchInterval       time.Duration `mapstructure:"batch_interval"`
	IdleInterval        time.Duration `mapstructure:"idle_interval"`
	NetworkPoll         time.Duration `mapstructure:"network_poll"`
	HealthInterval      time.Duration `mapstructure:"health_interval"`
	ReplicationInterval time.Duration `mapstructure:"replication_interval"`
	BulkThreshold       int           `mapstructure:"bulk_threshold"`
}

type Config struct {
	Workspace     string         `mapstructure:"workspace"`
	DaemonPort    int            `mapstructure:"daemon_port"`
	ListenAddr    string         `mapstructure:"listen_addr"`
	AdvertiseAddr string         `mapstructure:"advertise_addr"`
	LogFile       string         `mapstructure:"log_file"`
	BufferSize    int            `mapstructure:"buffer_size"`
	IgnoreList    []string       `mapstructure:"ignore_list"`
	Sync          SyncConfig     `mapstructure:"sync"`
	Schedule      ScheduleConfig `mapstructure:"schedule"`
}

var DefaultSync = SyncConfig{
	MaxConcurrentOps:      30,
	MaxMemoryMB:           1024,
	ChunkSize:             MiB,
	BatchSize:             100,
	RetryAttempts:         3,
	RetryBaseDelayMS:      1000,
	RetryMaxDelayMS:       60000,
	RetryMultiplier:       2.0,
	EnableCompression:     true,
	CompressionLevel:      3,
	ConflictResolution:    model.PolicyKeepBoth,
	BandwidthLimitMbps:    0,
	EnableIntegrityChecks: true,
}

var DefaultSchedule = ScheduleConfig{
	Debounce:            2 * time.Second,
	BatchInterval:       30 * time.Second,
	IdleInterval:        5 * time.Minute,
	NetworkPoll:         10 * time.Second,
	HealthInterval:      30 * time.Second,
	ReplicationInterval: 15 * time.Second,
	BulkThreshold:       50,
}

var Default = Config{
	DaemonPort: 9101,
	ListenAddr: ":9100",
	BufferSize: 1024,
	IgnoreList: []string{"*.swp"},
	Sync:       DefaultSync,
	Schedule:   DefaultSchedule,
}

// Dir returns ~/.peersync, creating it when missing.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home dir: %w", err)
	}

	dir := filepath.Join(home, ".peersync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config dir: %w", err)
	}

	return dir, nil
}

// Load reads config.yaml from dir (~/.peersync when empty), then applies
// PEERSYNC_* environment overrides.
func Load(dir string) (*Config, error) {
	if dir == "" {
		d, err := Dir()
		if err != nil {
			return nil, err
		}
		dir = d
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	setDefaults(v)

	v.SetEnvPrefix("PEERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := errors.AsType[viper.ConfigFileNotFoundError](err); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workspace", Default.Workspace)
	v.SetDefault("daemon_port", Default.DaemonPort)
	v.SetDefault("listen_addr", Default.ListenAddr)
	v.SetDefault("advertise_addr", Default.AdvertiseAddr)
	v.SetDefault("log_file", Default.LogFile)
	v.SetDefault("buffer_size", Default.BufferSize)
	v.SetDefault("ignore_list", Default.IgnoreList)

	v.SetDefault("sync.max_concurrent_ops", DefaultSync.MaxConcurrentOps)
	v.SetDefault("sync.max_memory_mb", DefaultSync.MaxMemoryMB)
	v.SetDefault("sync.chunk_size", DefaultSync.ChunkSize)
	v.SetDefault("sync.batch_size", DefaultSync.BatchSize)
	v.SetDefault("sync.retry_attempts", DefaultSync.RetryAttempts)
	v.SetDefault("sync.retry_base_delay_ms", DefaultSync.RetryBaseDelayMS)
	v.SetDefault("sync.retry_max_delay_ms", DefaultSync.RetryMaxDelayMS)
	v.SetDefault("sync.retry_multiplier", DefaultSync.RetryMultiplier)
	v.SetDefault("sync.enable_compression", DefaultSync.EnableCompression)
	v.SetDefault("sync.compression_level", DefaultSync.CompressionLevel)
	v.SetDefault("sync.conflict_resolution", string(DefaultSync.ConflictResolution))
	v.SetDefault("sync.bandwidth_limit_mbps", DefaultSync.BandwidthLimitMbps)
	v.SetDefault("sync.enable_integrity_checks", DefaultSync.EnableIntegrityChecks)

	v.SetDefault("schedule.debounce", DefaultSchedule.Debounce)
	v.SetDefault("schedule.batch_interval", DefaultSchedule.BatchInterval)
	v.SetDefault("schedule.idle_interval", DefaultSchedule.IdleInterval)
	v.SetDefault("schedule.network_poll", DefaultSchedule.NetworkPoll)
	v.SetDefault("schedule.health_interval", DefaultSchedule.HealthInterval)
	v.SetDefault("schedule.replication_interval", DefaultSchedule.ReplicationInterval)
	v.SetDefault("schedule.bulk_threshold", DefaultSchedule.BulkThreshold)
}

func (c *Config) Validate() error {
	if err := c.Sync.Validate(); err != nil {
		return err
	}

	if c.DaemonPort <= 0 || c.DaemonPort > 65535 {
		return fmt.Errorf("invalid daemon_port: %d", c.DaemonPort)
	}

	if c.Schedule.Debounce <= 0 || c.Schedule.BatchInterval <= 0 || c.Schedule.IdleInterval <= 0 ||
		c.Schedule.NetworkPoll <= 0 || c.Schedule.HealthInterval <= 0 || c.Schedule.ReplicationInterval <= 0 {
		return fmt.Errorf("schedule intervals must be positive")
	}

	return nil
}

func (s SyncConfig) Validate() error {
	switch {
	case s.MaxConcurrentOps <= 0:
		return fmt.Errorf("max_concurrent_ops must be positive")
	case s.MaxMemoryMB <= 0:
		return fmt.Errorf("max_memory_mb must be positive")
	case s.ChunkSize <= 0:
		return fmt.Errorf("chunk_size must be positive")
	case s.BatchSize <= 0:
		return fmt.Errorf("batch_size must be positive")
	case s.RetryAttempts < 0:
		return fmt.Errorf("retry_attempts must not be negative")
	case s.RetryBaseDelayMS <= 0 || s.RetryMaxDelayMS < s.RetryBaseDelayMS:
		return fmt.Errorf("invalid retry delays: base %dms, max %dms", s.RetryBaseDelayMS, s.RetryMaxDelayMS)
	case s.RetryMultiplier < 1:
		return fmt.Errorf("retry_multiplier must be at least 1")
	case s.CompressionLevel < 1 || s.CompressionLevel > 22:
		return fmt.Errorf("compression_level must be within 1..22")
	case s.BandwidthLimitMbps < 0:
		return fmt.Errorf("bandwidth_limit_mbps must not be negative")
	}

	if _, err := model.ParsePolicy(string(s.ConflictResolution)); err != nil {
		return err
	}

	return nil
}

// MemoryPermits is the number of chunk-sized buffers allowed in flight.
func (s SyncConfig) MemoryPermits() int64 {
	permits := int64(s.MaxMemoryMB) * MiB / int64(s.ChunkSize)
	return max(permits, 1)
}

func (s SyncConfig) RetryBaseDelay() time.Duration {
	return time.Duration(s.RetryBaseDelayMS) * time.Millisecond
}

func (s SyncConfig) RetryMaxDelay() time.Duration {
	return time.Duration(s.RetryMaxDelayMS) * time.Millisecond
}

// BandwidthBytesPerSecond converts the megabit cap into bytes per second.
// Zero means unlimited.
func (s SyncConfig) BandwidthBytesPerSecond() float64 {
	return s.BandwidthLimitMbps * 1_000_000 / 8
}

func (s SyncConfig) Summary() map[string]any {
	return map[string]any{
		"max_concurrent_ops":      s.MaxConcurrentOps,
		"max_memory_mb":           s.MaxMemoryMB,
		"chunk_size":              s.ChunkSize,
		"batch_size":              s.BatchSize,
		"retry_attempts":          s.RetryAttempts,
		"enable_compression":      s.EnableCompression,
		"compression_level":       s.CompressionLevel,
		"conflict_resolution":     string(s.ConflictResolution),
		"bandwidth_limit_mbps":    s.BandwidthLimitMbps,
		"enable_integrity_checks": s.EnableIntegrityChecks,
	}
}

// SaveWorkspace records the workspace the daemon reopens on start.
func SaveWorkspace(dir, workspace string) error {
	if dir == "" {
		d, err := Dir()
		if err != nil {
			return err
		}
		dir = d
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := errors.AsType[viper.ConfigFileNotFoundError](err); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.Set("workspace", workspace)
	if err := v.WriteConfigAs(filepath.Join(dir, "config.yaml")); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
