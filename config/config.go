package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/songzhibin97/bookflow/automation"
	"github.com/songzhibin97/bookflow/scheduler"
)

// EnvPrefix prefixes environment overrides, e.g. BOOKFLOW_STORAGE_DRIVER.
const EnvPrefix = "BOOKFLOW"

type Config struct {
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Automation AutomationConfig `mapstructure:"automation" yaml:"automation"`
	Events     EventsConfig     `mapstructure:"events" yaml:"events"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// StorageConfig selects the backing store: memory, sqlite, postgres or redis.
type StorageConfig struct {
	Driver string      `mapstructure:"driver" yaml:"driver"`
	DSN    string      `mapstructure:"dsn" yaml:"dsn"`
	Redis  RedisConfig `mapstructure:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	Password     string        `mapstructure:"password" yaml:"password"`
	DB           int           `mapstructure:"db" yaml:"db"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" yaml:"min_idle_conns"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

type AutomationConfig struct {
	RunTimeout    time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	SweepSchedule string        `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
	SweepTimeout  time.Duration `mapstructure:"sweep_timeout" yaml:"sweep_timeout"`
	MachineID     uint16        `mapstructure:"machine_id" yaml:"machine_id"`
	Audit         bool          `mapstructure:"audit" yaml:"audit"`
}

type EventsConfig struct {
	BufferSize  int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	SyncTimeout time.Duration `mapstructure:"sync_timeout" yaml:"sync_timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	Output     string `mapstructure:"output" yaml:"output"`
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// GetDefaultConfig returns the built-in configuration.
func GetDefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: "memory",
			DSN:    "file:bookflow.db?cache=shared",
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				DB:           0,
				PoolSize:     10,
				MinIdleConns: 2,
				IdleTimeout:  5 * time.Minute,
			},
		},
		Automation: AutomationConfig{
			RunTimeout:    automation.DefaultRunTimeout,
			SweepSchedule: scheduler.DefaultSchedule,
			SweepTimeout:  10 * time.Minute,
			MachineID:     1,
			Audit:         true,
		},
		Events: EventsConfig{
			BufferSize:  100,
			SyncTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePath:   "./logs/bookflow.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
	}
}

// SetDefaults registers every default with v so that environment overrides
// apply to keys missing from the config file.
func SetDefaults(v *viper.Viper) {
	d := GetDefaultConfig()
	defaults := map[string]interface{}{
		"storage.driver":               d.Storage.Driver,
		"storage.dsn":                  d.Storage.DSN,
		"storage.redis.addr":           d.Storage.Redis.Addr,
		"storage.redis.password":       d.Storage.Redis.Password,
		"storage.redis.db":             d.Storage.Redis.DB,
		"storage.redis.pool_size":      d.Storage.Redis.PoolSize,
		"storage.redis.min_idle_conns": d.Storage.Redis.MinIdleConns,
		"storage.redis.idle_timeout":   d.Storage.Redis.IdleTimeout,
		"automation.run_timeout":       d.Automation.RunTimeout,
		"automation.sweep_schedule":    d.Automation.SweepSchedule,
		"automation.sweep_timeout":     d.Automation.SweepTimeout,
		"automation.machine_id":        d.Automation.MachineID,
		"automation.audit":             d.Automation.Audit,
		"events.buffer_size":           d.Events.BufferSize,
		"events.sync_timeout":          d.Events.SyncTimeout,
		"log.level":                    d.Log.Level,
		"log.format":                   d.Log.Format,
		"log.output":                   d.Log.Output,
		"log.file_path":                d.Log.FilePath,
		"log.max_size":                 d.Log.MaxSize,
		"log.max_backups":              d.Log.MaxBackups,
		"log.max_age":                  d.Log.MaxAge,
		"log.compress":                 d.Log.Compress,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// BindEnv enables BOOKFLOW_* environment overrides on v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := GetDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "redis":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("config: storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Automation.RunTimeout < 0 {
		return fmt.Errorf("config: automation.run_timeout must not be negative")
	}
	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("config: events.buffer_size must be positive")
	}
	return nil
}
