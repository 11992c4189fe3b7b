package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides (STATEFLOW_DB_PATH, ...).
const EnvPrefix = "STATEFLOW"

// Config holds all stateflow configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath                     string        `mapstructure:"db_path" json:"db_path"`
	LogLevel                   string        `mapstructure:"log_level" json:"log_level"`
	LogFormat                  string        `mapstructure:"log_format" json:"log_format"`
	PoolSize                   int           `mapstructure:"pool_size" json:"pool_size"`
	DefaultTimeout             time.Duration `mapstructure:"default_timeout" json:"default_timeout"`
	InvokeBaseURL              string        `mapstructure:"invoke_base_url" json:"invoke_base_url"`
	InvokeTimeout              time.Duration `mapstructure:"invoke_timeout" json:"invoke_timeout"`
	InvokeBreakerThreshold     int           `mapstructure:"invoke_breaker_threshold" json:"invoke_breaker_threshold"`
	InvokeBreakerCooldown      time.Duration `mapstructure:"invoke_breaker_cooldown" json:"invoke_breaker_cooldown"`
	MetricsAddr                string        `mapstructure:"metrics_addr" json:"metrics_addr"`
	CancelGracePeriod          time.Duration `mapstructure:"cancel_grace_period" json:"cancel_grace_period"`
	BackoffCountsTowardTimeout bool          `mapstructure:"backoff_counts_toward_timeout" json:"backoff_counts_toward_timeout"`
	RedisAddr                  string        `mapstructure:"redis_addr" json:"redis_addr"`
	ScheduleInterval           time.Duration `mapstructure:"schedule_interval" json:"schedule_interval"`
}

// configFlags maps config keys to their flag names.
var configFlags = map[string]string{
	"db_path":                       "db-path",
	"log_level":                     "log-level",
	"log_format":                    "log-format",
	"pool_size":                     "pool-size",
	"default_timeout":               "default-timeout",
	"invoke_base_url":               "invoke-base-url",
	"invoke_timeout":                "invoke-timeout",
	"invoke_breaker_threshold":      "invoke-breaker-threshold",
	"invoke_breaker_cooldown":       "invoke-breaker-cooldown",
	"metrics_addr":                  "metrics-addr",
	"cancel_grace_period":           "cancel-grace-period",
	"backoff_counts_toward_timeout": "backoff-counts-toward-timeout",
	"redis_addr":                    "redis-addr",
	"schedule_interval":             "schedule-interval",
}

func defaultConfig() Config {
	return Config{
		DBPath:                     filepath.Join(stateflowDir(), "stateflow.db"),
		LogLevel:                   "info",
		LogFormat:                  "text",
		PoolSize:                   16,
		DefaultTimeout:             time.Hour,
		InvokeTimeout:              30 * time.Second,
		InvokeBreakerThreshold:     5,
		InvokeBreakerCooldown:      30 * time.Second,
		CancelGracePeriod:          5 * time.Second,
		BackoffCountsTowardTimeout: true,
		ScheduleInterval:           time.Minute,
	}
}

func stateflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stateflow"
	}
	return filepath.Join(home, ".stateflow")
}

func settingsPath() string {
	return filepath.Join(stateflowDir(), "settings.json")
}

// registerConfigFlags adds one persistent flag per config key.
func registerConfigFlags(flags *pflag.FlagSet) {
	d := defaultConfig()
	flags.String("db-path", d.DBPath, "libSQL database path")
	flags.String("log-level", d.LogLevel, "log level: debug, info, warn, error")
	flags.String("log-format", d.LogFormat, "log format: text or json")
	flags.Int("pool-size", d.PoolSize, "maximum concurrently driven executions")
	flags.Duration("default-timeout", d.DefaultTimeout, "execution timeout when neither workflow nor definition sets one")
	flags.String("invoke-base-url", "", "base URL of the remote function service")
	flags.Duration("invoke-timeout", d.InvokeTimeout, "default timeout of remote function calls")
	flags.Int("invoke-breaker-threshold", d.InvokeBreakerThreshold, "consecutive remote failures that open a function's circuit (0 disables)")
	flags.Duration("invoke-breaker-cooldown", d.InvokeBreakerCooldown, "how long an open circuit rejects calls")
	flags.String("metrics-addr", "", "listen address of the /metrics and /events endpoints (disabled if empty)")
	flags.Duration("cancel-grace-period", d.CancelGracePeriod, "how long a Parallel waits for cancelled branches")
	flags.Bool("backoff-counts-toward-timeout", d.BackoffCountsTowardTimeout, "whether retry backoff consumes the execution timeout")
	flags.String("redis-addr", "", "Redis address for cross-process event streaming")
	flags.Duration("schedule-interval", d.ScheduleInterval, "how often cron schedules are polled")
}

// loadConfig layers defaults, the settings file, STATEFLOW_* env vars and
// explicitly set flags. An empty file means the default settings path; a
// missing default file is not an error.
func loadConfig(flags *pflag.FlagSet, file string) (Config, error) {
	v := viper.New()

	d := defaultConfig()
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("pool_size", d.PoolSize)
	v.SetDefault("default_timeout", d.DefaultTimeout)
	v.SetDefault("invoke_base_url", d.InvokeBaseURL)
	v.SetDefault("invoke_timeout", d.InvokeTimeout)
	v.SetDefault("invoke_breaker_threshold", d.InvokeBreakerThreshold)
	v.SetDefault("invoke_breaker_cooldown", d.InvokeBreakerCooldown)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("cancel_grace_period", d.CancelGracePeriod)
	v.SetDefault("backoff_counts_toward_timeout", d.BackoffCountsTowardTimeout)
	v.SetDefault("redis_addr", d.RedisAddr)
	v.SetDefault("schedule_interval", d.ScheduleInterval)

	explicit := file != ""
	if !explicit {
		file = settingsPath()
	}
	v.SetConfigFile(file)
	if filepath.Ext(file) == "" {
		v.SetConfigType("json")
	}
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range configFlags {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.PoolSize <= 0 {
		return Config{}, fmt.Errorf("pool_size must be positive, got %d", cfg.PoolSize)
	}
	return cfg, nil
}
