package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Exit codes for the demo host's config-loading step.
const (
	ExitSuccess     = 0
	ExitConfigError = 3
)

// Engine holds every tunable the core and its collaborators need, loaded
// once at process
// start and treated as read-only afterward, matching the registry's own
// init-then-freeze discipline.
type Engine struct {
	WorkerPoolSize        int           `mapstructure:"worker_pool_size"`
	MaxInnerUppers        int           `mapstructure:"max_inner_uppers"`
	UpdateMinDelay        time.Duration `mapstructure:"update_min_delay"`
	UpdateMaxTimeout      time.Duration `mapstructure:"update_max_timeout"`
	FlushDir              string        `mapstructure:"flush_dir"`
	CookieDir             string        `mapstructure:"cookie_dir"`
	EvictionMaxAge        time.Duration `mapstructure:"eviction_max_age"`
	EvictionSweepInterval time.Duration `mapstructure:"eviction_sweep_interval"`
	CheckpointPath        string        `mapstructure:"checkpoint_path"`
	LogLevel              string        `mapstructure:"log_level"`
	LogJSON               bool          `mapstructure:"log_json"`
	LogFilePath           string        `mapstructure:"log_file_path"`
}

func defaults() Engine {
	return Engine{
		WorkerPoolSize:        0, // 0 means runtime.GOMAXPROCS(0) at the scheduler
		MaxInnerUppers:        16,
		UpdateMinDelay:        10 * time.Millisecond,
		UpdateMaxTimeout:      10 * time.Second,
		FlushDir:              ".taskloom/flush",
		CookieDir:             ".taskloom/cookies",
		EvictionMaxAge:        10 * time.Minute,
		EvictionSweepInterval: time.Minute,
		CheckpointPath:        ".taskloom/checkpoint.db",
		LogLevel:              "info",
		LogJSON:               true,
	}
}

// ConfigError wraps a viper/config load failure with the exit code a CLI
// host should use.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: failed to load %q: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Load reads engine configuration from path (if non-empty) via viper,
// falling back to defaults() for anything unset, and applying
// TASKLOOM_-prefixed environment variable overrides (e.g.
// TASKLOOM_WORKER_POOL_SIZE).
func Load(path string) (Engine, error) {
	v := viper.New()
	v.SetEnvPrefix("taskloom")
	v.AutomaticEnv()

	d := defaults()
	v.SetDefault("worker_pool_size", d.WorkerPoolSize)
	v.SetDefault("max_inner_uppers", d.MaxInnerUppers)
	v.SetDefault("update_min_delay", d.UpdateMinDelay)
	v.SetDefault("update_max_timeout", d.UpdateMaxTimeout)
	v.SetDefault("flush_dir", d.FlushDir)
	v.SetDefault("cookie_dir", d.CookieDir)
	v.SetDefault("eviction_max_age", d.EvictionMaxAge)
	v.SetDefault("eviction_sweep_interval", d.EvictionSweepInterval)
	v.SetDefault("checkpoint_path", d.CheckpointPath)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_json", d.LogJSON)
	v.SetDefault("log_file_path", d.LogFilePath)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Engine{}, &ConfigError{Path: path, Err: err}
		}
	}

	var cfg Engine
	if err := v.Unmarshal(&cfg); err != nil {
		return Engine{}, &ConfigError{Path: path, Err: err}
	}
	return cfg, nil
}
