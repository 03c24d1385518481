// Package config loads the CLI configuration from defaults, an optional
// config file and the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults.
const (
	DefaultAPIHost        = "https://api.asserted.io/v1"
	DefaultAppHost        = "https://app.asserted.io"
	DefaultConnectTimeout = 500 * time.Millisecond
	DefaultBuildTimeout   = 5 * time.Minute
	DefaultRunTimeout     = 5 * time.Minute

	// RoutineDirName is the directory holding the routine's tests and config.
	RoutineDirName = ".asserted"
)

// envBindings maps config keys to the environment variables that override
// them.
var envBindings = map[string]string{
	"api_host":        "API_HOST",
	"app_host":        "APP_HOST",
	"dir":             "ASRTD_DIR",
	"global_config":   "ASRTD_GLOBAL_CONFIG",
	"debug":           "ASRTD_DEBUG",
	"connect_timeout": "ASRTD_CONNECT_TIMEOUT",
	"build_timeout":   "ASRTD_BUILD_TIMEOUT",
	"run_timeout":     "ASRTD_RUN_TIMEOUT",
	"log.file":        "ASRTD_LOG_FILE",
	"log.level":       "ASRTD_LOG_LEVEL",
	"tls.ca_file":     "ASRTD_CA_FILE",
	"tls.insecure":    "ASRTD_TLS_INSECURE",
}

// Config is the resolved CLI configuration.
type Config struct {
	APIHost        string        `mapstructure:"api_host"`
	AppHost        string        `mapstructure:"app_host"`
	Dir            string        `mapstructure:"dir"`
	GlobalConfig   string        `mapstructure:"global_config"`
	Debug          bool          `mapstructure:"debug"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	BuildTimeout   time.Duration `mapstructure:"build_timeout"`
	RunTimeout     time.Duration `mapstructure:"run_timeout"`
	Log            LogConfig     `mapstructure:"log"`
	TLS            TLSConfig     `mapstructure:"tls"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TLSConfig adjusts how the API host's certificate is verified. The zero
// value uses the system roots.
type TLSConfig struct {
	CAFile     string `mapstructure:"ca_file"`
	MinVersion string `mapstructure:"min_version"`
	Insecure   bool   `mapstructure:"insecure"`
}

// Options controls where Load looks for configuration.
type Options struct {
	// File is an optional config file in any format viper understands.
	File string
	// WorkDir is used to locate the routine directory. Defaults to the
	// process working directory.
	WorkDir string
	// HomeDir locates the global credential file. Defaults to the user's
	// home directory.
	HomeDir string
}

// Load resolves configuration with precedence defaults < file < env.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	v.SetDefault("api_host", DefaultAPIHost)
	v.SetDefault("app_host", DefaultAppHost)
	v.SetDefault("dir", "")
	v.SetDefault("global_config", "")
	v.SetDefault("debug", false)
	v.SetDefault("connect_timeout", DefaultConnectTimeout)
	v.SetDefault("build_timeout", DefaultBuildTimeout)
	v.SetDefault("run_timeout", DefaultRunTimeout)
	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)
	v.SetDefault("tls.ca_file", "")
	v.SetDefault("tls.min_version", "")
	v.SetDefault("tls.insecure", false)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.File, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Dir == "" {
		wd := opts.WorkDir
		if wd == "" {
			var err error
			if wd, err = os.Getwd(); err != nil {
				return nil, fmt.Errorf("working directory: %w", err)
			}
		}
		cfg.Dir = RoutineDir(wd)
	}
	if cfg.GlobalConfig == "" {
		home := opts.HomeDir
		if home == "" {
			var err error
			if home, err = os.UserHomeDir(); err != nil {
				// Fallback to current directory
				home = "."
			}
		}
		cfg.GlobalConfig = filepath.Join(home, ".asrtd", "config.json")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RoutineDir returns the routine directory for wd: wd itself when it is
// already the routine directory, otherwise wd/.asserted.
func RoutineDir(wd string) string {
	if filepath.Base(wd) == RoutineDirName {
		return wd
	}
	return filepath.Join(wd, RoutineDirName)
}

// Validate checks hosts and timeouts.
func (c *Config) Validate() error {
	if err := validateHost("api_host", c.APIHost); err != nil {
		return err
	}
	if err := validateHost("app_host", c.AppHost); err != nil {
		return err
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.BuildTimeout <= 0 {
		return fmt.Errorf("build_timeout must be positive, got %s", c.BuildTimeout)
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("run_timeout must be positive, got %s", c.RunTimeout)
	}
	return nil
}

func validateHost(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", key, raw)
	}
	return nil
}

// LogLevel returns the stderr log level name, honoring Debug.
func (c *Config) LogLevel() string {
	if c.Debug {
		return "debug"
	}
	return strings.ToLower(c.Log.Level)
}
