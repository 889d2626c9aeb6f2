// Package config loads todosync settings.
//
// Values are layered: built-in defaults, then the YAML file under the XDG
// config directory, then TODO_* environment variables, then command-line
// flags bound by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/todosync/internal/retry"
)

const (
	// AppName is the configuration and data directory name.
	AppName = "todosync"

	// FileName is the configuration file name inside the config directory.
	FileName = "config.yaml"

	// EnvPrefix prefixes environment overrides, e.g. TODO_REMOTE_URL.
	EnvPrefix = "TODO"
)

// Config represents the full configuration.
type Config struct {
	// DataDir holds the key-value files: queue, cache, session.
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	Remote       RemoteConfig       `yaml:"remote" mapstructure:"remote"`
	Retry        RetryConfig        `yaml:"retry" mapstructure:"retry"`
	Connectivity ConnectivityConfig `yaml:"connectivity" mapstructure:"connectivity"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Serve        ServeConfig        `yaml:"serve" mapstructure:"serve"`
}

// RemoteConfig locates the remote row store API.
type RemoteConfig struct {
	URL     string        `yaml:"url" mapstructure:"url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// RetryConfig configures the retry executor for remote calls.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" mapstructure:"backoff_factor"`
}

// ConnectivityConfig configures the connectivity monitor.
type ConnectivityConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval" mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
}

// LogConfig configures diagnostics output.
type LogConfig struct {
	// File, when set, receives logs instead of stderr and is rotated.
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Debug      bool   `yaml:"debug" mapstructure:"debug"`
}

// ServeConfig configures `todo serve`.
type ServeConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
	DB   string `yaml:"db" mapstructure:"db"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		DataDir: dataDir,
		Remote: RemoteConfig{
			URL:     "http://127.0.0.1:8787",
			Timeout: 10 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  time.Second,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 5 * time.Second,
			ProbeTimeout:  2 * time.Second,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Serve: ServeConfig{
			Addr: "127.0.0.1:8787",
			DB:   filepath.Join(dataDir, "remote.db"),
		},
	}
}

// DefaultConfigDir returns the configuration directory.
// Uses XDG_CONFIG_HOME if set, otherwise $HOME/.config.
func DefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return AppName
	}
	return filepath.Join(home, ".config", AppName)
}

// DefaultDataDir returns the data directory.
// Uses XDG_DATA_HOME if set, otherwise $HOME/.local/share.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(AppName, "data")
	}
	return filepath.Join(home, ".local", "share", AppName)
}

// DefaultPath returns the path of the configuration file.
func DefaultPath() string {
	return filepath.Join(DefaultConfigDir(), FileName)
}

// FlagKeys maps command-line flag names to configuration keys. Flags in
// this table are bound by Load when present in the flag set.
var FlagKeys = map[string]string{
	"data-dir":  "data_dir",
	"remote":    "remote.url",
	"log-file":  "log.file",
	"debug":     "log.debug",
	"addr":      "serve.addr",
	"db":        "serve.db",
	"attempts":  "retry.max_attempts",
	"probe":     "connectivity.probe_interval",
	"timeout":   "remote.timeout",
	"max-delay": "retry.max_delay",
}

// Load reads the configuration.
//
// An empty path means DefaultPath; a missing default file is not an error,
// but a missing explicit path is. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_delay", d.Retry.InitialDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.backoff_factor", d.Retry.BackoffFactor)
	v.SetDefault("connectivity.probe_interval", d.Connectivity.ProbeInterval)
	v.SetDefault("connectivity.probe_timeout", d.Connectivity.ProbeTimeout)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.debug", d.Log.Debug)
	v.SetDefault("serve.addr", d.Serve.Addr)
	v.SetDefault("serve.db", d.Serve.DB)
}

// Validate checks the configuration for values the components cannot use.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("retry.backoff_factor must be at least 1, got %g", c.Retry.BackoffFactor))
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if c.Connectivity.ProbeInterval <= 0 {
		errs = append(errs, errors.New("connectivity.probe_interval must be positive"))
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, errors.New("remote.timeout must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RetryOptions converts the retry section for the retry executor.
func (c *Config) RetryOptions() retry.Options {
	opts := retry.DefaultOptions()
	opts.MaxAttempts = c.Retry.MaxAttempts
	opts.InitialDelay = c.Retry.InitialDelay
	opts.MaxDelay = c.Retry.MaxDelay
	opts.BackoffFactor = c.Retry.BackoffFactor
	return opts
}

// Durations are written as strings ("10s") so the file stays editable.
type fileView struct {
	DataDir string `yaml:"data_dir"`
	Remote  struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"remote"`
	Retry struct {
		MaxAttempts   int     `yaml:"max_attempts"`
		InitialDelay  string  `yaml:"initial_delay"`
		MaxDelay      string  `yaml:"max_delay"`
		BackoffFactor float64 `yaml:"backoff_factor"`
	} `yaml:"retry"`
	Connectivity struct {
		ProbeInterval string `yaml:"probe_interval"`
		ProbeTimeout  string `yaml:"probe_timeout"`
	} `yaml:"connectivity"`
	Log   LogConfig   `yaml:"log"`
	Serve ServeConfig `yaml:"serve"`
}

// MarshalYAML implements yaml.Marshaler.
func (c Config) MarshalYAML() (any, error) {
	var f fileView
	f.DataDir = c.DataDir
	f.Remote.URL = c.Remote.URL
	f.Remote.Timeout = c.Remote.Timeout.String()
	f.Retry.MaxAttempts = c.Retry.MaxAttempts
	f.Retry.InitialDelay = c.Retry.InitialDelay.String()
	f.Retry.MaxDelay = c.Retry.MaxDelay.String()
	f.Retry.BackoffFactor = c.Retry.BackoffFactor
	f.Connectivity.ProbeInterval = c.Connectivity.ProbeInterval.String()
	f.Connectivity.ProbeTimeout = c.Connectivity.ProbeTimeout.String()
	f.Log = c.Log
	f.Serve = c.Serve
	return f, nil
}

// Encode renders c as YAML.
func (c *Config) Encode() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return out, nil
}

// ErrExists is returned by WriteDefault when the file is already present.
var ErrExists = errors.New("config file already exists")

// WriteDefault writes the default configuration to path. An existing file
// is left untouched unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return ErrExists
		}
	}
	body, err := DefaultConfig().Encode()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	content := append([]byte("# todosync configuration\n"), body...)
	if err := os.WriteFile(path, content, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
