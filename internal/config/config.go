// Package config loads tabstash settings from defaults, a YAML file, TABSTASH_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "TABSTASH"

type Config struct {
	// Account is a fixed account id. Empty means signed out unless
	// AccountFile names a file holding one.
	Account     string       `mapstructure:"account"`
	AccountFile string       `mapstructure:"account_file"`
	Local       LocalConfig  `mapstructure:"local"`
	Remote      RemoteConfig `mapstructure:"remote"`
	Sync        SyncConfig   `mapstructure:"sync"`
	Log         LogConfig    `mapstructure:"log"`
	Server      ServerConfig `mapstructure:"server"`
}

type LocalConfig struct {
	DSN        string `mapstructure:"dsn"`
	QuotaBytes int64  `mapstructure:"quota_bytes"`
}

type RemoteConfig struct {
	DSN          string        `mapstructure:"dsn"`
	Token        string        `mapstructure:"token"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollJitter   float64       `mapstructure:"poll_jitter"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	StoreDSN        string        `mapstructure:"store_dsn"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

func Default() *Config {
	return &Config{
		Local: LocalConfig{
			DSN: "file://" + filepath.Join(DataDir(), "groups.json"),
		},
		Remote: RemoteConfig{
			DSN:          "memory://",
			PollInterval: 5 * time.Second,
			PollJitter:   0.2,
			Timeout:      15 * time.Second,
		},
		Sync: SyncConfig{
			MaxAttempts:  3,
			InitialDelay: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			StoreDSN:        "memory://",
			MaxBodyBytes:    4 << 20,
			RateLimitWindow: time.Minute,
		},
	}
}

// SetDefaults registers every key on v so environment variables bind even
// when no config file mentions them.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("account", d.Account)
	v.SetDefault("account_file", d.AccountFile)

	v.SetDefault("local.dsn", d.Local.DSN)
	v.SetDefault("local.quota_bytes", d.Local.QuotaBytes)

	v.SetDefault("remote.dsn", d.Remote.DSN)
	v.SetDefault("remote.token", d.Remote.Token)
	v.SetDefault("remote.poll_interval", d.Remote.PollInterval)
	v.SetDefault("remote.poll_jitter", d.Remote.PollJitter)
	v.SetDefault("remote.timeout", d.Remote.Timeout)

	v.SetDefault("sync.max_attempts", d.Sync.MaxAttempts)
	v.SetDefault("sync.initial_delay", d.Sync.InitialDelay)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.jwt_secret", d.Server.JWTSecret)
	v.SetDefault("server.store_dsn", d.Server.StoreDSN)
	v.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)
	v.SetDefault("server.rate_limit_max", d.Server.RateLimitMax)
	v.SetDefault("server.rate_limit_window", d.Server.RateLimitWindow)
}

// NewViper returns a viper instance with defaults and environment binding.
// When configFile is empty the default search path is used and a missing
// file is not an error.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
		return v, nil
	}
	v.SetConfigName("tabstash")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(ConfigDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load unmarshals v and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tabstash")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tabstash"
	}
	return filepath.Join(home, ".config", "tabstash")
}

func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "tabstash")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tabstash"
	}
	return filepath.Join(home, ".local", "share", "tabstash")
}
