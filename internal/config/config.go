// Package config loads relay settings from defaults, an optional YAML file,
// PEERDROP_* environment variables and command line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
)

const envPrefix = "PEERDROP"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Relay   RelayConfig   `mapstructure:"relay"`
	History HistoryConfig `mapstructure:"history"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	WSPath          string        `mapstructure:"ws_path"`
	StaticDir       string        `mapstructure:"static_dir"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	MaxConns        int           `mapstructure:"max_conns"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

type RelayConfig struct {
	// IdleTimeout fails transfers that saw no envelope for this long. Zero disables it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type HistoryConfig struct {
	// Path of the SQLite file holding transfer history. Empty disables history.
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			WSPath:          "/ws",
			MaxMessageBytes: protocol.DefaultMaxMessageSize,
			WriteTimeout:    30 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		errs = append(errs, fmt.Errorf("server.ws_path %q must start with /", c.Server.WSPath))
	}
	if c.Server.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("server.max_message_bytes must be positive"))
	}
	if c.Server.MaxConns < 0 {
		errs = append(errs, errors.New("server.max_conns must not be negative"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server.write_timeout must be positive"))
	}
	if c.Relay.IdleTimeout < 0 {
		errs = append(errs, errors.New("relay.idle_timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// FlagKeys maps command line flag names onto config keys.
var FlagKeys = map[string]string{
	"addr":          "server.addr",
	"ws-path":       "server.ws_path",
	"static-dir":    "server.static_dir",
	"max-message":   "server.max_message_bytes",
	"max-conns":     "server.max_conns",
	"write-timeout": "server.write_timeout",
	"idle-timeout":  "relay.idle_timeout",
	"history":       "history.path",
	"log-level":     "log.level",
	"log-file":      "log.file",
}

// Load merges the file at path (if any), the environment and flags over Default.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("binding flag %s: %w", name, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.ws_path", d.Server.WSPath)
	v.SetDefault("server.static_dir", d.Server.StaticDir)
	v.SetDefault("server.max_message_bytes", d.Server.MaxMessageBytes)
	v.SetDefault("server.max_conns", d.Server.MaxConns)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("relay.idle_timeout", d.Relay.IdleTimeout)
	v.SetDefault("history.path", d.History.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
}
