// Package config loads boardsync configuration from file, environment, and
// flags via viper.
//
// Lookup order: explicit --config path, then boardsync.yaml in the working
// directory or $HOME/.config/boardsync/, then BOARDSYNC_* environment
// variables, then defaults. A missing config file is not an error.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ServerConfig configures the sync server.
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	SendQueueSize int           `mapstructure:"send_queue_size"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	SeedFile      string        `mapstructure:"seed_file"`
}

// ClientConfig configures the sync client.
type ClientConfig struct {
	URL               string        `mapstructure:"url"`
	Name              string        `mapstructure:"name"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // empty logs to stderr only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Config is the full boardsync configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
	Log    LogConfig    `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.send_queue_size", 64)
	v.SetDefault("server.write_timeout", 5*time.Second)
	v.SetDefault("client.url", "ws://localhost:3001/ws")
	v.SetDefault("client.request_timeout", 10*time.Second)
	v.SetDefault("client.reconnect_attempts", 5)
	v.SetDefault("client.reconnect_delay", time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads the configuration. path may be empty to use the search paths.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BOARDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("boardsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/boardsync")
		}
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// NewLogger builds a logrus logger per the log configuration. When a log
// file is configured, output goes both to stderr and to a size-rotated
// file.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.Log.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   c.Log.File,
			MaxSize:    c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAge:     c.Log.MaxAgeDays,
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, rotated))
	}

	return logger
}
