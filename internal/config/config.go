// Package config provides configuration management for jobman.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrMalformed indicates the config file exists but could not be parsed.
var ErrMalformed = errors.New("config file is malformed")

// Config matches the structure of config.json.
type Config struct {
	Daemon  DaemonConfig  `json:"daemon" mapstructure:"daemon"`
	Jobs    JobsConfig    `json:"jobs" mapstructure:"jobs"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	History HistoryConfig `json:"history" mapstructure:"history"`
	Cleanup CleanupConfig `json:"cleanup" mapstructure:"cleanup"`
}

type DaemonConfig struct {
	MaxConcurrent int      `json:"maxConcurrent" mapstructure:"maxConcurrent"`
	Shell         string   `json:"shell" mapstructure:"shell"`
	ShellArgs     []string `json:"shellArgs" mapstructure:"shellArgs"`
	TickInterval  string   `json:"tickInterval" mapstructure:"tickInterval"`
}

type JobsConfig struct {
	DefaultTimeout string `json:"defaultTimeout" mapstructure:"defaultTimeout"`
	DefaultRetry   int    `json:"defaultRetry" mapstructure:"defaultRetry"`
	DefaultCwd     string `json:"defaultCwd" mapstructure:"defaultCwd"`
}

type LoggingConfig struct {
	Level       string `json:"level" mapstructure:"level"`
	MaxFileSize string `json:"maxFileSize" mapstructure:"maxFileSize"`
	MaxFiles    int    `json:"maxFiles" mapstructure:"maxFiles"`
}

type HistoryConfig struct {
	MaxEntriesPerJob int `json:"maxEntriesPerJob" mapstructure:"maxEntriesPerJob"`
	RetentionDays    int `json:"retentionDays" mapstructure:"retentionDays"`
}

type CleanupConfig struct {
	CompletedJobRetentionDays int `json:"completedJobRetentionDays" mapstructure:"completedJobRetentionDays"`
	LogRetentionDays          int `json:"logRetentionDays" mapstructure:"logRetentionDays"`
}

// Load reads config.json from path. A missing file yields the defaults; a
// malformed file yields ErrMalformed.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			cfg := &Config{}
			if err := v.Unmarshal(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("daemon.maxConcurrent", 10)
	v.SetDefault("daemon.shell", "")
	v.SetDefault("daemon.shellArgs", []string{})
	v.SetDefault("daemon.tickInterval", "1s")
	v.SetDefault("jobs.defaultTimeout", "")
	v.SetDefault("jobs.defaultRetry", 0)
	v.SetDefault("jobs.defaultCwd", "")
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.maxFileSize", "10MB")
	v.SetDefault("logging.maxFiles", 5)
	v.SetDefault("history.maxEntriesPerJob", 100)
	v.SetDefault("history.retentionDays", 30)
	v.SetDefault("cleanup.completedJobRetentionDays", 7)
	v.SetDefault("cleanup.logRetentionDays", 30)
}

// ResolveShell returns the configured shell and arguments, falling back to
// the platform default.
func (c *Config) ResolveShell() (string, []string) {
	shell := c.Daemon.Shell
	args := c.Daemon.ShellArgs
	if shell == "" {
		if runtime.GOOS == "windows" {
			shell = "cmd"
			args = []string{"/C"}
		} else {
			shell = "/bin/sh"
			args = []string{"-c"}
		}
	} else if len(args) == 0 {
		if runtime.GOOS == "windows" {
			args = []string{"/C"}
		} else {
			args = []string{"-c"}
		}
	}
	return shell, args
}

// TickInterval returns the scheduler tick interval.
func (c *Config) TickInterval() time.Duration {
	d, err := time.ParseDuration(c.Daemon.TickInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// DefaultTimeout returns the default job timeout, zero when unset.
func (c *Config) DefaultTimeout() time.Duration {
	if c.Jobs.DefaultTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Jobs.DefaultTimeout)
	if err != nil {
		return 0
	}
	return d
}

// MaxLogFileBytes parses logging.maxFileSize ("10MB", "512KB" or a raw byte
// count) into bytes, defaulting to 10 MiB.
func (c *Config) MaxLogFileBytes() int64 {
	const def = 10 << 20
	s := c.Logging.MaxFileSize
	if s == "" {
		return def
	}
	mult := int64(1)
	if len(s) > 2 {
		switch strings.ToUpper(s[len(s)-2:]) {
		case "MB":
			mult, s = 1<<20, s[:len(s)-2]
		case "KB":
			mult, s = 1<<10, s[:len(s)-2]
		case "GB":
			mult, s = 1<<30, s[:len(s)-2]
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n * mult
}
