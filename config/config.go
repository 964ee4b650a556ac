// Package config loads mmns settings and the emulated topology from a YAML
// file, MMNS_ environment variables and command line flags.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "MMNS"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	RunDir       string        `mapstructure:"runDir"`
	Shell        string        `mapstructure:"shell"`
	Log          Log           `mapstructure:"log"`
	Anchor       Anchor        `mapstructure:"anchor"`
	MountTimeout time.Duration `mapstructure:"mountTimeout"`
	CmdTimeout   time.Duration `mapstructure:"cmdTimeout"`
	StreamGrace  time.Duration `mapstructure:"streamGrace"`
	History      string        `mapstructure:"history"`
	MetricsAddr  string        `mapstructure:"metricsAddr"`
	Topology     Topology      `mapstructure:"topology"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Anchor struct {
	PollAttempts uint          `mapstructure:"pollAttempts"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("runDir", "/run/mmns")
	v.SetDefault("shell", "bash")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("anchor.pollAttempts", 30)
	v.SetDefault("anchor.pollInterval", 100*time.Millisecond)
	v.SetDefault("mountTimeout", 10*time.Second)
	v.SetDefault("cmdTimeout", 30*time.Second)
	v.SetDefault("streamGrace", 2*time.Second)
	v.SetDefault("history", "~/.mmns_history")
	v.SetDefault("metricsAddr", "")
}

// New returns a viper instance with defaults and environment binding set up,
// e.g. MMNS_LOG_LEVEL overrides log.level.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, when given, into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", path)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.RunDir) {
		return errors.Wrapf(ErrInvalidConfig, "runDir %q is not absolute", c.RunDir)
	}
	if c.Anchor.PollAttempts == 0 {
		return errors.Wrap(ErrInvalidConfig, "anchor.pollAttempts must be positive")
	}
	if c.Anchor.PollInterval <= 0 {
		return errors.Wrap(ErrInvalidConfig, "anchor.pollInterval must be positive")
	}
	if c.MountTimeout <= 0 {
		return errors.Wrap(ErrInvalidConfig, "mountTimeout must be positive")
	}
	if c.CmdTimeout < 0 {
		return errors.Wrap(ErrInvalidConfig, "cmdTimeout must not be negative")
	}
	return c.Topology.Validate()
}
