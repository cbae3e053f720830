// Package config holds the runtime settings of the inferstack binary. Settings
// come from flags, INFERSTACK_* environment variables and an optional
// inferstack.yaml, in that order of precedence, over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "INFERSTACK"
	FileName  = "inferstack"

	MinCapacityInterval = 10 * time.Second
	MinServiceInterval  = 5 * time.Second
	MinPollInterval     = time.Second
)

// Config is the resolved runtime configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Region   string `mapstructure:"region"`
	Provider string `mapstructure:"provider"`

	ConvergeTimeout time.Duration `mapstructure:"converge_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`

	CapacityInterval time.Duration `mapstructure:"capacity_interval"`
	ServiceInterval  time.Duration `mapstructure:"service_interval"`
	MetricWindow     time.Duration `mapstructure:"metric_window"`
	PublishInterval  time.Duration `mapstructure:"publish_interval"`

	HTTPPort int `mapstructure:"http_port"`

	StateBackend   string `mapstructure:"state_backend"`
	StateDir       string `mapstructure:"state_dir"`
	StateBucket    string `mapstructure:"state_bucket"`
	StateRegion    string `mapstructure:"state_region"`
	StateLockTable string `mapstructure:"state_lock_table"`
	StateEncrypt   bool   `mapstructure:"state_encrypt"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:         "info",
		LogFormat:        "text",
		Region:           "us-east-1",
		Provider:         "aws",
		ConvergeTimeout:  15 * time.Minute,
		PollInterval:     10 * time.Second,
		CapacityInterval: time.Minute,
		ServiceInterval:  30 * time.Second,
		MetricWindow:     5 * time.Minute,
		PublishInterval:  15 * time.Second,
		HTTPPort:         8080,
		StateBackend:     "local",
		StateDir:         ".inferstack",
	}
}

// New returns a viper instance with defaults, environment binding and the
// optional config file search path set up.
func New() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("region", d.Region)
	v.SetDefault("provider", d.Provider)
	v.SetDefault("converge_timeout", d.ConvergeTimeout)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("capacity_interval", d.CapacityInterval)
	v.SetDefault("service_interval", d.ServiceInterval)
	v.SetDefault("metric_window", d.MetricWindow)
	v.SetDefault("publish_interval", d.PublishInterval)
	v.SetDefault("http_port", d.HTTPPort)
	v.SetDefault("state_backend", d.StateBackend)
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("state_bucket", "")
	v.SetDefault("state_region", "")
	v.SetDefault("state_lock_table", "")
	v.SetDefault("state_encrypt", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetConfigName(FileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/inferstack")
	return v
}

// flagKeys maps persistent flag names to config keys.
var flagKeys = map[string]string{
	"log-level":         "log_level",
	"log-format":        "log_format",
	"region":            "region",
	"converge-timeout":  "converge_timeout",
	"capacity-interval": "capacity_interval",
	"service-interval":  "service_interval",
	"http-port":         "http_port",
	"state-backend":     "state_backend",
	"state-dir":         "state_dir",
	"state-bucket":      "state_bucket",
}

// AddFlags registers the persistent flags of cmd and binds them to v.
func AddFlags(cmd *cobra.Command, v *viper.Viper) error {
	d := Default()
	flags := cmd.PersistentFlags()
	flags.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	flags.String("log-format", d.LogFormat, "Log format (text, json)")
	flags.String("region", d.Region, "Cloud region for the aws provider")
	flags.Duration("converge-timeout", d.ConvergeTimeout, "Bound on waiting for a node to converge")
	flags.Duration("capacity-interval", d.CapacityInterval, "Tick period of the capacity controller")
	flags.Duration("service-interval", d.ServiceInterval, "Tick period of the service autoscaler")
	flags.Int("http-port", d.HTTPPort, "Port of the status and metrics server")
	flags.String("state-backend", d.StateBackend, "State backend (local, s3)")
	flags.String("state-dir", d.StateDir, "Directory of local state files")
	flags.String("state-bucket", "", "Bucket of the s3 state backend")

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the optional config file and unmarshals v. A missing file is
// not an error.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
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

// Validate checks enumerations and minimum durations.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.CapacityInterval < MinCapacityInterval {
		return fmt.Errorf("capacity_interval must be at least %s, got %s", MinCapacityInterval, c.CapacityInterval)
	}
	if c.ServiceInterval < MinServiceInterval {
		return fmt.Errorf("service_interval must be at least %s, got %s", MinServiceInterval, c.ServiceInterval)
	}
	if c.PollInterval < MinPollInterval {
		return fmt.Errorf("poll_interval must be at least %s, got %s", MinPollInterval, c.PollInterval)
	}
	if c.ConvergeTimeout <= 0 {
		return errors.New("converge_timeout must be positive")
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}
	switch c.StateBackend {
	case "local", "memory":
	case "s3":
		if c.StateBucket == "" {
			return errors.New("state_bucket is required for the s3 state backend")
		}
	default:
		return fmt.Errorf("unknown state_backend %q", c.StateBackend)
	}
	return nil
}

// BackendConfig returns the state backend settings as the key/value map the
// state package expects.
func (c *Config) BackendConfig() map[string]string {
	out := map[string]string{}
	switch c.StateBackend {
	case "s3":
		out["bucket"] = c.StateBucket
		region := c.StateRegion
		if region == "" {
			region = c.Region
		}
		out["region"] = region
		if c.StateLockTable != "" {
			out["dynamodb_table"] = c.StateLockTable
		}
		if c.StateEncrypt {
			out["encrypt"] = "true"
		}
	default:
		out["dir"] = c.StateDir
	}
	return out
}
