// Package config loads pagerunner settings with Viper from a YAML file,
// PAGERUNNER_ environment variables and command-line flags.
//
// Precedence, highest first: flags bound to the viper instance, environment
// variables (PAGERUNNER_<SECTION>_<OPTION>), the config file, defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/Swind/go-page-runner/core"
	"github.com/Swind/go-page-runner/source"
)

const (
	EnvPrefix      = "PAGERUNNER"
	FileName       = ".pagerunner"
	ConfigFileEnv  = "PAGERUNNER_CONFIG_FILE"
	defaultUA      = "pagerunner/0.1"
	defaultListen  = ":9090"
	defaultMetrics = "pagerunner"
)

type Config struct {
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine" json:"engine"`
	Frontend FrontendConfig `mapstructure:"frontend" yaml:"frontend" json:"frontend"`
	Source   SourceConfig   `mapstructure:"source" yaml:"source" json:"source"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	Log      LogConfig      `mapstructure:"log" yaml:"log" json:"log"`
}

type EngineConfig struct {
	StatusMaxLength   int  `mapstructure:"status_max_length" yaml:"status_max_length" json:"status_max_length"`
	ProgressEveryTags int  `mapstructure:"progress_every_tags" yaml:"progress_every_tags" json:"progress_every_tags"`
	Supersede         bool `mapstructure:"supersede" yaml:"supersede" json:"supersede"`
	HistorySize       int  `mapstructure:"history_size" yaml:"history_size" json:"history_size"`
	MaxTagLength      int  `mapstructure:"max_tag_length" yaml:"max_tag_length" json:"max_tag_length"`
}

type FrontendConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
}

type SourceConfig struct {
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent" json:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	Charset   string        `mapstructure:"charset" yaml:"charset" json:"charset"`
	Retry     RetryConfig   `mapstructure:"retry" yaml:"retry" json:"retry"`
}

type RetryConfig struct {
	Max          int           `mapstructure:"max" yaml:"max" json:"max"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay" json:"max_delay"`
	Backoff      float64       `mapstructure:"backoff" yaml:"backoff" json:"backoff"`
}

type MetricsConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Namespace    string        `mapstructure:"namespace" yaml:"namespace" json:"namespace"`
	Listen       string        `mapstructure:"listen" yaml:"listen" json:"listen"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

// SetDefaults registers every default on v. Keys must be known to viper for
// AutomaticEnv to reach them during Unmarshal.
func SetDefaults(v *viper.Viper) {
	retry := core.DefaultRetryPolicy()

	v.SetDefault("engine.status_max_length", 2047)
	v.SetDefault("engine.progress_every_tags", 32)
	v.SetDefault("engine.supersede", true)
	v.SetDefault("engine.history_size", 100)
	v.SetDefault("engine.max_tag_length", 64*1024)

	v.SetDefault("frontend.poll_interval", 42*time.Millisecond)

	v.SetDefault("source.user_agent", defaultUA)
	v.SetDefault("source.timeout", 30*time.Second)
	v.SetDefault("source.charset", "")
	v.SetDefault("source.retry.max", retry.MaxRetries)
	v.SetDefault("source.retry.initial_delay", retry.InitialDelay)
	v.SetDefault("source.retry.max_delay", retry.MaxDelay)
	v.SetDefault("source.retry.backoff", retry.BackoffRatio)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", defaultMetrics)
	v.SetDefault("metrics.listen", defaultListen)
	v.SetDefault("metrics.poll_interval", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// New returns a viper instance with defaults and environment binding set
// up. file is an explicit config path; empty means PAGERUNNER_CONFIG_FILE,
// then .pagerunner.yml in the working directory.
func New(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	switch {
	case file != "":
		v.SetConfigFile(file)
	case os.Getenv(ConfigFileEnv) != "":
		v.SetConfigFile(os.Getenv(ConfigFileEnv))
	default:
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(FileName)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Read loads the config file into v. A missing default file is not an
// error; a missing explicit one is.
func Read(v *viper.Viper) error {
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load decodes v into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks value ranges and names.
func (c *Config) Validate() error {
	var errs []error

	if c.Engine.StatusMaxLength < 1 {
		errs = append(errs, fmt.Errorf("engine.status_max_length must be positive, got %d", c.Engine.StatusMaxLength))
	}
	if c.Engine.ProgressEveryTags < 1 {
		errs = append(errs, fmt.Errorf("engine.progress_every_tags must be positive, got %d", c.Engine.ProgressEveryTags))
	}
	if c.Engine.MaxTagLength < 16 {
		errs = append(errs, fmt.Errorf("engine.max_tag_length must be at least 16, got %d", c.Engine.MaxTagLength))
	}
	if c.Frontend.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("frontend.poll_interval must be positive, got %s", c.Frontend.PollInterval))
	}
	if c.Source.Timeout < 0 {
		errs = append(errs, fmt.Errorf("source.timeout must not be negative, got %s", c.Source.Timeout))
	}
	if c.Source.Charset != "" {
		if _, err := htmlindex.Get(c.Source.Charset); err != nil {
			errs = append(errs, fmt.Errorf("source.charset: unknown encoding %q", c.Source.Charset))
		}
	}
	if c.Source.Retry.Max < 0 {
		errs = append(errs, fmt.Errorf("source.retry.max must not be negative, got %d", c.Source.Retry.Max))
	}
	if c.Source.Retry.Backoff < 1 {
		errs = append(errs, fmt.Errorf("source.retry.backoff must be at least 1, got %g", c.Source.Retry.Backoff))
	}
	if c.Metrics.Enabled && c.Metrics.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("metrics.poll_interval must be positive, got %s", c.Metrics.PollInterval))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not a level", c.Log.Level))
	}

	return errors.Join(errs...)
}

// SourceOptions maps the source section onto the opener settings.
func (c *Config) SourceOptions() source.Config {
	return source.Config{
		UserAgent: c.Source.UserAgent,
		Timeout:   c.Source.Timeout,
		Charset:   c.Source.Charset,
		Retry: core.RetryPolicy{
			MaxRetries:   c.Source.Retry.Max,
			InitialDelay: c.Source.Retry.InitialDelay,
			MaxDelay:     c.Source.Retry.MaxDelay,
			BackoffRatio: c.Source.Retry.Backoff,
		},
	}
}

// Logger builds the logger described by the log section.
func (c *Config) Logger() *core.SlogLogger {
	return core.NewSlogLogger(c.Log.Level, c.Log.Format, os.Stderr)
}
