// Package config loads ember's configuration from defaults, an optional YAML
// file, and EMBER_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/seantiz/ember/internal/automator"
	"github.com/seantiz/ember/internal/protocol"
	"github.com/seantiz/ember/internal/stream"
)

const envConfigPath = "EMBER_CONFIG"

// Config is the root application configuration.
type Config struct {
	// ServerURL is the orchestration server's API root, e.g. http://localhost:8080/api.
	ServerURL string `mapstructure:"server_url"`
	// WorkerID identifies this process when polling. Empty means hostname.
	WorkerID string `mapstructure:"worker_id"`
	// ListenAddr is the ops HTTP server address.
	ListenAddr string `mapstructure:"listen_addr"`
	// DBPath is the execution journal database. Empty disables the journal.
	DBPath string `mapstructure:"db_path"`

	Log       LogConfig             `mapstructure:"log"`
	Automator AutomatorConfig       `mapstructure:"automator"`
	Tasks     map[string]TaskConfig `mapstructure:"tasks"`
	Stream    StreamConfig          `mapstructure:"stream"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: json or text
	Format string `mapstructure:"format"`
	// File, when set, receives logs instead of stdout and is rotated.
	File     string         `mapstructure:"file"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig controls log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// AutomatorConfig holds the automator-wide polling settings.
type AutomatorConfig struct {
	ThreadCount         int           `mapstructure:"thread_count"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	PollTimeout         time.Duration `mapstructure:"poll_timeout"`
	UpdateRetryCount    int           `mapstructure:"update_retry_count"`
	SleepWhenRetry      time.Duration `mapstructure:"sleep_when_retry"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
}

// TaskConfig overrides automator settings for one task type.
type TaskConfig struct {
	ThreadCount  int           `mapstructure:"thread_count"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	Domain       string        `mapstructure:"domain"`
}

// StreamConfig configures the workflow execution stream. An empty Addr
// disables the stream client.
type StreamConfig struct {
	Addr                string        `mapstructure:"addr"`
	Codec               string        `mapstructure:"codec"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	ReconnectPolicy     string        `mapstructure:"reconnect_policy"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	MaxPendingAge       time.Duration `mapstructure:"max_pending_age"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		ServerURL:  "http://localhost:8080/api",
		ListenAddr: ":9090",
		DBPath:     "ember.db",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Automator: AutomatorConfig{
			ThreadCount:         automator.DefaultThreadCount,
			PollInterval:        automator.DefaultPollInterval,
			PollTimeout:         automator.DefaultPollTimeout,
			UpdateRetryCount:    automator.DefaultUpdateRetryCount,
			SleepWhenRetry:      automator.DefaultSleepWhenRetry,
			ShutdownGracePeriod: automator.DefaultShutdownGracePeriod,
		},
		Stream: StreamConfig{
			Codec:               "json",
			HealthCheckInterval: stream.DefaultHealthCheckInterval,
			ReconnectPolicy:     string(stream.ReconnectFailFast),
			DialTimeout:         stream.DefaultDialTimeout,
			WriteTimeout:        10 * time.Second,
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from
// $EMBER_CONFIG or ember.yaml in . or ./configs. A missing file is not an
// error. Environment variables use the prefix EMBER with `.` replaced by `_`,
// e.g. EMBER_AUTOMATOR_THREAD_COUNT=4.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("EMBER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Seed defaults so env-only configs work.
	v.SetDefault("server_url", cfg.ServerURL)
	v.SetDefault("worker_id", cfg.WorkerID)
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("automator.thread_count", cfg.Automator.ThreadCount)
	v.SetDefault("automator.poll_interval", cfg.Automator.PollInterval)
	v.SetDefault("automator.poll_timeout", cfg.Automator.PollTimeout)
	v.SetDefault("automator.update_retry_count", cfg.Automator.UpdateRetryCount)
	v.SetDefault("automator.sleep_when_retry", cfg.Automator.SleepWhenRetry)
	v.SetDefault("automator.shutdown_grace_period", cfg.Automator.ShutdownGracePeriod)
	v.SetDefault("stream.addr", cfg.Stream.Addr)
	v.SetDefault("stream.codec", cfg.Stream.Codec)
	v.SetDefault("stream.health_check_interval", cfg.Stream.HealthCheckInterval)
	v.SetDefault("stream.reconnect_policy", cfg.Stream.ReconnectPolicy)
	v.SetDefault("stream.dial_timeout", cfg.Stream.DialTimeout)
	v.SetDefault("stream.write_timeout", cfg.Stream.WriteTimeout)
	v.SetDefault("stream.max_pending_age", cfg.Stream.MaxPendingAge)

	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ember")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// A missing file falls back to defaults and env.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if _, ok := parseLogLevel(c.Log.Level); !ok {
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}

	if strings.TrimSpace(c.ServerURL) == "" {
		return errors.New("server_url is required")
	}

	a := c.Automator
	switch {
	case a.ThreadCount < 1:
		return fmt.Errorf("invalid automator.thread_count: %d", a.ThreadCount)
	case a.PollInterval <= 0:
		return fmt.Errorf("invalid automator.poll_interval: %s", a.PollInterval)
	case a.PollTimeout < 0:
		return fmt.Errorf("invalid automator.poll_timeout: %s", a.PollTimeout)
	case a.UpdateRetryCount < 0:
		return fmt.Errorf("invalid automator.update_retry_count: %d", a.UpdateRetryCount)
	case a.SleepWhenRetry < 0:
		return fmt.Errorf("invalid automator.sleep_when_retry: %s", a.SleepWhenRetry)
	case a.ShutdownGracePeriod < automator.MinShutdownGracePeriod:
		return fmt.Errorf("invalid automator.shutdown_grace_period: %s (minimum %s)", a.ShutdownGracePeriod, automator.MinShutdownGracePeriod)
	}

	for name, t := range c.Tasks {
		switch {
		case t.ThreadCount < 0:
			return fmt.Errorf("invalid tasks.%s.thread_count: %d", name, t.ThreadCount)
		case t.PollInterval < 0:
			return fmt.Errorf("invalid tasks.%s.poll_interval: %s", name, t.PollInterval)
		case t.PollTimeout < 0:
			return fmt.Errorf("invalid tasks.%s.poll_timeout: %s", name, t.PollTimeout)
		}
	}

	s := c.Stream
	if _, err := protocol.Lookup(s.Codec); err != nil {
		return fmt.Errorf("invalid stream.codec: %w", err)
	}
	switch stream.ReconnectPolicy(s.ReconnectPolicy) {
	case stream.ReconnectFailFast, stream.ReconnectWait:
	default:
		return fmt.Errorf("invalid stream.reconnect_policy: %q", s.ReconnectPolicy)
	}
	if s.HealthCheckInterval <= 0 || s.DialTimeout <= 0 || s.WriteTimeout <= 0 || s.MaxPendingAge < 0 {
		return errors.New("stream intervals and timeouts must be positive")
	}
	return nil
}

// AutomatorOptions converts the automator section.
func (c *Config) AutomatorOptions() automator.Options {
	return automator.Options{
		ThreadCount:         c.Automator.ThreadCount,
		PollInterval:        c.Automator.PollInterval,
		PollTimeout:         c.Automator.PollTimeout,
		UpdateRetryCount:    c.Automator.UpdateRetryCount,
		NoUpdateRetries:     c.Automator.UpdateRetryCount == 0,
		SleepWhenRetry:      c.Automator.SleepWhenRetry,
		ShutdownGracePeriod: c.Automator.ShutdownGracePeriod,
		WorkerID:            c.WorkerID,
	}
}

// RunnerConfig returns the overrides for taskType, or the zero value. Keys
// under tasks are matched case-insensitively.
func (c *Config) RunnerConfig(taskType string) automator.RunnerConfig {
	t, ok := c.Tasks[strings.ToLower(taskType)]
	if !ok {
		return automator.RunnerConfig{}
	}
	return automator.RunnerConfig{
		ThreadCount:  t.ThreadCount,
		PollInterval: t.PollInterval,
		PollTimeout:  t.PollTimeout,
		Domain:       t.Domain,
	}
}

// StreamEnabled reports whether a stream address is configured.
func (c *Config) StreamEnabled() bool {
	return strings.TrimSpace(c.Stream.Addr) != ""
}

// StreamClientConfig converts the stream section into client settings.
func (c *Config) StreamClientConfig() stream.Config {
	return stream.Config{
		HealthCheckInterval: c.Stream.HealthCheckInterval,
		ReconnectPolicy:     stream.ReconnectPolicy(c.Stream.ReconnectPolicy),
		MaxPendingAge:       c.Stream.MaxPendingAge,
		DialTimeout:         c.Stream.DialTimeout,
	}
}
