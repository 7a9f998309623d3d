// Package config assembles the process-wide configuration snapshot. The
// snapshot is loaded once at startup from an optional YAML file, adjusted by
// TELEMON_* environment variables, and validated before anything binds a
// socket or opens the database. There is no hot reload: components receive
// their section by value and never see it change.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/telemon/engine"
	"github.com/c360/telemon/errors"
	"github.com/c360/telemon/feed"
	"github.com/c360/telemon/receiver"
	"github.com/c360/telemon/stats"
	"github.com/c360/telemon/store"
)

// Log configures the process logger.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// HTTP configures the observability endpoint server. An empty Addr disables
// it entirely.
type HTTP struct {
	Addr string `yaml:"addr"`
}

// Config is the immutable configuration snapshot for one telemon process.
type Config struct {
	Receiver receiver.Config `yaml:"receiver"`
	Store    store.Config    `yaml:"store"`
	Stats    stats.Config    `yaml:"stats"`
	Engine   engine.Config   `yaml:"engine"`
	Feed     feed.Config     `yaml:"feed"`
	Log      Log             `yaml:"log"`
	HTTP     HTTP            `yaml:"http"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Config {
	return Config{
		Receiver: receiver.DefaultConfig(),
		Store:    store.DefaultConfig(),
		Stats:    stats.DefaultConfig(),
		Engine:   engine.DefaultConfig(),
		Feed:     feed.DefaultConfig(),
		Log:      Log{Level: "info", Format: "text"},
		HTTP:     HTTP{Addr: ""},
	}
}

// Load builds the snapshot: defaults, then the YAML file at path if path is
// non-empty, then environment overrides, then validation. A missing file is
// an error only when a path was given explicitly.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.WrapFatal(
				fmt.Errorf("read config file %s: %w", path, err),
				"config", "Load", "read file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.WrapFatal(
				fmt.Errorf("parse config file %s: %w", path, err),
				"config", "Load", "parse yaml")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section. The first failure wins; startup aborts on
// any of them.
func (c *Config) Validate() error {
	if err := c.Receiver.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Stats.Validate(); err != nil {
		return err
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := c.Feed.Validate(); err != nil {
		return err
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: log level %q", errors.ErrInvalidConfig, c.Log.Level),
			"config", "Validate", "validate log level")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: log format %q", errors.ErrInvalidConfig, c.Log.Format),
			"config", "Validate", "validate log format")
	}
	return nil
}

// applyEnv layers TELEMON_* environment variables over the current values.
// Unparseable values are ignored; validation catches anything that matters.
func (c *Config) applyEnv() {
	envString("TELEMON_LISTEN_HOST", &c.Receiver.Host)
	envInt("TELEMON_LISTEN_PORT", &c.Receiver.Port)
	envInt("TELEMON_QUEUE_CAPACITY", &c.Receiver.QueueCapacity)
	envInt("TELEMON_MAX_PACKET_SIZE", &c.Receiver.MaxPacketSize)
	envFloat("TELEMON_RATE_PER_SECOND", &c.Receiver.RatePerSecond)

	envString("TELEMON_STORE_PATH", &c.Store.Path)
	envInt("TELEMON_BATCH_SIZE", &c.Store.BatchSize)
	envDuration("TELEMON_FLUSH_INTERVAL", &c.Store.FlushInterval)
	envDuration("TELEMON_WRITE_TIMEOUT", &c.Store.WriteTimeout)

	envInt("TELEMON_WINDOW_CAPACITY", &c.Stats.WindowCapacity)
	envDuration("TELEMON_ACTIVE_WINDOW", &c.Stats.ActiveWindow)

	envDuration("TELEMON_POLL_INTERVAL", &c.Engine.PollInterval)
	envDuration("TELEMON_MAINTAIN_INTERVAL", &c.Engine.MaintainInterval)
	envDuration("TELEMON_HEARTBEAT_INTERVAL", &c.Engine.HeartbeatInterval)
	envDuration("TELEMON_REPORT_INTERVAL", &c.Engine.ReportInterval)
	envDuration("TELEMON_RETENTION", &c.Engine.Retention)

	envBool("TELEMON_FEED_ENABLED", &c.Feed.Enabled)
	envString("TELEMON_FEED_URL", &c.Feed.URL)
	envString("TELEMON_FEED_SUBJECT_PREFIX", &c.Feed.SubjectPrefix)

	envString("TELEMON_LOG_LEVEL", &c.Log.Level)
	envString("TELEMON_LOG_FORMAT", &c.Log.Format)
	envString("TELEMON_HTTP_ADDR", &c.HTTP.Addr)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
