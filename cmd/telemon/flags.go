package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/c360/telemon/config"
)

// CLIConfig holds command-line configuration. Anything not covered here
// comes from the config file and TELEMON_* environment variables; flags win
// over both.
type CLIConfig struct {
	ConfigPath      string
	Port            int
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	HTTPAddr        string
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		os.Getenv("TELEMON_CONFIG"),
		"Path to YAML configuration file, empty for defaults (env: TELEMON_CONFIG)")
	flag.StringVar(&cfg.ConfigPath, "c",
		os.Getenv("TELEMON_CONFIG"),
		"Path to YAML configuration file, empty for defaults (env: TELEMON_CONFIG)")

	flag.IntVar(&cfg.Port, "port", 0,
		"UDP listen port, 0 to use the configured value")

	flag.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error (env: TELEMON_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text (env: TELEMON_LOG_FORMAT)")

	flag.BoolVar(&cfg.Debug, "debug", false,
		"Enable debug logging, shorthand for --log-level=debug")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 30*time.Second,
		"Graceful shutdown timeout")

	flag.StringVar(&cfg.HTTPAddr, "http-addr", "",
		"Observability HTTP listen address, empty to use the configured value (env: TELEMON_HTTP_ADDR)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printDetailedHelp

	flag.Parse()

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.LogLevel != "" && !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive: %s", cfg.ShutdownTimeout)
	}

	return nil
}

// applyFlagOverrides layers explicit flag values over the loaded snapshot.
func applyFlagOverrides(cfg *config.Config, cli *CLIConfig) {
	if cli.Port != 0 {
		cfg.Receiver.Port = cli.Port
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	if cli.HTTPAddr != "" {
		cfg.HTTP.Addr = cli.HTTPAddr
	}
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Device Telemetry Pipeline

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with defaults (UDP :9999, SQLite under data/)
  %s

  # Run with a custom config and debug logging
  %s --config=/etc/telemon/telemon.yaml --debug

  # Run with environment variables
  export TELEMON_LISTEN_PORT=9001
  export TELEMON_STORE_PATH=/var/lib/telemon/telemon.db
  %s

  # Validate configuration only
  %s --config=/etc/telemon/telemon.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
