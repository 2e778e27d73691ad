// Package config loads runtime settings from YAML and turns them into
// engine options.
package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sanonone/pmemcore/pkg/devdir"
	"github.com/sanonone/pmemcore/pkg/engine"
	"github.com/sanonone/pmemcore/pkg/granularity"
	"github.com/sanonone/pmemcore/pkg/platform"
)

// Config is the on-disk runtime configuration.
type Config struct {
	// ForceGranularity skips hardware-based resolution ("BYTE",
	// "CACHE_LINE", "PAGE"). PMEM_FORCE_GRANULARITY overrides it.
	ForceGranularity string `yaml:"force_granularity"`

	// EADR is "auto" to probe the platform, or "on"/"off" to assert it.
	EADR string `yaml:"eadr"`

	// SysfsRoot is where sysfs is mounted ("/sys").
	SysfsRoot string `yaml:"sysfs_root"`

	// DeviceDirectory is "sysfs" or "static".
	DeviceDirectory string `yaml:"device_directory"`
	// StaticDevicesFile is the YAML device description used by "static".
	StaticDevicesFile string `yaml:"static_devices_file"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig probes everything from the running host.
func DefaultConfig() Config {
	return Config{
		EADR:            "auto",
		SysfsRoot:       platform.DefaultSysfsRoot,
		DeviceDirectory: "sysfs",
		LogLevel:        "info",
	}
}

// LoadConfig reads path on top of DefaultConfig. Environment variables in
// the file are expanded and unknown fields are rejected. An empty path
// returns the defaults. PMEM_FORCE_GRANULARITY, when set, wins over the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("YAML syntax error in config: %w", err)
		}
	}

	if v, ok := os.LookupEnv(granularity.EnvForceGranularity); ok {
		cfg.ForceGranularity = v
	}
	return cfg, cfg.Validate()
}

// Validate checks the enumerated fields. An unrecognized granularity is not
// an error: resolution logs it and falls back to the hardware.
func (c Config) Validate() error {
	switch strings.ToLower(c.EADR) {
	case "auto", "on", "off":
	default:
		return fmt.Errorf("config: eadr must be auto, on or off, got %q", c.EADR)
	}
	switch c.DeviceDirectory {
	case "sysfs":
	case "static":
		if c.StaticDevicesFile == "" {
			return fmt.Errorf("config: device_directory static needs static_devices_file")
		}
	default:
		return fmt.Errorf("config: unknown device_directory %q", c.DeviceDirectory)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("config: log_level: %w", err)
	}
	return level, nil
}

// Logger returns a text logger writing to w at LogLevel.
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := c.SlogLevel()
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// InstallLogger makes a stderr logger at LogLevel the process default, so
// the runtime's own log lines honour the configured level.
func (c Config) InstallLogger() error {
	logger, err := c.Logger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

// Options builds engine options from the configuration.
func (c Config) Options() (engine.Options, error) {
	opts := engine.Options{ForceGranularity: c.ForceGranularity}

	switch strings.ToLower(c.EADR) {
	case "on":
		opts.Probe = platform.Static(true)
	case "off":
		opts.Probe = platform.Static(false)
	default:
		opts.Probe = platform.Host{SysfsRoot: c.SysfsRoot}
	}

	switch c.DeviceDirectory {
	case "static":
		dir, err := devdir.LoadStatic(c.StaticDevicesFile)
		if err != nil {
			return opts, err
		}
		opts.Directory = dir
	default:
		opts.Directory = devdir.Sysfs{Root: c.SysfsRoot}
	}
	return opts, nil
}
