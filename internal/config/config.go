// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

// Package config loads host configuration from defaults, an optional YAML
// file and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/deskpet/deskpet/internal/logging"
	"github.com/deskpet/deskpet/internal/xdg"
)

// CodeInvalidConfig is the oops code for configuration errors.
const CodeInvalidConfig = "INVALID_CONFIG"

// Config is the complete host configuration.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
	Monitor MonitorConfig `koanf:"monitor"`
	Runtime RuntimeConfig `koanf:"runtime"`
	LogBus  LogBusConfig  `koanf:"logbus"`
	Plugins PluginsConfig `koanf:"plugins"`
	Control ControlConfig `koanf:"control"`
}

// LogConfig configures host diagnostics.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// MetricsConfig configures the prometheus listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// MonitorConfig configures the metrics poller.
type MonitorConfig struct {
	Interval    time.Duration `koanf:"interval"`
	Concurrency int           `koanf:"concurrency"`
}

// RuntimeConfig tunes the backend registry.
type RuntimeConfig struct {
	UnloadGrace  time.Duration `koanf:"unload_grace"`
	RestartGrace time.Duration `koanf:"restart_grace"`
	CallTimeout  time.Duration `koanf:"call_timeout"`
}

// LogBusConfig configures the plugin log broadcaster.
type LogBusConfig struct {
	Buffer int `koanf:"buffer"`
}

// PluginsConfig configures backend autoload.
type PluginsConfig struct {
	Dir      string        `koanf:"dir"`
	Watch    bool          `koanf:"watch"`
	Debounce time.Duration `koanf:"debounce"`
}

// ControlConfig configures the control socket. An empty Socket uses the
// default path under the runtime directory.
type ControlConfig struct {
	Socket string `koanf:"socket"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log:     LogConfig{Format: "text", Level: "info"},
		Monitor: MonitorConfig{Interval: 5 * time.Second, Concurrency: 4},
		Runtime: RuntimeConfig{
			UnloadGrace:  100 * time.Millisecond,
			RestartGrace: 200 * time.Millisecond,
		},
		LogBus:  LogBusConfig{Buffer: 1000},
		Plugins: PluginsConfig{Dir: xdg.PluginsDir(), Debounce: 500 * time.Millisecond},
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"log-format":       "log.format",
	"log-level":        "log.level",
	"metrics-addr":     "metrics.addr",
	"monitor-interval": "monitor.interval",
	"unload-grace":     "runtime.unload_grace",
	"restart-grace":    "runtime.restart_grace",
	"call-timeout":     "runtime.call_timeout",
	"logbus-buffer":    "logbus.buffer",
	"plugins-dir":      "plugins.dir",
	"watch":            "plugins.watch",
	"socket":           "control.socket",
}

// RegisterFlags adds the configuration flags with Default values. The
// "socket" flag is shared with client commands and registered by the caller.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("log-format", d.Log.Format, "log format (json, text)")
	flags.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	flags.String("metrics-addr", d.Metrics.Addr, "prometheus listen address, empty disables")
	flags.Duration("monitor-interval", d.Monitor.Interval, "backend metrics poll interval")
	flags.Duration("unload-grace", d.Runtime.UnloadGrace, "pause between cleanup and unload readiness check")
	flags.Duration("restart-grace", d.Runtime.RestartGrace, "pause between unload and load during reloads")
	flags.Duration("call-timeout", d.Runtime.CallTimeout, "maximum wait for a backend call, 0 waits forever")
	flags.Int("logbus-buffer", d.LogBus.Buffer, "per-subscriber log entry buffer")
	flags.String("plugins-dir", d.Plugins.Dir, "directory scanned for backend.yaml manifests")
	flags.Bool("watch", d.Plugins.Watch, "hot reload backends when their library changes")
}

// Load builds the configuration. A missing file at path is not an error;
// flags override file values only when set explicitly. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, oops.In("config").Code(CodeInvalidConfig).With("path", path).Wrapf(err, "load config file")
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, oops.In("config").Code(CodeInvalidConfig).With("path", path).Wrapf(err, "stat config file")
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return Config{}, oops.In("config").Code(CodeInvalidConfig).Wrapf(err, "load flags")
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.In("config").Code(CodeInvalidConfig).Wrapf(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	invalid := func(key string) oops.OopsErrorBuilder {
		return oops.In("config").Code(CodeInvalidConfig).With("key", key)
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid("log.format").Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level").Wrapf(err, "log.level")
	}
	if c.Monitor.Interval <= 0 {
		return invalid("monitor.interval").Errorf("monitor.interval must be positive, got %s", c.Monitor.Interval)
	}
	if c.Monitor.Concurrency < 1 {
		return invalid("monitor.concurrency").Errorf("monitor.concurrency must be at least 1, got %d", c.Monitor.Concurrency)
	}
	for key, d := range map[string]time.Duration{
		"runtime.unload_grace":  c.Runtime.UnloadGrace,
		"runtime.restart_grace": c.Runtime.RestartGrace,
		"runtime.call_timeout":  c.Runtime.CallTimeout,
		"plugins.debounce":      c.Plugins.Debounce,
	} {
		if d < 0 {
			return invalid(key).Errorf("%s cannot be negative, got %s", key, d)
		}
	}
	if c.LogBus.Buffer < 1 {
		return invalid("logbus.buffer").Errorf("logbus.buffer must be at least 1, got %d", c.LogBus.Buffer)
	}
	return nil
}
