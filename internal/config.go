package internal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v2"
)

// Config holds the tunables of a VM.
type Config struct {
	// GlobalVariableMaxInvalidations is the number of value changes a global
	// variable may see before it stops being assumed constant.
	GlobalVariableMaxInvalidations int `yaml:"global_variable_max_invalidations" toml:"global_variable_max_invalidations"`
	// NativeMemoryLimit bounds the total size of live native allocations, as
	// a human-readable size such as "256MiB". "0" means unlimited.
	NativeMemoryLimit string `yaml:"native_memory_limit" toml:"native_memory_limit"`
	// SafepointTimeout is the time after which a running safepoint action is
	// reported as slow. "0s" disables the report.
	SafepointTimeout string `yaml:"safepoint_timeout" toml:"safepoint_timeout"`
	// LogLevel is one of debug, info, warn, or error.
	LogLevel string `yaml:"log_level" toml:"log_level"`
	// HashSeed seeds symbol hashes. Zero selects a random seed.
	HashSeed uint64 `yaml:"hash_seed" toml:"hash_seed"`

	// LogOutput is where the VM logs. Nil means standard error.
	LogOutput io.Writer `yaml:"-" toml:"-"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		GlobalVariableMaxInvalidations: 1,
		NativeMemoryLimit:              "1GiB",
		SafepointTimeout:               "0s",
		LogLevel:                       "warn",
	}
}

// LoadConfig reads a configuration file over the defaults. The format is
// chosen by extension: .yaml or .yml for YAML, .toml for TOML.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("rubycore: reading config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.UnmarshalStrict(b, &cfg)
	case ".toml":
		_, err = toml.Decode(string(b), &cfg)
	default:
		return cfg, fmt.Errorf("rubycore: unknown config format %q", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("rubycore: parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks that every field holds a usable value.
func (c Config) Validate() error {
	if c.GlobalVariableMaxInvalidations < 0 {
		return fmt.Errorf("rubycore: global_variable_max_invalidations must not be negative, got %d", c.GlobalVariableMaxInvalidations)
	}
	if _, err := c.MemoryLimit(); err != nil {
		return err
	}
	if _, err := c.Timeout(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// MemoryLimit returns the native memory limit in bytes. Zero is unlimited.
func (c Config) MemoryLimit() (int64, error) {
	if c.NativeMemoryLimit == "" || c.NativeMemoryLimit == "0" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.NativeMemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("rubycore: native_memory_limit: %w", err)
	}
	if n < 0 {
		return 0, fmt.Errorf("rubycore: native_memory_limit must not be negative, got %s", c.NativeMemoryLimit)
	}
	return n, nil
}

// Timeout returns the safepoint timeout. Zero disables it.
func (c Config) Timeout() (time.Duration, error) {
	if c.SafepointTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.SafepointTimeout)
	if err != nil {
		return 0, fmt.Errorf("rubycore: safepoint_timeout: %w", err)
	}
	return d, nil
}

// Level returns the configured log level.
func (c Config) Level() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("rubycore: unknown log_level %q", c.LogLevel)
	}
}

// logger builds the VM's logger.
func (c Config) logger() *slog.Logger {
	lvl, _ := c.Level()
	out := c.LogOutput
	if out == nil {
		out = os.Stderr
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl}))
}
