// Package config handles q3vm.toml host configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/fortiblox/q3vm/pkg/qvm"
	"github.com/fortiblox/q3vm/pkg/qvm/vm"
)

// ErrInvalidConfig is returned for configuration that fails validation.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the host configuration.
type Config struct {
	VM      VM      `toml:"vm"`
	Store   Store   `toml:"store"`
	Journal Journal `toml:"journal"`
	Log     Log     `toml:"log"`
}

// VM configures the interpreter and its budget.
type VM struct {
	StackSize         uint32 `toml:"stack-size"`
	OperandStackDepth int    `toml:"operand-stack-depth"`
	MaxSteps          uint64 `toml:"max-steps"`
	Trace             bool   `toml:"trace"`
}

// Store configures the module store. An empty path disables it.
type Store struct {
	Path   string `toml:"path"`
	NoSync bool   `toml:"no-sync"`
}

// Journal configures the execution journal. An empty path disables it.
type Journal struct {
	Path       string `toml:"path"`
	SyncWrites bool   `toml:"sync-writes"`
}

// Log configures logging.
type Log struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		VM: VM{
			StackSize:         vm.DefaultStackSize,
			OperandStackDepth: vm.DefaultOperandStackDepth,
			MaxSteps:          qvm.StepsDefault,
		},
		Log: Log{Level: "notice"},
	}
}

// Load parses a TOML file over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return Parse(string(data), path)
}

// Parse parses TOML text over the defaults. name is used in errors.
func Parse(text, name string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(text, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", name, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, name, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if c.VM.OperandStackDepth < 0 {
		return fmt.Errorf("%w: operand-stack-depth %d", ErrInvalidConfig, c.VM.OperandStackDepth)
	}
	if c.VM.MaxSteps > qvm.StepsMax {
		return fmt.Errorf("%w: max-steps %d exceeds %d", ErrInvalidConfig, c.VM.MaxSteps, qvm.StepsMax)
	}
	if _, err := c.Verbosity(); err != nil {
		return err
	}
	return nil
}

// verbosities maps level names to commonlog verbosity.
var verbosities = map[string]int{
	"none":     -4,
	"critical": -3,
	"error":    -2,
	"warning":  -1,
	"notice":   0,
	"info":     1,
	"debug":    2,
}

// Verbosity returns the commonlog verbosity for the configured level.
func (c *Config) Verbosity() (int, error) {
	v, ok := verbosities[strings.ToLower(c.Log.Level)]
	if !ok {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.Log.Level)
	}
	return v, nil
}
