// Package config holds the run configuration and loads it from YAML.
//
// Precedence, lowest first: Defaults, the YAML file, command line flags.
// Flags are applied by the CLI only when set explicitly.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gogpu/collatz/internal/u128"
)

// Backends.
const (
	BackendVulkan   = "vulkan"
	BackendSoftware = "software"
)

// Validation errors.
var (
	ErrMemoryFraction = errors.New("config: memory_fraction must be in (0,1]")
	ErrIterationWidth = errors.New("config: iteration_width must be 128 or 256")
	ErrBackend        = errors.New("config: unknown backend")
	ErrMinTestValue   = errors.New("config: min_test_value must be odd and at least 1")
	ErrWaitTimeout    = errors.New("config: wait_timeout must not be negative")
)

// Config is the complete run configuration.
type Config struct {
	// Verbosity 0 logs warnings, 1 info, 2 and above debug.
	Verbosity int  `yaml:"verbosity"`
	Colour    bool `yaml:"colour"`

	Backend          string `yaml:"backend"`
	EnableValidation bool   `yaml:"enable_validation"`
	// DeviceIndex forces a device; -1 selects automatically.
	DeviceIndex int  `yaml:"device_index"`
	PreferInt16 bool `yaml:"prefer_int16"`
	PreferInt64 bool `yaml:"prefer_int64"`

	MemoryFraction float64 `yaml:"memory_fraction"`
	IterationWidth int     `yaml:"iteration_width"`
	// MaxRounds caps host rounds; 0 runs until stopped.
	MaxRounds   uint64        `yaml:"max_rounds"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	Timestamps  bool          `yaml:"timestamps"`

	ShaderDir         string `yaml:"shader_dir"`
	BuiltinShader     bool   `yaml:"builtin_shader"`
	PipelineCachePath string `yaml:"pipeline_cache"`

	ProgressPath string       `yaml:"progress_file"`
	Restart      bool         `yaml:"restart"`
	MinTestValue u128.Uint128 `yaml:"min_test_value"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Colour:            true,
		Backend:           BackendVulkan,
		DeviceIndex:       -1,
		PreferInt16:       true,
		PreferInt64:       true,
		MemoryFraction:    0.5,
		IterationWidth:    128,
		ShaderDir:         "shaders",
		PipelineCachePath: "pipeline_cache.bin",
		ProgressPath:      "progress.txt",
		MinTestValue:      u128.From64(1),
	}
}

// Load returns Defaults overlaid with the YAML file at path. Unknown keys
// are an error.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if !(c.MemoryFraction > 0 && c.MemoryFraction <= 1) {
		errs = append(errs, fmt.Errorf("%w: %v", ErrMemoryFraction, c.MemoryFraction))
	}
	if c.IterationWidth != 128 && c.IterationWidth != 256 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrIterationWidth, c.IterationWidth))
	}
	if c.Backend != BackendVulkan && c.Backend != BackendSoftware {
		errs = append(errs, fmt.Errorf("%w: %q", ErrBackend, c.Backend))
	}
	if !c.MinTestValue.IsOdd() {
		errs = append(errs, fmt.Errorf("%w: %s", ErrMinTestValue, c.MinTestValue))
	}
	if c.WaitTimeout < 0 {
		errs = append(errs, ErrWaitTimeout)
	}
	return errors.Join(errs...)
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
