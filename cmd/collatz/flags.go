package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/gogpu/collatz/internal/config"
	"github.com/gogpu/collatz/internal/u128"
)

// cliFlags holds the persistent flags. Only flags the user set override
// the configuration.
type cliFlags struct {
	configPath string

	verbose int
	colour  bool

	backend    string
	validation bool
	device     int
	int16      bool
	int64      bool

	memoryFraction float64
	iterationWidth int
	maxRounds      uint64
	waitTimeout    time.Duration
	timestamps     bool

	shaderDir     string
	builtinShader bool
	pipelineCache string

	progressPath string
	restart      bool
	minValue     string
}

func (f *cliFlags) register(fs *pflag.FlagSet) {
	d := config.Defaults()
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	fs.CountVarP(&f.verbose, "verbose", "v", "log more (-v info, -vv debug)")
	fs.BoolVar(&f.colour, "colour", d.Colour, "highlight records on a terminal")

	fs.StringVar(&f.backend, "backend", d.Backend, `device backend: "vulkan" or "software"`)
	fs.BoolVar(&f.validation, "validation", d.EnableValidation, "enable the Vulkan validation layer")
	fs.IntVar(&f.device, "device", d.DeviceIndex, "device index, -1 selects automatically")
	fs.BoolVar(&f.int16, "int16", d.PreferInt16, "use 16-bit shader integers when supported")
	fs.BoolVar(&f.int64, "int64", d.PreferInt64, "use 64-bit shader integers when supported")

	fs.Float64Var(&f.memoryFraction, "memory-fraction", d.MemoryFraction, "fraction of each heap budget to use, in (0,1]")
	fs.IntVar(&f.iterationWidth, "iteration-width", d.IterationWidth, "kernel arithmetic width, 128 or 256")
	fs.Uint64Var(&f.maxRounds, "max-rounds", d.MaxRounds, "stop after this many rounds, 0 runs until stopped")
	fs.DurationVar(&f.waitTimeout, "wait-timeout", d.WaitTimeout, "device wait timeout, 0 waits forever")
	fs.BoolVar(&f.timestamps, "timestamps", d.Timestamps, "time every dispatch")

	fs.StringVar(&f.shaderDir, "shader-dir", d.ShaderDir, "directory holding <tier>/shader*.spv")
	fs.BoolVar(&f.builtinShader, "builtin-shader", d.BuiltinShader, "compile the built-in WGSL kernel instead of loading SPIR-V")
	fs.StringVar(&f.pipelineCache, "pipeline-cache", d.PipelineCachePath, "pipeline cache file, empty disables it")

	fs.StringVar(&f.progressPath, "progress", d.ProgressPath, "progress file, empty disables it")
	fs.BoolVar(&f.restart, "restart", d.Restart, "ignore saved progress")
	fs.StringVar(&f.minValue, "min", d.MinTestValue.String(), "first odd value to test")
}

// apply copies every flag set on the command line into cfg.
func (f *cliFlags) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	set := func(name string, assign func()) {
		if fs.Changed(name) {
			assign()
		}
	}
	set("verbose", func() { cfg.Verbosity = f.verbose })
	set("colour", func() { cfg.Colour = f.colour })
	set("backend", func() { cfg.Backend = f.backend })
	set("validation", func() { cfg.EnableValidation = f.validation })
	set("device", func() { cfg.DeviceIndex = f.device })
	set("int16", func() { cfg.PreferInt16 = f.int16 })
	set("int64", func() { cfg.PreferInt64 = f.int64 })
	set("memory-fraction", func() { cfg.MemoryFraction = f.memoryFraction })
	set("iteration-width", func() { cfg.IterationWidth = f.iterationWidth })
	set("max-rounds", func() { cfg.MaxRounds = f.maxRounds })
	set("wait-timeout", func() { cfg.WaitTimeout = f.waitTimeout })
	set("timestamps", func() { cfg.Timestamps = f.timestamps })
	set("shader-dir", func() { cfg.ShaderDir = f.shaderDir })
	set("builtin-shader", func() { cfg.BuiltinShader = f.builtinShader })
	set("pipeline-cache", func() { cfg.PipelineCachePath = f.pipelineCache })
	set("progress", func() { cfg.ProgressPath = f.progressPath })
	set("restart", func() { cfg.Restart = f.restart })
	if fs.Changed("min") {
		v, err := u128.Parse(f.minValue)
		if err != nil {
			return fmt.Errorf("--min: %w", err)
		}
		cfg.MinTestValue = v
	}
	return nil
}
