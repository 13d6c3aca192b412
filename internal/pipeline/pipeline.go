// Package pipeline builds the Collatz compute pipeline.
//
// The kernel is a precompiled SPIR-V module chosen by API tier and enabled
// integer features, or the built-in WGSL kernel compiled with naga. The
// pipeline is created through an on-disk pipeline cache; the shader module
// and cache object are destroyed as soon as the pipeline exists.
package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gogpu/collatz/internal/gpu"
	"github.com/gogpu/collatz/internal/lifetime"
)

// Errors.
var (
	// ErrShaderNotFound is returned when the shader file does not exist.
	ErrShaderNotFound = errors.New("pipeline: shader not found")

	// ErrShaderFormat is returned when a shader file is not a SPIR-V module.
	ErrShaderFormat = errors.New("pipeline: malformed SPIR-V")

	// ErrIterationWidth is returned for widths other than 128 and 256.
	ErrIterationWidth = errors.New("pipeline: iteration width must be 128 or 256")
)

// Kernel entry points.
const (
	EntryMain128 = "main128"
	EntryMain256 = "main256"
)

// specWorkgroupSize is the specialization constant id of the workgroup size.
const specWorkgroupSize = 0

const spirvMagic = 0x07230203

// Config selects and builds the kernel.
type Config struct {
	ShaderDir string
	// Tier is the API tier directory, "1.2" or "1.3".
	Tier  string
	Int16 bool
	Int64 bool
	// IterationWidth is 128 or 256.
	IterationWidth int
	WorkgroupSize  uint32
	// Builtin compiles the built-in WGSL kernel instead of loading a file.
	Builtin bool
	// CachePath is the pipeline cache file. Empty disables the cache.
	CachePath string
	Log       *slog.Logger
}

// EntryPoint returns the kernel entry point for the iteration width.
func (c *Config) EntryPoint() (string, error) {
	switch c.IterationWidth {
	case 128:
		return EntryMain128, nil
	case 256:
		return EntryMain256, nil
	}
	return "", fmt.Errorf("%w: %d", ErrIterationWidth, c.IterationWidth)
}

// ShaderPath returns <dir>/<tier>/shader[_16][_64].spv.
func (c *Config) ShaderPath() string {
	name := "shader"
	if c.Int16 {
		name += "_16"
	}
	if c.Int64 {
		name += "_64"
	}
	return filepath.Join(c.ShaderDir, c.Tier, name+".spv")
}

// Objects are the pipeline objects that outlive Build.
type Objects struct {
	Layout     gpu.PipelineLayout
	Pipeline   gpu.Pipeline
	EntryPoint string
	// Source is the shader file path, or "builtin".
	Source string

	stack *lifetime.Stack
}

// Destroy releases the pipeline and its layout.
func (o *Objects) Destroy() {
	if o.stack == nil {
		return
	}
	o.stack.Unwind()
	o.stack = nil
}

// Build creates the pipeline layout and compute pipeline for setLayout.
func Build(dev gpu.Device, setLayout gpu.DescriptorSetLayout, cfg Config) (_ *Objects, err error) {
	log := gpu.LoggerOrNop(cfg.Log)
	entry, err := cfg.EntryPoint()
	if err != nil {
		return nil, err
	}
	code, source, err := loadKernel(cfg)
	if err != nil {
		return nil, err
	}

	// Shader module and cache object only live for the duration of Build.
	scratch := lifetime.New(log)
	defer scratch.Unwind()
	stack := lifetime.New(log)
	defer stack.UnwindOnError(&err)

	module, err := dev.CreateShaderModule(code)
	if err != nil {
		return nil, fmt.Errorf("pipeline: shader module %s: %w", source, err)
	}
	scratch.Push("shader module", func() { dev.DestroyShaderModule(module) })

	cache, err := openCache(dev, cfg.CachePath, log)
	if err != nil {
		return nil, err
	}
	if cache != 0 {
		scratch.Push("pipeline cache", func() { dev.DestroyPipelineCache(cache) })
	}

	o := &Objects{EntryPoint: entry, Source: source}
	o.Layout, err = dev.CreatePipelineLayout([]gpu.DescriptorSetLayout{setLayout})
	if err != nil {
		return nil, fmt.Errorf("pipeline: layout: %w", err)
	}
	layout := o.Layout
	stack.Push("pipeline layout", func() { dev.DestroyPipelineLayout(layout) })

	o.Pipeline, err = dev.CreateComputePipeline(gpu.ComputePipelineDesc{
		Label:      "collatz",
		Layout:     o.Layout,
		Module:     module,
		EntryPoint: entry,
		Cache:      cache,
		Specialization: []gpu.SpecConstant{
			{ID: specWorkgroupSize, Value: cfg.WorkgroupSize},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: compute pipeline %s: %w", entry, err)
	}
	p := o.Pipeline
	stack.Push("compute pipeline", func() { dev.DestroyPipeline(p) })

	if cache != 0 {
		if err := saveCache(dev, cache, cfg.CachePath, log); err != nil {
			return nil, err
		}
	}
	log.Info("pipeline: built", "source", source, "entry", entry, "workgroup", cfg.WorkgroupSize)
	o.stack = stack.Move()
	return o, nil
}

func loadKernel(cfg Config) ([]uint32, string, error) {
	if cfg.Builtin {
		code, err := CompileBuiltin(cfg.WorkgroupSize)
		return code, "builtin", err
	}
	path := cfg.ShaderPath()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, path, fmt.Errorf("%w: %s", ErrShaderNotFound, path)
	}
	if err != nil {
		return nil, path, fmt.Errorf("pipeline: read shader: %w", err)
	}
	code, err := spirvWords(data)
	if err != nil {
		return nil, path, fmt.Errorf("%s: %w", path, err)
	}
	return code, path, nil
}

// spirvWords converts a little-endian SPIR-V binary to words.
func spirvWords(data []byte) ([]uint32, error) {
	if len(data) < 20 || len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShaderFormat, len(data))
	}
	code := make([]uint32, len(data)/4)
	for i := range code {
		code[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	if code[0] != spirvMagic {
		return nil, fmt.Errorf("%w: bad magic %#08x", ErrShaderFormat, code[0])
	}
	return code, nil
}
