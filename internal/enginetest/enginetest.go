// Package enginetest builds small engines on the software backend for
// tests.
package enginetest

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/gogpu/collatz/internal/buffers"
	"github.com/gogpu/collatz/internal/gpu"
	"github.com/gogpu/collatz/internal/gpu/software"
	"github.com/gogpu/collatz/internal/layout"
	"github.com/gogpu/collatz/internal/pipeline"
)

// Options describe the engine.
type Options struct {
	// Pairs and InoutsPerBuffer give Pairs*InoutsPerBuffer slots.
	Pairs           uint32
	InoutsPerBuffer uint32
	// WorkgroupCount groups of 128 lanes per dispatch.
	WorkgroupCount uint32
	HostCoherent   bool
	Timestamps     bool
	// SharedFamily runs transfers on the compute family.
	SharedFamily bool
	Software     []software.Option
}

// Env is a device with buffers and a pipeline.
type Env struct {
	Device         *software.Device
	Plan           layout.Plan
	Buffers        *buffers.Set
	Pipeline       *pipeline.Objects
	ComputeFamily  uint32
	TransferFamily uint32
	ComputeQueue   gpu.Queue
	TransferQueue  gpu.Queue
}

// Plan returns a layout plan for opts on the default software device.
func Plan(opts Options) layout.Plan {
	const wg = 128
	lanes := uint64(wg * opts.WorkgroupCount)
	return layout.Plan{
		WorkgroupSize:       wg,
		WorkgroupCount:      opts.WorkgroupCount,
		ValuesPerInout:      lanes,
		InoutsPerBuffer:     opts.InoutsPerBuffer,
		BuffersPerHeap:      opts.Pairs,
		BufferBytes:         uint64(opts.InoutsPerBuffer) * lanes * (layout.InputElementSize + layout.OutputElementSize),
		Alignment:           64,
		NonCoherentAtomSize: 64,
		DeviceMemoryType:    0,
		HostMemoryType:      1,
		DeviceHeap:          0,
		HostHeap:            1,
		HostCoherent:        opts.HostCoherent,
	}
}

// New builds an Env and registers its teardown with t.
func New(t testing.TB, opts Options) *Env {
	t.Helper()
	if opts.Pairs == 0 {
		opts.Pairs = 1
	}
	if opts.InoutsPerBuffer == 0 {
		opts.InoutsPerBuffer = 2
	}
	if opts.WorkgroupCount == 0 {
		opts.WorkgroupCount = 1
	}
	in := software.New(opts.Software...)
	env := &Env{ComputeFamily: 0, TransferFamily: 1}
	queues := []gpu.QueueRequest{{Family: 0, Count: 1}, {Family: 1, Count: 1}}
	if opts.SharedFamily {
		env.TransferFamily = 0
		queues = []gpu.QueueRequest{{Family: 0, Count: 2}}
	}
	dev, err := in.Open(gpu.DeviceRequest{Queues: queues})
	if err != nil {
		t.Fatalf("open software device: %v", err)
	}
	env.Device = dev.(*software.Device)
	env.ComputeQueue = dev.Queue(env.ComputeFamily, 0)
	if opts.SharedFamily {
		env.TransferQueue = dev.Queue(0, 1)
	} else {
		env.TransferQueue = dev.Queue(1, 0)
	}
	t.Cleanup(func() {
		if env.Pipeline != nil {
			env.Pipeline.Destroy()
		}
		if env.Buffers != nil {
			env.Buffers.Destroy()
		}
		dev.Destroy()
		in.Destroy()
	})

	env.Plan = Plan(opts)
	env.Buffers, err = buffers.New(dev, env.Plan, buffers.WithTimestamps(opts.Timestamps))
	if err != nil {
		t.Fatalf("buffers: %v", err)
	}

	dir := t.TempDir()
	cfg := pipeline.Config{
		ShaderDir:      dir,
		Tier:           "1.3",
		IterationWidth: 128,
		WorkgroupSize:  env.Plan.WorkgroupSize,
	}
	WriteShader(t, cfg.ShaderPath())
	env.Pipeline, err = pipeline.Build(dev, env.Buffers.Layout, cfg)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	return env
}

// WriteShader writes a minimal SPIR-V module to path. The software backend
// dispatches by entry point name, so any valid header works.
func WriteShader(t testing.TB, path string) {
	t.Helper()
	words := []uint32{0x07230203, 0x00010300, 0, 16, 0}
	data := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[i*4:], w)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}
