// Package software implements gpu.Instance on the CPU.
//
// Every queue is a goroutine that executes submissions in order, waiting on
// and signaling timeline semaphores exactly as a device queue would. Memory
// is plain byte slices; a "device-local" buffer is just memory the host
// never maps. Dispatches run the Collatz kernel in Go across a pool of
// compute units, so pipelines accept any SPIR-V module and dispatch by
// entry point name.
//
// The backend can inject failures into any entry point (WithFault) and
// record semaphore traffic (WithTrace), which is how the engine's unwind
// and scheduling behavior is tested.
package software

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/collatz/internal/gpu"
)

type fault struct {
	op     string
	nth    int
	result gpu.Result
}

type options struct {
	devices []gpu.DeviceInfo
	faults  []fault
	trace   *Trace
	units   int
	log     *slog.Logger
}

// Option configures an Instance.
type Option func(*options)

// WithDevices replaces the default single device.
func WithDevices(infos ...gpu.DeviceInfo) Option {
	return func(o *options) { o.devices = infos }
}

// WithFault makes the nth call (1-based) to op, e.g. "vkAllocateMemory",
// fail with result.
func WithFault(op string, nth int, result gpu.Result) Option {
	return func(o *options) { o.faults = append(o.faults, fault{op: op, nth: nth, result: result}) }
}

// WithTrace records semaphore events into t.
func WithTrace(t *Trace) Option {
	return func(o *options) { o.trace = t }
}

// WithComputeUnits sets the number of kernel goroutines. Zero uses
// GOMAXPROCS.
func WithComputeUnits(n int) Option {
	return func(o *options) { o.units = n }
}

// WithLogger sets the logger for backend diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// DefaultDeviceInfo describes the CPU device: API 1.3 with every feature
// the engine uses, a general family plus a transfer-only family, separate
// device and host heaps.
func DefaultDeviceInfo() gpu.DeviceInfo {
	return gpu.DeviceInfo{
		Adapter: gputypes.AdapterInfo{
			Name:       "Software Collatz Device",
			Vendor:     "gogpu",
			DeviceType: gputypes.DeviceTypeCPU,
			Driver:     "software",
			Backend:    gputypes.BackendEmpty,
		},
		APIVersion: gpu.MakeVersion(1, 3, 0),
		Features: gpu.Features{
			StorageBuffer16BitAccess: true,
			ShaderInt16:              true,
			ShaderInt64:              true,
			Synchronization2:         true,
			TimelineSemaphore:        true,
			HostQueryReset:           true,
			MemoryPriority:           true,
			Maintenance4:             true,
		},
		Extensions: []string{"VK_EXT_memory_budget", "VK_EXT_memory_priority"},
		QueueFamilies: []gpu.QueueFamily{
			{Flags: gpu.QueueGraphics | gpu.QueueCompute | gpu.QueueTransfer, Count: 2, TimestampValidBits: 64},
			{Flags: gpu.QueueTransfer, Count: 1, TimestampValidBits: 64},
		},
		MemoryTypes: []gpu.MemoryType{
			{Flags: gpu.MemoryDeviceLocal, Heap: 0},
			{Flags: gpu.MemoryHostVisible | gpu.MemoryHostCoherent | gpu.MemoryHostCached, Heap: 1},
		},
		MemoryHeaps: []gpu.MemoryHeap{
			{Size: 256 << 20, Budget: 256 << 20, DeviceLocal: true},
			{Size: 256 << 20, Budget: 256 << 20},
		},
		Limits: gpu.Limits{
			MaxStorageBufferRange:           128 << 20,
			MaxMemoryAllocationCount:        4096,
			MaxMemoryAllocationSize:         1 << 30,
			MaxBufferSize:                   1 << 30,
			MaxComputeWorkGroupCount:        [3]uint32{65535, 65535, 65535},
			MaxComputeWorkGroupInvocations:  1024,
			MaxComputeWorkGroupSize:         [3]uint32{1024, 1024, 64},
			MinStorageBufferOffsetAlignment: 16,
			NonCoherentAtomSize:             64,
			TimestampPeriod:                 1,
		},
	}
}

// Instance is the software gpu.Instance.
type Instance struct {
	opts options

	mu      sync.Mutex
	devices []*Device
}

var _ gpu.Instance = (*Instance)(nil)

// New creates a software instance.
func New(opts ...Option) *Instance {
	o := options{devices: []gpu.DeviceInfo{DefaultDeviceInfo()}}
	for _, fn := range opts {
		fn(&o)
	}
	o.log = gpu.LoggerOrNop(o.log)
	return &Instance{opts: o}
}

// Devices returns the configured devices with Index set.
func (in *Instance) Devices() ([]gpu.DeviceInfo, error) {
	out := make([]gpu.DeviceInfo, len(in.opts.devices))
	for i, d := range in.opts.devices {
		d.Index = i
		out[i] = d
	}
	return out, nil
}

// Open creates a device after checking the request against the device's
// features, extensions and queue families.
func (in *Instance) Open(req gpu.DeviceRequest) (gpu.Device, error) {
	infos, _ := in.Devices()
	if req.Index < 0 || req.Index >= len(infos) {
		return nil, &gpu.Error{Op: "vkCreateDevice", Result: gpu.ErrorInitializationFailed}
	}
	info := infos[req.Index]
	if !featuresSubset(req.Features, info.Features) {
		return nil, &gpu.Error{Op: "vkCreateDevice", Result: gpu.ErrorFeatureNotPresent}
	}
	for _, ext := range req.Extensions {
		if !info.HasExtension(ext) {
			return nil, &gpu.Error{Op: "vkCreateDevice", Result: gpu.ErrorExtensionNotPresent}
		}
	}
	for _, q := range req.Queues {
		if int(q.Family) >= len(info.QueueFamilies) || q.Count == 0 || q.Count > info.QueueFamilies[q.Family].Count {
			return nil, fmt.Errorf("software: bad queue request %+v: %w", q,
				&gpu.Error{Op: "vkCreateDevice", Result: gpu.ErrorInitializationFailed})
		}
	}
	d := newDevice(info, req, &in.opts)
	if err := d.fault("vkCreateDevice"); err != nil {
		d.Destroy()
		return nil, err
	}
	in.mu.Lock()
	in.devices = append(in.devices, d)
	in.mu.Unlock()
	return d, nil
}

// Destroy releases the instance.
func (in *Instance) Destroy() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, d := range in.devices {
		if !d.destroyed.Load() {
			in.opts.log.Warn("software: instance destroyed before device")
		}
	}
	in.devices = nil
}

func featuresSubset(want, have gpu.Features) bool {
	pairs := [][2]bool{
		{want.StorageBuffer16BitAccess, have.StorageBuffer16BitAccess},
		{want.ShaderInt16, have.ShaderInt16},
		{want.ShaderInt64, have.ShaderInt64},
		{want.Synchronization2, have.Synchronization2},
		{want.TimelineSemaphore, have.TimelineSemaphore},
		{want.HostQueryReset, have.HostQueryReset},
		{want.MemoryPriority, have.MemoryPriority},
		{want.Maintenance4, have.Maintenance4},
	}
	for _, p := range pairs {
		if p[0] && !p[1] {
			return false
		}
	}
	return true
}
