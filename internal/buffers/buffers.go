// Package buffers creates the buffer pairs, descriptor sets and host views
// described by a layout plan.
//
// Each buffer pair is one device-local buffer the kernel reads and writes
// plus a host-visible mirror of the same size. Both get a dedicated
// allocation. Host memory is mapped once for the lifetime of the Set, and
// every inout slot exposes typed views into it.
package buffers

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/gogpu/collatz/internal/gpu"
	"github.com/gogpu/collatz/internal/layout"
	"github.com/gogpu/collatz/internal/lifetime"
)

// Descriptor bindings of the kernel.
const (
	BindingInput  = 0
	BindingOutput = 1
)

// Residency hints when memory priority is enabled.
const (
	devicePriority = 1.0
	noPriority     = -1
)

// QueriesPerSlot is the number of timestamp queries each slot writes: the
// start and end of its dispatch, then the start and end of its transfer.
const QueriesPerSlot = 4

// Query indices within a slot.
const (
	QueryComputeStart = iota
	QueryComputeEnd
	QueryTransferStart
	QueryTransferEnd
)

type options struct {
	log            *slog.Logger
	memoryPriority bool
	timestamps     bool
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithMemoryPriority passes residency hints with device-local allocations.
// Only valid when the device was opened with memory priority.
func WithMemoryPriority(on bool) Option { return func(o *options) { o.memoryPriority = on } }

// WithTimestamps allocates a host-visible buffer for timestamp readback.
func WithTimestamps(on bool) Option { return func(o *options) { o.timestamps = on } }

// Pair is one device-local buffer and its host-visible mirror.
type Pair struct {
	Device       gpu.Buffer
	Host         gpu.Buffer
	DeviceMemory gpu.Memory
	HostMemory   gpu.Memory
	// HostSize is the size of the host allocation.
	HostSize uint64
	mapped   []byte
}

// Slot is one inout region: an input and an output region in the same
// buffer pair.
type Slot struct {
	Index int
	Pair  int
	// Region is the slot's index within its buffer pair.
	Region uint32

	// Input holds the lanes' start values as little-endian (lo, hi) word
	// pairs. Output holds their step counts. Both alias mapped host memory.
	Input  []uint64
	Output []uint16

	InputOffset  uint64
	OutputOffset uint64
	Set          gpu.DescriptorSet
}

// Timestamps is the host-visible buffer timestamp queries are copied into.
type Timestamps struct {
	Buffer gpu.Buffer
	Memory gpu.Memory
	// Values has QueriesPerSlot ticks per slot.
	Values []uint64
}

// Slot returns the ticks of slot i.
func (t *Timestamps) Slot(i int) []uint64 {
	return t.Values[i*QueriesPerSlot : (i+1)*QueriesPerSlot]
}

// Set owns every buffer, allocation and descriptor object of a session.
type Set struct {
	dev  gpu.Device
	plan layout.Plan
	log  *slog.Logger

	Pairs      []Pair
	Slots      []Slot
	Layout     gpu.DescriptorSetLayout
	Pool       gpu.DescriptorPool
	Timestamps *Timestamps

	stack *lifetime.Stack
}

// New creates the buffers of plan. On failure everything created so far is
// released.
func New(dev gpu.Device, plan layout.Plan, opts ...Option) (_ *Set, err error) {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	log := gpu.LoggerOrNop(o.log)
	stack := lifetime.New(log)
	defer stack.UnwindOnError(&err)

	s := &Set{dev: dev, plan: plan, log: log}
	s.Pairs = make([]Pair, plan.BuffersPerHeap)
	for i := range s.Pairs {
		if err := s.createPair(stack, i, o.memoryPriority); err != nil {
			return nil, err
		}
	}
	if err := s.createDescriptors(stack); err != nil {
		return nil, err
	}
	if o.timestamps {
		if err := s.createTimestamps(stack); err != nil {
			return nil, err
		}
	}
	s.createSlots()
	if err := s.allocateSets(); err != nil {
		return nil, err
	}
	s.stack = stack.Move()
	log.Debug("buffers: created",
		"pairs", len(s.Pairs), "slots", len(s.Slots), "bytes", plan.BufferBytes)
	return s, nil
}

func (s *Set) createPair(stack *lifetime.Stack, i int, priority bool) error {
	p := &s.Pairs[i]
	var err error
	prio := float32(noPriority)
	if priority {
		prio = devicePriority
	}
	p.Device, p.DeviceMemory, _, err = s.createBuffer(stack, fmt.Sprintf("device buffer %d", i),
		gpu.BufferUsageStorage|gpu.BufferUsageTransferSrc|gpu.BufferUsageTransferDst,
		s.plan.DeviceMemoryType, prio)
	if err != nil {
		return err
	}
	p.Host, p.HostMemory, p.HostSize, err = s.createBuffer(stack, fmt.Sprintf("host buffer %d", i),
		gpu.BufferUsageTransferSrc|gpu.BufferUsageTransferDst,
		s.plan.HostMemoryType, noPriority)
	if err != nil {
		return err
	}
	p.mapped, err = s.dev.MapMemory(p.HostMemory)
	if err != nil {
		return fmt.Errorf("buffers: map host buffer %d: %w", i, err)
	}
	mem := p.HostMemory
	stack.Push(fmt.Sprintf("mapping %d", i), func() { s.dev.UnmapMemory(mem) })
	return nil
}

func (s *Set) createBuffer(stack *lifetime.Stack, label string, usage gpu.BufferUsage,
	typeIndex uint32, priority float32,
) (gpu.Buffer, gpu.Memory, uint64, error) {
	return createBuffer(s.dev, stack, label, s.plan.BufferBytes, usage, typeIndex, priority)
}

func createBuffer(dev gpu.Device, stack *lifetime.Stack, label string, size uint64,
	usage gpu.BufferUsage, typeIndex uint32, priority float32,
) (gpu.Buffer, gpu.Memory, uint64, error) {
	buf, req, err := dev.CreateBuffer(gpu.BufferDesc{Label: label, Size: size, Usage: usage})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("buffers: create %s: %w", label, err)
	}
	stack.Push(label, func() { dev.DestroyBuffer(buf) })
	if req.MemoryTypeBits&(1<<typeIndex) == 0 {
		return 0, 0, 0, fmt.Errorf("buffers: %s cannot use memory type %d: %w",
			label, typeIndex, &gpu.Error{Op: "vkAllocateMemory", Result: gpu.ErrorFeatureNotPresent})
	}
	mem, err := dev.AllocateMemory(gpu.MemoryDesc{
		Label:     label,
		Size:      req.Size,
		TypeIndex: typeIndex,
		Dedicated: buf,
		Priority:  priority,
	})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("buffers: allocate %d bytes for %s: %w", req.Size, label, err)
	}
	stack.Push(label+" memory", func() { dev.FreeMemory(mem) })
	if err := dev.BindBufferMemory(buf, mem, 0); err != nil {
		return 0, 0, 0, fmt.Errorf("buffers: bind %s: %w", label, err)
	}
	return buf, mem, req.Size, nil
}

func (s *Set) createDescriptors(stack *lifetime.Stack) error {
	var err error
	s.Layout, err = s.dev.CreateDescriptorSetLayout([]gpu.DescriptorBinding{
		{Binding: BindingInput}, {Binding: BindingOutput},
	})
	if err != nil {
		return fmt.Errorf("buffers: descriptor set layout: %w", err)
	}
	l := s.Layout
	stack.Push("descriptor set layout", func() { s.dev.DestroyDescriptorSetLayout(l) })

	n := uint32(s.plan.Inouts()) //nolint:gosec // G115: bounded by allocation count
	s.Pool, err = s.dev.CreateDescriptorPool(n, 2*n)
	if err != nil {
		return fmt.Errorf("buffers: descriptor pool: %w", err)
	}
	p := s.Pool
	stack.Push("descriptor pool", func() { s.dev.DestroyDescriptorPool(p) })
	return nil
}

func (s *Set) createTimestamps(stack *lifetime.Stack) error {
	size := uint64(s.plan.Inouts()) * QueriesPerSlot * 8
	buf, mem, _, err := createBuffer(s.dev, stack, "timestamp buffer", size,
		gpu.BufferUsageTransferDst, s.plan.HostMemoryType, noPriority)
	if err != nil {
		return err
	}
	mapped, err := s.dev.MapMemory(mem)
	if err != nil {
		return fmt.Errorf("buffers: map timestamp buffer: %w", err)
	}
	stack.Push("timestamp mapping", func() { s.dev.UnmapMemory(mem) })
	s.Timestamps = &Timestamps{
		Buffer: buf,
		Memory: mem,
		Values: unsafe.Slice((*uint64)(unsafe.Pointer(&mapped[0])), size/8),
	}
	return nil
}

// createSlots allocates descriptor sets and carves the mapped host memory
// into per slot views. Slot i lives in pair i/inoutsPerBuffer.
func (s *Set) createSlots() {
	n := s.plan.Inouts()
	s.Slots = make([]Slot, n)
	lanes := s.plan.ValuesPerInout
	for i := range s.Slots {
		region := uint32(i) % s.plan.InoutsPerBuffer //nolint:gosec // G115: slot count fits
		pair := i / int(s.plan.InoutsPerBuffer)
		in, out := s.plan.InputOffset(region), s.plan.OutputOffset(region)
		mapped := s.Pairs[pair].mapped
		s.Slots[i] = Slot{
			Index:        i,
			Pair:         pair,
			Region:       region,
			Input:        unsafe.Slice((*uint64)(unsafe.Pointer(&mapped[in])), 2*lanes),
			Output:       unsafe.Slice((*uint16)(unsafe.Pointer(&mapped[out])), lanes),
			InputOffset:  in,
			OutputOffset: out,
		}
	}
}

// allocateSets allocates and writes one descriptor set per slot. The sets
// are freed with the pool.
func (s *Set) allocateSets() error {
	sets, err := s.dev.AllocateDescriptorSets(s.Pool, s.Layout, len(s.Slots))
	if err != nil {
		return fmt.Errorf("buffers: allocate %d descriptor sets: %w", len(s.Slots), err)
	}
	writes := make([]gpu.DescriptorWrite, 0, 2*len(sets))
	for i := range s.Slots {
		sl := &s.Slots[i]
		sl.Set = sets[i]
		dev := s.Pairs[sl.Pair].Device
		writes = append(writes,
			gpu.DescriptorWrite{Set: sl.Set, Binding: BindingInput, Buffer: dev,
				Offset: sl.InputOffset, Range: s.plan.InputBytes()},
			gpu.DescriptorWrite{Set: sl.Set, Binding: BindingOutput, Buffer: dev,
				Offset: sl.OutputOffset, Range: s.plan.OutputBytes()},
		)
	}
	s.dev.UpdateDescriptorSets(writes)
	return nil
}

// FlushInput makes host writes to slot i's input visible to the device.
// It does nothing for coherent memory.
func (s *Set) FlushInput(i int) error {
	if s.plan.HostCoherent {
		return nil
	}
	sl := &s.Slots[i]
	return s.dev.FlushMemory([]gpu.MappedRange{s.atomRange(sl.Pair, sl.InputOffset, s.plan.InputBytes())})
}

// InvalidateOutput makes device writes to slot i's output visible to the
// host. It does nothing for coherent memory.
func (s *Set) InvalidateOutput(i int) error {
	if s.plan.HostCoherent {
		return nil
	}
	sl := &s.Slots[i]
	return s.dev.InvalidateMemory([]gpu.MappedRange{s.atomRange(sl.Pair, sl.OutputOffset, s.plan.OutputBytes())})
}

// InvalidateTimestamps makes copied query results visible to the host.
func (s *Set) InvalidateTimestamps() error {
	if s.Timestamps == nil || s.plan.HostCoherent {
		return nil
	}
	return s.dev.InvalidateMemory([]gpu.MappedRange{{Memory: s.Timestamps.Memory, Size: gpu.WholeSize}})
}

// atomRange widens [offset, offset+size) to non-coherent atom boundaries,
// clamped to the allocation.
func (s *Set) atomRange(pair int, offset, size uint64) gpu.MappedRange {
	atom := max(s.plan.NonCoherentAtomSize, 1)
	p := &s.Pairs[pair]
	start := offset - offset%atom
	end := min(layout.AlignUp(offset+size, atom), p.HostSize)
	return gpu.MappedRange{Memory: p.HostMemory, Offset: start, Size: end - start}
}

// Plan returns the plan the set was built from.
func (s *Set) Plan() layout.Plan { return s.plan }

// Destroy releases everything in reverse creation order. The device must
// be idle.
func (s *Set) Destroy() {
	if s.stack == nil {
		return
	}
	s.stack.Unwind()
	s.stack = nil
	s.Slots = nil
	s.Pairs = nil
	s.Timestamps = nil
}
