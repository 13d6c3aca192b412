package gpu

import (
	"time"

	"github.com/gogpu/gputypes"
)

// Features are the optional and mandatory device features the engine
// cares about.
type Features struct {
	StorageBuffer16BitAccess bool
	ShaderInt16              bool
	ShaderInt64              bool
	Synchronization2         bool
	TimelineSemaphore        bool
	HostQueryReset           bool
	MemoryPriority           bool
	Maintenance4             bool
}

// QueueFamily describes one queue family.
type QueueFamily struct {
	Flags              QueueFlags
	Count              uint32
	TimestampValidBits uint32
}

// MemoryType describes one memory type.
type MemoryType struct {
	Flags MemoryFlags
	Heap  uint32
}

// MemoryHeap describes one memory heap.
type MemoryHeap struct {
	Size uint64
	// Budget is the driver-reported budget when VK_EXT_memory_budget is
	// available, else Size.
	Budget      uint64
	DeviceLocal bool
}

// Limits are the device limits used by layout planning and recording.
type Limits struct {
	MaxStorageBufferRange           uint32
	MaxMemoryAllocationCount        uint32
	MaxMemoryAllocationSize         uint64
	MaxBufferSize                   uint64
	MaxComputeWorkGroupCount        [3]uint32
	MaxComputeWorkGroupInvocations  uint32
	MaxComputeWorkGroupSize         [3]uint32
	MinStorageBufferOffsetAlignment uint64
	NonCoherentAtomSize             uint64
	// TimestampPeriod is nanoseconds per timestamp tick.
	TimestampPeriod float32
}

// DeviceInfo is everything known about a physical device before it is
// opened.
type DeviceInfo struct {
	// Index is the enumeration order, used to open the device.
	Index         int
	Adapter       gputypes.AdapterInfo
	APIVersion    Version
	Features      Features
	Extensions    []string
	QueueFamilies []QueueFamily
	MemoryTypes   []MemoryType
	MemoryHeaps   []MemoryHeap
	Limits        Limits
}

// HasExtension reports whether the device advertises name.
func (d *DeviceInfo) HasExtension(name string) bool {
	for _, e := range d.Extensions {
		if e == name {
			return true
		}
	}
	return false
}

// QueueRequest asks for queues from one family.
type QueueRequest struct {
	Family uint32
	Count  uint32
}

// DeviceRequest describes how to open a device.
type DeviceRequest struct {
	Index      int
	Queues     []QueueRequest
	Features   Features
	Extensions []string
}

// Instance enumerates and opens devices.
type Instance interface {
	// Devices enumerates every physical device.
	Devices() ([]DeviceInfo, error)
	// Open creates a logical device.
	Open(req DeviceRequest) (Device, error)
	// Destroy releases the instance. Every device must be destroyed first.
	Destroy()
}

// Device is an opened logical device.
//
// Object creation and destruction must not race with each other; the
// session creates everything on one goroutine. Submit on one queue must not
// be called concurrently. Semaphore waits are safe from any goroutine.
type Device interface {
	Info() DeviceInfo
	Queue(family, index uint32) Queue

	CreateBuffer(desc BufferDesc) (Buffer, MemoryRequirements, error)
	DestroyBuffer(Buffer)
	AllocateMemory(desc MemoryDesc) (Memory, error)
	FreeMemory(Memory)
	BindBufferMemory(b Buffer, m Memory, offset uint64) error
	// MapMemory maps the whole allocation. The slice stays valid until
	// UnmapMemory or FreeMemory.
	MapMemory(Memory) ([]byte, error)
	UnmapMemory(Memory)
	FlushMemory(ranges []MappedRange) error
	InvalidateMemory(ranges []MappedRange) error

	CreateTimelineSemaphore(initial uint64) (Semaphore, error)
	DestroySemaphore(Semaphore)
	SemaphoreValue(Semaphore) (uint64, error)
	// WaitSemaphore blocks until s reaches value. A zero timeout waits
	// forever; expiry returns an error matching ErrTimeout.
	WaitSemaphore(s Semaphore, value uint64, timeout time.Duration) error
	// SignalSemaphore sets s to value from the host.
	SignalSemaphore(s Semaphore, value uint64) error

	CreateDescriptorSetLayout(bindings []DescriptorBinding) (DescriptorSetLayout, error)
	DestroyDescriptorSetLayout(DescriptorSetLayout)
	CreateDescriptorPool(maxSets, storageBuffers uint32) (DescriptorPool, error)
	DestroyDescriptorPool(DescriptorPool)
	AllocateDescriptorSets(pool DescriptorPool, layout DescriptorSetLayout, count int) ([]DescriptorSet, error)
	UpdateDescriptorSets(writes []DescriptorWrite)

	CreateShaderModule(code []uint32) (ShaderModule, error)
	DestroyShaderModule(ShaderModule)
	CreatePipelineCache(initial []byte) (PipelineCache, error)
	PipelineCacheData(PipelineCache) ([]byte, error)
	DestroyPipelineCache(PipelineCache)
	CreatePipelineLayout(setLayouts []DescriptorSetLayout) (PipelineLayout, error)
	DestroyPipelineLayout(PipelineLayout)
	CreateComputePipeline(desc ComputePipelineDesc) (Pipeline, error)
	DestroyPipeline(Pipeline)

	CreateCommandPool(family uint32) (CommandPool, error)
	DestroyCommandPool(CommandPool)
	AllocateCommandBuffers(pool CommandPool, count int) ([]CommandBuffer, error)
	// Begin starts recording into cb.
	Begin(cb CommandBuffer, usage CommandBufferUsage) (Encoder, error)

	CreateTimestampQueryPool(count uint32) (QueryPool, error)
	DestroyQueryPool(QueryPool)

	Submit(q Queue, submits []Submit) error
	WaitIdle() error
	Destroy()
}

// Encoder records commands into a command buffer.
type Encoder interface {
	CopyBuffer(src, dst Buffer, regions []BufferCopy)
	PipelineBarrier(src, dst Stage, barriers []BufferBarrier)
	BindComputePipeline(Pipeline)
	BindDescriptorSets(layout PipelineLayout, first uint32, sets []DescriptorSet)
	Dispatch(x, y, z uint32)
	ResetQueries(pool QueryPool, first, count uint32)
	WriteTimestamp(stage Stage, pool QueryPool, query uint32)
	// CopyQueryResults writes 64-bit results, waiting for availability.
	CopyQueryResults(pool QueryPool, first, count uint32, dst Buffer, offset, stride uint64)
	End() error
}
