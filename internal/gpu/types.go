package gpu

import (
	"fmt"
	"time"
)

// Object handles. Zero is the null handle for every type.
type (
	Queue               uintptr
	Buffer              uintptr
	Memory              uintptr
	Semaphore           uintptr
	ShaderModule        uintptr
	PipelineCache       uintptr
	PipelineLayout      uintptr
	Pipeline            uintptr
	DescriptorSetLayout uintptr
	DescriptorPool      uintptr
	DescriptorSet       uintptr
	CommandPool         uintptr
	CommandBuffer       uintptr
	QueryPool           uintptr
)

// QueueFamilyIgnored marks a barrier that does not transfer ownership.
const QueueFamilyIgnored = ^uint32(0)

// WholeSize selects the rest of a buffer or allocation.
const WholeSize = ^uint64(0)

// Infinite disables a wait timeout.
const Infinite time.Duration = 0

// QueueFlags describe what a queue family can execute.
type QueueFlags uint32

// Queue capability bits. Values match VkQueueFlagBits.
const (
	QueueGraphics QueueFlags = 1 << 0
	QueueCompute  QueueFlags = 1 << 1
	QueueTransfer QueueFlags = 1 << 2
)

// Has reports whether all bits of mask are set.
func (f QueueFlags) Has(mask QueueFlags) bool { return f&mask == mask }

func (f QueueFlags) String() string {
	s := ""
	for _, b := range []struct {
		bit  QueueFlags
		name string
	}{{QueueGraphics, "graphics"}, {QueueCompute, "compute"}, {QueueTransfer, "transfer"}} {
		if f&b.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += b.name
	}
	if s == "" {
		return "none"
	}
	return s
}

// MemoryFlags describe a memory type. Values match VkMemoryPropertyFlagBits.
type MemoryFlags uint32

// Memory property bits.
const (
	MemoryDeviceLocal  MemoryFlags = 1 << 0
	MemoryHostVisible  MemoryFlags = 1 << 1
	MemoryHostCoherent MemoryFlags = 1 << 2
	MemoryHostCached   MemoryFlags = 1 << 3
)

// Has reports whether all bits of mask are set.
func (f MemoryFlags) Has(mask MemoryFlags) bool { return f&mask == mask }

// BufferUsage flags. Values match VkBufferUsageFlagBits.
type BufferUsage uint32

// Buffer usage bits.
const (
	BufferUsageTransferSrc BufferUsage = 1 << 0
	BufferUsageTransferDst BufferUsage = 1 << 1
	BufferUsageStorage     BufferUsage = 1 << 5
)

// Stage is a pipeline stage mask used by barriers and semaphore waits.
type Stage uint32

// Pipeline stages. Values match VkPipelineStageFlagBits.
const (
	StageTopOfPipe     Stage = 1 << 0
	StageComputeShader Stage = 1 << 11
	StageTransfer      Stage = 1 << 12
	StageBottomOfPipe  Stage = 1 << 13
	StageHost          Stage = 1 << 14
	StageAllCommands   Stage = 1 << 16
)

// Access is a memory access mask used by barriers.
type Access uint32

// Memory access bits. Values match VkAccessFlagBits.
const (
	AccessShaderRead    Access = 1 << 5
	AccessShaderWrite   Access = 1 << 6
	AccessTransferRead  Access = 1 << 11
	AccessTransferWrite Access = 1 << 12
	AccessHostRead      Access = 1 << 13
	AccessHostWrite     Access = 1 << 14
)

// CommandBufferUsage flags. Values match VkCommandBufferUsageFlagBits.
type CommandBufferUsage uint32

// Command buffer usage bits.
const (
	UsageOneTimeSubmit   CommandBufferUsage = 1 << 0
	UsageSimultaneousUse CommandBufferUsage = 1 << 2
)

// Version is a packed API version.
type Version uint32

// MakeVersion packs major.minor.patch.
func MakeVersion(major, minor, patch uint32) Version {
	return Version(major<<22 | minor<<12 | patch)
}

// Major returns the major component.
func (v Version) Major() uint32 { return uint32(v) >> 22 & 0x7F }

// Minor returns the minor component.
func (v Version) Minor() uint32 { return uint32(v) >> 12 & 0x3FF }

// Patch returns the patch component.
func (v Version) Patch() uint32 { return uint32(v) & 0xFFF }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
}

// MemoryRequirements is what a buffer needs from its allocation.
type MemoryRequirements struct {
	Size           uint64
	Alignment      uint64
	MemoryTypeBits uint32
}

// BufferDesc describes a buffer.
type BufferDesc struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// MemoryDesc describes an allocation.
type MemoryDesc struct {
	Label     string
	Size      uint64
	TypeIndex uint32
	// Dedicated, if set, makes this a dedicated allocation for the buffer.
	Dedicated Buffer
	// Priority in [0,1] is passed as a residency hint when the device was
	// opened with memory priority. Negative means no hint.
	Priority float32
}

// MappedRange is a range of mapped memory to flush or invalidate.
type MappedRange struct {
	Memory Memory
	Offset uint64
	Size   uint64
}

// DescriptorBinding is one storage-buffer binding of a set layout.
type DescriptorBinding struct {
	Binding uint32
}

// DescriptorWrite points one binding of a set at a buffer range.
type DescriptorWrite struct {
	Set     DescriptorSet
	Binding uint32
	Buffer  Buffer
	Offset  uint64
	Range   uint64
}

// SpecConstant is one 32-bit specialization constant.
type SpecConstant struct {
	ID    uint32
	Value uint32
}

// ComputePipelineDesc describes a compute pipeline.
type ComputePipelineDesc struct {
	Label          string
	Layout         PipelineLayout
	Module         ShaderModule
	EntryPoint     string
	Cache          PipelineCache
	Specialization []SpecConstant
}

// BufferCopy is one region of a buffer-to-buffer copy.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// BufferBarrier is a buffer memory barrier, optionally transferring queue
// family ownership.
type BufferBarrier struct {
	Buffer    Buffer
	Offset    uint64
	Size      uint64
	SrcAccess Access
	DstAccess Access
	SrcFamily uint32
	DstFamily uint32
}

// SemaphoreValue pairs a timeline semaphore with a counter value. Stage is
// the wait stage for waits and ignored for signals.
type SemaphoreValue struct {
	Semaphore Semaphore
	Value     uint64
	Stage     Stage
}

// Submit is one batch of a queue submission.
type Submit struct {
	Waits          []SemaphoreValue
	CommandBuffers []CommandBuffer
	Signals        []SemaphoreValue
}
