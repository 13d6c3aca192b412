package vulkan

import (
	"fmt"
	"math"
	"time"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/vulkan/vk"

	"github.com/gogpu/collatz/internal/gpu"
)

// Structure types the binding does not export under these names.
const (
	stypePhysicalDeviceVulkan11Features     vk.StructureType = 49
	stypePhysicalDeviceVulkan13Features     vk.StructureType = 53
	stypePhysicalDeviceMemoryProperties2    vk.StructureType = 1000059006
	stypeMemoryDedicatedAllocateInfo        vk.StructureType = 1000127001
	stypePhysicalDeviceMemoryBudget         vk.StructureType = 1000237000
	stypePhysicalDeviceMemoryPriority       vk.StructureType = 1000238000
	stypeMemoryPriorityAllocateInfo         vk.StructureType = 1000238001
	stypePhysicalDeviceSynchronization2     vk.StructureType = 1000314007
	stypePhysicalDevicePageableMemory       vk.StructureType = 1000412000
	stypePhysicalDeviceMaintenance4Features vk.StructureType = 1000413000
	stypePhysicalDeviceMaintenance4Props    vk.StructureType = 1000413001
)

// Extension names with special handling.
const (
	extSurface                   = "VK_KHR_surface"
	extSynchronization2          = "VK_KHR_synchronization2"
	extMaintenance4              = "VK_KHR_maintenance4"
	extMemoryBudget              = "VK_EXT_memory_budget"
	extMemoryPriority            = "VK_EXT_memory_priority"
	extPageableDeviceLocalMemory = "VK_EXT_pageable_device_local_memory"

	validationLayer = "VK_LAYER_KHRONOS_validation"
)

var (
	version11 = gpu.MakeVersion(1, 1, 0)
	version12 = gpu.MakeVersion(1, 2, 0)
	version13 = gpu.MakeVersion(1, 3, 0)
)

// chainable is the common header of every extensible structure.
type chainable struct {
	SType vk.StructureType
	PNext *uintptr
}

// chain links the structures in order through their pNext fields and
// returns the head for the parent's pNext. Nil entries are skipped.
func chain(structs ...unsafe.Pointer) *uintptr {
	var head, tail *chainable
	for _, s := range structs {
		if s == nil {
			continue
		}
		c := (*chainable)(s)
		c.PNext = nil
		if head == nil {
			head = c
		} else {
			tail.PNext = (*uintptr)(s)
		}
		tail = c
	}
	return (*uintptr)(unsafe.Pointer(head))
}

// cString returns a NUL-terminated copy of s.
func cString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// goString reads a fixed-size NUL-terminated array.
func goString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// cStrings converts names to C strings and returns the pointer array with
// the backing storage, which must stay alive across the call.
func cStrings(names []string) ([]uintptr, [][]byte) {
	if len(names) == 0 {
		return nil, nil
	}
	ptrs := make([]uintptr, len(names))
	store := make([][]byte, len(names))
	for i, n := range names {
		store[i] = cString(n)
		ptrs[i] = uintptr(unsafe.Pointer(&store[i][0]))
	}
	return ptrs, store
}

// ptrFromUintptr turns a driver-returned address into a pointer without
// tripping vet's unsafeptr check.
func ptrFromUintptr(p uintptr) *byte {
	return *(**byte)(unsafe.Pointer(&p))
}

func vendorName(id uint32) string {
	switch id {
	case 0x1002:
		return "AMD"
	case 0x10DE:
		return "NVIDIA"
	case 0x8086:
		return "Intel"
	case 0x13B5:
		return "ARM"
	case 0x5143:
		return "Qualcomm"
	case 0x1010:
		return "ImgTec"
	case 0x10005:
		return "Mesa"
	default:
		return fmt.Sprintf("0x%04X", id)
	}
}

func deviceType(t vk.PhysicalDeviceType) gputypes.DeviceType {
	switch t {
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return gputypes.DeviceTypeDiscreteGPU
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return gputypes.DeviceTypeIntegratedGPU
	case vk.PhysicalDeviceTypeVirtualGpu:
		return gputypes.DeviceTypeVirtualGPU
	case vk.PhysicalDeviceTypeCpu:
		return gputypes.DeviceTypeCPU
	}
	return gputypes.DeviceTypeOther
}

// timeoutNanos converts a wait timeout; zero waits forever.
func timeoutNanos(d time.Duration) uint64 {
	if d <= 0 {
		return math.MaxUint64
	}
	return uint64(d.Nanoseconds())
}

func bool32(b bool) vk.Bool32 {
	if b {
		return vk.True
	}
	return vk.False
}

// check converts a result into *gpu.Error. Positive codes are not errors.
func check(op string, r vk.Result) error {
	return gpu.Check(op, gpu.Result(r))
}

// featureSet is the feature query and enable chain for one device.
type featureSet struct {
	base     vk.PhysicalDeviceFeatures2
	v11      vk.PhysicalDeviceVulkan11Features
	v12      vk.PhysicalDeviceVulkan12Features
	v13      vk.PhysicalDeviceVulkan13Features
	sync2    vk.PhysicalDeviceSynchronization2Features
	maint4   vk.PhysicalDeviceMaintenance4Features
	priority vk.PhysicalDeviceMemoryPriorityFeaturesEXT
	pageable vk.PhysicalDevicePageableDeviceLocalMemoryFeaturesEXT

	// Which optional structures are part of the chain.
	core13, hasSync2, hasMaint4, hasPriority, hasPageable bool
}

// newFeatureSet prepares the chain for a device of the given version and
// extension list. Devices older than 1.2 get only the base structure.
func newFeatureSet(api gpu.Version, has func(string) bool) *featureSet {
	fs := &featureSet{}
	fs.base.SType = vk.StructureTypePhysicalDeviceFeatures2
	fs.v11.SType = stypePhysicalDeviceVulkan11Features
	fs.v12.SType = vk.StructureTypePhysicalDeviceVulkan12Features
	fs.v13.SType = stypePhysicalDeviceVulkan13Features
	fs.sync2.SType = stypePhysicalDeviceSynchronization2
	fs.maint4.SType = stypePhysicalDeviceMaintenance4Features
	fs.priority.SType = stypePhysicalDeviceMemoryPriority
	fs.pageable.SType = stypePhysicalDevicePageableMemory
	if api < version12 {
		return fs
	}
	fs.core13 = api >= version13
	fs.hasSync2 = !fs.core13 && has(extSynchronization2)
	fs.hasMaint4 = !fs.core13 && has(extMaintenance4)
	fs.hasPriority = has(extMemoryPriority)
	fs.hasPageable = fs.hasPriority && has(extPageableDeviceLocalMemory)
	return fs
}

// link builds the pNext chain and returns the head structure.
func (fs *featureSet) link(api gpu.Version) *vk.PhysicalDeviceFeatures2 {
	if api < version12 {
		fs.base.PNext = nil
		return &fs.base
	}
	opt := func(on bool, p unsafe.Pointer) unsafe.Pointer {
		if on {
			return p
		}
		return nil
	}
	fs.base.PNext = chain(
		unsafe.Pointer(&fs.v11),
		unsafe.Pointer(&fs.v12),
		opt(fs.core13, unsafe.Pointer(&fs.v13)),
		opt(fs.hasSync2, unsafe.Pointer(&fs.sync2)),
		opt(fs.hasMaint4, unsafe.Pointer(&fs.maint4)),
		opt(fs.hasPriority, unsafe.Pointer(&fs.priority)),
		opt(fs.hasPageable, unsafe.Pointer(&fs.pageable)),
	)
	return &fs.base
}

// features reads the queried chain.
func (fs *featureSet) features() gpu.Features {
	f := gpu.Features{
		ShaderInt16:              fs.base.Features.ShaderInt16 != 0,
		ShaderInt64:              fs.base.Features.ShaderInt64 != 0,
		StorageBuffer16BitAccess: fs.v11.StorageBuffer16BitAccess != 0,
		TimelineSemaphore:        fs.v12.TimelineSemaphore != 0,
		HostQueryReset:           fs.v12.HostQueryReset != 0,
		MemoryPriority:           fs.hasPriority && fs.priority.MemoryPriority != 0,
	}
	switch {
	case fs.core13:
		f.Synchronization2 = fs.v13.Synchronization2 != 0
		f.Maintenance4 = fs.v13.Maintenance4 != 0
	default:
		f.Synchronization2 = fs.hasSync2 && fs.sync2.Synchronization2 != 0
		f.Maintenance4 = fs.hasMaint4 && fs.maint4.Maintenance4 != 0
	}
	return f
}

// enable clears the chain and sets exactly the requested features.
func (fs *featureSet) enable(f gpu.Features, pageable bool) {
	fs.base.Features = vk.PhysicalDeviceFeatures{
		ShaderInt16: bool32(f.ShaderInt16),
		ShaderInt64: bool32(f.ShaderInt64),
	}
	fs.v11 = vk.PhysicalDeviceVulkan11Features{SType: fs.v11.SType, StorageBuffer16BitAccess: bool32(f.StorageBuffer16BitAccess)}
	fs.v12 = vk.PhysicalDeviceVulkan12Features{
		SType:             fs.v12.SType,
		TimelineSemaphore: bool32(f.TimelineSemaphore),
		HostQueryReset:    bool32(f.HostQueryReset),
	}
	fs.v13 = vk.PhysicalDeviceVulkan13Features{
		SType:            fs.v13.SType,
		Synchronization2: bool32(f.Synchronization2),
		Maintenance4:     bool32(f.Maintenance4),
	}
	fs.sync2.Synchronization2 = bool32(f.Synchronization2)
	fs.maint4.Maintenance4 = bool32(f.Maintenance4)
	fs.priority.MemoryPriority = bool32(f.MemoryPriority)
	fs.pageable.PageableDeviceLocalMemory = bool32(pageable)

	fs.hasSync2 = fs.hasSync2 && f.Synchronization2
	fs.hasMaint4 = fs.hasMaint4 && f.Maintenance4
	fs.hasPriority = fs.hasPriority && f.MemoryPriority
	fs.hasPageable = fs.hasPageable && pageable
}
