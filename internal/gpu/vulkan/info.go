package vulkan

import (
	"fmt"
	"unsafe"

	"github.com/go-webgpu/goffi/ffi"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/vulkan/vk"

	"github.com/gogpu/collatz/internal/gpu"
)

// Fallbacks for limits only reported through extension structures.
const (
	defaultMaxAllocationSize = 1 << 30
)

// describe gathers everything the selector needs about one device.
func (in *Instance) describe(index int, pd vk.PhysicalDevice) gpu.DeviceInfo {
	var props vk.PhysicalDeviceProperties
	in.cmds.GetPhysicalDeviceProperties(pd, &props)
	api := gpu.Version(props.ApiVersion)

	info := gpu.DeviceInfo{
		Index: index,
		Adapter: gputypes.AdapterInfo{
			Name:       goString(props.DeviceName[:]),
			Vendor:     vendorName(props.VendorID),
			VendorID:   props.VendorID,
			DeviceID:   props.DeviceID,
			DeviceType: deviceType(props.DeviceType),
			Driver:     "Vulkan",
			DriverInfo: fmt.Sprintf("Vulkan %s, driver 0x%08X", api, props.DriverVersion),
			Backend:    gputypes.BackendVulkan,
		},
		APIVersion: api,
		Extensions: in.deviceExtensions(pd),
		Limits:     limits(&props.Limits),
	}

	if api >= version11 {
		in.extendedLimits(pd, &info)
	}
	if info.Limits.MaxMemoryAllocationSize == 0 {
		info.Limits.MaxMemoryAllocationSize = defaultMaxAllocationSize
	}
	if info.Limits.MaxBufferSize == 0 {
		info.Limits.MaxBufferSize = info.Limits.MaxMemoryAllocationSize
	}

	fs := newFeatureSet(api, info.HasExtension)
	in.cmds.GetPhysicalDeviceFeatures2(pd, fs.link(api))
	info.Features = fs.features()

	info.QueueFamilies = in.queueFamilies(pd)
	info.MemoryTypes, info.MemoryHeaps = in.memory(pd, info.HasExtension(extMemoryBudget))
	return info
}

func limits(l *vk.PhysicalDeviceLimits) gpu.Limits {
	return gpu.Limits{
		MaxStorageBufferRange:           l.MaxStorageBufferRange,
		MaxMemoryAllocationCount:        l.MaxMemoryAllocationCount,
		MaxComputeWorkGroupCount:        l.MaxComputeWorkGroupCount,
		MaxComputeWorkGroupInvocations:  l.MaxComputeWorkGroupInvocations,
		MaxComputeWorkGroupSize:         l.MaxComputeWorkGroupSize,
		MinStorageBufferOffsetAlignment: uint64(l.MinStorageBufferOffsetAlignment),
		NonCoherentAtomSize:             uint64(l.NonCoherentAtomSize),
		TimestampPeriod:                 l.TimestampPeriod,
	}
}

// extendedLimits reads maxMemoryAllocationSize (maintenance3, core 1.1) and
// maxBufferSize (maintenance4, core 1.3).
func (in *Instance) extendedLimits(pd vk.PhysicalDevice, info *gpu.DeviceInfo) {
	maint3 := vk.PhysicalDeviceMaintenance3Properties{SType: vk.StructureTypePhysicalDeviceMaintenance3Properties}
	maint4 := vk.PhysicalDeviceMaintenance4Properties{SType: stypePhysicalDeviceMaintenance4Props}
	var next unsafe.Pointer
	if info.APIVersion >= version13 || info.HasExtension(extMaintenance4) {
		next = unsafe.Pointer(&maint4)
	}
	props2 := vk.PhysicalDeviceProperties2{
		SType: vk.StructureTypePhysicalDeviceProperties2,
		PNext: chain(unsafe.Pointer(&maint3), next),
	}
	in.cmds.GetPhysicalDeviceProperties2(pd, &props2)
	info.Limits.MaxMemoryAllocationSize = uint64(maint3.MaxMemoryAllocationSize)
	info.Limits.MaxBufferSize = uint64(maint4.MaxBufferSize)
}

func (in *Instance) deviceExtensions(pd vk.PhysicalDevice) []string {
	var count uint32
	if in.cmds.EnumerateDeviceExtensionProperties(pd, 0, &count, nil) < 0 || count == 0 {
		return nil
	}
	props := make([]vk.ExtensionProperties, count)
	if in.cmds.EnumerateDeviceExtensionProperties(pd, 0, &count, &props[0]) < 0 {
		return nil
	}
	names := make([]string, 0, count)
	for i := range props[:count] {
		names = append(names, goString(props[i].ExtensionName[:]))
	}
	return names
}

func (in *Instance) queueFamilies(pd vk.PhysicalDevice) []gpu.QueueFamily {
	var count uint32
	in.cmds.GetPhysicalDeviceQueueFamilyProperties(pd, &count, nil)
	if count == 0 {
		return nil
	}
	props := make([]vk.QueueFamilyProperties, count)
	in.cmds.GetPhysicalDeviceQueueFamilyProperties(pd, &count, &props[0])
	families := make([]gpu.QueueFamily, count)
	for i, p := range props[:count] {
		families[i] = gpu.QueueFamily{
			Flags:              gpu.QueueFlags(p.QueueFlags) & (gpu.QueueGraphics | gpu.QueueCompute | gpu.QueueTransfer),
			Count:              p.QueueCount,
			TimestampValidBits: p.TimestampValidBits,
		}
	}
	return families
}

// memory reads memory types and heaps. With VK_EXT_memory_budget the heap
// budget comes from vkGetPhysicalDeviceMemoryProperties2, which the binding
// does not load, so it is resolved and called here directly.
func (in *Instance) memory(pd vk.PhysicalDevice, budget bool) ([]gpu.MemoryType, []gpu.MemoryHeap) {
	var props vk.PhysicalDeviceMemoryProperties
	var budgets vk.PhysicalDeviceMemoryBudgetPropertiesEXT
	haveBudget := false
	if budget {
		if proc := vk.GetInstanceProcAddr(in.handle, "vkGetPhysicalDeviceMemoryProperties2"); proc != nil {
			budgets.SType = stypePhysicalDeviceMemoryBudget
			props2 := vk.PhysicalDeviceMemoryProperties2{
				SType: stypePhysicalDeviceMemoryProperties2,
				PNext: (*uintptr)(unsafe.Pointer(&budgets)),
			}
			p := &props2
			args := [2]unsafe.Pointer{unsafe.Pointer(&pd), unsafe.Pointer(&p)}
			if err := ffi.CallFunction(&vk.SigVoidHandlePtr, proc, nil, args[:]); err == nil {
				props = props2.MemoryProperties
				haveBudget = true
			} else {
				in.log.Debug("vulkan: memory budget query failed", "err", err)
			}
		}
	}
	if !haveBudget {
		in.cmds.GetPhysicalDeviceMemoryProperties(pd, &props)
	}

	types := make([]gpu.MemoryType, props.MemoryTypeCount)
	for i := range types {
		t := props.MemoryTypes[i]
		types[i] = gpu.MemoryType{Flags: gpu.MemoryFlags(t.PropertyFlags), Heap: t.HeapIndex}
	}
	heaps := make([]gpu.MemoryHeap, props.MemoryHeapCount)
	for i := range heaps {
		h := props.MemoryHeaps[i]
		heaps[i] = gpu.MemoryHeap{
			Size:        uint64(h.Size),
			Budget:      heapBudget(uint64(h.Size), uint64(budgets.HeapBudget[i]), haveBudget),
			DeviceLocal: h.Flags&vk.MemoryHeapFlags(vk.MemoryHeapDeviceLocalBit) != 0,
		}
	}
	return types, heaps
}

// heapBudget picks the driver budget when it is known and plausible.
func heapBudget(size, reported uint64, known bool) uint64 {
	if !known || reported == 0 || reported > size {
		return size
	}
	return reported
}
