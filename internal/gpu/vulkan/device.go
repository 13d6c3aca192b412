package vulkan

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/go-webgpu/goffi/ffi"
	"github.com/gogpu/wgpu/hal/vulkan/vk"

	"github.com/gogpu/collatz/internal/gpu"
)

// Device is an opened Vulkan device.
type Device struct {
	instance *Instance
	handle   vk.Device
	cmds     vk.Commands
	info     gpu.DeviceInfo
	priority bool
	log      *slog.Logger

	mu     sync.Mutex
	queues map[[2]uint32]vk.Queue
	// sizes holds every live allocation's size; mapped the ones mapped.
	sizes  map[vk.DeviceMemory]uint64
	mapped map[vk.DeviceMemory]uint64

	submitMu sync.Mutex
	submit   submitScratch
}

var _ gpu.Device = (*Device)(nil)

// destroyDevice calls vkDestroyDevice when the device table could not be
// loaded.
func destroyDevice(device vk.Device) {
	proc := vk.GetDeviceProcAddr(device, "vkDestroyDevice")
	if proc == nil {
		return
	}
	var allocator *vk.AllocationCallbacks
	args := [2]unsafe.Pointer{unsafe.Pointer(&device), unsafe.Pointer(&allocator)}
	_ = ffi.CallFunction(&vk.SigVoidHandlePtr, proc, nil, args[:])
}

// Info returns the description the device was opened from.
func (d *Device) Info() gpu.DeviceInfo { return d.info }

// Queue returns a queue created with the device.
func (d *Device) Queue(family, index uint32) gpu.Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := [2]uint32{family, index}
	q, ok := d.queues[key]
	if !ok {
		d.cmds.GetDeviceQueue(d.handle, family, index, &q)
		d.queues[key] = q
	}
	return gpu.Queue(q)
}

func (d *Device) CreateBuffer(desc gpu.BufferDesc) (gpu.Buffer, gpu.MemoryRequirements, error) {
	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       vk.BufferUsageFlags(desc.Usage),
		SharingMode: vk.SharingModeExclusive,
	}
	var b vk.Buffer
	if err := check("vkCreateBuffer", d.cmds.CreateBuffer(d.handle, &info, nil, &b)); err != nil {
		return 0, gpu.MemoryRequirements{}, fmt.Errorf("%s: %w", desc.Label, err)
	}
	var req vk.MemoryRequirements
	d.cmds.GetBufferMemoryRequirements(d.handle, b, &req)
	return gpu.Buffer(b), gpu.MemoryRequirements{
		Size:           uint64(req.Size),
		Alignment:      uint64(req.Alignment),
		MemoryTypeBits: req.MemoryTypeBits,
	}, nil
}

func (d *Device) DestroyBuffer(b gpu.Buffer) {
	if b != 0 {
		d.cmds.DestroyBuffer(d.handle, vk.Buffer(b), nil)
	}
}

// AllocateMemory allocates device memory, chaining a dedicated allocation
// and a priority hint when requested.
func (d *Device) AllocateMemory(desc gpu.MemoryDesc) (gpu.Memory, error) {
	var dedicated *vk.MemoryDedicatedAllocateInfo
	var priority *vk.MemoryPriorityAllocateInfoEXT
	if desc.Dedicated != 0 {
		dedicated = &vk.MemoryDedicatedAllocateInfo{
			SType:  stypeMemoryDedicatedAllocateInfo,
			Buffer: vk.Buffer(desc.Dedicated),
		}
	}
	if d.priority && desc.Priority >= 0 {
		priority = &vk.MemoryPriorityAllocateInfoEXT{
			SType:    stypeMemoryPriorityAllocateInfo,
			Priority: min(desc.Priority, 1),
		}
	}
	info := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		PNext:           chain(unsafe.Pointer(dedicated), unsafe.Pointer(priority)),
		AllocationSize:  vk.DeviceSize(desc.Size),
		MemoryTypeIndex: desc.TypeIndex,
	}
	var m vk.DeviceMemory
	r := d.cmds.AllocateMemory(d.handle, &info, nil, &m)
	runtime.KeepAlive(dedicated)
	runtime.KeepAlive(priority)
	if err := check("vkAllocateMemory", r); err != nil {
		return 0, fmt.Errorf("%s (%d bytes, type %d): %w", desc.Label, desc.Size, desc.TypeIndex, err)
	}
	d.mu.Lock()
	d.sizes[m] = desc.Size
	d.mu.Unlock()
	return gpu.Memory(m), nil
}

func (d *Device) FreeMemory(m gpu.Memory) {
	if m == 0 {
		return
	}
	d.mu.Lock()
	delete(d.sizes, vk.DeviceMemory(m))
	delete(d.mapped, vk.DeviceMemory(m))
	d.mu.Unlock()
	d.cmds.FreeMemory(d.handle, vk.DeviceMemory(m), nil)
}

func (d *Device) BindBufferMemory(b gpu.Buffer, m gpu.Memory, offset uint64) error {
	return check("vkBindBufferMemory", d.cmds.BindBufferMemory(d.handle, vk.Buffer(b), vk.DeviceMemory(m), vk.DeviceSize(offset)))
}

// MapMemory maps the whole allocation once.
func (d *Device) MapMemory(m gpu.Memory) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem := vk.DeviceMemory(m)
	size, ok := d.sizes[mem]
	if !ok {
		return nil, fmt.Errorf("vulkan: map of unknown allocation: %w",
			&gpu.Error{Op: "vkMapMemory", Result: gpu.ErrorMemoryMapFailed})
	}
	if _, busy := d.mapped[mem]; busy {
		return nil, fmt.Errorf("vulkan: allocation already mapped: %w",
			&gpu.Error{Op: "vkMapMemory", Result: gpu.ErrorMemoryMapFailed})
	}
	var ptr uintptr
	r := d.cmds.MapMemory(d.handle, mem, 0, vk.DeviceSize(vk.WholeSize), 0, uintptr(unsafe.Pointer(&ptr)))
	if err := check("vkMapMemory", r); err != nil {
		return nil, err
	}
	if ptr == 0 {
		return nil, &gpu.Error{Op: "vkMapMemory", Result: gpu.ErrorMemoryMapFailed}
	}
	d.mapped[mem] = size
	return unsafe.Slice(ptrFromUintptr(ptr), size), nil
}

func (d *Device) UnmapMemory(m gpu.Memory) {
	d.mu.Lock()
	_, ok := d.mapped[vk.DeviceMemory(m)]
	delete(d.mapped, vk.DeviceMemory(m))
	d.mu.Unlock()
	if ok {
		d.cmds.UnmapMemory(d.handle, vk.DeviceMemory(m))
	}
}

func mappedRanges(ranges []gpu.MappedRange) []vk.MappedMemoryRange {
	out := make([]vk.MappedMemoryRange, len(ranges))
	for i, r := range ranges {
		out[i] = vk.MappedMemoryRange{
			SType:  vk.StructureTypeMappedMemoryRange,
			Memory: vk.DeviceMemory(r.Memory),
			Offset: vk.DeviceSize(r.Offset),
			Size:   vk.DeviceSize(r.Size),
		}
	}
	return out
}

func (d *Device) FlushMemory(ranges []gpu.MappedRange) error {
	if len(ranges) == 0 {
		return nil
	}
	vr := mappedRanges(ranges)
	return check("vkFlushMappedMemoryRanges", d.cmds.FlushMappedMemoryRanges(d.handle, uint32(len(vr)), &vr[0]))
}

func (d *Device) InvalidateMemory(ranges []gpu.MappedRange) error {
	if len(ranges) == 0 {
		return nil
	}
	vr := mappedRanges(ranges)
	return check("vkInvalidateMappedMemoryRanges", d.cmds.InvalidateMappedMemoryRanges(d.handle, uint32(len(vr)), &vr[0]))
}

func (d *Device) CreateTimelineSemaphore(initial uint64) (gpu.Semaphore, error) {
	typeInfo := vk.SemaphoreTypeCreateInfo{
		SType:         vk.StructureTypeSemaphoreTypeCreateInfo,
		SemaphoreType: vk.SemaphoreTypeTimeline,
		InitialValue:  initial,
	}
	info := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
		PNext: (*uintptr)(unsafe.Pointer(&typeInfo)),
	}
	var s vk.Semaphore
	if err := check("vkCreateSemaphore", d.cmds.CreateSemaphore(d.handle, &info, nil, &s)); err != nil {
		return 0, err
	}
	return gpu.Semaphore(s), nil
}

func (d *Device) DestroySemaphore(s gpu.Semaphore) {
	if s != 0 {
		d.cmds.DestroySemaphore(d.handle, vk.Semaphore(s), nil)
	}
}

func (d *Device) SemaphoreValue(s gpu.Semaphore) (uint64, error) {
	var v uint64
	if err := check("vkGetSemaphoreCounterValue", d.cmds.GetSemaphoreCounterValue(d.handle, vk.Semaphore(s), &v)); err != nil {
		return 0, err
	}
	return v, nil
}

// WaitSemaphore blocks until s reaches value or the timeout expires.
func (d *Device) WaitSemaphore(s gpu.Semaphore, value uint64, timeout time.Duration) error {
	sem := vk.Semaphore(s)
	info := vk.SemaphoreWaitInfo{
		SType:          vk.StructureTypeSemaphoreWaitInfo,
		SemaphoreCount: 1,
		PSemaphores:    &sem,
		PValues:        &value,
	}
	r := d.cmds.WaitSemaphores(d.handle, &info, timeoutNanos(timeout))
	if r == vk.Timeout {
		return fmt.Errorf("vulkan: semaphore wait for %d after %v: %w", value, timeout,
			&gpu.Error{Op: "vkWaitSemaphores", Result: gpu.Timeout})
	}
	return check("vkWaitSemaphores", r)
}

func (d *Device) SignalSemaphore(s gpu.Semaphore, value uint64) error {
	info := vk.SemaphoreSignalInfo{
		SType:     vk.StructureTypeSemaphoreSignalInfo,
		Semaphore: vk.Semaphore(s),
		Value:     value,
	}
	return check("vkSignalSemaphore", d.cmds.SignalSemaphore(d.handle, &info))
}

// CreateDescriptorSetLayout creates a layout of compute-stage storage
// buffers.
func (d *Device) CreateDescriptorSetLayout(bindings []gpu.DescriptorBinding) (gpu.DescriptorSetLayout, error) {
	vb := make([]vk.DescriptorSetLayoutBinding, len(bindings))
	for i, b := range bindings {
		vb[i] = vk.DescriptorSetLayoutBinding{
			Binding:         b.Binding,
			DescriptorType:  vk.DescriptorTypeStorageBuffer,
			DescriptorCount: 1,
			StageFlags:      vk.ShaderStageFlags(vk.ShaderStageComputeBit),
		}
	}
	info := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(vb)),
	}
	if len(vb) > 0 {
		info.PBindings = &vb[0]
	}
	var l vk.DescriptorSetLayout
	if err := check("vkCreateDescriptorSetLayout", d.cmds.CreateDescriptorSetLayout(d.handle, &info, nil, &l)); err != nil {
		return 0, err
	}
	return gpu.DescriptorSetLayout(l), nil
}

func (d *Device) DestroyDescriptorSetLayout(l gpu.DescriptorSetLayout) {
	if l != 0 {
		d.cmds.DestroyDescriptorSetLayout(d.handle, vk.DescriptorSetLayout(l), nil)
	}
}

func (d *Device) CreateDescriptorPool(maxSets, storageBuffers uint32) (gpu.DescriptorPool, error) {
	size := vk.DescriptorPoolSize{Type: vk.DescriptorTypeStorageBuffer, DescriptorCount: storageBuffers}
	info := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       maxSets,
		PoolSizeCount: 1,
		PPoolSizes:    &size,
	}
	var p vk.DescriptorPool
	if err := check("vkCreateDescriptorPool", d.cmds.CreateDescriptorPool(d.handle, &info, nil, &p)); err != nil {
		return 0, err
	}
	return gpu.DescriptorPool(p), nil
}

func (d *Device) DestroyDescriptorPool(p gpu.DescriptorPool) {
	if p != 0 {
		d.cmds.DestroyDescriptorPool(d.handle, vk.DescriptorPool(p), nil)
	}
}

func (d *Device) AllocateDescriptorSets(p gpu.DescriptorPool, l gpu.DescriptorSetLayout, count int) ([]gpu.DescriptorSet, error) {
	if count == 0 {
		return nil, nil
	}
	layouts := make([]vk.DescriptorSetLayout, count)
	for i := range layouts {
		layouts[i] = vk.DescriptorSetLayout(l)
	}
	info := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     vk.DescriptorPool(p),
		DescriptorSetCount: uint32(count),
		PSetLayouts:        &layouts[0],
	}
	sets := make([]vk.DescriptorSet, count)
	if err := check("vkAllocateDescriptorSets", d.cmds.AllocateDescriptorSets(d.handle, &info, &sets[0])); err != nil {
		return nil, err
	}
	out := make([]gpu.DescriptorSet, count)
	for i, s := range sets {
		out[i] = gpu.DescriptorSet(s)
	}
	return out, nil
}

func (d *Device) UpdateDescriptorSets(writes []gpu.DescriptorWrite) {
	if len(writes) == 0 {
		return
	}
	infos := make([]vk.DescriptorBufferInfo, len(writes))
	vw := make([]vk.WriteDescriptorSet, len(writes))
	for i, w := range writes {
		infos[i] = vk.DescriptorBufferInfo{
			Buffer: vk.Buffer(w.Buffer),
			Offset: vk.DeviceSize(w.Offset),
			Range:  vk.DeviceSize(w.Range),
		}
		vw[i] = vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          vk.DescriptorSet(w.Set),
			DstBinding:      w.Binding,
			DescriptorCount: 1,
			DescriptorType:  vk.DescriptorTypeStorageBuffer,
			PBufferInfo:     &infos[i],
		}
	}
	d.cmds.UpdateDescriptorSets(d.handle, uint32(len(vw)), &vw[0], 0, nil)
	runtime.KeepAlive(infos)
}

func (d *Device) CreateShaderModule(code []uint32) (gpu.ShaderModule, error) {
	if len(code) == 0 {
		return 0, &gpu.Error{Op: "vkCreateShaderModule", Result: gpu.ErrorInvalidShader}
	}
	info := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uintptr(len(code) * 4),
		PCode:    &code[0],
	}
	var m vk.ShaderModule
	if err := check("vkCreateShaderModule", d.cmds.CreateShaderModule(d.handle, &info, nil, &m)); err != nil {
		return 0, err
	}
	return gpu.ShaderModule(m), nil
}

func (d *Device) DestroyShaderModule(m gpu.ShaderModule) {
	if m != 0 {
		d.cmds.DestroyShaderModule(d.handle, vk.ShaderModule(m), nil)
	}
}

// CreatePipelineCache seeds a cache with initial data. Drivers ignore data
// written by a different device or driver version.
func (d *Device) CreatePipelineCache(initial []byte) (gpu.PipelineCache, error) {
	info := vk.PipelineCacheCreateInfo{SType: vk.StructureTypePipelineCacheCreateInfo}
	if len(initial) > 0 {
		info.InitialDataSize = uintptr(len(initial))
		info.PInitialData = (*uintptr)(unsafe.Pointer(&initial[0]))
	}
	var c vk.PipelineCache
	r := d.cmds.CreatePipelineCache(d.handle, &info, nil, &c)
	runtime.KeepAlive(initial)
	if err := check("vkCreatePipelineCache", r); err != nil {
		return 0, err
	}
	return gpu.PipelineCache(c), nil
}

func (d *Device) PipelineCacheData(pc gpu.PipelineCache) ([]byte, error) {
	var size uintptr
	if err := check("vkGetPipelineCacheData", d.cmds.GetPipelineCacheData(d.handle, vk.PipelineCache(pc), &size, nil)); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	data := make([]byte, size)
	r := d.cmds.GetPipelineCacheData(d.handle, vk.PipelineCache(pc), &size, (*uintptr)(unsafe.Pointer(&data[0])))
	if err := check("vkGetPipelineCacheData", r); err != nil {
		return nil, err
	}
	return data[:size], nil
}

func (d *Device) DestroyPipelineCache(pc gpu.PipelineCache) {
	if pc != 0 {
		d.cmds.DestroyPipelineCache(d.handle, vk.PipelineCache(pc), nil)
	}
}

func (d *Device) CreatePipelineLayout(setLayouts []gpu.DescriptorSetLayout) (gpu.PipelineLayout, error) {
	vl := make([]vk.DescriptorSetLayout, len(setLayouts))
	for i, l := range setLayouts {
		vl[i] = vk.DescriptorSetLayout(l)
	}
	info := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(vl)),
	}
	if len(vl) > 0 {
		info.PSetLayouts = &vl[0]
	}
	var l vk.PipelineLayout
	if err := check("vkCreatePipelineLayout", d.cmds.CreatePipelineLayout(d.handle, &info, nil, &l)); err != nil {
		return 0, err
	}
	return gpu.PipelineLayout(l), nil
}

func (d *Device) DestroyPipelineLayout(l gpu.PipelineLayout) {
	if l != 0 {
		d.cmds.DestroyPipelineLayout(d.handle, vk.PipelineLayout(l), nil)
	}
}

// CreateComputePipeline creates one compute pipeline. Specialization
// constants are packed as consecutive 32-bit values.
func (d *Device) CreateComputePipeline(desc gpu.ComputePipelineDesc) (gpu.Pipeline, error) {
	entry := cString(desc.EntryPoint)
	var spec *vk.SpecializationInfo
	var entries []vk.SpecializationMapEntry
	var data []uint32
	if n := len(desc.Specialization); n > 0 {
		entries = make([]vk.SpecializationMapEntry, n)
		data = make([]uint32, n)
		for i, c := range desc.Specialization {
			entries[i] = vk.SpecializationMapEntry{ConstantID: c.ID, Offset: uint32(i * 4), Size: 4}
			data[i] = c.Value
		}
		spec = &vk.SpecializationInfo{
			MapEntryCount: uint32(n),
			PMapEntries:   &entries[0],
			DataSize:      uintptr(n * 4),
			PData:         (*uintptr)(unsafe.Pointer(&data[0])),
		}
	}
	info := vk.ComputePipelineCreateInfo{
		SType: vk.StructureTypeComputePipelineCreateInfo,
		Stage: vk.PipelineShaderStageCreateInfo{
			SType:               vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:               vk.ShaderStageComputeBit,
			Module:              vk.ShaderModule(desc.Module),
			PName:               uintptr(unsafe.Pointer(&entry[0])),
			PSpecializationInfo: spec,
		},
		Layout:            vk.PipelineLayout(desc.Layout),
		BasePipelineIndex: -1,
	}
	var p vk.Pipeline
	r := d.cmds.CreateComputePipelines(d.handle, vk.PipelineCache(desc.Cache), 1, &info, nil, &p)
	runtime.KeepAlive(entry)
	runtime.KeepAlive(entries)
	runtime.KeepAlive(data)
	if err := check("vkCreateComputePipelines", r); err != nil {
		return 0, fmt.Errorf("%s: %w", desc.Label, err)
	}
	return gpu.Pipeline(p), nil
}

func (d *Device) DestroyPipeline(p gpu.Pipeline) {
	if p != 0 {
		d.cmds.DestroyPipeline(d.handle, vk.Pipeline(p), nil)
	}
}

func (d *Device) CreateCommandPool(family uint32) (gpu.CommandPool, error) {
	info := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
		QueueFamilyIndex: family,
	}
	var p vk.CommandPool
	if err := check("vkCreateCommandPool", d.cmds.CreateCommandPool(d.handle, &info, nil, &p)); err != nil {
		return 0, err
	}
	return gpu.CommandPool(p), nil
}

func (d *Device) DestroyCommandPool(p gpu.CommandPool) {
	if p != 0 {
		d.cmds.DestroyCommandPool(d.handle, vk.CommandPool(p), nil)
	}
}

func (d *Device) AllocateCommandBuffers(p gpu.CommandPool, count int) ([]gpu.CommandBuffer, error) {
	if count == 0 {
		return nil, nil
	}
	info := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        vk.CommandPool(p),
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: uint32(count),
	}
	cbs := make([]vk.CommandBuffer, count)
	if err := check("vkAllocateCommandBuffers", d.cmds.AllocateCommandBuffers(d.handle, &info, &cbs[0])); err != nil {
		return nil, err
	}
	out := make([]gpu.CommandBuffer, count)
	for i, cb := range cbs {
		out[i] = gpu.CommandBuffer(cb)
	}
	return out, nil
}

// Begin starts recording into cb.
func (d *Device) Begin(cb gpu.CommandBuffer, usage gpu.CommandBufferUsage) (gpu.Encoder, error) {
	info := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(usage),
	}
	if err := check("vkBeginCommandBuffer", d.cmds.BeginCommandBuffer(vk.CommandBuffer(cb), &info)); err != nil {
		return nil, err
	}
	return &encoder{cmds: &d.cmds, cb: vk.CommandBuffer(cb)}, nil
}

func (d *Device) CreateTimestampQueryPool(count uint32) (gpu.QueryPool, error) {
	info := vk.QueryPoolCreateInfo{
		SType:      vk.StructureTypeQueryPoolCreateInfo,
		QueryType:  vk.QueryTypeTimestamp,
		QueryCount: count,
	}
	var p vk.QueryPool
	if err := check("vkCreateQueryPool", d.cmds.CreateQueryPool(d.handle, &info, nil, &p)); err != nil {
		return 0, err
	}
	return gpu.QueryPool(p), nil
}

func (d *Device) DestroyQueryPool(p gpu.QueryPool) {
	if p != 0 {
		d.cmds.DestroyQueryPool(d.handle, vk.QueryPool(p), nil)
	}
}

// submitBatch holds one VkSubmitInfo and the arrays it points into.
type submitBatch struct {
	timeline     vk.TimelineSemaphoreSubmitInfo
	waitSems     []vk.Semaphore
	waitValues   []uint64
	waitStages   []vk.PipelineStageFlags
	cbs          []vk.CommandBuffer
	signalSems   []vk.Semaphore
	signalValues []uint64
}

func (b *submitBatch) reset() {
	b.waitSems = b.waitSems[:0]
	b.waitValues = b.waitValues[:0]
	b.waitStages = b.waitStages[:0]
	b.cbs = b.cbs[:0]
	b.signalSems = b.signalSems[:0]
	b.signalValues = b.signalValues[:0]
}

func (b *submitBatch) fill(s gpu.Submit, info *vk.SubmitInfo) {
	for _, w := range s.Waits {
		b.waitSems = append(b.waitSems, vk.Semaphore(w.Semaphore))
		b.waitValues = append(b.waitValues, w.Value)
		b.waitStages = append(b.waitStages, vk.PipelineStageFlags(w.Stage))
	}
	for _, cb := range s.CommandBuffers {
		b.cbs = append(b.cbs, vk.CommandBuffer(cb))
	}
	for _, sig := range s.Signals {
		b.signalSems = append(b.signalSems, vk.Semaphore(sig.Semaphore))
		b.signalValues = append(b.signalValues, sig.Value)
	}
	b.timeline = vk.TimelineSemaphoreSubmitInfo{
		SType:                     vk.StructureTypeTimelineSemaphoreSubmitInfo,
		WaitSemaphoreValueCount:   uint32(len(b.waitValues)),
		SignalSemaphoreValueCount: uint32(len(b.signalValues)),
	}
	*info = vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		PNext:                (*uintptr)(unsafe.Pointer(&b.timeline)),
		WaitSemaphoreCount:   uint32(len(b.waitSems)),
		CommandBufferCount:   uint32(len(b.cbs)),
		SignalSemaphoreCount: uint32(len(b.signalSems)),
	}
	if len(b.waitSems) > 0 {
		b.timeline.PWaitSemaphoreValues = &b.waitValues[0]
		info.PWaitSemaphores = &b.waitSems[0]
		info.PWaitDstStageMask = &b.waitStages[0]
	}
	if len(b.cbs) > 0 {
		info.PCommandBuffers = &b.cbs[0]
	}
	if len(b.signalSems) > 0 {
		b.timeline.PSignalSemaphoreValues = &b.signalValues[0]
		info.PSignalSemaphores = &b.signalSems[0]
	}
}

// submitScratch is reused by every Submit. Its arrays only grow.
type submitScratch struct {
	batches []submitBatch
	infos   []vk.SubmitInfo
}

// prepare fills one VkSubmitInfo per submit. The result points into the
// scratch and is valid until the next call.
func (sc *submitScratch) prepare(submits []gpu.Submit) []vk.SubmitInfo {
	if n := len(submits); cap(sc.batches) < n {
		sc.batches = make([]submitBatch, n)
		sc.infos = make([]vk.SubmitInfo, n)
	}
	batches := sc.batches[:len(submits)]
	infos := sc.infos[:len(submits)]
	for i, s := range submits {
		batches[i].reset()
		batches[i].fill(s, &infos[i])
	}
	return infos
}

// Submit queues the batches in order on q.
func (d *Device) Submit(q gpu.Queue, submits []gpu.Submit) error {
	if len(submits) == 0 {
		return nil
	}
	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	infos := d.submit.prepare(submits)
	r := d.cmds.QueueSubmit(vk.Queue(q), uint32(len(infos)), &infos[0], vk.Fence(0))
	runtime.KeepAlive(d.submit.batches)
	if err := check("vkQueueSubmit", r); err != nil {
		if errors.Is(err, gpu.ErrOutOfMemory) {
			d.log.Warn("vulkan: submit out of memory", "err", err)
		}
		return err
	}
	return nil
}

func (d *Device) WaitIdle() error {
	return check("vkDeviceWaitIdle", d.cmds.DeviceWaitIdle(d.handle))
}

// Destroy waits for the device to go idle and destroys it. Every child
// object must have been destroyed.
func (d *Device) Destroy() {
	if d.handle == 0 {
		return
	}
	if err := d.WaitIdle(); err != nil {
		d.log.Warn("vulkan: wait idle before destroy", "err", err)
	}
	d.mu.Lock()
	if n := len(d.sizes); n > 0 {
		d.log.Warn("vulkan: device destroyed with live allocations", "count", n)
	}
	d.mu.Unlock()
	d.cmds.DestroyDevice(d.handle, nil)
	d.handle = 0
}
