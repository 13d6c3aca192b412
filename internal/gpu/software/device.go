package software

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/collatz/internal/gpu"
)

type memory struct {
	data      []byte
	typeIndex uint32
	heap      uint32
	mapped    bool
	priority  float32
}

type buffer struct {
	size   uint64
	usage  gpu.BufferUsage
	mem    *memory
	offset uint64
}

func (b *buffer) bytes() []byte { return b.mem.data[b.offset : b.offset+b.size] }

type binding struct {
	buf    *buffer
	offset uint64
	rng    uint64
}

type setLayout struct{ bindings []uint32 }

type descriptorPool struct {
	maxSets, storage   uint32
	usedSets, usedDesc uint32
	sets               []gpu.DescriptorSet
}

type descriptorSet struct {
	layout   *setLayout
	bindings map[uint32]binding
}

type shaderModule struct{ code []uint32 }

type pipelineLayout struct{ sets []*setLayout }

type pipeline struct {
	entry         string
	width         int
	workgroupSize uint32
	layout        *pipelineLayout
}

type queryPool struct{ values []uint64 }

type commandPool struct {
	family  uint32
	buffers []gpu.CommandBuffer
}

type commandBuffer struct {
	pool      *commandPool
	cmds      []command
	recording bool
	usage     gpu.CommandBufferUsage
}

// Device is the software gpu.Device.
type Device struct {
	info  gpu.DeviceInfo
	req   gpu.DeviceRequest
	opts  *options
	start time.Time
	units *computeUnits

	mu        sync.Mutex
	next      uintptr
	calls     map[string]int
	heapUsed  []uint64
	allocs    uint32
	memories  map[gpu.Memory]*memory
	buffers   map[gpu.Buffer]*buffer
	sems      map[gpu.Semaphore]*semaphore
	setLayts  map[gpu.DescriptorSetLayout]*setLayout
	descPools map[gpu.DescriptorPool]*descriptorPool
	sets      map[gpu.DescriptorSet]*descriptorSet
	shaders   map[gpu.ShaderModule]*shaderModule
	caches    map[gpu.PipelineCache]*pipelineCache
	pipeLayts map[gpu.PipelineLayout]*pipelineLayout
	pipelines map[gpu.Pipeline]*pipeline
	cmdPools  map[gpu.CommandPool]*commandPool
	cmdBufs   map[gpu.CommandBuffer]*commandBuffer
	queryPls  map[gpu.QueryPool]*queryPool
	queues    map[gpu.Queue]*queue
	queueKeys map[[2]uint32]gpu.Queue

	cacheHits atomic.Int64
	lost      chan struct{}
	lostOnce  sync.Once
	lostErr   atomic.Pointer[gpu.Error]
	destroyed atomic.Bool
}

var _ gpu.Device = (*Device)(nil)

func newDevice(info gpu.DeviceInfo, req gpu.DeviceRequest, opts *options) *Device {
	d := &Device{
		info:      info,
		req:       req,
		opts:      opts,
		start:     time.Now(),
		units:     newComputeUnits(opts.units),
		calls:     make(map[string]int),
		heapUsed:  make([]uint64, len(info.MemoryHeaps)),
		memories:  make(map[gpu.Memory]*memory),
		buffers:   make(map[gpu.Buffer]*buffer),
		sems:      make(map[gpu.Semaphore]*semaphore),
		setLayts:  make(map[gpu.DescriptorSetLayout]*setLayout),
		descPools: make(map[gpu.DescriptorPool]*descriptorPool),
		sets:      make(map[gpu.DescriptorSet]*descriptorSet),
		shaders:   make(map[gpu.ShaderModule]*shaderModule),
		caches:    make(map[gpu.PipelineCache]*pipelineCache),
		pipeLayts: make(map[gpu.PipelineLayout]*pipelineLayout),
		pipelines: make(map[gpu.Pipeline]*pipeline),
		cmdPools:  make(map[gpu.CommandPool]*commandPool),
		cmdBufs:   make(map[gpu.CommandBuffer]*commandBuffer),
		queryPls:  make(map[gpu.QueryPool]*queryPool),
		queues:    make(map[gpu.Queue]*queue),
		queueKeys: make(map[[2]uint32]gpu.Queue),
		lost:      make(chan struct{}),
	}
	for _, r := range req.Queues {
		for i := uint32(0); i < r.Count; i++ {
			id := gpu.Queue(d.handle())
			q := newQueue(d, id, r.Family)
			d.queues[id] = q
			d.queueKeys[[2]uint32{r.Family, i}] = id
		}
	}
	return d
}

// handle returns a fresh non-zero handle. Callers hold d.mu or run before
// the device is shared.
func (d *Device) handle() uintptr {
	d.next++
	return d.next
}

// fault counts a call to op and returns the injected error for it, if any.
func (d *Device) fault(op string) error {
	d.mu.Lock()
	d.calls[op]++
	n := d.calls[op]
	d.mu.Unlock()
	for _, f := range d.opts.faults {
		if f.op == op && f.nth == n {
			if f.result == gpu.ErrorDeviceLost {
				d.markLost(op)
			}
			return &gpu.Error{Op: op, Result: f.result}
		}
	}
	return nil
}

func (d *Device) markLost(op string) {
	d.lostOnce.Do(func() {
		d.lostErr.Store(&gpu.Error{Op: op, Result: gpu.ErrorDeviceLost})
		close(d.lost)
		d.opts.log.Error("software: device lost", "op", op)
	})
}

func (d *Device) lostError() error {
	if e := d.lostErr.Load(); e != nil {
		return e
	}
	return nil
}

// Calls returns how many times op was called.
func (d *Device) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// LiveObjects returns the number of objects not yet destroyed, queues
// excluded.
func (d *Device) LiveObjects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.memories) + len(d.buffers) + len(d.sems) + len(d.setLayts) +
		len(d.descPools) + len(d.shaders) + len(d.caches) + len(d.pipeLayts) +
		len(d.pipelines) + len(d.cmdPools) + len(d.queryPls)
}

// CacheHits returns how many pipelines were found in a pipeline cache.
func (d *Device) CacheHits() int64 { return d.cacheHits.Load() }

// Info returns the device description.
func (d *Device) Info() gpu.DeviceInfo { return d.info }

// Queue returns the queue created for family and index, or 0.
func (d *Device) Queue(family, index uint32) gpu.Queue {
	return d.queueKeys[[2]uint32{family, index}]
}

// CreateBuffer creates a buffer. Requirements are aligned to the storage
// offset alignment.
func (d *Device) CreateBuffer(desc gpu.BufferDesc) (gpu.Buffer, gpu.MemoryRequirements, error) {
	if err := d.fault("vkCreateBuffer"); err != nil {
		return 0, gpu.MemoryRequirements{}, err
	}
	if desc.Size == 0 || (d.info.Limits.MaxBufferSize != 0 && desc.Size > d.info.Limits.MaxBufferSize) {
		return 0, gpu.MemoryRequirements{}, &gpu.Error{Op: "vkCreateBuffer", Result: gpu.ErrorOutOfDeviceMemory}
	}
	align := max(d.info.Limits.MinStorageBufferOffsetAlignment, 16)
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpu.Buffer(d.handle())
	d.buffers[id] = &buffer{size: desc.Size, usage: desc.Usage}
	req := gpu.MemoryRequirements{
		Size:           alignUp(desc.Size, align),
		Alignment:      align,
		MemoryTypeBits: 1<<len(d.info.MemoryTypes) - 1,
	}
	return id, req, nil
}

// DestroyBuffer destroys a buffer.
func (d *Device) DestroyBuffer(b gpu.Buffer) {
	d.mu.Lock()
	delete(d.buffers, b)
	d.mu.Unlock()
}

// AllocateMemory allocates zeroed memory, enforcing heap sizes and the
// allocation count limit.
func (d *Device) AllocateMemory(desc gpu.MemoryDesc) (gpu.Memory, error) {
	if err := d.fault("vkAllocateMemory"); err != nil {
		return 0, err
	}
	if int(desc.TypeIndex) >= len(d.info.MemoryTypes) {
		return 0, &gpu.Error{Op: "vkAllocateMemory", Result: gpu.ErrorInitializationFailed}
	}
	heap := d.info.MemoryTypes[desc.TypeIndex].Heap
	d.mu.Lock()
	defer d.mu.Unlock()
	if lim := d.info.Limits.MaxMemoryAllocationCount; lim != 0 && d.allocs >= lim {
		return 0, &gpu.Error{Op: "vkAllocateMemory", Result: gpu.ErrorTooManyObjects}
	}
	if d.heapUsed[heap]+desc.Size > d.info.MemoryHeaps[heap].Size {
		return 0, &gpu.Error{Op: "vkAllocateMemory", Result: gpu.ErrorOutOfDeviceMemory}
	}
	if desc.Dedicated != 0 {
		if _, ok := d.buffers[desc.Dedicated]; !ok {
			return 0, &gpu.Error{Op: "vkAllocateMemory", Result: gpu.ErrorInitializationFailed}
		}
	}
	id := gpu.Memory(d.handle())
	d.memories[id] = &memory{
		data:      make([]byte, desc.Size),
		typeIndex: desc.TypeIndex,
		heap:      heap,
		priority:  desc.Priority,
	}
	d.heapUsed[heap] += desc.Size
	d.allocs++
	return id, nil
}

// FreeMemory frees an allocation.
func (d *Device) FreeMemory(m gpu.Memory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem, ok := d.memories[m]
	if !ok {
		return
	}
	d.heapUsed[mem.heap] -= uint64(len(mem.data))
	d.allocs--
	delete(d.memories, m)
}

// BindBufferMemory binds b to m at offset.
func (d *Device) BindBufferMemory(b gpu.Buffer, m gpu.Memory, offset uint64) error {
	if err := d.fault("vkBindBufferMemory"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, okb := d.buffers[b]
	mem, okm := d.memories[m]
	if !okb || !okm || buf.mem != nil || offset+buf.size > uint64(len(mem.data)) {
		return &gpu.Error{Op: "vkBindBufferMemory", Result: gpu.ErrorInitializationFailed}
	}
	buf.mem, buf.offset = mem, offset
	return nil
}

// MapMemory maps a host-visible allocation.
func (d *Device) MapMemory(m gpu.Memory) ([]byte, error) {
	if err := d.fault("vkMapMemory"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	mem, ok := d.memories[m]
	if !ok || mem.mapped || !d.info.MemoryTypes[mem.typeIndex].Flags.Has(gpu.MemoryHostVisible) {
		return nil, &gpu.Error{Op: "vkMapMemory", Result: gpu.ErrorMemoryMapFailed}
	}
	mem.mapped = true
	return mem.data, nil
}

// UnmapMemory unmaps an allocation.
func (d *Device) UnmapMemory(m gpu.Memory) {
	d.mu.Lock()
	if mem, ok := d.memories[m]; ok {
		mem.mapped = false
	}
	d.mu.Unlock()
}

// FlushMemory validates ranges; host writes are always visible here.
func (d *Device) FlushMemory(ranges []gpu.MappedRange) error {
	return d.checkRanges("vkFlushMappedMemoryRanges", ranges)
}

// InvalidateMemory validates ranges; device writes are always visible here.
func (d *Device) InvalidateMemory(ranges []gpu.MappedRange) error {
	return d.checkRanges("vkInvalidateMappedMemoryRanges", ranges)
}

func (d *Device) checkRanges(op string, ranges []gpu.MappedRange) error {
	if err := d.fault(op); err != nil {
		return err
	}
	atom := max(d.info.Limits.NonCoherentAtomSize, 1)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range ranges {
		mem, ok := d.memories[r.Memory]
		if !ok || !mem.mapped || r.Offset%atom != 0 {
			return &gpu.Error{Op: op, Result: gpu.ErrorMemoryMapFailed}
		}
		end := uint64(len(mem.data))
		if r.Size != gpu.WholeSize && (r.Offset+r.Size > end || (r.Size%atom != 0 && r.Offset+r.Size != end)) {
			return &gpu.Error{Op: op, Result: gpu.ErrorMemoryMapFailed}
		}
	}
	return nil
}

// CreateTimelineSemaphore creates a timeline semaphore.
func (d *Device) CreateTimelineSemaphore(initial uint64) (gpu.Semaphore, error) {
	if err := d.fault("vkCreateSemaphore"); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpu.Semaphore(d.handle())
	d.sems[id] = newSemaphore(id, initial)
	return id, nil
}

// DestroySemaphore destroys a semaphore.
func (d *Device) DestroySemaphore(s gpu.Semaphore) {
	d.mu.Lock()
	delete(d.sems, s)
	d.mu.Unlock()
}

func (d *Device) semaphore(s gpu.Semaphore) (*semaphore, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.sems[s]
	return sem, ok
}

// SemaphoreValue returns the counter of s.
func (d *Device) SemaphoreValue(s gpu.Semaphore) (uint64, error) {
	sem, ok := d.semaphore(s)
	if !ok {
		return 0, &gpu.Error{Op: "vkGetSemaphoreCounterValue", Result: gpu.ErrorInitializationFailed}
	}
	if err := d.lostError(); err != nil {
		return 0, err
	}
	return sem.load(), nil
}

// WaitSemaphore blocks until s reaches value.
func (d *Device) WaitSemaphore(s gpu.Semaphore, value uint64, timeout time.Duration) error {
	if err := d.fault("vkWaitSemaphores"); err != nil {
		return err
	}
	sem, ok := d.semaphore(s)
	if !ok {
		return &gpu.Error{Op: "vkWaitSemaphores", Result: gpu.ErrorInitializationFailed}
	}
	d.opts.trace.add(Event{Kind: HostWait, Semaphore: s, Value: value})
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	if err := sem.wait(value, d.lost, expire); err != nil {
		if r, _ := gpu.ResultOf(err); r == gpu.ErrorDeviceLost {
			return d.lostError()
		}
		return err
	}
	return nil
}

// SignalSemaphore signals s from the host.
func (d *Device) SignalSemaphore(s gpu.Semaphore, value uint64) error {
	if err := d.fault("vkSignalSemaphore"); err != nil {
		return err
	}
	sem, ok := d.semaphore(s)
	if !ok {
		return &gpu.Error{Op: "vkSignalSemaphore", Result: gpu.ErrorInitializationFailed}
	}
	return sem.signal(value, func() {
		d.opts.trace.add(Event{Kind: HostSignal, Semaphore: s, Value: value})
	})
}

// CreateDescriptorSetLayout creates a storage-buffer set layout.
func (d *Device) CreateDescriptorSetLayout(bindings []gpu.DescriptorBinding) (gpu.DescriptorSetLayout, error) {
	if err := d.fault("vkCreateDescriptorSetLayout"); err != nil {
		return 0, err
	}
	l := &setLayout{}
	for _, b := range bindings {
		l.bindings = append(l.bindings, b.Binding)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpu.DescriptorSetLayout(d.handle())
	d.setLayts[id] = l
	return id, nil
}

// DestroyDescriptorSetLayout destroys a set layout.
func (d *Device) DestroyDescriptorSetLayout(l gpu.DescriptorSetLayout) {
	d.mu.Lock()
	delete(d.setLayts, l)
	d.mu.Unlock()
}

// CreateDescriptorPool creates a pool for maxSets sets.
func (d *Device) CreateDescriptorPool(maxSets, storageBuffers uint32) (gpu.DescriptorPool, error) {
	if err := d.fault("vkCreateDescriptorPool"); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpu.DescriptorPool(d.handle())
	d.descPools[id] = &descriptorPool{maxSets: maxSets, storage: storageBuffers}
	return id, nil
}

// DestroyDescriptorPool destroys a pool and every set allocated from it.
func (d *Device) DestroyDescriptorPool(p gpu.DescriptorPool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pool, ok := d.descPools[p]; ok {
		for _, s := range pool.sets {
			delete(d.sets, s)
		}
	}
	delete(d.descPools, p)
}

// AllocateDescriptorSets allocates count sets of one layout.
func (d *Device) AllocateDescriptorSets(p gpu.DescriptorPool, l gpu.DescriptorSetLayout, count int) ([]gpu.DescriptorSet, error) {
	if err := d.fault("vkAllocateDescriptorSets"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	pool, okp := d.descPools[p]
	layout, okl := d.setLayts[l]
	if !okp || !okl {
		return nil, &gpu.Error{Op: "vkAllocateDescriptorSets", Result: gpu.ErrorInitializationFailed}
	}
	n := uint32(count) //nolint:gosec // G115: count is a slot count
	if pool.usedSets+n > pool.maxSets || pool.usedDesc+n*uint32(len(layout.bindings)) > pool.storage {
		return nil, &gpu.Error{Op: "vkAllocateDescriptorSets", Result: gpu.ErrorOutOfPoolMemory}
	}
	out := make([]gpu.DescriptorSet, count)
	for i := range out {
		id := gpu.DescriptorSet(d.handle())
		d.sets[id] = &descriptorSet{layout: layout, bindings: make(map[uint32]binding)}
		pool.sets = append(pool.sets, id)
		out[i] = id
	}
	pool.usedSets += n
	pool.usedDesc += n * uint32(len(layout.bindings)) //nolint:gosec // G115: two bindings
	return out, nil
}

// UpdateDescriptorSets points bindings at buffer ranges.
func (d *Device) UpdateDescriptorSets(writes []gpu.DescriptorWrite) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range writes {
		set, oks := d.sets[w.Set]
		buf, okb := d.buffers[w.Buffer]
		if !oks || !okb {
			d.opts.log.Warn("software: descriptor write to unknown object", "set", w.Set, "buffer", w.Buffer)
			continue
		}
		set.bindings[w.Binding] = binding{buf: buf, offset: w.Offset, rng: w.Range}
	}
}

// CreateShaderModule accepts any SPIR-V module with a valid header.
func (d *Device) CreateShaderModule(code []uint32) (gpu.ShaderModule, error) {
	if err := d.fault("vkCreateShaderModule"); err != nil {
		return 0, err
	}
	if len(code) < 5 || code[0] != spirvMagic {
		return 0, &gpu.Error{Op: "vkCreateShaderModule", Result: gpu.ErrorInvalidShader}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpu.ShaderModule(d.handle())
	d.shaders[id] = &shaderModule{code: append([]uint32(nil), code...)}
	return id, nil
}

// DestroyShaderModule destroys a shader module.
func (d *Device) DestroyShaderModule(m gpu.ShaderModule) {
	d.mu.Lock()
	delete(d.shaders, m)
	d.mu.Unlock()
}

// CreatePipelineLayout creates a layout from set layouts.
func (d *Device) CreatePipelineLayout(setLayouts []gpu.DescriptorSetLayout) (gpu.PipelineLayout, error) {
	if err := d.fault("vkCreatePipelineLayout"); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	pl := &pipelineLayout{}
	for _, l := range setLayouts {
		sl, ok := d.setLayts[l]
		if !ok {
			return 0, &gpu.Error{Op: "vkCreatePipelineLayout", Result: gpu.ErrorInitializationFailed}
		}
		pl.sets = append(pl.sets, sl)
	}
	id := gpu.PipelineLayout(d.handle())
	d.pipeLayts[id] = pl
	return id, nil
}

// DestroyPipelineLayout destroys a pipeline layout.
func (d *Device) DestroyPipelineLayout(l gpu.PipelineLayout) {
	d.mu.Lock()
	delete(d.pipeLayts, l)
	d.mu.Unlock()
}

// CreateComputePipeline creates a pipeline running the CPU kernel named by
// the entry point. Specialization constant 0 is the workgroup size.
func (d *Device) CreateComputePipeline(desc gpu.ComputePipelineDesc) (gpu.Pipeline, error) {
	if err := d.fault("vkCreateComputePipelines"); err != nil {
		return 0, err
	}
	width := kernelWidth(desc.EntryPoint)
	d.mu.Lock()
	defer d.mu.Unlock()
	sm, oks := d.shaders[desc.Module]
	layout, okl := d.pipeLayts[desc.Layout]
	if !oks || !okl || width == 0 {
		return 0, &gpu.Error{Op: "vkCreateComputePipelines", Result: gpu.ErrorInvalidShader}
	}
	p := &pipeline{entry: desc.EntryPoint, width: width, workgroupSize: 128, layout: layout}
	for _, sc := range desc.Specialization {
		if sc.ID == 0 && sc.Value > 0 {
			p.workgroupSize = sc.Value
		}
	}
	if c, ok := d.caches[desc.Cache]; ok {
		key := pipelineKey(sm.code, desc.EntryPoint, p.workgroupSize)
		if c.lookup(key) {
			d.cacheHits.Add(1)
		} else {
			c.insert(key)
		}
	}
	id := gpu.Pipeline(d.handle())
	d.pipelines[id] = p
	return id, nil
}

// DestroyPipeline destroys a pipeline.
func (d *Device) DestroyPipeline(p gpu.Pipeline) {
	d.mu.Lock()
	delete(d.pipelines, p)
	d.mu.Unlock()
}

// CreatePipelineCache creates a cache, silently ignoring initial data that
// was not produced by this device.
func (d *Device) CreatePipelineCache(initial []byte) (gpu.PipelineCache, error) {
	if err := d.fault("vkCreatePipelineCache"); err != nil {
		return 0, err
	}
	c := newPipelineCache(d.cacheUUID())
	if len(initial) > 0 && !c.load(initial) {
		d.opts.log.Debug("software: ignoring incompatible pipeline cache", "bytes", len(initial))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpu.PipelineCache(d.handle())
	d.caches[id] = c
	return id, nil
}

// PipelineCacheData serializes a cache.
func (d *Device) PipelineCacheData(pc gpu.PipelineCache) ([]byte, error) {
	if err := d.fault("vkGetPipelineCacheData"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.caches[pc]
	if !ok {
		return nil, &gpu.Error{Op: "vkGetPipelineCacheData", Result: gpu.ErrorInitializationFailed}
	}
	return c.serialize(), nil
}

// DestroyPipelineCache destroys a cache.
func (d *Device) DestroyPipelineCache(pc gpu.PipelineCache) {
	d.mu.Lock()
	delete(d.caches, pc)
	d.mu.Unlock()
}

func (d *Device) cacheUUID() [16]byte {
	sum := sha256.Sum256([]byte(d.info.Adapter.Name + "/" + d.info.APIVersion.String()))
	var id [16]byte
	copy(id[:], sum[:16])
	return id
}

// CreateCommandPool creates a command pool for a queue family.
func (d *Device) CreateCommandPool(family uint32) (gpu.CommandPool, error) {
	if err := d.fault("vkCreateCommandPool"); err != nil {
		return 0, err
	}
	if int(family) >= len(d.info.QueueFamilies) {
		return 0, &gpu.Error{Op: "vkCreateCommandPool", Result: gpu.ErrorInitializationFailed}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpu.CommandPool(d.handle())
	d.cmdPools[id] = &commandPool{family: family}
	return id, nil
}

// DestroyCommandPool destroys a pool and its command buffers.
func (d *Device) DestroyCommandPool(p gpu.CommandPool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pool, ok := d.cmdPools[p]; ok {
		for _, cb := range pool.buffers {
			delete(d.cmdBufs, cb)
		}
	}
	delete(d.cmdPools, p)
}

// AllocateCommandBuffers allocates primary command buffers.
func (d *Device) AllocateCommandBuffers(p gpu.CommandPool, count int) ([]gpu.CommandBuffer, error) {
	if err := d.fault("vkAllocateCommandBuffers"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	pool, ok := d.cmdPools[p]
	if !ok {
		return nil, &gpu.Error{Op: "vkAllocateCommandBuffers", Result: gpu.ErrorInitializationFailed}
	}
	out := make([]gpu.CommandBuffer, count)
	for i := range out {
		id := gpu.CommandBuffer(d.handle())
		d.cmdBufs[id] = &commandBuffer{pool: pool}
		pool.buffers = append(pool.buffers, id)
		out[i] = id
	}
	return out, nil
}

// Begin starts recording.
func (d *Device) Begin(cb gpu.CommandBuffer, usage gpu.CommandBufferUsage) (gpu.Encoder, error) {
	if err := d.fault("vkBeginCommandBuffer"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.cmdBufs[cb]
	if !ok || c.recording {
		return nil, &gpu.Error{Op: "vkBeginCommandBuffer", Result: gpu.ErrorInitializationFailed}
	}
	c.cmds = c.cmds[:0]
	c.recording = true
	c.usage = usage
	return &encoder{dev: d, cb: c}, nil
}

// CreateTimestampQueryPool creates a timestamp query pool.
func (d *Device) CreateTimestampQueryPool(count uint32) (gpu.QueryPool, error) {
	if err := d.fault("vkCreateQueryPool"); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpu.QueryPool(d.handle())
	d.queryPls[id] = &queryPool{values: make([]uint64, count)}
	return id, nil
}

// DestroyQueryPool destroys a query pool.
func (d *Device) DestroyQueryPool(p gpu.QueryPool) {
	d.mu.Lock()
	delete(d.queryPls, p)
	d.mu.Unlock()
}

// Submit queues batches on q.
func (d *Device) Submit(q gpu.Queue, submits []gpu.Submit) error {
	if err := d.lostError(); err != nil {
		return err
	}
	if err := d.fault("vkQueueSubmit"); err != nil {
		return err
	}
	d.mu.Lock()
	queue, ok := d.queues[q]
	if !ok {
		d.mu.Unlock()
		return &gpu.Error{Op: "vkQueueSubmit", Result: gpu.ErrorInitializationFailed}
	}
	batches := make([]batch, 0, len(submits))
	for _, s := range submits {
		var b batch
		for _, w := range s.Waits {
			sem, ok := d.sems[w.Semaphore]
			if !ok {
				d.mu.Unlock()
				return &gpu.Error{Op: "vkQueueSubmit", Result: gpu.ErrorInitializationFailed}
			}
			b.waits = append(b.waits, semValue{sem: sem, value: w.Value})
		}
		for _, id := range s.CommandBuffers {
			cb, ok := d.cmdBufs[id]
			if !ok || cb.recording || cb.pool.family != queue.family {
				d.mu.Unlock()
				return &gpu.Error{Op: "vkQueueSubmit", Result: gpu.ErrorInitializationFailed}
			}
			b.cmds = append(b.cmds, cb.cmds...)
		}
		for _, sg := range s.Signals {
			sem, ok := d.sems[sg.Semaphore]
			if !ok {
				d.mu.Unlock()
				return &gpu.Error{Op: "vkQueueSubmit", Result: gpu.ErrorInitializationFailed}
			}
			b.signals = append(b.signals, semValue{sem: sem, value: sg.Value})
		}
		batches = append(batches, b)
	}
	d.mu.Unlock()
	queue.push(batches)
	return nil
}

// WaitIdle waits for every queue to drain.
func (d *Device) WaitIdle() error {
	if err := d.fault("vkDeviceWaitIdle"); err != nil {
		return err
	}
	for _, q := range d.queues {
		q.waitIdle()
	}
	return d.lostError()
}

// Destroy stops the queues and releases the device.
func (d *Device) Destroy() {
	if !d.destroyed.CompareAndSwap(false, true) {
		return
	}
	if n := d.LiveObjects(); n != 0 {
		d.opts.log.Warn("software: device destroyed with live objects", "count", n)
	}
	// Unblock queues stuck on semaphores that will never be signaled.
	d.lostOnce.Do(func() {
		d.lostErr.Store(&gpu.Error{Op: "vkDestroyDevice", Result: gpu.ErrorDeviceLost})
		close(d.lost)
	})
	for _, q := range d.queues {
		q.close()
	}
	d.units.close()
}

// ReadBuffer copies the contents of a bound buffer. It is meant for tests
// that inspect device-local memory.
func (d *Device) ReadBuffer(b gpu.Buffer) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[b]
	if !ok || buf.mem == nil {
		return nil, fmt.Errorf("software: buffer %d not bound", b)
	}
	return bytes.Clone(buf.bytes()), nil
}

func (d *Device) timestamp() uint64 {
	return uint64(time.Since(d.start).Nanoseconds()) //nolint:gosec // G115: monotonic, positive
}

func alignUp(v, a uint64) uint64 {
	if r := v % a; r != 0 {
		return v + a - r
	}
	return v
}

func pipelineKey(code []uint32, entry string, wg uint32) [32]byte {
	h := sha256.New()
	buf := make([]byte, 4)
	for _, w := range code {
		binary.LittleEndian.PutUint32(buf, w)
		h.Write(buf)
	}
	h.Write([]byte(entry))
	binary.LittleEndian.PutUint32(buf, wg)
	h.Write(buf)
	var k [32]byte
	copy(k[:], h.Sum(nil))
	return k
}
