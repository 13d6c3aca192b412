package software

import (
	"encoding/binary"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/gogpu/collatz/internal/gpu"
)

func referenceSteps(n *big.Int, limit int) int {
	one := big.NewInt(1)
	three := big.NewInt(3)
	x := new(big.Int).Set(n)
	steps := 0
	for x.Cmp(one) != 0 {
		if steps == limit {
			return limit
		}
		if x.Bit(0) == 0 {
			x.Rsh(x, 1)
		} else {
			x.Mul(x, three).Add(x, one)
		}
		steps++
	}
	return steps
}

func TestStepsMatchesReference(t *testing.T) {
	for v := int64(1); v < 5000; v++ {
		want := referenceSteps(big.NewInt(v), 0xFFFF)
		if got := Steps(uint64(v), 0, 128); int(got) != want {
			t.Fatalf("Steps(%d, 128) = %d, want %d", v, got, want)
		}
		if got := Steps(uint64(v), 0, 256); int(got) != want {
			t.Fatalf("Steps(%d, 256) = %d, want %d", v, got, want)
		}
	}
}

func TestStepsSpecialValues(t *testing.T) {
	tests := []struct {
		name   string
		lo, hi uint64
		width  int
		want   uint16
	}{
		{"zero", 0, 0, 128, 0},
		{"one", 1, 0, 128, 0},
		{"27", 27, 0, 128, 111},
		{"top bit odd overflows 128", 1, 1 << 63, 128, 0},
		{"top bit odd fits 256", 1, 1 << 63, 256, uint16(referenceSteps(new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1)), 0xFFFF))},
		{"power of two", 0, 1, 128, 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Steps(tt.lo, tt.hi, tt.width); got != tt.want {
				t.Errorf("Steps(%#x, %#x, %d) = %d, want %d", tt.lo, tt.hi, tt.width, got, tt.want)
			}
		})
	}
}

func TestComputeUnitsRunsEveryChunk(t *testing.T) {
	u := newComputeUnits(3)
	hits := make([]int, 100)
	chunks := make([]func(), len(hits))
	for i := range chunks {
		chunks[i] = func() { hits[i]++ }
	}
	u.run(chunks)
	u.close()
	u.run(chunks)
	for i, h := range hits {
		if h != 2 {
			t.Fatalf("chunk %d ran %d times, want 2", i, h)
		}
	}
}

func openDefault(t *testing.T, opts ...Option) *Device {
	t.Helper()
	in := New(opts...)
	dev, err := in.Open(gpu.DeviceRequest{
		Queues: []gpu.QueueRequest{{Family: 0, Count: 1}, {Family: 1, Count: 1}},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		dev.Destroy()
		in.Destroy()
	})
	return dev.(*Device)
}

func TestOpenRejectsMissingFeature(t *testing.T) {
	info := DefaultDeviceInfo()
	info.Features.ShaderInt64 = false
	in := New(WithDevices(info))
	_, err := in.Open(gpu.DeviceRequest{Features: gpu.Features{ShaderInt64: true}})
	if r, _ := gpu.ResultOf(err); r != gpu.ErrorFeatureNotPresent {
		t.Fatalf("Open error = %v, want feature not present", err)
	}
}

func TestSemaphoreWaitAndSignal(t *testing.T) {
	tr := &Trace{}
	d := openDefault(t, WithTrace(tr))
	s, err := d.CreateTimelineSemaphore(0)
	if err != nil {
		t.Fatal(err)
	}
	defer d.DestroySemaphore(s)

	if err := d.WaitSemaphore(s, 1, 10*time.Millisecond); !errors.Is(err, gpu.ErrTimeout) {
		t.Fatalf("wait on unsignaled semaphore = %v, want timeout", err)
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = d.SignalSemaphore(s, 3)
	}()
	if err := d.WaitSemaphore(s, 2, gpu.Infinite); err != nil {
		t.Fatalf("WaitSemaphore: %v", err)
	}
	if v, _ := d.SemaphoreValue(s); v != 3 {
		t.Errorf("value = %d, want 3", v)
	}
	if err := d.SignalSemaphore(s, 3); err == nil {
		t.Error("signaling the current value succeeded")
	}
	if got := tr.Values(s, HostSignal); len(got) != 1 || got[0] != 3 {
		t.Errorf("host signals = %v, want [3]", got)
	}
}

func TestFaultInjection(t *testing.T) {
	d := openDefault(t, WithFault("vkAllocateMemory", 2, gpu.ErrorOutOfDeviceMemory))
	m1, err := d.AllocateMemory(gpu.MemoryDesc{Size: 64, Priority: -1})
	if err != nil {
		t.Fatalf("first allocation: %v", err)
	}
	defer d.FreeMemory(m1)
	_, err = d.AllocateMemory(gpu.MemoryDesc{Size: 64, Priority: -1})
	if !errors.Is(err, gpu.ErrOutOfMemory) {
		t.Fatalf("second allocation = %v, want out of memory", err)
	}
	if n := d.Calls("vkAllocateMemory"); n != 2 {
		t.Errorf("Calls = %d, want 2", n)
	}
}

func TestHeapExhaustion(t *testing.T) {
	d := openDefault(t)
	heap := d.Info().MemoryHeaps[0].Size
	m, err := d.AllocateMemory(gpu.MemoryDesc{Size: heap, Priority: -1})
	if err != nil {
		t.Fatal(err)
	}
	defer d.FreeMemory(m)
	if _, err := d.AllocateMemory(gpu.MemoryDesc{Size: 1, Priority: -1}); !errors.Is(err, gpu.ErrOutOfMemory) {
		t.Fatalf("allocation past heap = %v, want out of memory", err)
	}
}

func TestMapDeviceLocalFails(t *testing.T) {
	d := openDefault(t)
	m, err := d.AllocateMemory(gpu.MemoryDesc{Size: 64, TypeIndex: 0, Priority: -1})
	if err != nil {
		t.Fatal(err)
	}
	defer d.FreeMemory(m)
	if _, err := d.MapMemory(m); err == nil {
		t.Fatal("mapped device-local memory")
	}
}

func TestPipelineCacheRoundTrip(t *testing.T) {
	d := openDefault(t)
	module, err := d.CreateShaderModule([]uint32{spirvMagic, 0x00010300, 0, 1, 0})
	if err != nil {
		t.Fatal(err)
	}
	defer d.DestroyShaderModule(module)
	sl, _ := d.CreateDescriptorSetLayout([]gpu.DescriptorBinding{{Binding: 0}, {Binding: 1}})
	defer d.DestroyDescriptorSetLayout(sl)
	pl, _ := d.CreatePipelineLayout([]gpu.DescriptorSetLayout{sl})
	defer d.DestroyPipelineLayout(pl)

	build := func(initial []byte) []byte {
		t.Helper()
		c, err := d.CreatePipelineCache(initial)
		if err != nil {
			t.Fatal(err)
		}
		defer d.DestroyPipelineCache(c)
		p, err := d.CreateComputePipeline(gpu.ComputePipelineDesc{
			Layout: pl, Module: module, EntryPoint: EntryMain128, Cache: c,
		})
		if err != nil {
			t.Fatal(err)
		}
		d.DestroyPipeline(p)
		data, err := d.PipelineCacheData(c)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	blob := build(nil)
	if d.CacheHits() != 0 {
		t.Fatalf("hits after cold build = %d", d.CacheHits())
	}
	build(blob)
	if d.CacheHits() != 1 {
		t.Fatalf("hits after warm build = %d, want 1", d.CacheHits())
	}
	corrupt := append([]byte(nil), blob...)
	corrupt[20] ^= 0xFF
	build(corrupt)
	if d.CacheHits() != 1 {
		t.Fatalf("corrupt cache produced a hit")
	}
}

func TestUnknownEntryPoint(t *testing.T) {
	d := openDefault(t)
	module, _ := d.CreateShaderModule([]uint32{spirvMagic, 0, 0, 1, 0})
	defer d.DestroyShaderModule(module)
	pl, _ := d.CreatePipelineLayout(nil)
	defer d.DestroyPipelineLayout(pl)
	_, err := d.CreateComputePipeline(gpu.ComputePipelineDesc{Layout: pl, Module: module, EntryPoint: "main"})
	if r, _ := gpu.ResultOf(err); r != gpu.ErrorInvalidShader {
		t.Fatalf("error = %v, want invalid shader", err)
	}
}

// TestDispatch runs one copy-in, dispatch, copy-out round trip through both
// queues and checks the step counts.
func TestDispatch(t *testing.T) {
	tr := &Trace{}
	d := openDefault(t, WithTrace(tr), WithComputeUnits(2))
	const wg, groups = 4, 3
	const lanes = wg * groups

	newBuf := func(size uint64, typeIndex uint32) (gpu.Buffer, gpu.Memory) {
		t.Helper()
		b, req, err := d.CreateBuffer(gpu.BufferDesc{Size: size})
		if err != nil {
			t.Fatal(err)
		}
		m, err := d.AllocateMemory(gpu.MemoryDesc{Size: req.Size, TypeIndex: typeIndex, Priority: -1})
		if err != nil {
			t.Fatal(err)
		}
		if err := d.BindBufferMemory(b, m, 0); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() {
			d.DestroyBuffer(b)
			d.FreeMemory(m)
		})
		return b, m
	}
	devIn, _ := newBuf(lanes*16, 0)
	devOut, _ := newBuf(lanes*2, 0)
	host, hostMem := newBuf(lanes*18, 1)
	mapped, err := d.MapMemory(hostMem)
	if err != nil {
		t.Fatal(err)
	}
	for i := range lanes {
		binary.LittleEndian.PutUint64(mapped[i*16:], uint64(2*i+1))
	}

	sl, _ := d.CreateDescriptorSetLayout([]gpu.DescriptorBinding{{Binding: 0}, {Binding: 1}})
	pool, _ := d.CreateDescriptorPool(1, 2)
	sets, err := d.AllocateDescriptorSets(pool, sl, 1)
	if err != nil {
		t.Fatal(err)
	}
	d.UpdateDescriptorSets([]gpu.DescriptorWrite{
		{Set: sets[0], Binding: 0, Buffer: devIn, Range: gpu.WholeSize},
		{Set: sets[0], Binding: 1, Buffer: devOut, Range: gpu.WholeSize},
	})
	pl, _ := d.CreatePipelineLayout([]gpu.DescriptorSetLayout{sl})
	module, _ := d.CreateShaderModule([]uint32{spirvMagic, 0, 0, 1, 0})
	pipe, err := d.CreateComputePipeline(gpu.ComputePipelineDesc{
		Layout: pl, Module: module, EntryPoint: EntryMain128,
		Specialization: []gpu.SpecConstant{{ID: 0, Value: wg}},
	})
	if err != nil {
		t.Fatal(err)
	}
	sem, _ := d.CreateTimelineSemaphore(0)
	cpool, _ := d.CreateCommandPool(0)
	tpool, _ := d.CreateCommandPool(1)
	t.Cleanup(func() {
		d.DestroyCommandPool(cpool)
		d.DestroyCommandPool(tpool)
		d.DestroySemaphore(sem)
		d.DestroyPipeline(pipe)
		d.DestroyShaderModule(module)
		d.DestroyPipelineLayout(pl)
		d.DestroyDescriptorPool(pool)
		d.DestroyDescriptorSetLayout(sl)
	})
	ccb, _ := d.AllocateCommandBuffers(cpool, 1)
	tcb, _ := d.AllocateCommandBuffers(tpool, 2)

	record := func(cb gpu.CommandBuffer, fn func(gpu.Encoder)) {
		t.Helper()
		enc, err := d.Begin(cb, gpu.UsageSimultaneousUse)
		if err != nil {
			t.Fatal(err)
		}
		fn(enc)
		if err := enc.End(); err != nil {
			t.Fatal(err)
		}
	}
	record(tcb[0], func(e gpu.Encoder) {
		e.CopyBuffer(host, devIn, []gpu.BufferCopy{{Size: lanes * 16}})
	})
	record(ccb[0], func(e gpu.Encoder) {
		e.BindComputePipeline(pipe)
		e.BindDescriptorSets(pl, 0, sets)
		e.Dispatch(groups, 1, 1)
	})
	record(tcb[1], func(e gpu.Encoder) {
		e.CopyBuffer(devOut, host, []gpu.BufferCopy{{DstOffset: lanes * 16, Size: lanes * 2}})
	})

	tq, cq := d.Queue(1, 0), d.Queue(0, 0)
	steps := []struct {
		q    gpu.Queue
		cb   gpu.CommandBuffer
		wait uint64
	}{{cq, ccb[0], 1}, {tq, tcb[0], 0}, {tq, tcb[1], 2}}
	// The dispatch is queued before the upload it waits for, so the compute
	// queue must honor the semaphore. Each queue still gets its own
	// submissions in order.
	for _, s := range steps {
		err := d.Submit(s.q, []gpu.Submit{{
			Waits:          []gpu.SemaphoreValue{{Semaphore: sem, Value: s.wait, Stage: gpu.StageAllCommands}},
			CommandBuffers: []gpu.CommandBuffer{s.cb},
			Signals:        []gpu.SemaphoreValue{{Semaphore: sem, Value: s.wait + 1}},
		}})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := d.WaitSemaphore(sem, 3, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := d.WaitIdle(); err != nil {
		t.Fatal(err)
	}
	for i := range lanes {
		got := binary.LittleEndian.Uint16(mapped[lanes*16+i*2:])
		want := referenceSteps(big.NewInt(int64(2*i+1)), 0xFFFF)
		if int(got) != want {
			t.Errorf("lane %d (value %d) = %d, want %d", i, 2*i+1, got, want)
		}
	}
	if got := tr.Values(sem, DeviceSignal); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("device signals = %v, want [1 2 3]", got)
	}
	if got := d.Commands(ccb[0]); len(got) != 3 || got[2].Kind != CmdDispatch || got[2].Groups[0] != groups {
		t.Errorf("recorded commands = %+v", got)
	}
	d.UnmapMemory(hostMem)
}
