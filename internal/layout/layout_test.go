package layout

import (
	"errors"
	"testing"

	"github.com/gogpu/collatz/internal/gpu"
)

func desktopLimits() gpu.Limits {
	return gpu.Limits{
		MaxStorageBufferRange:           1<<32 - 1,
		MaxMemoryAllocationCount:        4096,
		MaxMemoryAllocationSize:         4 << 30,
		MaxBufferSize:                   4 << 30,
		MaxComputeWorkGroupCount:        [3]uint32{65535, 65535, 65535},
		MaxComputeWorkGroupInvocations:  1024,
		MaxComputeWorkGroupSize:         [3]uint32{1024, 1024, 64},
		MinStorageBufferOffsetAlignment: 16,
		NonCoherentAtomSize:             64,
	}
}

func input(lim gpu.Limits, budget uint64, f float64) Input {
	return Input{
		Limits:       lim,
		DeviceHeap:   0,
		HostHeap:     1,
		DeviceBudget: budget,
		HostBudget:   budget,
		Fraction:     f,
	}
}

func checkInvariants(t *testing.T, in Input, p Plan) {
	t.Helper()
	if p.ValuesPerInout == 0 || p.ValuesPerInout%uint64(p.WorkgroupSize) != 0 {
		t.Errorf("lanes %d not a positive multiple of workgroup %d", p.ValuesPerInout, p.WorkgroupSize)
	}
	if p.WorkgroupSize < MinWorkgroupSize || p.WorkgroupSize&(p.WorkgroupSize-1) != 0 {
		t.Errorf("workgroup size %d not a power of two >= 128", p.WorkgroupSize)
	}
	if uint64(p.WorkgroupCount)*uint64(p.WorkgroupSize) != p.ValuesPerInout {
		t.Errorf("workgroup count %d x %d != lanes %d", p.WorkgroupCount, p.WorkgroupSize, p.ValuesPerInout)
	}
	if p.WorkgroupCount > in.Limits.MaxComputeWorkGroupCount[0] {
		t.Errorf("workgroup count %d over limit", p.WorkgroupCount)
	}
	if p.InoutsPerBuffer < 1 || p.BuffersPerHeap < 1 {
		t.Errorf("empty plan: %s", p.String())
	}

	budget := func(b uint64) uint64 { return uint64(float64(b) * in.Fraction) }
	if p.SharedHeap {
		if 2*p.HeapBytes() > budget(in.DeviceBudget) {
			t.Errorf("shared heap: %d bytes over budget %d", 2*p.HeapBytes(), budget(in.DeviceBudget))
		}
	} else {
		if p.HeapBytes() > budget(in.DeviceBudget) || p.HeapBytes() > budget(in.HostBudget) {
			t.Errorf("%d bytes over budget", p.HeapBytes())
		}
	}
	if in.Limits.MaxMemoryAllocationSize != 0 && p.BufferBytes > in.Limits.MaxMemoryAllocationSize {
		t.Errorf("buffer %d over allocation limit", p.BufferBytes)
	}
	if in.Limits.MaxMemoryAllocationCount != 0 &&
		2*p.BuffersPerHeap+in.ReservedAllocations > in.Limits.MaxMemoryAllocationCount {
		t.Errorf("%d buffers exceed allocation count %d", 2*p.BuffersPerHeap, in.Limits.MaxMemoryAllocationCount)
	}
	if p.InputBytes() > uint64(in.Limits.MaxStorageBufferRange) {
		t.Errorf("input range %d over storage range", p.InputBytes())
	}
	for j := uint32(0); j < p.InoutsPerBuffer; j++ {
		if p.InputOffset(j)%p.Alignment != 0 || p.OutputOffset(j)%p.Alignment != 0 {
			t.Fatalf("region %d misaligned: in %d out %d align %d", j, p.InputOffset(j), p.OutputOffset(j), p.Alignment)
		}
		if p.InputOffset(j)%in.Limits.MinStorageBufferOffsetAlignment != 0 {
			t.Fatalf("region %d breaks storage offset alignment", j)
		}
	}
	last := p.InoutsPerBuffer - 1
	if p.OutputOffset(last)+p.OutputBytes() != p.BufferBytes {
		t.Errorf("regions end at %d, buffer is %d", p.OutputOffset(last)+p.OutputBytes(), p.BufferBytes)
	}
}

func TestComputeProperties(t *testing.T) {
	budgets := []uint64{65, 64 << 10, 1 << 20, 37 << 20, 256 << 20, 3 << 30, 24 << 30}
	fractions := []float64{0.05, 0.3, 0.5, 0.9, 1}
	limitSets := map[string]gpu.Limits{"desktop": desktopLimits()}

	small := desktopLimits()
	small.MaxMemoryAllocationCount = 16
	small.MaxMemoryAllocationSize = 256 << 20
	small.MaxBufferSize = 0
	small.MaxStorageBufferRange = 128 << 20
	limitSets["small allocs"] = small

	mobile := desktopLimits()
	mobile.MaxComputeWorkGroupInvocations = 256
	mobile.MaxComputeWorkGroupSize = [3]uint32{384, 384, 64}
	mobile.MaxComputeWorkGroupCount = [3]uint32{1024, 1024, 1024}
	mobile.MinStorageBufferOffsetAlignment = 256
	mobile.NonCoherentAtomSize = 256
	limitSets["mobile"] = mobile

	tiny := desktopLimits()
	tiny.MaxMemoryAllocationSize = 64
	tiny.MaxBufferSize = 64
	limitSets["tiny allocs"] = tiny

	for name, lim := range limitSets {
		for _, b := range budgets {
			for _, f := range fractions {
				in := input(lim, b, f)
				p, err := Compute(in)
				if errors.Is(err, ErrBudgetTooSmall) {
					continue
				}
				if err != nil {
					t.Fatalf("%s budget=%d f=%v: %v", name, b, f, err)
				}
				checkInvariants(t, in, p)

				in.HostHeap = in.DeviceHeap
				if p, err := Compute(in); err == nil {
					checkInvariants(t, in, p)
				} else if !errors.Is(err, ErrBudgetTooSmall) {
					t.Fatalf("%s shared budget=%d f=%v: %v", name, b, f, err)
				}
			}
		}
	}
}

func TestComputeBufferBelowOneBatch(t *testing.T) {
	// A heap just over one allocation splits into two buffers that each
	// align down to nothing.
	lim := desktopLimits()
	lim.MaxMemoryAllocationSize = 64
	lim.MaxBufferSize = 64
	if _, err := Compute(input(lim, 65, 1)); !errors.Is(err, ErrBudgetTooSmall) {
		t.Errorf("err = %v, want %v", err, ErrBudgetTooSmall)
	}
}

func TestWorkgroupSize(t *testing.T) {
	tests := []struct {
		name        string
		size        uint32
		invocations uint32
		want        uint32
		wantErr     error
	}{
		{"1024", 1024, 1024, 1024, nil},
		{"non power of two", 768, 1024, 512, nil},
		{"invocation bound", 1024, 384, 256, nil},
		{"exactly 128", 128, 128, 128, nil},
		{"too small", 64, 1024, 0, ErrWorkgroupTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lim := desktopLimits()
			lim.MaxComputeWorkGroupSize[0] = tt.size
			lim.MaxComputeWorkGroupInvocations = tt.invocations
			p, err := Compute(input(lim, 1<<30, 0.5))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if err == nil && p.WorkgroupSize != tt.want {
				t.Errorf("workgroup size = %d, want %d", p.WorkgroupSize, tt.want)
			}
		})
	}
}

func TestRebalanceSpreadsRemainder(t *testing.T) {
	lim := desktopLimits()
	// Full batches are 1024*65535 lanes; a 64 MiB budget fits less than one,
	// so the batch shrinks to fill a single inout.
	p, err := Compute(input(lim, 64<<20, 1))
	if err != nil {
		t.Fatal(err)
	}
	if p.InoutsPerBuffer != 1 || p.BuffersPerHeap != 1 {
		t.Fatalf("plan = %s", p.String())
	}
	waste := p.BudgetBytes - p.HeapBytes()
	if waste >= uint64(p.WorkgroupSize)*laneBytes {
		t.Errorf("left %d bytes unused, more than one workgroup of lanes", waste)
	}
}

func TestAllocationCountLimit(t *testing.T) {
	lim := desktopLimits()
	lim.MaxMemoryAllocationSize = 1 << 20
	lim.MaxMemoryAllocationCount = 10
	in := input(lim, 1<<30, 1)
	in.ReservedAllocations = 2
	p, err := Compute(in)
	if err != nil {
		t.Fatal(err)
	}
	if p.BuffersPerHeap != 4 {
		t.Errorf("buffers = %d, want 4", p.BuffersPerHeap)
	}

	lim.MaxMemoryAllocationCount = 3
	in = input(lim, 1<<30, 1)
	in.ReservedAllocations = 2
	if _, err := Compute(in); !errors.Is(err, ErrAllocationCount) {
		t.Errorf("err = %v, want ErrAllocationCount", err)
	}
}

func TestBadFraction(t *testing.T) {
	for _, f := range []float64{0, -1, 1.5} {
		if _, err := Compute(input(desktopLimits(), 1<<30, f)); !errors.Is(err, ErrFraction) {
			t.Errorf("f=%v: err = %v", f, err)
		}
	}
}

func TestTinyBudget(t *testing.T) {
	if _, err := Compute(input(desktopLimits(), 1024, 1)); !errors.Is(err, ErrBudgetTooSmall) {
		t.Errorf("err = %v, want ErrBudgetTooSmall", err)
	}
}
