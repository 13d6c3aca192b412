// Package layout plans buffer counts, buffer sizes and batch sizes from
// device limits and a memory budget.
//
// Memory is organized as buffer pairs: a device-local buffer the kernel
// reads and writes, and a host-visible mirror of the same size. Each buffer
// is carved into inout slots. A buffer with k slots of n lanes holds k input
// regions of n*16 bytes followed by k output regions of n*2 bytes:
//
//	| in 0 | in 1 | ... | in k-1 | out 0 | out 1 | ... | out k-1 |
//
// Every region offset is a multiple of the plan alignment.
package layout

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/gogpu/collatz/internal/gpu"
)

// Element sizes in bytes.
const (
	InputElementSize  = 16 // one 128-bit start value
	OutputElementSize = 2  // one 16-bit step count
	laneBytes         = InputElementSize + OutputElementSize
)

// MinWorkgroupSize is the smallest acceptable workgroup size.
const MinWorkgroupSize = 128

// Planning errors.
var (
	ErrWorkgroupTooSmall = errors.New("layout: device workgroup limit below 128 invocations")
	ErrBudgetTooSmall    = errors.New("layout: memory budget too small for one batch")
	ErrAllocationCount   = errors.New("layout: allocation count limit leaves no room for buffers")
	ErrFraction          = errors.New("layout: memory fraction must be in (0,1]")
	ErrStorageRange      = errors.New("layout: storage buffer range too small for one workgroup")
)

// Input is everything the planner needs.
type Input struct {
	Limits gpu.Limits

	DeviceMemoryType uint32
	HostMemoryType   uint32
	DeviceHeap       uint32
	HostHeap         uint32
	// DeviceBudget and HostBudget are the byte budgets of the two heaps.
	DeviceBudget uint64
	HostBudget   uint64
	HostCoherent bool

	// Fraction of each heap budget the plan may use.
	Fraction float64
	// ReservedAllocations are allocations made outside the buffer pairs.
	ReservedAllocations uint32
}

// Plan is the computed memory layout. It is immutable after Compute.
type Plan struct {
	WorkgroupSize  uint32
	WorkgroupCount uint32
	// ValuesPerInout is the lane count of one dispatch.
	ValuesPerInout  uint64
	InoutsPerBuffer uint32
	BuffersPerHeap  uint32
	BufferBytes     uint64
	// Alignment is the required alignment of every region offset.
	Alignment           uint64
	NonCoherentAtomSize uint64

	DeviceMemoryType uint32
	HostMemoryType   uint32
	DeviceHeap       uint32
	HostHeap         uint32
	HostCoherent     bool

	// BudgetBytes is the byte budget of each heap after the fraction.
	BudgetBytes uint64
	SharedHeap  bool
}

// Inouts returns the number of inout slots across all buffers.
func (p *Plan) Inouts() int { return int(p.InoutsPerBuffer) * int(p.BuffersPerHeap) }

// InputBytes returns the size of one input region.
func (p *Plan) InputBytes() uint64 { return p.ValuesPerInout * InputElementSize }

// OutputBytes returns the size of one output region.
func (p *Plan) OutputBytes() uint64 { return p.ValuesPerInout * OutputElementSize }

// InputOffset returns the byte offset of input region j within its buffer.
func (p *Plan) InputOffset(j uint32) uint64 { return uint64(j) * p.InputBytes() }

// OutputOffset returns the byte offset of output region j within its buffer.
func (p *Plan) OutputOffset(j uint32) uint64 {
	return uint64(p.InoutsPerBuffer)*p.InputBytes() + uint64(j)*p.OutputBytes()
}

// ValuesPerRound returns how far the cursor moves per dispatch. Only odd
// values are tested, so n lanes cover 2n integers.
func (p *Plan) ValuesPerRound() uint64 { return 2 * p.ValuesPerInout }

// HeapBytes returns the bytes planned in one heap.
func (p *Plan) HeapBytes() uint64 { return uint64(p.BuffersPerHeap) * p.BufferBytes }

// String summarizes the plan for logs.
func (p *Plan) String() string {
	return fmt.Sprintf("wg=%dx%d lanes=%d inouts=%dx%d buffer=%d bytes heap=%d/%d bytes",
		p.WorkgroupSize, p.WorkgroupCount, p.ValuesPerInout,
		p.BuffersPerHeap, p.InoutsPerBuffer, p.BufferBytes, p.HeapBytes(), p.BudgetBytes)
}

// Compute plans the layout. It is a pure function of in.
func Compute(in Input) (Plan, error) {
	if !(in.Fraction > 0 && in.Fraction <= 1) {
		return Plan{}, fmt.Errorf("%w: %v", ErrFraction, in.Fraction)
	}
	lim := in.Limits

	wg := floorPow2(min(lim.MaxComputeWorkGroupSize[0], lim.MaxComputeWorkGroupInvocations))
	if wg < MinWorkgroupSize {
		return Plan{}, fmt.Errorf("%w: %d", ErrWorkgroupTooSmall, wg)
	}
	maxGroups := uint64(lim.MaxStorageBufferRange) / (uint64(wg) * InputElementSize)
	maxGroups = min(maxGroups, uint64(lim.MaxComputeWorkGroupCount[0]))
	if maxGroups == 0 {
		return Plan{}, ErrStorageRange
	}
	maxLanes := uint64(wg) * maxGroups

	align := max(lim.MinStorageBufferOffsetAlignment, lim.NonCoherentAtomSize, InputElementSize)
	align = ceilPow2(align)
	// Output regions are lanes*2 bytes, so lanes must also step by align/2.
	laneStep := max(uint64(wg), align/OutputElementSize)

	shared := in.DeviceHeap == in.HostHeap
	deviceBytes := scale(in.DeviceBudget, in.Fraction)
	hostBytes := scale(in.HostBudget, in.Fraction)
	if shared {
		deviceBytes /= 2
		hostBytes = deviceBytes
	}
	heapBytes := min(deviceBytes, hostBytes)

	maxBuffer := uint64(1<<63 - 1)
	if lim.MaxMemoryAllocationSize != 0 {
		maxBuffer = lim.MaxMemoryAllocationSize
	}
	if lim.MaxBufferSize != 0 {
		maxBuffer = min(maxBuffer, lim.MaxBufferSize)
	}
	maxBuffer = alignDown(maxBuffer, align)
	if maxBuffer == 0 || heapBytes < align {
		return Plan{}, fmt.Errorf("%w: %d bytes per heap", ErrBudgetTooSmall, heapBytes)
	}

	// Enough buffers to cover the heap, then the allocation count limit.
	buffers := ceilDiv(heapBytes, maxBuffer)
	if lim.MaxMemoryAllocationCount != 0 {
		if lim.MaxMemoryAllocationCount <= in.ReservedAllocations+1 {
			return Plan{}, ErrAllocationCount
		}
		buffers = min(buffers, uint64(lim.MaxMemoryAllocationCount-in.ReservedAllocations)/2)
		if buffers == 0 {
			return Plan{}, ErrAllocationCount
		}
	}
	// Spread the heap evenly across the buffers.
	perBuffer := min(alignDown(heapBytes/buffers, align), maxBuffer)
	if perBuffer < laneStep*laneBytes {
		return Plan{}, fmt.Errorf("%w: %d bytes per buffer, need %d", ErrBudgetTooSmall, perBuffer, laneStep*laneBytes)
	}

	// Enough inouts to fill a buffer at full batch size, then shrink the
	// batch so they divide the buffer evenly.
	inouts := ceilDiv(perBuffer, maxLanes*laneBytes)
	lanes := alignDown(perBuffer/(inouts*laneBytes), laneStep)
	if lanes == 0 {
		return Plan{}, fmt.Errorf("%w: %d bytes per buffer, need %d", ErrBudgetTooSmall, perBuffer, laneStep*laneBytes)
	}

	return Plan{
		WorkgroupSize:       wg,
		WorkgroupCount:      uint32(lanes / uint64(wg)), //nolint:gosec // G115: bounded by MaxComputeWorkGroupCount
		ValuesPerInout:      lanes,
		InoutsPerBuffer:     uint32(inouts), //nolint:gosec // G115: bounded by buffer size / 18
		BuffersPerHeap:      uint32(buffers), //nolint:gosec // G115: bounded by MaxMemoryAllocationCount
		BufferBytes:         inouts * lanes * laneBytes,
		Alignment:           align,
		NonCoherentAtomSize: max(lim.NonCoherentAtomSize, 1),
		DeviceMemoryType:    in.DeviceMemoryType,
		HostMemoryType:      in.HostMemoryType,
		DeviceHeap:          in.DeviceHeap,
		HostHeap:            in.HostHeap,
		HostCoherent:        in.HostCoherent,
		BudgetBytes:         heapBytes,
		SharedHeap:          shared,
	}, nil
}

func scale(budget uint64, f float64) uint64 {
	if f >= 1 {
		return budget
	}
	return uint64(float64(budget) * f)
}

func floorPow2(v uint32) uint32 {
	if v == 0 {
		return 0
	}
	return 1 << (31 - bits.LeadingZeros32(v))
}

func ceilPow2(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << (64 - bits.LeadingZeros64(v-1))
}

func alignDown(v, a uint64) uint64 { return v - v%a }

// AlignUp rounds v up to a multiple of a.
func AlignUp(v, a uint64) uint64 {
	if r := v % a; r != 0 {
		return v + a - r
	}
	return v
}

func ceilDiv(a, b uint64) uint64 { return (a + b - 1) / b }
