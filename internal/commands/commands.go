// Package commands records the command buffers the scheduler submits.
//
// Every slot gets one transfer command buffer (copy next input in, copy
// previous output out) and one compute command buffer (dispatch over the
// slot's regions). They are recorded once with simultaneous use and
// resubmitted every round. A one-time prime buffer uploads the first input
// of every slot.
//
// When the transfer and compute queues belong to different families, each
// region changes ownership at every hand-off: inputs are released by the
// transfer queue and acquired by the compute queue, outputs the other way.
// Within one family the timeline semaphore waits order everything.
package commands

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/collatz/internal/buffers"
	"github.com/gogpu/collatz/internal/gpu"
	"github.com/gogpu/collatz/internal/layout"
	"github.com/gogpu/collatz/internal/lifetime"
	"github.com/gogpu/collatz/internal/pipeline"
)

// Input is what Record needs.
type Input struct {
	Plan           layout.Plan
	Buffers        *buffers.Set
	Pipeline       *pipeline.Objects
	ComputeFamily  uint32
	TransferFamily uint32
	// Timestamps records dispatch timestamps into Buffers.Timestamps.
	Timestamps bool
	Log        *slog.Logger
}

// SlotCommands are the command buffers of one slot.
type SlotCommands struct {
	Transfer gpu.CommandBuffer
	Compute  gpu.CommandBuffer
}

// Commands owns the command pools and every recorded buffer.
type Commands struct {
	TransferPool gpu.CommandPool
	ComputePool  gpu.CommandPool
	// Prime uploads every slot's first input. Submit it once.
	Prime gpu.CommandBuffer
	Slots []SlotCommands
	// Queries holds QueriesPerSlot timestamps per slot, or is 0.
	Queries gpu.QueryPool

	stack *lifetime.Stack
}

// Destroy frees the pools, which frees their command buffers. The device
// must be idle.
func (c *Commands) Destroy() {
	if c.stack == nil {
		return
	}
	c.stack.Unwind()
	c.stack = nil
}

// Record creates the pools and records every command buffer.
func Record(dev gpu.Device, in Input) (_ *Commands, err error) {
	log := gpu.LoggerOrNop(in.Log)
	stack := lifetime.New(log)
	defer stack.UnwindOnError(&err)

	if in.Timestamps && in.Buffers.Timestamps == nil {
		return nil, fmt.Errorf("commands: timestamps requested without a timestamp buffer")
	}
	c := &Commands{}
	if c.TransferPool, err = createPool(dev, stack, "transfer", in.TransferFamily); err != nil {
		return nil, err
	}
	if c.ComputePool, err = createPool(dev, stack, "compute", in.ComputeFamily); err != nil {
		return nil, err
	}
	if in.Timestamps {
		n := uint32(len(in.Buffers.Slots) * buffers.QueriesPerSlot) //nolint:gosec // G115: small
		if c.Queries, err = dev.CreateTimestampQueryPool(n); err != nil {
			return nil, fmt.Errorf("commands: timestamp query pool: %w", err)
		}
		q := c.Queries
		stack.Push("timestamp query pool", func() { dev.DestroyQueryPool(q) })
	}

	n := len(in.Buffers.Slots)
	transfer, err := dev.AllocateCommandBuffers(c.TransferPool, n+1)
	if err != nil {
		return nil, fmt.Errorf("commands: allocate transfer buffers: %w", err)
	}
	compute, err := dev.AllocateCommandBuffers(c.ComputePool, n)
	if err != nil {
		return nil, fmt.Errorf("commands: allocate compute buffers: %w", err)
	}

	r := &recorder{dev: dev, in: in, queries: c.Queries}
	c.Prime = transfer[n]
	if err := r.record(c.Prime, gpu.UsageOneTimeSubmit, r.prime); err != nil {
		return nil, fmt.Errorf("commands: prime buffer: %w", err)
	}
	c.Slots = make([]SlotCommands, n)
	for i := range c.Slots {
		c.Slots[i] = SlotCommands{Transfer: transfer[i], Compute: compute[i]}
		slot := &in.Buffers.Slots[i]
		if err := r.record(transfer[i], gpu.UsageSimultaneousUse, func(e gpu.Encoder) { r.transfer(e, slot) }); err != nil {
			return nil, fmt.Errorf("commands: transfer buffer %d: %w", i, err)
		}
		if err := r.record(compute[i], gpu.UsageSimultaneousUse, func(e gpu.Encoder) { r.compute(e, slot) }); err != nil {
			return nil, fmt.Errorf("commands: compute buffer %d: %w", i, err)
		}
	}
	log.Debug("commands: recorded", "slots", n, "ownership", r.ownership(), "timestamps", in.Timestamps)
	c.stack = stack.Move()
	return c, nil
}

func createPool(dev gpu.Device, stack *lifetime.Stack, label string, family uint32) (gpu.CommandPool, error) {
	p, err := dev.CreateCommandPool(family)
	if err != nil {
		return 0, fmt.Errorf("commands: %s command pool: %w", label, err)
	}
	stack.Push(label+" command pool", func() { dev.DestroyCommandPool(p) })
	return p, nil
}

type recorder struct {
	dev     gpu.Device
	in      Input
	queries gpu.QueryPool
}

func (r *recorder) record(cb gpu.CommandBuffer, usage gpu.CommandBufferUsage, fn func(gpu.Encoder)) error {
	e, err := r.dev.Begin(cb, usage)
	if err != nil {
		return err
	}
	fn(e)
	return e.End()
}

// ownership reports whether regions change queue family ownership.
func (r *recorder) ownership() bool { return r.in.TransferFamily != r.in.ComputeFamily }

func (r *recorder) prime(e gpu.Encoder) {
	plan := &r.in.Plan
	set := r.in.Buffers
	for p, pair := range set.Pairs {
		var regions []gpu.BufferCopy
		var release []gpu.BufferBarrier
		for i := range set.Slots {
			sl := &set.Slots[i]
			if sl.Pair != p {
				continue
			}
			regions = append(regions, gpu.BufferCopy{
				SrcOffset: sl.InputOffset, DstOffset: sl.InputOffset, Size: plan.InputBytes(),
			})
			release = append(release, r.inputRelease(pair.Device, sl))
		}
		e.CopyBuffer(pair.Host, pair.Device, regions)
		if r.ownership() {
			e.PipelineBarrier(gpu.StageTransfer, gpu.StageBottomOfPipe, release)
		}
	}
}

func (r *recorder) transfer(e gpu.Encoder, sl *buffers.Slot) {
	plan := &r.in.Plan
	pair := r.in.Buffers.Pairs[sl.Pair]
	first := slotQuery(sl, buffers.QueryTransferStart)
	if r.queries != 0 {
		e.ResetQueries(r.queries, first, 2)
		e.WriteTimestamp(gpu.StageTopOfPipe, r.queries, first)
	}
	if r.ownership() {
		e.PipelineBarrier(gpu.StageTopOfPipe, gpu.StageTransfer, []gpu.BufferBarrier{{
			Buffer:    pair.Device,
			Offset:    sl.OutputOffset,
			Size:      plan.OutputBytes(),
			DstAccess: gpu.AccessTransferRead,
			SrcFamily: r.in.ComputeFamily,
			DstFamily: r.in.TransferFamily,
		}})
	}
	e.CopyBuffer(pair.Host, pair.Device, []gpu.BufferCopy{{
		SrcOffset: sl.InputOffset, DstOffset: sl.InputOffset, Size: plan.InputBytes(),
	}})
	if r.ownership() {
		e.PipelineBarrier(gpu.StageTransfer, gpu.StageBottomOfPipe,
			[]gpu.BufferBarrier{r.inputRelease(pair.Device, sl)})
	}
	e.CopyBuffer(pair.Device, pair.Host, []gpu.BufferCopy{{
		SrcOffset: sl.OutputOffset, DstOffset: sl.OutputOffset, Size: plan.OutputBytes(),
	}})
	reads := []gpu.BufferBarrier{hostRead(pair.Host, sl.OutputOffset, plan.OutputBytes())}
	if r.queries != 0 {
		e.WriteTimestamp(gpu.StageBottomOfPipe, r.queries, first+1)
		reads = append(reads, r.copyTimestamps(e, first))
	}
	e.PipelineBarrier(gpu.StageTransfer, gpu.StageHost, reads)
}

func (r *recorder) compute(e gpu.Encoder, sl *buffers.Slot) {
	plan := &r.in.Plan
	pair := r.in.Buffers.Pairs[sl.Pair]
	first := slotQuery(sl, buffers.QueryComputeStart)
	if r.queries != 0 {
		e.ResetQueries(r.queries, first, 2)
		e.WriteTimestamp(gpu.StageTopOfPipe, r.queries, first)
	}
	if r.ownership() {
		e.PipelineBarrier(gpu.StageTopOfPipe, gpu.StageComputeShader, []gpu.BufferBarrier{{
			Buffer:    pair.Device,
			Offset:    sl.InputOffset,
			Size:      plan.InputBytes(),
			DstAccess: gpu.AccessShaderRead,
			SrcFamily: r.in.TransferFamily,
			DstFamily: r.in.ComputeFamily,
		}})
	}
	e.BindComputePipeline(r.in.Pipeline.Pipeline)
	e.BindDescriptorSets(r.in.Pipeline.Layout, 0, []gpu.DescriptorSet{sl.Set})
	e.Dispatch(plan.WorkgroupCount, 1, 1)
	if r.ownership() {
		e.PipelineBarrier(gpu.StageComputeShader, gpu.StageBottomOfPipe, []gpu.BufferBarrier{{
			Buffer:    pair.Device,
			Offset:    sl.OutputOffset,
			Size:      plan.OutputBytes(),
			SrcAccess: gpu.AccessShaderWrite,
			SrcFamily: r.in.ComputeFamily,
			DstFamily: r.in.TransferFamily,
		}})
	}
	if r.queries != 0 {
		e.WriteTimestamp(gpu.StageBottomOfPipe, r.queries, first+1)
		e.PipelineBarrier(gpu.StageTransfer, gpu.StageHost, []gpu.BufferBarrier{r.copyTimestamps(e, first)})
	}
}

// copyTimestamps copies the start and end queries at first into the
// timestamp buffer and returns the barrier making them host-readable.
func (r *recorder) copyTimestamps(e gpu.Encoder, first uint32) gpu.BufferBarrier {
	ts := r.in.Buffers.Timestamps
	offset := uint64(first) * 8
	e.CopyQueryResults(r.queries, first, 2, ts.Buffer, offset, 8)
	return hostRead(ts.Buffer, offset, 2*8)
}

func slotQuery(sl *buffers.Slot, q int) uint32 {
	return uint32(sl.Index*buffers.QueriesPerSlot + q) //nolint:gosec // G115: small
}

func (r *recorder) inputRelease(buf gpu.Buffer, sl *buffers.Slot) gpu.BufferBarrier {
	return gpu.BufferBarrier{
		Buffer:    buf,
		Offset:    sl.InputOffset,
		Size:      r.in.Plan.InputBytes(),
		SrcAccess: gpu.AccessTransferWrite,
		SrcFamily: r.in.TransferFamily,
		DstFamily: r.in.ComputeFamily,
	}
}

func hostRead(buf gpu.Buffer, offset, size uint64) gpu.BufferBarrier {
	return gpu.BufferBarrier{
		Buffer:    buf,
		Offset:    offset,
		Size:      size,
		SrcAccess: gpu.AccessTransferWrite,
		DstAccess: gpu.AccessHostRead,
		SrcFamily: gpu.QueueFamilyIgnored,
		DstFamily: gpu.QueueFamilyIgnored,
	}
}
