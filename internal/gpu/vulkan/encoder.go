package vulkan

import (
	"runtime"

	"github.com/gogpu/wgpu/hal/vulkan/vk"

	"github.com/gogpu/collatz/internal/gpu"
)

type encoder struct {
	cmds *vk.Commands
	cb   vk.CommandBuffer
}

var _ gpu.Encoder = (*encoder)(nil)

func (e *encoder) CopyBuffer(src, dst gpu.Buffer, regions []gpu.BufferCopy) {
	if len(regions) == 0 {
		return
	}
	vr := make([]vk.BufferCopy, len(regions))
	for i, r := range regions {
		vr[i] = vk.BufferCopy{
			SrcOffset: vk.DeviceSize(r.SrcOffset),
			DstOffset: vk.DeviceSize(r.DstOffset),
			Size:      vk.DeviceSize(r.Size),
		}
	}
	e.cmds.CmdCopyBuffer(e.cb, vk.Buffer(src), vk.Buffer(dst), uint32(len(vr)), &vr[0])
}

// PipelineBarrier records buffer barriers between two stage masks. An
// empty barrier list records an execution dependency only.
func (e *encoder) PipelineBarrier(src, dst gpu.Stage, barriers []gpu.BufferBarrier) {
	var first *vk.BufferMemoryBarrier
	vb := make([]vk.BufferMemoryBarrier, len(barriers))
	for i, b := range barriers {
		vb[i] = vk.BufferMemoryBarrier{
			SType:               vk.StructureTypeBufferMemoryBarrier,
			SrcAccessMask:       vk.AccessFlags(b.SrcAccess),
			DstAccessMask:       vk.AccessFlags(b.DstAccess),
			SrcQueueFamilyIndex: b.SrcFamily,
			DstQueueFamilyIndex: b.DstFamily,
			Buffer:              vk.Buffer(b.Buffer),
			Offset:              vk.DeviceSize(b.Offset),
			Size:                vk.DeviceSize(b.Size),
		}
	}
	if len(vb) > 0 {
		first = &vb[0]
	}
	e.cmds.CmdPipelineBarrier(e.cb, vk.PipelineStageFlags(src), vk.PipelineStageFlags(dst), 0,
		0, nil, uint32(len(vb)), first, 0, nil)
	runtime.KeepAlive(vb)
}

func (e *encoder) BindComputePipeline(p gpu.Pipeline) {
	e.cmds.CmdBindPipeline(e.cb, vk.PipelineBindPointCompute, vk.Pipeline(p))
}

func (e *encoder) BindDescriptorSets(layout gpu.PipelineLayout, first uint32, sets []gpu.DescriptorSet) {
	if len(sets) == 0 {
		return
	}
	vs := make([]vk.DescriptorSet, len(sets))
	for i, s := range sets {
		vs[i] = vk.DescriptorSet(s)
	}
	e.cmds.CmdBindDescriptorSets(e.cb, vk.PipelineBindPointCompute, vk.PipelineLayout(layout),
		first, uint32(len(vs)), &vs[0], 0, nil)
}

func (e *encoder) Dispatch(x, y, z uint32) {
	e.cmds.CmdDispatch(e.cb, x, y, z)
}

func (e *encoder) ResetQueries(pool gpu.QueryPool, first, count uint32) {
	e.cmds.CmdResetQueryPool(e.cb, vk.QueryPool(pool), first, count)
}

func (e *encoder) WriteTimestamp(stage gpu.Stage, pool gpu.QueryPool, query uint32) {
	e.cmds.CmdWriteTimestamp(e.cb, vk.PipelineStageFlagBits(stage), vk.QueryPool(pool), query)
}

func (e *encoder) CopyQueryResults(pool gpu.QueryPool, first, count uint32, dst gpu.Buffer, offset, stride uint64) {
	flags := vk.QueryResultFlags(vk.QueryResult64Bit | vk.QueryResultWaitBit)
	e.cmds.CmdCopyQueryPoolResults(e.cb, vk.QueryPool(pool), first, count, vk.Buffer(dst), offset, stride, flags)
}

func (e *encoder) End() error {
	return check("vkEndCommandBuffer", e.cmds.EndCommandBuffer(e.cb))
}
