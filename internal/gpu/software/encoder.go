package software

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/collatz/internal/gpu"
)

// CommandKind identifies a recorded command.
type CommandKind uint8

// Command kinds.
const (
	CmdCopyBuffer CommandKind = iota
	CmdPipelineBarrier
	CmdBindPipeline
	CmdBindDescriptorSets
	CmdDispatch
	CmdResetQueries
	CmdWriteTimestamp
	CmdCopyQueryResults
)

var commandNames = [...]string{
	CmdCopyBuffer:         "copy-buffer",
	CmdPipelineBarrier:    "pipeline-barrier",
	CmdBindPipeline:       "bind-pipeline",
	CmdBindDescriptorSets: "bind-descriptor-sets",
	CmdDispatch:           "dispatch",
	CmdResetQueries:       "reset-queries",
	CmdWriteTimestamp:     "write-timestamp",
	CmdCopyQueryResults:   "copy-query-results",
}

func (k CommandKind) String() string {
	if int(k) < len(commandNames) {
		return commandNames[k]
	}
	return fmt.Sprintf("CommandKind(%d)", k)
}

// Command describes a recorded command for inspection.
type Command struct {
	Kind CommandKind
	// SrcStage and DstStage are set for barriers and timestamps.
	SrcStage, DstStage gpu.Stage
	Barriers           []gpu.BufferBarrier
	Src, Dst           gpu.Buffer
	Regions            []gpu.BufferCopy
	Groups             [3]uint32
	Query              uint32
}

type command struct {
	info Command
	exec func(*execState) error
}

type execState struct {
	dev      *Device
	pipeline *pipeline
	sets     []*descriptorSet
}

// Commands returns the commands last recorded into cb.
func (d *Device) Commands(cb gpu.CommandBuffer) []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.cmdBufs[cb]
	if !ok {
		return nil
	}
	out := make([]Command, len(c.cmds))
	for i, cmd := range c.cmds {
		out[i] = cmd.info
	}
	return out
}

type encoder struct {
	dev *Device
	cb  *commandBuffer
	err error
}

var _ gpu.Encoder = (*encoder)(nil)

func (e *encoder) fail(format string, args ...any) {
	if e.err == nil {
		e.err = fmt.Errorf("software: "+format, args...)
	}
}

func (e *encoder) record(info Command, exec func(*execState) error) {
	e.cb.cmds = append(e.cb.cmds, command{info: info, exec: exec})
}

func (e *encoder) buffer(b gpu.Buffer) *buffer {
	e.dev.mu.Lock()
	defer e.dev.mu.Unlock()
	buf, ok := e.dev.buffers[b]
	if !ok || buf.mem == nil {
		e.fail("buffer %d is not bound", b)
		return nil
	}
	return buf
}

func (e *encoder) CopyBuffer(src, dst gpu.Buffer, regions []gpu.BufferCopy) {
	s, t := e.buffer(src), e.buffer(dst)
	if s == nil || t == nil {
		return
	}
	for _, r := range regions {
		if r.SrcOffset+r.Size > s.size || r.DstOffset+r.Size > t.size {
			e.fail("copy region %+v out of bounds", r)
			return
		}
	}
	regions = append([]gpu.BufferCopy(nil), regions...)
	e.record(Command{Kind: CmdCopyBuffer, Src: src, Dst: dst, Regions: regions}, func(*execState) error {
		sb, tb := s.bytes(), t.bytes()
		for _, r := range regions {
			copy(tb[r.DstOffset:r.DstOffset+r.Size], sb[r.SrcOffset:r.SrcOffset+r.Size])
		}
		return nil
	})
}

func (e *encoder) PipelineBarrier(src, dst gpu.Stage, barriers []gpu.BufferBarrier) {
	for _, b := range barriers {
		if e.buffer(b.Buffer) == nil {
			return
		}
	}
	info := Command{
		Kind:     CmdPipelineBarrier,
		SrcStage: src,
		DstStage: dst,
		Barriers: append([]gpu.BufferBarrier(nil), barriers...),
	}
	e.record(info, func(*execState) error { return nil })
}

func (e *encoder) BindComputePipeline(p gpu.Pipeline) {
	e.dev.mu.Lock()
	pl, ok := e.dev.pipelines[p]
	e.dev.mu.Unlock()
	if !ok {
		e.fail("unknown pipeline %d", p)
		return
	}
	e.record(Command{Kind: CmdBindPipeline}, func(st *execState) error {
		st.pipeline = pl
		return nil
	})
}

func (e *encoder) BindDescriptorSets(layout gpu.PipelineLayout, first uint32, sets []gpu.DescriptorSet) {
	e.dev.mu.Lock()
	_, okl := e.dev.pipeLayts[layout]
	resolved := make([]*descriptorSet, len(sets))
	for i, s := range sets {
		resolved[i] = e.dev.sets[s]
	}
	e.dev.mu.Unlock()
	if !okl {
		e.fail("unknown pipeline layout %d", layout)
		return
	}
	for i, s := range resolved {
		if s == nil {
			e.fail("unknown descriptor set %d", sets[i])
			return
		}
	}
	e.record(Command{Kind: CmdBindDescriptorSets}, func(st *execState) error {
		need := int(first) + len(resolved)
		if len(st.sets) < need {
			st.sets = append(st.sets, make([]*descriptorSet, need-len(st.sets))...)
		}
		copy(st.sets[first:], resolved)
		return nil
	})
}

func (e *encoder) Dispatch(x, y, z uint32) {
	if y != 1 || z != 1 {
		e.fail("dispatch %dx%dx%d: only one dimension is supported", x, y, z)
		return
	}
	e.record(Command{Kind: CmdDispatch, Groups: [3]uint32{x, y, z}}, func(st *execState) error {
		return st.dev.dispatch(st, x)
	})
}

func (e *encoder) ResetQueries(pool gpu.QueryPool, first, count uint32) {
	qp := e.queryPool(pool, first, count)
	if qp == nil {
		return
	}
	e.record(Command{Kind: CmdResetQueries, Query: first}, func(*execState) error {
		clear(qp.values[first : first+count])
		return nil
	})
}

func (e *encoder) WriteTimestamp(stage gpu.Stage, pool gpu.QueryPool, query uint32) {
	qp := e.queryPool(pool, query, 1)
	if qp == nil {
		return
	}
	e.record(Command{Kind: CmdWriteTimestamp, SrcStage: stage, Query: query}, func(st *execState) error {
		qp.values[query] = st.dev.timestamp()
		return nil
	})
}

func (e *encoder) CopyQueryResults(pool gpu.QueryPool, first, count uint32, dst gpu.Buffer, offset, stride uint64) {
	qp := e.queryPool(pool, first, count)
	t := e.buffer(dst)
	if qp == nil || t == nil {
		return
	}
	if count > 0 && offset+uint64(count-1)*stride+8 > t.size {
		e.fail("query results overflow buffer %d", dst)
		return
	}
	e.record(Command{Kind: CmdCopyQueryResults, Dst: dst, Query: first}, func(*execState) error {
		out := t.bytes()
		for i := uint32(0); i < count; i++ {
			binary.LittleEndian.PutUint64(out[offset+uint64(i)*stride:], qp.values[first+i])
		}
		return nil
	})
}

func (e *encoder) queryPool(pool gpu.QueryPool, first, count uint32) *queryPool {
	e.dev.mu.Lock()
	qp, ok := e.dev.queryPls[pool]
	e.dev.mu.Unlock()
	if !ok || int(first+count) > len(qp.values) {
		e.fail("bad query range %d+%d in pool %d", first, count, pool)
		return nil
	}
	return qp
}

func (e *encoder) End() error {
	e.dev.mu.Lock()
	e.cb.recording = false
	e.dev.mu.Unlock()
	if err := e.dev.fault("vkEndCommandBuffer"); err != nil {
		return err
	}
	if e.err != nil {
		return fmt.Errorf("%w: %w", e.err, &gpu.Error{Op: "vkEndCommandBuffer", Result: gpu.ErrorInitializationFailed})
	}
	return nil
}

// dispatch runs the bound kernel over groups workgroups. Binding 0 of set
// 0 holds the input values and binding 1 the step counts.
func (d *Device) dispatch(st *execState, groups uint32) error {
	p := st.pipeline
	if p == nil || len(st.sets) == 0 || st.sets[0] == nil {
		return fmt.Errorf("software: dispatch without pipeline or descriptor set")
	}
	in, okIn := st.sets[0].bindings[0]
	out, okOut := st.sets[0].bindings[1]
	if !okIn || !okOut {
		return fmt.Errorf("software: dispatch with unwritten descriptors")
	}
	lanes := int(groups) * int(p.workgroupSize)
	inBytes, outBytes := in.view(), out.view()
	if len(inBytes) < lanes*16 || len(outBytes) < lanes*2 {
		return fmt.Errorf("software: dispatch of %d lanes exceeds bound ranges (%d, %d bytes)",
			lanes, len(inBytes), len(outBytes))
	}
	chunk := max(int(p.workgroupSize), lanes/(d.units.n*4))
	chunks := make([]func(), 0, lanes/chunk+1)
	for first := 0; first < lanes; first += chunk {
		last := min(first+chunk, lanes)
		chunks = append(chunks, func() { runKernel(p.width, inBytes, outBytes, first, last) })
	}
	d.units.run(chunks)
	return nil
}

func (b binding) view() []byte {
	data := b.buf.bytes()
	if b.offset > uint64(len(data)) {
		return nil
	}
	data = data[b.offset:]
	if b.rng != gpu.WholeSize && b.rng < uint64(len(data)) {
		data = data[:b.rng]
	}
	return data
}
