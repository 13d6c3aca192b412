package commands

import (
	"errors"
	"testing"

	"github.com/gogpu/collatz/internal/enginetest"
	"github.com/gogpu/collatz/internal/gpu"
	"github.com/gogpu/collatz/internal/gpu/software"
)

func record(t *testing.T, env *enginetest.Env, timestamps bool) *Commands {
	t.Helper()
	c, err := Record(env.Device, Input{
		Plan:           env.Plan,
		Buffers:        env.Buffers,
		Pipeline:       env.Pipeline,
		ComputeFamily:  env.ComputeFamily,
		TransferFamily: env.TransferFamily,
		Timestamps:     timestamps,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	t.Cleanup(c.Destroy)
	return c
}

func kinds(cmds []software.Command) []software.CommandKind {
	out := make([]software.CommandKind, len(cmds))
	for i, c := range cmds {
		out[i] = c.Kind
	}
	return out
}

func equalKinds(a, b []software.CommandKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

const (
	copyBuf  = software.CmdCopyBuffer
	barrier  = software.CmdPipelineBarrier
	bindPipe = software.CmdBindPipeline
	bindSets = software.CmdBindDescriptorSets
	dispatch = software.CmdDispatch
)

func TestRecordSeparateFamilies(t *testing.T) {
	env := enginetest.New(t, enginetest.Options{Pairs: 2, InoutsPerBuffer: 2})
	c := record(t, env, false)
	if len(c.Slots) != 4 {
		t.Fatalf("%d slots, want 4", len(c.Slots))
	}

	prime := env.Device.Commands(c.Prime)
	if want := []software.CommandKind{copyBuf, barrier, copyBuf, barrier}; !equalKinds(kinds(prime), want) {
		t.Fatalf("prime = %v, want %v", kinds(prime), want)
	}
	if n := len(prime[0].Regions); n != 2 {
		t.Errorf("prime copies %d regions per pair, want 2", n)
	}
	for _, b := range prime[1].Barriers {
		if b.SrcFamily != env.TransferFamily || b.DstFamily != env.ComputeFamily {
			t.Errorf("prime release barrier families %d->%d", b.SrcFamily, b.DstFamily)
		}
	}

	for i, sc := range c.Slots {
		sl := env.Buffers.Slots[i]
		tr := env.Device.Commands(sc.Transfer)
		if want := []software.CommandKind{barrier, copyBuf, barrier, copyBuf, barrier}; !equalKinds(kinds(tr), want) {
			t.Fatalf("slot %d transfer = %v, want %v", i, kinds(tr), want)
		}
		acquire := tr[0].Barriers[0]
		if acquire.Offset != sl.OutputOffset || acquire.SrcFamily != env.ComputeFamily || acquire.DstFamily != env.TransferFamily {
			t.Errorf("slot %d output acquire = %+v", i, acquire)
		}
		release := tr[2].Barriers[0]
		if release.Offset != sl.InputOffset || release.SrcFamily != env.TransferFamily {
			t.Errorf("slot %d input release = %+v", i, release)
		}
		if tr[1].Regions[0].DstOffset != sl.InputOffset || tr[3].Regions[0].SrcOffset != sl.OutputOffset {
			t.Errorf("slot %d copies use wrong regions: %+v %+v", i, tr[1].Regions, tr[3].Regions)
		}
		host := tr[4]
		if host.DstStage != gpu.StageHost || host.Barriers[0].DstAccess != gpu.AccessHostRead {
			t.Errorf("slot %d last barrier is not a host-read barrier: %+v", i, host)
		}

		cp := env.Device.Commands(sc.Compute)
		if want := []software.CommandKind{barrier, bindPipe, bindSets, dispatch, barrier}; !equalKinds(kinds(cp), want) {
			t.Fatalf("slot %d compute = %v, want %v", i, kinds(cp), want)
		}
		if cp[3].Groups != [3]uint32{env.Plan.WorkgroupCount, 1, 1} {
			t.Errorf("slot %d dispatch groups = %v", i, cp[3].Groups)
		}
		out := cp[4].Barriers[0]
		if out.Offset != sl.OutputOffset || out.SrcFamily != env.ComputeFamily || out.DstFamily != env.TransferFamily {
			t.Errorf("slot %d output release = %+v", i, out)
		}
	}
}

func TestRecordSharedFamily(t *testing.T) {
	env := enginetest.New(t, enginetest.Options{SharedFamily: true})
	c := record(t, env, false)

	if got := kinds(env.Device.Commands(c.Prime)); !equalKinds(got, []software.CommandKind{copyBuf}) {
		t.Errorf("prime = %v, want a single copy", got)
	}
	for i, sc := range c.Slots {
		if got, want := kinds(env.Device.Commands(sc.Transfer)), []software.CommandKind{copyBuf, copyBuf, barrier}; !equalKinds(got, want) {
			t.Errorf("slot %d transfer = %v, want %v", i, got, want)
		}
		if got, want := kinds(env.Device.Commands(sc.Compute)), []software.CommandKind{bindPipe, bindSets, dispatch}; !equalKinds(got, want) {
			t.Errorf("slot %d compute = %v, want %v", i, got, want)
		}
	}
}

func TestRecordTimestamps(t *testing.T) {
	env := enginetest.New(t, enginetest.Options{SharedFamily: true, Timestamps: true})
	c := record(t, env, true)
	if c.Queries == 0 {
		t.Fatal("no query pool")
	}
	want := []software.CommandKind{
		software.CmdResetQueries, software.CmdWriteTimestamp,
		bindPipe, bindSets, dispatch,
		software.CmdWriteTimestamp, software.CmdCopyQueryResults, barrier,
	}
	wantTransfer := []software.CommandKind{
		software.CmdResetQueries, software.CmdWriteTimestamp,
		copyBuf, copyBuf,
		software.CmdWriteTimestamp, software.CmdCopyQueryResults, barrier,
	}
	for i, sc := range c.Slots {
		cp := env.Device.Commands(sc.Compute)
		if !equalKinds(kinds(cp), want) {
			t.Fatalf("slot %d compute = %v, want %v", i, kinds(cp), want)
		}
		if cp[1].Query != uint32(4*i) || cp[5].Query != uint32(4*i+1) {
			t.Errorf("slot %d dispatch timestamps use queries %d and %d", i, cp[1].Query, cp[5].Query)
		}
		tr := env.Device.Commands(sc.Transfer)
		if !equalKinds(kinds(tr), wantTransfer) {
			t.Fatalf("slot %d transfer = %v, want %v", i, kinds(tr), wantTransfer)
		}
		if tr[1].Query != uint32(4*i+2) || tr[4].Query != uint32(4*i+3) {
			t.Errorf("slot %d transfer timestamps use queries %d and %d", i, tr[1].Query, tr[4].Query)
		}
		if n := len(tr[6].Barriers); n != 2 {
			t.Errorf("slot %d transfer host-read barrier covers %d buffers", i, n)
		}
	}
}

func TestRecordTimestampsNeedBuffer(t *testing.T) {
	env := enginetest.New(t, enginetest.Options{})
	_, err := Record(env.Device, Input{
		Plan: env.Plan, Buffers: env.Buffers, Pipeline: env.Pipeline, Timestamps: true,
	})
	if err == nil {
		t.Fatal("Record succeeded without a timestamp buffer")
	}
}

func TestRecordUnwindsOnFailure(t *testing.T) {
	for _, op := range []string{
		"vkCreateCommandPool",
		"vkAllocateCommandBuffers",
		"vkBeginCommandBuffer",
		"vkEndCommandBuffer",
	} {
		t.Run(op, func(t *testing.T) {
			env := enginetest.New(t, enginetest.Options{
				Software: []software.Option{software.WithFault(op, 2, gpu.ErrorOutOfDeviceMemory)},
			})
			base := env.Device.LiveObjects()
			_, err := Record(env.Device, Input{
				Plan: env.Plan, Buffers: env.Buffers, Pipeline: env.Pipeline,
				ComputeFamily: env.ComputeFamily, TransferFamily: env.TransferFamily,
			})
			if !errors.Is(err, gpu.ErrOutOfMemory) {
				t.Fatalf("Record error = %v", err)
			}
			if n := env.Device.LiveObjects(); n != base {
				t.Errorf("%d objects alive after failed Record, want %d", n, base)
			}
		})
	}
}
