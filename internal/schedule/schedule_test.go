package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/collatz/internal/commands"
	"github.com/gogpu/collatz/internal/enginetest"
	"github.com/gogpu/collatz/internal/gpu"
	"github.com/gogpu/collatz/internal/gpu/software"
	"github.com/gogpu/collatz/internal/records"
	"github.com/gogpu/collatz/internal/u128"
)

type harness struct {
	env   *enginetest.Env
	trace *software.Trace
	sched *Scheduler
	found []records.Record
}

func newHarness(t *testing.T, opts enginetest.Options, cfg Config) *harness {
	t.Helper()
	h := &harness{trace: &software.Trace{}}
	opts.Software = append(opts.Software, software.WithTrace(h.trace))
	h.env = enginetest.New(t, opts)
	cmds, err := commands.Record(h.env.Device, commands.Input{
		Plan:           h.env.Plan,
		Buffers:        h.env.Buffers,
		Pipeline:       h.env.Pipeline,
		ComputeFamily:  h.env.ComputeFamily,
		TransferFamily: h.env.TransferFamily,
		Timestamps:     opts.Timestamps,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	t.Cleanup(cmds.Destroy)

	cfg.Device = h.env.Device
	cfg.ComputeQueue = h.env.ComputeQueue
	cfg.TransferQueue = h.env.TransferQueue
	cfg.Plan = h.env.Plan
	cfg.Buffers = h.env.Buffers
	cfg.Commands = cmds
	cfg.TimestampPeriod = 1
	if cfg.Tracker == nil {
		cfg.Tracker = records.NewTracker(records.Seed(u128.From64(1), records.Record{Value: u128.From64(1)}))
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = 10 * time.Second
	}
	onRecord := cfg.OnRecord
	cfg.OnRecord = func(r records.Record) {
		h.found = append(h.found, r)
		if onRecord != nil {
			onRecord(r)
		}
	}
	h.sched, err = New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(h.sched.Destroy)
	return h
}

// expected reduces n values from 1 on the host.
func expected(n uint64) (records.State, []records.Record) {
	st := records.Seed(u128.From64(1), records.Record{Value: u128.From64(1)})
	counts := make([]uint16, n)
	v := u128.From64(1)
	for i := range counts {
		counts[i] = software.Steps(v.Lo, v.Hi, 128)
		v = v.Add64(2)
	}
	return records.Reduce(st, u128.From64(1), counts)
}

func TestRunRoundCap(t *testing.T) {
	for _, shared := range []bool{false, true} {
		name := "separate families"
		if shared {
			name = "shared family"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, enginetest.Options{SharedFamily: shared}, Config{MaxRounds: 3})
			res, err := h.sched.Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Stopped != StopRoundCap || res.Rounds != 3 {
				t.Fatalf("stopped by %v after %d rounds", res.Stopped, res.Rounds)
			}

			// Two slots, three rounds, all of them reduced.
			lanes := h.env.Plan.ValuesPerInout
			want, wantRecords := expected(3 * 2 * lanes)
			if res.State != want {
				t.Errorf("state = %+v, want %+v", res.State, want)
			}
			if res.State.Next != u128.From64(1+3*2*2*lanes) {
				t.Errorf("cursor = %s", res.State.Next)
			}
			if len(res.Records) != len(wantRecords) || len(h.found) != len(wantRecords) {
				t.Fatalf("%d records (%d reported), want %d", len(res.Records), len(h.found), len(wantRecords))
			}
			for i := range wantRecords {
				if res.Records[i] != wantRecords[i] {
					t.Errorf("record %d = %+v, want %+v", i, res.Records[i], wantRecords[i])
				}
			}

			for i, sem := range h.sched.Semaphores() {
				signals := h.trace.Values(sem, software.DeviceSignal)
				waits := h.trace.Values(sem, software.DeviceWait)
				// Transfer 3 reads back the output of compute round 2.
				if !equal(signals, []uint64{1, 2, 3, 4, 5, 6, 7}) {
					t.Errorf("slot %d device signals = %v", i, signals)
				}
				if !equal(waits, []uint64{0, 1, 2, 3, 4, 5, 6}) {
					t.Errorf("slot %d device waits = %v", i, waits)
				}
				if hs := h.trace.Values(sem, software.HostSignal); len(hs) != 0 {
					t.Errorf("slot %d host signals = %v", i, hs)
				}
			}
		})
	}
}

func equal(a, b []uint64) bool {
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

func TestRunStopsOnRoundBoundary(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ctx  func() context.Context
	}{
		{
			name: "console",
			cfg:  Config{Console: strings.NewReader("\n")},
			ctx:  context.Background,
		},
		{
			name: "context",
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, enginetest.Options{Pairs: 2}, tt.cfg)
			res, err := h.sched.Run(tt.ctx())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Stopped != StopRequested {
				t.Fatalf("stopped by %v", res.Stopped)
			}
			slots := uint64(len(h.env.Buffers.Slots))
			lanes := h.env.Plan.ValuesPerInout
			reduced := res.Rounds * slots
			if res.State.Tested != reduced*lanes {
				t.Errorf("tested %d values after %d rounds", res.State.Tested, res.Rounds)
			}
			if want := u128.From64(1 + reduced*2*lanes); res.State.Next != want {
				t.Errorf("cursor = %s, want %s", res.State.Next, want)
			}
			// Every submitted round completed before Run returned.
			for i, sem := range h.sched.Semaphores() {
				v, err := h.env.Device.SemaphoreValue(sem)
				if err != nil {
					t.Fatal(err)
				}
				if v != 2*res.Rounds+1 {
					t.Errorf("slot %d semaphore at %d after %d rounds", i, v, res.Rounds)
				}
			}
		})
	}
}

func TestRunStopMidRound(t *testing.T) {
	// The first record turns up while slot 0 reduces round 1. Round 1 was
	// already started with the next round planned, so every slot runs
	// round 2 as well and the run ends on that boundary.
	var sched *Scheduler
	h := newHarness(t, enginetest.Options{}, Config{
		OnRecord: func(records.Record) { sched.Stop() },
	})
	sched = h.sched
	res, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stopped != StopRequested || res.Rounds != 3 {
		t.Fatalf("stopped by %v after %d rounds", res.Stopped, res.Rounds)
	}
	slots := uint64(len(h.env.Buffers.Slots))
	lanes := h.env.Plan.ValuesPerInout
	want, _ := expected(res.Rounds * slots * lanes)
	if res.State != want {
		t.Errorf("state = %+v, want %+v", res.State, want)
	}
	for i, sem := range sched.Semaphores() {
		if v, _ := h.env.Device.SemaphoreValue(sem); v != 2*res.Rounds+1 {
			t.Errorf("slot %d semaphore at %d", i, v)
		}
		if hs := h.trace.Values(sem, software.HostSignal); len(hs) != 0 {
			t.Errorf("slot %d host signals = %v", i, hs)
		}
	}
}

func TestRunReleasesOrphanedSubmission(t *testing.T) {
	// Submits: prime, compute 0 for both slots, then compute 1 and
	// transfer 1 of slot 0. Failing the transfer leaves compute 1 waiting
	// for a value nothing will signal.
	opts := enginetest.Options{
		Software: []software.Option{software.WithFault("vkQueueSubmit", 5, gpu.ErrorOutOfHostMemory)},
	}
	h := newHarness(t, opts, Config{})
	_, err := h.sched.Run(context.Background())
	if !errors.Is(err, gpu.ErrOutOfMemory) {
		t.Fatalf("Run error = %v", err)
	}
	sem := h.sched.Semaphores()[0]
	if hs := h.trace.Values(sem, software.HostSignal); !equal(hs, []uint64{3}) {
		t.Errorf("host signals = %v, want [3]", hs)
	}
	if v, _ := h.env.Device.SemaphoreValue(sem); v != 4 {
		t.Errorf("slot 0 semaphore at %d, want 4", v)
	}
}

func TestRunDeviceLost(t *testing.T) {
	opts := enginetest.Options{
		Software: []software.Option{software.WithFault("vkQueueSubmit", 5, gpu.ErrorDeviceLost)},
	}
	h := newHarness(t, opts, Config{})
	done := make(chan error, 1)
	go func() {
		_, err := h.sched.Run(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, hal.ErrDeviceLost) {
			t.Fatalf("Run error = %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("Run did not return after device loss")
	}
}

func TestRunTimestamps(t *testing.T) {
	h := newHarness(t, enginetest.Options{Timestamps: true, SharedFamily: true}, Config{MaxRounds: 2})
	res, err := h.sched.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Dispatches > res.Rounds*uint64(len(h.env.Buffers.Slots)) {
		t.Errorf("%d dispatches measured over %d rounds", res.Dispatches, res.Rounds)
	}
	if res.Dispatches > 0 && res.DispatchTime <= 0 {
		t.Errorf("dispatch time = %v", res.DispatchTime)
	}
	// Transfer round 0 is the untimed prime upload; the final readback is
	// timed.
	if res.Transfers > res.Rounds*uint64(len(h.env.Buffers.Slots)) {
		t.Errorf("%d transfers measured over %d rounds", res.Transfers, res.Rounds)
	}
	if res.Transfers > 0 && res.TransferTime <= 0 {
		t.Errorf("transfer time = %v", res.TransferTime)
	}
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, enginetest.Options{}, Config{MaxRounds: 1})
	if _, err := h.sched.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := h.sched.Run(context.Background()); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("second Run error = %v", err)
	}
}

func TestNewRejectsEvenCursor(t *testing.T) {
	env := enginetest.New(t, enginetest.Options{})
	_, err := New(Config{
		Device:  env.Device,
		Buffers: env.Buffers,
		Tracker: records.NewTracker(records.Seed(u128.From64(4), records.Record{})),
	})
	if !errors.Is(err, records.ErrEvenStart) {
		t.Errorf("New error = %v", err)
	}
}

func TestPhasesAfterRun(t *testing.T) {
	// Every slot's last output is read back and reduced before Run
	// returns.
	for _, rounds := range []uint64{1, 3} {
		t.Run(fmt.Sprintf("rounds=%d", rounds), func(t *testing.T) {
			h := newHarness(t, enginetest.Options{}, Config{MaxRounds: rounds})
			res, err := h.sched.Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if want := rounds * uint64(len(h.env.Buffers.Slots)) * h.env.Plan.ValuesPerInout; res.State.Tested != want {
				t.Errorf("tested %d, want %d", res.State.Tested, want)
			}
			for i, p := range h.sched.Phases() {
				if p != AwaitingUpload {
					t.Errorf("slot %d phase %v, want %v", i, p, AwaitingUpload)
				}
			}
		})
	}
	if got := Phase(99).String(); got != "unknown" {
		t.Errorf("Phase(99) = %q", got)
	}
}
