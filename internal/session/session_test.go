package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/gogpu/collatz/internal/enginetest"
	"github.com/gogpu/collatz/internal/gpu"
	"github.com/gogpu/collatz/internal/gpu/software"
	"github.com/gogpu/collatz/internal/pipeline"
	"github.com/gogpu/collatz/internal/records"
	"github.com/gogpu/collatz/internal/selector"
	"github.com/gogpu/collatz/internal/u128"
)

// smallDevice plans 15 slots of 128 lanes.
func smallDevice() gpu.DeviceInfo {
	info := software.DefaultDeviceInfo()
	info.Limits.MaxComputeWorkGroupInvocations = 128
	info.Limits.MaxComputeWorkGroupSize = [3]uint32{128, 128, 64}
	info.Limits.MaxStorageBufferRange = 4096
	info.MemoryHeaps = []gpu.MemoryHeap{
		{Size: 64 << 10, Budget: 64 << 10, DeviceLocal: true},
		{Size: 1 << 20, Budget: 64 << 10},
	}
	return info
}

func options(t *testing.T, timestamps bool) Options {
	t.Helper()
	dir := t.TempDir()
	pc := pipeline.Config{ShaderDir: dir, Tier: "1.3", Int16: true, Int64: true, IterationWidth: 128}
	enginetest.WriteShader(t, pc.ShaderPath())
	pc.Tier, pc.Int16, pc.Int64 = "", false, false
	return Options{
		Selector:       selector.DefaultOptions(),
		MemoryFraction: 1,
		Pipeline:       pc,
		Timestamps:     timestamps,
	}
}

// warnings captures warnings from the software backend, which reports
// objects still alive when a device is destroyed.
func warnings() (*bytes.Buffer, *slog.Logger) {
	var buf bytes.Buffer
	return &buf, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestOpenRunClose(t *testing.T) {
	logs, log := warnings()
	inst := software.New(software.WithDevices(smallDevice()), software.WithLogger(log))
	defer inst.Destroy()

	s, err := Open(inst, options(t, true))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !s.Timestamps {
		t.Error("timestamps disabled on a device that supports them")
	}
	if s.Device.Selection.SharedFamilies() {
		t.Error("expected the dedicated transfer family")
	}
	slots := len(s.Buffers.Slots)
	if slots != s.Plan.Inouts() || slots < 2 {
		t.Fatalf("%d slots for plan %s", slots, s.Plan.String())
	}

	tracker := records.NewTracker(records.Seed(u128.From64(1), records.Record{Value: u128.From64(1)}))
	sched, err := s.NewScheduler(SchedulerConfig{Tracker: tracker, MaxRounds: 2})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	res, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := 2 * uint64(slots) * s.Plan.ValuesPerInout; res.State.Tested != want {
		t.Errorf("tested %d, want %d", res.State.Tested, want)
	}
	if res.Dispatches == 0 {
		t.Error("no dispatch timings")
	}
	sched.Destroy()
	s.Close()
	s.Close()

	if _, err := s.NewScheduler(SchedulerConfig{Tracker: tracker}); !errors.Is(err, ErrClosed) {
		t.Errorf("NewScheduler after Close = %v", err)
	}
	if strings.Contains(logs.String(), "live objects") {
		t.Errorf("objects leaked:\n%s", logs.String())
	}
}

func TestOpenUnwindsFailedStage(t *testing.T) {
	tests := []struct {
		op    string
		stage Stage
	}{
		{"vkCreateDevice", StageOpen},
		{"vkAllocateMemory", StageBuffers},
		{"vkCreateDescriptorPool", StageBuffers},
		{"vkCreateComputePipelines", StagePipeline},
		{"vkCreateCommandPool", StageCommands},
		{"vkCreateQueryPool", StageCommands},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			logs, log := warnings()
			inst := software.New(
				software.WithDevices(smallDevice()),
				software.WithLogger(log),
				software.WithFault(tt.op, 1, gpu.ErrorOutOfDeviceMemory),
			)
			defer inst.Destroy()

			_, err := Open(inst, options(t, true))
			var se *StageError
			if !errors.As(err, &se) || se.Stage != tt.stage {
				t.Fatalf("Open error = %v, want stage %q", err, tt.stage)
			}
			if !errors.Is(err, gpu.ErrOutOfMemory) {
				t.Errorf("error does not match ErrOutOfMemory: %v", err)
			}
			if !strings.Contains(err.Error(), "VK_ERROR_OUT_OF_DEVICE_MEMORY") {
				t.Errorf("error lacks the result code: %v", err)
			}
			if strings.Contains(logs.String(), "live objects") {
				t.Errorf("objects leaked:\n%s", logs.String())
			}
		})
	}
}

func TestOpenStageErrors(t *testing.T) {
	t.Run("no device", func(t *testing.T) {
		info := smallDevice()
		info.Features.TimelineSemaphore = false
		inst := software.New(software.WithDevices(info))
		defer inst.Destroy()
		_, err := Open(inst, options(t, false))
		var se *StageError
		if !errors.As(err, &se) || se.Stage != StageSelect || !errors.Is(err, selector.ErrNoSuitableDevice) {
			t.Errorf("Open error = %v", err)
		}
	})
	t.Run("missing shader", func(t *testing.T) {
		inst := software.New(software.WithDevices(smallDevice()))
		defer inst.Destroy()
		opts := options(t, false)
		opts.Pipeline.ShaderDir = t.TempDir()
		_, err := Open(inst, opts)
		var se *StageError
		if !errors.As(err, &se) || se.Stage != StagePipeline || !errors.Is(err, pipeline.ErrShaderNotFound) {
			t.Errorf("Open error = %v", err)
		}
	})
	t.Run("bad fraction", func(t *testing.T) {
		inst := software.New(software.WithDevices(smallDevice()))
		defer inst.Destroy()
		opts := options(t, false)
		opts.MemoryFraction = 0
		_, err := Open(inst, opts)
		var se *StageError
		if !errors.As(err, &se) || se.Stage != StageLayout {
			t.Errorf("Open error = %v", err)
		}
	})
}

func TestTimestampsNeedValidBits(t *testing.T) {
	info := smallDevice()
	for i := range info.QueueFamilies {
		info.QueueFamilies[i].TimestampValidBits = 0
	}
	inst := software.New(software.WithDevices(info))
	defer inst.Destroy()
	s, err := Open(inst, options(t, true))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.Timestamps || s.Buffers.Timestamps != nil || s.Commands.Queries != 0 {
		t.Error("timestamps enabled without valid bits")
	}
}
