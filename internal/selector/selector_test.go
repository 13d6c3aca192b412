package selector

import (
	"errors"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/collatz/internal/gpu"
)

const (
	gct = gpu.QueueGraphics | gpu.QueueCompute | gpu.QueueTransfer
	ct  = gpu.QueueCompute | gpu.QueueTransfer
)

func baseDevice(name string, kind gputypes.DeviceType) gpu.DeviceInfo {
	return gpu.DeviceInfo{
		Adapter:    gputypes.AdapterInfo{Name: name, DeviceType: kind, Backend: gputypes.BackendVulkan},
		APIVersion: gpu.MakeVersion(1, 2, 0),
		Features: gpu.Features{
			StorageBuffer16BitAccess: true,
			Synchronization2:         true,
			TimelineSemaphore:        true,
		},
		QueueFamilies: []gpu.QueueFamily{{Flags: gct, Count: 1}},
		MemoryTypes: []gpu.MemoryType{
			{Flags: gpu.MemoryDeviceLocal, Heap: 0},
			{Flags: gpu.MemoryHostVisible | gpu.MemoryHostCoherent, Heap: 1},
		},
		MemoryHeaps: []gpu.MemoryHeap{
			{Size: 8 << 30, Budget: 8 << 30, DeviceLocal: true},
			{Size: 16 << 30, Budget: 16 << 30},
		},
	}
}

func TestNeverSelectsMissingMandatory(t *testing.T) {
	type mutation struct {
		name  string
		apply func(*gpu.DeviceInfo)
	}
	mutations := []mutation{
		{"api 1.1", func(d *gpu.DeviceInfo) { d.APIVersion = gpu.MakeVersion(1, 1, 0) }},
		{"no 16-bit storage", func(d *gpu.DeviceInfo) { d.Features.StorageBuffer16BitAccess = false }},
		{"no sync2", func(d *gpu.DeviceInfo) { d.Features.Synchronization2 = false }},
		{"no timeline", func(d *gpu.DeviceInfo) { d.Features.TimelineSemaphore = false }},
		{"no device-local", func(d *gpu.DeviceInfo) {
			d.MemoryTypes = []gpu.MemoryType{{Flags: gpu.MemoryHostVisible | gpu.MemoryHostCoherent, Heap: 1}}
		}},
		{"no host-visible", func(d *gpu.DeviceInfo) {
			d.MemoryTypes = []gpu.MemoryType{{Flags: gpu.MemoryDeviceLocal, Heap: 0}}
		}},
		{"no compute", func(d *gpu.DeviceInfo) {
			d.QueueFamilies = []gpu.QueueFamily{{Flags: gpu.QueueGraphics | gpu.QueueTransfer, Count: 1}}
		}},
	}

	// Every subset of mutations: any non-empty subset must be rejected.
	for mask := 1; mask < 1<<len(mutations); mask++ {
		d := baseDevice("dGPU", gputypes.DeviceTypeDiscreteGPU)
		var applied []string
		for i, m := range mutations {
			if mask&(1<<i) != 0 {
				m.apply(&d)
				applied = append(applied, m.name)
			}
		}
		c := Evaluate(d, DefaultOptions())
		if c.Qualified() {
			t.Errorf("device with %v qualified", applied)
		}
		_, _, err := Select([]gpu.DeviceInfo{d}, DefaultOptions())
		if !errors.Is(err, ErrNoSuitableDevice) {
			t.Errorf("Select with %v: err = %v, want ErrNoSuitableDevice", applied, err)
		}
	}
}

func TestSelectPrefersDiscrete(t *testing.T) {
	igpu := baseDevice("iGPU", gputypes.DeviceTypeIntegratedGPU)
	igpu.Index = 0
	igpu.Features.ShaderInt16 = true
	igpu.Features.ShaderInt64 = true
	dgpu := baseDevice("dGPU", gputypes.DeviceTypeDiscreteGPU)
	dgpu.Index = 1

	sel, cands, err := Select([]gpu.DeviceInfo{igpu, dgpu}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if sel.Info.Adapter.Name != "dGPU" {
		t.Errorf("selected %q, want dGPU", sel.Info.Adapter.Name)
	}
	if len(cands) != 2 {
		t.Fatalf("candidates = %d", len(cands))
	}
	if got := sel.Adapter(); got.Type != gpucontext.AdapterTypeDiscrete {
		t.Errorf("adapter type = %v", got.Type)
	}
}

func TestTiesKeepFirst(t *testing.T) {
	a := baseDevice("first", gputypes.DeviceTypeDiscreteGPU)
	b := baseDevice("second", gputypes.DeviceTypeDiscreteGPU)
	b.Index = 1
	sel, _, err := Select([]gpu.DeviceInfo{a, b}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if sel.Info.Adapter.Name != "first" {
		t.Errorf("tie selected %q", sel.Info.Adapter.Name)
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*gpu.DeviceInfo)
		opts   Options
		want   int
	}{
		{
			name: "baseline integrated",
			want: scoreDeviceOnlyMemory,
		},
		{
			name:   "api 1.3",
			mutate: func(d *gpu.DeviceInfo) { d.APIVersion = gpu.MakeVersion(1, 3, 0) },
			want:   scoreDeviceOnlyMemory + scorePerAPITier,
		},
		{
			name: "int16 and int64",
			mutate: func(d *gpu.DeviceInfo) {
				d.Features.ShaderInt16 = true
				d.Features.ShaderInt64 = true
			},
			want: scoreDeviceOnlyMemory + 2*scoreShaderInt,
		},
		{
			name: "int widths disallowed",
			mutate: func(d *gpu.DeviceInfo) {
				d.Features.ShaderInt16 = true
				d.Features.ShaderInt64 = true
			},
			opts: Options{DeviceIndex: -1},
			want: scoreDeviceOnlyMemory,
		},
		{
			name: "cached non-coherent host memory",
			mutate: func(d *gpu.DeviceInfo) {
				d.MemoryTypes = append(d.MemoryTypes, gpu.MemoryType{Flags: gpu.MemoryHostVisible | gpu.MemoryHostCached, Heap: 1})
			},
			want: scoreDeviceOnlyMemory + scoreHostCachedNonCoh,
		},
		{
			name: "host-visible device memory only",
			mutate: func(d *gpu.DeviceInfo) {
				d.MemoryTypes[0].Flags |= gpu.MemoryHostVisible | gpu.MemoryHostCoherent
				d.MemoryTypes[1].Flags |= gpu.MemoryHostCached
			},
			want: scoreHostCached,
		},
		{
			name: "dedicated queues",
			mutate: func(d *gpu.DeviceInfo) {
				d.QueueFamilies = []gpu.QueueFamily{
					{Flags: gct, Count: 16},
					{Flags: gpu.QueueCompute, Count: 8},
					{Flags: gpu.QueueTransfer, Count: 2},
				}
			},
			want: scoreDeviceOnlyMemory + 2*scoreDedicatedQueue,
		},
		{
			name: "optional extensions",
			mutate: func(d *gpu.DeviceInfo) {
				d.Extensions = []string{ExtMemoryBudget, ExtMaintenance4, "VK_KHR_swapchain"}
			},
			want: scoreDeviceOnlyMemory + 2*scorePerOptionalExt,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := baseDevice("dev", gputypes.DeviceTypeIntegratedGPU)
			if tt.mutate != nil {
				tt.mutate(&d)
			}
			opts := tt.opts
			if tt.name != "int widths disallowed" {
				opts = DefaultOptions()
			}
			c := Evaluate(d, opts)
			if !c.Qualified() {
				t.Fatalf("rejected: %s", c.Rejected)
			}
			if c.Score != tt.want {
				t.Errorf("score = %d, want %d", c.Score, tt.want)
			}
		})
	}
}

func TestQueueAssignment(t *testing.T) {
	tests := []struct {
		name         string
		families     []gpu.QueueFamily
		wantCompute  uint32
		wantTransfer uint32
	}{
		{"single family", []gpu.QueueFamily{{Flags: gct, Count: 1}}, 0, 0},
		{"exact compute preferred", []gpu.QueueFamily{{Flags: gct, Count: 1}, {Flags: ct, Count: 1}, {Flags: gpu.QueueCompute, Count: 1}}, 2, 2},
		{"no-graphics over graphics", []gpu.QueueFamily{{Flags: gct, Count: 1}, {Flags: ct, Count: 4}}, 1, 1},
		{"transfer-only family", []gpu.QueueFamily{{Flags: gct, Count: 1}, {Flags: gpu.QueueTransfer, Count: 2}}, 0, 1},
		{"empty family skipped", []gpu.QueueFamily{{Flags: gct, Count: 1}, {Flags: gpu.QueueTransfer, Count: 0}}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := baseDevice("dev", gputypes.DeviceTypeDiscreteGPU)
			d.QueueFamilies = tt.families
			sel, _, err := Select([]gpu.DeviceInfo{d}, DefaultOptions())
			if err != nil {
				t.Fatal(err)
			}
			if sel.ComputeFamily != tt.wantCompute || sel.TransferFamily != tt.wantTransfer {
				t.Errorf("compute/transfer = %d/%d, want %d/%d",
					sel.ComputeFamily, sel.TransferFamily, tt.wantCompute, tt.wantTransfer)
			}
		})
	}
}

func TestRequestSharedFamily(t *testing.T) {
	d := baseDevice("dev", gputypes.DeviceTypeDiscreteGPU)
	d.QueueFamilies = []gpu.QueueFamily{{Flags: gct, Count: 4}}
	sel, _, err := Select([]gpu.DeviceInfo{d}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	req := sel.Request()
	if len(req.Queues) != 1 || req.Queues[0].Count != 2 {
		t.Errorf("queues = %+v, want one family with 2 queues", req.Queues)
	}
	c, tr := sel.QueueIndices()
	if c != 0 || tr != 1 {
		t.Errorf("queue indices = %d/%d", c, tr)
	}
}

func TestMemoryTypePicks(t *testing.T) {
	d := baseDevice("dev", gputypes.DeviceTypeDiscreteGPU)
	d.MemoryTypes = []gpu.MemoryType{
		{Flags: gpu.MemoryDeviceLocal | gpu.MemoryHostVisible | gpu.MemoryHostCoherent, Heap: 0},
		{Flags: gpu.MemoryHostVisible | gpu.MemoryHostCoherent, Heap: 1},
		{Flags: gpu.MemoryDeviceLocal, Heap: 0},
		{Flags: gpu.MemoryHostVisible | gpu.MemoryHostCoherent | gpu.MemoryHostCached, Heap: 1},
	}
	sel, _, err := Select([]gpu.DeviceInfo{d}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if sel.DeviceMemoryType != 2 {
		t.Errorf("device type = %d, want 2", sel.DeviceMemoryType)
	}
	if sel.HostMemoryType != 3 {
		t.Errorf("host type = %d, want 3", sel.HostMemoryType)
	}
}

func TestForcedIndex(t *testing.T) {
	a := baseDevice("a", gputypes.DeviceTypeDiscreteGPU)
	b := baseDevice("b", gputypes.DeviceTypeIntegratedGPU)
	b.Index = 1
	opts := DefaultOptions()
	opts.DeviceIndex = 1
	sel, _, err := Select([]gpu.DeviceInfo{a, b}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if sel.Info.Adapter.Name != "b" {
		t.Errorf("selected %q, want b", sel.Info.Adapter.Name)
	}
	opts.DeviceIndex = 7
	if _, _, err := Select([]gpu.DeviceInfo{a, b}, opts); !errors.Is(err, ErrDeviceIndex) {
		t.Errorf("missing index: err = %v", err)
	}
}
