package collatz

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gogpu/collatz/internal/config"
	"github.com/gogpu/collatz/internal/enginetest"
	"github.com/gogpu/collatz/internal/gpu"
	"github.com/gogpu/collatz/internal/gpu/software"
	"github.com/gogpu/collatz/internal/pipeline"
	"github.com/gogpu/collatz/internal/progress"
	"github.com/gogpu/collatz/internal/records"
	"github.com/gogpu/collatz/internal/u128"
)

func smallInstance() *software.Instance {
	info := software.DefaultDeviceInfo()
	info.Limits.MaxComputeWorkGroupInvocations = 128
	info.Limits.MaxComputeWorkGroupSize = [3]uint32{128, 128, 64}
	info.Limits.MaxStorageBufferRange = 4096
	info.MemoryHeaps = []gpu.MemoryHeap{
		{Size: 64 << 10, Budget: 64 << 10, DeviceLocal: true},
		{Size: 1 << 20, Budget: 64 << 10},
	}
	return software.New(software.WithDevices(info))
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Backend = config.BackendSoftware
	cfg.MemoryFraction = 1
	cfg.MaxRounds = 2
	cfg.ShaderDir = filepath.Join(dir, "shaders")
	cfg.PipelineCachePath = ""
	cfg.ProgressPath = filepath.Join(dir, "progress.txt")
	pc := pipeline.Config{ShaderDir: cfg.ShaderDir, Tier: "1.3", Int16: true, Int64: true}
	enginetest.WriteShader(t, pc.ShaderPath())
	return cfg
}

func TestSearchSavesAndResumes(t *testing.T) {
	inst := smallInstance()
	defer inst.Destroy()
	cfg := testConfig(t)

	var out bytes.Buffer
	var found []Record
	first, err := Search(context.Background(), cfg,
		WithInstance(inst),
		WithOutput(&out),
		WithRecordHandler(func(r Record) { found = append(found, r) }))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if first.Resumed || first.Start != u128.From64(1) {
		t.Errorf("first search start = %s, resumed %v", first.Start, first.Resumed)
	}
	want := Record{Value: u128.From64(27), Steps: 111, Source: records.SourceDevice}
	hit := false
	for _, r := range found {
		hit = hit || r == want
	}
	if !hit {
		t.Errorf("record 27 not reported in %v", found)
	}
	for _, s := range []string{"record:", "best:", "stopped: round cap"} {
		if !strings.Contains(out.String(), s) {
			t.Errorf("output lacks %q:\n%s", s, out.String())
		}
	}

	saved, err := progress.Load(cfg.ProgressPath)
	if err != nil {
		t.Fatalf("progress not saved: %v", err)
	}
	if saved.Next != first.Result.State.Next || saved.Best != first.Result.State.Best {
		t.Errorf("saved %+v, result %+v", saved, first.Result.State)
	}

	second, err := Search(context.Background(), cfg, WithInstance(inst))
	if err != nil {
		t.Fatalf("resumed Search: %v", err)
	}
	if !second.Resumed || second.Start != saved.Next {
		t.Errorf("second search start = %s, resumed %v, want %s", second.Start, second.Resumed, saved.Next)
	}
	if second.Result.State.Tested <= saved.Tested {
		t.Errorf("tested count did not grow: %d", second.Result.State.Tested)
	}
}

func TestSearchRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IterationWidth = 64
	if _, err := Search(context.Background(), cfg); !errors.Is(err, config.ErrIterationWidth) {
		t.Errorf("Search error = %v", err)
	}
}

func TestInitialState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.txt")
	saved := records.State{
		Next:   u128.From64(1001),
		Best:   Record{Value: u128.From64(871), Steps: 178, Source: records.SourceDevice},
		Tested: 500,
	}
	if err := progress.Save(path, saved); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		restart bool
		min     uint64
		next    uint64
		resumed bool
	}{
		{"no progress file configured", "", false, 1, 1, false},
		{"missing file", filepath.Join(dir, "missing.txt"), false, 1, 1, false},
		{"restart", path, true, 1, 1, false},
		{"resume", path, false, 1, 1001, true},
		{"min above cursor", path, false, 2001, 2001, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ProgressPath = tt.path
			cfg.Restart = tt.restart
			cfg.MinTestValue = u128.From64(tt.min)
			st, resumed, err := InitialState(&cfg)
			if err != nil {
				t.Fatal(err)
			}
			if st.Next != u128.From64(tt.next) || resumed != tt.resumed {
				t.Errorf("next %s resumed %v, want %d %v", st.Next, resumed, tt.next, tt.resumed)
			}
			if resumed && st.Best != saved.Best {
				t.Errorf("best = %+v", st.Best)
			}
		})
	}
}

func TestInitialStateBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.txt")
	if err := os.WriteFile(path, []byte("next 4\nbest 1 0 seed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.ProgressPath = path
	if _, _, err := InitialState(&cfg); !errors.Is(err, records.ErrEvenStart) {
		t.Errorf("InitialState error = %v", err)
	}
}

func TestOpenInstanceSoftware(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = config.BackendSoftware
	inst, err := OpenInstance(&cfg, Logger())
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Destroy()
	infos, err := inst.Devices()
	if err != nil || len(infos) == 0 {
		t.Errorf("Devices = %v, %v", infos, err)
	}

	cfg.Backend = "metal"
	if _, err := OpenInstance(&cfg, Logger()); !errors.Is(err, config.ErrBackend) {
		t.Errorf("unknown backend error = %v", err)
	}
}
