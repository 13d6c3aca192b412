package collatz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/text/language"

	"github.com/gogpu/collatz/internal/config"
	"github.com/gogpu/collatz/internal/gpu"
	"github.com/gogpu/collatz/internal/gpu/software"
	"github.com/gogpu/collatz/internal/gpu/vulkan"
	"github.com/gogpu/collatz/internal/pipeline"
	"github.com/gogpu/collatz/internal/power"
	"github.com/gogpu/collatz/internal/progress"
	"github.com/gogpu/collatz/internal/records"
	"github.com/gogpu/collatz/internal/report"
	"github.com/gogpu/collatz/internal/schedule"
	"github.com/gogpu/collatz/internal/selector"
	"github.com/gogpu/collatz/internal/session"
	"github.com/gogpu/collatz/internal/u128"
)

// Config is the complete run configuration.
type Config = config.Config

// Record is one (value, steps) pair found by a search.
type Record = records.Record

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return config.Defaults() }

// LoadConfig returns DefaultConfig overlaid with the YAML file at path.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// SearchOption configures a Search.
type SearchOption func(*searchOptions)

type searchOptions struct {
	instance gpu.Instance
	output   io.Writer
	colour   bool
	language language.Tag
	console  io.Reader
	onRecord func(Record)
}

func defaultSearchOptions() searchOptions {
	return searchOptions{language: language.English}
}

// WithInstance runs the search on inst instead of opening the configured
// backend. inst stays owned by the caller.
func WithInstance(inst gpu.Instance) SearchOption {
	return func(o *searchOptions) {
		o.instance = inst
	}
}

// WithOutput prints records as they are found and a summary at the end.
func WithOutput(w io.Writer) SearchOption {
	return func(o *searchOptions) {
		o.output = w
	}
}

// WithColour highlights records in the output with ANSI escapes.
func WithColour(on bool) SearchOption {
	return func(o *searchOptions) {
		o.colour = on
	}
}

// WithLanguage selects digit grouping for the output.
func WithLanguage(tag language.Tag) SearchOption {
	return func(o *searchOptions) {
		o.language = tag
	}
}

// WithConsole stops the search on the first line read from r.
func WithConsole(r io.Reader) SearchOption {
	return func(o *searchOptions) {
		o.console = r
	}
}

// WithRecordHandler calls fn for every new record, in value order, on the
// scheduler goroutine.
func WithRecordHandler(fn func(Record)) SearchOption {
	return func(o *searchOptions) {
		o.onRecord = fn
	}
}

// Outcome is what a finished search reports.
type Outcome struct {
	// Start is the cursor the search began at.
	Start u128.Uint128
	// Resumed reports whether Start came from the progress file.
	Resumed bool
	Result  schedule.Result
}

// Search runs one search with cfg until cfg.MaxRounds, console input or
// ctx ends it. The progress file, when configured, is read before the
// search and written after it, also when the search fails after setup.
func Search(ctx context.Context, cfg Config, opts ...SearchOption) (Outcome, error) {
	o := defaultSearchOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return Outcome{}, err
	}
	log := Logger()

	st, resumed, err := InitialState(&cfg)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Start: st.Next, Resumed: resumed}
	log.Info("collatz: search starting", "start", st.Next.String(), "resumed", resumed,
		"best", st.Best.Value.String(), "steps", st.Best.Steps)

	inst := o.instance
	if inst == nil {
		inst, err = OpenInstance(&cfg, log)
		if err != nil {
			return out, err
		}
		defer inst.Destroy()
	}

	s, err := session.Open(inst, SessionOptions(&cfg, log))
	if err != nil {
		return out, err
	}
	defer s.Close()

	var printer *report.Printer
	if o.output != nil {
		printer = report.New(o.output, o.language, o.colour)
	}
	tracker := records.NewTracker(st)
	sched, err := s.NewScheduler(session.SchedulerConfig{
		Tracker:     tracker,
		MaxRounds:   cfg.MaxRounds,
		WaitTimeout: cfg.WaitTimeout,
		Console:     o.console,
		OnRecord: func(r records.Record) {
			if printer != nil {
				printer.Record(r)
			}
			if o.onRecord != nil {
				o.onRecord(r)
			}
		},
		Log: log,
	})
	if err != nil {
		return out, err
	}
	defer sched.Destroy()

	inhibitor := power.Inhibit(log)
	out.Result, err = sched.Run(ctx)
	inhibitor.Release()

	if cfg.ProgressPath != "" {
		if serr := progress.Save(cfg.ProgressPath, tracker.State()); serr != nil {
			err = errors.Join(err, serr)
		} else {
			log.Info("collatz: progress saved", "path", cfg.ProgressPath, "next", tracker.State().Next.String())
		}
	}
	if printer != nil {
		printer.Summary(out.Start, out.Result)
	}
	return out, err
}

// InitialState returns the state a search with cfg starts from: the saved
// progress unless cfg.Restart is set or no progress file exists, otherwise
// a fresh state at cfg.MinTestValue. A saved cursor below MinTestValue is
// moved up to it; the saved record is kept.
func InitialState(cfg *Config) (st records.State, resumed bool, err error) {
	fresh := records.Seed(cfg.MinTestValue, records.Record{Value: u128.From64(1)})
	if cfg.ProgressPath == "" || cfg.Restart {
		return fresh, false, nil
	}
	st, err = progress.Load(cfg.ProgressPath)
	if errors.Is(err, os.ErrNotExist) {
		return fresh, false, nil
	}
	if err != nil {
		return records.State{}, false, err
	}
	if st.Next.Less(cfg.MinTestValue) {
		st.Next = cfg.MinTestValue
	}
	return st, true, nil
}

// OpenInstance opens the backend named by cfg.Backend.
func OpenInstance(cfg *Config, log *slog.Logger) (gpu.Instance, error) {
	switch cfg.Backend {
	case config.BackendVulkan:
		inst, err := vulkan.New(
			vulkan.WithValidation(cfg.EnableValidation),
			vulkan.WithApplicationName("collatz"),
			vulkan.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return inst, nil
	case config.BackendSoftware:
		return software.New(software.WithLogger(log)), nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrBackend, cfg.Backend)
}

// SessionOptions maps cfg onto the setup stages.
func SessionOptions(cfg *Config, log *slog.Logger) session.Options {
	return session.Options{
		Selector: selector.Options{
			AllowInt16:  cfg.PreferInt16,
			AllowInt64:  cfg.PreferInt64,
			DeviceIndex: cfg.DeviceIndex,
		},
		MemoryFraction: cfg.MemoryFraction,
		Pipeline: pipeline.Config{
			ShaderDir:      cfg.ShaderDir,
			IterationWidth: cfg.IterationWidth,
			Builtin:        cfg.BuiltinShader,
			CachePath:      cfg.PipelineCachePath,
		},
		Timestamps: cfg.Timestamps,
		Log:        log,
	}
}
