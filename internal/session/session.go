// Package session composes the engine stages on one device.
//
// Open runs the stages in order: select a device, open it, plan the layout,
// create buffers, build the pipeline and record the command buffers. Each
// stage unwinds its own objects when it fails; the session then releases
// the stages that completed, newest first, and reports the failing stage in
// a *StageError.
package session

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/collatz/internal/buffers"
	"github.com/gogpu/collatz/internal/commands"
	"github.com/gogpu/collatz/internal/gpu"
	"github.com/gogpu/collatz/internal/layout"
	"github.com/gogpu/collatz/internal/lifetime"
	"github.com/gogpu/collatz/internal/pipeline"
	"github.com/gogpu/collatz/internal/schedule"
	"github.com/gogpu/collatz/internal/selector"
)

// Stage names a setup step.
type Stage string

// Setup stages, in order.
const (
	StageEnumerate Stage = "enumerate devices"
	StageSelect    Stage = "select device"
	StageOpen      Stage = "open device"
	StageLayout    Stage = "plan layout"
	StageBuffers   Stage = "create buffers"
	StagePipeline  Stage = "build pipeline"
	StageCommands  Stage = "record commands"
	StageSchedule  Stage = "create scheduler"
)

// StageError reports the stage a setup failed in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	if r, ok := gpu.ResultOf(e.Err); ok {
		return fmt.Sprintf("session: %s failed (%s): %v", e.Stage, r, e.Err)
	}
	return fmt.Sprintf("session: %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrClosed is returned when a closed session is used.
var ErrClosed = errors.New("session: closed")

// Options configure Open.
type Options struct {
	Selector selector.Options
	// MemoryFraction of each heap budget the plan may use.
	MemoryFraction float64
	// Pipeline selects the kernel. Tier, integer widths and workgroup size
	// are filled from the selection and plan.
	Pipeline pipeline.Config
	// Timestamps enables dispatch timing when the device supports it.
	Timestamps bool
	Log        *slog.Logger
}

// DeviceContext is the opened device and how it was chosen.
type DeviceContext struct {
	Device     gpu.Device
	Selection  selector.Selection
	Candidates []selector.Candidate

	ComputeQueue  gpu.Queue
	TransferQueue gpu.Queue
}

// Session owns every object of one engine instance.
type Session struct {
	Device     *DeviceContext
	Plan       layout.Plan
	Buffers    *buffers.Set
	Pipeline   *pipeline.Objects
	Commands   *commands.Commands
	Timestamps bool

	log   *slog.Logger
	stack *lifetime.Stack
}

// Open builds a session on inst. inst stays owned by the caller and must
// outlive the session.
func Open(inst gpu.Instance, opts Options) (_ *Session, err error) {
	log := gpu.LoggerOrNop(opts.Log)
	stack := lifetime.New(log)
	defer stack.UnwindOnError(&err)
	s := &Session{log: log}

	infos, err := inst.Devices()
	if err != nil {
		return nil, &StageError{StageEnumerate, err}
	}
	sel, cands, err := selector.Select(infos, opts.Selector)
	if err != nil {
		for _, c := range cands {
			if !c.Qualified() {
				log.Info("session: device rejected", "device", c.Info.Adapter.Name, "reason", c.Rejected)
			}
		}
		return nil, &StageError{StageSelect, err}
	}
	log.Info("session: device selected",
		"device", sel.Info.Adapter.Name, "type", sel.Adapter().Type.String(), "score", sel.Score,
		"api", sel.Info.APIVersion.String(), "compute_family", sel.ComputeFamily,
		"transfer_family", sel.TransferFamily, "int16", sel.Features.ShaderInt16,
		"int64", sel.Features.ShaderInt64)

	dev, err := inst.Open(sel.Request())
	if err != nil {
		return nil, &StageError{StageOpen, err}
	}
	stack.Push("device", dev.Destroy)
	ci, ti := sel.QueueIndices()
	s.Device = &DeviceContext{
		Device:        dev,
		Selection:     sel,
		Candidates:    cands,
		ComputeQueue:  dev.Queue(sel.ComputeFamily, ci),
		TransferQueue: dev.Queue(sel.TransferFamily, ti),
	}

	s.Timestamps = opts.Timestamps && timestampsSupported(&sel)
	if opts.Timestamps && !s.Timestamps {
		log.Warn("session: timestamps unsupported on the selected queues, disabled")
	}

	s.Plan, err = PlanFor(&sel, opts.MemoryFraction, s.Timestamps)
	if err != nil {
		return nil, &StageError{StageLayout, err}
	}
	log.Info("session: layout planned", "plan", s.Plan.String())

	s.Buffers, err = buffers.New(dev, s.Plan,
		buffers.WithLogger(log),
		buffers.WithMemoryPriority(sel.Features.MemoryPriority),
		buffers.WithTimestamps(s.Timestamps))
	if err != nil {
		return nil, &StageError{StageBuffers, err}
	}
	stack.Push("buffer set", s.Buffers.Destroy)

	pc := opts.Pipeline
	pc.Tier = sel.Tier()
	pc.Int16 = sel.Features.ShaderInt16
	pc.Int64 = sel.Features.ShaderInt64
	pc.WorkgroupSize = s.Plan.WorkgroupSize
	pc.Log = log
	s.Pipeline, err = pipeline.Build(dev, s.Buffers.Layout, pc)
	if err != nil {
		return nil, &StageError{StagePipeline, err}
	}
	stack.Push("pipeline", s.Pipeline.Destroy)

	s.Commands, err = commands.Record(dev, commands.Input{
		Plan:           s.Plan,
		Buffers:        s.Buffers,
		Pipeline:       s.Pipeline,
		ComputeFamily:  sel.ComputeFamily,
		TransferFamily: sel.TransferFamily,
		Timestamps:     s.Timestamps,
		Log:            log,
	})
	if err != nil {
		return nil, &StageError{StageCommands, err}
	}
	stack.Push("commands", s.Commands.Destroy)

	s.stack = stack.Move()
	return s, nil
}

// PlanFor plans the layout for a selection without opening the device.
func PlanFor(sel *selector.Selection, fraction float64, timestamps bool) (layout.Plan, error) {
	in := layout.Input{
		Limits:           sel.Info.Limits,
		DeviceMemoryType: sel.DeviceMemoryType,
		HostMemoryType:   sel.HostMemoryType,
		DeviceHeap:       sel.DeviceHeap(),
		HostHeap:         sel.HostHeap(),
		DeviceBudget:     heapBudget(sel.Info.MemoryHeaps[sel.DeviceHeap()]),
		HostBudget:       heapBudget(sel.Info.MemoryHeaps[sel.HostHeap()]),
		HostCoherent:     sel.HostFlags().Has(gpu.MemoryHostCoherent),
		Fraction:         fraction,
	}
	if timestamps {
		in.ReservedAllocations = 1
	}
	return layout.Compute(in)
}

func heapBudget(h gpu.MemoryHeap) uint64 {
	if h.Budget != 0 {
		return h.Budget
	}
	return h.Size
}

func timestampsSupported(sel *selector.Selection) bool {
	fams := sel.Info.QueueFamilies
	return sel.Info.Limits.TimestampPeriod > 0 &&
		fams[sel.ComputeFamily].TimestampValidBits > 0 &&
		fams[sel.TransferFamily].TimestampValidBits > 0
}

// SchedulerConfig are the run parameters the session does not own.
type SchedulerConfig = schedule.Config

// NewScheduler creates a scheduler over the session's objects. Device,
// queues, plan, buffers, commands and timestamp period in cfg are
// overwritten. The caller destroys the scheduler before Close.
func (s *Session) NewScheduler(cfg SchedulerConfig) (*schedule.Scheduler, error) {
	if s.stack == nil {
		return nil, ErrClosed
	}
	cfg.Device = s.Device.Device
	cfg.ComputeQueue = s.Device.ComputeQueue
	cfg.TransferQueue = s.Device.TransferQueue
	cfg.Plan = s.Plan
	cfg.Buffers = s.Buffers
	cfg.Commands = s.Commands
	cfg.TimestampPeriod = s.Device.Selection.Info.Limits.TimestampPeriod
	if cfg.Log == nil {
		cfg.Log = s.log
	}
	sched, err := schedule.New(cfg)
	if err != nil {
		return nil, &StageError{StageSchedule, err}
	}
	return sched, nil
}

// Close waits for the device to go idle and releases everything in reverse
// creation order. It is safe to call more than once.
func (s *Session) Close() {
	if s.stack == nil {
		return
	}
	if err := s.Device.Device.WaitIdle(); err != nil {
		s.log.Warn("session: wait idle before teardown", "err", err)
	}
	s.stack.Unwind()
	s.stack = nil
}
