// Package schedule drives the submission loop.
//
// Every slot owns one timeline semaphore. Transfer round N of a slot waits
// for 2N and signals 2N+1; compute round N waits for 2N+1 and signals 2N+2.
// Round 0 of every slot's transfer is the shared prime submission. After
// that, the host visits the slots in a fixed order and for each one:
//
//	(a) waits for compute round k
//	(b) reads the dispatch timestamps, if enabled
//	(c) submits compute round k+1, which waits for transfer round k+1
//	(d) waits for transfer round k
//	(e) reads the transfer timestamps, if enabled, and reduces the output
//	    copied back by transfer round k
//	(f) writes the next batch into the input region
//	(g) flushes non-coherent ranges
//	(h) submits transfer round k+1
//
// Step (c) is submitted before its transfer so the compute queue already
// holds the next dispatch when the transfer signals. The output reduced in
// round k was produced by compute round k-1. Whether round k+1 runs is
// decided once per round, before the first slot is visited, so a stop
// request always lands on a round boundary. After the last round every
// slot submits one more transfer, which reads back the last dispatch's
// output, and reduces it. The cursor returned by Run therefore follows the
// last dispatched value.
package schedule

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/collatz/internal/buffers"
	"github.com/gogpu/collatz/internal/commands"
	"github.com/gogpu/collatz/internal/gpu"
	"github.com/gogpu/collatz/internal/layout"
	"github.com/gogpu/collatz/internal/records"
	"github.com/gogpu/collatz/internal/u128"
)

// ErrAlreadyRun is returned when Run is called twice.
var ErrAlreadyRun = errors.New("schedule: scheduler already ran")

// Config wires the scheduler to the objects it drives.
type Config struct {
	Device        gpu.Device
	ComputeQueue  gpu.Queue
	TransferQueue gpu.Queue
	Plan          layout.Plan
	Buffers       *buffers.Set
	Commands      *commands.Commands
	// Tracker holds the cursor and the current record. Its cursor must be
	// odd.
	Tracker *records.Tracker

	// MaxRounds caps compute rounds per slot. Zero runs until stopped.
	MaxRounds uint64
	// WaitTimeout bounds every semaphore wait. Zero waits forever.
	WaitTimeout time.Duration
	// TimestampPeriod converts timestamp ticks to nanoseconds.
	TimestampPeriod float32

	// Console, if set, is watched for a line of input that stops the run.
	Console io.Reader
	// OnRecord is called on the loop goroutine for every new record.
	OnRecord func(records.Record)
	Log      *slog.Logger
}

// StopReason tells why Run returned without error.
type StopReason uint8

const (
	// StopRoundCap means MaxRounds was reached.
	StopRoundCap StopReason = iota
	// StopRequested means the console watcher, Stop or the context ended
	// the run.
	StopRequested
)

func (r StopReason) String() string {
	if r == StopRoundCap {
		return "round cap"
	}
	return "stop requested"
}

// Result summarizes a run.
type Result struct {
	// State is the tracker state at exit. State.Next is the first value
	// that was not reduced.
	State   records.State
	Records []records.Record
	// Rounds is the number of host rounds completed.
	Rounds  uint64
	Stopped StopReason
	Elapsed time.Duration
	// DispatchTime sums measured dispatch durations over Dispatches.
	DispatchTime time.Duration
	Dispatches   uint64
	// TransferTime sums measured transfer durations over Transfers.
	TransferTime time.Duration
	Transfers    uint64
}

type op struct {
	wait, signal uint64
}

type slot struct {
	idx   int
	sem   gpu.Semaphore
	phase Phase
	// reached is the highest semaphore value the host has observed.
	reached uint64
	// outstanding are submitted operations not yet observed complete.
	outstanding []op
	// batches holds the start values uploaded but not yet reduced, oldest
	// first.
	batches []u128.Uint128

	waits   [1]gpu.SemaphoreValue
	signals [1]gpu.SemaphoreValue
	cbs     [1]gpu.CommandBuffer
	submits [1]gpu.Submit
}

func (sl *slot) prune() {
	live := sl.outstanding[:0]
	for _, o := range sl.outstanding {
		if o.signal > sl.reached {
			live = append(live, o)
		}
	}
	sl.outstanding = live
}

// Scheduler runs the submission loop over every slot of a buffer set.
type Scheduler struct {
	cfg   Config
	dev   gpu.Device
	log   *slog.Logger
	slots []*slot
	lanes uint64

	stop atomic.Bool
	ran  bool
	// upload is the first value of the next batch to write.
	upload u128.Uint128

	records      []records.Record
	dispatches timing
	transfers  timing
}

// New creates one timeline semaphore per slot.
func New(cfg Config) (_ *Scheduler, err error) {
	if !cfg.Tracker.State().Next.IsOdd() {
		return nil, fmt.Errorf("schedule: cursor %s: %w", cfg.Tracker.State().Next, records.ErrEvenStart)
	}
	s := &Scheduler{
		cfg:   cfg,
		dev:   cfg.Device,
		log:   gpu.LoggerOrNop(cfg.Log),
		lanes: cfg.Plan.ValuesPerInout,
	}
	defer func() {
		if err != nil {
			s.Destroy()
		}
	}()
	for i := range cfg.Buffers.Slots {
		sem, err := s.dev.CreateTimelineSemaphore(0)
		if err != nil {
			return nil, fmt.Errorf("schedule: semaphore %d: %w", i, err)
		}
		s.slots = append(s.slots, &slot{
			idx:         i,
			sem:         sem,
			outstanding: make([]op, 0, 4),
			batches:     make([]u128.Uint128, 0, 4),
		})
	}
	return s, nil
}

// Semaphores returns the per slot semaphores in slot order.
func (s *Scheduler) Semaphores() []gpu.Semaphore {
	out := make([]gpu.Semaphore, len(s.slots))
	for i, sl := range s.slots {
		out[i] = sl.sem
	}
	return out
}

// Phases returns each slot's phase. Only meaningful after Run returns.
func (s *Scheduler) Phases() []Phase {
	out := make([]Phase, len(s.slots))
	for i, sl := range s.slots {
		out[i] = sl.phase
	}
	return out
}

// Stop asks the loop to end. Rounds already dispatched still complete and
// are reduced. It is safe to call from any goroutine.
func (s *Scheduler) Stop() { s.stop.Store(true) }

// Destroy releases the semaphores. The device must be idle.
func (s *Scheduler) Destroy() {
	for _, sl := range s.slots {
		s.dev.DestroySemaphore(sl.sem)
	}
	s.slots = nil
}

// Run executes rounds until MaxRounds, Stop, console input or ctx ends the
// run. It always leaves the device idle.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	if s.ran {
		return Result{}, ErrAlreadyRun
	}
	s.ran = true
	if s.cfg.Console != nil {
		go s.watchConsole(s.cfg.Console)
	}

	start := time.Now()
	var res Result
	loopDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.stop.Store(true)
		case <-loopDone:
		}
		return nil
	})
	g.Go(func() error {
		defer close(loopDone)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		var err error
		res, err = s.loop()
		return err
	})
	err := g.Wait()

	res.State = s.cfg.Tracker.State()
	res.Records = s.records
	res.Elapsed = time.Since(start)
	res.Dispatches, res.DispatchTime = s.dispatches.count, s.dispatches.duration(s.cfg.TimestampPeriod)
	res.Transfers, res.TransferTime = s.transfers.count, s.transfers.duration(s.cfg.TimestampPeriod)
	s.log.Info("schedule: stopped",
		"reason", res.Stopped.String(), "rounds", res.Rounds, "next", res.State.Next.String(),
		"tested", res.State.Tested, "elapsed", res.Elapsed, "err", err)
	return res, err
}

// watchConsole stops the run on the first line of input. It is never
// joined: a blocked read cannot be interrupted, and end of input means
// nobody is there to type.
func (s *Scheduler) watchConsole(r io.Reader) {
	sc := bufio.NewScanner(r)
	if sc.Scan() {
		s.log.Info("schedule: stop requested from console")
		s.stop.Store(true)
	}
}

func (s *Scheduler) loop() (res Result, err error) {
	defer func() {
		if derr := s.drain(); derr != nil && err == nil {
			err = derr
		}
	}()
	if err := s.prime(); err != nil {
		return res, err
	}
	lastRound := s.cfg.MaxRounds
	s.log.Info("schedule: running",
		"slots", len(s.slots), "lanes", s.lanes, "start", s.cfg.Tracker.State().Next.String(),
		"max_rounds", lastRound)
	for k := uint64(0); ; k++ {
		more := true
		switch {
		case lastRound != 0 && k+1 >= lastRound:
			more, res.Stopped = false, StopRoundCap
		case s.stop.Load():
			more, res.Stopped = false, StopRequested
		}
		for _, sl := range s.slots {
			if err := s.step(sl, k, more); err != nil {
				return res, err
			}
		}
		res.Rounds = k + 1
		s.log.Debug("schedule: round", "round", k, "next", s.cfg.Tracker.State().Next.String())
		if !more {
			for _, sl := range s.slots {
				if err := s.finish(sl, k); err != nil {
					return res, err
				}
			}
			return res, nil
		}
	}
}

// prime writes every slot's first batch, submits the upload of all of them
// and each slot's first dispatch.
func (s *Scheduler) prime() error {
	s.upload = s.cfg.Tracker.State().Next
	for _, sl := range s.slots {
		s.writeBatch(sl)
		if err := s.cfg.Buffers.FlushInput(sl.idx); err != nil {
			return fmt.Errorf("schedule: flush slot %d: %w", sl.idx, err)
		}
	}
	waits := make([]gpu.SemaphoreValue, len(s.slots))
	signals := make([]gpu.SemaphoreValue, len(s.slots))
	for i, sl := range s.slots {
		waits[i] = gpu.SemaphoreValue{Semaphore: sl.sem, Value: 0, Stage: gpu.StageTransfer}
		signals[i] = gpu.SemaphoreValue{Semaphore: sl.sem, Value: 1}
	}
	err := s.dev.Submit(s.cfg.TransferQueue, []gpu.Submit{{
		Waits:          waits,
		CommandBuffers: []gpu.CommandBuffer{s.cfg.Commands.Prime},
		Signals:        signals,
	}})
	if err != nil {
		return fmt.Errorf("schedule: prime submit: %w", err)
	}
	for _, sl := range s.slots {
		sl.outstanding = append(sl.outstanding, op{wait: 0, signal: 1})
		sl.phase = Uploading
	}
	for _, sl := range s.slots {
		if err := s.submitCompute(sl, 0); err != nil {
			return err
		}
	}
	return nil
}

// step runs one round of one slot. more reports whether round k+1 runs.
func (s *Scheduler) step(sl *slot, k uint64, more bool) error {
	if err := s.wait(sl, 2*k+2); err != nil {
		return err
	}
	sl.phase = AwaitingReadback
	s.readTimestamps(sl, buffers.QueryComputeStart, &s.dispatches)
	if more {
		if err := s.submitCompute(sl, k+1); err != nil {
			return err
		}
	}
	if err := s.wait(sl, 2*k+1); err != nil {
		return err
	}
	if k >= 1 {
		s.readTimestamps(sl, buffers.QueryTransferStart, &s.transfers)
		if err := s.consume(sl); err != nil {
			return err
		}
	}
	if !more {
		return nil
	}
	s.writeBatch(sl)
	if err := s.cfg.Buffers.FlushInput(sl.idx); err != nil {
		return fmt.Errorf("schedule: flush slot %d: %w", sl.idx, err)
	}
	return s.submitTransfer(sl, k+1)
}

// finish reads back the output of the slot's last compute round k with
// transfer round k+1 and reduces it. The transfer also uploads the stale
// input, which no dispatch reads.
func (s *Scheduler) finish(sl *slot, k uint64) error {
	if err := s.submitTransfer(sl, k+1); err != nil {
		return err
	}
	if err := s.wait(sl, 2*k+3); err != nil {
		return err
	}
	s.readTimestamps(sl, buffers.QueryTransferStart, &s.transfers)
	return s.consume(sl)
}

func (s *Scheduler) consume(sl *slot) error {
	if err := s.cfg.Buffers.InvalidateOutput(sl.idx); err != nil {
		return fmt.Errorf("schedule: invalidate slot %d: %w", sl.idx, err)
	}
	start := sl.batches[0]
	copy(sl.batches, sl.batches[1:])
	sl.batches = sl.batches[:len(sl.batches)-1]
	found, err := s.cfg.Tracker.Consume(start, s.cfg.Buffers.Slots[sl.idx].Output)
	if err != nil {
		return fmt.Errorf("schedule: slot %d: %w", sl.idx, err)
	}
	for _, r := range found {
		s.records = append(s.records, r)
		s.log.Info("schedule: new record",
			"value", r.Value.String(), "steps", r.Steps, "source", r.Source.String())
		if s.cfg.OnRecord != nil {
			s.cfg.OnRecord(r)
		}
	}
	sl.phase = AwaitingUpload
	return nil
}

// writeBatch fills the slot's host input with the next upload values
// start, start+2, ... and queues start as in flight.
func (s *Scheduler) writeBatch(sl *slot) {
	start := s.upload
	s.upload = start.Add64(2 * s.lanes)
	in := s.cfg.Buffers.Slots[sl.idx].Input
	lo, hi := start.Lo, start.Hi
	for i := uint64(0); i < s.lanes; i++ {
		in[2*i] = lo
		in[2*i+1] = hi
		lo += 2
		if lo < 2 {
			hi++
		}
	}
	sl.batches = append(sl.batches, start)
}

// timing accumulates measured durations in device ticks.
type timing struct {
	ticks uint64
	count uint64
}

func (t *timing) duration(period float32) time.Duration {
	return time.Duration(float64(t.ticks) * float64(period))
}

// readTimestamps adds the start and end queries at first to t. The prime
// upload writes no timestamps, so transfer round 0 is never read.
func (s *Scheduler) readTimestamps(sl *slot, first int, t *timing) {
	ts := s.cfg.Buffers.Timestamps
	if ts == nil || s.cfg.Commands.Queries == 0 {
		return
	}
	if err := s.cfg.Buffers.InvalidateTimestamps(); err != nil {
		s.log.Warn("schedule: invalidate timestamps", "err", err)
		return
	}
	ticks := ts.Slot(sl.idx)
	if end, begin := ticks[first+1], ticks[first]; end > begin {
		t.ticks += end - begin
		t.count++
	}
}

func (s *Scheduler) wait(sl *slot, v uint64) error {
	if sl.reached >= v {
		return nil
	}
	if err := s.dev.WaitSemaphore(sl.sem, v, s.cfg.WaitTimeout); err != nil {
		return fmt.Errorf("schedule: slot %d waiting for %d: %w", sl.idx, v, err)
	}
	sl.reached = v
	sl.prune()
	return nil
}

func (s *Scheduler) submitCompute(sl *slot, round uint64) error {
	cb := s.cfg.Commands.Slots[sl.idx].Compute
	if err := s.submit(s.cfg.ComputeQueue, sl, cb, 2*round+1, gpu.StageComputeShader); err != nil {
		return fmt.Errorf("schedule: slot %d compute round %d: %w", sl.idx, round, err)
	}
	sl.phase = Computing
	if sl.reached < 2*round+1 {
		sl.phase = AwaitingCompute
	}
	return nil
}

func (s *Scheduler) submitTransfer(sl *slot, round uint64) error {
	cb := s.cfg.Commands.Slots[sl.idx].Transfer
	if err := s.submit(s.cfg.TransferQueue, sl, cb, 2*round, gpu.StageTransfer); err != nil {
		return fmt.Errorf("schedule: slot %d transfer round %d: %w", sl.idx, round, err)
	}
	sl.phase = Uploading
	return nil
}

// submit queues cb waiting for wait and signaling wait+1. It reuses the
// slot's submit arrays.
func (s *Scheduler) submit(q gpu.Queue, sl *slot, cb gpu.CommandBuffer, wait uint64, stage gpu.Stage) error {
	sl.waits[0] = gpu.SemaphoreValue{Semaphore: sl.sem, Value: wait, Stage: stage}
	sl.signals[0] = gpu.SemaphoreValue{Semaphore: sl.sem, Value: wait + 1}
	sl.cbs[0] = cb
	sl.submits[0] = gpu.Submit{Waits: sl.waits[:], CommandBuffers: sl.cbs[:], Signals: sl.signals[:]}
	if err := s.dev.Submit(q, sl.submits[:]); err != nil {
		return err
	}
	sl.outstanding = append(sl.outstanding, op{wait: wait, signal: wait + 1})
	return nil
}

// drain brings the device to idle. Submitted operations whose wait value
// no submitted operation will signal are released by signaling that value
// from the host, once everything before it has completed.
func (s *Scheduler) drain() error {
	for _, sl := range s.slots {
		if err := s.release(sl); err != nil {
			s.log.Error("schedule: cannot release pending work", "slot", sl.idx, "err", err)
			break
		}
	}
	if err := s.dev.WaitIdle(); err != nil {
		return fmt.Errorf("schedule: wait idle: %w", err)
	}
	return nil
}

func (s *Scheduler) release(sl *slot) error {
	ops := sl.outstanding
	// Few entries; insertion sort by wait value.
	for i := 1; i < len(ops); i++ {
		for j := i; j > 0 && ops[j].wait < ops[j-1].wait; j-- {
			ops[j], ops[j-1] = ops[j-1], ops[j]
		}
	}
	reach := sl.reached
	for _, o := range ops {
		if o.wait > reach {
			if err := s.wait(sl, reach); err != nil {
				return err
			}
			s.log.Warn("schedule: releasing orphaned submission", "slot", sl.idx, "value", o.wait)
			if err := s.dev.SignalSemaphore(sl.sem, o.wait); err != nil {
				return err
			}
			sl.reached = o.wait
		}
		reach = max(reach, o.signal)
	}
	return nil
}
