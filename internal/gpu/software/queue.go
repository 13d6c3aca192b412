package software

import (
	"sync"
	"time"

	"github.com/gogpu/collatz/internal/gpu"
)

const spirvMagic = 0x07230203

type semaphore struct {
	id      gpu.Semaphore
	mu      sync.Mutex
	value   uint64
	changed chan struct{}
}

func newSemaphore(id gpu.Semaphore, initial uint64) *semaphore {
	return &semaphore{id: id, value: initial, changed: make(chan struct{})}
}

func (s *semaphore) load() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// signal raises the counter. Timeline values must strictly increase.
// note runs before any waiter can observe the new value.
func (s *semaphore) signal(v uint64, note func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v <= s.value {
		return &gpu.Error{Op: "vkSignalSemaphore", Result: gpu.ErrorUnknown}
	}
	note()
	s.value = v
	close(s.changed)
	s.changed = make(chan struct{})
	return nil
}

// wait blocks until the counter reaches v, lost is closed or expire fires.
func (s *semaphore) wait(v uint64, lost <-chan struct{}, expire <-chan time.Time) error {
	for {
		s.mu.Lock()
		cur, ch := s.value, s.changed
		s.mu.Unlock()
		if cur >= v {
			return nil
		}
		select {
		case <-ch:
		case <-lost:
			return &gpu.Error{Op: "vkWaitSemaphores", Result: gpu.ErrorDeviceLost}
		case <-expire:
			return &gpu.Error{Op: "vkWaitSemaphores", Result: gpu.Timeout}
		}
	}
}

type semValue struct {
	sem   *semaphore
	value uint64
}

type batch struct {
	waits   []semValue
	cmds    []command
	signals []semValue
}

// queue executes batches in submission order on its own goroutine.
type queue struct {
	id     gpu.Queue
	family uint32
	dev    *Device

	mu      sync.Mutex
	cond    *sync.Cond
	pending []batch
	busy    bool
	closed  bool
}

func newQueue(d *Device, id gpu.Queue, family uint32) *queue {
	q := &queue{id: id, family: family, dev: d}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

func (q *queue) push(b []batch) {
	q.mu.Lock()
	q.pending = append(q.pending, b...)
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *queue) loop() {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		b := q.pending[0]
		q.pending = q.pending[1:]
		q.busy = true
		q.mu.Unlock()

		q.execute(b)

		q.mu.Lock()
		q.busy = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *queue) execute(b batch) {
	d := q.dev
	if d.lostError() != nil {
		return
	}
	for _, w := range b.waits {
		if err := w.sem.wait(w.value, d.lost, nil); err != nil {
			return
		}
		d.opts.trace.add(Event{Kind: DeviceWait, Semaphore: w.sem.id, Value: w.value, Queue: q.id})
	}
	st := &execState{dev: d}
	for _, c := range b.cmds {
		if err := c.exec(st); err != nil {
			d.opts.log.Error("software: command failed", "cmd", c.info.Kind.String(), "err", err)
			d.markLost("vkQueueSubmit")
			return
		}
	}
	for _, s := range b.signals {
		ev := Event{Kind: DeviceSignal, Semaphore: s.sem.id, Value: s.value, Queue: q.id}
		if err := s.sem.signal(s.value, func() { d.opts.trace.add(ev) }); err != nil {
			d.opts.log.Error("software: non-increasing signal", "semaphore", s.sem.id, "value", s.value)
			d.markLost("vkQueueSubmit")
			return
		}
	}
}

// waitIdle blocks until nothing is pending or executing. Batches on a lost
// device are dropped without executing.
func (q *queue) waitIdle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 || q.busy {
		q.cond.Wait()
	}
}

// close stops the goroutine once queued work has drained.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
