package software

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// computeUnits is a pool of goroutines that run dispatch chunks.
//
// Each unit has its own chunk queue and steals from the others when it
// runs dry, so a slow chunk (long trajectories) does not stall the rest
// of the dispatch.
type computeUnits struct {
	n      int
	queues []chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	// running is false once close has been called.
	running atomic.Bool
}

func newComputeUnits(n int) *computeUnits {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	u := &computeUnits{
		n:      n,
		queues: make([]chan func(), n),
		done:   make(chan struct{}),
	}
	depth := max(n*4, 8)
	for i := range n {
		u.queues[i] = make(chan func(), depth)
	}
	u.running.Store(true)
	u.wg.Add(n)
	for i := range n {
		go u.unit(i)
	}
	return u
}

func (u *computeUnits) unit(id int) {
	defer u.wg.Done()
	own := u.queues[id]
	for {
		select {
		case <-u.done:
			u.drain(own)
			return
		case fn := <-own:
			fn()
		default:
			if fn := u.steal(id); fn != nil {
				fn()
				continue
			}
			select {
			case <-u.done:
				u.drain(own)
				return
			case fn := <-own:
				fn()
			}
		}
	}
}

func (u *computeUnits) drain(q chan func()) {
	for {
		select {
		case fn := <-q:
			fn()
		default:
			return
		}
	}
}

func (u *computeUnits) steal(id int) func() {
	for i := range u.n {
		if i == id {
			continue
		}
		select {
		case fn := <-u.queues[i]:
			return fn
		default:
		}
	}
	return nil
}

// run executes every chunk and waits for all of them. After close it runs
// the chunks on the calling goroutine.
func (u *computeUnits) run(chunks []func()) {
	if len(chunks) == 0 {
		return
	}
	if !u.running.Load() {
		for _, fn := range chunks {
			fn()
		}
		return
	}
	var wg sync.WaitGroup
	wg.Add(len(chunks))
	for i, fn := range chunks {
		task := func() {
			defer wg.Done()
			fn()
		}
		select {
		case u.queues[i%u.n] <- task:
		case <-u.done:
			task()
		}
	}
	wg.Wait()
}

func (u *computeUnits) close() {
	if !u.running.CompareAndSwap(true, false) {
		return
	}
	close(u.done)
	u.wg.Wait()
}
