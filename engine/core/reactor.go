// Package core provides the per-core cooperative scheduling substrate.
// Each reactor is a single goroutine draining a serial task queue; state owned
// by a reactor is only ever touched from tasks running on that reactor.
package core

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

var ErrReactorStopped = errors.New("core: reactor stopped")

type Task func()

// Reactor is one single-threaded event loop. Index 0 of a Pool is the
// management reactor: cross-core broadcasts originate there.
type Reactor struct {
	index   int
	mu      sync.RWMutex
	tasks   chan Task
	stopped bool
	drained chan struct{}
}

func newReactor(index int, queueDepth int) *Reactor {
	return &Reactor{
		index:   index,
		tasks:   make(chan Task, queueDepth),
		drained: make(chan struct{}),
	}
}

func (r *Reactor) Index() int {
	return r.index
}

func (r *Reactor) run() {
	for task := range r.tasks {
		task()
	}
	close(r.drained)
}

// Submit enqueues a task on this reactor. Tasks run in submission order.
// The lock pins the channel open across the send so a concurrent Stop
// cannot close it underneath us.
func (r *Reactor) Submit(task Task) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return ErrReactorStopped
	}
	// The queue is unbounded in practice: block until the reactor drains.
	r.tasks <- task
	return nil
}

// stop refuses new tasks and closes the queue. Idempotent.
func (r *Reactor) stop() {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.tasks)
	}
	r.mu.Unlock()
}

// Call runs a task on the reactor and waits for it to return. Must not be
// invoked from a task already running on the same reactor.
func (r *Reactor) Call(task Task) error {
	done := make(chan struct{})
	err := r.Submit(func() {
		task()
		close(done)
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}

// Pool is a fixed set of reactors, one per configured core.
type Pool struct {
	reactors []*Reactor
	started  atomic.Bool
}

func NewPool(cores int) *Pool {
	if cores < 1 {
		cores = 1
	}
	p := &Pool{}
	for i := 0; i < cores; i++ {
		p.reactors = append(p.reactors, newReactor(i, 1024))
	}
	return p
}

func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for _, r := range p.reactors {
		go r.run()
	}
	glog.V(0).Infof("started %d reactors", len(p.reactors))
}

// Stop refuses new tasks and waits for every reactor to drain its queue.
func (p *Pool) Stop() {
	for _, r := range p.reactors {
		r.stop()
	}
	for _, r := range p.reactors {
		<-r.drained
	}
}

func (p *Pool) Size() int {
	return len(p.reactors)
}

func (p *Pool) Reactor(i int) *Reactor {
	return p.reactors[i]
}

// Management returns the reactor that owns cross-core coordination.
func (p *Pool) Management() *Reactor {
	return p.reactors[0]
}

// Broadcast runs fn on every reactor and returns once all of them have
// acknowledged. This is the sole cross-core synchronization point: channel
// reconfiguration rides on it. Must not be called from a reactor task, or the
// initiating reactor would wait on itself.
func (p *Pool) Broadcast(fn func(r *Reactor)) error {
	var wg sync.WaitGroup
	for _, r := range p.reactors {
		r := r
		wg.Add(1)
		if err := r.Submit(func() {
			defer wg.Done()
			fn(r)
		}); err != nil {
			wg.Done()
			return err
		}
	}
	wg.Wait()
	return nil
}
