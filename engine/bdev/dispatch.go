package bdev

import (
	"sync"
)

// dispatcher serializes accepted requests onto one device-owned goroutine and
// gives Close() drain semantics: no completion is ever dropped and no new
// request is accepted once the device is closing.
type dispatcher struct {
	mu     sync.RWMutex
	work   chan *Io
	closed bool
	done   sync.WaitGroup
}

func newDispatcher(exec func(io *Io) Completion, counters *statCounters) *dispatcher {
	d := &dispatcher{
		work: make(chan *Io, 256),
	}
	d.done.Add(1)
	go func() {
		defer d.done.Done()
		for io := range d.work {
			comp := exec(io)
			counters.account(io, comp)
			io.Done(comp)
		}
	}()
	return d
}

func (d *dispatcher) submit(io *Io) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDeviceClosed
	}
	d.work <- io
	return nil
}

// close refuses new work and waits for in-flight completions to drain.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.work)
	d.mu.Unlock()
	d.done.Wait()
}
