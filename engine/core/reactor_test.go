package core

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReactorSerialOrder(t *testing.T) {
	p := NewPool(1)
	p.Start()
	defer p.Stop()

	var got []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		if err := p.Reactor(0).Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			wg.Done()
		}); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	for i := 0; i < 100; i++ {
		assert.Equal(t, i, got[i], "tasks must run in submission order")
	}
}

func TestBroadcastReachesEveryReactor(t *testing.T) {
	p := NewPool(4)
	p.Start()
	defer p.Stop()

	var seen [4]atomic.Int32
	err := p.Broadcast(func(r *Reactor) {
		seen[r.Index()].Add(1)
	})
	assert.NoError(t, err)
	for i := range seen {
		assert.Equal(t, int32(1), seen[i].Load(), "reactor %d", i)
	}
}

func TestBroadcastWaitsForAcks(t *testing.T) {
	p := NewPool(3)
	p.Start()
	defer p.Stop()

	var applied atomic.Int32
	err := p.Broadcast(func(r *Reactor) {
		applied.Add(1)
	})
	assert.NoError(t, err)
	// Broadcast returned, so every reactor must already have applied it.
	assert.Equal(t, int32(3), applied.Load())
}

func TestSubmitAfterStop(t *testing.T) {
	p := NewPool(2)
	p.Start()
	p.Stop()
	err := p.Reactor(1).Submit(func() {})
	assert.Equal(t, ErrReactorStopped, err)
}

func TestSubmitDuringStopNeverPanics(t *testing.T) {
	p := NewPool(2)
	p.Start()

	// Hammer Submit from many goroutines while Stop closes the queues; every
	// call must either run or return ErrReactorStopped, never send on a
	// closed channel.
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if err := p.Reactor(i%2).Submit(func() {}); err != nil {
					assert.Equal(t, ErrReactorStopped, err)
					return
				}
			}
		}()
	}
	p.Stop()
	wg.Wait()
}

func TestCallRunsInline(t *testing.T) {
	p := NewPool(2)
	p.Start()
	defer p.Stop()

	ran := false
	err := p.Reactor(1).Call(func() { ran = true })
	assert.NoError(t, err)
	assert.True(t, ran)
}
