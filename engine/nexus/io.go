package nexus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/openebs/mayastor-sub001/engine/bdev"
	"github.com/openebs/mayastor-sub001/engine/stats"
)

var (
	ErrNoDevicesAvailable = errors.New("nexus: no devices available")
	ErrNexusUnavailable   = errors.New("nexus: not serving I/O")
)

// ioDesc is the per-request transient state: the join counter over child
// completions and the aggregate outcome. It lives on exactly one reactor;
// every mutation happens from tasks on that reactor, so no locking.
type ioDesc struct {
	io       *bdev.Io
	ch       *channel
	retried  bool
	start    time.Time
	resolved bool

	remaining      int
	mustFail       bool
	retryWanted    bool
	shutdownWanted bool
	faults         []childFault
}

type childFault struct {
	child  *Child
	reason FaultReason
}

// Submit accepts one frontend request and dispatches it on a per-core
// channel. The completion callback fires exactly once.
func (n *Nexus) Submit(io *bdev.Io) error {
	if !n.servingIo() {
		return ErrNexusUnavailable
	}
	if err := n.validateIo(io); err != nil {
		return err
	}
	idx := int(n.rrSeq.Add(1)) % len(n.channels)
	ch := n.channels[idx]
	return ch.reactor.Submit(func() {
		ch.dispatch(io, false)
	})
}

func (n *Nexus) validateIo(io *bdev.Io) error {
	switch io.Type {
	case bdev.IoReset, bdev.IoFlush:
		return nil
	}
	if io.Offset+io.NumBlocks > n.numBlocks || io.Offset+io.NumBlocks < io.Offset {
		return bdev.ErrOutOfRange
	}
	switch io.Type {
	case bdev.IoRead, bdev.IoWrite:
		if uint64(len(io.Data)) != io.NumBlocks*uint64(n.blockSize) {
			return bdev.ErrShortBuffer
		}
	}
	return nil
}

// dispatch runs on the channel's reactor.
func (ch *channel) dispatch(io *bdev.Io, retried bool) {
	desc := &ioDesc{io: io, ch: ch, retried: retried, start: time.Now()}
	if io.Type == bdev.IoRead {
		ch.dispatchRead(desc)
	} else {
		ch.dispatchFanOut(desc)
	}
}

func (ch *channel) dispatchRead(desc *ioDesc) {
	t := ch.selectReader()
	if t == nil {
		desc.fail(bdev.Completion{Status: bdev.StatusIoError, Err: ErrNoDevicesAvailable})
		return
	}
	desc.remaining = 1
	if err := t.device.Submit(desc.childIo(t)); err != nil {
		// Submission failure retires the device immediately.
		desc.remaining = 0
		desc.mustFail = true
		desc.faults = append(desc.faults, childFault{child: t.child, reason: FaultIoError})
		glog.Warningf("nexus %s: read submission to %s failed: %v", ch.nexus.name, t.child.uri, err)
		desc.resolve()
	}
}

func (ch *channel) dispatchFanOut(desc *ioDesc) {
	v := ch.view
	if len(v.writers) == 0 {
		desc.fail(bdev.Completion{Status: bdev.StatusIoError, Err: ErrNoDevicesAvailable})
		return
	}

	// Pre-claim one completion per writer so a synchronous completion of the
	// first child cannot resolve the descriptor while later submissions are
	// still being issued.
	desc.remaining = len(v.writers)
	ranged := desc.io.Type != bdev.IoReset && desc.io.Type != bdev.IoFlush
	for _, t := range v.writers {
		var err error
		if ranged && t.intent != nil {
			// A rebuild destination: record the write in the job's intent log
			// and submit while still holding it, so the copy loop can never
			// slip a stale version of this range in behind us.
			t.intent.LogBefore(desc.io.Offset, desc.io.NumBlocks, func() {
				err = t.device.Submit(desc.childIo(t))
			})
		} else {
			err = t.device.Submit(desc.childIo(t))
		}
		if err != nil {
			desc.remaining--
			desc.mustFail = true
			desc.faults = append(desc.faults, childFault{child: t.child, reason: FaultIoError})
			glog.Warningf("nexus %s: %s submission to %s failed: %v",
				ch.nexus.name, desc.io.Type, t.child.uri, err)
		}
	}
	// The already-submitted subset must drain before the request resolves,
	// even when some submissions failed.
	if desc.remaining == 0 {
		desc.resolve()
	}
}

// childIo clones the frontend request for one child and routes the completion
// back onto the owning reactor.
func (desc *ioDesc) childIo(t *target) *bdev.Io {
	return &bdev.Io{
		Type:      desc.io.Type,
		Offset:    desc.io.Offset,
		NumBlocks: desc.io.NumBlocks,
		Data:      desc.io.Data,
		Done: func(comp bdev.Completion) {
			if err := desc.ch.reactor.Submit(func() {
				desc.childComplete(t, comp)
			}); err != nil {
				glog.Errorf("nexus %s: dropping completion for %s: %v",
					desc.ch.nexus.name, t.child.uri, err)
			}
		},
	}
}

// childComplete folds one child completion into the aggregate. Runs on the
// descriptor's reactor.
func (desc *ioDesc) childComplete(t *target, comp bdev.Completion) {
	if !comp.Ok() {
		switch ClassifyCompletion(comp.Status) {
		case ActionIgnore:
			// Optional opcode unsupported; the child stays.
		case ActionRetry:
			desc.retryWanted = true
		case ActionShutdown:
			desc.mustFail = true
			desc.shutdownWanted = true
		case ActionRetire:
			desc.mustFail = true
			desc.faults = append(desc.faults, childFault{child: t.child, reason: faultReasonFor(comp.Status)})
			glog.Warningf("nexus %s: %s completion from %s failed: %s",
				desc.ch.nexus.name, desc.io.Type, t.child.uri, comp.Status)
		}
	}
	desc.remaining--
	if desc.remaining > 0 {
		return
	}
	desc.resolve()
}

// resolve delivers the aggregate outcome. Exactly one of the branches below
// completes the frontend request, exactly once.
func (desc *ioDesc) resolve() {
	if desc.resolved {
		glog.Fatalf("nexus %s: double resolve of %s io at block %d",
			desc.ch.nexus.name, desc.io.Type, desc.io.Offset)
	}
	desc.resolved = true
	n := desc.ch.nexus

	if desc.shutdownWanted {
		// Reservation conflict: the replica has a new rightful owner. No
		// child retirement; the whole nexus stands down.
		go func() {
			n.selfShutdown("reservation conflict")
			desc.fail(bdev.Completion{Status: bdev.StatusReservationConflict,
				Err: fmt.Errorf("nexus %s: reservation conflict", n.name)})
		}()
		return
	}

	if len(desc.faults) > 0 {
		// Fault path: the failure must be on stable storage before the
		// issuer learns about it.
		go func() {
			n.retire(desc.faults)
			desc.fail(bdev.Completion{Status: bdev.StatusIoError,
				Err: fmt.Errorf("nexus %s: %d child(ren) retired", n.name, len(desc.faults))})
		}()
		return
	}

	if desc.retryWanted {
		if !desc.retried {
			// The failure was collateral of an unrelated retirement; the
			// remaining healthy set can serve it.
			glog.V(1).Infof("nexus %s: retrying %s io at block %d after aborted completion",
				n.name, desc.io.Type, desc.io.Offset)
			desc.ch.dispatch(desc.io, true)
			return
		}
		desc.fail(bdev.Completion{Status: bdev.StatusAborted,
			Err: fmt.Errorf("nexus %s: io aborted twice", n.name)})
		return
	}

	desc.succeed()
}

func (desc *ioDesc) succeed() {
	n := desc.ch.nexus
	stats.NexusIoCounter.WithLabelValues(n.name, desc.io.Type.String(), "success").Inc()
	stats.NexusIoLatency.WithLabelValues(n.name, desc.io.Type.String()).Observe(time.Since(desc.start).Seconds())
	desc.io.Done(bdev.Completion{Status: bdev.StatusSuccess})
}

func (desc *ioDesc) fail(comp bdev.Completion) {
	n := desc.ch.nexus
	stats.NexusIoCounter.WithLabelValues(n.name, desc.io.Type.String(), "failure").Inc()
	desc.io.Done(comp)
}

// Do submits one request and waits for the aggregate outcome.
func (n *Nexus) Do(ctx context.Context, ioType bdev.IoType, offset, numBlocks uint64, data []byte) error {
	done := make(chan bdev.Completion, 1)
	io := &bdev.Io{
		Type:      ioType,
		Offset:    offset,
		NumBlocks: numBlocks,
		Data:      data,
		Done:      func(c bdev.Completion) { done <- c },
	}
	if err := n.Submit(io); err != nil {
		return err
	}
	select {
	case comp := <-done:
		if !comp.Ok() {
			if comp.Err != nil {
				return comp.Err
			}
			return fmt.Errorf("nexus %s: %s failed: %s", n.name, ioType, comp.Status)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
