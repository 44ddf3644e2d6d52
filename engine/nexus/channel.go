package nexus

import (
	"github.com/openebs/mayastor-sub001/engine/bdev"
	"github.com/openebs/mayastor-sub001/engine/core"
	"github.com/openebs/mayastor-sub001/engine/rebuild"
)

// target pairs a child's device handle with the intent log of the rebuild
// targeting it, if any. Targets are immutable once built.
type target struct {
	child  *Child
	device bdev.BlockDevice
	intent *rebuild.IntentLog
}

// channelView is one core's private picture of the nexus: which devices serve
// reads, which receive fan-out, and the read-selection cursor. It is swapped
// wholesale by reconfiguration and never mutated in place (except cursor,
// which only the owning reactor touches).
type channelView struct {
	readers []*target
	writers []*target
	cursor  int
}

// channel is the per-core I/O funnel. Its view is only ever read or replaced
// from tasks running on its reactor, so no locking is needed on the hot path.
type channel struct {
	nexus   *Nexus
	reactor *core.Reactor
	view    *channelView
}

func newChannel(n *Nexus, r *core.Reactor) *channel {
	return &channel{
		nexus:   n,
		reactor: r,
		view:    &channelView{},
	}
}

// selectReader round-robins across read-eligible devices.
func (ch *channel) selectReader() *target {
	v := ch.view
	if len(v.readers) == 0 {
		return nil
	}
	t := v.readers[v.cursor%len(v.readers)]
	v.cursor++
	return t
}

// buildViewsLocked constructs a fresh view per core from current child
// eligibility. Caller holds the nexus lock.
func (n *Nexus) buildViewsLocked() []*channelView {
	views := make([]*channelView, len(n.channels))
	for i := range n.channels {
		v := &channelView{}
		for _, c := range n.children {
			if !c.writeEligible() {
				continue
			}
			t := &target{child: c, device: c.device}
			if c.job != nil {
				t.intent = c.job.Intent()
			}
			v.writers = append(v.writers, t)
			if c.readEligible() {
				v.readers = append(v.readers, t)
			}
		}
		views[i] = v
	}
	return views
}

// applyViews swaps the new view in on every core and waits for every core to
// acknowledge. The triggering operation (retire, rebuild start, add/remove
// child) is not complete until this returns: a rebuild destination must not
// miss writes dispatched between the membership change and the channel update.
// Must not be called while holding the nexus lock, since reactors may be
// running dispatch tasks that block on channel state.
func (n *Nexus) applyViews(views []*channelView) {
	n.pool.Broadcast(func(r *core.Reactor) {
		ch := n.channels[r.Index()]
		ch.view = views[r.Index()]
	})
}

// reconfigure rebuilds and broadcasts channel views from current membership.
func (n *Nexus) reconfigure() {
	n.mu.Lock()
	views := n.buildViewsLocked()
	n.mu.Unlock()
	n.applyViews(views)
}
