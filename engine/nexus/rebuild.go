package nexus

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/openebs/mayastor-sub001/engine/bdev"
	"github.com/openebs/mayastor-sub001/engine/rebuild"
)

// RebuildOptions tune one rebuild start.
type RebuildOptions struct {
	Verify        bool
	SegmentBlocks uint64
}

// StartRebuild resynchronizes the child at destURI from a healthy sibling.
// The destination joins the write fan-out (with intent logging) before the
// copy loop starts, so no live write can be missed.
func (n *Nexus) StartRebuild(destURI string, opts RebuildOptions) (*rebuild.Job, error) {
	n.mu.Lock()
	if n.shutdownRequested {
		n.mu.Unlock()
		return nil, ErrNexusUnavailable
	}
	dest := n.findChildLocked(destURI)
	if dest == nil {
		n.mu.Unlock()
		return nil, fmt.Errorf("nexus %s: no child %s", n.name, destURI)
	}
	if dest.state != ChildOpen {
		n.mu.Unlock()
		return nil, fmt.Errorf("nexus %s: rebuild destination %s is %s, not open", n.name, destURI, dest.state)
	}
	if dest.removing {
		n.mu.Unlock()
		return nil, fmt.Errorf("nexus %s: child %s is being removed", n.name, destURI)
	}
	source := n.selectRebuildSourceLocked(dest)
	if source == nil {
		n.mu.Unlock()
		return nil, fmt.Errorf("nexus %s: no healthy rebuild source for %s", n.name, destURI)
	}

	dest.sync = Unsynced
	job, err := rebuild.NewJob(rebuild.JobOptions{
		Nexus:         n.name,
		SourceURI:     source.uri,
		DestURI:       dest.uri,
		Source:        source.device,
		Dest:          dest.device,
		StartBlock:    0,
		EndBlock:      n.numBlocks,
		SegmentBlocks: opts.SegmentBlocks,
		Verify:        opts.Verify,
		OnTerminal:    n.onRebuildTerminal,
	})
	if err != nil {
		n.mu.Unlock()
		return nil, err
	}
	if err := n.jobs.Register(job); err != nil {
		n.mu.Unlock()
		return nil, err
	}
	dest.job = job
	n.updateStatusLocked()
	views := n.buildViewsLocked()
	n.mu.Unlock()

	// Fan-out must reach the destination (and its intent log) before the
	// copy plan consults that log.
	n.applyViews(views)
	job.Start()
	glog.V(0).Infof("nexus %s: rebuilding %s from %s", n.name, destURI, source.uri)
	return job, nil
}

// selectRebuildSourceLocked prefers a local replica, then the first healthy
// child in fan-out order, always excluding the destination.
func (n *Nexus) selectRebuildSourceLocked(dest *Child) *Child {
	var first *Child
	for _, c := range n.children {
		if c == dest || c.removing || !c.readEligible() {
			continue
		}
		if bdev.IsLocal(c.uri) {
			return c
		}
		if first == nil {
			first = c
		}
	}
	return first
}

func (n *Nexus) lookupJob(destURI string) (*rebuild.Job, error) {
	job, found := n.jobs.Get(destURI)
	if !found {
		return nil, fmt.Errorf("nexus %s: no rebuild targeting %s", n.name, destURI)
	}
	return job, nil
}

// StopRebuild force-stops the job targeting destURI and waits for its last
// in-flight copy I/O to drain.
func (n *Nexus) StopRebuild(destURI string) error {
	job, err := n.lookupJob(destURI)
	if err != nil {
		return err
	}
	job.Stop()
	return nil
}

func (n *Nexus) PauseRebuild(destURI string) error {
	job, err := n.lookupJob(destURI)
	if err != nil {
		return err
	}
	return job.Pause()
}

func (n *Nexus) ResumeRebuild(destURI string) error {
	job, err := n.lookupJob(destURI)
	if err != nil {
		return err
	}
	return job.Resume()
}

// RebuildProgress reports the job targeting destURI.
func (n *Nexus) RebuildProgress(destURI string) (rebuild.Progress, error) {
	job, err := n.lookupJob(destURI)
	if err != nil {
		return rebuild.Progress{}, err
	}
	return job.Progress(), nil
}

// onRebuildTerminal runs on the job goroutine once per job, after the copy
// loop has drained.
func (n *Nexus) onRebuildTerminal(job *rebuild.Job, state rebuild.State) {
	n.jobs.Remove(job.DestURI())

	n.mu.Lock()
	dest := n.findChildLocked(job.DestURI())
	if dest != nil && dest.job == job {
		dest.job = nil
	}
	n.mu.Unlock()

	switch state {
	case rebuild.StateCompleted:
		n.mu.Lock()
		if dest != nil && dest.state == ChildOpen {
			dest.sync = Synced
		}
		n.updateStatusLocked()
		views := n.buildViewsLocked()
		n.mu.Unlock()
		n.applyViews(views)
		// The child only becomes read-eligible to the outside once its
		// restored health is durable.
		if err := n.persist(); err != nil {
			glog.Errorf("nexus %s: cannot record rebuilt child %s: %v", n.name, job.DestURI(), err)
			n.selfShutdown("persistence failure")
		}
	case rebuild.StateFailed:
		glog.Errorf("nexus %s: rebuild of %s failed: %v", n.name, job.DestURI(), job.Error())
		if dest != nil {
			n.mu.Lock()
			alreadyDown := dest.state != ChildOpen
			n.mu.Unlock()
			if !alreadyDown {
				// The destination is the casualty; the nexus itself stays up.
				n.retire([]childFault{{child: dest, reason: FaultRebuildFailed}})
			}
		}
	case rebuild.StateStopped:
		glog.V(0).Infof("nexus %s: rebuild of %s stopped at %.1f%%",
			n.name, job.DestURI(), job.Progress().Percent)
	}

	n.appendHistory(job.Record())
}

// RebuildGuard tracks rebuilds force-stopped on behalf of an unrelated
// reconfiguration. Resume must be called before the guard is dropped; it
// restarts each cancelled rebuild unless its destination has since faulted.
type RebuildGuard struct {
	nexus *Nexus
	dests []string
}

// pauseRebuildsSourcedFrom force-stops every job reading from uri and
// returns the guard that will restart them.
func (n *Nexus) pauseRebuildsSourcedFrom(uri string) *RebuildGuard {
	guard := &RebuildGuard{nexus: n}
	for _, job := range n.jobs.SourcedFrom(uri) {
		job.Stop()
		guard.dests = append(guard.dests, job.DestURI())
	}
	return guard
}

// Resume restarts the guarded rebuilds with a freshly selected source.
func (g *RebuildGuard) Resume() {
	for _, destURI := range g.dests {
		n := g.nexus
		n.mu.Lock()
		dest := n.findChildLocked(destURI)
		eligible := dest != nil && dest.state == ChildOpen
		n.mu.Unlock()
		if !eligible {
			glog.V(1).Infof("nexus %s: not resuming rebuild of %s, destination gone or faulted",
				n.name, destURI)
			continue
		}
		if _, err := n.StartRebuild(destURI, RebuildOptions{}); err != nil {
			glog.Errorf("nexus %s: resuming rebuild of %s: %v", n.name, destURI, err)
		}
	}
	g.dests = nil
}
