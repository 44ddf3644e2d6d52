// Package nexus implements the mirrored virtual block device: write fan-out
// over replica children, single-child read selection, child retirement gated
// on a durable health record, and background rebuild orchestration.
package nexus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/openebs/mayastor-sub001/engine/bdev"
	"github.com/openebs/mayastor-sub001/engine/core"
	"github.com/openebs/mayastor-sub001/engine/pstore"
	"github.com/openebs/mayastor-sub001/engine/rebuild"
	"github.com/openebs/mayastor-sub001/engine/stats"
)

type NexusStatus int32

const (
	NexusInit NexusStatus = iota
	NexusOnline
	NexusDegraded
	NexusFaulted
	NexusShuttingDown
	NexusShutdown
)

func (s NexusStatus) String() string {
	switch s {
	case NexusInit:
		return "init"
	case NexusOnline:
		return "online"
	case NexusDegraded:
		return "degraded"
	case NexusFaulted:
		return "faulted"
	case NexusShuttingDown:
		return "shutting_down"
	case NexusShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("nexus_status(%d)", int32(s))
}

const (
	DefaultPersistTimeout = 10 * time.Second
	DefaultHistoryLimit   = 8
)

// Options configures one nexus.
type Options struct {
	Name           string
	UUID           string // optional; generated when empty
	BlockSize      uint32
	NumBlocks      uint64
	Children       []string // ordered; fan-out iterates this order
	Pool           *core.Pool
	Store          pstore.NexusInfoStore
	PersistTimeout time.Duration
	HistoryLimit   int
}

// Nexus is the virtual mirrored block device. The children slice, status and
// job registry are guarded by mu; mu is never held across device I/O,
// persistence writes, or channel broadcasts.
type Nexus struct {
	name      string
	id        uuid.UUID
	blockSize uint32
	numBlocks uint64

	pool           *core.Pool
	store          pstore.NexusInfoStore
	persistTimeout time.Duration

	mu                sync.Mutex
	children          []*Child
	status            NexusStatus
	shutdownRequested bool
	shareName         string
	history           []rebuild.HistoryRecord
	historyLimit      int
	jobs              *rebuild.Registry

	// recordMu serializes health-record writes; once shutdown seals the
	// record, no later gate write may overwrite it.
	recordMu     sync.Mutex
	recordSealed bool

	channels     []*channel
	rrSeq        atomic.Uint64
	statusMirror atomic.Int32 // fast-path copy of status for Submit
}

// Create builds a nexus over the given children. If a persistent record for
// this nexus UUID exists, it seeds initial child trust: a child recorded
// unhealthy is not opened (import semantics).
func Create(opts Options) (*Nexus, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("nexus: name is required")
	}
	if opts.BlockSize == 0 || opts.NumBlocks == 0 {
		return nil, fmt.Errorf("nexus: block size and block count are required")
	}
	if len(opts.Children) == 0 {
		return nil, fmt.Errorf("nexus: at least one child is required")
	}
	if opts.Pool == nil || opts.Store == nil {
		return nil, fmt.Errorf("nexus: reactor pool and persistence store are required")
	}
	id := uuid.New()
	if opts.UUID != "" {
		parsed, err := uuid.Parse(opts.UUID)
		if err != nil {
			return nil, fmt.Errorf("nexus: bad uuid %q: %v", opts.UUID, err)
		}
		id = parsed
	}
	if opts.PersistTimeout == 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	if opts.HistoryLimit == 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}

	n := &Nexus{
		name:           opts.Name,
		id:             id,
		blockSize:      opts.BlockSize,
		numBlocks:      opts.NumBlocks,
		pool:           opts.Pool,
		store:          opts.Store,
		persistTimeout: opts.PersistTimeout,
		historyLimit:   opts.HistoryLimit,
		status:         NexusInit,
		jobs:           rebuild.NewRegistry(),
	}
	for i := 0; i < opts.Pool.Size(); i++ {
		n.channels = append(n.channels, newChannel(n, opts.Pool.Reactor(i)))
	}

	record, err := n.loadRecord()
	if err != nil {
		return nil, err
	}

	for _, uri := range opts.Children {
		c := newChild(uri)
		trusted := true
		if record != nil {
			if healthy, found := record.FindChild(c.id.String()); found && !healthy {
				trusted = false
			}
		}
		if !trusted {
			glog.Warningf("nexus %s: child %s recorded unhealthy, not opening it", n.name, uri)
			c.state = ChildClosed
			c.sync = Unsynced
			n.children = append(n.children, c)
			continue
		}
		if err := c.open(true); err != nil {
			n.closeChildren()
			return nil, fmt.Errorf("nexus %s: open child %s: %w", n.name, uri, err)
		}
		if err := n.checkGeometry(c); err != nil {
			n.closeChildren()
			return nil, err
		}
		n.children = append(n.children, c)
	}

	n.mu.Lock()
	n.updateStatusLocked()
	views := n.buildViewsLocked()
	n.mu.Unlock()
	n.applyViews(views)

	// The record is rewritten with clean_shutdown=false before the nexus is
	// visible: a crash from here on must not be mistaken for a clean stop.
	if err := n.persist(); err != nil {
		n.closeChildren()
		return nil, fmt.Errorf("nexus %s: initial persist: %w", n.name, err)
	}
	glog.V(0).Infof("nexus %s (%s) created with %d children, status %s",
		n.name, n.id, len(n.children), n.Status())
	return n, nil
}

func (n *Nexus) checkGeometry(c *Child) error {
	if c.device.BlockSize() != n.blockSize {
		return fmt.Errorf("nexus %s: child %s block size %d != nexus %d",
			n.name, c.uri, c.device.BlockSize(), n.blockSize)
	}
	if c.device.NumBlocks() < n.numBlocks {
		return fmt.Errorf("nexus %s: child %s too small: %d < %d blocks",
			n.name, c.uri, c.device.NumBlocks(), n.numBlocks)
	}
	return nil
}

func (n *Nexus) closeChildren() {
	for _, c := range n.children {
		c.close()
	}
}

func (n *Nexus) Name() string       { return n.name }
func (n *Nexus) DeviceName() string { return n.name }
func (n *Nexus) UUID() uuid.UUID    { return n.id }
func (n *Nexus) BlockSize() uint32  { return n.blockSize }
func (n *Nexus) NumBlocks() uint64  { return n.numBlocks }

func (n *Nexus) Status() NexusStatus {
	return NexusStatus(n.statusMirror.Load())
}

func (n *Nexus) servingIo() bool {
	switch n.Status() {
	case NexusOnline, NexusDegraded:
		return true
	}
	return false
}

// Stats aggregates the children's device counters.
func (n *Nexus) Stats() bdev.DeviceStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out bdev.DeviceStats
	for _, c := range n.children {
		if c.device == nil {
			continue
		}
		st := c.device.Stats()
		out.NumReadOps += st.NumReadOps
		out.NumWriteOps += st.NumWriteOps
		out.NumUnmapOps += st.NumUnmapOps
		out.BytesRead += st.BytesRead
		out.BytesWritten += st.BytesWritten
		out.NumErrors += st.NumErrors
	}
	return out
}

// updateStatusLocked derives nexus status from child eligibility.
func (n *Nexus) updateStatusLocked() {
	if n.shutdownRequested {
		n.setStatusLocked(n.status) // shutdown path owns the status
		return
	}
	open, healthy := 0, 0
	for _, c := range n.children {
		if c.writeEligible() {
			open++
		}
		if c.readEligible() {
			healthy++
		}
	}
	switch {
	case open == 0:
		n.setStatusLocked(NexusFaulted)
	case healthy == len(n.children):
		n.setStatusLocked(NexusOnline)
	default:
		n.setStatusLocked(NexusDegraded)
	}
}

func (n *Nexus) setStatusLocked(status NexusStatus) {
	n.status = status
	n.statusMirror.Store(int32(status))
	stats.NexusStatusGauge.WithLabelValues(n.name).Set(float64(status))
}

// retire faults the given children, reconfigures every core, and blocks on
// the persistence gate. It returns only once the updated record is durable or
// the nexus has given up and shut itself down; either way the caller may then
// surface the original failure to its issuer.
func (n *Nexus) retire(faults []childFault) {
	n.mu.Lock()
	if n.shutdownRequested {
		// Shutdown owns the children and the health record from here on; a
		// late completion-path retire must not rewrite either.
		n.mu.Unlock()
		return
	}
	var stopJobs []*rebuild.Job
	retired := 0
	for _, f := range faults {
		c := f.child
		if c.state != ChildOpen {
			continue
		}
		c.fault(f.reason)
		retired++
		stats.ChildRetireCounter.WithLabelValues(n.name, f.reason.String()).Inc()
		glog.Errorf("nexus %s: child %s retired: %s", n.name, c.uri, f.reason)
		if c.job != nil {
			stopJobs = append(stopJobs, c.job)
		}
		for _, j := range n.jobs.SourcedFrom(c.uri) {
			stopJobs = append(stopJobs, j)
		}
	}
	if retired == 0 {
		n.mu.Unlock()
		return
	}
	n.updateStatusLocked()
	views := n.buildViewsLocked()
	n.mu.Unlock()

	// A job reading from or writing to a retired child has lost its footing.
	for _, j := range stopJobs {
		j.Stop()
	}
	n.applyViews(views)

	if err := n.persist(); err != nil {
		glog.Errorf("nexus %s: cannot record child fault: %v", n.name, err)
		n.selfShutdown("persistence failure")
	}
}

// FaultChild retires a child on operator request.
func (n *Nexus) FaultChild(uri string) error {
	n.mu.Lock()
	c := n.findChildLocked(uri)
	if c == nil {
		n.mu.Unlock()
		return fmt.Errorf("nexus %s: no child %s", n.name, uri)
	}
	if c.state != ChildOpen {
		n.mu.Unlock()
		return fmt.Errorf("nexus %s: child %s is %s, not open", n.name, uri, c.state)
	}
	n.mu.Unlock()
	n.retire([]childFault{{child: c, reason: FaultAdmin}})
	return nil
}

func (n *Nexus) findChildLocked(uri string) *Child {
	for _, c := range n.children {
		if c.uri == uri {
			return c
		}
	}
	return nil
}

// AddChild opens a new replica and joins it to the write fan-out. The child
// comes up Unsynced: it serves no reads until a rebuild completes.
func (n *Nexus) AddChild(uri string) error {
	n.mu.Lock()
	if n.shutdownRequested {
		n.mu.Unlock()
		return ErrNexusUnavailable
	}
	if n.findChildLocked(uri) != nil {
		n.mu.Unlock()
		return fmt.Errorf("nexus %s: child %s already present", n.name, uri)
	}
	n.mu.Unlock()

	c := newChild(uri)
	if err := c.open(false); err != nil {
		return err
	}
	if err := n.checkGeometry(c); err != nil {
		c.close()
		return err
	}

	n.mu.Lock()
	n.children = append(n.children, c)
	n.updateStatusLocked()
	views := n.buildViewsLocked()
	n.mu.Unlock()
	n.applyViews(views)

	if err := n.persist(); err != nil {
		n.selfShutdown("persistence failure")
		return err
	}
	glog.V(0).Infof("nexus %s: child %s added (unsynced)", n.name, uri)
	return nil
}

// RemoveChild detaches a replica. Rebuilds sourcing from it are force-stopped
// and restarted from a different source afterwards via the returned guard
// contract (handled internally here).
func (n *Nexus) RemoveChild(uri string) error {
	n.mu.Lock()
	c := n.findChildLocked(uri)
	if c == nil {
		n.mu.Unlock()
		return fmt.Errorf("nexus %s: no child %s", n.name, uri)
	}
	if len(n.children) == 1 {
		n.mu.Unlock()
		return fmt.Errorf("nexus %s: cannot remove the last child", n.name)
	}
	// Mark before dropping the lock so a rebuild started in the window
	// cannot select the departing child as its source.
	c.removing = true
	n.mu.Unlock()

	guard := n.pauseRebuildsSourcedFrom(uri)

	n.mu.Lock()
	if c.job != nil {
		job := c.job
		n.mu.Unlock()
		job.Stop()
		n.mu.Lock()
	}
	c.close()
	for i, cc := range n.children {
		if cc == c {
			n.children = append(n.children[:i], n.children[i+1:]...)
			break
		}
	}
	n.updateStatusLocked()
	views := n.buildViewsLocked()
	n.mu.Unlock()
	n.applyViews(views)

	err := n.persist()
	if err != nil {
		n.selfShutdown("persistence failure")
	}
	guard.Resume()
	if err == nil {
		glog.V(0).Infof("nexus %s: child %s removed", n.name, uri)
	}
	return err
}

// Share exports the nexus under a target name; the actual network target is
// the collaborator's business, the nexus only records and reports the name.
func (n *Nexus) Share() (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.shutdownRequested {
		return "", ErrNexusUnavailable
	}
	if n.shareName == "" {
		n.shareName = fmt.Sprintf("nqn.2019-05.io.openebs:%s", n.name)
		glog.V(0).Infof("nexus %s shared as %s", n.name, n.shareName)
	}
	return n.shareName, nil
}

func (n *Nexus) Unshare() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.shareName != "" {
		glog.V(0).Infof("nexus %s unshared", n.name)
		n.shareName = ""
	}
}

// Shutdown stops serving I/O, stops rebuilds, closes children, and records a
// clean shutdown. A shut-down nexus is inert until destroyed and recreated.
func (n *Nexus) Shutdown() {
	n.shutdown(true, "requested")
}

// selfShutdown is the failure-forward path: persistence loss or reservation
// conflict. The record, if reachable, keeps clean_shutdown=false.
func (n *Nexus) selfShutdown(cause string) {
	n.shutdown(false, cause)
}

func (n *Nexus) shutdown(clean bool, cause string) {
	n.mu.Lock()
	if n.shutdownRequested {
		n.mu.Unlock()
		return
	}
	n.shutdownRequested = true
	n.setStatusLocked(NexusShuttingDown)
	jobs := n.jobs.List()
	// Capture child health now, before the children are closed: the record
	// must describe the replicas as the next import should trust them.
	record := n.buildRecordLocked(clean)
	n.mu.Unlock()

	glog.V(0).Infof("nexus %s shutting down (%s)", n.name, cause)
	for _, j := range jobs {
		j.Stop()
	}

	// Empty views first: no new child I/O once the broadcast returns.
	empty := make([]*channelView, len(n.channels))
	for i := range empty {
		empty[i] = &channelView{}
	}
	n.applyViews(empty)

	n.mu.Lock()
	for _, c := range n.children {
		c.close()
	}
	n.setStatusLocked(NexusShutdown)
	n.mu.Unlock()

	n.recordMu.Lock()
	n.recordSealed = true
	err := n.writeRecord(record)
	n.recordMu.Unlock()
	if err != nil {
		if clean {
			glog.Errorf("nexus %s: cannot record clean shutdown: %v", n.name, err)
		} else {
			// Best effort; in the persistence-failure case this cannot succeed
			// and the record keeps showing an unclean stop, which is the point.
			glog.V(1).Infof("nexus %s: record unavailable during shutdown: %v", n.name, err)
		}
	}
	glog.V(0).Infof("nexus %s shut down", n.name)
}

// Destroy shuts the nexus down and deletes its persistent record.
func (n *Nexus) Destroy() error {
	n.Shutdown()
	return n.deleteRecord()
}

// NexusSnapshot is the externally visible nexus state.
type NexusSnapshot struct {
	Name      string                  `json:"name"`
	UUID      string                  `json:"uuid"`
	Status    string                  `json:"status"`
	BlockSize uint32                  `json:"block_size"`
	NumBlocks uint64                  `json:"num_blocks"`
	ShareName string                  `json:"share_name,omitempty"`
	Children  []ChildSnapshot         `json:"children"`
	History   []rebuild.HistoryRecord `json:"rebuild_history,omitempty"`
}

func (n *Nexus) Snapshot() NexusSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := NexusSnapshot{
		Name:      n.name,
		UUID:      n.id.String(),
		Status:    n.status.String(),
		BlockSize: n.blockSize,
		NumBlocks: n.numBlocks,
		ShareName: n.shareName,
	}
	for _, c := range n.children {
		s.Children = append(s.Children, c.snapshot())
	}
	s.History = append(s.History, n.history...)
	return s
}

func (n *Nexus) appendHistory(rec rebuild.HistoryRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.history = append(n.history, rec)
	if len(n.history) > n.historyLimit {
		n.history = n.history[len(n.history)-n.historyLimit:]
	}
}
