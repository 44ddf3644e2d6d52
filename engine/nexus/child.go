package nexus

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/openebs/mayastor-sub001/engine/bdev"
	"github.com/openebs/mayastor-sub001/engine/rebuild"
)

type ChildState int

const (
	ChildInit ChildState = iota
	ChildOpen
	ChildFaulted
	ChildClosed
)

func (s ChildState) String() string {
	switch s {
	case ChildInit:
		return "init"
	case ChildOpen:
		return "open"
	case ChildFaulted:
		return "faulted"
	case ChildClosed:
		return "closed"
	}
	return fmt.Sprintf("child_state(%d)", int(s))
}

type FaultReason int

const (
	FaultNone FaultReason = iota
	FaultIoError
	FaultNoSpace
	FaultRebuildFailed
	FaultAdmin
)

func (r FaultReason) String() string {
	switch r {
	case FaultNone:
		return "none"
	case FaultIoError:
		return "io_error"
	case FaultNoSpace:
		return "no_space"
	case FaultRebuildFailed:
		return "rebuild_failed"
	case FaultAdmin:
		return "admin"
	}
	return fmt.Sprintf("fault(%d)", int(r))
}

type SyncState int

const (
	Synced SyncState = iota
	Unsynced
)

func (s SyncState) String() string {
	if s == Synced {
		return "synced"
	}
	return "unsynced"
}

// Child is one replica endpoint as seen by its nexus. All fields are owned by
// the nexus lock; per-core channels only ever see immutable snapshots taken
// during reconfiguration.
type Child struct {
	uri    string
	id     uuid.UUID
	state  ChildState
	reason FaultReason
	sync   SyncState
	device bdev.BlockDevice
	job    *rebuild.Job // active rebuild targeting this child, if any

	// removing is set once removal has started; the child can no longer be
	// a rebuild source or destination, though in-flight I/O still drains.
	removing bool
}

func newChild(uri string) *Child {
	return &Child{
		uri:   uri,
		id:    uuid.NewSHA1(uuid.NameSpaceURL, []byte(uri)),
		state: ChildInit,
		sync:  Unsynced,
	}
}

// open attaches a device handle and moves Init/Closed -> Open.
func (c *Child) open(synced bool) error {
	if c.state == ChildOpen {
		return fmt.Errorf("nexus: child %s already open", c.uri)
	}
	if c.state == ChildFaulted {
		return fmt.Errorf("nexus: child %s is faulted (%s), re-add it to recover", c.uri, c.reason)
	}
	dev, err := bdev.Open(c.uri)
	if err != nil {
		return err
	}
	c.device = dev
	c.state = ChildOpen
	c.reason = FaultNone
	if synced {
		c.sync = Synced
	} else {
		c.sync = Unsynced
	}
	return nil
}

// fault retires the child. The transition is irreversible without an explicit
// re-add; the device handle is kept until close so in-flight I/O can drain.
func (c *Child) fault(reason FaultReason) {
	if c.state == ChildFaulted {
		return
	}
	c.state = ChildFaulted
	c.reason = reason
	c.sync = Unsynced
}

// close releases the device handle. Closing drains the device's in-flight
// completions before returning.
func (c *Child) close() {
	if c.device != nil {
		c.device.Close()
		c.device = nil
	}
	if c.state != ChildFaulted {
		c.state = ChildClosed
	}
}

// readEligible: only Open and Synced children may serve reads.
func (c *Child) readEligible() bool {
	return c.state == ChildOpen && c.sync == Synced
}

// writeEligible: every Open child receives fan-out writes, synced or not; an
// unsynced open child is the live destination of a rebuild and must not fall
// further behind.
func (c *Child) writeEligible() bool {
	return c.state == ChildOpen
}

// healthy is what the persistent record stores for this child.
func (c *Child) healthy() bool {
	return c.state == ChildOpen && c.sync == Synced
}

func (c *Child) URI() string {
	return c.uri
}

func (c *Child) UUID() uuid.UUID {
	return c.id
}

// ChildSnapshot is the externally visible child state.
type ChildSnapshot struct {
	URI         string                `json:"uri"`
	UUID        string                `json:"uuid"`
	State       string                `json:"state"`
	FaultReason string                `json:"fault_reason,omitempty"`
	SyncState   string                `json:"sync_state"`
	Rebuild     *rebuild.Progress     `json:"rebuild,omitempty"`
	DeviceStats *bdev.DeviceStats     `json:"device_stats,omitempty"`
}

func (c *Child) snapshot() ChildSnapshot {
	s := ChildSnapshot{
		URI:       c.uri,
		UUID:      c.id.String(),
		State:     c.state.String(),
		SyncState: c.sync.String(),
	}
	if c.reason != FaultNone {
		s.FaultReason = c.reason.String()
	}
	if c.job != nil {
		p := c.job.Progress()
		s.Rebuild = &p
	}
	if c.device != nil {
		st := c.device.Stats()
		s.DeviceStats = &st
	}
	return s
}
