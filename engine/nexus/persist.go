package nexus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/openebs/mayastor-sub001/engine/pstore"
	"github.com/openebs/mayastor-sub001/engine/stats"
)

// loadRecord fetches the persistent record at creation/import time. A missing
// record is a fresh nexus; an unreachable store is fatal to creation.
func (n *Nexus) loadRecord() (*pstore.NexusInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), n.persistTimeout)
	defer cancel()
	record, err := n.store.Get(ctx, n.id.String())
	if errors.Is(err, pstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nexus %s: load persistent record: %w", n.name, err)
	}
	if !record.CleanShutdown {
		glog.Warningf("nexus %s: previous instance did not shut down cleanly", n.name)
	}
	return record, nil
}

// buildRecordLocked captures current child health. Caller holds the lock.
func (n *Nexus) buildRecordLocked(cleanShutdown bool) *pstore.NexusInfo {
	info := &pstore.NexusInfo{CleanShutdown: cleanShutdown}
	for _, c := range n.children {
		info.Children = append(info.Children, pstore.ChildInfo{
			UUID:    c.id.String(),
			Healthy: c.healthy(),
		})
	}
	return info
}

// persist is the persistence gate: it writes the current health record with
// the configured timeout. Callers must not hold the nexus lock and must not
// surface any gated transition to the outside until this returns nil; on
// error they are expected to fail forward into selfShutdown.
func (n *Nexus) persist() error {
	n.mu.Lock()
	if n.shutdownRequested {
		// The shutdown path captured its own record before closing the
		// children; writing the post-close view here would mark every child
		// unhealthy and poison the next import.
		n.mu.Unlock()
		return nil
	}
	info := n.buildRecordLocked(false)
	n.mu.Unlock()

	n.recordMu.Lock()
	defer n.recordMu.Unlock()
	if n.recordSealed {
		return nil
	}
	return n.writeRecord(info)
}

func (n *Nexus) writeRecord(info *pstore.NexusInfo) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.persistTimeout)
	defer cancel()
	start := time.Now()
	err := n.store.Put(ctx, n.id.String(), info)
	stats.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		stats.PersistErrorCounter.Inc()
		return fmt.Errorf("nexus %s: persist health record: %w", n.name, err)
	}
	glog.V(2).Infof("nexus %s: health record persisted in %v", n.name, time.Since(start))
	return nil
}

func (n *Nexus) deleteRecord() error {
	ctx, cancel := context.WithTimeout(context.Background(), n.persistTimeout)
	defer cancel()
	if err := n.store.Delete(ctx, n.id.String()); err != nil {
		return fmt.Errorf("nexus %s: delete persistent record: %w", n.name, err)
	}
	return nil
}
