package nexus

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openebs/mayastor-sub001/engine/bdev"
	"github.com/openebs/mayastor-sub001/engine/core"
	"github.com/openebs/mayastor-sub001/engine/pstore"
)

const (
	testBlockSize = 512
	testNumBlocks = 2048 // matches a 1MB mem device
)

var nexusSeq int

type fixture struct {
	t     *testing.T
	pool  *core.Pool
	store *pstore.MemoryStore
	uris  []string
	fault map[string]*bdev.FaultDevice
}

// newFixture opens `faulty` fault-injectable children and `plain` mem
// children, in that order.
func newFixture(t *testing.T, faulty, plain int) *fixture {
	t.Helper()
	nexusSeq++
	f := &fixture{
		t:     t,
		pool:  core.NewPool(2),
		store: &pstore.MemoryStore{},
		fault: make(map[string]*bdev.FaultDevice),
	}
	f.pool.Start()
	t.Cleanup(f.pool.Stop)
	require.NoError(t, f.store.Initialize(nil, ""))

	for i := 0; i < faulty; i++ {
		name := fmt.Sprintf("nx%d-f%d", nexusSeq, i)
		f.uris = append(f.uris, "fault:///"+name+"?size_mb=1&blk_size=512")
	}
	for i := 0; i < plain; i++ {
		f.uris = append(f.uris, fmt.Sprintf("mem:///nx%d-p%d?size_mb=1&blk_size=512", nexusSeq, i))
	}
	return f
}

func (f *fixture) create(opts ...func(*Options)) *Nexus {
	f.t.Helper()
	o := Options{
		Name:           fmt.Sprintf("nexus-%d", nexusSeq),
		BlockSize:      testBlockSize,
		NumBlocks:      testNumBlocks,
		Children:       f.uris,
		Pool:           f.pool,
		Store:          f.store,
		PersistTimeout: 2 * time.Second,
	}
	for _, fn := range opts {
		fn(&o)
	}
	n, err := Create(o)
	require.NoError(f.t, err)
	f.t.Cleanup(n.Shutdown)

	// Each Open of a fault URI registers a fresh device, so the injection
	// handles are only valid once the nexus has opened its children.
	for _, uri := range f.uris {
		u, err := url.Parse(uri)
		require.NoError(f.t, err)
		if u.Scheme != "fault" {
			continue
		}
		fd, err := bdev.LookupFaultDevice(u.Path)
		require.NoError(f.t, err)
		f.fault[uri] = fd
	}
	return n
}

func (f *fixture) record(n *Nexus) *pstore.NexusInfo {
	f.t.Helper()
	info, err := f.store.Get(context.Background(), n.UUID().String())
	require.NoError(f.t, err)
	return info
}

func (f *fixture) childByURI(n *Nexus, uri string) ChildSnapshot {
	f.t.Helper()
	for _, c := range n.Snapshot().Children {
		if c.URI == uri {
			return c
		}
	}
	f.t.Fatalf("no child %s", uri)
	return ChildSnapshot{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writePattern(t *testing.T, n *Nexus, offset, numBlocks uint64, seed byte) []byte {
	t.Helper()
	data := make([]byte, numBlocks*testBlockSize)
	for i := range data {
		data[i] = seed + byte(i%239)
	}
	require.NoError(t, n.Do(context.Background(), bdev.IoWrite, offset, numBlocks, data))
	return data
}

func TestNexus(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T)
	}{
		{name: "create_online_roundtrip", run: testCreateOnlineRoundtrip},
		{name: "fanout_reaches_all_children", run: testFanoutReachesAllChildren},
		{name: "io_error_retires_child_persist_before_ack", run: testIoErrorRetiresChild},
		{name: "submission_failure_retires_child", run: testSubmissionFailureRetiresChild},
		{name: "persist_timeout_shuts_nexus_down", run: testPersistTimeoutShutsNexusDown},
		{name: "reservation_conflict_self_shutdown", run: testReservationConflictSelfShutdown},
		{name: "invalid_opcode_ignored", run: testInvalidOpcodeIgnored},
		{name: "aborted_completion_retried_once", run: testAbortedCompletionRetriedOnce},
		{name: "aborted_twice_fails_without_retire", run: testAbortedTwiceFails},
		{name: "at_most_one_outcome_under_faults", run: testAtMostOneOutcome},
		{name: "faulted_nexus_rejects_io", run: testFaultedNexusRejectsIo},
		{name: "out_of_range_rejected", run: testNexusOutOfRange},
		{name: "clean_shutdown_recorded", run: testCleanShutdownRecorded},
		{name: "late_retire_keeps_clean_record", run: testLateRetireKeepsCleanRecord},
		{name: "removing_child_excluded_from_rebuilds", run: testRemovingChildExcludedFromRebuilds},
		{name: "import_seeds_child_trust", run: testImportSeedsChildTrust},
		{name: "admin_fault_child", run: testAdminFaultChild},
		{name: "remove_child", run: testRemoveChild},
		{name: "share_unshare", run: testShareUnshare},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t)
		})
	}
}

func testCreateOnlineRoundtrip(t *testing.T) {
	f := newFixture(t, 0, 2)
	n := f.create()
	assert.Equal(t, NexusOnline, n.Status())

	want := writePattern(t, n, 100, 8, 42)
	got := make([]byte, 8*testBlockSize)
	require.NoError(t, n.Do(context.Background(), bdev.IoRead, 100, 8, got))
	assert.Equal(t, want, got)

	// Creation persists an unclean-shutdown record with both children healthy.
	rec := f.record(n)
	assert.False(t, rec.CleanShutdown)
	require.Len(t, rec.Children, 2)
	for _, c := range rec.Children {
		assert.True(t, c.Healthy)
	}
}

func testFanoutReachesAllChildren(t *testing.T) {
	f := newFixture(t, 0, 2)
	n := f.create()
	writePattern(t, n, 0, 4, 1)
	require.NoError(t, n.Do(context.Background(), bdev.IoUnmap, 64, 4, nil))

	for _, uri := range f.uris {
		c := f.childByURI(n, uri)
		require.NotNil(t, c.DeviceStats, "child %s", uri)
		assert.Equal(t, uint64(1), c.DeviceStats.NumWriteOps, "child %s", uri)
		assert.Equal(t, uint64(1), c.DeviceStats.NumUnmapOps, "child %s", uri)
	}
}

func testIoErrorRetiresChild(t *testing.T) {
	f := newFixture(t, 1, 1)
	n := f.create()
	faultyURI := f.uris[0]
	healthyURI := f.uris[1]

	// Make the persistence write observable: the failed I/O must not come
	// back before the record write (100ms) has completed.
	f.store.SetLatency(100 * time.Millisecond)
	f.fault[faultyURI].InjectCompletion(bdev.IoWrite, bdev.StatusIoError, 1)

	start := time.Now()
	err := n.Do(context.Background(), bdev.IoWrite, 10, 1, make([]byte, testBlockSize))
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond,
		"failure surfaced before the health record was durable")

	// Child A faulted with io_error, child B still serving.
	c := f.childByURI(n, faultyURI)
	assert.Equal(t, "faulted", c.State)
	assert.Equal(t, "io_error", c.FaultReason)
	assert.Equal(t, "open", f.childByURI(n, healthyURI).State)
	assert.Equal(t, NexusDegraded, n.Status())

	// The durable record agrees.
	f.store.SetLatency(0)
	rec := f.record(n)
	var healthyCount int
	for _, rc := range rec.Children {
		if rc.Healthy {
			healthyCount++
		}
	}
	assert.Equal(t, 1, healthyCount)

	// The degraded nexus keeps serving I/O.
	writePattern(t, n, 20, 1, 9)
	got := make([]byte, testBlockSize)
	require.NoError(t, n.Do(context.Background(), bdev.IoRead, 20, 1, got))
}

func testSubmissionFailureRetiresChild(t *testing.T) {
	f := newFixture(t, 1, 1)
	n := f.create()
	f.fault[f.uris[0]].InjectSubmitError(bdev.IoWrite, bdev.ErrDeviceClosed)

	// The healthy child still completes, then the faulty one is retired and
	// the aggregate fails.
	err := n.Do(context.Background(), bdev.IoWrite, 0, 1, make([]byte, testBlockSize))
	require.Error(t, err)
	assert.Equal(t, "faulted", f.childByURI(n, f.uris[0]).State)
	// The healthy child's write completed before the aggregate resolved.
	assert.Equal(t, uint64(1), f.childByURI(n, f.uris[1]).DeviceStats.NumWriteOps)
	assert.Equal(t, NexusDegraded, n.Status())
}

func testPersistTimeoutShutsNexusDown(t *testing.T) {
	f := newFixture(t, 1, 1)
	n := f.create(func(o *Options) { o.PersistTimeout = 50 * time.Millisecond })

	f.store.SetFailing(true)
	f.fault[f.uris[0]].InjectCompletion(bdev.IoWrite, bdev.StatusIoError, 1)

	err := n.Do(context.Background(), bdev.IoWrite, 0, 1, make([]byte, testBlockSize))
	require.Error(t, err, "in-flight write must fail back to the issuer")

	waitFor(t, "nexus shutdown", func() bool { return n.Status() == NexusShutdown })
	// The remaining child is closed, not faulted.
	c := f.childByURI(n, f.uris[1])
	assert.Equal(t, "closed", c.State)
	f.store.SetFailing(false)
}

func testReservationConflictSelfShutdown(t *testing.T) {
	f := newFixture(t, 1, 1)
	n := f.create()
	f.fault[f.uris[0]].InjectCompletion(bdev.IoWrite, bdev.StatusReservationConflict, 1)

	err := n.Do(context.Background(), bdev.IoWrite, 0, 1, make([]byte, testBlockSize))
	require.Error(t, err)

	waitFor(t, "nexus shutdown", func() bool { return n.Status() == NexusShutdown })
	// No retirement: the conflicting child is closed, not faulted.
	c := f.childByURI(n, f.uris[0])
	assert.Equal(t, "closed", c.State)
	assert.Empty(t, c.FaultReason)
}

func testInvalidOpcodeIgnored(t *testing.T) {
	f := newFixture(t, 1, 1)
	n := f.create()
	f.fault[f.uris[0]].InjectCompletion(bdev.IoUnmap, bdev.StatusInvalidOpcode, 1)

	require.NoError(t, n.Do(context.Background(), bdev.IoUnmap, 0, 8, nil))
	assert.Equal(t, "open", f.childByURI(n, f.uris[0]).State)
	assert.Equal(t, NexusOnline, n.Status())
}

func testAbortedCompletionRetriedOnce(t *testing.T) {
	f := newFixture(t, 1, 1)
	n := f.create()
	f.fault[f.uris[0]].InjectCompletion(bdev.IoWrite, bdev.StatusAborted, 1)

	require.NoError(t, n.Do(context.Background(), bdev.IoWrite, 0, 1, make([]byte, testBlockSize)))
	assert.Equal(t, "open", f.childByURI(n, f.uris[0]).State)
	assert.Equal(t, NexusOnline, n.Status())
}

func testAbortedTwiceFails(t *testing.T) {
	f := newFixture(t, 1, 1)
	n := f.create()
	f.fault[f.uris[0]].InjectCompletion(bdev.IoWrite, bdev.StatusAborted, -1)

	err := n.Do(context.Background(), bdev.IoWrite, 0, 1, make([]byte, testBlockSize))
	require.Error(t, err)
	// Aborted is transient: no retirement even when the retry fails.
	assert.Equal(t, "open", f.childByURI(n, f.uris[0]).State)
	f.fault[f.uris[0]].Clear()
}

func testAtMostOneOutcome(t *testing.T) {
	f := newFixture(t, 1, 1)
	n := f.create()
	// Every write to the faulty child fails at completion.
	f.fault[f.uris[0]].InjectCompletion(bdev.IoWrite, bdev.StatusIoError, -1)

	outcomes := make(chan struct{}, 64)
	const requests = 16
	for i := 0; i < requests; i++ {
		io := &bdev.Io{
			Type:      bdev.IoWrite,
			Offset:    uint64(i),
			NumBlocks: 1,
			Data:      make([]byte, testBlockSize),
			Done:      func(bdev.Completion) { outcomes <- struct{}{} },
		}
		require.NoError(t, n.Submit(io))
	}
	// Exactly one aggregate outcome per request, no extras.
	for i := 0; i < requests; i++ {
		select {
		case <-outcomes:
		case <-time.After(10 * time.Second):
			t.Fatalf("request %d never resolved", i)
		}
	}
	select {
	case <-outcomes:
		t.Fatal("more outcomes than requests")
	case <-time.After(50 * time.Millisecond):
	}
	f.fault[f.uris[0]].Clear()
}

func testFaultedNexusRejectsIo(t *testing.T) {
	f := newFixture(t, 1, 0)
	n := f.create()
	f.fault[f.uris[0]].InjectCompletion(bdev.IoWrite, bdev.StatusIoError, -1)

	err := n.Do(context.Background(), bdev.IoWrite, 0, 1, make([]byte, testBlockSize))
	require.Error(t, err)
	waitFor(t, "nexus faulted", func() bool { return n.Status() == NexusFaulted })

	err = n.Do(context.Background(), bdev.IoRead, 0, 1, make([]byte, testBlockSize))
	assert.Equal(t, ErrNexusUnavailable, err)
	f.fault[f.uris[0]].Clear()
}

func testNexusOutOfRange(t *testing.T) {
	f := newFixture(t, 0, 1)
	n := f.create()
	err := n.Do(context.Background(), bdev.IoWrite, testNumBlocks, 1, make([]byte, testBlockSize))
	assert.Equal(t, bdev.ErrOutOfRange, err)
}

func testCleanShutdownRecorded(t *testing.T) {
	f := newFixture(t, 0, 2)
	n := f.create()
	assert.False(t, f.record(n).CleanShutdown)

	n.Shutdown()
	assert.Equal(t, NexusShutdown, n.Status())
	assert.True(t, f.record(n).CleanShutdown)

	// Inert after shutdown.
	err := n.Do(context.Background(), bdev.IoWrite, 0, 1, make([]byte, testBlockSize))
	assert.Equal(t, ErrNexusUnavailable, err)
}

func testLateRetireKeepsCleanRecord(t *testing.T) {
	f := newFixture(t, 0, 2)
	n := f.create()

	n.mu.Lock()
	c := n.children[0]
	n.mu.Unlock()

	n.Shutdown()
	require.True(t, f.record(n).CleanShutdown)

	// A completion-path retire that lost the race against shutdown must not
	// rewrite the record the next import will trust.
	n.retire([]childFault{{child: c, reason: FaultIoError}})

	rec := f.record(n)
	assert.True(t, rec.CleanShutdown)
	for _, ci := range rec.Children {
		assert.True(t, ci.Healthy, "child %s", ci.UUID)
	}
}

func testRemovingChildExcludedFromRebuilds(t *testing.T) {
	f := newFixture(t, 0, 2)
	n := f.create()
	source, dest := f.uris[0], f.uris[1]

	n.mu.Lock()
	n.findChildLocked(source).removing = true
	n.mu.Unlock()

	// A departing child is neither a usable source nor a valid destination.
	_, err := n.StartRebuild(dest, RebuildOptions{})
	assert.Error(t, err)
	_, err = n.StartRebuild(source, RebuildOptions{})
	assert.Error(t, err)
}

func testImportSeedsChildTrust(t *testing.T) {
	f := newFixture(t, 1, 1)
	n := f.create()
	id := n.UUID().String()

	// Retire the faulty child, then simulate a restart: same UUID, same
	// children, same store.
	f.fault[f.uris[0]].InjectCompletion(bdev.IoWrite, bdev.StatusIoError, 1)
	require.Error(t, n.Do(context.Background(), bdev.IoWrite, 0, 1, make([]byte, testBlockSize)))
	n.Shutdown()
	f.fault[f.uris[0]].Clear()

	n2 := f.create(func(o *Options) { o.UUID = id })
	// The previously unhealthy child must not be opened and trusted.
	c := f.childByURI(n2, f.uris[0])
	assert.Equal(t, "closed", c.State)
	assert.Equal(t, "unsynced", c.SyncState)
	assert.Equal(t, "open", f.childByURI(n2, f.uris[1]).State)
	assert.Equal(t, NexusDegraded, n2.Status())

	// Reads never touch the untrusted child.
	got := make([]byte, testBlockSize)
	require.NoError(t, n2.Do(context.Background(), bdev.IoRead, 0, 1, got))
}

func testAdminFaultChild(t *testing.T) {
	f := newFixture(t, 0, 2)
	n := f.create()
	require.NoError(t, n.FaultChild(f.uris[0]))
	c := f.childByURI(n, f.uris[0])
	assert.Equal(t, "faulted", c.State)
	assert.Equal(t, "admin", c.FaultReason)
	assert.Equal(t, NexusDegraded, n.Status())

	// Retirement is irreversible without a re-add.
	err := n.FaultChild(f.uris[0])
	assert.Error(t, err)
}

func testRemoveChild(t *testing.T) {
	f := newFixture(t, 0, 2)
	n := f.create()
	require.NoError(t, n.RemoveChild(f.uris[0]))
	assert.Len(t, n.Snapshot().Children, 1)
	assert.Equal(t, NexusOnline, n.Status())

	// Last child cannot be removed.
	err := n.RemoveChild(f.uris[1])
	assert.Error(t, err)
}

func testShareUnshare(t *testing.T) {
	f := newFixture(t, 0, 1)
	n := f.create()
	name, err := n.Share()
	require.NoError(t, err)
	assert.Contains(t, name, n.Name())
	again, _ := n.Share()
	assert.Equal(t, name, again)
	n.Unshare()
	assert.Empty(t, n.Snapshot().ShareName)
}
