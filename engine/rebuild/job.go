package rebuild

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/valyala/bytebufferpool"

	"github.com/openebs/mayastor-sub001/engine/bdev"
	"github.com/openebs/mayastor-sub001/engine/stats"
)

type State int32

const (
	StateInit State = iota
	StateRunning
	StatePaused
	StateStopped
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) Terminal() bool {
	return s == StateStopped || s == StateCompleted || s == StateFailed
}

var (
	ErrVerifyMismatch = errors.New("rebuild: destination does not match source after copy")
	ErrJobNotRunning  = errors.New("rebuild: job is not running or paused")
)

// DefaultSegmentBlocks is how many blocks one copy iteration moves.
const DefaultSegmentBlocks = 128

// JobOptions configures one rebuild of DestURI from SourceURI over
// [StartBlock, EndBlock).
type JobOptions struct {
	Nexus         string
	SourceURI     string
	DestURI       string
	Source        bdev.BlockDevice
	Dest          bdev.BlockDevice
	StartBlock    uint64
	EndBlock      uint64
	SegmentBlocks uint64
	Verify        bool
	// OnTerminal runs once, off the job goroutine lock, when the job reaches
	// a terminal state.
	OnTerminal func(j *Job, state State)
}

// Job copies the configured block range from source to destination with a
// forward-only cursor, skipping ranges the intent log shows as already
// current. One goroutine owns the copy loop; control calls block until the
// loop has acknowledged, so a returned Stop() guarantees the last in-flight
// copy has drained.
type Job struct {
	opts   JobOptions
	intent *IntentLog

	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	desired  State
	finished bool // terminal state reached and OnTerminal has returned
	cursor   uint64
	copied   uint64
	skipped  uint64
	failure  error
	started  time.Time
	ended    time.Time
}

// Progress is a point-in-time view of a job's advance.
type Progress struct {
	State         State
	Cursor        uint64
	BlocksCopied  uint64
	BlocksSkipped uint64
	BlocksTotal   uint64
	Percent       float64
}

func NewJob(opts JobOptions) (*Job, error) {
	if opts.Source == nil || opts.Dest == nil {
		return nil, fmt.Errorf("rebuild: source and destination devices are required")
	}
	if opts.EndBlock <= opts.StartBlock {
		return nil, fmt.Errorf("rebuild: empty block range [%d, %d)", opts.StartBlock, opts.EndBlock)
	}
	if opts.Source.BlockSize() != opts.Dest.BlockSize() {
		return nil, fmt.Errorf("rebuild: block size mismatch %d != %d",
			opts.Source.BlockSize(), opts.Dest.BlockSize())
	}
	if opts.EndBlock > opts.Dest.NumBlocks() || opts.EndBlock > opts.Source.NumBlocks() {
		return nil, fmt.Errorf("rebuild: range end %d beyond device capacity", opts.EndBlock)
	}
	if opts.SegmentBlocks == 0 {
		opts.SegmentBlocks = DefaultSegmentBlocks
	}
	j := &Job{
		opts:    opts,
		intent:  NewIntentLog(),
		state:   StateInit,
		desired: StateRunning,
		cursor:  opts.StartBlock,
	}
	j.cond = sync.NewCond(&j.mu)
	return j, nil
}

// Intent exposes the job's write-intent log; the nexus fan-out appends to it.
func (j *Job) Intent() *IntentLog {
	return j.intent
}

func (j *Job) SourceURI() string { return j.opts.SourceURI }
func (j *Job) DestURI() string   { return j.opts.DestURI }

// Start launches the copy loop.
func (j *Job) Start() {
	j.mu.Lock()
	if j.state != StateInit {
		j.mu.Unlock()
		return
	}
	j.state = StateRunning
	j.started = time.Now()
	j.mu.Unlock()
	stats.RebuildActiveGauge.Inc()
	glog.V(0).Infof("rebuild of %s from %s started: %s blocks",
		j.opts.DestURI, j.opts.SourceURI, humanize.Comma(int64(j.opts.EndBlock-j.opts.StartBlock)))
	go j.run()
}

// Pause parks the copy loop and returns once it is parked (or the job is
// already terminal).
func (j *Job) Pause() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return ErrJobNotRunning
	}
	j.desired = StatePaused
	j.cond.Broadcast()
	for j.state != StatePaused && !j.state.Terminal() {
		j.cond.Wait()
	}
	return nil
}

// Resume restarts a paused copy loop.
func (j *Job) Resume() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return ErrJobNotRunning
	}
	j.desired = StateRunning
	j.cond.Broadcast()
	return nil
}

// Stop force-stops the job and returns once the copy loop has fully drained
// and OnTerminal has run: after Stop returns no rebuild I/O can touch either
// device and the job has been torn out of whatever registry tracked it.
func (j *Job) Stop() {
	j.mu.Lock()
	if j.state == StateInit {
		// Never started, so no copy loop and no gauge to settle.
		j.state = StateStopped
		j.ended = time.Now()
		j.mu.Unlock()
		if j.opts.OnTerminal != nil {
			j.opts.OnTerminal(j, StateStopped)
		}
		j.mu.Lock()
		j.finished = true
		j.cond.Broadcast()
		j.mu.Unlock()
		return
	}
	j.desired = StateStopped
	j.cond.Broadcast()
	for !j.finished {
		j.cond.Wait()
	}
	j.mu.Unlock()
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) Error() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failure
}

func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	total := j.opts.EndBlock - j.opts.StartBlock
	done := j.cursor - j.opts.StartBlock
	return Progress{
		State:         j.state,
		Cursor:        j.cursor,
		BlocksCopied:  j.copied,
		BlocksSkipped: j.skipped,
		BlocksTotal:   total,
		Percent:       100 * float64(done) / float64(total),
	}
}

// Record converts the job's outcome into a history record.
func (j *Job) Record() HistoryRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return HistoryRecord{
		Nexus:         j.opts.Nexus,
		SourceURI:     j.opts.SourceURI,
		DestURI:       j.opts.DestURI,
		State:         j.state.String(),
		BlocksCopied:  j.copied,
		BlocksSkipped: j.skipped,
		StartedAt:     j.started,
		EndedAt:       j.ended,
	}
}

func (j *Job) run() {
	for {
		j.mu.Lock()
		for j.desired == StatePaused {
			if j.state != StatePaused {
				j.state = StatePaused
				j.cond.Broadcast()
				glog.V(1).Infof("rebuild of %s paused at block %d", j.opts.DestURI, j.cursor)
			}
			j.cond.Wait()
		}
		if j.state == StatePaused && j.desired == StateRunning {
			j.state = StateRunning
			glog.V(1).Infof("rebuild of %s resumed at block %d", j.opts.DestURI, j.cursor)
		}
		if j.desired == StateStopped {
			j.state = StateStopped
			j.ended = time.Now()
			j.cond.Broadcast()
			j.mu.Unlock()
			j.finish(StateStopped)
			return
		}
		if j.cursor >= j.opts.EndBlock {
			j.state = StateCompleted
			j.ended = time.Now()
			copied, skipped := j.copied, j.skipped
			j.cond.Broadcast()
			j.mu.Unlock()
			glog.V(0).Infof("rebuild of %s completed: %s blocks copied, %s skipped",
				j.opts.DestURI, humanize.Comma(int64(copied)), humanize.Comma(int64(skipped)))
			j.finish(StateCompleted)
			return
		}
		segStart := j.cursor
		segEnd := segStart + j.opts.SegmentBlocks
		if segEnd > j.opts.EndBlock {
			segEnd = j.opts.EndBlock
		}
		j.mu.Unlock()

		copied, skipped, err := j.copySegment(segStart, segEnd-segStart)

		j.mu.Lock()
		if err != nil {
			j.state = StateFailed
			j.failure = err
			j.ended = time.Now()
			j.cond.Broadcast()
			j.mu.Unlock()
			glog.Errorf("rebuild of %s failed at block %d: %v", j.opts.DestURI, segStart, err)
			j.finish(StateFailed)
			return
		}
		j.cursor = segEnd
		j.copied += copied
		j.skipped += skipped
		j.mu.Unlock()
		stats.RebuildBlocksCopied.WithLabelValues(j.opts.DestURI).Add(float64(copied))
		stats.RebuildBlocksSkipped.WithLabelValues(j.opts.DestURI).Add(float64(skipped))
	}
}

// copySegment moves [offset, offset+numBlocks) from source to destination,
// minus whatever the intent log already covers.
func (j *Job) copySegment(offset, numBlocks uint64) (copied, skipped uint64, err error) {
	if len(j.intent.Uncovered(offset, numBlocks)) == 0 {
		return 0, numBlocks, nil
	}

	blockSize := uint64(j.opts.Source.BlockSize())
	segBytes := int(numBlocks * blockSize)
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if cap(bb.B) < segBytes {
		bb.B = make([]byte, segBytes)
	}
	buf := bb.B[:segBytes]

	ctx := context.Background()
	if _, err := bdev.Do(ctx, j.opts.Source, bdev.IoRead, offset, numBlocks, buf); err != nil {
		return 0, 0, fmt.Errorf("source read: %w", err)
	}

	// Re-check the log after the source read and submit the destination
	// writes while still holding it: fan-out writes that landed in the
	// meantime carry newer data and must win over the copy.
	type segWrite struct {
		span Span
		data []byte
		done chan bdev.Completion
	}
	var writes []*segWrite
	submitErr := j.intent.SubmitUncovered(offset, numBlocks, func(span Span) error {
		from := (span.Offset - offset) * blockSize
		w := &segWrite{
			span: span,
			data: buf[from : from+span.NumBlocks*blockSize],
			done: make(chan bdev.Completion, 1),
		}
		io := &bdev.Io{
			Type:      bdev.IoWrite,
			Offset:    span.Offset,
			NumBlocks: span.NumBlocks,
			Data:      w.data,
			Done:      func(c bdev.Completion) { w.done <- c },
		}
		if err := j.opts.Dest.Submit(io); err != nil {
			return fmt.Errorf("destination write: %w", err)
		}
		writes = append(writes, w)
		return nil
	})

	// Drain whatever was submitted before acting on any error.
	var completionErr error
	for _, w := range writes {
		comp := <-w.done
		if !comp.Ok() {
			if completionErr == nil {
				completionErr = fmt.Errorf("destination write at block %d: %s: %v",
					w.span.Offset, comp.Status, comp.Err)
			}
			continue
		}
		copied += w.span.NumBlocks
	}
	if submitErr != nil {
		return copied, skipped, submitErr
	}
	if completionErr != nil {
		return copied, skipped, completionErr
	}

	if j.opts.Verify {
		for _, w := range writes {
			if err := j.verifySpan(ctx, w.span, w.data); err != nil {
				return copied, skipped, err
			}
		}
	}
	return copied, numBlocks - copied, nil
}

func (j *Job) verifySpan(ctx context.Context, span Span, expect []byte) error {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if cap(bb.B) < len(expect) {
		bb.B = make([]byte, len(expect))
	}
	got := bb.B[:len(expect)]
	if _, err := bdev.Do(ctx, j.opts.Dest, bdev.IoRead, span.Offset, span.NumBlocks, got); err != nil {
		return fmt.Errorf("verify read: %w", err)
	}
	if !bytes.Equal(expect, got) {
		// A live write may have overwritten the span between the copy and the
		// verify read. If the log vouches for any part of it, the newer data
		// is the correct data.
		uncov := j.intent.Uncovered(span.Offset, span.NumBlocks)
		if len(uncov) == 1 && uncov[0] == span {
			return fmt.Errorf("%w: blocks [%d, %d)", ErrVerifyMismatch, span.Offset, span.end())
		}
	}
	return nil
}

func (j *Job) finish(state State) {
	stats.RebuildActiveGauge.Dec()
	if j.opts.OnTerminal != nil {
		j.opts.OnTerminal(j, state)
	}
	j.mu.Lock()
	j.finished = true
	j.cond.Broadcast()
	j.mu.Unlock()
}
