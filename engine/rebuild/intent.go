// Package rebuild resynchronizes one nexus child from a healthy source while
// live writes keep flowing to both.
package rebuild

import (
	"sort"
	"sync"

	"github.com/rdleal/intervalst/interval"
)

// Span is a half-open block range [Offset, Offset+NumBlocks).
type Span struct {
	Offset    uint64
	NumBlocks uint64
}

func (s Span) end() uint64 {
	return s.Offset + s.NumBlocks
}

// IntentLog records writes fanned out to a rebuild destination ahead of the
// copy cursor. Blocks covered here are already current on the destination and
// must not be overwritten with source data read earlier.
type IntentLog struct {
	mu    sync.Mutex
	tree  *interval.SearchTree[Span, uint64]
	spans int
}

func NewIntentLog() *IntentLog {
	return &IntentLog{
		tree: interval.NewSearchTree[Span](func(a, b uint64) int {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			}
			return 0
		}),
	}
}

// Log records one fanned-out write.
func (l *IntentLog) Log(offset, numBlocks uint64) {
	l.LogBefore(offset, numBlocks, nil)
}

// LogBefore records one fanned-out write and, before releasing the log, runs
// submit. Pairing the log entry with the device submission keeps the two
// ordered against SubmitUncovered: a copy submission either observed the
// entry and skipped the range, or reached the device queue first and is
// overwritten by the fresher write behind it.
func (l *IntentLog) LogBefore(offset, numBlocks uint64, submit func()) {
	if numBlocks == 0 {
		if submit != nil {
			submit()
		}
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	span := Span{Offset: offset, NumBlocks: numBlocks}
	l.tree.Insert(span.Offset, span.end(), span)
	l.spans++
	if submit != nil {
		submit()
	}
}

// Len returns how many writes have been logged.
func (l *IntentLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spans
}

// Uncovered subtracts every logged write from [offset, offset+numBlocks) and
// returns the sub-spans that still need copying, in ascending order.
func (l *IntentLog) Uncovered(offset, numBlocks uint64) []Span {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.uncoveredLocked(offset, numBlocks)
}

// SubmitUncovered runs submit for each currently uncovered sub-span of
// [offset, offset+numBlocks) before releasing the log. A non-nil error stops
// the iteration. The counterpart of LogBefore: see there for the ordering
// argument.
func (l *IntentLog) SubmitUncovered(offset, numBlocks uint64, submit func(Span) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, span := range l.uncoveredLocked(offset, numBlocks) {
		if err := submit(span); err != nil {
			return err
		}
	}
	return nil
}

func (l *IntentLog) uncoveredLocked(offset, numBlocks uint64) []Span {
	seg := Span{Offset: offset, NumBlocks: numBlocks}
	if numBlocks == 0 {
		return nil
	}
	covered, found := l.tree.AllIntersections(seg.Offset, seg.end())
	if !found {
		return []Span{seg}
	}

	sort.Slice(covered, func(i, j int) bool {
		return covered[i].Offset < covered[j].Offset
	})

	var out []Span
	cursor := seg.Offset
	for _, c := range covered {
		if c.end() <= cursor {
			continue
		}
		if c.Offset >= seg.end() {
			break
		}
		if c.Offset > cursor {
			out = append(out, Span{Offset: cursor, NumBlocks: c.Offset - cursor})
		}
		if c.end() > cursor {
			cursor = c.end()
		}
	}
	if cursor < seg.end() {
		out = append(out, Span{Offset: cursor, NumBlocks: seg.end() - cursor})
	}
	return out
}
