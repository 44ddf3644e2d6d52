package nexus

import (
	"sync"

	"github.com/openebs/mayastor-sub001/engine/bdev"
)

// CompletionAction is what the dispatch engine does about one failed child
// completion.
type CompletionAction int

const (
	// ActionRetire faults the child and fails the aggregate, gated on the
	// persistent record.
	ActionRetire CompletionAction = iota
	// ActionIgnore treats the completion as success: the device merely lacks
	// optional support for the opcode.
	ActionIgnore
	// ActionRetry resubmits the whole request once against the remaining
	// healthy set: the failure was a side effect of an unrelated retirement.
	ActionRetry
	// ActionShutdown shuts the whole nexus down without retiring the child:
	// another instance most likely owns the backing replica now.
	ActionShutdown
)

// The membership of this table is policy, not mechanism; collaborators with
// vendor-specific status codes extend it through RegisterCompletionPolicy.
var (
	policyLock       sync.RWMutex
	completionPolicy = map[bdev.CompletionStatus]CompletionAction{
		bdev.StatusIoError:             ActionRetire,
		bdev.StatusNoSpace:             ActionRetire,
		bdev.StatusInvalidOpcode:       ActionIgnore,
		bdev.StatusReservationConflict: ActionShutdown,
		bdev.StatusAborted:             ActionRetry,
	}
)

// ClassifyCompletion maps a failed completion status to its action.
// Unknown statuses retire: an unclassified device error cannot be trusted.
func ClassifyCompletion(status bdev.CompletionStatus) CompletionAction {
	policyLock.RLock()
	defer policyLock.RUnlock()
	if action, found := completionPolicy[status]; found {
		return action
	}
	return ActionRetire
}

// RegisterCompletionPolicy overrides or extends the classification table.
func RegisterCompletionPolicy(status bdev.CompletionStatus, action CompletionAction) {
	policyLock.Lock()
	defer policyLock.Unlock()
	completionPolicy[status] = action
}

// faultReasonFor translates a retiring completion status into the child fault
// reason recorded for it.
func faultReasonFor(status bdev.CompletionStatus) FaultReason {
	if status == bdev.StatusNoSpace {
		return FaultNoSpace
	}
	return FaultIoError
}
