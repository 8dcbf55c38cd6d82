package kviews

import (
	"errors"
	"time"

	"github.com/birdayz/kviews/internal/execution"
	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/kprocessor"
	"github.com/birdayz/kviews/kstate"
)

var (
	ErrUnknownTable = errors.New("kviews: unknown table")
	ErrUnknownView  = errors.New("kviews: unknown view")
	// ErrNodeFaulted is returned by reads of views below a faulted node.
	ErrNodeFaulted = errors.New("kviews: node faulted")
	ErrClosed      = errors.New("kviews: controller closed")
	ErrNotStarted  = errors.New("kviews: controller not started")
	// ErrMigrationAborted wraps the cause of a migration that was rolled
	// back. The graph and version are unchanged.
	ErrMigrationAborted = errors.New("kviews: migration aborted")
	// ErrPending is returned when a key was filled but evicted again before
	// the read could see it. The read can be retried.
	ErrPending = errors.New("kviews: key still pending")

	ErrArity         = kprocessor.ErrArity
	ErrReplayTimeout = execution.ErrReplayTimeout
	ErrPathBroken    = execution.ErrPathBroken
	ErrNegativeCount = kprocessor.ErrNegativeCount
	ErrMissingRow    = kstate.ErrMissingRow
)

// NodeFault reports an invariant violation that stopped a node.
type NodeFault = execution.NodeFault

// ProcessingError is the cause of a NodeFault.
type ProcessingError = execution.ProcessingError

// IsRetryable reports whether err is transient. Reads failing with a
// retryable error can be repeated without any other action.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrReplayTimeout) || errors.Is(err, ErrPathBroken) || errors.Is(err, ErrPending)
}

// StatusEvent is published on the status channel when a node faults.
type StatusEvent struct {
	Time  time.Time
	Node  string
	Fault *NodeFault
}

// Err returns the fault as an error.
func (e StatusEvent) Err() error { return e.Fault }

// faultedAbove returns the first fault recorded for idx or one of its
// ancestors.
func faultedAbove(g *kdag.Graph, faults map[kdag.NodeIndex]*NodeFault, idx kdag.NodeIndex) *NodeFault {
	if len(faults) == 0 {
		return nil
	}
	seen := map[kdag.NodeIndex]bool{}
	queue := []kdag.NodeIndex{idx}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if f, ok := faults[cur]; ok {
			return f
		}
		if n, ok := g.Node(cur); ok {
			queue = append(queue, n.Parents...)
		}
	}
	return nil
}
