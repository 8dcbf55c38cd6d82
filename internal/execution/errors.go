package execution

import (
	"errors"
	"fmt"

	"github.com/birdayz/kviews/kdag"
)

var (
	// ErrReplayTimeout is returned to readers whose replay did not complete
	// within the replay timeout. The read can be retried.
	ErrReplayTimeout = errors.New("execution: replay timed out")
	// ErrPathBroken is returned to readers whose replay path no longer
	// exists. The read can be retried against the new graph.
	ErrPathBroken = errors.New("execution: replay path broken")
	ErrClosed     = errors.New("execution: domain closed")
)

// ProcessingStage indicates where in a domain an error occurred
type ProcessingStage string

const (
	StageProcessing ProcessingStage = "processing"
	StageReplay     ProcessingStage = "replay"
	StageFill       ProcessingStage = "fill"
	StageStateStore ProcessingStage = "state_store"
	StageCatchUp    ProcessingStage = "catch_up"
)

// ProcessingError wraps an error with the node and stage it occurred at.
type ProcessingError struct {
	Cause error
	Stage ProcessingStage
	// Node is the name of the node that failed
	Node string
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s error in node %q: %v", e.Stage, e.Node, e.Cause)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// NodeFault reports a node that stopped processing after an invariant
// violation. The rest of the domain keeps running.
type NodeFault struct {
	Domain kdag.DomainIndex
	Node   kdag.NodeIndex
	Cause  error
}

func (f *NodeFault) Error() string {
	return fmt.Sprintf("node %s in domain %s faulted: %v", f.Node, f.Domain, f.Cause)
}

func (f *NodeFault) Unwrap() error {
	return f.Cause
}
