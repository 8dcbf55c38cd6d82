// Package packet defines the messages exchanged between domains and between
// the controller and domains.
//
// Data packets (Message, Seed, ReplayPiece, EvictKeys) travel down the graph
// on bounded per-sender queues and keep their order. Control packets travel
// on an unbounded queue that is served before data.
package packet

import (
	"fmt"
	"slices"

	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/kprocessor"
	"github.com/birdayz/kviews/krow"
	"github.com/birdayz/kviews/kstate"
	"github.com/google/uuid"
)

// Tag identifies a replay path.
type Tag uint32

func (t Tag) String() string { return fmt.Sprintf("t%d", uint32(t)) }

// Header is carried by every packet.
type Header struct {
	Version kdag.Version
	Trace   uuid.UUID
}

// NewHeader creates a header with a fresh trace ID.
func NewHeader(v kdag.Version) Header {
	return Header{Version: v, Trace: uuid.New()}
}

// Packet is implemented by every packet type.
type Packet interface {
	Head() Header
	// Data reports whether the packet belongs on the data plane.
	Data() bool
}

func (h Header) Head() Header { return h }

type data struct{}

func (data) Data() bool { return true }

type control struct{}

func (control) Data() bool { return false }

// Link addresses the edge a data packet travels on.
type Link struct {
	Src kdag.NodeIndex
	Dst kdag.NodeIndex
}

// Message carries live records from Src to Dst. A Message with Src equal to
// Dst is a client write into a base table.
type Message struct {
	Header
	data
	Link    Link
	Records krow.Records
}

// Seed carries a snapshot of Src's rows to a new child during a migration.
// The receiving domain processes the records as live inserts and reports on
// Done.
type Seed struct {
	Header
	data
	Link    Link
	Records krow.Records
	Done    chan<- error
}

// ReplayPiece carries the rows answering a replay down a path. Hop is the
// segment index of the node that receives the piece. A nil Key marks a
// replay of the whole state.
type ReplayPiece struct {
	Header
	data
	Tag  Tag
	Hop  int
	Key  krow.Row
	Rows krow.Rows
}

// EvictKeys tells every node on a path below Hop that Keys were evicted
// upstream.
type EvictKeys struct {
	Header
	data
	Tag  Tag
	Hop  int
	Keys []krow.Row
}

// RequestReplay asks the source domain of a path for the rows of Key. A nil
// Key requests the whole state.
type RequestReplay struct {
	Header
	control
	Tag  Tag
	Key  krow.Row
	From kdag.DomainIndex
	// Target identifies who is waiting, for failure replies.
	Target kdag.NodeIndex
	Slot   kdag.Slot
}

// ReplayFailed answers a request whose path no longer exists.
type ReplayFailed struct {
	Header
	control
	Target kdag.NodeIndex
	Slot   kdag.Slot
	Key    krow.Row
	Err    error
}

// ReadMiss reports a client read of a hole in a reader. Waiter, when set,
// receives nil once the key is filled and published, or an error.
type ReadMiss struct {
	Header
	control
	Node   kdag.NodeIndex
	Key    krow.Row
	Waiter chan<- error
}

// FillGated asks the domain of Node to replay the whole state into the
// node's gated output state. Done receives the outcome.
type FillGated struct {
	Header
	control
	Node kdag.NodeIndex
	Done chan<- error
}

// NodeSpec describes a node to a domain.
type NodeSpec struct {
	Index    kdag.NodeIndex
	Name     string
	Op       kprocessor.Operator
	Parents  []kdag.NodeIndex
	States   map[kdag.Slot]kdag.Materialization
	Durable  bool
	Children []Route
}

// Route is a child of a node and the domain the child lives in.
type Route struct {
	Child  kdag.NodeIndex
	Domain kdag.DomainIndex
}

type AddNode struct {
	Header
	control
	Node NodeSpec
	Done chan<- error
	// Handle receives the read handle of a reader node.
	Handle chan<- *kstate.ReadHandle
}

// AddChild adds a route below Parent without seeding it.
type AddChild struct {
	Header
	control
	Parent kdag.NodeIndex
	Route  Route
}

type RemoveChild struct {
	Header
	control
	Parent kdag.NodeIndex
	Child  kdag.NodeIndex
}

// AddState gives an existing node a new state. A gated state ignores live
// updates until a whole-state replay fills it.
type AddState struct {
	Header
	control
	Node  kdag.NodeIndex
	Slot  kdag.Slot
	State kdag.Materialization
	Gated bool
	Done  chan<- error
}

// RemoveState drops a state added by an aborted migration.
type RemoveState struct {
	Header
	control
	Node kdag.NodeIndex
	Slot kdag.Slot
}

type AddIndex struct {
	Header
	control
	Node kdag.NodeIndex
	Slot kdag.Slot
	Cols []int
}

// Segment is one node on a replay path with the columns the replayed key
// occupies at that node.
type Segment struct {
	Node   kdag.NodeIndex
	Domain kdag.DomainIndex
	Key    []int
}

// Path is a replay path from a materialized source to a target state. The
// first segment is the source and the last one the target.
type Path struct {
	Tag      Tag
	Segments []Segment
	Slot     kdag.Slot
	// Full paths replay the whole source state.
	Full bool
}

func (p *Path) Source() Segment { return p.Segments[0] }
func (p *Path) Target() Segment { return p.Segments[len(p.Segments)-1] }

// Through reports whether node is on the path.
func (p *Path) Through(node kdag.NodeIndex) bool {
	return slices.ContainsFunc(p.Segments, func(s Segment) bool { return s.Node == node })
}

func (p *Path) String() string {
	s := p.Tag.String() + ":"
	for i, seg := range p.Segments {
		if i > 0 {
			s += " →"
		}
		s += fmt.Sprintf(" %s@%s%v", seg.Node, seg.Domain, seg.Key)
	}
	return s
}

type SetupPath struct {
	Header
	control
	Path Path
}

type RemovePaths struct {
	Header
	control
	Tags []Tag
}

type RemoveNodes struct {
	Header
	control
	Nodes []kdag.NodeIndex
}

// StartCatchUp makes the domain of Parent snapshot its state, seed Route
// with it and add Route below Parent in one step.
type StartCatchUp struct {
	Header
	control
	Parent kdag.NodeIndex
	Route  Route
	Done   chan<- error
}

// Evict asks a domain to evict up to N keys from its partial states.
type Evict struct {
	Header
	control
	N     int
	Reply chan<- int
}

// Drain makes a domain process every queued data packet, reply on Done and
// then ignore data until Resume.
type Drain struct {
	Header
	control
	Done chan<- struct{}
}

type Resume struct {
	Header
	control
}

// GetStatistics requests a statistics snapshot.
type GetStatistics struct {
	Header
	control
	Reply chan<- DomainStats
}

// Quit stops the domain.
type Quit struct {
	Header
	control
}

// DomainStats is a snapshot of a domain's counters.
type DomainStats struct {
	Domain           kdag.DomainIndex
	State            string
	PacketsProcessed uint64
	ReplaysRequested uint64
	ReplaysServed    uint64
	ReplaysTimedOut  uint64
	Nodes            []NodeStats
}

type NodeStats struct {
	Node    kdag.NodeIndex
	Name    string
	Rows    map[kdag.Slot]int
	Faulted bool
}
