// Package runtime is the per-node part of a domain: it dispatches records to
// the node's operator and applies the operator's output to the node's
// states.
package runtime

import (
	"errors"
	"fmt"
	"slices"

	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/kprocessor"
	"github.com/birdayz/kviews/krow"
	"github.com/birdayz/kviews/kstate"
	"go.uber.org/multierr"
)

var (
	ErrNoState = errors.New("runtime: node has no such state")
	// ErrReplayThroughState is returned when a replay is routed through a
	// materialized node instead of starting there.
	ErrReplayThroughState = errors.New("runtime: replay routed through a materialized node")
)

// Result is what a node hands to its children.
type Result struct {
	Records krow.Records
	// Misses are input records suspended on holes in another state.
	Misses []kprocessor.Miss
	// Dropped are client retractions a base table ignored.
	Dropped krow.Records
}

// Node is a graph node instantiated inside a domain. It is owned by the
// domain goroutine.
type Node struct {
	Index   kdag.NodeIndex
	Name    string
	Op      kprocessor.Operator
	Parents []kdag.NodeIndex

	states map[kdag.Slot]kstate.State
	// gated states ignore live updates until a whole-state fill arrives
	gated map[kdag.Slot]bool
	fault error
}

var _ kprocessor.Env = (*Node)(nil)

func NewNode(index kdag.NodeIndex, name string, op kprocessor.Operator) *Node {
	return &Node{
		Index:   index,
		Name:    name,
		Op:      op,
		Parents: slices.Clone(op.Ancestors()),
		states:  make(map[kdag.Slot]kstate.State),
		gated:   make(map[kdag.Slot]bool),
	}
}

func (n *Node) String() string { return fmt.Sprintf("%s(%s)", n.Name, n.Index) }

// AddState attaches st to slot.
func (n *Node) AddState(slot kdag.Slot, st kstate.State, gated bool) error {
	if _, ok := n.states[slot]; ok {
		return fmt.Errorf("node %s: slot %d already has state", n, slot)
	}
	n.states[slot] = st
	if gated {
		n.gated[slot] = true
	}
	return nil
}

// RemoveState closes and detaches the state of slot.
func (n *Node) RemoveState(slot kdag.Slot) error {
	st, ok := n.states[slot]
	if !ok {
		return nil
	}
	delete(n.states, slot)
	delete(n.gated, slot)
	return st.Close()
}

func (n *Node) State(slot kdag.Slot) (kstate.State, bool) {
	st, ok := n.states[slot]
	return st, ok
}

// Slots returns the slots with state, in order.
func (n *Node) Slots() []kdag.Slot {
	out := make([]kdag.Slot, 0, len(n.states))
	for s := range n.states {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

func (n *Node) Materialized() bool {
	_, ok := n.states[kdag.SlotOutput]
	return ok
}

func (n *Node) Gated(slot kdag.Slot) bool { return n.gated[slot] }

// Fault marks the node broken. Faulted nodes drop every packet.
func (n *Node) Fault(err error) { n.fault = err }
func (n *Node) Faulted() error  { return n.fault }

// Lookup reads a state of the node for its operator.
func (n *Node) Lookup(slot kdag.Slot, cols []int, key krow.Row) (kstate.LookupResult, error) {
	st, ok := n.states[slot]
	if !ok {
		return kstate.LookupResult{}, fmt.Errorf("%w: %s slot %d", ErrNoState, n, slot)
	}
	return st.Lookup(cols, key)
}

// Process runs the operator over records arriving from parent. In Live mode
// the output is applied to the node's states; records falling into holes of
// a partial output state are not passed on.
func (n *Node) Process(parent kdag.NodeIndex, recs krow.Records, mode kprocessor.Mode) (Result, error) {
	var (
		out kprocessor.Output
		err error
	)
	switch op := n.Op.(type) {
	case *kprocessor.Base:
		out, err = op.Process(n, recs)
	case *kprocessor.Filter:
		out.Records = op.Process(recs)
	case *kprocessor.Project:
		out.Records = op.Process(recs)
	case *kprocessor.Union:
		out.Records = op.Process(recs)
	case *kprocessor.Reader:
		out.Records = recs
	case *kprocessor.Join:
		out, err = op.Process(n, parent, recs, mode)
	case *kprocessor.Aggregate:
		if mode == kprocessor.Replay {
			return Result{}, fmt.Errorf("%w: %s", ErrReplayThroughState, n)
		}
		out, err = op.Process(n, recs)
	case *kprocessor.TopK:
		if mode == kprocessor.Replay {
			return Result{}, fmt.Errorf("%w: %s", ErrReplayThroughState, n)
		}
		out, err = op.Process(n, recs)
	default:
		err = fmt.Errorf("unknown operator %T", op)
	}
	if err != nil {
		return Result{}, err
	}
	if mode == kprocessor.Replay {
		return Result{Records: out.Records, Misses: out.Misses}, nil
	}

	for _, slot := range sortedSlots(out.Aux) {
		st, ok := n.states[slot]
		if !ok {
			return Result{}, fmt.Errorf("%w: %s slot %d", ErrNoState, n, slot)
		}
		if n.gated[slot] {
			continue
		}
		if _, err := st.Apply(out.Aux[slot]); err != nil {
			return Result{}, fmt.Errorf("apply to slot %d: %w", slot, err)
		}
	}
	if st, ok := n.states[kdag.SlotOutput]; ok && !n.gated[kdag.SlotOutput] {
		applied, err := st.Apply(out.Records)
		if err != nil {
			return Result{}, err
		}
		if st.Mode() == kdag.Partial {
			out.Records = applied
		}
	}
	return Result{Records: out.Records, Misses: out.Misses, Dropped: out.Dropped}, nil
}

func sortedSlots(m map[kdag.Slot]krow.Records) []kdag.Slot {
	out := make([]kdag.Slot, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Fill completes a replay into slot. rows are the rows of parent for key, or
// all of parent's rows when key is nil. It reports misses when the rows
// could not be turned into the node's output yet; the fill has to be retried
// once those are resolved.
func (n *Node) Fill(slot kdag.Slot, parent kdag.NodeIndex, key krow.Row, rows krow.Rows) ([]kprocessor.Miss, error) {
	st, ok := n.states[slot]
	if !ok {
		return nil, fmt.Errorf("%w: %s slot %d", ErrNoState, n, slot)
	}
	if key == nil {
		return n.fillAll(slot, st, parent, rows)
	}
	if st.Mode() != kdag.Partial {
		return nil, nil
	}

	switch op := n.Op.(type) {
	case *kprocessor.Join:
		if slot != kdag.SlotOutput {
			_, err := st.Fill(key, rows)
			return nil, err
		}
	case *kprocessor.Aggregate:
		_, err := st.Fill(key, krow.Rows{op.Compute(key, rows)})
		return nil, err
	case *kprocessor.TopK:
		if group, ok := n.states[kdag.SlotGroup]; ok && group.Mode() == kdag.Partial {
			if _, err := group.Fill(key, rows); err != nil {
				return nil, err
			}
		}
		_, err := st.Fill(key, op.Top(rows))
		return nil, err
	}

	res, err := n.Process(parent, krow.Inserts(rows...), kprocessor.Replay)
	if err != nil {
		return nil, err
	}
	if len(res.Misses) > 0 {
		return res.Misses, nil
	}
	_, err = st.Fill(key, res.Records.Positives())
	return nil, err
}

func (n *Node) fillAll(slot kdag.Slot, st kstate.State, parent kdag.NodeIndex, rows krow.Rows) ([]kprocessor.Miss, error) {
	if !n.gated[slot] {
		return nil, nil
	}
	res, err := n.Process(parent, krow.Inserts(rows...), kprocessor.Replay)
	if err != nil {
		return nil, err
	}
	if len(res.Misses) > 0 {
		return res.Misses, nil
	}
	for _, r := range res.Records.Positives() {
		if _, err := st.Insert(r); err != nil {
			return nil, err
		}
	}
	delete(n.gated, slot)
	return nil, nil
}

// Evict turns up to max filled keys of every partial state into holes.
func (n *Node) Evict(max int) map[kdag.Slot][]krow.Row {
	out := make(map[kdag.Slot][]krow.Row)
	for _, slot := range n.Slots() {
		st := n.states[slot]
		if st.Mode() != kdag.Partial || max <= 0 {
			continue
		}
		keys := st.Evict(max)
		max -= len(keys)
		if len(keys) > 0 {
			out[slot] = keys
		}
	}
	return out
}

// Publish makes reader changes visible.
func (n *Node) Publish() {
	if p, ok := n.states[kdag.SlotOutput].(kstate.Publisher); ok {
		p.Publish()
	}
}

// Handle returns the read handle of a reader node.
func (n *Node) Handle() *kstate.ReadHandle {
	if p, ok := n.states[kdag.SlotOutput].(kstate.Publisher); ok {
		return p.Handle()
	}
	return nil
}

// Rows returns the row count of every state.
func (n *Node) Rows() map[kdag.Slot]int {
	out := make(map[kdag.Slot]int, len(n.states))
	for s, st := range n.states {
		out[s] = st.Len()
	}
	return out
}

// Close closes every state.
func (n *Node) Close() error {
	var err error
	for _, slot := range n.Slots() {
		err = multierr.Append(err, n.states[slot].Close())
	}
	return err
}
