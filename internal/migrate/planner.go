// Package migrate plans the changes a migration makes to running domains.
//
// The planner works on a clone of the graph that already carries the new
// nodes and tombstones. It decides which state every new node keeps, which
// replay paths fill partial state, and how new nodes below existing ones are
// brought up to date.
package migrate

import (
	"errors"
	"fmt"
	"slices"

	"github.com/birdayz/kviews/internal/packet"
	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/kprocessor"
)

var (
	// ErrPartialParent is returned when a new node needs the complete output
	// of an existing node that only holds part of it.
	ErrPartialParent = errors.New("migrate: full state below partial state")
	ErrNoFullPath    = errors.New("migrate: no full replay path")
)

// Config controls planning.
type Config struct {
	// Partial allows partial materialization.
	Partial bool
	// NextTag is the first free replay path tag.
	NextTag packet.Tag
	// Reload treats new durable bases like existing ones: they may already
	// hold rows, so their children are seeded.
	Reload bool
}

// CatchUp seeds Route with the current state of Parent.
type CatchUp struct {
	Parent kdag.NodeIndex
	Route  packet.Route
}

// Upgrade gives an existing unmaterialized node a gated full state that is
// filled by replaying Path.
type Upgrade struct {
	Node  kdag.NodeIndex
	State kdag.Materialization
	Path  packet.Path
}

// IndexChange adds an index to an existing state.
type IndexChange struct {
	Node kdag.NodeIndex
	Slot kdag.Slot
	Cols []int
}

// Unlink removes Child from the routes of Parent, which lives in Domain.
type Unlink struct {
	Parent kdag.NodeIndex
	Child  kdag.NodeIndex
	Domain kdag.DomainIndex
}

// Plan is everything a migration has to send to the domains.
type Plan struct {
	// Nodes are the new nodes in topological order.
	Nodes []packet.NodeSpec
	// Domains are the domains created by the migration.
	Domains []kdag.DomainIndex
	Paths   []packet.Path
	Indices []IndexChange
	// Upgrades run before catch-ups.
	Upgrades []Upgrade
	CatchUps []CatchUp
	// Links add new children that need no seed.
	Links []CatchUp

	Removed     map[kdag.DomainIndex][]kdag.NodeIndex
	Unlinks     []Unlink
	RemovedTags []packet.Tag

	NextTag packet.Tag
}

type target struct {
	node kdag.NodeIndex
	slot kdag.Slot
}

type downstreamState struct {
	target target
	mode   kdag.Mode
}

type planner struct {
	old     *kdag.Graph
	g       *kdag.Graph
	cfg     Config
	isNew   map[kdag.NodeIndex]bool
	paths   map[target][]packet.Segment
	upgrade map[kdag.NodeIndex]bool
	plan    *Plan
}

// Compute plans the migration from old to g. added lists the nodes present
// in g only, removed the nodes of old that g no longer has. domains are the
// domains AssignDomains created for the added nodes. Materialization
// decisions are recorded on the nodes of g.
func Compute(old, g *kdag.Graph, added, removed []kdag.NodeIndex, domains []kdag.DomainIndex, existing map[packet.Tag]packet.Path, cfg Config) (*Plan, error) {
	p := &planner{
		old:     old,
		g:       g,
		cfg:     cfg,
		isNew:   make(map[kdag.NodeIndex]bool, len(added)),
		paths:   make(map[target][]packet.Segment),
		upgrade: make(map[kdag.NodeIndex]bool),
		plan: &Plan{
			Domains: slices.Clone(domains),
			Removed: make(map[kdag.DomainIndex][]kdag.NodeIndex),
			NextTag: cfg.NextTag,
		},
	}
	for _, idx := range added {
		p.isNew[idx] = true
	}

	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	order = slices.DeleteFunc(order, func(idx kdag.NodeIndex) bool { return !p.isNew[idx] })

	for i := len(order) - 1; i >= 0; i-- {
		p.materialize(g.MustNode(order[i]))
	}
	p.addPaths()
	if err := p.frontier(order); err != nil {
		return nil, err
	}
	p.addSpecs(order)
	p.remove(removed, existing)
	return p.plan, nil
}

func fullState(key []int) kdag.Materialization {
	return kdag.Materialization{Mode: kdag.Full, Key: slices.Clone(key), Indices: [][]int{slices.Clone(key)}}
}

func partialState(key []int) kdag.Materialization {
	return kdag.Materialization{Mode: kdag.Partial, Key: slices.Clone(key), Indices: [][]int{slices.Clone(key)}}
}

func (p *planner) materialize(n *kdag.Node) {
	downstream := p.downstream(n.Index)
	switch op := n.Op.(type) {
	case *kprocessor.Base:
		n.SetState(kdag.SlotOutput, fullState(op.StateKey()))
	case *kprocessor.Union:
		n.SetState(kdag.SlotOutput, fullState([]int{0}))
	case *kprocessor.Reader, *kprocessor.Aggregate, *kprocessor.TopK:
		key := n.Op.OutputKey()
		m := fullState(key)
		if p.cfg.Partial && !anyFull(downstream) && p.allThrough(downstream, n.Index, key) {
			if segs, ok := p.trace(n, kdag.SlotOutput, key); ok {
				m = partialState(key)
				p.paths[target{n.Index, kdag.SlotOutput}] = segs
			}
		}
		n.SetState(kdag.SlotOutput, m)
		for _, aux := range n.Op.AuxStates() {
			am := fullState(aux.Key)
			if m.Mode == kdag.Partial {
				am = partialState(aux.Key)
			}
			n.SetState(aux.Slot, am)
		}
	default:
		for _, aux := range n.Op.AuxStates() {
			m := fullState(aux.Key)
			if p.cfg.Partial && !anyFull(downstream) {
				if segs, ok := p.trace(n, aux.Slot, aux.Key); ok {
					m = partialState(aux.Key)
					p.paths[target{n.Index, aux.Slot}] = segs
				}
			}
			n.SetState(aux.Slot, m)
		}
	}
}

// downstream lists the states fed by node: the first materialized node on
// every branch and every join side state on the way there.
func (p *planner) downstream(node kdag.NodeIndex) []downstreamState {
	var out []downstreamState
	var walk func(from kdag.NodeIndex)
	walk = func(from kdag.NodeIndex) {
		for _, c := range p.g.MustNode(from).Children {
			child := p.g.MustNode(c)
			if m := child.State(kdag.SlotOutput); m.Mode != kdag.NotMaterialized {
				out = append(out, downstreamState{target{c, kdag.SlotOutput}, m.Mode})
				continue
			}
			for _, aux := range child.Op.AuxStates() {
				if aux.Parent == from {
					out = append(out, downstreamState{target{c, aux.Slot}, child.State(aux.Slot).Mode})
				}
			}
			walk(c)
		}
	}
	walk(node)
	return out
}

func anyFull(states []downstreamState) bool {
	return slices.ContainsFunc(states, func(s downstreamState) bool { return s.mode == kdag.Full })
}

// allThrough reports whether every downstream state is partial and replays
// through node keyed on key.
func (p *planner) allThrough(states []downstreamState, node kdag.NodeIndex, key []int) bool {
	for _, s := range states {
		if s.mode != kdag.Partial {
			return false
		}
		segs, ok := p.paths[s.target]
		if !ok {
			return false
		}
		through := slices.ContainsFunc(segs, func(seg packet.Segment) bool {
			return seg.Node == node && slices.Equal(seg.Key, key)
		})
		if !through {
			return false
		}
	}
	return true
}

// materialized reports whether node can serve as a replay source.
func (p *planner) materialized(n *kdag.Node) bool {
	if p.isNew[n.Index] {
		return n.Op.Stateful()
	}
	return n.Materialized()
}

// trace walks up from the state at slot of n to the nearest materialized
// ancestor, following the columns of key.
func (p *planner) trace(n *kdag.Node, slot kdag.Slot, key []int) ([]packet.Segment, bool) {
	segs := []packet.Segment{{Node: n.Index, Domain: n.Domain, Key: slices.Clone(key)}}
	cur, cols := n, key
	if slot != kdag.SlotOutput {
		i := slices.IndexFunc(n.Op.AuxStates(), func(a kdag.AuxState) bool { return a.Slot == slot })
		if i < 0 {
			return nil, false
		}
		parent := p.g.MustNode(n.Op.AuxStates()[i].Parent)
		segs = append(segs, packet.Segment{Node: parent.Index, Domain: parent.Domain, Key: slices.Clone(key)})
		cur = parent
	}
	for !p.materialized(cur) || cur == n {
		parent, pcols, ok := resolveParent(cur, cols)
		if !ok {
			return nil, false
		}
		pn := p.g.MustNode(parent)
		segs = append(segs, packet.Segment{Node: parent, Domain: pn.Domain, Key: pcols})
		cur, cols = pn, pcols
	}
	slices.Reverse(segs)

	if !p.isNew[cur.Index] {
		if m := cur.State(kdag.SlotOutput); m.Mode == kdag.Partial && !slices.Equal(m.Key, cols) {
			return nil, false
		}
	}
	return segs, true
}

// resolveParent finds the first parent of n that every column of cols comes
// from.
func resolveParent(n *kdag.Node, cols []int) (kdag.NodeIndex, []int, bool) {
	for _, parent := range n.Parents {
		pcols := make([]int, len(cols))
		ok := true
		for i, c := range cols {
			j := slices.IndexFunc(n.Op.Resolve(c), func(col kdag.Column) bool { return col.Node == parent })
			if j < 0 {
				ok = false
				break
			}
			pcols[i] = n.Op.Resolve(c)[j].Col
		}
		if ok {
			return parent, pcols, true
		}
	}
	return 0, nil, false
}

// addPaths tags the partial paths and adds their lookup index at full
// sources.
func (p *planner) addPaths() {
	targets := make([]target, 0, len(p.paths))
	for t := range p.paths {
		targets = append(targets, t)
	}
	slices.SortFunc(targets, func(a, b target) int {
		if a.node != b.node {
			return int(a.node) - int(b.node)
		}
		return int(a.slot) - int(b.slot)
	})

	for _, t := range targets {
		segs := p.paths[t]
		path := packet.Path{Tag: p.nextTag(), Segments: segs, Slot: t.slot}
		p.plan.Paths = append(p.plan.Paths, path)

		src := path.Source()
		n := p.g.MustNode(src.Node)
		m := n.State(kdag.SlotOutput)
		if m.Mode != kdag.Full || !m.AddIndex(src.Key) {
			continue
		}
		n.SetState(kdag.SlotOutput, m)
		if !p.isNew[n.Index] {
			p.plan.Indices = append(p.plan.Indices, IndexChange{Node: n.Index, Slot: kdag.SlotOutput, Cols: slices.Clone(src.Key)})
		}
	}
}

func (p *planner) nextTag() packet.Tag {
	t := p.plan.NextTag
	p.plan.NextTag++
	return t
}

// frontier decides how every new child of an existing node is brought up to
// date.
func (p *planner) frontier(order []kdag.NodeIndex) error {
	for _, idx := range order {
		n := p.g.MustNode(idx)
		for _, parent := range n.Parents {
			if p.isNew[parent] && !p.reloads(parent) {
				continue
			}
			route := packet.Route{Child: idx, Domain: n.Domain}
			if !p.needsSeed(parent, idx) {
				p.plan.Links = append(p.plan.Links, CatchUp{Parent: parent, Route: route})
				continue
			}
			e := p.g.MustNode(parent)
			switch e.State(kdag.SlotOutput).Mode {
			case kdag.Full:
			case kdag.Partial:
				return fmt.Errorf("%w: %s below %s", ErrPartialParent, n, e)
			default:
				if err := p.addUpgrade(e); err != nil {
					return fmt.Errorf("%s below %s: %w", n, e, err)
				}
			}
			p.plan.CatchUps = append(p.plan.CatchUps, CatchUp{Parent: parent, Route: route})
		}
	}
	return nil
}

func (p *planner) reloads(idx kdag.NodeIndex) bool {
	n := p.g.MustNode(idx)
	return p.cfg.Reload && n.IsBase() && n.Durable
}

// needsSeed reports whether child, fed by parent, reaches a full state.
func (p *planner) needsSeed(parent, child kdag.NodeIndex) bool {
	n := p.g.MustNode(child)
	if m := n.State(kdag.SlotOutput); m.Mode != kdag.NotMaterialized {
		return m.Mode == kdag.Full
	}
	for _, aux := range n.Op.AuxStates() {
		if aux.Parent == parent && n.State(aux.Slot).Mode == kdag.Full {
			return true
		}
	}
	for _, c := range n.Children {
		if p.needsSeed(child, c) {
			return true
		}
	}
	return false
}

// addUpgrade plans a gated full state for the existing node e, filled from
// its nearest full ancestor.
func (p *planner) addUpgrade(e *kdag.Node) error {
	if p.upgrade[e.Index] {
		return nil
	}
	segs := []packet.Segment{{Node: e.Index, Domain: e.Domain}}
	cur := e
	for {
		if len(cur.Parents) == 0 {
			return ErrNoFullPath
		}
		parent := p.g.MustNode(cur.Parents[0])
		if j, ok := cur.Op.(*kprocessor.Join); ok {
			other := kdag.SlotRight
			if parent.Index == j.Right {
				other = kdag.SlotLeft
			}
			if cur.State(other).Mode != kdag.Full {
				return fmt.Errorf("%w: %s keeps partial side state", ErrPartialParent, cur)
			}
		}
		segs = append(segs, packet.Segment{Node: parent.Index, Domain: parent.Domain})
		if parent.Materialized() {
			if parent.State(kdag.SlotOutput).Mode != kdag.Full {
				return fmt.Errorf("%w: %s", ErrPartialParent, parent)
			}
			break
		}
		cur = parent
	}
	slices.Reverse(segs)

	m := fullState([]int{0})
	e.SetState(kdag.SlotOutput, m)
	p.upgrade[e.Index] = true
	p.plan.Upgrades = append(p.plan.Upgrades, Upgrade{
		Node:  e.Index,
		State: m,
		Path:  packet.Path{Tag: p.nextTag(), Segments: segs, Full: true},
	})
	return nil
}

func (p *planner) addSpecs(order []kdag.NodeIndex) {
	for _, idx := range order {
		n := p.g.MustNode(idx)
		spec := packet.NodeSpec{
			Index:   idx,
			Name:    n.Name,
			Op:      n.Op.(kprocessor.Operator),
			Parents: slices.Clone(n.Parents),
			States:  make(map[kdag.Slot]kdag.Materialization, len(n.States)),
			Durable: n.Durable,
		}
		for slot, m := range n.States {
			spec.States[slot] = m
		}
		if !p.reloads(idx) {
			for _, c := range n.Children {
				spec.Children = append(spec.Children, packet.Route{Child: c, Domain: p.g.MustNode(c).Domain})
			}
		}
		p.plan.Nodes = append(p.plan.Nodes, spec)
	}
}

func (p *planner) remove(removed []kdag.NodeIndex, existing map[packet.Tag]packet.Path) {
	gone := make(map[kdag.NodeIndex]bool, len(removed))
	for _, idx := range removed {
		gone[idx] = true
	}
	for _, idx := range removed {
		n := p.old.MustNode(idx)
		p.plan.Removed[n.Domain] = append(p.plan.Removed[n.Domain], idx)
		for _, parent := range n.Parents {
			if gone[parent] {
				continue
			}
			p.plan.Unlinks = append(p.plan.Unlinks, Unlink{Parent: parent, Child: idx, Domain: p.old.MustNode(parent).Domain})
		}
	}
	for tag, path := range existing {
		if slices.ContainsFunc(path.Segments, func(s packet.Segment) bool { return gone[s.Node] }) {
			p.plan.RemovedTags = append(p.plan.RemovedTags, tag)
		}
	}
	slices.Sort(p.plan.RemovedTags)
}
