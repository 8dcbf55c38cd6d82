package kdag

import (
	"fmt"
	"iter"
	"slices"
	"strings"
)

// NodeIndex is a stable index into the graph arena. Indices are never reused,
// removed nodes stay in the arena as tombstones.
type NodeIndex uint32

// DomainIndex identifies the Domain that owns a node.
type DomainIndex uint32

// Version identifies a committed graph. It increases with every migration.
type Version uint64

// NoDomain marks a node that has not been assigned to a domain yet.
const NoDomain DomainIndex = ^DomainIndex(0)

func (i NodeIndex) String() string   { return fmt.Sprintf("n%d", uint32(i)) }
func (d DomainIndex) String() string { return fmt.Sprintf("d%d", uint32(d)) }

// Slot addresses one state of a node. Slot 0 is the node's own output state,
// operators with auxiliary states (join sides, the top-k group store) use
// the others.
type Slot uint8

const (
	SlotOutput Slot = 0
	SlotLeft   Slot = 1
	SlotRight  Slot = 2
	SlotGroup  Slot = 1
)

// Column names one output column of a node.
type Column struct {
	Node NodeIndex
	Col  int
}

// AuxState describes an auxiliary state an operator keeps over the rows of
// one of its parents, keyed on columns of that parent.
type AuxState struct {
	Slot   Slot
	Parent NodeIndex
	Key    []int
}

// Ingredient is implemented by the operators in kprocessor. The interface is
// defined here to avoid an import cycle.
type Ingredient interface {
	// Ancestors returns the parents in input order.
	Ancestors() []NodeIndex
	// Resolve maps an output column to the parent columns it is copied from.
	// Computed columns resolve to nothing.
	Resolve(col int) []Column
	// Arity returns the number of output columns given the parents' arities.
	Arity(parentArity func(NodeIndex) int) int
	// Stateful reports whether the node keeps its own output state.
	Stateful() bool
	// AuxStates lists auxiliary states kept by the operator.
	AuxStates() []AuxState
	// OutputKey returns the columns the output state is keyed on, or nil.
	OutputKey() []int
	Description() string
}

// NodeKind distinguishes tables written by clients, operators and views.
type NodeKind int

const (
	KindBase NodeKind = iota
	KindInternal
	KindReader
)

func (k NodeKind) String() string {
	switch k {
	case KindBase:
		return "Base"
	case KindInternal:
		return "Internal"
	case KindReader:
		return "Reader"
	default:
		return "Unknown"
	}
}

// Mode is how a state is materialized.
type Mode int

const (
	NotMaterialized Mode = iota
	Full
	Partial
)

func (m Mode) String() string {
	switch m {
	case Full:
		return "full"
	case Partial:
		return "partial"
	default:
		return "none"
	}
}

// Materialization is the planned storage for one state of a node.
//
// Key is the key of a partial state. Indices lists every column set the
// state can be looked up by; for partial state it holds exactly Key.
type Materialization struct {
	Mode    Mode
	Key     []int
	Indices [][]int
}

// HasIndex reports whether the state can be looked up on cols.
func (m Materialization) HasIndex(cols []int) bool {
	return slices.ContainsFunc(m.Indices, func(ix []int) bool { return slices.Equal(ix, cols) })
}

// AddIndex adds cols to the index set if missing and reports whether it did.
func (m *Materialization) AddIndex(cols []int) bool {
	if m.HasIndex(cols) {
		return false
	}
	m.Indices = append(m.Indices, slices.Clone(cols))
	return true
}

func (m Materialization) clone() Materialization {
	out := Materialization{Mode: m.Mode, Key: slices.Clone(m.Key)}
	for _, ix := range m.Indices {
		out.Indices = append(out.Indices, slices.Clone(ix))
	}
	return out
}

// Node is one vertex of the dataflow graph.
type Node struct {
	Index  NodeIndex
	Name   string
	Fields []string
	Kind   NodeKind
	Op     Ingredient

	Parents  []NodeIndex
	Children []NodeIndex

	Domain DomainIndex

	// States holds the materialization of every slot the node keeps.
	States map[Slot]Materialization

	// Durable marks base tables stored on disk.
	Durable bool

	// AddedIn is the version that introduced the node.
	AddedIn Version
	Removed bool
}

// State returns the materialization of slot, or NotMaterialized.
func (n *Node) State(slot Slot) Materialization {
	return n.States[slot]
}

// Materialized reports whether the node keeps an output state.
func (n *Node) Materialized() bool {
	return n.States[SlotOutput].Mode != NotMaterialized
}

// SetState records the materialization of slot.
func (n *Node) SetState(slot Slot, m Materialization) {
	if n.States == nil {
		n.States = make(map[Slot]Materialization)
	}
	n.States[slot] = m
}

func (n *Node) IsBase() bool   { return n.Kind == KindBase }
func (n *Node) IsReader() bool { return n.Kind == KindReader }

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)", n.Name, n.Index)
}

func (n *Node) clone() *Node {
	c := *n
	c.Fields = slices.Clone(n.Fields)
	c.Parents = slices.Clone(n.Parents)
	c.Children = slices.Clone(n.Children)
	if n.States != nil {
		c.States = make(map[Slot]Materialization, len(n.States))
		for s, m := range n.States {
			c.States[s] = m.clone()
		}
	}
	return &c
}

// Edge is a parent to child connection. Columns maps every child column to
// the parent column it is copied from, or -1.
type Edge struct {
	Parent  NodeIndex
	Child   NodeIndex
	Columns []int
}

// Graph is the arena of nodes. It is not safe for concurrent mutation; the
// controller mutates a Clone and swaps it in on commit.
type Graph struct {
	nodes      []*Node
	names      map[string]NodeIndex
	version    Version
	nextDomain DomainIndex
}

// NewGraph creates an empty graph at version 0.
func NewGraph() *Graph {
	return &Graph{names: make(map[string]NodeIndex)}
}

// Clone returns a deep copy of the graph structure. Operators are immutable
// and shared between copies.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		nodes:      make([]*Node, len(g.nodes)),
		names:      make(map[string]NodeIndex, len(g.names)),
		version:    g.version,
		nextDomain: g.nextDomain,
	}
	for i, n := range g.nodes {
		c.nodes[i] = n.clone()
	}
	for k, v := range g.names {
		c.names[k] = v
	}
	return c
}

func (g *Graph) Version() Version { return g.version }

// BumpVersion advances the version and returns the new value.
func (g *Graph) BumpVersion() Version {
	g.version++
	return g.version
}

// NewDomain allocates a fresh domain index.
func (g *Graph) NewDomain() DomainIndex {
	d := g.nextDomain
	g.nextDomain++
	return d
}

// Len returns the arena size, including removed nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns a live node.
func (g *Graph) Node(i NodeIndex) (*Node, bool) {
	if int(i) >= len(g.nodes) {
		return nil, false
	}
	n := g.nodes[i]
	if n.Removed {
		return nil, false
	}
	return n, true
}

// MustNode returns a live node and panics if it does not exist.
func (g *Graph) MustNode(i NodeIndex) *Node {
	n, ok := g.Node(i)
	if !ok {
		panic(fmt.Sprintf("kdag: node %s does not exist", i))
	}
	return n
}

// Lookup finds a live node by name.
func (g *Graph) Lookup(name string) (*Node, bool) {
	i, ok := g.names[name]
	if !ok {
		return nil, false
	}
	return g.Node(i)
}

// Nodes iterates over live nodes in index order.
func (g *Graph) Nodes() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		for _, n := range g.nodes {
			if n.Removed {
				continue
			}
			if !yield(n) {
				return
			}
		}
	}
}

// Arity returns the number of output columns of a node.
func (g *Graph) Arity(i NodeIndex) int {
	n, ok := g.Node(i)
	if !ok {
		return 0
	}
	return len(n.Fields)
}

// ValidateName checks that a node name is usable.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if strings.ContainsAny(name, " \t\n\r") {
		return fmt.Errorf("%w: %q cannot contain whitespace", ErrInvalidName, name)
	}
	return nil
}

// AddNode appends n to the arena, links it below its parents and returns its
// index. The node's Index field is overwritten.
func (g *Graph) AddNode(n *Node) (NodeIndex, error) {
	if err := ValidateName(n.Name); err != nil {
		return 0, err
	}
	if _, exists := g.Lookup(n.Name); exists {
		return 0, fmt.Errorf("%w: %s", ErrNodeAlreadyExists, n.Name)
	}
	if n.Op == nil {
		return 0, fmt.Errorf("%w: %s has no operator", ErrInvalidTopology, n.Name)
	}
	n.Parents = slices.Clone(n.Op.Ancestors())
	for _, p := range n.Parents {
		if _, ok := g.Node(p); !ok {
			return 0, fmt.Errorf("%w: parent %s of %s", ErrNodeNotFound, p, n.Name)
		}
	}
	n.Index = NodeIndex(len(g.nodes))
	n.Children = nil
	g.nodes = append(g.nodes, n)
	g.names[n.Name] = n.Index
	for _, p := range n.Parents {
		parent := g.nodes[p]
		if !slices.Contains(parent.Children, n.Index) {
			parent.Children = append(parent.Children, n.Index)
		}
	}
	return n.Index, nil
}

// RemoveNode tombstones a node and unlinks it from its parents. A node with
// live children cannot be removed.
func (g *Graph) RemoveNode(i NodeIndex) error {
	n, ok := g.Node(i)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, i)
	}
	if len(n.Children) > 0 {
		return fmt.Errorf("%w: %s has children %v", ErrHasChildren, n.Name, n.Children)
	}
	for _, p := range n.Parents {
		if parent, ok := g.Node(p); ok {
			parent.Children = slices.DeleteFunc(parent.Children, func(c NodeIndex) bool { return c == i })
		}
	}
	n.Removed = true
	delete(g.names, n.Name)
	return nil
}

// Edge returns the column map of the edge parent -> child.
func (g *Graph) Edge(parent, child NodeIndex) (Edge, error) {
	c, ok := g.Node(child)
	if !ok {
		return Edge{}, fmt.Errorf("%w: %s", ErrNodeNotFound, child)
	}
	if !slices.Contains(c.Parents, parent) {
		return Edge{}, fmt.Errorf("%w: %s is not a parent of %s", ErrNodeNotFound, parent, child)
	}
	e := Edge{Parent: parent, Child: child, Columns: make([]int, len(c.Fields))}
	for col := range c.Fields {
		e.Columns[col] = -1
		for _, src := range c.Op.Resolve(col) {
			if src.Node == parent {
				e.Columns[col] = src.Col
				break
			}
		}
	}
	return e, nil
}

// Descendants returns every node reachable from i, excluding i, in
// breadth-first order.
func (g *Graph) Descendants(i NodeIndex) []NodeIndex {
	var out []NodeIndex
	seen := map[NodeIndex]bool{i: true}
	queue := []NodeIndex{i}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n, ok := g.Node(cur)
		if !ok {
			continue
		}
		for _, c := range n.Children {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}
