package kdag

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Validation limits to prevent pathological cases
const (
	MaxNodes           = 100000
	MaxDepth           = 500
	MaxChildrenPerNode = 1000
)

var (
	ErrNodeAlreadyExists = errors.New("kdag: node already exists")
	ErrNodeNotFound      = errors.New("kdag: node not found")
	ErrCycleDetected     = errors.New("kdag: cycle detected")
	ErrInvalidName       = errors.New("kdag: invalid node name")
	ErrInvalidTopology   = errors.New("kdag: invalid topology")
	ErrBaseHasParents    = errors.New("kdag: base table has parents")
	ErrMissingParent     = errors.New("kdag: operator has no parent")
	ErrAncestorMismatch  = errors.New("kdag: operator ancestors do not match parents")
	ErrArityMismatch     = errors.New("kdag: arity mismatch")
	ErrColumnOutOfRange  = errors.New("kdag: column out of range")
	ErrHasChildren       = errors.New("kdag: node has children")
)

// Validator is implemented by operators that can check their column
// references against their parents.
type Validator interface {
	Validate(parentArity func(NodeIndex) int) error
}

// Validate performs all graph validations and returns early on the first
// failure.
func (g *Graph) Validate() error {
	if len(g.nodes) > MaxNodes {
		return fmt.Errorf("%w: node count %d exceeds maximum %d",
			ErrInvalidTopology, len(g.nodes), MaxNodes)
	}

	// 1. Cycle detection using DFS
	if err := g.detectCycles(); err != nil {
		return fmt.Errorf("graph validation failed: %w", err)
	}

	// 2. Parent structure
	if err := g.validateParents(); err != nil {
		return fmt.Errorf("graph validation failed: %w", err)
	}

	// 3. Arity and column references
	if err := g.validateColumns(); err != nil {
		return fmt.Errorf("graph validation failed: %w", err)
	}

	return nil
}

// detectCycles uses Depth-First Search (DFS) to find cycles.
// Returns ErrCycleDetected with the offending path.
// Time complexity: O(V + E) where V is vertices and E is edges.
func (g *Graph) detectCycles() error {
	visited := make(map[NodeIndex]bool, len(g.nodes))
	recStack := make(map[NodeIndex]bool, len(g.nodes))

	var dfs func(NodeIndex, []NodeIndex, int) error
	dfs = func(idx NodeIndex, path []NodeIndex, depth int) error {
		if depth > MaxDepth {
			return fmt.Errorf("%w: maximum depth %d exceeded", ErrInvalidTopology, MaxDepth)
		}

		visited[idx] = true
		recStack[idx] = true
		path = append(path, idx)

		node := g.nodes[idx]
		if len(node.Children) > MaxChildrenPerNode {
			return fmt.Errorf("%w: node %s has %d children, exceeds maximum %d",
				ErrInvalidTopology, node.Name, len(node.Children), MaxChildrenPerNode)
		}

		for _, child := range node.Children {
			if !visited[child] {
				if err := dfs(child, path, depth+1); err != nil {
					return err
				}
			} else if recStack[child] {
				cyclePath := append(path, child)
				names := make([]string, len(cyclePath))
				for i, id := range cyclePath {
					names[i] = g.nodes[id].Name
				}
				return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(names, " -> "))
			}
		}

		recStack[idx] = false
		return nil
	}

	for n := range g.Nodes() {
		if !visited[n.Index] {
			if err := dfs(n.Index, nil, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) validateParents() error {
	for n := range g.Nodes() {
		switch {
		case n.IsBase() && len(n.Parents) > 0:
			return fmt.Errorf("%w: %s", ErrBaseHasParents, n.Name)
		case !n.IsBase() && len(n.Parents) == 0:
			return fmt.Errorf("%w: %s", ErrMissingParent, n.Name)
		}
		if !slices.Equal(n.Parents, n.Op.Ancestors()) {
			return fmt.Errorf("%w: %s has parents %v, operator reads %v",
				ErrAncestorMismatch, n.Name, n.Parents, n.Op.Ancestors())
		}
		for _, p := range n.Parents {
			parent, ok := g.Node(p)
			if !ok {
				return fmt.Errorf("%w: parent %s of %s", ErrNodeNotFound, p, n.Name)
			}
			if parent.IsReader() {
				return fmt.Errorf("%w: reader %s cannot have children", ErrInvalidTopology, parent.Name)
			}
		}
	}
	return nil
}

func (g *Graph) validateColumns() error {
	for n := range g.Nodes() {
		if v, ok := n.Op.(Validator); ok {
			if err := v.Validate(g.Arity); err != nil {
				return fmt.Errorf("%s: %w", n.Name, err)
			}
		}
		if arity := n.Op.Arity(g.Arity); arity != len(n.Fields) {
			return fmt.Errorf("%w: %s declares %d fields, operator produces %d",
				ErrArityMismatch, n.Name, len(n.Fields), arity)
		}
	}
	return nil
}

// insertSorted inserts an item into a sorted slice maintaining sort order.
func insertSorted(s []NodeIndex, item NodeIndex) []NodeIndex {
	idx := sort.Search(len(s), func(i int) bool {
		return s[i] >= item
	})
	return slices.Insert(s, idx, item)
}

// TopologicalSort returns live nodes in a deterministic topological order
// using Kahn's algorithm. Ties are broken by node index.
func (g *Graph) TopologicalSort() ([]NodeIndex, error) {
	inDegree := make(map[NodeIndex]int, len(g.nodes))
	total := 0
	for n := range g.Nodes() {
		total++
		if _, ok := inDegree[n.Index]; !ok {
			inDegree[n.Index] = 0
		}
		for _, c := range n.Children {
			inDegree[c]++
		}
	}

	var queue []NodeIndex
	for idx, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, idx)
		}
	}
	slices.Sort(queue)

	result := make([]NodeIndex, 0, total)
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		result = append(result, idx)

		children := slices.Clone(g.nodes[idx].Children)
		slices.Sort(children)
		for _, c := range children {
			inDegree[c]--
			if inDegree[c] == 0 {
				queue = insertSorted(queue, c)
			}
		}
	}

	if len(result) != total {
		return nil, fmt.Errorf("%w: topological sort failed", ErrCycleDetected)
	}
	return result, nil
}

// ReverseTopologicalSort returns nodes with children before parents.
func (g *Graph) ReverseTopologicalSort() ([]NodeIndex, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	slices.Reverse(order)
	return order, nil
}
