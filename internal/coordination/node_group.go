// Package coordination assigns graph nodes to domains.
package coordination

import (
	"slices"

	"github.com/birdayz/kviews/kdag"
)

// NodeGroup is a set of new nodes that are connected by new edges and
// therefore share a domain.
type NodeGroup struct {
	Nodes []kdag.NodeIndex
}

func (g *NodeGroup) first() kdag.NodeIndex { return g.Nodes[0] }

// MergeNodeGroups merges overlapping node groups deterministically.
// Groups are merged when they share a node. The algorithm uses fixed-point
// iteration with sorting to ensure deterministic output.
func MergeNodeGroups(groups []*NodeGroup) []*NodeGroup {
	for _, g := range groups {
		slices.Sort(g.Nodes)
		g.Nodes = slices.Compact(g.Nodes)
	}
	if len(groups) <= 1 {
		return groups
	}

	changed := true
	for changed {
		changed = false

		slices.SortFunc(groups, func(a, b *NodeGroup) int {
			return int(a.first()) - int(b.first())
		})

		// Find first pair to merge
		for i := 0; i < len(groups); i++ {
			for j := i + 1; j < len(groups); j++ {
				if containsAny(groups[i].Nodes, groups[j].Nodes) {
					groups[i].Nodes = append(groups[i].Nodes, groups[j].Nodes...)
					slices.Sort(groups[i].Nodes)
					groups[i].Nodes = slices.Compact(groups[i].Nodes)

					groups = slices.Delete(groups, j, j+1)
					changed = true
					break
				}
			}
			if changed {
				break
			}
		}
	}

	return groups
}

// containsAny reports whether any element in 'check' is present in 's'
func containsAny[E comparable](s []E, check []E) bool {
	for _, item := range s {
		for _, v := range check {
			if item == v {
				return true
			}
		}
	}
	return false
}

// AssignDomains sets the domain of every node in added, which must be new
// nodes of g.
//
//   - Every new base gets a new domain.
//   - New operators connected by new edges form a group. A group joins the
//     domain of its lowest new base parent, or gets a new domain.
//   - Readers join the domain of their parent.
//
// New nodes never join the domain of an existing operator, so edges between
// domains keep pointing from older to newer work and the domain graph stays
// acyclic.
func AssignDomains(g *kdag.Graph, added []kdag.NodeIndex) []kdag.DomainIndex {
	added = slices.Clone(added)
	slices.Sort(added)
	isNew := make(map[kdag.NodeIndex]bool, len(added))
	for _, idx := range added {
		isNew[idx] = true
	}

	var fresh []kdag.DomainIndex
	var groups []*NodeGroup
	var readers []*kdag.Node
	for _, idx := range added {
		n := g.MustNode(idx)
		switch {
		case n.IsBase():
			n.Domain = g.NewDomain()
			fresh = append(fresh, n.Domain)
		case n.IsReader():
			readers = append(readers, n)
		default:
			group := &NodeGroup{Nodes: []kdag.NodeIndex{idx}}
			for _, p := range n.Parents {
				if pn := g.MustNode(p); isNew[p] && !pn.IsBase() && !pn.IsReader() {
					group.Nodes = append(group.Nodes, p)
				}
			}
			groups = append(groups, group)
		}
	}

	for _, group := range MergeNodeGroups(groups) {
		domain := kdag.NoDomain
		var base kdag.NodeIndex
		for _, idx := range group.Nodes {
			for _, p := range g.MustNode(idx).Parents {
				pn := g.MustNode(p)
				if isNew[p] && pn.IsBase() && (domain == kdag.NoDomain || p < base) {
					domain, base = pn.Domain, p
				}
			}
		}
		if domain == kdag.NoDomain {
			domain = g.NewDomain()
			fresh = append(fresh, domain)
		}
		for _, idx := range group.Nodes {
			g.MustNode(idx).Domain = domain
		}
	}

	for _, n := range readers {
		n.Domain = g.MustNode(n.Parents[0]).Domain
	}
	return fresh
}

// DomainOrder returns the domains of g ordered so that every domain comes
// after the domains feeding it.
func DomainOrder(g *kdag.Graph) []kdag.DomainIndex {
	upstream := make(map[kdag.DomainIndex]map[kdag.DomainIndex]bool)
	for n := range g.Nodes() {
		if upstream[n.Domain] == nil {
			upstream[n.Domain] = make(map[kdag.DomainIndex]bool)
		}
		for _, p := range n.Parents {
			if pd := g.MustNode(p).Domain; pd != n.Domain {
				upstream[n.Domain][pd] = true
			}
		}
	}

	domains := make([]kdag.DomainIndex, 0, len(upstream))
	for d := range upstream {
		domains = append(domains, d)
	}
	slices.Sort(domains)

	var out []kdag.DomainIndex
	done := make(map[kdag.DomainIndex]bool, len(domains))
	for len(out) < len(domains) {
		progressed := false
		for _, d := range domains {
			if done[d] {
				continue
			}
			ready := true
			for u := range upstream[d] {
				if !done[u] {
					ready = false
					break
				}
			}
			if ready {
				done[d] = true
				out = append(out, d)
				progressed = true
			}
		}
		if !progressed {
			// a cycle between domains; fall back to index order
			for _, d := range domains {
				if !done[d] {
					done[d] = true
					out = append(out, d)
				}
			}
		}
	}
	return out
}
