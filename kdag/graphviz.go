package kdag

import (
	"fmt"
	"strings"
)

// Graphviz renders the live graph in DOT format. Nodes are labelled with
// their name, operator and materialization; fill colour follows the domain.
func (g *Graph) Graphviz() string {
	var b strings.Builder
	b.WriteString("digraph {\n")
	b.WriteString("    node [shape=record, fontsize=10, style=filled]\n")
	for n := range g.Nodes() {
		shape := ""
		switch n.Kind {
		case KindBase:
			shape = ", shape=cylinder"
		case KindReader:
			shape = ", shape=box3d"
		}
		fmt.Fprintf(&b, "    n%d [label=\"%s\", fillcolor=\"%s\"%s]\n",
			uint32(n.Index), escapeLabel(n.label()), domainColor(n.Domain), shape)
	}
	for n := range g.Nodes() {
		for _, c := range n.Children {
			fmt.Fprintf(&b, "    n%d -> n%d\n", uint32(n.Index), uint32(c))
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func (n *Node) label() string {
	parts := []string{fmt.Sprintf("%s %s", n.Index, n.Name), n.Op.Description()}
	if m := n.State(SlotOutput); m.Mode != NotMaterialized {
		parts = append(parts, fmt.Sprintf("%s %v", m.Mode, m.Key))
	}
	for _, aux := range n.Op.AuxStates() {
		if m := n.State(aux.Slot); m.Mode != NotMaterialized {
			parts = append(parts, fmt.Sprintf("slot %d: %s %v", aux.Slot, m.Mode, m.Key))
		}
	}
	if n.Durable {
		parts = append(parts, "durable")
	}
	return strings.Join(parts, " | ")
}

func escapeLabel(s string) string {
	r := strings.NewReplacer(`"`, `\"`, "{", `\{`, "}", `\}`, "<", `\<`, ">", `\>`)
	return r.Replace(s)
}

var palette = []string{"#fbb4ae", "#b3cde3", "#ccebc5", "#decbe4", "#fed9a6", "#ffffcc", "#e5d8bd", "#fddaec"}

func domainColor(d DomainIndex) string {
	if d == NoDomain {
		return "white"
	}
	return palette[int(d)%len(palette)]
}
