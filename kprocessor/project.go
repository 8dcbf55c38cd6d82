package kprocessor

import (
	"strings"

	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/krow"
)

// Project emits the listed parent columns followed by the literals.
type Project struct {
	Parent   kdag.NodeIndex
	Columns  []int
	Literals []krow.Value
}

var _ Operator = (*Project)(nil)

func (*Project) operator() {}

func (p *Project) Ancestors() []kdag.NodeIndex { return []kdag.NodeIndex{p.Parent} }

func (p *Project) Resolve(col int) []kdag.Column {
	if col < len(p.Columns) {
		return []kdag.Column{{Node: p.Parent, Col: p.Columns[col]}}
	}
	return nil
}

func (p *Project) Arity(func(kdag.NodeIndex) int) int  { return len(p.Columns) + len(p.Literals) }
func (p *Project) Stateful() bool                      { return false }
func (p *Project) AuxStates() []kdag.AuxState          { return nil }
func (p *Project) OutputKey() []int                    { return nil }
func (p *Project) SuggestIndexes() map[kdag.Slot][]int { return nil }

func (p *Project) Description() string {
	parts := make([]string, 0, len(p.Columns)+len(p.Literals))
	parts = append(parts, formatCols(p.Columns))
	for _, l := range p.Literals {
		parts = append(parts, "lit("+l.String()+")")
	}
	return "π[" + strings.Join(parts, ", ") + "]"
}

func (p *Project) Validate(parent func(kdag.NodeIndex) int) error {
	return checkColumns("projected", p.Columns, parent(p.Parent))
}

func (p *Project) Row(in krow.Row) krow.Row {
	out := make(krow.Row, 0, len(p.Columns)+len(p.Literals))
	for _, c := range p.Columns {
		out = append(out, in[c])
	}
	return append(out, p.Literals...)
}

func (p *Project) Process(recs krow.Records) krow.Records {
	out := make(krow.Records, len(recs))
	for i, r := range recs {
		out[i] = krow.Record{Row: p.Row(r.Row), Positive: r.Positive}
	}
	return out
}
