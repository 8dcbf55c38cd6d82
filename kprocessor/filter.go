package kprocessor

import (
	"fmt"
	"strings"

	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/krow"
)

// CmpOp is the comparison of a filter condition.
type CmpOp int

const (
	Eq CmpOp = iota
	Ne
	Lt
	Le
	Gt
	Ge
	IsNull
	NotNull
)

var cmpOpNames = map[CmpOp]string{
	Eq: "=", Ne: "!=", Lt: "<", Le: "<=", Gt: ">", Ge: ">=",
	IsNull: "IS NULL", NotNull: "IS NOT NULL",
}

func (o CmpOp) String() string {
	if s, ok := cmpOpNames[o]; ok {
		return s
	}
	return "?"
}

// ParseCmpOp parses the textual form of a comparison.
func ParseCmpOp(s string) (CmpOp, error) {
	norm := strings.ToUpper(strings.Join(strings.Fields(s), " "))
	for op, name := range cmpOpNames {
		if name == norm {
			return op, nil
		}
	}
	if norm == "==" {
		return Eq, nil
	}
	return 0, fmt.Errorf("unknown comparison %q", s)
}

// Condition compares one column against a constant. Comparisons other than
// IsNull and NotNull are false when the column is NULL.
type Condition struct {
	Col   int
	Op    CmpOp
	Value krow.Value
}

func (c Condition) Match(row krow.Row) bool {
	v := row[c.Col]
	switch c.Op {
	case IsNull:
		return v.IsNull()
	case NotNull:
		return !v.IsNull()
	}
	if v.IsNull() || c.Value.IsNull() {
		return false
	}
	cmp := v.Compare(c.Value)
	if v.IsNumeric() && c.Value.IsNumeric() && v.Kind() != c.Value.Kind() {
		// 1 = 1.0
		cmp = krow.Float(v.AsFloat()).Compare(krow.Float(c.Value.AsFloat()))
	}
	switch c.Op {
	case Eq:
		return cmp == 0
	case Ne:
		return cmp != 0
	case Lt:
		return cmp < 0
	case Le:
		return cmp <= 0
	case Gt:
		return cmp > 0
	case Ge:
		return cmp >= 0
	}
	return false
}

func (c Condition) String() string {
	if c.Op == IsNull || c.Op == NotNull {
		return fmt.Sprintf("%d %s", c.Col, c.Op)
	}
	return fmt.Sprintf("%d %s %s", c.Col, c.Op, c.Value)
}

// Filter passes rows matching every condition.
type Filter struct {
	Parent     kdag.NodeIndex
	Conditions []Condition
}

var _ Operator = (*Filter)(nil)

func (*Filter) operator() {}

func (f *Filter) Ancestors() []kdag.NodeIndex { return []kdag.NodeIndex{f.Parent} }
func (f *Filter) Resolve(col int) []kdag.Column {
	return []kdag.Column{{Node: f.Parent, Col: col}}
}
func (f *Filter) Arity(parent func(kdag.NodeIndex) int) int { return parent(f.Parent) }
func (f *Filter) Stateful() bool                            { return false }
func (f *Filter) AuxStates() []kdag.AuxState                { return nil }
func (f *Filter) OutputKey() []int                          { return nil }
func (f *Filter) SuggestIndexes() map[kdag.Slot][]int       { return nil }

func (f *Filter) Description() string {
	parts := make([]string, len(f.Conditions))
	for i, c := range f.Conditions {
		parts[i] = c.String()
	}
	return "σ[" + strings.Join(parts, ", ") + "]"
}

func (f *Filter) Validate(parent func(kdag.NodeIndex) int) error {
	cols := make([]int, len(f.Conditions))
	for i, c := range f.Conditions {
		cols[i] = c.Col
	}
	return checkColumns("filter", cols, parent(f.Parent))
}

func (f *Filter) Match(row krow.Row) bool {
	for _, c := range f.Conditions {
		if !c.Match(row) {
			return false
		}
	}
	return true
}

func (f *Filter) Process(recs krow.Records) krow.Records {
	out := make(krow.Records, 0, len(recs))
	for _, r := range recs {
		if f.Match(r.Row) {
			out = append(out, r)
		}
	}
	return out
}
