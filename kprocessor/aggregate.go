package kprocessor

import (
	"fmt"

	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/krow"
	"github.com/birdayz/kviews/kserde"
	"github.com/birdayz/kviews/kstate"
)

// AggFunc is the function computed per group.
type AggFunc int

const (
	Count AggFunc = iota
	Sum
)

func (f AggFunc) String() string {
	if f == Sum {
		return "sum"
	}
	return "count"
}

// ParseAggFunc parses "count" or "sum".
func ParseAggFunc(s string) (AggFunc, error) {
	switch s {
	case "count", "COUNT":
		return Count, nil
	case "sum", "SUM":
		return Sum, nil
	}
	return 0, fmt.Errorf("unknown aggregate %q", s)
}

// Aggregate groups its parent's rows and emits one row per group: the group
// columns followed by the aggregate value. A group that has been seen keeps
// its row when it becomes empty, with value 0.
type Aggregate struct {
	Parent kdag.NodeIndex
	Group  []int
	Func   AggFunc
	// Over is the summed column.
	Over int
}

var _ Operator = (*Aggregate)(nil)

func (*Aggregate) operator() {}

func (a *Aggregate) Ancestors() []kdag.NodeIndex { return []kdag.NodeIndex{a.Parent} }

func (a *Aggregate) Resolve(col int) []kdag.Column {
	if col < len(a.Group) {
		return []kdag.Column{{Node: a.Parent, Col: a.Group[col]}}
	}
	return nil
}

func (a *Aggregate) Arity(func(kdag.NodeIndex) int) int { return len(a.Group) + 1 }
func (a *Aggregate) Stateful() bool                     { return true }
func (a *Aggregate) AuxStates() []kdag.AuxState         { return nil }
func (a *Aggregate) OutputKey() []int                   { return seq(len(a.Group)) }

func (a *Aggregate) SuggestIndexes() map[kdag.Slot][]int {
	return map[kdag.Slot][]int{kdag.SlotOutput: a.OutputKey()}
}

func (a *Aggregate) Description() string {
	if a.Func == Sum {
		return fmt.Sprintf("𝛴(%d) γ[%s]", a.Over, formatCols(a.Group))
	}
	return fmt.Sprintf("|*| γ[%s]", formatCols(a.Group))
}

func (a *Aggregate) Validate(parent func(kdag.NodeIndex) int) error {
	if err := checkColumns("group", a.Group, parent(a.Parent)); err != nil {
		return err
	}
	if a.Func == Sum {
		return checkColumns("summed", []int{a.Over}, parent(a.Parent))
	}
	return nil
}

func (a *Aggregate) zero() krow.Value { return krow.Int(0) }

// delta is the change one record makes to its group's value.
func (a *Aggregate) delta(rec krow.Record) krow.Value {
	v := krow.Int(1)
	if a.Func == Sum {
		v = rec.Row[a.Over]
		if v.IsNull() {
			v = krow.Int(0)
		}
	}
	if !rec.Positive {
		v = v.Neg()
	}
	return v
}

type groupDelta struct {
	key   krow.Row
	delta krow.Value
}

// Process folds the records into per-group deltas and emits, for every
// changed group, the retraction of the old row followed by the new row.
// Groups that are holes in the output state are dropped.
func (a *Aggregate) Process(env Env, recs krow.Records) (Output, error) {
	var order []string
	groups := make(map[string]*groupDelta)
	for _, rec := range recs {
		key := rec.Row.Project(a.Group)
		k := kserde.KeyString(key)
		g, ok := groups[k]
		if !ok {
			g = &groupDelta{key: key, delta: a.zero()}
			groups[k] = g
			order = append(order, k)
		}
		g.delta = g.delta.Add(a.delta(rec))
	}

	var out Output
	keyCols := a.OutputKey()
	for _, k := range order {
		g := groups[k]
		res, err := env.Lookup(kdag.SlotOutput, keyCols, g.key)
		if err != nil {
			return Output{}, err
		}
		if res.Status != kstate.Found {
			continue
		}
		var old krow.Row
		cur := a.zero()
		if len(res.Rows) > 0 {
			old = res.Rows[0]
			cur = old[len(a.Group)]
		}
		next := cur.Add(g.delta)
		if a.Func == Count && next.AsInt() < 0 {
			return Output{}, fmt.Errorf("%w: group %s would have %d rows", ErrNegativeCount, g.key, next.AsInt())
		}
		newRow := append(g.key.Clone(), next)
		if old != nil {
			if old.Equal(newRow) {
				continue
			}
			out.Records = append(out.Records, krow.Retract(old))
		}
		out.Records = append(out.Records, krow.Insert(newRow))
	}
	return out, nil
}

// Compute returns the group row for key computed over all of the group's
// parent rows. An empty group yields the zero row.
func (a *Aggregate) Compute(key krow.Row, rows krow.Rows) krow.Row {
	v := a.zero()
	for _, r := range rows {
		v = v.Add(a.delta(krow.Insert(r)))
	}
	return append(key.Clone(), v)
}
