package kprocessor

import (
	"fmt"
	"strings"

	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/krow"
	"github.com/birdayz/kviews/kstate"
)

// Side is one input of a join.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Right {
		return "r"
	}
	return "l"
}

// Slot returns the auxiliary state slot holding the rows of the side.
func (s Side) Slot() kdag.Slot {
	if s == Right {
		return kdag.SlotRight
	}
	return kdag.SlotLeft
}

func (s Side) other() Side { return 1 - s }

// JoinOn equates a left column with a right column.
type JoinOn struct {
	Left  int
	Right int
}

// JoinColumn selects an output column from one side.
type JoinColumn struct {
	Side Side
	Col  int
}

// Join is an inner equi-join. It keeps the rows of each side in an
// auxiliary state keyed on the side's join columns.
type Join struct {
	Left  kdag.NodeIndex
	Right kdag.NodeIndex
	On    []JoinOn
	Emit  []JoinColumn
}

var _ Operator = (*Join)(nil)

func (*Join) operator() {}

func (j *Join) Ancestors() []kdag.NodeIndex { return []kdag.NodeIndex{j.Left, j.Right} }

func (j *Join) parent(s Side) kdag.NodeIndex {
	if s == Right {
		return j.Right
	}
	return j.Left
}

// SideOf returns the side fed by parent.
func (j *Join) SideOf(parent kdag.NodeIndex) (Side, bool) {
	switch parent {
	case j.Left:
		return Left, true
	case j.Right:
		return Right, true
	}
	return 0, false
}

// Key returns the join columns of a side.
func (j *Join) Key(s Side) []int {
	out := make([]int, len(j.On))
	for i, on := range j.On {
		if s == Right {
			out[i] = on.Right
		} else {
			out[i] = on.Left
		}
	}
	return out
}

// Resolve maps join columns to both parents, left first.
func (j *Join) Resolve(col int) []kdag.Column {
	if col < 0 || col >= len(j.Emit) {
		return nil
	}
	e := j.Emit[col]
	out := []kdag.Column{{Node: j.parent(e.Side), Col: e.Col}}
	for _, on := range j.On {
		if e.Side == Left && on.Left == e.Col {
			out = append(out, kdag.Column{Node: j.Right, Col: on.Right})
		}
		if e.Side == Right && on.Right == e.Col {
			out = append([]kdag.Column{{Node: j.Left, Col: on.Left}}, out...)
		}
	}
	return out
}

func (j *Join) Arity(func(kdag.NodeIndex) int) int { return len(j.Emit) }
func (j *Join) Stateful() bool                     { return false }
func (j *Join) OutputKey() []int                   { return nil }

func (j *Join) AuxStates() []kdag.AuxState {
	return []kdag.AuxState{
		{Slot: kdag.SlotLeft, Parent: j.Left, Key: j.Key(Left)},
		{Slot: kdag.SlotRight, Parent: j.Right, Key: j.Key(Right)},
	}
}

func (j *Join) SuggestIndexes() map[kdag.Slot][]int {
	return map[kdag.Slot][]int{kdag.SlotLeft: j.Key(Left), kdag.SlotRight: j.Key(Right)}
}

func (j *Join) Description() string {
	on := make([]string, len(j.On))
	for i, o := range j.On {
		on[i] = fmt.Sprintf("l%d=r%d", o.Left, o.Right)
	}
	emit := make([]string, len(j.Emit))
	for i, e := range j.Emit {
		emit[i] = fmt.Sprintf("%s%d", e.Side, e.Col)
	}
	return "⋈[" + strings.Join(on, ", ") + "] → [" + strings.Join(emit, ", ") + "]"
}

func (j *Join) Validate(parent func(kdag.NodeIndex) int) error {
	if j.Left == j.Right {
		return fmt.Errorf("%w: join of %s with itself", kdag.ErrInvalidTopology, j.Left)
	}
	if len(j.On) == 0 {
		return fmt.Errorf("%w: join without columns", kdag.ErrInvalidTopology)
	}
	if err := checkColumns("left join", j.Key(Left), parent(j.Left)); err != nil {
		return err
	}
	if err := checkColumns("right join", j.Key(Right), parent(j.Right)); err != nil {
		return err
	}
	for _, e := range j.Emit {
		if err := checkColumns("emitted", []int{e.Col}, parent(j.parent(e.Side))); err != nil {
			return err
		}
	}
	return nil
}

// Combine builds an output row from a left and a right row.
func (j *Join) Combine(l, r krow.Row) krow.Row {
	out := make(krow.Row, len(j.Emit))
	for i, e := range j.Emit {
		if e.Side == Right {
			out[i] = r[e.Col]
		} else {
			out[i] = l[e.Col]
		}
	}
	return out
}

// Process joins records arriving from parent against the other side's
// state. The output for a record is computed before it is added to its own
// side, so each pair is emitted once. Records whose key misses on the other
// side are suspended, together with every later record for the same key.
// In Replay mode own-side state is left untouched.
func (j *Join) Process(env Env, parent kdag.NodeIndex, recs krow.Records, mode Mode) (Output, error) {
	side, ok := j.SideOf(parent)
	if !ok {
		return Output{}, fmt.Errorf("join: %s is not a parent", parent)
	}
	own, other := j.Key(side), j.Key(side.other())

	var out Output
	for _, rec := range recs {
		key := rec.Row.Project(own)
		if keyHasNull(key) {
			// NULL never joins, but the row is still part of its side
			if mode == Live {
				out.aux(side.Slot(), rec)
			}
			continue
		}
		if suspended(out.Misses, side.other().Slot(), key) {
			out.miss(side.other().Slot(), key, rec)
			continue
		}
		res, err := env.Lookup(side.other().Slot(), other, key)
		if err != nil {
			return Output{}, err
		}
		if res.Status != kstate.Found {
			out.miss(side.other().Slot(), key, rec)
			continue
		}
		for _, match := range res.Rows {
			var row krow.Row
			if side == Left {
				row = j.Combine(rec.Row, match)
			} else {
				row = j.Combine(match, rec.Row)
			}
			out.Records = append(out.Records, krow.Record{Row: row, Positive: rec.Positive})
		}
		if mode == Live {
			out.aux(side.Slot(), rec)
		}
	}
	return out, nil
}

func suspended(misses []Miss, slot kdag.Slot, key krow.Row) bool {
	for _, m := range misses {
		if m.Slot == slot && m.Key.Equal(key) {
			return true
		}
	}
	return false
}

func keyHasNull(key krow.Row) bool {
	for _, v := range key {
		if v.IsNull() {
			return true
		}
	}
	return false
}
