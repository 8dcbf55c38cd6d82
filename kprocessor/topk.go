package kprocessor

import (
	"fmt"
	"slices"

	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/krow"
	"github.com/birdayz/kviews/kserde"
	"github.com/birdayz/kviews/kstate"
)

// TopK keeps the first K rows of every group ordered by one column. All rows
// of a group are kept in the group store so rows can move into the window
// when others leave.
type TopK struct {
	Parent     kdag.NodeIndex
	Group      []int
	OrderBy    int
	Descending bool
	K          int
}

var _ Operator = (*TopK)(nil)

func (*TopK) operator() {}

func (t *TopK) Ancestors() []kdag.NodeIndex { return []kdag.NodeIndex{t.Parent} }
func (t *TopK) Resolve(col int) []kdag.Column {
	return []kdag.Column{{Node: t.Parent, Col: col}}
}
func (t *TopK) Arity(parent func(kdag.NodeIndex) int) int { return parent(t.Parent) }
func (t *TopK) Stateful() bool                            { return true }
func (t *TopK) OutputKey() []int                          { return t.Group }

func (t *TopK) AuxStates() []kdag.AuxState {
	return []kdag.AuxState{{Slot: kdag.SlotGroup, Parent: t.Parent, Key: t.Group}}
}

func (t *TopK) SuggestIndexes() map[kdag.Slot][]int {
	return map[kdag.Slot][]int{kdag.SlotOutput: t.Group, kdag.SlotGroup: t.Group}
}

func (t *TopK) Description() string {
	dir := "↑"
	if t.Descending {
		dir = "↓"
	}
	return fmt.Sprintf("topk[%d] γ[%s] %s%d", t.K, formatCols(t.Group), dir, t.OrderBy)
}

func (t *TopK) Validate(parent func(kdag.NodeIndex) int) error {
	if t.K <= 0 {
		return fmt.Errorf("%w: topk limit must be positive", kdag.ErrInvalidTopology)
	}
	if err := checkColumns("group", t.Group, parent(t.Parent)); err != nil {
		return err
	}
	return checkColumns("order", []int{t.OrderBy}, parent(t.Parent))
}

func (t *TopK) less(a, b krow.Row) int {
	c := a[t.OrderBy].Compare(b[t.OrderBy])
	if t.Descending {
		c = -c
	}
	if c != 0 {
		return c
	}
	return a.Compare(b)
}

// Top returns the first K rows of a group.
func (t *TopK) Top(rows krow.Rows) krow.Rows {
	sorted := slices.Clone(rows)
	slices.SortStableFunc(sorted, t.less)
	if len(sorted) > t.K {
		sorted = sorted[:t.K]
	}
	return sorted
}

// Process updates the group store and emits the difference between the old
// and the new top rows of every changed group. Groups that are holes are
// dropped.
func (t *TopK) Process(env Env, recs krow.Records) (Output, error) {
	var order []string
	groups := make(map[string]krow.Records)
	keys := make(map[string]krow.Row)
	for _, rec := range recs {
		key := rec.Row.Project(t.Group)
		k := kserde.KeyString(key)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
			keys[k] = key
		}
		groups[k] = append(groups[k], rec)
	}

	var out Output
	for _, k := range order {
		res, err := env.Lookup(kdag.SlotGroup, t.Group, keys[k])
		if err != nil {
			return Output{}, err
		}
		if res.Status != kstate.Found {
			continue
		}
		next, ok := groups[k].Apply(res.Rows)
		if !ok {
			return Output{}, fmt.Errorf("%w: topk group %s", kstate.ErrMissingRow, keys[k])
		}
		for _, rec := range groups[k] {
			out.aux(kdag.SlotGroup, rec)
		}
		out.Records = append(out.Records, Diff(t.Top(res.Rows), t.Top(next))...)
	}
	return out, nil
}

// Diff returns the records turning the multiset before into after:
// retractions first, then insertions, each in the order of its input.
func Diff(before, after krow.Rows) krow.Records {
	remaining := slices.Clone(after)
	var out krow.Records
	for _, b := range before {
		i := slices.IndexFunc(remaining, b.Equal)
		if i >= 0 {
			remaining = slices.Delete(remaining, i, i+1)
			continue
		}
		out = append(out, krow.Retract(b))
	}
	for _, a := range remaining {
		out = append(out, krow.Insert(a))
	}
	return out
}
