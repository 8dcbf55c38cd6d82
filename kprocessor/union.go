package kprocessor

import (
	"fmt"

	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/krow"
)

// Union merges the records of all parents, keeping multiplicities.
type Union struct {
	Parents []kdag.NodeIndex
}

var _ Operator = (*Union)(nil)

func (*Union) operator() {}

func (u *Union) Ancestors() []kdag.NodeIndex { return u.Parents }

func (u *Union) Resolve(col int) []kdag.Column {
	out := make([]kdag.Column, len(u.Parents))
	for i, p := range u.Parents {
		out[i] = kdag.Column{Node: p, Col: col}
	}
	return out
}

func (u *Union) Arity(parent func(kdag.NodeIndex) int) int {
	if len(u.Parents) == 0 {
		return 0
	}
	return parent(u.Parents[0])
}

func (u *Union) Stateful() bool                      { return true }
func (u *Union) AuxStates() []kdag.AuxState          { return nil }
func (u *Union) OutputKey() []int                    { return nil }
func (u *Union) SuggestIndexes() map[kdag.Slot][]int { return nil }
func (u *Union) Description() string                 { return "⋃" }

func (u *Union) Validate(parent func(kdag.NodeIndex) int) error {
	if len(u.Parents) < 2 {
		return fmt.Errorf("%w: union needs at least two parents", kdag.ErrInvalidTopology)
	}
	want := parent(u.Parents[0])
	for _, p := range u.Parents[1:] {
		if got := parent(p); got != want {
			return fmt.Errorf("%w: union parent %s has %d columns, %s has %d",
				kdag.ErrArityMismatch, p, got, u.Parents[0], want)
		}
	}
	return nil
}

func (u *Union) Process(recs krow.Records) krow.Records { return recs }
