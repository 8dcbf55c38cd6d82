package kprocessor

import (
	"github.com/birdayz/kviews/kdag"
)

// Reader is the leaf behind a view. It passes rows through unchanged and is
// materialized on Key, the columns clients look the view up by.
type Reader struct {
	Parent kdag.NodeIndex
	Key    []int
}

var _ Operator = (*Reader)(nil)

func (*Reader) operator() {}

func (r *Reader) Ancestors() []kdag.NodeIndex { return []kdag.NodeIndex{r.Parent} }
func (r *Reader) Resolve(col int) []kdag.Column {
	return []kdag.Column{{Node: r.Parent, Col: col}}
}
func (r *Reader) Arity(parent func(kdag.NodeIndex) int) int { return parent(r.Parent) }
func (r *Reader) Stateful() bool                            { return true }
func (r *Reader) AuxStates() []kdag.AuxState                { return nil }
func (r *Reader) OutputKey() []int                          { return r.Key }
func (r *Reader) Description() string                       { return "reader[" + formatCols(r.Key) + "]" }

func (r *Reader) SuggestIndexes() map[kdag.Slot][]int {
	return map[kdag.Slot][]int{kdag.SlotOutput: r.Key}
}

func (r *Reader) Validate(parent func(kdag.NodeIndex) int) error {
	return checkColumns("reader key", r.Key, parent(r.Parent))
}
