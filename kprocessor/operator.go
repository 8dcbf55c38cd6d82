// Package kprocessor contains the operators of the dataflow graph.
//
// The set of operators is closed. Each operator is a plain value describing
// the computation; the node runtime dispatches on the concrete type and calls
// the operator's forward logic with read-only access to state. Operators
// never mutate state themselves: they return the records to emit and the
// updates to apply to their auxiliary states, and the runtime applies them.
package kprocessor

import (
	"errors"
	"fmt"

	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/krow"
	"github.com/birdayz/kviews/kstate"
)

var (
	// ErrNegativeCount is returned when a retraction drives a group's count
	// below zero.
	ErrNegativeCount = errors.New("kprocessor: negative count")
	// ErrArity is returned when a row does not have the expected number of
	// columns.
	ErrArity = errors.New("kprocessor: wrong number of columns")
)

// Operator is implemented by every operator in this package and by nothing
// else.
type Operator interface {
	kdag.Ingredient
	// SuggestIndexes returns the columns each state slot of the node is
	// looked up by.
	SuggestIndexes() map[kdag.Slot][]int
	operator()
}

// Mode tells an operator whether it processes live writes or a replay.
type Mode int

const (
	// Live records are new writes. They update state.
	Live Mode = iota
	// Replay records are existing rows sent down a replay path to fill a
	// hole. They must not update state.
	Replay
)

func (m Mode) String() string {
	if m == Replay {
		return "replay"
	}
	return "live"
}

// Env gives an operator read access to the states of its node.
type Env interface {
	Lookup(slot kdag.Slot, cols []int, key krow.Row) (kstate.LookupResult, error)
}

// Miss is a set of input records that could not be processed because a
// state lookup hit a hole. The records must be processed again, in order,
// once Key is filled in Slot.
type Miss struct {
	Slot    kdag.Slot
	Key     krow.Row
	Records krow.Records
}

// Output is the result of processing one batch.
type Output struct {
	Records krow.Records
	// Aux holds updates for auxiliary state slots, in order.
	Aux    map[kdag.Slot]krow.Records
	Misses []Miss
	// Dropped are client retractions of rows a base table does not hold.
	Dropped krow.Records
}

func (o *Output) aux(slot kdag.Slot, rec krow.Record) {
	if o.Aux == nil {
		o.Aux = make(map[kdag.Slot]krow.Records)
	}
	o.Aux[slot] = append(o.Aux[slot], rec)
}

func (o *Output) miss(slot kdag.Slot, key krow.Row, rec krow.Record) {
	for i := range o.Misses {
		if o.Misses[i].Slot == slot && o.Misses[i].Key.Equal(key) {
			o.Misses[i].Records = append(o.Misses[i].Records, rec)
			return
		}
	}
	o.Misses = append(o.Misses, Miss{Slot: slot, Key: key, Records: krow.Records{rec}})
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func checkColumns(what string, cols []int, arity int) error {
	for _, c := range cols {
		if c < 0 || c >= arity {
			return fmt.Errorf("%w: %s column %d, parent has %d", kdag.ErrColumnOutOfRange, what, c, arity)
		}
	}
	return nil
}

func formatCols(cols []int) string {
	s := ""
	for i, c := range cols {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprint(c)
	}
	return s
}
