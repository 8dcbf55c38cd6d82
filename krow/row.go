package krow

import (
	"fmt"
	"slices"
	"strings"
)

// Row is an ordered tuple of values.
type Row []Value

// MustRow builds a Row from Go values and panics on unsupported types.
// Meant for tests and examples.
func MustRow(vals ...any) Row {
	r, err := NewRow(vals...)
	if err != nil {
		panic(err)
	}
	return r
}

// NewRow builds a Row from Go values, see FromAny.
func NewRow(vals ...any) (Row, error) {
	r := make(Row, len(vals))
	for i, x := range vals {
		v, err := FromAny(x)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		r[i] = v
	}
	return r, nil
}

// Project returns the values at cols, in that order.
func (r Row) Project(cols []int) Row {
	out := make(Row, len(cols))
	for i, c := range cols {
		out[i] = r[c]
	}
	return out
}

func (r Row) Equal(o Row) bool {
	return slices.Equal(r, o)
}

// Compare orders rows column by column; shorter rows sort first on a tie.
func (r Row) Compare(o Row) int {
	for i := 0; i < len(r) && i < len(o); i++ {
		if c := r[i].Compare(o[i]); c != 0 {
			return c
		}
	}
	return cmpOrdered(len(r), len(o))
}

func (r Row) Clone() Row {
	return slices.Clone(r)
}

func (r Row) String() string {
	parts := make([]string, len(r))
	for i, v := range r {
		if v.Kind() == KindText {
			parts[i] = fmt.Sprintf("%q", v.s)
		} else {
			parts[i] = v.String()
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Rows is a multiset of rows. Order carries no meaning unless sorted.
type Rows []Row

// Sorted returns a sorted copy, useful for deterministic comparison.
func (rs Rows) Sorted() Rows {
	out := slices.Clone(rs)
	slices.SortFunc(out, Row.Compare)
	return out
}

// Equal reports multiset equality.
func (rs Rows) Equal(o Rows) bool {
	if len(rs) != len(o) {
		return false
	}
	a, b := rs.Sorted(), o.Sorted()
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
