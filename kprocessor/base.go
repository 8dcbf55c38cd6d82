package kprocessor

import (
	"fmt"

	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/krow"
	"github.com/birdayz/kviews/kserde"
)

// Base is a table written by clients. With a primary key an insert of an
// existing key replaces the stored row.
type Base struct {
	Columns    int
	PrimaryKey []int
}

var _ Operator = (*Base)(nil)

func (*Base) operator() {}

func (b *Base) Ancestors() []kdag.NodeIndex          { return nil }
func (b *Base) Resolve(int) []kdag.Column            { return nil }
func (b *Base) Arity(func(kdag.NodeIndex) int) int   { return b.Columns }
func (b *Base) Stateful() bool                       { return true }
func (b *Base) AuxStates() []kdag.AuxState           { return nil }
func (b *Base) OutputKey() []int                     { return b.PrimaryKey }

func (b *Base) SuggestIndexes() map[kdag.Slot][]int {
	if len(b.PrimaryKey) == 0 {
		return nil
	}
	return map[kdag.Slot][]int{kdag.SlotOutput: b.PrimaryKey}
}

func (b *Base) Description() string {
	if len(b.PrimaryKey) == 0 {
		return "B"
	}
	return fmt.Sprintf("B pk[%s]", formatCols(b.PrimaryKey))
}

func (b *Base) Validate(func(kdag.NodeIndex) int) error {
	if b.Columns <= 0 {
		return fmt.Errorf("%w: base needs at least one column", kdag.ErrArityMismatch)
	}
	return checkColumns("primary key", b.PrimaryKey, b.Columns)
}

// Check verifies the column count of every record.
func (b *Base) Check(recs krow.Records) error {
	for _, r := range recs {
		if len(r.Row) != b.Columns {
			return fmt.Errorf("%w: got %d, want %d", ErrArity, len(r.Row), b.Columns)
		}
	}
	return nil
}

// StateKey returns the columns the table is stored under: the primary key,
// or the first column of a keyless table.
func (b *Base) StateKey() []int {
	if len(b.PrimaryKey) == 0 {
		return []int{0}
	}
	return b.PrimaryKey
}

// Process turns a client write into the deltas applied to the table. Without
// a primary key inserts pass through unchanged. With one, an insert whose key
// is present retracts the stored row first. Retractions of rows the table
// does not hold are returned in Dropped instead of Records.
func (b *Base) Process(env Env, recs krow.Records) (Output, error) {
	if err := b.Check(recs); err != nil {
		return Output{}, err
	}
	cols := b.StateKey()

	// rows written earlier in this batch are not in state yet
	current := make(map[string]krow.Rows)
	unloaded := make(map[string]krow.Rows)
	get := func(key krow.Row) (krow.Rows, error) {
		k := kserde.KeyString(key)
		if rows, ok := current[k]; ok {
			return rows, nil
		}
		res, err := env.Lookup(kdag.SlotOutput, cols, key)
		if err != nil {
			return nil, err
		}
		rows := append(res.Rows, unloaded[k]...)
		delete(unloaded, k)
		current[k] = rows
		return rows, nil
	}

	var out Output
	for _, rec := range recs {
		key := rec.Row.Project(cols)
		k := kserde.KeyString(key)
		if rec.Positive && len(b.PrimaryKey) == 0 {
			if rows, ok := current[k]; ok {
				current[k] = append(rows, rec.Row)
			} else {
				unloaded[k] = append(unloaded[k], rec.Row)
			}
			out.Records = append(out.Records, rec)
			continue
		}
		rows, err := get(key)
		if err != nil {
			return Output{}, err
		}
		if rec.Positive {
			for _, old := range rows {
				out.Records = append(out.Records, krow.Retract(old))
			}
			current[k] = krow.Rows{rec.Row}
			out.Records = append(out.Records, rec)
			continue
		}
		next, ok := krow.Records{rec}.Apply(rows)
		if !ok {
			out.Dropped = append(out.Dropped, rec)
			continue
		}
		current[k] = next
		out.Records = append(out.Records, rec)
	}
	return out, nil
}
