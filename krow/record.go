package krow

// Record is a signed delta: a row being inserted (Positive) or retracted.
type Record struct {
	Row      Row  `json:"row"`
	Positive bool `json:"positive"`
}

func Insert(r Row) Record  { return Record{Row: r, Positive: true} }
func Retract(r Row) Record { return Record{Row: r, Positive: false} }

// Negate flips the sign of the record.
func (r Record) Negate() Record {
	return Record{Row: r.Row, Positive: !r.Positive}
}

func (r Record) String() string {
	if r.Positive {
		return "+" + r.Row.String()
	}
	return "-" + r.Row.String()
}

// Records is an ordered batch of deltas.
type Records []Record

// Inserts turns rows into positive records.
func Inserts(rows ...Row) Records {
	out := make(Records, len(rows))
	for i, r := range rows {
		out[i] = Insert(r)
	}
	return out
}

// Retracts turns rows into negative records.
func Retracts(rows ...Row) Records {
	out := make(Records, len(rows))
	for i, r := range rows {
		out[i] = Retract(r)
	}
	return out
}

// Positives returns the rows of all positive records.
func (rs Records) Positives() Rows {
	var out Rows
	for _, r := range rs {
		if r.Positive {
			out = append(out, r.Row)
		}
	}
	return out
}

// Apply folds the records into rows as a multiset: positives are appended,
// negatives remove one matching row. It reports false when a negative record
// has no match.
func (rs Records) Apply(rows Rows) (Rows, bool) {
	out := append(Rows(nil), rows...)
	ok := true
	for _, rec := range rs {
		if rec.Positive {
			out = append(out, rec.Row)
			continue
		}
		found := false
		for i := range out {
			if out[i].Equal(rec.Row) {
				out = append(out[:i], out[i+1:]...)
				found = true
				break
			}
		}
		if !found {
			ok = false
		}
	}
	return out, ok
}
