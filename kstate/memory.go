package kstate

import (
	"fmt"
	"slices"

	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/krow"
	"github.com/birdayz/kviews/kserde"
)

type index struct {
	cols    []int
	entries map[string]krow.Rows
}

func newIndex(cols []int) *index {
	return &index{cols: slices.Clone(cols), entries: make(map[string]krow.Rows)}
}

func (ix *index) keyOf(row krow.Row) string {
	return kserde.KeyString(row.Project(ix.cols))
}

func (ix *index) add(row krow.Row) {
	k := ix.keyOf(row)
	ix.entries[k] = append(ix.entries[k], row)
}

func (ix *index) remove(row krow.Row) bool {
	k := ix.keyOf(row)
	rows := ix.entries[k]
	for i := range rows {
		if rows[i].Equal(row) {
			rows = slices.Delete(slices.Clone(rows), i, i+1)
			if len(rows) == 0 {
				delete(ix.entries, k)
			} else {
				ix.entries[k] = rows
			}
			return true
		}
	}
	return false
}

type keyEntry struct {
	status KeyStatus
	key    krow.Row
}

// MemoryState is an in-memory State with any number of hash indices.
// Partial state has exactly one index, on its key.
type MemoryState struct {
	mode    kdag.Mode
	indices []*index
	keys    map[string]keyEntry
	rows    int

	handle *ReadHandle
	dirty  map[string]struct{}
}

var _ State = (*MemoryState)(nil)

// NewMemoryState creates state for the given materialization. Full state
// without indices gets one index on no columns, holding every row.
func NewMemoryState(m kdag.Materialization) *MemoryState {
	s := &MemoryState{mode: m.Mode}
	if m.Mode == kdag.Partial {
		s.indices = []*index{newIndex(m.Key)}
		s.keys = make(map[string]keyEntry)
		return s
	}
	s.mode = kdag.Full
	for _, cols := range m.Indices {
		s.indices = append(s.indices, newIndex(cols))
	}
	if len(s.indices) == 0 {
		s.indices = []*index{newIndex(m.Key)}
	}
	return s
}

// NewReaderState creates state whose changes are published to a ReadHandle.
// The handle is keyed on the state's primary index.
func NewReaderState(m kdag.Materialization) *MemoryState {
	s := NewMemoryState(m)
	s.handle = newReadHandle(s.indices[0].cols, s.mode == kdag.Partial)
	s.dirty = make(map[string]struct{})
	return s
}

func (s *MemoryState) Mode() kdag.Mode { return s.mode }
func (s *MemoryState) Key() []int      { return s.indices[0].cols }
func (s *MemoryState) Len() int        { return s.rows }

func (s *MemoryState) Indices() [][]int {
	out := make([][]int, len(s.indices))
	for i, ix := range s.indices {
		out[i] = ix.cols
	}
	return out
}

func (s *MemoryState) AddIndex(cols []int) error {
	if s.index(cols) != nil {
		return nil
	}
	if s.mode == kdag.Partial {
		return fmt.Errorf("%w: have %v, want %v", ErrPartialIndex, s.Key(), cols)
	}
	ix := newIndex(cols)
	for _, rows := range s.indices[0].entries {
		for _, r := range rows {
			ix.add(r)
		}
	}
	s.indices = append(s.indices, ix)
	return nil
}

func (s *MemoryState) index(cols []int) *index {
	for _, ix := range s.indices {
		if slices.Equal(ix.cols, cols) {
			return ix
		}
	}
	return nil
}

func (s *MemoryState) status(k string) KeyStatus {
	if s.mode != kdag.Partial {
		return Filled
	}
	return s.keys[k].status
}

func (s *MemoryState) Lookup(cols []int, key krow.Row) (LookupResult, error) {
	ix := s.index(cols)
	if ix == nil {
		return LookupResult{}, fmt.Errorf("%w %v", ErrNoIndex, cols)
	}
	k := kserde.KeyString(key)
	switch s.status(k) {
	case Hole:
		return MissResult(), nil
	case KeyPending:
		return PendingResult(), nil
	}
	return FoundRows(slices.Clone(ix.entries[k])), nil
}

func (s *MemoryState) Status(key krow.Row) KeyStatus {
	return s.status(kserde.KeyString(key))
}

func (s *MemoryState) Insert(row krow.Row) (bool, error) {
	k := s.indices[0].keyOf(row)
	if s.status(k) != Filled {
		return false, nil
	}
	for _, ix := range s.indices {
		ix.add(row)
	}
	s.rows++
	s.touch(k)
	return true, nil
}

func (s *MemoryState) Remove(row krow.Row) (bool, error) {
	k := s.indices[0].keyOf(row)
	if s.status(k) != Filled {
		return false, nil
	}
	if !s.indices[0].remove(row) {
		return false, fmt.Errorf("%w: %s", ErrMissingRow, row)
	}
	for _, ix := range s.indices[1:] {
		ix.remove(row)
	}
	s.rows--
	s.touch(k)
	return true, nil
}

func (s *MemoryState) Apply(recs krow.Records) (krow.Records, error) {
	applied := make(krow.Records, 0, len(recs))
	for _, rec := range recs {
		var ok bool
		var err error
		if rec.Positive {
			ok, err = s.Insert(rec.Row)
		} else {
			ok, err = s.Remove(rec.Row)
		}
		if err != nil {
			return applied, err
		}
		if ok {
			applied = append(applied, rec)
		}
	}
	return applied, nil
}

func (s *MemoryState) Fill(key krow.Row, rows krow.Rows) (bool, error) {
	k := kserde.KeyString(key)
	if s.status(k) == Filled {
		if s.mode != kdag.Partial {
			// full state takes the rows as plain inserts
			for _, r := range rows {
				if _, err := s.Insert(r); err != nil {
					return false, err
				}
			}
			return true, nil
		}
		return false, nil
	}
	s.keys[k] = keyEntry{status: Filled, key: key.Clone()}
	s.touch(k)
	for _, r := range rows {
		if _, err := s.Insert(r); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *MemoryState) MarkPending(key krow.Row) {
	if s.mode != kdag.Partial {
		return
	}
	k := kserde.KeyString(key)
	if s.keys[k].status == Hole {
		s.keys[k] = keyEntry{status: KeyPending, key: key.Clone()}
	}
}

func (s *MemoryState) MarkHole(key krow.Row) {
	if s.mode != kdag.Partial {
		return
	}
	s.markHole(kserde.KeyString(key))
}

func (s *MemoryState) markHole(k string) {
	if _, ok := s.keys[k]; !ok {
		return
	}
	ix := s.indices[0]
	s.rows -= len(ix.entries[k])
	delete(ix.entries, k)
	delete(s.keys, k)
	s.touch(k)
}

func (s *MemoryState) Evict(n int) []krow.Row {
	if s.mode != kdag.Partial || n <= 0 {
		return nil
	}
	var evicted []krow.Row
	for k, e := range s.keys {
		if len(evicted) >= n {
			break
		}
		if e.status != Filled {
			continue
		}
		evicted = append(evicted, e.key)
		s.markHole(k)
	}
	return evicted
}

func (s *MemoryState) Rows() (krow.Rows, error) {
	out := make(krow.Rows, 0, s.rows)
	for _, rows := range s.indices[0].entries {
		out = append(out, rows...)
	}
	return out, nil
}

func (s *MemoryState) Clear() error {
	for _, ix := range s.indices {
		ix.entries = make(map[string]krow.Rows)
	}
	if s.keys != nil {
		s.keys = make(map[string]keyEntry)
	}
	s.rows = 0
	if s.handle != nil {
		s.handle.reset()
		clear(s.dirty)
	}
	return nil
}

func (s *MemoryState) Close() error { return nil }

func (s *MemoryState) touch(k string) {
	if s.dirty != nil {
		s.dirty[k] = struct{}{}
	}
}

// Handle returns the read handle, nil unless built with NewReaderState.
func (s *MemoryState) Handle() *ReadHandle { return s.handle }

// Publish makes all changes since the last call visible to readers.
func (s *MemoryState) Publish() {
	if s.handle == nil || len(s.dirty) == 0 {
		return
	}
	primary := s.indices[0]
	s.handle.publish(s.dirty, func(k string) (krow.Rows, bool) {
		if s.status(k) != Filled {
			return nil, false
		}
		rows := primary.entries[k]
		if s.mode != kdag.Partial && len(rows) == 0 {
			return nil, false
		}
		return slices.Clone(rows), true
	})
	clear(s.dirty)
}
