// Package pebble provides a durable full State on top of Pebble. It backs
// base tables when the controller runs with a state directory.
package pebble

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/krow"
	"github.com/birdayz/kviews/kserde"
	"github.com/birdayz/kviews/kstate"
	"github.com/cockroachdb/pebble"
	"go.uber.org/multierr"
)

var ErrPartialUnsupported = errors.New("pebble: durable state is always full")

// Key layout:
//
//	0xFF "idx"                          -> JSON list of index column sets
//	<ix> <encoded key> <encoded row>    -> uvarint multiplicity
//
// where <ix> is the position of the index. Every index holds every row, so
// the multiplicity is the same in all of them.
const maxIndices = 0xFE

var metaIndices = []byte{0xFF, 'i', 'd', 'x'}

type State struct {
	dir     string
	db      *pebble.DB
	indices [][]int
	rows    int

	writeOpts     *pebble.WriteOptions
	deleteOnClose bool
	closed        bool
}

var _ kstate.State = (*State)(nil)

type Option func(*State)

// WithSync makes every write fsync before returning.
func WithSync() Option {
	return func(s *State) { s.writeOpts = pebble.Sync }
}

// WithDeleteOnClose removes the directory when the state is closed.
func WithDeleteOnClose() Option {
	return func(s *State) { s.deleteOnClose = true }
}

// Open opens or creates durable state in dir. Indices recorded by a previous
// run are kept; indices named by m that are missing are built.
func Open(dir string, m kdag.Materialization, opts ...Option) (*State, error) {
	if m.Mode == kdag.Partial {
		return nil, ErrPartialUnsupported
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dir, err)
	}
	s := &State{dir: dir, db: db, writeOpts: pebble.NoSync}
	for _, opt := range opts {
		opt(s)
	}

	stored, err := s.readIndices()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.indices = stored
	if len(s.indices) == 0 {
		primary := m.Key
		if len(m.Indices) > 0 {
			primary = m.Indices[0]
		}
		s.indices = [][]int{slices.Clone(primary)}
		if err := s.writeIndices(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	err = s.scan(s.prefix(0, nil), func(_ krow.Row, cnt int) error {
		s.rows += cnt
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	for _, cols := range m.Indices {
		if err := s.AddIndex(cols); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *State) readIndices() ([][]int, error) {
	v, closer, err := s.db.Get(metaIndices)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	var out [][]int
	if err := json.Unmarshal(v, &out); err != nil {
		return nil, fmt.Errorf("decode index metadata: %w", err)
	}
	return out, nil
}

func (s *State) writeIndices() error {
	b, err := json.Marshal(s.indices)
	if err != nil {
		return err
	}
	return s.db.Set(metaIndices, b, pebble.Sync)
}

func (s *State) Mode() kdag.Mode { return kdag.Full }
func (s *State) Key() []int      { return s.indices[0] }
func (s *State) Len() int        { return s.rows }
func (s *State) Dir() string     { return s.dir }

func (s *State) Indices() [][]int {
	out := make([][]int, len(s.indices))
	copy(out, s.indices)
	return out
}

func (s *State) indexOf(cols []int) int {
	return slices.IndexFunc(s.indices, func(ix []int) bool { return slices.Equal(ix, cols) })
}

func (s *State) prefix(ix int, key krow.Row) []byte {
	b := []byte{byte(ix)}
	for _, v := range key {
		b = kserde.AppendValue(b, v)
	}
	return b
}

func (s *State) entryKey(ix int, row krow.Row) []byte {
	b := s.prefix(ix, row.Project(s.indices[ix]))
	for _, v := range row {
		b = kserde.AppendValue(b, v)
	}
	return b
}

// scan calls fn for every row under prefix with its multiplicity. prefix
// must start with an index byte.
func (s *State) scan(prefix []byte, fn func(row krow.Row, cnt int) error) (err error) {
	it := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: kserde.PrefixEnd(prefix),
	})
	defer func() { err = multierr.Append(err, it.Close()) }()

	ixCols := len(s.indices[prefix[0]])
	for it.First(); it.Valid(); it.Next() {
		_, rest, err := kserde.DecodeKey(it.Key()[1:], ixCols)
		if err != nil {
			return fmt.Errorf("pebble: corrupt key %x: %w", it.Key(), err)
		}
		row, _, err := kserde.DecodeKey(rest, -1)
		if err != nil {
			return fmt.Errorf("pebble: corrupt key %x: %w", it.Key(), err)
		}
		cnt, n := binary.Uvarint(it.Value())
		if n <= 0 {
			return fmt.Errorf("pebble: corrupt multiplicity for %s", row)
		}
		if err := fn(row, int(cnt)); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *State) AddIndex(cols []int) error {
	if s.indexOf(cols) >= 0 {
		return nil
	}
	if len(s.indices) >= maxIndices {
		return fmt.Errorf("pebble: too many indices")
	}
	ix := len(s.indices)
	s.indices = append(s.indices, slices.Clone(cols))

	batch := s.db.NewBatch()
	defer batch.Close()
	err := s.scan(s.prefix(0, nil), func(row krow.Row, cnt int) error {
		return batch.Set(s.entryKey(ix, row), binary.AppendUvarint(nil, uint64(cnt)), nil)
	})
	if err == nil {
		err = batch.Commit(s.writeOpts)
	}
	if err == nil {
		err = s.writeIndices()
	}
	if err != nil {
		s.indices = s.indices[:ix]
		return fmt.Errorf("build index %v: %w", cols, err)
	}
	return nil
}

func (s *State) Lookup(cols []int, key krow.Row) (kstate.LookupResult, error) {
	if s.closed {
		return kstate.LookupResult{}, kstate.ErrClosed
	}
	ix := s.indexOf(cols)
	if ix < 0 {
		return kstate.LookupResult{}, fmt.Errorf("%w %v", kstate.ErrNoIndex, cols)
	}
	var rows krow.Rows
	err := s.scan(s.prefix(ix, key), func(row krow.Row, cnt int) error {
		for range cnt {
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return kstate.LookupResult{}, err
	}
	return kstate.FoundRows(rows), nil
}

func (s *State) count(b *pebble.Batch, row krow.Row) (uint64, error) {
	v, closer, err := b.Get(s.entryKey(0, row))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	defer closer.Close()
	cnt, n := binary.Uvarint(v)
	if n <= 0 {
		return 0, fmt.Errorf("pebble: corrupt multiplicity for %s", row)
	}
	return cnt, nil
}

func (s *State) setCount(b *pebble.Batch, row krow.Row, cnt uint64) error {
	for ix := range s.indices {
		k := s.entryKey(ix, row)
		var err error
		if cnt == 0 {
			err = b.Delete(k, nil)
		} else {
			err = b.Set(k, binary.AppendUvarint(nil, cnt), nil)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// write adds rec to b and returns the change in row count.
func (s *State) write(b *pebble.Batch, rec krow.Record) (int, error) {
	cnt, err := s.count(b, rec.Row)
	if err != nil {
		return 0, err
	}
	if rec.Positive {
		return 1, s.setCount(b, rec.Row, cnt+1)
	}
	if cnt == 0 {
		return 0, fmt.Errorf("%w: %s", kstate.ErrMissingRow, rec.Row)
	}
	return -1, s.setCount(b, rec.Row, cnt-1)
}

func (s *State) Insert(row krow.Row) (bool, error) {
	_, err := s.Apply(krow.Inserts(row))
	return err == nil, err
}

func (s *State) Remove(row krow.Row) (bool, error) {
	_, err := s.Apply(krow.Retracts(row))
	return err == nil, err
}

// Apply commits recs as one batch. Nothing is written when a record fails.
func (s *State) Apply(recs krow.Records) (krow.Records, error) {
	if s.closed {
		return nil, kstate.ErrClosed
	}
	if len(recs) == 0 {
		return recs, nil
	}
	b := s.db.NewIndexedBatch()
	defer b.Close()
	delta := 0
	for _, rec := range recs {
		d, err := s.write(b, rec)
		if err != nil {
			return nil, err
		}
		delta += d
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return nil, err
	}
	s.rows += delta
	return recs, nil
}

// Fill inserts rows; durable state is full so there is nothing to mark.
func (s *State) Fill(_ krow.Row, rows krow.Rows) (bool, error) {
	if _, err := s.Apply(krow.Inserts(rows...)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *State) Status(krow.Row) kstate.KeyStatus { return kstate.Filled }
func (s *State) MarkPending(krow.Row)             {}
func (s *State) MarkHole(krow.Row)                {}
func (s *State) Evict(int) []krow.Row             { return nil }

func (s *State) Rows() (krow.Rows, error) {
	if s.closed {
		return nil, kstate.ErrClosed
	}
	out := make(krow.Rows, 0, s.rows)
	err := s.scan(s.prefix(0, nil), func(row krow.Row, cnt int) error {
		for range cnt {
			out = append(out, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *State) Clear() error {
	if err := s.db.DeleteRange([]byte{0x00}, []byte{0xFF}, s.writeOpts); err != nil {
		return err
	}
	s.rows = 0
	return nil
}

// Flush persists memtables to disk.
func (s *State) Flush() error {
	return s.db.Flush()
}

func (s *State) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Flush(); err != nil {
		_ = s.db.Close()
		return err
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	if s.deleteOnClose {
		return os.RemoveAll(s.dir)
	}
	return nil
}
