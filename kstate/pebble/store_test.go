package pebble

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/krow"
	"github.com/birdayz/kviews/kstate"
	"github.com/cockroachdb/pebble"
)

func TestState(t *testing.T) {
	t.Run("insert lookup remove", func(t *testing.T) {
		s, err := Open(t.TempDir(), kdag.Materialization{Mode: kdag.Full, Indices: [][]int{{0}}})
		assert.NoError(t, err)
		defer s.Close()

		_, err = s.Insert(krow.MustRow(1, "a"))
		assert.NoError(t, err)
		_, err = s.Insert(krow.MustRow(1, "a"))
		assert.NoError(t, err)
		_, err = s.Insert(krow.MustRow(2, "b"))
		assert.NoError(t, err)
		assert.Equal(t, 3, s.Len())

		res, err := s.Lookup([]int{0}, krow.MustRow(1))
		assert.NoError(t, err)
		assert.Equal(t, kstate.Found, res.Status)
		assert.Equal(t, krow.Rows{krow.MustRow(1, "a"), krow.MustRow(1, "a")}, res.Rows)

		_, err = s.Remove(krow.MustRow(1, "a"))
		assert.NoError(t, err)
		res, err = s.Lookup([]int{0}, krow.MustRow(1))
		assert.NoError(t, err)
		assert.Equal(t, 1, len(res.Rows))

		_, err = s.Remove(krow.MustRow(9, "z"))
		assert.IsError(t, err, kstate.ErrMissingRow)
	})

	t.Run("absent key is empty", func(t *testing.T) {
		s, err := Open(t.TempDir(), kdag.Materialization{Mode: kdag.Full, Indices: [][]int{{0}}})
		assert.NoError(t, err)
		defer s.Close()

		res, err := s.Lookup([]int{0}, krow.MustRow(42))
		assert.NoError(t, err)
		assert.Equal(t, kstate.Found, res.Status)
		assert.Equal(t, 0, len(res.Rows))
	})

	t.Run("key prefixes do not overlap", func(t *testing.T) {
		s, err := Open(t.TempDir(), kdag.Materialization{Mode: kdag.Full, Indices: [][]int{{0}}})
		assert.NoError(t, err)
		defer s.Close()

		_, err = s.Insert(krow.MustRow("ab", 1))
		assert.NoError(t, err)
		_, err = s.Insert(krow.MustRow("a", 2))
		assert.NoError(t, err)

		res, err := s.Lookup([]int{0}, krow.MustRow("a"))
		assert.NoError(t, err)
		assert.Equal(t, krow.Rows{krow.MustRow("a", 2)}, res.Rows)
	})

	t.Run("secondary index is backfilled", func(t *testing.T) {
		s, err := Open(t.TempDir(), kdag.Materialization{Mode: kdag.Full, Indices: [][]int{{0}}})
		assert.NoError(t, err)
		defer s.Close()

		_, err = s.Insert(krow.MustRow(1, "x"))
		assert.NoError(t, err)
		_, err = s.Insert(krow.MustRow(2, "x"))
		assert.NoError(t, err)

		_, err = s.Lookup([]int{1}, krow.MustRow("x"))
		assert.IsError(t, err, kstate.ErrNoIndex)

		assert.NoError(t, s.AddIndex([]int{1}))
		res, err := s.Lookup([]int{1}, krow.MustRow("x"))
		assert.NoError(t, err)
		assert.Equal(t, 2, len(res.Rows))

		_, err = s.Remove(krow.MustRow(1, "x"))
		assert.NoError(t, err)
		res, err = s.Lookup([]int{1}, krow.MustRow("x"))
		assert.NoError(t, err)
		assert.Equal(t, krow.Rows{krow.MustRow(2, "x")}, res.Rows)
	})

	t.Run("reopen keeps rows and indices", func(t *testing.T) {
		dir := t.TempDir()
		s, err := Open(dir, kdag.Materialization{Mode: kdag.Full, Indices: [][]int{{0}, {1}}})
		assert.NoError(t, err)
		_, err = s.Apply(krow.Records{
			krow.Insert(krow.MustRow(1, "a")),
			krow.Insert(krow.MustRow(2, "b")),
			krow.Retract(krow.MustRow(1, "a")),
		})
		assert.NoError(t, err)
		assert.NoError(t, s.Close())

		s, err = Open(dir, kdag.Materialization{Mode: kdag.Full})
		assert.NoError(t, err)
		defer s.Close()
		assert.Equal(t, 1, s.Len())
		assert.Equal(t, [][]int{{0}, {1}}, s.Indices())
		res, err := s.Lookup([]int{1}, krow.MustRow("b"))
		assert.NoError(t, err)
		assert.Equal(t, krow.Rows{krow.MustRow(2, "b")}, res.Rows)
	})

	t.Run("failed apply writes nothing", func(t *testing.T) {
		s, err := Open(t.TempDir(), kdag.Materialization{Mode: kdag.Full, Indices: [][]int{{0}}})
		assert.NoError(t, err)
		defer s.Close()

		_, err = s.Apply(krow.Records{
			krow.Insert(krow.MustRow(1, "a")),
			krow.Insert(krow.MustRow(2, "b")),
			krow.Retract(krow.MustRow(9, "z")),
		})
		assert.IsError(t, err, kstate.ErrMissingRow)
		assert.Equal(t, 0, s.Len())
		rows, err := s.Rows()
		assert.NoError(t, err)
		assert.Equal(t, 0, len(rows))

		applied, err := s.Apply(krow.Records{
			krow.Insert(krow.MustRow(1, "a")),
			krow.Retract(krow.MustRow(1, "a")),
			krow.Insert(krow.MustRow(1, "a")),
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, len(applied))
		assert.Equal(t, 1, s.Len())
	})

	t.Run("corrupt entries are reported", func(t *testing.T) {
		dir := t.TempDir()
		s, err := Open(dir, kdag.Materialization{Mode: kdag.Full, Indices: [][]int{{0}}})
		assert.NoError(t, err)
		_, err = s.Insert(krow.MustRow(1, "a"))
		assert.NoError(t, err)
		assert.NoError(t, s.db.Set(s.entryKey(0, krow.MustRow(2, "b")), []byte{0x80}, pebble.Sync))

		_, err = s.Lookup([]int{0}, krow.MustRow(2))
		assert.Error(t, err)
		_, err = s.Rows()
		assert.Error(t, err)
		res, err := s.Lookup([]int{0}, krow.MustRow(1))
		assert.NoError(t, err)
		assert.Equal(t, 1, len(res.Rows))
		assert.Error(t, s.AddIndex([]int{1}))
		assert.Equal(t, [][]int{{0}}, s.Indices())
		assert.NoError(t, s.Close())

		_, err = Open(dir, kdag.Materialization{Mode: kdag.Full})
		assert.Error(t, err)
	})

	t.Run("clear", func(t *testing.T) {
		s, err := Open(t.TempDir(), kdag.Materialization{Mode: kdag.Full, Indices: [][]int{{0}}})
		assert.NoError(t, err)
		defer s.Close()
		_, err = s.Insert(krow.MustRow(1))
		assert.NoError(t, err)
		assert.NoError(t, s.Clear())
		assert.Equal(t, 0, s.Len())
		rows, err := s.Rows()
		assert.NoError(t, err)
		assert.Equal(t, 0, len(rows))
		// index metadata survives
		assert.Equal(t, [][]int{{0}}, s.Indices())
	})

	t.Run("delete on close", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "base")
		s, err := Open(dir, kdag.Materialization{Mode: kdag.Full}, WithDeleteOnClose())
		assert.NoError(t, err)
		assert.NoError(t, s.Close())
		_, err = os.Stat(dir)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("partial rejected", func(t *testing.T) {
		_, err := Open(t.TempDir(), kdag.Materialization{Mode: kdag.Partial, Key: []int{0}})
		assert.IsError(t, err, ErrPartialUnsupported)
	})

	t.Run("closed", func(t *testing.T) {
		s, err := Open(t.TempDir(), kdag.Materialization{Mode: kdag.Full}, WithSync())
		assert.NoError(t, err)
		assert.NoError(t, s.Close())
		_, err = s.Insert(krow.MustRow(1))
		assert.IsError(t, err, kstate.ErrClosed)
	})
}
