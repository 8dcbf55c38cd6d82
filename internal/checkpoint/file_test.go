package checkpoint

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func newFile(t *testing.T) *File {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "state", "changelog.checkpoint"))
}

func TestReadWrite(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		f := newFile(t)
		offsets := Offsets{
			{Topic: "kviews-changelog", Partition: 1}: 87,
			{Topic: "kviews-changelog", Partition: 0}: 120,
			{Topic: "other", Partition: 0}:            0,
		}
		assert.NoError(t, f.Write(offsets))

		got, err := f.Read()
		assert.NoError(t, err)
		assert.Equal(t, offsets, got)
	})

	t.Run("entries are sorted", func(t *testing.T) {
		f := newFile(t)
		assert.NoError(t, f.Write(Offsets{
			{Topic: "b", Partition: 0}: 3,
			{Topic: "a", Partition: 2}: 2,
			{Topic: "a", Partition: 1}: 1,
		}))
		b, err := os.ReadFile(f.Path())
		assert.NoError(t, err)
		assert.Equal(t, "1\n3\na 1 1\na 2 2\nb 0 3\n", string(b))
	})

	t.Run("missing file", func(t *testing.T) {
		got, err := newFile(t).Read()
		assert.NoError(t, err)
		assert.Equal(t, 0, len(got))
		assert.Equal(t, int64(0), got.Next(Partition{Topic: "x"}))
	})

	t.Run("empty offsets delete the file", func(t *testing.T) {
		f := newFile(t)
		assert.NoError(t, f.Write(Offsets{{Topic: "a"}: 5}))
		assert.NoError(t, f.Write(Offsets{}))
		_, err := os.Stat(f.Path())
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("overwrite leaves no temp file", func(t *testing.T) {
		f := newFile(t)
		assert.NoError(t, f.Write(Offsets{{Topic: "a"}: 1}))
		assert.NoError(t, f.Write(Offsets{{Topic: "a"}: 2}))
		_, err := os.Stat(f.Path() + ".tmp")
		assert.True(t, os.IsNotExist(err))
		got, err := f.Read()
		assert.NoError(t, err)
		assert.Equal(t, int64(2), got.Next(Partition{Topic: "a"}))
	})

	t.Run("delete", func(t *testing.T) {
		f := newFile(t)
		assert.NoError(t, f.Write(Offsets{{Topic: "a"}: 1}))
		assert.NoError(t, f.Delete())
		assert.NoError(t, f.Delete())
	})
}

func TestInvalid(t *testing.T) {
	t.Run("negative offset", func(t *testing.T) {
		f := newFile(t)
		assert.IsError(t, f.Write(Offsets{{Topic: "a"}: -1}), ErrInvalidOffset)
		_, err := os.Stat(f.Path())
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("topic with whitespace", func(t *testing.T) {
		assert.IsError(t, newFile(t).Write(Offsets{{Topic: "a b"}: 1}), ErrInvalidOffset)
	})

	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"bad version", "0\n1\na 0 1\n"},
		{"missing count", "1\n"},
		{"bad count", "1\nx\n"},
		{"short entry", "1\n1\na 0\n"},
		{"bad partition", "1\n1\na x 1\n"},
		{"negative offset", "1\n1\na 0 -4\n"},
		{"duplicate", "1\n2\na 0 1\na 0 2\n"},
		{"count mismatch", "1\n2\na 0 1\n"},
		{"blank line", "1\n1\n\na 0 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFile(t)
			assert.NoError(t, os.MkdirAll(filepath.Dir(f.Path()), 0o755))
			assert.NoError(t, os.WriteFile(f.Path(), []byte(tt.content), 0o644))
			_, err := f.Read()
			assert.IsError(t, err, ErrCorrupt)
		})
	}
}

func TestConcurrentWrites(t *testing.T) {
	f := newFile(t)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.Write(Offsets{{Topic: "a"}: int64(i)})
			_, _ = f.Read()
		}()
	}
	wg.Wait()

	got, err := f.Read()
	assert.NoError(t, err)
	assert.Equal(t, 1, len(got))
}
