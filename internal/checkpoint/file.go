// Package checkpoint stores how far the base tables have consumed the
// changelog.
//
// The file is text:
//
//	1
//	2
//	kviews-changelog 0 120
//	kviews-changelog 1 87
//
// Line one is the format version, line two the number of entries, and every
// entry names a changelog partition and the next offset to restore from.
package checkpoint

import (
	"bufio"
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
)

const version = 1

var (
	ErrCorrupt       = errors.New("checkpoint: corrupt file")
	ErrInvalidOffset = errors.New("checkpoint: invalid offset")
)

// Partition is one partition of a changelog topic.
type Partition struct {
	Topic     string
	Partition int32
}

func (p Partition) String() string { return fmt.Sprintf("%s/%d", p.Topic, p.Partition) }

// Offsets maps a changelog partition to the next offset to restore from.
type Offsets map[Partition]int64

// Next returns the offset to restore p from. Partitions without an entry
// restore from the start.
func (o Offsets) Next(p Partition) int64 {
	return o[p]
}

// File is a checkpoint file. It is safe for concurrent use.
type File struct {
	path string
	mu   sync.Mutex
}

func New(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string { return f.path }

// Read loads the offsets. A missing file yields empty offsets.
func (f *File) Read() (Offsets, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Offsets{}, nil
		}
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	line := 0
	next := func() (string, bool) {
		if !scanner.Scan() {
			return "", false
		}
		line++
		return strings.TrimSpace(scanner.Text()), true
	}

	text, ok := next()
	if !ok {
		return nil, fmt.Errorf("%w: empty", ErrCorrupt)
	}
	if v, err := strconv.Atoi(text); err != nil || v != version {
		return nil, fmt.Errorf("%w: unknown version %q", ErrCorrupt, text)
	}
	text, ok = next()
	if !ok {
		return nil, fmt.Errorf("%w: missing entry count", ErrCorrupt)
	}
	count, err := strconv.Atoi(text)
	if err != nil || count < 0 {
		return nil, fmt.Errorf("%w: line %d: bad entry count %q", ErrCorrupt, line, text)
	}

	offsets := make(Offsets, count)
	for {
		text, ok := next()
		if !ok {
			break
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: line %d: want topic, partition and offset, got %q", ErrCorrupt, line, text)
		}
		partition, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: partition: %v", ErrCorrupt, line, err)
		}
		offset, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("%w: line %d: offset %q", ErrCorrupt, line, fields[2])
		}
		p := Partition{Topic: fields[0], Partition: int32(partition)}
		if _, dup := offsets[p]; dup {
			return nil, fmt.Errorf("%w: line %d: duplicate entry for %s", ErrCorrupt, line, p)
		}
		offsets[p] = offset
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if len(offsets) != count {
		return nil, fmt.Errorf("%w: expected %d entries, found %d", ErrCorrupt, count, len(offsets))
	}
	return offsets, nil
}

// Write replaces the file with offsets. The new content is written to a
// temporary file, synced and renamed into place. Empty offsets delete the
// file.
func (f *File) Write(offsets Offsets) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(offsets) == 0 {
		return f.remove()
	}

	entries := make([]Partition, 0, len(offsets))
	for p, offset := range offsets {
		if offset < 0 {
			return fmt.Errorf("%w: %d for %s", ErrInvalidOffset, offset, p)
		}
		if p.Topic == "" || strings.ContainsAny(p.Topic, " \t\n") {
			return fmt.Errorf("%w: topic %q", ErrInvalidOffset, p.Topic)
		}
		entries = append(entries, p)
	}
	slices.SortFunc(entries, func(a, b Partition) int {
		return cmp.Or(strings.Compare(a.Topic, b.Topic), cmp.Compare(a.Partition, b.Partition))
	})

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}

	tmp := f.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	fail := func(err error) error {
		_ = file.Close()
		_ = os.Remove(tmp)
		return err
	}

	w := bufio.NewWriter(file)
	fmt.Fprintf(w, "%d\n%d\n", version, len(entries))
	for _, p := range entries {
		fmt.Fprintf(w, "%s %d %d\n", p.Topic, p.Partition, offsets[p])
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("write checkpoint: %w", err))
	}
	if err := file.Sync(); err != nil {
		return fail(fmt.Errorf("sync checkpoint: %w", err))
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	// The rename is only durable once the directory is synced.
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open checkpoint directory: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint directory: %w", err)
	}
	return nil
}

// Delete removes the file.
func (f *File) Delete() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remove()
}

func (f *File) remove() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
