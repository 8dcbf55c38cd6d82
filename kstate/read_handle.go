package kstate

import (
	"slices"
	"sync/atomic"

	"github.com/birdayz/kviews/krow"
	"github.com/birdayz/kviews/kserde"
	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

// snapshot is immutable once stored in a ReadHandle.
type snapshot struct {
	shards [shardCount]map[string]krow.Rows
}

// ReadHandle is the reader side of a view. Lookups load the latest
// published snapshot atomically, never block and never see a packet half
// applied. Publishing copies only the shards a packet touched.
type ReadHandle struct {
	cols    []int
	partial bool
	snap    atomic.Pointer[snapshot]
}

func newReadHandle(cols []int, partial bool) *ReadHandle {
	h := &ReadHandle{cols: slices.Clone(cols), partial: partial}
	h.reset()
	return h
}

func (h *ReadHandle) reset() {
	s := &snapshot{}
	for i := range s.shards {
		s.shards[i] = map[string]krow.Rows{}
	}
	h.snap.Store(s)
}

func shardOf(k string) int {
	return int(xxhash.Sum64String(k) % shardCount)
}

// Key returns the columns the view is looked up by.
func (h *ReadHandle) Key() []int { return h.cols }

// Partial reports whether absent keys are holes rather than empty results.
func (h *ReadHandle) Partial() bool { return h.partial }

// Lookup returns the rows for key, or Miss when key is a hole.
func (h *ReadHandle) Lookup(key krow.Row) LookupResult {
	k := kserde.KeyString(key)
	rows, ok := h.snap.Load().shards[shardOf(k)][k]
	if !ok {
		if h.partial {
			return MissResult()
		}
		return FoundRows(nil)
	}
	return FoundRows(rows)
}

// Len counts the rows visible to readers.
func (h *ReadHandle) Len() int {
	n := 0
	for _, shard := range h.snap.Load().shards {
		for _, rows := range shard {
			n += len(rows)
		}
	}
	return n
}

// Keys counts the keys visible to readers.
func (h *ReadHandle) Keys() int {
	n := 0
	for _, shard := range h.snap.Load().shards {
		n += len(shard)
	}
	return n
}

// publish swaps in a snapshot where every dirty key is replaced by the value
// current returns; keys current reports absent are removed.
func (h *ReadHandle) publish(dirty map[string]struct{}, current func(string) (krow.Rows, bool)) {
	old := h.snap.Load()
	next := *old
	var copied [shardCount]bool
	for k := range dirty {
		i := shardOf(k)
		if !copied[i] {
			next.shards[i] = cloneShard(old.shards[i])
			copied[i] = true
		}
		if rows, ok := current(k); ok {
			next.shards[i][k] = rows
		} else {
			delete(next.shards[i], k)
		}
	}
	h.snap.Store(&next)
}

func cloneShard(m map[string]krow.Rows) map[string]krow.Rows {
	out := make(map[string]krow.Rows, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
