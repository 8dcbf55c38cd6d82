// Package kstate implements node state: the materialized rows of a node,
// either fully (every key present) or partially (only keys that were
// requested, the rest are holes filled on demand by replay).
package kstate

import (
	"errors"

	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/krow"
)

var (
	// ErrMissingRow is returned when a retraction has no matching row in a
	// filled key. It signals a broken invariant upstream.
	ErrMissingRow = errors.New("kstate: retraction of a row that is not present")
	// ErrNoIndex is returned for lookups on columns the state is not indexed by.
	ErrNoIndex = errors.New("kstate: no index on columns")
	// ErrPartialIndex is returned when adding a second index to partial state.
	ErrPartialIndex = errors.New("kstate: partial state has exactly one index")
	ErrClosed       = errors.New("kstate: state closed")
)

// LookupStatus is the outcome of a lookup.
type LookupStatus int

const (
	// Found means the key is present; Rows may be empty.
	Found LookupStatus = iota
	// Miss means the key is a hole in partial state.
	Miss
	// Pending means the key is a hole with a replay outstanding.
	Pending
)

func (s LookupStatus) String() string {
	switch s {
	case Found:
		return "found"
	case Miss:
		return "miss"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// LookupResult carries the rows of a found key.
type LookupResult struct {
	Status LookupStatus
	Rows   krow.Rows
}

func FoundRows(rows krow.Rows) LookupResult { return LookupResult{Status: Found, Rows: rows} }
func MissResult() LookupResult              { return LookupResult{Status: Miss} }
func PendingResult() LookupResult           { return LookupResult{Status: Pending} }

// KeyStatus is the fill status of a key in partial state.
type KeyStatus int

const (
	Hole KeyStatus = iota
	KeyPending
	Filled
)

// State is the storage of one node slot.
//
// Implementations are owned by a single domain goroutine and are not safe
// for concurrent use. Readers go through a ReadHandle instead.
type State interface {
	Mode() kdag.Mode
	// Key returns the partial key, or the primary index of full state.
	Key() []int
	Indices() [][]int
	// AddIndex builds an index on cols from the rows already stored.
	AddIndex(cols []int) error

	Lookup(cols []int, key krow.Row) (LookupResult, error)

	// Insert adds one occurrence of row. It reports false when the row's key
	// is a hole.
	Insert(row krow.Row) (bool, error)
	// Remove deletes one occurrence of row. It reports false when the row's
	// key is a hole and fails with ErrMissingRow when the key is present but
	// the row is not.
	Remove(row krow.Row) (bool, error)
	// Apply inserts and removes records in order and returns the records
	// that were applied, leaving out those that fell into holes.
	Apply(recs krow.Records) (krow.Records, error)

	// Fill marks key filled and stores rows, which all belong to key. It
	// reports false and stores nothing when the key is already filled.
	Fill(key krow.Row, rows krow.Rows) (bool, error)
	Status(key krow.Row) KeyStatus
	MarkPending(key krow.Row)
	// MarkHole turns key back into a hole, dropping its rows.
	MarkHole(key krow.Row)
	// Evict turns up to n filled keys into holes and returns them.
	Evict(n int) []krow.Row

	Rows() (krow.Rows, error)
	Len() int
	Clear() error
	Close() error
}

// Publisher is implemented by states that expose a ReadHandle. Publish makes
// every change since the previous call visible to readers at once.
type Publisher interface {
	Publish()
	Handle() *ReadHandle
}
