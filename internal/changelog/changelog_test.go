package changelog

import (
	"context"
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kviews/internal/checkpoint"
	"github.com/birdayz/kviews/krow"
	"github.com/twmb/franz-go/pkg/kfake"
)

func newLog(t *testing.T) *Log {
	t.Helper()
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1))
	assert.NoError(t, err)
	t.Cleanup(cluster.Close)

	l, err := Open(context.Background(), Config{Brokers: cluster.ListenAddrs(), Topic: "writes"})
	assert.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func collect(t *testing.T, l *Log, from checkpoint.Offsets) ([]Entry, checkpoint.Offsets) {
	t.Helper()
	var entries []Entry
	next, err := l.Restore(context.Background(), from, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	assert.NoError(t, err)
	return entries, next
}

func TestAppendRestore(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)
	p := checkpoint.Partition{Topic: "writes", Partition: 0}

	t.Run("empty log", func(t *testing.T) {
		entries, next := collect(t, l, nil)
		assert.Equal(t, 0, len(entries))
		assert.Equal(t, checkpoint.Offsets{p: 0}, next)
	})

	batches := []struct {
		table   string
		records krow.Records
	}{
		{"users", krow.Inserts(krow.MustRow(1, "ada"), krow.MustRow(2, "bob"))},
		{"orders", krow.Inserts(krow.MustRow(10, 1))},
		{"users", krow.Retracts(krow.MustRow(2, "bob"))},
	}
	for i, b := range batches {
		part, offset, err := l.Append(ctx, b.table, b.records)
		assert.NoError(t, err)
		assert.Equal(t, p, part)
		assert.Equal(t, int64(i), offset)
	}

	var next checkpoint.Offsets
	t.Run("from the start", func(t *testing.T) {
		var entries []Entry
		entries, next = collect(t, l, checkpoint.Offsets{})
		assert.Equal(t, 3, len(entries))
		for i, b := range batches {
			assert.Equal(t, b.table, entries[i].Table)
			assert.Equal(t, b.records, entries[i].Records)
			assert.Equal(t, int64(i), entries[i].Offset)
		}
		assert.Equal(t, checkpoint.Offsets{p: 3}, next)
	})

	t.Run("from a checkpoint", func(t *testing.T) {
		entries, again := collect(t, l, next)
		assert.Equal(t, 0, len(entries))
		assert.Equal(t, next, again)

		_, _, err := l.Append(ctx, "orders", krow.Inserts(krow.MustRow(11, 2)))
		assert.NoError(t, err)
		entries, again = collect(t, l, next)
		assert.Equal(t, 1, len(entries))
		assert.Equal(t, "orders", entries[0].Table)
		assert.Equal(t, checkpoint.Offsets{p: 4}, again)
	})

	t.Run("apply error stops the restore", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := l.Restore(ctx, nil, func(Entry) error { return boom })
		assert.IsError(t, err, boom)
	})
}

func TestOpenExistingTopic(t *testing.T) {
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(3, "writes"))
	assert.NoError(t, err)
	t.Cleanup(cluster.Close)

	l, err := Open(context.Background(), Config{Brokers: cluster.ListenAddrs(), Topic: "writes"})
	assert.NoError(t, err)
	defer l.Close()
	assert.Equal(t, "writes", l.Topic())

	_, next := collect(t, l, nil)
	assert.Equal(t, 3, len(next))
}

func TestOpenWithoutBrokers(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}
