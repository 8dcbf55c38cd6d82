package kmetrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kviews"
	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/kprocessor"
	"github.com/birdayz/kviews/krow"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type staticSource struct {
	stats kviews.Statistics
	err   error
}

func (s staticSource) Statistics(context.Context) (kviews.Statistics, error) {
	return s.stats, s.err
}

func TestCollector(t *testing.T) {
	src := staticSource{stats: kviews.Statistics{
		Version: 4,
		Domains: []kviews.DomainStats{
			{
				Domain:           0,
				PacketsProcessed: 10,
				ReplaysRequested: 2,
				ReplaysServed:    2,
				Nodes: []kviews.NodeStats{
					{Name: "users", Rows: map[kdag.Slot]int{0: 5}},
					{Name: "user_count", Rows: map[kdag.Slot]int{0: 3}, Faulted: true},
				},
			},
		},
	}}

	t.Run("values", func(t *testing.T) {
		c := NewCollector(src, time.Second)
		expected := `
# HELP kviews_graph_version Version of the committed graph.
# TYPE kviews_graph_version gauge
kviews_graph_version 4
# HELP kviews_domain_packets_processed_total Packets handled by the domain.
# TYPE kviews_domain_packets_processed_total counter
kviews_domain_packets_processed_total{domain="d0"} 10
# HELP kviews_node_rows Rows held in a node state slot.
# TYPE kviews_node_rows gauge
kviews_node_rows{domain="d0",node="user_count",slot="0"} 3
kviews_node_rows{domain="d0",node="users",slot="0"} 5
# HELP kviews_node_faulted 1 if the node stopped on an invariant violation.
# TYPE kviews_node_faulted gauge
kviews_node_faulted{domain="d0",node="user_count"} 1
kviews_node_faulted{domain="d0",node="users"} 0
`
		err := testutil.CollectAndCompare(c, strings.NewReader(expected),
			"kviews_graph_version",
			"kviews_domain_packets_processed_total",
			"kviews_node_rows",
			"kviews_node_faulted",
		)
		assert.NoError(t, err)
	})

	t.Run("count", func(t *testing.T) {
		c := NewCollector(src, time.Second)
		// version, four domain counters, two row gauges, two fault gauges
		assert.Equal(t, 9, testutil.CollectAndCount(c))
	})

	t.Run("source error", func(t *testing.T) {
		c := NewCollector(staticSource{err: errors.New("boom")}, time.Second)
		_, err := testutil.CollectAndLint(c)
		assert.Error(t, err)
	})
}

func TestCollectorWithController(t *testing.T) {
	ctx := context.Background()
	c, err := kviews.New(kviews.WithTickInterval(5 * time.Millisecond))
	assert.NoError(t, err)
	assert.NoError(t, c.Start(ctx))
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Migrate(ctx, func(m *kviews.Migration) error {
		users, err := m.AddBase("users", []string{"id", "name"})
		if err != nil {
			return err
		}
		count, err := m.AddNode("user_count", []string{"id", "count"}, &kprocessor.Aggregate{
			Parent: users,
			Group:  []int{0},
			Func:   kprocessor.Count,
		})
		if err != nil {
			return err
		}
		_, err = m.Maintain("count_by_id", count, 0)
		return err
	})
	assert.NoError(t, err)
	assert.NoError(t, c.Insert(ctx, "users", krow.MustRow(1, "a")))
	assert.NoError(t, c.Sync(ctx))

	col := NewCollector(c, time.Second)
	expected := `
# HELP kviews_graph_version Version of the committed graph.
# TYPE kviews_graph_version gauge
kviews_graph_version 1
`
	assert.NoError(t, testutil.CollectAndCompare(col, strings.NewReader(expected), "kviews_graph_version"))
	assert.Equal(t, 3, testutil.CollectAndCount(col, "kviews_node_faulted"))
}
