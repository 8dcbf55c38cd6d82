// Package kmetrics exports controller statistics as Prometheus metrics.
package kmetrics

import (
	"context"
	"strconv"
	"time"

	"github.com/birdayz/kviews"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kviews"

// Source provides statistics snapshots. *kviews.Controller implements it.
type Source interface {
	Statistics(ctx context.Context) (kviews.Statistics, error)
}

// Collector polls a Source on every scrape.
type Collector struct {
	src     Source
	timeout time.Duration

	version          *prometheus.Desc
	packetsProcessed *prometheus.Desc
	replaysRequested *prometheus.Desc
	replaysServed    *prometheus.Desc
	replaysTimedOut  *prometheus.Desc
	rows             *prometheus.Desc
	faulted          *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector that waits at most timeout for a snapshot.
func NewCollector(src Source, timeout time.Duration) *Collector {
	domain := []string{"domain"}
	node := []string{"domain", "node"}
	return &Collector{
		src:     src,
		timeout: timeout,
		version: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "graph", "version"),
			"Version of the committed graph.",
			nil, nil,
		),
		packetsProcessed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "domain", "packets_processed_total"),
			"Packets handled by the domain.",
			domain, nil,
		),
		replaysRequested: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "domain", "replays_requested_total"),
			"Replays requested by the domain.",
			domain, nil,
		),
		replaysServed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "domain", "replays_served_total"),
			"Replays served by the domain.",
			domain, nil,
		),
		replaysTimedOut: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "domain", "replays_timed_out_total"),
			"Replays that expired before completing.",
			domain, nil,
		),
		rows: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "node", "rows"),
			"Rows held in a node state slot.",
			append(node, "slot"), nil,
		),
		faulted: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "node", "faulted"),
			"1 if the node stopped on an invariant violation.",
			node, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.version
	ch <- c.packetsProcessed
	ch <- c.replaysRequested
	ch <- c.replaysServed
	ch <- c.replaysTimedOut
	ch <- c.rows
	ch <- c.faulted
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stats, err := c.src.Statistics(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.version, err)
		return
	}

	ch <- prometheus.MustNewConstMetric(c.version, prometheus.GaugeValue, float64(stats.Version))
	for _, d := range stats.Domains {
		domain := d.Domain.String()
		ch <- prometheus.MustNewConstMetric(c.packetsProcessed, prometheus.CounterValue, float64(d.PacketsProcessed), domain)
		ch <- prometheus.MustNewConstMetric(c.replaysRequested, prometheus.CounterValue, float64(d.ReplaysRequested), domain)
		ch <- prometheus.MustNewConstMetric(c.replaysServed, prometheus.CounterValue, float64(d.ReplaysServed), domain)
		ch <- prometheus.MustNewConstMetric(c.replaysTimedOut, prometheus.CounterValue, float64(d.ReplaysTimedOut), domain)

		for _, n := range d.Nodes {
			for slot, rows := range n.Rows {
				ch <- prometheus.MustNewConstMetric(c.rows, prometheus.GaugeValue, float64(rows), domain, n.Name, strconv.Itoa(int(slot)))
			}
			var faulted float64
			if n.Faulted {
				faulted = 1
			}
			ch <- prometheus.MustNewConstMetric(c.faulted, prometheus.GaugeValue, faulted, domain, n.Name)
		}
	}
}
