package prometheusmetrics

import (
	"github.com/coriger/rtbkit/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the counters of one or more StatsTables as a single counter family,
// rtb_events_total{stack="...",event="router.bid"}. Event names are open ended, so they are
// carried as a label rather than turned into metric names.
type Collector struct {
	desc   *prometheus.Desc
	tables map[string]*metrics.StatsTable
}

// NewCollector builds a collector over the given tables, keyed by stack name.
func NewCollector(namespace string, tables map[string]*metrics.StatsTable) *Collector {
	return &Collector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "events_total"),
			"Count of router, bidder interface and exchange events.",
			[]string{"stack", "event"},
			nil),
		tables: tables,
	}
}

// NewRegistry returns a registry holding only the collector.
func NewRegistry(namespace string, tables map[string]*metrics.StatsTable) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(namespace, tables))
	return registry
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for stack, table := range c.tables {
		for event, count := range table.Get() {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(count), stack, event)
		}
	}
}
