package nodetab

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	descNodes = prometheus.NewDesc(
		"nodetab_nodes",
		"Number of node records, including records waiting for deletion.",
		nil, nil,
	)
	descDists = prometheus.NewDesc(
		"nodetab_dist_entries",
		"Number of dist entries by classification.",
		[]string{"class"}, nil,
	)
	descHandles = prometheus.NewDesc(
		"nodetab_handles",
		"Number of live dist entry handles.",
		nil, nil,
	)
	descGCPending = prometheus.NewDesc(
		"nodetab_gc_pending",
		"Deletion attempts waiting for their grace period.",
		nil, nil,
	)
	descGCReclaimed = prometheus.NewDesc(
		"nodetab_gc_reclaimed_total",
		"Records deleted by the reclaimer.",
		nil, nil,
	)
	descGCRevived = prometheus.NewDesc(
		"nodetab_gc_revived_total",
		"Deletion attempts that found their record referenced again.",
		nil, nil,
	)
	descQueueBytes = prometheus.NewDesc(
		"nodetab_dist_queue_bytes",
		"Bytes queued for transmission per peer.",
		[]string{"peer"}, nil,
	)
	descInBytes = prometheus.NewDesc(
		"nodetab_dist_in_bytes_total",
		"Bytes received per peer.",
		[]string{"peer"}, nil,
	)
	descOutBytes = prometheus.NewDesc(
		"nodetab_dist_out_bytes_total",
		"Bytes transmitted per peer.",
		[]string{"peer"}, nil,
	)
)

type collector struct {
	r *Registry
}

var _ prometheus.Collector = &collector{}

// NewCollector exposes the registry counters to Prometheus. Per peer series
// are only reported for connected entries.
func NewCollector(r *Registry) prometheus.Collector {
	return &collector{r: r}
}

// Describe implements the prometheus.Collector interface.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descNodes
	ch <- descDists
	ch <- descHandles
	ch <- descGCPending
	ch <- descGCReclaimed
	ch <- descGCRevived
	ch <- descQueueBytes
	ch <- descInBytes
	ch <- descOutBytes
}

// Collect implements the prometheus.Collector interface.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	info := c.r.Info()

	ch <- prometheus.MustNewConstMetric(descNodes, prometheus.GaugeValue, float64(info.Nodes))
	ch <- prometheus.MustNewConstMetric(descDists, prometheus.GaugeValue, float64(info.NotConnected), ClassNotConnected.String())
	ch <- prometheus.MustNewConstMetric(descDists, prometheus.GaugeValue, float64(info.Hidden), ClassHidden.String())
	ch <- prometheus.MustNewConstMetric(descDists, prometheus.GaugeValue, float64(info.Visible), ClassVisible.String())
	ch <- prometheus.MustNewConstMetric(descHandles, prometheus.GaugeValue, float64(info.Handles))
	ch <- prometheus.MustNewConstMetric(descGCPending, prometheus.GaugeValue, float64(info.PendingGC))
	ch <- prometheus.MustNewConstMetric(descGCReclaimed, prometheus.CounterValue, float64(info.Reclaimed))
	ch <- prometheus.MustNewConstMetric(descGCRevived, prometheus.CounterValue, float64(info.Revived))

	for _, d := range c.r.Dists() {
		if d.Status == 0 {
			continue
		}
		ch <- prometheus.MustNewConstMetric(descQueueBytes, prometheus.GaugeValue, float64(d.QueueSize), d.Name)
		ch <- prometheus.MustNewConstMetric(descInBytes, prometheus.CounterValue, float64(d.In), d.Name)
		ch <- prometheus.MustNewConstMetric(descOutBytes, prometheus.CounterValue, float64(d.Out), d.Name)
	}
}
