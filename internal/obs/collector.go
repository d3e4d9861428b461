package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sitesync"

var (
	queueActionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "actions_total"),
		"Offline queue mutations by action.",
		[]string{"action"}, nil,
	)
	queueSizeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "size"),
		"Entries waiting in the offline queue.",
		nil, nil,
	)
	transportEventsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "transport", "events_total"),
		"Transport notices by event.",
		[]string{"event"}, nil,
	)
	replaysDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "replay", "runs_total"),
		"Finished queue replays.",
		[]string{"outcome"}, nil,
	)
	replaySecondsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "replay", "duration_seconds_avg"),
		"Average queue replay duration.",
		nil, nil,
	)
)

// Collector exposes Metrics to Prometheus.
type Collector struct {
	m *Metrics
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector wraps m.
func NewCollector(m *Metrics) *Collector {
	return &Collector{m: m}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueActionsDesc
	ch <- queueSizeDesc
	ch <- transportEventsDesc
	ch <- replaysDesc
	ch <- replaySecondsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.m.Snapshot()
	for _, action := range queueActions {
		ch <- prometheus.MustNewConstMetric(queueActionsDesc, prometheus.CounterValue, float64(snap.QueueActions[action]), string(action))
	}
	ch <- prometheus.MustNewConstMetric(queueSizeDesc, prometheus.GaugeValue, float64(snap.QueueSize))
	for _, event := range transportEvents {
		ch <- prometheus.MustNewConstMetric(transportEventsDesc, prometheus.CounterValue, float64(snap.TransportEvents[event]), event.String())
	}
	ch <- prometheus.MustNewConstMetric(replaysDesc, prometheus.CounterValue, float64(snap.Replays-snap.ReplayAborts), "completed")
	ch <- prometheus.MustNewConstMetric(replaysDesc, prometheus.CounterValue, float64(snap.ReplayAborts), "aborted")
	ch <- prometheus.MustNewConstMetric(replaySecondsDesc, prometheus.GaugeValue, snap.ReplayLatency.Avg.Seconds())
}

// NewRegistry returns a registry holding the collector and the Go runtime
// collectors.
func NewRegistry(m *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(m))
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return reg
}
