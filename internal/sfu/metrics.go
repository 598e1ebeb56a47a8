package sfu

import "github.com/prometheus/client_golang/prometheus"

// metricsCollector exposes snapshot counters as prometheus gauges. Gauges are
// computed at scrape time from ledger sizes, so scraping never perturbs
// worker assignment or session state.
type metricsCollector struct {
	stats *StatsCollector

	workers    *prometheus.Desc
	sessions   *prometheus.Desc
	users      *prometheus.Desc
	transports *prometheus.Desc
	producers  *prometheus.Desc
	consumers  *prometheus.Desc
}

func NewMetricsCollector(stats *StatsCollector) prometheus.Collector {
	return &metricsCollector{
		stats:      stats,
		workers:    prometheus.NewDesc("confbridge_workers", "Media workers in rotation.", nil, nil),
		sessions:   prometheus.NewDesc("confbridge_sessions", "Live sessions.", nil, nil),
		users:      prometheus.NewDesc("confbridge_session_users", "Users per session.", []string{"session"}, nil),
		transports: prometheus.NewDesc("confbridge_session_transports", "Transports per session.", []string{"session"}, nil),
		producers:  prometheus.NewDesc("confbridge_session_producers", "Producers per session.", []string{"session"}, nil),
		consumers:  prometheus.NewDesc("confbridge_session_consumers", "Consumers per session.", []string{"session"}, nil),
	}
}

func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.workers
	ch <- c.sessions
	ch <- c.users
	ch <- c.transports
	ch <- c.producers
	ch <- c.consumers
}

func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(snap.WorkerCount))
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(snap.SessionCount))
	for _, s := range snap.PerSession {
		sid := string(s.SessionID)
		ch <- prometheus.MustNewConstMetric(c.users, prometheus.GaugeValue, float64(s.UserCount), sid)
		ch <- prometheus.MustNewConstMetric(c.transports, prometheus.GaugeValue, float64(s.TransportCount), sid)
		ch <- prometheus.MustNewConstMetric(c.producers, prometheus.GaugeValue, float64(s.ProducerCount), sid)
		ch <- prometheus.MustNewConstMetric(c.consumers, prometheus.GaugeValue, float64(s.ConsumerCount), sid)
	}
}
