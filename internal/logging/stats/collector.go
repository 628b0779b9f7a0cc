package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports snapshots from source as Prometheus metrics. Values are
// read at scrape time, so the collector never touches the writer goroutine.
type Collector struct {
	source func() Snapshot

	messagesSent      *prometheus.Desc
	messagesDiscarded *prometheus.Desc
	raceRetries       *prometheus.Desc
	unrecovered       *prometheus.Desc
	batchesSent       *prometheus.Desc
	lastErrorTime     *prometheus.Desc
}

func NewCollector(namespace string, constLabels prometheus.Labels, source func() Snapshot) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "writer", name), help, nil, constLabels)
	}
	return &Collector{
		source:            source,
		messagesSent:      desc("messages_sent_total", "Messages accepted by the destination"),
		messagesDiscarded: desc("messages_discarded_total", "Messages dropped by the queue or after unrecoverable errors"),
		raceRetries:       desc("race_retries_total", "Sends retried after a sequencing race"),
		unrecovered:       desc("unrecovered_race_retries_total", "Batches dropped after exhausting race retries"),
		batchesSent:       desc("batches_sent_total", "Successful send requests"),
		lastErrorTime:     desc("last_error_timestamp_seconds", "Unix time of the most recent error, 0 if none"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messagesSent
	ch <- c.messagesDiscarded
	ch <- c.raceRetries
	ch <- c.unrecovered
	ch <- c.batchesSent
	ch <- c.lastErrorTime
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source()
	ch <- prometheus.MustNewConstMetric(c.messagesSent, prometheus.CounterValue, float64(s.MessagesSent))
	ch <- prometheus.MustNewConstMetric(c.messagesDiscarded, prometheus.CounterValue, float64(s.MessagesDiscarded))
	ch <- prometheus.MustNewConstMetric(c.raceRetries, prometheus.CounterValue, float64(s.RaceRetries))
	ch <- prometheus.MustNewConstMetric(c.unrecovered, prometheus.CounterValue, float64(s.UnrecoveredRaceRetries))
	ch <- prometheus.MustNewConstMetric(c.batchesSent, prometheus.CounterValue, float64(s.BatchesSent))

	var ts float64
	if !s.LastErrorAt.IsZero() {
		ts = float64(s.LastErrorAt.UnixNano()) / 1e9
	}
	ch <- prometheus.MustNewConstMetric(c.lastErrorTime, prometheus.GaugeValue, ts)
}
