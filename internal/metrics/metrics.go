// Package metrics exposes famcall runtime state as Prometheus metrics.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/famcall/famcall/internal/queue"
	"github.com/famcall/famcall/internal/recorder"
	"github.com/famcall/famcall/internal/signal"
)

// RelayStatsProvider exposes the signal relay's in-memory footprint.
type RelayStatsProvider interface {
	Stats() signal.Stats
}

// QueueStatusProvider exposes recording admission capacity.
type QueueStatusProvider interface {
	Status() queue.Status
}

// RecorderStatsProvider exposes live capture session counts.
type RecorderStatsProvider interface {
	Stats() recorder.Stats
}

// CallCounter returns call counts grouped by lifecycle status.
type CallCounter interface {
	CountCallsByStatus(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers famcall metrics at
// scrape time.
type Collector struct {
	relay     RelayStatsProvider
	queue     QueueStatusProvider
	recorder  RecorderStatsProvider
	calls     CallCounter
	startTime time.Time

	// Metric descriptors.
	signalCallsDesc      *prometheus.Desc
	signalMailboxesDesc  *prometheus.Desc
	signalMessagesDesc   *prometheus.Desc
	queueLengthDesc      *prometheus.Desc
	queueActiveDesc      *prometheus.Desc
	queueCapacityDesc    *prometheus.Desc
	recorderSessionsDesc *prometheus.Desc
	recorderStoppingDesc *prometheus.Desc
	callsTotalDesc       *prometheus.Desc
	uptimeDesc           *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil
// if unavailable.
func NewCollector(
	relay RelayStatsProvider,
	q QueueStatusProvider,
	rec RecorderStatsProvider,
	calls CallCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		relay:     relay,
		queue:     q,
		recorder:  rec,
		calls:     calls,
		startTime: startTime,

		signalCallsDesc: prometheus.NewDesc(
			"famcall_signal_calls",
			"Number of calls with live signaling mailboxes",
			nil, nil,
		),
		signalMailboxesDesc: prometheus.NewDesc(
			"famcall_signal_mailboxes",
			"Number of per-peer signaling mailboxes held in memory",
			nil, nil,
		),
		signalMessagesDesc: prometheus.NewDesc(
			"famcall_signal_messages_pending",
			"Signaling messages deposited but not yet drained",
			nil, nil,
		),
		queueLengthDesc: prometheus.NewDesc(
			"famcall_recording_queue_length",
			"Users waiting for a recorder slot",
			nil, nil,
		),
		queueActiveDesc: prometheus.NewDesc(
			"famcall_recording_slots_active",
			"Recorder slots taken or reserved",
			nil, nil,
		),
		queueCapacityDesc: prometheus.NewDesc(
			"famcall_recording_slots_max",
			"Configured recorder slot capacity",
			nil, nil,
		),
		recorderSessionsDesc: prometheus.NewDesc(
			"famcall_recorder_sessions",
			"Live capture sessions on the recorder farm",
			nil, nil,
		),
		recorderStoppingDesc: prometheus.NewDesc(
			"famcall_recorder_sessions_stopping",
			"Capture sessions stopped and awaiting artifact upload",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"famcall_calls_total",
			"Total number of calls by lifecycle status",
			[]string{"status"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"famcall_uptime_seconds",
			"Seconds since the famcall process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.signalCallsDesc
	ch <- c.signalMailboxesDesc
	ch <- c.signalMessagesDesc
	ch <- c.queueLengthDesc
	ch <- c.queueActiveDesc
	ch <- c.queueCapacityDesc
	ch <- c.recorderSessionsDesc
	ch <- c.recorderStoppingDesc
	ch <- c.callsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.relay != nil {
		s := c.relay.Stats()
		ch <- prometheus.MustNewConstMetric(
			c.signalCallsDesc, prometheus.GaugeValue, float64(s.Calls))
		ch <- prometheus.MustNewConstMetric(
			c.signalMailboxesDesc, prometheus.GaugeValue, float64(s.Mailboxes))
		ch <- prometheus.MustNewConstMetric(
			c.signalMessagesDesc, prometheus.GaugeValue, float64(s.Messages))
	}

	if c.queue != nil {
		s := c.queue.Status()
		ch <- prometheus.MustNewConstMetric(
			c.queueLengthDesc, prometheus.GaugeValue, float64(s.QueueLength))
		ch <- prometheus.MustNewConstMetric(
			c.queueActiveDesc, prometheus.GaugeValue, float64(s.Active))
		ch <- prometheus.MustNewConstMetric(
			c.queueCapacityDesc, prometheus.GaugeValue, float64(s.Max))
	}

	if c.recorder != nil {
		s := c.recorder.Stats()
		ch <- prometheus.MustNewConstMetric(
			c.recorderSessionsDesc, prometheus.GaugeValue, float64(s.Sessions))
		ch <- prometheus.MustNewConstMetric(
			c.recorderStoppingDesc, prometheus.GaugeValue, float64(s.Stopping))
	}

	if c.calls != nil {
		counts, err := c.calls.CountCallsByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by status", "error", err)
		} else {
			for _, status := range []string{"ringing", "active", "missed", "ended"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[status]), status,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
