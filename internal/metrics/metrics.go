// Package metrics exposes Prometheus instrumentation for the hub session.
// All methods are nil-receiver safe so instrumentation stays optional.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for one hub client.
type Metrics struct {
	framesReceived *prometheus.CounterVec
	framesSent     prometheus.Counter
	reconnects     prometheus.Counter
	commands       *prometheus.CounterVec
	commandSeconds prometheus.Histogram
	snapshotSize   prometheus.Gauge
	snapshotAge    prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casahub_frames_received_total",
			Help: "Frames received from the hub, by frame type.",
		}, []string{"type"}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casahub_frames_sent_total",
			Help: "Frames sent to the hub.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casahub_reconnect_attempts_total",
			Help: "Automatic reconnect attempts.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casahub_commands_total",
			Help: "Service calls issued, by outcome.",
		}, []string{"domain", "status"}),
		commandSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "casahub_command_duration_seconds",
			Help:    "Latency of correlated service calls.",
			Buckets: prometheus.DefBuckets,
		}),
		snapshotSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "casahub_snapshot_entities",
			Help: "Entity count in the last applied snapshot.",
		}),
		snapshotAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "casahub_snapshot_refreshed_timestamp_seconds",
			Help: "Unix time of the last applied snapshot.",
		}),
	}
	reg.MustRegister(
		m.framesReceived, m.framesSent, m.reconnects,
		m.commands, m.commandSeconds,
		m.snapshotSize, m.snapshotAge,
	)
	return m
}

// FrameReceived counts one inbound frame.
func (m *Metrics) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

// FrameSent counts one outbound frame.
func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.framesSent.Inc()
}

// Reconnect counts one automatic reconnect attempt.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// Command records one service-call outcome.
func (m *Metrics) Command(domain, status string, seconds float64) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(domain, status).Inc()
	m.commandSeconds.Observe(seconds)
}

// Snapshot records an applied mirror snapshot.
func (m *Metrics) Snapshot(entities int, unixSeconds float64) {
	if m == nil {
		return
	}
	m.snapshotSize.Set(float64(entities))
	m.snapshotAge.Set(unixSeconds)
}
