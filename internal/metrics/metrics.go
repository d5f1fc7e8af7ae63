// Package metrics registers the execution core's Prometheus collectors:
// intent throughput, gate rejections, venue call latency, WAL write
// behavior, and reconcile outcomes, mirroring the teacher's
// infrastructure/metrics package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all collectors registered for one process.
type Metrics struct {
	IntentsReceived   *prometheus.CounterVec
	IntentsAdmitted   *prometheus.CounterVec
	IntentsRejected   *prometheus.CounterVec
	GateRejections    *prometheus.CounterVec
	VenueCalls        *prometheus.CounterVec
	VenueLatency      *prometheus.HistogramVec
	WalWrites         *prometheus.CounterVec
	WalWriteLatency   prometheus.Histogram
	WalBytesWritten   prometheus.Counter
	SnapshotCount     prometheus.Counter
	ReconcileRuns     *prometheus.CounterVec
	ReconcileDrift    prometheus.Gauge
	ModeTransitions   *prometheus.CounterVec
	CurrentMode       prometheus.Gauge
	OpenPositionCount prometheus.Gauge
	DailyPnL          prometheus.Gauge
	ScheduledJobRuns  *prometheus.CounterVec
}

// New creates and registers collectors against the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates and registers collectors against reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IntentsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execcore_intents_received_total",
			Help: "Total intents received on the intent bus.",
		}, []string{"symbol"}),
		IntentsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execcore_intents_admitted_total",
			Help: "Total intents that passed the gatekeeper and risk guard.",
		}, []string{"symbol"}),
		IntentsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execcore_intents_rejected_total",
			Help: "Total intents rejected, labeled by reject stage.",
		}, []string{"stage", "code"}),
		GateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execcore_gate_rejections_total",
			Help: "Total risk guard gate rejections by gate name.",
		}, []string{"gate"}),
		VenueCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execcore_venue_calls_total",
			Help: "Total venue adapter calls by venue, op, and outcome.",
		}, []string{"venue", "op", "outcome"}),
		VenueLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "execcore_venue_call_latency_seconds",
			Help:    "Venue adapter call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"venue", "op"}),
		WalWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execcore_wal_writes_total",
			Help: "Total WAL entries appended by kind.",
		}, []string{"kind"}),
		WalWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "execcore_wal_write_latency_seconds",
			Help:    "WAL append-to-fsync latency.",
			Buckets: prometheus.DefBuckets,
		}),
		WalBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execcore_wal_bytes_written_total",
			Help: "Total bytes appended to the WAL.",
		}),
		SnapshotCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execcore_wal_snapshots_total",
			Help: "Total WAL snapshots taken.",
		}),
		ReconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execcore_reconcile_runs_total",
			Help: "Total reconcile passes by venue and outcome.",
		}, []string{"venue", "outcome"}),
		ReconcileDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execcore_reconcile_drift_positions",
			Help: "Count of positions drifted from venue truth at the last reconcile.",
		}),
		ModeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execcore_mode_transitions_total",
			Help: "Total mode machine transitions by from/to state.",
		}, []string{"from", "to"}),
		CurrentMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execcore_current_mode",
			Help: "Current mode as an ordinal (0=Normal,1=Cautious,2=Defensive).",
		}),
		OpenPositionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execcore_open_position_count",
			Help: "Count of currently open positions in the shadow state.",
		}),
		DailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execcore_daily_pnl",
			Help: "Realized + unrealized PnL for the current trading day.",
		}),
		ScheduledJobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execcore_scheduled_job_runs_total",
			Help: "Total scheduler job runs by job name and outcome.",
		}, []string{"job", "outcome"}),
	}

	reg.MustRegister(
		m.IntentsReceived, m.IntentsAdmitted, m.IntentsRejected, m.GateRejections,
		m.VenueCalls, m.VenueLatency, m.WalWrites, m.WalWriteLatency, m.WalBytesWritten,
		m.SnapshotCount, m.ReconcileRuns, m.ReconcileDrift, m.ModeTransitions,
		m.CurrentMode, m.OpenPositionCount, m.DailyPnL, m.ScheduledJobRuns,
	)
	return m
}
