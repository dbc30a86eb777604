package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"marzbot/internal/broadcast"
)

// Metrics groups the Prometheus instruments of the delivery subsystem.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	Enqueued       prometheus.Counter
	Deliveries     *prometheus.CounterVec
	Passes         *prometheus.CounterVec
	PassDuration   prometheus.Histogram
	PendingItems   prometheus.Gauge
	PurgedItems    prometheus.Counter
	DirectoryUsers prometheus.Gauge
}

// New registers all instruments with reg. Tests pass a fresh
// prometheus.NewRegistry() to stay isolated.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marzbot",
			Name:      "broadcasts_enqueued_total",
			Help:      "Broadcast items written to the queue.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marzbot",
			Name:      "broadcast_recipients_total",
			Help:      "Recipients handled by delivery passes, by outcome (delivered, failed, no_channel).",
		}, []string{"outcome"}),
		Passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marzbot",
			Name:      "broadcast_passes_total",
			Help:      "Delivery passes per item, by result (completed, directory_error, cancelled).",
		}, []string{"result"}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "marzbot",
			Name:      "broadcast_pass_seconds",
			Help:      "Wall time of one fan-out pass over a single item.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		PendingItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "marzbot",
			Name:      "broadcast_pending_items",
			Help:      "Unprocessed items seen at the start of the last worker run.",
		}),
		PurgedItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marzbot",
			Name:      "broadcast_purged_total",
			Help:      "Items removed by the retention sweeper.",
		}),
		DirectoryUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "marzbot",
			Name:      "directory_users",
			Help:      "Users returned by the last directory fetch.",
		}),
	}

	reg.MustRegister(
		m.Enqueued,
		m.Deliveries,
		m.Passes,
		m.PassDuration,
		m.PendingItems,
		m.PurgedItems,
		m.DirectoryUsers,
	)
	return m
}

// Hooks adapts the instruments to the callbacks the broadcast package invokes.
func (m *Metrics) Hooks() broadcast.Hooks {
	if m == nil {
		return broadcast.Hooks{}
	}
	return broadcast.Hooks{
		OnEnqueued:  func() { m.Enqueued.Inc() },
		OnDelivered: func() { m.Deliveries.WithLabelValues("delivered").Inc() },
		OnFailed:    func() { m.Deliveries.WithLabelValues("failed").Inc() },
		OnNoChannel: func() { m.Deliveries.WithLabelValues("no_channel").Inc() },
		OnPending:   func(n int) { m.PendingItems.Set(float64(n)) },
		OnDirectory: func(n int) { m.DirectoryUsers.Set(float64(n)) },
		OnPurged:    func(n int) { m.PurgedItems.Add(float64(n)) },
		OnPass: func(result string, took time.Duration) {
			m.Passes.WithLabelValues(result).Inc()
			if result == broadcast.PassCompleted {
				m.PassDuration.Observe(took.Seconds())
			}
		},
	}
}
