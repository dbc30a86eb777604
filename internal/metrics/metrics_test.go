package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"marzbot/internal/broadcast"
)

// sample returns the value of the first series named name whose labels
// include want.
func sample(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !hasLabels(m, want) {
				continue
			}
			switch {
			case m.Counter != nil:
				return m.Counter.GetValue()
			case m.Gauge != nil:
				return m.Gauge.GetValue()
			case m.Histogram != nil:
				return float64(m.Histogram.GetSampleCount())
			}
		}
	}
	t.Fatalf("series %s%v not found", name, want)
	return 0
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestHooksUpdateInstruments(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)
	h := m.Hooks()

	h.OnEnqueued()
	h.OnDelivered()
	h.OnDelivered()
	h.OnFailed()
	h.OnNoChannel()
	h.OnPending(4)
	h.OnDirectory(12)
	h.OnPurged(3)
	h.OnPass(broadcast.PassCompleted, 2*time.Second)
	h.OnPass(broadcast.PassDirectoryError, 0)

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"marzbot_broadcasts_enqueued_total", nil, 1},
		{"marzbot_broadcast_recipients_total", map[string]string{"outcome": "delivered"}, 2},
		{"marzbot_broadcast_recipients_total", map[string]string{"outcome": "failed"}, 1},
		{"marzbot_broadcast_recipients_total", map[string]string{"outcome": "no_channel"}, 1},
		{"marzbot_broadcast_pending_items", nil, 4},
		{"marzbot_directory_users", nil, 12},
		{"marzbot_broadcast_purged_total", nil, 3},
		{"marzbot_broadcast_passes_total", map[string]string{"result": broadcast.PassDirectoryError}, 1},
		{"marzbot_broadcast_pass_seconds", nil, 1},
	}
	for _, tt := range tests {
		if got := sample(t, reg, tt.name, tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestNilMetricsHooksAreEmpty(t *testing.T) {
	t.Parallel()
	var m *Metrics
	h := m.Hooks()
	if h.OnDelivered != nil || h.OnPass != nil {
		t.Fatal("nil metrics should produce empty hooks")
	}
}
