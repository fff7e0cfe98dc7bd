package comm

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	base := map[string]string{
		labelWorld: "w",
		labelRank:  "0",
		labelKind:  kindChannel,
		labelPeer:  "1",
	}
	metrics.ConnectionPosted(base)
	metrics.ConnectionEstablished(base)
	metrics.ConnectionInvalidated(base)
	metrics.ConnectionRejected(ConfigMismatchError{Peer: 1}, base)
	metrics.RequestEvicted(base)
	metrics.SegmentAcked(base)
	metrics.SegmentReady(base)
	metrics.MessageSent(base)
	metrics.MessageReceived(base)
	metrics.ProgressRound(base)
	metrics.ProgressRound(base)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	cases := map[string]float64{
		"gacomm_connections_posted_total":      1,
		"gacomm_connections_established_total": 1,
		"gacomm_connections_invalidated_total": 1,
		"gacomm_connections_rejected_total":    1,
		"gacomm_requests_evicted_total":        1,
		"gacomm_segments_acked_total":          1,
		"gacomm_segments_ready_total":          1,
		"gacomm_messages_sent_total":           1,
		"gacomm_messages_received_total":       1,
		"gacomm_progress_rounds_total":         2,
	}
	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
	if got := findLabelValue(mfs, "gacomm_connections_rejected_total", labelOutcome); got != "config_mismatch" {
		t.Fatalf("unexpected rejection outcome %q", got)
	}
}

func TestPrometheusMetricsReuseRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	second, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("second NewPrometheusMetrics: %v", err)
	}
	attrs := map[string]string{labelWorld: "w", labelRank: "0"}
	first.ProgressRound(attrs)
	second.ProgressRound(attrs)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findCounterValue(mfs, "gacomm_progress_rounds_total"); got != 2 {
		t.Fatalf("shared counter: got %v want 2", got)
	}
}

func TestPrometheusMetricsFromProcess(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	cfg := testConfig()
	cfg.Metrics = metrics
	procs := newTestProcesses(t, 2, cfg)
	tx, rx := newChannelPair(t, procs)

	s, err := tx.SendAsync([]byte("metered"))
	if err != nil {
		t.Fatalf("SendAsync: %v", err)
	}
	r, err := rx.ReceiveAsync(make([]byte, 16))
	if err != nil {
		t.Fatalf("ReceiveAsync: %v", err)
	}
	waitRequests(t, procs, s, r)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for name, want := range map[string]float64{
		"gacomm_connections_posted_total":      1,
		"gacomm_connections_established_total": 2,
		"gacomm_messages_sent_total":           1,
		"gacomm_messages_received_total":       1,
	} {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
	if got := findCounterValue(mfs, "gacomm_progress_rounds_total"); got < 1 {
		t.Fatalf("no progress rounds recorded")
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func findLabelValue(mfs []*dto.MetricFamily, name, label string) string {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label {
					return lp.GetValue()
				}
			}
		}
	}
	return ""
}
