package comm

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	posted      *prometheus.CounterVec
	established *prometheus.CounterVec
	invalidated *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	evicted     *prometheus.CounterVec
	acked       *prometheus.CounterVec
	ready       *prometheus.CounterVec
	sent        *prometheus.CounterVec
	received    *prometheus.CounterVec
	rounds      *prometheus.CounterVec
}

var (
	connectionLabelKeys = []string{labelWorld, labelRank, labelKind, labelPeer}
	rejectionLabelKeys  = []string{labelWorld, labelRank, labelKind, labelPeer, labelOutcome}
	evictionLabelKeys   = []string{labelWorld, labelRank, labelKind}
	transferLabelKeys   = []string{labelWorld, labelRank, labelPeer}
	roundLabelKeys      = []string{labelWorld, labelRank}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
// Counters already registered with the same name are reused.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &PrometheusMetrics{}
	counters := []struct {
		dst  **prometheus.CounterVec
		name string
		help string
		keys []string
	}{
		{&p.posted, "gacomm_connections_posted_total", "Number of connection requests written into a peer queue", connectionLabelKeys},
		{&p.established, "gacomm_connections_established_total", "Number of completed connection handshakes", connectionLabelKeys},
		{&p.invalidated, "gacomm_connections_invalidated_total", "Number of connection requests evicted by the peer and retried", connectionLabelKeys},
		{&p.rejected, "gacomm_connections_rejected_total", "Number of connection handshakes refused for mismatched parameters", rejectionLabelKeys},
		{&p.evicted, "gacomm_requests_evicted_total", "Number of stale requests evicted from a local queue", evictionLabelKeys},
		{&p.acked, "gacomm_segments_acked_total", "Number of segments transferred by a source", transferLabelKeys},
		{&p.ready, "gacomm_segments_ready_total", "Number of segments released by a destination", transferLabelKeys},
		{&p.sent, "gacomm_messages_sent_total", "Number of channel messages fully staged", transferLabelKeys},
		{&p.received, "gacomm_messages_received_total", "Number of channel messages delivered to a receive", transferLabelKeys},
		{&p.rounds, "gacomm_progress_rounds_total", "Number of progress engine rounds", roundLabelKeys},
	}
	for _, c := range counters {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        c.name,
			Help:        c.help,
			ConstLabels: opts.ConstLabels,
		}, c.keys)
		registered, err := registerCounterVec(reg, vec)
		if err != nil {
			return nil, err
		}
		*c.dst = registered
	}
	return p, nil
}

func (p *PrometheusMetrics) ConnectionPosted(attrs map[string]string) {
	p.posted.With(labels(attrs, connectionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ConnectionEstablished(attrs map[string]string) {
	p.established.With(labels(attrs, connectionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ConnectionInvalidated(attrs map[string]string) {
	p.invalidated.With(labels(attrs, connectionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ConnectionRejected(err error, attrs map[string]string) {
	labs := labels(attrs, rejectionLabelKeys...)
	labs[labelOutcome] = rejectionOutcome(err)
	p.rejected.With(labs).Inc()
}

func (p *PrometheusMetrics) RequestEvicted(attrs map[string]string) {
	p.evicted.With(labels(attrs, evictionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SegmentAcked(attrs map[string]string) {
	p.acked.With(labels(attrs, transferLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SegmentReady(attrs map[string]string) {
	p.ready.With(labels(attrs, transferLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) MessageSent(attrs map[string]string) {
	p.sent.With(labels(attrs, transferLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) MessageReceived(attrs map[string]string) {
	p.received.With(labels(attrs, transferLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ProgressRound(attrs map[string]string) {
	p.rounds.With(labels(attrs, roundLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}

func rejectionOutcome(err error) string {
	if errors.Is(err, ErrConfigMismatch) {
		return "config_mismatch"
	}
	return "error"
}
