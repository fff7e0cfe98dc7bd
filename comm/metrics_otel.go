package comm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter       metric.Meter
	posted      metric.Int64Counter
	established metric.Int64Counter
	invalidated metric.Int64Counter
	rejected    metric.Int64Counter
	evicted     metric.Int64Counter
	acked       metric.Int64Counter
	ready       metric.Int64Counter
	sent        metric.Int64Counter
	received    metric.Int64Counter
	rounds      metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter
// measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/gacomm-go/comm"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&o.posted, "gacomm.connection.posted", "Connection requests written into a peer queue"},
		{&o.established, "gacomm.connection.established", "Completed connection handshakes"},
		{&o.invalidated, "gacomm.connection.invalidated", "Connection requests evicted by the peer and retried"},
		{&o.rejected, "gacomm.connection.rejected", "Connection handshakes refused for mismatched parameters"},
		{&o.evicted, "gacomm.queue.evicted", "Stale requests evicted from a local queue"},
		{&o.acked, "gacomm.segment.acked", "Segments transferred by a source"},
		{&o.ready, "gacomm.segment.ready", "Segments released by a destination"},
		{&o.sent, "gacomm.message.sent", "Channel messages fully staged"},
		{&o.received, "gacomm.message.received", "Channel messages delivered to a receive"},
		{&o.rounds, "gacomm.progress.rounds", "Progress engine rounds"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// ConnectionPosted records a request written into a peer queue.
func (o *OTelMetrics) ConnectionPosted(attrs map[string]string) {
	o.add(o.posted, attrs)
}

// ConnectionEstablished records a completed handshake.
func (o *OTelMetrics) ConnectionEstablished(attrs map[string]string) {
	o.add(o.established, attrs)
}

// ConnectionInvalidated records a request the peer evicted.
func (o *OTelMetrics) ConnectionInvalidated(attrs map[string]string) {
	o.add(o.invalidated, attrs)
}

// ConnectionRejected records a refused handshake.
func (o *OTelMetrics) ConnectionRejected(err error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelOutcome, rejectionOutcome(err)))
	o.rejected.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// RequestEvicted records an eviction from a local queue.
func (o *OTelMetrics) RequestEvicted(attrs map[string]string) {
	o.add(o.evicted, attrs)
}

func (o *OTelMetrics) SegmentAcked(attrs map[string]string) {
	o.add(o.acked, attrs)
}

func (o *OTelMetrics) SegmentReady(attrs map[string]string) {
	o.add(o.ready, attrs)
}

func (o *OTelMetrics) MessageSent(attrs map[string]string) {
	o.add(o.sent, attrs)
}

func (o *OTelMetrics) MessageReceived(attrs map[string]string) {
	o.add(o.received, attrs)
}

func (o *OTelMetrics) ProgressRound(attrs map[string]string) {
	o.add(o.rounds, attrs)
}

func (o *OTelMetrics) add(counter metric.Int64Counter, attrs map[string]string) {
	counter.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelWorld, attrs[labelWorld]),
		attribute.String(labelRank, attrs[labelRank]),
	}
	for _, key := range []string{labelKind, labelPeer} {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}
