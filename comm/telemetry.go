package comm

import (
	"fmt"
	"strconv"
	"strings"
)

// Logger provides printf-style debug logging hooks for the progress engine.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap blocking calls.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records the lifecycle, events, and errors of one blocking call.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures protocol telemetry events.
type MetricHook interface {
	ConnectionPosted(attrs map[string]string)
	ConnectionEstablished(attrs map[string]string)
	ConnectionInvalidated(attrs map[string]string)
	ConnectionRejected(err error, attrs map[string]string)
	RequestEvicted(attrs map[string]string)
	SegmentAcked(attrs map[string]string)
	SegmentReady(attrs map[string]string)
	MessageSent(attrs map[string]string)
	MessageReceived(attrs map[string]string)
	ProgressRound(attrs map[string]string)
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (p *Process) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+2)
	attrs[labelWorld] = p.proc.WorldID()
	attrs[labelRank] = strconv.Itoa(p.proc.Rank())
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (p *Process) logEvent(event string, fields ...logField) {
	if p == nil {
		return
	}
	if p.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+4)
		kv = append(kv, "event", event, labelRank, p.proc.Rank())
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		p.structuredLogger.Debugw("gacomm progress", kv...)
		return
	}
	if p.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	p.logger.Debugf("gacomm rank %d %s", p.proc.Rank(), b.String())
}

func (p *Process) metric(emit func(MetricHook, map[string]string), fields ...logField) {
	if p == nil || p.metrics == nil {
		return
	}
	emit(p.metrics, p.metricAttrs(fields...))
}

func (p *Process) startSpan(name string, fields ...logField) Span {
	if p == nil || p.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "gacomm"},
		{Key: labelWorld, Value: p.proc.WorldID()},
		{Key: labelRank, Value: p.proc.Rank()},
	}
	attrs = append(attrs, attributesFromFields(fields...)...)
	return p.tracer.StartSpan(name, attrs...)
}

func finishSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
