package comm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/gacomm-go/ga"
)

const maxRounds = 10000

func testConfig() Config {
	return Config{
		SegmentQueueCapacity: 4,
		ChannelQueueCapacity: 4,
		PayloadCapacity:      8,
		ReceiveWindow:        2,
		SendWindow:           2,
		Timeout:              10 * time.Second,
	}
}

// newTestProcesses opens one Process per rank of a synchronous world. Every
// rank gets cfg unless overridden by cfgs.
func newTestProcesses(t *testing.T, ranks int, cfg Config, cfgs ...func(rank int, cfg *Config)) []*Process {
	t.Helper()
	w, err := ga.NewWorld(ga.WithRanks(ranks), ga.WithSynchronous())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	procs := make([]*Process, ranks)
	for rank := range ranks {
		c := cfg
		for _, adjust := range cfgs {
			adjust(rank, &c)
		}
		p, err := Open(w.Process(rank), c)
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Close() })
		procs[rank] = p
	}
	return procs
}

// driveUntil runs progress rounds on every process in turn until done reports
// true.
func driveUntil(t *testing.T, procs []*Process, done func() bool) {
	t.Helper()
	for range maxRounds {
		if done() {
			return
		}
		for _, p := range procs {
			require.NoError(t, p.Progress())
		}
	}
	t.Fatalf("condition not reached after %d rounds", maxRounds)
}

func connectSegments(t *testing.T, procs []*Process, bufs ...*SegmentedBuffer) {
	t.Helper()
	for _, b := range bufs {
		require.NoError(t, b.ConnectAsync())
	}
	driveUntil(t, procs, func() bool {
		for _, b := range bufs {
			if b.state != segConnected {
				return false
			}
		}
		return true
	})
}

func connectChannels(t *testing.T, procs []*Process, chans ...*Channel) {
	t.Helper()
	for _, c := range chans {
		require.NoError(t, c.ConnectAsync())
	}
	driveUntil(t, procs, func() bool {
		for _, c := range chans {
			if c.state != ChannelConnected {
				return false
			}
		}
		return true
	})
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core).Sugar(), logs
}

func hasLogEvent(logs *observer.ObservedLogs, event string) bool {
	for _, entry := range logs.All() {
		if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
			return true
		}
	}
	return false
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

type metricRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{counts: map[string]int{}}
}

func (m *metricRecorder) inc(name string) {
	m.mu.Lock()
	m.counts[name]++
	m.mu.Unlock()
}

func (m *metricRecorder) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

func (m *metricRecorder) ConnectionPosted(_ map[string]string)      { m.inc("posted") }
func (m *metricRecorder) ConnectionEstablished(_ map[string]string) { m.inc("established") }
func (m *metricRecorder) ConnectionInvalidated(_ map[string]string) { m.inc("invalidated") }
func (m *metricRecorder) ConnectionRejected(_ error, _ map[string]string) {
	m.inc("rejected")
}
func (m *metricRecorder) RequestEvicted(_ map[string]string)  { m.inc("evicted") }
func (m *metricRecorder) SegmentAcked(_ map[string]string)    { m.inc("acked") }
func (m *metricRecorder) SegmentReady(_ map[string]string)    { m.inc("ready") }
func (m *metricRecorder) MessageSent(_ map[string]string)     { m.inc("sent") }
func (m *metricRecorder) MessageReceived(_ map[string]string) { m.inc("received") }
func (m *metricRecorder) ProgressRound(_ map[string]string)   { m.inc("rounds") }
