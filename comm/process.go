package comm

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rocketbitz/gacomm-go/ga"
	"github.com/rocketbitz/gacomm-go/internal/arena"
	"github.com/rocketbitz/gacomm-go/internal/rendezvous"
	"github.com/rocketbitz/gacomm-go/internal/wire"
)

// channelRegionPoolCapacity bounds the freed channel regions kept for reuse per
// direction.
const channelRegionPoolCapacity = 8

// Process is the messaging layer of one rank. Every blocking call drives the
// progress engine; nothing advances between calls.
type Process struct {
	cfg    Config
	proc   *ga.Process
	layout wire.Bootstrap
	lock   locker
	closed atomic.Bool

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            processStats

	// scratch receives the previous values of server-side swaps.
	scratch *ga.Region

	// Every channel of a process shares one parameter set, so freed channel
	// regions are recycled by direction. Channels release a region only once the
	// peer can no longer write to it.
	sendRegions *ga.RegionPool
	recvRegions *ga.RegionPool

	segScanner *rendezvous.Scanner
	chScanner  *rendezvous.Scanner

	conns    *arena.Arena[connRecord]
	requests *arena.Arena[*Request]

	segOutbound *rendezvous.PeerQueues[arena.Handle]
	segAccepts  *rendezvous.PeerQueues[arena.Handle]
	segWaiting  *rendezvous.PeerQueues[ga.Address]
	chOutbound  *rendezvous.PeerQueues[arena.Handle]
	chAccepts   *rendezvous.PeerQueues[arena.Handle]

	segbufs  []*SegmentedBuffer
	channels []*Channel
}

// Stats contains counters for protocol activity.
type Stats struct {
	ConnectionsPosted      uint64
	ConnectionsEstablished uint64
	ConnectionsInvalidated uint64
	ConnectionsRejected    uint64
	RequestsEvicted        uint64
	SegmentsAcked          uint64
	SegmentsReady          uint64
	MessagesSent           uint64
	MessagesReceived       uint64
	ProgressRounds         uint64
}

type processStats struct {
	posted      atomic.Uint64
	established atomic.Uint64
	invalidated atomic.Uint64
	rejected    atomic.Uint64
	evicted     atomic.Uint64
	acked       atomic.Uint64
	ready       atomic.Uint64
	sent        atomic.Uint64
	received    atomic.Uint64
	rounds      atomic.Uint64
}

// Open attaches the messaging layer to proc. Every rank of the world must open
// with the same queue capacities.
func Open(proc *ga.Process, cfg Config) (*Process, error) {
	if proc == nil {
		return nil, ga.ErrInvalidHandle{Resource: "process"}
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layout, err := wire.NewBootstrap(cfg.SegmentQueueCapacity, cfg.ChannelQueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("gacomm: bootstrap layout: %w", err)
	}
	boot := proc.Bootstrap()
	if uint64(boot.Size()) < layout.Size() {
		return nil, fmt.Errorf("gacomm: bootstrap region holds %d bytes, layout needs %d", boot.Size(), layout.Size())
	}
	segScanner, err := rendezvous.NewScanner(boot, layout.Segment, true)
	if err != nil {
		return nil, fmt.Errorf("gacomm: segment queue: %w", err)
	}
	chScanner, err := rendezvous.NewScanner(boot, layout.Channel, false)
	if err != nil {
		return nil, fmt.Errorf("gacomm: channel queue: %w", err)
	}
	wp := cfg.ChannelParams().toWire()
	if err := wp.Validate(); err != nil {
		return nil, fmt.Errorf("gacomm: channel parameters: %w", err)
	}
	sendRegions, err := ga.NewRegionPool(proc, wire.Sender{ChannelParams: wp}.Size(), channelRegionPoolCapacity)
	if err != nil {
		return nil, fmt.Errorf("gacomm: send region pool: %w", err)
	}
	recvRegions, err := ga.NewRegionPool(proc, wire.Receiver{ChannelParams: wp}.Size(), channelRegionPoolCapacity)
	if err != nil {
		return nil, fmt.Errorf("gacomm: receive region pool: %w", err)
	}
	scratch, err := proc.Register(wire.WordSize)
	if err != nil {
		return nil, fmt.Errorf("gacomm: register scratch: %w", err)
	}

	p := &Process{
		cfg:              cfg,
		proc:             proc,
		layout:           layout,
		lock:             newLocker(cfg.ThreadMode),
		logger:           cfg.Logger,
		structuredLogger: cfg.StructuredLogger,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
		scratch:          scratch,
		sendRegions:      sendRegions,
		recvRegions:      recvRegions,
		segScanner:       segScanner,
		chScanner:        chScanner,
		conns:            arena.New[connRecord]("connection records", cfg.MaxPendingConnections),
		requests:         arena.New[*Request]("requests", cfg.MaxRequests),
		segOutbound:      rendezvous.NewPeerQueues[arena.Handle](),
		segAccepts:       rendezvous.NewPeerQueues[arena.Handle](),
		segWaiting:       rendezvous.NewPeerQueues[ga.Address](),
		chOutbound:       rendezvous.NewPeerQueues[arena.Handle](),
		chAccepts:        rendezvous.NewPeerQueues[arena.Handle](),
	}
	p.logEvent("open",
		logKV("segment_queue_capacity", cfg.SegmentQueueCapacity),
		logKV("channel_queue_capacity", cfg.ChannelQueueCapacity),
		logKV("thread_mode", cfg.ThreadMode),
	)
	return p, nil
}

// Rank returns the rank of the underlying process.
func (p *Process) Rank() int {
	return p.proc.Rank()
}

// Size returns the number of ranks in the world.
func (p *Process) Size() int {
	return p.proc.Size()
}

// Substrate exposes the underlying one-sided process.
func (p *Process) Substrate() *ga.Process {
	return p.proc
}

// Config returns the effective configuration.
func (p *Process) Config() Config {
	return p.cfg
}

// Close releases the process bookkeeping. Endpoints should be freed first;
// endpoints still open are abandoned.
func (p *Process) Close() error {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.sendRegions.Close()
	p.recvRegions.Close()
	err := p.proc.Deregister(p.scratch)
	p.logEvent("close",
		logKV("segmented_buffers", len(p.segbufs)),
		logKV("channels", len(p.channels)),
	)
	return err
}

// Stats returns a snapshot of process counters.
func (p *Process) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	return Stats{
		ConnectionsPosted:      p.stats.posted.Load(),
		ConnectionsEstablished: p.stats.established.Load(),
		ConnectionsInvalidated: p.stats.invalidated.Load(),
		ConnectionsRejected:    p.stats.rejected.Load(),
		RequestsEvicted:        p.stats.evicted.Load(),
		SegmentsAcked:          p.stats.acked.Load(),
		SegmentsReady:          p.stats.ready.Load(),
		MessagesSent:           p.stats.sent.Load(),
		MessagesReceived:       p.stats.received.Load(),
		ProgressRounds:         p.stats.rounds.Load(),
	}
}

// Progress performs one round of protocol work: outbound connection attempts,
// queue maintenance, data transfer, then inbound connection scans. It never
// blocks.
func (p *Process) Progress() error {
	if err := p.ensureOpen(); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.progressLocked()
}

func (p *Process) progressLocked() error {
	if err := p.proc.EngineError(); err != nil {
		return fmt.Errorf("gacomm: substrate failure: %w", err)
	}
	p.stats.rounds.Add(1)
	steps := []struct {
		name string
		run  func() error
	}{
		{"segment attempts", p.progressSegmentAttempts},
		{"channel attempts", p.progressChannelAttempts},
		{"queue maintenance", p.maintainQueues},
		{"segment transfers", p.progressSegmentTransfers},
		{"channel transfers", p.progressChannelTransfers},
		{"segment scan", p.scanSegmentQueue},
		{"channel scan", p.scanChannelQueue},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			p.logEvent("progress_error", logKV("step", step.name), logKV("error", err))
			return fmt.Errorf("gacomm: %s: %w", step.name, err)
		}
	}
	p.metric(MetricHook.ProgressRound)
	return nil
}

func (p *Process) maintainQueues() error {
	segRes, err := p.segScanner.Maintain(segmentHandler{p})
	if err != nil {
		return err
	}
	p.recordMaintenance(kindSegment, segRes)
	chRes, err := p.chScanner.Maintain(channelHandler{p})
	if err != nil {
		return err
	}
	p.recordMaintenance(kindChannel, chRes)
	return nil
}

func (p *Process) recordMaintenance(kind string, res rendezvous.MaintainResult) {
	if res.Compacted > 0 {
		p.logEvent("queue_compacted", logKV(labelKind, kind), logKV("advanced", res.Advanced), logKV("live", res.Compacted))
	}
	if res.Evicted {
		p.stats.evicted.Add(1)
		p.logEvent("request_evicted", logKV(labelKind, kind))
		p.metric(MetricHook.RequestEvicted, logKV(labelKind, kind))
	}
}

// poll drives progress until cond reports completion, ctx ends, or progress
// fails. cond runs under the process lock after each round.
func (p *Process) poll(ctx context.Context, cond func() (bool, error)) error {
	ctx, cancel := p.operationContext(ctx)
	defer cancel()
	backoff := time.Microsecond
	for spins := 0; ; spins++ {
		if err := p.ensureOpen(); err != nil {
			return err
		}
		p.lock.Lock()
		err := p.progressLocked()
		done := false
		if err == nil {
			done, err = cond()
		}
		p.lock.Unlock()
		if err != nil || done {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if spins < 128 {
			runtime.Gosched()
			continue
		}
		time.Sleep(backoff)
		if backoff < 200*time.Microsecond {
			backoff *= 2
		}
	}
}

// step runs one progress round followed by cond, for non-blocking tests.
func (p *Process) step(cond func() (bool, error)) (bool, error) {
	if err := p.ensureOpen(); err != nil {
		return false, err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if err := p.progressLocked(); err != nil {
		return false, err
	}
	return cond()
}

func (p *Process) ensureOpen() error {
	if p == nil || p.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (p *Process) checkPeer(peer int) error {
	if peer < 0 || peer >= p.proc.Size() {
		return fmt.Errorf("%w: %d (world size %d)", ErrInvalidPeer, peer, p.proc.Size())
	}
	return nil
}

func (p *Process) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := p.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx, func() {}
		}
		if timeout <= 0 || remaining < timeout {
			return ctx, func() {}
		}
		timeout = remaining
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// locker guards the per-process bookkeeping. Remote one-sided operations are
// ordered by completion handles, not by this lock.
type locker interface {
	Lock()
	Unlock()
}

func newLocker(mode ThreadMode) locker {
	if mode == ThreadMultiple {
		return &spinLock{}
	}
	return noLock{}
}

type noLock struct{}

func (noLock) Lock()   {}
func (noLock) Unlock() {}

type spinLock struct {
	held atomic.Bool
}

func (l *spinLock) Lock() {
	for !l.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (l *spinLock) Unlock() {
	l.held.Store(false)
}
