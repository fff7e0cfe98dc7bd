package comm

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/rocketbitz/gacomm-go/ga"
	"github.com/rocketbitz/gacomm-go/internal/arena"
	"github.com/rocketbitz/gacomm-go/internal/rendezvous"
	"github.com/rocketbitz/gacomm-go/internal/wire"
)

// connRecord is a pending connection owned by the progress engine until the
// handshake completes.
type connRecord struct {
	peer int
	seg  *SegmentedBuffer
	ch   *Channel
}

// ConnectAsync starts the handshake with the peer. The source posts the
// address of its control block into the destination's segment queue; the
// destination waits for that entry to arrive.
func (b *SegmentedBuffer) ConnectAsync() error {
	p := b.p
	if err := p.ensureOpen(); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	return b.connectLocked()
}

func (b *SegmentedBuffer) connectLocked() error {
	p := b.p
	if b.state == segFreed {
		return ErrClosed
	}
	if b.state != segIdle {
		return fmt.Errorf("gacomm: segmented buffer already connecting or connected")
	}
	h, err := p.conns.Alloc(connRecord{peer: b.peer, seg: b})
	if err != nil {
		return fmt.Errorf("gacomm: segment connect: %w", err)
	}
	if b.role == RoleSource {
		scratch := rendezvous.Scratch{Region: b.ctrl, Head: wire.CtrlScratchHead, Ordinal: wire.CtrlScratchOrdinal}
		attempt, err := rendezvous.NewAttempt(p.proc, b.peer, p.layout.Segment, scratch, segmentRequest{b})
		if err != nil {
			p.conns.Free(h)
			return fmt.Errorf("gacomm: segment connect: %w", err)
		}
		b.attempt = attempt
		p.segOutbound.Push(b.peer, h)
	} else {
		p.segAccepts.Push(b.peer, h)
	}
	b.record = h
	b.state = segConnecting
	p.logEvent("connect_started", logKV(labelKind, kindSegment), logKV(labelPeer, b.peer), logKV(labelRole, b.role))
	return nil
}

// Test runs one progress round and reports whether the handshake finished.
func (b *SegmentedBuffer) Test() (bool, error) {
	return b.p.step(b.connectResult)
}

// Connect starts the handshake if needed and blocks until it completes.
func (b *SegmentedBuffer) Connect(ctx context.Context) (err error) {
	p := b.p
	if err := p.ensureOpen(); err != nil {
		return err
	}
	span := p.startSpan("gacomm.segment.connect", logKV(labelPeer, b.peer), logKV(labelRole, b.role))
	defer func() { finishSpan(span, err) }()

	p.lock.Lock()
	if b.state == segIdle {
		err = b.connectLocked()
	}
	p.lock.Unlock()
	if err != nil {
		return err
	}
	return p.poll(ctx, b.connectResult)
}

func (b *SegmentedBuffer) connectResult() (bool, error) {
	switch b.state {
	case segConnected:
		return true, nil
	case segFailed:
		return true, b.err
	case segFreed:
		return true, ErrClosed
	case segIdle:
		return false, ErrNotConnected
	}
	return false, nil
}

// segmentRequest is the requester record of a source: the state word of its
// control block, written by the destination.
type segmentRequest struct {
	b *SegmentedBuffer
}

func (r segmentRequest) Post(slot ga.Address) (ga.Handle, error) {
	return r.b.p.proc.Copy(slot, r.b.ctrl.Address(wire.CtrlSelfCtrl), wire.WordSize, ga.HandleNone)
}

func (r segmentRequest) Outcome() rendezvous.Outcome {
	switch r.b.ctrl.Uint64(wire.CtrlState) {
	case wire.StateConnected:
		return rendezvous.OutcomeConnected
	case wire.StateInvalidated:
		return rendezvous.OutcomeInvalidated
	case wire.StateRejected:
		return rendezvous.OutcomeRejected
	}
	return rendezvous.OutcomePending
}

func (r segmentRequest) Reset() {
	r.b.ctrl.PutUint64(wire.CtrlState, wire.StatePending)
}

func (p *Process) progressSegmentAttempts() error {
	for _, peer := range p.segOutbound.Peers() {
		h, _ := p.segOutbound.Front(peer)
		b := p.conns.Get(h).seg
		ev, err := b.attempt.Step()
		if err != nil {
			return err
		}
		p.recordAttemptEvent(kindSegment, peer, b.attempt, ev)
		switch ev {
		case rendezvous.EventConnected:
			b.peerCtrl = ga.Address(b.ctrl.Uint64(wire.CtrlPeerCtrl))
			b.peerData = ga.Address(b.ctrl.Uint64(wire.CtrlPeerData))
			p.finishSegmentConnect(p.segOutbound, b)
		case rendezvous.EventRejected:
			b.err = fmt.Errorf("%w: rank %d refused the segmented buffer", ErrConfigMismatch, peer)
			b.state = segFailed
			p.releaseRecord(p.segOutbound, peer)
		}
	}
	return nil
}

func (p *Process) recordAttemptEvent(kind string, peer int, a *rendezvous.Attempt, ev rendezvous.Event) {
	fields := []logField{logKV(labelKind, kind), logKV(labelPeer, peer)}
	switch ev {
	case rendezvous.EventClaimed:
		p.logEvent("connect_awaiting_room", append(fields, logKV("ordinal", a.Ordinal()))...)
	case rendezvous.EventPosted:
		p.stats.posted.Add(1)
		p.logEvent("connect_posted", append(fields, logKV("ordinal", a.Ordinal()))...)
		p.metric(MetricHook.ConnectionPosted, fields...)
	case rendezvous.EventInvalidated:
		p.stats.invalidated.Add(1)
		p.logEvent("connect_invalidated", append(fields, logKV("restarts", a.Restarts()))...)
		p.metric(MetricHook.ConnectionInvalidated, fields...)
	case rendezvous.EventRejected:
		p.stats.rejected.Add(1)
		p.logEvent("connect_rejected", fields...)
		if p.metrics != nil {
			p.metrics.ConnectionRejected(ErrConfigMismatch, p.metricAttrs(fields...))
		}
	}
}

func (p *Process) finishSegmentConnect(q *rendezvous.PeerQueues[arena.Handle], b *SegmentedBuffer) {
	b.state = segConnected
	p.segbufs = append(p.segbufs, b)
	p.releaseRecord(q, b.peer)
	p.stats.established.Add(1)
	p.logEvent("connect_established", logKV(labelKind, kindSegment), logKV(labelPeer, b.peer), logKV(labelRole, b.role))
	p.metric(MetricHook.ConnectionEstablished, logKV(labelKind, kindSegment), logKV(labelPeer, b.peer))
}

// releaseRecord pops the active record for peer, activating the next one.
func (p *Process) releaseRecord(q *rendezvous.PeerQueues[arena.Handle], peer int) {
	if h, ok := q.Pop(peer); ok {
		p.conns.Free(h)
	}
}

// scanSegmentQueue first pairs deferred requests with destinations that have
// since started connecting, then scans the bootstrap queue.
func (p *Process) scanSegmentQueue() error {
	for _, peer := range p.segWaiting.Peers() {
		for {
			if _, ok := p.segAccepts.Front(peer); !ok {
				break
			}
			src, ok := p.segWaiting.Pop(peer)
			if !ok {
				break
			}
			if err := p.acceptSegment(peer, src); err != nil {
				return err
			}
		}
	}
	_, err := p.segScanner.Scan(segmentHandler{p})
	return err
}

// acceptSegment completes the handshake for the active destination of peer:
// publish our control and data addresses into the source's control block,
// then flip its state to connected.
func (p *Process) acceptSegment(peer int, src ga.Address) error {
	h, _ := p.segAccepts.Front(peer)
	b := p.conns.Get(h).seg
	b.peerCtrl = src
	b.ctrl.PutUint64(wire.CtrlPeerCtrl, uint64(src))
	h1, err := p.proc.Copy(src.Add(wire.CtrlPeerCtrl), b.ctrl.Address(wire.CtrlSelfCtrl), 2*wire.WordSize, ga.HandleNone)
	if err != nil {
		return fmt.Errorf("publish endpoint addresses: %w", err)
	}
	h2, err := p.proc.Copy(src.Add(wire.CtrlState), b.ctrl.Address(wire.CtrlConnectedCell), wire.WordSize, h1)
	if err != nil {
		return fmt.Errorf("publish connected state: %w", err)
	}
	b.last = h2
	b.ctrl.PutUint64(wire.CtrlState, wire.StateConnected)
	p.finishSegmentConnect(p.segAccepts, b)
	return nil
}

type segmentHandler struct {
	p *Process
}

func (h segmentHandler) Match(_ uint64, slot []byte) (rendezvous.Disposition, error) {
	p := h.p
	src := ga.Address(binary.LittleEndian.Uint64(slot))
	peer := src.Rank()
	if _, ok := p.segAccepts.Front(peer); ok {
		return rendezvous.Matched, p.acceptSegment(peer, src)
	}
	if p.segWaiting.Len() < p.cfg.WaitListCapacity {
		p.segWaiting.Push(peer, src)
		p.logEvent("connect_deferred", logKV(labelKind, kindSegment), logKV(labelPeer, peer))
		return rendezvous.Deferred, nil
	}
	return rendezvous.Unmatched, nil
}

func (h segmentHandler) Evict(slot []byte) error {
	p := h.p
	src := ga.Address(binary.LittleEndian.Uint64(slot))
	if _, err := p.proc.Swap8(p.scratch.Address(0), src.Add(wire.CtrlState), wire.StateInvalidated); err != nil {
		return fmt.Errorf("invalidate segment request from rank %d: %w", src.Rank(), err)
	}
	p.logEvent("segment_request_evicted", logKV(labelPeer, src.Rank()))
	return nil
}
