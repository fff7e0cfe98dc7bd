package comm

import (
	"context"
	"errors"
	"fmt"

	"github.com/creachadair/mds/queue"

	"github.com/rocketbitz/gacomm-go/ga"
	"github.com/rocketbitz/gacomm-go/internal/arena"
	"github.com/rocketbitz/gacomm-go/internal/rendezvous"
	"github.com/rocketbitz/gacomm-go/internal/wire"
)

// Role selects which end of a segmented buffer an endpoint is.
type Role int

const (
	// RoleSource produces segments and acks them to the destination.
	RoleSource Role = iota
	// RoleDestination consumes segments and readies them back to the source.
	RoleDestination
)

func (r Role) String() string {
	if r == RoleDestination {
		return "destination"
	}
	return "source"
}

type segState int

const (
	segIdle segState = iota
	segConnecting
	segConnected
	segFailed
	segFreed
)

// SegmentCounters are the monotonic ring counters of a segmented buffer.
type SegmentCounters struct {
	Head uint64
	Tail uint64
	Sent uint64
}

// SegmentedBuffer is one end of a fixed-slot ring. The source fills the
// segment at Tail, acks it into the destination's same-indexed segment, and
// the destination readies it back once consumed.
type SegmentedBuffer struct {
	p      *Process
	peer   int
	role   Role
	size   int
	count  int
	layout wire.Control
	ctrl   *ga.Region
	data   *ga.Region

	state    segState
	err      error
	record   arena.Handle
	attempt  *rendezvous.Attempt
	peerCtrl ga.Address
	peerData ga.Address

	inflight     *queue.Queue[inflightSegment]
	sent         uint64
	last         ga.Handle
	disconnected bool
}

type inflightSegment struct {
	handle ga.Handle
	tail   uint64
}

// NewSegmentedBuffer registers a ring of segmentCount segments of segmentSize
// bytes for a connection with peer. Both ends must agree on the geometry.
func (p *Process) NewSegmentedBuffer(peer int, role Role, segmentSize, segmentCount int) (*SegmentedBuffer, error) {
	if err := p.ensureOpen(); err != nil {
		return nil, err
	}
	if err := p.checkPeer(peer); err != nil {
		return nil, err
	}
	if segmentSize <= 0 || segmentCount <= 0 {
		return nil, fmt.Errorf("gacomm: segment size and count must be positive, got %d x %d", segmentSize, segmentCount)
	}
	layout, err := wire.NewControl(segmentCount)
	if err != nil {
		return nil, fmt.Errorf("gacomm: control layout: %w", err)
	}
	ctrl, err := p.proc.Register(layout.Size())
	if err != nil {
		return nil, fmt.Errorf("gacomm: register control block: %w", err)
	}
	data, err := p.proc.Register(segmentSize * segmentCount)
	if err != nil {
		_ = p.proc.Deregister(ctrl)
		return nil, fmt.Errorf("gacomm: register segments: %w", err)
	}
	ctrl.PutUint64(wire.CtrlSelfCtrl, uint64(ctrl.Address(0)))
	ctrl.PutUint64(wire.CtrlSelfData, uint64(data.Address(0)))
	ctrl.PutUint64(wire.CtrlConnectedCell, wire.StateConnected)
	ctrl.PutUint64(wire.CtrlDisconnectCell, wire.StateDisconnected)

	return &SegmentedBuffer{
		p:        p,
		peer:     peer,
		role:     role,
		size:     segmentSize,
		count:    segmentCount,
		layout:   layout,
		ctrl:     ctrl,
		data:     data,
		inflight: queue.New[inflightSegment](),
	}, nil
}

// Peer returns the rank at the other end.
func (b *SegmentedBuffer) Peer() int { return b.peer }

// Role returns which end this endpoint is.
func (b *SegmentedBuffer) Role() Role { return b.role }

// SegmentSize returns the size of one segment in bytes.
func (b *SegmentedBuffer) SegmentSize() int { return b.size }

// SegmentCount returns the number of ring slots.
func (b *SegmentedBuffer) SegmentCount() int { return b.count }

// WriteSegment copies p into local segment i.
func (b *SegmentedBuffer) WriteSegment(i int, p []byte) error {
	b.p.lock.Lock()
	defer b.p.lock.Unlock()
	if err := b.checkSegment(i, len(p)); err != nil {
		return err
	}
	return b.data.WriteAt(p, uint64(i*b.size))
}

// ReadSegment copies local segment i into p and returns the number of bytes
// copied.
func (b *SegmentedBuffer) ReadSegment(i int, p []byte) (int, error) {
	n := min(len(p), b.size)
	b.p.lock.Lock()
	defer b.p.lock.Unlock()
	if err := b.checkSegment(i, n); err != nil {
		return 0, err
	}
	if err := b.data.ReadAt(p[:n], uint64(i*b.size)); err != nil {
		return 0, err
	}
	return n, nil
}

// Segment returns a copy of local segment i.
func (b *SegmentedBuffer) Segment(i int) ([]byte, error) {
	out := make([]byte, b.size)
	if _, err := b.ReadSegment(i, out); err != nil {
		return nil, err
	}
	return out, nil
}

// checkSegment must be called with the process lock held.
func (b *SegmentedBuffer) checkSegment(i, n int) error {
	if b.state == segFreed {
		return ErrClosed
	}
	if i < 0 || i >= b.count {
		return fmt.Errorf("gacomm: segment %d out of range [0,%d)", i, b.count)
	}
	if n > b.size {
		return fmt.Errorf("gacomm: %d bytes exceed segment size %d", n, b.size)
	}
	return nil
}

// Ack transfers the segment at Tail to the destination and advances Tail. It
// fails with ErrFull when every segment is awaiting a ready.
func (b *SegmentedBuffer) Ack() error {
	p := b.p
	if err := p.ensureOpen(); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if err := b.usable(RoleSource); err != nil {
		return err
	}
	if b.ctrl.Uint64(wire.CtrlState) == wire.StateDisconnected {
		return ErrDisconnected
	}
	head := b.ctrl.Uint64(wire.CtrlHead)
	tail := b.ctrl.Uint64(wire.CtrlTail)
	if tail-head >= uint64(b.count) {
		return ErrFull
	}

	off := (tail % uint64(b.count)) * uint64(b.size)
	h1, err := p.proc.Copy(b.peerData.Add(off), b.data.Address(off), b.size, b.last)
	if err != nil {
		return fmt.Errorf("gacomm: ack segment: %w", err)
	}
	tail++
	b.ctrl.PutUint64(wire.CtrlTail, tail)
	cell := b.layout.TailCell(tail)
	b.ctrl.PutUint64(cell, tail)
	h2, err := p.proc.Copy(b.peerCtrl.Add(wire.CtrlTail), b.ctrl.Address(cell), wire.WordSize, h1)
	if err != nil {
		return fmt.Errorf("gacomm: publish tail: %w", err)
	}
	b.inflight.Add(inflightSegment{handle: h1, tail: tail})
	b.last = h2

	p.stats.acked.Add(1)
	p.logEvent("segment_acked", logKV(labelPeer, b.peer), logKV("tail", tail))
	p.metric(MetricHook.SegmentAcked, logKV(labelPeer, b.peer))
	return nil
}

// Ready releases the segment at Head back to the source and advances Head. It
// fails with ErrEmpty when no acked segment is pending.
func (b *SegmentedBuffer) Ready() error {
	p := b.p
	if err := p.ensureOpen(); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if err := b.usable(RoleDestination); err != nil {
		return err
	}
	head := b.ctrl.Uint64(wire.CtrlHead)
	tail := b.ctrl.Uint64(wire.CtrlTail)
	if tail <= head {
		return ErrEmpty
	}
	head++
	b.ctrl.PutUint64(wire.CtrlHead, head)
	h, err := p.proc.Copy(b.peerCtrl.Add(wire.CtrlHead), b.ctrl.Address(wire.CtrlHead), wire.WordSize, b.last)
	if err != nil {
		return fmt.Errorf("gacomm: publish head: %w", err)
	}
	b.last = h

	p.stats.ready.Add(1)
	p.logEvent("segment_ready", logKV(labelPeer, b.peer), logKV("head", head))
	p.metric(MetricHook.SegmentReady, logKV(labelPeer, b.peer))
	return nil
}

// Counters runs one progress round and returns the monotonic counters. Sent is
// only maintained on the source.
func (b *SegmentedBuffer) Counters() (SegmentCounters, error) {
	p := b.p
	if err := p.ensureOpen(); err != nil {
		return SegmentCounters{}, err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if err := p.progressLocked(); err != nil {
		return SegmentCounters{}, err
	}
	if b.state != segConnected {
		return SegmentCounters{}, ErrNotConnected
	}
	// Head is read before sent is refreshed: any segment the destination has
	// readied had its data copy completed before the head moved.
	c := SegmentCounters{
		Head: b.ctrl.Uint64(wire.CtrlHead),
		Tail: b.ctrl.Uint64(wire.CtrlTail),
	}
	if err := b.advanceSent(); err != nil {
		return SegmentCounters{}, err
	}
	c.Sent = b.sent
	return c, nil
}

// Head returns the ring index of the next segment to ready.
func (b *SegmentedBuffer) Head() (int, error) {
	c, err := b.Counters()
	return int(c.Head % uint64(b.count)), err
}

// Tail returns the ring index of the next segment to ack.
func (b *SegmentedBuffer) Tail() (int, error) {
	c, err := b.Counters()
	return int(c.Tail % uint64(b.count)), err
}

// Sent returns the ring index past the last segment whose data has left this
// process. Segments before it may be rewritten once readied.
func (b *SegmentedBuffer) Sent() (int, error) {
	c, err := b.Counters()
	return int(c.Sent % uint64(b.count)), err
}

// Disconnect marks the endpoint disconnected and tells the peer. Calling it
// again has no effect.
func (b *SegmentedBuffer) Disconnect() error {
	p := b.p
	if err := p.ensureOpen(); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	return b.disconnectLocked()
}

func (b *SegmentedBuffer) disconnectLocked() error {
	if b.disconnected {
		return nil
	}
	if b.state != segConnected {
		return ErrNotConnected
	}
	h, err := b.p.proc.Copy(b.peerCtrl.Add(wire.CtrlState), b.ctrl.Address(wire.CtrlDisconnectCell), wire.WordSize, b.last)
	if err != nil {
		return fmt.Errorf("gacomm: publish disconnect: %w", err)
	}
	b.last = h
	b.disconnected = true
	b.p.logEvent("segment_disconnect", logKV(labelPeer, b.peer), logKV(labelRole, b.role))
	return nil
}

// Free disconnects if needed, waits until the peer has disconnected as well,
// and releases the registered memory.
func (b *SegmentedBuffer) Free(ctx context.Context) (err error) {
	p := b.p
	if err := p.ensureOpen(); err != nil {
		return err
	}
	span := p.startSpan("gacomm.segment.free", logKV(labelPeer, b.peer), logKV(labelRole, b.role))
	defer func() { finishSpan(span, err) }()

	p.lock.Lock()
	switch b.state {
	case segFreed:
		p.lock.Unlock()
		return nil
	case segConnecting:
		p.lock.Unlock()
		return ErrNotConnected
	case segIdle, segFailed:
		err := b.release()
		p.lock.Unlock()
		return err
	}
	err = b.disconnectLocked()
	p.lock.Unlock()
	if err != nil {
		return err
	}

	return p.poll(ctx, func() (bool, error) {
		if b.ctrl.Uint64(wire.CtrlState) != wire.StateDisconnected {
			return false, nil
		}
		if err := b.advanceSent(); err != nil {
			return false, err
		}
		done, err := p.proc.Inquire(b.last)
		if err != nil || !done || !b.inflight.IsEmpty() {
			return false, err
		}
		spanAddEvent(span, "peer_disconnected")
		return true, b.release()
	})
}

func (b *SegmentedBuffer) release() error {
	p := b.p
	for i, other := range p.segbufs {
		if other == b {
			p.segbufs = append(p.segbufs[:i], p.segbufs[i+1:]...)
			break
		}
	}
	b.state = segFreed
	err := errors.Join(p.proc.Deregister(b.ctrl), p.proc.Deregister(b.data))
	p.logEvent("segment_freed", logKV(labelPeer, b.peer), logKV(labelRole, b.role))
	return err
}

func (b *SegmentedBuffer) usable(role Role) error {
	if b.role != role {
		return fmt.Errorf("gacomm: operation requires the %s end", role)
	}
	switch b.state {
	case segFreed:
		return ErrClosed
	case segFailed:
		return b.err
	case segConnected:
	default:
		return ErrNotConnected
	}
	if b.disconnected {
		return ErrDisconnected
	}
	return nil
}

// advanceSent moves sent past every acked segment whose data copy completed.
func (b *SegmentedBuffer) advanceSent() error {
	for !b.inflight.IsEmpty() {
		f, _ := b.inflight.Peek(0)
		done, err := b.p.proc.Inquire(f.handle)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		b.inflight.Pop()
		b.sent = f.tail
		b.ctrl.PutUint64(wire.CtrlSent, f.tail)
	}
	return nil
}

func (p *Process) progressSegmentTransfers() error {
	for _, b := range p.segbufs {
		if b.role != RoleSource {
			continue
		}
		if err := b.advanceSent(); err != nil {
			return err
		}
	}
	return nil
}
