package comm

import (
	"context"
	"fmt"

	"github.com/rocketbitz/gacomm-go/ga"
	"github.com/rocketbitz/gacomm-go/internal/rendezvous"
	"github.com/rocketbitz/gacomm-go/internal/wire"
)

// ConnectAsync starts the handshake. The send end posts its descriptor into
// the receiver's channel queue; the receive end waits for it.
func (c *Channel) ConnectAsync() error {
	p := c.p
	if err := p.ensureOpen(); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	return c.connectLocked()
}

func (c *Channel) connectLocked() error {
	p := c.p
	if c.freed {
		return ErrClosed
	}
	if c.state != ChannelInit {
		return fmt.Errorf("gacomm: channel already %s", c.state)
	}
	h, err := p.conns.Alloc(connRecord{peer: c.peer, ch: c})
	if err != nil {
		return fmt.Errorf("gacomm: channel connect: %w", err)
	}
	if c.dir == DirectionSend {
		scratch := rendezvous.Scratch{Region: c.region, Head: wire.SenderScratchHead, Ordinal: wire.SenderScratchOrdinal}
		attempt, err := rendezvous.NewAttempt(p.proc, c.peer, p.layout.Channel, scratch, channelRequest{c})
		if err != nil {
			p.conns.Free(h)
			return fmt.Errorf("gacomm: channel connect: %w", err)
		}
		c.attempt = attempt
		p.chOutbound.Push(c.peer, h)
		c.state = ChannelAwaitingQueuePosition
	} else {
		p.chAccepts.Push(c.peer, h)
		c.state = ChannelAwaitingAck
	}
	c.record = h
	p.logEvent("connect_started", logKV(labelKind, kindChannel), logKV(labelPeer, c.peer), logKV("direction", c.dir))
	return nil
}

// Test runs one progress round and reports whether the handshake finished.
func (c *Channel) Test() (bool, error) {
	return c.p.step(c.connectResult)
}

// Connect starts the handshake if needed and blocks until it completes. A
// parameter mismatch fails with ErrConfigMismatch on both ends.
func (c *Channel) Connect(ctx context.Context) (err error) {
	p := c.p
	if err := p.ensureOpen(); err != nil {
		return err
	}
	span := p.startSpan("gacomm.channel.connect", logKV(labelPeer, c.peer), logKV("direction", c.dir))
	defer func() { finishSpan(span, err) }()

	p.lock.Lock()
	if c.state == ChannelInit {
		err = c.connectLocked()
	}
	p.lock.Unlock()
	if err != nil {
		return err
	}
	return p.poll(ctx, c.connectResult)
}

func (c *Channel) connectResult() (bool, error) {
	switch c.state {
	case ChannelInit:
		return false, ErrNotConnected
	case ChannelAwaitingQueuePosition, ChannelAwaitingAck:
		return false, nil
	case ChannelFailed:
		return true, c.err
	}
	return true, nil
}

// channelRequest is the requester record of a send end: the peer address and
// state words of its region, written by the receiver.
type channelRequest struct {
	c *Channel
}

func (r channelRequest) Post(slot ga.Address) (ga.Handle, error) {
	c := r.c
	h, err := c.p.proc.Copy(slot, c.region.Address(wire.SenderDescriptor), wire.DescriptorSize, ga.HandleNone)
	if err != nil {
		return ga.HandleNone, err
	}
	return c.p.proc.Copy(slot.Add(wire.DescriptorSize), c.region.Address(wire.SenderPresenceCell), wire.WordSize, h)
}

func (r channelRequest) Outcome() rendezvous.Outcome {
	state := r.c.region.Uint64(wire.SenderState)
	switch {
	case state == wire.StateRejected:
		return rendezvous.OutcomeRejected
	case r.c.region.Uint64(wire.SenderPeerAddr) != 0:
		return rendezvous.OutcomeConnected
	case state == wire.StateInvalidated:
		return rendezvous.OutcomeInvalidated
	}
	return rendezvous.OutcomePending
}

func (r channelRequest) Reset() {
	r.c.region.PutUint64(wire.SenderState, wire.StatePending)
}

func (p *Process) progressChannelAttempts() error {
	for _, peer := range p.chOutbound.Peers() {
		h, _ := p.chOutbound.Front(peer)
		c := p.conns.Get(h).ch
		ev, err := c.attempt.Step()
		if err != nil {
			return err
		}
		p.recordAttemptEvent(kindChannel, peer, c.attempt, ev)
		switch ev {
		case rendezvous.EventPosted:
			c.state = ChannelAwaitingAck
		case rendezvous.EventInvalidated:
			c.state = ChannelAwaitingQueuePosition
		case rendezvous.EventConnected:
			c.peerAddr = ga.Address(c.region.Uint64(wire.SenderPeerAddr))
			p.finishChannelConnect(c)
			p.releaseRecord(p.chOutbound, peer)
		case rendezvous.EventRejected:
			c.err = fmt.Errorf("%w: rank %d refused channel parameters %+v", ErrConfigMismatch, peer, c.params)
			c.state = ChannelFailed
			p.releaseRecord(p.chOutbound, peer)
		}
	}
	return nil
}

func (p *Process) finishChannelConnect(c *Channel) {
	c.state = ChannelConnected
	p.channels = append(p.channels, c)
	p.stats.established.Add(1)
	p.logEvent("connect_established", logKV(labelKind, kindChannel), logKV(labelPeer, c.peer), logKV("direction", c.dir))
	p.metric(MetricHook.ConnectionEstablished, logKV(labelKind, kindChannel), logKV(labelPeer, c.peer))
}

func (p *Process) scanChannelQueue() error {
	_, err := p.chScanner.Scan(channelHandler{p})
	return err
}

type channelHandler struct {
	p *Process
}

func (h channelHandler) Match(_ uint64, slot []byte) (rendezvous.Disposition, error) {
	p := h.p
	d, err := wire.UnmarshalDescriptor(slot)
	if err != nil {
		return rendezvous.Unmatched, err
	}
	peer := int(d.RequesterRank)
	if d.RequesterAddress.Rank() != peer {
		// The requester cannot be answered safely; the entry is dropped.
		err := fmt.Errorf("descriptor from rank %d names memory of rank %d", peer, d.RequesterAddress.Rank())
		fields := []logField{logKV(labelKind, kindChannel), logKV(labelPeer, peer)}
		p.stats.rejected.Add(1)
		p.logEvent("connect_rejected", append(fields, logKV("error", err))...)
		if p.metrics != nil {
			p.metrics.ConnectionRejected(err, p.metricAttrs(fields...))
		}
		return rendezvous.Matched, nil
	}
	rh, ok := p.chAccepts.Front(peer)
	if !ok {
		return rendezvous.Unmatched, nil
	}
	c := p.conns.Get(rh).ch
	if local := c.descriptor(); !local.Compatible(d) {
		if _, err := p.proc.Swap8(p.scratch.Address(0), d.RequesterAddress.Add(wire.SenderState), wire.StateRejected); err != nil {
			return rendezvous.Unmatched, fmt.Errorf("reject channel request from rank %d: %w", peer, err)
		}
		c.err = ConfigMismatchError{Peer: peer, Local: c.params, Remote: channelParamsFromDescriptor(d)}
		c.state = ChannelFailed
		p.releaseRecord(p.chAccepts, peer)
		fields := []logField{logKV(labelKind, kindChannel), logKV(labelPeer, peer)}
		p.stats.rejected.Add(1)
		p.logEvent("connect_rejected", append(fields, logKV("error", c.err))...)
		if p.metrics != nil {
			p.metrics.ConnectionRejected(c.err, p.metricAttrs(fields...))
		}
		return rendezvous.Matched, nil
	}

	c.peerAddr = d.RequesterAddress
	c.region.PutUint64(wire.ReceiverPeer, uint64(d.RequesterAddress))
	sh, err := p.proc.Swap8(p.scratch.Address(0), d.RequesterAddress.Add(wire.SenderPeerAddr), uint64(c.region.Address(0)))
	if err != nil {
		return rendezvous.Unmatched, fmt.Errorf("reply to channel request from rank %d: %w", peer, err)
	}
	c.last = sh
	p.finishChannelConnect(c)
	p.releaseRecord(p.chAccepts, peer)
	return rendezvous.Matched, nil
}

func (h channelHandler) Evict(slot []byte) error {
	p := h.p
	d, err := wire.UnmarshalDescriptor(slot)
	if err != nil {
		return err
	}
	if _, err := p.proc.Swap8(p.scratch.Address(0), d.RequesterAddress.Add(wire.SenderState), wire.StateInvalidated); err != nil {
		return fmt.Errorf("invalidate channel request from rank %d: %w", d.RequesterRank, err)
	}
	p.logEvent("channel_request_evicted", logKV(labelPeer, d.RequesterRank))
	return nil
}
