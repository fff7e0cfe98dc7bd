package comm

import (
	"context"
	"fmt"

	"github.com/creachadair/mds/queue"

	"github.com/rocketbitz/gacomm-go/ga"
	"github.com/rocketbitz/gacomm-go/internal/arena"
	"github.com/rocketbitz/gacomm-go/internal/rendezvous"
	"github.com/rocketbitz/gacomm-go/internal/wire"
)

// Direction selects which end of a channel an endpoint is.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionReceive
)

func (d Direction) String() string {
	if d == DirectionReceive {
		return "receive"
	}
	return "send"
}

// ChannelState is the lifecycle position of a channel endpoint.
type ChannelState int

const (
	ChannelInit ChannelState = iota
	ChannelAwaitingQueuePosition
	ChannelAwaitingAck
	ChannelConnected
	ChannelDisconnecting
	ChannelDisconnected
	// ChannelFailed means the handshake was refused; Err reports why.
	ChannelFailed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelInit:
		return "init"
	case ChannelAwaitingQueuePosition:
		return "awaiting_queue_position"
	case ChannelAwaitingAck:
		return "awaiting_ack"
	case ChannelConnected:
		return "connected"
	case ChannelDisconnecting:
		return "disconnecting"
	case ChannelDisconnected:
		return "disconnected"
	case ChannelFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ChannelParams are the fixed parameters both ends of a channel must share.
type ChannelParams struct {
	PayloadCapacity int
	ReceiveWindow   int
	SendWindow      int
}

func (c ChannelParams) toWire() wire.ChannelParams {
	return wire.ChannelParams{
		PayloadCapacity: uint64(c.PayloadCapacity),
		ReceiveWindow:   uint64(c.ReceiveWindow),
		SendWindow:      uint64(c.SendWindow),
	}
}

func channelParamsFromDescriptor(d wire.Descriptor) ChannelParams {
	return ChannelParams{
		PayloadCapacity: int(d.PayloadCapacity),
		ReceiveWindow:   int(d.ReceiveWindow),
		SendWindow:      int(d.SendWindow),
	}
}

// Channel is one end of an ordered, credit-controlled message stream. Messages
// larger than the payload capacity are carried in several ring slots.
type Channel struct {
	p        *Process
	peer     int
	dir      Direction
	params   ChannelParams
	region   *ga.Region
	sender   wire.Sender
	receiver wire.Receiver

	state    ChannelState
	err      error
	freed    bool
	record   arena.Handle
	attempt  *rendezvous.Attempt
	peerAddr ga.Address

	requests      *queue.Queue[*Request]
	disconnectReq *Request
	last          ga.Handle

	// send side
	produced uint64
	staging  []ga.Handle

	// receive side
	consumed   uint64
	discarding bool
}

// NewChannel registers a channel endpoint toward peer using the process's
// channel parameters.
func (p *Process) NewChannel(peer int, dir Direction) (*Channel, error) {
	if err := p.ensureOpen(); err != nil {
		return nil, err
	}
	if err := p.checkPeer(peer); err != nil {
		return nil, err
	}
	params := p.cfg.ChannelParams()
	wp := params.toWire()
	if err := wp.Validate(); err != nil {
		return nil, fmt.Errorf("gacomm: channel parameters: %w", err)
	}
	c := &Channel{
		p:        p,
		peer:     peer,
		dir:      dir,
		params:   params,
		sender:   wire.Sender{ChannelParams: wp},
		receiver: wire.Receiver{ChannelParams: wp},
		requests: queue.New[*Request](),
	}
	pool := p.recvRegions
	if dir == DirectionSend {
		pool = p.sendRegions
		c.staging = make([]ga.Handle, params.SendWindow)
	}
	region, err := pool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("gacomm: register channel: %w", err)
	}
	c.region = region
	if dir == DirectionSend {
		desc := c.descriptor()
		buf := make([]byte, wire.DescriptorSize)
		if err := desc.MarshalTo(buf); err != nil {
			pool.Release(region)
			return nil, fmt.Errorf("gacomm: encode descriptor: %w", err)
		}
		if err := region.WriteAt(buf, wire.SenderDescriptor); err != nil {
			pool.Release(region)
			return nil, err
		}
		region.PutUint64(wire.SenderPresenceCell, wire.SlotPresent)
	}
	return c, nil
}

func (c *Channel) descriptor() wire.Descriptor {
	wp := c.params.toWire()
	return wire.Descriptor{
		RequesterAddress: c.region.Address(0),
		RequesterRank:    uint64(c.p.proc.Rank()),
		State:            wire.StatePending,
		PayloadCapacity:  wp.PayloadCapacity,
		ReceiveWindow:    wp.ReceiveWindow,
		SendWindow:       wp.SendWindow,
	}
}

// Peer returns the rank at the other end.
func (c *Channel) Peer() int { return c.peer }

// Direction returns which end this endpoint is.
func (c *Channel) Direction() Direction { return c.dir }

// Params returns the fixed channel parameters.
func (c *Channel) Params() ChannelParams { return c.params }

// State returns the lifecycle state.
func (c *Channel) State() ChannelState {
	c.p.lock.Lock()
	defer c.p.lock.Unlock()
	return c.state
}

// Err returns the error that failed the handshake, if any.
func (c *Channel) Err() error {
	c.p.lock.Lock()
	defer c.p.lock.Unlock()
	return c.err
}

// SendAsync queues payload for delivery. The payload must not be modified
// until the request finishes.
func (c *Channel) SendAsync(payload []byte) (*Request, error) {
	p := c.p
	if err := p.ensureOpen(); err != nil {
		return nil, err
	}
	if uint64(len(payload)) > wire.MaxLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if err := c.acceptsRequests(DirectionSend); err != nil {
		return nil, err
	}
	req, err := p.newRequest(c, RequestSend, payload)
	if err != nil {
		return nil, err
	}
	c.requests.Add(req)
	return req, nil
}

// Send queues payload and blocks until it has been staged in full.
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	req, err := c.SendAsync(payload)
	if err != nil {
		return err
	}
	return req.Wait(ctx)
}

// ReceiveAsync queues buf for the next message. A longer message is truncated
// to len(buf) and the rest of it is discarded.
func (c *Channel) ReceiveAsync(buf []byte) (*Request, error) {
	p := c.p
	if err := p.ensureOpen(); err != nil {
		return nil, err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if err := c.acceptsRequests(DirectionReceive); err != nil {
		return nil, err
	}
	req, err := p.newRequest(c, RequestReceive, buf)
	if err != nil {
		return nil, err
	}
	c.requests.Add(req)
	return req, nil
}

// Receive blocks until the next message arrives and returns the number of
// bytes copied into buf.
func (c *Channel) Receive(ctx context.Context, buf []byte) (int, error) {
	req, err := c.ReceiveAsync(buf)
	if err != nil {
		return 0, err
	}
	if err := req.Wait(ctx); err != nil {
		return req.Len(), err
	}
	return req.Len(), nil
}

// DisconnectAsync starts an orderly shutdown. On the send end it queues the
// disconnect marker behind every earlier message and finishes once the
// receiver has consumed everything; on the receive end it finishes when the
// marker arrives. Calling it again returns the same request.
func (c *Channel) DisconnectAsync() (*Request, error) {
	p := c.p
	if err := p.ensureOpen(); err != nil {
		return nil, err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	return c.disconnectLocked()
}

func (c *Channel) disconnectLocked() (*Request, error) {
	if c.disconnectReq != nil {
		return c.disconnectReq, nil
	}
	switch c.state {
	case ChannelInit:
		return nil, ErrNotConnected
	case ChannelFailed:
		return nil, c.err
	}
	if c.freed {
		return nil, ErrClosed
	}
	req, err := c.p.newRequest(c, RequestDisconnect, nil)
	if err != nil {
		return nil, err
	}
	c.disconnectReq = req
	if c.state == ChannelDisconnected {
		req.finish(0, nil)
		return req, nil
	}
	c.requests.Add(req)
	c.p.logEvent("channel_disconnect", logKV(labelPeer, c.peer), logKV("direction", c.dir))
	return req, nil
}

// Disconnect starts an orderly shutdown and waits for it to finish.
func (c *Channel) Disconnect(ctx context.Context) error {
	req, err := c.DisconnectAsync()
	if err != nil {
		return err
	}
	return req.Wait(ctx)
}

// Free disconnects if needed, waits for outstanding one-sided operations, and
// releases the endpoint memory.
func (c *Channel) Free(ctx context.Context) (err error) {
	p := c.p
	if err := p.ensureOpen(); err != nil {
		return err
	}
	span := p.startSpan("gacomm.channel.free", logKV(labelPeer, c.peer), logKV("direction", c.dir))
	defer func() { finishSpan(span, err) }()

	p.lock.Lock()
	if c.freed {
		p.lock.Unlock()
		return nil
	}
	switch c.state {
	case ChannelInit, ChannelFailed:
		err := c.release()
		p.lock.Unlock()
		return err
	case ChannelAwaitingQueuePosition, ChannelAwaitingAck:
		p.lock.Unlock()
		return ErrNotConnected
	}
	req, err := c.disconnectLocked()
	p.lock.Unlock()
	if err != nil {
		return err
	}
	if err := req.Wait(ctx); err != nil {
		return err
	}
	spanAddEvent(span, "disconnected")
	return p.poll(ctx, func() (bool, error) {
		done, err := p.proc.Inquire(c.last)
		if err != nil || !done {
			return false, err
		}
		return true, c.release()
	})
}

func (c *Channel) release() error {
	p := c.p
	for i, other := range p.channels {
		if other == c {
			p.channels = append(p.channels[:i], p.channels[i+1:]...)
			break
		}
	}
	c.freed = true
	if c.dir == DirectionSend {
		p.sendRegions.Release(c.region)
	} else {
		p.recvRegions.Release(c.region)
	}
	p.logEvent("channel_freed", logKV(labelPeer, c.peer), logKV("direction", c.dir))
	return nil
}

func (c *Channel) acceptsRequests(dir Direction) error {
	if c.dir != dir {
		return fmt.Errorf("gacomm: operation requires the %s end", dir)
	}
	if c.freed {
		return ErrClosed
	}
	if c.disconnectReq != nil {
		return ErrDisconnected
	}
	switch c.state {
	case ChannelInit:
		return ErrNotConnected
	case ChannelFailed:
		return c.err
	case ChannelDisconnecting, ChannelDisconnected:
		return ErrDisconnected
	}
	return nil
}
