package comm

import (
	"fmt"

	"github.com/rocketbitz/gacomm-go/ga"
	"github.com/rocketbitz/gacomm-go/internal/wire"
)

// progressChannelTransfers moves data on every connected channel.
func (p *Process) progressChannelTransfers() error {
	for _, c := range p.channels {
		var err error
		if c.dir == DirectionSend {
			err = c.progressSend()
		} else {
			err = c.progressReceive()
		}
		if err != nil {
			return fmt.Errorf("channel to rank %d: %w", c.peer, err)
		}
	}
	return nil
}

// progressSend stages queued messages while the receiver has ring space and
// the staging slot is free, then settles a pending disconnect.
func (c *Channel) progressSend() error {
	switch c.state {
	case ChannelConnected:
	case ChannelDisconnecting:
		return c.settleDisconnect()
	default:
		return nil
	}
	for !c.requests.IsEmpty() {
		req, _ := c.requests.Peek(0)
		if req.kind == RequestDisconnect {
			ok, err := c.stageChunk(wire.TagDisconnect, nil, 0)
			if err != nil || !ok {
				return err
			}
			c.requests.Pop()
			c.state = ChannelDisconnecting
			return c.settleDisconnect()
		}
		for {
			residual := uint64(len(req.buf) - req.offset)
			n, last := wire.ChunkLength(residual, c.sender.PayloadCapacity)
			ok, err := c.stageChunk(wire.TagEager, req.buf[req.offset:req.offset+int(n)], residual)
			if err != nil {
				req.finish(req.offset, err)
				c.requests.Pop()
				return err
			}
			if !ok {
				return nil
			}
			req.offset += int(n)
			if last {
				break
			}
		}
		c.requests.Pop()
		req.finish(req.offset, nil)
		c.p.stats.sent.Add(1)
		c.p.logEvent("message_sent", logKV(labelPeer, c.peer), logKV("bytes", req.offset))
		c.p.metric(MetricHook.MessageSent, logKV(labelPeer, c.peer))
	}
	return nil
}

// stageChunk copies one ring slot worth of a message to the receiver and then
// publishes the new produced count. It reports false when either credit window
// is used up or the staging slot is still in flight.
func (c *Channel) stageChunk(tag wire.Tag, chunk []byte, residual uint64) (bool, error) {
	p := c.p
	consumed := c.region.Uint64(wire.SenderConsumed)
	if c.produced-consumed >= min(c.sender.SendWindow, c.sender.ReceiveWindow) {
		return false, nil
	}
	i := c.produced % c.sender.SendWindow
	done, err := p.proc.Inquire(c.staging[i])
	if err != nil || !done {
		return false, err
	}

	header, err := wire.PackHeader(tag, residual)
	if err != nil {
		return false, err
	}
	msg := c.sender.Message(i)
	c.region.PutUint64(msg, header)
	if err := c.region.WriteAt(chunk, msg+wire.WordSize); err != nil {
		return false, err
	}
	slot := c.peerAddr.Add(c.receiver.Slot(c.produced))
	h1, err := p.proc.Copy(slot, c.region.Address(msg), wire.WordSize+len(chunk), ga.HandleNone)
	if err != nil {
		return false, err
	}
	c.produced++
	cell := c.sender.ProducedCell(i)
	c.region.PutUint64(cell, c.produced)
	h2, err := p.proc.Copy(c.peerAddr.Add(wire.ReceiverProduced), c.region.Address(cell), wire.WordSize, h1)
	if err != nil {
		return false, err
	}
	c.staging[i] = h2
	c.last = h2
	return true, nil
}

// settleDisconnect finishes the disconnect once the receiver has consumed the
// marker and every staged copy has executed.
func (c *Channel) settleDisconnect() error {
	if c.region.Uint64(wire.SenderConsumed) != c.produced {
		return nil
	}
	done, err := c.p.proc.Inquire(c.last)
	if err != nil || !done {
		return err
	}
	c.state = ChannelDisconnected
	if c.disconnectReq != nil {
		c.disconnectReq.finish(0, nil)
	}
	c.p.logEvent("channel_disconnected", logKV(labelPeer, c.peer), logKV("direction", c.dir))
	return nil
}

// progressReceive drains ring slots published by the sender into pending
// receives, then returns the consumed count to the sender once.
func (c *Channel) progressReceive() error {
	if c.state != ChannelConnected {
		return nil
	}
	start := c.consumed
	produced := c.region.Uint64(wire.ReceiverProduced)
	for c.consumed < produced {
		off := c.receiver.Slot(c.consumed)
		tag, residual := wire.UnpackHeader(c.region.Uint64(off))
		n, last := wire.ChunkLength(residual, c.receiver.PayloadCapacity)

		if tag == wire.TagDisconnect {
			c.consumed++
			c.receiveDisconnect()
			break
		}
		if c.discarding {
			c.consumed++
			c.discarding = !last
			continue
		}
		req, ok := c.requests.Peek(0)
		if !ok {
			break
		}
		if req.kind == RequestDisconnect {
			// Data behind a local disconnect has no receive to land in.
			c.consumed++
			c.discarding = !last
			continue
		}
		room := uint64(len(req.buf) - req.offset)
		if room > n {
			room = n
		}
		if room > 0 {
			if err := c.region.ReadAt(req.buf[req.offset:req.offset+int(room)], off+wire.WordSize); err != nil {
				return err
			}
			req.offset += int(room)
		}
		c.consumed++
		// A full buffer ends the receive; the rest of the message is dropped.
		if last || req.offset == len(req.buf) {
			c.discarding = !last
			c.requests.Pop()
			req.finish(req.offset, nil)
			c.p.stats.received.Add(1)
			c.p.logEvent("message_received", logKV(labelPeer, c.peer), logKV("bytes", req.offset))
			c.p.metric(MetricHook.MessageReceived, logKV(labelPeer, c.peer))
		}
	}
	if c.consumed == start {
		return nil
	}
	c.region.PutUint64(wire.ReceiverConsumed, c.consumed)
	h, err := c.p.proc.Copy(c.peerAddr.Add(wire.SenderConsumed), c.region.Address(wire.ReceiverConsumed), wire.WordSize, c.last)
	if err != nil {
		return err
	}
	c.last = h
	return nil
}

// receiveDisconnect handles the sender's marker: pending receives fail and a
// local disconnect request completes.
func (c *Channel) receiveDisconnect() {
	c.state = ChannelDisconnected
	for !c.requests.IsEmpty() {
		req, _ := c.requests.Pop()
		if req.kind == RequestDisconnect {
			req.finish(0, nil)
			continue
		}
		req.finish(req.offset, ErrDisconnected)
	}
	c.p.logEvent("channel_disconnected", logKV(labelPeer, c.peer), logKV("direction", c.dir))
}
