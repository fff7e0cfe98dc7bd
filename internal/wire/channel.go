package wire

import "github.com/pkg/errors"

// ChannelParams are the fixed parameters both ends of a channel must share.
type ChannelParams struct {
	PayloadCapacity uint64
	ReceiveWindow   uint64
	SendWindow      uint64
}

// Validate checks that the parameters describe a usable ring.
func (p ChannelParams) Validate() error {
	switch {
	case p.PayloadCapacity == 0:
		return errors.New("payload capacity must be positive")
	case p.PayloadCapacity > MaxLength:
		return errors.Errorf("payload capacity %d exceeds header capacity", p.PayloadCapacity)
	case p.ReceiveWindow == 0:
		return errors.New("receive window must be at least 1")
	case p.SendWindow == 0:
		return errors.New("send window must be at least 1")
	}
	return nil
}

// Offsets within a sender region. Consumed, PeerAddr and State are written by
// the receiver.
const (
	SenderConsumed       = 0
	SenderPeerAddr       = 8
	SenderState          = 16
	SenderScratchHead    = 24
	SenderScratchOrdinal = 32
	SenderPresenceCell   = 40
	SenderSwapScratch    = 48
	SenderDescriptor     = 56
	senderStaging        = SenderDescriptor + DescriptorSize
)

// Sender is the layout of a send endpoint region: fixed words, the outgoing
// descriptor, then SendWindow staging slots of [produced cell][header][payload].
type Sender struct {
	ChannelParams
}

// StagingSlot returns the offset of staging slot i.
func (s Sender) StagingSlot(i uint64) uint64 {
	return senderStaging + i*s.stagingStride()
}

// ProducedCell returns the offset of the produced-count cell of staging slot i.
func (s Sender) ProducedCell(i uint64) uint64 {
	return s.StagingSlot(i)
}

// Message returns the offset of the header word of staging slot i. The payload
// follows the header.
func (s Sender) Message(i uint64) uint64 {
	return s.StagingSlot(i) + WordSize
}

func (s Sender) stagingStride() uint64 {
	return 2*WordSize + s.PayloadCapacity
}

// Size returns the byte size of the sender region.
func (s Sender) Size() int {
	return int(senderStaging + s.SendWindow*s.stagingStride())
}

// Offsets within a receiver region. Produced is written by the sender.
const (
	ReceiverProduced    = 0
	ReceiverPeer        = 8
	ReceiverConsumed    = 16
	ReceiverSwapScratch = 24
	receiverRing        = 32
)

// Receiver is the layout of a receive endpoint region: fixed words then
// ReceiveWindow ring slots of [header][payload].
type Receiver struct {
	ChannelParams
}

// Slot returns the offset of the ring slot holding message sequence number n.
func (r Receiver) Slot(n uint64) uint64 {
	return receiverRing + (n%r.ReceiveWindow)*r.SlotSize()
}

// SlotSize returns the size of one ring slot.
func (r Receiver) SlotSize() uint64 {
	return WordSize + r.PayloadCapacity
}

// Size returns the byte size of the receiver region.
func (r Receiver) Size() int {
	return int(receiverRing + r.ReceiveWindow*r.SlotSize())
}
