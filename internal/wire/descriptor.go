package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/rocketbitz/gacomm-go/ga"
)

// WordSize is the width of every counter and flag in the shared layouts.
const WordSize = 8

const (
	// SegmentSlotSize is the size of a segmented-buffer request slot: the
	// address of the requester's control block.
	SegmentSlotSize = WordSize
	// DescriptorSize is the encoded size of a channel Descriptor.
	DescriptorSize = 6 * WordSize
	// ChannelSlotSize is a descriptor followed by its presence word.
	ChannelSlotSize = DescriptorSize + WordSize
)

// Descriptor is the request a channel sender posts into the receiver's queue.
type Descriptor struct {
	RequesterAddress ga.Address
	RequesterRank    uint64
	State            uint64
	PayloadCapacity  uint64
	ReceiveWindow    uint64
	SendWindow       uint64
}

// MarshalTo encodes d into the first DescriptorSize bytes of b.
func (d Descriptor) MarshalTo(b []byte) error {
	if len(b) < DescriptorSize {
		return errors.Errorf("descriptor buffer too small: %d bytes", len(b))
	}
	binary.LittleEndian.PutUint64(b[0:], uint64(d.RequesterAddress))
	binary.LittleEndian.PutUint64(b[8:], d.RequesterRank)
	binary.LittleEndian.PutUint64(b[16:], d.State)
	binary.LittleEndian.PutUint64(b[24:], d.PayloadCapacity)
	binary.LittleEndian.PutUint64(b[32:], d.ReceiveWindow)
	binary.LittleEndian.PutUint64(b[40:], d.SendWindow)
	return nil
}

// UnmarshalDescriptor decodes a descriptor from b.
func UnmarshalDescriptor(b []byte) (Descriptor, error) {
	if len(b) < DescriptorSize {
		return Descriptor{}, errors.Errorf("descriptor buffer too small: %d bytes", len(b))
	}
	return Descriptor{
		RequesterAddress: ga.Address(binary.LittleEndian.Uint64(b[0:])),
		RequesterRank:    binary.LittleEndian.Uint64(b[8:]),
		State:            binary.LittleEndian.Uint64(b[16:]),
		PayloadCapacity:  binary.LittleEndian.Uint64(b[24:]),
		ReceiveWindow:    binary.LittleEndian.Uint64(b[32:]),
		SendWindow:       binary.LittleEndian.Uint64(b[40:]),
	}, nil
}

// Compatible reports whether two descriptors agree on the fixed channel
// parameters.
func (d Descriptor) Compatible(o Descriptor) bool {
	return d.PayloadCapacity == o.PayloadCapacity &&
		d.ReceiveWindow == o.ReceiveWindow &&
		d.SendWindow == o.SendWindow
}
