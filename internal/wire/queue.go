package wire

import "github.com/pkg/errors"

// Slot presence values. The presence word of a rendezvous slot is zero until
// the requester finished writing it.
const (
	SlotEmpty    uint64 = 0
	SlotResolved uint64 = 1
	SlotPresent  uint64 = 2
)

// Queue is the layout of one rendezvous request queue inside a bootstrap
// region. Head and Tail are monotonic counters; slot i of the ring holds the
// request claimed with ordinal i modulo Capacity.
type Queue struct {
	Head     uint64
	Tail     uint64
	Slots    uint64
	SlotSize uint64
	// PresenceOffset locates the word inside a slot that tells empty, resolved
	// and present entries apart.
	PresenceOffset uint64
	// IdentityOffset locates the word inside a slot that names the requester
	// record. It is non-zero for every present entry.
	IdentityOffset uint64
	Capacity       uint64
}

// SlotOffset returns the region offset of the slot claimed with ordinal.
func (q Queue) SlotOffset(ordinal uint64) uint64 {
	return q.Slots + (ordinal%q.Capacity)*q.SlotSize
}

// End returns the first offset past the queue.
func (q Queue) End() uint64 {
	return q.Slots + q.Capacity*q.SlotSize
}

// Presence classifies a presence word. Segmented-buffer slots store the
// requester address in the presence word itself, so every value above
// SlotResolved counts as present.
func Presence(word uint64) uint64 {
	switch word {
	case SlotEmpty, SlotResolved:
		return word
	default:
		return SlotPresent
	}
}

// Bootstrap is the layout of the per-rank bootstrap region: the
// segmented-buffer request queue followed by the channel request queue. Every
// rank must derive it from identical capacities.
type Bootstrap struct {
	Segment Queue
	Channel Queue
}

// NewBootstrap computes the bootstrap layout for the given queue capacities.
func NewBootstrap(segmentCapacity, channelCapacity int) (Bootstrap, error) {
	if segmentCapacity <= 0 {
		return Bootstrap{}, errors.Errorf("segment queue capacity must be positive, got %d", segmentCapacity)
	}
	if channelCapacity <= 0 {
		return Bootstrap{}, errors.Errorf("channel queue capacity must be positive, got %d", channelCapacity)
	}
	seg := Queue{
		Head:           0,
		Tail:           WordSize,
		Slots:          2 * WordSize,
		SlotSize:       SegmentSlotSize,
		PresenceOffset: 0,
		IdentityOffset: 0,
		Capacity:       uint64(segmentCapacity),
	}
	chBase := seg.End()
	ch := Queue{
		Head:           chBase,
		Tail:           chBase + WordSize,
		Slots:          chBase + 2*WordSize,
		SlotSize:       ChannelSlotSize,
		PresenceOffset: DescriptorSize,
		IdentityOffset: 0,
		Capacity:       uint64(channelCapacity),
	}
	return Bootstrap{Segment: seg, Channel: ch}, nil
}

// Size returns the number of bootstrap bytes the layout occupies.
func (b Bootstrap) Size() uint64 {
	return b.Channel.End()
}
