package rendezvous

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/rocketbitz/gacomm-go/ga"
	"github.com/rocketbitz/gacomm-go/internal/wire"
)

// Disposition is a handler's verdict on one queued request.
type Disposition int

const (
	// Unmatched leaves the entry in the queue.
	Unmatched Disposition = iota
	// Matched means the entry was answered, accepted or refused, and the slot
	// may be resolved.
	Matched
	// Deferred means the entry was moved to an in-process wait list.
	Deferred
)

// Handler is the kind-specific half of the server side of the protocol.
type Handler interface {
	// Match inspects one present entry, in ordinal order.
	Match(ordinal uint64, slot []byte) (Disposition, error)
	// Evict tells the requester named by slot that its request was dropped.
	Evict(slot []byte) error
}

// ScanResult summarises one Scan pass.
type ScanResult struct {
	Matched   int
	Deferred  int
	Unmatched int
}

// MaintainResult summarises one Maintain pass.
type MaintainResult struct {
	Advanced  uint64
	Compacted int
	Evicted   bool
}

// Scanner serves the local end of one rendezvous queue. It must only be used
// by the process that owns the region.
type Scanner struct {
	region  *ga.Region
	queue   wire.Queue
	compact bool

	// candidate is the identity word of the oldest entry the last scan left
	// unmatched; only that entry may be evicted.
	candidate uint64
}

// NewScanner serves queue inside region. With compact set, Maintain squeezes
// resolved slots out from between live entries instead of only advancing the
// head over a leading run of them.
func NewScanner(region *ga.Region, queue wire.Queue, compact bool) (*Scanner, error) {
	if region == nil {
		return nil, errors.New("scanner requires a region")
	}
	if uint64(region.Size()) < queue.End() {
		return nil, errors.Errorf("region of %d bytes cannot hold queue ending at %d", region.Size(), queue.End())
	}
	return &Scanner{region: region, queue: queue, compact: compact}, nil
}

// Head returns the local queue head.
func (s *Scanner) Head() uint64 {
	return s.region.Uint64(s.queue.Head)
}

// Tail returns the number of ordinals claimed so far.
func (s *Scanner) Tail() uint64 {
	return s.region.Uint64(s.queue.Tail)
}

// Outstanding returns the number of claimed but unresolved ordinals.
func (s *Scanner) Outstanding() uint64 {
	return s.Tail() - s.Head()
}

// Scan walks the queue from head toward tail and offers every present entry
// to h, stopping at the first slot nobody has written yet.
func (s *Scanner) Scan(h Handler) (ScanResult, error) {
	var res ScanResult
	head, limit := s.window()
	s.candidate = 0
	buf := make([]byte, s.queue.SlotSize)
	for ord := head; ord < limit; ord++ {
		off := s.queue.SlotOffset(ord)
		switch wire.Presence(s.region.Uint64(off + s.queue.PresenceOffset)) {
		case wire.SlotEmpty:
			return res, nil
		case wire.SlotResolved:
			continue
		}
		if err := s.region.ReadAt(buf, off); err != nil {
			return res, errors.WithStack(err)
		}
		d, err := h.Match(ord, buf)
		if err != nil {
			return res, errors.Wrapf(err, "match ordinal %d", ord)
		}
		switch d {
		case Matched:
			res.Matched++
		case Deferred:
			res.Deferred++
		default:
			res.Unmatched++
			if s.candidate == 0 {
				s.candidate = identity(buf, s.queue)
			}
			continue
		}
		if err := s.resolve(off); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Maintain reclaims resolved slots by advancing the head, compacting if
// configured, and then evicts the head entry when the queue is full and the
// previous scan already found no match for it.
func (s *Scanner) Maintain(h Handler) (MaintainResult, error) {
	var res MaintainResult
	var err error
	if s.compact {
		res.Advanced, res.Compacted, err = s.compactRange()
	} else {
		res.Advanced, err = s.advance()
	}
	if err != nil {
		return res, err
	}

	head := s.Head()
	if s.candidate == 0 || s.Tail()-head < s.queue.Capacity {
		return res, nil
	}
	off := s.queue.SlotOffset(head)
	if wire.Presence(s.region.Uint64(off+s.queue.PresenceOffset)) != wire.SlotPresent {
		return res, nil
	}
	buf := make([]byte, s.queue.SlotSize)
	if err := s.region.ReadAt(buf, off); err != nil {
		return res, errors.WithStack(err)
	}
	if identity(buf, s.queue) != s.candidate {
		return res, nil
	}
	if err := h.Evict(buf); err != nil {
		return res, errors.Wrapf(err, "evict ordinal %d", head)
	}
	if err := s.region.Zero(off, int(s.queue.SlotSize)); err != nil {
		return res, errors.WithStack(err)
	}
	s.region.PutUint64(s.queue.Head, head+1)
	s.candidate = 0
	res.Evicted = true
	res.Advanced++
	return res, nil
}

// window returns the head and the first ordinal a requester cannot have
// written yet.
func (s *Scanner) window() (uint64, uint64) {
	head, tail := s.Head(), s.Tail()
	return head, min(tail, head+s.queue.Capacity)
}

func (s *Scanner) resolve(off uint64) error {
	if err := s.region.Zero(off, int(s.queue.SlotSize)); err != nil {
		return errors.WithStack(err)
	}
	s.region.PutUint64(off+s.queue.PresenceOffset, wire.SlotResolved)
	return nil
}

// advance zeroes the leading run of resolved slots and moves the head past it.
// Slots are zeroed before the head moves so a requester that sees the new head
// always writes into a clean slot.
func (s *Scanner) advance() (uint64, error) {
	head, limit := s.window()
	next := head
	for ; next < limit; next++ {
		off := s.queue.SlotOffset(next)
		if s.region.Uint64(off+s.queue.PresenceOffset) != wire.SlotResolved {
			break
		}
		if err := s.region.Zero(off, int(s.queue.SlotSize)); err != nil {
			return 0, errors.WithStack(err)
		}
	}
	if next != head {
		s.region.PutUint64(s.queue.Head, next)
	}
	return next - head, nil
}

// compactRange packs the live entries of [head, first empty slot) against the
// end of that range, preserving their order, and advances the head to the
// first of them.
func (s *Scanner) compactRange() (uint64, int, error) {
	head, limit := s.window()
	var live [][]byte
	end := head
	for ; end < limit; end++ {
		off := s.queue.SlotOffset(end)
		p := wire.Presence(s.region.Uint64(off + s.queue.PresenceOffset))
		if p == wire.SlotEmpty {
			break
		}
		if p == wire.SlotPresent {
			buf := make([]byte, s.queue.SlotSize)
			if err := s.region.ReadAt(buf, off); err != nil {
				return 0, 0, errors.WithStack(err)
			}
			live = append(live, buf)
		}
	}
	newHead := end - uint64(len(live))
	if newHead == head {
		return 0, 0, nil
	}
	for ord := head; ord < end; ord++ {
		if err := s.region.Zero(s.queue.SlotOffset(ord), int(s.queue.SlotSize)); err != nil {
			return 0, 0, errors.WithStack(err)
		}
	}
	for i, buf := range live {
		if err := s.region.WriteAt(buf, s.queue.SlotOffset(newHead+uint64(i))); err != nil {
			return 0, 0, errors.WithStack(err)
		}
	}
	s.region.PutUint64(s.queue.Head, newHead)
	return newHead - head, len(live), nil
}

func identity(slot []byte, q wire.Queue) uint64 {
	return binary.LittleEndian.Uint64(slot[q.IdentityOffset:])
}
