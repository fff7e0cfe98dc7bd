package rendezvous

import (
	"maps"
	"slices"

	"github.com/creachadair/mds/queue"
)

// PeerQueues keeps one FIFO per peer rank. Only the front item of each peer's
// FIFO is active; the rest wait in creation order.
type PeerQueues[T any] struct {
	byPeer map[int]*queue.Queue[T]
	n      int
}

// NewPeerQueues returns an empty set of per-peer FIFOs.
func NewPeerQueues[T any]() *PeerQueues[T] {
	return &PeerQueues[T]{byPeer: make(map[int]*queue.Queue[T])}
}

// Push appends v to peer's FIFO and reports whether v became its front item.
func (p *PeerQueues[T]) Push(peer int, v T) bool {
	q, ok := p.byPeer[peer]
	if !ok {
		q = queue.New[T]()
		p.byPeer[peer] = q
	}
	q.Add(v)
	p.n++
	return q.Len() == 1
}

// Front returns the active item for peer.
func (p *PeerQueues[T]) Front(peer int) (T, bool) {
	q, ok := p.byPeer[peer]
	if !ok {
		var zero T
		return zero, false
	}
	return q.Peek(0)
}

// Pop removes and returns the active item for peer. The next item, if any,
// becomes active.
func (p *PeerQueues[T]) Pop(peer int) (T, bool) {
	q, ok := p.byPeer[peer]
	if !ok {
		var zero T
		return zero, false
	}
	v, ok := q.Pop()
	if !ok {
		return v, false
	}
	p.n--
	if q.IsEmpty() {
		delete(p.byPeer, peer)
	}
	return v, true
}

// Len returns the number of items across all peers.
func (p *PeerQueues[T]) Len() int {
	return p.n
}

// Peers returns the ranks with at least one item, in ascending order.
func (p *PeerQueues[T]) Peers() []int {
	return slices.Sorted(maps.Keys(p.byPeer))
}
