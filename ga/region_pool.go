package ga

import (
	"errors"
	"sync/atomic"
)

// RegionPool manages reusable registered regions of a fixed size.
type RegionPool struct {
	proc   *Process
	size   int
	pool   chan *Region
	closed atomic.Bool
}

// NewRegionPool constructs a pool that dispenses regions registered with proc.
// The pool provisions regions lazily and retains up to capacity released ones.
func NewRegionPool(proc *Process, size int, capacity int) (*RegionPool, error) {
	if proc == nil {
		return nil, ErrInvalidHandle{"process"}
	}
	if size <= 0 {
		return nil, errors.New("ga: RegionPool requires positive region size")
	}
	if capacity < 0 {
		capacity = 0
	}
	return &RegionPool{
		proc: proc,
		size: size,
		pool: make(chan *Region, capacity),
	}, nil
}

// Size returns the size of the regions handed out by the pool.
func (p *RegionPool) Size() int {
	if p == nil {
		return 0
	}
	return p.size
}

// Acquire returns a zeroed region from the pool, registering a new one when the
// pool is empty. Callers must Release the region when finished.
func (p *RegionPool) Acquire() (*Region, error) {
	if p == nil {
		return nil, errors.New("ga: nil RegionPool")
	}
	if p.closed.Load() {
		return nil, errors.New("ga: RegionPool closed")
	}
	select {
	case r := <-p.pool:
		if err := r.Zero(0, r.Size()); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return p.proc.Register(p.size)
	}
}

// Release returns the region to the pool for reuse. Regions of a different size,
// or released after Close, are deregistered immediately. The region stays
// registered under the same address, so the caller must know that no remote
// operation still targets it.
func (p *RegionPool) Release(r *Region) {
	if p == nil || r == nil {
		return
	}
	if p.closed.Load() || r.Size() != p.size {
		_ = p.proc.Deregister(r)
		return
	}
	select {
	case p.pool <- r:
	default:
		_ = p.proc.Deregister(r)
	}
}

// Close deregisters all pooled regions and prevents further acquisitions.
func (p *RegionPool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case r := <-p.pool:
			_ = p.proc.Deregister(r)
		default:
			return
		}
	}
}
