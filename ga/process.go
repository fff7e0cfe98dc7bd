package ga

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Process is one rank of a World. It owns registered regions and issues
// one-sided operations against any rank's memory.
type Process struct {
	world *World
	rank  int

	regionsMu sync.RWMutex
	regions   map[Key]*Region
	nextKey   Key
	freeKeys  []Key

	issueMu   sync.Mutex
	issued    atomic.Uint64
	completed atomic.Uint64
	ops       chan operation
	engineErr atomic.Pointer[errorHolder]
	closed    atomic.Bool
	done      chan struct{}
}

func newProcess(w *World, rank int) *Process {
	return &Process{
		world:   w,
		rank:    rank,
		regions: make(map[Key]*Region),
		nextKey: BootstrapKey + 1,
		done:    make(chan struct{}),
	}
}

// Rank returns the rank of the process.
func (p *Process) Rank() int {
	return p.rank
}

// Size returns the number of ranks in the world.
func (p *Process) Size() int {
	return p.world.Size()
}

// WorldID returns the identifier of the enclosing world.
func (p *Process) WorldID() string {
	return p.world.ID()
}

// Bootstrap returns the local bootstrap region.
func (p *Process) Bootstrap() *Region {
	return p.region(BootstrapKey)
}

// BootstrapAddress returns the address of the bootstrap region of rank.
func (p *Process) BootstrapAddress(rank int) Address {
	return MakeAddress(rank, BootstrapKey, 0)
}

// AddressOf returns the global address of offset off in the local region key.
func (p *Process) AddressOf(key Key, off uint64) Address {
	return MakeAddress(p.rank, key, off)
}

// Register allocates and registers a zeroed region of size bytes.
func (p *Process) Register(size int) (*Region, error) {
	if p == nil {
		return nil, ErrInvalidHandle{"process"}
	}
	if p.closed.Load() {
		return nil, ErrClosed
	}
	p.regionsMu.Lock()
	var key Key
	if n := len(p.freeKeys); n > 0 {
		key = p.freeKeys[n-1]
		p.freeKeys = p.freeKeys[:n-1]
	} else {
		if p.nextKey == 0 {
			p.regionsMu.Unlock()
			return nil, errors.New("ga: registration keys exhausted")
		}
		key = p.nextKey
		p.nextKey++
	}
	p.regionsMu.Unlock()
	return p.registerKey(key, size)
}

func (p *Process) registerKey(key Key, size int) (*Region, error) {
	if size <= 0 || size > maxOffset {
		return nil, fmt.Errorf("ga: region size %d out of range", size)
	}
	r := &Region{owner: p, key: key, buf: make([]byte, size)}
	p.regionsMu.Lock()
	p.regions[key] = r
	p.regionsMu.Unlock()
	return r, nil
}

// Deregister releases a region. Operations still targeting it fail.
func (p *Process) Deregister(r *Region) error {
	if r == nil || r.owner != p {
		return ErrInvalidHandle{"region"}
	}
	if r.key == BootstrapKey {
		return errors.New("ga: bootstrap region cannot be deregistered")
	}
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.regionsMu.Lock()
	delete(p.regions, r.key)
	p.freeKeys = append(p.freeKeys, r.key)
	p.regionsMu.Unlock()
	return nil
}

// Resolve maps a local global address to its region and offset.
func (p *Process) Resolve(a Address) (*Region, uint64, error) {
	if a.Rank() != p.rank {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotLocal, a)
	}
	r := p.region(a.Key())
	if r == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidAddress, a)
	}
	return r, a.Offset(), nil
}

func (p *Process) region(key Key) *Region {
	p.regionsMu.RLock()
	defer p.regionsMu.RUnlock()
	return p.regions[key]
}
