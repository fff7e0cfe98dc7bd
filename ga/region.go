package ga

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

// Region is a block of memory registered with a process. Remote processes reach
// it only through the one-sided operations; the owner uses the accessor methods,
// which serialize against in-flight operations touching the same region.
type Region struct {
	owner  *Process
	key    Key
	mu     sync.Mutex
	buf    []byte
	closed atomic.Bool
}

// Key returns the registration key for the region.
func (r *Region) Key() Key {
	if r == nil {
		return 0
	}
	return r.key
}

// Size returns the registered length in bytes.
func (r *Region) Size() int {
	if r == nil {
		return 0
	}
	return len(r.buf)
}

// Address returns the global address of the byte at off.
func (r *Region) Address(off uint64) Address {
	if r == nil || r.owner == nil {
		return AddressNull
	}
	return MakeAddress(r.owner.rank, r.key, off)
}

// Uint64 loads the little-endian word at off.
func (r *Region) Uint64(off uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return binary.LittleEndian.Uint64(r.buf[off : off+8])
}

// PutUint64 stores v at off.
func (r *Region) PutUint64(off uint64, v uint64) {
	r.mu.Lock()
	binary.LittleEndian.PutUint64(r.buf[off:off+8], v)
	r.mu.Unlock()
}

// ReadAt copies len(p) bytes starting at off into p.
func (r *Region) ReadAt(p []byte, off uint64) error {
	if err := r.check(off, len(p)); err != nil {
		return err
	}
	r.mu.Lock()
	copy(p, r.buf[off:])
	r.mu.Unlock()
	return nil
}

// WriteAt copies p into the region starting at off.
func (r *Region) WriteAt(p []byte, off uint64) error {
	if err := r.check(off, len(p)); err != nil {
		return err
	}
	r.mu.Lock()
	copy(r.buf[off:], p)
	r.mu.Unlock()
	return nil
}

// Zero clears n bytes starting at off.
func (r *Region) Zero(off uint64, n int) error {
	if err := r.check(off, n); err != nil {
		return err
	}
	r.mu.Lock()
	clear(r.buf[off : off+uint64(n)])
	r.mu.Unlock()
	return nil
}

func (r *Region) check(off uint64, n int) error {
	if r == nil || r.closed.Load() {
		return ErrInvalidHandle{"region"}
	}
	if n < 0 || off+uint64(n) > uint64(len(r.buf)) {
		return fmt.Errorf("%w: offset %d length %d size %d", ErrOutOfBounds, off, n, len(r.buf))
	}
	return nil
}

func (r *Region) load(off uint64, width int) uint64 {
	if width == 4 {
		return uint64(binary.LittleEndian.Uint32(r.buf[off : off+4]))
	}
	return binary.LittleEndian.Uint64(r.buf[off : off+8])
}

func (r *Region) store(off uint64, width int, v uint64) {
	if width == 4 {
		binary.LittleEndian.PutUint32(r.buf[off:off+4], uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(r.buf[off:off+8], v)
}
