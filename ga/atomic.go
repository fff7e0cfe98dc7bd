package ga

import "fmt"

// The atomic operations read the word at src, replace it according to the
// operation, and store the previous value at dst. dst must be local to the
// calling process; src may be local or remote. Updates to the same word are
// serialized regardless of which process issues them.

// CAS4 replaces the 4-byte word at src with swap if it equals compare.
func (p *Process) CAS4(dst, src Address, compare, swap uint32) (Handle, error) {
	return p.fetchOp(dst, src, 4, func(old uint64) uint64 {
		if uint32(old) == compare {
			return uint64(swap)
		}
		return old
	})
}

// CAS8 replaces the 8-byte word at src with swap if it equals compare.
func (p *Process) CAS8(dst, src Address, compare, swap uint64) (Handle, error) {
	return p.fetchOp(dst, src, 8, func(old uint64) uint64 {
		if old == compare {
			return swap
		}
		return old
	})
}

// Swap4 stores value at src.
func (p *Process) Swap4(dst, src Address, value uint32) (Handle, error) {
	return p.fetchOp(dst, src, 4, func(uint64) uint64 { return uint64(value) })
}

// Swap8 stores value at src.
func (p *Process) Swap8(dst, src Address, value uint64) (Handle, error) {
	return p.fetchOp(dst, src, 8, func(uint64) uint64 { return value })
}

// Add4 adds delta to the word at src.
func (p *Process) Add4(dst, src Address, delta uint32) (Handle, error) {
	return p.fetchOp(dst, src, 4, func(old uint64) uint64 { return uint64(uint32(old) + delta) })
}

// Add8 adds delta to the word at src.
func (p *Process) Add8(dst, src Address, delta uint64) (Handle, error) {
	return p.fetchOp(dst, src, 8, func(old uint64) uint64 { return old + delta })
}

// Xor4 xors mask into the word at src.
func (p *Process) Xor4(dst, src Address, mask uint32) (Handle, error) {
	return p.fetchOp(dst, src, 4, func(old uint64) uint64 { return old ^ uint64(mask) })
}

// Xor8 xors mask into the word at src.
func (p *Process) Xor8(dst, src Address, mask uint64) (Handle, error) {
	return p.fetchOp(dst, src, 8, func(old uint64) uint64 { return old ^ mask })
}

// Or4 ors mask into the word at src.
func (p *Process) Or4(dst, src Address, mask uint32) (Handle, error) {
	return p.fetchOp(dst, src, 4, func(old uint64) uint64 { return old | uint64(mask) })
}

// Or8 ors mask into the word at src.
func (p *Process) Or8(dst, src Address, mask uint64) (Handle, error) {
	return p.fetchOp(dst, src, 8, func(old uint64) uint64 { return old | mask })
}

// And4 ands mask into the word at src.
func (p *Process) And4(dst, src Address, mask uint32) (Handle, error) {
	return p.fetchOp(dst, src, 4, func(old uint64) uint64 { return old & uint64(mask) })
}

// And8 ands mask into the word at src.
func (p *Process) And8(dst, src Address, mask uint64) (Handle, error) {
	return p.fetchOp(dst, src, 8, func(old uint64) uint64 { return old & mask })
}

func (p *Process) fetchOp(dst, src Address, width int, update func(old uint64) uint64) (Handle, error) {
	if p == nil {
		return HandleNone, ErrInvalidHandle{"process"}
	}
	if dst.Rank() != p.rank {
		return HandleNone, fmt.Errorf("%w: atomic result %s", ErrNotLocal, dst)
	}
	if dst.Offset()%uint64(width) != 0 || src.Offset()%uint64(width) != 0 {
		return HandleNone, fmt.Errorf("%w: width %d dst %s src %s", ErrUnaligned, width, dst, src)
	}
	dr, err := p.world.resolve(dst)
	if err != nil {
		return HandleNone, fmt.Errorf("atomic result: %w", err)
	}
	sr, err := p.world.resolve(src)
	if err != nil {
		return HandleNone, fmt.Errorf("atomic target: %w", err)
	}
	if err := dr.check(dst.Offset(), width); err != nil {
		return HandleNone, fmt.Errorf("atomic result: %w", err)
	}
	if err := sr.check(src.Offset(), width); err != nil {
		return HandleNone, fmt.Errorf("atomic target: %w", err)
	}
	return p.issue(func() error {
		if sr.closed.Load() || dr.closed.Load() {
			return fmt.Errorf("%w: atomic on released region", ErrInvalidAddress)
		}
		sr.mu.Lock()
		old := sr.load(src.Offset(), width)
		sr.store(src.Offset(), width, update(old))
		sr.mu.Unlock()

		dr.mu.Lock()
		dr.store(dst.Offset(), width, old)
		dr.mu.Unlock()
		return nil
	})
}
