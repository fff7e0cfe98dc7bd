package ga

import (
	"fmt"
)

// Copy issues an asynchronous copy of size bytes from src to dst. Either address
// may be local or remote. The copy is ordered after the operation named by
// after; since a process executes its operations in issue order, naming any
// already issued handle is sufficient.
func (p *Process) Copy(dst, src Address, size int, after Handle) (Handle, error) {
	if p == nil {
		return HandleNone, ErrInvalidHandle{"process"}
	}
	if after != HandleNone && after != HandleAll && uint64(after) > p.issued.Load() {
		return HandleNone, fmt.Errorf("%w: after=%d", ErrUnknownHandle, after)
	}
	if size < 0 {
		return HandleNone, fmt.Errorf("ga: negative copy size %d", size)
	}
	dr, err := p.world.resolve(dst)
	if err != nil {
		return HandleNone, fmt.Errorf("copy destination: %w", err)
	}
	sr, err := p.world.resolve(src)
	if err != nil {
		return HandleNone, fmt.Errorf("copy source: %w", err)
	}
	if err := dr.check(dst.Offset(), size); err != nil {
		return HandleNone, fmt.Errorf("copy destination: %w", err)
	}
	if err := sr.check(src.Offset(), size); err != nil {
		return HandleNone, fmt.Errorf("copy source: %w", err)
	}
	return p.issue(func() error {
		tmp := make([]byte, size)
		if err := sr.ReadAt(tmp, src.Offset()); err != nil {
			return fmt.Errorf("copy from %s: %w", src, err)
		}
		if err := dr.WriteAt(tmp, dst.Offset()); err != nil {
			return fmt.Errorf("copy to %s: %w", dst, err)
		}
		return nil
	})
}
