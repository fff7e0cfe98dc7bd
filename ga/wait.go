package ga

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// Inquire reports whether every operation issued no later than h has executed.
func (p *Process) Inquire(h Handle) (bool, error) {
	target, err := p.target(h)
	if err != nil {
		return false, err
	}
	if err := p.EngineError(); err != nil {
		return false, err
	}
	return p.completed.Load() >= uint64(target), nil
}

// Complete blocks until every operation issued no later than h has executed.
func (p *Process) Complete(h Handle) error {
	return p.Wait(context.Background(), h)
}

// Wait behaves like Complete but returns early when ctx ends.
func (p *Process) Wait(ctx context.Context, h Handle) error {
	target, err := p.target(h)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	backoff := time.Microsecond
	for spins := 0; ; spins++ {
		if err := p.EngineError(); err != nil {
			return err
		}
		if p.completed.Load() >= uint64(target) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if spins < 64 {
			runtime.Gosched()
			continue
		}
		time.Sleep(backoff)
		if backoff < 100*time.Microsecond {
			backoff *= 2
		}
	}
}

func (p *Process) target(h Handle) (Handle, error) {
	if p == nil {
		return HandleNone, ErrInvalidHandle{"process"}
	}
	issued := Handle(p.issued.Load())
	switch {
	case h == HandleNone:
		return HandleNone, nil
	case h == HandleAll:
		return issued, nil
	case h > issued:
		return HandleNone, fmt.Errorf("%w: %d (issued %d)", ErrUnknownHandle, h, issued)
	}
	return h, nil
}
