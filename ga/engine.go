package ga

import (
	"fmt"
)

type operation struct {
	handle Handle
	run    func() error
}

func (p *Process) start() {
	if p.world.cfg.synchronous {
		close(p.done)
		return
	}
	p.ops = make(chan operation, p.world.cfg.queueDepth)
	go p.engine()
}

// engine executes issued operations strictly in issue order.
func (p *Process) engine() {
	defer close(p.done)
	for op := range p.ops {
		p.execute(op)
	}
}

func (p *Process) execute(op operation) {
	if err := op.run(); err != nil {
		p.engineErr.CompareAndSwap(nil, &errorHolder{err: fmt.Errorf("operation %d: %w", op.handle, err)})
	}
	p.completed.Store(uint64(op.handle))
}

func (p *Process) stop() {
	p.issueMu.Lock()
	if p.closed.CompareAndSwap(false, true) && p.ops != nil {
		close(p.ops)
	}
	p.issueMu.Unlock()
	<-p.done
}

// issue assigns the next handle to run and queues it on the engine.
func (p *Process) issue(run func() error) (Handle, error) {
	p.issueMu.Lock()
	defer p.issueMu.Unlock()
	if p.closed.Load() {
		return HandleNone, ErrClosed
	}
	h := Handle(p.issued.Add(1))
	op := operation{handle: h, run: run}
	if p.ops == nil {
		p.execute(op)
		return h, nil
	}
	p.ops <- op
	return h, nil
}

// EngineError reports the first asynchronous execution failure, if any.
func (p *Process) EngineError() error {
	if holder := p.engineErr.Load(); holder != nil {
		return holder.err
	}
	return nil
}

// Issued returns the most recently issued handle.
func (p *Process) Issued() Handle {
	return Handle(p.issued.Load())
}
